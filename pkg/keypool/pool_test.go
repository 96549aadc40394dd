package keypool

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/wisbric/tavilybridge/internal/keycrypt"
	"github.com/wisbric/tavilybridge/pkg/bridgeerr"
	"github.com/wisbric/tavilybridge/pkg/creditsnapshot"
	"github.com/wisbric/tavilybridge/pkg/upstreamkey"
)

type memStore struct {
	mu   sync.Mutex
	keys map[string]*upstreamkey.Key
}

func newMemStore(keys ...*upstreamkey.Key) *memStore {
	m := &memStore{keys: map[string]*upstreamkey.Key{}}
	for _, k := range keys {
		m.keys[k.ID] = k
	}
	return m
}

func (m *memStore) Get(ctx context.Context, id string) (*upstreamkey.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	cp := *k
	return &cp, nil
}

func (m *memStore) EligibleCandidates(ctx context.Context, provider upstreamkey.Provider, now time.Time, limit int) ([]*upstreamkey.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*upstreamkey.Key
	for _, k := range m.keys {
		if k.Provider != provider || !k.Eligible(now) {
			continue
		}
		cp := *k
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) StalestCandidate(ctx context.Context, provider upstreamkey.Provider, now time.Time) (*upstreamkey.Key, error) {
	cands, _ := m.EligibleCandidates(ctx, provider, now, 1000)
	if len(cands) == 0 {
		return nil, nil
	}
	stalest := cands[0]
	for _, c := range cands[1:] {
		if c.LastUsedAt.Before(stalest.LastUsedAt) {
			stalest = c
		}
	}
	return stalest, nil
}

func (m *memStore) HasAnyConfigured(ctx context.Context, provider upstreamkey.Provider) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.Provider == provider {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) Update(ctx context.Context, k *upstreamkey.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *k
	m.keys[k.ID] = &cp
	return nil
}

func (m *memStore) Insert(ctx context.Context, k *upstreamkey.Key) error {
	return m.Update(ctx, k)
}

func (m *memStore) TryAcquireRefreshLock(ctx context.Context, keyID string, ttl time.Duration) (string, error) {
	return "unused", nil
}

func (m *memStore) ReleaseRefreshLock(ctx context.Context, keyID, lockToken string) error {
	return nil
}

type memLock struct {
	mu      sync.Mutex
	held    map[string]bool
	denyAll bool
}

func newMemLock() *memLock { return &memLock{held: map[string]bool{}} }

func (l *memLock) TryAcquire(ctx context.Context, keyID string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.denyAll || l.held[keyID] {
		return "", nil
	}
	l.held[keyID] = true
	return "tok-" + keyID, nil
}

func (l *memLock) Release(ctx context.Context, keyID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, keyID)
	return nil
}

type fixedFetcher struct {
	remaining float64
	err       error
	calls     int
}

func (f *fixedFetcher) Fetch(ctx context.Context, httpClient *http.Client, apiKey string) (upstreamkey.CreditSnapshot, error) {
	f.calls++
	if f.err != nil {
		return upstreamkey.CreditSnapshot{}, f.err
	}
	return upstreamkey.CreditSnapshot{Remaining: f.remaining}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCfg() Config {
	return Config{
		SelectionStrategy:   "round_robin",
		CreditsTTL:          time.Minute,
		StaleGrace:          5 * time.Minute,
		MinRemaining:        1,
		Cooldown:            5 * time.Minute,
		RefreshLockTTL:      15 * time.Second,
		RefreshTimeout:      5 * time.Second,
		RefreshMaxRetries:   3,
		RefreshRetryDelayMs: time.Second,
	}
}

func newTestKey(t *testing.T, id string, cipher *keycrypt.Cipher, material string, lastUsedAt time.Time) *upstreamkey.Key {
	t.Helper()
	enc, err := cipher.Encrypt(material)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return &upstreamkey.Key{
		ID:                   id,
		Provider:             upstreamkey.ProviderTavily,
		EncryptedKeyMaterial: enc,
		Status:               upstreamkey.StatusActive,
		LastUsedAt:           lastUsedAt,
		CreatedAt:            lastUsedAt,
	}
}

// P4: one eligible fresh key, N successive selections return it without
// calling the Credit Snapshot Client again.
func TestSelectionIdempotentOnFreshCredits(t *testing.T) {
	cipher, _ := keycrypt.New("secret")
	now := time.Now()
	expires := now.Add(time.Hour)
	remaining := 100.0
	checked := now

	k := newTestKey(t, "k1", cipher, "tvly-abc", now.Add(-time.Hour))
	k.CreditsRemaining = &remaining
	k.CreditsExpiresAt = &expires
	k.CreditsCheckedAt = &checked

	store := newMemStore(k)
	fetcher := &fixedFetcher{remaining: 100}
	credits := creditsnapshot.New(fetcher)
	lock := newMemLock()

	pool := New(upstreamkey.ProviderTavily, store, cipher, credits, lock, testLogger(), testCfg())

	for i := 0; i < 3; i++ {
		sel, err := pool.Selection(context.Background())
		if err != nil {
			t.Fatalf("selection %d: %v", i, err)
		}
		if sel.ID != "k1" {
			t.Fatalf("expected k1, got %s", sel.ID)
		}
	}
	if fetcher.calls != 0 {
		t.Fatalf("expected 0 credit fetches for fresh key, got %d", fetcher.calls)
	}
}

// P5: a refresh returning remaining <= MinRemaining puts the key in
// cooldown with cooldownUntil > now.
func TestRefreshCooldownMonotonicity(t *testing.T) {
	cipher, _ := keycrypt.New("secret")
	now := time.Now()

	k := newTestKey(t, "k1", cipher, "tvly-abc", now.Add(-time.Hour))
	store := newMemStore(k)
	fetcher := &fixedFetcher{remaining: 0}
	credits := creditsnapshot.New(fetcher)
	lock := newMemLock()

	pool := New(upstreamkey.ProviderTavily, store, cipher, credits, lock, testLogger(), testCfg())

	_, err := pool.Selection(context.Background())
	if !bridgeerr.Is(err, bridgeerr.KindUpstreamUnavailable) {
		t.Fatalf("expected UpstreamUnavailable, got %v", err)
	}

	got, _ := store.Get(context.Background(), "k1")
	if got.Status != upstreamkey.StatusCooldown {
		t.Fatalf("expected cooldown status, got %s", got.Status)
	}
	if got.CooldownUntil == nil || !got.CooldownUntil.After(now) {
		t.Fatalf("expected cooldownUntil in the future, got %v", got.CooldownUntil)
	}
}

// P6: InvalidKey marks status invalid and the key is never selected again.
func TestInvalidKeyNeverReselected(t *testing.T) {
	cipher, _ := keycrypt.New("secret")
	now := time.Now()

	k := newTestKey(t, "k1", cipher, "tvly-abc", now.Add(-time.Hour))
	store := newMemStore(k)
	fetcher := &fixedFetcher{err: bridgeerr.InvalidKey("bad key", nil)}
	credits := creditsnapshot.New(fetcher)
	lock := newMemLock()

	pool := New(upstreamkey.ProviderTavily, store, cipher, credits, lock, testLogger(), testCfg())

	_, err := pool.Selection(context.Background())
	if !bridgeerr.Is(err, bridgeerr.KindUpstreamUnavailable) {
		t.Fatalf("expected UpstreamUnavailable, got %v", err)
	}
	got, _ := store.Get(context.Background(), "k1")
	if got.Status != upstreamkey.StatusInvalid {
		t.Fatalf("expected invalid status, got %s", got.Status)
	}

	_, err = pool.Selection(context.Background())
	if !bridgeerr.Is(err, bridgeerr.KindUpstreamUnavailable) {
		t.Fatalf("expected still unavailable after invalidation, got %v", err)
	}
}

// Scenario 4: single configured key whose forced refresh returns
// remaining=0 -> Preflight {status:429, retryAfterMs:cooldown}.
func TestPreflightQuotaExhaustion(t *testing.T) {
	cipher, _ := keycrypt.New("secret")
	now := time.Now()

	k := newTestKey(t, "k1", cipher, "tvly-abc", now.Add(-time.Hour))
	store := newMemStore(k)
	fetcher := &fixedFetcher{remaining: 0}
	credits := creditsnapshot.New(fetcher)
	lock := newMemLock()
	cfg := testCfg()
	cfg.Cooldown = 300 * time.Second

	pool := New(upstreamkey.ProviderTavily, store, cipher, credits, lock, testLogger(), cfg)

	result := pool.Preflight(context.Background())
	if result.OK {
		t.Fatal("expected preflight to fail")
	}
	if result.Status != 429 {
		t.Fatalf("expected status 429, got %d", result.Status)
	}
	if result.RetryAfterMs != 300_000 {
		t.Fatalf("expected retryAfterMs=300000, got %d", result.RetryAfterMs)
	}
}

func TestPreflightNoKeysConfigured(t *testing.T) {
	store := newMemStore()
	cipher, _ := keycrypt.New("secret")
	credits := creditsnapshot.New(&fixedFetcher{})
	lock := newMemLock()

	pool := New(upstreamkey.ProviderTavily, store, cipher, credits, lock, testLogger(), testCfg())
	result := pool.Preflight(context.Background())
	if result.OK || result.Status != 503 || result.Error != "No keys configured" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestMarkActiveIfCooldownExpired(t *testing.T) {
	cipher, _ := keycrypt.New("secret")
	now := time.Now()
	past := now.Add(-time.Minute)

	k := newTestKey(t, "k1", cipher, "tvly-abc", now)
	k.Status = upstreamkey.StatusCooldown
	k.CooldownUntil = &past
	store := newMemStore(k)
	credits := creditsnapshot.New(&fixedFetcher{})
	lock := newMemLock()

	pool := New(upstreamkey.ProviderTavily, store, cipher, credits, lock, testLogger(), testCfg())
	if err := pool.MarkActiveIfCooldownExpired(context.Background(), "k1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := store.Get(context.Background(), "k1")
	if got.Status != upstreamkey.StatusActive || got.CooldownUntil != nil {
		t.Fatalf("expected reactivated key, got %+v", got)
	}
}
