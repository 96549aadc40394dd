package usagelog

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu   sync.Mutex
	rows []Row
}

func (m *memStore) InsertRows(ctx context.Context, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *memStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// P10: sampling fraction converges to BRAVE_USAGE_SAMPLE_RATE.
func TestShouldSampleConvergesToRate(t *testing.T) {
	store := &memStore{}
	w := NewWriter(store, testLogger(), Config{Mode: ModePreview, SampleRate: 0.25})

	const trials = 20000
	hits := 0
	for i := 0; i < trials; i++ {
		if w.ShouldSample() {
			hits++
		}
	}
	got := float64(hits) / float64(trials)
	if got < 0.20 || got > 0.30 {
		t.Fatalf("sample rate converged to %.3f, want close to 0.25", got)
	}
}

func TestShouldSampleBoundaryRates(t *testing.T) {
	w0 := NewWriter(&memStore{}, testLogger(), Config{Mode: ModePreview, SampleRate: 0})
	for i := 0; i < 100; i++ {
		if w0.ShouldSample() {
			t.Fatalf("expected SampleRate 0 to never sample")
		}
	}
	w1 := NewWriter(&memStore{}, testLogger(), Config{Mode: ModePreview, SampleRate: 1})
	for i := 0; i < 100; i++ {
		if !w1.ShouldSample() {
			t.Fatalf("expected SampleRate 1 to always sample")
		}
	}
}

func TestModeNoneNeverLogs(t *testing.T) {
	store := &memStore{}
	w := NewWriter(store, testLogger(), Config{Mode: ModeNone, SampleRate: 1, FlushInterval: 10 * time.Millisecond})
	w.Start()
	defer w.Close()

	row := w.BuildRow("tavily_search", OutcomeSuccess, 12, "ct1", "pfx", "key1", "weather in paris", "{}", "")
	w.Log(row)
	time.Sleep(30 * time.Millisecond)

	if store.count() != 0 {
		t.Fatalf("expected no rows persisted under ModeNone, got %d", store.count())
	}
}

func TestModeHashOmitsPreview(t *testing.T) {
	store := &memStore{}
	w := NewWriter(store, testLogger(), Config{Mode: ModeHash, SampleRate: 1})
	row := w.BuildRow("tavily_search", OutcomeSuccess, 5, "ct1", "pfx", "key1", "weather in paris", "{}", "")
	if row.QueryPreview != "" {
		t.Fatalf("expected empty preview under ModeHash, got %q", row.QueryPreview)
	}
	if row.QueryHash == "" {
		t.Fatalf("expected non-empty hash under ModeHash")
	}
}

func TestWriterFlushesBufferedRows(t *testing.T) {
	store := &memStore{}
	w := NewWriter(store, testLogger(), Config{Mode: ModePreview, SampleRate: 1, FlushInterval: 10 * time.Millisecond})
	w.Start()

	row := w.BuildRow("brave_web_search", OutcomeSuccess, 8, "ct1", "pfx", "key1", "coffee shops nearby", "{}", "")
	w.Log(row)

	time.Sleep(50 * time.Millisecond)
	if store.count() != 1 {
		t.Fatalf("expected 1 row flushed, got %d", store.count())
	}
	w.Close()
}

func TestWriterFlushesOnCloseWithoutTick(t *testing.T) {
	store := &memStore{}
	w := NewWriter(store, testLogger(), Config{Mode: ModePreview, SampleRate: 1, FlushInterval: time.Hour})
	w.Start()

	row := w.BuildRow("tavily_search", OutcomeError, 3, "ct1", "pfx", "", "broken query", "{}", "upstream unavailable")
	w.Log(row)
	w.Close()

	if store.count() != 1 {
		t.Fatalf("expected row flushed on Close even with a long flush interval, got %d", store.count())
	}
}
