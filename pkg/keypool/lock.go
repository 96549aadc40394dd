package keypool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only if its value still matches the
// token the caller holds, so a lock that has already expired and been
// re-acquired by someone else is never released out from under them.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// RedisLock implements the per-key distributed refresh lock with Redis
// SET NX PX for acquisition and a compare-and-delete Lua script for
// release, the same short-lived-coordination pattern the domain stack uses
// elsewhere for Redis-backed dedup and rate limiting.
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock wraps an existing Redis client.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func lockKey(keyID string) string {
	return fmt.Sprintf("tavilybridge:keypool:refresh-lock:%s", keyID)
}

// TryAcquire attempts to acquire the refresh lock for keyID for ttl. It
// returns a non-empty lock token on success and "" on lock-miss (someone
// else already holds it). This is best-effort: callers must tolerate
// lock-miss via the stale-grace rule rather than blocking the request path
// on contention.
func (l *RedisLock) TryAcquire(ctx context.Context, keyID string, ttl time.Duration) (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("keypool: generating lock token: %w", err)
	}

	ok, err := l.client.SetNX(ctx, lockKey(keyID), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("keypool: acquiring refresh lock: %w", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Release releases a lock previously acquired with token. Release failures
// are logged by callers and otherwise swallowed, per the bridge's
// lock-release-failure design.
func (l *RedisLock) Release(ctx context.Context, keyID, token string) error {
	if token == "" {
		return nil
	}
	_, err := l.client.Eval(ctx, releaseScript, []string{lockKey(keyID)}, token).Result()
	if err != nil {
		return fmt.Errorf("keypool: releasing refresh lock: %w", err)
	}
	return nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
