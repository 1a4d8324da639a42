// Package counter abstracts the atomic, TTL-capable counters behind the
// lockout guard and rate limiter. The Redis implementation is the production
// path; the in-memory implementation serves single-instance deployments and
// tests. Both honor the same fixed-window semantics: the TTL is set when a key
// is first incremented and never extended by later hits.
package counter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable indicates the counter backend is unreachable. Callers must
// treat it as an infrastructure failure, never as a limit decision.
var ErrUnavailable = errors.New("counter backend unavailable")

// Store is an atomic increment-with-TTL counter plus a marker primitive for
// lockout flags.
type Store interface {
	// Incr atomically increments key, starting the window (applying ttl) when
	// the key is created. Returns the post-increment value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get returns the current value, 0 for missing keys.
	Get(ctx context.Context, key string) (int64, error)
	// Del removes the key. Missing keys are not an error.
	Del(ctx context.Context, key string) error
	// SetMarker writes a presence flag with the given ttl.
	SetMarker(ctx context.Context, key string, ttl time.Duration) error
	// MarkerTTL returns the remaining lifetime of a marker, or false when the
	// marker is absent.
	MarkerTTL(ctx context.Context, key string) (time.Duration, bool, error)
}

// Redis implements Store on a shared Redis deployment.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps the given client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// incrScript increments and, when the increment creates the key, applies the
// window TTL in the same atomic step.
var incrScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n`)

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := incrScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count, nil
}

func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	count, err := r.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count, nil
}

func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) SetMarker(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) MarkerTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// PTTL returns -2 for missing keys and -1 for keys without expiry.
	if ttl < 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

type memoryEntry struct {
	value     int64
	expiresAt time.Time
}

// Memory implements Store with an in-process map. Counters do not survive
// restarts and are not shared across instances.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memoryEntry), now: time.Now}
}

// NewMemoryAt returns a store with an injectable clock for tests.
func NewMemoryAt(now func() time.Time) *Memory {
	return &Memory{entries: make(map[string]*memoryEntry), now: now}
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		e = &memoryEntry{}
		if ttl > 0 {
			e.expiresAt = m.now().Add(ttl)
		}
		m.entries[key] = e
	}
	e.value++
	return e.value, nil
}

func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.live(key); e != nil {
		return e.value, nil
	}
	return 0, nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) SetMarker(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &memoryEntry{value: 1}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) MarkerTTL(_ context.Context, key string) (time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.live(key)
	if e == nil {
		return 0, false, nil
	}
	if e.expiresAt.IsZero() {
		return 0, false, nil
	}
	return e.expiresAt.Sub(m.now()), true, nil
}

// live returns the entry for key, lazily dropping it when expired.
// Caller holds mu.
func (m *Memory) live(key string) *memoryEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return e
}
