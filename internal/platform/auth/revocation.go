package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revoker tracks revoked token ids (the jti claim) until the token would
// have expired anyway.
type Revoker interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	// Consume revokes jti and reports whether this call was the one that did
	// it. A second Consume of the same jti returns false.
	Consume(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
}

// MemoryRevoker keeps revocations in process memory. Suitable for a single
// instance or tests; entries are lost on restart.
type MemoryRevoker struct {
	mu      sync.RWMutex
	entries map[string]time.Time // jti -> expiry
	done    chan struct{}
	once    sync.Once
}

// NewMemoryRevoker creates a store and starts a goroutine that drops expired
// entries every 5 minutes. Call Close to stop it.
func NewMemoryRevoker() *MemoryRevoker {
	s := &MemoryRevoker{
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryRevoker) Revoke(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[jti] = expiresAt
	return nil
}

func (s *MemoryRevoker) IsRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[jti]
	return ok, nil
}

func (s *MemoryRevoker) Consume(_ context.Context, jti string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[jti]; ok {
		return false, nil
	}
	s.entries[jti] = expiresAt
	return true, nil
}

// Count returns the number of tracked revocations.
func (s *MemoryRevoker) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (s *MemoryRevoker) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryRevoker) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup(time.Now())
		}
	}
}

func (s *MemoryRevoker) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, exp := range s.entries {
		if now.After(exp) {
			delete(s.entries, jti)
		}
	}
}

// redisCmdable is the subset of *redis.Client used by RedisRevoker.
type redisCmdable interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisRevoker stores revocations as keys that expire with the token, so
// every server instance sees the same list.
type RedisRevoker struct {
	client redisCmdable
	prefix string
}

func NewRedisRevoker(client redisCmdable) *RedisRevoker {
	return &RedisRevoker{client: client, prefix: "clinic:revoked:"}
}

func (r *RedisRevoker) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, r.prefix+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke token %s: %w", jti, err)
	}
	return nil
}

func (r *RedisRevoker) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation %s: %w", jti, err)
	}
	return n > 0, nil
}

// Consume uses SET NX so that two instances racing on the same refresh token
// cannot both win.
func (r *RedisRevoker) Consume(ctx context.Context, jti string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return false, nil
	}
	ok, err := r.client.SetNX(ctx, r.prefix+jti, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("consume token %s: %w", jti, err)
	}
	return ok, nil
}
