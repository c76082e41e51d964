package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore tracks revoked session tokens and virtual keys so a
// revocation takes effect before the token or key's natural expiry.
type RevocationStore interface {
	// RevokeToken marks a token's JTI as revoked for the remaining
	// token lifetime
	RevokeToken(ctx context.Context, jti string, ttl time.Duration) error

	// IsTokenRevoked checks whether a token's JTI has been revoked
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)

	// RevokeKey marks a virtual key hash as revoked
	RevokeKey(ctx context.Context, keyHash string, ttl time.Duration) error

	// IsKeyRevoked checks whether a virtual key hash has been revoked
	IsKeyRevoked(ctx context.Context, keyHash string) (bool, error)

	// InvalidateUserSessions stores an invalidation timestamp; tokens
	// issued at or before it are rejected
	InvalidateUserSessions(ctx context.Context, userID string, ttl time.Duration) error

	// IsSessionInvalidated reports whether a token issued at the given
	// time falls under a user-wide invalidation
	IsSessionInvalidated(ctx context.Context, userID string, tokenIssuedAt time.Time) (bool, error)
}

// RedisRevocationStore implements RevocationStore using Redis
type RedisRevocationStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisRevocationStore creates a revocation store with an existing Redis client
func NewRedisRevocationStore(client *redis.Client) *RedisRevocationStore {
	return &RedisRevocationStore{
		client:    client,
		keyPrefix: "auth:revoked:",
	}
}

func (s *RedisRevocationStore) jtiKey(jti string) string {
	return s.keyPrefix + "jti:" + jti
}

func (s *RedisRevocationStore) vkKey(keyHash string) string {
	return s.keyPrefix + "vk:" + keyHash
}

func (s *RedisRevocationStore) userKey(userID string) string {
	return s.keyPrefix + "user:" + userID
}

// RevokeToken marks a token's JTI as revoked
func (s *RedisRevocationStore) RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.jtiKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// IsTokenRevoked checks whether a token's JTI has been revoked
func (s *RedisRevocationStore) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.jtiKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return exists > 0, nil
}

// RevokeKey marks a virtual key hash as revoked
func (s *RedisRevocationStore) RevokeKey(ctx context.Context, keyHash string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.vkKey(keyHash), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke key: %w", err)
	}
	return nil
}

// IsKeyRevoked checks whether a virtual key hash has been revoked
func (s *RedisRevocationStore) IsKeyRevoked(ctx context.Context, keyHash string) (bool, error) {
	exists, err := s.client.Exists(ctx, s.vkKey(keyHash)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key revocation: %w", err)
	}
	return exists > 0, nil
}

// InvalidateUserSessions stores the current timestamp as the user's
// invalidation point
func (s *RedisRevocationStore) InvalidateUserSessions(ctx context.Context, userID string, ttl time.Duration) error {
	invalidationTime := time.Now().Unix()
	if err := s.client.Set(ctx, s.userKey(userID), invalidationTime, ttl).Err(); err != nil {
		return fmt.Errorf("failed to invalidate user sessions: %w", err)
	}
	return nil
}

// IsSessionInvalidated checks whether a token predates the user's
// invalidation point
func (s *RedisRevocationStore) IsSessionInvalidated(ctx context.Context, userID string, tokenIssuedAt time.Time) (bool, error) {
	val, err := s.client.Get(ctx, s.userKey(userID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session invalidation: %w", err)
	}

	var invalidationTime int64
	if _, err := fmt.Sscanf(val, "%d", &invalidationTime); err != nil {
		return false, fmt.Errorf("failed to parse invalidation timestamp: %w", err)
	}

	return tokenIssuedAt.Unix() <= invalidationTime, nil
}

// Ensure RedisRevocationStore implements RevocationStore
var _ RevocationStore = (*RedisRevocationStore)(nil)

// InMemoryRevocationStore provides an in-memory implementation for testing
// WARNING: This should not be used in production with multiple instances
type InMemoryRevocationStore struct {
	mu           sync.RWMutex
	revoked      map[string]time.Time // key -> expiration time
	invalidation map[string]time.Time // userID -> invalidation time
}

// NewInMemoryRevocationStore creates a new in-memory revocation store
func NewInMemoryRevocationStore() *InMemoryRevocationStore {
	return &InMemoryRevocationStore{
		revoked:      make(map[string]time.Time),
		invalidation: make(map[string]time.Time),
	}
}

func (s *InMemoryRevocationStore) set(key string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[key] = time.Now().Add(ttl)
}

func (s *InMemoryRevocationStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiration, exists := s.revoked[key]
	if !exists {
		return false
	}
	if time.Now().After(expiration) {
		delete(s.revoked, key)
		return false
	}
	return true
}

// RevokeToken marks a token's JTI as revoked
func (s *InMemoryRevocationStore) RevokeToken(_ context.Context, jti string, ttl time.Duration) error {
	s.set("jti:"+jti, ttl)
	return nil
}

// IsTokenRevoked checks whether a token's JTI has been revoked
func (s *InMemoryRevocationStore) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	return s.has("jti:" + jti), nil
}

// RevokeKey marks a virtual key hash as revoked
func (s *InMemoryRevocationStore) RevokeKey(_ context.Context, keyHash string, ttl time.Duration) error {
	s.set("vk:"+keyHash, ttl)
	return nil
}

// IsKeyRevoked checks whether a virtual key hash has been revoked
func (s *InMemoryRevocationStore) IsKeyRevoked(_ context.Context, keyHash string) (bool, error) {
	return s.has("vk:" + keyHash), nil
}

// InvalidateUserSessions invalidates all sessions for a user
func (s *InMemoryRevocationStore) InvalidateUserSessions(_ context.Context, userID string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidation[userID] = time.Now()
	return nil
}

// IsSessionInvalidated checks whether a token predates the user's
// invalidation point
func (s *InMemoryRevocationStore) IsSessionInvalidated(_ context.Context, userID string, tokenIssuedAt time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invalidationTime, exists := s.invalidation[userID]
	if !exists {
		return false, nil
	}

	// UnixNano for sub-second precision in testing
	return tokenIssuedAt.UnixNano() <= invalidationTime.UnixNano(), nil
}

// Ensure InMemoryRevocationStore implements RevocationStore
var _ RevocationStore = (*InMemoryRevocationStore)(nil)
