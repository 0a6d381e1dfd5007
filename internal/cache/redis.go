// Package cache keeps conversation state and per-session turn locks in Redis
// so several server replicas can share sessions.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/trial-prescreen-server/internal/domain"
)

const (
	stateKeyPrefix = "prescreen:state:"
	lockKeyPrefix  = "prescreen:lock:"

	defaultStateTTL = 7 * 24 * time.Hour
	defaultLockTTL  = 45 * time.Second
	lockPollEvery   = 25 * time.Millisecond
)

// NewClient parses the Redis URL, applies pool settings and checks the
// connection.
func NewClient(config domain.CacheConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.PoolTimeout > 0 {
		opts.PoolTimeout = config.PoolTimeout
	}
	if config.MaxRetries != 0 {
		opts.MaxRetries = config.MaxRetries
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisStateStore stores one JSON-encoded ConversationState per session.
type RedisStateStore struct {
	redis *redis.Client
	ttl   time.Duration
	log   *logrus.Logger
}

// NewRedisStateStore creates a state store. Idle sessions expire after ttl.
func NewRedisStateStore(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisStateStore {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &RedisStateStore{redis: client, ttl: ttl, log: logger}
}

func stateKey(sessionID string) string {
	return stateKeyPrefix + sessionID
}

// Load returns the stored state, or a fresh idle state on a miss.
func (s *RedisStateStore) Load(ctx context.Context, sessionID string) (*domain.ConversationState, error) {
	data, err := s.redis.Get(ctx, stateKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.NewConversationState(sessionID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}
	return domain.DecodeConversationState(data)
}

// Save overwrites the stored state and refreshes its expiry.
func (s *RedisStateStore) Save(ctx context.Context, state *domain.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation state: %w", err)
	}
	if err := s.redis.Set(ctx, stateKey(state.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save conversation state: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"session_id": state.SessionID,
		"state":      state.State,
	}).Debug("Conversation state saved")
	return nil
}

// Delete removes the stored state.
func (s *RedisStateStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.redis.Del(ctx, stateKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete conversation state: %w", err)
	}
	return nil
}

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisTurnLock serializes turns for a session across processes. The lock
// expires after ttl so a crashed holder cannot block a session forever.
type RedisTurnLock struct {
	redis *redis.Client
	ttl   time.Duration
	log   *logrus.Logger
}

// NewRedisTurnLock creates a turn lock. ttl should exceed the turn timeout.
func NewRedisTurnLock(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisTurnLock {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisTurnLock{redis: client, ttl: ttl, log: logger}
}

// Acquire polls until the lock is taken or ctx ends.
func (l *RedisTurnLock) Acquire(ctx context.Context, sessionID string) (func(), error) {
	key := lockKeyPrefix + sessionID
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(lockPollEvery)
	defer ticker.Stop()
	for {
		ok, err := l.redis.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to acquire turn lock: %w", err)
		}
		if ok {
			return l.releaser(key, token, sessionID), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisTurnLock) releaser(key, token, sessionID string) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The turn context may already be done, so release on a fresh one.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.redis, []string{key}, token).Err(); err != nil {
			l.log.WithFields(logrus.Fields{
				"session_id": sessionID,
				"error":      err,
			}).Warn("Failed to release turn lock")
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
