package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrNotFound indicates the session id does not exist or has expired.
	ErrNotFound = errors.New("session not found")
	// ErrExists indicates Create was called for an id already present.
	ErrExists = errors.New("session already exists")
	// ErrConflict indicates the per-session lock could not be acquired
	// within the retry limit. Callers may retry the whole operation.
	ErrConflict = errors.New("session lock contention")
)

const (
	defaultTTL          = 24 * time.Hour
	defaultMaxHistory   = 50
	defaultLockTimeout  = 5 * time.Second
	defaultLockAttempts = 50
	lockRetryDelay      = 20 * time.Millisecond
)

const keyPrefix = "mnemo:session:"

// shadowPrefix holds a copy of each session at double the TTL so the
// expiry listener can still read what expired. Redis delivers expiry
// notifications after the value is gone.
const shadowPrefix = "mnemo:session-shadow:"

// unlockScript deletes the lock only if this holder still owns it.
var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTTL sets the session inactivity TTL (store-enforced).
func WithTTL(d time.Duration) StoreOption {
	return func(s *Store) { s.ttl = d }
}

// WithMaxHistory bounds the number of turns kept per session.
func WithMaxHistory(n int) StoreOption {
	return func(s *Store) { s.maxHistory = n }
}

// WithLockAttempts bounds lock-acquisition retries before ErrConflict.
func WithLockAttempts(n int) StoreOption {
	return func(s *Store) { s.lockAttempts = n }
}

// Store keeps sessions in a shared Redis so any process instance can serve
// any session. Expiry is enforced by the store, not by a sweeper here.
type Store struct {
	rdb          *redis.Client
	ttl          time.Duration
	maxHistory   int
	lockAttempts int
	logger       *zap.Logger
}

// NewStore connects to Redis and returns a session store.
func NewStore(redisURL string, logger *zap.Logger, opts ...StoreOption) (*Store, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newStore(rdb, logger, opts...), nil
}

// NewStoreWithClient wraps an existing Redis client (used by tests).
func NewStoreWithClient(rdb *redis.Client, logger *zap.Logger, opts ...StoreOption) *Store {
	return newStore(rdb, logger, opts...)
}

func newStore(rdb *redis.Client, logger *zap.Logger, opts ...StoreOption) *Store {
	s := &Store{
		rdb:          rdb,
		ttl:          defaultTTL,
		maxHistory:   defaultMaxHistory,
		lockAttempts: defaultLockAttempts,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the session for id, or ErrNotFound.
func (s *Store) Load(ctx context.Context, id string) (*Session, error) {
	data, err := s.rdb.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

// Create stores a fresh session under id. Fails with ErrExists when the id
// is already present.
func (s *Store) Create(ctx context.Context, sess *Session) (*Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.LastActivity = now
	if sess.Mode == "" {
		sess.Mode = ModeAgent
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, keyPrefix+sess.ID, data, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	if !ok {
		return nil, ErrExists
	}
	s.logger.Info("session created",
		zap.String("session", sess.ID),
		zap.String("mode", string(sess.Mode)))
	return sess, nil
}

// Mutate atomically applies fn to the session under its exclusive lock,
// trims history, refreshes the TTL, and returns the updated session.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	token, err := s.acquireLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer s.releaseLock(ctx, id, token)

	sess, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}

	if len(sess.History) > s.maxHistory {
		sess.History = sess.History[len(sess.History)-s.maxHistory:]
	}
	sess.LastActivity = time.Now().UTC()

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", id, err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+id, data, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("write session %s: %w", id, err)
	}
	if err := s.rdb.Set(ctx, shadowPrefix+id, data, 2*s.ttl).Err(); err != nil {
		s.logger.Warn("write session shadow failed", zap.String("session", id), zap.Error(err))
	}
	return sess, nil
}

// Delete removes the session and its shadow copy. Missing ids return
// ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, keyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	s.rdb.Del(ctx, shadowPrefix+id)
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Info("session deleted", zap.String("session", id))
	return nil
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) acquireLock(ctx context.Context, id string) (string, error) {
	lockKey := keyPrefix + id + ":lock"
	token := uuid.New().String()

	for attempt := 0; attempt < s.lockAttempts; attempt++ {
		ok, err := s.rdb.SetNX(ctx, lockKey, token, defaultLockTimeout).Result()
		if err != nil {
			return "", fmt.Errorf("acquire lock %s: %w", id, err)
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
	s.logger.Warn("session lock exhausted", zap.String("session", id))
	return "", ErrConflict
}

func (s *Store) releaseLock(ctx context.Context, id, token string) {
	lockKey := keyPrefix + id + ":lock"
	if err := unlockScript.Run(ctx, s.rdb, []string{lockKey}, token).Err(); err != nil && err != redis.Nil {
		s.logger.Warn("session unlock failed", zap.String("session", id), zap.Error(err))
	}
}
