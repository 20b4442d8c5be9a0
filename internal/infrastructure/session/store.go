package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cartscout/backend/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "cartscout:session:"
	defaultTTL       = 24 * time.Hour
)

// MemoryStore keeps sessions in process memory as encoded JSON.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, domain.ErrSessionNotFound
	}
	s.mu.RLock()
	raw, ok := s.data[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return decode(raw)
}

func (s *MemoryStore) Save(ctx context.Context, sess *domain.Session) error {
	raw, err := encode(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[sess.ID] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.data, sessionID)
	s.mu.Unlock()
	return nil
}

// Option customizes RedisStore.
type Option func(*RedisStore)

func WithKeyPrefix(prefix string) Option {
	return func(s *RedisStore) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(s *RedisStore) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

// RedisStore persists sessions as JSON strings with a sliding TTL.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisStore(client *redis.Client, opts ...Option) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		ttl:       defaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) key(sessionID string) (string, error) {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return "", domain.ErrSessionNotFound
	}
	return s.keyPrefix + id, nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*domain.Session, error) {
	key, err := s.key(sessionID)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return decode(raw)
}

func (s *RedisStore) Save(ctx context.Context, sess *domain.Session) error {
	raw, err := encode(sess)
	if err != nil {
		return err
	}
	key, err := s.key(sess.ID)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	key, err := s.key(sessionID)
	if err != nil {
		return nil
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func encode(sess *domain.Session) ([]byte, error) {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return nil, errors.New("session is nil or has no id")
	}
	return json.Marshal(sess)
}

func decode(raw []byte) (*domain.Session, error) {
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSessionCorrupt, err)
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	return &sess, nil
}
