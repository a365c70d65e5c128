package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/ratemyrental/internal/model"
)

// TokenStore はブラウザセッションごとにIdPのトークンを保持する。
// 見つからない場合は (nil, nil) を返す。
type TokenStore interface {
	Load(ctx context.Context, key string) (*model.IdentitySession, error)
	Save(ctx context.Context, key string, session *model.IdentitySession) error
	Delete(ctx context.Context, key string) error
}

// MemoryTokenStore はプロセス内メモリのTokenStore。単一インスタンス構成用。
type MemoryTokenStore struct {
	mu       sync.RWMutex
	sessions map[string]model.IdentitySession
}

// NewMemoryTokenStore はMemoryTokenStoreを生成する。
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{sessions: make(map[string]model.IdentitySession)}
}

// Load はkeyに紐づくセッションのコピーを返す。
func (s *MemoryTokenStore) Load(_ context.Context, key string) (*model.IdentitySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[key]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

// Save はセッションを保存する。
func (s *MemoryTokenStore) Save(_ context.Context, key string, session *model.IdentitySession) error {
	if session == nil {
		return errors.New("token store: nil session")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = *session
	return nil
}

// Delete はセッションを削除する。存在しなくてもエラーにしない。
func (s *MemoryTokenStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

// RedisTokenStore はRedisにJSONでトークンを保持するTokenStore。
// 複数インスタンス構成でもブラウザセッションを共有できる。
type RedisTokenStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisTokenStore はRedisTokenStoreを生成する。
// ttlはリフレッシュトークンを保持する最大期間。
func NewRedisTokenStore(client redis.UniversalClient, ttl time.Duration) *RedisTokenStore {
	return &RedisTokenStore{
		client: client,
		prefix: "ratemyrental:identity:",
		ttl:    ttl,
	}
}

func (r *RedisTokenStore) key(key string) string {
	return r.prefix + key
}

// Load はkeyに紐づくセッションを取得する。
func (r *RedisTokenStore) Load(ctx context.Context, key string) (*model.IdentitySession, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity session: %w", err)
	}

	var session model.IdentitySession
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity session: %w", err)
	}
	return &session, nil
}

// Save はセッションをTTL付きで保存する。
func (r *RedisTokenStore) Save(ctx context.Context, key string, session *model.IdentitySession) error {
	if session == nil {
		return errors.New("token store: nil session")
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal identity session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save identity session: %w", err)
	}
	return nil
}

// Delete はセッションを削除する。
func (r *RedisTokenStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete identity session: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ TokenStore = (*MemoryTokenStore)(nil)
	_ TokenStore = (*RedisTokenStore)(nil)
)
