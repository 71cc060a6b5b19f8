// Package session はブラウザセッションとコネクタごとの認証情報を管理する。
package session

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/hitoshi/sitepress/internal/model"
)

// Store はセッションの永続化インターフェース。
// 実装は複数のゴルーチンから同時に呼ばれても安全でなければならない。
type Store interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, s *model.Session) error
	// FindByID は指定IDのセッションを取得する。存在しないか期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// UpdateCredentials はセッションの認証情報を丸ごと置き換える。
	UpdateCredentials(ctx context.Context, id string, creds map[model.ConnectorKind]model.Credential) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// MemoryStore はプロセス内メモリにセッションを保持するStore。
// DATABASE_URL未設定時に使う。再起動でセッションは失われる。
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	now      func() time.Time
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*model.Session),
		now:      time.Now,
	}
}

// Create はセッションを作成する。
func (m *MemoryStore) Create(ctx context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

// FindByID は指定IDのセッションのコピーを返す。
func (m *MemoryStore) FindByID(ctx context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.ExpiresAt.After(m.now()) {
		return nil, nil
	}
	return cloneSession(s), nil
}

// UpdateCredentials はセッションの認証情報を置き換える。
func (m *MemoryStore) UpdateCredentials(ctx context.Context, id string, creds map[model.ConnectorKind]model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	s.Credentials = maps.Clone(creds)
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (m *MemoryStore) DeleteByID(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
func (m *MemoryStore) DeleteExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for id, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func cloneSession(s *model.Session) *model.Session {
	c := *s
	c.Credentials = maps.Clone(s.Credentials)
	if c.Credentials == nil {
		c.Credentials = make(map[model.ConnectorKind]model.Credential)
	}
	return &c
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
