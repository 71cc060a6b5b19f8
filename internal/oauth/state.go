// Package oauth はコネクタのOAuth認可コードフローを管理する。
// stateの発行と1回限りの照合、認可コードの交換、トークン更新を扱う。
package oauth

import (
	"sync"
	"time"

	"github.com/hitoshi/sitepress/internal/model"
)

// DefaultStateTTL はstateの既定の有効期間。
const DefaultStateTTL = 10 * time.Minute

// StateEntry は発行済みのOAuth stateと、それに紐づくフロー情報。
type StateEntry struct {
	State     string
	SessionID string
	Kind      model.ConnectorKind
	ReturnTo  string
	Verifier  string // PKCEのcode_verifier
	CreatedAt time.Time
}

// StateStore は発行済みstateを保持する。
// Takeは取得と削除を1つのロック内で行うため、同じstateは高々1回しか取り出せない。
type StateStore struct {
	mu      sync.Mutex
	entries map[string]StateEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewStateStore はStateStoreを生成する。ttlが0以下の場合はDefaultStateTTL。
func NewStateStore(ttl time.Duration) *StateStore {
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateStore{
		entries: make(map[string]StateEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put はstateを登録する。CreatedAtが未設定の場合は現在時刻を入れる。
func (s *StateStore) Put(e StateEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.entries[e.State] = e
}

// Take はstateを取り出して削除する。存在しないか期限切れの場合はfalse。
func (s *StateStore) Take(state string) (StateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[state]
	if !ok {
		return StateEntry{}, false
	}
	delete(s.entries, state)
	if s.expired(e) {
		return StateEntry{}, false
	}
	return e, true
}

// Sweep は期限切れのstateを削除し、削除件数を返す。
func (s *StateStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Len は保持しているstate数を返す。
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *StateStore) expired(e StateEntry) bool {
	return !s.now().Before(e.CreatedAt.Add(s.ttl))
}
