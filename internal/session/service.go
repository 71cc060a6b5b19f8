package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/hitoshi/sitepress/internal/model"
)

// Service はセッションの生成と認証情報の更新を提供する。
type Service struct {
	store  Store
	maxAge time.Duration

	// 認証情報の読み込み→更新→書き戻しを直列化する
	mu sync.Mutex
}

// NewService はServiceを生成する。maxAgeが0以下の場合は24時間。
func NewService(store Store, maxAge time.Duration) *Service {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Service{store: store, maxAge: maxAge}
}

// MaxAge はセッションの有効期間を返す。
func (s *Service) MaxAge() time.Duration {
	return s.maxAge
}

// Create は新しい空のセッションを作成する。
func (s *Service) Create(ctx context.Context) (*model.Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	sess := &model.Session{
		ID:          id,
		Credentials: make(map[model.ConnectorKind]model.Credential),
		ExpiresAt:   now.Add(s.maxAge),
		CreatedAt:   now,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return sess, nil
}

// Get は指定IDのセッションを返す。存在しないか期限切れの場合はnilを返す。
func (s *Service) Get(ctx context.Context, id string) (*model.Session, error) {
	if id == "" {
		return nil, nil
	}
	sess, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return sess, nil
}

// SetCredential は指定コネクタの認証情報をセッションに保存する。
// 未知のコネクタ種別はInvalidInput、セッションが存在しない場合はNotAuthenticatedを返す。
func (s *Service) SetCredential(ctx context.Context, id string, kind model.ConnectorKind, cred model.Credential) error {
	if !kind.Valid() {
		return model.NewInvalidInputError("session.set_credential", fmt.Sprintf("unknown connector kind %q", kind))
	}
	return s.updateCredentials(ctx, id, func(creds map[model.ConnectorKind]model.Credential) {
		creds[kind] = cred
	})
}

// ClearCredential は指定コネクタの認証情報を削除する（ログアウト）。
func (s *Service) ClearCredential(ctx context.Context, id string, kind model.ConnectorKind) error {
	if !kind.Valid() {
		return model.NewInvalidInputError("session.clear_credential", fmt.Sprintf("unknown connector kind %q", kind))
	}
	return s.updateCredentials(ctx, id, func(creds map[model.ConnectorKind]model.Credential) {
		delete(creds, kind)
	})
}

func (s *Service) updateCredentials(ctx context.Context, id string, mutate func(map[model.ConnectorKind]model.Credential)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.store.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to find session: %w", err)
	}
	if sess == nil {
		return model.NewNotAuthenticatedError("session.update_credentials", fmt.Errorf("session not found or expired"))
	}

	creds := maps.Clone(sess.Credentials)
	if creds == nil {
		creds = make(map[model.ConnectorKind]model.Credential)
	}
	mutate(creds)

	if err := s.store.UpdateCredentials(ctx, id, creds); err != nil {
		return fmt.Errorf("failed to update session credentials: %w", err)
	}
	return nil
}

// Delete はセッションを破棄する。
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("session ID is required")
	}
	if err := s.store.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	slog.Info("session deleted", slog.String("session_id", id))
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。クリーンアップジョブから呼ばれる。
func (s *Service) DeleteExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpired(ctx)
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
