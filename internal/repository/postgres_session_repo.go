// Package repository はPostgreSQLによる永続化を提供する。
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/sitepress/internal/model"
	"github.com/hitoshi/sitepress/internal/session"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
// コネクタごとの認証情報はdata列にJSONで保存する。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, s *model.Session) error {
	data, err := encodeCredentials(s.Credentials)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, data, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)`,
		s.ID, data, s.ExpiresAt, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	s := &model.Session{}
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, data, expires_at, created_at
		 FROM sessions
		 WHERE id = $1 AND expires_at > now()`,
		id,
	).Scan(&s.ID, &data, &s.ExpiresAt, &s.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}

	s.Credentials, err = decodeCredentials(data)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateCredentials はセッションの認証情報を置き換える。
func (r *PostgresSessionRepo) UpdateCredentials(ctx context.Context, id string, creds map[model.ConnectorKind]model.Credential) error {
	data, err := encodeCredentials(creds)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE sessions SET data = $2 WHERE id = $1`,
		id, data,
	)
	if err != nil {
		return fmt.Errorf("failed to update session credentials: %w", err)
	}
	return nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired は期限切れのセッションを削除する。
func (r *PostgresSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}
	return n, nil
}

func encodeCredentials(creds map[model.ConnectorKind]model.Credential) ([]byte, error) {
	if creds == nil {
		creds = map[model.ConnectorKind]model.Credential{}
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}
	return data, nil
}

func decodeCredentials(data []byte) (map[model.ConnectorKind]model.Credential, error) {
	creds := make(map[model.ConnectorKind]model.Credential)
	if len(data) == 0 {
		return creds, nil
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return creds, nil
}

// compile-time interface check
var _ session.Store = (*PostgresSessionRepo)(nil)
