package model

import (
	"fmt"
	"time"
)

// ConnectorKind はセッションに認証情報を保持できるコネクタ種別を表す。閉じた集合。
type ConnectorKind string

const (
	ConnectorKindFS     ConnectorKind = "fs"
	ConnectorKindGitLab ConnectorKind = "gitlab"
)

// Valid は既知のコネクタ種別かどうかを返す。
func (k ConnectorKind) Valid() bool {
	switch k {
	case ConnectorKindFS, ConnectorKindGitLab:
		return true
	default:
		return false
	}
}

// ParseConnectorKind は文字列をConnectorKindに変換する。未知の値はInvalidInputを返す。
func ParseConnectorKind(s string) (ConnectorKind, error) {
	k := ConnectorKind(s)
	if !k.Valid() {
		return "", NewInvalidInputError("parse connector kind", fmt.Sprintf("unknown connector kind %q", s))
	}
	return k, nil
}

// Credential はOAuthで取得したアクセストークン一式。
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Session はブラウザセッションを表す。コネクタごとの認証情報を保持する。
type Session struct {
	ID          string
	Credentials map[ConnectorKind]Credential
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Credential は指定コネクタの認証情報を返す。
func (s *Session) Credential(kind ConnectorKind) (Credential, bool) {
	if s == nil || s.Credentials == nil {
		return Credential{}, false
	}
	c, ok := s.Credentials[kind]
	return c, ok
}
