package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/sitepress/internal/model"
	"github.com/hitoshi/sitepress/internal/remote"
)

// SessionCredentials はセッションの認証情報の読み書きに必要なインターフェース。
// session.Serviceの部分集合として定義する。
type SessionCredentials interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	SetCredential(ctx context.Context, id string, kind model.ConnectorKind, cred model.Credential) error
	ClearCredential(ctx context.Context, id string, kind model.ConnectorKind) error
}

// Manager は1つのコネクタ種別に対するOAuthフローを管理する。
type Manager struct {
	kind       model.ConnectorKind
	config     *oauth2.Config
	states     *StateStore
	sessions   SessionCredentials
	httpClient *http.Client
	logger     *slog.Logger

	// 同一プロセス内でのトークン更新を直列化する
	refreshMu sync.Mutex
}

// NewManager はManagerを生成する。httpClientはトークンエンドポイントへの通信に使う。
func NewManager(
	kind model.ConnectorKind,
	config *oauth2.Config,
	states *StateStore,
	sessions SessionCredentials,
	httpClient *http.Client,
	logger *slog.Logger,
) *Manager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		kind:       kind,
		config:     config,
		states:     states,
		sessions:   sessions,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Kind はこのManagerが扱うコネクタ種別を返す。
func (m *Manager) Kind() model.ConnectorKind {
	return m.kind
}

// Start は新しいstateを発行し、プロバイダーの認可URLを返す。
// stateは256ビットの乱数をbase64urlで表したもの。PKCE(S256)を併用する。
func (m *Manager) Start(ctx context.Context, sessionID, returnTo string) (string, error) {
	if sessionID == "" {
		return "", model.NewNotAuthenticatedError("oauth.start", fmt.Errorf("session is required"))
	}
	state, err := generateState()
	if err != nil {
		return "", model.NewInternalError("oauth.start", fmt.Errorf("failed to generate state: %w", err))
	}
	verifier := oauth2.GenerateVerifier()

	m.states.Put(StateEntry{
		State:     state,
		SessionID: sessionID,
		Kind:      m.kind,
		ReturnTo:  returnTo,
		Verifier:  verifier,
	})

	return m.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// Complete はコールバックで受け取った認可コードを交換し、認証情報をセッションに保存する。
// stateは成否にかかわらず消費され、再利用できない。
// 未知・期限切れ・別セッションのstateはNotAuthenticatedを返す。
func (m *Manager) Complete(ctx context.Context, sessionID, code, state string) (string, error) {
	const op = "oauth.complete"

	entry, ok := m.states.Take(state)
	if !ok {
		m.logger.Warn("oauth state rejected: unknown or expired",
			slog.String("connector", string(m.kind)),
		)
		return "", model.NewNotAuthenticatedError(op, fmt.Errorf("unknown or expired oauth state"))
	}
	if entry.SessionID != sessionID || entry.Kind != m.kind {
		m.logger.Warn("oauth state rejected: session mismatch",
			slog.String("connector", string(m.kind)),
		)
		return "", model.NewNotAuthenticatedError(op, fmt.Errorf("oauth state does not belong to this session"))
	}
	if code == "" {
		return "", model.NewInvalidInputError(op, "missing authorization code")
	}

	tok, err := m.config.Exchange(m.clientContext(ctx), code, oauth2.VerifierOption(entry.Verifier))
	if err != nil {
		return "", mapTokenError(op, err)
	}

	if err := m.sessions.SetCredential(ctx, sessionID, m.kind, credentialFromToken(tok, "")); err != nil {
		return "", err
	}

	m.logger.Info("oauth login completed",
		slog.String("connector", string(m.kind)),
		slog.String("session_id", sessionID),
	)
	return entry.ReturnTo, nil
}

// Authenticated はセッションがこのコネクタ種別のアクセストークンを持つかを返す。
func (m *Manager) Authenticated(sess *model.Session) bool {
	cred, ok := sess.Credential(m.kind)
	return ok && cred.AccessToken != ""
}

// Logout はセッションからこのコネクタ種別の認証情報を削除する。
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := m.sessions.ClearCredential(ctx, sessionID, m.kind); err != nil {
		return err
	}
	m.logger.Info("oauth logout",
		slog.String("connector", string(m.kind)),
		slog.String("session_id", sessionID),
	)
	return nil
}

// TokenSource は指定セッションのアクセストークン供給元を返す。
func (m *Manager) TokenSource(sessionID string) remote.TokenSource {
	return &sessionTokenSource{manager: m, sessionID: sessionID}
}

// refresh はリフレッシュトークンで新しいトークンを取得し、セッションに保存する。
func (m *Manager) refresh(ctx context.Context, sessionID string) (string, error) {
	const op = "oauth.refresh"

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	cred, err := m.credential(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if cred.RefreshToken == "" {
		return "", model.NewNotAuthenticatedError(op, fmt.Errorf("no refresh token available"))
	}

	// 期限切れのトークンとして渡し、必ずリフレッシュさせる
	src := m.config.TokenSource(m.clientContext(ctx), &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	})
	tok, err := src.Token()
	if err != nil {
		return "", mapTokenError(op, err)
	}

	newCred := credentialFromToken(tok, cred.RefreshToken)
	if err := m.sessions.SetCredential(ctx, sessionID, m.kind, newCred); err != nil {
		return "", err
	}
	m.logger.Info("oauth token refreshed",
		slog.String("connector", string(m.kind)),
		slog.String("session_id", sessionID),
	)
	return newCred.AccessToken, nil
}

// credential はセッションから自コネクタの認証情報を取り出す。
func (m *Manager) credential(ctx context.Context, sessionID string) (model.Credential, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return model.Credential{}, model.NewInternalError("oauth.credential", err)
	}
	cred, ok := sess.Credential(m.kind)
	if !ok || cred.AccessToken == "" {
		return model.Credential{}, model.NewNotAuthenticatedError("oauth.credential",
			fmt.Errorf("no %s credential in session", m.kind))
	}
	return cred, nil
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// sessionTokenSource はセッションに保存された認証情報をremote.TokenSourceとして提供する。
type sessionTokenSource struct {
	manager   *Manager
	sessionID string
}

// Token は現在のアクセストークンを返す。期限切れでリフレッシュトークンがあれば先に更新し、
// refreshedにtrueを返す。
func (s *sessionTokenSource) Token(ctx context.Context) (string, bool, error) {
	cred, err := s.manager.credential(ctx, s.sessionID)
	if err != nil {
		return "", false, err
	}
	if !cred.Expiry.IsZero() && time.Now().After(cred.Expiry.Add(-10*time.Second)) && cred.RefreshToken != "" {
		tok, err := s.manager.refresh(ctx, s.sessionID)
		if err != nil {
			return "", false, err
		}
		return tok, true, nil
	}
	return cred.AccessToken, false, nil
}

// Refresh はトークンを強制的に更新する。
func (s *sessionTokenSource) Refresh(ctx context.Context) (string, error) {
	return s.manager.refresh(ctx, s.sessionID)
}

// mapTokenError はトークンエンドポイントのエラーをConnectorErrorに変換する。
// プロバイダーが拒否した場合はRemoteAPIFailure、それ以外は通信失敗とみなす。
func mapTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		code := 0
		if re.Response != nil {
			code = re.Response.StatusCode
		}
		msg := re.ErrorDescription
		if msg == "" {
			msg = re.ErrorCode
		}
		if msg == "" {
			msg = string(re.Body)
		}
		return model.NewRemoteAPIFailureError(op, code, msg)
	}
	return model.NewTransportFailureError(op, err)
}

func credentialFromToken(tok *oauth2.Token, previousRefresh string) model.Credential {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	return model.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
}

// generateState は256ビットの乱数をbase64url（パディングなし）で返す。
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
