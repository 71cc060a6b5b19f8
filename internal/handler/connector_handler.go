package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/sitepress/internal/connector"
	"github.com/hitoshi/sitepress/internal/middleware"
	"github.com/hitoshi/sitepress/internal/model"
)

// ConnectorRegistry はハンドラーが必要とするコネクタの検索インターフェース。
// connector.Registryが満たす。
type ConnectorRegistry interface {
	List(t model.ConnectorType) []connector.Info
	Authenticator(t model.ConnectorType, id string) (connector.Authenticator, error)
	Storage(id string) (connector.Storage, error)
	Hosting(id string) (connector.Hosting, error)
}

// ConnectorHandlerConfig はコネクタハンドラーの設定。
type ConnectorHandlerConfig struct {
	// BaseURL はフロントエンドのURL。returnToの既定値であり、許可するリダイレクト先のオリジン。
	BaseURL string
}

// ConnectorHandler はコネクタの一覧とログイン/ログアウトのHTTPハンドラー。
type ConnectorHandler struct {
	registry ConnectorRegistry
	config   ConnectorHandlerConfig
	logger   *slog.Logger
}

// NewConnectorHandler はConnectorHandlerを生成する。
func NewConnectorHandler(registry ConnectorRegistry, config ConnectorHandlerConfig, logger *slog.Logger) *ConnectorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectorHandler{registry: registry, config: config, logger: logger}
}

// connectorResponse はコネクタ一覧の1要素。
type connectorResponse struct {
	connector.Info
	IsLoggedIn bool `json:"isLoggedIn"`
}

// ListConnectors は設定されたコネクタとログイン状態を返す。
// GET /api/connectors?type=STORAGE|HOSTING
// typeを省略した場合はストレージ、ホスティングの順にすべて返す。
func (h *ConnectorHandler) ListConnectors(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionOrError(w, r)
	if !ok {
		return
	}

	types := []model.ConnectorType{model.ConnectorTypeStorage, model.ConnectorTypeHosting}
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, ok := model.ParseConnectorType(raw)
		if !ok {
			middleware.WriteConnectorError(w, h.logger, model.NewInvalidInputError("connector.list", fmt.Sprintf("unknown connector type %q", raw)))
			return
		}
		types = []model.ConnectorType{t}
	}

	resp := []connectorResponse{}
	for _, t := range types {
		for _, info := range h.registry.List(t) {
			auth, err := h.registry.Authenticator(t, info.ID)
			if err != nil {
				middleware.WriteConnectorError(w, h.logger, err)
				return
			}
			resp = append(resp, connectorResponse{Info: info, IsLoggedIn: auth.IsAuthenticated(sess)})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Login はプロバイダーの認可画面へリダイレクトする。
// GET /api/connectors/{type}/{id}/login?returnTo=
// OAuthを使わないコネクタは常に認証済みのため、returnToへ直接戻す。
func (h *ConnectorHandler) Login(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionOrError(w, r)
	if !ok {
		return
	}
	auth, ok := h.authenticator(w, r)
	if !ok {
		return
	}

	returnTo, err := h.resolveReturnTo(r.URL.Query().Get("returnTo"))
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}

	authURL, err := auth.AuthURL(r.Context(), sess, returnTo)
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	if authURL == "" {
		http.Redirect(w, r, returnTo, http.StatusFound)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// Callback はOAuthコールバックを処理し、ログイン開始時のreturnToへリダイレクトする。
// GET /api/connectors/{type}/{id}/callback?code=&state=&error=
func (h *ConnectorHandler) Callback(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionOrError(w, r)
	if !ok {
		return
	}
	auth, ok := h.authenticator(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		detail := providerErr
		if desc := q.Get("error_description"); desc != "" {
			detail += ": " + desc
		}
		h.logger.Warn("oauth authorization denied by provider",
			slog.String("connector", auth.Info().ID),
			slog.String("error", detail),
		)
		middleware.WriteConnectorError(w, h.logger,
			model.NewNotAuthenticatedError("connector.callback", errors.New("authorization denied: "+detail)))
		return
	}

	returnTo, err := auth.CompleteOAuth(r.Context(), sess, q.Get("code"), q.Get("state"))
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	if returnTo == "" {
		returnTo = h.defaultReturnTo()
	}

	h.logger.Info("connector login completed",
		slog.String("connector", auth.Info().ID),
		slog.String("session_id", sess.ID),
	)
	http.Redirect(w, r, returnTo, http.StatusFound)
}

// Logout はコネクタの認証情報をセッションから削除する。
// POST /api/connectors/{type}/{id}/logout
func (h *ConnectorHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionOrError(w, r)
	if !ok {
		return
	}
	auth, ok := h.authenticator(w, r)
	if !ok {
		return
	}

	if err := auth.Logout(r.Context(), sess); err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// User はコネクタにログインしているユーザーの情報を返す。
// GET /api/connectors/{type}/{id}/user
func (h *ConnectorHandler) User(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionOrError(w, r)
	if !ok {
		return
	}
	auth, ok := h.authenticator(w, r)
	if !ok {
		return
	}

	user, err := auth.User(r.Context(), sess)
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// authenticator はURLの{type}と{id}からコネクタを引く。失敗時はエラーを書き込む。
func (h *ConnectorHandler) authenticator(w http.ResponseWriter, r *http.Request) (connector.Authenticator, bool) {
	raw := chi.URLParam(r, "type")
	t, ok := model.ParseConnectorType(raw)
	if !ok {
		middleware.WriteConnectorError(w, h.logger, model.NewInvalidInputError("connector.lookup", fmt.Sprintf("unknown connector type %q", raw)))
		return nil, false
	}
	auth, err := h.registry.Authenticator(t, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return nil, false
	}
	return auth, true
}

func (h *ConnectorHandler) defaultReturnTo() string {
	if h.config.BaseURL == "" {
		return "/"
	}
	return h.config.BaseURL
}

// resolveReturnTo はreturnToを検証し、リダイレクト先の絶対URLまたはパスを返す。
// オープンリダイレクトを防ぐため、同一オリジンのURLかスラッシュ1つで始まるパスのみ許可する。
func (h *ConnectorHandler) resolveReturnTo(raw string) (string, error) {
	if raw == "" {
		return h.defaultReturnTo(), nil
	}

	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, "/\\") {
		if h.config.BaseURL == "" {
			return raw, nil
		}
		return strings.TrimSuffix(h.config.BaseURL, "/") + raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", model.NewInvalidInputError("connector.login", "returnTo is not a valid URL")
	}
	base, err := url.Parse(h.config.BaseURL)
	if err != nil || base.Host == "" || u.Scheme != base.Scheme || u.Host != base.Host {
		return "", model.NewInvalidInputError("connector.login", "returnTo must point to the application origin")
	}
	return u.String(), nil
}
