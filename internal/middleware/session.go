// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/sitepress/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionContextKey はリクエストコンテキストにセッションを格納するためのキー。
var sessionContextKey = contextKey("session")

// SessionProvider はセッションの取得と作成に必要なインターフェース。
// session.Serviceの部分集合として定義する。
type SessionProvider interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	Create(ctx context.Context) (*model.Session, error)
	MaxAge() time.Duration
}

// SessionConfig はセッションCookieの属性。
type SessionConfig struct {
	CookieSecure bool
	CookieDomain string
}

// NewSessionMiddleware はCookieからセッションを読み取り、リクエストコンテキストに注入するミドルウェアを返す。
// Cookieがないか、セッションが期限切れの場合は新しいセッションを作成してCookieを発行する。
// コネクタへのログイン状態はセッション内の認証情報で表すため、ここでは未認証を拒否しない。
func NewSessionMiddleware(provider SessionProvider, config SessionConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var sess *model.Session

			// 1. 既存のセッションを検索
			if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
				found, err := provider.Get(r.Context(), cookie.Value)
				if err != nil {
					slog.Error("failed to find session",
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
					return
				}
				sess = found
			}

			// 2. なければ新規作成してCookieを発行
			if sess == nil {
				created, err := provider.Create(r.Context())
				if err != nil {
					slog.Error("failed to create session",
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
					return
				}
				sess = created
				http.SetCookie(w, &http.Cookie{
					Name:     SessionCookieName,
					Value:    sess.ID,
					Path:     "/",
					Domain:   config.CookieDomain,
					MaxAge:   int(provider.MaxAge().Seconds()),
					HttpOnly: true,
					Secure:   config.CookieSecure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			// 3. セッションをコンテキストに注入
			recordSessionID(r.Context(), sess.ID)
			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), sess)))
		})
	}
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionFromContext(ctx context.Context) (*model.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey).(*model.Session)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// SessionIDFromContext はリクエストコンテキストからセッションIDを取得する。
func SessionIDFromContext(ctx context.Context) string {
	if sess, ok := SessionFromContext(ctx); ok {
		return sess.ID
	}
	return ""
}

// ContextWithSession はコンテキストにセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, sess *model.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}
