package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/sitepress/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Sessions          middleware.SessionProvider
	SessionConfig     middleware.SessionConfig
	CSRFConfig        middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// ヘルスチェック（nil可）とメトリクス（nilの場合は/metricsを公開しない）
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// コネクタ
	Connectors      ConnectorRegistry
	ConnectorConfig ConnectorHandlerConfig

	// 公開
	Jobs      JobStore
	Publisher Publisher
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Session → RateLimit(General) → CSRF
//
// /healthと/metricsはセッションを作らないようチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	connectorHandler := NewConnectorHandler(deps.Connectors, deps.ConnectorConfig, logger)
	websiteHandler := NewWebsiteHandler(deps.Connectors, logger)
	publicationHandler := NewPublicationHandler(deps.Connectors, deps.Jobs, deps.Publisher, logger)

	// --- セッション不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- セッションが必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Sessions, deps.SessionConfig))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

		// コネクタ
		r.Route("/api/connectors", func(r chi.Router) {
			r.Get("/", connectorHandler.ListConnectors)

			r.Route("/{type}/{id}", func(r chi.Router) {
				r.Get("/login", connectorHandler.Login)
				r.Get("/callback", connectorHandler.Callback)
				r.Post("/logout", connectorHandler.Logout)
				r.Get("/user", connectorHandler.User)
			})
		})

		// ウェブサイト文書
		r.Route("/api/websites/{connectorId}", func(r chi.Router) {
			r.Get("/files", websiteHandler.ListFiles)
			r.Delete("/files", websiteHandler.Delete)
			r.Get("/document", websiteHandler.ReadDocument)
			r.Put("/document", websiteHandler.WriteDocument)
			r.Post("/duplicate", websiteHandler.Duplicate)
			r.Get("/meta", websiteHandler.ReadMeta)
			r.Put("/meta", websiteHandler.WriteMeta)
			r.Post("/assets", websiteHandler.WriteAssets)
			r.Get("/assets/*", websiteHandler.ReadAsset)
		})

		// ホスティング
		r.Get("/api/hosting/{connectorId}/url", publicationHandler.HostingURL)

		// 公開
		r.Route("/api/publications", func(r chi.Router) {
			// POST /api/publications - 公開要求（公開専用レート制限を追加）
			r.With(deps.RateLimiter.PublishMiddleware()).Post("/", publicationHandler.Publish)

			r.Route("/{jobId}", func(r chi.Router) {
				r.Get("/", publicationHandler.GetJob)
				r.Get("/hosting-status", publicationHandler.HostingStatus)
			})
		})
	})

	return r
}
