package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/sitepress/internal/config"
	"github.com/hitoshi/sitepress/internal/connector"
	"github.com/hitoshi/sitepress/internal/connector/gitlab"
	"github.com/hitoshi/sitepress/internal/database"
	"github.com/hitoshi/sitepress/internal/handler"
	"github.com/hitoshi/sitepress/internal/job"
	"github.com/hitoshi/sitepress/internal/logger"
	"github.com/hitoshi/sitepress/internal/metrics"
	"github.com/hitoshi/sitepress/internal/middleware"
	"github.com/hitoshi/sitepress/internal/model"
	"github.com/hitoshi/sitepress/internal/oauth"
	"github.com/hitoshi/sitepress/internal/publication"
	"github.com/hitoshi/sitepress/internal/remote"
	"github.com/hitoshi/sitepress/internal/repository"
	"github.com/hitoshi/sitepress/internal/session"
	"github.com/hitoshi/sitepress/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "6805"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.Any("storage_connectors", cfg.StorageConnectors),
		slog.Any("hosting_connectors", cfg.HostingConnectors),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// components はサーバーを構成する依存関係一式。
type components struct {
	handler      http.Handler
	orchestrator *publication.Orchestrator
	rateLimiter  *middleware.RateLimiter
	cleanup      *cleanup.CleanupJob
}

// buildComponents は設定から全依存関係をワイヤリングする。
// dbがnilの場合はセッションをメモリに保持し、ヘルスチェックはDBを確認しない。
func buildComponents(cfg *config.Config, db *sql.DB, log *slog.Logger) (*components, error) {
	// 1. セッション
	var store session.Store = session.NewMemoryStore()
	var healthChecker handler.HealthChecker
	if db != nil {
		store = repository.NewPostgresSessionRepo(db)
		healthChecker = db
	}
	sessions := session.NewService(store, time.Duration(cfg.SessionMaxAge)*time.Second)

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. リモートAPIクライアント
	remoteClient := remote.NewClient(remote.Config{
		BaseURL:             gitlab.APIBaseURL(cfg.GitLabBaseURL),
		Timeout:             cfg.RemoteTimeout,
		MaxRetries:          cfg.RemoteMaxRetries,
		BackoffBase:         cfg.RemoteBackoffBase,
		BackoffMax:          cfg.RemoteBackoffMax,
		TransportRetryDelay: cfg.RemoteTransportRetryDelay,
		RequestsPerSecond:   cfg.RemoteRequestsPerSecond,
		ChunkThreshold:      cfg.RemoteChunkThreshold,
		ChunkSize:           cfg.RemoteChunkSize,
	}, nil, collector, log)

	// 4. OAuth
	var states *oauth.StateStore
	oauthManagers := make(map[model.ConnectorKind]*oauth.Manager)
	if cfg.GitLabEnabled() {
		states = oauth.NewStateStore(cfg.OAuthStateTTL)
		oauthManagers[model.ConnectorKindGitLab] = oauth.NewManager(
			model.ConnectorKindGitLab,
			gitlab.OAuthConfig(cfg.GitLabBaseURL, cfg.GitLabClientID, cfg.GitLabClientSecret, cfg.GitLabRedirectURL),
			states, sessions, remoteClient.HTTPClient(), log,
		)
	}

	// 5. コネクタ
	registryDeps := connector.Dependencies{
		Config:   cfg,
		Sessions: sessions,
		OAuth:    oauthManagers,
		Remote:   remoteClient,
		Metrics:  collector,
		Logger:   log,
	}
	connectors, err := connector.NewRegistry(cfg.StorageConnectors, cfg.HostingConnectors, connectorFactories(), registryDeps)
	if err != nil {
		return nil, fmt.Errorf("failed to build connectors: %w", err)
	}

	// 6. 公開ジョブ
	jobs := job.NewManager(collector, log)
	jobs.OnEvict(forgetPublication(connectors, log))
	orchestrator := publication.NewOrchestrator(
		connectors,
		publication.NewHTMLBuilder(cfg.PublishSanitizeHTML),
		publication.Options{
			MaxConcurrent: cfg.PublishMaxConcurrent,
			Timeout:       cfg.PublishTimeout,
		},
		log,
	)

	// 7. ルーター
	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitPublish),
	)
	router := handler.NewRouter(&handler.RouterDeps{
		Sessions: sessions,
		SessionConfig: middleware.SessionConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            log,
		HealthChecker:     healthChecker,
		MetricsHandler:    metrics.Handler(registry),
		Connectors:        connectors,
		ConnectorConfig:   handler.ConnectorHandlerConfig{BaseURL: cfg.BaseURL},
		Jobs:              jobs,
		Publisher:         orchestrator,
	})

	// 8. クリーンアップ（statesはGitLab無効時にnilインターフェースのままにする）
	var stateSweeper cleanup.StateSweeper
	if states != nil {
		stateSweeper = states
	}
	cleanupJob := cleanup.NewCleanupJob(sessions, stateSweeper, jobs, log)
	cleanupJob.JobRetention = cfg.JobRetention

	return &components{
		handler:      router,
		orchestrator: orchestrator,
		rateLimiter:  rateLimiter,
		cleanup:      cleanupJob,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DATABASE_URLが設定されていればDB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続（任意）
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = database.Open(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := db.Ping(); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established")
	} else {
		slog.Info("DATABASE_URL is not set, sessions are kept in memory")
	}

	// 2. 依存関係の構築
	c, err := buildComponents(cfg, db, log)
	if err != nil {
		return err
	}
	defer c.rateLimiter.Stop()

	// 3. クリーンアップジョブをバックグラウンドで起動
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.cleanup.Start(ctx, cfg.CleanupInterval)

	// 4. HTTPサーバーの起動
	// WriteTimeoutはコネクタ経由の文書保存がリモートAPIを待つため長めにとる
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      c.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RemoteTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serverErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	// 実行中の公開ジョブの完了を待つ
	if err := c.orchestrator.Shutdown(shutdownCtx); err != nil {
		slog.Warn("publication jobs did not finish before shutdown",
			slog.String("error", err.Error()),
		)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
