package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database（未設定の場合はセッションをメモリに保持する）
	DatabaseURL string

	// Connectors
	StorageConnectors []string
	HostingConnectors []string

	// Filesystem connectors
	DataPath         string
	HostingPath      string
	HostingPublicURL string

	// GitLab
	GitLabBaseURL      string
	GitLabClientID     string
	GitLabClientSecret string
	GitLabRedirectURL  string
	GitLabBranch       string
	GitLabPagesDomain  string

	// OAuth
	OAuthStateTTL time.Duration

	// Session
	SessionMaxAge int

	// Remote API client
	RemoteTimeout             time.Duration
	RemoteMaxRetries          int
	RemoteBackoffBase         time.Duration
	RemoteBackoffMax          time.Duration
	RemoteTransportRetryDelay time.Duration
	RemoteRequestsPerSecond   float64
	RemoteChunkThreshold      int64
	RemoteChunkSize           int64

	// Jobs
	JobRetention    time.Duration
	CleanupInterval time.Duration

	// Publication
	PublishMaxConcurrent int
	PublishTimeout       time.Duration
	PublishSanitizeHTML  bool

	// Rate Limit
	RateLimitGeneral int
	RateLimitPublish int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.StorageConnectors = getEnvList("STORAGE_CONNECTORS", []string{"fs"})
	cfg.HostingConnectors = getEnvList("HOSTING_CONNECTORS", []string{"fs"})

	// GitLabコネクタが有効な場合のみOAuthクライアント設定を必須とする
	if cfg.GitLabEnabled() {
		cfg.GitLabClientID = os.Getenv("GITLAB_CLIENT_ID")
		if cfg.GitLabClientID == "" {
			missing = append(missing, "GITLAB_CLIENT_ID")
		}
		cfg.GitLabClientSecret = os.Getenv("GITLAB_CLIENT_SECRET")
		if cfg.GitLabClientSecret == "" {
			missing = append(missing, "GITLAB_CLIENT_SECRET")
		}
		cfg.GitLabRedirectURL = os.Getenv("GITLAB_REDIRECT_URL")
		if cfg.GitLabRedirectURL == "" {
			missing = append(missing, "GITLAB_REDIRECT_URL")
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DatabaseURL = getEnvString("DATABASE_URL", "")
	cfg.DataPath = getEnvString("DATA_PATH", "./data")
	cfg.HostingPath = getEnvString("HOSTING_PATH", "")
	cfg.HostingPublicURL = getEnvString("HOSTING_PUBLIC_URL", "")
	cfg.GitLabBaseURL = strings.TrimSuffix(getEnvString("GITLAB_BASE_URL", "https://gitlab.com"), "/")
	cfg.GitLabBranch = getEnvString("GITLAB_BRANCH", "main")
	cfg.GitLabPagesDomain = getEnvString("GITLAB_PAGES_DOMAIN", "gitlab.io")
	cfg.OAuthStateTTL = getEnvDuration("OAUTH_STATE_TTL", 10*time.Minute)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 86400)
	cfg.RemoteTimeout = getEnvDuration("REMOTE_TIMEOUT", 30*time.Second)
	cfg.RemoteMaxRetries = getEnvInt("REMOTE_MAX_RETRIES", 5)
	cfg.RemoteBackoffBase = getEnvDuration("REMOTE_BACKOFF_BASE", time.Second)
	cfg.RemoteBackoffMax = getEnvDuration("REMOTE_BACKOFF_MAX", time.Minute)
	cfg.RemoteTransportRetryDelay = getEnvDuration("REMOTE_TRANSPORT_RETRY_DELAY", 500*time.Millisecond)
	cfg.RemoteRequestsPerSecond = getEnvFloat("REMOTE_REQUESTS_PER_SECOND", 0)
	// 標準のGitLab v4には分割アップロードのセッションAPIがないため、既定では無効（0）
	cfg.RemoteChunkThreshold = getEnvInt64("REMOTE_CHUNK_THRESHOLD", 0)
	cfg.RemoteChunkSize = getEnvInt64("REMOTE_CHUNK_SIZE", 1<<20)
	cfg.JobRetention = getEnvDuration("JOB_RETENTION", 24*time.Hour)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 10*time.Minute)
	cfg.PublishMaxConcurrent = getEnvInt("PUBLISH_MAX_CONCURRENT", 4)
	cfg.PublishTimeout = getEnvDuration("PUBLISH_TIMEOUT", 10*time.Minute)
	cfg.PublishSanitizeHTML = getEnvBool("PUBLISH_SANITIZE_HTML", true)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitPublish = getEnvInt("RATE_LIMIT_PUBLISH", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "6805")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.RemoteChunkSize <= 0 {
		return nil, fmt.Errorf("REMOTE_CHUNK_SIZE must be positive: %d", cfg.RemoteChunkSize)
	}

	return cfg, nil
}

// GitLabEnabled はストレージまたはホスティングにGitLabコネクタが設定されているかを返す。
func (c *Config) GitLabEnabled() bool {
	return slices.Contains(c.StorageConnectors, "gitlab") || slices.Contains(c.HostingConnectors, "gitlab")
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvList はカンマ区切りの環境変数を読み込む。空要素は除外する。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
