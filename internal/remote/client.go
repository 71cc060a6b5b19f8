// Package remote はリモートAPI（Gitホスティング）呼び出しの共通クライアントを提供する。
// 認証ヘッダー付与、トークン更新、レート制限時のバックオフ、通信失敗時の再試行、
// ステータスコードからConnectorErrorへの変換、ページング、分割アップロードを扱う。
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/sitepress/internal/metrics"
	"github.com/hitoshi/sitepress/internal/model"
)

// maxResponseSize はレスポンスボディの最大読み込みサイズ（32MB）。
const maxResponseSize = 32 << 20

// TokenSource はリクエストに付与するアクセストークンの供給元。
type TokenSource interface {
	// Token は現在のアクセストークンを返す。認証情報がない場合はNotAuthenticatedを返す。
	// 期限切れのため取得時に更新した場合はrefreshedがtrueになる。
	Token(ctx context.Context) (token string, refreshed bool, err error)
	// Refresh はリフレッシュトークンでアクセストークンを更新し、新しいトークンを返す。
	Refresh(ctx context.Context) (string, error)
}

// Config はClientの設定。
type Config struct {
	BaseURL             string
	Timeout             time.Duration // 1回のリクエストの上限時間
	MaxRetries          int           // レート制限時の最大リトライ回数
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	TransportRetryDelay time.Duration
	RequestsPerSecond   float64 // 0の場合は事前スロットリングなし
	ChunkThreshold      int64
	ChunkSize           int64
	UserAgent           string
}

// Request はリモートAPIへの1回の論理リクエスト。
type Request struct {
	Op          string // エラーに含める操作名
	Method      string
	Path        string // BaseURLからの相対パス、または絶対URL
	Query       url.Values
	Body        any    // nilでなければJSONとして送信する
	RawBody     []byte // Bodyより優先して送信する
	ContentType string
	Header      http.Header
	Resource    string // NotFound/NotAuthorized時に報告するリソース名
	Idempotent  bool   // POSTでも再送してよい場合にtrue
}

// idempotent は通信失敗時に再送してよいかを返す。
func (r Request) idempotent() bool {
	if r.Idempotent {
		return true
	}
	switch r.Method {
	case "", http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// Response はリモートAPIのレスポンス。ボディは読み込み済み。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client はリモートAPIの共通クライアント。複数のゴルーチンから同時に利用できる。
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    metrics.MetricsCollector
	logger     *slog.Logger

	// テストで待機を差し替えるためのフック
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient はClientを生成する。httpClientがnilの場合はTimeoutを設定したクライアントを使う。
func NewClient(cfg Config, httpClient *http.Client, m metrics.MetricsCollector, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "sitepress/1.0"
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		metrics:    m,
		logger:     logger,
		sleep:      sleepContext,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// HTTPClient は内部で使用しているhttp.Clientを返す。OAuthのトークン交換で共有する。
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Metrics はメトリクス収集器を返す。
func (c *Client) Metrics() metrics.MetricsCollector {
	return c.metrics
}

// JSON はリクエストを実行し、レスポンスボディをoutにデコードする。
func (c *Client) JSON(ctx context.Context, tokens TokenSource, req Request, out any) (*Response, error) {
	resp, err := c.Do(ctx, tokens, req)
	if err != nil {
		return nil, err
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return nil, model.NewRemoteAPIFailureError(req.Op, resp.StatusCode,
				fmt.Sprintf("invalid JSON response: %v", err))
		}
	}
	return resp, nil
}

// Do はリクエストを実行する。
//
// 401はリフレッシュトークンによる更新を1回だけ行って再送し、2回目の401はNotAuthenticatedとする。
// Token取得時に期限切れで更新済みの場合は、その更新を1回分として数える。
// 429（または残数0の403）はRetry-Afterまたは指数バックオフで待機し、最大MaxRetries回再送する。
// 通信失敗は冪等なリクエストに限り1回だけ再送する。
func (c *Client) Do(ctx context.Context, tokens TokenSource, req Request) (*Response, error) {
	body, contentType, err := req.encodeBody()
	if err != nil {
		return nil, model.NewInvalidInputError(req.Op, fmt.Sprintf("failed to encode request body: %v", err))
	}

	var token string
	refreshed := false
	if tokens != nil {
		token, refreshed, err = tokens.Token(ctx)
		if err != nil {
			return nil, asNotAuthenticated(req.Op, err)
		}
		if refreshed {
			c.metrics.RecordTokenRefresh()
		}
	}

	transportRetried := false
	rateLimitRetries := 0

	for {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, model.NewTransportFailureError(req.Op, err)
			}
		}

		resp, err := c.send(ctx, req, body, contentType, token)
		if err != nil {
			if ctx.Err() == nil && !transportRetried && req.idempotent() {
				transportRetried = true
				c.metrics.RecordTransportRetry()
				c.logger.Warn("remote request failed, retrying once",
					slog.String("op", req.Op),
					slog.String("error", err.Error()),
				)
				if serr := c.sleep(ctx, c.cfg.TransportRetryDelay); serr != nil {
					return nil, model.NewTransportFailureError(req.Op, serr)
				}
				continue
			}
			return nil, model.NewTransportFailureError(req.Op, err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			if tokens == nil || refreshed {
				return nil, model.NewNotAuthenticatedError(req.Op, fmt.Errorf("remote returned 401: %s", providerMessage(resp)))
			}
			refreshed = true
			newToken, rerr := tokens.Refresh(ctx)
			if rerr != nil {
				return nil, asNotAuthenticated(req.Op, rerr)
			}
			c.metrics.RecordTokenRefresh()
			c.logger.Info("access token refreshed after 401",
				slog.String("op", req.Op),
			)
			token = newToken
			continue

		case isRateLimited(resp):
			if rateLimitRetries >= c.cfg.MaxRetries {
				c.logger.Warn("remote rate limit retries exhausted",
					slog.String("op", req.Op),
					slog.Int("retries", rateLimitRetries),
				)
				return nil, model.NewRemoteAPIFailureError(req.Op, resp.StatusCode, providerMessage(resp))
			}
			wait := c.rateLimitWait(resp, rateLimitRetries)
			rateLimitRetries++
			c.metrics.RecordRateLimitRetry()
			c.logger.Warn("remote rate limit hit, backing off",
				slog.String("op", req.Op),
				slog.Int("attempt", rateLimitRetries),
				slog.Duration("wait", wait),
			)
			if serr := c.sleep(ctx, wait); serr != nil {
				return nil, model.NewTransportFailureError(req.Op, serr)
			}
			continue

		case resp.StatusCode >= 400:
			return nil, mapStatus(req.Op, req.Resource, resp)
		}

		return resp, nil
	}
}

// send は1回分のHTTPリクエストを送信し、ボディを読み込んで返す。
func (c *Client) send(ctx context.Context, req Request, body []byte, contentType, token string) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, method, c.resolveURL(req), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.RecordRemoteRequest(0, time.Since(start))
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	c.metrics.RecordRemoteRequest(httpResp.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// resolveURL はBaseURLとPath、Queryから送信先URLを組み立てる。
func (c *Client) resolveURL(req Request) string {
	u := req.Path
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		if !strings.HasPrefix(u, "/") {
			u = "/" + u
		}
		u = c.cfg.BaseURL + u
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + req.Query.Encode()
	}
	return u
}

// encodeBody は送信するボディとContent-Typeを決める。
func (r Request) encodeBody() ([]byte, string, error) {
	if r.RawBody != nil {
		ct := r.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		return r.RawBody, ct, nil
	}
	if r.Body == nil {
		return nil, r.ContentType, nil
	}
	data, err := json.Marshal(r.Body)
	if err != nil {
		return nil, "", err
	}
	ct := r.ContentType
	if ct == "" {
		ct = "application/json"
	}
	return data, ct, nil
}

// asNotAuthenticated はトークン取得・更新の失敗をNotAuthenticatedに揃える。
// 通信失敗はTransportFailureのまま返す。
func asNotAuthenticated(op string, err error) error {
	if model.IsKind(err, model.KindTransportFailure) || model.IsKind(err, model.KindNotAuthenticated) {
		return err
	}
	return model.NewNotAuthenticatedError(op, err)
}

// sleepContext はコンテキストのキャンセルを考慮して待機する。
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
