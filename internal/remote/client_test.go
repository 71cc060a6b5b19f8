package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/sitepress/internal/model"
)

// --- テストヘルパー ---

type mockTokens struct {
	mu        sync.Mutex
	token     string
	refreshed string
	refreshFn func(ctx context.Context) (string, error)
	refreshes int
	expired   bool // trueの場合、最初のTokenで更新済みトークンを返す
}

func (m *mockTokens) Token(ctx context.Context) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" {
		return "", false, errors.New("no credential")
	}
	if m.expired {
		m.expired = false
		m.refreshes++
		m.token = m.refreshed
		return m.token, true, nil
	}
	return m.token, false, nil
}

func (m *mockTokens) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.refreshes++
	m.mu.Unlock()
	if m.refreshFn != nil {
		return m.refreshFn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = m.refreshed
	return m.token, nil
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, baseURL string, httpClient *http.Client, mut func(*Config)) (*Client, *sleepRecorder) {
	t.Helper()
	cfg := Config{
		BaseURL:             baseURL,
		Timeout:             2 * time.Second,
		MaxRetries:          5,
		BackoffBase:         100 * time.Millisecond,
		BackoffMax:          time.Second,
		TransportRetryDelay: 10 * time.Millisecond,
		ChunkThreshold:      8,
		ChunkSize:           4,
	}
	if mut != nil {
		mut(&cfg)
	}
	c := NewClient(cfg, httpClient, nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	rec := &sleepRecorder{}
	c.sleep = rec.sleep
	return c, rec
}

func connectorErr(t *testing.T, err error) *model.ConnectorError {
	t.Helper()
	var ce *model.ConnectorError
	if !errors.As(err, &ce) {
		t.Fatalf("ConnectorErrorが返されるべき: %v", err)
	}
	return ce
}

// --- テスト ---

func TestDo_SetsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.Client(), nil)
	if _, err := c.Do(context.Background(), &mockTokens{token: "tok-1"}, Request{Op: "test", Path: "/user"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer tok-1")
	}
}

func TestDo_NoCredential_ReturnsNotAuthenticatedWithoutRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.Client(), nil)
	_, err := c.Do(context.Background(), &mockTokens{}, Request{Op: "test", Path: "/user"})

	if ce := connectorErr(t, err); ce.Kind != model.KindNotAuthenticated {
		t.Errorf("Kind = %s, want %s", ce.Kind, model.KindNotAuthenticated)
	}
	if calls.Load() != 0 {
		t.Errorf("リクエスト数 = %d, want 0", calls.Load())
	}
}

func TestDo_401_RefreshesOnceAndReplays(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tokens := &mockTokens{token: "old", refreshed: "new"}
	c, _ := newTestClient(t, srv.URL, srv.Client(), nil)

	var out struct {
		OK bool `json:"ok"`
	}
	if _, err := c.JSON(context.Background(), tokens, Request{Op: "test", Path: "/user"}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.OK {
		t.Error("レスポンスがデコードされていない")
	}
	if tokens.refreshes != 1 {
		t.Errorf("refresh回数 = %d, want 1", tokens.refreshes)
	}
	if calls.Load() != 2 {
		t.Errorf("リクエスト数 = %d, want 2", calls.Load())
	}
}

func TestDo_Second401_ReturnsNotAuthenticated(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &mockTokens{token: "old", refreshed: "still-bad"}
	c, _ := newTestClient(t, srv.URL, srv.Client(), nil)

	_, err := c.Do(context.Background(), tokens, Request{Op: "test", Path: "/user"})
	if ce := connectorErr(t, err); ce.Kind != model.KindNotAuthenticated {
		t.Errorf("Kind = %s, want %s", ce.Kind, model.KindNotAuthenticated)
	}
	if tokens.refreshes != 1 {
		t.Errorf("refresh回数 = %d, want 1", tokens.refreshes)
	}
	if calls.Load() != 2 {
		t.Errorf("リクエスト数 = %d, want 2", calls.Load())
	}
}

func TestDo_ExpiredTokenThen401_DoesNotRefreshAgain(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &mockTokens{token: "stale", refreshed: "fresh", expired: true}
	c, _ := newTestClient(t, srv.URL, srv.Client(), nil)

	_, err := c.Do(context.Background(), tokens, Request{Op: "test", Path: "/user"})
	if ce := connectorErr(t, err); ce.Kind != model.KindNotAuthenticated {
		t.Errorf("Kind = %s, want %s", ce.Kind, model.KindNotAuthenticated)
	}
	if tokens.refreshes != 1 {
		t.Errorf("refresh回数 = %d, want 1", tokens.refreshes)
	}
	if calls.Load() != 1 {
		t.Errorf("リクエスト数 = %d, want 1", calls.Load())
	}
}

func TestDo_401_RefreshFails_ReturnsNotAuthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := &mockTokens{token: "old", refreshFn: func(ctx context.Context) (string, error) {
		return "", errors.New("no refresh token")
	}}
	c, _ := newTestClient(t, srv.URL, srv.Client(), nil)

	_, err := c.Do(context.Background(), tokens, Request{Op: "test", Path: "/user"})
	if ce := connectorErr(t, err); ce.Kind != model.KindNotAuthenticated {
		t.Errorf("Kind = %s, want %s", ce.Kind, model.KindNotAuthenticated)
	}
}

func TestDo_RateLimit_HonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, srv.Client(), func(cfg *Config) {
		cfg.BackoffMax = 5 * time.Second
	})
	if _, err := c.Do(context.Background(), nil, Request{Op: "test", Path: "/projects"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(rec.waits) != 2 {
		t.Fatalf("待機回数 = %d, want 2", len(rec.waits))
	}
	for i, w := range rec.waits {
		if w != time.Second {
			t.Errorf("waits[%d] = %v, want %v", i, w, time.Second)
		}
	}
}

func TestDo_RateLimit_ExponentialBackoffWithoutRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 4 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, srv.Client(), func(cfg *Config) {
		cfg.BackoffBase = 100 * time.Millisecond
		cfg.BackoffMax = 500 * time.Millisecond
	})
	if _, err := c.Do(context.Background(), nil, Request{Op: "test", Path: "/projects"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 500 * time.Millisecond}
	if len(rec.waits) != len(want) {
		t.Fatalf("待機回数 = %d, want %d", len(rec.waits), len(want))
	}
	for i := range want {
		if rec.waits[i] != want[i] {
			t.Errorf("waits[%d] = %v, want %v", i, rec.waits[i], want[i])
		}
	}
}

func TestDo_RateLimit_ExhaustsRetries_ReturnsRemoteAPIFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"Retry later"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.Client(), func(cfg *Config) {
		cfg.MaxRetries = 3
	})
	_, err := c.Do(context.Background(), nil, Request{Op: "test", Path: "/projects"})

	ce := connectorErr(t, err)
	if ce.Kind != model.KindRemoteAPIFailure {
		t.Errorf("Kind = %s, want %s", ce.Kind, model.KindRemoteAPIFailure)
	}
	if ce.Code != http.StatusTooManyRequests {
		t.Errorf("Code = %d, want %d", ce.Code, http.StatusTooManyRequests)
	}
	if ce.Message != "Retry later" {
		t.Errorf("Message = %q, want %q", ce.Message, "Retry later")
	}
	// 初回 + MaxRetries回
	if calls.Load() != 4 {
		t.Errorf("リクエスト数 = %d, want 4", calls.Load())
	}
}

func TestDo_403WithZeroRemaining_TreatedAsRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, rec := newTestClient(t, srv.URL, srv.Client(), nil)
	if _, err := c.Do(context.Background(), nil, Request{Op: "test", Path: "/projects"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.waits) != 1 {
		t.Errorf("待機回数 = %d, want 1", len(rec.waits))
	}
}

func TestDo_MapsErrorStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind model.ErrorKind
		check    func(t *testing.T, ce *model.ConnectorError)
	}{
		{
			name: "403はNotAuthorized", status: http.StatusForbidden, body: `{"message":"403 Forbidden"}`,
			wantKind: model.KindNotAuthorized,
			check: func(t *testing.T, ce *model.ConnectorError) {
				if ce.Resource != "group/site" {
					t.Errorf("Resource = %q, want %q", ce.Resource, "group/site")
				}
			},
		},
		{
			name: "404はNotFound", status: http.StatusNotFound, body: `{"message":"404 Project Not Found"}`,
			wantKind: model.KindNotFound,
		},
		{
			name: "422はInvalidInputでメッセージを保持", status: http.StatusUnprocessableEntity,
			body:     `{"message":{"name":["has already been taken"]}}`,
			wantKind: model.KindInvalidInput,
			check: func(t *testing.T, ce *model.ConnectorError) {
				if !strings.Contains(ce.Reason, "has already been taken") {
					t.Errorf("Reason = %q, should contain provider message", ce.Reason)
				}
			},
		},
		{
			name: "400はerror_descriptionを使う", status: http.StatusBadRequest,
			body:     `{"error":"invalid_grant","error_description":"The provided code is invalid"}`,
			wantKind: model.KindInvalidInput,
			check: func(t *testing.T, ce *model.ConnectorError) {
				if ce.Reason != "The provided code is invalid" {
					t.Errorf("Reason = %q", ce.Reason)
				}
			},
		},
		{
			name: "502はRemoteAPIFailure", status: http.StatusBadGateway, body: `<html>bad gateway</html>`,
			wantKind: model.KindRemoteAPIFailure,
			check: func(t *testing.T, ce *model.ConnectorError) {
				if ce.Code != http.StatusBadGateway {
					t.Errorf("Code = %d, want %d", ce.Code, http.StatusBadGateway)
				}
				if ce.Message != "Bad Gateway" {
					t.Errorf("Message = %q, want status text", ce.Message)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, _ := newTestClient(t, srv.URL, srv.Client(), nil)
			_, err := c.Do(context.Background(), nil, Request{Op: "test", Path: "/projects/1", Resource: "group/site"})

			ce := connectorErr(t, err)
			if ce.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", ce.Kind, tt.wantKind)
			}
			if tt.check != nil {
				tt.check(t, ce)
			}
		})
	}
}

func TestDo_TransportFailure_RetriesIdempotentOnce(t *testing.T) {
	var calls atomic.Int32
	httpClient := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader(`{}`)),
		}, nil
	})}

	c, rec := newTestClient(t, "https://gitlab.example.com/api/v4", httpClient, nil)
	if _, err := c.Do(context.Background(), nil, Request{Op: "test", Method: http.MethodGet, Path: "/projects"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("リクエスト数 = %d, want 2", calls.Load())
	}
	if len(rec.waits) != 1 || rec.waits[0] != 10*time.Millisecond {
		t.Errorf("waits = %v, want [10ms]", rec.waits)
	}
}

func TestDo_TransportFailure_GivesUpAfterOneRetry(t *testing.T) {
	var calls atomic.Int32
	httpClient := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("no such host")
	})}

	c, _ := newTestClient(t, "https://gitlab.example.com/api/v4", httpClient, nil)
	_, err := c.Do(context.Background(), nil, Request{Op: "test", Path: "/projects"})

	if ce := connectorErr(t, err); ce.Kind != model.KindTransportFailure {
		t.Errorf("Kind = %s, want %s", ce.Kind, model.KindTransportFailure)
	}
	if calls.Load() != 2 {
		t.Errorf("リクエスト数 = %d, want 2", calls.Load())
	}
}

func TestDo_TransportFailure_NonIdempotentNotRetried(t *testing.T) {
	var calls atomic.Int32
	httpClient := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection reset by peer")
	})}

	c, _ := newTestClient(t, "https://gitlab.example.com/api/v4", httpClient, nil)
	_, err := c.Do(context.Background(), nil, Request{Op: "commit", Method: http.MethodPost, Path: "/projects/1/repository/commits", Body: map[string]string{}})

	if ce := connectorErr(t, err); ce.Kind != model.KindTransportFailure {
		t.Errorf("Kind = %s, want %s", ce.Kind, model.KindTransportFailure)
	}
	if calls.Load() != 1 {
		t.Errorf("リクエスト数 = %d, want 1", calls.Load())
	}
}

func TestDo_Timeout_ReturnsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.Client(), func(cfg *Config) {
		cfg.Timeout = 50 * time.Millisecond
	})
	_, err := c.Do(context.Background(), nil, Request{Op: "test", Method: http.MethodPost, Path: "/slow"})

	if ce := connectorErr(t, err); ce.Kind != model.KindTransportFailure {
		t.Errorf("Kind = %s, want %s", ce.Kind, model.KindTransportFailure)
	}
}

func TestDo_SendsJSONBodyAndQuery(t *testing.T) {
	var gotBody, gotCT, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotCT = r.Header.Get("Content-Type")
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.Client(), nil)
	_, err := c.Do(context.Background(), nil, Request{
		Op:     "test",
		Method: http.MethodPost,
		Path:   "projects",
		Query:  map[string][]string{"membership": {"true"}},
		Body:   map[string]string{"name": "site"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotBody != `{"name":"site"}` {
		t.Errorf("body = %q", gotBody)
	}
	if gotCT != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotCT)
	}
	if gotQuery != "membership=true" {
		t.Errorf("query = %q, want membership=true", gotQuery)
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := CalculateBackoff(time.Second, 30*time.Second, tt.attempt); got != tt.want {
			t.Errorf("CalculateBackoff(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in     string
		want   time.Duration
		wantOK bool
	}{
		{"", 0, false},
		{"3", 3 * time.Second, true},
		{"-1", 0, false},
		{"soon", 0, false},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second, true},
		{now.Add(-10 * time.Second).Format(http.TimeFormat), 0, true},
	}
	for _, tt := range tests {
		got, ok := parseRetryAfter(tt.in, now)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("parseRetryAfter(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
