package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/sitepress/internal/connector"
	"github.com/hitoshi/sitepress/internal/job"
	"github.com/hitoshi/sitepress/internal/middleware"
	"github.com/hitoshi/sitepress/internal/model"
	"github.com/hitoshi/sitepress/internal/publication"
)

// --- モック定義 ---

// mockConnector はStorageとHostingの両方を満たすモック実装。
type mockConnector struct {
	info            connector.Info
	authenticated   bool
	authURLFn       func(ctx context.Context, sess *model.Session, returnTo string) (string, error)
	completeOAuthFn func(ctx context.Context, sess *model.Session, code, state string) (string, error)
	logoutFn        func(ctx context.Context, sess *model.Session) error
	userFn          func(ctx context.Context, sess *model.Session) (*model.ConnectorUser, error)
	listFn          func(ctx context.Context, sess *model.Session, path string) ([]model.FileInfo, error)
	readFn          func(ctx context.Context, sess *model.Session, path string) (*model.WebsiteDocument, error)
	writeFn         func(ctx context.Context, sess *model.Session, path string, doc *model.WebsiteDocument) error
	deleteFn        func(ctx context.Context, sess *model.Session, path string) error
	publishFn       func(ctx context.Context, sess *model.Session, req connector.PublishRequest, progress connector.ProgressFunc) (*model.PublishResult, error)
	statusFn        func(ctx context.Context, sess *model.Session, jobID string) (*model.PublishStatus, error)
	duplicateFn     func(ctx context.Context, sess *model.Session, path string) (string, error)
	readMetaFn      func(ctx context.Context, sess *model.Session, path string) (*model.WebsiteMeta, error)
	writeMetaFn     func(ctx context.Context, sess *model.Session, path string, meta *model.WebsiteMetaFile) error
	writeAssetsFn   func(ctx context.Context, sess *model.Session, path string, files []model.AssetFile) ([]string, error)
	readAssetFn     func(ctx context.Context, sess *model.Session, path, name string) ([]byte, error)
	urlFn           func(ctx context.Context, sess *model.Session, targetPath string) (string, error)
	forgotten       []string
}

func (m *mockConnector) Info() connector.Info { return m.info }

func (m *mockConnector) IsAuthenticated(sess *model.Session) bool { return m.authenticated }

func (m *mockConnector) AuthURL(ctx context.Context, sess *model.Session, returnTo string) (string, error) {
	if m.authURLFn != nil {
		return m.authURLFn(ctx, sess, returnTo)
	}
	return "", nil
}

func (m *mockConnector) CompleteOAuth(ctx context.Context, sess *model.Session, code, state string) (string, error) {
	if m.completeOAuthFn != nil {
		return m.completeOAuthFn(ctx, sess, code, state)
	}
	return "", nil
}

func (m *mockConnector) Logout(ctx context.Context, sess *model.Session) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sess)
	}
	return nil
}

func (m *mockConnector) User(ctx context.Context, sess *model.Session) (*model.ConnectorUser, error) {
	if m.userFn != nil {
		return m.userFn(ctx, sess)
	}
	return &model.ConnectorUser{Name: "alice"}, nil
}

func (m *mockConnector) List(ctx context.Context, sess *model.Session, path string) ([]model.FileInfo, error) {
	if m.listFn != nil {
		return m.listFn(ctx, sess, path)
	}
	return nil, nil
}

func (m *mockConnector) ReadDocument(ctx context.Context, sess *model.Session, path string) (*model.WebsiteDocument, error) {
	if m.readFn != nil {
		return m.readFn(ctx, sess, path)
	}
	return &model.WebsiteDocument{}, nil
}

func (m *mockConnector) WriteDocument(ctx context.Context, sess *model.Session, path string, doc *model.WebsiteDocument) error {
	if m.writeFn != nil {
		return m.writeFn(ctx, sess, path, doc)
	}
	return nil
}

func (m *mockConnector) Delete(ctx context.Context, sess *model.Session, path string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, sess, path)
	}
	return nil
}

func (m *mockConnector) Publish(ctx context.Context, sess *model.Session, req connector.PublishRequest, progress connector.ProgressFunc) (*model.PublishResult, error) {
	if m.publishFn != nil {
		return m.publishFn(ctx, sess, req, progress)
	}
	return &model.PublishResult{}, nil
}

func (m *mockConnector) Status(ctx context.Context, sess *model.Session, jobID string) (*model.PublishStatus, error) {
	if m.statusFn != nil {
		return m.statusFn(ctx, sess, jobID)
	}
	return &model.PublishStatus{JobID: jobID, State: "published"}, nil
}

func (m *mockConnector) Duplicate(ctx context.Context, sess *model.Session, path string) (string, error) {
	if m.duplicateFn != nil {
		return m.duplicateFn(ctx, sess, path)
	}
	return path + "-copy", nil
}

func (m *mockConnector) ReadMeta(ctx context.Context, sess *model.Session, path string) (*model.WebsiteMeta, error) {
	if m.readMetaFn != nil {
		return m.readMetaFn(ctx, sess, path)
	}
	return &model.WebsiteMeta{Path: path}, nil
}

func (m *mockConnector) WriteMeta(ctx context.Context, sess *model.Session, path string, meta *model.WebsiteMetaFile) error {
	if m.writeMetaFn != nil {
		return m.writeMetaFn(ctx, sess, path, meta)
	}
	return nil
}

func (m *mockConnector) WriteAssets(ctx context.Context, sess *model.Session, path string, files []model.AssetFile) ([]string, error) {
	if m.writeAssetsFn != nil {
		return m.writeAssetsFn(ctx, sess, path, files)
	}
	return nil, nil
}

func (m *mockConnector) ReadAsset(ctx context.Context, sess *model.Session, path, name string) ([]byte, error) {
	if m.readAssetFn != nil {
		return m.readAssetFn(ctx, sess, path, name)
	}
	return nil, model.NewNotFoundError("mock.read_asset", "asset "+name)
}

func (m *mockConnector) URL(ctx context.Context, sess *model.Session, targetPath string) (string, error) {
	if m.urlFn != nil {
		return m.urlFn(ctx, sess, targetPath)
	}
	return "https://example.com/" + targetPath + "/", nil
}

func (m *mockConnector) Forget(jobID string) {
	m.forgotten = append(m.forgotten, jobID)
}

// mockRegistry はConnectorRegistryのモック実装。
type mockRegistry struct {
	storage      map[string]*mockConnector
	hosting      map[string]*mockConnector
	storageOrder []string
	hostingOrder []string
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		storage: make(map[string]*mockConnector),
		hosting: make(map[string]*mockConnector),
	}
}

func (m *mockRegistry) addStorage(c *mockConnector) {
	c.info.Type = model.ConnectorTypeStorage
	m.storage[c.info.ID] = c
	m.storageOrder = append(m.storageOrder, c.info.ID)
}

func (m *mockRegistry) addHosting(c *mockConnector) {
	c.info.Type = model.ConnectorTypeHosting
	m.hosting[c.info.ID] = c
	m.hostingOrder = append(m.hostingOrder, c.info.ID)
}

func (m *mockRegistry) List(t model.ConnectorType) []connector.Info {
	var infos []connector.Info
	switch t {
	case model.ConnectorTypeStorage:
		for _, id := range m.storageOrder {
			infos = append(infos, m.storage[id].info)
		}
	case model.ConnectorTypeHosting:
		for _, id := range m.hostingOrder {
			infos = append(infos, m.hosting[id].info)
		}
	}
	return infos
}

func (m *mockRegistry) Authenticator(t model.ConnectorType, id string) (connector.Authenticator, error) {
	if t == model.ConnectorTypeStorage {
		return m.Storage(id)
	}
	return m.Hosting(id)
}

func (m *mockRegistry) Storage(id string) (connector.Storage, error) {
	c, ok := m.storage[id]
	if !ok {
		return nil, model.NewNotFoundError("connector.storage", "storage connector "+id)
	}
	return c, nil
}

func (m *mockRegistry) Hosting(id string) (connector.Hosting, error) {
	c, ok := m.hosting[id]
	if !ok {
		return nil, model.NewNotFoundError("connector.hosting", "hosting connector "+id)
	}
	return c, nil
}

// mockPublisher はPublisherのモック実装。
type mockPublisher struct {
	submitFn func(ctx context.Context, h *job.Handle, req publication.Request) error
	requests []publication.Request
}

func (m *mockPublisher) Submit(ctx context.Context, h *job.Handle, req publication.Request) error {
	m.requests = append(m.requests, req)
	if m.submitFn != nil {
		return m.submitFn(ctx, h, req)
	}
	return nil
}

// --- テストヘルパー ---

// withSession はテスト用にリクエストコンテキストにセッションを注入するヘルパー。
func withSession(r *http.Request, sessionID string) *http.Request {
	return r.WithContext(middleware.ContextWithSession(r.Context(), &model.Session{ID: sessionID}))
}

// withChiURLParams はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseErrorBody はレスポンスボディからエラーレスポンスをパースするヘルパー。
func parseErrorBody(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}
