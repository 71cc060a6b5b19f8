package publication

import (
	"context"

	"github.com/hitoshi/sitepress/internal/connector"
	"github.com/hitoshi/sitepress/internal/model"
)

// mockStorage はconnector.Storageのモック。
type mockStorage struct {
	readDocumentFunc func(ctx context.Context, sess *model.Session, path string) (*model.WebsiteDocument, error)
}

func (m *mockStorage) Info() connector.Info                  { return connector.Info{ID: "mock"} }
func (m *mockStorage) IsAuthenticated(*model.Session) bool { return true }
func (m *mockStorage) AuthURL(context.Context, *model.Session, string) (string, error) {
	return "", nil
}
func (m *mockStorage) CompleteOAuth(context.Context, *model.Session, string, string) (string, error) {
	return "", nil
}
func (m *mockStorage) Logout(context.Context, *model.Session) error { return nil }
func (m *mockStorage) User(context.Context, *model.Session) (*model.ConnectorUser, error) {
	return &model.ConnectorUser{}, nil
}
func (m *mockStorage) List(context.Context, *model.Session, string) ([]model.FileInfo, error) {
	return nil, nil
}
func (m *mockStorage) ReadDocument(ctx context.Context, sess *model.Session, path string) (*model.WebsiteDocument, error) {
	return m.readDocumentFunc(ctx, sess, path)
}
func (m *mockStorage) WriteDocument(context.Context, *model.Session, string, *model.WebsiteDocument) error {
	return nil
}
func (m *mockStorage) Delete(context.Context, *model.Session, string) error { return nil }
func (m *mockStorage) Duplicate(context.Context, *model.Session, string) (string, error) {
	return "", nil
}
func (m *mockStorage) ReadMeta(context.Context, *model.Session, string) (*model.WebsiteMeta, error) {
	return &model.WebsiteMeta{}, nil
}
func (m *mockStorage) WriteMeta(context.Context, *model.Session, string, *model.WebsiteMetaFile) error {
	return nil
}
func (m *mockStorage) WriteAssets(context.Context, *model.Session, string, []model.AssetFile) ([]string, error) {
	return nil, nil
}
func (m *mockStorage) ReadAsset(context.Context, *model.Session, string, string) ([]byte, error) {
	return nil, nil
}

// mockHosting はconnector.Hostingのモック。
type mockHosting struct {
	publishFunc func(ctx context.Context, sess *model.Session, req connector.PublishRequest, progress connector.ProgressFunc) (*model.PublishResult, error)
}

func (m *mockHosting) Info() connector.Info                  { return connector.Info{ID: "mock"} }
func (m *mockHosting) IsAuthenticated(*model.Session) bool { return true }
func (m *mockHosting) AuthURL(context.Context, *model.Session, string) (string, error) {
	return "", nil
}
func (m *mockHosting) CompleteOAuth(context.Context, *model.Session, string, string) (string, error) {
	return "", nil
}
func (m *mockHosting) Logout(context.Context, *model.Session) error { return nil }
func (m *mockHosting) User(context.Context, *model.Session) (*model.ConnectorUser, error) {
	return &model.ConnectorUser{}, nil
}
func (m *mockHosting) Publish(ctx context.Context, sess *model.Session, req connector.PublishRequest, progress connector.ProgressFunc) (*model.PublishResult, error) {
	return m.publishFunc(ctx, sess, req, progress)
}
func (m *mockHosting) Status(context.Context, *model.Session, string) (*model.PublishStatus, error) {
	return &model.PublishStatus{}, nil
}
func (m *mockHosting) URL(context.Context, *model.Session, string) (string, error) { return "", nil }
func (m *mockHosting) Forget(string)                                               {}

// mockConnectors はConnectorsのモック。IDが一致しない場合はNotFoundを返す。
type mockConnectors struct {
	storage *mockStorage
	hosting *mockHosting
}

func (m *mockConnectors) Storage(id string) (connector.Storage, error) {
	if id != "store" || m.storage == nil {
		return nil, model.NewNotFoundError("connector.storage", "storage connector "+id)
	}
	return m.storage, nil
}

func (m *mockConnectors) Hosting(id string) (connector.Hosting, error) {
	if id != "host" || m.hosting == nil {
		return nil, model.NewNotFoundError("connector.hosting", "hosting connector "+id)
	}
	return m.hosting, nil
}

// mockBuilder はBuilderのモック。
type mockBuilder struct {
	buildFunc func(doc *model.WebsiteDocument) (model.ArtifactSet, error)
}

func (m *mockBuilder) Build(doc *model.WebsiteDocument) (model.ArtifactSet, error) {
	return m.buildFunc(doc)
}

func threePageDocument() *model.WebsiteDocument {
	return &model.WebsiteDocument{
		ID:   "site",
		Name: "Site",
		Pages: []model.Page{
			{ID: "1", Name: "Home", HTML: "<p>home</p>"},
			{ID: "2", Name: "About", HTML: "<p>about</p>"},
			{ID: "3", Name: "Contact", HTML: "<p>contact</p>"},
		},
	}
}
