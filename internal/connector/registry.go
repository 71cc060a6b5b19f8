package connector

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/hitoshi/sitepress/internal/config"
	"github.com/hitoshi/sitepress/internal/metrics"
	"github.com/hitoshi/sitepress/internal/model"
	"github.com/hitoshi/sitepress/internal/oauth"
	"github.com/hitoshi/sitepress/internal/remote"
	"github.com/hitoshi/sitepress/internal/session"
)

// Dependencies はコネクタの生成に渡す共有オブジェクト。
type Dependencies struct {
	Config   *config.Config
	Sessions *session.Service
	OAuth    map[model.ConnectorKind]*oauth.Manager
	Remote   *remote.Client
	Metrics  metrics.MetricsCollector
	Logger   *slog.Logger
}

// StorageFactory はStorageコネクタを生成する。
type StorageFactory func(deps Dependencies) (Storage, error)

// HostingFactory はHostingコネクタを生成する。
type HostingFactory func(deps Dependencies) (Hosting, error)

// Factories はタグからコネクタ生成関数への対応表。
type Factories struct {
	Storage map[string]StorageFactory
	Hosting map[string]HostingFactory
}

// Registry は起動時に組み立てたコネクタの集合。生成後は読み取り専用。
type Registry struct {
	storage      map[string]Storage
	hosting      map[string]Hosting
	storageOrder []string
	hostingOrder []string
}

// NewRegistry は設定されたタグの順にコネクタを生成する。
// 未知のタグや重複したタグは設定エラーとして返す。
func NewRegistry(storageTags, hostingTags []string, f Factories, deps Dependencies) (*Registry, error) {
	r := &Registry{
		storage: make(map[string]Storage),
		hosting: make(map[string]Hosting),
	}

	for _, tag := range storageTags {
		factory, ok := f.Storage[tag]
		if !ok {
			return nil, fmt.Errorf("unknown storage connector %q (available: %v)", tag, sortedKeys(f.Storage))
		}
		if _, dup := r.storage[tag]; dup {
			return nil, fmt.Errorf("storage connector %q is configured twice", tag)
		}
		c, err := factory(deps)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage connector %q: %w", tag, err)
		}
		r.storage[tag] = c
		r.storageOrder = append(r.storageOrder, tag)
	}

	for _, tag := range hostingTags {
		factory, ok := f.Hosting[tag]
		if !ok {
			return nil, fmt.Errorf("unknown hosting connector %q (available: %v)", tag, sortedKeys(f.Hosting))
		}
		if _, dup := r.hosting[tag]; dup {
			return nil, fmt.Errorf("hosting connector %q is configured twice", tag)
		}
		c, err := factory(deps)
		if err != nil {
			return nil, fmt.Errorf("failed to create hosting connector %q: %w", tag, err)
		}
		r.hosting[tag] = c
		r.hostingOrder = append(r.hostingOrder, tag)
	}

	if len(r.storage) == 0 {
		return nil, fmt.Errorf("at least one storage connector must be configured")
	}
	return r, nil
}

// Storage はIDに対応するStorageコネクタを返す。
func (r *Registry) Storage(id string) (Storage, error) {
	c, ok := r.storage[id]
	if !ok {
		return nil, model.NewNotFoundError("connector.storage", "storage connector "+id)
	}
	return c, nil
}

// Hosting はIDに対応するHostingコネクタを返す。
func (r *Registry) Hosting(id string) (Hosting, error) {
	c, ok := r.hosting[id]
	if !ok {
		return nil, model.NewNotFoundError("connector.hosting", "hosting connector "+id)
	}
	return c, nil
}

// Authenticator は種別とIDに対応するコネクタを認証操作用に返す。
func (r *Registry) Authenticator(t model.ConnectorType, id string) (Authenticator, error) {
	switch t {
	case model.ConnectorTypeStorage:
		return r.Storage(id)
	case model.ConnectorTypeHosting:
		return r.Hosting(id)
	default:
		return nil, model.NewInvalidInputError("connector.lookup", fmt.Sprintf("unknown connector type %q", t))
	}
}

// List は指定種別のコネクタ情報を設定順に返す。
func (r *Registry) List(t model.ConnectorType) []Info {
	var infos []Info
	switch t {
	case model.ConnectorTypeStorage:
		for _, id := range r.storageOrder {
			infos = append(infos, r.storage[id].Info())
		}
	case model.ConnectorTypeHosting:
		for _, id := range r.hostingOrder {
			infos = append(infos, r.hosting[id].Info())
		}
	}
	return infos
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
