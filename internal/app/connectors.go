package app

import (
	"fmt"
	"log/slog"

	"github.com/hitoshi/sitepress/internal/connector"
	"github.com/hitoshi/sitepress/internal/connector/fs"
	"github.com/hitoshi/sitepress/internal/connector/gitlab"
	"github.com/hitoshi/sitepress/internal/model"
)

// connectorFactories はSTORAGE_CONNECTORS/HOSTING_CONNECTORSのタグと生成関数の対応表。
func connectorFactories() connector.Factories {
	return connector.Factories{
		Storage: map[string]connector.StorageFactory{
			"fs": func(deps connector.Dependencies) (connector.Storage, error) {
				return fs.NewStorage(deps.Config.DataPath, deps.Logger)
			},
			"gitlab": func(deps connector.Dependencies) (connector.Storage, error) {
				opts, err := gitlabOptions(deps)
				if err != nil {
					return nil, err
				}
				return gitlab.NewStorage(opts)
			},
		},
		Hosting: map[string]connector.HostingFactory{
			"fs": func(deps connector.Dependencies) (connector.Hosting, error) {
				return fs.NewHosting(fs.HostingOptions{
					DataPath:    deps.Config.DataPath,
					HostingPath: deps.Config.HostingPath,
					PublicURL:   deps.Config.HostingPublicURL,
				}, deps.Logger)
			},
			"gitlab": func(deps connector.Dependencies) (connector.Hosting, error) {
				opts, err := gitlabOptions(deps)
				if err != nil {
					return nil, err
				}
				return gitlab.NewHosting(opts)
			},
		},
	}
}

func gitlabOptions(deps connector.Dependencies) (gitlab.Options, error) {
	manager, ok := deps.OAuth[model.ConnectorKindGitLab]
	if !ok {
		return gitlab.Options{}, fmt.Errorf("gitlab oauth is not configured")
	}
	return gitlab.Options{
		Branch:      deps.Config.GitLabBranch,
		PagesDomain: deps.Config.GitLabPagesDomain,
		Client:      deps.Remote,
		OAuth:       manager,
		Logger:      deps.Logger,
	}, nil
}

// hostingLookup はIDからホスティングコネクタを引く。connector.Registryが満たす。
type hostingLookup interface {
	Hosting(id string) (connector.Hosting, error)
}

// forgetPublication はjob.Manager.OnEvictに渡す関数を返す。
// 削除されたジョブの公開状態をホスティングコネクタからも捨てる。
func forgetPublication(hostings hostingLookup, log *slog.Logger) func(model.Job) {
	return func(j model.Job) {
		hosting, err := hostings.Hosting(j.HostingConnectorID)
		if err != nil {
			log.Warn("hosting connector for evicted job not found",
				slog.String("job_id", j.ID),
				slog.String("hosting", j.HostingConnectorID),
			)
			return
		}
		hosting.Forget(j.ID)
	}
}
