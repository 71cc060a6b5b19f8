package gitlab

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/hitoshi/sitepress/internal/connector"
	"github.com/hitoshi/sitepress/internal/model"
	"github.com/hitoshi/sitepress/internal/remote"
)

const (
	// publicDir はGitLab Pagesが公開するディレクトリ。
	publicDir = "public"
	ciFile    = ".gitlab-ci.yml"
)

// ciTemplate はpublic/をそのままPagesに公開するパイプライン定義。
const ciTemplate = `pages:
  stage: deploy
  script:
    - echo "Publishing static site"
  artifacts:
    paths:
      - public
  rules:
    - if: $CI_COMMIT_BRANCH == "%s"
`

// publication はジョブIDから参照する公開コミットの情報。
type publication struct {
	project string
	commit  string
	url     string
}

// Hosting はビルド済みサイトをGitLab Pagesに公開するコネクタ。
//
// 大きなファイルは分割アップロードで先に送り、最後に全ファイルを1つのコミットで
// 反映する。コミット前に失敗した場合、公開中のサイトは変わらない。
// 分割アップロードの /uploads/sessions は標準のGitLab v4 APIにはなく、これを提供する
// インスタンスでのみREMOTE_CHUNK_THRESHOLDを設定する。
type Hosting struct {
	base

	mu           sync.Mutex
	publications map[string]publication
}

// NewHosting はHostingを生成する。
func NewHosting(opts Options) (*Hosting, error) {
	b, err := newBase(connector.Info{
		ID:          "gitlab",
		Type:        model.ConnectorTypeHosting,
		DisplayName: "GitLab Pages",
		Icon:        gitlabIcon,
		Color:       gitlabColor,
		Background:  gitlabBg,
	}, opts)
	if err != nil {
		return nil, err
	}
	return &Hosting{base: b, publications: make(map[string]publication)}, nil
}

// Publish は成果物をpublic/以下に配置するコミットを作成する。
// TargetPathはプロジェクトIDを表す。
func (h *Hosting) Publish(ctx context.Context, sess *model.Session, req connector.PublishRequest, progress connector.ProgressFunc) (*model.PublishResult, error) {
	const op = "gitlab.publish"

	project, _, err := splitProjectPath(op, req.TargetPath)
	if err != nil {
		return nil, err
	}
	if project == "" {
		return nil, model.NewInvalidInputError(op, "target project is required")
	}

	files := make([]string, len(req.Artifacts))
	for i, a := range req.Artifacts {
		rel := strings.TrimLeft(a.Path, "/")
		cleaned := path.Clean(rel)
		if rel == "" || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
			return nil, model.NewInvalidInputError(op, fmt.Sprintf("invalid artifact path: %q", a.Path))
		}
		files[i] = path.Join(publicDir, cleaned)
	}

	proj, err := h.project(ctx, sess, op, project)
	if err != nil {
		return nil, err
	}

	existing, err := h.tree(ctx, sess, op, project, publicDir, true)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(existing))
	for _, e := range existing {
		if e.Type == "blob" {
			present[e.Path] = true
		}
	}

	ciExists, err := h.fileExists(ctx, sess, op, project, ciFile)
	if err != nil {
		return nil, err
	}

	progress.Report(0)
	actions := make([]commitAction, 0, len(req.Artifacts)+1)
	for i, a := range req.Artifacts {
		action := commitAction{Action: "create", FilePath: files[i]}
		if present[files[i]] {
			action.Action = "update"
		}
		delete(present, files[i])

		if h.client.NeedsChunking(int64(len(a.Content))) {
			up, err := h.client.UploadChunked(ctx, h.tokens(sess), remote.ChunkedUpload{
				Op:          op,
				Resource:    "project " + project,
				SessionPath: projectPath(project) + "/uploads/sessions",
				FileName:    files[i],
				Data:        a.Content,
			})
			if err != nil {
				return nil, err
			}
			action.UploadID = up.ID
		} else {
			action.Content = base64.StdEncoding.EncodeToString(a.Content)
			action.Encoding = "base64"
		}
		actions = append(actions, action)
		progress.Report((i + 1) * 90 / len(req.Artifacts))
	}

	// 前回の公開にだけ存在したファイルを削除する
	for _, p := range slices.Sorted(maps.Keys(present)) {
		actions = append(actions, commitAction{Action: "delete", FilePath: p})
	}
	if !ciExists {
		actions = append(actions, commitAction{
			Action:   "create",
			FilePath: ciFile,
			Content:  fmt.Sprintf(ciTemplate, h.opts.Branch),
			Encoding: "text",
		})
	}

	c, err := h.commit(ctx, sess, op, project, "Publish website (job "+req.JobID+")", actions)
	if err != nil {
		return nil, err
	}
	progress.Report(100)

	pagesURL := h.pagesURL(proj)
	h.mu.Lock()
	h.publications[req.JobID] = publication{project: project, commit: c.ID, url: pagesURL}
	h.mu.Unlock()

	h.logger.Info("site published",
		slog.String("connector", "gitlab"),
		slog.String("job_id", req.JobID),
		slog.String("project", proj.PathWithNamespace),
		slog.String("commit", c.ID),
		slog.Int("files", len(req.Artifacts)),
	)
	return &model.PublishResult{
		URL:      pagesURL,
		Files:    len(req.Artifacts),
		Bytes:    req.Artifacts.TotalBytes(),
		Revision: c.ID,
	}, nil
}

// Status は公開コミットに対するPagesパイプラインの状態を返す。
func (h *Hosting) Status(ctx context.Context, sess *model.Session, jobID string) (*model.PublishStatus, error) {
	const op = "gitlab.status"

	h.mu.Lock()
	pub, ok := h.publications[jobID]
	h.mu.Unlock()
	if !ok {
		return nil, model.NewNotFoundError(op, "publication "+jobID)
	}

	var pipelines []apiPipeline
	if _, err := h.client.JSON(ctx, h.tokens(sess), remote.Request{
		Op:       op,
		Path:     projectPath(pub.project) + "/pipelines",
		Query:    url.Values{"sha": {pub.commit}, "per_page": {"1"}},
		Resource: "project " + pub.project,
	}, &pipelines); err != nil {
		return nil, err
	}

	st := &model.PublishStatus{JobID: jobID, URL: pub.url}
	if len(pipelines) == 0 {
		st.State = "pending"
		st.Detail = "no pipeline for commit " + pub.commit
		return st, nil
	}
	p := pipelines[0]
	st.State = pipelineState(p.Status)
	st.Detail = fmt.Sprintf("pipeline %d: %s", p.ID, p.Status)
	return st, nil
}

// URL はプロジェクトのGitLab PagesのURLを返す。public/が空なら未公開としてNotFound。
func (h *Hosting) URL(ctx context.Context, sess *model.Session, targetPath string) (string, error) {
	const op = "gitlab.url"
	project, _, err := splitProjectPath(op, targetPath)
	if err != nil {
		return "", err
	}
	if project == "" {
		return "", model.NewInvalidInputError(op, "target project is required")
	}
	proj, err := h.project(ctx, sess, op, project)
	if err != nil {
		return "", err
	}
	published, err := h.tree(ctx, sess, op, project, publicDir, false)
	if err != nil {
		return "", err
	}
	if len(published) == 0 {
		return "", model.NewNotFoundError(op, "site "+project)
	}
	return h.pagesURL(proj), nil
}

// Forget はジョブと公開コミットの対応を破棄する。
func (h *Hosting) Forget(jobID string) {
	h.mu.Lock()
	delete(h.publications, jobID)
	h.mu.Unlock()
}

// pagesURL はプロジェクトのGitLab PagesのURLを組み立てる。
// group/sub/project は https://group.<domain>/sub/project/ になる。
func (h *Hosting) pagesURL(p *apiProject) string {
	ns, rest, _ := strings.Cut(p.PathWithNamespace, "/")
	host := ns + "." + h.opts.PagesDomain
	if rest == "" || rest == host {
		return "https://" + host + "/"
	}
	return "https://" + host + "/" + rest + "/"
}

func pipelineState(status string) string {
	switch status {
	case "success":
		return "published"
	case "failed", "canceled", "skipped":
		return "failed"
	case "created", "waiting_for_resource", "preparing", "pending", "scheduled", "manual":
		return "pending"
	default:
		return "in_progress"
	}
}

var _ connector.Hosting = (*Hosting)(nil)
