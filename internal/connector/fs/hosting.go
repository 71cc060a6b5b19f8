package fs

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hitoshi/sitepress/internal/connector"
	"github.com/hitoshi/sitepress/internal/model"
)

// HostingOptions はHostingの設定。
type HostingOptions struct {
	// DataPath はHostingPath未設定時の公開先の基点。<DataPath>/<target>/public に公開する。
	DataPath string
	// HostingPath が設定されている場合は <HostingPath>/<target> に公開する。
	HostingPath string
	// PublicURL が設定されている場合、公開URLを <PublicURL>/<target>/ とする。
	PublicURL string
}

// Hosting はビルド済みサイトをローカルディレクトリに公開するコネクタ。
// 一時ディレクトリに全ファイルを書き出してから公開先と入れ替えるため、
// 失敗した公開は以前の内容を残す。
type Hosting struct {
	authenticator
	opts   HostingOptions
	logger *slog.Logger

	mu       sync.Mutex
	statuses map[string]model.PublishStatus
}

// NewHosting はHostingを生成する。
func NewHosting(opts HostingOptions, logger *slog.Logger) (*Hosting, error) {
	var err error
	if opts.HostingPath != "" {
		if opts.HostingPath, err = resolveRoot(opts.HostingPath); err != nil {
			return nil, fmt.Errorf("fs hosting: %w", err)
		}
	} else {
		if opts.DataPath, err = resolveRoot(opts.DataPath); err != nil {
			return nil, fmt.Errorf("fs hosting: %w", err)
		}
	}
	opts.PublicURL = strings.TrimSuffix(opts.PublicURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Hosting{
		authenticator: authenticator{info: connector.Info{
			ID:            "fs",
			Type:          model.ConnectorTypeHosting,
			DisplayName:   "File system hosting",
			Icon:          fileIcon,
			Color:         "#ffffff",
			Background:    "#006400",
			DisableLogout: true,
		}},
		opts:     opts,
		logger:   logger,
		statuses: make(map[string]model.PublishStatus),
	}, nil
}

// publishDir は公開先ディレクトリを返す。
func (h *Hosting) publishDir(target string) (string, error) {
	const op = "fs.publish"
	if strings.Trim(target, "/") == "" {
		return "", model.NewInvalidInputError(op, "target path is required")
	}
	if h.opts.HostingPath != "" {
		return safeJoin(op, h.opts.HostingPath, target)
	}
	dir, err := safeJoin(op, h.opts.DataPath, target)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "public"), nil
}

// Publish は成果物一式を公開先に書き出す。
func (h *Hosting) Publish(ctx context.Context, _ *model.Session, req connector.PublishRequest, progress connector.ProgressFunc) (*model.PublishResult, error) {
	const op = "fs.publish"

	dest, err := h.publishDir(req.TargetPath)
	if err != nil {
		return nil, err
	}

	// 書き込み前に全パスを検証する
	files := make([]string, len(req.Artifacts))
	for i, a := range req.Artifacts {
		rel := strings.TrimLeft(a.Path, "/")
		if rel == "" {
			return nil, model.NewInvalidInputError(op, "artifact path is empty")
		}
		if _, err := safeJoin(op, dest, rel); err != nil {
			return nil, err
		}
		files[i] = rel
	}

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, mapOSError(op, req.TargetPath, err)
	}
	stage, err := os.MkdirTemp(parent, tempPrefix+"stage-*")
	if err != nil {
		return nil, mapOSError(op, req.TargetPath, err)
	}
	defer os.RemoveAll(stage)
	if err := os.Chmod(stage, 0o755); err != nil {
		return nil, mapOSError(op, req.TargetPath, err)
	}

	for i, a := range req.Artifacts {
		if err := ctx.Err(); err != nil {
			return nil, model.NewTransportFailureError(op, err)
		}
		p := filepath.Join(stage, filepath.FromSlash(files[i]))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, mapOSError(op, files[i], err)
		}
		if err := os.WriteFile(p, a.Content, 0o644); err != nil {
			return nil, mapOSError(op, files[i], err)
		}
		progress.Report((i + 1) * 90 / len(req.Artifacts))
	}

	if err := swapDir(stage, dest); err != nil {
		return nil, mapOSError(op, req.TargetPath, err)
	}
	progress.Report(100)

	result := &model.PublishResult{
		URL:      h.publicURL(req.TargetPath, dest),
		Files:    len(req.Artifacts),
		Bytes:    req.Artifacts.TotalBytes(),
		Revision: req.JobID,
	}

	h.mu.Lock()
	h.statuses[req.JobID] = model.PublishStatus{
		JobID:  req.JobID,
		State:  "published",
		URL:    result.URL,
		Detail: fmt.Sprintf("%d files written to %s", result.Files, dest),
	}
	h.mu.Unlock()

	h.logger.Info("site published",
		slog.String("connector", "fs"),
		slog.String("job_id", req.JobID),
		slog.String("dest", dest),
		slog.Int("files", result.Files),
	)
	return result, nil
}

// Status はこのプロセスで実行した公開の状態を返す。
func (h *Hosting) Status(ctx context.Context, _ *model.Session, jobID string) (*model.PublishStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.statuses[jobID]
	if !ok {
		return nil, model.NewNotFoundError("fs.status", "publication "+jobID)
	}
	return &st, nil
}

// URL は公開済みサイトのURLを返す。公開先が存在しなければNotFound。
func (h *Hosting) URL(ctx context.Context, _ *model.Session, targetPath string) (string, error) {
	const op = "fs.url"
	dest, err := h.publishDir(targetPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dest); err != nil {
		return "", mapOSError(op, "site "+targetPath, err)
	}
	return h.publicURL(targetPath, dest), nil
}

// Forget はジョブの公開記録を破棄する。
func (h *Hosting) Forget(jobID string) {
	h.mu.Lock()
	delete(h.statuses, jobID)
	h.mu.Unlock()
}

func (h *Hosting) publicURL(target, dest string) string {
	if h.opts.PublicURL != "" {
		return h.opts.PublicURL + "/" + strings.Trim(target, "/") + "/"
	}
	u := url.URL{Scheme: "file", Path: path.Join(filepath.ToSlash(dest), "index.html")}
	return u.String()
}

// swapDir はstageをdestに置き換える。destが既にあれば退避してから入れ替え、
// 入れ替えに失敗した場合は退避した内容を戻す。
func swapDir(stage, dest string) error {
	backup := ""
	if _, err := os.Stat(dest); err == nil {
		backup = dest + "." + filepath.Base(stage) + ".old"
		if err := os.Rename(dest, backup); err != nil {
			return fmt.Errorf("move previous site aside: %w", err)
		}
	}
	if err := os.Rename(stage, dest); err != nil {
		if backup != "" {
			_ = os.Rename(backup, dest)
		}
		return fmt.Errorf("move staged site into place: %w", err)
	}
	if backup != "" {
		_ = os.RemoveAll(backup)
	}
	return nil
}

var _ connector.Hosting = (*Hosting)(nil)
