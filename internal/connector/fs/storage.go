package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hitoshi/sitepress/internal/connector"
	"github.com/hitoshi/sitepress/internal/model"
)

// Storage はDATA_PATH以下にウェブサイト文書を保存するコネクタ。
// 文書は <path>/website.json にインデント付きJSONで置く。
type Storage struct {
	authenticator
	root   string
	logger *slog.Logger
}

// NewStorage はrootを基点とするStorageを生成する。rootが存在しなければ作成する。
func NewStorage(root string, logger *slog.Logger) (*Storage, error) {
	abs, err := resolveRoot(root)
	if err != nil {
		return nil, fmt.Errorf("fs storage: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{
		authenticator: authenticator{info: connector.Info{
			ID:            "fs",
			Type:          model.ConnectorTypeStorage,
			DisplayName:   "File system storage",
			Icon:          fileIcon,
			Color:         "#ffffff",
			Background:    "#006400",
			DisableLogout: true,
		}},
		root:   abs,
		logger: logger,
	}, nil
}

// Root は保存先ディレクトリの絶対パスを返す。
func (s *Storage) Root() string {
	return s.root
}

// List はディレクトリ直下のエントリを名前順で返す。
func (s *Storage) List(ctx context.Context, _ *model.Session, p string) ([]model.FileInfo, error) {
	const op = "fs.list"
	dir, err := safeJoin(op, s.root, p)
	if err != nil {
		return nil, err
	}

	st, err := os.Stat(dir)
	if err != nil {
		return nil, mapOSError(op, p, err)
	}
	if !st.IsDir() {
		return nil, model.NewInvalidInputError(op, fmt.Sprintf("not a directory: %s", p))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, mapOSError(op, p, err)
	}

	base := strings.Trim(filepath.ToSlash(p), "/")
	files := make([]model.FileInfo, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// ReadDir後に削除された場合
			continue
		}
		fi := model.FileInfo{
			Path:  path.Join(base, e.Name()),
			Name:  e.Name(),
			IsDir: e.IsDir(),
		}
		mod := info.ModTime()
		fi.ModifiedAt = &mod
		if !e.IsDir() {
			size := info.Size()
			fi.Size = &size
		}
		files = append(files, fi)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// ReadDocument は <path>/website.json を読み込む。
func (s *Storage) ReadDocument(ctx context.Context, _ *model.Session, p string) (*model.WebsiteDocument, error) {
	const op = "fs.read_document"
	dir, err := safeJoin(op, s.root, p)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, model.DocumentFileName))
	if err != nil {
		return nil, mapOSError(op, path.Join(p, model.DocumentFileName), err)
	}

	var doc model.WebsiteDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, model.NewInvalidInputError(op, fmt.Sprintf("stored document is not valid JSON: %v", err))
	}
	return &doc, nil
}

// WriteDocument は <path>/website.json をアトミックに書き込む。
func (s *Storage) WriteDocument(ctx context.Context, _ *model.Session, p string, doc *model.WebsiteDocument) error {
	const op = "fs.write_document"
	if doc == nil {
		return model.NewInvalidInputError(op, "document is required")
	}
	dir, err := safeJoin(op, s.root, p)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return model.NewInvalidInputError(op, fmt.Sprintf("failed to encode document: %v", err))
	}
	if err := writeFileAtomic(filepath.Join(dir, model.DocumentFileName), data); err != nil {
		return mapOSError(op, p, err)
	}

	s.logger.Info("document saved",
		slog.String("connector", "fs"),
		slog.String("path", p),
		slog.Int("bytes", len(data)),
	)
	return nil
}

// Delete はファイルまたはディレクトリを削除する。ルート自体は削除できない。
func (s *Storage) Delete(ctx context.Context, _ *model.Session, p string) error {
	const op = "fs.delete"
	target, err := safeJoin(op, s.root, p)
	if err != nil {
		return err
	}
	if target == s.root {
		return model.NewInvalidInputError(op, "cannot delete the storage root")
	}
	if _, err := os.Lstat(target); err != nil {
		return mapOSError(op, p, err)
	}
	if err := os.RemoveAll(target); err != nil {
		return mapOSError(op, p, err)
	}

	s.logger.Info("path deleted",
		slog.String("connector", "fs"),
		slog.String("path", p),
	)
	return nil
}

// Duplicate はウェブサイトのディレクトリを同じ階層の "<名前>-copy" にコピーし、
// メタデータの名前に " copy" を付ける。既に存在する場合は "-copy-2" から順に空きを探す。
func (s *Storage) Duplicate(ctx context.Context, sess *model.Session, p string) (string, error) {
	const op = "fs.duplicate"
	src, err := s.websiteDir(op, p)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(filepath.Join(src, model.DocumentFileName)); err != nil {
		return "", mapOSError(op, path.Join(p, model.DocumentFileName), err)
	}

	meta, err := s.ReadMeta(ctx, sess, p)
	if err != nil {
		return "", err
	}

	parent := filepath.Dir(src)
	base := filepath.Base(src)
	dest := ""
	for i := 1; ; i++ {
		name := base + "-copy"
		if i > 1 {
			name = fmt.Sprintf("%s-copy-%d", base, i)
		}
		candidate := filepath.Join(parent, name)
		if _, err := os.Lstat(candidate); errors.Is(err, os.ErrNotExist) {
			dest = candidate
			break
		} else if err != nil {
			return "", mapOSError(op, p, err)
		}
	}

	stage, err := os.MkdirTemp(parent, tempPrefix+"copy-*")
	if err != nil {
		return "", mapOSError(op, p, err)
	}
	defer os.RemoveAll(stage)
	if err := os.Chmod(stage, 0o755); err != nil {
		return "", mapOSError(op, p, err)
	}
	if err := copyDir(src, stage); err != nil {
		return "", mapOSError(op, p, err)
	}

	copyMeta := meta.WebsiteMetaFile
	copyMeta.Name = meta.Name + " copy"
	data, err := json.MarshalIndent(copyMeta, "", "  ")
	if err != nil {
		return "", model.NewInternalError(op, err)
	}
	if err := writeFileAtomic(filepath.Join(stage, model.MetaFileName), data); err != nil {
		return "", mapOSError(op, p, err)
	}
	if err := os.Rename(stage, dest); err != nil {
		return "", mapOSError(op, p, err)
	}

	rel, err := filepath.Rel(s.root, dest)
	if err != nil {
		return "", model.NewInternalError(op, err)
	}
	rel = filepath.ToSlash(rel)
	s.logger.Info("website duplicated",
		slog.String("connector", "fs"),
		slog.String("path", p),
		slog.String("copy", rel),
	)
	return rel, nil
}

// ReadMeta は <path>/meta.json を読み込む。meta.jsonがなければ文書の名前を使う。
func (s *Storage) ReadMeta(ctx context.Context, sess *model.Session, p string) (*model.WebsiteMeta, error) {
	const op = "fs.read_meta"
	dir, err := s.websiteDir(op, p)
	if err != nil {
		return nil, err
	}

	var file model.WebsiteMetaFile
	data, err := os.ReadFile(filepath.Join(dir, model.MetaFileName))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, model.NewInvalidInputError(op, fmt.Sprintf("stored metadata is not valid JSON: %v", err))
		}
	case errors.Is(err, os.ErrNotExist):
		doc, err := s.ReadDocument(ctx, sess, p)
		if err != nil {
			return nil, err
		}
		file.Name = doc.Name
	default:
		return nil, mapOSError(op, p, err)
	}
	if file.Name == "" {
		file.Name = filepath.Base(dir)
	}

	meta := &model.WebsiteMeta{
		Path:            strings.Trim(filepath.ToSlash(p), "/"),
		WebsiteMetaFile: file,
	}
	if st, err := os.Stat(dir); err == nil {
		mod := st.ModTime()
		meta.UpdatedAt = &mod
	}
	return meta, nil
}

// WriteMeta は <path>/meta.json をアトミックに書き込む。
func (s *Storage) WriteMeta(ctx context.Context, _ *model.Session, p string, meta *model.WebsiteMetaFile) error {
	const op = "fs.write_meta"
	if meta == nil || strings.TrimSpace(meta.Name) == "" {
		return model.NewInvalidInputError(op, "website name is required")
	}
	dir, err := s.websiteDir(op, p)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return model.NewInvalidInputError(op, fmt.Sprintf("failed to encode metadata: %v", err))
	}
	if err := writeFileAtomic(filepath.Join(dir, model.MetaFileName), data); err != nil {
		return mapOSError(op, p, err)
	}
	return nil
}

// WriteAssets は <path>/assets 以下にファイルを書き込む。書き込み前に全パスを検証する。
func (s *Storage) WriteAssets(ctx context.Context, _ *model.Session, p string, files []model.AssetFile) ([]string, error) {
	const op = "fs.write_assets"
	if len(files) == 0 {
		return nil, model.NewInvalidInputError(op, "no files to write")
	}
	dir, err := s.websiteDir(op, p)
	if err != nil {
		return nil, err
	}
	assets := filepath.Join(dir, model.AssetsDir)

	targets := make([]string, len(files))
	for i, f := range files {
		rel := strings.TrimLeft(filepath.ToSlash(f.Path), "/")
		if rel == "" {
			return nil, model.NewInvalidInputError(op, "asset path is empty")
		}
		target, err := safeJoin(op, assets, rel)
		if err != nil {
			return nil, err
		}
		targets[i] = target
	}

	written := make([]string, 0, len(files))
	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, model.NewTransportFailureError(op, err)
		}
		if err := writeFileAtomic(targets[i], f.Content); err != nil {
			return nil, mapOSError(op, f.Path, err)
		}
		rel, _ := filepath.Rel(assets, targets[i])
		written = append(written, "/"+filepath.ToSlash(rel))
	}

	s.logger.Info("assets saved",
		slog.String("connector", "fs"),
		slog.String("path", p),
		slog.Int("files", len(written)),
	)
	return written, nil
}

// ReadAsset は <path>/assets/<name> を読み込む。
func (s *Storage) ReadAsset(ctx context.Context, _ *model.Session, p, name string) ([]byte, error) {
	const op = "fs.read_asset"
	dir, err := s.websiteDir(op, p)
	if err != nil {
		return nil, err
	}
	rel := strings.TrimLeft(filepath.ToSlash(name), "/")
	if rel == "" {
		return nil, model.NewInvalidInputError(op, "asset name is required")
	}
	target, err := safeJoin(op, filepath.Join(dir, model.AssetsDir), rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, mapOSError(op, "asset "+rel, err)
	}
	return data, nil
}

// websiteDir はウェブサイトのディレクトリを返す。ルート自体はウェブサイトとして扱わない。
func (s *Storage) websiteDir(op, p string) (string, error) {
	dir, err := safeJoin(op, s.root, p)
	if err != nil {
		return "", err
	}
	if dir == s.root {
		return "", model.NewInvalidInputError(op, "website path is required")
	}
	return dir, nil
}

// copyDir はsrc以下をdstにコピーする。書き込み途中の一時ファイルは除く。
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), tempPrefix) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

var _ connector.Storage = (*Storage)(nil)
