package gitlab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/hitoshi/sitepress/internal/connector"
	"github.com/hitoshi/sitepress/internal/model"
	"github.com/hitoshi/sitepress/internal/remote"
)

// Storage はGitLabのリポジトリにウェブサイト文書を保存するコネクタ。
//
// パスは "<プロジェクトID>/<リポジトリ内パス>" の形式で、空のパスは
// ユーザーが参加しているプロジェクトの一覧を表す。
type Storage struct {
	base
}

// NewStorage はStorageを生成する。
func NewStorage(opts Options) (*Storage, error) {
	b, err := newBase(connector.Info{
		ID:          "gitlab",
		Type:        model.ConnectorTypeStorage,
		DisplayName: "GitLab",
		Icon:        gitlabIcon,
		Color:       gitlabColor,
		Background:  gitlabBg,
	}, opts)
	if err != nil {
		return nil, err
	}
	return &Storage{base: b}, nil
}

// List は空のパスではプロジェクト一覧を、それ以外ではリポジトリのツリーを返す。
func (s *Storage) List(ctx context.Context, sess *model.Session, p string) ([]model.FileInfo, error) {
	const op = "gitlab.list"
	project, dir, err := splitProjectPath(op, p)
	if err != nil {
		return nil, err
	}
	if project == "" {
		return s.listProjects(ctx, sess)
	}

	// 存在しないディレクトリは空として返るため、先にプロジェクトの存在を確認する
	if _, err := s.project(ctx, sess, op, project); err != nil {
		return nil, err
	}
	entries, err := s.tree(ctx, sess, op, project, dir, false)
	if err != nil {
		return nil, err
	}
	files := make([]model.FileInfo, 0, len(entries))
	for _, e := range entries {
		files = append(files, model.FileInfo{
			Path:  path.Join(project, e.Path),
			Name:  e.Name,
			IsDir: e.Type == "tree",
		})
	}
	return files, nil
}

func (s *Storage) listProjects(ctx context.Context, sess *model.Session) ([]model.FileInfo, error) {
	pager := remote.NewPager[apiProject](s.client, s.tokens(sess), remote.Request{
		Op:   "gitlab.list_projects",
		Path: "/projects",
		Query: url.Values{
			"membership": {"true"},
			"simple":     {"true"},
			"order_by":   {"last_activity_at"},
			"per_page":   {perPage},
		},
		Resource: "projects",
	}, 0)

	var files []model.FileInfo
	for p, err := range pager.Items(ctx) {
		if err != nil {
			return nil, err
		}
		files = append(files, model.FileInfo{
			Path:       fmt.Sprint(p.ID),
			Name:       p.Name,
			IsDir:      true,
			ModifiedAt: p.LastActivityAt,
		})
	}
	return files, nil
}

// ReadDocument は <project>/<dir>/website.json をブランチから読み込む。
func (s *Storage) ReadDocument(ctx context.Context, sess *model.Session, p string) (*model.WebsiteDocument, error) {
	const op = "gitlab.read_document"
	project, dir, err := splitProjectPath(op, p)
	if err != nil {
		return nil, err
	}
	if project == "" {
		return nil, model.NewInvalidInputError(op, "project is required")
	}
	file := path.Join(dir, model.DocumentFileName)

	data, err := s.readFile(ctx, sess, op, project, file)
	if err != nil {
		return nil, err
	}

	var doc model.WebsiteDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, model.NewInvalidInputError(op, fmt.Sprintf("stored document is not valid JSON: %v", err))
	}
	return &doc, nil
}

// WriteDocument は website.json を作成または更新するコミットを作る。
func (s *Storage) WriteDocument(ctx context.Context, sess *model.Session, p string, doc *model.WebsiteDocument) error {
	const op = "gitlab.write_document"
	if doc == nil {
		return model.NewInvalidInputError(op, "document is required")
	}
	project, dir, err := splitProjectPath(op, p)
	if err != nil {
		return err
	}
	if project == "" {
		return model.NewInvalidInputError(op, "project is required")
	}
	file := path.Join(dir, model.DocumentFileName)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return model.NewInvalidInputError(op, fmt.Sprintf("failed to encode document: %v", err))
	}

	exists, err := s.fileExists(ctx, sess, op, project, file)
	if err != nil {
		return err
	}
	action := "create"
	if exists {
		action = "update"
	}

	c, err := s.commit(ctx, sess, op, project, "Update "+file, []commitAction{{
		Action:   action,
		FilePath: file,
		Content:  string(data),
		Encoding: "text",
	}})
	if err != nil {
		return err
	}

	s.logger.Info("document committed",
		slog.String("connector", "gitlab"),
		slog.String("project", project),
		slog.String("file", file),
		slog.String("commit", c.ID),
	)
	return nil
}

// Delete はプロジェクト直下のパスならプロジェクト自体を、それ以外はファイルまたは
// ディレクトリ配下の全ファイルを削除するコミットを作る。
func (s *Storage) Delete(ctx context.Context, sess *model.Session, p string) error {
	const op = "gitlab.delete"
	project, rest, err := splitProjectPath(op, p)
	if err != nil {
		return err
	}
	if project == "" {
		return model.NewInvalidInputError(op, "cannot delete the storage root")
	}

	if rest == "" {
		if _, err := s.client.Do(ctx, s.tokens(sess), remote.Request{
			Op:       op,
			Method:   http.MethodDelete,
			Path:     projectPath(project),
			Resource: "project " + project,
		}); err != nil {
			return err
		}
		s.logger.Info("project deleted",
			slog.String("connector", "gitlab"),
			slog.String("project", project),
		)
		return nil
	}

	entries, err := s.tree(ctx, sess, op, project, rest, true)
	if err != nil {
		return err
	}
	var actions []commitAction
	for _, e := range entries {
		if e.Type == "blob" {
			actions = append(actions, commitAction{Action: "delete", FilePath: e.Path})
		}
	}
	if len(actions) == 0 {
		exists, err := s.fileExists(ctx, sess, op, project, rest)
		if err != nil {
			return err
		}
		if !exists {
			return model.NewNotFoundError(op, "file "+path.Join(project, rest))
		}
		actions = []commitAction{{Action: "delete", FilePath: rest}}
	}

	if _, err := s.commit(ctx, sess, op, project, "Delete "+rest, actions); err != nil {
		return err
	}
	s.logger.Info("path deleted",
		slog.String("connector", "gitlab"),
		slog.String("project", project),
		slog.String("path", rest),
		slog.Int("files", len(actions)),
	)
	return nil
}

// Duplicate はウェブサイトを複製する。プロジェクト全体の場合はフォークを作成し、
// ディレクトリの場合は同じプロジェクト内の "<dir>-copy" にファイルをコピーするコミットを作る。
func (s *Storage) Duplicate(ctx context.Context, sess *model.Session, p string) (string, error) {
	const op = "gitlab.duplicate"
	project, dir, err := splitProjectPath(op, p)
	if err != nil {
		return "", err
	}
	if project == "" {
		return "", model.NewInvalidInputError(op, "project is required")
	}

	meta, err := s.ReadMeta(ctx, sess, p)
	if err != nil {
		return "", err
	}

	if dir == "" {
		return s.fork(ctx, sess, op, project, meta.Name+" copy")
	}

	dest := ""
	for i := 1; ; i++ {
		candidate := dir + "-copy"
		if i > 1 {
			candidate = fmt.Sprintf("%s-copy-%d", dir, i)
		}
		existing, err := s.tree(ctx, sess, op, project, candidate, false)
		if err != nil {
			return "", err
		}
		if len(existing) == 0 {
			dest = candidate
			break
		}
	}

	entries, err := s.tree(ctx, sess, op, project, dir, true)
	if err != nil {
		return "", err
	}
	metaFile := path.Join(dir, model.MetaFileName)
	var actions []commitAction
	for _, e := range entries {
		if e.Type != "blob" || e.Path == metaFile {
			continue
		}
		content, err := s.readFile(ctx, sess, op, project, e.Path)
		if err != nil {
			return "", err
		}
		actions = append(actions, commitAction{
			Action:   "create",
			FilePath: path.Join(dest, strings.TrimPrefix(e.Path, dir+"/")),
			Content:  base64.StdEncoding.EncodeToString(content),
			Encoding: "base64",
		})
	}

	copyMeta := meta.WebsiteMetaFile
	copyMeta.Name = meta.Name + " copy"
	data, err := json.MarshalIndent(copyMeta, "", "  ")
	if err != nil {
		return "", model.NewInternalError(op, err)
	}
	actions = append(actions, commitAction{
		Action:   "create",
		FilePath: path.Join(dest, model.MetaFileName),
		Content:  string(data),
		Encoding: "text",
	})

	c, err := s.commit(ctx, sess, op, project, "Duplicate "+dir+" to "+dest, actions)
	if err != nil {
		return "", err
	}
	s.logger.Info("website duplicated",
		slog.String("connector", "gitlab"),
		slog.String("project", project),
		slog.String("path", dir),
		slog.String("copy", dest),
		slog.String("commit", c.ID),
	)
	return path.Join(project, dest), nil
}

// fork はプロジェクトをフォークし、新しいプロジェクトのIDを返す。
// フォークの取り込みはGitLab側で非同期に進む。
func (s *Storage) fork(ctx context.Context, sess *model.Session, op, project, name string) (string, error) {
	src, err := s.project(ctx, sess, op, project)
	if err != nil {
		return "", err
	}
	_, slug, found := strings.Cut(src.PathWithNamespace, "/")
	if !found {
		slug = fmt.Sprint(src.ID)
	}
	if i := strings.LastIndex(slug, "/"); i >= 0 {
		slug = slug[i+1:]
	}

	var forked apiProject
	if _, err := s.client.JSON(ctx, s.tokens(sess), remote.Request{
		Op:       op,
		Method:   http.MethodPost,
		Path:     projectPath(project) + "/fork",
		Body:     map[string]string{"name": name, "path": slug + "-copy"},
		Resource: "project " + project,
	}, &forked); err != nil {
		return "", err
	}
	s.logger.Info("project forked",
		slog.String("connector", "gitlab"),
		slog.String("project", project),
		slog.Int("fork", forked.ID),
	)
	return fmt.Sprint(forked.ID), nil
}

// ReadMeta は <path>/meta.json を読み込む。なければ文書の名前を使う。
// 更新日時はプロジェクトの最終アクティビティとする。
func (s *Storage) ReadMeta(ctx context.Context, sess *model.Session, p string) (*model.WebsiteMeta, error) {
	const op = "gitlab.read_meta"
	project, dir, err := splitProjectPath(op, p)
	if err != nil {
		return nil, err
	}
	if project == "" {
		return nil, model.NewInvalidInputError(op, "project is required")
	}
	proj, err := s.project(ctx, sess, op, project)
	if err != nil {
		return nil, err
	}

	var file model.WebsiteMetaFile
	data, err := s.readFile(ctx, sess, op, project, path.Join(dir, model.MetaFileName))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, model.NewInvalidInputError(op, fmt.Sprintf("stored metadata is not valid JSON: %v", err))
		}
	case model.IsKind(err, model.KindNotFound):
		doc, err := s.ReadDocument(ctx, sess, p)
		if err != nil {
			return nil, err
		}
		file.Name = doc.Name
	default:
		return nil, err
	}
	if file.Name == "" {
		file.Name = proj.Name
	}

	return &model.WebsiteMeta{
		Path:            path.Join(project, dir),
		WebsiteMetaFile: file,
		UpdatedAt:       proj.LastActivityAt,
	}, nil
}

// WriteMeta は meta.json を作成または更新するコミットを作る。
func (s *Storage) WriteMeta(ctx context.Context, sess *model.Session, p string, meta *model.WebsiteMetaFile) error {
	const op = "gitlab.write_meta"
	if meta == nil || strings.TrimSpace(meta.Name) == "" {
		return model.NewInvalidInputError(op, "website name is required")
	}
	project, dir, err := splitProjectPath(op, p)
	if err != nil {
		return err
	}
	if project == "" {
		return model.NewInvalidInputError(op, "project is required")
	}
	file := path.Join(dir, model.MetaFileName)

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return model.NewInvalidInputError(op, fmt.Sprintf("failed to encode metadata: %v", err))
	}
	exists, err := s.fileExists(ctx, sess, op, project, file)
	if err != nil {
		return err
	}
	action := "create"
	if exists {
		action = "update"
	}
	_, err = s.commit(ctx, sess, op, project, "Update "+file, []commitAction{{
		Action:   action,
		FilePath: file,
		Content:  string(data),
		Encoding: "text",
	}})
	return err
}

// WriteAssets は <path>/assets 以下のファイルを1つのコミットで作成または更新する。
func (s *Storage) WriteAssets(ctx context.Context, sess *model.Session, p string, files []model.AssetFile) ([]string, error) {
	const op = "gitlab.write_assets"
	if len(files) == 0 {
		return nil, model.NewInvalidInputError(op, "no files to write")
	}
	project, dir, err := splitProjectPath(op, p)
	if err != nil {
		return nil, err
	}
	if project == "" {
		return nil, model.NewInvalidInputError(op, "project is required")
	}
	assets := path.Join(dir, model.AssetsDir)

	rels := make([]string, len(files))
	for i, f := range files {
		rel, err := cleanAssetPath(op, f.Path)
		if err != nil {
			return nil, err
		}
		rels[i] = rel
	}

	existing, err := s.tree(ctx, sess, op, project, assets, true)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(existing))
	for _, e := range existing {
		present[e.Path] = true
	}

	actions := make([]commitAction, len(files))
	written := make([]string, len(files))
	for i, f := range files {
		file := path.Join(assets, rels[i])
		action := "create"
		if present[file] {
			action = "update"
		}
		actions[i] = commitAction{
			Action:   action,
			FilePath: file,
			Content:  base64.StdEncoding.EncodeToString(f.Content),
			Encoding: "base64",
		}
		written[i] = "/" + rels[i]
	}

	if _, err := s.commit(ctx, sess, op, project, fmt.Sprintf("Upload %d assets", len(files)), actions); err != nil {
		return nil, err
	}
	return written, nil
}

// ReadAsset は <path>/assets/<name> をブランチから読み込む。
func (s *Storage) ReadAsset(ctx context.Context, sess *model.Session, p, name string) ([]byte, error) {
	const op = "gitlab.read_asset"
	project, dir, err := splitProjectPath(op, p)
	if err != nil {
		return nil, err
	}
	if project == "" {
		return nil, model.NewInvalidInputError(op, "project is required")
	}
	rel, err := cleanAssetPath(op, name)
	if err != nil {
		return nil, err
	}
	return s.readFile(ctx, sess, op, project, path.Join(dir, model.AssetsDir, rel))
}

// cleanAssetPath はアセットディレクトリからの相対パスを正規化する。外を指すパスは拒否する。
func cleanAssetPath(op, p string) (string, error) {
	rel := strings.TrimLeft(p, "/")
	if rel == "" {
		return "", model.NewInvalidInputError(op, "asset path is empty")
	}
	cleaned := path.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", model.NewInvalidInputError(op, fmt.Sprintf("invalid asset path: %q", p))
	}
	return cleaned, nil
}

var _ connector.Storage = (*Storage)(nil)
