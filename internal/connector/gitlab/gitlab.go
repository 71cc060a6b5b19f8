// Package gitlab はGitLabのリポジトリをストレージとして、GitLab Pagesをホスティングとして使うコネクタを提供する。
// API呼び出しはremote.Client、認証はoauth.Managerを通して行う。
package gitlab

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/sitepress/internal/connector"
	"github.com/hitoshi/sitepress/internal/model"
	"github.com/hitoshi/sitepress/internal/oauth"
	"github.com/hitoshi/sitepress/internal/remote"
)

const (
	gitlabIcon  = "/assets/gitlab.png"
	gitlabColor = "#ffffff"
	gitlabBg    = "#fc6d26"

	perPage = "100"
)

// Scopes はGitLabに要求するOAuthスコープ。
var Scopes = []string{"api", "read_user"}

// Options はGitLabコネクタの設定。
type Options struct {
	Branch      string // 文書と公開サイトをコミットするブランチ
	PagesDomain string // GitLab Pagesのドメイン（gitlab.io など）
	Client      *remote.Client
	OAuth       *oauth.Manager
	Logger      *slog.Logger
}

// OAuthConfig はGitLabインスタンスのOAuthエンドポイントを設定したoauth2.Configを返す。
func OAuthConfig(baseURL, clientID, clientSecret, redirectURL string) *oauth2.Config {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   baseURL + "/oauth/authorize",
			TokenURL:  baseURL + "/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// APIBaseURL はGitLabインスタンスのREST APIのベースURLを返す。
func APIBaseURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + "/api/v4"
}

// base はStorageとHostingで共通の認証とAPI呼び出しを扱う。
type base struct {
	info   connector.Info
	opts   Options
	client *remote.Client
	oauth  *oauth.Manager
	logger *slog.Logger
}

func newBase(info connector.Info, opts Options) (base, error) {
	if opts.Client == nil {
		return base{}, fmt.Errorf("gitlab: remote client is required")
	}
	if opts.OAuth == nil {
		return base{}, fmt.Errorf("gitlab: oauth manager is required")
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if opts.PagesDomain == "" {
		opts.PagesDomain = "gitlab.io"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return base{
		info:   info,
		opts:   opts,
		client: opts.Client,
		oauth:  opts.OAuth,
		logger: opts.Logger,
	}, nil
}

func (b *base) Info() connector.Info { return b.info }

func (b *base) IsAuthenticated(sess *model.Session) bool {
	return b.oauth.Authenticated(sess)
}

func (b *base) AuthURL(ctx context.Context, sess *model.Session, returnTo string) (string, error) {
	return b.oauth.Start(ctx, sessionID(sess), returnTo)
}

func (b *base) CompleteOAuth(ctx context.Context, sess *model.Session, code, state string) (string, error) {
	return b.oauth.Complete(ctx, sessionID(sess), code, state)
}

func (b *base) Logout(ctx context.Context, sess *model.Session) error {
	return b.oauth.Logout(ctx, sessionID(sess))
}

// User はログイン中のGitLabユーザーを返す。
func (b *base) User(ctx context.Context, sess *model.Session) (*model.ConnectorUser, error) {
	var u apiUser
	if _, err := b.client.JSON(ctx, b.tokens(sess), remote.Request{
		Op:       "gitlab.user",
		Path:     "/user",
		Resource: "user",
	}, &u); err != nil {
		return nil, err
	}
	name := u.Name
	if name == "" {
		name = u.Username
	}
	return &model.ConnectorUser{
		Name:    name,
		Email:   u.Email,
		Picture: u.AvatarURL,
		Storage: b.info.ID,
	}, nil
}

func (b *base) tokens(sess *model.Session) remote.TokenSource {
	return b.oauth.TokenSource(sessionID(sess))
}

// project はプロジェクト情報を取得する。アクセス権の確認も兼ねる。
func (b *base) project(ctx context.Context, sess *model.Session, op, id string) (*apiProject, error) {
	var p apiProject
	if _, err := b.client.JSON(ctx, b.tokens(sess), remote.Request{
		Op:       op,
		Path:     projectPath(id),
		Resource: "project " + id,
	}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// tree はリポジトリのツリーをページングで取得する。recursiveの場合はサブディレクトリも含む。
// ディレクトリやブランチが存在しない場合は空を返す。
func (b *base) tree(ctx context.Context, sess *model.Session, op, project, dir string, recursive bool) ([]apiTreeEntry, error) {
	q := url.Values{
		"ref":      {b.opts.Branch},
		"per_page": {perPage},
	}
	if dir != "" {
		q.Set("path", dir)
	}
	if recursive {
		q.Set("recursive", "true")
	}
	pager := remote.NewPager[apiTreeEntry](b.client, b.tokens(sess), remote.Request{
		Op:       op,
		Path:     projectPath(project) + "/repository/tree",
		Query:    q,
		Resource: "tree " + path.Join(project, dir),
	}, 0)
	entries, err := pager.All(ctx)
	if model.IsKind(err, model.KindNotFound) {
		return nil, nil
	}
	return entries, err
}

// readFile はブランチ上のファイルの内容を読み込む。
func (b *base) readFile(ctx context.Context, sess *model.Session, op, project, file string) ([]byte, error) {
	resp, err := b.client.Do(ctx, b.tokens(sess), remote.Request{
		Op:       op,
		Path:     filePath(project, file) + "/raw",
		Query:    url.Values{"ref": {b.opts.Branch}},
		Header:   http.Header{"Accept": {"*/*"}},
		Resource: "file " + path.Join(project, file),
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// fileExists はブランチ上にファイルが存在するかをHEADリクエストで確認する。
func (b *base) fileExists(ctx context.Context, sess *model.Session, op, project, file string) (bool, error) {
	_, err := b.client.Do(ctx, b.tokens(sess), remote.Request{
		Op:       op,
		Method:   http.MethodHead,
		Path:     filePath(project, file),
		Query:    url.Values{"ref": {b.opts.Branch}},
		Resource: "file " + path.Join(project, file),
	})
	switch {
	case err == nil:
		return true, nil
	case model.IsKind(err, model.KindNotFound):
		return false, nil
	default:
		return false, err
	}
}

// commit は複数のファイル操作を1つのコミットとして作成する。
func (b *base) commit(ctx context.Context, sess *model.Session, op, project, message string, actions []commitAction) (*apiCommit, error) {
	var c apiCommit
	if _, err := b.client.JSON(ctx, b.tokens(sess), remote.Request{
		Op:     op,
		Method: http.MethodPost,
		Path:   projectPath(project) + "/repository/commits",
		Body: commitRequest{
			Branch:        b.opts.Branch,
			CommitMessage: message,
			Actions:       actions,
		},
		Resource: "project " + project,
	}, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// splitProjectPath は "<project>/<dir>" をプロジェクトIDとリポジトリ内パスに分ける。
func splitProjectPath(op, p string) (project, rest string, err error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", "", nil
	}
	project, rest, _ = strings.Cut(p, "/")
	if rest != "" {
		cleaned := path.Clean(rest)
		if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
			return "", "", model.NewInvalidInputError(op, fmt.Sprintf("invalid repository path: %s", p))
		}
		rest = cleaned
	}
	return project, rest, nil
}

func projectPath(id string) string {
	return "/projects/" + url.PathEscape(id)
}

func filePath(project, file string) string {
	return projectPath(project) + "/repository/files/" + url.PathEscape(file)
}

func sessionID(sess *model.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}

// API types

type apiUser struct {
	Name      string `json:"name"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type apiProject struct {
	ID                int        `json:"id"`
	Name              string     `json:"name"`
	PathWithNamespace string     `json:"path_with_namespace"`
	WebURL            string     `json:"web_url"`
	LastActivityAt    *time.Time `json:"last_activity_at"`
}

type apiTreeEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"` // "tree" または "blob"
	Path string `json:"path"`
}

type commitAction struct {
	Action   string `json:"action"` // create, update, delete
	FilePath string `json:"file_path"`
	Content  string `json:"content,omitempty"`
	Encoding string `json:"encoding,omitempty"`
	UploadID string `json:"upload_id,omitempty"`
}

type commitRequest struct {
	Branch        string         `json:"branch"`
	CommitMessage string         `json:"commit_message"`
	Actions       []commitAction `json:"actions"`
}

type apiCommit struct {
	ID     string `json:"id"`
	WebURL string `json:"web_url"`
}

type apiPipeline struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
	WebURL string `json:"web_url"`
}
