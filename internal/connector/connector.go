// Package connector はストレージ/ホスティングのバックエンドを抽象化するインターフェースと、
// 設定されたタグからコネクタを組み立てるRegistryを提供する。
package connector

import (
	"context"

	"github.com/hitoshi/sitepress/internal/model"
)

// Info はクライアントに返すコネクタの表示情報。
type Info struct {
	ID            string              `json:"connectorId"`
	Type          model.ConnectorType `json:"type"`
	DisplayName   string              `json:"displayName"`
	Icon          string              `json:"icon,omitempty"`
	Color         string              `json:"color,omitempty"`
	Background    string              `json:"background,omitempty"`
	DisableLogout bool                `json:"disableLogout"`
}

// Authenticator はコネクタの認証に関する操作。
type Authenticator interface {
	Info() Info
	// IsAuthenticated はセッションがこのコネクタの認証情報を持つかを返す。
	IsAuthenticated(sess *model.Session) bool
	// AuthURL はプロバイダーの認可URLを返す。OAuthを使わないコネクタは空文字列を返す。
	AuthURL(ctx context.Context, sess *model.Session, returnTo string) (string, error)
	// CompleteOAuth は認可コードを交換して認証情報を保存し、戻り先を返す。
	CompleteOAuth(ctx context.Context, sess *model.Session, code, state string) (string, error)
	Logout(ctx context.Context, sess *model.Session) error
	User(ctx context.Context, sess *model.Session) (*model.ConnectorUser, error)
}

// Storage はウェブサイト文書の保存先。
type Storage interface {
	Authenticator
	List(ctx context.Context, sess *model.Session, path string) ([]model.FileInfo, error)
	ReadDocument(ctx context.Context, sess *model.Session, path string) (*model.WebsiteDocument, error)
	WriteDocument(ctx context.Context, sess *model.Session, path string, doc *model.WebsiteDocument) error
	Delete(ctx context.Context, sess *model.Session, path string) error
	// Duplicate はウェブサイトを複製し、複製先のパスを返す。
	Duplicate(ctx context.Context, sess *model.Session, path string) (string, error)
	ReadMeta(ctx context.Context, sess *model.Session, path string) (*model.WebsiteMeta, error)
	WriteMeta(ctx context.Context, sess *model.Session, path string, meta *model.WebsiteMetaFile) error
	// WriteAssets は <path>/assets 以下にファイルを保存し、保存したパス（"/"始まり）を返す。
	WriteAssets(ctx context.Context, sess *model.Session, path string, files []model.AssetFile) ([]string, error)
	ReadAsset(ctx context.Context, sess *model.Session, path, name string) ([]byte, error)
}

// ProgressFunc は公開処理の進捗（0-100）を受け取るコールバック。
type ProgressFunc func(percent int)

// PublishRequest はホスティングへの公開要求。
type PublishRequest struct {
	JobID      string
	TargetPath string
	Website    *model.WebsiteDocument
	Artifacts  model.ArtifactSet
}

// Hosting はビルド済みサイトの公開先。
type Hosting interface {
	Authenticator
	// Publish は成果物一式を公開する。失敗した場合に部分的な公開を残してはならない。
	Publish(ctx context.Context, sess *model.Session, req PublishRequest, progress ProgressFunc) (*model.PublishResult, error)
	Status(ctx context.Context, sess *model.Session, jobID string) (*model.PublishStatus, error)
	// URL は公開先のサイトURLを返す。未公開の場合はNotFound。
	URL(ctx context.Context, sess *model.Session, targetPath string) (string, error)
	// Forget はジョブの公開記録を破棄する。終了済みジョブの削除時に呼ばれる。
	Forget(jobID string)
}

// Report はprogressがnilでなければ進捗を通知する。
func (f ProgressFunc) Report(percent int) {
	if f != nil {
		f(percent)
	}
}
