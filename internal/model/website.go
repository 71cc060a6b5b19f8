package model

import "time"

const (
	// DocumentFileName はストレージ上でウェブサイト文書を保存するファイル名。
	DocumentFileName = "website.json"
	// MetaFileName はウェブサイトのメタデータを保存するファイル名。
	MetaFileName = "meta.json"
	// AssetsDir はアップロードされたアセットを置くディレクトリ名。
	AssetsDir = "assets"
)

// WebsiteDocument はエディタが編集するウェブサイト全体を表す。
// ページやスタイルの詳細なスキーマはエディタ側が持ち、ここではビルドに必要な部分のみ扱う。
type WebsiteDocument struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Pages    []Page         `json:"pages"`
	Styles   []Style        `json:"styles,omitempty"`
	Assets   []Asset        `json:"assets,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// Page はウェブサイトの1ページ。
type Page struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Path  string `json:"path,omitempty"` // 公開時のファイルパス（空の場合はNameから生成）
	Title string `json:"title,omitempty"`
	HTML  string `json:"html"`
}

// Style はサイト全体に適用するCSS。
type Style struct {
	ID  string `json:"id"`
	CSS string `json:"css"`
}

// Asset は画像などの静的ファイル。Contentを持たずSrcのみの場合は外部参照として扱う。
type Asset struct {
	Path     string `json:"path"`
	MimeType string `json:"mimeType,omitempty"`
	Content  []byte `json:"content,omitempty"`
	Src      string `json:"src,omitempty"`
}

// WebsiteMetaFile はmeta.jsonに保存するメタデータ。
type WebsiteMetaFile struct {
	Name                  string         `json:"name"`
	ImageURL              string         `json:"imageUrl,omitempty"`
	ConnectorUserSettings map[string]any `json:"connectorUserSettings,omitempty"`
}

// WebsiteMeta はクライアントに返すメタデータ。時刻は取得できない場合nil。
type WebsiteMeta struct {
	Path string `json:"path"`
	WebsiteMetaFile
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// AssetFile はアップロードするアセット1件。Pathはアセットディレクトリからの相対パス。
type AssetFile struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// FileInfo はストレージ上のエントリ情報。
type FileInfo struct {
	Path       string     `json:"path"`
	Name       string     `json:"name"`
	IsDir      bool       `json:"isDir"`
	Size       *int64     `json:"size,omitempty"`
	ModifiedAt *time.Time `json:"modifiedAt,omitempty"`
}

// Artifact はビルド結果の公開用ファイル1つ。
type Artifact struct {
	Path        string
	Content     []byte
	ContentType string
}

// ArtifactSet はビルド結果のファイル一式。
type ArtifactSet []Artifact

// TotalBytes は全ファイルの合計サイズを返す。
func (s ArtifactSet) TotalBytes() int64 {
	var n int64
	for _, a := range s {
		n += int64(len(a.Content))
	}
	return n
}

// PublishResult は公開処理の結果。
type PublishResult struct {
	URL      string `json:"url"`
	Files    int    `json:"files"`
	Bytes    int64  `json:"bytes"`
	Revision string `json:"revision,omitempty"`
}

// PublishStatus はホスティング側から見た公開状態。
type PublishStatus struct {
	JobID  string `json:"jobId"`
	State  string `json:"state"`
	URL    string `json:"url,omitempty"`
	Detail string `json:"detail,omitempty"`
}
