package publication

import (
	"bytes"
	"fmt"
	"html/template"
	"mime"
	"path"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hitoshi/sitepress/internal/model"
)

const (
	indexFile  = "index.html"
	stylesFile = "css/styles.css"
)

// Builder はウェブサイト文書を公開用ファイル一式に変換する。
type Builder interface {
	Build(doc *model.WebsiteDocument) (model.ArtifactSet, error)
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
{{- if .Stylesheet}}
<link rel="stylesheet" href="{{.Stylesheet}}">
{{- end}}
</head>
<body>
{{.Body}}
</body>
</html>
`))

type pageData struct {
	Title      string
	Stylesheet string
	Body       template.HTML
}

// HTMLBuilder は各ページを1つのHTMLファイルに書き出すBuilder。
//
// 最初のページはindex.html、それ以外はPathまたは名前から作ったファイル名になる。
// スタイルはcss/styles.cssにまとめ、インラインのアセットはそのまま出力する。
// ページ内のローカルなアセット参照が成果物に含まれない場合はInvalidInputを返す。
type HTMLBuilder struct {
	policy *bluemonday.Policy // nilの場合はサニタイズしない
}

// NewHTMLBuilder はHTMLBuilderを生成する。sanitizeがtrueの場合、ページHTMLを
// bluemondayの許可リストでサニタイズする。
func NewHTMLBuilder(sanitize bool) *HTMLBuilder {
	b := &HTMLBuilder{}
	if sanitize {
		b.policy = newPagePolicy()
	}
	return b
}

// newPagePolicy はエディタが生成するページ本文向けのポリシーを構築する。
// UGCPolicyを基本に、レイアウト用の要素とclass/id/style属性、相対URLを許可する。
// script、iframe、on*イベント属性は除去される。
func newPagePolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("section", "header", "footer", "nav", "main", "article", "aside",
		"figure", "figcaption", "picture", "source", "video", "audio")
	p.AllowAttrs("class", "id").Globally()
	p.AllowStyling()
	p.AllowAttrs("src", "srcset", "type").OnElements("source")
	p.AllowAttrs("src", "controls", "poster").OnElements("video", "audio")
	p.AllowRelativeURLs(true)
	p.RequireNoFollowOnLinks(false)
	return p
}

// Build は文書からファイル一式を生成する。
func (b *HTMLBuilder) Build(doc *model.WebsiteDocument) (model.ArtifactSet, error) {
	const op = "publication.build"
	if doc == nil {
		return nil, model.NewInvalidInputError(op, "document is required")
	}
	if len(doc.Pages) == 0 {
		return nil, model.NewInvalidInputError(op, "website has no pages")
	}

	var artifacts model.ArtifactSet
	available := make(map[string]bool)

	// アセット
	var assets model.ArtifactSet
	for _, a := range doc.Assets {
		if len(a.Content) == 0 {
			// Srcのみのアセットは外部参照
			continue
		}
		p, err := cleanRelative(a.Path)
		if err != nil {
			return nil, model.NewInvalidInputError(op, fmt.Sprintf("asset %q: %v", a.Path, err))
		}
		if available[p] {
			return nil, model.NewInvalidInputError(op, fmt.Sprintf("duplicate asset path %q", p))
		}
		available[p] = true
		ct := a.MimeType
		if ct == "" {
			ct = mime.TypeByExtension(path.Ext(p))
		}
		assets = append(assets, model.Artifact{Path: p, Content: a.Content, ContentType: ct})
	}

	// スタイル
	var css strings.Builder
	for _, s := range doc.Styles {
		if strings.TrimSpace(s.CSS) == "" {
			continue
		}
		css.WriteString(s.CSS)
		css.WriteString("\n")
	}
	hasStyles := css.Len() > 0
	if hasStyles {
		available[stylesFile] = true
	}

	// ページ
	pagePaths := make(map[string]bool, len(doc.Pages))
	for i, pg := range doc.Pages {
		p, err := pageFile(i, pg)
		if err != nil {
			return nil, model.NewInvalidInputError(op, fmt.Sprintf("page %q: %v", pg.Name, err))
		}
		if pagePaths[p] || available[p] {
			return nil, model.NewInvalidInputError(op, fmt.Sprintf("duplicate output path %q", p))
		}
		pagePaths[p] = true
	}
	for p := range pagePaths {
		available[p] = true
	}

	for i, pg := range doc.Pages {
		p, _ := pageFile(i, pg)
		body := pg.HTML
		if b.policy != nil {
			body = b.policy.Sanitize(body)
		}
		if missing := missingReferences(p, body, available); len(missing) > 0 {
			return nil, model.NewInvalidInputError(op,
				fmt.Sprintf("page %q references missing assets: %s", pg.Name, strings.Join(missing, ", ")))
		}

		data := pageData{Title: pg.Title, Body: template.HTML(body)}
		if data.Title == "" {
			data.Title = pg.Name
		}
		if hasStyles {
			data.Stylesheet = strings.Repeat("../", strings.Count(p, "/")) + stylesFile
		}
		var buf bytes.Buffer
		if err := pageTemplate.Execute(&buf, data); err != nil {
			return nil, model.NewInternalError(op, fmt.Errorf("render page %q: %w", pg.Name, err))
		}
		artifacts = append(artifacts, model.Artifact{Path: p, Content: buf.Bytes(), ContentType: "text/html; charset=utf-8"})
	}

	if hasStyles {
		artifacts = append(artifacts, model.Artifact{Path: stylesFile, Content: []byte(css.String()), ContentType: "text/css; charset=utf-8"})
	}
	artifacts = append(artifacts, assets...)
	return artifacts, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// pageFile はページの出力パスを決める。最初のページは常にindex.html。
func pageFile(i int, pg model.Page) (string, error) {
	if i == 0 {
		return indexFile, nil
	}
	if pg.Path != "" {
		p, err := cleanRelative(pg.Path)
		if err != nil {
			return "", err
		}
		if !strings.HasSuffix(p, ".html") {
			p += ".html"
		}
		return p, nil
	}
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(pg.Name), "-"), "-")
	if slug == "" {
		slug = pg.ID
	}
	if slug == "" {
		return "", fmt.Errorf("page has neither a name nor an id")
	}
	return slug + ".html", nil
}

// cleanRelative はサイトルートからの相対パスに正規化する。ルートの外を指す場合はエラー。
func cleanRelative(p string) (string, error) {
	rel := path.Clean(strings.TrimLeft(p, "/"))
	if rel == "." {
		return "", fmt.Errorf("empty path")
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path escapes site root")
	}
	return rel, nil
}

// referenceAttrs はアセットを参照する要素と属性の組。
var referenceAttrs = map[string]string{
	"img":    "src",
	"source": "src",
	"video":  "src",
	"audio":  "src",
	"script": "src",
	"link":   "href",
}

// missingReferences はページ本文中のローカル参照のうち、availableに含まれないものを返す。
func missingReferences(pagePath, body string, available map[string]bool) []string {
	nodes, err := html.ParseFragment(strings.NewReader(body), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return nil
	}

	var missing []string
	seen := make(map[string]bool)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if attr, ok := referenceAttrs[n.Data]; ok {
				for _, a := range n.Attr {
					if a.Key != attr {
						continue
					}
					target, local := resolveLocal(pagePath, a.Val)
					if local && !available[target] && !seen[target] {
						seen[target] = true
						missing = append(missing, target)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range nodes {
		walk(n)
	}
	return missing
}

// resolveLocal は参照がサイト内のファイルを指す場合、そのサイトルートからの相対パスを返す。
func resolveLocal(pagePath, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "//") {
		return "", false
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.Index(ref, ":"); i >= 0 && !strings.Contains(ref[:i], "/") {
		// http:, https:, data: などのスキーム付き
		return "", false
	}
	var p string
	if strings.HasPrefix(ref, "/") {
		p = path.Clean(ref)
	} else {
		p = path.Clean("/" + path.Join(path.Dir(pagePath), ref))
	}
	return strings.TrimPrefix(p, "/"), true
}
