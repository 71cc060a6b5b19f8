package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/url"
	"regexp"
	"strings"

	"github.com/hitoshi/sitepress/internal/model"
)

// HeaderNextPage はGitLabが返す次ページ番号のヘッダー。
const HeaderNextPage = "X-Next-Page"

// linkRegex はLinkヘッダーの要素 <url>; rel="type" にマッチする。
var linkRegex = regexp.MustCompile(`<([^>]+)>;\s*rel="([^"]+)"`)

// ParseNextLink はLinkヘッダーからrel="next"のURLを取り出す。なければ空文字列。
func ParseNextLink(linkHeader string) string {
	if linkHeader == "" {
		return ""
	}
	for _, part := range strings.Split(linkHeader, ",") {
		matches := linkRegex.FindStringSubmatch(strings.TrimSpace(part))
		if len(matches) == 3 && matches[2] == "next" {
			return matches[1]
		}
	}
	return ""
}

// Pager はページングされた一覧を遅延取得する。
// 各アイテムはページ順に1回だけ返し、最後のページで終了する。Resetで最初から取り直せる。
// 1つのPagerを複数のゴルーチンで共有してはならない。
type Pager[T any] struct {
	client *Client
	tokens TokenSource
	first  Request
	limit  int

	next    *Request
	buf     []T // Itemsで途中終了したページの未返却分
	yielded int
	pages   int
}

// NewPager はPagerを生成する。limitが0以下の場合は件数制限なし。
func NewPager[T any](client *Client, tokens TokenSource, first Request, limit int) *Pager[T] {
	p := &Pager[T]{
		client: client,
		tokens: tokens,
		first:  first,
		limit:  limit,
	}
	p.Reset()
	return p
}

// Reset は最初のページから取り直せるよう状態を戻す。
func (p *Pager[T]) Reset() {
	first := p.first
	first.Query = cloneValues(p.first.Query)
	p.next = &first
	p.buf = nil
	p.yielded = 0
	p.pages = 0
}

// HasNext は未取得のページが残っているかを返す。
func (p *Pager[T]) HasNext() bool {
	return p.next != nil
}

// Pages はこれまでに取得したページ数を返す。
func (p *Pager[T]) Pages() int {
	return p.pages
}

// Next は次のページを取得する。すでに終端に達している場合は(nil, nil)を返す。
// 件数制限に達した場合はページを切り詰め、以降のリクエストは行わない。
func (p *Pager[T]) Next(ctx context.Context) ([]T, error) {
	if p.next == nil {
		return nil, nil
	}
	req := *p.next

	resp, err := p.client.Do(ctx, p.tokens, req)
	if err != nil {
		return nil, err
	}
	p.pages++

	var items []T
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &items); err != nil {
			return nil, model.NewRemoteAPIFailureError(req.Op, resp.StatusCode,
				fmt.Sprintf("invalid page response: %v", err))
		}
	}

	p.next = nextPageRequest(req, resp)

	if p.limit > 0 && p.yielded+len(items) >= p.limit {
		items = items[:p.limit-p.yielded]
		p.next = nil
	}
	p.yielded += len(items)

	return items, nil
}

// All は残りのページをすべて取得して返す。Itemsで返していないアイテムも含む。
func (p *Pager[T]) All(ctx context.Context) ([]T, error) {
	all := p.buf
	p.buf = nil
	for p.HasNext() {
		page, err := p.Next(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
	}
	return all, nil
}

// Items は残りのアイテムを1件ずつ返すイテレータ。
// 呼び出し側がループを抜けた時点で以降のページは取得しない。
// 途中で抜けたページの残りは保持し、次にItemsを回したときにその続きから返す。
func (p *Pager[T]) Items(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			for len(p.buf) > 0 {
				item := p.buf[0]
				p.buf = p.buf[1:]
				if !yield(item, nil) {
					return
				}
			}
			if !p.HasNext() {
				return
			}
			page, err := p.Next(ctx)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			p.buf = page
		}
	}
}

// nextPageRequest はレスポンスヘッダーから次ページのリクエストを組み立てる。
// X-Next-Pageを優先し、なければLinkヘッダーのrel="next"を使う。
func nextPageRequest(prev Request, resp *Response) *Request {
	if page := strings.TrimSpace(resp.Header.Get(HeaderNextPage)); page != "" {
		next := prev
		next.Query = cloneValues(prev.Query)
		if next.Query == nil {
			next.Query = url.Values{}
		}
		next.Query.Set("page", page)
		return &next
	}
	if link := ParseNextLink(resp.Header.Get("Link")); link != "" {
		next := prev
		next.Path = link
		next.Query = nil
		return &next
	}
	return nil
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return nil
	}
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
