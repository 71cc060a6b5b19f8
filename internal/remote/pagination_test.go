package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
)

type testItem struct {
	ID int `json:"id"`
}

// newPagedServer はページサイズ2、合計totalItems件をX-Next-Pageでページングするサーバーを返す。
func newPagedServer(t *testing.T, totalItems int, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	const perPage = 2
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		var items []testItem
		for i := (page-1)*perPage + 1; i <= page*perPage && i <= totalItems; i++ {
			items = append(items, testItem{ID: i})
		}
		if page*perPage < totalItems {
			w.Header().Set("X-Next-Page", strconv.Itoa(page+1))
		} else {
			w.Header().Set("X-Next-Page", "")
		}
		json.NewEncoder(w).Encode(items)
	}))
}

func TestPager_All_YieldsEveryItemOnceInOrder(t *testing.T) {
	var calls atomic.Int32
	srv := newPagedServer(t, 5, &calls)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.Client(), nil)
	p := NewPager[testItem](c, nil, Request{Op: "list", Path: "/items"}, 0)

	items, err := p.All(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("件数 = %d, want 5", len(items))
	}
	for i, it := range items {
		if it.ID != i+1 {
			t.Errorf("items[%d].ID = %d, want %d", i, it.ID, i+1)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("リクエスト数 = %d, want 3", calls.Load())
	}
	if p.HasNext() {
		t.Error("最終ページ後もHasNextがtrue")
	}
	// 終端後のNextはリクエストしない
	page, err := p.Next(context.Background())
	if err != nil || page != nil {
		t.Errorf("終端後のNext = (%v, %v), want (nil, nil)", page, err)
	}
	if calls.Load() != 3 {
		t.Errorf("終端後にリクエストが発生した: %d", calls.Load())
	}
}

func TestPager_Limit_StopsWithoutFurtherRequests(t *testing.T) {
	var calls atomic.Int32
	srv := newPagedServer(t, 10, &calls)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.Client(), nil)
	p := NewPager[testItem](c, nil, Request{Op: "list", Path: "/items"}, 3)

	items, err := p.All(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 3 {
		t.Errorf("件数 = %d, want 3", len(items))
	}
	if calls.Load() != 2 {
		t.Errorf("リクエスト数 = %d, want 2", calls.Load())
	}
}

func TestPager_Items_EarlyBreakStopsFetching(t *testing.T) {
	var calls atomic.Int32
	srv := newPagedServer(t, 10, &calls)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.Client(), nil)
	p := NewPager[testItem](c, nil, Request{Op: "list", Path: "/items"}, 0)

	var seen []int
	for it, err := range p.Items(context.Background()) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen = append(seen, it.ID)
		if len(seen) == 3 {
			break
		}
	}

	if fmt.Sprint(seen) != "[1 2 3]" {
		t.Errorf("seen = %v, want [1 2 3]", seen)
	}
	if calls.Load() != 2 {
		t.Errorf("リクエスト数 = %d, want 2", calls.Load())
	}
}

func TestPager_Items_ResumeAfterBreakYieldsRemainingItems(t *testing.T) {
	var calls atomic.Int32
	srv := newPagedServer(t, 6, &calls)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.Client(), nil)
	p := NewPager[testItem](c, nil, Request{Op: "list", Path: "/items"}, 0)
	ctx := context.Background()

	var seen []int
	for it, err := range p.Items(ctx) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen = append(seen, it.ID)
		if len(seen) == 3 {
			break
		}
	}
	for it, err := range p.Items(ctx) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen = append(seen, it.ID)
	}

	if fmt.Sprint(seen) != "[1 2 3 4 5 6]" {
		t.Errorf("seen = %v, want [1 2 3 4 5 6]", seen)
	}
	if calls.Load() != 3 {
		t.Errorf("リクエスト数 = %d, want 3", calls.Load())
	}
}

func TestPager_Reset_RestartsFromFirstPage(t *testing.T) {
	var calls atomic.Int32
	srv := newPagedServer(t, 3, &calls)
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.Client(), nil)
	p := NewPager[testItem](c, nil, Request{Op: "list", Path: "/items"}, 0)

	first, err := p.Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Reset()
	again, err := p.Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != 2 || len(again) != 2 || first[0].ID != again[0].ID {
		t.Errorf("Reset後の1ページ目が一致しない: %v / %v", first, again)
	}
	if p.Pages() != 1 {
		t.Errorf("Pages() = %d, want 1", p.Pages())
	}
}

func TestPager_FollowsLinkHeader(t *testing.T) {
	var calls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("cursor") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s/items?cursor=abc>; rel="next", <%s/items?cursor=zzz>; rel="last"`, srv.URL, srv.URL))
			json.NewEncoder(w).Encode([]testItem{{ID: 1}})
			return
		}
		json.NewEncoder(w).Encode([]testItem{{ID: 2}})
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.Client(), nil)
	p := NewPager[testItem](c, nil, Request{Op: "list", Path: "/items"}, 0)

	items, err := p.All(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 2 || items[1].ID != 2 {
		t.Errorf("items = %v, want [1 2]", items)
	}
	if calls.Load() != 2 {
		t.Errorf("リクエスト数 = %d, want 2", calls.Load())
	}
}

func TestPager_ErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL, srv.Client(), nil)
	p := NewPager[testItem](c, nil, Request{Op: "list", Path: "/items", Resource: "items"}, 0)

	var gotErr error
	for _, err := range p.Items(context.Background()) {
		gotErr = err
	}
	if gotErr == nil {
		t.Fatal("エラーが返されるべき")
	}
}

func TestParseNextLink(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{`<https://x/api?page=2>; rel="next"`, "https://x/api?page=2"},
		{`<https://x/api?page=1>; rel="prev", <https://x/api?page=3>; rel="next"`, "https://x/api?page=3"},
		{`<https://x/api?page=9>; rel="last"`, ""},
	}
	for _, tt := range tests {
		if got := ParseNextLink(tt.header); got != tt.want {
			t.Errorf("ParseNextLink(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
