package gitlab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/sitepress/internal/model"
	"github.com/hitoshi/sitepress/internal/oauth"
	"github.com/hitoshi/sitepress/internal/remote"
	"github.com/hitoshi/sitepress/internal/session"
)

const testToken = "test-token"

// fakeGitLab はテストに必要なGitLab APIの一部を模したサーバー。
// プロジェクト42（alice/my-site）のmainブランチのファイルをメモリ上に持つ。
type fakeGitLab struct {
	mu             sync.Mutex
	files          map[string]string
	commits        []commitRequest
	uploads        map[string][]byte
	committed      map[string]bool
	aborted        []string
	chunksReceived int
	failChunk      int // 1始まり。この番号のチャンクで500を返す
	deleted        bool
	nextID         int
	forks          []map[string]string
}

func newFakeGitLab() *fakeGitLab {
	return &fakeGitLab{
		files:     map[string]string{},
		uploads:   map[string][]byte{},
		committed: map[string]bool{},
	}
}

func (f *fakeGitLab) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+testToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "401 Unauthorized"})
		return
	}

	p := r.URL.EscapedPath()
	switch {
	case r.Method == http.MethodGet && p == "/user":
		writeJSON(w, http.StatusOK, apiUser{Name: "Alice", Username: "alice", Email: "alice@example.com", AvatarURL: "https://example.com/a.png"})

	case r.Method == http.MethodGet && p == "/projects":
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page <= 1 {
			w.Header().Set("X-Next-Page", "2")
			writeJSON(w, http.StatusOK, []apiProject{{ID: 1, Name: "one"}, {ID: 2, Name: "two"}})
			return
		}
		writeJSON(w, http.StatusOK, []apiProject{{ID: 42, Name: "my-site"}})

	case strings.HasPrefix(p, "/projects/42"):
		if f.deleted {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "404 Project Not Found"})
			return
		}
		f.serveProject(w, r, strings.TrimPrefix(p, "/projects/42"))

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "404 Not Found"})
	}
}

func (f *fakeGitLab) serveProject(w http.ResponseWriter, r *http.Request, p string) {
	switch {
	case p == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, apiProject{ID: 42, Name: "my-site", PathWithNamespace: "alice/my-site"})

	case p == "" && r.Method == http.MethodDelete:
		f.deleted = true
		w.WriteHeader(http.StatusAccepted)

	case p == "/fork" && r.Method == http.MethodPost:
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		f.forks = append(f.forks, body)
		writeJSON(w, http.StatusCreated, apiProject{ID: 43, Name: body["name"], PathWithNamespace: "alice/" + body["path"]})

	case p == "/repository/tree" && r.Method == http.MethodGet:
		f.serveTree(w, r)

	case strings.HasPrefix(p, "/repository/files/"):
		rest := strings.TrimPrefix(p, "/repository/files/")
		raw := strings.HasSuffix(rest, "/raw")
		file, _ := url.PathUnescape(strings.TrimSuffix(rest, "/raw"))
		content, ok := f.files[file]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "404 File Not Found"})
			return
		}
		if raw {
			w.Write([]byte(content))
			return
		}
		w.WriteHeader(http.StatusOK)

	case p == "/repository/commits" && r.Method == http.MethodPost:
		f.serveCommit(w, r)

	case p == "/pipelines" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, []apiPipeline{{ID: 7, Status: "success", WebURL: "https://gitlab.example/p/7"}})

	case strings.HasPrefix(p, "/uploads/sessions"):
		f.serveUpload(w, r, strings.TrimPrefix(p, "/uploads/sessions"))

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "404 Not Found"})
	}
}

func (f *fakeGitLab) serveTree(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	recursive := r.URL.Query().Get("recursive") == "true"
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	seen := map[string]bool{}
	var entries []apiTreeEntry
	for _, name := range slices.Sorted(maps.Keys(f.files)) {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rel := strings.TrimPrefix(name, prefix)
		if recursive {
			entries = append(entries, apiTreeEntry{Name: rel[strings.LastIndex(rel, "/")+1:], Type: "blob", Path: name})
			continue
		}
		first, _, isDir := strings.Cut(rel, "/")
		if seen[first] {
			continue
		}
		seen[first] = true
		typ := "blob"
		if isDir {
			typ = "tree"
		}
		entries = append(entries, apiTreeEntry{Name: first, Type: typ, Path: prefix + first})
	}
	if dir != "" && len(entries) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "404 Tree Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (f *fakeGitLab) serveCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad json"})
		return
	}
	// 全アクションを検証してから適用する
	for _, a := range req.Actions {
		_, exists := f.files[a.FilePath]
		switch {
		case a.Action == "create" && exists:
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "A file with this name already exists"})
			return
		case (a.Action == "update" || a.Action == "delete") && !exists:
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "A file with this name doesn't exist"})
			return
		case a.UploadID != "" && !f.committed[a.UploadID]:
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "unknown upload"})
			return
		}
	}
	for _, a := range req.Actions {
		switch {
		case a.Action == "delete":
			delete(f.files, a.FilePath)
		case a.UploadID != "":
			f.files[a.FilePath] = string(f.uploads[a.UploadID])
		case a.Encoding == "base64":
			b, _ := base64.StdEncoding.DecodeString(a.Content)
			f.files[a.FilePath] = string(b)
		default:
			f.files[a.FilePath] = a.Content
		}
	}
	f.commits = append(f.commits, req)
	writeJSON(w, http.StatusCreated, apiCommit{ID: fmt.Sprintf("sha-%d", len(f.commits))})
}

func (f *fakeGitLab) serveUpload(w http.ResponseWriter, r *http.Request, rest string) {
	id, commit := strings.CutSuffix(strings.TrimPrefix(rest, "/"), "/commit")
	switch {
	case id == "" && r.Method == http.MethodPost:
		f.nextID++
		newID := fmt.Sprintf("up-%d", f.nextID)
		f.uploads[newID] = nil
		writeJSON(w, http.StatusCreated, map[string]string{"id": newID})
	case commit && r.Method == http.MethodPost:
		f.committed[id] = true
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	case r.Method == http.MethodPut:
		f.chunksReceived++
		if f.failChunk > 0 && f.chunksReceived == f.failChunk {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "storage backend unavailable"})
			return
		}
		b, _ := io.ReadAll(r.Body)
		f.uploads[id] = append(f.uploads[id], b...)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodDelete:
		f.aborted = append(f.aborted, id)
		delete(f.uploads, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "404 Not Found"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// testEnv はテスト用のコネクタ一式。
type testEnv struct {
	fake     *fakeGitLab
	storage  *Storage
	hosting  *Hosting
	sess     *model.Session
	sessions *session.Service
}

// newTestEnv は偽GitLabに接続したコネクタと、トークンを持つセッションを用意する。
// 分割アップロードは8バイト超で有効になり、4バイトずつ送る。
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := newFakeGitLab()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := remote.NewClient(remote.Config{
		BaseURL:             srv.URL,
		Timeout:             5 * time.Second,
		MaxRetries:          1,
		BackoffBase:         time.Millisecond,
		BackoffMax:          time.Millisecond,
		TransportRetryDelay: time.Millisecond,
		ChunkThreshold:      8,
		ChunkSize:           4,
	}, srv.Client(), nil, nil)

	ctx := context.Background()
	sessions := session.NewService(session.NewMemoryStore(), time.Hour)
	sess, err := sessions.Create(ctx)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if err := sessions.SetCredential(ctx, sess.ID, model.ConnectorKindGitLab, model.Credential{AccessToken: testToken}); err != nil {
		t.Fatalf("failed to set credential: %v", err)
	}
	sess, _ = sessions.Get(ctx, sess.ID)

	mgr := oauth.NewManager(model.ConnectorKindGitLab,
		OAuthConfig(srv.URL, "client-id", "client-secret", "http://localhost:6805/api/connectors/STORAGE/gitlab/callback"),
		oauth.NewStateStore(time.Minute), sessions, srv.Client(), nil)
	opts := Options{Branch: "main", PagesDomain: "gitlab.io", Client: client, OAuth: mgr}

	st, err := NewStorage(opts)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	h, err := NewHosting(opts)
	if err != nil {
		t.Fatalf("NewHosting: %v", err)
	}
	return &testEnv{fake: fake, storage: st, hosting: h, sess: sess, sessions: sessions}
}
