package handler

import (
	"log/slog"
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/sitepress/internal/connector"
	"github.com/hitoshi/sitepress/internal/middleware"
	"github.com/hitoshi/sitepress/internal/model"
)

// StorageLookup はIDからストレージコネクタを引く。
type StorageLookup interface {
	Storage(id string) (connector.Storage, error)
}

// WebsiteHandler はストレージ上のウェブサイト文書を扱うHTTPハンドラー。
type WebsiteHandler struct {
	storages StorageLookup
	logger   *slog.Logger
}

// NewWebsiteHandler はWebsiteHandlerを生成する。
func NewWebsiteHandler(storages StorageLookup, logger *slog.Logger) *WebsiteHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsiteHandler{storages: storages, logger: logger}
}

// ListFiles は指定パス直下のエントリを返す。
// GET /api/websites/{connectorId}/files?path=
func (h *WebsiteHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	sess, storage, ok := h.resolve(w, r)
	if !ok {
		return
	}

	files, err := storage.List(r.Context(), sess, r.URL.Query().Get("path"))
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	if files == nil {
		files = []model.FileInfo{}
	}
	writeJSON(w, http.StatusOK, files)
}

// ReadDocument はウェブサイト文書を返す。
// GET /api/websites/{connectorId}/document?path=
func (h *WebsiteHandler) ReadDocument(w http.ResponseWriter, r *http.Request) {
	sess, storage, ok := h.resolve(w, r)
	if !ok {
		return
	}

	doc, err := storage.ReadDocument(r.Context(), sess, r.URL.Query().Get("path"))
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// WriteDocument はウェブサイト文書を保存する。
// PUT /api/websites/{connectorId}/document?path=
func (h *WebsiteHandler) WriteDocument(w http.ResponseWriter, r *http.Request) {
	sess, storage, ok := h.resolve(w, r)
	if !ok {
		return
	}

	var doc model.WebsiteDocument
	if !decodeJSON(w, r, &doc) {
		return
	}

	if err := storage.WriteDocument(r.Context(), sess, r.URL.Query().Get("path"), &doc); err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete はファイルまたはディレクトリを削除する。
// DELETE /api/websites/{connectorId}/files?path=
func (h *WebsiteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sess, storage, ok := h.resolve(w, r)
	if !ok {
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		middleware.WriteConnectorError(w, h.logger, model.NewInvalidInputError("website.delete", "path is required"))
		return
	}
	if err := storage.Delete(r.Context(), sess, path); err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	h.logger.Info("website entry deleted",
		slog.String("connector", chi.URLParam(r, "connectorId")),
		slog.String("path", path),
	)
	w.WriteHeader(http.StatusNoContent)
}

// duplicateResponse は複製先のパス。
type duplicateResponse struct {
	Path string `json:"path"`
}

// assetsRequest はアセット書き込みのボディ。contentはbase64。
type assetsRequest struct {
	Files []model.AssetFile `json:"files"`
}

// assetsResponse は書き込んだアセットの公開用パス。
type assetsResponse struct {
	Files []string `json:"files"`
}

// Duplicate はウェブサイトを複製し、複製先のパスを返す。
// POST /api/websites/{connectorId}/duplicate?path=
func (h *WebsiteHandler) Duplicate(w http.ResponseWriter, r *http.Request) {
	sess, storage, ok := h.resolve(w, r)
	if !ok {
		return
	}

	src := r.URL.Query().Get("path")
	dest, err := storage.Duplicate(r.Context(), sess, src)
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	h.logger.Info("website duplicated",
		slog.String("connector", chi.URLParam(r, "connectorId")),
		slog.String("path", src),
		slog.String("copy", dest),
	)
	writeJSON(w, http.StatusCreated, duplicateResponse{Path: dest})
}

// ReadMeta はウェブサイトのメタデータを返す。
// GET /api/websites/{connectorId}/meta?path=
func (h *WebsiteHandler) ReadMeta(w http.ResponseWriter, r *http.Request) {
	sess, storage, ok := h.resolve(w, r)
	if !ok {
		return
	}

	meta, err := storage.ReadMeta(r.Context(), sess, r.URL.Query().Get("path"))
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// WriteMeta はウェブサイトのメタデータを保存する。
// PUT /api/websites/{connectorId}/meta?path=
func (h *WebsiteHandler) WriteMeta(w http.ResponseWriter, r *http.Request) {
	sess, storage, ok := h.resolve(w, r)
	if !ok {
		return
	}

	var meta model.WebsiteMetaFile
	if !decodeJSON(w, r, &meta) {
		return
	}

	if err := storage.WriteMeta(r.Context(), sess, r.URL.Query().Get("path"), &meta); err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WriteAssets はアセットをまとめて保存し、保存先のパスを返す。
// POST /api/websites/{connectorId}/assets?path=
func (h *WebsiteHandler) WriteAssets(w http.ResponseWriter, r *http.Request) {
	sess, storage, ok := h.resolve(w, r)
	if !ok {
		return
	}

	var req assetsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Files) == 0 {
		middleware.WriteConnectorError(w, h.logger, model.NewInvalidInputError("website.write_assets", "files is required"))
		return
	}

	written, err := storage.WriteAssets(r.Context(), sess, r.URL.Query().Get("path"), req.Files)
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	if written == nil {
		written = []string{}
	}
	writeJSON(w, http.StatusOK, assetsResponse{Files: written})
}

// ReadAsset はアセットの内容を拡張子から推定したContent-Typeで返す。
// GET /api/websites/{connectorId}/assets/*?path=
func (h *WebsiteHandler) ReadAsset(w http.ResponseWriter, r *http.Request) {
	sess, storage, ok := h.resolve(w, r)
	if !ok {
		return
	}

	name := chi.URLParam(r, "*")
	if name == "" {
		middleware.WriteConnectorError(w, h.logger, model.NewInvalidInputError("website.read_asset", "asset name is required"))
		return
	}
	content, err := storage.ReadAsset(r.Context(), sess, r.URL.Query().Get("path"), name)
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// resolve はセッションと{connectorId}のストレージを取得し、未ログインなら401を返す。
func (h *WebsiteHandler) resolve(w http.ResponseWriter, r *http.Request) (*model.Session, connector.Storage, bool) {
	sess, ok := sessionOrError(w, r)
	if !ok {
		return nil, nil, false
	}
	storage, err := h.storages.Storage(chi.URLParam(r, "connectorId"))
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return nil, nil, false
	}
	if !storage.IsAuthenticated(sess) {
		middleware.WriteConnectorError(w, h.logger, model.NewNotAuthenticatedError("website.access", nil))
		return nil, nil, false
	}
	return sess, storage, true
}
