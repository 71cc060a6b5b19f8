package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/sitepress/internal/model"
)

// ChunkedUpload は分割アップロード1件分の入力。
//
// プロトコル:
//
//	POST   {SessionPath}               セッション開始（{"id": ...} を返す）
//	PUT    {SessionPath}/{id}          チャンク送信（Content-Range付き、先頭から順に）
//	POST   {SessionPath}/{id}/commit   確定（UploadedFileを返す）
//	DELETE {SessionPath}/{id}          失敗時の中断
type ChunkedUpload struct {
	Op          string
	Resource    string
	SessionPath string
	FileName    string
	Data        []byte
	// OnChunk は各チャンクの送信完了時に呼ばれる（sentは送信済みチャンク数）。
	OnChunk func(sent, total int)
}

// UploadedFile は確定済みのアップロード。コミット時にIDで参照する。
type UploadedFile struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

type uploadSession struct {
	ID string `json:"id"`
}

// NeedsChunking は指定サイズのデータを分割アップロードすべきかを返す。
func (c *Client) NeedsChunking(size int64) bool {
	return c.cfg.ChunkThreshold > 0 && size > c.cfg.ChunkThreshold
}

// ChunkCount は指定サイズのデータを送るのに必要なチャンク数を返す。
func (c *Client) ChunkCount(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + c.cfg.ChunkSize - 1) / c.cfg.ChunkSize)
}

// UploadChunked はデータをChunkSizeごとに順番に送信し、最後に確定する。
// 途中で失敗した場合はセッションを中断し、失敗したステップのエラーを返す。
// 確定前に失敗したアップロードは外部から参照できない。
func (c *Client) UploadChunked(ctx context.Context, tokens TokenSource, u ChunkedUpload) (*UploadedFile, error) {
	total := int64(len(u.Data))

	var sess uploadSession
	_, err := c.JSON(ctx, tokens, Request{
		Op:       u.Op + ": init upload",
		Method:   http.MethodPost,
		Path:     u.SessionPath,
		Body:     map[string]any{"file_name": u.FileName, "size": total},
		Resource: u.Resource,
	}, &sess)
	if err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, model.NewRemoteAPIFailureError(u.Op, http.StatusOK, "upload session id missing in response")
	}
	sessionPath := u.SessionPath + "/" + url.PathEscape(sess.ID)

	chunks := c.ChunkCount(total)
	for i := 0; i < chunks; i++ {
		start := int64(i) * c.cfg.ChunkSize
		end := min(start+c.cfg.ChunkSize, total)
		part := u.Data[start:end]

		_, err := c.Do(ctx, tokens, Request{
			Op:          fmt.Sprintf("%s: upload chunk %d/%d", u.Op, i+1, chunks),
			Method:      http.MethodPut,
			Path:        sessionPath,
			RawBody:     part,
			ContentType: "application/octet-stream",
			Header:      http.Header{"Content-Range": {fmt.Sprintf("bytes %d-%d/%d", start, end-1, total)}},
			Resource:    u.Resource,
		})
		if err != nil {
			c.abortUpload(ctx, tokens, u, sessionPath)
			return nil, err
		}
		c.metrics.RecordChunkUploaded(len(part))
		if u.OnChunk != nil {
			u.OnChunk(i+1, chunks)
		}
	}

	var uploaded UploadedFile
	if _, err := c.JSON(ctx, tokens, Request{
		Op:       u.Op + ": commit upload",
		Method:   http.MethodPost,
		Path:     sessionPath + "/commit",
		Resource: u.Resource,
	}, &uploaded); err != nil {
		c.abortUpload(ctx, tokens, u, sessionPath)
		return nil, err
	}
	if uploaded.ID == "" {
		uploaded.ID = sess.ID
	}
	return &uploaded, nil
}

// abortUpload はアップロードセッションを中断する。
// 呼び出し元のコンテキストが終了していても中断要求は送る。失敗はログのみ。
func (c *Client) abortUpload(ctx context.Context, tokens TokenSource, u ChunkedUpload, sessionPath string) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	if _, err := c.Do(abortCtx, tokens, Request{
		Op:       u.Op + ": abort upload",
		Method:   http.MethodDelete,
		Path:     sessionPath,
		Resource: u.Resource,
	}); err != nil {
		c.logger.Warn("failed to abort upload session",
			slog.String("op", u.Op),
			slog.String("file", u.FileName),
			slog.String("error", err.Error()),
		)
	}
}
