package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/sitepress/internal/job"
	"github.com/hitoshi/sitepress/internal/middleware"
	"github.com/hitoshi/sitepress/internal/model"
	"github.com/hitoshi/sitepress/internal/publication"
)

// JobStore はジョブの登録と参照。job.Managerが満たす。
type JobStore interface {
	Create(sessionID, hostingConnectorID string) (*job.Handle, error)
	GetForSession(id, sessionID string) (model.Job, bool)
}

// Publisher は公開処理をバックグラウンドで開始する。publication.Orchestratorが満たす。
type Publisher interface {
	Submit(ctx context.Context, h *job.Handle, req publication.Request) error
}

// PublicationHandler は公開ジョブのHTTPハンドラー。
type PublicationHandler struct {
	connectors ConnectorRegistry
	jobs       JobStore
	publisher  Publisher
	logger     *slog.Logger
}

// NewPublicationHandler はPublicationHandlerを生成する。
func NewPublicationHandler(connectors ConnectorRegistry, jobs JobStore, publisher Publisher, logger *slog.Logger) *PublicationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PublicationHandler{
		connectors: connectors,
		jobs:       jobs,
		publisher:  publisher,
		logger:     logger,
	}
}

// publishRequest は公開要求のボディ。
type publishRequest struct {
	StorageConnectorID string `json:"storageConnectorId"`
	StoragePath        string `json:"storagePath"`
	HostingConnectorID string `json:"hostingConnectorId"`
	TargetPath         string `json:"targetPath"`
}

// publishAccepted は公開要求の受付結果。
type publishAccepted struct {
	JobID string `json:"jobId"`
}

// jobErrorResponse は失敗したジョブのエラー。
type jobErrorResponse struct {
	Kind string `json:"kind"`
	middleware.ErrorResponseBody
}

// jobResponse は公開ジョブの状態。
type jobResponse struct {
	JobID     string               `json:"jobId"`
	State     model.JobState       `json:"state"`
	Progress  *int                 `json:"progress,omitempty"`
	URL       string               `json:"url,omitempty"`
	Result    *model.PublishResult `json:"result,omitempty"`
	Error     *jobErrorResponse    `json:"error,omitempty"`
	Logs      []string             `json:"logs"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// newJobResponse はジョブのスナップショットをレスポンスに変換する。
// Internalの詳細はToAPIErrorで隠される。
func newJobResponse(j model.Job) jobResponse {
	resp := jobResponse{
		JobID:     j.ID,
		State:     j.State,
		Logs:      j.Logs,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if resp.Logs == nil {
		resp.Logs = []string{}
	}

	switch j.State {
	case model.JobStateInProgress:
		p := j.Progress
		resp.Progress = &p
	case model.JobStateCompleted:
		p := 100
		resp.Progress = &p
		resp.Result = j.Result
		if j.Result != nil {
			resp.URL = j.Result.URL
		}
	case model.JobStateFailed:
		if j.Err != nil {
			apiErr := j.Err.ToAPIError()
			resp.Error = &jobErrorResponse{
				Kind: string(j.Err.Kind),
				ErrorResponseBody: middleware.ErrorResponseBody{
					Code:     apiErr.Code,
					Message:  apiErr.Message,
					Category: apiErr.Category,
					Action:   apiErr.Action,
				},
			}
		}
	}
	return resp
}

// Publish は公開ジョブを作成してバックグラウンドで開始し、ジョブIDを返す。
// POST /api/publications
func (h *PublicationHandler) Publish(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionOrError(w, r)
	if !ok {
		return
	}

	var req publishRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.StorageConnectorID = strings.TrimSpace(req.StorageConnectorID)
	req.HostingConnectorID = strings.TrimSpace(req.HostingConnectorID)
	if req.StorageConnectorID == "" || req.HostingConnectorID == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("storageConnectorIdとhostingConnectorIdは必須です"))
		return
	}

	// 受付前にコネクタの存在とログイン状態を確認する
	storage, err := h.connectors.Storage(req.StorageConnectorID)
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	hosting, err := h.connectors.Hosting(req.HostingConnectorID)
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	if !storage.IsAuthenticated(sess) || !hosting.IsAuthenticated(sess) {
		middleware.WriteConnectorError(w, h.logger, model.NewNotAuthenticatedError("publication.publish", nil))
		return
	}

	handle, err := h.jobs.Create(sess.ID, req.HostingConnectorID)
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}

	err = h.publisher.Submit(r.Context(), handle, publication.Request{
		Session:     sess,
		StorageID:   req.StorageConnectorID,
		StoragePath: req.StoragePath,
		HostingID:   req.HostingConnectorID,
		TargetPath:  req.TargetPath,
	})
	if err != nil {
		_ = handle.Fail(model.NewInternalError("publication.submit", err))
		if errors.Is(err, publication.ErrShuttingDown) {
			middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
				Code:     "SERVICE_UNAVAILABLE",
				Message:  "サーバーが停止処理中のため公開を受け付けられません。",
				Category: "system",
				Action:   "しばらく待ってから再度お試しください。",
			})
			return
		}
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}

	h.logger.Info("publication accepted",
		slog.String("job_id", handle.ID()),
		slog.String("session_id", sess.ID),
		slog.String("storage", req.StorageConnectorID),
		slog.String("hosting", req.HostingConnectorID),
	)
	writeJSON(w, http.StatusAccepted, publishAccepted{JobID: handle.ID()})
}

// GetJob は公開ジョブの状態を返す。他のセッションが作成したジョブは404とする。
// GET /api/publications/{jobId}
func (h *PublicationHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionOrError(w, r)
	if !ok {
		return
	}
	j, ok := h.lookup(w, r, sess)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(j))
}

// HostingStatus はジョブの公開先ホスティングに公開状態を問い合わせる。
// GET /api/publications/{jobId}/hosting-status
func (h *PublicationHandler) HostingStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionOrError(w, r)
	if !ok {
		return
	}
	j, ok := h.lookup(w, r, sess)
	if !ok {
		return
	}

	hosting, err := h.connectors.Hosting(j.HostingConnectorID)
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	status, err := hosting.Status(r.Context(), sess, j.ID)
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// hostingURLResponse は公開済みサイトのURL。
type hostingURLResponse struct {
	URL string `json:"url"`
}

// HostingURL は公開先パスの公開URLを返す。まだ公開されていなければ404。
// GET /api/hosting/{connectorId}/url?path=
func (h *PublicationHandler) HostingURL(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionOrError(w, r)
	if !ok {
		return
	}

	hosting, err := h.connectors.Hosting(chi.URLParam(r, "connectorId"))
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	if !hosting.IsAuthenticated(sess) {
		middleware.WriteConnectorError(w, h.logger, model.NewNotAuthenticatedError("hosting.url", nil))
		return
	}

	url, err := hosting.URL(r.Context(), sess, r.URL.Query().Get("path"))
	if err != nil {
		middleware.WriteConnectorError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, hostingURLResponse{URL: url})
}

func (h *PublicationHandler) lookup(w http.ResponseWriter, r *http.Request, sess *model.Session) (model.Job, bool) {
	jobID := chi.URLParam(r, "jobId")
	j, ok := h.jobs.GetForSession(jobID, sess.ID)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewJobNotFoundError(jobID))
		return model.Job{}, false
	}
	return j, true
}
