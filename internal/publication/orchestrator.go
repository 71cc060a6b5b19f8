// Package publication はウェブサイト文書の公開処理を実行する。
//
// Orchestratorはストレージから文書を読み込み、Builderで成果物に変換し、
// ホスティングコネクタへ公開する。進捗と結果はjob.Handleを通してジョブに記録する。
package publication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hitoshi/sitepress/internal/connector"
	"github.com/hitoshi/sitepress/internal/job"
	"github.com/hitoshi/sitepress/internal/model"
)

// DefaultTimeout は1件の公開処理の既定の上限時間。
const DefaultTimeout = 10 * time.Minute

// ErrShuttingDown はシャットダウン開始後に公開要求を受け付けた場合のエラー。
var ErrShuttingDown = errors.New("publication orchestrator is shutting down")

// Connectors はIDからコネクタを引く。connector.Registryが満たす。
type Connectors interface {
	Storage(id string) (connector.Storage, error)
	Hosting(id string) (connector.Hosting, error)
}

// Request は公開要求。
type Request struct {
	Session     *model.Session
	StorageID   string
	StoragePath string
	HostingID   string
	TargetPath  string
}

// Options はOrchestratorの設定。
type Options struct {
	MaxConcurrent int           // 同時に実行する公開処理の上限
	Timeout       time.Duration // 1件の公開処理の上限時間
}

// Orchestrator は公開処理を実行する。Submitで受け付けた処理はワーカープールで非同期に実行される。
type Orchestrator struct {
	connectors Connectors
	builder    Builder
	sem        *semaphore.Weighted
	timeout    time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup
}

// NewOrchestrator はOrchestratorを生成する。
func NewOrchestrator(connectors Connectors, builder Builder, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		connectors: connectors,
		builder:    builder,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		timeout:    opts.Timeout,
		logger:     logger,
	}
}

// Run は公開処理を同期的に実行する。
// 成功時はジョブをCompleted、失敗時はFailedにして、そのエラーを返す。再試行はしない。
func (o *Orchestrator) Run(ctx context.Context, h *job.Handle, req Request) error {
	if err := h.Start(); err != nil {
		return err
	}
	o.logger.Info("publication started",
		slog.String("job_id", h.ID()),
		slog.String("storage", req.StorageID),
		slog.String("hosting", req.HostingID),
	)

	storage, err := o.connectors.Storage(req.StorageID)
	if err != nil {
		return o.fail(h, err)
	}
	hosting, err := o.connectors.Hosting(req.HostingID)
	if err != nil {
		return o.fail(h, err)
	}

	doc, err := storage.ReadDocument(ctx, req.Session, req.StoragePath)
	if err != nil {
		return o.fail(h, err)
	}
	h.Log(fmt.Sprintf("read document %q (%d pages)", req.StoragePath, len(doc.Pages)))

	artifacts, err := o.builder.Build(doc)
	if err != nil {
		return o.fail(h, err)
	}
	h.Log(fmt.Sprintf("built %d files (%d bytes)", len(artifacts), artifacts.TotalBytes()))

	result, err := hosting.Publish(ctx, req.Session, connector.PublishRequest{
		JobID:      h.ID(),
		TargetPath: req.TargetPath,
		Website:    doc,
		Artifacts:  artifacts,
	}, func(p int) {
		// 範囲外の値は無視する
		_ = h.Progress(p)
	})
	if err != nil {
		return o.fail(h, err)
	}
	if result == nil {
		return o.fail(h, model.NewInternalError("publication.run", errors.New("hosting returned no result")))
	}

	h.Log("published to " + result.URL)
	if err := h.Complete(result); err != nil {
		return err
	}
	o.logger.Info("publication completed",
		slog.String("job_id", h.ID()),
		slog.String("url", result.URL),
		slog.Int("files", result.Files),
	)
	return nil
}

// Submit は公開処理をバックグラウンドで開始し、すぐに戻る。
// 処理は呼び出し元のキャンセルから切り離され、Timeoutを上限として実行される。
func (o *Orchestrator) Submit(ctx context.Context, h *job.Handle, req Request) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	o.running.Add(1)
	o.mu.Unlock()

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	go func() {
		defer o.running.Done()
		defer cancel()

		if err := o.sem.Acquire(jobCtx, 1); err != nil {
			// 空きワーカーを待つ間の期限切れはリモートの障害ではない
			o.fail(h, model.NewInternalError("publication.queue",
				fmt.Errorf("timed out waiting for a free publication worker: %w", err)))
			return
		}
		defer o.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("publication panicked",
					slog.String("job_id", h.ID()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				o.fail(h, model.NewInternalError("publication.run", fmt.Errorf("panic: %v", r)))
			}
		}()

		_ = o.Run(jobCtx, h, req)
	}()
	return nil
}

// Shutdown は新規の受け付けを止め、実行中の公開処理の終了を待つ。
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail はジョブを失敗として記録し、元のエラーを返す。
func (o *Orchestrator) fail(h *job.Handle, err error) error {
	h.Log("error: " + err.Error())
	if ferr := h.Fail(err); ferr != nil && !errors.Is(ferr, job.ErrTerminal) {
		o.logger.Error("failed to record job failure",
			slog.String("job_id", h.ID()),
			slog.String("error", ferr.Error()),
		)
	}
	return err
}
