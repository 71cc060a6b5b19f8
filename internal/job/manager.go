// Package job は非同期公開ジョブの登録と状態遷移を管理する。
//
// ジョブの変更はCreateが返すHandleからのみ行える。読み取りはジョブごとの
// atomic.Pointerに置かれたスナップショットを返すため、書き込み側を待たない。
package job

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/sitepress/internal/metrics"
	"github.com/hitoshi/sitepress/internal/model"
)

// maxLogLines はジョブごとに保持するログ行数の上限。
const maxLogLines = 200

// ErrTerminal は終端状態のジョブを変更しようとした場合のエラー。
var ErrTerminal = errors.New("job is already in a terminal state")

// entry は登録済みジョブ1件。snapは常に完全なスナップショットを指す。
type entry struct {
	mu      sync.Mutex // 書き込みの直列化
	snap    atomic.Pointer[model.Job]
	started time.Time
}

// Manager はジョブのレジストリ。
type Manager struct {
	mu      sync.RWMutex
	jobs    map[string]*entry
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	now     func() time.Time
	onEvict func(model.Job)
}

// NewManager はManagerを生成する。
func NewManager(m metrics.MetricsCollector, logger *slog.Logger) *Manager {
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		jobs:    make(map[string]*entry),
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Create はPending状態のジョブを登録し、変更用のHandleを返す。
func (m *Manager) Create(sessionID, hostingConnectorID string) (*Handle, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, model.NewInternalError("job.create", fmt.Errorf("failed to generate job id: %w", err))
	}
	now := m.now()
	e := &entry{}
	e.snap.Store(&model.Job{
		ID:                 id.String(),
		SessionID:          sessionID,
		HostingConnectorID: hostingConnectorID,
		State:              model.JobStatePending,
		CreatedAt:          now,
		UpdatedAt:          now,
	})

	m.mu.Lock()
	m.jobs[id.String()] = e
	m.mu.Unlock()

	return &Handle{manager: m, entry: e, id: id.String()}, nil
}

// Get はジョブのスナップショットを返す。
func (m *Manager) Get(id string) (model.Job, bool) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return model.Job{}, false
	}
	return *e.snap.Load(), true
}

// GetForSession は指定セッションが作成したジョブのみを返す。
// 他のセッションのジョブは存在しないものとして扱う。
func (m *Manager) GetForSession(id, sessionID string) (model.Job, bool) {
	j, ok := m.Get(id)
	if !ok || j.SessionID != sessionID {
		return model.Job{}, false
	}
	return j, true
}

// Len は登録済みジョブ数を返す。
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

// OnEvict はEvictTerminalで削除したジョブごとに呼ぶ関数を登録する。
// ホスティング側に残るジョブ単位の状態を同時に捨てるために使う。
func (m *Manager) OnEvict(fn func(model.Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvict = fn
}

// EvictTerminal は終端状態になってからolderThan以上経過したジョブを削除し、件数を返す。
// OnEvictの関数はロックの外で呼ぶ。
func (m *Manager) EvictTerminal(olderThan time.Duration) int {
	cutoff := m.now().Add(-olderThan)

	m.mu.Lock()
	var evicted []model.Job
	for id, e := range m.jobs {
		j := e.snap.Load()
		if j.State.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			evicted = append(evicted, *j)
		}
	}
	onEvict := m.onEvict
	m.mu.Unlock()

	if onEvict != nil {
		for _, j := range evicted {
			onEvict(j)
		}
	}
	return len(evicted)
}

// Handle はジョブ1件を変更する唯一の手段。公開処理のゴルーチンが保持する。
type Handle struct {
	manager *Manager
	entry   *entry
	id      string
}

// ID はジョブIDを返す。
func (h *Handle) ID() string {
	return h.id
}

// Snapshot は現在のスナップショットを返す。
func (h *Handle) Snapshot() model.Job {
	return *h.entry.snap.Load()
}

// Start はジョブをInProgress(0)に遷移させる。
func (h *Handle) Start() error {
	return h.update(func(j *model.Job) error {
		if j.State == model.JobStatePending {
			h.entry.started = h.manager.now()
			h.manager.metrics.RecordJobStarted()
		}
		j.State = model.JobStateInProgress
		j.Progress = 0
		return nil
	})
}

// Progress は進捗率（0-100）を更新する。Pendingの場合はInProgressに遷移する。
func (h *Handle) Progress(p int) error {
	if p < 0 || p > 100 {
		return model.NewInvalidInputError("job.progress", fmt.Sprintf("progress %d out of range 0-100", p))
	}
	return h.update(func(j *model.Job) error {
		if j.State == model.JobStatePending {
			h.entry.started = h.manager.now()
			h.manager.metrics.RecordJobStarted()
		}
		j.State = model.JobStateInProgress
		j.Progress = p
		return nil
	})
}

// Log はジョブのログに1行追加する。終端状態でも追記できる。
func (h *Handle) Log(msg string) {
	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()

	next := *e.snap.Load()
	logs := make([]string, 0, len(next.Logs)+1)
	logs = append(logs, next.Logs...)
	logs = append(logs, msg)
	if len(logs) > maxLogLines {
		logs = logs[len(logs)-maxLogLines:]
	}
	next.Logs = logs
	e.snap.Store(&next)
}

// Complete はジョブを成功として終了させる。
func (h *Handle) Complete(result *model.PublishResult) error {
	return h.update(func(j *model.Job) error {
		j.State = model.JobStateCompleted
		j.Progress = 100
		j.Result = result
		h.finished(model.JobStateCompleted)
		return nil
	})
}

// Fail はジョブを失敗として終了させる。errはConnectorErrorに正規化して保存する。
func (h *Handle) Fail(cause error) error {
	ce := model.AsConnectorError(cause)
	if ce == nil {
		ce = model.NewInternalError("job.fail", errors.New("job failed without an error"))
	}
	err := h.update(func(j *model.Job) error {
		j.State = model.JobStateFailed
		j.Err = ce
		h.finished(model.JobStateFailed)
		return nil
	})
	if err == nil {
		h.manager.logger.Warn("publication job failed",
			slog.String("job_id", h.id),
			slog.String("kind", string(ce.Kind)),
			slog.String("error", ce.Error()),
		)
	}
	return err
}

// update はスナップショットを複製して変更し、差し替える。
func (h *Handle) update(mutate func(j *model.Job) error) error {
	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	if cur.State.Terminal() {
		return ErrTerminal
	}
	next := *cur
	if err := mutate(&next); err != nil {
		return err
	}
	next.UpdatedAt = h.manager.now()
	e.snap.Store(&next)
	return nil
}

// finished は終了メトリクスを記録する。entry.muを保持した状態で呼ぶ。
func (h *Handle) finished(state model.JobState) {
	var d time.Duration
	if !h.entry.started.IsZero() {
		d = h.manager.now().Sub(h.entry.started)
	}
	h.manager.metrics.RecordJobFinished(string(state), d)
}
