package job

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/sitepress/internal/model"
)

// recordingMetrics はジョブ関連のメトリクス呼び出しを記録する。
type recordingMetrics struct {
	mu       sync.Mutex
	started  int
	finished []string
}

func (r *recordingMetrics) RecordRemoteRequest(int, time.Duration) {}
func (r *recordingMetrics) RecordRateLimitRetry()                  {}
func (r *recordingMetrics) RecordTransportRetry()                  {}
func (r *recordingMetrics) RecordTokenRefresh()                    {}
func (r *recordingMetrics) RecordChunkUploaded(int)                {}
func (r *recordingMetrics) RecordJobStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}
func (r *recordingMetrics) RecordJobFinished(state string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, state)
}

func TestManager_Create_StartsPending(t *testing.T) {
	m := NewManager(nil, nil)

	h, err := m.Create("sess-1", "gitlab")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j, ok := m.Get(h.ID())
	if !ok {
		t.Fatal("作成したジョブが見つからない")
	}
	if j.State != model.JobStatePending {
		t.Errorf("State = %s, want pending", j.State)
	}
	if j.SessionID != "sess-1" || j.HostingConnectorID != "gitlab" {
		t.Errorf("job = %+v", j)
	}
	if len(j.ID) != 36 {
		t.Errorf("IDがUUID形式でない: %q", j.ID)
	}
}

func TestHandle_Lifecycle_Completed(t *testing.T) {
	rec := &recordingMetrics{}
	m := NewManager(rec, nil)
	h, _ := m.Create("sess-1", "fs")

	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.Progress(50); err != nil {
		t.Fatalf("Progress: %v", err)
	}
	j, _ := m.Get(h.ID())
	if j.State != model.JobStateInProgress || j.Progress != 50 {
		t.Errorf("途中状態 = %s(%d), want in_progress(50)", j.State, j.Progress)
	}

	result := &model.PublishResult{URL: "file:///tmp/site", Files: 3}
	if err := h.Complete(result); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	j, _ = m.Get(h.ID())
	if j.State != model.JobStateCompleted || j.Result == nil || j.Result.URL != "file:///tmp/site" {
		t.Errorf("完了状態 = %+v", j)
	}
	if rec.started != 1 || len(rec.finished) != 1 || rec.finished[0] != "completed" {
		t.Errorf("metrics started=%d finished=%v", rec.started, rec.finished)
	}
}

func TestHandle_TerminalStateIsFinal(t *testing.T) {
	m := NewManager(nil, nil)
	h, _ := m.Create("sess-1", "fs")
	h.Start()

	if err := h.Fail(model.NewTransportFailureError("publish", errors.New("timeout"))); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	if err := h.Complete(&model.PublishResult{}); !errors.Is(err, ErrTerminal) {
		t.Errorf("Complete after Fail: err = %v, want ErrTerminal", err)
	}
	if err := h.Progress(10); !errors.Is(err, ErrTerminal) {
		t.Errorf("Progress after Fail: err = %v, want ErrTerminal", err)
	}
	if err := h.Fail(errors.New("again")); !errors.Is(err, ErrTerminal) {
		t.Errorf("Fail after Fail: err = %v, want ErrTerminal", err)
	}

	j, _ := m.Get(h.ID())
	if j.State != model.JobStateFailed {
		t.Errorf("State = %s, want failed", j.State)
	}
	if j.Err == nil || j.Err.Kind != model.KindTransportFailure {
		t.Errorf("Err = %v, want TransportFailure", j.Err)
	}
}

func TestHandle_Fail_NormalizesPlainError(t *testing.T) {
	m := NewManager(nil, nil)
	h, _ := m.Create("sess-1", "fs")

	h.Fail(errors.New("boom"))

	j, _ := m.Get(h.ID())
	if j.Err == nil || j.Err.Kind != model.KindInternal {
		t.Errorf("Err = %v, want Internal", j.Err)
	}
}

func TestHandle_Progress_OutOfRange(t *testing.T) {
	m := NewManager(nil, nil)
	h, _ := m.Create("sess-1", "fs")

	for _, p := range []int{-1, 101} {
		if err := h.Progress(p); !model.IsKind(err, model.KindInvalidInput) {
			t.Errorf("Progress(%d): err = %v, want InvalidInput", p, err)
		}
	}
	j, _ := m.Get(h.ID())
	if j.State != model.JobStatePending {
		t.Errorf("範囲外の進捗で状態が変わった: %s", j.State)
	}
}

func TestHandle_Log_AppendsWithoutMutatingOldSnapshots(t *testing.T) {
	m := NewManager(nil, nil)
	h, _ := m.Create("sess-1", "fs")

	h.Log("first")
	before, _ := m.Get(h.ID())
	h.Log("second")
	after, _ := m.Get(h.ID())

	if len(before.Logs) != 1 {
		t.Errorf("過去のスナップショットが変更された: %v", before.Logs)
	}
	if len(after.Logs) != 2 || after.Logs[1] != "second" {
		t.Errorf("Logs = %v", after.Logs)
	}
}

func TestManager_GetForSession_HidesOtherSessions(t *testing.T) {
	m := NewManager(nil, nil)
	h, _ := m.Create("owner", "fs")

	if _, ok := m.GetForSession(h.ID(), "owner"); !ok {
		t.Error("作成したセッションから取得できない")
	}
	if _, ok := m.GetForSession(h.ID(), "other"); ok {
		t.Error("他のセッションのジョブが取得できた")
	}
	if _, ok := m.GetForSession("missing", "owner"); ok {
		t.Error("存在しないジョブが取得できた")
	}
}

func TestManager_EvictTerminal(t *testing.T) {
	m := NewManager(nil, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	done, _ := m.Create("s", "fs")
	done.Complete(&model.PublishResult{})
	running, _ := m.Create("s", "fs")
	running.Start()

	now = now.Add(25 * time.Hour)
	recent, _ := m.Create("s", "fs")
	recent.Fail(errors.New("x"))

	if n := m.EvictTerminal(24 * time.Hour); n != 1 {
		t.Errorf("EvictTerminal = %d, want 1", n)
	}
	if _, ok := m.Get(done.ID()); ok {
		t.Error("古い完了ジョブが残っている")
	}
	if _, ok := m.Get(running.ID()); !ok {
		t.Error("実行中のジョブが削除された")
	}
	if _, ok := m.Get(recent.ID()); !ok {
		t.Error("最近終了したジョブが削除された")
	}
}

func TestManager_ConcurrentReadsDuringUpdates(t *testing.T) {
	m := NewManager(nil, nil)
	h, _ := m.Create("s", "fs")
	h.Start()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for p := 0; p <= 100; p++ {
			h.Progress(p)
		}
		h.Complete(&model.PublishResult{})
	}()
	go func() {
		defer wg.Done()
		last := -1
		for range 1000 {
			j, _ := m.Get(h.ID())
			if j.State == model.JobStateInProgress && j.Progress < last {
				t.Errorf("進捗が逆行した: %d -> %d", last, j.Progress)
				return
			}
			last = j.Progress
		}
	}()
	wg.Wait()

	j, _ := m.Get(h.ID())
	if j.State != model.JobStateCompleted {
		t.Errorf("State = %s, want completed", j.State)
	}
}

func TestManager_EvictTerminal_CallsOnEvictForEvictedJobs(t *testing.T) {
	m := NewManager(nil, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	var evicted []model.Job
	m.OnEvict(func(j model.Job) {
		// 削除後に呼ばれるため、ここからManagerを参照してもデッドロックしない
		if _, ok := m.Get(j.ID); ok {
			t.Errorf("OnEvict時点でジョブ %s が残っている", j.ID)
		}
		evicted = append(evicted, j)
	})

	done, _ := m.Create("s", "gitlab")
	done.Complete(&model.PublishResult{})
	running, _ := m.Create("s", "gitlab")
	running.Start()

	now = now.Add(25 * time.Hour)
	if n := m.EvictTerminal(24 * time.Hour); n != 1 {
		t.Fatalf("EvictTerminal = %d, want 1", n)
	}
	if len(evicted) != 1 || evicted[0].ID != done.ID() || evicted[0].HostingConnectorID != "gitlab" {
		t.Errorf("evicted = %+v, want [%s]", evicted, done.ID())
	}

	// 2回目は対象がないので呼ばれない
	evicted = nil
	m.EvictTerminal(24 * time.Hour)
	if len(evicted) != 0 {
		t.Errorf("evicted = %+v, want none", evicted)
	}
}
