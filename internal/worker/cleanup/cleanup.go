// Package cleanup は期限切れデータの定期削除ジョブを提供する。
// 期限切れセッション、未使用のOAuth state、保持期間を過ぎた終了済み公開ジョブを
// 一定間隔で削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionSweeper は期限切れセッションを削除する。session.Serviceが満たす。
type SessionSweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// StateSweeper は期限切れのOAuth stateを削除する。oauth.StateStoreが満たす。
type StateSweeper interface {
	Sweep() int
}

// JobEvictor は終了済みジョブを削除する。job.Managerが満たす。
type JobEvictor interface {
	EvictTerminal(olderThan time.Duration) int
}

// CleanupJob は期限切れデータの削除ジョブ。
// 各削除処理は冪等で、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions SessionSweeper
	states   StateSweeper // nil可（OAuthコネクタが無効な構成）
	jobs     JobEvictor
	logger   *slog.Logger

	JobRetention time.Duration // 終了済みジョブの保持期間（デフォルト: 1時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions SessionSweeper, states StateSweeper, jobs JobEvictor, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		sessions:     sessions,
		states:       states,
		jobs:         jobs,
		logger:       logger,
		JobRetention: time.Hour,
	}
}

// Run は1回分の削除を実行する。
// セッション削除に失敗しても残りの削除は実行し、エラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	var sessionErr error
	var deletedSessions int64
	if j.sessions != nil {
		n, err := j.sessions.DeleteExpired(ctx)
		if err != nil {
			j.logger.Error("期限切れセッションの削除に失敗しました",
				slog.String("error", err.Error()),
			)
			sessionErr = fmt.Errorf("期限切れセッションの削除に失敗: %w", err)
		}
		deletedSessions = n
	}

	var deletedStates int
	if j.states != nil {
		deletedStates = j.states.Sweep()
	}

	var evictedJobs int
	if j.jobs != nil {
		evictedJobs = j.jobs.EvictTerminal(j.JobRetention)
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_sessions", deletedSessions),
		slog.Int("deleted_oauth_states", deletedStates),
		slog.Int("evicted_jobs", evictedJobs),
		slog.Duration("job_retention", j.JobRetention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return sessionErr
}

// Start はinterval間隔でRunを実行する。コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			// エラーはRun内でログ出力済み
			_ = j.Run(ctx)
		}
	}
}
