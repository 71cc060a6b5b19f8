package model

import "time"

// JobState はジョブの状態。
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateInProgress JobState = "in_progress"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// Terminal は終端状態かどうかを返す。終端状態からは遷移しない。
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Job は非同期で実行される公開処理の状態スナップショット。
// 値として受け渡し、共有はしない。
type Job struct {
	ID                 string
	SessionID          string
	HostingConnectorID string
	State              JobState
	Progress           int // 0-100。InProgressのときのみ意味を持つ
	Result             *PublishResult
	Err                *ConnectorError
	Logs               []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
