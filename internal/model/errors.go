// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, connector, publication, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeNotAuthenticated = "NOT_AUTHENTICATED"
	ErrCodeNotAuthorized    = "NOT_AUTHORIZED"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeTransportFailure = "TRANSPORT_FAILURE"
	ErrCodeRemoteAPIFailure = "REMOTE_API_FAILURE"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeJobNotFound      = "JOB_NOT_FOUND"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
)

// NewJobNotFoundError はジョブ未検出エラーを生成する。
func NewJobNotFoundError(jobID string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("指定されたジョブが見つかりません: %s", jobID),
		Category: "publication",
		Action:   "ジョブIDを確認してください。",
	}
}

// NewInvalidRequestError はリクエスト形式の誤りを表すエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("無効なリクエストです: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}
