package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind はコネクタ操作の失敗種別を表す。閉じた集合として扱う。
type ErrorKind string

const (
	KindNotAuthenticated ErrorKind = "not_authenticated"
	KindNotAuthorized    ErrorKind = "not_authorized"
	KindNotFound         ErrorKind = "not_found"
	KindInvalidInput     ErrorKind = "invalid_input"
	KindTransportFailure ErrorKind = "transport_failure"
	KindRemoteAPIFailure ErrorKind = "remote_api_failure"
	KindInternal         ErrorKind = "internal"
)

// ConnectorError はコネクタ境界を越えるすべての失敗を表す。
// Opには失敗した操作名、Resourceには対象のパスやIDを入れる。
type ConnectorError struct {
	Kind     ErrorKind
	Op       string
	Resource string
	Reason   string
	Code     int    // RemoteAPIFailure時のプロバイダーのステータスコード
	Message  string // RemoteAPIFailure時のプロバイダーのメッセージ
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *ConnectorError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Resource != "" {
		fmt.Fprintf(&b, " (%s)", e.Resource)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " status=%d", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil && e.Reason == "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap は元のエラーを返す。
func (e *ConnectorError) Unwrap() error {
	return e.Err
}

// Is はKindが一致すれば同一とみなす。errors.Is(err, &ConnectorError{Kind: KindNotFound}) の形で使う。
func (e *ConnectorError) Is(target error) bool {
	t, ok := target.(*ConnectorError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewNotAuthenticatedError は未認証エラーを生成する。
func NewNotAuthenticatedError(op string, err error) *ConnectorError {
	return &ConnectorError{Kind: KindNotAuthenticated, Op: op, Err: err}
}

// NewNotAuthorizedError は権限不足エラーを生成する。
func NewNotAuthorizedError(op, resource string) *ConnectorError {
	return &ConnectorError{Kind: KindNotAuthorized, Op: op, Resource: resource}
}

// NewNotFoundError はリソース未検出エラーを生成する。
func NewNotFoundError(op, resource string) *ConnectorError {
	return &ConnectorError{Kind: KindNotFound, Op: op, Resource: resource}
}

// NewInvalidInputError は入力不正エラーを生成する。
func NewInvalidInputError(op, reason string) *ConnectorError {
	return &ConnectorError{Kind: KindInvalidInput, Op: op, Reason: reason}
}

// NewTransportFailureError は通信失敗エラーを生成する。
func NewTransportFailureError(op string, err error) *ConnectorError {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return &ConnectorError{Kind: KindTransportFailure, Op: op, Reason: reason, Err: err}
}

// NewRemoteAPIFailureError は外部APIのエラー応答を表すエラーを生成する。
func NewRemoteAPIFailureError(op string, code int, message string) *ConnectorError {
	return &ConnectorError{Kind: KindRemoteAPIFailure, Op: op, Code: code, Message: message}
}

// NewInternalError は内部エラーを生成する。
func NewInternalError(op string, err error) *ConnectorError {
	return &ConnectorError{Kind: KindInternal, Op: op, Err: err}
}

// IsKind はエラーチェーン中に指定種別のConnectorErrorがあるかを判定する。
func IsKind(err error, kind ErrorKind) bool {
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// AsConnectorError は任意のエラーをConnectorErrorに変換する。
// チェーン中にConnectorErrorがあればそれを返し、コンテキストの期限切れは
// TransportFailure、それ以外はInternalとして包む。キャンセルも通信の中断として扱う。
func AsConnectorError(err error) *ConnectorError {
	if err == nil {
		return nil
	}
	var ce *ConnectorError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewTransportFailureError("", err)
	}
	return NewInternalError("", err)
}

// HTTPStatus は境界層で返すHTTPステータスコードを返す。
func (e *ConnectorError) HTTPStatus() int {
	switch e.Kind {
	case KindNotAuthenticated:
		return http.StatusUnauthorized
	case KindNotAuthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindTransportFailure, KindRemoteAPIFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ToAPIError はUI向けの統一エラーフォーマットに変換する。
// Internalの詳細は外部に出さない。
func (e *ConnectorError) ToAPIError() *APIError {
	switch e.Kind {
	case KindNotAuthenticated:
		return &APIError{
			Code:     ErrCodeNotAuthenticated,
			Message:  "コネクタにログインしていません。",
			Category: "auth",
			Action:   "コネクタにログインしてから再度お試しください。",
		}
	case KindNotAuthorized:
		return &APIError{
			Code:     ErrCodeNotAuthorized,
			Message:  fmt.Sprintf("このリソースへのアクセス権限がありません: %s", e.Resource),
			Category: "auth",
			Action:   "アクセス権限を確認してください。",
		}
	case KindNotFound:
		return &APIError{
			Code:     ErrCodeNotFound,
			Message:  fmt.Sprintf("指定されたリソースが見つかりません: %s", e.Resource),
			Category: "connector",
			Action:   "パスやIDを確認してください。",
		}
	case KindInvalidInput:
		return &APIError{
			Code:     ErrCodeInvalidInput,
			Message:  fmt.Sprintf("入力内容が不正です: %s", e.Reason),
			Category: "validation",
			Action:   "入力内容を確認してください。",
		}
	case KindTransportFailure:
		return &APIError{
			Code:     ErrCodeTransportFailure,
			Message:  "外部サービスとの通信に失敗しました。",
			Category: "connector",
			Action:   "しばらく待ってから再度お試しください。",
		}
	case KindRemoteAPIFailure:
		return &APIError{
			Code:     ErrCodeRemoteAPIFailure,
			Message:  fmt.Sprintf("外部サービスがエラーを返しました (%d): %s", e.Code, e.Message),
			Category: "connector",
			Action:   "しばらく待ってから再度お試しください。解決しない場合は外部サービスの状態を確認してください。",
		}
	default:
		return &APIError{
			Code:     ErrCodeInternal,
			Message:  "内部エラーが発生しました。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		}
	}
}
