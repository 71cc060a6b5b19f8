package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/sitepress/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteConnectorError はエラーをConnectorErrorに正規化し、対応するステータスで書き込む。
// Internalは詳細をログにのみ出力する。
func WriteConnectorError(w http.ResponseWriter, logger *slog.Logger, err error) {
	ce := model.AsConnectorError(err)
	if ce == nil {
		WriteInternalServerError(w)
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	status := ce.HTTPStatus()
	if status >= http.StatusInternalServerError {
		level := slog.LevelWarn
		if ce.Kind == model.KindInternal {
			level = slog.LevelError
		}
		logger.Log(context.Background(), level, "connector operation failed",
			slog.String("op", ce.Op),
			slog.String("kind", string(ce.Kind)),
			slog.String("error", ce.Error()),
		)
	}
	WriteErrorResponse(w, status, ce.ToAPIError())
}
