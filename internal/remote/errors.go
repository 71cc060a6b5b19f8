package remote

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/hitoshi/sitepress/internal/model"
)

// maxMessageLen はエラーメッセージとして保持するプロバイダー応答の最大長。
const maxMessageLen = 512

// mapStatus は4xx/5xxレスポンスをConnectorErrorに変換する。
// 401と429はDo側で処理済みの前提。
func mapStatus(op, resource string, resp *Response) error {
	msg := providerMessage(resp)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return model.NewNotAuthenticatedError(op, nil)
	case resp.StatusCode == http.StatusForbidden:
		return model.NewNotAuthorizedError(op, resource)
	case resp.StatusCode == http.StatusNotFound:
		return model.NewNotFoundError(op, resource)
	case resp.StatusCode >= 500:
		return model.NewRemoteAPIFailureError(op, resp.StatusCode, msg)
	default:
		return model.NewInvalidInputError(op, msg)
	}
}

// providerMessage はプロバイダーのエラー応答から人が読めるメッセージを取り出す。
// message / error / error_description の順に探し、見つからなければボディ先頭かステータス文言を使う。
func providerMessage(resp *Response) string {
	if resp == nil {
		return ""
	}
	var payload map[string]any
	if err := json.Unmarshal(resp.Body, &payload); err == nil {
		for _, key := range []string{"message", "error_description", "error"} {
			if v, ok := payload[key]; ok {
				if s := stringifyMessage(v); s != "" {
					return truncate(s)
				}
			}
		}
	}
	if body := strings.TrimSpace(string(resp.Body)); body != "" && !strings.HasPrefix(body, "<") {
		return truncate(body)
	}
	return http.StatusText(resp.StatusCode)
}

// stringifyMessage は文字列以外（GitLabのバリデーションエラーのようなオブジェクト）も文字列化する。
func stringifyMessage(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func truncate(s string) string {
	if len(s) <= maxMessageLen {
		return s
	}
	return s[:maxMessageLen] + "..."
}
