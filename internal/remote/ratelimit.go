package remote

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// HeaderRetryAfter は待機秒数またはHTTP日付を表すヘッダー。
	HeaderRetryAfter = "Retry-After"
	// HeaderRateRemaining はGitLabが返す残りリクエスト数のヘッダー。
	HeaderRateRemaining = "RateLimit-Remaining"
	// HeaderXRateRemaining は互換用の残りリクエスト数ヘッダー。
	HeaderXRateRemaining = "X-RateLimit-Remaining"
)

// isRateLimited はレスポンスがレート制限を示すかを判定する。
// 429、または残数0の403をレート制限とみなす。
func isRateLimited(resp *Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if resp.StatusCode == http.StatusForbidden {
		for _, h := range []string{HeaderRateRemaining, HeaderXRateRemaining} {
			if v := strings.TrimSpace(resp.Header.Get(h)); v == "0" {
				return true
			}
		}
	}
	return false
}

// rateLimitWait は次の再送までの待機時間を決める。
// Retry-Afterがあればそれを使い（BackoffMaxで頭打ち）、なければ指数バックオフ。
func (c *Client) rateLimitWait(resp *Response, attempt int) time.Duration {
	if d, ok := parseRetryAfter(resp.Header.Get(HeaderRetryAfter), time.Now()); ok {
		if d > c.cfg.BackoffMax {
			return c.cfg.BackoffMax
		}
		return d
	}
	return CalculateBackoff(c.cfg.BackoffBase, c.cfg.BackoffMax, attempt)
}

// CalculateBackoff はattempt回目（0始まり）の待機時間を計算する。
// base × 2^attempt、最大maxDelay。
func CalculateBackoff(base, maxDelay time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// parseRetryAfter はRetry-Afterヘッダー（秒数またはHTTP日付）を解釈する。
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
