package sora

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// 哨兵错误：调用方按 errors.Is 分类处理
var (
	ErrNoEligibleToken = errors.New("no eligible token")
	ErrInvalidModel    = errors.New("invalid model")
	ErrTimeout         = errors.New("upstream timeout")
	ErrCancelled       = errors.New("task cancelled")
)

// UpstreamError carries the status and decoded error body of a non-2xx
// upstream response.
type UpstreamError struct {
	StatusCode int
	Code       string // e.g. "unsupported_country_code"
	Message    string
	Body       string // truncated raw body for logs
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sora upstream error: %d %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("sora upstream error: %d %s", e.StatusCode, e.Body)
}

// IsAuthError 401，可能触发账号自动禁用
func (e *UpstreamError) IsAuthError() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsUnavailable 403/429：上游封锁信号，立即上抛，不重试不计入错误数
func (e *UpstreamError) IsUnavailable() bool {
	return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusTooManyRequests
}

// IsSentinelRejection 判定 /nf/create 的 400 类失败是否为哨兵令牌失效，
// 用于触发一次缓存失效 + 重试。
func (e *UpstreamError) IsSentinelRejection() bool {
	if e.StatusCode < 400 || e.StatusCode >= 500 {
		return false
	}
	if e.IsUnavailable() {
		return false
	}
	text := strings.ToLower(e.Message + " " + e.Body)
	return strings.Contains(text, "sentinel") ||
		strings.Contains(text, "invalid") ||
		e.StatusCode == http.StatusBadRequest
}

func (e *UpstreamError) IsCountryUnsupported() bool {
	return e.Code == "unsupported_country_code"
}

// AsUpstreamError unwraps err into *UpstreamError if possible.
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// CountsAgainstToken reports whether err should increment the owning token's
// error counter. Blocking signals and caller mistakes do not.
func CountsAgainstToken(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrNoEligibleToken) || errors.Is(err, ErrInvalidModel) {
		return false
	}
	if ue, ok := AsUpstreamError(err); ok && ue.IsUnavailable() {
		return false
	}
	return true
}
