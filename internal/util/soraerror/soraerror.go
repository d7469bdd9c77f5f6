// Package soraerror 识别上游错误响应：Cloudflare 拦截页、结构化错误体提取。
package soraerror

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	cfRayPattern  = regexp.MustCompile(`(?i)cf-ray[:\s=]+([a-z0-9-]+)`)
	htmlChallenge = []string{
		"window._cf_chl_opt",
		"just a moment",
		"enable javascript and cookies to continue",
		"__cf_chl_",
		"challenge-platform",
	}
)

// IsCloudflareChallengeResponse reports whether the response looks like a
// Cloudflare challenge rather than an application-level error.
func IsCloudflareChallengeResponse(statusCode int, headers http.Header, body []byte) bool {
	if statusCode != http.StatusForbidden && statusCode != http.StatusTooManyRequests {
		return false
	}
	if headers != nil && strings.EqualFold(strings.TrimSpace(headers.Get("cf-mitigated")), "challenge") {
		return true
	}

	preview := strings.ToLower(TruncateBody(body, 4096))
	for _, marker := range htmlChallenge {
		if strings.Contains(preview, marker) {
			return true
		}
	}

	contentType := ""
	if headers != nil {
		contentType = strings.ToLower(strings.TrimSpace(headers.Get("content-type")))
	}
	return strings.Contains(contentType, "text/html") &&
		(strings.Contains(preview, "<html") || strings.Contains(preview, "<!doctype html")) &&
		(strings.Contains(preview, "cloudflare") || strings.Contains(preview, "challenge"))
}

// ExtractCloudflareRayID extracts cf-ray from headers or the body preview.
func ExtractCloudflareRayID(headers http.Header, body []byte) string {
	if headers != nil {
		if rayID := strings.TrimSpace(headers.Get("cf-ray")); rayID != "" {
			return rayID
		}
	}
	if matches := cfRayPattern.FindStringSubmatch(TruncateBody(body, 8192)); len(matches) >= 2 {
		return strings.TrimSpace(matches[1])
	}
	return ""
}

// FormatChallengeMessage appends cf-ray info when available.
func FormatChallengeMessage(base string, headers http.Header, body []byte) string {
	rayID := ExtractCloudflareRayID(headers, body)
	if rayID == "" {
		return base
	}
	return fmt.Sprintf("%s (cf-ray: %s)", base, rayID)
}

// ExtractCodeAndMessage pulls an error code and message out of the common
// upstream JSON layouts ({"error":{"code","message"}} or flat).
func ExtractCodeAndMessage(body []byte) (code, message string) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "", ""
	}
	if !gjson.Valid(trimmed) {
		return "", truncate(trimmed, 256)
	}

	root := gjson.Parse(trimmed)
	code = firstNonEmpty(
		root.Get("error.code").String(),
		root.Get("code").String(),
	)
	message = firstNonEmpty(
		root.Get("error.message").String(),
		root.Get("message").String(),
		root.Get("error.detail").String(),
		root.Get("detail").String(),
	)
	return strings.TrimSpace(code), truncate(strings.TrimSpace(message), 512)
}

// TruncateBody truncates body text for logging and inspection.
func TruncateBody(body []byte, max int) string {
	if max <= 0 {
		max = 512
	}
	raw := strings.TrimSpace(string(body))
	if len(raw) <= max {
		return raw
	}
	return raw[:max] + "...(truncated)"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
