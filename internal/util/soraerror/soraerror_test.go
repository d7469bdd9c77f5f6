//go:build unit

package soraerror

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCodeAndMessage(t *testing.T) {
	cases := []struct {
		name        string
		body        string
		wantCode    string
		wantMessage string
	}{
		{"nested error", `{"error":{"code":"rate_limited","message":"slow down"}}`, "rate_limited", "slow down"},
		{"flat", `{"code":"bad","message":"broken"}`, "bad", "broken"},
		{"detail fallback", `{"detail":"not found"}`, "", "not found"},
		{"empty", "", "", ""},
		{"non json", "<html>oops</html>", "", "<html>oops</html>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, message := ExtractCodeAndMessage([]byte(tc.body))
			assert.Equal(t, tc.wantCode, code)
			assert.Equal(t, tc.wantMessage, message)
		})
	}
}

func TestIsCloudflareChallengeResponse(t *testing.T) {
	headers := http.Header{}
	headers.Set("cf-mitigated", "challenge")
	assert.True(t, IsCloudflareChallengeResponse(403, headers, nil))

	// 非 403/429 一律不是挑战
	assert.False(t, IsCloudflareChallengeResponse(500, headers, nil))

	body := []byte(`<html><head><title>Just a moment...</title></head></html>`)
	assert.True(t, IsCloudflareChallengeResponse(429, nil, body))

	assert.False(t, IsCloudflareChallengeResponse(403, nil, []byte(`{"error":{"message":"denied"}}`)))
}

func TestFormatChallengeMessage(t *testing.T) {
	headers := http.Header{}
	headers.Set("cf-ray", "8abc123-SJC")
	require.Equal(t, "cloudflare challenge (cf-ray: 8abc123-SJC)",
		FormatChallengeMessage("cloudflare challenge", headers, nil))
	require.Equal(t, "cloudflare challenge",
		FormatChallengeMessage("cloudflare challenge", nil, nil))
}

func TestExtractCloudflareRayIDFromBody(t *testing.T) {
	body := []byte("blocked, cf-ray: 8def456-LAX something")
	require.Equal(t, "8def456-LAX", ExtractCloudflareRayID(nil, body))
	require.Equal(t, "", ExtractCloudflareRayID(nil, []byte("no ray here")))
}

func TestTruncateBody(t *testing.T) {
	long := strings.Repeat("a", 600)
	got := TruncateBody([]byte(long), 512)
	require.True(t, strings.HasSuffix(got, "...(truncated)"))
	require.Len(t, got, 512+len("...(truncated)"))

	require.Equal(t, "short", TruncateBody([]byte("  short  "), 512))
}
