//go:build unit

package sora

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(upstream UpstreamClient) *Client {
	sentinel := NewSentinelService("https://sentinel.test/req", upstream, nil)
	return NewClient("https://sora.test/backend", 5*time.Second, upstream, sentinel)
}

func TestGenerateVideoRetriesOnceOnSentinelRejection(t *testing.T) {
	var mu sync.Mutex
	createCalls := 0
	upstream := &stubUpstream{}
	upstream.handle = func(req *http.Request) *http.Response {
		if req.URL.Host == "sentinel.test" {
			return jsonResponse(200, sentinelChallengeBody)
		}
		mu.Lock()
		createCalls++
		n := createCalls
		mu.Unlock()
		if n == 1 {
			return jsonResponse(400, `{"error":{"message":"invalid sentinel token"}}`)
		}
		return jsonResponse(200, `{"id":"task_123"}`)
	}
	client := newTestClient(upstream)

	id, err := client.GenerateVideo(context.Background(), RequestOptions{AccessToken: "at-1"},
		"a cat surfing", "landscape", 300, "")
	require.NoError(t, err)
	assert.Equal(t, "task_123", id)
	// 失效重试恰好一次：两次 create，两次铸造
	assert.Equal(t, 2, createCalls)
	assert.Equal(t, 2, upstream.countPath("/req"))
}

func TestGenerateVideoDoesNotRetryWhenBlocked(t *testing.T) {
	upstream := &stubUpstream{}
	upstream.handle = func(req *http.Request) *http.Response {
		if req.URL.Host == "sentinel.test" {
			return jsonResponse(200, sentinelChallengeBody)
		}
		return jsonResponse(403, `{"error":{"message":"unsupported","code":"unsupported_country_code"}}`)
	}
	client := newTestClient(upstream)

	_, err := client.GenerateVideo(context.Background(), RequestOptions{AccessToken: "at-1"},
		"a cat surfing", "landscape", 300, "")
	require.Error(t, err)
	ue, ok := AsUpstreamError(err)
	require.True(t, ok)
	assert.Equal(t, 403, ue.StatusCode)
	assert.True(t, ue.IsCountryUnsupported())
	// 403 立即上抛，不消耗第二次 create
	assert.Equal(t, 1, upstream.countPath("/nf/create"))
}

func TestNfCreateRequestHeaders(t *testing.T) {
	upstream := &stubUpstream{}
	upstream.handle = func(req *http.Request) *http.Response {
		if req.URL.Host == "sentinel.test" {
			return jsonResponse(200, sentinelChallengeBody)
		}
		return jsonResponse(200, `{"id":"task_1"}`)
	}
	client := newTestClient(upstream)

	_, err := client.GenerateVideo(context.Background(), RequestOptions{AccessToken: "at-9"},
		"prompt", "portrait", 450, "")
	require.NoError(t, err)

	var createReq *http.Request
	for _, req := range upstream.seen {
		if req.URL.Path == "/backend/nf/create" {
			createReq = req
		}
	}
	require.NotNil(t, createReq)
	assert.Equal(t, "Bearer at-9", createReq.Header.Get("Authorization"))
	assert.NotEmpty(t, createReq.Header.Get("OpenAI-Sentinel-Token"))
	assert.NotEmpty(t, createReq.Header.Get("OAI-Device-Id"))
	// UA 必须与哨兵铸造时一致
	assert.Equal(t, sentinelUserAgent, createReq.Header.Get("User-Agent"))
}

func TestGetUserInfoSendsBearer(t *testing.T) {
	upstream := &stubUpstream{}
	upstream.handle = func(req *http.Request) *http.Response {
		return jsonResponse(200, `{"email":"user@example.com","plan_type":"pro"}`)
	}
	client := newTestClient(upstream)

	info, err := client.GetUserInfo(context.Background(), RequestOptions{AccessToken: "at-5"})
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", info["email"])

	require.Len(t, upstream.seen, 1)
	req := upstream.seen[0]
	assert.Equal(t, "/backend/me", req.URL.Path)
	assert.Equal(t, "Bearer at-5", req.Header.Get("Authorization"))
	// 伪造的 cf_clearance 随请求携带
	cookie, err := req.Cookie("cf_clearance")
	require.NoError(t, err)
	assert.NotEmpty(t, cookie.Value)
}

func TestGetPendingTasksShapes(t *testing.T) {
	bodies := []string{
		`[{"id":"task_1","progress_pct":0.5}]`,
		`{"items":[{"id":"task_1","progress_pct":0.5}]}`,
		`{"data":[{"id":"task_1","progress_pct":0.5}]}`,
	}
	for _, body := range bodies {
		upstream := &stubUpstream{}
		upstream.handle = func(*http.Request) *http.Response { return jsonResponse(200, body) }
		client := newTestClient(upstream)

		tasks, err := client.GetPendingTasks(context.Background(), RequestOptions{AccessToken: "at"})
		require.NoError(t, err, "body %s", body)
		require.Len(t, tasks, 1)
		assert.Equal(t, "task_1", tasks[0]["id"])
	}
}

func TestDoRequestUpstreamError(t *testing.T) {
	upstream := &stubUpstream{}
	upstream.handle = func(*http.Request) *http.Response {
		return jsonResponse(500, `{"error":{"message":"internal","code":"server_error"}}`)
	}
	client := newTestClient(upstream)

	_, err := client.GetUserInfo(context.Background(), RequestOptions{AccessToken: "at"})
	require.Error(t, err)
	ue, ok := AsUpstreamError(err)
	require.True(t, ok)
	assert.Equal(t, 500, ue.StatusCode)
	assert.Equal(t, "internal", ue.Message)
	assert.Equal(t, "server_error", ue.Code)
}
