//go:build unit

package sora

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// stubUpstream 按 handle 回调应答，记录全部请求。
type stubUpstream struct {
	mu     sync.Mutex
	seen   []*http.Request
	handle func(req *http.Request) *http.Response
}

var _ UpstreamClient = (*stubUpstream)(nil)

func (s *stubUpstream) Do(req *http.Request, _ TransportOptions) (*http.Response, error) {
	s.mu.Lock()
	s.seen = append(s.seen, req)
	s.mu.Unlock()
	return s.handle(req), nil
}

func (s *stubUpstream) countPath(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.seen {
		if strings.Contains(req.URL.Path, path) {
			n++
		}
	}
	return n
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

const sentinelChallengeBody = `{"token":"chal-token","turnstile":{"dx":"dx-blob"},"proofofwork":{"required":false}}`

func TestSentinelGetCachesToken(t *testing.T) {
	upstream := &stubUpstream{handle: func(*http.Request) *http.Response {
		return jsonResponse(200, sentinelChallengeBody)
	}}
	svc := NewSentinelService("https://sentinel.test/req", upstream, nil)

	tok, err := svc.Get(context.Background(), SentinelOptions{}, false)
	require.NoError(t, err)

	header := gjson.Parse(tok.Header)
	assert.Equal(t, sentinelCreateFlow, header.Get("flow").String())
	assert.Equal(t, "chal-token", header.Get("c").String())
	assert.Equal(t, "dx-blob", header.Get("t").String())
	assert.True(t, strings.HasSuffix(header.Get("p").String(), "~S"))
	assert.Equal(t, tok.DeviceID, header.Get("id").String())
	assert.Equal(t, sentinelUserAgent, tok.UserAgent)

	// 第二次命中缓存，不再请求上游
	again, err := svc.Get(context.Background(), SentinelOptions{}, false)
	require.NoError(t, err)
	assert.Equal(t, tok.Header, again.Header)
	assert.Len(t, upstream.seen, 1)
}

func TestSentinelConcurrentGetMintsOnce(t *testing.T) {
	// 上游放慢应答，放大并发窗口
	gate := make(chan struct{})
	upstream := &stubUpstream{handle: func(*http.Request) *http.Response {
		<-gate
		return jsonResponse(200, sentinelChallengeBody)
	}}
	svc := NewSentinelService("https://sentinel.test/req", upstream, nil)

	const n = 16
	var (
		wg      sync.WaitGroup
		entered sync.WaitGroup
		mu      sync.Mutex
		headers = make(map[string]struct{})
	)
	wg.Add(n)
	entered.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			entered.Done()
			tok, err := svc.Get(context.Background(), SentinelOptions{}, false)
			assert.NoError(t, err)
			mu.Lock()
			headers[tok.Header] = struct{}{}
			mu.Unlock()
		}()
	}
	// 等全部并发方就位后再放行上游应答
	entered.Wait()
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	// 并发刷新合并为一次铸造，所有调用方拿到同一个令牌
	assert.Len(t, upstream.seen, 1)
	assert.Len(t, headers, 1)
}

func TestSentinelInvalidateForcesRemint(t *testing.T) {
	upstream := &stubUpstream{handle: func(*http.Request) *http.Response {
		return jsonResponse(200, sentinelChallengeBody)
	}}
	svc := NewSentinelService("https://sentinel.test/req", upstream, nil)

	first, err := svc.Get(context.Background(), SentinelOptions{}, false)
	require.NoError(t, err)

	svc.Invalidate()
	second, err := svc.Get(context.Background(), SentinelOptions{}, false)
	require.NoError(t, err)

	assert.Len(t, upstream.seen, 2)
	// 每次铸造使用新的请求 ID
	assert.NotEqual(t, first.DeviceID, second.DeviceID)
}

func TestSentinelChallengeFailure(t *testing.T) {
	upstream := &stubUpstream{handle: func(*http.Request) *http.Response {
		return jsonResponse(403, `{"error":{"message":"blocked"}}`)
	}}
	svc := NewSentinelService("https://sentinel.test/req", upstream, nil)

	_, err := svc.Get(context.Background(), SentinelOptions{}, false)
	require.Error(t, err)
	ue, ok := AsUpstreamError(err)
	require.True(t, ok)
	assert.Equal(t, 403, ue.StatusCode)
	assert.Equal(t, "blocked", ue.Message)
}

func TestBuildSentinelHeaderSolvesChallenge(t *testing.T) {
	challenge := []byte(`{"token":"c1","turnstile":{"dx":"t1"},"proofofwork":{"required":true,"seed":"abc","difficulty":"ffffff"}}`)
	header, err := buildSentinelHeader(sentinelCreateFlow, "req-1", "gAAAAACunused", challenge, sentinelUserAgent)
	require.NoError(t, err)

	p := gjson.Get(header, "p").String()
	// 求解成功的答案使用 gAAAAAB 前缀并以 ~S 收尾
	assert.True(t, strings.HasPrefix(p, "gAAAAAB"))
	assert.True(t, strings.HasSuffix(p, "~S"))
	assert.Equal(t, "req-1", gjson.Get(header, "id").String())
}

func TestBuildSentinelHeaderWithoutPow(t *testing.T) {
	header, err := buildSentinelHeader(sentinelCreateFlow, "req-2", "gAAAAACinitial", []byte(`{"token":"c2"}`), sentinelUserAgent)
	require.NoError(t, err)
	assert.Equal(t, "gAAAAACinitial~S", gjson.Get(header, "p").String())
	assert.Equal(t, "c2", gjson.Get(header, "c").String())
}
