package sora

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/singleflight"

	"github.com/Han-Qiu/sora2api/internal/util/soraerror"
)

const (
	// sentinelCreateFlow 是 /nf/create 等生成端点要求的最终 flow
	sentinelCreateFlow = "sora_2_create_task__auto"
	// sentinelInitFlow 是挑战请求使用的 flow
	sentinelInitFlow = "sora_init"
	// sentinelUserAgent 必须与 PoW 配置里的 UA 完全一致，上游会交叉校验
	sentinelUserAgent = "Mozilla/5.0 (Linux; Android 6.0; Nexus 5 Build/MRA58N) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Mobile Safari/537.36"

	sentinelChallengeTimeout = 10 * time.Second
	sentinelCacheTTL         = 3 * time.Minute
)

// SdkInvoker 是可选的 JS SDK 令牌通道（无头浏览器或外部驱动）。
// 未配置时走手动 PoW 兜底，这也是默认路径。
type SdkInvoker interface {
	Token(ctx context.Context, flow, deviceID string) (string, error)
}

// SentinelToken 是一次铸造的结果。DeviceID 与 UserAgent 必须与后续
// /nf/create 请求保持一致，否则上游拒绝。
type SentinelToken struct {
	Header    string // openai-sentinel-token 头的值
	DeviceID  string
	UserAgent string
}

// SentinelOptions configures a single mint attempt.
type SentinelOptions struct {
	// ProxyURL 铸造流量走的代理（PoW 代理），与业务代理独立配置
	ProxyURL string
}

// SentinelService mints and caches the anti-bot token required by generation
// endpoints. One token is cached per process; concurrent refreshes collapse
// into a single in-flight mint.
type SentinelService struct {
	challengeURL string
	invoker      SdkInvoker
	upstream     UpstreamClient

	mu     sync.Mutex
	cached *sentinelEntry
	group  singleflight.Group
}

type sentinelEntry struct {
	token     SentinelToken
	expiresAt time.Time
}

// NewSentinelService creates the service. invoker may be nil.
func NewSentinelService(challengeURL string, upstream UpstreamClient, invoker SdkInvoker) *SentinelService {
	if challengeURL == "" {
		challengeURL = "https://chatgpt.com/backend-api/sentinel/req"
	}
	return &SentinelService{
		challengeURL: challengeURL,
		invoker:      invoker,
		upstream:     upstream,
	}
}

// Get returns the cached token, minting a fresh one when absent, expired, or
// forceRefresh is set. Concurrent callers share a single mint.
func (s *SentinelService) Get(ctx context.Context, opts SentinelOptions, forceRefresh bool) (SentinelToken, error) {
	if !forceRefresh {
		s.mu.Lock()
		if s.cached != nil && time.Now().Before(s.cached.expiresAt) {
			token := s.cached.token
			s.mu.Unlock()
			return token, nil
		}
		s.mu.Unlock()
	}

	v, err, _ := s.group.Do("sentinel", func() (any, error) {
		token, err := s.mint(ctx, opts)
		if err != nil {
			return SentinelToken{}, err
		}
		s.mu.Lock()
		s.cached = &sentinelEntry{token: token, expiresAt: time.Now().Add(sentinelCacheTTL)}
		s.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return SentinelToken{}, err
	}
	return v.(SentinelToken), nil
}

// Invalidate drops the cached token. 在 /nf/create 返回 400 类错误后调用。
func (s *SentinelService) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

func (s *SentinelService) mint(ctx context.Context, opts SentinelOptions) (SentinelToken, error) {
	if s.invoker != nil {
		deviceID := uuid.NewString()
		header, err := s.invoker.Token(ctx, sentinelCreateFlow, deviceID)
		if err == nil && header != "" {
			if id := gjson.Get(header, "id").String(); id != "" {
				deviceID = id
			}
			return SentinelToken{Header: header, DeviceID: deviceID, UserAgent: RandomDesktopUA()}, nil
		}
		if ue, ok := AsUpstreamError(err); ok && ue.IsUnavailable() {
			return SentinelToken{}, err
		}
		// SDK 通道失败降级到手动 PoW
	}
	return s.mintManual(ctx, opts)
}

// sentinelPayload 按上游 SDK 的序列化顺序拼字段，写入顺序即输出顺序。
func sentinelPayload(fields ...[2]string) string {
	body := ""
	for _, f := range fields {
		body, _ = sjson.Set(body, f[0], f[1])
	}
	return body
}

// mintManual 走 PoW 挑战：先自发一个 gAAAAAC 令牌请求挑战，再按需求解
// 上游下发的 seed/difficulty，拼出最终 openai-sentinel-token。
func (s *SentinelService) mintManual(ctx context.Context, opts SentinelOptions) (SentinelToken, error) {
	reqID := uuid.NewString()
	powToken := InitialPowToken(sentinelUserAgent)

	initBody := sentinelPayload(
		[2]string{"p", powToken},
		[2]string{"id", reqID},
		[2]string{"flow", sentinelInitFlow},
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.challengeURL, strings.NewReader(initBody))
	if err != nil {
		return SentinelToken{}, err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	req.Header.Set("Origin", "https://chatgpt.com")
	req.Header.Set("Referer", "https://chatgpt.com/backend-api/sentinel/frame.html")
	// UA 携带初始令牌本体，上游以此关联挑战
	req.Header.Set("User-Agent", sentinelUserAgent+" "+initBody)
	req.Header.Set("sec-ch-ua", `"Not(A:Brand";v="8", "Chromium";v="131", "Google Chrome";v="131"`)
	req.Header.Set("sec-ch-ua-mobile", "?1")
	req.Header.Set("sec-ch-ua-platform", `"Android"`)

	resp, err := s.upstream.Do(req, TransportOptions{
		ProxyURL:    opts.ProxyURL,
		Impersonate: "chrome131",
		Timeout:     sentinelChallengeTimeout,
	})
	if err != nil {
		return SentinelToken{}, fmt.Errorf("sentinel challenge: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseSize))
	if err != nil {
		return SentinelToken{}, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		code, message := soraerror.ExtractCodeAndMessage(data)
		return SentinelToken{}, &UpstreamError{
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    message,
			Body:       soraerror.TruncateBody(data, 512),
		}
	}

	header, err := buildSentinelHeader(sentinelCreateFlow, reqID, powToken, data, sentinelUserAgent)
	if err != nil {
		return SentinelToken{}, err
	}
	return SentinelToken{Header: header, DeviceID: reqID, UserAgent: sentinelUserAgent}, nil
}

// buildSentinelHeader assembles the final token from the challenge response.
func buildSentinelHeader(flow, reqID, powToken string, challenge []byte, userAgent string) (string, error) {
	finalPow := powToken
	root := gjson.ParseBytes(challenge)
	if root.Get("proofofwork.required").Bool() {
		seed := root.Get("proofofwork.seed").String()
		difficulty := root.Get("proofofwork.difficulty").String()
		if seed != "" && difficulty != "" {
			// 求解失败时 answer 为约定的错误令牌，仍然上送
			answer, _ := SolvePow(seed, difficulty, NewPowConfig(userAgent))
			finalPow = "gAAAAAB" + answer
		}
	}
	if !strings.HasSuffix(finalPow, "~S") {
		finalPow += "~S"
	}

	return sentinelPayload(
		[2]string{"p", finalPow},
		[2]string{"t", root.Get("turnstile.dx").String()},
		[2]string{"c", root.Get("token").String()},
		[2]string{"id", reqID},
		[2]string{"flow", flow},
	), nil
}
