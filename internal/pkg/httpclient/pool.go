// Package httpclient 提供共享 HTTP 客户端池。
//
// 相同配置复用同一 http.Client 实例，复用 Transport 连接池，减少 TCP/TLS
// 握手开销。支持 HTTP/HTTPS/SOCKS5/SOCKS5H 代理，可选 Chrome TLS 指纹拨号。
// 代理配置失败时直接返回错误，不会回退到直连（避免 IP 关联风险）。
package httpclient

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/Han-Qiu/sora2api/internal/pkg/tlsfingerprint"
)

const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// Options 定义共享 HTTP 客户端的构建参数。
type Options struct {
	ProxyURL string        // 代理 URL（支持 http/https/socks5/socks5h）
	Timeout  time.Duration // 请求总超时时间
	// ImpersonateProfile 非空时，对 HTTPS 连接使用对应 Chrome ClientHello 指纹
	ImpersonateProfile string
	InsecureSkipVerify bool
}

var sharedClients sync.Map

// GetClient 返回共享的 HTTP 客户端实例。
func GetClient(opts Options) (*http.Client, error) {
	key := buildClientKey(opts)
	if cached, ok := sharedClients.Load(key); ok {
		if client, ok := cached.(*http.Client); ok {
			return client, nil
		}
	}

	client, err := buildClient(opts)
	if err != nil {
		return nil, err
	}
	actual, _ := sharedClients.LoadOrStore(key, client)
	if c, ok := actual.(*http.Client); ok {
		return c, nil
	}
	return client, nil
}

func buildClient(opts Options) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
	}
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var proxyURL *url.URL
	if raw := strings.TrimSpace(opts.ProxyURL); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		proxyURL = parsed
	}

	if opts.ImpersonateProfile != "" {
		// 指纹拨号器自行处理代理隧道，Transport 不再设置 Proxy
		profile := tlsfingerprint.ProfileByName(opts.ImpersonateProfile)
		transport.DialTLSContext = tlsfingerprint.ForProxy(profile, proxyURL).DialTLSContext
		// utls 接管了 TLS，禁用 Transport 自带的 HTTP/2 升级
		transport.ForceAttemptHTTP2 = false
		if proxyURL != nil {
			// 纯 HTTP 请求（极少数路径）仍走代理
			if err := configureTransportProxy(transport, proxyURL); err != nil {
				return nil, err
			}
		}
	} else if proxyURL != nil {
		if err := configureTransportProxy(transport, proxyURL); err != nil {
			return nil, err
		}
	}

	return &http.Client{Transport: transport, Timeout: opts.Timeout}, nil
}

func configureTransportProxy(transport *http.Transport, proxyURL *url.URL) error {
	switch proxyURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(proxyURL)
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
		}
		addr := proxyURL.Host
		if proxyURL.Port() == "" {
			addr = proxyURL.Hostname() + ":1080"
		}
		dialer, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
		if err != nil {
			return fmt.Errorf("create SOCKS5 dialer: %w", err)
		}
		if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = ctxDialer.DialContext
		} else {
			return fmt.Errorf("SOCKS5 dialer does not support context")
		}
	default:
		return fmt.Errorf("unsupported proxy scheme: %s", proxyURL.Scheme)
	}
	return nil
}

func buildClientKey(opts Options) string {
	return fmt.Sprintf("%s|%s|%s|%t",
		strings.TrimSpace(opts.ProxyURL),
		opts.Timeout.String(),
		opts.ImpersonateProfile,
		opts.InsecureSkipVerify,
	)
}
