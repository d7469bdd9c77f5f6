// Package tlsfingerprint provides TLS fingerprint simulation for upstream HTTP clients.
// It uses the utls library to produce ClientHellos matching modern desktop Chrome,
// which the upstream's anti-bot layer fingerprints.
package tlsfingerprint

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

// Profile selects a Chrome ClientHello preset.
type Profile struct {
	// Name e.g. "chrome131"，用于日志与指纹池配对
	Name    string
	HelloID utls.ClientHelloID
}

var chromePresets = map[string]utls.ClientHelloID{
	"chrome120": utls.HelloChrome_120,
	"chrome123": utls.HelloChrome_120, // closest preset utls ships for 123/124
	"chrome124": utls.HelloChrome_120,
	"chrome131": utls.HelloChrome_131,
}

// ProfileByName resolves an impersonation name to a preset. Unknown names fall
// back to the newest Chrome preset so a stale pool entry cannot break dialing.
func ProfileByName(name string) *Profile {
	id, ok := chromePresets[name]
	if !ok {
		id = utls.HelloChrome_131
	}
	return &Profile{Name: name, HelloID: id}
}

// Dialer establishes fingerprinted TLS connections over a direct TCP dial.
type Dialer struct {
	profile    *Profile
	baseDialer func(ctx context.Context, network, addr string) (net.Conn, error)
}

// HTTPProxyDialer establishes fingerprinted TLS connections through an HTTP(S)
// proxy via a CONNECT tunnel.
type HTTPProxyDialer struct {
	profile  *Profile
	proxyURL *url.URL
}

// SOCKS5ProxyDialer establishes fingerprinted TLS connections through a SOCKS5 proxy.
type SOCKS5ProxyDialer struct {
	profile  *Profile
	proxyURL *url.URL
}

func NewDialer(profile *Profile, baseDialer func(ctx context.Context, network, addr string) (net.Conn, error)) *Dialer {
	if baseDialer == nil {
		baseDialer = (&net.Dialer{}).DialContext
	}
	return &Dialer{profile: profile, baseDialer: baseDialer}
}

func NewHTTPProxyDialer(profile *Profile, proxyURL *url.URL) *HTTPProxyDialer {
	return &HTTPProxyDialer{profile: profile, proxyURL: proxyURL}
}

func NewSOCKS5ProxyDialer(profile *Profile, proxyURL *url.URL) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{profile: profile, proxyURL: proxyURL}
}

// ForProxy picks the dialer implementation matching the proxy scheme.
// A nil proxyURL yields a direct dialer.
func ForProxy(profile *Profile, proxyURL *url.URL) interface {
	DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error)
} {
	if proxyURL == nil {
		return NewDialer(profile, nil)
	}
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		return NewSOCKS5ProxyDialer(profile, proxyURL)
	default:
		return NewHTTPProxyDialer(profile, proxyURL)
	}
}

func (d *Dialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.baseDialer(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return handshake(ctx, conn, addr, d.profile)
}

// DialTLSContext 流程：SOCKS5 隧道 -> utls 握手
func (d *SOCKS5ProxyDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		auth = &proxy.Auth{User: d.proxyURL.User.Username(), Password: password}
	}
	proxyAddr := d.proxyURL.Host
	if d.proxyURL.Port() == "" {
		proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), "1080")
	}
	socksDialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}
	conn, err := socksDialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 connect: %w", err)
	}
	return handshake(ctx, conn, addr, d.profile)
}

// DialTLSContext 流程：TCP 连代理 -> CONNECT 隧道 -> utls 握手
func (d *HTTPProxyDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	proxyAddr := d.proxyURL.Host
	if d.proxyURL.Port() == "" {
		if d.proxyURL.Scheme == "https" {
			proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), "443")
		} else {
			proxyAddr = net.JoinHostPort(d.proxyURL.Hostname(), "80")
		}
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.proxyURL.User != nil {
		password, _ := d.proxyURL.User.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(d.proxyURL.User.Username() + ":" + password))
		req.Header.Set("Proxy-Authorization", "Basic "+cred)
	}
	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write CONNECT request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}

	return handshake(ctx, conn, addr, d.profile)
}

// handshake applies the Chrome preset (ALPN pinned to HTTP/1.1 so the stdlib
// transport drives the connection) and completes the TLS handshake.
func handshake(ctx context.Context, conn net.Conn, addr string, profile *Profile) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	helloID := utls.HelloChrome_131
	if profile != nil {
		helloID = profile.HelloID
	}
	spec, err := utls.UTLSIdToSpec(helloID)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("resolve hello spec: %w", err)
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}

	tlsConn := utls.UClient(conn, &utls.Config{ServerName: host}, utls.HelloCustom)
	if err := tlsConn.ApplyPreset(&spec); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply TLS preset: %w", err)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	return tlsConn, nil
}
