package sora

import (
	"fmt"
	"math/rand"
	"time"
)

// Fingerprint 描述一次上游会话使用的浏览器身份：TLS 指纹档位、匹配的 UA
// 与 client-hint 头。UA 与 TLS 指纹必须配对，否则上游风控会拒绝。
type Fingerprint struct {
	Impersonate string // tlsfingerprint profile name
	UserAgent   string
	SecChUA     string
}

var fingerprintPool = []Fingerprint{
	{
		Impersonate: "chrome131",
		UserAgent:   "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		SecChUA:     `"Google Chrome";v="131", "Chromium";v="131", "Not A(Brand";v="24"`,
	},
	{
		Impersonate: "chrome124",
		UserAgent:   "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		SecChUA:     `"Google Chrome";v="124", "Chromium";v="124", "Not A(Brand";v="24"`,
	},
	{
		Impersonate: "chrome123",
		UserAgent:   "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
		SecChUA:     `"Google Chrome";v="123", "Chromium";v="123", "Not A(Brand";v="24"`,
	},
	{
		Impersonate: "chrome120",
		UserAgent:   "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		SecChUA:     `"Google Chrome";v="120", "Chromium";v="120", "Not A(Brand";v="24"`,
	},
}

// RandomFingerprint picks a profile from the pool.
func RandomFingerprint() Fingerprint {
	return fingerprintPool[rand.Intn(len(fingerprintPool))]
}

// FakeCFClearance 生成合成 cf_clearance cookie 值。
// 真实 clearance 无法离线构造，上游只校验形态。
func FakeCFClearance() string {
	return fmt.Sprintf("fake_%d_%d", time.Now().Unix(), 10000+rand.Intn(90000))
}

var desktopUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
}

var mobileUserAgents = []string{
	"Sora/1.2026.007 (Android 15; 24122RKC7C; build 2600700)",
	"Sora/1.2026.007 (Android 14; SM-G998B; build 2600700)",
	"Sora/1.2026.007 (Android 15; Pixel 8 Pro; build 2600700)",
	"Sora/1.2026.007 (Android 14; Pixel 7; build 2600700)",
	"Sora/1.2026.007 (Android 15; OnePlus 12; build 2600700)",
}

// RandomDesktopUA returns a desktop UA for sentinel/PoW traffic.
func RandomDesktopUA() string {
	return desktopUserAgents[rand.Intn(len(desktopUserAgents))]
}

// RandomMobileUA returns the Sora app UA used on regular API calls.
func RandomMobileUA() string {
	return mobileUserAgents[rand.Intn(len(mobileUserAgents))]
}
