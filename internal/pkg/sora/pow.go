package sora

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// PoW 相关常量。上游挑战使用 SHA3-512 前缀搜索，答案是 base64 编码的
// 18 槽位浏览器指纹数组，其中槽位 3（迭代计数）与槽位 9（动态计数）逐轮变化。
const (
	powMaxIteration = 500000
	// powInitialDifficulty 首个（客户端自发）PoW 的目标难度
	powInitialDifficulty = "0fffff"
	// powAnswerErrorToken 迭代耗尽时返回的约定错误令牌前缀，上游接受它作为失败信号
	powAnswerErrorToken = "wQ8Lk5FbGpA2NcR9dShT6gYjU7VxZ4D"
)

var (
	powCores       = []int{4, 8, 12, 16, 24, 32}
	powScreenSizes = []int{1266, 1536, 1920, 2560, 3000, 3072, 3120, 3840}
	powScripts     = []string{
		"https://sora-cdn.oaistatic.com/_next/static/chunks/polyfills-42372ed130431b0a.js",
		"https://sora-cdn.oaistatic.com/_next/static/chunks/6974-eaafbe7db9c73c96.js",
		"https://sora-cdn.oaistatic.com/_next/static/chunks/main-app-5f0c58611778fb36.js",
		"https://chatgpt.com/backend-api/sentinel/sdk.js",
	}
	powNavigatorKeys = []string{
		"mimeTypes−[object MimeTypeArray]",
		"userAgentData−[object NavigatorUAData]",
		"scheduling−[object Scheduling]",
		"keyboard−[object Keyboard]",
		"webkitPersistentStorage−[object DeprecatedStorageQuota]",
		"registerProtocolHandler−function registerProtocolHandler() { [native code] }",
		"storage−[object StorageManager]",
		"locks−[object LockManager]",
		"appCodeName−Mozilla",
		"permissions−[object Permissions]",
		"webdriver−false",
		"vendor−Google Inc.",
		"mediaDevices−[object MediaDevices]",
		"cookieEnabled−true",
		"product−Gecko",
		"productSub−20030107",
		"hardwareConcurrency−32",
		"onLine−true",
	}
	powDocumentKeys = []string{
		"__reactContainer$3k0e9yog4o3",
		"__reactContainer$ft149nhgior",
		"__reactResources$9nnifsagitb",
		"_reactListeningou2wvttp2d9",
		"_reactListeningu9qurgpwsme",
		"_reactListeningo743lnnpvdg",
		"location",
		"body",
	}
	powWindowKeys = []string{
		"getSelection", "btoa", "__next_s", "crossOriginIsolated", "print",
		"0", "window", "self", "document", "name", "location",
		"navigator", "screen", "innerWidth", "innerHeight",
		"localStorage", "sessionStorage", "crypto", "performance",
	}
	powLanguages = [][2]string{
		{"zh-CN", "zh-CN,zh"},
		{"en-US", "en-US,en"},
		{"ja-JP", "ja-JP,ja,en"},
		{"ko-KR", "ko-KR,ko,en"},
	}
	powHeapSizes = []int64{4294967296, 4294705152, 2147483648}
)

// NewPowConfig builds the 18-slot fingerprint array. Slot 3 (iteration) and
// slot 9 (dynamic counter base) are filled with their initial values; SolvePow
// rewrites them per iteration.
func NewPowConfig(userAgent string) []any {
	lang := powLanguages[rand.Intn(len(powLanguages))]
	perfTime := 10000 + rand.Float64()*90000
	return []any{
		powScreenSizes[rand.Intn(len(powScreenSizes))], // [0] screen size
		powParseTime(time.Now()),                       // [1] wall clock with local TZ
		powHeapSizes[rand.Intn(len(powHeapSizes))],     // [2] jsHeapSizeLimit
		0,                                              // [3] iteration (dynamic)
		userAgent,                                      // [4]
		powScripts[rand.Intn(len(powScripts))],         // [5] cdn script
		nil,                                            // [6] must stay null
		lang[0],                                        // [7] language
		lang[1],                                        // [8] languages
		2 + rand.Intn(9),                               // [9] dynamic counter base
		powNavigatorKeys[rand.Intn(len(powNavigatorKeys))], // [10]
		powDocumentKeys[rand.Intn(len(powDocumentKeys))],   // [11]
		powWindowKeys[rand.Intn(len(powWindowKeys))],       // [12]
		perfTime,                                           // [13]
		uuid.NewString(),                                   // [14]
		"",                                                 // [15]
		powCores[rand.Intn(len(powCores))],                 // [16]
		float64(time.Now().UnixMilli()) - perfTime,         // [17] time origin
	}
}

// SolvePow searches for a base64 answer whose SHA3-512(seed || answer) prefix
// is lexicographically <= the hex-decoded difficulty. Returns ok=false with
// the deterministic error token when the iteration budget is exhausted.
func SolvePow(seed, difficulty string, config []any) (string, bool) {
	target, err := hex.DecodeString(difficulty)
	if err != nil || len(target) == 0 {
		return "", false
	}
	seedBytes := []byte(seed)

	// 槽位 3、9 两侧的静态段只序列化一次
	part1, err := marshalCompact(config[:3])
	if err != nil {
		return "", false
	}
	part2, err := marshalCompact(config[4:9])
	if err != nil {
		return "", false
	}
	part3, err := marshalCompact(config[10:])
	if err != nil {
		return "", false
	}
	static1 := append(part1[:len(part1)-1], ',')            // "[a,b,c" + ","
	static2 := append([]byte{','}, part2[1:len(part2)-1]...) // ",d,e,f,g,h"
	static2 = append(static2, ',')
	static3 := append([]byte{','}, part3[1:]...) // ",k,...]"
	initialJ, _ := config[9].(int)

	buf := make([]byte, 0, len(static1)+len(static2)+len(static3)+16)
	hashInput := make([]byte, 0, len(seedBytes)+512)
	for i := 0; i < powMaxIteration; i++ {
		buf = buf[:0]
		buf = append(buf, static1...)
		buf = strconv.AppendInt(buf, int64(i), 10)
		buf = append(buf, static2...)
		buf = strconv.AppendInt(buf, int64(initialJ+(i+29)/30), 10)
		buf = append(buf, static3...)

		answer := base64.StdEncoding.EncodeToString(buf)
		hashInput = hashInput[:0]
		hashInput = append(hashInput, seedBytes...)
		hashInput = append(hashInput, answer...)
		h := sha3.Sum512(hashInput)
		if bytes.Compare(h[:len(target)], target) <= 0 {
			return answer, true
		}
	}

	errorToken := powAnswerErrorToken + base64.StdEncoding.EncodeToString([]byte(`"`+seed+`"`))
	return errorToken, false
}

// InitialPowToken 生成客户端自发的首个 PoW 令牌（gAAAAAC 前缀）。
func InitialPowToken(userAgent string) string {
	config := NewPowConfig(userAgent)
	seed := strconv.FormatFloat(rand.Float64(), 'g', -1, 64)
	answer, _ := SolvePow(seed, powInitialDifficulty, config)
	return "gAAAAAC" + answer
}

// marshalCompact matches the upstream SDK's serialization: compact separators,
// no HTML escaping, raw unicode.
func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	// Encode appends a newline
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out, nil
}

// powParseTime renders the JS Date().toString() layout with the local offset,
// e.g. "Mon Jan 02 2006 15:04:05 GMT+0800 (CST)".
func powParseTime(now time.Time) string {
	name, offset := now.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("%s GMT%s%02d%02d (%s)",
		now.Format("Mon Jan 02 2006 15:04:05"),
		sign, offset/3600, (offset%3600)/60, name)
}
