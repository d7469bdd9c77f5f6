package middleware

import (
	"context"
	"crypto/subtle"

	"github.com/gin-gonic/gin"
)

// APIKeySource 提供当前生效的调用方密钥。后台可在运行期改 key，
// 所以每个请求都查一次。
type APIKeySource interface {
	CallerAPIKey(ctx context.Context) string
}

// APIKeyAuth 校验 /v1 接口的 Bearer API key。
func APIKeyAuth(source APIKeySource) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := bearerToken(c)
		expected := source.CallerAPIKey(c.Request.Context())
		if expected == "" || provided == "" ||
			subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			abortUnauthorized(c, "Invalid API key")
			return
		}
		c.Next()
	}
}
