package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/Han-Qiu/sora2api/internal/pkg/logger"
)

// Recovery 捕获处理链 panic，记录堆栈并回 500。
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("panic recovered: %v\n%s", r, debug.Stack())
				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"error": gin.H{
							"message": "Internal server error",
							"type":    "api_error",
						},
					})
					return
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
