package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Han-Qiu/sora2api/internal/pkg/logger"
)

// AccessLog 打请求访问日志。客户端中途断开按 499 记。
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		if c.Request.Context().Err() != nil {
			status = 499
		}
		logger.Infof("%s %s %d %s", c.Request.Method, c.Request.URL.Path, status, time.Since(start))
	}
}
