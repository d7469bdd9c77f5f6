//go:build unit

package middleware

import (
	"context"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type staticKeySource string

var _ APIKeySource = staticKeySource("")

func (s staticKeySource) CallerAPIKey(context.Context) string { return string(s) }

func newKeyRouter(key string) *gin.Engine {
	r := gin.New()
	r.GET("/v1/models", APIKeyAuth(staticKeySource(key)), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return r
}

func TestAPIKeyAuthAccepts(t *testing.T) {
	rec := doGet(newKeyRouter("sk-good"), "/v1/models", "sk-good")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyAuthRejectsWrongKey(t *testing.T) {
	rec := doGet(newKeyRouter("sk-good"), "/v1/models", "sk-bad")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid API key")
}

func TestAPIKeyAuthRejectsMissingKey(t *testing.T) {
	rec := doGet(newKeyRouter("sk-good"), "/v1/models", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyAuthRejectsWhenNoKeyConfigured(t *testing.T) {
	// 未配置 key 时任何请求都拒绝，避免裸奔
	rec := doGet(newKeyRouter(""), "/v1/models", "sk-anything")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
