//go:build unit

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAdminRouter(secret string) *gin.Engine {
	r := gin.New()
	r.GET("/api/ping", AdminAuth(secret), func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return r
}

func doGet(r *gin.Engine, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAdminAuthAcceptsIssuedToken(t *testing.T) {
	token, err := IssueAdminToken("test-secret", time.Hour)
	require.NoError(t, err)

	rec := doGet(newAdminRouter("test-secret"), "/api/ping", token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestAdminAuthRejectsMissingToken(t *testing.T) {
	rec := doGet(newAdminRouter("test-secret"), "/api/ping", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication_error")
}

func TestAdminAuthRejectsWrongSecret(t *testing.T) {
	token, err := IssueAdminToken("other-secret", time.Hour)
	require.NoError(t, err)

	rec := doGet(newAdminRouter("test-secret"), "/api/ping", token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuthRejectsExpiredToken(t *testing.T) {
	token, err := IssueAdminToken("test-secret", -time.Minute)
	require.NoError(t, err)

	rec := doGet(newAdminRouter("test-secret"), "/api/ping", token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminAuthRejectsWrongSubject(t *testing.T) {
	claims := jwt.RegisteredClaims{
		Subject:   "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	rec := doGet(newAdminRouter("test-secret"), "/api/ping", token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
