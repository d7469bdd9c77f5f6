//go:build unit

package sora

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpstreamErrorClassification(t *testing.T) {
	assert.True(t, (&UpstreamError{StatusCode: 401}).IsAuthError())
	assert.False(t, (&UpstreamError{StatusCode: 403}).IsAuthError())

	assert.True(t, (&UpstreamError{StatusCode: 403}).IsUnavailable())
	assert.True(t, (&UpstreamError{StatusCode: 429}).IsUnavailable())
	assert.False(t, (&UpstreamError{StatusCode: 500}).IsUnavailable())

	assert.True(t, (&UpstreamError{Code: "unsupported_country_code"}).IsCountryUnsupported())
	assert.False(t, (&UpstreamError{Code: "other"}).IsCountryUnsupported())
}

func TestIsSentinelRejection(t *testing.T) {
	// 400 一律按哨兵令牌失效处理
	assert.True(t, (&UpstreamError{StatusCode: http.StatusBadRequest}).IsSentinelRejection())
	assert.True(t, (&UpstreamError{StatusCode: 422, Message: "invalid sentinel token"}).IsSentinelRejection())
	// 403/429 是封锁信号，不触发重试
	assert.False(t, (&UpstreamError{StatusCode: 403, Message: "sentinel"}).IsSentinelRejection())
	assert.False(t, (&UpstreamError{StatusCode: 429}).IsSentinelRejection())
	assert.False(t, (&UpstreamError{StatusCode: 500, Message: "invalid"}).IsSentinelRejection())
	assert.False(t, (&UpstreamError{StatusCode: 422, Message: "quota exceeded"}).IsSentinelRejection())
}

func TestAsUpstreamErrorUnwraps(t *testing.T) {
	inner := &UpstreamError{StatusCode: 502, Message: "bad gateway"}
	wrapped := fmt.Errorf("create task: %w", inner)

	ue, ok := AsUpstreamError(wrapped)
	require.True(t, ok)
	require.Equal(t, 502, ue.StatusCode)

	_, ok = AsUpstreamError(errors.New("plain"))
	require.False(t, ok)
}

func TestCountsAgainstToken(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", fmt.Errorf("poll: %w", ErrCancelled), false},
		{"no token", ErrNoEligibleToken, false},
		{"invalid model", fmt.Errorf("%w: x", ErrInvalidModel), false},
		{"blocked 403", &UpstreamError{StatusCode: 403}, false},
		{"rate limited", &UpstreamError{StatusCode: 429}, false},
		{"auth 401", &UpstreamError{StatusCode: 401}, true},
		{"server 500", &UpstreamError{StatusCode: 500}, true},
		{"timeout", ErrTimeout, true},
		{"plain", errors.New("boom"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CountsAgainstToken(tc.err))
		})
	}
}
