package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		checker func(url string) *HTTPChecker
		healthy bool
	}{
		{"ok", http.StatusOK, NewHTTPChecker, true},
		{"unauthenticated counts as reachable", http.StatusUnauthorized, NewHTTPChecker, true},
		{"server error", http.StatusServiceUnavailable, NewHTTPChecker, false},
		{
			name:   "narrow range",
			status: http.StatusUnauthorized,
			checker: func(url string) *HTTPChecker {
				return NewHTTPChecker(url).WithStatusRange(200, 299)
			},
			healthy: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			result := tt.checker(server.URL).Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.False(t, result.CheckedAt.IsZero())
		})
	}
}

func TestHTTPCheckerHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Token") != "token" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithHeader("X-Auth-Token", "token").Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
}

func TestHTTPCheckerTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "request failed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, NewHTTPChecker(server.URL).Check(ctx).Healthy)
}

func TestListenerChecker(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()

	checker := NewListenerChecker(addr)
	assert.Equal(t, CheckTypeTCP, checker.Type())
	result := checker.Check(context.Background())
	assert.True(t, result.Healthy)
	assert.Equal(t, addr+" accepting connections", result.Message)

	require.NoError(t, lis.Close())
	result = checker.Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, addr+" not accepting connections")
}

func TestListenerCheckerAddress(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{target: "127.0.0.1:30001", want: "127.0.0.1:30001"},
		{target: "http://controller:6385/v1", want: "controller:6385"},
		{target: "tcp://10.0.0.2:30004", want: "10.0.0.2:30004"},
		{target: "http://controller/v1", want: "http://controller/v1"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, NewListenerChecker(tt.target).Address)
		})
	}
}
