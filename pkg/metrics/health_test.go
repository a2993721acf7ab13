package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth() {
	healthChecker = newHealthChecker()
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{"no components", nil, "healthy"},
		{"all healthy", map[string]bool{"api": true, "store": true}, "healthy"},
		{"one unhealthy", map[string]bool{"api": true, "store": false}, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth()
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "db closed")
			}
			health := GetHealth()
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name        string
		components  map[string]bool
		wantStatus  string
		wantMessage string
	}{
		{
			name:       "all critical ready",
			components: map[string]bool{"store": true, "executor": true, "api": true},
			wantStatus: "ready",
		},
		{
			name:        "executor missing",
			components:  map[string]bool{"store": true, "api": true},
			wantStatus:  "not_ready",
			wantMessage: "waiting for executor",
		},
		{
			name:        "store unhealthy",
			components:  map[string]bool{"store": false, "executor": true, "api": true},
			wantStatus:  "not_ready",
			wantMessage: "waiting for store",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth()
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "")
			}
			readiness := GetReadiness()
			assert.Equal(t, tt.wantStatus, readiness.Status)
			assert.Equal(t, tt.wantMessage, readiness.Message)
		})
	}
}

func TestOnReadinessChange(t *testing.T) {
	resetHealth()
	SetCriticalComponents("executor")

	var seen []bool
	OnReadinessChange(func(ready bool) { seen = append(seen, ready) })

	RegisterComponent("executor", false, "resuming")
	UpdateComponent("executor", true, "")

	assert.Equal(t, []bool{false, true}, seen)
	assert.True(t, IsReady())
}

func TestHandlers(t *testing.T) {
	resetHealth()
	SetVersion("1.2.3")
	RegisterComponent("store", true, "")
	RegisterComponent("api", true, "")

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode int
		wantKey  string
		wantVal  string
	}{
		{"health", HealthHandler(), http.StatusOK, "status", "healthy"},
		{"ready without executor", ReadyHandler(), http.StatusServiceUnavailable, "status", "not_ready"},
		{"liveness", LivenessHandler(), http.StatusOK, "status", "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantVal, body[tt.wantKey])
		})
	}
}
