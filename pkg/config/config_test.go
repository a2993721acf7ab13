package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.NFVITimeouts.For("sysinv.unknown_call"))
	assert.Equal(t, 900*time.Second, cfg.NFVITimeouts.For("usm.sw_deploy_precheck"))
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "overrides defaults",
			content: `
data-dir: /tmp/vim
log:
  level: debug
  json: true
api:
  http-addr: 0.0.0.0:8080
nfvi-timeouts:
  default: 45s
  calls:
    usm.sw_deploy_activate: 2m
audit:
  tick-interval: 5s
  fleet-interval: 1m
rate-limit:
  compute:
    qps: 10
    burst: 5
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/vim", cfg.DataDir)
				assert.Equal(t, "debug", cfg.Log.Level)
				assert.True(t, cfg.Log.JSON)
				assert.Equal(t, "0.0.0.0:8080", cfg.API.HTTPAddr)
				assert.Equal(t, 45*time.Second, cfg.NFVITimeouts.Default)
				assert.Equal(t, 2*time.Minute, cfg.NFVITimeouts.For("usm.sw_deploy_activate"))
				assert.Equal(t, 5*time.Second, cfg.Audit.TickInterval)
				assert.Equal(t, RateCfg{QPS: 10, Burst: 5}, cfg.RateLimit["compute"])
				// defaults not named in the file survive
				assert.Equal(t, "127.0.0.1:30001", cfg.API.NotifyAddr)
			},
		},
		{
			name:    "invalid log level",
			content: "log:\n  level: loud\n",
			wantErr: true,
		},
		{
			name:    "keystone without user",
			content: "openstack:\n  auth-url: http://keystone:5000/v3\n  project-name: admin\n",
			wantErr: true,
		},
		{
			name:    "zero burst",
			content: "rate-limit:\n  fm:\n    qps: 1\n    burst: 0\n",
			wantErr: true,
		},
		{
			name:    "probes",
			content: "probes:\n  enabled: false\n  interval: 1m\n",
			check: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.Probes.Enabled)
				assert.Equal(t, time.Minute, cfg.Probes.Interval)
				assert.Equal(t, 3, cfg.Probes.Retries)
			},
		},
		{
			name:    "zero probe retries",
			content: "probes:\n  retries: 0\n",
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			content: "api: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "vim.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))

			cfg, err := Load(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().API, cfg.API)
}
