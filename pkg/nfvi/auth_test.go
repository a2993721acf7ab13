package nfvi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/vim/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newKeystone serves /v3/auth/tokens with a catalog holding one platform
// endpoint per interface
func newKeystone(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/auth/tokens" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		n := atomic.AddInt32(hits, 1)
		w.Header().Set("X-Subject-Token", fmt.Sprintf("token-%d", n))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token": {
			"expires_at": %q,
			"catalog": [{
				"type": "platform",
				"name": "sysinv",
				"endpoints": [
					{"interface": "internal", "region": "RegionOne", "url": "%s/internal/"},
					{"interface": "public", "region": "RegionOne", "url": "%s/public"}
				]
			}]
		}}`, time.Now().Add(time.Hour).UTC().Format(time.RFC3339), srv.URL, srv.URL)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func keystoneConfig(url string) config.OpenStackConfig {
	return config.OpenStackConfig{
		AuthURL:           url + "/v3",
		Username:          "admin",
		Password:          "secret",
		ProjectName:       "admin",
		UserDomainName:    "Default",
		ProjectDomainName: "Default",
		Region:            "RegionOne",
		Interface:         "internal",
	}
}

func TestTokenCacheReusesValidToken(t *testing.T) {
	var hits int32
	srv := newKeystone(t, &hits)
	cache := NewTokenCache(keystoneConfig(srv.URL), srv.Client())

	first, err := cache.Token(context.Background())
	require.NoError(t, err)
	second, err := cache.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "token-1", first.ID)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestTokenCacheInvalidate(t *testing.T) {
	var hits int32
	srv := newKeystone(t, &hits)
	cache := NewTokenCache(keystoneConfig(srv.URL), srv.Client())

	token, err := cache.Token(context.Background())
	require.NoError(t, err)

	cache.Invalidate("some-other-token")
	again, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, token.ID, again.ID)

	cache.Invalidate(token.ID)
	fresh, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", fresh.ID)
}

func TestTokenCacheConcurrentInvalidate(t *testing.T) {
	var hits int32
	srv := newKeystone(t, &hits)
	cache := NewTokenCache(keystoneConfig(srv.URL), srv.Client())

	first, err := cache.Token(context.Background())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			token, err := cache.Token(context.Background())
			if err == nil && !token.Valid(time.Now()) {
				err = fmt.Errorf("token %s returned expired", token.ID)
			}
			errs <- err
		}()
		go func() {
			defer wg.Done()
			cache.Invalidate(first.ID)
			errs <- nil
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// The token handed out first is untouched by invalidation
	assert.True(t, first.Valid(time.Now()))
	assert.Equal(t, "token-1", first.ID)
}

func TestTokenCacheRefreshesExpiredToken(t *testing.T) {
	var hits int32
	srv := newKeystone(t, &hits)
	cache := NewTokenCache(keystoneConfig(srv.URL), srv.Client())

	_, err := cache.Token(context.Background())
	require.NoError(t, err)

	cache.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	token, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", token.ID)
}

func TestTokenCacheEndpoint(t *testing.T) {
	var hits int32
	srv := newKeystone(t, &hits)

	tests := []struct {
		name      string
		modify    func(*config.OpenStackConfig)
		service   string
		expected  string
		expectErr bool
	}{
		{
			name:     "internal catalog endpoint",
			service:  ServiceTypePlatform,
			expected: srv.URL + "/internal",
		},
		{
			name:     "public catalog endpoint",
			modify:   func(c *config.OpenStackConfig) { c.Interface = "public" },
			service:  ServiceTypePlatform,
			expected: srv.URL + "/public",
		},
		{
			name: "override wins over catalog",
			modify: func(c *config.OpenStackConfig) {
				c.Endpoints = map[string]string{ServiceTypePlatform: "http://sysinv.local:6385/"}
			},
			service:  ServiceTypePlatform,
			expected: "http://sysinv.local:6385",
		},
		{
			name:      "missing service",
			service:   ServiceTypeFault,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := keystoneConfig(srv.URL)
			if tt.modify != nil {
				tt.modify(&cfg)
			}
			cache := NewTokenCache(cfg, srv.Client())
			token, err := cache.Token(context.Background())
			require.NoError(t, err)

			url, err := cache.Endpoint(token, tt.service)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, url)
		})
	}
}

func TestTokenCacheAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cache := NewTokenCache(keystoneConfig(srv.URL), srv.Client())
	_, err := cache.Token(context.Background())
	assert.Error(t, err)
}

func TestTokenCacheAnonymous(t *testing.T) {
	cache := NewTokenCache(config.OpenStackConfig{}, nil)
	token, err := cache.Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, token.ID)
	assert.True(t, token.Valid(time.Now()))

	_, err = cache.Endpoint(token, ServiceTypePlatform)
	assert.Error(t, err)
}
