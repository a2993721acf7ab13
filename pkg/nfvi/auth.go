package nfvi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/vim/pkg/config"
	"github.com/cuemby/vim/pkg/log"
	"github.com/cuemby/vim/pkg/metrics"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/identity/v3/tokens"
	"golang.org/x/sync/singleflight"
)

// ErrTokenExpired is returned when the backend rejected a cached token
var ErrTokenExpired = errors.New("token expired")

// expirySkew treats a token as expired slightly before keystone does
const expirySkew = 60 * time.Second

// Token is a scoped keystone token with its service catalog. A token is
// never modified once cached.
type Token struct {
	ID        string
	ExpiresAt time.Time
	Catalog   *tokens.ServiceCatalog
}

// Valid reports a token that is not expired
func (t *Token) Valid(now time.Time) bool {
	return t != nil && now.Before(t.ExpiresAt.Add(-expirySkew))
}

// TokenCache lazily acquires and caches one keystone token. Concurrent
// refreshes collapse into a single keystone request.
type TokenCache struct {
	cfg        config.OpenStackConfig
	httpClient *http.Client

	mu    sync.Mutex
	token *Token
	group singleflight.Group
	now   func() time.Time
}

// NewTokenCache creates a cache for the configured keystone. With no
// auth-url every call runs unauthenticated against configured endpoints.
func NewTokenCache(cfg config.OpenStackConfig, httpClient *http.Client) *TokenCache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &TokenCache{cfg: cfg, httpClient: httpClient, now: time.Now}
}

// Token returns a valid token, acquiring a new one when needed
func (c *TokenCache) Token(ctx context.Context) (*Token, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token.Valid(c.now()) {
		return token, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		return c.acquire(ctx)
	})
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("failed").Inc()
		return nil, err
	}
	return v.(*Token), nil
}

// Invalidate drops the cached token if it is still the token id. Callers
// holding the old token keep an unchanged copy.
func (c *TokenCache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != nil && c.token.ID == id {
		c.token = nil
	}
}

// Endpoint resolves a service endpoint from the overrides or the catalog
func (c *TokenCache) Endpoint(token *Token, serviceType string) (string, error) {
	if url, ok := c.cfg.Endpoints[serviceType]; ok {
		return strings.TrimRight(url, "/"), nil
	}
	if token == nil || token.Catalog == nil {
		return "", fmt.Errorf("no endpoint configured for service %s", serviceType)
	}
	availability := gophercloud.AvailabilityInternal
	switch c.cfg.Interface {
	case "public":
		availability = gophercloud.AvailabilityPublic
	case "admin":
		availability = gophercloud.AvailabilityAdmin
	}
	url, err := openstack.V3EndpointURL(token.Catalog, gophercloud.EndpointOpts{
		Type:         serviceType,
		Region:       c.cfg.Region,
		Availability: availability,
	})
	if err != nil {
		return "", fmt.Errorf("failed to locate %s endpoint: %w", serviceType, err)
	}
	return strings.TrimRight(url, "/"), nil
}

func (c *TokenCache) acquire(ctx context.Context) (*Token, error) {
	logger := log.WithComponent("nfvi")

	if c.cfg.AuthURL == "" {
		token := &Token{ExpiresAt: c.now().Add(100 * 365 * 24 * time.Hour)}
		c.store(token)
		return token, nil
	}

	provider, err := openstack.NewClient(c.cfg.AuthURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create keystone client: %w", err)
	}
	provider.HTTPClient = *c.httpClient

	identity, err := openstack.NewIdentityV3(provider, gophercloud.EndpointOpts{})
	if err != nil {
		return nil, fmt.Errorf("failed to create identity client: %w", err)
	}

	opts := &gophercloud.AuthOptions{
		IdentityEndpoint: c.cfg.AuthURL,
		Username:         c.cfg.Username,
		Password:         c.cfg.Password,
		DomainName:       c.cfg.UserDomainName,
		Scope: &gophercloud.AuthScope{
			ProjectName: c.cfg.ProjectName,
			DomainName:  c.cfg.ProjectDomainName,
		},
	}

	result := tokens.Create(ctx, identity, opts)
	kt, err := result.ExtractToken()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire token: %w", err)
	}
	catalog, err := result.ExtractServiceCatalog()
	if err != nil {
		return nil, fmt.Errorf("failed to read service catalog: %w", err)
	}

	token := &Token{ID: kt.ID, ExpiresAt: kt.ExpiresAt, Catalog: catalog}
	c.store(token)
	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	logger.Debug().Time("expires_at", kt.ExpiresAt).Msg("Acquired keystone token")
	return token, nil
}

func (c *TokenCache) store(token *Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}
