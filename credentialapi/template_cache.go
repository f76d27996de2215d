package credentialapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-issuance/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const templateCacheKeyPrefix = "go-issuance::templates::v1"

const DefaultTemplateCacheTTL = time.Hour

// CachedTemplateCatalog serves template lists from a cache keyed per tenant
// endpoint. Issuance calls always go straight to the wrapped API.
type CachedTemplateCatalog struct {
	base  core.CredentialAPI
	cache repositorycache.CacheService
}

func NewCachedTemplateCatalog(
	base core.CredentialAPI,
	cacheService repositorycache.CacheService,
) (*CachedTemplateCatalog, error) {
	if base == nil {
		return nil, fmt.Errorf("credentialapi: base credential api is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("credentialapi: template cache service is required")
	}
	return &CachedTemplateCatalog{base: base, cache: cacheService}, nil
}

// NewTemplateCacheService builds the cache service with entries living for ttl.
func NewTemplateCacheService(ttl time.Duration) (repositorycache.CacheService, error) {
	if ttl <= 0 {
		ttl = DefaultTemplateCacheTTL
	}
	config := repositorycache.DefaultConfig()
	config.TTL = ttl
	return repositorycache.NewCacheService(config)
}

// TemplateCacheKey returns
// go-issuance::templates::v1::<tenant>::<api_url>::<active|all>
// with each segment URL-path escaped. An absent tenant is written as "_".
func TemplateCacheKey(endpoint core.APIEndpoint, activeOnly bool) string {
	tenant := "_"
	if endpoint.TenantID != nil && strings.TrimSpace(*endpoint.TenantID) != "" {
		tenant = strings.TrimSpace(*endpoint.TenantID)
	}
	scope := "all"
	if activeOnly {
		scope = "active"
	}
	segments := []string{
		tenant,
		strings.TrimRight(strings.TrimSpace(endpoint.URL), "/"),
		scope,
	}
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(append([]string{templateCacheKeyPrefix}, segments...), "::")
}

func (c *CachedTemplateCatalog) IssueCredential(ctx context.Context, req core.IssueRequest) (core.IssueResponse, error) {
	if c == nil || c.base == nil {
		return core.IssueResponse{}, fmt.Errorf("credentialapi: cached template catalog is not configured")
	}
	return c.base.IssueCredential(ctx, req)
}

func (c *CachedTemplateCatalog) ListTemplates(ctx context.Context, endpoint core.APIEndpoint, activeOnly bool) ([]core.Template, error) {
	if c == nil || c.base == nil || c.cache == nil {
		return nil, fmt.Errorf("credentialapi: cached template catalog is not configured")
	}
	templates, err := repositorycache.GetOrFetch(ctx, c.cache, TemplateCacheKey(endpoint, activeOnly),
		func(ctx context.Context) ([]core.Template, error) {
			return c.base.ListTemplates(ctx, endpoint, activeOnly)
		})
	if err != nil {
		return nil, err
	}
	return append([]core.Template(nil), templates...), nil
}

// Invalidate drops both cached lists of an endpoint.
func (c *CachedTemplateCatalog) Invalidate(ctx context.Context, endpoint core.APIEndpoint) error {
	if c == nil || c.cache == nil {
		return fmt.Errorf("credentialapi: cached template catalog is not configured")
	}
	for _, activeOnly := range []bool{true, false} {
		if err := c.cache.Delete(ctx, TemplateCacheKey(endpoint, activeOnly)); err != nil {
			return err
		}
	}
	return nil
}

var _ core.CredentialAPI = (*CachedTemplateCatalog)(nil)
