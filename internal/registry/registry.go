package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/mod/semver"
)

// ServiceTypeContentNode is the registry service type of content nodes.
const ServiceTypeContentNode = "content-node"

var (
	// ErrInvalidProvider indicates malformed registry data.
	ErrInvalidProvider = errors.New("registry: invalid provider")
	// ErrUnknownServiceType indicates a lookup for a service type the registry does not carry.
	ErrUnknownServiceType = errors.New("registry: unknown service type")
)

// ServiceProvider is one registered node.
type ServiceProvider struct {
	ServiceID      int64  `mapstructure:"service_id" json:"serviceId"`
	Endpoint       string `mapstructure:"endpoint" json:"endpoint"`
	OwnerWallet    string `mapstructure:"owner_wallet" json:"ownerWallet"`
	DelegateWallet string `mapstructure:"delegate_wallet" json:"delegateWallet"`
}

// Lookup is the read-only registry view consumed by node selection.
type Lookup interface {
	ServiceProviderList(ctx context.Context, serviceType string) ([]ServiceProvider, error)
	CurrentVersion(ctx context.Context, serviceType string) (string, error)
}

// StaticLookup serves a fixed provider list, typically loaded from configuration.
type StaticLookup struct {
	providers map[string][]ServiceProvider
	versions  map[string]string
}

// NewStaticLookup validates providers and version for serviceType.
func NewStaticLookup(serviceType string, providers []ServiceProvider, currentVersion string) (*StaticLookup, error) {
	serviceType = strings.TrimSpace(serviceType)
	if serviceType == "" {
		return nil, fmt.Errorf("%w: service type required", ErrUnknownServiceType)
	}
	version := strings.TrimSpace(currentVersion)
	if !semver.IsValid(CanonicalVersion(version)) {
		return nil, fmt.Errorf("%w: current version %q is not semantic", ErrInvalidProvider, currentVersion)
	}

	seen := make(map[string]struct{}, len(providers))
	normalized := make([]ServiceProvider, 0, len(providers))
	for index, provider := range providers {
		endpoint := strings.TrimRight(strings.TrimSpace(provider.Endpoint), "/")
		parsed, err := url.Parse(endpoint)
		if endpoint == "" || err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("%w: provider %d has malformed endpoint %q", ErrInvalidProvider, index, provider.Endpoint)
		}
		if _, ok := seen[endpoint]; ok {
			return nil, fmt.Errorf("%w: duplicate endpoint %s", ErrInvalidProvider, endpoint)
		}
		seen[endpoint] = struct{}{}
		provider.Endpoint = endpoint
		normalized = append(normalized, provider)
	}

	return &StaticLookup{
		providers: map[string][]ServiceProvider{serviceType: normalized},
		versions:  map[string]string{serviceType: version},
	}, nil
}

// ServiceProviderList returns a copy of the providers registered for serviceType.
func (s *StaticLookup) ServiceProviderList(_ context.Context, serviceType string) ([]ServiceProvider, error) {
	providers, ok := s.providers[serviceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServiceType, serviceType)
	}
	result := make([]ServiceProvider, len(providers))
	copy(result, providers)
	return result, nil
}

// CurrentVersion returns the network's expected version for serviceType.
func (s *StaticLookup) CurrentVersion(_ context.Context, serviceType string) (string, error) {
	version, ok := s.versions[serviceType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownServiceType, serviceType)
	}
	return version, nil
}

const (
	providersKeyPrefix = "providers:"
	versionKeyPrefix   = "version:"
)

// CachedLookup memoizes another Lookup for a bounded TTL. Failed lookups are not cached.
type CachedLookup struct {
	inner Lookup
	cache *cache.Cache
}

// NewCachedLookup wraps inner with a TTL cache.
func NewCachedLookup(inner Lookup, ttl time.Duration) *CachedLookup {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedLookup{inner: inner, cache: cache.New(ttl, 2*ttl)}
}

// ServiceProviderList returns cached providers, refreshing them from the wrapped lookup on expiry.
func (c *CachedLookup) ServiceProviderList(ctx context.Context, serviceType string) ([]ServiceProvider, error) {
	key := providersKeyPrefix + serviceType
	if cached, ok := c.cache.Get(key); ok {
		providers := cached.([]ServiceProvider)
		result := make([]ServiceProvider, len(providers))
		copy(result, providers)
		return result, nil
	}
	providers, err := c.inner.ServiceProviderList(ctx, serviceType)
	if err != nil {
		return nil, err
	}
	stored := make([]ServiceProvider, len(providers))
	copy(stored, providers)
	c.cache.SetDefault(key, stored)
	return providers, nil
}

// CurrentVersion returns the cached version, refreshing it from the wrapped lookup on expiry.
func (c *CachedLookup) CurrentVersion(ctx context.Context, serviceType string) (string, error) {
	key := versionKeyPrefix + serviceType
	if cached, ok := c.cache.Get(key); ok {
		return cached.(string), nil
	}
	version, err := c.inner.CurrentVersion(ctx, serviceType)
	if err != nil {
		return "", err
	}
	c.cache.SetDefault(key, version)
	return version, nil
}

// Invalidate drops every cached entry.
func (c *CachedLookup) Invalidate() {
	c.cache.Flush()
}

// CanonicalVersion adds the "v" prefix semver expects.
func CanonicalVersion(version string) string {
	trimmed := strings.TrimSpace(version)
	if trimmed == "" || strings.HasPrefix(trimmed, "v") {
		return trimmed
	}
	return "v" + trimmed
}
