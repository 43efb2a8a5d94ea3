package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLookup struct {
	providerCalls int
	versionCalls  int
	fail          bool
}

func (c *countingLookup) ServiceProviderList(context.Context, string) ([]ServiceProvider, error) {
	c.providerCalls++
	if c.fail {
		return nil, errors.New("registry unavailable")
	}
	return []ServiceProvider{{ServiceID: 1, Endpoint: "https://cn1.example"}}, nil
}

func (c *countingLookup) CurrentVersion(context.Context, string) (string, error) {
	c.versionCalls++
	return "1.2.3", nil
}

func TestStaticLookupValidatesProviders(t *testing.T) {
	_, err := NewStaticLookup(ServiceTypeContentNode, []ServiceProvider{{Endpoint: "not a url"}}, "1.0.0")
	assert.ErrorIs(t, err, ErrInvalidProvider)

	_, err = NewStaticLookup(ServiceTypeContentNode, []ServiceProvider{{Endpoint: "https://a"}, {Endpoint: "https://a/"}}, "1.0.0")
	assert.ErrorIs(t, err, ErrInvalidProvider)

	_, err = NewStaticLookup(ServiceTypeContentNode, nil, "latest")
	assert.ErrorIs(t, err, ErrInvalidProvider)
}

func TestStaticLookupServesCopies(t *testing.T) {
	lookup, err := NewStaticLookup(ServiceTypeContentNode, []ServiceProvider{
		{ServiceID: 1, Endpoint: "https://cn1.example/"},
		{ServiceID: 2, Endpoint: "https://cn2.example"},
	}, "1.2.3")
	require.NoError(t, err)

	providers, err := lookup.ServiceProviderList(context.Background(), ServiceTypeContentNode)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "https://cn1.example", providers[0].Endpoint)

	providers[0].Endpoint = "mutated"
	again, err := lookup.ServiceProviderList(context.Background(), ServiceTypeContentNode)
	require.NoError(t, err)
	assert.Equal(t, "https://cn1.example", again[0].Endpoint)

	version, err := lookup.CurrentVersion(context.Background(), ServiceTypeContentNode)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", version)

	_, err = lookup.CurrentVersion(context.Background(), "discovery-node")
	assert.ErrorIs(t, err, ErrUnknownServiceType)
}

func TestCachedLookupMemoizesUntilInvalidated(t *testing.T) {
	inner := &countingLookup{}
	cached := NewCachedLookup(inner, time.Hour)
	ctx := context.Background()

	for attempt := 0; attempt < 3; attempt++ {
		providers, err := cached.ServiceProviderList(ctx, ServiceTypeContentNode)
		require.NoError(t, err)
		require.Len(t, providers, 1)
		_, err = cached.CurrentVersion(ctx, ServiceTypeContentNode)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, inner.providerCalls)
	assert.Equal(t, 1, inner.versionCalls)

	cached.Invalidate()
	_, err := cached.ServiceProviderList(ctx, ServiceTypeContentNode)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.providerCalls)
}

func TestCachedLookupDoesNotCacheFailures(t *testing.T) {
	inner := &countingLookup{fail: true}
	cached := NewCachedLookup(inner, time.Hour)

	_, err := cached.ServiceProviderList(context.Background(), ServiceTypeContentNode)
	require.Error(t, err)
	inner.fail = false
	providers, err := cached.ServiceProviderList(context.Background(), ServiceTypeContentNode)
	require.NoError(t, err)
	assert.Len(t, providers, 1)
	assert.Equal(t, 2, inner.providerCalls)
}

func TestCanonicalVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", CanonicalVersion("1.2.3"))
	assert.Equal(t, "v1.2.3", CanonicalVersion(" v1.2.3 "))
	assert.Equal(t, "", CanonicalVersion(""))
}
