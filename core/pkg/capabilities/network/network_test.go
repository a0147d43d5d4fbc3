package network_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mek-systems/mek/core/pkg/authority"
	"github.com/mek-systems/mek/core/pkg/capabilities/network"
	"github.com/mek-systems/mek/core/pkg/mek"
	"github.com/mek-systems/mek/core/pkg/observerhub"
	"github.com/mek-systems/mek/core/pkg/patternlog"
	"github.com/mek-systems/mek/core/pkg/snapshot"
)

// dispatchThroughGuard mirrors the filesystem/process packages' helper:
// CapabilityContract.Execute always panics, so every capability test runs
// through a real Guard.
func dispatchThroughGuard(t *testing.T, contract *mek.CapabilityContract, fields map[string]any) mek.Result {
	t.Helper()
	clock := mek.NewSystemClock()
	hub := observerhub.NewHub()

	authStore, err := authority.NewStore(":memory:", clock, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = authStore.Close(context.Background()) })
	snapStore, err := snapshot.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = snapStore.Close() })
	patStore, err := patternlog.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = patStore.Close() })

	registry := mek.NewRegistry()
	registry.Register(contract)
	guard := mek.NewGuard(registry, authStore, snapStore, patStore, hub, clock)

	ctx, err := mek.NewContext("", 0.9, contract.Name(), fields)
	require.NoError(t, err)
	return guard.Execute(contract.Name(), ctx)
}

type alwaysDenyLimiter struct{}

func (alwaysDenyLimiter) Allow(context.Context) bool { return false }

func TestNew_RejectsNonHTTPSScheme(t *testing.T) {
	contract, err := network.New(network.DefaultConfig("example.com"), nil)
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"url": "http://example.com/", "method": "GET"})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, network.ReasonUnsafeScheme, refusal.Details["capability_reason"])
}

func TestNew_RejectsDomainNotInAllowlist(t *testing.T) {
	contract, err := network.New(network.DefaultConfig("example.com"), nil)
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"url": "https://evil.com/", "method": "GET"})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, network.ReasonURLNotAllowed, refusal.Details["capability_reason"])
}

func TestNew_AllowsSubdomainOfAllowedDomain(t *testing.T) {
	contract, err := network.New(network.DefaultConfig("example.com"), alwaysDenyLimiter{})
	require.NoError(t, err)

	// The limiter fires first, but only once domain/method validation is
	// already satisfied — a rate-limited refusal here proves the subdomain
	// was accepted, not rejected, by domainAllowed.
	res := dispatchThroughGuard(t, contract, map[string]any{"url": "https://api.example.com/", "method": "GET"})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, network.ReasonRateLimited, refusal.Details["capability_reason"])
}

func TestNew_RejectsMethodNotAllowed(t *testing.T) {
	contract, err := network.New(network.DefaultConfig("example.com"), nil)
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"url": "https://example.com/", "method": "DELETE"})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, network.ReasonMethodNotAllowed, refusal.Details["capability_reason"])
}

func TestNew_RejectsOversizedPayload(t *testing.T) {
	cfg := network.DefaultConfig("example.com")
	cfg.MaxPayloadBytes = 4
	contract, err := network.New(cfg, nil)
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{
		"url":    "https://example.com/",
		"method": "POST",
		"body":   "way more than four bytes",
	})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, network.ReasonPayloadTooLarge, refusal.Details["capability_reason"])
}

func TestNew_RejectsWhenLimiterDenies(t *testing.T) {
	contract, err := network.New(network.DefaultConfig("example.com"), alwaysDenyLimiter{})
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"url": "https://example.com/", "method": "GET"})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, network.ReasonRateLimited, refusal.Details["capability_reason"])
}

func TestNew_RejectsUnparseableURL(t *testing.T) {
	contract, err := network.New(network.DefaultConfig("example.com"), nil)
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"url": "https://%zz", "method": "GET"})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, network.ReasonURLNotAllowed, refusal.Details["capability_reason"])
}
