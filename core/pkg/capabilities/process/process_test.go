package process_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mek-systems/mek/core/pkg/authority"
	"github.com/mek-systems/mek/core/pkg/capabilities/process"
	"github.com/mek-systems/mek/core/pkg/mek"
	"github.com/mek-systems/mek/core/pkg/observerhub"
	"github.com/mek-systems/mek/core/pkg/patternlog"
	"github.com/mek-systems/mek/core/pkg/snapshot"
)

// dispatchThroughGuard mirrors the filesystem package's test helper:
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

func TestNew_RejectsDisallowedExecutable(t *testing.T) {
	contract, err := process.New(process.DefaultConfig("true"))
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"executable": "rm", "args": []any{"-rf", "/"}})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, process.ReasonExecutableNotAllowed, refusal.Details["capability_reason"])
}

func TestNew_RejectsExplicitShellFlag(t *testing.T) {
	contract, err := process.New(process.DefaultConfig("true"))
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"executable": "true", "args": []any{}, "shell": true})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, process.ReasonShellInvocationForbidden, refusal.Details["capability_reason"])
}

func TestNew_RejectsTimeoutOutsideRange(t *testing.T) {
	contract, err := process.New(process.DefaultConfig("true"))
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{
		"executable":      "true",
		"args":            []any{},
		"timeout_seconds": 999,
	})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, process.ReasonTimeoutExceeded, refusal.Details["capability_reason"])
}

func TestNew_Success(t *testing.T) {
	contract, err := process.New(process.DefaultConfig("true"))
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"executable": "true", "args": []any{}})
	payload, ok := res.Success()
	require.True(t, ok)
	out, ok := payload.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "", out["stdout"])
}
