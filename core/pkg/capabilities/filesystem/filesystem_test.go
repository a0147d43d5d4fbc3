package filesystem_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mek-systems/mek/core/pkg/authority"
	"github.com/mek-systems/mek/core/pkg/capabilities/filesystem"
	"github.com/mek-systems/mek/core/pkg/mek"
	"github.com/mek-systems/mek/core/pkg/observerhub"
	"github.com/mek-systems/mek/core/pkg/patternlog"
	"github.com/mek-systems/mek/core/pkg/snapshot"
)

// dispatchThroughGuard is the only way to exercise a capability's exec
// function: CapabilityContract.Execute always panics (the direct-execution
// trap), so every capability test in this file runs through a real Guard,
// the same path the production binary uses.
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

func TestRead_RejectsRelativePath(t *testing.T) {
	contract, err := filesystem.NewRead(filesystem.DefaultConfig())
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"path": "relative/path.txt"})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, filesystem.ReasonPathNotExplicit, refusal.Details["capability_reason"])
}

func TestRead_RejectsPathOutsideScope(t *testing.T) {
	dir := t.TempDir()
	contract, err := filesystem.NewRead(filesystem.DefaultConfig(dir))
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"path": "/etc/passwd"})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, filesystem.ReasonPathOutOfScope, refusal.Details["capability_reason"])
}

func TestRead_RejectsMissingFile(t *testing.T) {
	dir := t.TempDir()
	contract, err := filesystem.NewRead(filesystem.DefaultConfig(dir))
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"path": filepath.Join(dir, "nope.txt")})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, filesystem.ReasonFileNotFound, refusal.Details["capability_reason"])
}

func TestRead_RejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	contract, err := filesystem.NewRead(filesystem.DefaultConfig(dir))
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"path": dir})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, filesystem.ReasonIsDirectory, refusal.Details["capability_reason"])
}

func TestRead_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	contract, err := filesystem.NewRead(filesystem.DefaultConfig(dir))
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"path": path})
	payload, ok := res.Success()
	require.True(t, ok)
	assert.Equal(t, "hello", payload.Value)
}

func TestWrite_RejectsOversizedContent(t *testing.T) {
	dir := t.TempDir()
	cfg := filesystem.DefaultConfig(dir)
	cfg.MaxFileSize = 4
	contract, err := filesystem.NewWrite(cfg)
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{
		"path":    filepath.Join(dir, "big.txt"),
		"content": "way more than four bytes",
	})
	refusal, ok := res.NonAction()
	require.True(t, ok)
	assert.Equal(t, filesystem.ReasonFileTooLarge, refusal.Details["capability_reason"])
}

func TestWrite_Success(t *testing.T) {
	dir := t.TempDir()
	contract, err := filesystem.NewWrite(filesystem.DefaultConfig(dir))
	require.NoError(t, err)

	path := filepath.Join(dir, "nested", "file.txt")
	res := dispatchThroughGuard(t, contract, map[string]any{"path": path, "content": "payload"})
	payload, ok := res.Success()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"written": true, "bytes": 7}, payload.Value)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestDelete_MissingFileReportsNotDeletedRatherThanError(t *testing.T) {
	dir := t.TempDir()
	contract, err := filesystem.NewDelete(filesystem.DefaultConfig(dir))
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"path": filepath.Join(dir, "nope.txt")})
	payload, ok := res.Success()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"deleted": false}, payload.Value)
}

func TestDelete_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	contract, err := filesystem.NewDelete(filesystem.DefaultConfig(dir))
	require.NoError(t, err)

	res := dispatchThroughGuard(t, contract, map[string]any{"path": path})
	payload, ok := res.Success()
	require.True(t, ok)
	assert.Equal(t, map[string]any{"deleted": true}, payload.Value)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
