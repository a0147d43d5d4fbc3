package snapshot_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mek-systems/mek/core/pkg/snapshot"
)

func TestDiscretizeConfidence_Breakpoints(t *testing.T) {
	assert.Equal(t, snapshot.ConfidenceRangeLow, snapshot.DiscretizeConfidence(0))
	assert.Equal(t, snapshot.ConfidenceRangeLow, snapshot.DiscretizeConfidence(0.29))
	assert.Equal(t, snapshot.ConfidenceRangeMedium, snapshot.DiscretizeConfidence(0.3))
	assert.Equal(t, snapshot.ConfidenceRangeMedium, snapshot.DiscretizeConfidence(0.59))
	assert.Equal(t, snapshot.ConfidenceRangeHigh, snapshot.DiscretizeConfidence(0.6))
	assert.Equal(t, snapshot.ConfidenceRangeHigh, snapshot.DiscretizeConfidence(1))
}

func TestRevalidate_NoMismatchReturnsEmpty(t *testing.T) {
	snap := &snapshot.Snapshot{
		AuthorityVersion:    3,
		ContextHash:         "ctx",
		IntentHash:          "intent",
		CapabilityScopeHash: "scope",
		GrantExpiresAt:      100,
		GrantRemainingUses:  2,
	}
	cur := snapshot.CurrentState{
		AuthorityVersion:    3,
		ContextHash:         "ctx",
		IntentHash:          "intent",
		CapabilityScopeHash: "scope",
		GrantExpiresAt:      100,
		GrantRemainingUses:  2,
	}
	assert.Equal(t, snapshot.MismatchField(""), snap.Revalidate(cur))
}

func TestRevalidate_ReturnsFirstMismatchInFixedOrder(t *testing.T) {
	base := snapshot.Snapshot{
		AuthorityVersion:    3,
		ContextHash:         "ctx",
		IntentHash:          "intent",
		CapabilityScopeHash: "scope",
		GrantExpiresAt:      100,
		GrantRemainingUses:  2,
	}
	baseCur := snapshot.CurrentState{
		AuthorityVersion:    3,
		ContextHash:         "ctx",
		IntentHash:          "intent",
		CapabilityScopeHash: "scope",
		GrantExpiresAt:      100,
		GrantRemainingUses:  2,
	}

	// authority_version is compared first: a divergence there must be
	// reported even when every later field also diverges.
	cur := baseCur
	cur.AuthorityVersion = 4
	cur.ContextHash = "different"
	snap := base
	assert.Equal(t, snapshot.FieldAuthorityVersion, snap.Revalidate(cur))

	cur = baseCur
	cur.ContextHash = "different"
	assert.Equal(t, snapshot.FieldContextHash, snap.Revalidate(cur))

	cur = baseCur
	cur.IntentHash = "different"
	assert.Equal(t, snapshot.FieldIntentHash, snap.Revalidate(cur))

	cur = baseCur
	cur.CapabilityScopeHash = "different"
	assert.Equal(t, snapshot.FieldCapabilityScope, snap.Revalidate(cur))

	cur = baseCur
	cur.GrantExpiresAt = 200
	assert.Equal(t, snapshot.FieldGrantExpiresAt, snap.Revalidate(cur))

	cur = baseCur
	cur.GrantRemainingUses = 0
	assert.Equal(t, snapshot.FieldGrantRemainingUses, snap.Revalidate(cur))
}

func newTestStore(t *testing.T) *snapshot.Store {
	t.Helper()
	store, err := snapshot.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCapture_PersistsAndRoundTrips(t *testing.T) {
	store := newTestStore(t)

	snap, err := store.Capture(
		"owner", "grant-1", "fs.read", "scope-a",
		"ctx-1", map[string]any{"path": "/tmp/x"},
		"read a file", 0.9,
		2, 999, 5,
	)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.SnapshotID)
	assert.Equal(t, snapshot.ConfidenceRangeHigh, snap.ConfidenceRange)

	got, err := store.Get(snap.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, snap.SnapshotID, got.SnapshotID)
	assert.Equal(t, snap.ContextHash, got.ContextHash)
	assert.Equal(t, snap.CapabilityScopeHash, got.CapabilityScopeHash)
	assert.Equal(t, map[string]any{"path": "/tmp/x"}, got.ContextFields)
}

func TestCapture_SameInputsProduceSameHashes(t *testing.T) {
	store := newTestStore(t)

	a, err := store.Capture("owner", "g1", "fs.read", "scope", "ctx", map[string]any{"k": "v"}, "do it", 0.8, 1, 10, 1)
	require.NoError(t, err)
	b, err := store.Capture("owner", "g1", "fs.read", "scope", "ctx", map[string]any{"k": "v"}, "do it", 0.8, 1, 10, 1)
	require.NoError(t, err)

	assert.Equal(t, a.ContextHash, b.ContextHash)
	assert.Equal(t, a.CapabilityScopeHash, b.CapabilityScopeHash)
	assert.Equal(t, a.IntentHash, b.IntentHash)
	assert.NotEqual(t, a.SnapshotID, b.SnapshotID, "snapshot identity is still unique per capture")
}

func TestListByPrincipal_MostRecentFirstAndRespectsLimit(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := store.Capture("owner", "g1", "fs.read", "scope", "ctx", nil, "intent", 0.9, int64(i), 10, 1)
		require.NoError(t, err)
	}
	_, err := store.Capture("other-owner", "g2", "fs.read", "scope", "ctx", nil, "intent", 0.9, 0, 10, 1)
	require.NoError(t, err)

	got, err := store.ListByPrincipal("owner", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, snap := range got {
		assert.Equal(t, "owner", snap.PrincipalID)
	}
	assert.Equal(t, int64(2), got[0].AuthorityVersion, "most recent capture first")
	assert.Equal(t, int64(1), got[1].AuthorityVersion)
}

func TestGet_UnknownSnapshotErrors(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get("nonexistent")
	assert.Error(t, err)
}
