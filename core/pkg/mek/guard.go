package mek

import (
	stdcontext "context"
	"fmt"
	"sync"
	"time"

	"github.com/mek-systems/mek/core/pkg/authority"
	"github.com/mek-systems/mek/core/pkg/canonicalize"
	"github.com/mek-systems/mek/core/pkg/observability"
	"github.com/mek-systems/mek/core/pkg/observerhub"
	"github.com/mek-systems/mek/core/pkg/patternlog"
	"github.com/mek-systems/mek/core/pkg/snapshot"
)

// AuthorityStore is the subset of authority.Store the Guard depends on.
// Declared here, rather than importing a concrete type requirement beyond
// this interface, so the Guard can be exercised against a fake in tests
// without dragging in sqlite.
type AuthorityStore interface {
	Lookup(grantID string) (*authority.Grant, bool)
	Revoked(grantID string) (*authority.RevocationEvent, bool)
	TryConsume(grantID string) bool
	Version() int64
	FreshStore() bool
}

// Guard is the Execution Guard: the sole door through which a capability's
// internal function is ever invoked. It enforces the ordered 12-gate
// sequence and is the only type in the module that can reach
// CapabilityContract.dispatch.
type Guard struct {
	registry  *Registry
	authority AuthorityStore
	snapshots *snapshot.Store
	patterns  *patternlog.Store
	hub       *observerhub.Hub
	clock     MonotonicClock
	obs       *observability.Provider

	// execMu is the process-wide serialization lock held only around gate
	// 12 (capability dispatch) — the narrowest possible scope, never around
	// the friction sleep.
	execMu sync.Mutex
}

// SetObservability attaches the telemetry provider used to emit one span
// per execute* call and the gate-outcome RED metrics (executions,
// Non-Actions by reason, friction observed). Every method below is
// nil-safe against an unset provider, so this call is optional — a Guard
// built without it behaves exactly as one built before this existed.
func (g *Guard) SetObservability(obs *observability.Provider) {
	g.obs = obs
}

// NewGuard wires a Guard from its component stores. snapshots may be nil if
// the deployment never calls ExecuteWithSnapshot; patterns/hub may be nil to
// disable pattern logging / observation (not recommended, but not a
// violation of any invariant — invariant 5 requires an emission attempt,
// not a live Hub).
func NewGuard(registry *Registry, authorityStore AuthorityStore, snapshots *snapshot.Store, patterns *patternlog.Store, hub *observerhub.Hub, clock MonotonicClock) *Guard {
	return &Guard{
		registry:  registry,
		authority: authorityStore,
		snapshots: snapshots,
		patterns:  patterns,
		hub:       hub,
		clock:     clock,
	}
}

// frictionDuration computes the mandatory pre-execution delay from the
// consequence/confidence table. Confidence buckets and consequence base
// seconds are both bit-exact to the table: LOW/MEDIUM/HIGH base 0/3/10,
// +5 below 0.3, +2 in [0.3, 0.6).
func frictionDuration(level ConsequenceLevel, confidence float64) time.Duration {
	var base time.Duration
	switch level {
	case ConsequenceLow:
		base = 0
	case ConsequenceMedium:
		base = 3 * time.Second
	case ConsequenceHigh:
		base = 10 * time.Second
	}

	switch {
	case confidence < 0.3:
		base += 5 * time.Second
	case confidence < 0.6:
		base += 2 * time.Second
	}
	return base
}

// frictionWait blocks the calling goroutine for exactly d. It deliberately
// takes no context.Context and offers no early-return path: an interruptible
// wait here is the "urgency shortcut" negcap exists to block. Cancellation
// is never supported for this wait. time.Sleep is wall-clock duration-based, not a
// wall-clock *comparison*, so it does not violate the monotonic-clock-only
// rule for gate arithmetic — only the duration fed into it, computed above
// from consequence/confidence, ever matters.
func (g *Guard) frictionWait(d time.Duration) {
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

func (g *Guard) emit(eventType observerhub.EventType, details map[string]any) {
	if g.hub == nil {
		return
	}
	g.hub.Emit(eventType, details)
}

func (g *Guard) record(eventType, capabilityName, consequenceLevel, reason, subReason string, details map[string]any, ctx *Context) {
	if g.patterns == nil {
		return
	}
	var profileID, sessionID, contextID string
	if ctx != nil {
		profileID = ctx.ProfileID()
		sessionID = ctx.SessionID()
		contextID = ctx.ContextID()
	}
	// Pattern recording observes; it never controls. A store failure here
	// is swallowed, matching execution_guard.py's _record_pattern try/except
	// — a logging failure must never change a Result.
	_, _ = g.patterns.Append(eventType, capabilityName, consequenceLevel, reason, subReason, details, contextID, profileID, sessionID)
}

// trackExecution opens one span per execute* call and returns the function
// that closes it; callers defer the result immediately so the span covers
// every gate the call passes through, including early refusals.
func (g *Guard) trackExecution(name string) func() {
	if g.obs == nil {
		return func() {}
	}
	_, end := g.obs.TrackOperation(stdcontext.Background(), name)
	return func() { end(nil) }
}

func (g *Guard) recordNonAction(reason NonActionReason, sub GuardSubReason, capabilityName string) {
	if g.obs != nil {
		g.obs.RecordNonAction(stdcontext.Background(), string(reason), string(sub), capabilityName)
	}
}

func (g *Guard) recordExecutionMetric(capabilityName string, level ConsequenceLevel) {
	if g.obs != nil {
		g.obs.RecordExecution(stdcontext.Background(), capabilityName, string(level))
	}
}

func (g *Guard) recordFriction(d time.Duration, level ConsequenceLevel) {
	if g.obs != nil {
		g.obs.RecordFriction(stdcontext.Background(), d, string(level))
	}
}

func refusalDetails(extra map[string]any, ctx *Context, capabilityName string) map[string]any {
	d := map[string]any{
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"capability_name": capabilityName,
	}
	if ctx != nil {
		d["context_id"] = ctx.ContextID()
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

func (g *Guard) refuse(reason NonActionReason, sub GuardSubReason, ctx *Context, capabilityName string, extra map[string]any, consequenceLevel ConsequenceLevel) Result {
	details := refusalDetails(extra, ctx, capabilityName)
	g.emit(observerhub.EventNonAction, details)
	g.record("non_action", capabilityName, string(consequenceLevel), string(reason), string(sub), details, ctx)
	g.recordNonAction(reason, sub, capabilityName)
	return Refused(reason, sub, details)
}

// Execute is the MEK-0 form: execute(intent_name, context) → Result. No
// principal or grant is involved; gates 3–7 and 10–11 (authority/snapshot)
// are not applicable in this mode. The capability invoked is the one
// registered under intentName — MEK-0 has no separate capability_name
// parameter, so intent and capability identity coincide by construction.
func (g *Guard) Execute(intentName string, ctx *Context) Result {
	defer g.trackExecution("execute")()
	if ctx == nil {
		return Refused(ReasonMissingContext, "", map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339Nano)})
	}
	// Gate 2: intent declared.
	if intentName == "" || ctx.Intent() == "" {
		return g.refuse(ReasonMissingContext, "", ctx, intentName, nil, "")
	}

	capability, ok := g.registry.Get(intentName)
	if !ok {
		return g.refuse(ReasonRefusedByGuard, SubReasonUnknownCapability, ctx, intentName, nil, "")
	}

	if missing := ctx.MissingFields(capability.RequiredContextFields()); len(missing) > 0 {
		return g.refuse(ReasonRefusedByGuard, SubReasonUnknownCapability, ctx, intentName, map[string]any{"missing_fields": missing}, capability.ConsequenceLevel())
	}
	if err := g.registry.ValidateFields(intentName, ctx.Fields()); err != nil {
		return g.refuse(ReasonExecutionFailed, "", ctx, intentName, map[string]any{"schema_error": err.Error()}, capability.ConsequenceLevel())
	}

	// Gate 8: confidence gate. Context construction already enforced this
	// range; re-asserted here as the gate sequence's own explicit checkpoint.
	if ctx.Confidence() < 0 || ctx.Confidence() > 1 {
		return g.refuse(ReasonInvalidConfidence, "", ctx, intentName, nil, capability.ConsequenceLevel())
	}

	// Gate 9: friction.
	wait := frictionDuration(capability.ConsequenceLevel(), ctx.Confidence())
	g.frictionWait(wait)
	g.recordFriction(wait, capability.ConsequenceLevel())

	return g.dispatch(capability, ctx)
}

// ExecuteWithAuthority is the MEK-2 form: execute_with_authority(
// principal_id, capability_name, context, grant_id) → Result. Runs gates
// 2–9 plus 12; no snapshot is captured or re-validated.
func (g *Guard) ExecuteWithAuthority(principalID, capabilityName string, ctx *Context, grantID string) Result {
	defer g.trackExecution("execute_with_authority")()
	if ctx == nil {
		return Refused(ReasonMissingContext, "", map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339Nano)})
	}
	if ctx.Intent() == "" {
		return g.refuse(ReasonMissingContext, "", ctx, capabilityName, nil, "")
	}
	// Gate 3: principal presence.
	if principalID == "" {
		return g.refuse(ReasonRefusedByGuard, SubReasonMissingPrincipal, ctx, capabilityName, nil, "")
	}

	capability, ok := g.registry.Get(capabilityName)
	if !ok {
		return g.refuse(ReasonRefusedByGuard, SubReasonUnknownCapability, ctx, capabilityName, nil, "")
	}

	grant, refusal := g.checkGrant(principalID, capabilityName, grantID, ctx, capability.ConsequenceLevel())
	if refusal != nil {
		return *refusal
	}

	if missing := ctx.MissingFields(capability.RequiredContextFields()); len(missing) > 0 {
		return g.refuse(ReasonRefusedByGuard, SubReasonUnknownCapability, ctx, capabilityName, map[string]any{"missing_fields": missing}, capability.ConsequenceLevel())
	}
	if err := g.registry.ValidateFields(capabilityName, ctx.Fields()); err != nil {
		return g.refuse(ReasonExecutionFailed, "", ctx, capabilityName, map[string]any{"schema_error": err.Error()}, capability.ConsequenceLevel())
	}

	// Gate 8: confidence gate.
	if ctx.Confidence() < 0 || ctx.Confidence() > 1 {
		return g.refuse(ReasonInvalidConfidence, "", ctx, capabilityName, nil, capability.ConsequenceLevel())
	}

	// Gate 9: friction.
	wait := frictionDuration(capability.ConsequenceLevel(), ctx.Confidence())
	g.frictionWait(wait)
	g.recordFriction(wait, capability.ConsequenceLevel())

	// Revocation re-check: the friction wait is exactly the window a
	// revocation raced against, so a grant revoked mid-sleep must be
	// caught here, before commitment, not left to TryConsume (which only
	// decrements a use count and knows nothing about revocation state).
	if _, revoked := g.authority.Revoked(grant.ID()); revoked {
		return g.refuse(ReasonRefusedByGuard, SubReasonGrantRevoked, ctx, capabilityName, map[string]any{"grant_id": grant.ID()}, capability.ConsequenceLevel())
	}

	// Gate 7 (use consumption) happens at the moment of commitment to
	// execute, after friction, so try_consume only ever fires for an
	// execution that is actually about to happen.
	if !g.authority.TryConsume(grant.ID()) {
		return g.refuse(ReasonRefusedByGuard, SubReasonGrantExhausted, ctx, capabilityName, map[string]any{"grant_id": grant.ID()}, capability.ConsequenceLevel())
	}

	return g.dispatch(capability, ctx)
}

// ExecuteWithSnapshot is the MEK-3 form: execute_with_snapshot(principal_id,
// grant_id, capability_name, context, confidence) → Result. Confidence is
// already carried by ctx; this form is distinguished from MEK-2 by running
// the full gate sequence 1–12, including snapshot capture (gate 10) and
// re-validation across the friction boundary (gate 11) — the mechanism
// that closes the TOCTOU window.
func (g *Guard) ExecuteWithSnapshot(principalID, grantID, capabilityName string, ctx *Context) Result {
	defer g.trackExecution("execute_with_snapshot")()
	if ctx == nil {
		return Refused(ReasonMissingContext, "", map[string]any{"timestamp": time.Now().UTC().Format(time.RFC3339Nano)})
	}
	if ctx.Intent() == "" {
		return g.refuse(ReasonMissingContext, "", ctx, capabilityName, nil, "")
	}
	if principalID == "" {
		return g.refuse(ReasonRefusedByGuard, SubReasonMissingPrincipal, ctx, capabilityName, nil, "")
	}

	capability, ok := g.registry.Get(capabilityName)
	if !ok {
		return g.refuse(ReasonRefusedByGuard, SubReasonUnknownCapability, ctx, capabilityName, nil, "")
	}

	grant, refusal := g.checkGrant(principalID, capabilityName, grantID, ctx, capability.ConsequenceLevel())
	if refusal != nil {
		return *refusal
	}

	if missing := ctx.MissingFields(capability.RequiredContextFields()); len(missing) > 0 {
		return g.refuse(ReasonRefusedByGuard, SubReasonUnknownCapability, ctx, capabilityName, map[string]any{"missing_fields": missing}, capability.ConsequenceLevel())
	}
	if err := g.registry.ValidateFields(capabilityName, ctx.Fields()); err != nil {
		return g.refuse(ReasonExecutionFailed, "", ctx, capabilityName, map[string]any{"schema_error": err.Error()}, capability.ConsequenceLevel())
	}

	if ctx.Confidence() < 0 || ctx.Confidence() > 1 {
		return g.refuse(ReasonInvalidConfidence, "", ctx, capabilityName, nil, capability.ConsequenceLevel())
	}

	if g.snapshots == nil {
		return g.refuse(ReasonExecutionFailed, "", ctx, capabilityName, map[string]any{"detail": "snapshot store not configured"}, capability.ConsequenceLevel())
	}
	if g.authority.FreshStore() {
		// A process that found no prior authority_version row cannot trust
		// any version comparison it makes, because it has no history to
		// compare against. Refuse snapshot mode outright for this epoch.
		return g.refuse(ReasonRefusedByGuard, SubReasonSnapshotMismatch, ctx, capabilityName, map[string]any{"field": "authority_version", "detail": "fresh store: no prior epoch to validate against"}, capability.ConsequenceLevel())
	}

	remainingUses := grant.RemainingUses()

	// Gate 10: snapshot creation.
	snap, err := g.snapshots.Capture(
		principalID, grant.ID(), capabilityName, grant.Scope(),
		ctx.ContextID(), ctx.Fields(),
		ctx.Intent(), ctx.Confidence(),
		g.authority.Version(), grant.ExpiresAt(), remainingUses,
	)
	if err != nil {
		return g.refuse(ReasonExecutionFailed, "", ctx, capabilityName, map[string]any{"detail": fmt.Sprintf("snapshot capture failed: %v", err)}, capability.ConsequenceLevel())
	}

	// Gate 9: friction. The TOCTOU window the snapshot exists to close is
	// the wait itself, so gate 9 runs immediately after capture, ensuring
	// re-validation at gate 11 spans exactly the sleep and nothing else.
	wait := frictionDuration(capability.ConsequenceLevel(), ctx.Confidence())
	g.frictionWait(wait)
	g.recordFriction(wait, capability.ConsequenceLevel())

	// Gate 11: snapshot re-validation.
	curGrant, ok := g.authority.Lookup(grant.ID())
	if !ok {
		return g.refuse(ReasonRefusedByGuard, SubReasonSnapshotMismatch, ctx, capabilityName, map[string]any{"field": "grant_expires_at", "detail": "grant no longer present"}, capability.ConsequenceLevel())
	}
	if _, revoked := g.authority.Revoked(grant.ID()); revoked {
		return g.refuse(ReasonRefusedByGuard, SubReasonGrantRevoked, ctx, capabilityName, map[string]any{"grant_id": grant.ID()}, capability.ConsequenceLevel())
	}
	contextHash, intentHash, scopeHash, err := snapshotHashes(ctx, curGrant.Scope())
	if err != nil {
		return g.refuse(ReasonExecutionFailed, "", ctx, capabilityName, map[string]any{"detail": fmt.Sprintf("re-hash failed: %v", err)}, capability.ConsequenceLevel())
	}
	mismatch := snap.Revalidate(snapshot.CurrentState{
		AuthorityVersion:    g.authority.Version(),
		ContextHash:         contextHash,
		IntentHash:          intentHash,
		CapabilityScopeHash: scopeHash,
		GrantExpiresAt:      curGrant.ExpiresAt(),
		GrantRemainingUses:  curGrant.RemainingUses(),
	})
	if mismatch != "" {
		return g.refuse(ReasonRefusedByGuard, SubReasonSnapshotMismatch, ctx, capabilityName, map[string]any{"field": string(mismatch)}, capability.ConsequenceLevel())
	}

	if !g.authority.TryConsume(grant.ID()) {
		return g.refuse(ReasonRefusedByGuard, SubReasonGrantExhausted, ctx, capabilityName, map[string]any{"grant_id": grant.ID()}, capability.ConsequenceLevel())
	}

	return g.dispatch(capability, ctx)
}

// snapshotHashes re-derives the three hashes a Snapshot captured, using
// exactly the same canonical inputs as snapshot.Store.Capture so that gate
// 11's comparison is meaningful.
func snapshotHashes(ctx *Context, capabilityScope string) (contextHash, intentHash, scopeHash string, err error) {
	scopeHash, err = canonicalize.CanonicalHash(capabilityScope)
	if err != nil {
		return "", "", "", fmt.Errorf("hash scope: %w", err)
	}
	contextHash, err = canonicalize.CanonicalHash(map[string]any{
		"context_id": ctx.ContextID(),
		"fields":     ctx.Fields(),
	})
	if err != nil {
		return "", "", "", fmt.Errorf("hash context: %w", err)
	}
	intentHash, err = canonicalize.CanonicalHash(map[string]any{
		"name":  ctx.Intent(),
		"value": ctx.Intent(),
	})
	if err != nil {
		return "", "", "", fmt.Errorf("hash intent: %w", err)
	}
	return contextHash, intentHash, scopeHash, nil
}

// checkGrant implements gates 4–6 (lookup, expiry, revocation). Gate 7's
// consumption happens later, after friction.
func (g *Guard) checkGrant(principalID, capabilityName, grantID string, ctx *Context, level ConsequenceLevel) (*authority.Grant, *Result) {
	grant, ok := g.authority.Lookup(grantID)
	if !ok {
		r := g.refuse(ReasonRefusedByGuard, SubReasonNoGrant, ctx, capabilityName, map[string]any{"grant_id": grantID}, level)
		return nil, &r
	}
	if grant.PrincipalID() != principalID {
		r := g.refuse(ReasonRefusedByGuard, SubReasonGrantPrincipalMismatch, ctx, capabilityName, map[string]any{"grant_id": grantID}, level)
		return nil, &r
	}
	if grant.CapabilityName() != capabilityName {
		r := g.refuse(ReasonRefusedByGuard, SubReasonGrantCapabilityMismatch, ctx, capabilityName, map[string]any{"grant_id": grantID}, level)
		return nil, &r
	}
	if grant.Expired(g.clock.Now()) {
		r := g.refuse(ReasonRefusedByGuard, SubReasonGrantExpired, ctx, capabilityName, map[string]any{"grant_id": grantID}, level)
		return nil, &r
	}
	if _, revoked := g.authority.Revoked(grantID); revoked {
		r := g.refuse(ReasonRefusedByGuard, SubReasonGrantRevoked, ctx, capabilityName, map[string]any{"grant_id": grantID}, level)
		return nil, &r
	}
	if _, has := grant.MaxUses(); has && grant.RemainingUses() <= 0 {
		r := g.refuse(ReasonRefusedByGuard, SubReasonGrantExhausted, ctx, capabilityName, map[string]any{"grant_id": grantID}, level)
		return nil, &r
	}
	return grant, nil
}

// dispatch is gate 12: invoke the capability's internal execution function
// under the process-wide serialization lock. This is the only call site in
// the entire module that reaches CapabilityContract.dispatch.
func (g *Guard) dispatch(capability *CapabilityContract, ctx *Context) Result {
	g.execMu.Lock()
	value, err := capability.dispatch(stdcontext.Background(), ctx)
	g.execMu.Unlock()

	if err != nil {
		reason := ""
		if capErr, ok := err.(*CapabilityError); ok {
			reason = capErr.Reason
		}
		details := map[string]any{"capability_reason": reason, "detail": err.Error()}
		return g.refuse(ReasonExecutionFailed, "", ctx, capability.Name(), details, capability.ConsequenceLevel())
	}

	details := refusalDetails(nil, ctx, capability.Name())
	g.emit(observerhub.EventExecutionSuccess, details)
	g.record("execution_success", capability.Name(), string(capability.ConsequenceLevel()), "", "", details, ctx)
	g.recordExecutionMetric(capability.Name(), capability.ConsequenceLevel())
	return Succeeded(value)
}

// RegisterObserver attaches an observer to this Guard's Observer Hub.
func (g *Guard) RegisterObserver(obs observerhub.Observer) uint64 {
	if g.hub == nil {
		return 0
	}
	return g.hub.Register(obs)
}

// ClearObservers removes every registered observer. Per invariant 8, doing
// so must never change the Result of any subsequent execution.
func (g *Guard) ClearObservers() {
	if g.hub != nil {
		g.hub.ClearObservers()
	}
}

// Registry returns the Guard's Capability Registry, for read-only lookups
// (e.g. an adapter listing available capability names).
func (g *Guard) Registry() *Registry {
	return g.registry
}
