// Package observability provides kernel-specific instrumentation helpers —
// span attribute builders for capability dispatch, authority grants,
// snapshots, and tamper-evidence signing.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Kernel-specific semantic convention attributes.
var (
	// Gate-evaluation attributes.
	AttrCapabilityName    = attribute.Key("mek.capability.name")
	AttrConsequenceLevel  = attribute.Key("mek.consequence.level")
	AttrTerminalGate      = attribute.Key("mek.gate.terminal")
	AttrNonActionReason   = attribute.Key("mek.non_action.reason")
	AttrNonActionSubCause = attribute.Key("mek.non_action.sub_reason")

	// Authority/grant attributes.
	AttrPrincipalID = attribute.Key("mek.principal.id")
	AttrGrantID     = attribute.Key("mek.grant.id")
	AttrGrantScope  = attribute.Key("mek.grant.scope")

	// Snapshot attributes.
	AttrSnapshotID   = attribute.Key("mek.snapshot.id")
	AttrContextHash  = attribute.Key("mek.snapshot.context_hash")
	AttrIntentHash   = attribute.Key("mek.snapshot.intent_hash")
	AttrScopeHash    = attribute.Key("mek.snapshot.scope_hash")
	AttrRevalidation = attribute.Key("mek.snapshot.revalidated")

	// Crypto attributes.
	AttrCryptoAlgorithm = attribute.Key("mek.crypto.algorithm")
	AttrCryptoOperation = attribute.Key("mek.crypto.operation")
	AttrCryptoKeyID     = attribute.Key("mek.crypto.key_id")
)

// GateOperation creates attributes for one execute* gate-evaluation pass.
func GateOperation(capabilityName, consequenceLevel, terminalGate string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCapabilityName.String(capabilityName),
		AttrConsequenceLevel.String(consequenceLevel),
		AttrTerminalGate.String(terminalGate),
	}
}

// NonActionOperation creates attributes describing a refusal outcome.
func NonActionOperation(reason, subReason, capabilityName string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrNonActionReason.String(reason),
		AttrNonActionSubCause.String(subReason),
		AttrCapabilityName.String(capabilityName),
	}
}

// GrantOperation creates attributes for an authority grant lookup/issuance.
func GrantOperation(principalID, grantID, scope string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPrincipalID.String(principalID),
		AttrGrantID.String(grantID),
		AttrGrantScope.String(scope),
	}
}

// SnapshotOperation creates attributes for a snapshot capture or
// re-validation.
func SnapshotOperation(snapshotID, contextHash, intentHash, scopeHash string, revalidated bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSnapshotID.String(snapshotID),
		AttrContextHash.String(contextHash),
		AttrIntentHash.String(intentHash),
		AttrScopeHash.String(scopeHash),
		AttrRevalidation.Bool(revalidated),
	}
}

// CryptoOperation creates attributes for a tamper-evidence sign/verify call.
func CryptoOperation(algorithm, operation, keyID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCryptoAlgorithm.String(algorithm),
		AttrCryptoOperation.String(operation),
		AttrCryptoKeyID.String(keyID),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err against the current span, if any.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
