// Package client implements the Client Binding Layer: a thin,
// stateless translator between an external request representation and a
// kernel Context, dispatched through the Execution Guard. It owns no state
// of its own — every call is independently complete — and synthesizes
// nothing: a request missing confidence or intent is refused here, before
// the guard ever sees it, rather than defaulted.
package client

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mek-systems/mek/core/pkg/authority"
	"github.com/mek-systems/mek/core/pkg/mek"
)

// Request is the external representation of an execution request, as an
// adapter (HTTP handler, CLI command) would decode it off the wire.
// Confidence is a pointer specifically so "absent" and "zero" are
// distinguishable — a caller who means 0.0 confidence must say so
// explicitly.
type Request struct {
	PrincipalID    string
	GrantID        string
	CapabilityName string
	Intent         string
	Confidence     *float64
	Fields         map[string]any
	ProfileID      string
	SessionID      string
}

// Client is the Client Binding Layer. It holds no mutable state beyond
// references to the stores it translates requests against.
type Client struct {
	guard     *mek.Guard
	authority *authority.Store
}

// New constructs a Client bound to a Guard and the Authority Store it needs
// for issue/revoke passthrough.
func New(guard *mek.Guard, authorityStore *authority.Store) *Client {
	return &Client{guard: guard, authority: authorityStore}
}

// toContext applies the client-layer rules: refuse rather than synthesize
// when confidence or intent is absent. Returns a Non-Action Result directly
// (never an error) when translation fails, so the caller can propagate it
// verbatim.
func (c *Client) toContext(req Request) (*mek.Context, *mek.Result) {
	if req.Intent == "" {
		r := mek.Refused(mek.ReasonMissingContext, "", map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"detail":    "intent is required",
		})
		return nil, &r
	}
	if req.Confidence == nil {
		r := mek.Refused(mek.ReasonMissingConfidence, "", map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"detail":    "confidence is required and is never synthesized by the kernel",
		})
		return nil, &r
	}

	var opts []mek.ContextOption
	if req.ProfileID != "" {
		opts = append(opts, mek.WithProfileID(req.ProfileID))
	}
	if req.SessionID != "" {
		opts = append(opts, mek.WithSessionID(req.SessionID))
	}

	ctx, err := mek.NewContext("", *req.Confidence, req.Intent, req.Fields, opts...)
	if err != nil {
		// Construction failure here is exactly invalid_confidence or an
		// empty-intent case already screened above; NewContext's error is
		// translated to the matching Non-Action reason rather than
		// propagated as a bare Go error, which rule (c) forbids an adapter
		// from turning into a retry-suggesting status code.
		reason := mek.ReasonInvalidConfidence
		if err == mek.ErrEmptyIntent {
			reason = mek.ReasonMissingContext
		}
		r := mek.Refused(reason, "", map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"detail":    err.Error(),
		})
		return nil, &r
	}
	return ctx, nil
}

// Execute dispatches the MEK-0 form: no principal, no grant.
func (c *Client) Execute(req Request) mek.Result {
	ctx, refusal := c.toContext(req)
	if refusal != nil {
		return *refusal
	}
	return c.guard.Execute(req.Intent, ctx)
}

// ExecuteWithAuthority dispatches the MEK-2 form.
func (c *Client) ExecuteWithAuthority(req Request) mek.Result {
	ctx, refusal := c.toContext(req)
	if refusal != nil {
		return *refusal
	}
	return c.guard.ExecuteWithAuthority(req.PrincipalID, req.CapabilityName, ctx, req.GrantID)
}

// ExecuteWithSnapshot dispatches the MEK-3 form.
func (c *Client) ExecuteWithSnapshot(req Request) mek.Result {
	ctx, refusal := c.toContext(req)
	if refusal != nil {
		return *refusal
	}
	return c.guard.ExecuteWithSnapshot(req.PrincipalID, req.GrantID, req.CapabilityName, ctx)
}

// IssueGrant passes an issuance request straight through to the Authority
// Store — the client layer translates, it does not gatekeep authority
// decisions beyond what the store itself enforces.
func (c *Client) IssueGrant(principalID, capabilityName, scope string, ttl time.Duration, maxUses *int64, revocable bool) (*authority.Grant, error) {
	return c.authority.IssueGrant(principalID, capabilityName, scope, ttl, maxUses, revocable)
}

// RevokeGrant passes a revocation request straight through to the Authority
// Store.
func (c *Client) RevokeGrant(grantID, revokedBy string, reason authority.RevocationReason) (*authority.RevocationEvent, error) {
	return c.authority.RevokeGrant(grantID, revokedBy, reason)
}

// MEKClaims are the JWT claims a principal-bearing token is expected to
// carry. Grounded on auth.HelmClaims's embedding of jwt.RegisteredClaims,
// trimmed to what the kernel's Principal needs: just a subject.
type MEKClaims struct {
	jwt.RegisteredClaims
}

// PrincipalFromToken extracts a principal_id from a bearer JWT, validating
// its signature via keyFunc (typically backed by a KeySet, as in
// pkg/identity). The client layer never trusts an unsigned or unverifiable
// principal claim.
func PrincipalFromToken(tokenStr string, keyFunc jwt.Keyfunc) (string, error) {
	claims := &MEKClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc)
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.Subject, nil
}
