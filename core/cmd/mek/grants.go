package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/mek-systems/mek/core/pkg/authority"
	"github.com/mek-systems/mek/core/pkg/canonicalize"
	"github.com/mek-systems/mek/core/pkg/config"
	"github.com/mek-systems/mek/core/pkg/patternlog"
)

// runIssueGrantCmd implements `mek issue-grant`, an operator-facing
// shortcut to the same Authority Store the HTTP server's POST /v1/grants
// handler calls — useful for bootstrapping a grant before any adapter is
// wired up.
func runIssueGrantCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("issue-grant", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	principalID := cmd.String("principal", "", "principal the grant is issued to (required)")
	capabilityName := cmd.String("capability", "", "capability name the grant authorizes (required)")
	scope := cmd.String("scope", "", "capability-specific scope string")
	ttl := cmd.Duration("ttl", config.GrantDefaultTTL, "grant lifetime")
	maxUses := cmd.Int64("max-uses", 0, "maximum number of uses, 0 for unlimited")
	revocable := cmd.Bool("revocable", true, "whether the grant can be revoked before expiry")
	if err := cmd.Parse(args); err != nil {
		return 1
	}
	if *principalID == "" || *capabilityName == "" {
		fmt.Fprintf(stderr, "%s-principal and -capability are required%s\n", ColorRed, ColorReset)
		return 1
	}

	cfg := config.Load()
	ctx := context.Background()
	k, err := buildKernel(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "%skernel init: %v%s\n", ColorRed, err, ColorReset)
		return 1
	}
	defer k.Close(ctx)

	var maxUsesPtr *int64
	if *maxUses > 0 {
		maxUsesPtr = maxUses
	}

	grant, err := k.client.IssueGrant(*principalID, *capabilityName, *scope, *ttl, maxUsesPtr, *revocable)
	if err != nil {
		fmt.Fprintf(stderr, "%sissue-grant failed: %v%s\n", ColorRed, err, ColorReset)
		return 1
	}

	fmt.Fprintf(stdout, "%sgrant issued%s: %s\n", ColorGreen+ColorBold, ColorReset, grant.ID())
	_ = json.NewEncoder(stdout).Encode(grantPayload(grant))
	return 0
}

// runRevokeGrantCmd implements `mek revoke-grant`.
func runRevokeGrantCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("revoke-grant", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	grantID := cmd.String("grant", "", "grant ID to revoke (required)")
	revokedBy := cmd.String("by", "operator", "identity performing the revocation")
	reason := cmd.String("reason", string(authority.ReasonExplicitRevocation), "revocation reason")
	if err := cmd.Parse(args); err != nil {
		return 1
	}
	if *grantID == "" {
		fmt.Fprintf(stderr, "%s-grant is required%s\n", ColorRed, ColorReset)
		return 1
	}

	cfg := config.Load()
	ctx := context.Background()
	k, err := buildKernel(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "%skernel init: %v%s\n", ColorRed, err, ColorReset)
		return 1
	}
	defer k.Close(ctx)

	event, err := k.client.RevokeGrant(*grantID, *revokedBy, authority.RevocationReason(*reason))
	if err != nil {
		fmt.Fprintf(stderr, "%srevoke-grant failed: %v%s\n", ColorRed, err, ColorReset)
		return 1
	}

	fmt.Fprintf(stdout, "%sgrant revoked%s: %s\n", ColorGreen+ColorBold, ColorReset, *grantID)
	_ = json.NewEncoder(stdout).Encode(event)
	return 0
}

// runReplayCmd implements `mek replay`: it reads every pattern log entry
// back in order and verifies the causal hash chain, the same check the
// pattern log's own tamper-evidence invariant names — without ever calling
// into the guard, since replaying is read-only by construction.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	limit := cmd.Int("limit", 1000, "maximum number of entries to replay")
	if err := cmd.Parse(args); err != nil {
		return 1
	}

	cfg := config.Load()
	ctx := context.Background()
	k, err := buildKernel(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "%skernel init: %v%s\n", ColorRed, err, ColorReset)
		return 1
	}
	defer k.Close(ctx)

	entries, err := k.patterns.List(*limit)
	if err != nil {
		fmt.Fprintf(stderr, "%sreplay failed: %v%s\n", ColorRed, err, ColorReset)
		return 1
	}

	breaks := verifyChain(entries, stderr)

	fmt.Fprintf(stdout, "%sreplayed %d entries%s\n", ColorBold+ColorCyan, len(entries), ColorReset)
	if breaks == 0 {
		fmt.Fprintf(stdout, "%shash chain intact%s\n", ColorGreen+ColorBold, ColorReset)
		return 0
	}
	fmt.Fprintf(stderr, "%s%d chain breaks detected%s\n", ColorRed+ColorBold, breaks, ColorReset)
	return 1
}

// verifyChain checks the PrevHash/LamportClock hash chain Append builds per
// session_id. k.patterns.List returns entries newest-first and interleaved
// across sessions, so the chain (which is only ever continuous within a
// single session_id) is verified one session's entries at a time, oldest
// first — the same order Append originally produced them in.
func verifyChain(entries []*patternlog.Entry, stderr io.Writer) int {
	bySession := make(map[string][]*patternlog.Entry)
	for _, e := range entries {
		bySession[e.SessionID] = append(bySession[e.SessionID], e)
	}

	var breaks int
	for sessionID, group := range bySession {
		sort.Slice(group, func(i, j int) bool { return group[i].LamportClock < group[j].LamportClock })

		var prevHash string
		for i, e := range group {
			if i == 0 {
				if e.PrevHash != "" {
					fmt.Fprintf(stderr, "%schain break in session %s at entry %s: expected genesis prev_hash, got %s%s\n", ColorRed, sessionID, e.ID, e.PrevHash, ColorReset)
					breaks++
				}
			} else if e.PrevHash != prevHash {
				fmt.Fprintf(stderr, "%schain break in session %s at entry %s: expected prev_hash %s, got %s%s\n", ColorRed, sessionID, e.ID, prevHash, e.PrevHash, ColorReset)
				breaks++
			}
			hash, err := canonicalize.CanonicalHash(e)
			if err != nil {
				fmt.Fprintf(stderr, "%shash entry %s: %v%s\n", ColorRed, e.ID, err, ColorReset)
				breaks++
				continue
			}
			prevHash = hash
		}
	}
	return breaks
}
