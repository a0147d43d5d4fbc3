package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mek-systems/mek/core/pkg/authority"
	"github.com/mek-systems/mek/core/pkg/client"
	"github.com/mek-systems/mek/core/pkg/config"
	"github.com/mek-systems/mek/core/pkg/mek"
	"github.com/mek-systems/mek/core/pkg/patternlog"
	"github.com/mek-systems/mek/core/pkg/snapshot"
)

const shutdownTimeout = 10 * time.Second

// newHTTPServer builds the adapter surface over the Client Binding Layer:
// every execute handler translates a JSON request into a client.Request and
// writes back whatever mek.Result it gets, verbatim — it never inspects or
// second-guesses a Non-Action. The grant handlers call the client's grant
// methods; the GET listing handlers read the stores directly.
func newHTTPServer(k *kernel, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/execute", handleExecute(k.client))
	mux.HandleFunc("POST /v1/execute-with-authority", handleExecuteWithAuthority(k.client))
	mux.HandleFunc("POST /v1/execute-with-snapshot", handleExecuteWithSnapshot(k.client))
	mux.HandleFunc("POST /v1/grants", handleIssueGrant(k.client))
	mux.HandleFunc("POST /v1/grants/{id}/revoke", handleRevokeGrant(k.client))
	mux.HandleFunc("GET /v1/grants", handleListGrants(k.authority))
	mux.HandleFunc("GET /v1/snapshots", handleListSnapshots(k.snapshots))
	mux.HandleFunc("GET /v1/pattern-log", handleListPatternLog(k.patterns))
	mux.HandleFunc("GET /healthz", handleHealthz)

	return &http.Server{
		Addr:         ":" + k.cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type executeRequest struct {
	PrincipalID    string         `json:"principal_id,omitempty"`
	GrantID        string         `json:"grant_id,omitempty"`
	CapabilityName string         `json:"capability_name,omitempty"`
	Intent         string         `json:"intent"`
	Confidence     *float64       `json:"confidence"`
	Fields         map[string]any `json:"fields,omitempty"`
	ProfileID      string         `json:"profile_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
}

func (req executeRequest) toClientRequest() client.Request {
	return client.Request{
		PrincipalID:    req.PrincipalID,
		GrantID:        req.GrantID,
		CapabilityName: req.CapabilityName,
		Intent:         req.Intent,
		Confidence:     req.Confidence,
		Fields:         req.Fields,
		ProfileID:      req.ProfileID,
		SessionID:      req.SessionID,
	}
}

// resultPayload is the wire shape of a mek.Result: exactly one of success /
// non_action is populated, mirroring the Result's own tagged-union shape.
type resultPayload struct {
	Success   any    `json:"success,omitempty"`
	NonAction *refusalPayload `json:"non_action,omitempty"`
}

type refusalPayload struct {
	Reason    mek.NonActionReason `json:"reason"`
	SubReason mek.GuardSubReason  `json:"sub_reason,omitempty"`
	Details   map[string]any      `json:"details"`
}

func toResultPayload(res mek.Result) resultPayload {
	if payload, ok := res.Success(); ok {
		return resultPayload{Success: payload.Value}
	}
	refusal, _ := res.NonAction()
	return resultPayload{NonAction: &refusalPayload{
		Reason:    refusal.Reason,
		SubReason: refusal.SubReason,
		Details:   refusal.Details,
	}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeResult(w http.ResponseWriter, res mek.Result) {
	status := http.StatusOK
	if _, ok := res.NonAction(); ok {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, toResultPayload(res))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func handleExecute(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeResult(w, c.Execute(req.toClientRequest()))
	}
}

func handleExecuteWithAuthority(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeResult(w, c.ExecuteWithAuthority(req.toClientRequest()))
	}
}

func handleExecuteWithSnapshot(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		writeResult(w, c.ExecuteWithSnapshot(req.toClientRequest()))
	}
}

type issueGrantRequest struct {
	PrincipalID    string `json:"principal_id"`
	CapabilityName string `json:"capability_name"`
	Scope          string `json:"scope"`
	TTLSeconds     int64  `json:"ttl_seconds,omitempty"`
	MaxUses        *int64 `json:"max_uses,omitempty"`
	Revocable      bool   `json:"revocable"`
}

func handleIssueGrant(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req issueGrantRequest
		if !decodeBody(w, r, &req) {
			return
		}
		ttl := config.GrantDefaultTTL
		if req.TTLSeconds > 0 {
			ttl = time.Duration(req.TTLSeconds) * time.Second
		}
		grant, err := c.IssueGrant(req.PrincipalID, req.CapabilityName, req.Scope, ttl, req.MaxUses, req.Revocable)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, grantPayload(grant))
	}
}

type revokeGrantRequest struct {
	RevokedBy string                    `json:"revoked_by"`
	Reason    authority.RevocationReason `json:"reason"`
}

func handleRevokeGrant(c *client.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grantID := r.PathValue("id")
		var req revokeGrantRequest
		if !decodeBody(w, r, &req) {
			return
		}
		event, err := c.RevokeGrant(grantID, req.RevokedBy, req.Reason)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, event)
	}
}

func handleListGrants(store *authority.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grants := store.List()
		payload := make([]map[string]any, 0, len(grants))
		for _, g := range grants {
			payload = append(payload, grantPayload(g))
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

func grantPayload(g *authority.Grant) map[string]any {
	maxUses, hasMax := g.MaxUses()
	payload := map[string]any{
		"id":              g.ID(),
		"principal_id":    g.PrincipalID(),
		"capability_name": g.CapabilityName(),
		"scope":           g.Scope(),
		"issued_at":       g.IssuedAtWall(),
		"expires_at":      g.ExpiresAtWall(),
		"remaining_uses":  g.RemainingUses(),
		"revocable":       g.Revocable(),
	}
	if hasMax {
		payload["max_uses"] = maxUses
	}
	return payload
}

func handleListSnapshots(store *snapshot.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID := r.URL.Query().Get("principal_id")
		limit := 50
		snapshots, err := store.ListByPrincipal(principalID, limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, snapshots)
	}
}

func handleListPatternLog(store *patternlog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := store.List(200)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}
