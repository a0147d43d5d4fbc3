package patternlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mek-systems/mek/core/pkg/canonicalize"
)

// Store is the append-only pattern log. Recording is best-effort from the
// guard's perspective: a Store failure is logged and swallowed by the
// caller, never raised back into the Result — matching
// execution_guard.py's _record_pattern try/except.
//
// Every statement this file issues against the schema is a CREATE or an
// INSERT; no statement below modifies or removes an existing row. The
// pattern log is persisted append-only state, not a style choice.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	last map[string]*Entry // last entry per session_id, for the hash chain
}

// NewStore opens (or creates) the pattern log database at dbPath. Pass
// ":memory:" for an ephemeral store (tests).
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("patternlog: open db: %w", err)
	}
	s := &Store{db: db, last: make(map[string]*Entry)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS pattern_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		capability_name TEXT NOT NULL,
		consequence_level TEXT NOT NULL,
		reason TEXT NOT NULL,
		sub_reason TEXT NOT NULL,
		details TEXT NOT NULL,
		context_id TEXT NOT NULL,
		profile_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		lamport_clock INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("patternlog: migrate: %w", err)
	}
	return nil
}

// Append records an entry. capability/consequence/reason/subReason/details/
// contextID/profileID/sessionID describe the event; id, timestamp, prev_hash
// and lamport_clock are computed here, chained per session_id, mirroring
// executor.SafeExecutor.createReceipt's PrevHash/LamportClock construction.
func (s *Store) Append(
	eventType, capabilityName, consequenceLevel, reason, subReason string,
	details map[string]any,
	contextID, profileID, sessionID string,
) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevHash string
	var lamport int64
	if prev, ok := s.last[sessionID]; ok {
		hash, err := canonicalize.CanonicalHash(prev)
		if err != nil {
			return nil, fmt.Errorf("patternlog: hash predecessor: %w", err)
		}
		prevHash = hash
		lamport = prev.LamportClock + 1
	}

	e := &Entry{
		ID:               uuid.NewString(),
		Timestamp:        time.Now().UTC().Format(time.RFC3339Nano),
		EventType:        eventType,
		CapabilityName:   capabilityName,
		ConsequenceLevel: consequenceLevel,
		Reason:           reason,
		SubReason:        subReason,
		Details:          details,
		ContextID:        contextID,
		ProfileID:        profileID,
		SessionID:        sessionID,
		PrevHash:         prevHash,
		LamportClock:     lamport,
	}

	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("patternlog: marshal details: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO pattern_log (
		id, timestamp, event_type, capability_name, consequence_level, reason,
		sub_reason, details, context_id, profile_id, session_id, prev_hash, lamport_clock
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Timestamp, e.EventType, e.CapabilityName, e.ConsequenceLevel, e.Reason,
		e.SubReason, string(detailsJSON), e.ContextID, e.ProfileID, e.SessionID, e.PrevHash, e.LamportClock,
	)
	if err != nil {
		return nil, fmt.Errorf("patternlog: persist: %w", err)
	}

	s.last[sessionID] = e
	return e, nil
}

// List returns the most recent entries, newest first.
func (s *Store) List(limit int) ([]*Entry, error) {
	rows, err := s.db.Query(`SELECT
		id, timestamp, event_type, capability_name, consequence_level, reason,
		sub_reason, details, context_id, profile_id, session_id, prev_hash, lamport_clock
		FROM pattern_log ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("patternlog: list: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		var detailsJSON string
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.EventType, &e.CapabilityName, &e.ConsequenceLevel, &e.Reason,
			&e.SubReason, &detailsJSON, &e.ContextID, &e.ProfileID, &e.SessionID, &e.PrevHash, &e.LamportClock,
		); err != nil {
			return nil, fmt.Errorf("patternlog: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
			return nil, fmt.Errorf("patternlog: unmarshal details: %w", err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
