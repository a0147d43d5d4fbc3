package snapshot

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mek-systems/mek/core/pkg/canonicalize"
)

// Store is the append-only Snapshot Store: migrate-then-insert-only, read
// queries by snapshot id (Get) or by principal (ListByPrincipal), no UPDATE
// or DELETE anywhere in this file.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the snapshot database at dbPath. Pass
// ":memory:" for an ephemeral store (tests).
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS snapshots (
		snapshot_id TEXT PRIMARY KEY,
		captured_at TEXT NOT NULL,
		principal_id TEXT NOT NULL,
		grant_id TEXT NOT NULL,
		capability_name TEXT NOT NULL,
		capability_scope_hash TEXT NOT NULL,
		context_hash TEXT NOT NULL,
		context_fields TEXT NOT NULL,
		intent_hash TEXT NOT NULL,
		intent_name TEXT NOT NULL,
		intent_value TEXT NOT NULL,
		confidence_range TEXT NOT NULL,
		confidence_value REAL NOT NULL,
		authority_version INTEGER NOT NULL,
		grant_expires_at INTEGER NOT NULL,
		grant_remaining_uses INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("snapshot: migrate: %w", err)
	}
	return nil
}

// Capture builds and persists a Snapshot. Hashes are SHA-256 digests over
// canonicalize.CanonicalHash (RFC 8785 JCS) of their respective inputs.
func (s *Store) Capture(
	principalID, grantID, capabilityName, capabilityScope string,
	contextID string, contextFields map[string]any,
	intentName string, confidence float64,
	authorityVersion, grantExpiresAt, grantRemainingUses int64,
) (*Snapshot, error) {
	scopeHash, err := canonicalize.CanonicalHash(capabilityScope)
	if err != nil {
		return nil, fmt.Errorf("snapshot: hash scope: %w", err)
	}
	contextHash, err := canonicalize.CanonicalHash(map[string]any{
		"context_id": contextID,
		"fields":     contextFields,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: hash context: %w", err)
	}
	intentHash, err := canonicalize.CanonicalHash(map[string]any{
		"name":  intentName,
		"value": intentName,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: hash intent: %w", err)
	}

	fieldsJSON, err := json.Marshal(contextFields)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal context fields: %w", err)
	}

	snap := &Snapshot{
		SnapshotID:          uuid.NewString(),
		CapturedAt:          time.Now().UTC().Format(time.RFC3339Nano),
		PrincipalID:         principalID,
		GrantID:             grantID,
		CapabilityName:      capabilityName,
		CapabilityScopeHash: scopeHash,
		ContextHash:         contextHash,
		ContextFields:       contextFields,
		IntentHash:          intentHash,
		IntentName:          intentName,
		IntentValue:         intentName,
		ConfidenceRange:     DiscretizeConfidence(confidence),
		ConfidenceValue:     confidence,
		AuthorityVersion:    authorityVersion,
		GrantExpiresAt:      grantExpiresAt,
		GrantRemainingUses:  grantRemainingUses,
	}

	_, err = s.db.Exec(`INSERT INTO snapshots (
		snapshot_id, captured_at, principal_id, grant_id, capability_name,
		capability_scope_hash, context_hash, context_fields, intent_hash,
		intent_name, intent_value, confidence_range, confidence_value,
		authority_version, grant_expires_at, grant_remaining_uses
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		snap.SnapshotID, snap.CapturedAt, snap.PrincipalID, snap.GrantID, snap.CapabilityName,
		snap.CapabilityScopeHash, snap.ContextHash, string(fieldsJSON), snap.IntentHash,
		snap.IntentName, snap.IntentValue, string(snap.ConfidenceRange), snap.ConfidenceValue,
		snap.AuthorityVersion, snap.GrantExpiresAt, snap.GrantRemainingUses,
	)
	if err != nil {
		return nil, fmt.Errorf("snapshot: persist: %w", err)
	}
	return snap, nil
}

// Get reads back a single snapshot by id.
func (s *Store) Get(snapshotID string) (*Snapshot, error) {
	row := s.db.QueryRow(`SELECT
		snapshot_id, captured_at, principal_id, grant_id, capability_name,
		capability_scope_hash, context_hash, context_fields, intent_hash,
		intent_name, intent_value, confidence_range, confidence_value,
		authority_version, grant_expires_at, grant_remaining_uses
		FROM snapshots WHERE snapshot_id = ?`, snapshotID)
	return scanSnapshot(row)
}

// ListByPrincipal lists snapshots for a principal, most recent first.
func (s *Store) ListByPrincipal(principalID string, limit int) ([]*Snapshot, error) {
	rows, err := s.db.Query(`SELECT
		snapshot_id, captured_at, principal_id, grant_id, capability_name,
		capability_scope_hash, context_hash, context_fields, intent_hash,
		intent_name, intent_value, confidence_range, confidence_value,
		authority_version, grant_expires_at, grant_remaining_uses
		FROM snapshots WHERE principal_id = ? ORDER BY captured_at DESC LIMIT ?`, principalID, limit)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	return scanSnapshotRows(row)
}

func scanSnapshotRows(r rowScanner) (*Snapshot, error) {
	var snap Snapshot
	var fieldsJSON, confRange string
	if err := r.Scan(
		&snap.SnapshotID, &snap.CapturedAt, &snap.PrincipalID, &snap.GrantID, &snap.CapabilityName,
		&snap.CapabilityScopeHash, &snap.ContextHash, &fieldsJSON, &snap.IntentHash,
		&snap.IntentName, &snap.IntentValue, &confRange, &snap.ConfidenceValue,
		&snap.AuthorityVersion, &snap.GrantExpiresAt, &snap.GrantRemainingUses,
	); err != nil {
		return nil, fmt.Errorf("snapshot: scan: %w", err)
	}
	snap.ConfidenceRange = ConfidenceRange(confRange)
	if err := json.Unmarshal([]byte(fieldsJSON), &snap.ContextFields); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal context fields: %w", err)
	}
	return &snap, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
