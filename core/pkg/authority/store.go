package authority

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Clock supplies monotonic readings for issuance/expiry arithmetic. Grant
// TTLs are never compared across process restarts; see NewStore's boot-epoch
// handling of authority_version. Defined locally (rather than imported from
// core/pkg/mek) so this package stays free of a dependency on the guard
// package that embeds it — mek.SystemClock satisfies this interface
// structurally.
type Clock interface {
	Now() int64
}

// EmitFunc is called for grant_issued / grant_revoked observation events.
// The Guard wires this to the Observer Hub; Store itself has no opinion
// about what an observer does with the event.
type EmitFunc func(eventType string, details map[string]any)

// Store is the Authority Store & Guard: the only component that can mint or
// revoke a Grant. Grounded on store.SQLiteReceiptStore's append-only SQLite
// pattern (migrate-then-insert-only), with one deliberate exception: the
// authority_version counter row, which is updated in place.
type Store struct {
	mu sync.RWMutex

	db    *sql.DB
	clock Clock
	emit  EmitFunc

	grants      map[string]*Grant
	revocations map[string]*RevocationEvent
	byPrincipal map[string][]string

	version int64

	// freshStore is true when no authority_version row existed before this
	// process created one. A fresh store means no snapshot captured in a
	// prior epoch can be trusted to re-validate.
	freshStore bool
}

// NewStore opens (or creates) the authority database at dbPath and restores
// in-memory grant/revocation state plus the persisted authority_version
// counter. Pass ":memory:" for an ephemeral store (tests).
func NewStore(dbPath string, clock Clock, emit EmitFunc) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("authority: open db: %w", err)
	}
	s := &Store{
		db:          db,
		clock:       clock,
		emit:        emit,
		grants:      make(map[string]*Grant),
		revocations: make(map[string]*RevocationEvent),
		byPrincipal: make(map[string][]string),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.restore(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS grants (
			grant_id TEXT PRIMARY KEY,
			principal_id TEXT NOT NULL,
			capability_name TEXT NOT NULL,
			scope TEXT NOT NULL,
			issued_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			max_uses INTEGER,
			revocable INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS revocations (
			grant_id TEXT PRIMARY KEY,
			revoked_by_principal TEXT NOT NULL,
			reason TEXT NOT NULL,
			revoked_at TEXT NOT NULL
		)`,
		// The one table in the schema that is ever UPDATEd: a single row
		// monotonic counter. Every other table in this store, and every
		// table in core/pkg/snapshot and core/pkg/patternlog, is insert-only.
		`CREATE TABLE IF NOT EXISTS authority_version (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("authority: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) restore() error {
	row := s.db.QueryRow(`SELECT version FROM authority_version WHERE id = 1`)
	var v int64
	switch err := row.Scan(&v); err {
	case nil:
		s.version = v
	case sql.ErrNoRows:
		s.freshStore = true
		s.version = 0
		if _, err := s.db.Exec(`INSERT INTO authority_version (id, version) VALUES (1, 0)`); err != nil {
			return fmt.Errorf("authority: seed authority_version: %w", err)
		}
	default:
		return fmt.Errorf("authority: read authority_version: %w", err)
	}

	rows, err := s.db.Query(`SELECT grant_id, principal_id, capability_name, scope, issued_at, expires_at, max_uses, revocable FROM grants`)
	if err != nil {
		return fmt.Errorf("authority: restore grants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, principalID, capabilityName, scope, issuedAt, expiresAt string
		var maxUses sql.NullInt64
		var revocable int
		if err := rows.Scan(&id, &principalID, &capabilityName, &scope, &issuedAt, &expiresAt, &maxUses, &revocable); err != nil {
			return fmt.Errorf("authority: scan grant: %w", err)
		}
		// issued_at/expires_at are persisted as ISO-8601 wall-clock strings;
		// below they are re-anchored onto this process's monotonic clock.
		var mu *int64
		if maxUses.Valid {
			m := maxUses.Int64
			mu = &m
		}

		// Monotonic readings do not survive a restart, but the guard's gate
		// 5 needs a monotonic comparison anyway. Re-derive an equivalent
		// monotonic expires_at from the wall-clock delta at restore time so
		// a persisted-then-restored grant still compares correctly.
		nowWall := time.Now().UTC()
		monoNow := s.clock.Now()
		issuedMono := monoNow
		expiresMono := monoNow
		if t, err := time.Parse(time.RFC3339Nano, issuedAt); err == nil {
			issuedMono = monoNow - int64(nowWall.Sub(t))
		}
		if t, err := time.Parse(time.RFC3339Nano, expiresAt); err == nil {
			expiresMono = monoNow + int64(t.Sub(nowWall))
		}

		g := newGrant(id, principalID, capabilityName, scope, issuedMono, expiresMono, mu, revocable != 0)
		g.issuedAtWall = issuedAt
		g.expiresAtWall = expiresAt
		s.grants[id] = g
		s.byPrincipal[principalID] = append(s.byPrincipal[principalID], id)
	}

	revRows, err := s.db.Query(`SELECT grant_id, revoked_by_principal, reason, revoked_at FROM revocations`)
	if err != nil {
		return fmt.Errorf("authority: restore revocations: %w", err)
	}
	defer revRows.Close()
	for revRows.Next() {
		var ev RevocationEvent
		if err := revRows.Scan(&ev.GrantID, &ev.RevokedByPrincipal, &ev.Reason, &ev.RevokedAt); err != nil {
			return fmt.Errorf("authority: scan revocation: %w", err)
		}
		s.revocations[ev.GrantID] = &ev
	}
	return nil
}

// FreshStore reports whether this process found no prior authority_version
// row. The Guard refuses all snapshot re-validation for the remainder of the
// boot epoch when true.
func (s *Store) FreshStore() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.freshStore
}

// Version returns the current authority_version.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) bumpVersionLocked() error {
	s.version++
	_, err := s.db.Exec(`UPDATE authority_version SET version = ? WHERE id = 1`, s.version)
	return err
}

// IssueGrant constructs and persists a Grant. ttl <= 0 yields a grant that
// is born already expired: it is still issued (and bumps authority_version)
// but fails gate 5 on first use.
func (s *Store) IssueGrant(principalID, capabilityName, scope string, ttl time.Duration, maxUses *int64, revocable bool) (*Grant, error) {
	if err := validateIssuance(principalID, capabilityName, maxUses); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	issuedAt := s.clock.Now()
	expiresAt := issuedAt + int64(ttl)
	id := uuid.NewString()
	g := newGrant(id, principalID, capabilityName, scope, issuedAt, expiresAt, maxUses, revocable)

	nowWall := time.Now().UTC()
	g.issuedAtWall = nowWall.Format(time.RFC3339Nano)
	g.expiresAtWall = nowWall.Add(ttl).Format(time.RFC3339Nano)

	var maxUsesVal any
	if maxUses != nil {
		maxUsesVal = *maxUses
	}
	if _, err := s.db.Exec(
		`INSERT INTO grants (grant_id, principal_id, capability_name, scope, issued_at, expires_at, max_uses, revocable) VALUES (?,?,?,?,?,?,?,?)`,
		id, principalID, capabilityName, scope, g.issuedAtWall, g.expiresAtWall, maxUsesVal, boolToInt(revocable),
	); err != nil {
		return nil, fmt.Errorf("authority: persist grant: %w", err)
	}
	if err := s.bumpVersionLocked(); err != nil {
		return nil, fmt.Errorf("authority: bump version: %w", err)
	}

	s.grants[id] = g
	s.byPrincipal[principalID] = append(s.byPrincipal[principalID], id)

	if s.emit != nil {
		s.emit("grant_issued", map[string]any{
			"grant_id":        id,
			"principal_id":    principalID,
			"capability_name": capabilityName,
		})
	}
	return g, nil
}

// RevokeGrant is idempotent: revoking an already-revoked grant returns the
// existing RevocationEvent without bumping authority_version again.
func (s *Store) RevokeGrant(grantID, revokedBy string, reason RevocationReason) (*RevocationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.revocations[grantID]; ok {
		return existing, nil
	}
	if _, ok := s.grants[grantID]; !ok {
		return nil, fmt.Errorf("authority: unknown grant %q", grantID)
	}

	ev := &RevocationEvent{
		GrantID:            grantID,
		RevokedByPrincipal: revokedBy,
		Reason:             reason,
		RevokedAt:          time.Now().UTC().Format(time.RFC3339Nano),
	}
	if _, err := s.db.Exec(
		`INSERT INTO revocations (grant_id, revoked_by_principal, reason, revoked_at) VALUES (?,?,?,?)`,
		ev.GrantID, ev.RevokedByPrincipal, string(ev.Reason), ev.RevokedAt,
	); err != nil {
		return nil, fmt.Errorf("authority: persist revocation: %w", err)
	}
	if err := s.bumpVersionLocked(); err != nil {
		return nil, fmt.Errorf("authority: bump version: %w", err)
	}
	s.revocations[grantID] = ev

	if s.emit != nil {
		s.emit("grant_revoked", map[string]any{
			"grant_id": grantID,
			"reason":   string(reason),
		})
	}
	return ev, nil
}

// Lookup returns a grant by id.
func (s *Store) Lookup(grantID string) (*Grant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[grantID]
	return g, ok
}

// Revoked reports whether a RevocationEvent exists for grantID.
func (s *Store) Revoked(grantID string) (*RevocationEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.revocations[grantID]
	return ev, ok
}

// TryConsume atomically decrements a grant's remaining_uses. Race-free
// across concurrent callers (invariant 4 / S6).
func (s *Store) TryConsume(grantID string) bool {
	s.mu.RLock()
	g, ok := s.grants[grantID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return g.tryConsume()
}

// ListByPrincipal returns grant ids issued to a principal, in issuance order.
func (s *Store) ListByPrincipal(principalID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.byPrincipal[principalID]))
	copy(out, s.byPrincipal[principalID])
	return out
}

// List returns every grant, in issuance order (ascending IssuedAt).
func (s *Store) List() []*Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Grant, 0, len(s.grants))
	for _, g := range s.grants {
		out = append(out, g)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].issuedAt < out[j-1].issuedAt; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Close releases the underlying database handle.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
