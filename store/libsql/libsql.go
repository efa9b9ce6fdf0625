// Package libsql implements caravan's snapshot store, workflow lock,
// and approval store on libSQL (SQLite-compatible) for Turso.
package libsql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nevindra/caravan"

	_ "github.com/tursodatabase/libsql-client-go/libsql" // Turso remote driver
	_ "modernc.org/sqlite"                               // pure-Go SQLite driver
)

// Store implements caravan.SnapshotStore, caravan.WorkflowLock, and
// caravan.ApprovalStore backed by libSQL / Turso.
//
// It uses fresh connections per call to avoid STREAM_EXPIRED errors
// on remote Turso databases.
type Store struct {
	dbPath string
	dbURL  string // for Turso remote
	token  string // for Turso auth
}

// compile-time checks
var _ caravan.SnapshotStore = (*Store)(nil)
var _ caravan.WorkflowLock = (*Store)(nil)
var _ caravan.ApprovalStore = (*Store)(nil)
var _ caravan.SnapshotClearer = (*Store)(nil)

// New creates a Store that uses a local SQLite file at dbPath.
func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

// NewRemote creates a Store that connects to a remote Turso database.
func NewRemote(url, token string) *Store {
	return &Store{dbURL: url, token: token}
}

// openDB opens a fresh database connection. Local mode uses the
// pure-Go modernc.org/sqlite driver; remote mode dials Turso over the
// libsql wire protocol with the auth token in the DSN.
func (s *Store) openDB() (*sql.DB, error) {
	if s.dbURL != "" {
		dsn := s.dbURL
		if s.token != "" {
			dsn += "?authToken=" + s.token
		}
		db, err := sql.Open("libsql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open turso database: %w", err)
		}
		return db, nil
	}
	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	tables := []string{
		`CREATE TABLE IF NOT EXISTS workflow_snapshots (
			workflow_id TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			steps INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_leases (
			workflow_id TEXT PRIMARY KEY,
			owner_token TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_approvals (
			key TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			value TEXT,
			original_value TEXT,
			edited_value TEXT,
			reason TEXT,
			granted_by TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, ddl := range tables {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, _ = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_approvals_state ON workflow_approvals(state)`)
	return nil
}

// Close is a no-op; connections are opened per call.
func (s *Store) Close() error { return nil }

// Save inserts or replaces the snapshot for workflowID.
func (s *Store) Save(ctx context.Context, workflowID string, snap caravan.Snapshot) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflow_snapshots (workflow_id, snapshot, steps, updated_at)
		 VALUES (?, ?, ?, ?)`,
		workflowID, string(data), len(snap.Steps), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot for workflowID, or (nil, nil) when none exists.
func (s *Store) Load(ctx context.Context, workflowID string) (*caravan.Snapshot, error) {
	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var data string
	err = db.QueryRowContext(ctx,
		`SELECT snapshot FROM workflow_snapshots WHERE workflow_id = ?`, workflowID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap caravan.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the snapshot for workflowID. Deleting a missing
// snapshot is a no-op.
func (s *Store) Delete(ctx context.Context, workflowID string) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DELETE FROM workflow_snapshots WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// List returns snapshot metadata, most recently updated first.
func (s *Store) List(ctx context.Context, q caravan.ListQuery) ([]caravan.SnapshotInfo, error) {
	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := `SELECT workflow_id, steps, updated_at FROM workflow_snapshots`
	var args []any
	if q.Prefix != "" {
		query += ` WHERE workflow_id LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(q.Prefix)+"%")
	}
	query += ` ORDER BY updated_at DESC, workflow_id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var infos []caravan.SnapshotInfo
	for rows.Next() {
		var info caravan.SnapshotInfo
		var updated int64
		if err := rows.Scan(&info.WorkflowID, &info.Steps, &updated); err != nil {
			return nil, fmt.Errorf("scan snapshot info: %w", err)
		}
		info.UpdatedAt = time.UnixMilli(updated)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return infos, nil
}

// Clear removes every snapshot.
func (s *Store) Clear(ctx context.Context) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DELETE FROM workflow_snapshots`); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	return nil
}

// TryAcquire grants a lease on workflowID for ttl. The upsert takes the
// row when it is free or expired; RETURNING tells us whether we won.
// Returns "" without error when another live lease holds the ID.
func (s *Store) TryAcquire(ctx context.Context, workflowID string, ttl time.Duration) (string, error) {
	db, err := s.openDB()
	if err != nil {
		return "", err
	}
	defer db.Close()

	token := caravan.NewID()
	now := time.Now().UnixMilli()
	expires := time.Now().Add(ttl).UnixMilli()

	var holder string
	err = db.QueryRowContext(ctx,
		`INSERT INTO workflow_leases (workflow_id, owner_token, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE
		 SET owner_token = excluded.owner_token, expires_at = excluded.expires_at
		 WHERE workflow_leases.expires_at < ?
		 RETURNING owner_token`,
		workflowID, token, expires, now,
	).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("acquire lease: %w", err)
	}
	return holder, nil
}

// Release removes the lease only when token still owns it.
func (s *Store) Release(ctx context.Context, workflowID, token string) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx,
		`DELETE FROM workflow_leases WHERE workflow_id = ? AND owner_token = ?`,
		workflowID, token); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// GetApproval returns the approval record for key, or (nil, nil) when
// none exists. A pending record whose expiry has passed is flipped to
// expired on read.
func (s *Store) GetApproval(ctx context.Context, key string) (*caravan.Approval, error) {
	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx,
		`SELECT key, state, value, original_value, edited_value, reason, granted_by, metadata, created_at, updated_at, expires_at
		 FROM workflow_approvals WHERE key = ?`, key)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	if a.Lapsed(time.Now()) {
		a.State = caravan.ApprovalExpired
		a.UpdatedAt = time.Now()
		if _, err := db.ExecContext(ctx,
			`UPDATE workflow_approvals SET state = ?, updated_at = ? WHERE key = ? AND state = ?`,
			string(caravan.ApprovalExpired), a.UpdatedAt.UnixMilli(), key, string(caravan.ApprovalPending)); err != nil {
			return nil, fmt.Errorf("expire approval: %w", err)
		}
	}
	return a, nil
}

// CreateApproval inserts a pending record for key. Creating a key that
// already exists is an error.
func (s *Store) CreateApproval(ctx context.Context, key string, req caravan.ApprovalRequest) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var metaJSON *string
	if len(req.Metadata) > 0 {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return fmt.Errorf("encode approval metadata: %w", err)
		}
		v := string(data)
		metaJSON = &v
	}
	now := time.Now().UnixMilli()
	var expires int64
	if !req.ExpiresAt.IsZero() {
		expires = req.ExpiresAt.UnixMilli()
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO workflow_approvals (key, state, metadata, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key, string(caravan.ApprovalPending), metaJSON, now, now, expires); err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// GrantApproval moves a pending record to approved with the granted value.
func (s *Store) GrantApproval(ctx context.Context, key string, value any, grantedBy string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode approval value: %w", err)
	}
	return s.decide(ctx, "grant approval", key,
		`UPDATE workflow_approvals SET state = ?, value = ?, granted_by = ?, updated_at = ?
		 WHERE key = ? AND state = ?`,
		string(caravan.ApprovalApproved), string(data), grantedBy, time.Now().UnixMilli(),
		key, string(caravan.ApprovalPending))
}

// RejectApproval moves a pending record to rejected. rejectedBy is
// recorded as the decider.
func (s *Store) RejectApproval(ctx context.Context, key, reason, rejectedBy string) error {
	return s.decide(ctx, "reject approval", key,
		`UPDATE workflow_approvals SET state = ?, reason = ?, granted_by = ?, updated_at = ?
		 WHERE key = ? AND state = ?`,
		string(caravan.ApprovalRejected), reason, rejectedBy, time.Now().UnixMilli(),
		key, string(caravan.ApprovalPending))
}

// EditApproval grants a pending record with a modified value, keeping
// the original for audit.
func (s *Store) EditApproval(ctx context.Context, key string, original, edited any, editedBy string) error {
	origData, err := json.Marshal(original)
	if err != nil {
		return fmt.Errorf("encode original value: %w", err)
	}
	editData, err := json.Marshal(edited)
	if err != nil {
		return fmt.Errorf("encode edited value: %w", err)
	}
	return s.decide(ctx, "edit approval", key,
		`UPDATE workflow_approvals SET state = ?, original_value = ?, edited_value = ?, granted_by = ?, updated_at = ?
		 WHERE key = ? AND state = ?`,
		string(caravan.ApprovalEdited), string(origData), string(editData), editedBy, time.Now().UnixMilli(),
		key, string(caravan.ApprovalPending))
}

// CancelApproval removes the record for key. Cancelling a missing key
// is a no-op.
func (s *Store) CancelApproval(ctx context.Context, key string) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DELETE FROM workflow_approvals WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cancel approval: %w", err)
	}
	return nil
}

// ListPendingApprovals returns live pending records whose key starts
// with prefix, oldest first. Lapsed records are excluded.
func (s *Store) ListPendingApprovals(ctx context.Context, prefix string) ([]caravan.Approval, error) {
	db, err := s.openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := `SELECT key, state, value, original_value, edited_value, reason, granted_by, metadata, created_at, updated_at, expires_at
		 FROM workflow_approvals
		 WHERE state = ? AND (expires_at = 0 OR expires_at > ?)`
	args := []any{string(caravan.ApprovalPending), time.Now().UnixMilli()}
	if prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(prefix)+"%")
	}
	query += ` ORDER BY created_at, key`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var approvals []caravan.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return approvals, nil
}

// decide runs one pending-state transition and reports a useful error
// when no pending row matched.
func (s *Store) decide(ctx context.Context, op, key, query string, args ...any) error {
	db, err := s.openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var state string
	err = db.QueryRowContext(ctx, `SELECT state FROM workflow_approvals WHERE key = ?`, key).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: approval %q not found", op, key)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: approval %q already %s", op, key, state)
}

// scanApproval reads one approval row. Works for both QueryRow and Rows.
func scanApproval(row interface{ Scan(dest ...any) error }) (*caravan.Approval, error) {
	var a caravan.Approval
	var state string
	var value, original, edited, reason, grantedBy, metaJSON sql.NullString
	var created, updated, expires int64
	if err := row.Scan(&a.Key, &state, &value, &original, &edited, &reason, &grantedBy, &metaJSON, &created, &updated, &expires); err != nil {
		return nil, err
	}
	a.State = caravan.ApprovalState(state)
	if value.Valid {
		a.Value = json.RawMessage(value.String)
	}
	if original.Valid {
		a.OriginalValue = json.RawMessage(original.String)
	}
	if edited.Valid {
		a.EditedValue = json.RawMessage(edited.String)
	}
	a.Reason = reason.String
	a.GrantedBy = grantedBy.String
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &a.Metadata)
	}
	a.CreatedAt = time.UnixMilli(created)
	a.UpdatedAt = time.UnixMilli(updated)
	if expires > 0 {
		a.ExpiresAt = time.UnixMilli(expires)
	}
	return &a, nil
}

// escapeLike escapes LIKE wildcards so a prefix matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
