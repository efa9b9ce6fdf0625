// Package postgres implements caravan's snapshot store, workflow lock,
// and approval store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/caravan"
)

// Store implements caravan.SnapshotStore, caravan.WorkflowLock, and
// caravan.ApprovalStore backed by PostgreSQL. Snapshots and approval
// payloads are stored as JSONB; timestamps are Unix milliseconds.
type Store struct {
	pool *pgxpool.Pool
}

var _ caravan.SnapshotStore = (*Store)(nil)
var _ caravan.WorkflowLock = (*Store)(nil)
var _ caravan.ApprovalStore = (*Store)(nil)
var _ caravan.SnapshotClearer = (*Store)(nil)
var _ caravan.BatchDeleter = (*Store)(nil)
var _ caravan.PageLister = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_snapshots (
			workflow_id TEXT PRIMARY KEY,
			snapshot JSONB NOT NULL,
			steps INTEGER NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS workflow_snapshots_updated_idx ON workflow_snapshots(updated_at)`,

		`CREATE TABLE IF NOT EXISTS workflow_leases (
			workflow_id TEXT PRIMARY KEY,
			owner_token TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_approvals (
			key TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			value JSONB,
			original_value JSONB,
			edited_value JSONB,
			reason TEXT NOT NULL DEFAULT '',
			granted_by TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS workflow_approvals_state_idx ON workflow_approvals(state)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error { return nil }

// Save inserts or replaces the snapshot for workflowID.
func (s *Store) Save(ctx context.Context, workflowID string, snap caravan.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("postgres: encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_snapshots (workflow_id, snapshot, steps, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (workflow_id) DO UPDATE SET
		   snapshot = EXCLUDED.snapshot,
		   steps = EXCLUDED.steps,
		   updated_at = EXCLUDED.updated_at`,
		workflowID, string(data), len(snap.Steps), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("postgres: save snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot for workflowID, or (nil, nil) when none exists.
func (s *Store) Load(ctx context.Context, workflowID string) (*caravan.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM workflow_snapshots WHERE workflow_id = $1`, workflowID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load snapshot: %w", err)
	}
	var snap caravan.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("postgres: decode snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the snapshot for workflowID. Deleting a missing
// snapshot is a no-op.
func (s *Store) Delete(ctx context.Context, workflowID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM workflow_snapshots WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return fmt.Errorf("postgres: delete snapshot: %w", err)
	}
	return nil
}

// List returns snapshot metadata, most recently updated first.
func (s *Store) List(ctx context.Context, q caravan.ListQuery) ([]caravan.SnapshotInfo, error) {
	query := `SELECT workflow_id, steps, updated_at FROM workflow_snapshots`
	var args []any
	if q.Prefix != "" {
		query += ` WHERE workflow_id LIKE $1 ESCAPE '\'`
		args = append(args, escapeLike(q.Prefix)+"%")
	}
	query += ` ORDER BY updated_at DESC, workflow_id`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list snapshots: %w", err)
	}
	defer rows.Close()
	return scanInfos(rows)
}

// ListPage returns snapshot metadata with offset/limit pagination,
// most recently updated first.
func (s *Store) ListPage(ctx context.Context, offset, limit int) ([]caravan.SnapshotInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT workflow_id, steps, updated_at FROM workflow_snapshots
		 ORDER BY updated_at DESC, workflow_id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list page: %w", err)
	}
	defer rows.Close()
	return scanInfos(rows)
}

func scanInfos(rows pgx.Rows) ([]caravan.SnapshotInfo, error) {
	var infos []caravan.SnapshotInfo
	for rows.Next() {
		var info caravan.SnapshotInfo
		var updated int64
		if err := rows.Scan(&info.WorkflowID, &info.Steps, &updated); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot info: %w", err)
		}
		info.UpdatedAt = time.UnixMilli(updated)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate snapshots: %w", err)
	}
	return infos, nil
}

// DeleteMany removes several snapshots in a single statement.
func (s *Store) DeleteMany(ctx context.Context, workflowIDs []string) error {
	if len(workflowIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM workflow_snapshots WHERE workflow_id = ANY($1)`, workflowIDs)
	if err != nil {
		return fmt.Errorf("postgres: delete many: %w", err)
	}
	return nil
}

// Clear removes every snapshot.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM workflow_snapshots`); err != nil {
		return fmt.Errorf("postgres: clear snapshots: %w", err)
	}
	return nil
}

// TryAcquire grants a lease on workflowID for ttl. The upsert takes the
// row when it is free or expired, in one statement; RETURNING tells us
// whether we won. Returns "" without error when another live lease
// holds the ID.
func (s *Store) TryAcquire(ctx context.Context, workflowID string, ttl time.Duration) (string, error) {
	token := caravan.NewID()
	now := time.Now().UnixMilli()
	expires := time.Now().Add(ttl).UnixMilli()

	var holder string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO workflow_leases (workflow_id, owner_token, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (workflow_id) DO UPDATE
		 SET owner_token = EXCLUDED.owner_token, expires_at = EXCLUDED.expires_at
		 WHERE workflow_leases.expires_at < $4
		 RETURNING owner_token`,
		workflowID, token, expires, now,
	).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict row alive: someone else holds the lease.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: acquire lease: %w", err)
	}
	return holder, nil
}

// Release removes the lease only when token still owns it. Releasing a
// lease that expired and was taken over is a no-op.
func (s *Store) Release(ctx context.Context, workflowID, token string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM workflow_leases WHERE workflow_id = $1 AND owner_token = $2`,
		workflowID, token)
	if err != nil {
		return fmt.Errorf("postgres: release lease: %w", err)
	}
	return nil
}

// GetApproval returns the approval record for key, or (nil, nil) when
// none exists. A pending record whose expiry has passed is flipped to
// expired on read.
func (s *Store) GetApproval(ctx context.Context, key string) (*caravan.Approval, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT key, state, value, original_value, edited_value, reason, granted_by, metadata, created_at, updated_at, expires_at
		 FROM workflow_approvals WHERE key = $1`, key)
	a, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get approval: %w", err)
	}
	if a.Lapsed(time.Now()) {
		a.State = caravan.ApprovalExpired
		a.UpdatedAt = time.Now()
		_, uerr := s.pool.Exec(ctx,
			`UPDATE workflow_approvals SET state = $1, updated_at = $2 WHERE key = $3 AND state = $4`,
			string(caravan.ApprovalExpired), a.UpdatedAt.UnixMilli(), key, string(caravan.ApprovalPending))
		if uerr != nil {
			return nil, fmt.Errorf("postgres: expire approval: %w", uerr)
		}
	}
	return a, nil
}

// CreateApproval inserts a pending record for key. Creating a key that
// already exists is an error.
func (s *Store) CreateApproval(ctx context.Context, key string, req caravan.ApprovalRequest) error {
	var metaJSON *string
	if len(req.Metadata) > 0 {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return fmt.Errorf("postgres: encode approval metadata: %w", err)
		}
		v := string(data)
		metaJSON = &v
	}
	now := time.Now().UnixMilli()
	var expires int64
	if !req.ExpiresAt.IsZero() {
		expires = req.ExpiresAt.UnixMilli()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_approvals (key, state, metadata, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key, string(caravan.ApprovalPending), metaJSON, now, now, expires)
	if err != nil {
		return fmt.Errorf("postgres: create approval: %w", err)
	}
	return nil
}

// GrantApproval moves a pending record to approved with the granted
// value. Granting a missing or already-decided key is an error.
func (s *Store) GrantApproval(ctx context.Context, key string, value any, grantedBy string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("postgres: encode approval value: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_approvals SET state = $1, value = $2, granted_by = $3, updated_at = $4
		 WHERE key = $5 AND state = $6`,
		string(caravan.ApprovalApproved), string(data), grantedBy, time.Now().UnixMilli(),
		key, string(caravan.ApprovalPending))
	if err != nil {
		return fmt.Errorf("postgres: grant approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.decisionConflict(ctx, "grant approval", key)
	}
	return nil
}

// RejectApproval moves a pending record to rejected. rejectedBy is
// recorded as the decider.
func (s *Store) RejectApproval(ctx context.Context, key, reason, rejectedBy string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_approvals SET state = $1, reason = $2, granted_by = $3, updated_at = $4
		 WHERE key = $5 AND state = $6`,
		string(caravan.ApprovalRejected), reason, rejectedBy, time.Now().UnixMilli(),
		key, string(caravan.ApprovalPending))
	if err != nil {
		return fmt.Errorf("postgres: reject approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.decisionConflict(ctx, "reject approval", key)
	}
	return nil
}

// EditApproval grants a pending record with a modified value, keeping
// the original for audit. Checks treat edited as approved with the
// edited value.
func (s *Store) EditApproval(ctx context.Context, key string, original, edited any, editedBy string) error {
	origData, err := json.Marshal(original)
	if err != nil {
		return fmt.Errorf("postgres: encode original value: %w", err)
	}
	editData, err := json.Marshal(edited)
	if err != nil {
		return fmt.Errorf("postgres: encode edited value: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_approvals SET state = $1, original_value = $2, edited_value = $3, granted_by = $4, updated_at = $5
		 WHERE key = $6 AND state = $7`,
		string(caravan.ApprovalEdited), string(origData), string(editData), editedBy, time.Now().UnixMilli(),
		key, string(caravan.ApprovalPending))
	if err != nil {
		return fmt.Errorf("postgres: edit approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.decisionConflict(ctx, "edit approval", key)
	}
	return nil
}

// CancelApproval removes the record for key. Cancelling a missing key
// is a no-op.
func (s *Store) CancelApproval(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM workflow_approvals WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("postgres: cancel approval: %w", err)
	}
	return nil
}

// ListPendingApprovals returns live pending records whose key starts
// with prefix, oldest first. Lapsed records are excluded.
func (s *Store) ListPendingApprovals(ctx context.Context, prefix string) ([]caravan.Approval, error) {
	query := `SELECT key, state, value, original_value, edited_value, reason, granted_by, metadata, created_at, updated_at, expires_at
		 FROM workflow_approvals
		 WHERE state = $1 AND (expires_at = 0 OR expires_at > $2)`
	args := []any{string(caravan.ApprovalPending), time.Now().UnixMilli()}
	if prefix != "" {
		query += ` AND key LIKE $3 ESCAPE '\'`
		args = append(args, escapeLike(prefix)+"%")
	}
	query += ` ORDER BY created_at, key`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending approvals: %w", err)
	}
	defer rows.Close()

	var approvals []caravan.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan approval: %w", err)
		}
		approvals = append(approvals, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate approvals: %w", err)
	}
	return approvals, nil
}

// decisionConflict explains why a decision matched no pending row.
func (s *Store) decisionConflict(ctx context.Context, op, key string) error {
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM workflow_approvals WHERE key = $1`, key).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: approval %q not found", op, key)
	}
	if err != nil {
		return fmt.Errorf("postgres: %s: %w", op, err)
	}
	return fmt.Errorf("postgres: %s: approval %q already %s", op, key, state)
}

// scanApproval reads one approval row. Works for both QueryRow and Rows.
func scanApproval(row pgx.Row) (*caravan.Approval, error) {
	var a caravan.Approval
	var state string
	var value, original, edited, metaJSON []byte
	var created, updated, expires int64
	if err := row.Scan(&a.Key, &state, &value, &original, &edited, &a.Reason, &a.GrantedBy, &metaJSON, &created, &updated, &expires); err != nil {
		return nil, err
	}
	a.State = caravan.ApprovalState(state)
	if len(value) > 0 {
		a.Value = json.RawMessage(value)
	}
	if len(original) > 0 {
		a.OriginalValue = json.RawMessage(original)
	}
	if len(edited) > 0 {
		a.EditedValue = json.RawMessage(edited)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &a.Metadata)
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
