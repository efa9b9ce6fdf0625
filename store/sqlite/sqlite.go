// Package sqlite implements caravan's snapshot store, workflow lock,
// and approval store using pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nevindra/caravan"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements caravan.SnapshotStore, caravan.WorkflowLock, and
// caravan.ApprovalStore backed by a local SQLite file. Snapshots and
// approval payloads are stored as JSON text; timestamps are Unix
// milliseconds.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ caravan.SnapshotStore = (*Store)(nil)
var _ caravan.WorkflowLock = (*Store)(nil)
var _ caravan.ApprovalStore = (*Store)(nil)
var _ caravan.SnapshotClearer = (*Store)(nil)
var _ caravan.BatchDeleter = (*Store)(nil)
var _ caravan.PageLister = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
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
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_snapshots_updated ON workflow_snapshots(updated_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_approvals_state ON workflow_approvals(state)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: store closed")
	return s.db.Close()
}

// Save inserts or replaces the snapshot for workflowID.
func (s *Store) Save(ctx context.Context, workflowID string, snap caravan.Snapshot) error {
	start := time.Now()
	s.logger.Debug("sqlite: save snapshot", "workflow_id", workflowID, "steps", len(snap.Steps))

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflow_snapshots (workflow_id, snapshot, steps, updated_at)
		 VALUES (?, ?, ?, ?)`,
		workflowID, string(data), len(snap.Steps), time.Now().UnixMilli(),
	)
	if err != nil {
		s.logger.Error("sqlite: save snapshot failed", "workflow_id", workflowID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.logger.Debug("sqlite: save snapshot ok", "workflow_id", workflowID, "bytes", len(data), "duration", time.Since(start))
	return nil
}

// Load returns the snapshot for workflowID, or (nil, nil) when none exists.
func (s *Store) Load(ctx context.Context, workflowID string) (*caravan.Snapshot, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load snapshot", "workflow_id", workflowID)

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM workflow_snapshots WHERE workflow_id = ?`, workflowID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("sqlite: load snapshot miss", "workflow_id", workflowID, "duration", time.Since(start))
		return nil, nil
	}
	if err != nil {
		s.logger.Error("sqlite: load snapshot failed", "workflow_id", workflowID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap caravan.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	s.logger.Debug("sqlite: load snapshot ok", "workflow_id", workflowID, "steps", len(snap.Steps), "duration", time.Since(start))
	return &snap, nil
}

// Delete removes the snapshot for workflowID. Deleting a missing
// snapshot is a no-op.
func (s *Store) Delete(ctx context.Context, workflowID string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_snapshots WHERE workflow_id = ?`, workflowID)
	if err != nil {
		s.logger.Error("sqlite: delete snapshot failed", "workflow_id", workflowID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("delete snapshot: %w", err)
	}
	s.logger.Debug("sqlite: delete snapshot ok", "workflow_id", workflowID, "duration", time.Since(start))
	return nil
}

// List returns snapshot metadata, most recently updated first.
func (s *Store) List(ctx context.Context, q caravan.ListQuery) ([]caravan.SnapshotInfo, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list snapshots", "prefix", q.Prefix, "limit", q.Limit)

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

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: list snapshots failed", "error", err, "duration", time.Since(start))
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
	s.logger.Debug("sqlite: list snapshots ok", "count", len(infos), "duration", time.Since(start))
	return infos, nil
}

// ListPage returns snapshot metadata with offset/limit pagination,
// most recently updated first.
func (s *Store) ListPage(ctx context.Context, offset, limit int) ([]caravan.SnapshotInfo, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, steps, updated_at FROM workflow_snapshots
		 ORDER BY updated_at DESC, workflow_id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		s.logger.Error("sqlite: list page failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list page: %w", err)
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
	s.logger.Debug("sqlite: list page ok", "offset", offset, "count", len(infos), "duration", time.Since(start))
	return infos, nil
}

// DeleteMany removes several snapshots in a single statement.
func (s *Store) DeleteMany(ctx context.Context, workflowIDs []string) error {
	if len(workflowIDs) == 0 {
		return nil
	}
	start := time.Now()
	placeholders := strings.Repeat("?,", len(workflowIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(workflowIDs))
	for i, id := range workflowIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_snapshots WHERE workflow_id IN (`+placeholders+`)`, args...)
	if err != nil {
		s.logger.Error("sqlite: delete many failed", "count", len(workflowIDs), "error", err, "duration", time.Since(start))
		return fmt.Errorf("delete many: %w", err)
	}
	s.logger.Debug("sqlite: delete many ok", "count", len(workflowIDs), "duration", time.Since(start))
	return nil
}

// Clear removes every snapshot.
func (s *Store) Clear(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_snapshots`)
	if err != nil {
		s.logger.Error("sqlite: clear failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("clear snapshots: %w", err)
	}
	s.logger.Debug("sqlite: clear ok", "duration", time.Since(start))
	return nil
}

// TryAcquire grants a lease on workflowID for ttl. The upsert takes the
// row when it is free or expired, in one statement; RETURNING tells us
// whether we won. Returns "" without error when another live lease
// holds the ID.
func (s *Store) TryAcquire(ctx context.Context, workflowID string, ttl time.Duration) (string, error) {
	start := time.Now()
	token := caravan.NewID()
	now := time.Now().UnixMilli()
	expires := time.Now().Add(ttl).UnixMilli()

	var holder string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO workflow_leases (workflow_id, owner_token, expires_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE
		 SET owner_token = excluded.owner_token, expires_at = excluded.expires_at
		 WHERE workflow_leases.expires_at < ?
		 RETURNING owner_token`,
		workflowID, token, expires, now,
	).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict row alive: someone else holds the lease.
		s.logger.Debug("sqlite: lease held elsewhere", "workflow_id", workflowID, "duration", time.Since(start))
		return "", nil
	}
	if err != nil {
		s.logger.Error("sqlite: acquire lease failed", "workflow_id", workflowID, "error", err, "duration", time.Since(start))
		return "", fmt.Errorf("acquire lease: %w", err)
	}
	s.logger.Debug("sqlite: lease acquired", "workflow_id", workflowID, "ttl", ttl, "duration", time.Since(start))
	return holder, nil
}

// Release removes the lease only when token still owns it. Releasing a
// lease that expired and was taken over is a no-op.
func (s *Store) Release(ctx context.Context, workflowID, token string) error {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_leases WHERE workflow_id = ? AND owner_token = ?`,
		workflowID, token,
	)
	if err != nil {
		s.logger.Error("sqlite: release lease failed", "workflow_id", workflowID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("release lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("sqlite: release found no owned lease", "workflow_id", workflowID)
	}
	return nil
}

// GetApproval returns the approval record for key, or (nil, nil) when
// none exists. A pending record whose expiry has passed is flipped to
// expired on read.
func (s *Store) GetApproval(ctx context.Context, key string) (*caravan.Approval, error) {
	start := time.Now()
	row := s.db.QueryRowContext(ctx,
		`SELECT key, state, value, original_value, edited_value, reason, granted_by, metadata, created_at, updated_at, expires_at
		 FROM workflow_approvals WHERE key = ?`, key)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("sqlite: get approval miss", "key", key, "duration", time.Since(start))
		return nil, nil
	}
	if err != nil {
		s.logger.Error("sqlite: get approval failed", "key", key, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get approval: %w", err)
	}
	if a.Lapsed(time.Now()) {
		a.State = caravan.ApprovalExpired
		a.UpdatedAt = time.Now()
		_, uerr := s.db.ExecContext(ctx,
			`UPDATE workflow_approvals SET state = ?, updated_at = ? WHERE key = ? AND state = ?`,
			string(caravan.ApprovalExpired), a.UpdatedAt.UnixMilli(), key, string(caravan.ApprovalPending))
		if uerr != nil {
			s.logger.Warn("sqlite: expire approval failed", "key", key, "error", uerr)
		}
	}
	s.logger.Debug("sqlite: get approval ok", "key", key, "state", string(a.State), "duration", time.Since(start))
	return a, nil
}

// CreateApproval inserts a pending record for key. Creating a key that
// already exists is an error.
func (s *Store) CreateApproval(ctx context.Context, key string, req caravan.ApprovalRequest) error {
	start := time.Now()
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_approvals (key, state, metadata, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key, string(caravan.ApprovalPending), metaJSON, now, now, expires,
	)
	if err != nil {
		s.logger.Error("sqlite: create approval failed", "key", key, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create approval: %w", err)
	}
	s.logger.Debug("sqlite: create approval ok", "key", key, "duration", time.Since(start))
	return nil
}

// GrantApproval moves a pending record to approved with the granted
// value. Granting a missing or already-decided key is an error.
func (s *Store) GrantApproval(ctx context.Context, key string, value any, grantedBy string) error {
	start := time.Now()
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode approval value: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_approvals SET state = ?, value = ?, granted_by = ?, updated_at = ?
		 WHERE key = ? AND state = ?`,
		string(caravan.ApprovalApproved), string(data), grantedBy, time.Now().UnixMilli(),
		key, string(caravan.ApprovalPending),
	)
	if err != nil {
		s.logger.Error("sqlite: grant approval failed", "key", key, "error", err, "duration", time.Since(start))
		return fmt.Errorf("grant approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.decisionConflict(ctx, "grant approval", key)
	}
	s.logger.Info("sqlite: approval granted", "key", key, "granted_by", grantedBy, "duration", time.Since(start))
	return nil
}

// RejectApproval moves a pending record to rejected. rejectedBy is
// recorded as the decider.
func (s *Store) RejectApproval(ctx context.Context, key, reason, rejectedBy string) error {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_approvals SET state = ?, reason = ?, granted_by = ?, updated_at = ?
		 WHERE key = ? AND state = ?`,
		string(caravan.ApprovalRejected), reason, rejectedBy, time.Now().UnixMilli(),
		key, string(caravan.ApprovalPending),
	)
	if err != nil {
		s.logger.Error("sqlite: reject approval failed", "key", key, "error", err, "duration", time.Since(start))
		return fmt.Errorf("reject approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.decisionConflict(ctx, "reject approval", key)
	}
	s.logger.Info("sqlite: approval rejected", "key", key, "reason", reason, "duration", time.Since(start))
	return nil
}

// EditApproval grants a pending record with a modified value, keeping
// the original for audit. Checks treat edited as approved with the
// edited value.
func (s *Store) EditApproval(ctx context.Context, key string, original, edited any, editedBy string) error {
	start := time.Now()
	origData, err := json.Marshal(original)
	if err != nil {
		return fmt.Errorf("encode original value: %w", err)
	}
	editData, err := json.Marshal(edited)
	if err != nil {
		return fmt.Errorf("encode edited value: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_approvals SET state = ?, original_value = ?, edited_value = ?, granted_by = ?, updated_at = ?
		 WHERE key = ? AND state = ?`,
		string(caravan.ApprovalEdited), string(origData), string(editData), editedBy, time.Now().UnixMilli(),
		key, string(caravan.ApprovalPending),
	)
	if err != nil {
		s.logger.Error("sqlite: edit approval failed", "key", key, "error", err, "duration", time.Since(start))
		return fmt.Errorf("edit approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.decisionConflict(ctx, "edit approval", key)
	}
	s.logger.Info("sqlite: approval edited", "key", key, "edited_by", editedBy, "duration", time.Since(start))
	return nil
}

// CancelApproval removes the record for key. Cancelling a missing key
// is a no-op.
func (s *Store) CancelApproval(ctx context.Context, key string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_approvals WHERE key = ?`, key)
	if err != nil {
		s.logger.Error("sqlite: cancel approval failed", "key", key, "error", err, "duration", time.Since(start))
		return fmt.Errorf("cancel approval: %w", err)
	}
	s.logger.Debug("sqlite: cancel approval ok", "key", key, "duration", time.Since(start))
	return nil
}

// ListPendingApprovals returns live pending records whose key starts
// with prefix, oldest first. Lapsed records are excluded.
func (s *Store) ListPendingApprovals(ctx context.Context, prefix string) ([]caravan.Approval, error) {
	start := time.Now()
	query := `SELECT key, state, value, original_value, edited_value, reason, granted_by, metadata, created_at, updated_at, expires_at
		 FROM workflow_approvals
		 WHERE state = ? AND (expires_at = 0 OR expires_at > ?)`
	args := []any{string(caravan.ApprovalPending), time.Now().UnixMilli()}
	if prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(prefix)+"%")
	}
	query += ` ORDER BY created_at, key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: list pending approvals failed", "error", err, "duration", time.Since(start))
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
	s.logger.Debug("sqlite: list pending approvals ok", "count", len(approvals), "duration", time.Since(start))
	return approvals, nil
}

// decisionConflict explains why a decision matched no pending row.
func (s *Store) decisionConflict(ctx context.Context, op, key string) error {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM workflow_approvals WHERE key = ?`, key).Scan(&state)
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
