// Package sqlite is the durable store for work items, approval events, ratchet
// locks, idempotency markers, leases, and artifact registries.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/kingrea/ratchet/internal/eventlog"
	"github.com/kingrea/ratchet/internal/idempotency"
	"github.com/kingrea/ratchet/internal/integrity"
	"github.com/kingrea/ratchet/internal/ratchet"
	"github.com/kingrea/ratchet/internal/store"
	"github.com/kingrea/ratchet/internal/store/sqlite/migrations"
	"github.com/kingrea/ratchet/internal/workitem"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the SQLite implementation of store.Store.
type Store struct {
	*repo
	sqlDB  *sql.DB
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Option customizes the store.
type Option func(*Store)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens (creating when needed) a SQLite database and applies migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create store dir: %w", err)
	}
	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: ping db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite: run migrations: %w", err)
	}
	s := &Store{sqlDB: sqlDB, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.repo = &repo{db: sqlDB, q: sqlDB}
	s.logger.Debug("sqlite store opened", zap.String("path", cleanPath))
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Atomically runs fn inside one immediate transaction.
func (s *Store) Atomically(ctx context.Context, fn func(store.Repository) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(&repo{q: tx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// repo implements store.Repository over a DB or an open transaction.
type repo struct {
	db *sql.DB
	tx *sql.Tx
	q  querier
}

// unit runs multi-statement writes atomically, reusing the enclosing
// transaction when there is one.
func (r *repo) unit(ctx context.Context, fn func(q querier) error) error {
	if r.tx != nil {
		return fn(r.tx)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Work items.

const workItemColumns = `id, external_id, parent_id, title, stage, workspace, metadata_json, children_json, archived, created_at, updated_at`

func (r *repo) CreateWorkItem(ctx context.Context, item workitem.WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	meta, children, err := encodeWorkItem(item)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
INSERT INTO work_items (`+workItemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ExternalID, item.ParentID, item.Title, item.Stage, item.Workspace,
		meta, children, boolInt(item.Archived), toMillis(item.CreatedAt), toMillis(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create work item %s: %w", item.ID, err)
	}
	return nil
}

func (r *repo) GetWorkItem(ctx context.Context, id string) (workitem.WorkItem, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanWorkItem(row)
	if err != nil {
		return workitem.WorkItem{}, fmt.Errorf("sqlite: get work item %s: %w", id, err)
	}
	return item, nil
}

func (r *repo) GetWorkItemByExternalID(ctx context.Context, externalID string) (workitem.WorkItem, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE external_id = ?`, externalID)
	item, err := scanWorkItem(row)
	if err != nil {
		return workitem.WorkItem{}, fmt.Errorf("sqlite: get work item by external id %s: %w", externalID, err)
	}
	return item, nil
}

func (r *repo) ListWorkItems(ctx context.Context) ([]workitem.WorkItem, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+workItemColumns+` FROM work_items ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list work items: %w", err)
	}
	defer rows.Close()
	var items []workitem.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *repo) UpdateWorkItem(ctx context.Context, item workitem.WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	meta, children, err := encodeWorkItem(item)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `
UPDATE work_items
SET external_id = ?, parent_id = ?, title = ?, stage = ?, workspace = ?,
    metadata_json = ?, children_json = ?, archived = ?, updated_at = ?
WHERE id = ?`,
		item.ExternalID, item.ParentID, item.Title, item.Stage, item.Workspace,
		meta, children, boolInt(item.Archived), toMillis(item.UpdatedAt), item.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update work item %s: %w", item.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("sqlite: update work item %s: %w", item.ID, workitem.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row rowScanner) (workitem.WorkItem, error) {
	var (
		item             workitem.WorkItem
		meta, children   string
		archived         int
		created, updated int64
	)
	err := row.Scan(&item.ID, &item.ExternalID, &item.ParentID, &item.Title, &item.Stage, &item.Workspace,
		&meta, &children, &archived, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return workitem.WorkItem{}, workitem.ErrNotFound
	}
	if err != nil {
		return workitem.WorkItem{}, err
	}
	if err := json.Unmarshal([]byte(meta), &item.Metadata); err != nil {
		return workitem.WorkItem{}, fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(children), &item.Children); err != nil {
		return workitem.WorkItem{}, fmt.Errorf("decode children: %w", err)
	}
	if len(item.Metadata) == 0 {
		item.Metadata = nil
	}
	if len(item.Children) == 0 {
		item.Children = nil
	}
	item.Archived = archived != 0
	item.CreatedAt = fromMillis(created)
	item.UpdatedAt = fromMillis(updated)
	return item, nil
}

func encodeWorkItem(item workitem.WorkItem) (string, string, error) {
	meta := item.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("sqlite: encode metadata: %w", err)
	}
	children := item.Children
	if children == nil {
		children = []workitem.ChildRef{}
	}
	childrenJSON, err := json.Marshal(children)
	if err != nil {
		return "", "", fmt.Errorf("sqlite: encode children: %w", err)
	}
	return string(metaJSON), string(childrenJSON), nil
}

// Events.

// AppendEvent assigns the next per-item sequence and persists the event. The
// unique (work_item_id, sequence) constraint rejects a concurrent duplicate.
func (r *repo) AppendEvent(ctx context.Context, evt eventlog.Event) (eventlog.Event, error) {
	evt.Sequence = 0
	if err := evt.Validate(); err != nil {
		return eventlog.Event{}, err
	}
	evt.Timestamp = evt.Timestamp.UTC().Truncate(time.Millisecond)
	artifacts := evt.Artifacts
	if artifacts == nil {
		artifacts = []eventlog.ArtifactChange{}
	}
	payload, err := json.Marshal(artifacts)
	if err != nil {
		return eventlog.Event{}, fmt.Errorf("sqlite: encode event artifacts: %w", err)
	}
	err = r.unit(ctx, func(q querier) error {
		var last int64
		if err := q.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE work_item_id = ?`, evt.WorkItemID,
		).Scan(&last); err != nil {
			return fmt.Errorf("sqlite: next event sequence: %w", err)
		}
		evt.Sequence = last + 1
		_, err := q.ExecContext(ctx, `
INSERT INTO events (event_id, work_item_id, sequence, kind, from_stage, to_stage, actor, reason, timestamp, artifacts_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			evt.EventID, evt.WorkItemID, evt.Sequence, string(evt.Kind), evt.FromStage, evt.ToStage,
			evt.Actor, evt.Reason, toMillis(evt.Timestamp), string(payload),
		)
		if err != nil {
			return fmt.Errorf("sqlite: append event %s: %w", evt.EventID, err)
		}
		return nil
	})
	if err != nil {
		return eventlog.Event{}, err
	}
	return evt, nil
}

func (r *repo) ListEvents(ctx context.Context, workItemID string) ([]eventlog.Event, error) {
	rows, err := r.q.QueryContext(ctx, `
SELECT event_id, work_item_id, sequence, kind, from_stage, to_stage, actor, reason, timestamp, artifacts_json
FROM events WHERE work_item_id = ? ORDER BY sequence`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer rows.Close()
	var events []eventlog.Event
	for rows.Next() {
		var (
			evt     eventlog.Event
			kind    string
			ts      int64
			payload string
		)
		if err := rows.Scan(&evt.EventID, &evt.WorkItemID, &evt.Sequence, &kind, &evt.FromStage, &evt.ToStage,
			&evt.Actor, &evt.Reason, &ts, &payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		evt.Kind = eventlog.Kind(kind)
		evt.Timestamp = fromMillis(ts)
		if err := json.Unmarshal([]byte(payload), &evt.Artifacts); err != nil {
			return nil, fmt.Errorf("sqlite: decode event %s artifacts: %w", evt.EventID, err)
		}
		if len(evt.Artifacts) == 0 {
			evt.Artifacts = nil
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Locks.

const lockColumns = `work_item_id, path, glob, locked, approved_hash, stage, locked_at, event_id, unlocked_at, unlock_event_id`

func (r *repo) ListLocks(ctx context.Context, workItemID string) ([]ratchet.Lock, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE work_item_id = ? ORDER BY path`, workItemID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list locks: %w", err)
	}
	defer rows.Close()
	var locks []ratchet.Lock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan lock: %w", err)
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}

func (r *repo) GetLock(ctx context.Context, workItemID, path string) (ratchet.Lock, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM locks WHERE work_item_id = ? AND path = ?`, workItemID, path)
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ratchet.Lock{}, ratchet.ErrLockNotFound
	}
	if err != nil {
		return ratchet.Lock{}, fmt.Errorf("sqlite: get lock %s: %w", path, err)
	}
	return lock, nil
}

// PutLock upserts a lock row. Rows are never deleted.
func (r *repo) PutLock(ctx context.Context, lock ratchet.Lock) error {
	_, err := r.q.ExecContext(ctx, `
INSERT INTO locks (`+lockColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (work_item_id, path) DO UPDATE SET
    glob = excluded.glob,
    locked = excluded.locked,
    approved_hash = excluded.approved_hash,
    stage = excluded.stage,
    locked_at = excluded.locked_at,
    event_id = excluded.event_id,
    unlocked_at = excluded.unlocked_at,
    unlock_event_id = excluded.unlock_event_id`,
		lock.WorkItemID, lock.Path, boolInt(lock.Glob), boolInt(lock.Locked), lock.ApprovedHash, lock.Stage,
		toMillis(lock.LockedAt), lock.EventID, toMillis(lock.UnlockedAt), lock.UnlockEventID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put lock %s: %w", lock.Path, err)
	}
	return nil
}

func scanLock(row rowScanner) (ratchet.Lock, error) {
	var (
		lock                 ratchet.Lock
		glob, locked         int
		lockedAt, unlockedAt int64
	)
	if err := row.Scan(&lock.WorkItemID, &lock.Path, &glob, &locked, &lock.ApprovedHash, &lock.Stage,
		&lockedAt, &lock.EventID, &unlockedAt, &lock.UnlockEventID); err != nil {
		return ratchet.Lock{}, err
	}
	lock.Glob = glob != 0
	lock.Locked = locked != 0
	lock.LockedAt = fromMillis(lockedAt)
	lock.UnlockedAt = fromMillis(unlockedAt)
	return lock, nil
}

// Markers.

func (r *repo) ListMarkers(ctx context.Context, workItemID, action string) ([]idempotency.Marker, error) {
	rows, err := r.q.QueryContext(ctx, `
SELECT state, at, note FROM markers WHERE work_item_id = ? AND action = ? ORDER BY at, id`, workItemID, action)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list markers: %w", err)
	}
	defer rows.Close()
	var markers []idempotency.Marker
	for rows.Next() {
		var (
			name string
			at   int64
			m    idempotency.Marker
		)
		if err := rows.Scan(&name, &at, &m.Note); err != nil {
			return nil, fmt.Errorf("sqlite: scan marker: %w", err)
		}
		state, err := idempotency.ParseMarkerState(name)
		if err != nil {
			return nil, err
		}
		m.State = state
		m.At = fromMillis(at)
		markers = append(markers, m)
	}
	return markers, rows.Err()
}

// ReplaceMarkers swaps the whole marker set of an action in one unit.
func (r *repo) ReplaceMarkers(ctx context.Context, workItemID, action string, markers []idempotency.Marker) error {
	return r.unit(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, `DELETE FROM markers WHERE work_item_id = ? AND action = ?`, workItemID, action); err != nil {
			return fmt.Errorf("sqlite: clear markers: %w", err)
		}
		for _, m := range markers {
			if _, err := q.ExecContext(ctx,
				`INSERT INTO markers (work_item_id, action, state, at, note) VALUES (?, ?, ?, ?, ?)`,
				workItemID, action, m.State.String(), toMillis(m.At), m.Note,
			); err != nil {
				return fmt.Errorf("sqlite: insert marker: %w", err)
			}
		}
		return nil
	})
}

// Leases.

// AcquireLease is a single conditional upsert: it takes an absent or expired
// lease, renews one held by the same owner, and otherwise leaves the row alone.
func (r *repo) AcquireLease(ctx context.Context, lease idempotency.Lease) (idempotency.Lease, bool, error) {
	res, err := r.q.ExecContext(ctx, `
INSERT INTO leases (work_item_id, action, owner, acquired_at, expires_at, epoch)
VALUES (?, ?, ?, ?, ?, 1)
ON CONFLICT (work_item_id, action) DO UPDATE SET
    owner = excluded.owner,
    acquired_at = excluded.acquired_at,
    expires_at = excluded.expires_at,
    epoch = CASE WHEN leases.owner = excluded.owner THEN leases.epoch ELSE leases.epoch + 1 END
WHERE leases.expires_at <= excluded.acquired_at OR leases.owner = excluded.owner`,
		lease.WorkItemID, lease.Action, lease.Owner, toMillis(lease.AcquiredAt), toMillis(lease.ExpiresAt),
	)
	if err != nil {
		return idempotency.Lease{}, false, fmt.Errorf("sqlite: acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return idempotency.Lease{}, false, fmt.Errorf("sqlite: acquire lease: %w", err)
	}
	current, err := r.getLease(ctx, lease.WorkItemID, lease.Action)
	if err != nil {
		return idempotency.Lease{}, false, err
	}
	return current, n > 0 && current.Owner == lease.Owner, nil
}

func (r *repo) ReleaseLease(ctx context.Context, workItemID, action, owner string) error {
	if _, err := r.q.ExecContext(ctx,
		`DELETE FROM leases WHERE work_item_id = ? AND action = ? AND owner = ?`, workItemID, action, owner,
	); err != nil {
		return fmt.Errorf("sqlite: release lease: %w", err)
	}
	return nil
}

func (r *repo) GetLease(ctx context.Context, workItemID, action string) (idempotency.Lease, bool, error) {
	lease, err := r.getLease(ctx, workItemID, action)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Lease{}, false, nil
	}
	if err != nil {
		return idempotency.Lease{}, false, err
	}
	return lease, true, nil
}

func (r *repo) getLease(ctx context.Context, workItemID, action string) (idempotency.Lease, error) {
	var (
		lease             idempotency.Lease
		acquired, expires int64
	)
	err := r.q.QueryRowContext(ctx, `
SELECT work_item_id, action, owner, acquired_at, expires_at, epoch FROM leases WHERE work_item_id = ? AND action = ?`,
		workItemID, action,
	).Scan(&lease.WorkItemID, &lease.Action, &lease.Owner, &acquired, &expires, &lease.Epoch)
	if err != nil {
		return idempotency.Lease{}, fmt.Errorf("sqlite: read lease: %w", err)
	}
	lease.AcquiredAt = fromMillis(acquired)
	lease.ExpiresAt = fromMillis(expires)
	return lease, nil
}

// Registries.

func (r *repo) SaveRegistry(ctx context.Context, reg integrity.Registry) error {
	return r.unit(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, `
INSERT INTO registries (work_item_id, refreshed_at) VALUES (?, ?)
ON CONFLICT (work_item_id) DO UPDATE SET refreshed_at = excluded.refreshed_at`,
			reg.WorkItemID, toMillis(reg.RefreshedAt),
		); err != nil {
			return fmt.Errorf("sqlite: save registry: %w", err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM artifacts WHERE work_item_id = ?`, reg.WorkItemID); err != nil {
			return fmt.Errorf("sqlite: clear artifacts: %w", err)
		}
		for _, a := range reg.Artifacts {
			if _, err := q.ExecContext(ctx, `
INSERT INTO artifacts (work_item_id, path, hash, approved_hash, state, missing, lock_stage)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
				reg.WorkItemID, a.Path, a.Hash, a.ApprovedHash, string(a.State), boolInt(a.Missing), a.LockStage,
			); err != nil {
				return fmt.Errorf("sqlite: save artifact %s: %w", a.Path, err)
			}
		}
		return nil
	})
}

// LoadRegistry returns an empty registry when none was saved yet.
func (r *repo) LoadRegistry(ctx context.Context, workItemID string) (integrity.Registry, error) {
	reg := integrity.Registry{WorkItemID: workItemID}
	var refreshed int64
	err := r.q.QueryRowContext(ctx, `SELECT refreshed_at FROM registries WHERE work_item_id = ?`, workItemID).Scan(&refreshed)
	if errors.Is(err, sql.ErrNoRows) {
		return reg, nil
	}
	if err != nil {
		return integrity.Registry{}, fmt.Errorf("sqlite: load registry: %w", err)
	}
	reg.RefreshedAt = fromMillis(refreshed)
	rows, err := r.q.QueryContext(ctx, `
SELECT path, hash, approved_hash, state, missing, lock_stage FROM artifacts WHERE work_item_id = ? ORDER BY path`, workItemID)
	if err != nil {
		return integrity.Registry{}, fmt.Errorf("sqlite: load artifacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a       integrity.Artifact
			state   string
			missing int
		)
		if err := rows.Scan(&a.Path, &a.Hash, &a.ApprovedHash, &state, &missing, &a.LockStage); err != nil {
			return integrity.Registry{}, fmt.Errorf("sqlite: scan artifact: %w", err)
		}
		a.State = integrity.State(state)
		a.Missing = missing != 0
		reg.Artifacts = append(reg.Artifacts, a)
	}
	return reg, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
