// Package state manages the SQLite database that holds this device's copy of
// the inventory: every record, its sync status, and the server snapshot for
// records in conflict.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods. Every mutation is a single statement or a
// single transaction, so no caller can observe a half-written record.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/shelfsync/internal/model"
)

var (
	// ErrNotFound is returned by mutations addressed to an id with no row.
	ErrNotFound = errors.New("record not found")
	// ErrUnresolvedConflict is returned when editing a record whose conflict
	// has not been resolved yet.
	ErrUnresolvedConflict = errors.New("record has an unresolved conflict")
	// ErrNotInConflict is returned by the resolution operations when the
	// record is not in conflict.
	ErrNotInConflict = errors.New("record is not in conflict")
)

// Store is the SQLite-backed record store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// DefaultDBPath returns the default path for the inventory database:
// ~/.local/share/shelfsync/inventory.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "shelfsync", "inventory.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source used to stamp LastUpdated. Tests use it
// to make timestamps deterministic.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// nextStamp returns a timestamp strictly after prev, so a local mutation
// always wins a later last-writer-wins comparison against its own past.
func (s *Store) nextStamp(prev time.Time) time.Time {
	t := s.now().UTC()
	if !t.After(prev) {
		t = prev.Add(time.Nanosecond)
	}
	return t
}

// --- queries -----------------------------------------------------------------

const selectColumns = `
		SELECT id, item_name, quantity, price, location, is_deleted,
		       sync_status, conflict_server, last_updated, synced_at
		FROM inventory`

// Get returns the record with the given id, or (nil, nil) if no such record
// exists. Tombstones are returned.
func (s *Store) Get(ctx context.Context, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	return scanRecord(row)
}

// ListAll returns every record including tombstones.
func (s *Store) ListAll(ctx context.Context) ([]*model.Record, error) {
	return s.query(ctx, selectColumns+` ORDER BY item_name COLLATE NOCASE, id`)
}

// ListActive returns records that are not tombstoned.
func (s *Store) ListActive(ctx context.Context) ([]*model.Record, error) {
	return s.query(ctx, selectColumns+` WHERE is_deleted = 0 ORDER BY item_name COLLATE NOCASE, id`)
}

// ListPending returns non-tombstoned records waiting to be pushed.
func (s *Store) ListPending(ctx context.Context) ([]*model.Record, error) {
	return s.query(ctx, selectColumns+` WHERE sync_status = ? AND is_deleted = 0 ORDER BY last_updated, id`,
		string(model.StatusPending))
}

// ListPendingTombstones returns tombstones whose delete has not been
// acknowledged by the server.
func (s *Store) ListPendingTombstones(ctx context.Context) ([]*model.Record, error) {
	return s.query(ctx, selectColumns+` WHERE sync_status = ? AND is_deleted = 1 ORDER BY last_updated, id`,
		string(model.StatusPending))
}

// ListSynced returns non-tombstoned records the server has acknowledged.
func (s *Store) ListSynced(ctx context.Context) ([]*model.Record, error) {
	return s.query(ctx, selectColumns+` WHERE sync_status = ? AND is_deleted = 0 ORDER BY id`,
		string(model.StatusSynced))
}

// ListConflicts returns records awaiting human conflict resolution.
func (s *Store) ListConflicts(ctx context.Context) ([]*model.Record, error) {
	return s.query(ctx, selectColumns+` WHERE sync_status = ? ORDER BY item_name COLLATE NOCASE, id`,
		string(model.StatusConflict))
}

// CountByStatus returns the number of active records per sync status plus
// the number of tombstones under the "deleted" key.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	const q = `
		SELECT CASE WHEN is_deleted = 1 THEN 'deleted' ELSE sync_status END, COUNT(*)
		FROM inventory GROUP BY 1`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*model.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- mutations ---------------------------------------------------------------

const upsertSQL = `
		INSERT INTO inventory
		    (id, item_name, quantity, price, location, is_deleted,
		     sync_status, conflict_server, last_updated, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    item_name       = excluded.item_name,
		    quantity        = excluded.quantity,
		    price           = excluded.price,
		    location        = excluded.location,
		    is_deleted      = excluded.is_deleted,
		    sync_status     = excluded.sync_status,
		    conflict_server = excluded.conflict_server,
		    last_updated    = excluded.last_updated,
		    synced_at       = excluded.synced_at`

// Upsert inserts or replaces the record keyed by its id. A zero LastUpdated is
// stamped with the current time and an empty SyncStatus defaults to pending;
// both are written back into r.
func (s *Store) Upsert(ctx context.Context, r *model.Record) error {
	if r.ID == "" {
		return fmt.Errorf("upserting record %q: empty id", r.ItemName)
	}
	if r.LastUpdated.IsZero() {
		r.LastUpdated = s.now().UTC()
	}
	if r.SyncStatus == "" {
		r.SyncStatus = model.StatusPending
	}
	if err := exec(ctx, s.db, upsertSQL, recordArgs(r)...); err != nil {
		return fmt.Errorf("upserting record %s: %w", r.ID, err)
	}
	return nil
}

// Tombstone marks the record deleted and pending so the delete is pushed on
// the next sync. Returns [ErrNotFound] if the record does not exist.
func (s *Store) Tombstone(ctx context.Context, id string) (*model.Record, error) {
	return s.update(ctx, id, func(r *model.Record) error {
		r.IsDeleted = true
		r.SyncStatus = model.StatusPending
		r.LastUpdated = s.nextStamp(r.LastUpdated)
		return nil
	})
}

// Restore clears the tombstone of a record whose delete has not been purged
// yet and marks it pending.
func (s *Store) Restore(ctx context.Context, id string) (*model.Record, error) {
	return s.update(ctx, id, func(r *model.Record) error {
		if !r.IsDeleted {
			return nil
		}
		r.IsDeleted = false
		r.SyncStatus = model.StatusPending
		r.LastUpdated = s.nextStamp(r.LastUpdated)
		return nil
	})
}

// Patch applies a single-field edit to an active record, marks it pending and
// bumps LastUpdated. Records in conflict must be resolved first.
func (s *Store) Patch(ctx context.Context, id string, p model.Patch) (*model.Record, error) {
	return s.update(ctx, id, func(r *model.Record) error {
		if r.IsDeleted {
			return ErrNotFound
		}
		if r.SyncStatus == model.StatusConflict {
			return ErrUnresolvedConflict
		}
		if err := p.Apply(r); err != nil {
			return err
		}
		r.SyncStatus = model.StatusPending
		r.LastUpdated = s.nextStamp(r.LastUpdated)
		return nil
	})
}

// HardDelete removes the row. It never touches the network; callers decide
// whether a remote delete is needed first.
func (s *Store) HardDelete(ctx context.Context, id string) error {
	if err := exec(ctx, s.db, `DELETE FROM inventory WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	return nil
}

// MarkSynced records the server's acknowledgement: status synced, conflict
// snapshot cleared. LastUpdated is left alone.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	const q = `UPDATE inventory SET sync_status = ?, conflict_server = '', synced_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, string(model.StatusSynced), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("marking %s synced: %w", id, err)
	}
	return requireRow(res, id)
}

// AckPush marks a pushed record synced, but only if the row still holds the
// version that was pushed: same LastUpdated, same tombstone flag, still
// pending. It reports false when a local edit landed while the push was in
// flight; that record stays pending and is pushed again on the next run.
func (s *Store) AckPush(ctx context.Context, id string, pushed model.Record) (bool, error) {
	const q = `
		UPDATE inventory SET sync_status = ?, conflict_server = '', synced_at = ?
		WHERE id = ? AND last_updated = ? AND is_deleted = ? AND sync_status = ?`
	res, err := s.db.ExecContext(ctx, q,
		string(model.StatusSynced), formatTime(s.now()),
		id, formatTime(pushed.LastUpdated), pushed.IsDeleted, string(model.StatusPending))
	if err != nil {
		return false, fmt.Errorf("acknowledging push of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows for %s: %w", id, err)
	}
	return n == 1, nil
}

// MarkPending demotes a synced record back to pending. Used when the server
// no longer has a record this device believes is synced.
func (s *Store) MarkPending(ctx context.Context, id string) error {
	const q = `UPDATE inventory SET sync_status = ? WHERE id = ? AND sync_status = ?`
	res, err := s.db.ExecContext(ctx, q, string(model.StatusPending), id, string(model.StatusSynced))
	if err != nil {
		return fmt.Errorf("marking %s pending: %w", id, err)
	}
	return requireRow(res, id)
}

// PurgeSyncedTombstones hard-deletes every tombstone whose delete the server
// has acknowledged and returns how many rows were removed.
func (s *Store) PurgeSyncedTombstones(ctx context.Context) (int, error) {
	const q = `DELETE FROM inventory WHERE is_deleted = 1 AND sync_status = ?`
	res, err := s.db.ExecContext(ctx, q, string(model.StatusSynced))
	if err != nil {
		return 0, fmt.Errorf("purging tombstones: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MergeRemote writes the server's copy of a record locally as synced, unless
// the local copy is pending or in conflict. It reports whether a row was
// written; an identical synced copy is left as is. The read and the write
// share one transaction so a concurrent local edit cannot be overwritten.
func (s *Store) MergeRemote(ctx context.Context, rr model.RemoteRecord) (bool, error) {
	var written bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanRecord(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, rr.ID))
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.SyncStatus != model.StatusSynced {
				return nil
			}
			if !existing.IsDeleted &&
				existing.ContentHash() == rr.ContentHash() &&
				existing.LastUpdated.Equal(rr.LastUpdated) {
				return nil
			}
		}

		r := rr.ToRecord()
		r.SyncedAt = s.now().UTC()
		if r.LastUpdated.IsZero() {
			r.LastUpdated = r.SyncedAt
		}
		if err := exec(ctx, tx, upsertSQL, recordArgs(r)...); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("merging remote record %s: %w", rr.ID, err)
	}
	return written, nil
}

// update runs fn against the current row inside a transaction and writes the
// result back. fn may return an error to abort without writing.
func (s *Store) update(ctx context.Context, id string, fn func(r *model.Record) error) (*model.Record, error) {
	var out *model.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := scanRecord(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
		if err != nil {
			return err
		}
		if r == nil {
			return ErrNotFound
		}
		if err := fn(r); err != nil {
			return err
		}
		if err := exec(ctx, tx, upsertSQL, recordArgs(r)...); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("updating record %s: %w", id, err)
	}
	return out, nil
}

// --- helpers -----------------------------------------------------------------

// execer matches both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func exec(ctx context.Context, e execer, q string, args ...any) error {
	_, err := e.ExecContext(ctx, q, args...)
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return nil
}

func recordArgs(r *model.Record) []any {
	return []any{
		r.ID,
		r.ItemName,
		r.Quantity,
		r.Price.String(),
		string(r.Location),
		r.IsDeleted,
		string(r.SyncStatus),
		encodeSnapshot(r.ConflictServer),
		formatTime(r.LastUpdated),
		formatTime(r.SyncedAt),
	}
}

// scanner matches both *sql.Row and *sql.Rows so scanRecord can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*model.Record, error) {
	var r model.Record
	var price, location, status string
	var snapshot, updated, syncedAt string

	err := s.Scan(
		&r.ID,
		&r.ItemName,
		&r.Quantity,
		&price,
		&location,
		&r.IsDeleted,
		&status,
		&snapshot,
		&updated,
		&syncedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning record row: %w", err)
	}

	r.Price, err = parsePrice(price)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", r.ID, err)
	}
	r.Location = model.Location(location)
	r.SyncStatus = model.SyncStatus(status)
	r.ConflictServer, err = decodeSnapshot(snapshot)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", r.ID, err)
	}
	r.LastUpdated, _ = parseTime(updated)
	r.SyncedAt, _ = parseTime(syncedAt)

	return &r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
