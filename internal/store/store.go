// Package store provides the embedded local store for the sync engine.
//
// The store is the single source of truth for what this device currently
// believes: entity rows (one table per registered entity type) plus the
// shared sync_queue table holding durable pending outbound mutations.
//
// The database runs embedded SQLite with WAL mode for concurrent reads.
// All writes go through a single-writer transaction discipline so inbound
// realtime updates and outbound mutations for the same entity can never
// interleave their read-modify-write.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/pulseplan/syncengine/internal/entity"
	"github.com/pulseplan/syncengine/internal/syncerr"
)

// Store wraps the SQLite connection with sync-specific functionality.
type Store struct {
	conn  *sql.DB
	path  string
	types map[string]entity.Type

	// writeMu serializes all write transactions (single-writer discipline).
	writeMu sync.Mutex
}

// Open creates a database connection at the specified path and registers
// the given entity types.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The caller MUST call Close() when done and InitSchema() before first use.
//
// Example:
//
//	st, err := store.Open(".pulseplan/sync.db",
//	    entity.Type{Name: "alarm", Table: "alarms"},
//	    entity.Type{Name: "task", Table: "tasks"},
//	)
func Open(path string, types ...entity.Type) (*Store, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("at least one entity type must be registered")
	}

	registry := make(map[string]entity.Type, len(types))
	for _, t := range types {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("invalid entity type: %w", err)
		}
		if _, dup := registry[t.Name]; dup {
			return nil, fmt.Errorf("duplicate entity type %q", t.Name)
		}
		registry[t.Name] = t
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn:  conn,
		path:  path,
		types: registry,
	}

	// Enable WAL mode for concurrent reads
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// Types returns the registered entity types.
func (s *Store) Types() []entity.Type {
	out := make([]entity.Type, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, t)
	}
	return out
}

// tableFor resolves the table name for an entity type.
func (s *Store) tableFor(typeName string) (string, error) {
	t, ok := s.types[typeName]
	if !ok {
		return "", fmt.Errorf("unregistered entity type %q", typeName)
	}
	return t.Table, nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates one table per registered entity type plus the shared
// sync_queue table. Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	for _, t := range s.types {
		ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			remote_id TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			payload TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT,
			synced_at TEXT,
			dirty INTEGER NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_%[1]s_dirty ON %[1]s(dirty);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_remote ON %[1]s(remote_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_deleted ON %[1]s(deleted_at);
		`, t.Table)

		if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.Table, err)
		}
	}

	queueDDL := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		snapshot TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(entity_type, entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_queue_order ON sync_queue(created_at, id);
	`

	if _, err := s.conn.ExecContext(ctx, queueDDL); err != nil {
		return fmt.Errorf("failed to create sync_queue table: %w", err)
	}

	return nil
}

// Upsert writes the entity row, marks it dirty, bumps its version, and
// atomically replaces any pending queue entry for the same key with a
// fresh upsert entry. Both writes happen in one transaction so a crash can
// never leave a dirty entity without a queue entry.
//
// On return the entity reflects the stored envelope (new version, dirty
// flag, timestamps).
func (s *Store) Upsert(e *entity.Entity) error {
	return s.UpsertContext(context.Background(), e)
}

// UpsertContext writes the entity with context support.
func (s *Store) UpsertContext(ctx context.Context, e *entity.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}
	table, err := s.tableFor(e.Type)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &syncerr.StorageError{Op: "upsert", Err: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	// The new envelope is built on a copy; e only reflects it once the
	// transaction commits, so a failed write never shows up on the
	// caller's object.
	next := *e

	// Read the current envelope to bump the version.
	var curVersion int64
	var curCreatedAt string
	var curRemoteID sql.NullString
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT version, created_at, remote_id FROM %s WHERE id = ?`, table), e.ID)
	switch err := row.Scan(&curVersion, &curCreatedAt, &curRemoteID); err {
	case nil:
		next.Version = curVersion + 1
		if t, perr := time.Parse(time.RFC3339Nano, curCreatedAt); perr == nil {
			next.CreatedAt = t
		}
		if next.RemoteID == "" && curRemoteID.Valid {
			next.RemoteID = curRemoteID.String
		}
	case sql.ErrNoRows:
		next.Version = 1
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
	default:
		return &syncerr.StorageError{Op: "upsert", Err: err}
	}

	if next.UpdatedAt.IsZero() || next.Version > 1 {
		next.UpdatedAt = now
	}
	next.Dirty = true
	next.DeletedAt = nil
	next.SyncedAt = nil

	if len(next.Payload) == 0 {
		next.Payload = json.RawMessage("{}")
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (
		id, remote_id, version, payload,
		created_at, updated_at, deleted_at, synced_at, dirty
	) VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, 1)
	ON CONFLICT(id) DO UPDATE SET
		remote_id = excluded.remote_id,
		version = excluded.version,
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		deleted_at = NULL,
		dirty = 1
	`, table)

	_, err = tx.ExecContext(ctx, query,
		next.ID,
		nullString(next.RemoteID),
		next.Version,
		string(next.Payload),
		next.CreatedAt.Format(time.RFC3339Nano),
		next.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return &syncerr.StorageError{Op: "upsert", Err: err}
	}

	if err := replaceQueueEntry(ctx, tx, &next, entity.ActionUpsert, now); err != nil {
		return &syncerr.StorageError{Op: "upsert", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &syncerr.StorageError{Op: "upsert", Err: err}
	}

	*e = next
	return nil
}

// SoftDelete marks the entity as a tombstone, bumps its version, and
// replaces any pending queue entry with a delete entry. The row is not
// physically removed until the delete is acknowledged by the server and
// PurgeTombstones runs.
func (s *Store) SoftDelete(entityType, entityID string) error {
	return s.SoftDeleteContext(context.Background(), entityType, entityID)
}

// SoftDeleteContext marks the entity deleted with context support.
func (s *Store) SoftDeleteContext(ctx context.Context, entityType, entityID string) error {
	table, err := s.tableFor(entityType)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &syncerr.StorageError{Op: "soft delete", Err: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	query := fmt.Sprintf(`
	UPDATE %s SET
		version = version + 1,
		updated_at = ?,
		deleted_at = ?,
		dirty = 1
	WHERE id = ?
	`, table)

	res, err := tx.ExecContext(ctx, query,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		entityID,
	)
	if err != nil {
		return &syncerr.StorageError{Op: "soft delete", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entity %s/%s not found", entityType, entityID)
	}

	e, err := getEntityTx(ctx, tx, table, entityType, entityID)
	if err != nil {
		return &syncerr.StorageError{Op: "soft delete", Err: err}
	}

	if err := replaceQueueEntry(ctx, tx, e, entity.ActionDelete, now); err != nil {
		return &syncerr.StorageError{Op: "soft delete", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &syncerr.StorageError{Op: "soft delete", Err: err}
	}

	return nil
}

// MarkSynced records a server acknowledgment: clears the dirty flag,
// stamps synced_at, stores the server-assigned remote ID, and removes the
// now-satisfied queue entry.
//
// It is a silent no-op if the local version has advanced past the version
// being acknowledged - a newer local edit arrived while the push was in
// flight, so the entity stays dirty and queued.
func (s *Store) MarkSynced(entityType, entityID, remoteID string, version int64) error {
	return s.MarkSyncedContext(context.Background(), entityType, entityID, remoteID, version)
}

// MarkSyncedContext records a server acknowledgment with context support.
func (s *Store) MarkSyncedContext(ctx context.Context, entityType, entityID, remoteID string, version int64) error {
	table, err := s.tableFor(entityType)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &syncerr.StorageError{Op: "mark synced", Err: err}
	}
	defer tx.Rollback()

	var curVersion int64
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT version FROM %s WHERE id = ?`, table), entityID)
	if err := row.Scan(&curVersion); err != nil {
		if err == sql.ErrNoRows {
			// Row already purged; drop the stale queue entry anyway.
			_, _ = tx.ExecContext(ctx,
				`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?`,
				entityType, entityID)
			return tx.Commit()
		}
		return &syncerr.StorageError{Op: "mark synced", Err: err}
	}

	if curVersion > version {
		// A newer local edit superseded the acknowledged push.
		return nil
	}

	now := time.Now().UTC()

	query := fmt.Sprintf(`
	UPDATE %s SET
		remote_id = COALESCE(?, remote_id),
		synced_at = ?,
		dirty = 0
	WHERE id = ?
	`, table)

	_, err = tx.ExecContext(ctx, query,
		nullString(remoteID),
		now.Format(time.RFC3339Nano),
		entityID,
	)
	if err != nil {
		return &syncerr.StorageError{Op: "mark synced", Err: err}
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID)
	if err != nil {
		return &syncerr.StorageError{Op: "mark synced", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &syncerr.StorageError{Op: "mark synced", Err: err}
	}

	return nil
}

// ApplyInbound overwrites local fields with a server-pushed snapshot,
// but only if the local row is clean. A dirty row means a local pending
// change exists; the inbound update is dropped and the local change wins
// until it is itself resolved.
//
// Returns true if the snapshot was applied.
func (s *Store) ApplyInbound(e entity.Entity) (bool, error) {
	return s.ApplyInboundContext(context.Background(), e)
}

// ApplyInboundContext applies a server-pushed snapshot with context support.
func (s *Store) ApplyInboundContext(ctx context.Context, e entity.Entity) (bool, error) {
	return s.applyRemote(ctx, e, false, 0)
}

// ApplyResolution force-applies a server snapshot as the outcome of
// conflict resolution for the entity's own pending mutation: the row is
// overwritten even though it is dirty, the dirty flag is cleared, and the
// pending queue entry is removed.
//
// localVersion is the version of the local row the conflict was resolved
// against. If the row has advanced past it - a newer local edit landed
// while the conflict was being resolved - the resolution is for a
// superseded mutation and is silently dropped, mirroring MarkSynced: the
// newer edit stays dirty and queued. Returns true if the snapshot was
// applied.
func (s *Store) ApplyResolution(e entity.Entity, localVersion int64) (bool, error) {
	return s.ApplyResolutionContext(context.Background(), e, localVersion)
}

// ApplyResolutionContext force-applies a resolved snapshot with context support.
func (s *Store) ApplyResolutionContext(ctx context.Context, e entity.Entity, localVersion int64) (bool, error) {
	return s.applyRemote(ctx, e, true, localVersion)
}

// applyRemote writes a server snapshot into the local table. When force is
// false, dirty rows are left untouched. When force is true the snapshot
// also satisfies the pending queue entry, unless the row's version has
// advanced past localVersion.
func (s *Store) applyRemote(ctx context.Context, e entity.Entity, force bool, localVersion int64) (bool, error) {
	// Server pushes may identify entities by remote ID only; a local
	// identity is minted below for rows this device has never seen.
	if e.Type == "" {
		return false, fmt.Errorf("invalid inbound entity: type cannot be empty")
	}
	if e.ID == "" && e.RemoteID == "" {
		return false, fmt.Errorf("invalid inbound entity: no identity")
	}
	table, err := s.tableFor(e.Type)
	if err != nil {
		return false, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, &syncerr.StorageError{Op: "apply inbound", Err: err}
	}
	defer tx.Rollback()

	// Locate the local row: by local ID when the server echoes it,
	// otherwise by remote ID.
	var localID string
	var dirty int
	var curVersion int64
	found := false

	if e.ID != "" {
		row := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT id, dirty, version FROM %s WHERE id = ?`, table), e.ID)
		if err := row.Scan(&localID, &dirty, &curVersion); err == nil {
			found = true
		} else if err != sql.ErrNoRows {
			return false, &syncerr.StorageError{Op: "apply inbound", Err: err}
		}
	}
	if !found && e.RemoteID != "" {
		row := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT id, dirty, version FROM %s WHERE remote_id = ?`, table), e.RemoteID)
		if err := row.Scan(&localID, &dirty, &curVersion); err == nil {
			found = true
		} else if err != sql.ErrNoRows {
			return false, &syncerr.StorageError{Op: "apply inbound", Err: err}
		}
	}

	now := time.Now().UTC()

	if !found {
		if e.ID == "" {
			e.ID = newLocalID()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
		if len(e.Payload) == 0 {
			e.Payload = json.RawMessage("{}")
		}
		query := fmt.Sprintf(`
		INSERT INTO %s (
			id, remote_id, version, payload,
			created_at, updated_at, deleted_at, synced_at, dirty
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		`, table)
		_, err := tx.ExecContext(ctx, query,
			e.ID,
			nullString(e.RemoteID),
			e.Version,
			string(e.Payload),
			e.CreatedAt.Format(time.RFC3339Nano),
			e.UpdatedAt.Format(time.RFC3339Nano),
			timeToNullString(e.DeletedAt),
			now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return false, &syncerr.StorageError{Op: "apply inbound", Err: err}
		}
		if err := tx.Commit(); err != nil {
			return false, &syncerr.StorageError{Op: "apply inbound", Err: err}
		}
		return true, nil
	}

	if dirty == 1 && !force {
		// Local pending change wins until resolved.
		return false, nil
	}
	if force && curVersion > localVersion {
		// A newer local edit superseded the mutation this resolution was
		// for; it stays dirty and queued.
		return false, nil
	}

	query := fmt.Sprintf(`
	UPDATE %s SET
		remote_id = COALESCE(?, remote_id),
		version = ?,
		payload = ?,
		updated_at = ?,
		deleted_at = ?,
		synced_at = ?,
		dirty = 0
	WHERE id = ?
	`, table)

	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	_, err = tx.ExecContext(ctx, query,
		nullString(e.RemoteID),
		e.Version,
		string(payload),
		updatedAt.Format(time.RFC3339Nano),
		timeToNullString(e.DeletedAt),
		now.Format(time.RFC3339Nano),
		localID,
	)
	if err != nil {
		return false, &syncerr.StorageError{Op: "apply inbound", Err: err}
	}

	if force {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?`,
			e.Type, localID)
		if err != nil {
			return false, &syncerr.StorageError{Op: "apply inbound", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, &syncerr.StorageError{Op: "apply inbound", Err: err}
	}

	return true, nil
}

// AdvanceVersion moves the entity's version past the server's reported
// version after a local-wins resolution, and refreshes the queued snapshot
// so the next push cannot conflict on the same version number again.
func (s *Store) AdvanceVersion(entityType, entityID string, version int64) error {
	return s.AdvanceVersionContext(context.Background(), entityType, entityID, version)
}

// AdvanceVersionContext advances the version with context support.
func (s *Store) AdvanceVersionContext(ctx context.Context, entityType, entityID string, version int64) error {
	table, err := s.tableFor(entityType)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &syncerr.StorageError{Op: "advance version", Err: err}
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
	UPDATE %s SET version = ?, dirty = 1 WHERE id = ? AND version < ?
	`, table)
	if _, err := tx.ExecContext(ctx, query, version, entityID, version); err != nil {
		return &syncerr.StorageError{Op: "advance version", Err: err}
	}

	e, err := getEntityTx(ctx, tx, table, entityType, entityID)
	if err != nil {
		return &syncerr.StorageError{Op: "advance version", Err: err}
	}

	action := entity.ActionUpsert
	if e.Deleted() {
		action = entity.ActionDelete
	}
	if err := replaceQueueEntry(ctx, tx, e, action, time.Now().UTC()); err != nil {
		return &syncerr.StorageError{Op: "advance version", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &syncerr.StorageError{Op: "advance version", Err: err}
	}

	return nil
}

// replaceQueueEntry upserts the single pending queue entry for the entity
// key. A later mutation supersedes an earlier one: the snapshot, action and
// retry budget are replaced, while the original queue position (created_at)
// is kept so drain order stays oldest-first.
func replaceQueueEntry(ctx context.Context, tx *sql.Tx, e *entity.Entity, action entity.Action, now time.Time) error {
	snapshot, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal queue snapshot: %w", err)
	}

	query := `
	INSERT INTO sync_queue (entity_type, entity_id, action, snapshot, retry_count, last_error, created_at)
	VALUES (?, ?, ?, ?, 0, NULL, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		action = excluded.action,
		snapshot = excluded.snapshot,
		retry_count = 0,
		last_error = NULL
	`

	_, err = tx.ExecContext(ctx, query,
		e.Type,
		e.ID,
		string(action),
		string(snapshot),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to replace queue entry: %w", err)
	}
	return nil
}

// newLocalID mints a local identity for rows first seen via server push.
var newLocalID = defaultLocalID
