package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pulseplan/syncengine/internal/entity"
	"github.com/pulseplan/syncengine/internal/syncerr"
)

// ErrNotFound is returned when a requested entity does not exist locally.
var ErrNotFound = sql.ErrNoRows

const entityColumns = `id, remote_id, version, payload, created_at, updated_at, deleted_at, synced_at, dirty`

// Get retrieves a single entity by its local ID.
// Returns ErrNotFound if the entity does not exist.
func (s *Store) Get(entityType, entityID string) (*entity.Entity, error) {
	return s.GetContext(context.Background(), entityType, entityID)
}

// GetContext retrieves a single entity with context support.
func (s *Store) GetContext(ctx context.Context, entityType, entityID string) (*entity.Entity, error) {
	table, err := s.tableFor(entityType)
	if err != nil {
		return nil, err
	}

	row := s.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, entityColumns, table), entityID)

	return scanEntity(row, entityType)
}

// GetByRemoteID retrieves a single entity by its server-assigned ID.
// Returns ErrNotFound if no local row maps to the remote ID.
func (s *Store) GetByRemoteID(entityType, remoteID string) (*entity.Entity, error) {
	return s.GetByRemoteIDContext(context.Background(), entityType, remoteID)
}

// GetByRemoteIDContext retrieves an entity by remote ID with context support.
func (s *Store) GetByRemoteIDContext(ctx context.Context, entityType, remoteID string) (*entity.Entity, error) {
	table, err := s.tableFor(entityType)
	if err != nil {
		return nil, err
	}

	row := s.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE remote_id = ?`, entityColumns, table), remoteID)

	return scanEntity(row, entityType)
}

// ListFilter configures the List query.
type ListFilter struct {
	// IncludeDeleted includes tombstones in the result.
	IncludeDeleted bool
	// DirtyOnly restricts results to rows with unconfirmed local changes.
	DirtyOnly bool
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// List retrieves entities of one type ordered by creation time.
func (s *Store) List(entityType string, filter ListFilter) ([]*entity.Entity, error) {
	return s.ListContext(context.Background(), entityType, filter)
}

// ListContext retrieves entities with context support.
func (s *Store) ListContext(ctx context.Context, entityType string, filter ListFilter) ([]*entity.Entity, error) {
	table, err := s.tableFor(entityType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, entityColumns, table)
	var conditions []string
	var args []interface{}

	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}
	if filter.DirtyOnly {
		conditions = append(conditions, "dirty = 1")
	}
	for i, c := range conditions {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}

	query += " ORDER BY created_at ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &syncerr.StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var entities []*entity.Entity
	for rows.Next() {
		e, err := scanEntity(rows, entityType)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}

	if err := rows.Err(); err != nil {
		return nil, &syncerr.StorageError{Op: "list", Err: err}
	}

	return entities, nil
}

// LastSyncedAt returns the most recent server acknowledgment timestamp
// across all registered entity types. Used as the incremental pull
// watermark at session start. Returns the zero time when nothing has been
// synced yet.
func (s *Store) LastSyncedAt(ctx context.Context) (time.Time, error) {
	var latest time.Time

	for _, t := range s.types {
		var syncedAt sql.NullString
		query := fmt.Sprintf(`SELECT MAX(synced_at) FROM %s`, t.Table)
		if err := s.conn.QueryRowContext(ctx, query).Scan(&syncedAt); err != nil {
			return time.Time{}, &syncerr.StorageError{Op: "last synced at", Err: err}
		}
		if !syncedAt.Valid {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, syncedAt.String); err == nil && ts.After(latest) {
			latest = ts
		}
	}

	return latest, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanEntity.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEntity reads one entity row.
func scanEntity(row scanner, entityType string) (*entity.Entity, error) {
	var e entity.Entity
	var remoteID sql.NullString
	var payload string
	var createdAt, updatedAt string
	var deletedAt, syncedAt sql.NullString
	var dirty int

	err := row.Scan(
		&e.ID,
		&remoteID,
		&e.Version,
		&payload,
		&createdAt,
		&updatedAt,
		&deletedAt,
		&syncedAt,
		&dirty,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &syncerr.StorageError{Op: "scan entity", Err: err}
	}

	e.Type = entityType
	if remoteID.Valid {
		e.RemoteID = remoteID.String
	}
	e.Payload = json.RawMessage(payload)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	e.DeletedAt = nullStringToTime(deletedAt)
	e.SyncedAt = nullStringToTime(syncedAt)
	e.Dirty = dirty == 1

	return &e, nil
}

// getEntityTx reads one entity inside an open transaction.
func getEntityTx(ctx context.Context, tx *sql.Tx, table, entityType, entityID string) (*entity.Entity, error) {
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, entityColumns, table), entityID)
	return scanEntity(row, entityType)
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString converts an empty string to SQL NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func defaultLocalID() string {
	return uuid.NewString()
}
