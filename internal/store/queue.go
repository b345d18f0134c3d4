package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulseplan/syncengine/internal/entity"
	"github.com/pulseplan/syncengine/internal/syncerr"
)

// DequeueBatch returns up to limit queue entries ordered oldest-first.
//
// Entries are not removed: removal happens only when the push they
// represent is confirmed (MarkSynced) or resolved (ApplyResolution), so a
// crash or network failure mid-push leaves the queue intact.
func (s *Store) DequeueBatch(limit int) ([]entity.QueueEntry, error) {
	return s.DequeueBatchContext(context.Background(), limit)
}

// DequeueBatchContext returns pending queue entries with context support.
func (s *Store) DequeueBatchContext(ctx context.Context, limit int) ([]entity.QueueEntry, error) {
	query := `
	SELECT id, entity_type, entity_id, action, snapshot, retry_count, last_error, created_at
	FROM sync_queue
	ORDER BY created_at ASC, id ASC
	LIMIT ?
	`

	rows, err := s.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, &syncerr.StorageError{Op: "dequeue batch", Err: err}
	}
	defer rows.Close()

	var entries []entity.QueueEntry
	for rows.Next() {
		var entry entity.QueueEntry
		var snapshot string
		var lastError sql.NullString
		var createdAt string

		err := rows.Scan(
			&entry.ID,
			&entry.EntityType,
			&entry.EntityID,
			(*string)(&entry.Action),
			&snapshot,
			&entry.RetryCount,
			&lastError,
			&createdAt,
		)
		if err != nil {
			return nil, &syncerr.StorageError{Op: "dequeue batch", Err: err}
		}

		entry.Snapshot = json.RawMessage(snapshot)
		if lastError.Valid {
			entry.LastError = lastError.String
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			entry.CreatedAt = t
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, &syncerr.StorageError{Op: "dequeue batch", Err: err}
	}

	return entries, nil
}

// RecordQueueError increments the entry's retry count and stores the last
// error message for inspection. The entry stays queued.
func (s *Store) RecordQueueError(queueID int64, msg string) error {
	return s.RecordQueueErrorContext(context.Background(), queueID, msg)
}

// RecordQueueErrorContext annotates a queue entry with context support.
func (s *Store) RecordQueueErrorContext(ctx context.Context, queueID int64, msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `
	UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ?
	`
	if _, err := s.conn.ExecContext(ctx, query, msg, queueID); err != nil {
		return &syncerr.StorageError{Op: "record queue error", Err: err}
	}
	return nil
}

// RemoveQueueEntry deletes a queue entry by its queue position.
func (s *Store) RemoveQueueEntry(queueID int64) error {
	return s.RemoveQueueEntryContext(context.Background(), queueID)
}

// RemoveQueueEntryContext deletes a queue entry with context support.
func (s *Store) RemoveQueueEntryContext(ctx context.Context, queueID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, queueID); err != nil {
		return &syncerr.StorageError{Op: "remove queue entry", Err: err}
	}
	return nil
}

// QueueDepth returns the number of pending outbound mutations.
func (s *Store) QueueDepth() (int, error) {
	return s.QueueDepthContext(context.Background())
}

// QueueDepthContext returns the queue depth with context support.
func (s *Store) QueueDepthContext(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&count)
	if err != nil {
		return 0, &syncerr.StorageError{Op: "queue depth", Err: err}
	}
	return count, nil
}

// PendingEntry returns the queue entry for an entity key, or nil if none
// is pending.
func (s *Store) PendingEntry(entityType, entityID string) (*entity.QueueEntry, error) {
	return s.PendingEntryContext(context.Background(), entityType, entityID)
}

// PendingEntryContext returns the pending queue entry with context support.
func (s *Store) PendingEntryContext(ctx context.Context, entityType, entityID string) (*entity.QueueEntry, error) {
	query := `
	SELECT id, entity_type, entity_id, action, snapshot, retry_count, last_error, created_at
	FROM sync_queue
	WHERE entity_type = ? AND entity_id = ?
	`

	var entry entity.QueueEntry
	var snapshot string
	var lastError sql.NullString
	var createdAt string

	row := s.conn.QueryRowContext(ctx, query, entityType, entityID)
	err := row.Scan(
		&entry.ID,
		&entry.EntityType,
		&entry.EntityID,
		(*string)(&entry.Action),
		&snapshot,
		&entry.RetryCount,
		&lastError,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &syncerr.StorageError{Op: "pending entry", Err: err}
	}

	entry.Snapshot = json.RawMessage(snapshot)
	if lastError.Valid {
		entry.LastError = lastError.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		entry.CreatedAt = t
	}

	return &entry, nil
}

// PurgeTombstones physically removes soft-deleted rows whose deletion the
// server has acknowledged (clean tombstones with no pending queue entry).
// Returns the number of rows removed.
func (s *Store) PurgeTombstones() (int64, error) {
	return s.PurgeTombstonesContext(context.Background())
}

// PurgeTombstonesContext removes acknowledged tombstones with context support.
func (s *Store) PurgeTombstonesContext(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var purged int64
	for _, t := range s.types {
		query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE deleted_at IS NOT NULL
		  AND dirty = 0
		  AND id NOT IN (SELECT entity_id FROM sync_queue WHERE entity_type = ?)
		`, t.Table)

		res, err := s.conn.ExecContext(ctx, query, t.Name)
		if err != nil {
			return purged, &syncerr.StorageError{Op: "purge tombstones", Err: err}
		}
		if n, err := res.RowsAffected(); err == nil {
			purged += n
		}
	}

	return purged, nil
}
