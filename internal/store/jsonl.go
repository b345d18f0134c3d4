package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pulseplan/syncengine/internal/entity"
	"github.com/pulseplan/syncengine/internal/syncerr"
)

// exportRecord is one JSONL line: the full entity including the
// device-local envelope fields that never travel over the wire.
type exportRecord struct {
	entity.Entity
	SyncedAtExport *time.Time `json:"syncedAt,omitempty"`
	DirtyExport    bool       `json:"dirty"`
}

// ExportResult contains statistics about an export or import run.
type ExportResult struct {
	Entities int
	Errors   []string
}

// ExportJSONL writes every entity row (tombstones included) as one JSON
// object per line. This is a local backup of device state, not a wire
// format: the dirty flag and synced_at survive the round trip.
func (s *Store) ExportJSONL(ctx context.Context, w io.Writer) (*ExportResult, error) {
	result := &ExportResult{}
	enc := json.NewEncoder(w)

	for _, t := range s.types {
		entities, err := s.ListContext(ctx, t.Name, ListFilter{IncludeDeleted: true})
		if err != nil {
			return result, fmt.Errorf("failed to export %s: %w", t.Name, err)
		}
		for _, e := range entities {
			rec := exportRecord{Entity: *e, SyncedAtExport: e.SyncedAt, DirtyExport: e.Dirty}
			if err := enc.Encode(&rec); err != nil {
				return result, fmt.Errorf("failed to encode %s/%s: %w", e.Type, e.ID, err)
			}
			result.Entities++
		}
	}

	return result, nil
}

// ImportJSONL restores entity rows from a backup produced by ExportJSONL.
//
// Rows are written verbatim, envelope included; nothing is enqueued for
// push. Individual line failures are collected and do not stop the import.
func (s *Store) ImportJSONL(ctx context.Context, r io.Reader) (*ExportResult, error) {
	result := &ExportResult{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec exportRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		rec.Entity.SyncedAt = rec.SyncedAtExport
		rec.Entity.Dirty = rec.DirtyExport

		if err := s.restoreRow(ctx, &rec.Entity); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d (%s/%s): %v", lineNum, rec.Type, rec.ID, err))
			continue
		}
		result.Entities++
	}

	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("failed to read backup: %w", err)
	}

	return result, nil
}

// restoreRow writes an entity row exactly as recorded, bypassing the
// version bump and queue replacement of Upsert.
func (s *Store) restoreRow(ctx context.Context, e *entity.Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	table, err := s.tableFor(e.Type)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (
		id, remote_id, version, payload,
		created_at, updated_at, deleted_at, synced_at, dirty
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		remote_id = excluded.remote_id,
		version = excluded.version,
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at,
		synced_at = excluded.synced_at,
		dirty = excluded.dirty
	`, table)

	dirty := 0
	if e.Dirty {
		dirty = 1
	}

	_, err = s.conn.ExecContext(ctx, query,
		e.ID,
		nullString(e.RemoteID),
		e.Version,
		string(e.Payload),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.UpdatedAt.UTC().Format(time.RFC3339Nano),
		timeToNullString(e.DeletedAt),
		timeToNullString(e.SyncedAt),
		dirty,
	)
	if err != nil {
		return &syncerr.StorageError{Op: "import", Err: err}
	}
	return nil
}
