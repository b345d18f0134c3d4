// Package entity defines the records the sync engine moves between the
// local store and the remote service.
//
// Every synced record carries a fixed sync envelope (version, dirty flag,
// tombstone and acknowledgment timestamps) alongside an opaque domain
// payload. Feature modules register a Type describing where rows of that
// kind live and provide the payload serialization themselves; the engine
// never inspects domain fields.
package entity

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Action is the kind of outbound mutation a queue entry represents.
type Action string

const (
	// ActionUpsert pushes the entity's current state to the server.
	ActionUpsert Action = "upsert"

	// ActionDelete propagates a local soft-delete to the server.
	ActionDelete Action = "delete"
)

// tableNamePattern restricts registered table names to safe identifiers,
// since they are interpolated into DDL and queries.
var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Type describes one registered kind of syncable entity.
//
// Name is the wire-level entity type (e.g. "alarm", "task") and Table is
// the local table its rows are stored in.
type Type struct {
	Name  string
	Table string
}

// Validate checks that the type registration is usable.
func (t Type) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("entity type name cannot be empty")
	}
	if !tableNamePattern.MatchString(t.Table) {
		return fmt.Errorf("invalid table name %q for entity type %q", t.Table, t.Name)
	}
	return nil
}

// Key identifies one entity across the store and the sync queue.
type Key struct {
	Type string
	ID   string
}

// Entity is a syncable record: the sync envelope plus the domain payload.
//
// The JSON tags describe the wire representation exchanged with the server.
// SyncedAt and Dirty are device-local bookkeeping and never leave the
// device.
type Entity struct {
	Type      string          `json:"entityType"`
	ID        string          `json:"id"`
	RemoteID  string          `json:"remoteId,omitempty"`
	Version   int64           `json:"version"`
	Payload   json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	DeletedAt *time.Time      `json:"deletedAt,omitempty"`
	SyncedAt  *time.Time      `json:"-"`
	Dirty     bool            `json:"-"`
}

// Key returns the entity's compound key.
func (e *Entity) Key() Key {
	return Key{Type: e.Type, ID: e.ID}
}

// Deleted reports whether the entity is a tombstone.
func (e *Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// Validate checks that the entity can be stored and synced.
func (e *Entity) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("entity type cannot be empty")
	}
	if e.ID == "" {
		return fmt.Errorf("entity id cannot be empty")
	}
	return nil
}

// QueueEntry is one durable pending outbound mutation.
//
// At most one entry exists per (EntityType, EntityID); a newer mutation for
// the same key replaces the older entry so the queue only ever reflects the
// entity's current desired state.
type QueueEntry struct {
	ID         int64
	EntityType string
	EntityID   string
	Action     Action
	Snapshot   json.RawMessage
	RetryCount int
	LastError  string
	CreatedAt  time.Time
}

// Key returns the queued entity's compound key.
func (q *QueueEntry) Key() Key {
	return Key{Type: q.EntityType, ID: q.EntityID}
}

// DecodeSnapshot unmarshals the entity state captured at enqueue time.
func (q *QueueEntry) DecodeSnapshot() (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(q.Snapshot, &e); err != nil {
		return nil, fmt.Errorf("failed to decode queue snapshot for %s/%s: %w", q.EntityType, q.EntityID, err)
	}
	return &e, nil
}
