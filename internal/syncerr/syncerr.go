// Package syncerr defines the error taxonomy shared across the sync engine.
//
// The classification drives retry behavior: network errors back off and
// retry, auth errors surface a re-authentication condition, conflicts are
// resolved locally, validation errors are parked for inspection, and
// storage errors abort the local operation.
package syncerr

import (
	"encoding/json"
	"fmt"
)

// NetworkError indicates the remote service was unreachable or timed out.
// Queue entries are retained and retried with backoff.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError indicates a request was rejected as unauthorized after one
// refresh attempt. Queue entries are preserved; the application must
// re-authenticate.
type AuthError struct {
	Op     string
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("authentication failed during %s (status %d)", e.Op, e.Status)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConflictError carries the server's view of an entity whose push was
// rejected because the stored version is newer than the version the client
// believed it was updating. It is always resolved locally and never
// surfaced as a user-facing failure.
type ConflictError struct {
	EntityType    string
	EntityID      string
	LocalVersion  int64
	ServerVersion int64

	// ServerData is the server's current snapshot. It may be empty when
	// the server returned only a plain detail string; callers must then
	// treat the conflict as remote-wins and re-fetch the entity.
	ServerData json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s: local=%d server=%d",
		e.EntityType, e.EntityID, e.LocalVersion, e.ServerVersion)
}

// ValidationError indicates the server rejected a payload as malformed.
// The queue entry is annotated and left for manual inspection rather than
// retried forever.
type ValidationError struct {
	Op     string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload rejected during %s: %s", e.Op, e.Detail)
}

// StorageError indicates a local store write failed. The operation is
// aborted and rolled back so the application never shows a change that was
// not durably recorded.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
