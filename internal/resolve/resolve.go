// Package resolve implements deterministic winner selection for version
// conflicts between a local entity and the server's stored snapshot.
package resolve

import (
	"github.com/pulseplan/syncengine/internal/entity"
)

// Strategy selects how conflicts between local and remote snapshots are
// decided.
type Strategy string

const (
	// ServerWins always keeps the server's snapshot.
	ServerWins Strategy = "server_wins"

	// LocalWins always keeps the local snapshot and forces an overwrite
	// push on the next cycle.
	LocalWins Strategy = "local_wins"

	// LastWriteWins keeps whichever snapshot was modified later. This is
	// the default strategy.
	LastWriteWins Strategy = "last_write_wins"
)

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case ServerWins, LocalWins, LastWriteWins:
		return true
	}
	return false
}

// Winner identifies which side a resolution selected.
type Winner int

const (
	// WinnerRemote means the server's snapshot is kept.
	WinnerRemote Winner = iota

	// WinnerLocal means the local snapshot is kept and re-pushed.
	WinnerLocal
)

func (w Winner) String() string {
	if w == WinnerLocal {
		return "local"
	}
	return "remote"
}

// Outcome is the result of resolving one conflict.
type Outcome struct {
	Winner Winner

	// Entity is the winning snapshot.
	Entity entity.Entity
}

// Resolve decides the winner between a local entity and the server's
// snapshot under the given strategy.
//
// It is a pure function: for fixed inputs it always returns the same
// outcome. Unknown strategies fall back to LastWriteWins.
//
// Under LastWriteWins, a side with no modification timestamp loses, and
// exact ties favor the remote side (the server is the tie-break authority).
func Resolve(local, remote entity.Entity, strategy Strategy) Outcome {
	switch strategy {
	case ServerWins:
		return Outcome{Winner: WinnerRemote, Entity: remote}
	case LocalWins:
		return Outcome{Winner: WinnerLocal, Entity: local}
	}

	// last_write_wins
	switch {
	case local.UpdatedAt.IsZero():
		return Outcome{Winner: WinnerRemote, Entity: remote}
	case remote.UpdatedAt.IsZero():
		return Outcome{Winner: WinnerLocal, Entity: local}
	case local.UpdatedAt.After(remote.UpdatedAt):
		return Outcome{Winner: WinnerLocal, Entity: local}
	default:
		return Outcome{Winner: WinnerRemote, Entity: remote}
	}
}
