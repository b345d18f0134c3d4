package resolve

import (
	"testing"
	"time"

	"github.com/pulseplan/syncengine/internal/entity"
)

func entityAt(updatedAt time.Time, version int64) entity.Entity {
	return entity.Entity{
		Type:      "task",
		ID:        "t-1",
		Version:   version,
		UpdatedAt: updatedAt,
	}
}

func TestResolve(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	earlier := base.Add(-time.Minute)
	later := base.Add(time.Minute)

	tests := []struct {
		name     string
		local    entity.Entity
		remote   entity.Entity
		strategy Strategy
		want     Winner
	}{
		{
			name:     "server wins regardless of timestamps",
			local:    entityAt(later, 3),
			remote:   entityAt(earlier, 2),
			strategy: ServerWins,
			want:     WinnerRemote,
		},
		{
			name:     "local wins regardless of timestamps",
			local:    entityAt(earlier, 1),
			remote:   entityAt(later, 2),
			strategy: LocalWins,
			want:     WinnerLocal,
		},
		{
			name:     "lww local later",
			local:    entityAt(later, 1),
			remote:   entityAt(base, 2),
			strategy: LastWriteWins,
			want:     WinnerLocal,
		},
		{
			name:     "lww remote later",
			local:    entityAt(base, 1),
			remote:   entityAt(later, 2),
			strategy: LastWriteWins,
			want:     WinnerRemote,
		},
		{
			name:     "lww tie favors remote",
			local:    entityAt(base, 1),
			remote:   entityAt(base, 2),
			strategy: LastWriteWins,
			want:     WinnerRemote,
		},
		{
			name:     "lww missing local timestamp",
			local:    entityAt(time.Time{}, 1),
			remote:   entityAt(base, 2),
			strategy: LastWriteWins,
			want:     WinnerRemote,
		},
		{
			name:     "lww missing remote timestamp",
			local:    entityAt(base, 1),
			remote:   entityAt(time.Time{}, 2),
			strategy: LastWriteWins,
			want:     WinnerLocal,
		},
		{
			name:     "unknown strategy falls back to lww",
			local:    entityAt(later, 1),
			remote:   entityAt(base, 2),
			strategy: Strategy("majority_vote"),
			want:     WinnerLocal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.local, tt.remote, tt.strategy)
			if got.Winner != tt.want {
				t.Errorf("Resolve() winner = %v, want %v", got.Winner, tt.want)
			}

			wantEntity := tt.remote
			if tt.want == WinnerLocal {
				wantEntity = tt.local
			}
			if got.Entity.Version != wantEntity.Version {
				t.Errorf("Resolve() entity version = %d, want %d", got.Entity.Version, wantEntity.Version)
			}
		})
	}
}

func TestResolveDeterministic(t *testing.T) {
	local := entityAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), 1)
	remote := entityAt(time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC), 2)

	first := Resolve(local, remote, LastWriteWins)
	for i := 0; i < 100; i++ {
		got := Resolve(local, remote, LastWriteWins)
		if got.Winner != first.Winner {
			t.Fatalf("Resolve() not deterministic: iteration %d returned %v, first returned %v",
				i, got.Winner, first.Winner)
		}
	}
}

func TestStrategyValid(t *testing.T) {
	tests := []struct {
		strategy Strategy
		want     bool
	}{
		{ServerWins, true},
		{LocalWins, true},
		{LastWriteWins, true},
		{Strategy(""), false},
		{Strategy("newest"), false},
	}

	for _, tt := range tests {
		if got := tt.strategy.Valid(); got != tt.want {
			t.Errorf("Strategy(%q).Valid() = %v, want %v", tt.strategy, got, tt.want)
		}
	}
}
