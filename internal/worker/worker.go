// Package worker runs the background loop that drains the durable
// mutation queue to the remote service.
//
// The worker is a small state machine: Idle until a wake signal (periodic
// timer, manual sync request, or realtime SYNC_REQUIRED), Draining while a
// batch is pushed, and Backoff after repeated whole-batch failures. Only
// one drain runs at a time; concurrent wake signals collapse into a single
// subsequent cycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/pulseplan/syncengine/internal/connectivity"
	"github.com/pulseplan/syncengine/internal/entity"
	"github.com/pulseplan/syncengine/internal/gateway"
	"github.com/pulseplan/syncengine/internal/resolve"
	"github.com/pulseplan/syncengine/internal/store"
	"github.com/pulseplan/syncengine/internal/syncerr"
)

// Gateway is the remote surface the worker drains the queue through.
type Gateway interface {
	BulkUpsert(ctx context.Context, entities []entity.Entity) ([]gateway.ItemResult, error)
	Delete(ctx context.Context, remoteID string, soft bool) error
	FetchAll(ctx context.Context, filter gateway.FetchFilter) ([]entity.Entity, error)
}

// State is the worker's current phase.
type State int

const (
	// StateIdle means the worker is waiting for a wake signal.
	StateIdle State = iota

	// StateDraining means a batch is being pushed.
	StateDraining

	// StateBackoff means the worker is delaying after repeated failure.
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateDraining:
		return "draining"
	case StateBackoff:
		return "backoff"
	default:
		return "idle"
	}
}

// Stats are the engine's externally observable counters.
type Stats struct {
	Cycles         uint64
	Errors         uint64
	Conflicts      uint64
	QueueDepth     int
	LastSyncAt     time.Time
	ReauthRequired bool
	State          State
}

// Config holds worker configuration.
type Config struct {
	// BatchSize caps how many queue entries one cycle pushes (default: 100).
	BatchSize int

	// Interval is the periodic sync cadence (default: 30s).
	Interval time.Duration

	// MaxRetries is the per-entry retry budget before an entry is parked
	// for inspection (default: 5).
	MaxRetries int

	// MaxBackoff caps the delay between failed cycles (default: 5m).
	MaxBackoff time.Duration

	// Strategy selects the conflict resolution strategy
	// (default: last_write_wins).
	Strategy resolve.Strategy

	// OnEntityChanged is invoked after the worker mutates an entity
	// (acknowledgment or conflict resolution), so the UI can refresh.
	OnEntityChanged func(entityType, entityID string)

	// OnReauthRequired is invoked when a push fails authentication even
	// after a token refresh.
	OnReauthRequired func()

	// OnCycleComplete is invoked after each successful drain cycle with
	// a stats snapshot.
	OnCycleComplete func(stats Stats)

	// Logger for worker activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:  100,
		Interval:   30 * time.Second,
		MaxRetries: 5,
		MaxBackoff: 5 * time.Minute,
		Strategy:   resolve.LastWriteWins,
		Logger:     log.New(os.Stderr, "[worker] ", log.LstdFlags),
	}
}

// Worker drains the sync queue in the background.
type Worker struct {
	store *store.Store
	gw    Gateway
	probe connectivity.Probe
	cfg   *Config

	// wake has capacity 1 so any number of concurrent signals collapse
	// into one pending cycle.
	wake chan struct{}

	// drainMu ensures only one drain cycle runs at a time even when
	// RunOnce is called while the loop is active.
	drainMu sync.Mutex

	bo *backoff.ExponentialBackOff

	mu    sync.Mutex
	stats Stats
}

// New creates a worker. The store, gateway and probe must be non-nil.
func New(st *store.Store, gw Gateway, probe connectivity.Probe, cfg *Config) (*Worker, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if gw == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if probe == nil {
		return nil, fmt.Errorf("probe cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if !cfg.Strategy.Valid() {
		cfg.Strategy = resolve.LastWriteWins
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[worker] ", log.LstdFlags)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = cfg.MaxBackoff
	bo.Reset()

	return &Worker{
		store: st,
		gw:    gw,
		probe: probe,
		cfg:   cfg,
		wake:  make(chan struct{}, 1),
		bo:    bo,
	}, nil
}

// Wake schedules a drain cycle. Safe to call from any goroutine; signals
// arriving while a cycle runs collapse into one subsequent cycle.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run executes the worker loop until ctx is cancelled.
//
// Network calls inside a cycle deliberately do not inherit ctx: stopping
// the engine cancels the wake-wait but lets an in-flight batch run to its
// own timeout, so the store is never left with a half-applied batch.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}

		if err := w.RunOnce(context.Background()); err != nil {
			delay := w.bo.NextBackOff()
			w.setState(StateBackoff)
			w.cfg.Logger.Printf("Cycle failed, backing off %s: %v", delay.Round(time.Millisecond), err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		} else {
			w.bo.Reset()
		}
		w.setState(StateIdle)
	}
}

// RunOnce performs a single drain cycle.
//
// An empty queue or an offline probe is a no-op and counts as neither
// success nor failure. A whole-batch failure returns an error so the loop
// engages backoff; per-item failures are absorbed into the queue.
func (w *Worker) RunOnce(ctx context.Context) error {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	if !w.probe.Online(ctx) {
		w.cfg.Logger.Printf("Offline, skipping cycle")
		return nil
	}

	entries, err := w.store.DequeueBatchContext(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to read queue: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	w.setState(StateDraining)
	defer w.setState(StateIdle)

	w.cfg.Logger.Printf("Draining %d entries", len(entries))

	var upsertsByType = make(map[string][]entity.QueueEntry)
	var deletes []entity.QueueEntry
	for _, entry := range entries {
		if entry.RetryCount >= w.cfg.MaxRetries && entry.LastError != "" {
			// Parked for inspection; skipped until replaced by a newer
			// mutation for the same key.
			continue
		}
		if entry.Action == entity.ActionDelete {
			deletes = append(deletes, entry)
		} else {
			upsertsByType[entry.EntityType] = append(upsertsByType[entry.EntityType], entry)
		}
	}

	var batchErr error

	for entityType, batch := range upsertsByType {
		if err := w.pushUpserts(ctx, entityType, batch); err != nil {
			batchErr = err
			break
		}
	}

	if batchErr == nil {
		batchErr = w.pushDeletes(ctx, deletes)
	}

	if batchErr != nil {
		w.recordFailure(ctx, entries, batchErr)
		return batchErr
	}

	w.mu.Lock()
	w.stats.Cycles++
	w.stats.LastSyncAt = time.Now()
	w.stats.ReauthRequired = false
	w.mu.Unlock()

	if w.cfg.OnCycleComplete != nil {
		w.cfg.OnCycleComplete(w.Stats())
	}

	return nil
}

// pushUpserts sends one bulk call for a single entity type and applies the
// per-item outcomes independently.
func (w *Worker) pushUpserts(ctx context.Context, entityType string, batch []entity.QueueEntry) error {
	snapshots := make([]entity.Entity, 0, len(batch))
	byKey := make(map[string]entity.QueueEntry, len(batch))
	for _, entry := range batch {
		snap, err := entry.DecodeSnapshot()
		if err != nil {
			w.cfg.Logger.Printf("Bad snapshot for %s/%s: %v", entry.EntityType, entry.EntityID, err)
			_ = w.store.RecordQueueErrorContext(ctx, entry.ID, err.Error())
			continue
		}
		snapshots = append(snapshots, *snap)
		byKey[entry.EntityID] = entry
	}
	if len(snapshots) == 0 {
		return nil
	}

	results, err := w.gw.BulkUpsert(ctx, snapshots)
	if err != nil {
		return fmt.Errorf("bulk upsert of %s failed: %w", entityType, err)
	}

	for _, res := range results {
		entry, ok := byKey[res.EntityID]
		if !ok {
			w.cfg.Logger.Printf("Response for unknown entity %s/%s", res.EntityType, res.EntityID)
			continue
		}

		switch res.Outcome {
		case gateway.OutcomeSuccess:
			snap, _ := entry.DecodeSnapshot()
			var version int64
			if snap != nil {
				version = snap.Version
			}
			if err := w.store.MarkSyncedContext(ctx, entry.EntityType, entry.EntityID, res.RemoteID, version); err != nil {
				w.cfg.Logger.Printf("Failed to mark %s/%s synced: %v", entry.EntityType, entry.EntityID, err)
				continue
			}
			w.notifyChanged(entry.EntityType, entry.EntityID)

		case gateway.OutcomeConflict:
			if err := w.resolveConflict(ctx, entry, res); err != nil {
				w.cfg.Logger.Printf("Failed to resolve conflict on %s/%s: %v", entry.EntityType, entry.EntityID, err)
				_ = w.store.RecordQueueErrorContext(ctx, entry.ID, err.Error())
			}

		default:
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			w.cfg.Logger.Printf("Server rejected %s/%s: %s", entry.EntityType, entry.EntityID, res.Detail)
			_ = w.store.RecordQueueErrorContext(ctx, entry.ID, res.Detail)
		}
	}

	return nil
}

// pushDeletes propagates delete entries one at a time.
func (w *Worker) pushDeletes(ctx context.Context, deletes []entity.QueueEntry) error {
	for _, entry := range deletes {
		snap, err := entry.DecodeSnapshot()
		if err != nil {
			_ = w.store.RecordQueueErrorContext(ctx, entry.ID, err.Error())
			continue
		}

		if snap.RemoteID == "" {
			// Never reached the server; nothing to delete remotely.
			if err := w.store.MarkSyncedContext(ctx, entry.EntityType, entry.EntityID, "", snap.Version); err != nil {
				w.cfg.Logger.Printf("Failed to settle local-only delete %s/%s: %v", entry.EntityType, entry.EntityID, err)
			}
			continue
		}

		if err := w.gw.Delete(ctx, snap.RemoteID, true); err != nil {
			var verr *syncerr.ValidationError
			if errors.As(err, &verr) {
				_ = w.store.RecordQueueErrorContext(ctx, entry.ID, verr.Error())
				continue
			}
			return fmt.Errorf("delete of %s/%s failed: %w", entry.EntityType, entry.EntityID, err)
		}

		if err := w.store.MarkSyncedContext(ctx, entry.EntityType, entry.EntityID, snap.RemoteID, snap.Version); err != nil {
			w.cfg.Logger.Printf("Failed to mark delete %s/%s synced: %v", entry.EntityType, entry.EntityID, err)
			continue
		}
		w.notifyChanged(entry.EntityType, entry.EntityID)
	}

	return nil
}

// resolveConflict applies the configured strategy to a rejected push.
//
// Remote wins: the server snapshot is force-applied and the pending entry
// is satisfied. Local wins: the entity's version is advanced past the
// server's reported version and re-queued so the next push cannot conflict
// on the same number again.
func (w *Worker) resolveConflict(ctx context.Context, entry entity.QueueEntry, res gateway.ItemResult) error {
	w.mu.Lock()
	w.stats.Conflicts++
	w.mu.Unlock()

	local, err := w.store.GetContext(ctx, entry.EntityType, entry.EntityID)
	if err != nil {
		return fmt.Errorf("failed to load local entity: %w", err)
	}

	remote, err := w.remoteSnapshot(ctx, entry, res)
	if err != nil {
		return err
	}
	if remote == nil {
		// No structured server payload and the re-fetch found nothing:
		// the server no longer has the entity. Keep local and push again.
		return w.store.AdvanceVersionContext(ctx, entry.EntityType, entry.EntityID, res.ServerVersion+1)
	}

	outcome := resolve.Resolve(*local, *remote, w.cfg.Strategy)
	w.cfg.Logger.Printf("Conflict on %s/%s resolved: %s wins (local v%d, server v%d)",
		entry.EntityType, entry.EntityID, outcome.Winner, local.Version, res.ServerVersion)

	if outcome.Winner == resolve.WinnerRemote {
		winning := outcome.Entity
		winning.Type = entry.EntityType
		winning.ID = entry.EntityID
		applied, err := w.store.ApplyResolutionContext(ctx, winning, local.Version)
		if err != nil {
			return err
		}
		if applied {
			w.notifyChanged(entry.EntityType, entry.EntityID)
		}
		return nil
	}

	return w.store.AdvanceVersionContext(ctx, entry.EntityType, entry.EntityID, res.ServerVersion+1)
}

// remoteSnapshot decodes the server snapshot from a conflict result,
// falling back to a re-fetch when the server returned only a plain detail
// string. Returns nil when the entity no longer exists remotely.
func (w *Worker) remoteSnapshot(ctx context.Context, entry entity.QueueEntry, res gateway.ItemResult) (*entity.Entity, error) {
	if len(res.ServerData) > 0 {
		var remote entity.Entity
		if err := res.UnmarshalServerData(&remote); err != nil {
			return nil, fmt.Errorf("failed to decode server snapshot: %w", err)
		}
		if remote.Version == 0 {
			remote.Version = res.ServerVersion
		}
		return &remote, nil
	}

	if res.RemoteID == "" {
		snap, err := entry.DecodeSnapshot()
		if err != nil || snap.RemoteID == "" {
			return nil, nil
		}
		res.RemoteID = snap.RemoteID
	}

	fetched, err := w.gw.FetchAll(ctx, gateway.FetchFilter{RemoteID: res.RemoteID})
	if err != nil {
		return nil, fmt.Errorf("failed to re-fetch conflicting entity: %w", err)
	}
	if len(fetched) == 0 {
		return nil, nil
	}
	return &fetched[0], nil
}

// recordFailure increments the retry count for every entry in the failed
// batch and tracks auth failures for the stats surface.
func (w *Worker) recordFailure(ctx context.Context, entries []entity.QueueEntry, batchErr error) {
	for _, entry := range entries {
		_ = w.store.RecordQueueErrorContext(ctx, entry.ID, batchErr.Error())
	}

	w.mu.Lock()
	w.stats.Errors++
	var aerr *syncerr.AuthError
	if errors.As(batchErr, &aerr) {
		w.stats.ReauthRequired = true
		w.mu.Unlock()
		if w.cfg.OnReauthRequired != nil {
			w.cfg.OnReauthRequired()
		}
		return
	}
	w.mu.Unlock()
}

// Stats returns a snapshot of the worker's counters plus the current
// queue depth.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	stats := w.stats
	w.mu.Unlock()

	if depth, err := w.store.QueueDepth(); err == nil {
		stats.QueueDepth = depth
	}
	return stats
}

// MarkReauthRequired records an authentication failure observed outside a
// drain cycle (e.g. by the realtime channel).
func (w *Worker) MarkReauthRequired() {
	w.mu.Lock()
	w.stats.ReauthRequired = true
	w.mu.Unlock()
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.stats.State = s
	w.mu.Unlock()
}

func (w *Worker) notifyChanged(entityType, entityID string) {
	if w.cfg.OnEntityChanged != nil {
		w.cfg.OnEntityChanged(entityType, entityID)
	}
}
