// Package engine provides the facade the rest of the application uses to
// drive the sync subsystem.
//
// The coordinator owns the lifecycle of the store, gateway, worker, and
// realtime channel, and exposes the mutation entry points that write
// through to the local store and schedule an immediate worker wake-up, so
// user actions feel responsive while the network call stays asynchronous.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/pulseplan/syncengine/internal/config"
	"github.com/pulseplan/syncengine/internal/connectivity"
	"github.com/pulseplan/syncengine/internal/entity"
	"github.com/pulseplan/syncengine/internal/gateway"
	"github.com/pulseplan/syncengine/internal/realtime"
	"github.com/pulseplan/syncengine/internal/resolve"
	"github.com/pulseplan/syncengine/internal/store"
	"github.com/pulseplan/syncengine/internal/worker"
)

// Stats re-exports the worker's observable counters.
type Stats = worker.Stats

// Observer receives the engine's outward-facing notifications. All
// methods are called from engine goroutines and must not block.
type Observer interface {
	// EntityChanged fires when the worker or the realtime channel
	// mutated an entity, so the UI can refresh.
	EntityChanged(entityType, entityID string)

	// TokenRotated fires when the gateway obtained a fresh access token.
	TokenRotated(accessToken string)

	// ReauthRequired fires when credentials failed even after a refresh;
	// queue entries are preserved until the application logs in again.
	ReauthRequired()

	// SyncCompleted fires after each successful drain cycle.
	SyncCompleted(stats Stats)
}

// NopObserver is an Observer that ignores everything.
type NopObserver struct{}

func (NopObserver) EntityChanged(entityType, entityID string) {}
func (NopObserver) TokenRotated(accessToken string)           {}
func (NopObserver) ReauthRequired()                           {}
func (NopObserver) SyncCompleted(stats Stats)                 {}

// Coordinator wires the engine together and owns its lifecycle.
type Coordinator struct {
	cfg      *config.Config
	store    *store.Store
	gw       *gateway.Gateway
	worker   *worker.Worker
	channel  *realtime.Channel
	observer Observer
	logger   *log.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Options tunes coordinator construction.
type Options struct {
	// Observer receives engine notifications (default: NopObserver).
	Observer Observer

	// Probe overrides the connectivity probe (default: gateway health
	// check).
	Probe connectivity.Probe

	// Logger for coordinator activity (default: stderr logger).
	Logger *log.Logger

	// DisableRealtime skips the websocket channel, leaving only periodic
	// and manual sync.
	DisableRealtime bool
}

// New builds a coordinator for the given entity types.
//
// The store is opened and its schema initialized; the caller owns calling
// Start/Stop.
func New(cfg *config.Config, types []entity.Type, opts *Options) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts == nil {
		opts = &Options{}
	}
	observer := opts.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	st, err := store.Open(cfg.DatabasePath, types...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	gw, err := gateway.New(&gateway.Config{
		BaseURL:       cfg.BaseURL,
		UserID:        cfg.UserID,
		AccessToken:   cfg.AccessToken,
		RefreshToken:  cfg.RefreshToken,
		BulkTimeout:   cfg.BulkTimeout,
		HealthTimeout: cfg.HealthTimeout,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	gw.OnTokenRotated(observer.TokenRotated)

	probe := opts.Probe
	if probe == nil {
		probe = connectivity.NewHTTPProbe(gw)
	}

	workerCfg := worker.DefaultConfig()
	workerCfg.BatchSize = cfg.BatchSize
	workerCfg.Interval = cfg.SyncInterval
	workerCfg.MaxRetries = cfg.MaxRetries
	workerCfg.Strategy = resolve.Strategy(cfg.ConflictStrategy)
	workerCfg.OnEntityChanged = observer.EntityChanged
	workerCfg.OnReauthRequired = observer.ReauthRequired
	workerCfg.OnCycleComplete = func(stats worker.Stats) {
		observer.SyncCompleted(stats)
	}

	wk, err := worker.New(st, gw, probe, workerCfg)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	coord := &Coordinator{
		cfg:      cfg,
		store:    st,
		gw:       gw,
		worker:   wk,
		observer: observer,
		logger:   logger,
	}

	if !opts.DisableRealtime && cfg.WebSocketURL != "" {
		channelCfg := realtime.DefaultConfig()
		channelCfg.URL = cfg.WebSocketURL
		channelCfg.Token = gw.AccessToken
		channelCfg.OnSyncRequired = wk.Wake
		channelCfg.OnEntityChanged = observer.EntityChanged
		channelCfg.OnCredentialsStale = func() {
			wk.MarkReauthRequired()
			observer.ReauthRequired()
		}

		ch, err := realtime.New(st, channelCfg)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to create realtime channel: %w", err)
		}
		coord.channel = ch
	}

	return coord, nil
}

// Start launches the background loops and performs the initial pull.
//
// The pull is incremental: the last server acknowledgment across all
// tables is used as the since-watermark, so a fresh device pulls
// everything and a warm one only the delta. Pull failures are logged, not
// fatal - the device keeps working offline.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already started")
	}
	c.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Printf("Starting sync engine")

	if err := c.pullAll(ctx); err != nil {
		c.logger.Printf("Initial pull failed (continuing offline): %v", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.worker.Run(runCtx)
	}()

	if c.channel != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.channel.Run(runCtx); err != nil && runCtx.Err() == nil {
				c.logger.Printf("Realtime channel stopped: %v", err)
			}
		}()
	}

	// Drain anything queued from previous sessions right away.
	c.worker.Wake()

	return nil
}

// Stop shuts the engine down. New timer ticks stop immediately; an
// in-flight batch finishes or times out on its own before Stop returns,
// so the queue always ends in a consistent state.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancel
	c.mu.Unlock()

	c.logger.Printf("Stopping sync engine")
	cancel()
	c.wg.Wait()

	if _, err := c.store.PurgeTombstones(); err != nil {
		c.logger.Printf("Tombstone purge failed: %v", err)
	}

	if err := c.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	c.logger.Printf("Sync engine stopped")
	return nil
}

// Upsert writes the entity through to the local store and schedules an
// immediate worker wake-up. Entities without an ID get one assigned; the
// stored envelope is reflected back on e.
func (c *Coordinator) Upsert(ctx context.Context, e *entity.Entity) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := c.store.UpsertContext(ctx, e); err != nil {
		return err
	}
	c.observer.EntityChanged(e.Type, e.ID)
	c.worker.Wake()
	return nil
}

// Delete soft-deletes the entity locally and schedules an immediate
// worker wake-up. The row stays as a tombstone until the server
// acknowledges the delete.
func (c *Coordinator) Delete(ctx context.Context, entityType, entityID string) error {
	if err := c.store.SoftDeleteContext(ctx, entityType, entityID); err != nil {
		return err
	}
	c.observer.EntityChanged(entityType, entityID)
	c.worker.Wake()
	return nil
}

// Get reads an entity from the local store.
func (c *Coordinator) Get(ctx context.Context, entityType, entityID string) (*entity.Entity, error) {
	return c.store.GetContext(ctx, entityType, entityID)
}

// List reads entities of one type from the local store.
func (c *Coordinator) List(ctx context.Context, entityType string, filter store.ListFilter) ([]*entity.Entity, error) {
	return c.store.ListContext(ctx, entityType, filter)
}

// SyncNow schedules an immediate drain cycle without waiting for the next
// timer tick.
func (c *Coordinator) SyncNow() {
	c.worker.Wake()
}

// Stats returns the engine's observable counters: sync cycles, errors,
// conflicts, queue depth, last sync time, and whether re-authentication
// is required.
func (c *Coordinator) Stats() Stats {
	stats := c.worker.Stats()
	if c.channel != nil && c.channel.CredentialsStale() {
		stats.ReauthRequired = true
	}
	return stats
}

// Store exposes the underlying store for maintenance commands
// (export/import, purge).
func (c *Coordinator) Store() *store.Store {
	return c.store
}

// SetTokens installs fresh credentials after the application re-ran its
// login flow.
func (c *Coordinator) SetTokens(accessToken, refreshToken string) {
	c.gw.SetTokens(accessToken, refreshToken)
}

// pullAll fetches entities changed since the last acknowledgment and
// merges them through ApplyInbound (dirty rows keep their local state).
func (c *Coordinator) pullAll(ctx context.Context) error {
	since, err := c.store.LastSyncedAt(ctx)
	if err != nil {
		return err
	}

	entities, err := c.gw.FetchAll(ctx, gateway.FetchFilter{Since: since})
	if err != nil {
		return err
	}

	applied := 0
	for _, e := range entities {
		ok, err := c.store.ApplyInboundContext(ctx, e)
		if err != nil {
			c.logger.Printf("Failed to apply pulled %s/%s: %v", e.Type, e.ID, err)
			continue
		}
		if ok {
			applied++
			c.observer.EntityChanged(e.Type, e.ID)
		}
	}

	c.logger.Printf("Initial pull applied %d of %d entities", applied, len(entities))
	return nil
}
