package engine

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pulseplan/syncengine/internal/config"
	"github.com/pulseplan/syncengine/internal/entity"
	"github.com/pulseplan/syncengine/internal/store"
)

// recordingObserver captures notifications on buffered channels.
type recordingObserver struct {
	mu        sync.Mutex
	changed   []string
	rotated   []string
	reauth    int
	completed chan Stats
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{completed: make(chan Stats, 16)}
}

func (o *recordingObserver) EntityChanged(entityType, entityID string) {
	o.mu.Lock()
	o.changed = append(o.changed, entityType+"/"+entityID)
	o.mu.Unlock()
}

func (o *recordingObserver) TokenRotated(accessToken string) {
	o.mu.Lock()
	o.rotated = append(o.rotated, accessToken)
	o.mu.Unlock()
}

func (o *recordingObserver) ReauthRequired() {
	o.mu.Lock()
	o.reauth++
	o.mu.Unlock()
}

func (o *recordingObserver) SyncCompleted(stats Stats) {
	select {
	case o.completed <- stats:
	default:
	}
}

func (o *recordingObserver) changes() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.changed...)
}

// fakeBackend serves the minimal API surface the engine talks to.
type fakeBackend struct {
	mu       sync.Mutex
	upserted []entity.Entity
	pull     []entity.Entity
}

func (b *fakeBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			w.WriteHeader(http.StatusOK)

		case r.URL.Path == "/entities" && r.Method == http.MethodGet:
			b.mu.Lock()
			pull := b.pull
			b.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]interface{}{"entities": pull})

		case r.URL.Path == "/bulk-sync" && r.Method == http.MethodPost:
			var req struct {
				Entities []entity.Entity `json:"entities"`
			}
			json.NewDecoder(r.Body).Decode(&req)

			b.mu.Lock()
			b.upserted = append(b.upserted, req.Entities...)
			b.mu.Unlock()

			results := make([]map[string]interface{}, 0, len(req.Entities))
			for _, e := range req.Entities {
				results = append(results, map[string]interface{}{
					"entityType": e.Type,
					"entityId":   e.ID,
					"outcome":    "success",
					"remoteId":   "srv-" + e.ID,
				})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"results": results})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func (b *fakeBackend) pushed() []entity.Entity {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]entity.Entity(nil), b.upserted...)
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	return &config.Config{
		BaseURL:      baseURL,
		UserID:       "user-1",
		DatabasePath: filepath.Join(t.TempDir(), "sync.db"),
		SyncInterval: time.Hour,
		BatchSize:    10,
		MaxRetries:   3,
	}
}

func newTestCoordinator(t *testing.T, cfg *config.Config, observer Observer) *Coordinator {
	t.Helper()

	coord, err := New(cfg, []entity.Type{{Name: "task", Table: "tasks"}}, &Options{
		Observer:        observer,
		Logger:          log.New(io.Discard, "", 0),
		DisableRealtime: true,
	})
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return coord
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(nil, nil, nil); err == nil {
		t.Error("New() with nil config should fail")
	}

	cfg := testConfig(t, "")
	if _, err := New(cfg, []entity.Type{{Name: "task", Table: "tasks"}}, nil); err == nil {
		t.Error("New() with invalid config should fail")
	}
}

func TestUpsertSyncLifecycle(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	observer := newRecordingObserver()
	coord := newTestCoordinator(t, testConfig(t, srv.URL), observer)

	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	e := &entity.Entity{Type: "task", Payload: json.RawMessage(`{"title":"ship it"}`)}
	if err := coord.Upsert(context.Background(), e); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if e.ID == "" {
		t.Fatal("Upsert() should assign an ID")
	}
	if e.Version != 1 {
		t.Errorf("version = %d, want 1", e.Version)
	}

	select {
	case stats := <-observer.completed:
		if stats.Cycles == 0 {
			t.Errorf("completed cycle stats = %+v", stats)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for sync completion")
	}

	pushed := backend.pushed()
	if len(pushed) != 1 || pushed[0].ID != e.ID {
		t.Errorf("pushed = %+v, want the upserted entity", pushed)
	}

	got, err := coord.Get(context.Background(), "task", e.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Dirty {
		t.Error("entity should be clean after the cycle")
	}
	if got.RemoteID != "srv-"+e.ID {
		t.Errorf("remote ID = %q", got.RemoteID)
	}

	if err := coord.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

func TestInitialPull(t *testing.T) {
	backend := &fakeBackend{pull: []entity.Entity{
		{Type: "task", RemoteID: "srv-7", Version: 2, Payload: json.RawMessage(`{"title":"from server"}`), UpdatedAt: time.Now()},
	}}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	observer := newRecordingObserver()
	coord := newTestCoordinator(t, testConfig(t, srv.URL), observer)

	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer coord.Stop()

	got, err := coord.Store().GetByRemoteID("task", "srv-7")
	if err != nil {
		t.Fatalf("pulled entity missing: %v", err)
	}
	if got.Version != 2 || got.Dirty {
		t.Errorf("pulled entity = %+v", got)
	}

	changes := observer.changes()
	if len(changes) != 1 {
		t.Errorf("changes = %v, want one pull notification", changes)
	}
}

func TestDeleteSchedulesSync(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	coord := newTestCoordinator(t, testConfig(t, srv.URL), nil)

	// Work against the store directly; the engine is not started, so the
	// queue state is observable without racing the worker.
	e := &entity.Entity{Type: "task", Payload: json.RawMessage(`{"title":"temp"}`)}
	if err := coord.Upsert(context.Background(), e); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	if err := coord.Delete(context.Background(), "task", e.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	stats := coord.Stats()
	if stats.QueueDepth != 1 {
		t.Errorf("queue depth = %d, want 1 (delete replaced the upsert)", stats.QueueDepth)
	}

	got, err := coord.Get(context.Background(), "task", e.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.Deleted() {
		t.Error("entity should be a tombstone")
	}

	if err := coord.Store().Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStopFlushesInFlightBatch(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			w.WriteHeader(http.StatusOK)

		case r.URL.Path == "/entities":
			json.NewEncoder(w).Encode(map[string]interface{}{"entities": []entity.Entity{}})

		case r.URL.Path == "/bulk-sync":
			var req struct {
				Entities []entity.Entity `json:"entities"`
			}
			json.NewDecoder(r.Body).Decode(&req)

			entered <- struct{}{}
			<-release

			results := make([]map[string]interface{}, 0, len(req.Entities))
			for _, e := range req.Entities {
				results = append(results, map[string]interface{}{
					"entityType": e.Type,
					"entityId":   e.ID,
					"outcome":    "success",
					"remoteId":   "srv-" + e.ID,
				})
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
		}
	}))
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	coord := newTestCoordinator(t, cfg, nil)

	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	e := &entity.Entity{Type: "task", Payload: json.RawMessage(`{"title":"mid-flight"}`)}
	if err := coord.Upsert(context.Background(), e); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	// Wait until the push is in flight, then stop the engine.
	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the batch to reach the server")
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- coord.Stop() }()

	// Stop must wait for the in-flight batch, not abort it.
	select {
	case <-stopDone:
		t.Fatal("Stop() returned while the batch was still in flight")
	case <-time.After(300 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-stopDone:
		if err != nil {
			t.Fatalf("Stop() failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Stop() did not return after the batch settled")
	}

	// Reopen the database: the batch completed and was acknowledged, so
	// the queue is empty and the entity is clean - no entry is both
	// removed and unacknowledged.
	st, err := store.Open(cfg.DatabasePath, entity.Type{Name: "task", Table: "tasks"})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer st.Close()
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	depth, err := st.QueueDepth()
	if err != nil {
		t.Fatalf("QueueDepth() failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0 after flush", depth)
	}

	got, err := st.Get("task", e.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Dirty {
		t.Error("entity should be clean: the in-flight push was acknowledged")
	}
	if got.RemoteID != "srv-"+e.ID {
		t.Errorf("remote ID = %q, want srv-%s", got.RemoteID, e.ID)
	}
}

func TestStartTwice(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	coord := newTestCoordinator(t, testConfig(t, srv.URL), nil)

	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := coord.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if err := coord.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	coord := newTestCoordinator(t, testConfig(t, srv.URL), nil)
	if err := coord.Stop(); err != nil {
		t.Errorf("Stop() before Start() = %v, want nil", err)
	}
	if err := coord.Store().Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}
