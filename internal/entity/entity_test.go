package entity

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTypeValidate(t *testing.T) {
	tests := []struct {
		name    string
		typ     Type
		wantErr bool
	}{
		{"valid", Type{Name: "task", Table: "tasks"}, false},
		{"underscore table", Type{Name: "habit_record", Table: "habit_records"}, false},
		{"empty name", Type{Name: "", Table: "tasks"}, true},
		{"empty table", Type{Name: "task", Table: ""}, true},
		{"sql in table name", Type{Name: "task", Table: "tasks; DROP TABLE x"}, true},
		{"leading digit", Type{Name: "task", Table: "1tasks"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.typ.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEntityWireFormat(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e := Entity{
		Type:      "task",
		ID:        "t-1",
		RemoteID:  "srv-1",
		Version:   3,
		Payload:   json.RawMessage(`{"title":"x"}`),
		UpdatedAt: now,
		SyncedAt:  &now,
		Dirty:     true,
	}

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var wire map[string]interface{}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if wire["entityType"] != "task" || wire["remoteId"] != "srv-1" {
		t.Errorf("wire = %v", wire)
	}

	// Device-local bookkeeping never crosses the wire.
	for _, key := range []string{"dirty", "syncedAt"} {
		if _, ok := wire[key]; ok {
			t.Errorf("local field %q leaked into the wire format", key)
		}
	}
}

func TestDecodeSnapshot(t *testing.T) {
	entry := QueueEntry{
		EntityType: "task",
		EntityID:   "t-1",
		Action:     ActionUpsert,
		Snapshot:   json.RawMessage(`{"entityType":"task","id":"t-1","version":2}`),
	}

	snap, err := entry.DecodeSnapshot()
	if err != nil {
		t.Fatalf("DecodeSnapshot() failed: %v", err)
	}
	if snap.Version != 2 || snap.ID != "t-1" {
		t.Errorf("snapshot = %+v", snap)
	}

	entry.Snapshot = json.RawMessage(`{broken`)
	if _, err := entry.DecodeSnapshot(); err == nil {
		t.Error("DecodeSnapshot() with malformed snapshot should fail")
	}
}
