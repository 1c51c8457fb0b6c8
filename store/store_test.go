package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	t.Cleanup(func() { bolt.Close() })
	return map[string]Store{
		"bolt": bolt,
		"mem":  NewMemStore(),
	}
}

func TestStore_SaveAndGetRecord(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			rec := &TransferRecord{
				Run:       "run-1",
				JobID:     0,
				Direction: "upload",
				Bucket:    "reports",
				Object:    "doc.pdf",
				LocalPath: "/home/u/doc.pdf",
				State:     StateFailed,
				Bytes:     1024,
				Error:     "connection reset",
			}
			if err := store.SaveRecord(rec); err != nil {
				t.Fatalf("Failed to save record: %v", err)
			}
			if rec.ID == "" {
				t.Fatal("Expected record id to be assigned")
			}
			if rec.Time.IsZero() {
				t.Fatal("Expected record time to be assigned")
			}

			got, err := store.GetRecord(rec.ID)
			if err != nil {
				t.Fatalf("Failed to get record: %v", err)
			}
			if got.Object != "doc.pdf" || got.State != StateFailed || got.Bytes != 1024 {
				t.Errorf("Unexpected record %+v", got)
			}

			// Saving again under the same id replaces the entry.
			rec.State = StateCompleted
			rec.Error = ""
			if err := store.SaveRecord(rec); err != nil {
				t.Fatalf("Failed to update record: %v", err)
			}
			got, err = store.GetRecord(rec.ID)
			if err != nil {
				t.Fatalf("Failed to get updated record: %v", err)
			}
			if got.State != StateCompleted {
				t.Errorf("Expected updated state %s, got %s", StateCompleted, got.State)
			}

			_, err = store.GetRecord("non-existent")
			if !errors.Is(err, ErrRecordNotFound) {
				t.Errorf("Expected ErrRecordNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ListAndLastRun(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.LastRun(); !errors.Is(err, ErrRecordNotFound) {
				t.Fatalf("Expected ErrRecordNotFound on empty journal, got %v", err)
			}

			seed := []TransferRecord{
				{Run: "a", JobID: 0, Object: "one"},
				{Run: "a", JobID: 1, Object: "two"},
				{Run: "b", JobID: 0, Object: "three"},
				{Run: "b", JobID: 0, Object: "four"},
			}
			for i := range seed {
				if err := store.SaveRecord(&seed[i]); err != nil {
					t.Fatalf("Failed to save record: %v", err)
				}
			}

			all, err := store.List(Filter{JobID: AnyJob})
			if err != nil {
				t.Fatalf("Failed to list: %v", err)
			}
			if len(all) != 4 || all[0].Object != "one" || all[3].Object != "four" {
				t.Errorf("Expected all records oldest first, got %d", len(all))
			}

			job0, _ := store.List(Filter{Run: "b", JobID: 0})
			if len(job0) != 2 || job0[0].Object != "three" {
				t.Errorf("Expected two records for run b job 0, got %d", len(job0))
			}

			last, _ := store.List(Filter{JobID: AnyJob, Limit: 1})
			if len(last) != 1 || last[0].Object != "four" {
				t.Errorf("Expected the newest record, got %+v", last)
			}

			run, err := store.LastRun()
			if err != nil {
				t.Fatalf("Failed to get last run: %v", err)
			}
			if run != "b" {
				t.Errorf("Expected last run b, got %s", run)
			}
		})
	}
}

func TestBoltStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	rec := &TransferRecord{Run: "r", Object: "kept", State: StateCompleted}
	if err := store.SaveRecord(rec); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	store.Close()

	store, err = NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen BoltStore: %v", err)
	}
	defer store.Close()

	got, err := store.GetRecord(rec.ID)
	if err != nil {
		t.Fatalf("Failed to get record after reopen: %v", err)
	}
	if got.Object != "kept" {
		t.Errorf("Expected object kept, got %s", got.Object)
	}
}

func TestBoltStore_Close(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test_close.db")

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}

	err = store.Close()
	if err != nil {
		t.Errorf("Failed to close BoltStore: %v", err)
	}

	// Try to get a record on closed store
	_, err = store.GetRecord("rec-123")
	if err == nil {
		t.Error("Expected error when accessing closed store, got nil")
	}
}
