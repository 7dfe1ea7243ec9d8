package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adamsuskin/grocery-sub002/internal/conflict"
	"github.com/adamsuskin/grocery-sub002/internal/mutation"
)

func openBackends(t *testing.T, opts Options) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	file, err := OpenFile(filepath.Join(dir, "queue.json"), opts)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	sqlite, err := OpenSQLite(filepath.Join(dir, "queue.db"), opts)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}

	backends := map[string]Store{
		"memory": NewMemory(opts),
		"file":   file,
		"sqlite": sqlite,
	}
	t.Cleanup(func() {
		for _, s := range backends {
			s.Close()
		}
	})
	return backends
}

func testMutation(t mutation.Type, targetID string, seq int64, at time.Time) *mutation.Mutation {
	name := "milk"
	qty := 2
	m := mutation.New(t, targetID, mutation.Payload{Name: &name, Quantity: &qty}, at)
	m.Seq = seq
	return m
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for name, s := range openBackends(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			a := testMutation(mutation.TypeAdd, "item-1", 1, now)
			b := testMutation(mutation.TypeUpdate, "item-2", 2, now.Add(time.Second))
			b.Status = mutation.StatusFailed
			b.RetryCount = 3
			b.LastError = "network unreachable"
			b.NextAttemptAt = now.Add(8 * time.Second)

			res, err := s.Save(ctx, []*mutation.Mutation{a, b})
			if err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if res.Overflow() {
				t.Errorf("Save() reported overflow for %d mutations", 2)
			}

			got, err := s.Load(ctx)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("Load() returned %d mutations, want 2", len(got))
			}
			if got[0].ID != a.ID || got[1].ID != b.ID {
				t.Errorf("Load() order = [%s %s], want [%s %s]", got[0].ID, got[1].ID, a.ID, b.ID)
			}
			if got[1].RetryCount != 3 {
				t.Errorf("RetryCount = %d, want 3", got[1].RetryCount)
			}
			if got[1].LastError != "network unreachable" {
				t.Errorf("LastError = %q, want preserved", got[1].LastError)
			}
			if !got[1].NextAttemptAt.Equal(b.NextAttemptAt) {
				t.Errorf("NextAttemptAt = %v, want %v", got[1].NextAttemptAt, b.NextAttemptAt)
			}
			if got[0].Payload.Name == nil || *got[0].Payload.Name != "milk" {
				t.Errorf("payload name not preserved: %+v", got[0].Payload)
			}
		})
	}
}

func TestStorePrunesOldSuccesses(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for name, s := range openBackends(t, Options{Retention: time.Hour}) {
		t.Run(name, func(t *testing.T) {
			old := testMutation(mutation.TypeAdd, "item-old", 1, now.Add(-2*time.Hour))
			old.Status = mutation.StatusSuccess
			fresh := testMutation(mutation.TypeAdd, "item-new", 2, now)
			fresh.Status = mutation.StatusSuccess
			pending := testMutation(mutation.TypeAdd, "item-pending", 3, now.Add(-2*time.Hour))

			res, err := s.Save(ctx, []*mutation.Mutation{old, fresh, pending})
			if err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if res.PrunedSuccesses != 1 {
				t.Errorf("PrunedSuccesses = %d, want 1", res.PrunedSuccesses)
			}

			got, err := s.Load(ctx)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			ids := make(map[string]bool, len(got))
			for _, m := range got {
				ids[m.ID] = true
			}
			if ids[old.ID] {
				t.Error("old success survived reclamation")
			}
			if !ids[fresh.ID] {
				t.Error("fresh success was pruned")
			}
			if !ids[pending.ID] {
				t.Error("old pending was pruned; retention only covers finished work")
			}
		})
	}
}

func TestStorePendingCapDropsOldest(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for name, s := range openBackends(t, Options{PendingCap: 3}) {
		t.Run(name, func(t *testing.T) {
			var muts []*mutation.Mutation
			for i := 0; i < 5; i++ {
				muts = append(muts, testMutation(mutation.TypeAdd, "item", int64(i+1), now))
			}

			res, err := s.Save(ctx, muts)
			if err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if !res.Overflow() {
				t.Fatal("Save() did not report overflow")
			}
			if res.DroppedPending != 2 {
				t.Errorf("DroppedPending = %d, want 2", res.DroppedPending)
			}

			got, err := s.Load(ctx)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("Load() returned %d mutations, want 3", len(got))
			}
			// The two oldest seqs go first.
			for _, m := range got {
				if m.Seq <= 2 {
					t.Errorf("seq %d survived; drops must start from the oldest", m.Seq)
				}
			}
		})
	}
}

func TestStoreResolutions(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	for name, s := range openBackends(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			rec := &conflict.Record{
				ConflictID: "conf-1",
				EntityID:   "item-1",
				Strategy:   conflict.StrategyFieldMerge,
				ResolvedAt: now,
				FieldWinners: map[string]string{
					"quantity": "local",
					"notes":    "remote",
				},
			}
			if err := s.AppendResolution(ctx, rec); err != nil {
				t.Fatalf("AppendResolution() error = %v", err)
			}

			got, err := s.Resolutions(ctx)
			if err != nil {
				t.Fatalf("Resolutions() error = %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("Resolutions() returned %d records, want 1", len(got))
			}
			if got[0].ConflictID != "conf-1" || got[0].Strategy != conflict.StrategyFieldMerge {
				t.Errorf("Resolutions()[0] = %+v, want conf-1/field-level-merge", got[0])
			}
			if got[0].FieldWinners["quantity"] != "local" {
				t.Errorf("FieldWinners[quantity] = %q, want local", got[0].FieldWinners["quantity"])
			}
		})
	}
}

func TestStoreTombstones(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	for name, s := range openBackends(t, Options{Retention: time.Hour}) {
		t.Run(name, func(t *testing.T) {
			if err := s.RecordTombstone(ctx, "item-1", now); err != nil {
				t.Fatalf("RecordTombstone() error = %v", err)
			}
			if err := s.RecordTombstone(ctx, "item-old", now.Add(-2*time.Hour)); err != nil {
				t.Fatalf("RecordTombstone() error = %v", err)
			}

			live, err := s.HasTombstone(ctx, "item-1")
			if err != nil {
				t.Fatalf("HasTombstone() error = %v", err)
			}
			if !live {
				t.Error("HasTombstone(item-1) = false, want true")
			}

			stale, err := s.HasTombstone(ctx, "item-old")
			if err != nil {
				t.Fatalf("HasTombstone() error = %v", err)
			}
			if stale {
				t.Error("HasTombstone(item-old) = true, want false past retention")
			}

			none, err := s.HasTombstone(ctx, "item-never")
			if err != nil {
				t.Fatalf("HasTombstone() error = %v", err)
			}
			if none {
				t.Error("HasTombstone(item-never) = true, want false")
			}
		})
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	dir := t.TempDir()

	openers := map[string]func() (Store, error){
		"file": func() (Store, error) {
			return OpenFile(filepath.Join(dir, "queue.json"), Options{})
		},
		"sqlite": func() (Store, error) {
			return OpenSQLite(filepath.Join(dir, "queue.db"), Options{})
		},
	}

	for name, open := range openers {
		t.Run(name, func(t *testing.T) {
			s, err := open()
			if err != nil {
				t.Fatalf("open error = %v", err)
			}
			m := testMutation(mutation.TypeAdd, "item-1", 1, now)
			m.Status = mutation.StatusInFlight
			if _, err := s.Save(ctx, []*mutation.Mutation{m}); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			s, err = open()
			if err != nil {
				t.Fatalf("reopen error = %v", err)
			}
			defer s.Close()

			got, err := s.Load(ctx)
			if err != nil {
				t.Fatalf("Load() after reopen error = %v", err)
			}
			if len(got) != 1 || got[0].ID != m.ID {
				t.Fatalf("Load() after reopen = %v, want the saved mutation", got)
			}
			if got[0].Status != mutation.StatusInFlight {
				t.Errorf("Status = %s, want inFlight preserved for crash recovery", got[0].Status)
			}
		})
	}
}

func TestFileMigratesV1Document(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")

	v1 := `{
	  "version": 1,
	  "mutations": [
	    {
	      "id": "m-1",
	      "type": "update",
	      "payload": {"quantity": 4},
	      "target_id": "item-1",
	      "timestamp": "2026-08-01T10:00:00Z",
	      "status": "pending",
	      "priority": 1,
	      "retries": 2
	    }
	  ]
	}`
	if err := os.WriteFile(path, []byte(v1), 0644); err != nil {
		t.Fatalf("failed to seed v1 document: %v", err)
	}

	s, err := OpenFile(path, Options{})
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer s.Close()

	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Load() returned %d mutations, want 1", len(got))
	}
	if got[0].RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2 migrated from the v1 retries field", got[0].RetryCount)
	}
	if got[0].Payload.Quantity == nil || *got[0].Payload.Quantity != 4 {
		t.Errorf("payload quantity lost during migration: %+v", got[0].Payload)
	}

	// A save rewrites the document at the current version.
	if _, err := s.Save(context.Background(), got); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read migrated document: %v", err)
	}
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.Fatalf("failed to parse migrated document: %v", err)
	}
	if probe.Version != SchemaVersion {
		t.Errorf("document version after save = %d, want %d", probe.Version, SchemaVersion)
	}
}

func TestFileRejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	if err := os.WriteFile(path, []byte(`{"version": 99, "mutations": []}`), 0644); err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}

	s, err := OpenFile(path, Options{})
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer s.Close()

	if _, err := s.Load(context.Background()); err == nil {
		t.Fatal("Load() accepted an unsupported document version")
	}
}
