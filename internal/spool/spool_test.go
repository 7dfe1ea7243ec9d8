package spool

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/adamsuskin/grocery-sub002/internal/mutation"
)

type captureSink struct {
	mu   sync.Mutex
	muts []*mutation.Mutation
}

func (c *captureSink) Enqueue(ctx context.Context, m *mutation.Mutation) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muts = append(c.muts, m)
	return m.ID, nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.muts)
}

func newTestWatcher(t *testing.T, dir string, sink Enqueuer) *Watcher {
	t.Helper()
	cfg := &Config{
		DebounceInterval: 10 * time.Millisecond,
		ProcessInterval:  5 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
	w, err := New(dir, sink, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func waitForCount(t *testing.T, sink *captureSink, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sink.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d ingested mutations, have %d", want, sink.count())
}

func writeSpoolFile(t *testing.T, dir string) *mutation.Mutation {
	t.Helper()
	name := "milk"
	qty := 2
	m := mutation.New(mutation.TypeAdd, "item-1", mutation.Payload{Name: &name, Quantity: &qty}, time.Now())
	if _, err := mutation.WriteFile(dir, m); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return m
}

func TestIngestsDroppedFile(t *testing.T) {
	dir := t.TempDir()
	sink := &captureSink{}
	w := newTestWatcher(t, dir, sink)
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	m := writeSpoolFile(t, dir)
	waitForCount(t, sink, 1)

	if sink.muts[0].ID != m.ID {
		t.Errorf("ingested ID = %s, want %s", sink.muts[0].ID, m.ID)
	}
	if _, err := os.Stat(filepath.Join(dir, m.ID+".json")); !os.IsNotExist(err) {
		t.Error("ingested file was not removed")
	}
}

func TestIngestsExistingFilesOnStart(t *testing.T) {
	dir := t.TempDir()
	m := writeSpoolFile(t, dir)

	sink := &captureSink{}
	w := newTestWatcher(t, dir, sink)
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitForCount(t, sink, 1)
	if sink.muts[0].ID != m.ID {
		t.Errorf("ingested ID = %s, want the leftover file's %s", sink.muts[0].ID, m.ID)
	}
}

func TestRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	sink := &captureSink{}
	w := newTestWatcher(t, dir, sink)
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"type": "frobnicate"}`), 0644); err != nil {
		t.Fatalf("failed to write bad file: %v", err)
	}

	rejected := filepath.Join(dir, "bad.rejected.json")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(rejected); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := os.Stat(rejected); err != nil {
		t.Fatalf("rejected file not set aside: %v", err)
	}
	if sink.count() != 0 {
		t.Errorf("invalid file was enqueued %d times", sink.count())
	}

	// A rejected file must not be re-ingested.
	time.Sleep(50 * time.Millisecond)
	if sink.count() != 0 {
		t.Error("rejected file was picked up again")
	}
}
