// Package spool ingests mutation files dropped into a directory by UI
// processes. Each file is one mutation as JSON; the watcher enqueues it
// and removes the file, or renames it aside when it fails validation.
//
// The spool keeps the queue single-writer: other processes never touch the
// store, they only write files here.
package spool

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/adamsuskin/grocery-sub002/internal/mutation"
)

// Enqueuer is the queue surface the spool feeds. *queue.Manager satisfies
// it.
type Enqueuer interface {
	Enqueue(ctx context.Context, m *mutation.Mutation) (string, error)
}

// Config tunes the spool watcher.
type Config struct {
	// DebounceInterval is how long a file must sit quiet before it is
	// ingested, so partially written files settle first.
	DebounceInterval time.Duration

	// ProcessInterval is how often the change queue is drained.
	ProcessInterval time.Duration

	// Logger receives ingestion activity. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 200 * time.Millisecond,
		ProcessInterval:  100 * time.Millisecond,
	}
}

// Watcher tails a spool directory and feeds mutations into the queue.
type Watcher struct {
	dir    string
	sink   Enqueuer
	config *Config
	logger *log.Logger

	watcher *fsnotify.Watcher

	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a spool watcher over dir. The directory is created if
// missing.
func New(dir string, sink Enqueuer, config *Config) (*Watcher, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 200 * time.Millisecond
	}
	if config.ProcessInterval <= 0 {
		config.ProcessInterval = 100 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		dir:         dir,
		sink:        sink,
		config:      config,
		logger:      config.Logger,
		watcher:     fw,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start ingests any files already in the spool, then begins watching for
// new ones.
func (w *Watcher) Start() error {
	if err := w.ingestExisting(); err != nil {
		return err
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	w.wg.Add(2)
	go w.watchFileEvents()
	go w.processChangeQueue()

	w.logger.Printf("Watching spool directory: %s", w.dir)
	return nil
}

// Stop shuts the watcher down and waits for in-progress ingestion.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

// ingestExisting drains files left over from before this process started.
func (w *Watcher) ingestExisting() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !spoolFile(entry.Name()) {
			continue
		}
		w.ingest(filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// spoolFile reports whether a filename is an ingestable mutation file.
func spoolFile(name string) bool {
	return strings.HasSuffix(name, ".json") &&
		!strings.HasSuffix(name, ".rejected.json") &&
		!strings.HasPrefix(name, ".")
}

// watchFileEvents queues file changes for debounced processing.
func (w *Watcher) watchFileEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !spoolFile(filepath.Base(event.Name)) {
				continue
			}
			w.changeQueueMu.Lock()
			w.changeQueue[event.Name] = time.Now()
			w.changeQueueMu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watcher error: %v", err)
		}
	}
}

// processChangeQueue drains settled files on a ticker.
func (w *Watcher) processChangeQueue() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.processPendingChanges()
		}
	}
}

func (w *Watcher) processPendingChanges() {
	w.changeQueueMu.Lock()
	var ready []string
	now := time.Now()
	for path, queuedAt := range w.changeQueue {
		if now.Sub(queuedAt) >= w.config.DebounceInterval {
			ready = append(ready, path)
			delete(w.changeQueue, path)
		}
	}
	w.changeQueueMu.Unlock()

	for _, path := range ready {
		w.ingest(path)
	}
}

// ingest reads one mutation file, enqueues it, and removes it. Files that
// fail to parse or validate are renamed aside so a human can inspect them.
func (w *Watcher) ingest(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}

	m, err := mutation.ReadFile(path)
	if err != nil {
		w.reject(path, err)
		return
	}

	id, err := w.sink.Enqueue(w.ctx, m)
	if err != nil {
		w.reject(path, err)
		return
	}

	if err := os.Remove(path); err != nil {
		w.logger.Printf("Warning: failed to remove ingested file %s: %v", path, err)
	}
	w.logger.Printf("Ingested %s as mutation %s", filepath.Base(path), id)
}

// reject renames a bad file to *.rejected.json and logs why.
func (w *Watcher) reject(path string, cause error) {
	rejected := strings.TrimSuffix(path, ".json") + ".rejected.json"
	if err := os.Rename(path, rejected); err != nil {
		w.logger.Printf("Warning: failed to set aside rejected file %s: %v", path, err)
		return
	}
	w.logger.Printf("Rejected %s: %v", filepath.Base(path), cause)
}
