package bench

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adamsuskin/grocery-sub002/internal/item"
	"github.com/adamsuskin/grocery-sub002/internal/mutation"
	"github.com/adamsuskin/grocery-sub002/internal/store"
)

// Run executes one benchmark against the configured backend: seed the
// queue, then hammer it with concurrent snapshot readers while a single
// writer checkpoints, matching the daemon's single-writer access pattern.
func Run(config Config) (*Result, error) {
	st, cleanup, err := openBackend(config)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	ctx := context.Background()
	memBefore := memoryStats()

	// Seed the queue and measure the initial checkpoint.
	muts := generateMutations(config.NumMutations, config.ConflictPct)
	seedStart := time.Now()
	if _, err := st.Save(ctx, muts); err != nil {
		return nil, fmt.Errorf("failed to seed queue: %w", err)
	}
	seedDuration := time.Since(seedStart)

	var storeSize int64
	if config.Backend != "memory" {
		if info, err := os.Stat(storeDataPath(config)); err == nil {
			storeSize = info.Size()
		}
	}

	firstStart := time.Now()
	loaded, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("first snapshot failed: %w", err)
	}
	timeToFirst := time.Since(firstStart)

	pending, conflicted := 0, 0
	for _, m := range loaded {
		switch m.Status {
		case mutation.StatusPending:
			pending++
		case mutation.StatusConflicted:
			conflicted++
		}
	}

	benchStart := time.Now()

	var wg sync.WaitGroup
	readsChan := make(chan []time.Duration, config.Readers)
	errorsChan := make(chan error, config.Readers+1)

	for i := 0; i < config.Readers; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, config.ReadsPerReader)
			for j := 0; j < config.ReadsPerReader; j++ {
				start := time.Now()
				if _, err := st.Load(ctx); err != nil {
					errorsChan <- fmt.Errorf("reader %d snapshot %d failed: %w", readerID, j, err)
					return
				}
				durations = append(durations, time.Since(start))
			}
			readsChan <- durations
		}(i)
	}

	// The writer flips statuses and checkpoints, the way the daemon does
	// after each dispatch result.
	checkpointDurations := make([]time.Duration, 0, config.Checkpoints)
	wg.Add(1)
	go func() {
		defer wg.Done()

		rng := rand.New(rand.NewSource(42))
		for i := 0; i < config.Checkpoints; i++ {
			if len(muts) > 0 {
				m := muts[rng.Intn(len(muts))]
				if m.Status == mutation.StatusPending {
					m.Status = mutation.StatusInFlight
				} else if m.Status == mutation.StatusInFlight {
					m.Status = mutation.StatusSuccess
				}
			}
			start := time.Now()
			if _, err := st.Save(ctx, muts); err != nil {
				errorsChan <- fmt.Errorf("checkpoint %d failed: %w", i, err)
				return
			}
			checkpointDurations = append(checkpointDurations, time.Since(start))
		}
	}()

	wg.Wait()
	close(readsChan)
	close(errorsChan)
	benchDuration := time.Since(benchStart)

	errorCount := 0
	for range errorsChan {
		errorCount++
	}

	var allReads []time.Duration
	for durations := range readsChan {
		allReads = append(allReads, durations...)
	}

	memAfter := memoryStats()

	totalOps := len(allReads)
	qps := 0.0
	if benchDuration.Seconds() > 0 {
		qps = float64(totalOps) / benchDuration.Seconds()
	}
	errorRate := 0.0
	if totalOps > 0 {
		errorRate = float64(errorCount) / float64(totalOps)
	}

	return &Result{
		Config:        config,
		Latency:       ComputeStats(allReads),
		Checkpoint:    ComputeStats(checkpointDurations),
		TotalDuration: benchDuration,
		ErrorCount:    errorCount,
		ErrorRate:     errorRate,
		Success:       errorCount == 0,
		Throughput: ThroughputMetrics{
			SnapshotsPerSecond: qps,
			TotalSnapshots:     totalOps,
		},
		Resources: deltaMemory(memBefore, memAfter),
		Store: StoreMetrics{
			SizeBytes:       storeSize,
			SeedTimeMs:      seedDuration.Milliseconds(),
			TimeToFirstMs:   timeToFirst.Milliseconds(),
			MutationCount:   len(loaded),
			PendingCount:    pending,
			ConflictedCount: conflicted,
		},
	}, nil
}

// openBackend opens the store under test. The cleanup func closes it and
// removes any scratch files.
func openBackend(config Config) (store.Store, func(), error) {
	// Seeded queues exceed the default pending cap, so lift it out of
	// the way: reclamation is not what this measures.
	opts := store.Options{PendingCap: config.NumMutations + 1}

	switch config.Backend {
	case "memory":
		st := store.NewMemory(opts)
		return st, func() { st.Close() }, nil
	case "file":
		path := storeDataPath(config)
		st, err := store.OpenFile(path, opts)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			st.Close()
			os.Remove(path)
		}, nil
	case "sqlite":
		path := storeDataPath(config)
		st, err := store.OpenSQLite(path, opts)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {
			st.Close()
			os.Remove(path)
			os.Remove(path + "-wal")
			os.Remove(path + "-shm")
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", config.Backend)
	}
}

func storeDataPath(config Config) string {
	if config.Path != "" {
		return config.Path
	}
	name := "grocsync-bench." + config.Backend
	if config.Backend == "sqlite" {
		name += ".db"
	} else {
		name += ".json"
	}
	return filepath.Join(os.TempDir(), name)
}

// generateMutations builds a realistic queue: mostly adds and updates,
// some gotten flips and deletes, a slice of them conflicted.
func generateMutations(n int, conflictPct float64) []*mutation.Mutation {
	rng := rand.New(rand.NewSource(7))
	base := time.Now().Add(-24 * time.Hour)
	muts := make([]*mutation.Mutation, 0, n)

	numConflicted := int(float64(n) * conflictPct)

	for i := 0; i < n; i++ {
		entityID := fmt.Sprintf("bench-item-%05d", i)
		ts := base.Add(time.Duration(i) * time.Second)

		name := fmt.Sprintf("Benchmark Item %d", i)
		qty := 1 + rng.Intn(5)

		var m *mutation.Mutation
		switch i % 10 {
		case 8:
			gotten := true
			m = mutation.New(mutation.TypeMarkGotten, entityID, mutation.Payload{Gotten: &gotten}, ts)
		case 9:
			m = mutation.New(mutation.TypeDelete, entityID, mutation.Payload{}, ts)
		default:
			if i%2 == 0 {
				m = mutation.New(mutation.TypeAdd, entityID, mutation.Payload{Name: &name, Quantity: &qty}, ts)
			} else {
				m = mutation.New(mutation.TypeUpdate, entityID, mutation.Payload{Quantity: &qty}, ts)
				m.Base = &item.Item{
					ID:        entityID,
					Name:      name,
					Quantity:  1,
					UpdatedAt: ts.Add(-time.Hour),
				}
			}
		}
		m.Seq = int64(i + 1)

		if i < numConflicted && m.Type == mutation.TypeUpdate {
			m.Status = mutation.StatusConflicted
			m.Remote = &item.Item{
				ID:        entityID,
				Name:      name + " (remote)",
				Quantity:  qty + 1,
				UpdatedAt: ts.Add(time.Minute),
			}
		}

		muts = append(muts, m)
	}
	return muts
}
