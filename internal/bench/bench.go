// Package bench measures queue store performance under concurrent load.
//
// The daemon checkpoints the whole queue after every state change while
// status and queue commands read it back, so the interesting numbers are
// checkpoint (save) latency and snapshot (load) latency as the queue
// grows. The runner drives a configurable mix of readers against a live
// writer and reports latency percentiles, throughput, and memory cost
// per backend.
package bench

import (
	"fmt"
	"runtime"
	"sort"
	"time"
)

// Config defines the parameters for one benchmark run.
type Config struct {
	// Backend selects the store under test: "sqlite", "file", or "memory".
	Backend string

	// NumMutations is how many mutations the queue is seeded with.
	NumMutations int

	// Readers is the number of concurrent snapshot readers.
	Readers int

	// ReadsPerReader is how many snapshots each reader takes.
	ReadsPerReader int

	// Checkpoints is how many full-queue saves the writer performs while
	// the readers run.
	Checkpoints int

	// ConflictPct is the fraction of seeded mutations left conflicted
	// (0.0-1.0), exercising the resolution log on save.
	ConflictPct float64

	// Path is where the backend keeps its data. Ignored by "memory".
	Path string
}

// DefaultConfig returns a run shaped like a busy household queue: a few
// hundred mutations, a handful of readers, and steady checkpointing.
func DefaultConfig() Config {
	return Config{
		Backend:        "sqlite",
		NumMutations:   400,
		Readers:        8,
		ReadsPerReader: 25,
		Checkpoints:    50,
		ConflictPct:    0.05,
	}
}

// Result captures all metrics from one benchmark run.
type Result struct {
	Config Config

	// Snapshot (load) latency across all readers.
	Latency LatencyMetrics

	// Checkpoint (save) latency for the writer.
	Checkpoint LatencyMetrics

	Throughput ThroughputMetrics
	Resources  ResourceMetrics
	Store      StoreMetrics

	TotalDuration time.Duration
	ErrorCount    int
	ErrorRate     float64
	Success       bool
}

// LatencyMetrics captures latency statistics for one operation class.
type LatencyMetrics struct {
	Min  time.Duration
	P50  time.Duration
	Mean time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration

	Durations []time.Duration
}

// ThroughputMetrics captures operations-per-second metrics.
type ThroughputMetrics struct {
	SnapshotsPerSecond float64
	TotalSnapshots     int
}

// ResourceMetrics captures memory usage around the run.
type ResourceMetrics struct {
	MemoryBeforeBytes uint64
	MemoryAfterBytes  uint64
	MemoryPeakBytes   uint64
	MemoryDeltaBytes  uint64
}

// StoreMetrics captures on-disk statistics for the backend.
type StoreMetrics struct {
	SizeBytes       int64
	SeedTimeMs      int64
	TimeToFirstMs   int64
	MutationCount   int
	PendingCount    int
	ConflictedCount int
}

// ComputeStats calculates latency statistics from raw durations.
func ComputeStats(durations []time.Duration) LatencyMetrics {
	if len(durations) == 0 {
		return LatencyMetrics{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyMetrics{
		Min:       sorted[0],
		P50:       sorted[len(sorted)*50/100],
		Mean:      sum / time.Duration(len(sorted)),
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Max:       sorted[len(sorted)-1],
		Durations: sorted,
	}
}

// memoryStats returns a point-in-time view of allocator state.
func memoryStats() ResourceMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return ResourceMetrics{
		MemoryBeforeBytes: m.Alloc,
		MemoryAfterBytes:  m.Alloc,
		MemoryPeakBytes:   m.Sys,
	}
}

// deltaMemory computes the allocation delta between two snapshots.
func deltaMemory(before, after ResourceMetrics) ResourceMetrics {
	out := ResourceMetrics{
		MemoryBeforeBytes: before.MemoryBeforeBytes,
		MemoryAfterBytes:  after.MemoryAfterBytes,
		MemoryPeakBytes:   after.MemoryPeakBytes,
	}
	if after.MemoryAfterBytes > before.MemoryBeforeBytes {
		out.MemoryDeltaBytes = after.MemoryAfterBytes - before.MemoryBeforeBytes
	}
	return out
}

// FormatBytes formats bytes into a human-readable string.
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats a duration into a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Microsecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// PrintResult outputs a formatted benchmark result.
func PrintResult(result *Result) {
	fmt.Printf("\n=== Benchmark Results (%s backend) ===\n\n", result.Config.Backend)

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Mutations:          %d\n", result.Config.NumMutations)
	fmt.Printf("  Readers:            %d\n", result.Config.Readers)
	fmt.Printf("  Reads per Reader:   %d\n", result.Config.ReadsPerReader)
	fmt.Printf("  Checkpoints:        %d\n", result.Config.Checkpoints)
	fmt.Printf("  Conflicted %%:       %.1f%%\n", result.Config.ConflictPct*100)
	fmt.Printf("\n")

	fmt.Printf("Snapshot Latency:\n")
	printLatency(result.Latency)
	fmt.Printf("\n")

	fmt.Printf("Checkpoint Latency:\n")
	printLatency(result.Checkpoint)
	fmt.Printf("\n")

	fmt.Printf("Throughput:\n")
	fmt.Printf("  Snapshots/sec:     %.2f\n", result.Throughput.SnapshotsPerSecond)
	fmt.Printf("  Total Snapshots:   %d\n", result.Throughput.TotalSnapshots)
	fmt.Printf("\n")

	fmt.Printf("Resources:\n")
	fmt.Printf("  Memory Before:     %s\n", FormatBytes(result.Resources.MemoryBeforeBytes))
	fmt.Printf("  Memory After:      %s\n", FormatBytes(result.Resources.MemoryAfterBytes))
	fmt.Printf("  Memory Delta:      %s\n", FormatBytes(result.Resources.MemoryDeltaBytes))
	fmt.Printf("\n")

	fmt.Printf("Store:\n")
	fmt.Printf("  Size:              %s\n", FormatBytes(uint64(result.Store.SizeBytes)))
	fmt.Printf("  Seed Time:         %dms\n", result.Store.SeedTimeMs)
	fmt.Printf("  Time to First:     %dms\n", result.Store.TimeToFirstMs)
	fmt.Printf("  Mutations:         %d\n", result.Store.MutationCount)
	fmt.Printf("  Pending:           %d\n", result.Store.PendingCount)
	fmt.Printf("  Conflicted:        %d\n", result.Store.ConflictedCount)
	fmt.Printf("\n")

	fmt.Printf("Overall:\n")
	fmt.Printf("  Total Duration:    %s\n", FormatDuration(result.TotalDuration))
	fmt.Printf("  Errors:            %d (%.2f%%)\n", result.ErrorCount, result.ErrorRate*100)
	fmt.Printf("  Success:           %v\n", result.Success)
	fmt.Printf("\n")
}

func printLatency(l LatencyMetrics) {
	fmt.Printf("  Min:       %s\n", FormatDuration(l.Min))
	fmt.Printf("  P50:       %s\n", FormatDuration(l.P50))
	fmt.Printf("  Mean:      %s\n", FormatDuration(l.Mean))
	fmt.Printf("  P95:       %s\n", FormatDuration(l.P95))
	fmt.Printf("  P99:       %s\n", FormatDuration(l.P99))
	fmt.Printf("  Max:       %s\n", FormatDuration(l.Max))
}
