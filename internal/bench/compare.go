package bench

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// ComparisonResult contains the results of comparing the sqlite and file
// backends under the same workload.
type ComparisonResult struct {
	SQLite Result
	File   Result

	// Improvement ratios (positive = sqlite is better).
	LatencyImprovement    map[string]float64
	ThroughputImprovement float64
	MemoryImprovement     float64
	OverallWinner         string
	WinCount              map[string]int
}

// Compare runs the same workload against both persistent backends.
func Compare(config Config) (*ComparisonResult, error) {
	fmt.Println("Running sqlite benchmark...")
	sqliteConfig := config
	sqliteConfig.Backend = "sqlite"
	sqliteConfig.Path = ""

	sqliteResult, err := Run(sqliteConfig)
	if err != nil {
		return nil, fmt.Errorf("sqlite benchmark failed: %w", err)
	}

	fmt.Println("Running file benchmark...")
	fileConfig := config
	fileConfig.Backend = "file"
	fileConfig.Path = ""

	fileResult, err := Run(fileConfig)
	if err != nil {
		return nil, fmt.Errorf("file benchmark failed: %w", err)
	}

	result := &ComparisonResult{
		SQLite:             *sqliteResult,
		File:               *fileResult,
		LatencyImprovement: make(map[string]float64),
		WinCount:           make(map[string]int),
	}

	result.LatencyImprovement["min"] = improvement(sqliteResult.Latency.Min.Seconds(), fileResult.Latency.Min.Seconds())
	result.LatencyImprovement["p50"] = improvement(sqliteResult.Latency.P50.Seconds(), fileResult.Latency.P50.Seconds())
	result.LatencyImprovement["mean"] = improvement(sqliteResult.Latency.Mean.Seconds(), fileResult.Latency.Mean.Seconds())
	result.LatencyImprovement["p95"] = improvement(sqliteResult.Latency.P95.Seconds(), fileResult.Latency.P95.Seconds())
	result.LatencyImprovement["p99"] = improvement(sqliteResult.Latency.P99.Seconds(), fileResult.Latency.P99.Seconds())
	result.LatencyImprovement["max"] = improvement(sqliteResult.Latency.Max.Seconds(), fileResult.Latency.Max.Seconds())

	if fileResult.Throughput.SnapshotsPerSecond > 0 {
		result.ThroughputImprovement = (sqliteResult.Throughput.SnapshotsPerSecond - fileResult.Throughput.SnapshotsPerSecond) /
			fileResult.Throughput.SnapshotsPerSecond * 100
	}

	result.MemoryImprovement = improvement(
		float64(sqliteResult.Resources.MemoryDeltaBytes),
		float64(fileResult.Resources.MemoryDeltaBytes),
	)

	for _, imp := range result.LatencyImprovement {
		if imp > 0 {
			result.WinCount["sqlite"]++
		} else if imp < 0 {
			result.WinCount["file"]++
		}
	}
	if result.ThroughputImprovement > 0 {
		result.WinCount["sqlite"]++
	} else if result.ThroughputImprovement < 0 {
		result.WinCount["file"]++
	}
	if result.MemoryImprovement > 0 {
		result.WinCount["sqlite"]++
	} else if result.MemoryImprovement < 0 {
		result.WinCount["file"]++
	}

	switch {
	case result.WinCount["sqlite"] > result.WinCount["file"]:
		result.OverallWinner = "sqlite"
	case result.WinCount["file"] > result.WinCount["sqlite"]:
		result.OverallWinner = "file"
	default:
		result.OverallWinner = "tie"
	}

	return result, nil
}

// improvement calculates percentage improvement. Positive = sqlite is
// better, negative = file is better.
func improvement(sqliteValue, fileValue float64) float64 {
	if fileValue == 0 {
		return 0
	}
	return (fileValue - sqliteValue) / fileValue * 100
}

// PrintComparison outputs a formatted comparison report.
func PrintComparison(result *ComparisonResult) {
	separator := strings.Repeat("=", 80)
	fmt.Printf("\n%s\n", separator)
	fmt.Printf("BENCHMARK COMPARISON: sqlite vs file backend\n")
	fmt.Printf("%s\n\n", separator)

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Mutations:          %d\n", result.SQLite.Config.NumMutations)
	fmt.Printf("  Readers:            %d\n", result.SQLite.Config.Readers)
	fmt.Printf("  Reads per Reader:   %d\n", result.SQLite.Config.ReadsPerReader)
	fmt.Printf("  Checkpoints:        %d\n\n", result.SQLite.Config.Checkpoints)

	fmt.Printf("SNAPSHOT LATENCY:\n")
	fmt.Printf("%-10s | %-12s | %-12s | %-15s\n", "Metric", "SQLite", "File", "Improvement")
	fmt.Printf("%s\n", strings.Repeat("-", 60))
	printLatencyRow("Min", result.SQLite.Latency.Min, result.File.Latency.Min, result.LatencyImprovement["min"])
	printLatencyRow("P50", result.SQLite.Latency.P50, result.File.Latency.P50, result.LatencyImprovement["p50"])
	printLatencyRow("Mean", result.SQLite.Latency.Mean, result.File.Latency.Mean, result.LatencyImprovement["mean"])
	printLatencyRow("P95", result.SQLite.Latency.P95, result.File.Latency.P95, result.LatencyImprovement["p95"])
	printLatencyRow("P99", result.SQLite.Latency.P99, result.File.Latency.P99, result.LatencyImprovement["p99"])
	printLatencyRow("Max", result.SQLite.Latency.Max, result.File.Latency.Max, result.LatencyImprovement["max"])
	fmt.Printf("\n")

	fmt.Printf("THROUGHPUT:\n")
	fmt.Printf("  SQLite:     %.2f snapshots/sec\n", result.SQLite.Throughput.SnapshotsPerSecond)
	fmt.Printf("  File:       %.2f snapshots/sec\n", result.File.Throughput.SnapshotsPerSecond)
	fmt.Printf("  Improvement: %s%.2f%%\n\n", formatSign(result.ThroughputImprovement), result.ThroughputImprovement)

	fmt.Printf("MEMORY:\n")
	fmt.Printf("  SQLite Delta: %s\n", FormatBytes(result.SQLite.Resources.MemoryDeltaBytes))
	fmt.Printf("  File Delta:   %s\n", FormatBytes(result.File.Resources.MemoryDeltaBytes))
	fmt.Printf("  Improvement:  %s%.2f%%\n\n", formatSign(result.MemoryImprovement), result.MemoryImprovement)

	fmt.Printf("STORE SIZE:\n")
	fmt.Printf("  SQLite: %s\n", FormatBytes(uint64(result.SQLite.Store.SizeBytes)))
	fmt.Printf("  File:   %s\n\n", FormatBytes(uint64(result.File.Store.SizeBytes)))

	fmt.Printf("SUMMARY:\n")
	fmt.Printf("  SQLite Wins:    %d metrics\n", result.WinCount["sqlite"])
	fmt.Printf("  File Wins:      %d metrics\n", result.WinCount["file"])
	fmt.Printf("  Overall Winner: %s\n\n", strings.ToUpper(result.OverallWinner))

	fmt.Printf("%s\n\n", separator)
}

func printLatencyRow(metric string, sqliteVal, fileVal time.Duration, imp float64) {
	impStr := fmt.Sprintf("%s%.1f%%", formatSign(imp), imp)
	if imp > 0 {
		impStr += " ✓"
	}
	fmt.Printf("%-10s | %-12s | %-12s | %-15s\n",
		metric, FormatDuration(sqliteVal), FormatDuration(fileVal), impStr)
}

func formatSign(value float64) string {
	if value > 0 {
		return "+"
	}
	return ""
}

// PrintComparisonJSON writes the comparison to stdout as JSON.
func PrintComparisonJSON(result *ComparisonResult) error {
	output := map[string]interface{}{
		"sqlite": map[string]interface{}{
			"latency_p50_us": result.SQLite.Latency.P50.Microseconds(),
			"latency_p95_us": result.SQLite.Latency.P95.Microseconds(),
			"latency_p99_us": result.SQLite.Latency.P99.Microseconds(),
			"snapshots_per_sec": result.SQLite.Throughput.SnapshotsPerSecond,
			"errors":            result.SQLite.ErrorCount,
		},
		"file": map[string]interface{}{
			"latency_p50_us": result.File.Latency.P50.Microseconds(),
			"latency_p95_us": result.File.Latency.P95.Microseconds(),
			"latency_p99_us": result.File.Latency.P99.Microseconds(),
			"snapshots_per_sec": result.File.Throughput.SnapshotsPerSecond,
			"errors":            result.File.ErrorCount,
		},
		"improvement": map[string]interface{}{
			"latency_p50_pct": result.LatencyImprovement["p50"],
			"latency_p95_pct": result.LatencyImprovement["p95"],
			"latency_p99_pct": result.LatencyImprovement["p99"],
			"throughput_pct":  result.ThroughputImprovement,
			"memory_pct":      result.MemoryImprovement,
		},
		"winner": result.OverallWinner,
		"wins":   result.WinCount,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(output)
}
