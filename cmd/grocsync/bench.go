package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adamsuskin/grocery-sub002/internal/bench"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark the queue store backends",
	Long: `Measure store performance under concurrent load.

The runner seeds a queue, then drives concurrent snapshot readers against
a checkpointing writer, the same access pattern the daemon produces. All
data lives in scratch files under the system temp directory; your real
queue is never touched.

Modes:
  compare  - Run sqlite and file backends, show a comparison (default)
  sqlite   - Run only the sqlite backend
  file     - Run only the file backend
  memory   - Run only the in-memory backend

Examples:
  # Compare the persistent backends with defaults
  grocsync bench

  # Heavier load
  grocsync bench --mutations 2000 --readers 32

  # Single backend, JSON output omitted (per-run report only)
  grocsync bench --mode sqlite`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().Int("mutations", 400, "Number of mutations to seed the queue with")
	benchCmd.Flags().Int("readers", 8, "Number of concurrent snapshot readers")
	benchCmd.Flags().Int("reads", 25, "Snapshots taken per reader")
	benchCmd.Flags().Int("checkpoints", 50, "Full-queue saves performed during the run")
	benchCmd.Flags().Float64("conflicted", 0.05, "Fraction of seeded mutations left conflicted (0.0-1.0)")
	benchCmd.Flags().String("mode", "compare", "Benchmark mode: compare, sqlite, file, or memory")
	benchCmd.Flags().Bool("json", false, "Output the comparison as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	mutations, _ := cmd.Flags().GetInt("mutations")
	readers, _ := cmd.Flags().GetInt("readers")
	reads, _ := cmd.Flags().GetInt("reads")
	checkpoints, _ := cmd.Flags().GetInt("checkpoints")
	conflicted, _ := cmd.Flags().GetFloat64("conflicted")
	mode, _ := cmd.Flags().GetString("mode")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	config := bench.Config{
		NumMutations:   mutations,
		Readers:        readers,
		ReadsPerReader: reads,
		Checkpoints:    checkpoints,
		ConflictPct:    conflicted,
	}

	switch mode {
	case "compare":
		result, err := bench.Compare(config)
		if err != nil {
			return err
		}
		if jsonOutput {
			return bench.PrintComparisonJSON(result)
		}
		bench.PrintComparison(result)
		return nil
	case "sqlite", "file", "memory":
		config.Backend = mode
		result, err := bench.Run(config)
		if err != nil {
			return err
		}
		bench.PrintResult(result)
		return nil
	default:
		return fmt.Errorf("unknown mode %q (want compare, sqlite, file, or memory)", mode)
	}
}
