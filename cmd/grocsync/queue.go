package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adamsuskin/grocery-sub002/internal/mutation"
	"github.com/adamsuskin/grocery-sub002/internal/ui"
)

var (
	queueShowResolutions bool
	queueShowAll         bool
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show queued mutations",
	Long: `Show the mutation queue, oldest first.

By default finished mutations are hidden; pass --all to include them, or
--resolutions to show the conflict resolution audit log instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()

		if queueShowResolutions {
			recs, err := st.Resolutions(ctx)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println(ui.RenderDim("no resolutions recorded"))
				return nil
			}
			for _, rec := range recs {
				fmt.Printf("%s  %-18s %s\n", rec.ResolvedAt.Format(time.RFC3339), rec.Strategy, rec.EntityID)
				for field, winner := range rec.FieldWinners {
					fmt.Printf("    %s: %s\n", field, winner)
				}
			}
			return nil
		}

		muts, err := st.Load(ctx)
		if err != nil {
			return err
		}
		if !queueShowAll {
			visible := muts[:0]
			for _, m := range muts {
				if m.Status != mutation.StatusSuccess {
					visible = append(visible, m)
				}
			}
			muts = visible
		}
		fmt.Print(ui.RenderQueue(muts))
		return nil
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <mutation-id>",
	Short: "Remove a mutation that has not been applied",
	Long: `Remove a pending, failed, or conflicted mutation from the queue.

Run this while the daemon is stopped; a running daemon keeps its own copy
of the queue and will not see the removal.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx := context.Background()
		muts, err := st.Load(ctx)
		if err != nil {
			return err
		}

		for i, m := range muts {
			if m.ID != args[0] {
				continue
			}
			switch m.Status {
			case mutation.StatusInFlight:
				return fmt.Errorf("mutation %s is in flight", m.ID)
			case mutation.StatusSuccess:
				return fmt.Errorf("mutation %s already succeeded", m.ID)
			}
			muts = append(muts[:i], muts[i+1:]...)
			if _, err := st.Save(ctx, muts); err != nil {
				return err
			}
			fmt.Printf("%s cancelled %s %s for %s\n", ui.RenderPass("✓"), m.Type, m.ID, m.TargetID)
			return nil
		}
		return fmt.Errorf("mutation not found: %s", args[0])
	},
}

func init() {
	queueCmd.Flags().BoolVar(&queueShowResolutions, "resolutions", false, "show the resolution audit log")
	queueCmd.Flags().BoolVarP(&queueShowAll, "all", "a", false, "include finished mutations")
	queueCmd.AddCommand(queueCancelCmd)
	rootCmd.AddCommand(queueCmd)
}
