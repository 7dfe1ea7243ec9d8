package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adamsuskin/grocery-sub002/internal/mutation"
	"github.com/adamsuskin/grocery-sub002/internal/queue"
	"github.com/adamsuskin/grocery-sub002/internal/remote"
	"github.com/adamsuskin/grocery-sub002/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize queue and connectivity state",
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

		snap := queue.Snapshot{Mutations: muts}
		for _, m := range muts {
			switch m.Status {
			case mutation.StatusPending:
				snap.Pending++
			case mutation.StatusInFlight:
				snap.InFlight++
			case mutation.StatusSuccess:
				snap.Succeeded++
			case mutation.StatusFailed:
				snap.Failed++
			case mutation.StatusConflicted:
				snap.Conflicted++
			}
		}

		client, err := remote.NewClient(remote.Config{
			BaseURL: cfg.Remote.URL,
			Token:   cfg.Remote.Token,
			Timeout: cfg.Remote.Timeout,
		})
		if err != nil {
			return err
		}
		snap.Online = client.Ping(ctx) == nil

		fmt.Print(ui.RenderStatus(snap))
		if snap.Conflicted > 0 {
			fmt.Printf("  %s\n", ui.RenderWarn(fmt.Sprintf("run `grocsync resolve` to settle %d conflict(s)", snap.Conflicted)))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
