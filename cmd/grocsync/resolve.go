package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/adamsuskin/grocery-sub002/internal/conflict"
	"github.com/adamsuskin/grocery-sub002/internal/item"
	"github.com/adamsuskin/grocery-sub002/internal/mutation"
	"github.com/adamsuskin/grocery-sub002/internal/store"
	"github.com/adamsuskin/grocery-sub002/internal/ui"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve [mutation-id]",
	Short: "Settle conflicts interactively",
	Long: `Walk through conflicted mutations and settle each one.

For every conflict you can keep your version, take the remote version,
merge field by field, or edit the winning item by hand. Resolved entities
re-enter the queue and sync on the next dispatch.

Run this while the daemon is stopped; a running daemon keeps its own copy
of the queue and will not see the resolutions.`,
	Args: cobra.MaximumNArgs(1),
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

		var conflicted []*mutation.Mutation
		for _, m := range muts {
			if m.Status != mutation.StatusConflicted {
				continue
			}
			if len(args) == 1 && m.ID != args[0] {
				continue
			}
			conflicted = append(conflicted, m)
		}
		if len(conflicted) == 0 {
			if len(args) == 1 {
				return fmt.Errorf("no conflicted mutation with ID %s", args[0])
			}
			fmt.Println(ui.RenderPass("no conflicts to resolve"))
			return nil
		}

		resolvedCount := 0
		for _, m := range conflicted {
			choice, err := ui.ResolveForm(m)
			if err != nil {
				return err
			}
			if err := applyResolution(ctx, st, m, choice); err != nil {
				return err
			}
			resolvedCount++
		}

		if _, err := st.Save(ctx, muts); err != nil {
			return err
		}
		fmt.Printf("%s resolved %d conflict(s)\n", ui.RenderPass("✓"), resolvedCount)
		return nil
	},
}

// applyResolution settles one conflict in place: it records the outcome
// and rewrites the mutation as a fresh pending resubmission (or marks it
// done when the remote copy wins outright).
func applyResolution(ctx context.Context, st store.Store, m *mutation.Mutation, choice *ui.Choice) error {
	now := time.Now()
	local := m.LocalItem()

	var (
		resolved *item.Item
		rec      *conflict.Record
	)

	desc, err := descriptorFor(local, m)
	if err != nil {
		return err
	}

	if desc != nil {
		resolved, err = conflict.ResolveWith(desc, choice.Strategy, choice.Chosen)
		if err != nil {
			return err
		}
		rec = conflict.NewRecord(desc, choice.Strategy, resolved, now)
	} else {
		// No field diff (delete conflicts, missing base): wholesale only.
		rec = &conflict.Record{
			ConflictID: m.ID,
			EntityID:   m.TargetID,
			Strategy:   choice.Strategy,
			ResolvedAt: now,
		}
		switch choice.Strategy {
		case conflict.StrategyPreferLocal:
			// Re-assert the local intent unchanged.
		case conflict.StrategyPreferRemote:
			resolved = nil
		case conflict.StrategyManual:
			if choice.Chosen == nil {
				return fmt.Errorf("manual resolution of %s needs an edited item", m.ID)
			}
			resolved = choice.Chosen
		default:
			return fmt.Errorf("cannot apply %s without a field diff", choice.Strategy)
		}
	}

	if err := st.AppendResolution(ctx, rec); err != nil {
		return err
	}

	switch {
	case desc == nil && choice.Strategy == conflict.StrategyPreferRemote:
		m.Status = mutation.StatusSuccess
		m.LastError = ""
	case desc == nil && choice.Strategy == conflict.StrategyPreferLocal:
		m.Resolves = m.ID
		m.ID = uuid.NewString()
		m.Status = mutation.StatusPending
		m.Timestamp = now
		m.RetryCount = 0
		m.NextAttemptAt = time.Time{}
		m.LastError = ""
		m.Remote = nil
	default:
		m.Resolves = m.ID
		m.ID = uuid.NewString()
		m.Type = mutation.TypeUpdate
		m.Payload = mutation.PayloadFromItem(resolved)
		m.Base = m.Remote
		m.Remote = nil
		m.Timestamp = now
		m.Status = mutation.StatusPending
		m.Priority = mutation.PriorityFor(mutation.TypeUpdate)
		m.RetryCount = 0
		m.NextAttemptAt = time.Time{}
		m.LastError = ""
	}
	return nil
}

func descriptorFor(local *item.Item, m *mutation.Mutation) (*conflict.Descriptor, error) {
	if m.Type == mutation.TypeDelete || local == nil || m.Remote == nil {
		return nil, nil
	}
	desc, err := conflict.Detect(local, m.Remote)
	if err != nil {
		return nil, fmt.Errorf("failed to diff conflict %s: %w", m.ID, err)
	}
	return desc, nil
}

func init() {
	rootCmd.AddCommand(resolveCmd)
}
