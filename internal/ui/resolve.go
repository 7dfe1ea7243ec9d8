package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/adamsuskin/grocery-sub002/internal/conflict"
	"github.com/adamsuskin/grocery-sub002/internal/item"
	"github.com/adamsuskin/grocery-sub002/internal/mutation"
)

// Choice is what the resolve form produced.
type Choice struct {
	Strategy conflict.Strategy
	// Chosen is set when the user edited a custom winner.
	Chosen *item.Item
}

// describe renders one side of a conflict for the form.
func describe(it *item.Item) string {
	if it == nil {
		return "(missing)"
	}
	gotten := " "
	if it.Gotten {
		gotten = "x"
	}
	return fmt.Sprintf("[%s] %s x%d  %s  (edited %s)",
		gotten, it.Name, it.Quantity, it.Category, it.UpdatedAt.Format(time.Kitchen))
}

// editSeed picks the starting point for a hand edit: the local intent
// when one exists, otherwise the remote copy. A conflict persisted with
// neither side cannot be edited.
func editSeed(local, remote *item.Item) (*item.Item, error) {
	switch {
	case local != nil:
		return local.Clone(), nil
	case remote != nil:
		return remote.Clone(), nil
	default:
		return nil, fmt.Errorf("no version available to edit")
	}
}

// ResolveForm walks the user through settling one conflicted mutation.
// Returns the chosen strategy, or huh's error if the form was aborted.
func ResolveForm(m *mutation.Mutation) (*Choice, error) {
	local := m.LocalItem()
	remote := m.Remote

	var strategy string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Conflict on %q", m.TargetID)).
				Description(fmt.Sprintf("yours:   %s\ntheirs:  %s", describe(local), describe(remote))).
				Options(
					huh.NewOption("Keep mine", string(conflict.StrategyPreferLocal)),
					huh.NewOption("Take theirs", string(conflict.StrategyPreferRemote)),
					huh.NewOption("Merge field by field", string(conflict.StrategyFieldMerge)),
					huh.NewOption("Edit by hand", string(conflict.StrategyManual)),
				).
				Value(&strategy),
		),
	)
	if err := form.Run(); err != nil {
		return nil, err
	}

	choice := &Choice{Strategy: conflict.Strategy(strategy)}
	if choice.Strategy != conflict.StrategyManual {
		return choice, nil
	}

	chosen, err := editSeed(local, remote)
	if err != nil {
		return nil, fmt.Errorf("conflict on %q: %w", m.TargetID, err)
	}
	name := chosen.Name
	quantity := fmt.Sprintf("%d", chosen.Quantity)
	notes := chosen.Notes

	edit := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Name").Value(&name),
			huh.NewInput().Title("Quantity").Value(&quantity).
				Validate(func(s string) error {
					var n int
					if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n < 0 {
						return fmt.Errorf("quantity must be a non-negative number")
					}
					return nil
				}),
			huh.NewInput().Title("Notes").Value(&notes),
		),
	)
	if err := edit.Run(); err != nil {
		return nil, err
	}

	chosen.Name = name
	fmt.Sscanf(quantity, "%d", &chosen.Quantity)
	chosen.Notes = notes
	choice.Chosen = chosen
	return choice, nil
}
