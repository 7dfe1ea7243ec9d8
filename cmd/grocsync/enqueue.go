package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/adamsuskin/grocery-sub002/internal/mutation"
	"github.com/adamsuskin/grocery-sub002/internal/ui"
)

// The enqueue commands never touch the queue store directly: they drop
// mutation files into the spool, which the daemon ingests. That keeps the
// daemon the only writer of queue state.

var (
	addQuantity int
	addCategory string
	addNotes    string
	addListID   string
)

var addCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Queue adding an item to the list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := mutation.Payload{
			Name:     &args[0],
			Quantity: &addQuantity,
		}
		if addCategory != "" {
			payload.Category = &addCategory
		}
		if addNotes != "" {
			payload.Notes = &addNotes
		}
		if addListID != "" {
			payload.ListID = &addListID
		}
		m := mutation.New(mutation.TypeAdd, uuid.NewString(), payload, time.Now())
		return spoolMutation(m)
	},
}

var (
	updateName     string
	updateQuantity int
	updateCategory string
	updateNotes    string
)

var updateCmd = &cobra.Command{
	Use:   "update <item-id>",
	Short: "Queue changing fields of an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload mutation.Payload
		if cmd.Flags().Changed("name") {
			payload.Name = &updateName
		}
		if cmd.Flags().Changed("quantity") {
			payload.Quantity = &updateQuantity
		}
		if cmd.Flags().Changed("category") {
			payload.Category = &updateCategory
		}
		if cmd.Flags().Changed("notes") {
			payload.Notes = &updateNotes
		}
		if payload == (mutation.Payload{}) {
			return fmt.Errorf("nothing to update: pass at least one of --name, --quantity, --category, --notes")
		}
		m := mutation.New(mutation.TypeUpdate, args[0], payload, time.Now())
		return spoolMutation(m)
	},
}

var gottenUndo bool

var gottenCmd = &cobra.Command{
	Use:   "gotten <item-id>",
	Short: "Queue marking an item as picked up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gotten := !gottenUndo
		m := mutation.New(mutation.TypeMarkGotten, args[0], mutation.Payload{Gotten: &gotten}, time.Now())
		return spoolMutation(m)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <item-id>",
	Short: "Queue removing an item from the list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m := mutation.New(mutation.TypeDelete, args[0], mutation.Payload{}, time.Now())
		return spoolMutation(m)
	},
}

// spoolMutation validates and writes the mutation into the spool dir.
func spoolMutation(m *mutation.Mutation) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path, err := mutation.WriteFile(cfg.SpoolDir(), m)
	if err != nil {
		return err
	}
	fmt.Printf("%s queued %s %s (spooled at %s)\n", ui.RenderPass("✓"), m.Type, m.ID, path)
	return nil
}

func init() {
	addCmd.Flags().IntVarP(&addQuantity, "quantity", "q", 1, "quantity to add")
	addCmd.Flags().StringVarP(&addCategory, "category", "c", "", "item category")
	addCmd.Flags().StringVarP(&addNotes, "notes", "n", "", "free-form notes")
	addCmd.Flags().StringVar(&addListID, "list", "", "list to add the item to")

	updateCmd.Flags().StringVar(&updateName, "name", "", "new name")
	updateCmd.Flags().IntVarP(&updateQuantity, "quantity", "q", 0, "new quantity")
	updateCmd.Flags().StringVarP(&updateCategory, "category", "c", "", "new category")
	updateCmd.Flags().StringVarP(&updateNotes, "notes", "n", "", "new notes")

	gottenCmd.Flags().BoolVar(&gottenUndo, "undo", false, "mark the item as not gotten")

	rootCmd.AddCommand(addCmd, updateCmd, gottenCmd, deleteCmd)
}
