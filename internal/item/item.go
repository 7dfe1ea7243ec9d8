// Package item defines the grocery list entity that mutations target.
package item

import (
	"fmt"
	"time"
)

// Item represents a single entry on a shared grocery list.
// Fields are flat and independently updatable so that conflict resolution
// can operate at field granularity. ID is immutable after creation and
// UpdatedAt strictly increases on every successful write, local or remote.
type Item struct {
	// ===== Identity =====
	ID string `json:"id"`

	// ===== Content =====
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Gotten   bool   `json:"gotten"`
	Category string `json:"category,omitempty"`
	Notes    string `json:"notes,omitempty"`

	// ===== Ownership =====
	ListID  string `json:"list_id"`
	OwnerID string `json:"owner_id,omitempty"`

	// ===== Conflict resolution =====
	UpdatedAt time.Time `json:"updated_at"`
}

// Mutable field names, in the order the detector compares them.
const (
	FieldName     = "name"
	FieldQuantity = "quantity"
	FieldGotten   = "gotten"
	FieldCategory = "category"
	FieldNotes    = "notes"
)

// MutableFields lists every field the conflict detector compares.
// ID, ListID and OwnerID are fixed at creation and never diffed.
func MutableFields() []string {
	return []string{FieldName, FieldQuantity, FieldGotten, FieldCategory, FieldNotes}
}

// Validate checks if the item has valid field values.
func (it *Item) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("id is required")
	}
	if it.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(it.Name) > 500 {
		return fmt.Errorf("name must be 500 characters or less (got %d)", len(it.Name))
	}
	if it.Quantity < 0 {
		return fmt.Errorf("quantity must not be negative (got %d)", it.Quantity)
	}
	if it.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// Clone returns a copy of the item.
func (it *Item) Clone() *Item {
	cp := *it
	return &cp
}

// Field returns the value of a mutable field by name.
func (it *Item) Field(name string) (any, error) {
	switch name {
	case FieldName:
		return it.Name, nil
	case FieldQuantity:
		return it.Quantity, nil
	case FieldGotten:
		return it.Gotten, nil
	case FieldCategory:
		return it.Category, nil
	case FieldNotes:
		return it.Notes, nil
	default:
		return nil, fmt.Errorf("unknown mutable field %q", name)
	}
}

// SetField assigns the value of a mutable field by name.
func (it *Item) SetField(name string, value any) error {
	switch name {
	case FieldName:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %q requires a string value", name)
		}
		it.Name = s
	case FieldQuantity:
		n, ok := value.(int)
		if !ok {
			return fmt.Errorf("field %q requires an int value", name)
		}
		it.Quantity = n
	case FieldGotten:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("field %q requires a bool value", name)
		}
		it.Gotten = b
	case FieldCategory:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %q requires a string value", name)
		}
		it.Category = s
	case FieldNotes:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %q requires a string value", name)
		}
		it.Notes = s
	default:
		return fmt.Errorf("unknown mutable field %q", name)
	}
	return nil
}

// Touch sets UpdatedAt to the given time.
// Callers should pass a strictly later time than the current UpdatedAt.
func (it *Item) Touch(now time.Time) {
	it.UpdatedAt = now
}
