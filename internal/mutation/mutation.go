// Package mutation defines the queued mutation model: a typed description
// of a single user intent plus the queue metadata that tracks its journey
// from pending to a terminal state.
package mutation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/adamsuskin/grocery-sub002/internal/item"
)

// ErrInvalid is the class of all validation failures. Mutations that fail
// validation are rejected at enqueue time and never persisted.
var ErrInvalid = errors.New("invalid mutation")

// Type identifies the kind of user intent a mutation carries.
type Type string

const (
	// TypeAdd creates a new item.
	TypeAdd Type = "add"
	// TypeUpdate changes one or more fields of an existing item.
	TypeUpdate Type = "update"
	// TypeDelete removes an item.
	TypeDelete Type = "delete"
	// TypeMarkGotten flips the gotten flag of an existing item.
	TypeMarkGotten Type = "markGotten"
)

// KnownType reports whether t is one of the defined mutation types.
func KnownType(t Type) bool {
	switch t {
	case TypeAdd, TypeUpdate, TypeDelete, TypeMarkGotten:
		return true
	}
	return false
}

// Status tracks a mutation through the queue state machine.
//
// Transitions only move forward, with two exceptions: failed -> pending on
// retry, and conflicted -> pending once a resolution has been supplied.
type Status string

const (
	// StatusPending means the mutation is waiting for dispatch.
	StatusPending Status = "pending"
	// StatusInFlight means a remote apply attempt is in progress.
	StatusInFlight Status = "inFlight"
	// StatusSuccess means the remote authority accepted the mutation.
	StatusSuccess Status = "success"
	// StatusFailed means all retry attempts were exhausted.
	StatusFailed Status = "failed"
	// StatusConflicted means the mutation collided with newer remote state
	// and is waiting for manual resolution.
	StatusConflicted Status = "conflicted"
)

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInFlight
	case StatusInFlight:
		return to == StatusPending || to == StatusSuccess || to == StatusFailed || to == StatusConflicted
	case StatusFailed:
		return to == StatusPending
	case StatusConflicted:
		return to == StatusPending
	}
	return false
}

// Priority tiers. Lower value dispatches first, so destructive intents are
// never stranded behind bulk additions.
const (
	PriorityDelete = 0
	PriorityUpdate = 1
	PriorityAdd    = 2
)

// PriorityFor returns the dispatch tier for a mutation type.
func PriorityFor(t Type) int {
	switch t {
	case TypeDelete:
		return PriorityDelete
	case TypeUpdate, TypeMarkGotten:
		return PriorityUpdate
	default:
		return PriorityAdd
	}
}

// Payload carries the field changes a mutation wants to make. Nil pointers
// mean "leave this field alone", which lets an update touch a single field
// without clobbering concurrent edits to the others.
type Payload struct {
	Name     *string `json:"name,omitempty"`
	Quantity *int    `json:"quantity,omitempty"`
	Gotten   *bool   `json:"gotten,omitempty"`
	Category *string `json:"category,omitempty"`
	Notes    *string `json:"notes,omitempty"`
	ListID   *string `json:"list_id,omitempty"`
	OwnerID  *string `json:"owner_id,omitempty"`
}

// ApplyTo writes the payload's set fields onto the item.
func (p *Payload) ApplyTo(it *item.Item) {
	if p.Name != nil {
		it.Name = *p.Name
	}
	if p.Quantity != nil {
		it.Quantity = *p.Quantity
	}
	if p.Gotten != nil {
		it.Gotten = *p.Gotten
	}
	if p.Category != nil {
		it.Category = *p.Category
	}
	if p.Notes != nil {
		it.Notes = *p.Notes
	}
	if p.ListID != nil {
		it.ListID = *p.ListID
	}
	if p.OwnerID != nil {
		it.OwnerID = *p.OwnerID
	}
}

// Merge overlays other's set fields onto this payload. Used when a later
// local write supersedes an earlier queued write to the same item.
func (p *Payload) Merge(other *Payload) {
	if other.Name != nil {
		p.Name = other.Name
	}
	if other.Quantity != nil {
		p.Quantity = other.Quantity
	}
	if other.Gotten != nil {
		p.Gotten = other.Gotten
	}
	if other.Category != nil {
		p.Category = other.Category
	}
	if other.Notes != nil {
		p.Notes = other.Notes
	}
	if other.ListID != nil {
		p.ListID = other.ListID
	}
	if other.OwnerID != nil {
		p.OwnerID = other.OwnerID
	}
}

// PayloadFromItem builds a payload that sets every field to the item's
// current values. Used to resubmit a resolved entity through the queue.
func PayloadFromItem(it *item.Item) Payload {
	name, qty, gotten := it.Name, it.Quantity, it.Gotten
	cat, notes := it.Category, it.Notes
	listID, ownerID := it.ListID, it.OwnerID
	return Payload{
		Name:     &name,
		Quantity: &qty,
		Gotten:   &gotten,
		Category: &cat,
		Notes:    &notes,
		ListID:   &listID,
		OwnerID:  &ownerID,
	}
}

// Mutation is a single queued user intent.
//
// ID is assigned at creation and never reused; the remote authority
// deduplicates by it, so a retried-but-already-applied mutation is a no-op.
type Mutation struct {
	ID       string  `json:"id"`
	Type     Type    `json:"type"`
	Payload  Payload `json:"payload"`
	TargetID string  `json:"target_id"`

	// Timestamp is when the intent was created locally.
	Timestamp time.Time `json:"timestamp"`

	// Seq is the local enqueue sequence number; it gives a stable FIFO
	// order within a priority tier even when timestamps collide.
	Seq int64 `json:"seq,omitempty"`

	RetryCount int    `json:"retry_count"`
	Status     Status `json:"status"`
	Priority   int    `json:"priority"`

	// NextAttemptAt gates retry dispatch; zero means dispatch immediately.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	// LastError records the most recent failure, for diagnostics.
	LastError string `json:"last_error,omitempty"`

	// Base is the local snapshot of the target item at enqueue time.
	// The conflict detector compares Base+Payload against the remote item.
	Base *item.Item `json:"base,omitempty"`

	// Remote is set when the mutation enters conflicted state: the
	// authoritative entity it collided with, kept so resolution can be
	// driven without the remote connection.
	Remote *item.Item `json:"remote,omitempty"`

	// Resolves names the conflicted mutation this one settles, if any.
	Resolves string `json:"resolves,omitempty"`
}

// New creates a pending mutation with a fresh ID and the priority tier for
// its type.
func New(t Type, targetID string, payload Payload, now time.Time) *Mutation {
	return &Mutation{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		TargetID:  targetID,
		Timestamp: now,
		Status:    StatusPending,
		Priority:  PriorityFor(t),
	}
}

// Validate checks the mutation against the type-specific payload rules.
// All failures wrap ErrInvalid.
func (m *Mutation) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if !KnownType(m.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, m.Type)
	}
	switch m.Type {
	case TypeAdd:
		if m.Payload.Name == nil || *m.Payload.Name == "" {
			return fmt.Errorf("%w: add requires a name", ErrInvalid)
		}
		if m.Payload.Quantity == nil {
			return fmt.Errorf("%w: add requires a numeric quantity", ErrInvalid)
		}
		if *m.Payload.Quantity < 0 {
			return fmt.Errorf("%w: quantity must not be negative", ErrInvalid)
		}
		if m.TargetID == "" {
			return fmt.Errorf("%w: add requires a target entity id for the new item", ErrInvalid)
		}
	case TypeUpdate, TypeDelete, TypeMarkGotten:
		if m.TargetID == "" {
			return fmt.Errorf("%w: %s requires a target entity id", ErrInvalid, m.Type)
		}
	}
	return nil
}

// Terminal reports whether the mutation has reached a state the queue will
// not advance on its own. Conflicted counts: it leaves the retry rotation
// until resolved externally.
func (m *Mutation) Terminal() bool {
	return m.Status == StatusSuccess || m.Status == StatusFailed || m.Status == StatusConflicted
}

// LocalItem materializes the local (pre-sync) version of the target entity:
// the base snapshot with the payload applied and the mutation's timestamp.
// Returns nil when no base snapshot was captured.
func (m *Mutation) LocalItem() *item.Item {
	if m.Base == nil {
		return nil
	}
	local := m.Base.Clone()
	m.Payload.ApplyTo(local)
	local.UpdatedAt = m.Timestamp
	return local
}

// Clone returns a deep copy of the mutation.
func (m *Mutation) Clone() *Mutation {
	cp := *m
	if m.Base != nil {
		cp.Base = m.Base.Clone()
	}
	if m.Remote != nil {
		cp.Remote = m.Remote.Clone()
	}
	return &cp
}

// ReadFile reads and validates a mutation JSON file, as dropped into the
// spool directory by the UI layer.
func ReadFile(path string) (*Mutation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation file %s: %w", path, err)
	}

	var m Mutation
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse mutation file %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation file %s: %w", path, err)
	}

	return &m, nil
}

// WriteFile writes a mutation to dir as {id}.json with pretty-printed
// formatting, the format the spool watcher ingests.
func WriteFile(dir string, m *Mutation) (string, error) {
	if err := m.Validate(); err != nil {
		return "", fmt.Errorf("cannot write invalid mutation: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create spool directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal mutation %s: %w", m.ID, err)
	}

	path := fmt.Sprintf("%s/%s.json", dir, m.ID)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write mutation file %s: %w", path, err)
	}

	return path, nil
}
