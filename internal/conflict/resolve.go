package conflict

import (
	"errors"
	"fmt"
	"time"

	"github.com/adamsuskin/grocery-sub002/internal/item"
)

// ErrPreconditionFailed marks programming errors in resolver usage, such as
// invoking the manual strategy without a chosen entity. These are never
// retried and propagate immediately.
var ErrPreconditionFailed = errors.New("precondition failed")

// Strategy names a resolution policy. It is stored per-resolution for
// audit, not attached to entities permanently.
type Strategy string

const (
	// StrategyLastWriteWins selects the entire entity version with the
	// later timestamp.
	StrategyLastWriteWins Strategy = "last-write-wins"
	// StrategyFieldMerge combines each differing field independently from
	// whichever side has the later timestamp.
	StrategyFieldMerge Strategy = "field-level-merge"
	// StrategyPreferGotten keeps a completion signal that either side set.
	StrategyPreferGotten Strategy = "prefer-gotten"
	// StrategyPreferLocal takes the local version wholesale.
	StrategyPreferLocal Strategy = "prefer-local"
	// StrategyPreferRemote takes the remote version wholesale.
	StrategyPreferRemote Strategy = "prefer-remote"
	// StrategyManual defers to an explicit user-supplied entity.
	StrategyManual Strategy = "manual"
)

// CriticalFields are identity and classification fields whose conflicts
// carry semantic meaning that cannot be safely merged. Any conflict
// touching one of these requires manual resolution.
var CriticalFields = []string{item.FieldName, item.FieldCategory}

// Request is raised when a conflict cannot be auto-resolved. The UI
// collaborator supplies a final entity, which is re-queued as a fresh
// update mutation so it flows through the same pipeline as any other write.
type Request struct {
	Conflict   *Descriptor `json:"conflict"`
	Candidates []Strategy  `json:"candidate_strategies"`
}

// Record is the persisted audit trail of one resolution.
type Record struct {
	ConflictID string    `json:"conflict_id"`
	EntityID   string    `json:"entity_id"`
	Strategy   Strategy  `json:"strategy"`
	ResolvedAt time.Time `json:"resolved_at"`

	// FieldWinners maps each conflicting field to "local" or "remote".
	FieldWinners map[string]string `json:"field_winners,omitempty"`
}

// AutoResolve applies the field-aware policy table, evaluated top to
// bottom, first match wins:
//
//  1. Any conflicting critical field (name, category) -> nil, manual
//     resolution required.
//  2. gotten differs and either side is true -> gotten resolves to true;
//     remaining fields merge by later timestamp.
//  3. More than one non-critical field differs -> field-level merge, each
//     field taken from whichever side has the later UpdatedAt.
//  4. Single remaining field -> last-write-wins on the whole entity.
//
// Returns the resolved entity and the strategy that produced it, or nil
// when auto-resolution is unsafe.
func AutoResolve(d *Descriptor) (*item.Item, Strategy) {
	if d == nil || len(d.Fields) == 0 {
		return nil, ""
	}

	for _, critical := range CriticalFields {
		if d.HasField(critical) {
			return nil, ""
		}
	}

	if d.HasField(item.FieldGotten) && (d.Local.Gotten || d.Remote.Gotten) {
		resolved := mergeByTimestamp(d)
		resolved.Gotten = true
		return resolved, StrategyPreferGotten
	}

	if len(d.Fields) > 1 {
		return mergeByTimestamp(d), StrategyFieldMerge
	}

	return lastWriteWins(d), StrategyLastWriteWins
}

// ResolveWith applies a named strategy directly, bypassing the decision
// table. The manual strategy requires a caller-chosen entity; invoking it
// without one is a programming error, not a runtime conflict case.
func ResolveWith(d *Descriptor, strategy Strategy, chosen *item.Item) (*item.Item, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil conflict descriptor", ErrPreconditionFailed)
	}

	switch strategy {
	case StrategyLastWriteWins:
		return lastWriteWins(d), nil
	case StrategyFieldMerge:
		return mergeByTimestamp(d), nil
	case StrategyPreferGotten:
		resolved := mergeByTimestamp(d)
		resolved.Gotten = d.Local.Gotten || d.Remote.Gotten
		return resolved, nil
	case StrategyPreferLocal:
		return d.Local.Clone(), nil
	case StrategyPreferRemote:
		return d.Remote.Clone(), nil
	case StrategyManual:
		if chosen == nil {
			return nil, fmt.Errorf("%w: manual resolution invoked without a chosen entity", ErrPreconditionFailed)
		}
		return chosen.Clone(), nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrPreconditionFailed, strategy)
	}
}

// NewRequest builds a manual-resolution request with the candidate
// strategies a user may pick from for this conflict.
func NewRequest(d *Descriptor) *Request {
	return &Request{
		Conflict:   d,
		Candidates: []Strategy{StrategyManual, StrategyPreferLocal, StrategyPreferRemote},
	}
}

// NewRecord builds the audit record for a resolution outcome.
func NewRecord(d *Descriptor, strategy Strategy, resolved *item.Item, at time.Time) *Record {
	rec := &Record{
		ConflictID: d.ID,
		EntityID:   d.Remote.ID,
		Strategy:   strategy,
		ResolvedAt: at,
	}
	if resolved == nil {
		return rec
	}
	rec.FieldWinners = make(map[string]string, len(d.Fields))
	for _, fc := range d.Fields {
		v, err := resolved.Field(fc.Field)
		if err != nil {
			continue
		}
		switch {
		case equalValue(v, fc.Local):
			rec.FieldWinners[fc.Field] = "local"
		case equalValue(v, fc.Remote):
			rec.FieldWinners[fc.Field] = "remote"
		default:
			rec.FieldWinners[fc.Field] = "chosen"
		}
	}
	return rec
}

// mergeByTimestamp combines the two versions field by field: conflicting
// fields take the value from whichever side has the later UpdatedAt, so
// both users' edits survive when they touched different fields. Remote wins
// timestamp ties, the authority being the deterministic tiebreak.
func mergeByTimestamp(d *Descriptor) *item.Item {
	winner, loser := d.Remote, d.Local
	if d.Local.UpdatedAt.After(d.Remote.UpdatedAt) {
		winner, loser = d.Local, d.Remote
	}

	merged := loser.Clone()
	for _, fc := range d.Fields {
		v, err := winner.Field(fc.Field)
		if err != nil {
			continue
		}
		_ = merged.SetField(fc.Field, v)
	}
	merged.UpdatedAt = winner.UpdatedAt
	return merged
}

// lastWriteWins takes the whole entity from whichever side is newer, with
// remote winning ties.
func lastWriteWins(d *Descriptor) *item.Item {
	if d.Local.UpdatedAt.After(d.Remote.UpdatedAt) {
		return d.Local.Clone()
	}
	return d.Remote.Clone()
}

func equalValue(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
