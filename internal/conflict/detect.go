// Package conflict provides pure-function conflict detection and resolution
// for divergent local and remote versions of a grocery item.
//
// Detection is value-based: two versions conflict only when at least one
// mutable field holds different values. Timestamps decide direction during
// resolution, never whether a conflict exists, so identical entities at
// different timestamps are not a conflict.
//
// Both the detector and resolver hold no shared state and are safe to call
// concurrently for different entities.
package conflict

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/adamsuskin/grocery-sub002/internal/item"
)

// FieldConflict records a single field whose value differs between the
// local and remote versions.
type FieldConflict struct {
	Field  string `json:"field"`
	Local  any    `json:"local"`
	Remote any    `json:"remote"`
}

// Descriptor describes a detected divergence between a locally-held and a
// remotely-authoritative version of the same entity. It is ephemeral:
// constructed, consumed by the resolver, and discarded. Only the outcome
// persists.
type Descriptor struct {
	ID     string          `json:"id"`
	Local  *item.Item      `json:"local"`
	Remote *item.Item      `json:"remote"`
	Fields []FieldConflict `json:"field_conflicts"`
}

// HasField reports whether the named field is among the conflicts.
func (d *Descriptor) HasField(name string) bool {
	for _, fc := range d.Fields {
		if fc.Field == name {
			return true
		}
	}
	return false
}

// Detect compares every mutable field of local and remote pairwise and
// returns a descriptor listing only the differing fields, or nil when the
// versions agree on all field values (the common case of redundant sync).
func Detect(local, remote *item.Item) (*Descriptor, error) {
	if local == nil || remote == nil {
		return nil, fmt.Errorf("detect requires both local and remote versions")
	}
	if local.ID != remote.ID {
		return nil, fmt.Errorf("cannot compare different entities: %s vs %s", local.ID, remote.ID)
	}

	var fields []FieldConflict
	for _, name := range item.MutableFields() {
		lv, err := local.Field(name)
		if err != nil {
			return nil, err
		}
		rv, err := remote.Field(name)
		if err != nil {
			return nil, err
		}
		if !reflect.DeepEqual(lv, rv) {
			fields = append(fields, FieldConflict{Field: name, Local: lv, Remote: rv})
		}
	}

	if len(fields) == 0 {
		return nil, nil
	}

	return &Descriptor{
		ID:     uuid.NewString(),
		Local:  local.Clone(),
		Remote: remote.Clone(),
		Fields: fields,
	}, nil
}
