// Package store provides the durable queue store: an ordered collection of
// mutations that survives process restarts, plus the resolution audit log
// and delete tombstones.
//
// The store is owned exclusively by the queue manager; it performs no
// coordination of its own. Three backends share one contract: SQLite (the
// default), a JSON document file, and an in-memory store for tests and
// ephemeral runs.
//
// Every Save applies the reclamation ladder:
//  1. drop success mutations older than the retention window
//  2. drop resolution records older than the retention window
//  3. enforce the hard pending cap, dropping the oldest pending mutations
//     beyond it and reporting the overflow to the caller
//
// A mutation created inside the retention window is never dropped silently:
// step 3 losses are always surfaced through SaveResult.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adamsuskin/grocery-sub002/internal/conflict"
	"github.com/adamsuskin/grocery-sub002/internal/mutation"
)

// SchemaVersion is the current persisted layout version. Version bumps
// require a migration step applied on load before any processing begins.
const SchemaVersion = 2

// DefaultPendingCap is the hard cap on stored pending mutations.
const DefaultPendingCap = 500

// DefaultRetention is how long success mutations, resolution records and
// tombstones are kept before reclamation.
const DefaultRetention = 24 * time.Hour

// ErrQueueOverflow signals that storage pressure forced the store to drop
// pending mutations beyond the hard cap. It is a warning, not fatal: the
// save succeeded for everything that fit.
var ErrQueueOverflow = errors.New("queue overflow")

// Options tunes reclamation behavior, shared by all backends.
type Options struct {
	// PendingCap is the hard cap on pending mutations (default 500).
	PendingCap int

	// Retention is the window inside which finished work is kept
	// (default 24h).
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.PendingCap <= 0 {
		o.PendingCap = DefaultPendingCap
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	return o
}

// SaveResult reports what reclamation removed during a Save.
type SaveResult struct {
	PrunedSuccesses   int
	PrunedResolutions int
	DroppedPending    int
}

// Overflow reports whether the hard pending cap forced drops. Callers must
// surface this as a QueueOverflow warning.
func (r *SaveResult) Overflow() bool {
	return r != nil && r.DroppedPending > 0
}

// Store is the durable queue contract. Load and Save are synchronous from
// the caller's perspective: both complete before the queue manager commits
// its next state transition.
type Store interface {
	// Load returns all stored mutations in seq order, applying any
	// pending schema migration first.
	Load(ctx context.Context) ([]*mutation.Mutation, error)

	// Save replaces the stored queue with the given mutations and runs
	// the reclamation ladder. The returned result reports reclamation;
	// it is non-nil on success.
	Save(ctx context.Context, muts []*mutation.Mutation) (*SaveResult, error)

	// AppendResolution adds a resolution audit record.
	AppendResolution(ctx context.Context, rec *conflict.Record) error

	// Resolutions returns the resolution audit log, oldest first.
	Resolutions(ctx context.Context) ([]*conflict.Record, error)

	// RecordTombstone remembers that an entity was deleted, so late
	// arrivals targeting it can be rejected instead of resurrecting it.
	RecordTombstone(ctx context.Context, entityID string, at time.Time) error

	// HasTombstone reports whether a live tombstone exists for the entity.
	HasTombstone(ctx context.Context, entityID string) (bool, error)

	// Close releases backend resources.
	Close() error
}

// reclaim applies the reclamation ladder to an in-memory view of the queue.
// Shared by the memory and file backends; the SQLite backend does the same
// work in SQL.
func reclaim(muts []*mutation.Mutation, recs []*conflict.Record, opts Options, now time.Time) ([]*mutation.Mutation, []*conflict.Record, SaveResult) {
	opts = opts.withDefaults()
	cutoff := now.Add(-opts.Retention)
	var res SaveResult

	kept := muts[:0:0]
	pending := 0
	for _, m := range muts {
		if m.Status == mutation.StatusSuccess && m.Timestamp.Before(cutoff) {
			res.PrunedSuccesses++
			continue
		}
		if m.Status == mutation.StatusPending {
			pending++
		}
		kept = append(kept, m)
	}

	keptRecs := recs[:0:0]
	for _, r := range recs {
		if r.ResolvedAt.Before(cutoff) {
			res.PrunedResolutions++
			continue
		}
		keptRecs = append(keptRecs, r)
	}

	if pending > opts.PendingCap {
		// Oldest pending first; drop until the cap holds.
		idx := make([]int, 0, pending)
		for i, m := range kept {
			if m.Status == mutation.StatusPending {
				idx = append(idx, i)
			}
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return kept[idx[a]].Seq < kept[idx[b]].Seq
		})
		drop := make(map[int]bool, pending-opts.PendingCap)
		for _, i := range idx[:pending-opts.PendingCap] {
			drop[i] = true
		}
		trimmed := kept[:0:0]
		for i, m := range kept {
			if drop[i] {
				res.DroppedPending++
				continue
			}
			trimmed = append(trimmed, m)
		}
		kept = trimmed
	}

	return kept, keptRecs, res
}

// Memory is an in-memory Store for tests and ephemeral runs.
type Memory struct {
	mu         sync.Mutex
	opts       Options
	muts       []*mutation.Mutation
	recs       []*conflict.Record
	tombstones map[string]time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:       opts.withDefaults(),
		tombstones: make(map[string]time.Time),
	}
}

// Load implements Store.
func (s *Memory) Load(ctx context.Context) ([]*mutation.Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*mutation.Mutation, len(s.muts))
	for i, m := range s.muts {
		out[i] = m.Clone()
	}
	return out, nil
}

// Save implements Store.
func (s *Memory) Save(ctx context.Context, muts []*mutation.Mutation) (*SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]*mutation.Mutation, len(muts))
	for i, m := range muts {
		cp[i] = m.Clone()
	}
	kept, recs, res := reclaim(cp, s.recs, s.opts, time.Now())
	s.muts = kept
	s.recs = recs
	return &res, nil
}

// AppendResolution implements Store.
func (s *Memory) AppendResolution(ctx context.Context, rec *conflict.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

// Resolutions implements Store.
func (s *Memory) Resolutions(ctx context.Context) ([]*conflict.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conflict.Record, len(s.recs))
	copy(out, s.recs)
	return out, nil
}

// RecordTombstone implements Store.
func (s *Memory) RecordTombstone(ctx context.Context, entityID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tombstones[entityID] = at
	return nil
}

// HasTombstone implements Store.
func (s *Memory) HasTombstone(ctx context.Context, entityID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.tombstones[entityID]
	if !ok {
		return false, nil
	}
	if time.Since(at) > s.opts.Retention {
		delete(s.tombstones, entityID)
		return false, nil
	}
	return true, nil
}

// Close implements Store.
func (s *Memory) Close() error {
	return nil
}
