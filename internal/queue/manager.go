package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adamsuskin/grocery-sub002/internal/conflict"
	"github.com/adamsuskin/grocery-sub002/internal/item"
	"github.com/adamsuskin/grocery-sub002/internal/mutation"
	"github.com/adamsuskin/grocery-sub002/internal/remote"
	"github.com/adamsuskin/grocery-sub002/internal/store"
)

var (
	// ErrStopped is returned by every method once the manager shut down.
	ErrStopped = errors.New("queue manager stopped")

	// ErrNotFound is returned when no mutation carries the given ID.
	ErrNotFound = errors.New("mutation not found")

	// ErrInFlight is returned when cancelling a mutation that is mid-send.
	ErrInFlight = errors.New("mutation is in flight")

	// ErrNotConflicted is returned when resolving a mutation that is not
	// waiting on a resolution.
	ErrNotConflicted = errors.New("mutation is not conflicted")

	// ErrTombstoned rejects mutations that target an already deleted item.
	ErrTombstoned = errors.New("entity was deleted")
)

// Config tunes the queue manager.
type Config struct {
	// MaxRetries is how many times a transient failure is retried before
	// the mutation fails for good.
	MaxRetries int

	// InitialBackoff is the delay before the first retry. Each further
	// retry doubles it.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration

	// MaxParallel bounds concurrent dispatch attempts.
	MaxParallel int

	// DispatchTimeout bounds a single remote apply attempt.
	DispatchTimeout time.Duration

	// Logger receives queue activity. Defaults to stderr.
	Logger *log.Logger

	// Clock drives retry scheduling. Defaults to the wall clock.
	Clock Clock
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:      5,
		InitialBackoff:  time.Second,
		MaxBackoff:      60 * time.Second,
		MaxParallel:     10,
		DispatchTimeout: 30 * time.Second,
	}
}

func (c *Config) withDefaults() *Config {
	cfg := *c
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 10
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	if cfg.Clock == nil {
		cfg.Clock = NewClock()
	}
	return &cfg
}

// Snapshot is a point-in-time view of the queue, safe to retain.
type Snapshot struct {
	Online       bool
	Overflowed   bool
	Pending      int
	InFlight     int
	Succeeded    int
	Failed       int
	Conflicted   int
	LastSyncTime time.Time
	Mutations    []*mutation.Mutation
}

// dispatchResult carries one finished remote attempt back to the run loop.
type dispatchResult struct {
	id       string
	entityID string
	item     *item.Item
	err      error
}

// Manager is the queue actor. Create with New, then Start before use.
type Manager struct {
	config    *Config
	store     store.Store
	authority remote.Authority
	logger    *log.Logger
	clock     Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cmds    chan func()
	results chan *dispatchResult

	notifyCh    chan Snapshot
	resolveCh   chan *conflict.Request
	listenersMu sync.Mutex
	listeners   []func(Snapshot)
	resolvers   []func(*conflict.Request)

	// Everything below is owned by the run loop.
	muts       []*mutation.Mutation
	seq        int64
	online     bool
	overflowed bool
	dirty      bool
	lastSync   time.Time
	inFlight   map[string]string // entity ID -> mutation ID
}

// New creates a queue manager over the given store and authority.
func New(st store.Store, authority remote.Authority, cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:    cfg,
		store:     st,
		authority: authority,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		ctx:       ctx,
		cancel:    cancel,
		cmds:      make(chan func()),
		results:   make(chan *dispatchResult, cfg.MaxParallel),
		notifyCh:  make(chan Snapshot, 1),
		resolveCh: make(chan *conflict.Request, 16),
		online:    true,
		inFlight:  make(map[string]string),
	}
}

// OnChange registers a listener invoked with a fresh snapshot after queue
// state changes. Rapid changes coalesce: listeners see the latest state,
// not every intermediate one.
func (q *Manager) OnChange(fn func(Snapshot)) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	q.listeners = append(q.listeners, fn)
}

// OnResolutionNeeded registers a listener invoked when a conflict parks a
// mutation for manual resolution. The request carries the field diff when
// one could be computed and the candidate strategies a user may pick from.
func (q *Manager) OnResolutionNeeded(fn func(*conflict.Request)) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	q.resolvers = append(q.resolvers, fn)
}

// Start loads the persisted queue, recovers interrupted work, and begins
// processing. Mutations found in flight were cut off by a crash; their IDs
// make resend safe, so they are demoted to pending.
func (q *Manager) Start(ctx context.Context) error {
	muts, err := q.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	recovered := 0
	for _, m := range muts {
		if m.Seq > q.seq {
			q.seq = m.Seq
		}
		if m.Status == mutation.StatusInFlight {
			m.Status = mutation.StatusPending
			m.NextAttemptAt = time.Time{}
			recovered++
		}
	}
	q.muts = muts
	if recovered > 0 {
		q.logger.Printf("Recovered %d interrupted mutation(s) to pending", recovered)
		q.dirty = true
	}

	q.wg.Add(2)
	go q.run()
	go q.notifyLoop()
	return nil
}

// Stop shuts down the run loop, waits for in-flight attempts to settle or
// abort, and flushes the queue to the store.
func (q *Manager) Stop() error {
	q.cancel()
	q.wg.Wait()

	if _, err := q.store.Save(context.Background(), q.muts); err != nil {
		return fmt.Errorf("failed to flush queue on shutdown: %w", err)
	}
	return nil
}

// do runs fn inside the actor goroutine and waits for it.
func (q *Manager) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case q.cmds <- wrapped:
	case <-q.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-q.ctx.Done():
		return ErrStopped
	}
}

// Enqueue validates and accepts a mutation. A pending update to the same
// item absorbs a newer update instead of queueing twice; a delete clears
// any pending edits it makes moot. Returns the ID that will carry the
// intent.
func (q *Manager) Enqueue(ctx context.Context, m *mutation.Mutation) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}

	tombstoned, err := q.store.HasTombstone(ctx, m.TargetID)
	if err != nil {
		return "", fmt.Errorf("failed to check tombstones: %w", err)
	}
	if tombstoned {
		return "", fmt.Errorf("%w: %s", ErrTombstoned, m.TargetID)
	}

	var id string
	err = q.do(ctx, func() {
		id = q.enqueueLocked(m.Clone())
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// enqueueLocked runs inside the actor.
func (q *Manager) enqueueLocked(m *mutation.Mutation) string {
	now := q.clock.Now()

	if m.Resolves != "" {
		q.retireConflictLocked(m.Resolves, now)
	}

	switch m.Type {
	case mutation.TypeUpdate, mutation.TypeMarkGotten:
		if prev := q.pendingEditLocked(m.TargetID); prev != nil {
			prev.Payload.Merge(&m.Payload)
			prev.Timestamp = m.Timestamp
			if m.Base != nil {
				prev.Base = m.Base
			}
			q.dirty = true
			q.logger.Printf("Merged mutation into pending %s for %s", prev.ID, m.TargetID)
			return prev.ID
		}
	case mutation.TypeDelete:
		removed, addDropped := 0, false
		kept := q.muts[:0:0]
		for _, existing := range q.muts {
			if existing.TargetID == m.TargetID && existing.Status == mutation.StatusPending {
				removed++
				if existing.Type == mutation.TypeAdd {
					addDropped = true
				}
				continue
			}
			kept = append(kept, existing)
		}
		q.muts = kept
		if removed > 0 {
			q.logger.Printf("Dropped %d pending mutation(s) made moot by delete of %s", removed, m.TargetID)
		}
		if addDropped {
			// The dropped add never reached the authority, so there is
			// nothing remote to delete; sending it would only fail. The
			// add and delete cancel out locally.
			q.seq++
			m.Seq = q.seq
			m.Status = mutation.StatusSuccess
			m.Priority = mutation.PriorityFor(m.Type)
			if m.Timestamp.IsZero() {
				m.Timestamp = now
			}
			q.muts = append(q.muts, m)
			q.dirty = true
			if err := q.store.RecordTombstone(q.ctx, m.TargetID, now); err != nil {
				q.logger.Printf("Warning: failed to record tombstone for %s: %v", m.TargetID, err)
			}
			q.logger.Printf("Delete of %s settled locally, its add never left the queue", m.TargetID)
			return m.ID
		}
	}

	q.seq++
	m.Seq = q.seq
	m.Status = mutation.StatusPending
	m.Priority = mutation.PriorityFor(m.Type)
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	q.muts = append(q.muts, m)
	q.dirty = true
	q.logger.Printf("Enqueued %s %s for %s (seq=%d)", m.Type, m.ID, m.TargetID, m.Seq)
	return m.ID
}

// pendingEditLocked finds a pending update or markGotten for the entity.
func (q *Manager) pendingEditLocked(entityID string) *mutation.Mutation {
	for _, m := range q.muts {
		if m.TargetID != entityID || m.Status != mutation.StatusPending {
			continue
		}
		if m.Type == mutation.TypeUpdate || m.Type == mutation.TypeMarkGotten {
			return m
		}
	}
	return nil
}

// retireConflictLocked removes a conflicted mutation that an incoming
// resolution supersedes, recording the manual resolution.
func (q *Manager) retireConflictLocked(id string, now time.Time) {
	for i, m := range q.muts {
		if m.ID != id || m.Status != mutation.StatusConflicted {
			continue
		}
		rec := &conflict.Record{
			ConflictID: m.ID,
			EntityID:   m.TargetID,
			Strategy:   conflict.StrategyManual,
			ResolvedAt: now,
		}
		if err := q.store.AppendResolution(q.ctx, rec); err != nil {
			q.logger.Printf("Warning: failed to record resolution for %s: %v", m.ID, err)
		}
		q.muts = append(q.muts[:i], q.muts[i+1:]...)
		q.dirty = true
		q.logger.Printf("Conflict %s superseded by external resolution", id)
		return
	}
}

// Cancel removes a mutation that has not been sent. In-flight mutations
// cannot be cancelled; successes are already applied.
func (q *Manager) Cancel(ctx context.Context, id string) error {
	var result error
	err := q.do(ctx, func() {
		result = q.cancelLocked(id)
	})
	if err != nil {
		return err
	}
	return result
}

func (q *Manager) cancelLocked(id string) error {
	for i, m := range q.muts {
		if m.ID != id {
			continue
		}
		switch m.Status {
		case mutation.StatusInFlight:
			return fmt.Errorf("%w: %s", ErrInFlight, id)
		case mutation.StatusSuccess:
			return fmt.Errorf("mutation %s already succeeded", id)
		}
		q.muts = append(q.muts[:i], q.muts[i+1:]...)
		q.dirty = true
		q.logger.Printf("Cancelled %s %s for %s", m.Type, m.ID, m.TargetID)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Resolve settles a conflicted mutation with an explicit strategy. For
// manual resolution, chosen supplies the winning entity. The resolved
// entity re-enters the queue as a fresh mutation.
func (q *Manager) Resolve(ctx context.Context, id string, strategy conflict.Strategy, chosen *item.Item) error {
	var result error
	err := q.do(ctx, func() {
		result = q.resolveLocked(id, strategy, chosen)
	})
	if err != nil {
		return err
	}
	return result
}

func (q *Manager) resolveLocked(id string, strategy conflict.Strategy, chosen *item.Item) error {
	m := q.findLocked(id)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m.Status != mutation.StatusConflicted {
		return fmt.Errorf("%w: %s is %s", ErrNotConflicted, id, m.Status)
	}

	now := q.clock.Now()
	local := m.LocalItem()

	// Delete conflicts and conflicts without a base snapshot have no
	// field diff to merge; only wholesale strategies apply.
	if m.Type == mutation.TypeDelete || local == nil || m.Remote == nil {
		return q.resolveWholesaleLocked(m, strategy, chosen, now)
	}

	desc, err := conflict.Detect(local, m.Remote)
	if err != nil {
		return fmt.Errorf("failed to diff conflict %s: %w", id, err)
	}
	if desc == nil {
		// The disagreement evaporated; the remote copy already matches.
		m.Status = mutation.StatusSuccess
		m.Remote = nil
		q.dirty = true
		return nil
	}

	resolved, err := conflict.ResolveWith(desc, strategy, chosen)
	if err != nil {
		return err
	}
	rec := conflict.NewRecord(desc, strategy, resolved, now)
	if err := q.store.AppendResolution(q.ctx, rec); err != nil {
		q.logger.Printf("Warning: failed to record resolution for %s: %v", m.ID, err)
	}
	q.resubmitLocked(m, resolved, now)
	q.logger.Printf("Resolved conflict on %s with %s", m.TargetID, strategy)
	return nil
}

// resolveWholesaleLocked handles conflicts where no field merge is
// possible: keep ours, take theirs, or substitute an explicit entity.
func (q *Manager) resolveWholesaleLocked(m *mutation.Mutation, strategy conflict.Strategy, chosen *item.Item, now time.Time) error {
	record := func() {
		rec := &conflict.Record{
			ConflictID: m.ID,
			EntityID:   m.TargetID,
			Strategy:   strategy,
			ResolvedAt: now,
		}
		if err := q.store.AppendResolution(q.ctx, rec); err != nil {
			q.logger.Printf("Warning: failed to record resolution for %s: %v", m.ID, err)
		}
	}

	switch strategy {
	case conflict.StrategyPreferLocal:
		record()
		m.Resolves = m.ID
		m.ID = uuid.NewString()
		m.Status = mutation.StatusPending
		m.Timestamp = now
		m.RetryCount = 0
		m.NextAttemptAt = time.Time{}
		m.LastError = ""
		m.Remote = nil
		q.dirty = true
		q.logger.Printf("Re-asserting local %s on %s after conflict", m.Type, m.TargetID)
		return nil
	case conflict.StrategyPreferRemote:
		record()
		m.Status = mutation.StatusSuccess
		m.LastError = ""
		q.dirty = true
		q.logger.Printf("Accepted remote copy of %s, dropping local %s", m.TargetID, m.Type)
		return nil
	case conflict.StrategyManual:
		if chosen == nil {
			return conflict.ErrPreconditionFailed
		}
		record()
		q.resubmitLocked(m, chosen, now)
		return nil
	default:
		return fmt.Errorf("strategy %s needs a field diff, which this conflict has none of", strategy)
	}
}

// resubmitLocked turns a settled conflict into a fresh pending update that
// carries the resolved entity back to the authority.
func (q *Manager) resubmitLocked(m *mutation.Mutation, resolved *item.Item, now time.Time) {
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
	q.dirty = true
}

// SetOnline flips connectivity. Coming online releases any pending work
// immediately; retry backoff still applies per mutation.
func (q *Manager) SetOnline(ctx context.Context, online bool) error {
	return q.do(ctx, func() {
		if q.online == online {
			return
		}
		q.online = online
		if online {
			q.logger.Printf("Back online, resuming dispatch")
		} else {
			q.logger.Printf("Going offline, queueing locally")
		}
	})
}

// Status returns a snapshot of the queue.
func (q *Manager) Status(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := q.do(ctx, func() {
		snap = q.snapshotLocked()
	})
	return snap, err
}

func (q *Manager) findLocked(id string) *mutation.Mutation {
	for _, m := range q.muts {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (q *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		Online:       q.online,
		Overflowed:   q.overflowed,
		LastSyncTime: q.lastSync,
		Mutations:    make([]*mutation.Mutation, 0, len(q.muts)),
	}
	for _, m := range q.muts {
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
		snap.Mutations = append(snap.Mutations, m.Clone())
	}
	return snap
}

// run is the actor loop. Every state transition happens here.
func (q *Manager) run() {
	defer q.wg.Done()

	for {
		var wake <-chan time.Time
		if d, ok := q.nextWakeLocked(); ok {
			wake = q.clock.After(d)
		}

		select {
		case <-q.ctx.Done():
			return
		case fn := <-q.cmds:
			fn()
		case res := <-q.results:
			q.finishLocked(res)
		case <-wake:
		}

		q.dispatchLocked()
		q.flushLocked()
	}
}

// nextWakeLocked computes how long until the earliest backoff expires.
func (q *Manager) nextWakeLocked() (time.Duration, bool) {
	if !q.online {
		return 0, false
	}
	now := q.clock.Now()
	var soonest time.Time
	for _, m := range q.muts {
		if m.Status != mutation.StatusPending || m.NextAttemptAt.IsZero() {
			continue
		}
		if m.NextAttemptAt.After(now) && (soonest.IsZero() || m.NextAttemptAt.Before(soonest)) {
			soonest = m.NextAttemptAt
		}
	}
	if soonest.IsZero() {
		return 0, false
	}
	return soonest.Sub(now), true
}

// dispatchLocked sends every dispatchable mutation, respecting priority
// tiers, per-entity ordering, and the parallelism cap.
func (q *Manager) dispatchLocked() {
	if !q.online {
		return
	}
	now := q.clock.Now()

	for len(q.inFlight) < q.config.MaxParallel {
		m := q.nextDispatchableLocked(now)
		if m == nil {
			return
		}
		m.Status = mutation.StatusInFlight
		q.inFlight[m.TargetID] = m.ID
		q.dirty = true

		q.wg.Add(1)
		go q.send(m.Clone())
	}
}

// nextDispatchableLocked picks the best pending mutation: lowest priority
// tier first, then enqueue order, skipping entities with work in flight
// and mutations still in backoff.
func (q *Manager) nextDispatchableLocked(now time.Time) *mutation.Mutation {
	var best *mutation.Mutation
	for _, m := range q.muts {
		if m.Status != mutation.StatusPending {
			continue
		}
		if !m.NextAttemptAt.IsZero() && m.NextAttemptAt.After(now) {
			continue
		}
		if _, busy := q.inFlight[m.TargetID]; busy {
			continue
		}
		if q.earlierPendingForEntityLocked(m) {
			continue
		}
		if best == nil || m.Priority < best.Priority || (m.Priority == best.Priority && m.Seq < best.Seq) {
			best = m
		}
	}
	return best
}

// earlierPendingForEntityLocked reports whether an older pending mutation
// targets the same entity. Per-entity order is FIFO regardless of
// priority, so an item's delete never jumps ahead of its earlier add.
func (q *Manager) earlierPendingForEntityLocked(m *mutation.Mutation) bool {
	for _, other := range q.muts {
		if other.TargetID != m.TargetID || other.Seq >= m.Seq {
			continue
		}
		if other.Status == mutation.StatusPending || other.Status == mutation.StatusInFlight {
			return true
		}
	}
	return false
}

// send performs one remote attempt on a worker goroutine.
func (q *Manager) send(m *mutation.Mutation) {
	defer q.wg.Done()

	ctx, cancel := context.WithTimeout(q.ctx, q.config.DispatchTimeout)
	defer cancel()

	it, err := q.authority.Apply(ctx, m)
	select {
	case q.results <- &dispatchResult{id: m.ID, entityID: m.TargetID, item: it, err: err}:
	case <-q.ctx.Done():
	}
}

// finishLocked applies the outcome of one remote attempt.
func (q *Manager) finishLocked(res *dispatchResult) {
	delete(q.inFlight, res.entityID)

	m := q.findLocked(res.id)
	if m == nil || m.Status != mutation.StatusInFlight {
		return
	}
	q.dirty = true
	now := q.clock.Now()

	switch {
	case res.err == nil:
		m.Status = mutation.StatusSuccess
		m.LastError = ""
		q.lastSync = now
		if m.Type == mutation.TypeDelete {
			if err := q.store.RecordTombstone(q.ctx, m.TargetID, now); err != nil {
				q.logger.Printf("Warning: failed to record tombstone for %s: %v", m.TargetID, err)
			}
		}
		q.logger.Printf("Applied %s %s for %s", m.Type, m.ID, m.TargetID)

	case isConflictResult(res.err):
		ce, _ := remote.IsConflict(res.err)
		q.handleConflictLocked(m, ce, now)

	case remote.IsTransient(res.err):
		if errors.Is(res.err, remote.ErrOffline) && q.online {
			q.online = false
			q.logger.Printf("Authority unreachable, going offline")
		}
		m.RetryCount++
		if m.RetryCount > q.config.MaxRetries {
			m.Status = mutation.StatusFailed
			m.LastError = res.err.Error()
			q.logger.Printf("Gave up on %s %s after %d attempts: %v", m.Type, m.ID, m.RetryCount, res.err)
		} else {
			m.Status = mutation.StatusPending
			m.NextAttemptAt = now.Add(q.backoff(m.RetryCount))
			m.LastError = res.err.Error()
			q.logger.Printf("Retry %d/%d for %s in %s: %v", m.RetryCount, q.config.MaxRetries, m.ID, q.backoff(m.RetryCount), res.err)
		}

	default:
		m.Status = mutation.StatusFailed
		m.LastError = res.err.Error()
		q.logger.Printf("Rejected %s %s for %s: %v", m.Type, m.ID, m.TargetID, res.err)
	}
}

func isConflictResult(err error) bool {
	_, ok := remote.IsConflict(err)
	return ok
}

// handleConflictLocked runs the resolution pipeline on a 409: no real
// field difference means the authority already matches the intent;
// resolvable differences are merged automatically and resubmitted; the
// rest wait for the user.
func (q *Manager) handleConflictLocked(m *mutation.Mutation, ce *remote.ConflictError, now time.Time) {
	local := m.LocalItem()
	if m.Type == mutation.TypeDelete || local == nil {
		q.markConflictedLocked(m, ce.Remote)
		return
	}

	desc, err := conflict.Detect(local, ce.Remote)
	if err != nil {
		q.logger.Printf("Warning: failed to diff conflict on %s: %v", m.TargetID, err)
		q.markConflictedLocked(m, ce.Remote)
		return
	}
	if desc == nil {
		// Timestamps diverged but values agree: already applied in effect.
		m.Status = mutation.StatusSuccess
		m.LastError = ""
		q.lastSync = now
		q.logger.Printf("Conflict on %s had no differing fields, accepting", m.TargetID)
		return
	}

	resolved, strategy := conflict.AutoResolve(desc)
	if resolved == nil {
		q.markConflictedLocked(m, ce.Remote)
		return
	}

	rec := conflict.NewRecord(desc, strategy, resolved, now)
	if err := q.store.AppendResolution(q.ctx, rec); err != nil {
		q.logger.Printf("Warning: failed to record resolution for %s: %v", m.ID, err)
	}
	q.logger.Printf("Auto-resolved conflict on %s with %s", m.TargetID, strategy)

	// Fresh base and timestamp so the resubmission wins at the authority.
	m.Remote = ce.Remote
	q.resubmitLocked(m, resolved, now)
}

func (q *Manager) markConflictedLocked(m *mutation.Mutation, remoteCopy *item.Item) {
	m.Status = mutation.StatusConflicted
	if remoteCopy != nil {
		m.Remote = remoteCopy.Clone()
	}
	m.LastError = "conflict requires manual resolution"
	q.logger.Printf("Conflict on %s needs manual resolution (%s %s)", m.TargetID, m.Type, m.ID)

	var desc *conflict.Descriptor
	if local := m.LocalItem(); local != nil && m.Remote != nil && m.Type != mutation.TypeDelete {
		desc, _ = conflict.Detect(local, m.Remote)
	}
	select {
	case q.resolveCh <- conflict.NewRequest(desc):
	default:
		// A full channel means listeners are far behind; the conflict
		// stays visible through snapshots either way.
	}
}

// backoff returns the delay before the given retry attempt, exponential
// from InitialBackoff and capped at MaxBackoff.
func (q *Manager) backoff(retry int) time.Duration {
	d := q.config.InitialBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= q.config.MaxBackoff {
			return q.config.MaxBackoff
		}
	}
	if d > q.config.MaxBackoff {
		return q.config.MaxBackoff
	}
	return d
}

// flushLocked persists the queue after state changes and publishes a
// snapshot to listeners. Reclamation drops are mirrored back by reloading.
func (q *Manager) flushLocked() {
	if !q.dirty {
		return
	}
	q.dirty = false

	res, err := q.store.Save(q.ctx, q.muts)
	if err != nil {
		if q.ctx.Err() == nil {
			q.logger.Printf("Warning: failed to persist queue: %v", err)
		}
		return
	}
	if res.Overflow() {
		q.overflowed = true
		q.logger.Printf("Warning: queue overflow, dropped %d oldest pending mutation(s)", res.DroppedPending)
	}
	if res.Overflow() || res.PrunedSuccesses > 0 {
		muts, err := q.store.Load(q.ctx)
		if err != nil {
			q.logger.Printf("Warning: failed to reload queue after reclamation: %v", err)
			return
		}
		q.muts = muts
	}

	q.publishLocked()
}

// publishLocked hands the latest snapshot to the notify loop, replacing
// any snapshot it has not delivered yet.
func (q *Manager) publishLocked() {
	snap := q.snapshotLocked()
	for {
		select {
		case q.notifyCh <- snap:
			return
		default:
		}
		select {
		case <-q.notifyCh:
		default:
		}
	}
}

// notifyLoop delivers snapshots to listeners outside the actor goroutine
// so a slow listener never stalls dispatch.
func (q *Manager) notifyLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case snap := <-q.notifyCh:
			q.listenersMu.Lock()
			listeners := make([]func(Snapshot), len(q.listeners))
			copy(listeners, q.listeners)
			q.listenersMu.Unlock()
			for _, fn := range listeners {
				fn(snap)
			}
		case req := <-q.resolveCh:
			q.listenersMu.Lock()
			resolvers := make([]func(*conflict.Request), len(q.resolvers))
			copy(resolvers, q.resolvers)
			q.listenersMu.Unlock()
			for _, fn := range resolvers {
				fn(req)
			}
		}
	}
}
