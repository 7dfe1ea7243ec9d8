package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/adamsuskin/grocery-sub002/internal/conflict"
	"github.com/adamsuskin/grocery-sub002/internal/item"
	"github.com/adamsuskin/grocery-sub002/internal/mutation"
	"github.com/adamsuskin/grocery-sub002/internal/remote"
	"github.com/adamsuskin/grocery-sub002/internal/store"
)

// fakeAuthority scripts remote outcomes per attempt number (1-based).
type fakeAuthority struct {
	mu    sync.Mutex
	calls []*mutation.Mutation
	apply func(attempt int, m *mutation.Mutation) (*item.Item, error)
}

func (f *fakeAuthority) Apply(ctx context.Context, m *mutation.Mutation) (*item.Item, error) {
	f.mu.Lock()
	f.calls = append(f.calls, m.Clone())
	attempt := len(f.calls)
	fn := f.apply
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(attempt, m)
}

func (f *fakeAuthority) Ping(ctx context.Context) error { return nil }

func (f *fakeAuthority) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAuthority) call(i int) *mutation.Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func newTestManager(t *testing.T, auth remote.Authority, clk Clock, cfg *Config) (*Manager, store.Store) {
	t.Helper()
	st := store.NewMemory(store.Options{})
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Clock = clk
	cfg.Logger = log.New(io.Discard, "", 0)

	q := New(st, auth, cfg)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { q.Stop() })
	return q, st
}

func waitFor(t *testing.T, q *Manager, desc string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := q.Status(context.Background())
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if cond(snap) {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
	return Snapshot{}
}

func findMutation(snap Snapshot, id string) *mutation.Mutation {
	for _, m := range snap.Mutations {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func addMutation(name string, qty int, targetID string, at time.Time) *mutation.Mutation {
	return mutation.New(mutation.TypeAdd, targetID, mutation.Payload{Name: &name, Quantity: &qty}, at)
}

func transientErr() error {
	return &remote.TransientError{Op: "apply", Err: fmt.Errorf("authority returned 503")}
}

func TestApplySuccess(t *testing.T) {
	auth := &fakeAuthority{}
	clk := NewVirtualClock(time.Now())
	q, _ := newTestManager(t, auth, clk, nil)

	m := addMutation("milk", 1, "item-1", clk.Now())
	id, err := q.Enqueue(context.Background(), m)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id != m.ID {
		t.Errorf("Enqueue() id = %s, want the mutation's own ID %s", id, m.ID)
	}

	snap := waitFor(t, q, "mutation success", func(s Snapshot) bool { return s.Succeeded == 1 })
	got := findMutation(snap, id)
	if got == nil || got.Status != mutation.StatusSuccess {
		t.Fatalf("mutation after apply = %+v, want success", got)
	}
	if auth.callCount() != 1 {
		t.Errorf("authority called %d times, want 1", auth.callCount())
	}
	if snap.LastSyncTime.IsZero() {
		t.Error("LastSyncTime not set after a successful apply")
	}
}

func TestRetryKeepsStableID(t *testing.T) {
	auth := &fakeAuthority{}
	auth.apply = func(attempt int, m *mutation.Mutation) (*item.Item, error) {
		if attempt <= 2 {
			return nil, transientErr()
		}
		return nil, nil
	}
	clk := NewVirtualClock(time.Now())
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Second
	q, _ := newTestManager(t, auth, clk, cfg)

	id, err := q.Enqueue(context.Background(), addMutation("milk", 1, "item-1", clk.Now()))
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitFor(t, q, "first retry scheduled", func(s Snapshot) bool {
		m := findMutation(s, id)
		return m != nil && m.Status == mutation.StatusPending && m.RetryCount == 1
	})
	if auth.callCount() != 1 {
		t.Fatalf("authority called %d times before backoff elapsed, want 1", auth.callCount())
	}

	clk.Advance(time.Second)
	waitFor(t, q, "second retry scheduled", func(s Snapshot) bool {
		m := findMutation(s, id)
		return m != nil && m.RetryCount == 2
	})

	clk.Advance(2 * time.Second)
	waitFor(t, q, "mutation success", func(s Snapshot) bool { return s.Succeeded == 1 })

	if auth.callCount() != 3 {
		t.Fatalf("authority called %d times, want 3", auth.callCount())
	}
	for i := 0; i < 3; i++ {
		if auth.call(i).ID != id {
			t.Errorf("attempt %d carried ID %s, want stable ID %s", i+1, auth.call(i).ID, id)
		}
	}
}

func TestBackoffCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = 60 * time.Second
	q := New(store.NewMemory(store.Options{}), &fakeAuthority{}, cfg)

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := q.backoff(tt.retry); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}
}

func TestPermanentRejectionFailsImmediately(t *testing.T) {
	auth := &fakeAuthority{}
	auth.apply = func(attempt int, m *mutation.Mutation) (*item.Item, error) {
		return nil, &remote.PermanentError{Op: "apply", Reason: "quantity out of range"}
	}
	clk := NewVirtualClock(time.Now())
	q, _ := newTestManager(t, auth, clk, nil)

	id, _ := q.Enqueue(context.Background(), addMutation("milk", 1, "item-1", clk.Now()))

	snap := waitFor(t, q, "mutation failed", func(s Snapshot) bool { return s.Failed == 1 })
	m := findMutation(snap, id)
	if m.LastError == "" {
		t.Error("failed mutation has no LastError")
	}
	if m.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 for a permanent rejection", m.RetryCount)
	}

	clk.Advance(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	if auth.callCount() != 1 {
		t.Errorf("authority called %d times, want 1 (no retries)", auth.callCount())
	}
}

func TestRetriesExhausted(t *testing.T) {
	auth := &fakeAuthority{}
	auth.apply = func(attempt int, m *mutation.Mutation) (*item.Item, error) {
		return nil, transientErr()
	}
	clk := NewVirtualClock(time.Now())
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.InitialBackoff = time.Second
	q, _ := newTestManager(t, auth, clk, cfg)

	id, _ := q.Enqueue(context.Background(), addMutation("milk", 1, "item-1", clk.Now()))

	waitFor(t, q, "retry 1", func(s Snapshot) bool {
		m := findMutation(s, id)
		return m != nil && m.RetryCount == 1
	})
	clk.Advance(time.Second)
	waitFor(t, q, "retry 2", func(s Snapshot) bool {
		m := findMutation(s, id)
		return m != nil && m.RetryCount == 2
	})
	clk.Advance(2 * time.Second)

	snap := waitFor(t, q, "mutation failed", func(s Snapshot) bool { return s.Failed == 1 })
	if auth.callCount() != 3 {
		t.Errorf("authority called %d times, want 3 (initial + 2 retries)", auth.callCount())
	}
	if m := findMutation(snap, id); m.LastError == "" {
		t.Error("exhausted mutation has no LastError")
	}
}

func TestOfflineQueuesLocally(t *testing.T) {
	auth := &fakeAuthority{}
	clk := NewVirtualClock(time.Now())
	q, _ := newTestManager(t, auth, clk, nil)

	if err := q.SetOnline(context.Background(), false); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}

	q.Enqueue(context.Background(), addMutation("milk", 1, "item-1", clk.Now()))
	q.Enqueue(context.Background(), addMutation("eggs", 12, "item-2", clk.Now()))

	time.Sleep(20 * time.Millisecond)
	snap, _ := q.Status(context.Background())
	if snap.Pending != 2 || auth.callCount() != 0 {
		t.Fatalf("offline queue: pending=%d calls=%d, want 2 pending and 0 calls", snap.Pending, auth.callCount())
	}

	q.SetOnline(context.Background(), true)
	waitFor(t, q, "both applied", func(s Snapshot) bool { return s.Succeeded == 2 })
}

func TestTimeoutRetriesWithoutGoingOffline(t *testing.T) {
	auth := &fakeAuthority{}
	auth.apply = func(attempt int, m *mutation.Mutation) (*item.Item, error) {
		if attempt == 1 {
			return nil, &remote.TransientError{Op: "apply", Err: context.DeadlineExceeded}
		}
		return nil, nil
	}
	clk := NewVirtualClock(time.Now())
	q, _ := newTestManager(t, auth, clk, nil)

	id, _ := q.Enqueue(context.Background(), addMutation("milk", 1, "item-1", clk.Now()))

	// The expired attempt reschedules; the queue never reads it as lost
	// connectivity.
	snap := waitFor(t, q, "retry scheduled after timeout", func(s Snapshot) bool {
		m := findMutation(s, id)
		return m != nil && m.RetryCount == 1 && m.Status == mutation.StatusPending
	})
	if !snap.Online {
		t.Fatal("a timed-out attempt flipped the manager offline")
	}

	clk.Advance(time.Second)
	waitFor(t, q, "retry succeeded", func(s Snapshot) bool { return s.Succeeded == 1 })
	if auth.callCount() != 2 {
		t.Errorf("authority called %d times, want 2", auth.callCount())
	}
}

func TestUnreachableAuthorityGoesOffline(t *testing.T) {
	auth := &fakeAuthority{}
	auth.apply = func(attempt int, m *mutation.Mutation) (*item.Item, error) {
		if attempt == 1 {
			return nil, fmt.Errorf("%w: connection refused", remote.ErrOffline)
		}
		return nil, nil
	}
	clk := NewVirtualClock(time.Now())
	q, _ := newTestManager(t, auth, clk, nil)

	id, _ := q.Enqueue(context.Background(), addMutation("milk", 1, "item-1", clk.Now()))

	waitFor(t, q, "manager offline", func(s Snapshot) bool { return !s.Online })
	snap, _ := q.Status(context.Background())
	if m := findMutation(snap, id); m == nil || m.Status != mutation.StatusPending {
		t.Fatalf("mutation = %+v, want pending while offline", findMutation(snap, id))
	}

	q.SetOnline(context.Background(), true)
	clk.Advance(2 * time.Second)
	waitFor(t, q, "applied after reconnect", func(s Snapshot) bool { return s.Succeeded == 1 })
}

func TestPriorityOrdering(t *testing.T) {
	auth := &fakeAuthority{}
	clk := NewVirtualClock(time.Now())
	cfg := DefaultConfig()
	cfg.MaxParallel = 1
	q, _ := newTestManager(t, auth, clk, cfg)

	q.SetOnline(context.Background(), false)
	q.Enqueue(context.Background(), addMutation("milk", 1, "item-a", clk.Now()))
	qty := 2
	q.Enqueue(context.Background(), mutation.New(mutation.TypeUpdate, "item-b", mutation.Payload{Quantity: &qty}, clk.Now()))
	q.Enqueue(context.Background(), mutation.New(mutation.TypeDelete, "item-c", mutation.Payload{}, clk.Now()))
	q.SetOnline(context.Background(), true)

	waitFor(t, q, "all applied", func(s Snapshot) bool { return s.Succeeded == 3 })

	wantOrder := []mutation.Type{mutation.TypeDelete, mutation.TypeUpdate, mutation.TypeAdd}
	for i, want := range wantOrder {
		if got := auth.call(i).Type; got != want {
			t.Errorf("dispatch %d = %s, want %s", i, got, want)
		}
	}
}

func TestEntityOrderBeatsPriority(t *testing.T) {
	auth := &fakeAuthority{}
	clk := NewVirtualClock(time.Now())
	q, _ := newTestManager(t, auth, clk, nil)

	q.SetOnline(context.Background(), false)
	q.Enqueue(context.Background(), addMutation("milk", 1, "item-1", clk.Now()))
	gotten := true
	q.Enqueue(context.Background(), mutation.New(mutation.TypeMarkGotten, "item-1", mutation.Payload{Gotten: &gotten}, clk.Now()))
	q.SetOnline(context.Background(), true)

	waitFor(t, q, "both applied", func(s Snapshot) bool { return s.Succeeded == 2 })

	if auth.call(0).Type != mutation.TypeAdd || auth.call(1).Type != mutation.TypeMarkGotten {
		t.Errorf("dispatch order = [%s %s], want the add before the markGotten despite its lower tier",
			auth.call(0).Type, auth.call(1).Type)
	}
}

func TestUpdateCoalescing(t *testing.T) {
	auth := &fakeAuthority{}
	clk := NewVirtualClock(time.Now())
	q, _ := newTestManager(t, auth, clk, nil)

	q.SetOnline(context.Background(), false)

	qty := 3
	first := mutation.New(mutation.TypeUpdate, "item-1", mutation.Payload{Quantity: &qty}, clk.Now())
	id1, _ := q.Enqueue(context.Background(), first)

	notes := "get the big one"
	second := mutation.New(mutation.TypeUpdate, "item-1", mutation.Payload{Notes: &notes}, clk.Now().Add(time.Second))
	id2, err := q.Enqueue(context.Background(), second)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id2 != id1 {
		t.Fatalf("second update got ID %s, want it absorbed into %s", id2, id1)
	}

	snap, _ := q.Status(context.Background())
	if snap.Pending != 1 {
		t.Fatalf("Pending = %d, want 1 after coalescing", snap.Pending)
	}
	m := findMutation(snap, id1)
	if m.Payload.Quantity == nil || *m.Payload.Quantity != 3 {
		t.Error("coalesced payload lost the quantity change")
	}
	if m.Payload.Notes == nil || *m.Payload.Notes != notes {
		t.Error("coalesced payload lost the notes change")
	}
}

func TestDeleteSupersedesPendingEdits(t *testing.T) {
	auth := &fakeAuthority{}
	clk := NewVirtualClock(time.Now())
	q, st := newTestManager(t, auth, clk, nil)

	q.SetOnline(context.Background(), false)
	qty := 5
	q.Enqueue(context.Background(), mutation.New(mutation.TypeUpdate, "item-1", mutation.Payload{Quantity: &qty}, clk.Now()))
	q.Enqueue(context.Background(), mutation.New(mutation.TypeDelete, "item-1", mutation.Payload{}, clk.Now()))

	snap, _ := q.Status(context.Background())
	if len(snap.Mutations) != 1 || snap.Mutations[0].Type != mutation.TypeDelete {
		t.Fatalf("queue after delete = %+v, want only the delete", snap.Mutations)
	}

	q.SetOnline(context.Background(), true)
	waitFor(t, q, "delete applied", func(s Snapshot) bool { return s.Succeeded == 1 })

	live, err := st.HasTombstone(context.Background(), "item-1")
	if err != nil || !live {
		t.Fatalf("HasTombstone() = %v, %v, want a tombstone after delete", live, err)
	}

	_, err = q.Enqueue(context.Background(), mutation.New(mutation.TypeUpdate, "item-1", mutation.Payload{Quantity: &qty}, clk.Now()))
	if !errors.Is(err, ErrTombstoned) {
		t.Errorf("Enqueue() after delete error = %v, want ErrTombstoned", err)
	}
}

func TestDeleteOfUnsyncedAddSettlesLocally(t *testing.T) {
	auth := &fakeAuthority{}
	clk := NewVirtualClock(time.Now())
	q, st := newTestManager(t, auth, clk, nil)

	q.SetOnline(context.Background(), false)
	q.Enqueue(context.Background(), addMutation("capers", 1, "item-9", clk.Now()))
	q.Enqueue(context.Background(), mutation.New(mutation.TypeDelete, "item-9", mutation.Payload{}, clk.Now()))

	snap, _ := q.Status(context.Background())
	if snap.Pending != 0 || snap.Succeeded != 1 {
		t.Fatalf("after delete: pending=%d succeeded=%d, want 0 pending and 1 succeeded", snap.Pending, snap.Succeeded)
	}
	if len(snap.Mutations) != 1 || snap.Mutations[0].Type != mutation.TypeDelete {
		t.Fatalf("queue after delete = %+v, want only the settled delete", snap.Mutations)
	}

	q.SetOnline(context.Background(), true)
	waitFor(t, q, "queue drained", func(s Snapshot) bool { return s.Pending == 0 && s.InFlight == 0 })
	if n := auth.callCount(); n != 0 {
		t.Errorf("authority calls = %d, want 0 for an entity it never saw", n)
	}

	live, err := st.HasTombstone(context.Background(), "item-9")
	if err != nil || !live {
		t.Fatalf("HasTombstone() = %v, %v, want a tombstone after local delete", live, err)
	}
	qty := 2
	_, err = q.Enqueue(context.Background(), mutation.New(mutation.TypeUpdate, "item-9", mutation.Payload{Quantity: &qty}, clk.Now()))
	if !errors.Is(err, ErrTombstoned) {
		t.Errorf("Enqueue() after delete error = %v, want ErrTombstoned", err)
	}
}

func TestCancelPending(t *testing.T) {
	auth := &fakeAuthority{}
	clk := NewVirtualClock(time.Now())
	q, _ := newTestManager(t, auth, clk, nil)

	q.SetOnline(context.Background(), false)
	id, _ := q.Enqueue(context.Background(), addMutation("milk", 1, "item-1", clk.Now()))

	if err := q.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	snap, _ := q.Status(context.Background())
	if len(snap.Mutations) != 0 {
		t.Errorf("queue after cancel has %d mutations, want 0", len(snap.Mutations))
	}

	if err := q.Cancel(context.Background(), "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel(unknown) error = %v, want ErrNotFound", err)
	}
}

func conflictingUpdate(clk Clock) *mutation.Mutation {
	base := &item.Item{
		ID:        "item-1",
		Name:      "milk",
		Quantity:  1,
		UpdatedAt: clk.Now().Add(-time.Minute),
	}
	qty := 3
	m := mutation.New(mutation.TypeUpdate, "item-1", mutation.Payload{Quantity: &qty}, clk.Now())
	m.Base = base
	return m
}

func TestConflictAutoResolved(t *testing.T) {
	clk := NewVirtualClock(time.Now())
	remoteCopy := &item.Item{
		ID:        "item-1",
		Name:      "milk",
		Quantity:  1,
		Notes:     "the lactose-free kind",
		UpdatedAt: clk.Now().Add(-30 * time.Second),
	}
	auth := &fakeAuthority{}
	auth.apply = func(attempt int, m *mutation.Mutation) (*item.Item, error) {
		if attempt == 1 {
			return nil, &remote.ConflictError{EntityID: "item-1", Remote: remoteCopy}
		}
		return nil, nil
	}
	q, st := newTestManager(t, auth, clk, nil)

	m := conflictingUpdate(clk)
	origID, _ := q.Enqueue(context.Background(), m)

	snap := waitFor(t, q, "conflict auto-resolved and reapplied", func(s Snapshot) bool { return s.Succeeded == 1 })

	var resolved *mutation.Mutation
	for _, mm := range snap.Mutations {
		if mm.Resolves == origID {
			resolved = mm
		}
	}
	if resolved == nil {
		t.Fatal("no mutation records resolving the original")
	}
	if resolved.ID == origID {
		t.Error("resolution resubmitted under the original ID")
	}
	if resolved.Payload.Quantity == nil || *resolved.Payload.Quantity != 3 {
		t.Error("resolved payload lost the local quantity edit")
	}

	recs, err := st.Resolutions(context.Background())
	if err != nil || len(recs) != 1 {
		t.Fatalf("Resolutions() = %v, %v, want one record", recs, err)
	}
	if recs[0].Strategy != conflict.StrategyFieldMerge {
		t.Errorf("recorded strategy = %s, want field-level-merge", recs[0].Strategy)
	}
	if auth.callCount() != 2 {
		t.Errorf("authority called %d times, want conflict then resubmission", auth.callCount())
	}
}

func TestConflictOnCriticalFieldWaitsForUser(t *testing.T) {
	clk := NewVirtualClock(time.Now())
	remoteCopy := &item.Item{
		ID:        "item-1",
		Name:      "whole milk",
		Quantity:  3,
		UpdatedAt: clk.Now().Add(-30 * time.Second),
	}
	auth := &fakeAuthority{}
	auth.apply = func(attempt int, m *mutation.Mutation) (*item.Item, error) {
		if attempt == 1 {
			return nil, &remote.ConflictError{EntityID: "item-1", Remote: remoteCopy}
		}
		return nil, nil
	}
	q, st := newTestManager(t, auth, clk, nil)

	var reqMu sync.Mutex
	var reqs []*conflict.Request
	q.OnResolutionNeeded(func(r *conflict.Request) {
		reqMu.Lock()
		reqs = append(reqs, r)
		reqMu.Unlock()
	})

	base := &item.Item{ID: "item-1", Name: "milk", Quantity: 1, UpdatedAt: clk.Now().Add(-time.Minute)}
	name := "oat milk"
	m := mutation.New(mutation.TypeUpdate, "item-1", mutation.Payload{Name: &name}, clk.Now())
	m.Base = base
	id, _ := q.Enqueue(context.Background(), m)

	snap := waitFor(t, q, "conflict awaiting resolution", func(s Snapshot) bool { return s.Conflicted == 1 })
	got := findMutation(snap, id)
	if got.Remote == nil || got.Remote.Name != "whole milk" {
		t.Fatalf("conflicted mutation is missing the remote copy: %+v", got)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		reqMu.Lock()
		n := len(reqs)
		reqMu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a resolution request")
		}
		time.Sleep(2 * time.Millisecond)
	}
	reqMu.Lock()
	req := reqs[0]
	reqMu.Unlock()
	if req.Conflict == nil || !req.Conflict.HasField(item.FieldName) {
		t.Errorf("resolution request missing the name conflict: %+v", req.Conflict)
	}
	if len(req.Candidates) == 0 {
		t.Error("resolution request carries no candidate strategies")
	}

	if err := q.Resolve(context.Background(), id, conflict.StrategyPreferRemote, nil); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	waitFor(t, q, "resolution applied", func(s Snapshot) bool { return s.Succeeded == 1 })

	// The resubmission carries the remote's winning name back.
	last := auth.call(auth.callCount() - 1)
	if last.Payload.Name == nil || *last.Payload.Name != "whole milk" {
		t.Errorf("resubmitted name = %v, want the remote copy's", last.Payload.Name)
	}

	recs, _ := st.Resolutions(context.Background())
	if len(recs) != 1 || recs[0].Strategy != conflict.StrategyPreferRemote {
		t.Fatalf("Resolutions() = %+v, want one prefer-remote record", recs)
	}
}

func TestExternalResolutionSupersedesConflict(t *testing.T) {
	clk := NewVirtualClock(time.Now())
	remoteCopy := &item.Item{
		ID:        "item-1",
		Name:      "whole milk",
		Quantity:  3,
		UpdatedAt: clk.Now().Add(-30 * time.Second),
	}
	auth := &fakeAuthority{}
	auth.apply = func(attempt int, m *mutation.Mutation) (*item.Item, error) {
		if attempt == 1 {
			return nil, &remote.ConflictError{EntityID: "item-1", Remote: remoteCopy}
		}
		return nil, nil
	}
	q, st := newTestManager(t, auth, clk, nil)

	base := &item.Item{ID: "item-1", Name: "milk", Quantity: 1, UpdatedAt: clk.Now().Add(-time.Minute)}
	name := "oat milk"
	m := mutation.New(mutation.TypeUpdate, "item-1", mutation.Payload{Name: &name}, clk.Now())
	m.Base = base
	id, _ := q.Enqueue(context.Background(), m)

	waitFor(t, q, "conflict awaiting resolution", func(s Snapshot) bool { return s.Conflicted == 1 })

	chosen := "semi-skimmed milk"
	fix := mutation.New(mutation.TypeUpdate, "item-1", mutation.Payload{Name: &chosen}, clk.Now())
	fix.Resolves = id
	fixID, err := q.Enqueue(context.Background(), fix)
	if err != nil {
		t.Fatalf("Enqueue(resolution) error = %v", err)
	}

	snap := waitFor(t, q, "resolution applied", func(s Snapshot) bool { return s.Succeeded == 1 })
	if findMutation(snap, id) != nil {
		t.Error("superseded conflict still in the queue")
	}
	if m := findMutation(snap, fixID); m == nil || m.Status != mutation.StatusSuccess {
		t.Errorf("resolution mutation = %+v, want success", m)
	}

	recs, _ := st.Resolutions(context.Background())
	if len(recs) != 1 || recs[0].Strategy != conflict.StrategyManual {
		t.Fatalf("Resolutions() = %+v, want one manual record", recs)
	}
}

func TestCrashRecoveryDemotesInFlight(t *testing.T) {
	st := store.NewMemory(store.Options{})
	m := addMutation("milk", 1, "item-1", time.Now())
	m.Seq = 7
	m.Status = mutation.StatusInFlight
	if _, err := st.Save(context.Background(), []*mutation.Mutation{m}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	clk := NewVirtualClock(time.Now())
	cfg := DefaultConfig()
	cfg.Clock = clk
	cfg.Logger = log.New(io.Discard, "", 0)
	q := New(st, &fakeAuthority{}, cfg)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer q.Stop()

	snap := waitFor(t, q, "recovered mutation applied", func(s Snapshot) bool { return s.Succeeded == 1 })
	if got := findMutation(snap, m.ID); got == nil {
		t.Fatal("recovered mutation lost")
	}
}

func TestQueueOverflowSurfaces(t *testing.T) {
	st := store.NewMemory(store.Options{PendingCap: 2})
	clk := NewVirtualClock(time.Now())
	cfg := DefaultConfig()
	cfg.Clock = clk
	cfg.Logger = log.New(io.Discard, "", 0)
	q := New(st, &fakeAuthority{}, cfg)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer q.Stop()

	q.SetOnline(context.Background(), false)
	for i := 0; i < 4; i++ {
		target := fmt.Sprintf("item-%d", i)
		if _, err := q.Enqueue(context.Background(), addMutation("milk", 1, target, clk.Now())); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	snap := waitFor(t, q, "overflow surfaced", func(s Snapshot) bool { return s.Overflowed })
	if snap.Pending > 2 {
		t.Errorf("Pending = %d after overflow, want at most the cap", snap.Pending)
	}
}
