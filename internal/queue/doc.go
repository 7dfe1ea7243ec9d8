// Package queue implements the offline mutation queue for the grocsync
// daemon: durable ordering, dispatch against the remote authority, retry
// with exponential backoff, and the conflict resolution pipeline.
//
// # Architecture
//
// All queue state is owned by a single goroutine (the run loop). Public
// methods submit closures to that goroutine and wait for them, so callers
// never observe a half-applied transition. Dispatch attempts run on worker
// goroutines and report back through a results channel; only the run loop
// touches the queue.
//
// The manager persists through a store.Store after every state change, so
// a crash at any point loses at most the attempt that was in flight. On
// restart, persisted inFlight mutations are demoted back to pending; the
// authority dedupes by mutation ID, so the resend is safe.
//
// # Usage
//
//	st := store.NewMemory(store.Options{})
//	mgr := queue.New(st, authority, queue.Config{
//	    Logger: log.New(os.Stderr, "[queue] ", log.LstdFlags),
//	})
//	mgr.OnChange(func(snap queue.Snapshot) {
//	    log.Printf("pending=%d conflicted=%d", snap.Pending, snap.Conflicted)
//	})
//	if err := mgr.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Stop()
//
//	m := mutation.New(mutation.TypeAdd, itemID, payload, time.Now())
//	id, err := mgr.Enqueue(ctx, m)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Printf("queued %s", id)
//
// # Dispatch Order
//
// Deletes dispatch before edits, edits before adds. Within one entity the
// queue is strictly FIFO regardless of priority, and at most one mutation
// per entity is in flight at a time, so the authority always sees a
// device's writes to an item in the order they were made. Across entities
// up to Config.MaxParallel attempts run concurrently.
//
// # Retry and Backoff
//
// Transient failures reschedule the same mutation (same ID) with doubling
// delays from Config.InitialBackoff up to Config.MaxBackoff. An offline
// signal pauses dispatch entirely until connectivity returns. Permanent
// rejections and exhausted retries mark the mutation failed.
//
// The scheduler reads time through the Clock interface; tests substitute
// a VirtualClock and step it explicitly instead of sleeping.
//
// # Conflicts
//
// A conflict response carries the authority's copy of the entity. The
// manager diffs it against the local intent and consults the resolver's
// policy table; auto-resolvable conflicts are settled and resubmitted as a
// fresh mutation that records what it resolves, while conflicts touching
// critical fields park the mutation in the conflicted state until Resolve
// is called with a strategy (and, for manual, a chosen entity).
//
// # Shutdown
//
// Stop cancels the run loop, waits for workers, and writes a final
// checkpoint. In-flight attempts that miss the shutdown window are simply
// demoted on the next start.
package queue
