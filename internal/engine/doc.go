// Package engine implements the offline-first sync engine.
//
// The engine owns the connectivity mode (Offline, OnlineIdle,
// OnlineSyncing), the drain loop that replays queued operations against the
// remote authority, and the event bus through which callers observe it.
//
// Lifecycle:
//
//	e := engine.New(store, remote, monitor, opts...)
//	if err := e.Initialize(ctx); err != nil { ... }
//	defer e.Shutdown()
//
// Initialize loads the persisted queue, subscribes to network changes and
// starts a drain when the engine comes up online with work pending. A
// network restore triggers a drain; a network drop interrupts one between
// operations, leaving the remaining operations queued.
//
// Drains are mutually exclusive. Operations are replayed in queue order;
// once an operation for a record is left pending, later operations for the
// same record wait for the next drain so per-record order is preserved.
//
// A fallback ticker re-triggers drains while the queue is non-empty and
// stops itself once it drains, covering missed connectivity signals.
package engine
