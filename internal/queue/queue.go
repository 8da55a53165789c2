// Package queue is the durable operation store: the ordered list of pending
// mutations plus the offline snapshot of the last-known record set.
//
// Every mutation of the in-memory queue runs as a critical section that ends
// with a persist to the key-value store. If the persist fails the in-memory
// queue is restored to its previous contents, so memory never runs ahead of
// what a restarted process would load.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/shelfsync/internal/dedup"
	"github.com/roach88/shelfsync/internal/kv"
	"github.com/roach88/shelfsync/internal/op"
)

// Storage keys.
const (
	QueueKey    = "offline_queue"
	SnapshotKey = "offline_books"
)

var (
	// ErrDuplicate is returned by Enqueue when the operation duplicates a
	// pending CREATE. The error message names the pending operation.
	ErrDuplicate = errors.New("duplicate operation")

	// ErrNotFound is returned when an operation id is not in the queue.
	ErrNotFound = errors.New("operation not found")
)

// Store holds the pending operations and the offline snapshot.
//
// Thread-safety: all methods are safe for concurrent use.
type Store struct {
	kv  kv.Store
	now func() time.Time

	mu  sync.Mutex
	ops []op.Operation
}

// Option configures a Store.
type Option func(*Store)

// WithNow sets the time source used for snapshot timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a Store over kv. Call Load before use to restore the
// persisted queue.
func New(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:  store,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load restores the persisted queue and runs one dedup maintenance pass.
// Invalid entries are dropped and logged. The repaired queue is written back
// when anything changed.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.kv.Get(ctx, QueueKey)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if !ok {
		s.ops = nil
		return nil
	}

	ops, invalid, err := op.Decode([]byte(raw))
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	for _, e := range invalid {
		slog.Warn("dropping invalid queue entry", "error", e)
	}

	repaired, aliases := dedup.Dedupe(ops)
	if removed := len(ops) - len(repaired); removed > 0 {
		slog.Info("collapsed duplicate queue entries", "removed", removed, "aliased_records", len(aliases))
	}
	if len(invalid) > 0 || len(repaired) != len(ops) || len(aliases) > 0 {
		if err := s.persist(ctx, repaired); err != nil {
			return err
		}
	}
	s.ops = repaired

	if len(aliases) > 0 {
		if err := s.aliasSnapshot(ctx, aliases); err != nil {
			return err
		}
	}

	slog.Debug("queue loaded", "operations", len(repaired))
	return nil
}

// Enqueue admits o into the queue and persists it. It returns the id of the
// operation that now carries o's intent, which differs from o.ID when o was
// merged into a pending operation. A duplicate CREATE yields ErrDuplicate
// together with the id of the pending CREATE.
func (s *Store) Enqueue(ctx context.Context, o op.Operation) (string, dedup.Outcome, error) {
	if err := o.Validate(); err != nil {
		return "", dedup.Appended, err
	}

	var (
		id      string
		outcome dedup.Outcome
	)
	err := s.mutate(ctx, func(ops []op.Operation) ([]op.Operation, error) {
		next, oc, rid := dedup.Admit(ops, o)
		id, outcome = rid, oc
		if oc == dedup.Rejected {
			return nil, fmt.Errorf("%w: %s already pending as %s", ErrDuplicate, o.Type, rid)
		}
		return next, nil
	})
	if err != nil {
		return id, outcome, err
	}

	slog.Debug("operation queued",
		"op_id", o.ID,
		"op_type", o.Type,
		"target_id", o.Target(),
		"outcome", outcome,
	)
	return id, outcome, nil
}

// All returns a copy of the queue in insertion order.
func (s *Store) All() []op.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]op.Operation, len(s.ops))
	for i, o := range s.ops {
		out[i] = o.Clone()
	}
	return out
}

// Get returns the operation with the given id.
func (s *Store) Get(id string) (op.Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := index(s.ops, id); i >= 0 {
		return s.ops[i].Clone(), true
	}
	return op.Operation{}, false
}

// Len returns the number of pending operations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

// CountByType tallies pending operations per type.
func (s *Store) CountByType() map[op.Type]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return op.CountByType(s.ops)
}

// HasPendingCreate reports whether a CREATE for tempID is still queued.
func (s *Store) HasPendingCreate(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.ops {
		if o.Type == op.Create && o.TempID == tempID {
			return true
		}
	}
	return false
}

// RemoveByID deletes the operation with the given id. Removing an absent id
// is not an error; removed reports whether anything was deleted.
func (s *Store) RemoveByID(ctx context.Context, id string) (removed bool, err error) {
	err = s.mutate(ctx, func(ops []op.Operation) ([]op.Operation, error) {
		i := index(ops, id)
		if i < 0 {
			return ops, nil
		}
		removed = true
		return append(ops[:i], ops[i+1:]...), nil
	})
	return removed, err
}

// Update applies fn to the operation with the given id and persists the
// result. fn must not change the operation id.
func (s *Store) Update(ctx context.Context, id string, fn func(*op.Operation)) (op.Operation, error) {
	var updated op.Operation
	err := s.mutate(ctx, func(ops []op.Operation) ([]op.Operation, error) {
		i := index(ops, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		fn(&ops[i])
		ops[i].ID = id
		updated = ops[i].Clone()
		return ops, nil
	})
	return updated, err
}

// Fail records a failed attempt: the retry count is incremented and the
// operation is deferred until next (nil means "eligible immediately").
func (s *Store) Fail(ctx context.Context, id string, cause error, next *time.Time) (op.Operation, error) {
	return s.Update(ctx, id, func(o *op.Operation) {
		o.RetryCount++
		if cause != nil {
			o.LastError = cause.Error()
		}
		o.NextAttemptAt = next
	})
}

// Ack confirms that the remote accepted the operation as it was at
// revision. An unchanged operation is removed. If newer data was folded in
// while the call was in flight, the operation is kept so the new data is
// sent too: a CREATE becomes an UPDATE of its confirmed record and the
// retry state is reset. removed reports which case applied.
func (s *Store) Ack(ctx context.Context, id string, revision int) (removed bool, err error) {
	err = s.mutate(ctx, func(ops []op.Operation) ([]op.Operation, error) {
		i := index(ops, id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if ops[i].Revision == revision {
			removed = true
			return append(ops[:i], ops[i+1:]...), nil
		}
		o := &ops[i]
		if o.Type == op.Create && o.TargetID != "" {
			o.Type = op.Update
			o.TempID = ""
		}
		o.RetryCount = 0
		o.NextAttemptAt = nil
		o.LastError = ""
		return ops, nil
	})
	return removed, err
}

// RewriteTarget replaces every reference to the temporary id from with the
// confirmed id to. It returns the number of operations changed.
func (s *Store) RewriteTarget(ctx context.Context, from, to string) (int, error) {
	changed := 0
	err := s.mutate(ctx, func(ops []op.Operation) ([]op.Operation, error) {
		for i := range ops {
			if ops[i].RewriteTarget(from, to) {
				changed++
			}
		}
		return ops, nil
	})
	return changed, err
}

// Clear removes every pending operation.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Remove(ctx, QueueKey); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	s.ops = nil
	return nil
}

// ClearAll removes the queue and the offline snapshot together.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.RemoveMany(ctx, []string{QueueKey, SnapshotKey}); err != nil {
		return fmt.Errorf("clear offline data: %w", err)
	}
	s.ops = nil
	return nil
}

// mutate runs fn on a private copy of the queue and persists the result.
// On any error, including a failed persist, the queue is left unchanged.
func (s *Store) mutate(ctx context.Context, fn func([]op.Operation) ([]op.Operation, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := make([]op.Operation, len(s.ops))
	for i, o := range s.ops {
		working[i] = o.Clone()
	}

	next, err := fn(working)
	if err != nil {
		return err
	}
	if err := s.persist(ctx, next); err != nil {
		return err
	}
	s.ops = next
	return nil
}

func (s *Store) persist(ctx context.Context, ops []op.Operation) error {
	data, err := op.Encode(ops)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, QueueKey, string(data)); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func index(ops []op.Operation, id string) int {
	for i, o := range ops {
		if o.ID == id {
			return i
		}
	}
	return -1
}
