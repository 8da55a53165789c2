package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/conflict"
	"github.com/roach88/shelfsync/internal/op"
	"github.com/roach88/shelfsync/internal/queue"
)

// heldConflict is a user_choice conflict and the revision its operation
// had when it was parked.
type heldConflict struct {
	conflict.Conflict
	revision int
}

// hold parks a user_choice conflict until ResolveConflict is called.
func (e *Engine) hold(c conflict.Conflict, revision int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conflicts[c.OperationID] = heldConflict{Conflict: c, revision: revision}

	slog.Info("conflict awaiting decision",
		"op_id", c.OperationID,
		"target_id", c.TargetID,
		"local_time", c.LocalTime,
		"server_time", c.ServerTime,
	)
}

// PendingConflicts returns the conflicts awaiting a decision, oldest first.
func (e *Engine) PendingConflicts() []conflict.Conflict {
	e.mu.Lock()
	out := make([]conflict.Conflict, 0, len(e.conflicts))
	for _, h := range e.conflicts {
		out = append(out, h.Conflict)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].OperationID < out[j].OperationID
	})
	return out
}

// ResolveConflict applies an external decision to a held conflict. Any
// decision that writes rewrites the operation's payload and marks it
// resolved so the next drain sends it without another conflict check.
// Keeping the server version completes the operation locally.
//
// Edits queued for the record while the conflict was held were folded into
// the operation; they are newer than both sides and are applied on top of
// the decision. When the server version is kept they remain queued as a
// resolved UPDATE. A drain is triggered when online and something is left to
// write.
func (e *Engine) ResolveConflict(ctx context.Context, opID string, d conflict.Decision) error {
	e.mu.Lock()
	h, ok := e.conflicts[opID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoConflict, opID)
	}
	c := h.Conflict

	res := e.resolver.Decide(c, d)
	later := book.Payload{}
	updated, err := e.queue.Update(ctx, opID, func(o *op.Operation) {
		if o.Revision != h.revision {
			later = o.Data.Changed(c.Local)
		}
		if res.Write {
			o.Data = book.MergePayload(res.Payload, later)
		} else {
			o.Data = later.Clone()
		}
		o.Resolved = true
		o.RetryCount = 0
		o.NextAttemptAt = nil
		o.LastError = ""
	})
	gone := errors.Is(err, queue.ErrNotFound)
	if err != nil && !gone {
		return err
	}

	write := res.Write || len(later) > 0
	if !res.Write {
		if server, err := book.FromPayload(c.TargetID, c.Server); err == nil {
			if err := e.queue.UpsertSnapshot(ctx, server); err != nil {
				return err
			}
		}
		if !gone && len(later) == 0 {
			// An edit folded in after the Update above keeps the operation.
			if _, err := e.queue.Ack(ctx, opID, updated.Revision); err != nil && !errors.Is(err, queue.ErrNotFound) {
				return err
			}
		}
	}

	e.mu.Lock()
	delete(e.conflicts, opID)
	e.mu.Unlock()

	slog.Info("conflict decided",
		"op_id", opID,
		"target_id", c.TargetID,
		"decision", d.Kind,
		"write", res.Write,
		"later_fields", len(later),
	)
	e.bus.Publish(ConflictResolved{OperationID: opID, TargetID: c.TargetID, Strategy: res.Strategy})
	e.publishStatus()

	if write && !gone && e.network.IsOnline() && !e.syncing.Load() {
		e.trigger("conflict_resolved")
	}
	return nil
}
