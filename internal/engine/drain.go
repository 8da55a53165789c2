package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/conflict"
	"github.com/roach88/shelfsync/internal/op"
	"github.com/roach88/shelfsync/internal/queue"
	"github.com/roach88/shelfsync/internal/remote"
	"github.com/roach88/shelfsync/internal/syncerr"
)

// Result summarizes one drain.
type Result struct {
	// Run is the drain's sequence number.
	Run int64

	// Successful counts operations confirmed by the remote (including
	// idempotent no-ops such as deleting an already deleted record).
	Successful int
	// Failed counts operations dropped after exhausting their retries.
	Failed int
	// Conflicts counts conflicts detected, resolved or awaiting a decision.
	Conflicts int
	// Retried counts failed attempts left queued for a later drain.
	Retried int
	// Deferred counts operations left untouched: backing off, waiting for
	// a decision, queued behind another operation for the same record, or
	// owned by another user.
	Deferred int

	// Skipped is set when the drain did not run; SkipReason says why.
	Skipped    bool
	SkipReason string
	// Interrupted is set when connectivity was lost mid-drain.
	Interrupted bool
	// AuthPaused is set when the remote rejected the session mid-drain.
	AuthPaused bool

	// Remaining is the queue length after the drain.
	Remaining int
}

// storageError marks a failure of the local store during a drain. It aborts
// the drain instead of charging the operation a retry.
type storageError struct {
	err error
}

func (e *storageError) Error() string { return "local store: " + e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

func local(err error) error {
	if err == nil {
		return nil
	}
	return &storageError{err: err}
}

// SyncPendingOperations drains the queue once. It refuses to run while
// offline (ErrOffline), before Initialize (ErrNotInitialized) or while
// another drain runs (ErrSyncInProgress). Without a valid session the drain
// is skipped: the queue is untouched and a SyncSkipped event is published.
func (e *Engine) SyncPendingOperations(ctx context.Context) (Result, error) {
	if !e.isInitialized() {
		return Result{}, ErrNotInitialized
	}
	if !e.network.IsOnline() {
		return Result{Skipped: true, SkipReason: SkipOffline, Remaining: e.queue.Len()}, ErrOffline
	}
	if !e.syncing.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	return e.drain(ctx)
}

// ForceSync runs a drain on behalf of the user and classifies anything that
// kept the queue from draining: NETWORK when offline or interrupted, AUTH
// when there is no usable session, CONFLICT when decisions are pending.
func (e *Engine) ForceSync(ctx context.Context) (Result, error) {
	res, err := e.SyncPendingOperations(ctx)
	switch {
	case errors.Is(err, ErrOffline):
		return res, syncerr.Wrap(syncerr.CodeNetwork, "force_sync", err)
	case err != nil:
		return res, err
	case res.Skipped && res.SkipReason == SkipNoSession, res.AuthPaused:
		return res, syncerr.New(syncerr.CodeAuth, "force_sync", "sign in again to sync")
	case res.Skipped, res.Interrupted:
		return res, syncerr.New(syncerr.CodeNetwork, "force_sync", "connection lost, waiting for connectivity")
	}
	if n := len(e.PendingConflicts()); n > 0 {
		return res, syncerr.New(syncerr.CodeConflict, "force_sync", fmt.Sprintf("%d conflict(s) need a decision", n))
	}
	return res, nil
}

func (e *Engine) drain(ctx context.Context) (Result, error) {
	res := Result{Run: e.runs.Next()}

	session, err := e.session(ctx)
	if err != nil {
		res.Skipped = true
		res.SkipReason = SkipOffline
		res.Remaining = e.queue.Len()
		slog.Warn("sync skipped, session check failed", "run", res.Run, "error", err)
		e.bus.Publish(SyncSkipped{Reason: res.SkipReason})
		return res, nil
	}
	if session == nil {
		res.Skipped = true
		res.SkipReason = SkipNoSession
		res.Remaining = e.queue.Len()
		slog.Info("sync skipped, no session", "run", res.Run, "queued", res.Remaining)
		e.bus.Publish(SyncSkipped{Reason: SkipNoSession})
		return res, nil
	}

	e.setState(ModeOnlineSyncing, StatusSyncing)
	e.publishStatus()
	slog.Info("sync started", "run", res.Run, "queued", e.queue.Len())

	var abort error
	blocked := make(map[string]bool)
	for _, pending := range e.queue.All() {
		if ctx.Err() != nil || !e.network.IsOnline() {
			res.Interrupted = true
			break
		}

		o, ok := e.queue.Get(pending.ID)
		if !ok {
			continue
		}
		target := o.Target()
		if blocked[target] || e.waiting(o) {
			blocked[target] = true
			res.Deferred++
			continue
		}

		if o.OwnerID == "" {
			o, err = e.queue.Update(ctx, o.ID, func(x *op.Operation) { x.OwnerID = session.UserID })
			if err != nil {
				abort = local(err)
				break
			}
		} else if o.OwnerID != session.UserID {
			blocked[target] = true
			res.Deferred++
			continue
		}

		done, err := e.apply(ctx, o, &res)
		if err == nil {
			if done {
				res.Successful++
			} else {
				blocked[target] = true
				res.Deferred++
			}
			continue
		}

		var se *storageError
		switch {
		case errors.As(err, &se):
			abort = err
		case syncerr.IsAuth(err):
			res.AuthPaused = true
			slog.Warn("sync paused, session rejected", "run", res.Run, "op_id", o.ID, "error", err)
		case ctx.Err() != nil || (syncerr.IsNetwork(err) && !e.network.IsOnline()):
			res.Interrupted = true
			slog.Info("sync interrupted, connectivity lost", "run", res.Run, "op_id", o.ID, "error", err)
		default:
			blocked[target] = true
			if ferr := e.fail(ctx, o, err, &res); ferr != nil {
				abort = ferr
			}
			continue
		}
		break
	}

	res.Remaining = e.queue.Len()
	e.finish(&res, abort)
	return res, abort
}

// waiting reports whether o must sit this drain out.
func (e *Engine) waiting(o op.Operation) bool {
	if o.NextAttemptAt != nil && e.now().Before(*o.NextAttemptAt) {
		return true
	}
	e.mu.Lock()
	_, held := e.conflicts[o.ID]
	e.mu.Unlock()
	return held
}

// finish publishes the end-of-drain state.
func (e *Engine) finish(res *Result, abort error) {
	status := StatusIdle
	switch {
	case abort != nil || res.Failed > 0 || res.AuthPaused:
		status = StatusError
	case res.Remaining == 0:
		status = StatusSynced
	}
	mode := ModeOnlineIdle
	if !e.network.IsOnline() {
		mode = ModeOffline
	}
	e.setState(mode, status)

	attrs := []any{
		"run", res.Run,
		"successful", res.Successful,
		"failed", res.Failed,
		"conflicts", res.Conflicts,
		"retried", res.Retried,
		"deferred", res.Deferred,
		"remaining", res.Remaining,
		"interrupted", res.Interrupted,
	}
	if abort != nil {
		slog.Error("sync aborted", append(attrs, "error", abort)...)
	} else {
		slog.Info("sync completed", attrs...)
	}

	e.publishStatus()
	e.bus.Publish(SyncCompleted{Successful: res.Successful, Failed: res.Failed, Conflicts: res.Conflicts})

	if res.Remaining > 0 {
		e.startFallback()
	}
}

// session returns a valid session, refreshing once if needed. A nil session
// means the user must sign in.
func (e *Engine) session(ctx context.Context) (*remote.Session, error) {
	s, err := e.remote.CurrentSession(ctx)
	if err != nil && !syncerr.IsAuth(err) {
		return nil, err
	}
	if s.Valid(e.now()) {
		return s, nil
	}
	s, err = e.remote.RefreshSession(ctx)
	if err != nil && !syncerr.IsAuth(err) {
		return nil, err
	}
	if !s.Valid(e.now()) {
		return nil, nil
	}
	slog.Info("session refreshed", "user_id", s.UserID)
	return s, nil
}

// apply replays o. done is false when o was left queued without failing.
func (e *Engine) apply(ctx context.Context, o op.Operation, res *Result) (done bool, err error) {
	switch o.Type {
	case op.Create:
		return e.applyCreate(ctx, o)
	case op.Update:
		return e.applyUpdate(ctx, o, res)
	case op.Delete:
		return e.applyDelete(ctx, o)
	}
	return false, fmt.Errorf("%w: unknown type %q", op.ErrInvalid, o.Type)
}

func (e *Engine) applyCreate(ctx context.Context, o op.Operation) (bool, error) {
	tempID := o.TempID
	if tempID == "" {
		// Interrupted between rewrite and ack: the record already exists.
		tempID = o.TargetID
	}
	b, err := book.FromPayload(tempID, o.Data)
	if err != nil {
		return false, syncerr.Wrap(syncerr.CodeRemote, "create", err)
	}
	b.OwnerID = o.OwnerID

	existing, err := e.remote.SelectByKey(ctx, o.OwnerID, b.Title, b.Author)
	if err != nil {
		return false, err
	}
	var confirmed book.Book
	if len(existing) > 0 {
		confirmed = existing[0]
		slog.Info("create already applied remotely",
			"op_id", o.ID,
			"temp_id", tempID,
			"target_id", confirmed.ID,
		)
	} else {
		confirmed, err = e.remote.Insert(ctx, b)
		if err != nil {
			return false, err
		}
	}

	if _, err := e.queue.RewriteTarget(ctx, tempID, confirmed.ID); err != nil {
		return false, local(err)
	}
	removed, err := e.queue.Ack(ctx, o.ID, o.Revision)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		// Deleted locally while the insert was in flight.
		slog.Info("create cancelled in flight, deleting remote record",
			"op_id", o.ID,
			"target_id", confirmed.ID,
		)
		del := op.NewDelete(e.ids.Generate(), confirmed.ID, o.OwnerID, e.now().UTC())
		if _, _, err := e.queue.Enqueue(ctx, del); err != nil {
			return false, local(err)
		}
		return true, local(e.queue.RemoveFromSnapshot(ctx, tempID))
	case err != nil:
		return false, local(err)
	}

	record := confirmed
	if !removed {
		if cur, ok := e.queue.Get(o.ID); ok {
			if applied, err := book.Apply(confirmed, cur.Data); err == nil {
				record = applied
			}
		}
	}
	record.Offline = false
	if err := e.queue.RewriteSnapshotID(ctx, tempID, record); err != nil {
		return false, local(err)
	}

	slog.Info("record confirmed",
		"op_id", o.ID,
		"temp_id", tempID,
		"target_id", confirmed.ID,
	)
	e.bus.Publish(RecordConfirmed{TempID: tempID, Record: record})
	return true, nil
}

func (e *Engine) applyUpdate(ctx context.Context, o op.Operation, res *Result) (bool, error) {
	if o.HasTempTarget() {
		return e.unconfirmedTarget(ctx, o)
	}

	server, err := e.remote.SelectByID(ctx, o.TargetID, o.OwnerID)
	if syncerr.IsNotFound(err) {
		slog.Warn("update target gone remotely, dropping", "op_id", o.ID, "target_id", o.TargetID)
		return true, e.ack(ctx, o)
	}
	if err != nil {
		return false, err
	}

	payload, write := o.Data, true
	if !o.Resolved && conflict.Detect(o, server.UpdatedAt) {
		res.Conflicts++
		c := conflict.Conflict{
			OperationID: o.ID,
			EntityKind:  o.EntityKind,
			TargetID:    o.TargetID,
			Local:       o.Data.Clone(),
			Server:      server.Payload(),
			LocalTime:   o.CreatedAt,
			ServerTime:  server.UpdatedAt,
			DetectedAt:  e.now().UTC(),
		}
		resolution := e.resolver.Resolve(c)
		if resolution.NeedsUserChoice {
			e.hold(c, o.Revision)
			e.bus.Publish(ConflictRequiresResolution{Operation: o, Conflict: c})
			return false, nil
		}
		e.bus.Publish(ConflictResolved{OperationID: o.ID, TargetID: o.TargetID, Strategy: resolution.Strategy})
		payload, write = resolution.Payload, resolution.Write
	}

	if !write {
		server.Offline = false
		if err := e.queue.UpsertSnapshot(ctx, server); err != nil {
			return false, local(err)
		}
		return true, e.ack(ctx, o)
	}

	updated, err := e.remote.UpdateByID(ctx, o.TargetID, o.OwnerID, payload)
	if syncerr.IsNotFound(err) {
		slog.Warn("update target gone remotely, dropping", "op_id", o.ID, "target_id", o.TargetID)
		return true, e.ack(ctx, o)
	}
	if err != nil {
		return false, err
	}
	updated.Offline = false
	if err := e.queue.UpsertSnapshot(ctx, updated); err != nil {
		return false, local(err)
	}
	return true, e.ack(ctx, o)
}

func (e *Engine) applyDelete(ctx context.Context, o op.Operation) (bool, error) {
	if o.HasTempTarget() {
		return e.unconfirmedTarget(ctx, o)
	}

	err := e.remote.DeleteByID(ctx, o.TargetID, o.OwnerID)
	if err != nil && !syncerr.IsNotFound(err) {
		return false, err
	}
	if err := e.queue.RemoveFromSnapshot(ctx, o.TargetID); err != nil {
		return false, local(err)
	}
	return true, e.ack(ctx, o)
}

// unconfirmedTarget handles an UPDATE or DELETE still addressed to a
// temporary id. While the CREATE is pending the operation waits; without
// one there is nothing to do remotely and the operation is done.
func (e *Engine) unconfirmedTarget(ctx context.Context, o op.Operation) (bool, error) {
	if e.queue.HasPendingCreate(o.Target()) {
		return false, nil
	}
	slog.Warn("operation addresses an unconfirmed record, dropping",
		"op_id", o.ID,
		"op_type", o.Type,
		"target_id", o.Target(),
		"error", syncerr.New(syncerr.CodeMalformed, string(o.Type), "temporary id without pending create"),
	)
	return true, e.ack(ctx, o)
}

// ack removes o, or keeps it when newer data was folded in mid-flight.
func (e *Engine) ack(ctx context.Context, o op.Operation) error {
	_, err := e.queue.Ack(ctx, o.ID, o.Revision)
	if errors.Is(err, queue.ErrNotFound) {
		return nil
	}
	return local(err)
}

// fail charges o one attempt. After the last attempt o is dropped and
// reported.
func (e *Engine) fail(ctx context.Context, o op.Operation, cause error, res *Result) error {
	retry := o.RetryCount + 1
	if retry >= e.maxRetries {
		if _, err := e.queue.RemoveByID(ctx, o.ID); err != nil {
			return local(err)
		}
		o.RetryCount = retry
		o.LastError = cause.Error()
		o.NextAttemptAt = nil
		res.Failed++

		slog.Error("operation dropped after retries",
			"op_id", o.ID,
			"op_type", o.Type,
			"target_id", o.Target(),
			"owner_id", o.OwnerID,
			"retry_count", retry,
			"created_at", o.CreatedAt,
			"data", o.Data,
			"error", cause,
		)
		e.bus.Publish(OperationFailed{
			Operation: o,
			Error:     syncerr.Wrap(syncerr.CodePermanent, string(o.Type), cause).Error(),
		})
		return nil
	}

	var next *time.Time
	if d := backoffFor(retry, e.retryBackoff, e.maxBackoff); d > 0 {
		at := e.now().Add(d)
		next = &at
	}
	if _, err := e.queue.Fail(ctx, o.ID, cause, next); err != nil && !errors.Is(err, queue.ErrNotFound) {
		return local(err)
	}
	res.Retried++

	slog.Warn("operation failed, will retry",
		"op_id", o.ID,
		"op_type", o.Type,
		"target_id", o.Target(),
		"retry_count", retry,
		"error", cause,
	)
	return nil
}
