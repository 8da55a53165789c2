// Package coordinator is the consumer-facing façade over the sync engine.
//
// Callers express intents (add, update, delete). Offline, or while a drain
// is running, an intent becomes a queued operation and is applied to the
// visible list at once. A direct write holds the engine's drain guard for
// the duration of its remote call, so drains and direct writes never
// overlap. Online, it is applied optimistically as a pending
// mutation, sent to the remote, and then either committed with the
// authoritative response or rolled back. A network failure during a direct
// write demotes it to a queued operation instead of surfacing an error.
//
// The visible list is always Fold(committed, pending): rollback drops the
// pending mutation and recomputes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/conflict"
	"github.com/roach88/shelfsync/internal/engine"
	"github.com/roach88/shelfsync/internal/op"
	"github.com/roach88/shelfsync/internal/queue"
	"github.com/roach88/shelfsync/internal/remote"
	"github.com/roach88/shelfsync/internal/syncerr"
)

var (
	// ErrNotFound is returned for ids not in the visible list.
	ErrNotFound = errors.New("book not found")

	// ErrDuplicate is returned by Add together with the existing record
	// when the collection already holds the same title and author.
	ErrDuplicate = errors.New("book already in collection")
)

// View is what the UI renders.
type View struct {
	Books             []book.Book   `json:"books"`
	PendingOperations int           `json:"pendingOperations"`
	Status            engine.Status `json:"status"`
	IsOffline         bool          `json:"isOffline"`
}

// Coordinator translates intents into remote writes or queued operations.
//
// Thread-safety: all methods are safe for concurrent use. The state mutex
// is never held across a remote call or a listener callback.
type Coordinator struct {
	engine  *engine.Engine
	queue   *queue.Store
	remote  remote.Remote
	ownerID string
	tempIDs func() string

	mu        sync.Mutex
	committed []book.Book
	pending   []Mutation
	seq       int64
	listeners map[int]func(View)
	nextSub   int

	unsubscribe func()
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOwner sets the owner stamped on writes made without a session.
func WithOwner(id string) Option {
	return func(c *Coordinator) {
		c.ownerID = id
	}
}

// WithTempIDs sets the temporary id generator.
//
// Default: book.NewTempID
func WithTempIDs(gen func() string) Option {
	return func(c *Coordinator) {
		c.tempIDs = gen
	}
}

// New creates a Coordinator over e and follows its events.
func New(e *engine.Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		engine:    e,
		queue:     e.QueueStore(),
		remote:    e.Remote(),
		tempIDs:   book.NewTempID,
		committed: []book.Book{},
		listeners: make(map[int]func(View)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsubscribe = e.Subscribe(c.handleEvent)
	return c
}

// Close stops following engine events.
func (c *Coordinator) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// Load restores the offline snapshot and, when online, refreshes from the
// remote.
func (c *Coordinator) Load(ctx context.Context) error {
	if err := c.reloadSnapshot(ctx); err != nil {
		return err
	}
	if !c.engine.IsOnline() {
		return nil
	}
	if err := c.Refresh(ctx); err != nil {
		slog.Warn("refresh after load failed, using offline snapshot", "error", err)
	}
	return nil
}

// Refresh fetches the owner's records and merges them with the cache.
// Records still unconfirmed locally are kept; queued deletes and edits are
// laid over the remote listing.
func (c *Coordinator) Refresh(ctx context.Context) error {
	if !c.engine.IsOnline() {
		return c.reloadSnapshot(ctx)
	}
	owner, ok := c.sessionOwner(ctx)
	if !ok {
		return c.reloadSnapshot(ctx)
	}

	fetched, err := c.remote.SelectByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	c.mu.Lock()
	books := overlay(merge(fetched, c.committed), c.queue.All())
	c.committed = books
	c.mu.Unlock()

	if err := c.queue.SaveSnapshot(ctx, books); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	slog.Debug("collection refreshed", "owner_id", owner, "books", len(books))
	c.notify()
	return nil
}

// List returns the visible records.
func (c *Coordinator) List() []book.Book {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Fold(c.committed, c.pending)
}

// Get returns the visible record with the given id.
func (c *Coordinator) Get(id string) (book.Book, error) {
	books := c.List()
	if i := book.Index(books, id); i >= 0 {
		return books[i], nil
	}
	return book.Book{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// View returns the current view.
func (c *Coordinator) View() View {
	st := c.engine.OfflineStatus()
	return View{
		Books:             c.List(),
		PendingOperations: st.QueuedOperations,
		Status:            st.Status,
		IsOffline:         st.IsOffline,
	}
}

// Subscribe registers fn for view changes and returns a function that
// removes it.
func (c *Coordinator) Subscribe(fn func(View)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

// Add stores a new record. The returned record carries a temporary id and
// the offline flag when it was queued.
func (c *Coordinator) Add(ctx context.Context, b book.Book) (book.Book, error) {
	if err := b.Validate(); err != nil {
		return book.Book{}, err
	}
	for _, existing := range c.List() {
		if book.SameWork(existing, b) {
			return existing, fmt.Errorf("%w: %q by %s", ErrDuplicate, existing.Title, existing.Author)
		}
	}

	now := c.engine.Now().UTC()
	b.ID = c.tempIDs()
	if b.DateAdded.IsZero() {
		b.DateAdded = now
	}
	b.UpdatedAt = now

	owner, direct, release := c.writeMode(ctx)
	b.OwnerID = owner
	if !direct {
		return c.queueAdd(ctx, b)
	}

	seq := c.begin(Mutation{Kind: KindAdd, Book: b})
	inserted, err := c.remote.Insert(ctx, b)
	release()
	switch {
	case err == nil:
		inserted.Offline = false
		c.commit(seq, Mutation{Kind: KindAdd, Book: inserted})
		c.cache(func() error { return c.queue.UpsertSnapshot(ctx, inserted) })
		slog.Info("book added", "id", inserted.ID, "title", inserted.Title)
		return inserted, nil
	case syncerr.IsNetwork(err):
		c.rollback(seq)
		slog.Info("remote unreachable, queueing add", "title", b.Title, "error", err)
		return c.queueAdd(ctx, b)
	default:
		c.rollback(seq)
		return book.Book{}, fmt.Errorf("add %q: %w", b.Title, err)
	}
}

// Update writes patch to the record with the given id.
func (c *Coordinator) Update(ctx context.Context, id string, patch book.Payload) (book.Book, error) {
	current, err := c.Get(id)
	if err != nil {
		return book.Book{}, err
	}
	patch = patch.Clone()
	patch["updatedAt"] = c.engine.Now().UTC().Format(time.RFC3339Nano)
	updated, err := book.Apply(current, patch)
	if err != nil {
		return book.Book{}, fmt.Errorf("%w: %v", book.ErrInvalid, err)
	}
	if err := updated.Validate(); err != nil {
		return book.Book{}, err
	}

	owner, direct, release := c.writeMode(ctx)
	if current.OwnerID != "" {
		owner = current.OwnerID
	}
	if !direct || current.IsTemp() {
		release()
		return c.queueUpdate(ctx, updated, owner, patch)
	}

	seq := c.begin(Mutation{Kind: KindUpdate, Book: updated})
	written, err := c.remote.UpdateByID(ctx, id, owner, patch)
	release()
	switch {
	case err == nil:
		written.Offline = false
		c.commit(seq, Mutation{Kind: KindUpdate, Book: written})
		c.cache(func() error { return c.queue.UpsertSnapshot(ctx, written) })
		slog.Info("book updated", "id", id)
		return written, nil
	case syncerr.IsNetwork(err):
		c.rollback(seq)
		slog.Info("remote unreachable, queueing update", "id", id, "error", err)
		return c.queueUpdate(ctx, updated, owner, patch)
	case syncerr.IsNotFound(err):
		c.rollback(seq)
		return book.Book{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	default:
		c.rollback(seq)
		return book.Book{}, fmt.Errorf("update %s: %w", id, err)
	}
}

// Delete removes the record with the given id.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	current, err := c.Get(id)
	if err != nil {
		return err
	}

	owner, direct, release := c.writeMode(ctx)
	if current.OwnerID != "" {
		owner = current.OwnerID
	}
	if !direct || current.IsTemp() {
		release()
		return c.queueDelete(ctx, id, owner)
	}

	seq := c.begin(Mutation{Kind: KindDelete, ID: id})
	err = c.remote.DeleteByID(ctx, id, owner)
	release()
	switch {
	case err == nil, syncerr.IsNotFound(err):
		c.commit(seq, Mutation{Kind: KindDelete, ID: id})
		c.cache(func() error { return c.queue.RemoveFromSnapshot(ctx, id) })
		slog.Info("book deleted", "id", id)
		return nil
	case syncerr.IsNetwork(err):
		c.rollback(seq)
		slog.Info("remote unreachable, queueing delete", "id", id, "error", err)
		return c.queueDelete(ctx, id, owner)
	default:
		c.rollback(seq)
		return fmt.Errorf("delete %s: %w", id, err)
	}
}

// ClearAll deletes every record in the collection.
func (c *Coordinator) ClearAll(ctx context.Context) error {
	var errs []error
	for _, b := range c.List() {
		if err := c.Delete(ctx, b.ID); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForceSync runs a drain and refreshes the view.
func (c *Coordinator) ForceSync(ctx context.Context) (engine.Result, error) {
	return c.engine.ForceSync(ctx)
}

// OfflineStatus passes through to the engine.
func (c *Coordinator) OfflineStatus() engine.OfflineStatus {
	return c.engine.OfflineStatus()
}

// ResolveConflict passes a decision for a held conflict to the engine and
// refreshes the view.
func (c *Coordinator) ResolveConflict(ctx context.Context, opID string, d conflict.Decision) error {
	if err := c.engine.ResolveConflict(ctx, opID, d); err != nil {
		return err
	}
	if err := c.Refresh(ctx); err != nil {
		slog.Warn("refresh after conflict decision failed", "error", err)
	}
	return nil
}

func (c *Coordinator) queueAdd(ctx context.Context, b book.Book) (book.Book, error) {
	b.Offline = true
	if _, err := c.engine.Queue(ctx, op.NewCreate(c.engine.NewID(), b, b.DateAdded)); err != nil {
		return book.Book{}, err
	}
	c.apply(Mutation{Kind: KindAdd, Book: b})
	c.cache(func() error { return c.queue.UpsertSnapshot(ctx, b) })
	slog.Info("book added offline", "id", b.ID, "title", b.Title)
	return b, nil
}

func (c *Coordinator) queueUpdate(ctx context.Context, updated book.Book, owner string, patch book.Payload) (book.Book, error) {
	o := op.NewUpdate(c.engine.NewID(), updated.ID, owner, patch, c.engine.Now().UTC())
	if _, err := c.engine.Queue(ctx, o); err != nil {
		return book.Book{}, err
	}
	c.apply(Mutation{Kind: KindUpdate, Book: updated})
	c.cache(func() error { return c.queue.UpsertSnapshot(ctx, updated) })
	slog.Info("book update queued", "id", updated.ID)
	return updated, nil
}

func (c *Coordinator) queueDelete(ctx context.Context, id, owner string) error {
	if _, err := c.engine.Queue(ctx, op.NewDelete(c.engine.NewID(), id, owner, c.engine.Now().UTC())); err != nil {
		return err
	}
	c.apply(Mutation{Kind: KindDelete, ID: id})
	c.cache(func() error { return c.queue.RemoveFromSnapshot(ctx, id) })
	slog.Info("book delete queued", "id", id)
	return nil
}

// writeMode decides between a direct write and a queued one. Writes are
// queued while offline, while a drain runs, or without a session. A direct
// write holds the engine's drain guard until release is called; release is
// always safe to call.
func (c *Coordinator) writeMode(ctx context.Context) (owner string, direct bool, release func()) {
	if !c.engine.IsOnline() {
		return c.ownerID, false, func() {}
	}
	release, ok := c.engine.BeginDirectWrite()
	if !ok {
		return c.ownerID, false, release
	}
	if owner, ok := c.sessionOwner(ctx); ok {
		return owner, true, release
	}
	release()
	return c.ownerID, false, release
}

func (c *Coordinator) sessionOwner(ctx context.Context) (string, bool) {
	s, err := c.remote.CurrentSession(ctx)
	if err != nil || !s.Valid(c.engine.Now()) {
		return "", false
	}
	return s.UserID, true
}

// begin records an optimistic mutation and returns its seq.
func (c *Coordinator) begin(m Mutation) int64 {
	c.mu.Lock()
	c.seq++
	m.Seq = c.seq
	c.pending = append(c.pending, m)
	c.mu.Unlock()
	c.notify()
	return m.Seq
}

// commit replaces the pending mutation seq by its confirmed form.
func (c *Coordinator) commit(seq int64, confirmed Mutation) {
	c.mu.Lock()
	c.pending = without(c.pending, seq)
	c.committed = Reduce(c.committed, confirmed)
	c.mu.Unlock()
	c.notify()
}

// rollback drops the pending mutation seq.
func (c *Coordinator) rollback(seq int64) {
	c.mu.Lock()
	c.pending = without(c.pending, seq)
	c.mu.Unlock()
	c.notify()
}

// apply commits m directly; used for queued intents.
func (c *Coordinator) apply(m Mutation) {
	c.mu.Lock()
	c.committed = Reduce(c.committed, m)
	c.mu.Unlock()
	c.notify()
}

// cache writes through to the offline snapshot. The visible list is already
// updated, so a failure is logged rather than returned.
func (c *Coordinator) cache(write func() error) {
	if err := write(); err != nil {
		slog.Warn("offline snapshot not updated", "error", err)
	}
}

func (c *Coordinator) reloadSnapshot(ctx context.Context) error {
	snap, err := c.queue.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	books := []book.Book{}
	if snap != nil {
		books = snap.Books
	}
	c.mu.Lock()
	c.committed = book.Clone(books)
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *Coordinator) handleEvent(e engine.Event) {
	switch ev := e.(type) {
	case engine.RecordConfirmed:
		c.mu.Lock()
		c.committed = Reduce(c.committed, Mutation{Kind: KindConfirm, ID: ev.TempID, Book: ev.Record})
		c.mu.Unlock()
		c.notify()
	case engine.SyncCompleted:
		if err := c.Refresh(context.Background()); err != nil {
			slog.Warn("refresh after sync failed", "error", err)
		}
	case engine.OfflineDataCleared:
		c.mu.Lock()
		c.committed = []book.Book{}
		c.pending = nil
		c.mu.Unlock()
		c.notify()
	case engine.StatusUpdated, engine.OperationQueued, engine.QueueCleared:
		c.notify()
	}
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	fns := make([]func(View), 0, len(c.listeners))
	for id := 0; id < c.nextSub; id++ {
		if fn, ok := c.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()
	if len(fns) == 0 {
		return
	}

	v := c.View()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("view listener panicked", "panic", fmt.Sprint(r))
				}
			}()
			fn(v)
		}()
	}
}
