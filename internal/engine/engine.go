package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/shelfsync/internal/conflict"
	"github.com/roach88/shelfsync/internal/netmon"
	"github.com/roach88/shelfsync/internal/op"
	"github.com/roach88/shelfsync/internal/queue"
	"github.com/roach88/shelfsync/internal/remote"
)

// Mode is the connectivity state of the engine.
type Mode string

const (
	ModeOffline       Mode = "offline"
	ModeOnlineIdle    Mode = "online_idle"
	ModeOnlineSyncing Mode = "online_syncing"
)

// Status is the process-wide sync status surfaced to the UI.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
)

// Network is the connectivity signal the engine follows.
// Implemented by *netmon.Monitor.
type Network interface {
	IsOnline() bool
	Subscribe(fn func(netmon.State)) (unsubscribe func())
}

// OfflineStatus is the answer to the public status query.
type OfflineStatus struct {
	IsOffline        bool            `json:"isOffline"`
	QueuedOperations int             `json:"queuedOperations"`
	OperationsByType map[op.Type]int `json:"operationsByType"`
	Status           Status          `json:"status"`
	Mode             Mode            `json:"mode"`
	PendingConflicts int             `json:"pendingConflicts"`
}

// Engine replays queued operations against the remote authority.
//
// Thread-safety model:
//   - every exported method is safe from any goroutine
//   - at most one drain runs at a time (guarded by the syncing flag)
//   - the queue serializes its own mutations; the engine never holds its
//     mutex across a remote call
type Engine struct {
	queue    *queue.Store
	remote   remote.Remote
	network  Network
	resolver *conflict.Resolver
	bus      *Bus
	ids      IDGenerator
	runs     *Sequence
	now      NowFunc

	maxRetries       int
	retryBackoff     time.Duration
	maxBackoff       time.Duration
	fallbackInterval time.Duration
	inlineTriggers   bool

	syncing atomic.Bool

	mu           sync.Mutex
	initialized  bool
	mode         Mode
	status       Status
	conflicts    map[string]heldConflict // keyed by operation id
	fallbackStop chan struct{}
	unsubscribe  func()
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithMaxRetries sets the number of attempts before an operation is dropped.
//
// Default: 3 (DefaultMaxRetries)
func WithMaxRetries(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithBackoff sets the delay after the first failure and the cap for the
// doubling delays after it. A zero base retries on the next drain.
func WithBackoff(base, max time.Duration) EngineOption {
	return func(e *Engine) {
		e.retryBackoff = base
		e.maxBackoff = max
	}
}

// WithFallbackInterval sets the period of the fallback drain ticker.
// Zero disables the ticker.
func WithFallbackInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.fallbackInterval = d
	}
}

// WithResolver sets the conflict resolver.
//
// Default: conflict.NewResolver(conflict.DefaultStrategy)
func WithResolver(r *conflict.Resolver) EngineOption {
	return func(e *Engine) {
		e.resolver = r
	}
}

// WithIDGenerator sets the operation id generator.
//
// Default: UUIDv7Generator
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithNow sets the engine's time source.
func WithNow(now NowFunc) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithBus shares an existing bus.
func WithBus(b *Bus) EngineOption {
	return func(e *Engine) {
		e.bus = b
	}
}

// WithInlineTriggers runs drains triggered by connectivity changes in the
// goroutine that reported the change instead of a background goroutine.
// Tests and the scenario harness use it for deterministic traces.
func WithInlineTriggers() EngineOption {
	return func(e *Engine) {
		e.inlineTriggers = true
	}
}

// New creates an Engine over the given queue, remote and network signal.
// Call Initialize before use.
func New(q *queue.Store, r remote.Remote, n Network, opts ...EngineOption) *Engine {
	e := &Engine{
		queue:            q,
		remote:           r,
		network:          n,
		bus:              NewBus(),
		ids:              UUIDv7Generator{},
		runs:             NewSequence(),
		now:              time.Now,
		maxRetries:       DefaultMaxRetries,
		retryBackoff:     DefaultRetryBackoff,
		maxBackoff:       DefaultMaxBackoff,
		fallbackInterval: DefaultFallbackInterval,
		mode:             ModeOffline,
		status:           StatusIdle,
		conflicts:        make(map[string]heldConflict),
	}

	// Apply options
	for _, opt := range opts {
		opt(e)
	}

	if e.resolver == nil {
		e.resolver = conflict.NewResolver(conflict.DefaultStrategy, conflict.WithNow(e.now))
	}
	return e
}

// Initialize loads the persisted queue, follows the network signal and,
// when online with work pending, starts a drain.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.queue.Load(ctx); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	e.mu.Lock()
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))
	e.initialized = true
	if e.network.IsOnline() {
		e.mode = ModeOnlineIdle
	} else {
		e.mode = ModeOffline
	}
	mode := e.mode
	e.mu.Unlock()

	e.unsubscribe = e.network.Subscribe(e.handleNetwork)

	pending := e.queue.Len()
	slog.Info("sync engine initialized",
		"mode", mode,
		"queued", pending,
	)

	if pending > 0 {
		e.startFallback()
		if mode == ModeOnlineIdle {
			e.trigger("startup")
		}
	}
	return nil
}

// Shutdown stops the fallback ticker, detaches from the network signal and
// waits for background drains. It is safe to call more than once.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return
	}
	e.initialized = false
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	cancel := e.cancel
	e.stopFallbackLocked()
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	slog.Info("sync engine stopped")
}

// Bus returns the event bus.
func (e *Engine) Bus() *Bus {
	return e.bus
}

// Subscribe registers a callback for every event.
func (e *Engine) Subscribe(fn func(Event)) (unsubscribe func()) {
	return e.bus.Subscribe(fn)
}

// NewID generates an operation id.
// Thread-safe: delegates to the generator.
func (e *Engine) NewID() string {
	return e.ids.Generate()
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Mode returns the current connectivity mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Status returns the current sync status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// IsOnline reports whether the network signal is online.
func (e *Engine) IsOnline() bool {
	return e.network.IsOnline()
}

// Syncing reports whether a drain or a direct write is in progress.
func (e *Engine) Syncing() bool {
	return e.syncing.Load()
}

// BeginDirectWrite claims the drain guard for a write sent to the remote
// outside the queue. ok is false while a drain runs. While the guard is
// held, drains return ErrSyncInProgress; the fallback ticker picks up
// anything queued meanwhile. release is idempotent.
func (e *Engine) BeginDirectWrite() (release func(), ok bool) {
	if !e.syncing.CompareAndSwap(false, true) {
		return func() {}, false
	}
	var once sync.Once
	return func() { once.Do(func() { e.syncing.Store(false) }) }, true
}

// QueueStore returns the operation store.
func (e *Engine) QueueStore() *queue.Store {
	return e.queue
}

// Remote returns the remote authority.
func (e *Engine) Remote() remote.Remote {
	return e.remote
}

// Queue admits o into the operation store and reports it on the bus. It
// returns the id of the operation now carrying o's intent.
func (e *Engine) Queue(ctx context.Context, o op.Operation) (string, error) {
	if o.ID == "" {
		o.ID = e.ids.Generate()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = e.now().UTC()
	}
	id, outcome, err := e.queue.Enqueue(ctx, o)
	if err != nil {
		return id, err
	}

	queued, ok := e.queue.Get(id)
	if !ok {
		queued = o
	}
	length := e.queue.Len()
	e.bus.Publish(OperationQueued{Operation: queued, Outcome: outcome, QueueLength: length})
	e.publishStatus()

	if length > 0 {
		e.startFallback()
	}
	return id, nil
}

// OfflineStatus returns the current offline indicator values.
func (e *Engine) OfflineStatus() OfflineStatus {
	e.mu.Lock()
	status, mode, conflicts := e.status, e.mode, len(e.conflicts)
	e.mu.Unlock()
	return OfflineStatus{
		IsOffline:        !e.network.IsOnline(),
		QueuedOperations: e.queue.Len(),
		OperationsByType: e.queue.CountByType(),
		Status:           status,
		Mode:             mode,
		PendingConflicts: conflicts,
	}
}

// ClearQueue drops every pending operation.
func (e *Engine) ClearQueue(ctx context.Context) error {
	if err := e.queue.Clear(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.conflicts = make(map[string]heldConflict)
	e.stopFallbackLocked()
	e.mu.Unlock()

	slog.Info("operation queue cleared")
	e.bus.Publish(QueueCleared{})
	e.publishStatus()
	return nil
}

// ClearOfflineData drops the queue and the offline snapshot.
func (e *Engine) ClearOfflineData(ctx context.Context) error {
	if err := e.queue.ClearAll(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.conflicts = make(map[string]heldConflict)
	e.stopFallbackLocked()
	e.mu.Unlock()

	slog.Info("offline data cleared")
	e.bus.Publish(OfflineDataCleared{})
	e.publishStatus()
	return nil
}

// handleNetwork follows connectivity changes forwarded by the monitor.
func (e *Engine) handleNetwork(s netmon.State) {
	if s.Online() {
		e.goOnline(s)
		return
	}
	e.goOffline(s)
}

func (e *Engine) goOffline(s netmon.State) {
	e.mu.Lock()
	if !e.initialized || e.mode == ModeOffline {
		e.mu.Unlock()
		return
	}
	e.mode = ModeOffline
	e.mu.Unlock()

	slog.Info("network lost, offline mode enabled",
		"transport", s.Transport,
		"queued", e.queue.Len(),
	)
	e.bus.Publish(OfflineModeEnabled{})
	e.publishStatus()
}

func (e *Engine) goOnline(s netmon.State) {
	e.mu.Lock()
	if !e.initialized || e.mode != ModeOffline {
		e.mu.Unlock()
		return
	}
	e.mode = ModeOnlineIdle
	e.mu.Unlock()

	pending := e.queue.Len()
	slog.Info("network restored",
		"transport", s.Transport,
		"quality", s.Quality,
		"queued", pending,
	)
	e.bus.Publish(OnlineModeEnabled{})
	if pending == 0 {
		e.publishStatus()
		return
	}
	e.trigger("network_restored")
}

// trigger starts a drain in response to an internal signal. Triggered
// drains never surface errors to a caller; they are logged.
func (e *Engine) trigger(reason string) {
	e.mu.Lock()
	ctx := e.ctx
	ok := e.initialized
	// Registered under mu so Shutdown's Wait covers every started drain.
	if ok && !e.inlineTriggers {
		e.wg.Add(1)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	run := func() {
		res, err := e.SyncPendingOperations(ctx)
		if err != nil {
			slog.Debug("triggered drain did not run", "reason", reason, "error", err)
			return
		}
		slog.Debug("triggered drain finished",
			"reason", reason,
			"run", res.Run,
			"successful", res.Successful,
			"remaining", res.Remaining,
		)
	}

	if e.inlineTriggers {
		run()
		return
	}
	go func() {
		defer e.wg.Done()
		run()
	}()
}

// startFallback starts the fallback ticker if it is not running.
func (e *Engine) startFallback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized || e.fallbackInterval <= 0 || e.fallbackStop != nil {
		return
	}
	stop := make(chan struct{})
	e.fallbackStop = stop
	interval := e.fallbackInterval

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if e.queue.Len() == 0 {
					e.mu.Lock()
					if e.fallbackStop == stop {
						e.fallbackStop = nil
					}
					e.mu.Unlock()
					slog.Debug("fallback sync stopped, queue empty")
					return
				}
				if e.network.IsOnline() && !e.syncing.Load() {
					e.fallbackDrain()
				}
			}
		}
	}()
}

func (e *Engine) fallbackDrain() {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	if _, err := e.SyncPendingOperations(ctx); err != nil {
		slog.Debug("fallback drain did not run", "error", err)
	}
}

// stopFallbackLocked stops the ticker. Caller holds mu.
func (e *Engine) stopFallbackLocked() {
	if e.fallbackStop != nil {
		close(e.fallbackStop)
		e.fallbackStop = nil
	}
}

func (e *Engine) fallbackRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fallbackStop != nil
}

func (e *Engine) publishStatus() {
	e.mu.Lock()
	ev := StatusUpdated{Status: e.status, Mode: e.mode}
	e.mu.Unlock()
	ev.QueuedOperations = e.queue.Len()
	e.bus.Publish(ev)
}

func (e *Engine) setState(mode Mode, status Status) {
	e.mu.Lock()
	e.mode = mode
	e.status = status
	e.mu.Unlock()
}

func (e *Engine) isInitialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}
