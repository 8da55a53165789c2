package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Source supplies connectivity observations from the platform.
type Source interface {
	Current(ctx context.Context) (State, error)
}

// Defaults used by New.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultProbeTimeout = 3 * time.Second
	DefaultDebounce     = 500 * time.Millisecond
)

// Monitor tracks connectivity and notifies subscribers of changes.
//
// Thread-safety: all methods are safe for concurrent use. Subscribers are
// called synchronously from the goroutine that delivers the change; a
// panicking subscriber is recovered and logged.
type Monitor struct {
	source       Source
	pollInterval time.Duration
	probeTimeout time.Duration
	debouncer    *Debouncer[State]

	mu      sync.Mutex
	state   State
	subs    []subscription
	nextSub int
	changed chan struct{} // closed and replaced on every forwarded change
}

type subscription struct {
	id int
	fn func(State)
}

// Option configures a Monitor.
type Option func(*monitorConfig)

type monitorConfig struct {
	source       Source
	pollInterval time.Duration
	probeTimeout time.Duration
	debounce     time.Duration
	initial      State
}

// WithSource sets the platform signal polled by Run and Refresh.
func WithSource(s Source) Option {
	return func(c *monitorConfig) { c.source = s }
}

// WithPollInterval sets how often Run polls the source.
func WithPollInterval(d time.Duration) Option {
	return func(c *monitorConfig) { c.pollInterval = d }
}

// WithProbeTimeout bounds each source query.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *monitorConfig) { c.probeTimeout = d }
}

// WithDebounce sets the coalescing window for reported states. Zero
// forwards every distinct state immediately.
func WithDebounce(d time.Duration) Option {
	return func(c *monitorConfig) { c.debounce = d }
}

// WithInitialState sets the cached state before the first observation.
func WithInitialState(s State) Option {
	return func(c *monitorConfig) { c.initial = s }
}

// New creates a Monitor. Without WithInitialState the monitor starts
// offline.
func New(opts ...Option) *Monitor {
	cfg := monitorConfig{
		pollInterval: DefaultPollInterval,
		probeTimeout: DefaultProbeTimeout,
		debounce:     DefaultDebounce,
		initial:      Offline(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Monitor{
		source:       cfg.source,
		pollInterval: cfg.pollInterval,
		probeTimeout: cfg.probeTimeout,
		state:        normalize(cfg.initial),
		changed:      make(chan struct{}),
	}
	m.debouncer = NewDebouncer(cfg.debounce, m.deliver)
	return m
}

// Report feeds an observation into the monitor. It is the entry point for
// push-based platform callbacks; Run uses it for polled observations.
func (m *Monitor) Report(s State) {
	m.debouncer.Signal(normalize(s))
}

// CurrentState returns the last forwarded state.
func (m *Monitor) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOnline reports whether the last forwarded state is connected and
// reachable.
func (m *Monitor) IsOnline() bool {
	return m.CurrentState().Online()
}

// Subscribe registers fn for state changes and returns a function that
// removes it.
func (m *Monitor) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs = append(m.subs, subscription{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// WaitForConnection blocks until the monitor is online, timeout elapses or
// ctx is done. It reports whether the monitor is online.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		online := m.state.Online()
		changed := m.changed
		m.mu.Unlock()
		if online {
			return true
		}

		select {
		case <-changed:
		case <-timer.C:
			return m.IsOnline()
		case <-ctx.Done():
			return m.IsOnline()
		}
	}
}

// Refresh queries the source once, bounded by the probe timeout, and reports
// the result.
func (m *Monitor) Refresh(ctx context.Context) error {
	if m.source == nil {
		return fmt.Errorf("netmon: no source configured")
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	s, err := m.source.Current(probeCtx)
	if err != nil {
		// An unanswerable probe is an unreachable network.
		slog.Debug("connectivity probe failed", "error", err)
		s = Offline()
	}
	m.Report(s)
	return nil
}

// Run polls the source until ctx is done. Pending debounced states are
// dropped on return.
func (m *Monitor) Run(ctx context.Context) error {
	if m.source == nil {
		return fmt.Errorf("netmon: no source configured")
	}
	defer m.debouncer.Stop()

	slog.Info("network monitor starting", "poll_interval", m.pollInterval)
	_ = m.Refresh(ctx)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("network monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			_ = m.Refresh(ctx)
		}
	}
}

// deliver forwards s to subscribers if it differs from the last forwarded
// state.
func (m *Monitor) deliver(s State) {
	m.mu.Lock()
	if s == m.state {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	close(m.changed)
	m.changed = make(chan struct{})
	subs := make([]subscription, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	slog.Info("network state changed",
		"online", s.Online(),
		"was_online", prev.Online(),
		"transport", s.Transport,
		"quality", s.Quality,
	)

	for _, sub := range subs {
		notify(sub.fn, s)
	}
}

func notify(fn func(State), s State) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("network subscriber panicked", "panic", r)
		}
	}()
	fn(s)
}
