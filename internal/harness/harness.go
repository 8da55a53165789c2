package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/conflict"
	"github.com/roach88/shelfsync/internal/coordinator"
	"github.com/roach88/shelfsync/internal/engine"
	"github.com/roach88/shelfsync/internal/kv"
	"github.com/roach88/shelfsync/internal/netmon"
	"github.com/roach88/shelfsync/internal/queue"
	"github.com/roach88/shelfsync/internal/remote"
	"github.com/roach88/shelfsync/internal/syncerr"
	"github.com/roach88/shelfsync/internal/testutil"
)

// RemoteOwner is the user the scenario remote is signed in as.
const RemoteOwner = "u1"

// StepInterval is how far the clock advances before each step.
const StepInterval = time.Second

var connected = netmon.State{IsConnected: true, IsReachable: true, Transport: netmon.TransportWiFi}

// Harness is one scenario run: a full engine and coordinator over an
// in-memory store, a manual clock and an in-process remote.
type Harness struct {
	clock   *testutil.ManualClock
	net     *netmon.Monitor
	remote  *remote.Memory
	queue   *queue.Store
	engine  *engine.Engine
	coord   *coordinator.Coordinator
	trace   *recorder
	closers []func()
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Build a fresh engine and coordinator, online and signed in
//  2. Run each step, recording the engine events it publishes
//  3. Check the expectations against the final state
//
// The returned error is reserved for scenarios that cannot run; failed
// expectations are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	ctx := context.Background()
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	for _, step := range scenario.Steps {
		h.clock.Advance(StepInterval)
		h.trace.begin(label(step))
		stepErr := h.execute(ctx, step)
		result.Steps = append(result.Steps, h.trace.end(stepErr))
	}

	for _, msg := range h.check(scenario.Expect) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, s *Scenario) (*Harness, error) {
	strategy := conflict.DefaultStrategy
	if s.Strategy != "" {
		parsed, err := conflict.ParseStrategy(s.Strategy)
		if err != nil {
			return nil, err
		}
		strategy = parsed
	}

	clock := testutil.NewManualClock(time.Time{})
	h := &Harness{
		clock:  clock,
		net:    netmon.New(netmon.WithDebounce(0), netmon.WithInitialState(connected)),
		remote: remote.NewMemory(remote.WithNow(clock.Now), remote.WithSession(RemoteOwner)),
		queue:  queue.New(kv.NewMemory(), queue.WithNow(clock.Now)),
		trace:  &recorder{},
	}
	h.engine = engine.New(h.queue, h.remote, h.net,
		engine.WithNow(clock.Now),
		engine.WithIDGenerator(testutil.NewSequenceIDs("op")),
		engine.WithResolver(conflict.NewResolver(strategy, conflict.WithNow(clock.Now))),
		engine.WithBackoff(0, 0),
		engine.WithFallbackInterval(0),
		engine.WithInlineTriggers(),
	)
	h.closers = append(h.closers, h.engine.Subscribe(h.trace.record), h.engine.Shutdown)

	temp := testutil.NewSequenceIDs("offline")
	h.coord = coordinator.New(h.engine, coordinator.WithTempIDs(func() string {
		return strings.Replace(temp.Generate(), "-", "_", 1)
	}))
	h.closers = append(h.closers, h.coord.Close)

	if err := h.engine.Initialize(ctx); err != nil {
		h.close()
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	if err := h.coord.Load(ctx); err != nil {
		h.close()
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}
	return h, nil
}

func (h *Harness) close() {
	for i := len(h.closers) - 1; i >= 0; i-- {
		h.closers[i]()
	}
	h.closers = nil
}

// execute runs one step. The error is the step's own outcome.
func (h *Harness) execute(ctx context.Context, s Step) error {
	switch s.Do {
	case StepOffline:
		h.net.Report(netmon.Offline())
	case StepOnline:
		h.net.Report(connected)
	case StepAdd:
		p := book.Payload{"title": s.Title, "author": s.Author}
		b, err := book.FromPayload("", book.MergePayload(p, s.Fields))
		if err != nil {
			return err
		}
		_, err = h.coord.Add(ctx, b)
		return err
	case StepUpdate:
		_, err := h.coord.Update(ctx, s.ID, book.Payload(s.Fields))
		return err
	case StepDelete:
		return h.coord.Delete(ctx, s.ID)
	case StepSync:
		_, err := h.coord.ForceSync(ctx)
		return err
	case StepResolve:
		d, err := conflict.ParseDecision(s.Keep)
		if err != nil {
			return err
		}
		return h.coord.ResolveConflict(ctx, s.ID, d)
	case StepRemoteEdit:
		if !h.remote.Edit(s.ID, book.Payload(s.Fields)) {
			return fmt.Errorf("remote_edit: no record %s", s.ID)
		}
	case StepRemoteFail:
		if s.Code == "" {
			h.remote.Fail(nil)
			return nil
		}
		injected := syncerr.New(syncerr.Code(s.Code), "remote", "injected failure")
		if s.Times == 0 {
			h.remote.Fail(injected)
		} else {
			h.remote.FailTimes(s.Times, injected)
		}
	default:
		return fmt.Errorf("unknown step %q", s.Do)
	}
	return nil
}

// label renders a step for the trace.
func label(s Step) string {
	switch s.Do {
	case StepAdd:
		return fmt.Sprintf("add %q by %s", s.Title, s.Author)
	case StepUpdate, StepRemoteEdit:
		return fmt.Sprintf("%s %s %s", s.Do, s.ID, strings.Join(fieldNames(s.Fields), ","))
	case StepDelete:
		return "delete " + s.ID
	case StepResolve:
		return fmt.Sprintf("resolve %s keep %s", s.ID, s.Keep)
	case StepRemoteFail:
		switch {
		case s.Code == "":
			return "remote_fail off"
		case s.Times == 0:
			return "remote_fail " + s.Code
		default:
			return fmt.Sprintf("remote_fail %s x%d", s.Code, s.Times)
		}
	}
	return s.Do
}

func fieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// recorder collects engine events into per-step traces.
//
// Thread-safety: record may be called from any goroutine.
type recorder struct {
	mu      sync.Mutex
	seq     int64
	current *StepTrace
}

func (r *recorder) begin(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = &StepTrace{Label: label, Events: []TraceEvent{}}
}

func (r *recorder) end(err error) StepTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := *r.current
	if err != nil {
		st.Error = err.Error()
	}
	r.current = nil
	return st
}

func (r *recorder) record(e engine.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	r.seq++
	r.current.Events = append(r.current.Events, TraceEvent{
		Seq:    r.seq,
		Event:  e.Name(),
		Detail: describe(e),
	})
}

// describe renders the fields of e that matter for comparison. Timestamps
// and payloads are left out.
func describe(e engine.Event) string {
	switch ev := e.(type) {
	case engine.StatusUpdated:
		return fmt.Sprintf("status=%s mode=%s queued=%d", ev.Status, ev.Mode, ev.QueuedOperations)
	case engine.OperationQueued:
		return fmt.Sprintf("op=%s type=%s target=%s outcome=%s queue=%d",
			ev.Operation.ID, ev.Operation.Type, ev.Operation.Target(), ev.Outcome, ev.QueueLength)
	case engine.SyncCompleted:
		return fmt.Sprintf("successful=%d failed=%d conflicts=%d", ev.Successful, ev.Failed, ev.Conflicts)
	case engine.SyncSkipped:
		return "reason=" + ev.Reason
	case engine.ConflictRequiresResolution:
		return fmt.Sprintf("op=%s target=%s", ev.Operation.ID, ev.Conflict.TargetID)
	case engine.ConflictResolved:
		return fmt.Sprintf("op=%s target=%s strategy=%s", ev.OperationID, ev.TargetID, ev.Strategy)
	case engine.OperationFailed:
		return fmt.Sprintf("op=%s type=%s target=%s", ev.Operation.ID, ev.Operation.Type, ev.Operation.Target())
	case engine.RecordConfirmed:
		return fmt.Sprintf("temp=%s id=%s", ev.TempID, ev.Record.ID)
	}
	return ""
}
