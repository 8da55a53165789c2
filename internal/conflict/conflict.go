// Package conflict decides what to write when the server changed a record
// after a local edit was queued.
//
// A conflict exists for an UPDATE when the server's updatedAt is later than
// the operation's createdAt. The strategy is chosen per entity kind:
//
//   - server_wins: drop the local change and adopt the server version.
//   - client_wins: write the local payload regardless of the server.
//   - merge: server fields as the base, local fields on top, updatedAt = now.
//   - user_choice: hold the operation until a Decision arrives.
package conflict

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/op"
)

// Strategy selects how conflicts are resolved.
type Strategy string

const (
	ServerWins Strategy = "server_wins"
	ClientWins Strategy = "client_wins"
	Merge      Strategy = "merge"
	UserChoice Strategy = "user_choice"
)

// DefaultStrategy applies to entity kinds without an explicit strategy.
const DefaultStrategy = ClientWins

// ErrUnknownStrategy is returned by ParseStrategy.
var ErrUnknownStrategy = errors.New("unknown conflict strategy")

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case ServerWins, ClientWins, Merge, UserChoice:
		return true
	}
	return false
}

// ParseStrategy accepts the strategy names case-insensitively, with '-'
// allowed in place of '_'.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
	return st, nil
}

// Conflict describes a divergence between a queued UPDATE and the server.
type Conflict struct {
	OperationID string       `json:"operationId"`
	EntityKind  string       `json:"entityKind"`
	TargetID    string       `json:"targetId"`
	Local       book.Payload `json:"local"`
	Server      book.Payload `json:"server"`
	LocalTime   time.Time    `json:"localTime"`
	ServerTime  time.Time    `json:"serverTime"`
	DetectedAt  time.Time    `json:"detectedAt"`
}

// Resolution is the outcome of resolving a conflict.
type Resolution struct {
	Strategy Strategy

	// Payload is the value the record should end up with.
	Payload book.Payload

	// Write is true when Payload must be sent to the server. When false the
	// server version already is the result and the operation is done.
	Write bool

	// NeedsUserChoice is true when the operation must wait for a Decision.
	NeedsUserChoice bool
}

// Detect reports whether the UPDATE o conflicts with a server record last
// written at serverTime.
func Detect(o op.Operation, serverTime time.Time) bool {
	return o.Type == op.Update && serverTime.After(o.CreatedAt)
}

// Resolver resolves conflicts with per-kind strategies.
type Resolver struct {
	def    Strategy
	byKind map[string]Strategy
	now    func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStrategy sets the strategy for one entity kind.
func WithStrategy(kind string, s Strategy) Option {
	return func(r *Resolver) {
		r.byKind[kind] = s
	}
}

// WithNow sets the time source stamped into merged payloads.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver creates a Resolver whose fallback strategy is def. An invalid
// def falls back to DefaultStrategy.
func NewResolver(def Strategy, opts ...Option) *Resolver {
	if !def.Valid() {
		def = DefaultStrategy
	}
	r := &Resolver{
		def:    def,
		byKind: make(map[string]Strategy),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StrategyFor returns the strategy configured for kind.
func (r *Resolver) StrategyFor(kind string) Strategy {
	if s, ok := r.byKind[kind]; ok && s.Valid() {
		return s
	}
	return r.def
}

// Resolve applies the strategy configured for the conflict's entity kind.
func (r *Resolver) Resolve(c Conflict) Resolution {
	return r.ResolveWith(c, r.StrategyFor(c.EntityKind))
}

// ResolveWith applies strategy s to c.
func (r *Resolver) ResolveWith(c Conflict, s Strategy) Resolution {
	var res Resolution
	switch s {
	case ServerWins:
		res = Resolution{Strategy: s, Payload: c.Server.Clone()}
	case Merge:
		res = Resolution{Strategy: s, Payload: r.merge(c), Write: true}
	case UserChoice:
		res = Resolution{Strategy: s, NeedsUserChoice: true}
	default:
		res = Resolution{Strategy: ClientWins, Payload: c.Local.Clone(), Write: true}
	}

	slog.Info("conflict resolved",
		"op_id", c.OperationID,
		"target_id", c.TargetID,
		"strategy", res.Strategy,
		"local_time", c.LocalTime,
		"server_time", c.ServerTime,
		"write", res.Write,
	)
	return res
}

func (r *Resolver) merge(c Conflict) book.Payload {
	merged := book.MergePayload(c.Server, c.Local)
	merged["updatedAt"] = r.now().UTC().Format(time.RFC3339Nano)
	return merged
}

// DecisionKind is the external answer to a user_choice conflict.
type DecisionKind string

const (
	KeepLocal  DecisionKind = "local"
	KeepServer DecisionKind = "server"
	KeepMerged DecisionKind = "merge"
	KeepCustom DecisionKind = "custom"
)

// ErrUnknownDecision is returned by ParseDecision.
var ErrUnknownDecision = errors.New("unknown conflict decision")

// Decision settles a user_choice conflict.
type Decision struct {
	Kind DecisionKind

	// Payload is the value to write for KeepCustom.
	Payload book.Payload
}

// ParseDecision accepts "local", "server" or "merge".
func ParseDecision(s string) (Decision, error) {
	switch DecisionKind(strings.ToLower(strings.TrimSpace(s))) {
	case KeepLocal:
		return Decision{Kind: KeepLocal}, nil
	case KeepServer:
		return Decision{Kind: KeepServer}, nil
	case KeepMerged:
		return Decision{Kind: KeepMerged}, nil
	}
	return Decision{}, fmt.Errorf("%w: %q", ErrUnknownDecision, s)
}

// Custom returns a decision that writes p.
func Custom(p book.Payload) Decision {
	return Decision{Kind: KeepCustom, Payload: p.Clone()}
}

// Decide turns a decision into a resolution.
func (r *Resolver) Decide(c Conflict, d Decision) Resolution {
	switch d.Kind {
	case KeepServer:
		return r.ResolveWith(c, ServerWins)
	case KeepMerged:
		return r.ResolveWith(c, Merge)
	case KeepCustom:
		return Resolution{Strategy: UserChoice, Payload: d.Payload.Clone(), Write: true}
	default:
		return r.ResolveWith(c, ClientWins)
	}
}
