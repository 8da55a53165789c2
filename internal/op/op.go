// Package op defines the buffered mutation ("operation") that the offline
// queue persists and the sync engine replays against the remote authority.
//
// The JSON form of Operation is the persisted queue entry:
//
//	{ "id", "type": "CREATE|UPDATE|DELETE", "entityKind": "book",
//	  "targetId" | "tempId", "data": {...}, "ownerId",
//	  "createdAt": ISO-8601, "retryCount": int }
//
// CREATE operations address their record through tempId (a temporary id
// generated on this device). UPDATE and DELETE use targetId, which may also
// still be a temporary id until the corresponding CREATE is confirmed.
package op

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/shelfsync/internal/book"
)

// Type is the kind of mutation.
type Type string

const (
	Create Type = "CREATE"
	Update Type = "UPDATE"
	Delete Type = "DELETE"
)

// Valid reports whether t is a known operation type.
func (t Type) Valid() bool {
	return t == Create || t == Update || t == Delete
}

// ErrInvalid is returned by Validate and Decode for malformed operations.
var ErrInvalid = errors.New("invalid operation")

// Operation is a mutation not yet confirmed by the remote authority.
type Operation struct {
	ID         string       `json:"id"`
	Type       Type         `json:"type"`
	EntityKind string       `json:"entityKind"`
	TargetID   string       `json:"targetId,omitempty"`
	TempID     string       `json:"tempId,omitempty"`
	Data       book.Payload `json:"data,omitempty"`
	OwnerID    string       `json:"ownerId,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	RetryCount int          `json:"retryCount"`

	// Revision increments every time newer data is folded into the
	// operation while it is pending.
	Revision int `json:"revision,omitempty"`

	// NextAttemptAt is set after a failed attempt; drains skip the
	// operation until then.
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`

	// Resolved marks an UPDATE whose conflict was settled by an explicit
	// decision; the next drain writes it without re-checking the server.
	Resolved bool `json:"resolved,omitempty"`
}

// NewCreate builds a CREATE for b, which must carry its temporary id.
func NewCreate(id string, b book.Book, at time.Time) Operation {
	return Operation{
		ID:         id,
		Type:       Create,
		EntityKind: book.EntityKind,
		TempID:     b.ID,
		Data:       b.Payload(),
		OwnerID:    b.OwnerID,
		CreatedAt:  at,
	}
}

// NewUpdate builds an UPDATE writing patch to targetID.
func NewUpdate(id, targetID, ownerID string, patch book.Payload, at time.Time) Operation {
	return Operation{
		ID:         id,
		Type:       Update,
		EntityKind: book.EntityKind,
		TargetID:   targetID,
		Data:       patch.Clone(),
		OwnerID:    ownerID,
		CreatedAt:  at,
	}
}

// NewDelete builds a DELETE of targetID.
func NewDelete(id, targetID, ownerID string, at time.Time) Operation {
	return Operation{
		ID:         id,
		Type:       Delete,
		EntityKind: book.EntityKind,
		TargetID:   targetID,
		OwnerID:    ownerID,
		CreatedAt:  at,
	}
}

// Target returns the record id the operation addresses.
func (o Operation) Target() string {
	if o.TargetID != "" {
		return o.TargetID
	}
	return o.TempID
}

// HasTempTarget reports whether the addressed record is still unconfirmed.
func (o Operation) HasTempTarget() bool {
	return book.IsTempID(o.Target())
}

// RewriteTarget replaces every reference to from with to. A CREATE that is
// rewritten now addresses a confirmed record through TargetID.
func (o *Operation) RewriteTarget(from, to string) bool {
	changed := false
	if o.TargetID == from {
		o.TargetID = to
		changed = true
	}
	if o.TempID == from {
		o.TempID = ""
		o.TargetID = to
		changed = true
	}
	return changed
}

// Clone returns a copy that shares no mutable state with o.
func (o Operation) Clone() Operation {
	c := o
	c.Data = o.Data.Clone()
	if o.NextAttemptAt != nil {
		t := *o.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return c
}

// Validate checks structural invariants of a queue entry.
func (o Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if !o.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, o.Type)
	}
	if o.EntityKind == "" {
		return fmt.Errorf("%w: missing entity kind", ErrInvalid)
	}
	if o.Target() == "" {
		return fmt.Errorf("%w: %s %s has no target", ErrInvalid, o.Type, o.ID)
	}
	if o.Type != Delete && len(o.Data) == 0 {
		return fmt.Errorf("%w: %s %s has no data", ErrInvalid, o.Type, o.ID)
	}
	if o.RetryCount < 0 {
		return fmt.Errorf("%w: negative retry count", ErrInvalid)
	}
	return nil
}

// Encode serializes a queue for persistence. A nil queue encodes as [].
func Encode(ops []Operation) ([]byte, error) {
	if ops == nil {
		ops = []Operation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("encode queue: %w", err)
	}
	return data, nil
}

// Decode parses a persisted queue. Entries that fail Validate are dropped
// and reported through the returned slice of errors; a malformed document
// is a hard error.
func Decode(data []byte) ([]Operation, []error, error) {
	var raw []Operation
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("decode queue: %w", err)
	}
	ops := make([]Operation, 0, len(raw))
	var invalid []error
	for _, o := range raw {
		if err := o.Validate(); err != nil {
			invalid = append(invalid, err)
			continue
		}
		ops = append(ops, o)
	}
	return ops, invalid, nil
}

// CountByType tallies operations per type.
func CountByType(ops []Operation) map[Type]int {
	counts := map[Type]int{Create: 0, Update: 0, Delete: 0}
	for _, o := range ops {
		counts[o.Type]++
	}
	return counts
}
