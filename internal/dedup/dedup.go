// Package dedup collapses semantically equivalent queued operations.
//
// Two operations are equivalent when they share a composite key:
//
//   - CREATE: type, entity kind, owner, normalized title and author.
//   - UPDATE/DELETE: type, entity kind, owner, target id (temporary or not).
//
// Titles and authors are NFC-normalized, case-folded and whitespace-collapsed
// so that "Dune" and " DUNE " describe the same new record.
//
// When equivalent operations collide the survivor keeps the queue position
// and the earliest createdAt of the group; its payload is the earlier payload
// with the later one applied on top, so the newest value of every field wins.
package dedup

import (
	"strings"

	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/op"
)

// Outcome reports what Admit did with an incoming operation.
type Outcome int

const (
	// Appended: the operation was added to the end of the queue.
	Appended Outcome = iota
	// Merged: the operation was folded into an equivalent pending one.
	Merged
	// Rejected: the operation duplicates a pending CREATE and was dropped.
	Rejected
	// Cancelled: a DELETE of a never-confirmed record removed the pending
	// operations for it; nothing needs to reach the remote.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Merged:
		return "merged"
	case Rejected:
		return "rejected"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Normalize returns the comparison form of a title or author.
func Normalize(s string) string {
	return book.NormalizeText(s)
}

// Key returns the composite dedup key of o.
func Key(o op.Operation) string {
	parts := []string{string(o.Type), o.EntityKind, o.OwnerID}
	if o.Type == op.Create {
		parts = append(parts, Normalize(o.Data.Title()), Normalize(o.Data.Author()))
	} else {
		parts = append(parts, o.Target())
	}
	return strings.Join(parts, "\x1f")
}

// Dedupe returns ops with equivalent operations collapsed. The relative
// order of survivors is the order in which each key first appeared. The
// input is not modified.
//
// aliases maps the temporary id of every collapsed CREATE to the temporary
// id of the CREATE that absorbed it. UPDATE and DELETE operations addressing
// a collapsed CREATE are redirected to the survivor before they are folded.
func Dedupe(ops []op.Operation) (deduped []op.Operation, aliases map[string]string) {
	aliases = make(map[string]string)
	firstCreate := make(map[string]string)
	for _, o := range ops {
		if o.Type != op.Create || o.TempID == "" {
			continue
		}
		k := Key(o)
		first, seen := firstCreate[k]
		if !seen {
			firstCreate[k] = o.TempID
			continue
		}
		if o.TempID != first {
			aliases[o.TempID] = first
		}
	}

	out := make([]op.Operation, 0, len(ops))
	index := make(map[string]int, len(ops))
	for _, o := range ops {
		o = o.Clone()
		if to, ok := aliases[o.TargetID]; ok && o.Type != op.Create {
			o.TargetID = to
		}
		k := Key(o)
		i, seen := index[k]
		if !seen {
			index[k] = len(out)
			out = append(out, o)
			continue
		}
		out[i] = fold(out[i], o)
	}
	return out, aliases
}

// fold merges the later-arriving operation into the survivor.
func fold(survivor, later op.Operation) op.Operation {
	if later.CreatedAt.Before(survivor.CreatedAt) {
		survivor.Data = book.MergePayload(later.Data, survivor.Data)
		survivor.CreatedAt = later.CreatedAt
	} else if survivor.Type != op.Delete {
		survivor.Data = book.MergePayload(survivor.Data, later.Data)
	}
	if survivor.OwnerID == "" {
		survivor.OwnerID = later.OwnerID
	}
	survivor.Revision++
	return survivor
}

// Admit applies incoming to the pending queue and returns the new queue, the
// outcome and the id of the operation that now represents incoming (empty
// when Cancelled). pending is not modified.
func Admit(pending []op.Operation, incoming op.Operation) ([]op.Operation, Outcome, string) {
	out := make([]op.Operation, len(pending))
	for i := range pending {
		out[i] = pending[i].Clone()
	}

	switch incoming.Type {
	case op.Create:
		k := Key(incoming)
		for _, p := range out {
			if p.Type == op.Create && Key(p) == k {
				return out, Rejected, p.ID
			}
		}

	case op.Update:
		target := incoming.Target()
		last := lastFor(out, target)
		if last >= 0 {
			p := &out[last]
			switch {
			case p.Type == op.Create && p.TempID == target && p.OwnerID == incoming.OwnerID:
				p.Data = book.MergePayload(p.Data, incoming.Data)
				p.Revision++
				return out, Merged, p.ID
			case p.Type == op.Update && Key(*p) == Key(incoming):
				*p = fold(*p, incoming)
				return out, Merged, p.ID
			}
		}

	case op.Delete:
		target := incoming.Target()
		if book.IsTempID(target) {
			kept := out[:0]
			for _, p := range out {
				if p.Target() == target {
					continue
				}
				kept = append(kept, p)
			}
			return kept, Cancelled, ""
		}
		if last := lastFor(out, target); last >= 0 && Key(out[last]) == Key(incoming) {
			return out, Merged, out[last].ID
		}
	}

	return append(out, incoming.Clone()), Appended, incoming.ID
}

// lastFor returns the index of the last operation addressing target, or -1.
func lastFor(ops []op.Operation, target string) int {
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].Target() == target {
			return i
		}
	}
	return -1
}
