package coordinator

import (
	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/op"
)

// Kind is the kind of a pending mutation.
type Kind string

const (
	KindAdd     Kind = "add"
	KindUpdate  Kind = "update"
	KindDelete  Kind = "delete"
	KindConfirm Kind = "confirm"
)

// Mutation is a local change applied on top of the committed list.
type Mutation struct {
	// Seq identifies a pending mutation for rollback.
	Seq  int64
	Kind Kind

	// Book is the record written by add, update and confirm.
	Book book.Book

	// ID is the record removed by delete, or the temporary id replaced by
	// confirm.
	ID string
}

// Reduce returns books with m applied. books is not modified.
func Reduce(books []book.Book, m Mutation) []book.Book {
	out := book.Clone(books)
	switch m.Kind {
	case KindAdd, KindUpdate:
		if i := book.Index(out, m.Book.ID); i >= 0 {
			out[i] = m.Book
			return out
		}
		if m.Kind == KindAdd {
			out = append(out, m.Book)
		}
	case KindDelete:
		if i := book.Index(out, m.ID); i >= 0 {
			out = append(out[:i], out[i+1:]...)
		}
	case KindConfirm:
		i := book.Index(out, m.ID)
		if i < 0 {
			return out
		}
		if j := book.Index(out, m.Book.ID); j >= 0 && j != i {
			out[j] = m.Book
			return append(out[:i], out[i+1:]...)
		}
		out[i] = m.Book
	}
	return out
}

// Fold applies pending to committed in order.
func Fold(committed []book.Book, pending []Mutation) []book.Book {
	out := book.Clone(committed)
	for _, m := range pending {
		out = Reduce(out, m)
	}
	if out == nil {
		out = []book.Book{}
	}
	return out
}

// without returns pending minus the mutation with the given seq.
func without(pending []Mutation, seq int64) []Mutation {
	out := make([]Mutation, 0, len(pending))
	for _, m := range pending {
		if m.Seq != seq {
			out = append(out, m)
		}
	}
	return out
}

// merge combines a remote listing with the cache: remote records replace
// cached ones, records still unconfirmed locally are kept.
func merge(remote, cached []book.Book) []book.Book {
	out := book.Clone(remote)
	if out == nil {
		out = []book.Book{}
	}
	for _, b := range cached {
		if b.Offline && book.Index(out, b.ID) < 0 {
			out = append(out, b)
		}
	}
	return out
}

// overlay applies queued intent to a remote listing so a refresh does not
// resurrect records deleted offline or revert queued edits.
func overlay(books []book.Book, ops []op.Operation) []book.Book {
	out := book.Clone(books)
	for _, o := range ops {
		switch o.Type {
		case op.Delete:
			out = Reduce(out, Mutation{Kind: KindDelete, ID: o.TargetID})
		case op.Update:
			i := book.Index(out, o.TargetID)
			if i < 0 {
				continue
			}
			if updated, err := book.Apply(out[i], o.Data); err == nil {
				out[i] = updated
			}
		}
	}
	return out
}
