package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/shelfsync/internal/book"
)

// ExpectationError describes one expectation that did not hold.
type ExpectationError struct {
	Field    string // expectation path, e.g. "books[0].rating"
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *ExpectationError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Field, e.Expected, e.Actual)
}

// check compares the final state with x and returns one message per
// mismatch.
func (h *Harness) check(x Expect) []string {
	var errs []*ExpectationError
	if x.QueueLen != nil {
		if got := h.queue.Len(); got != *x.QueueLen {
			errs = append(errs, &ExpectationError{
				Field:    "queue_len",
				Expected: fmt.Sprint(*x.QueueLen),
				Actual:   fmt.Sprint(got),
			})
		}
	}
	if x.Books != nil {
		errs = append(errs, matchBooks("books", x.Books, h.coord.List())...)
	}
	if x.RemoteBooks != nil {
		errs = append(errs, matchBooks("remote_books", x.RemoteBooks, h.remote.Books(RemoteOwner))...)
	}

	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return msgs
}

// matchBooks compares records in order.
func matchBooks(field string, want []BookExpect, got []book.Book) []*ExpectationError {
	if len(want) != len(got) {
		return []*ExpectationError{{
			Field:    field,
			Expected: fmt.Sprintf("%d record(s)", len(want)),
			Actual:   fmt.Sprintf("%d record(s) %s", len(got), ids(got)),
		}}
	}
	var errs []*ExpectationError
	for i := range want {
		errs = append(errs, matchBook(fmt.Sprintf("%s[%d]", field, i), want[i], got[i])...)
	}
	return errs
}

// matchBook applies the subset match of want to b.
func matchBook(field string, want BookExpect, b book.Book) []*ExpectationError {
	var errs []*ExpectationError
	str := func(name, want, got string) {
		if want != "" && want != got {
			errs = append(errs, &ExpectationError{Field: field + "." + name, Expected: fmt.Sprintf("%q", want), Actual: fmt.Sprintf("%q", got)})
		}
	}
	str("id", want.ID, b.ID)
	str("title", want.Title, b.Title)
	str("author", want.Author, b.Author)
	str("status", want.Status, string(b.Status))

	if want.Rating != nil && *want.Rating != b.Rating {
		errs = append(errs, &ExpectationError{Field: field + ".rating", Expected: fmt.Sprint(*want.Rating), Actual: fmt.Sprint(b.Rating)})
	}
	if want.Notes != nil && *want.Notes != b.Notes {
		errs = append(errs, &ExpectationError{Field: field + ".notes", Expected: fmt.Sprintf("%q", *want.Notes), Actual: fmt.Sprintf("%q", b.Notes)})
	}
	if want.Offline != nil && *want.Offline != b.Offline {
		errs = append(errs, &ExpectationError{Field: field + ".offline", Expected: fmt.Sprint(*want.Offline), Actual: fmt.Sprint(b.Offline)})
	}
	return errs
}

func ids(books []book.Book) string {
	out := make([]string, len(books))
	for i, b := range books {
		out[i] = b.ID
	}
	return "[" + strings.Join(out, " ") + "]"
}
