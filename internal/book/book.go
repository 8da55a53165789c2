// Package book defines the record synchronized by the offline engine.
//
// A Book is either confirmed (its ID was assigned by the remote authority)
// or offline (its ID is a temporary id created on this device and the
// Offline flag is set). Operations carry field values as a Payload, a plain
// field map keyed by the JSON field names of Book.
package book

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// EntityKind is the operation entity tag for books.
const EntityKind = "book"

// ErrInvalid is returned by Validate for records that cannot be stored.
var ErrInvalid = errors.New("invalid book")

// Status is the reading status of a book.
type Status string

const (
	StatusRead       Status = "READ"
	StatusReading    Status = "READING"
	StatusWantToRead Status = "WANT_TO_READ"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRead, StatusReading, StatusWantToRead:
		return true
	}
	return false
}

// ParseStatus accepts the canonical names case-insensitively, with '-' or ' '
// allowed in place of '_' ("want to read", "want-to-read").
func ParseStatus(s string) (Status, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	st := Status(normalized)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalid, s)
	}
	return st, nil
}

// MaxRating is the highest allowed rating.
const MaxRating = 5

// Book is a single entry of the personal collection.
type Book struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Status      Status    `json:"status"`
	Rating      int       `json:"rating"`
	Description string    `json:"description,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	CoverImage  string    `json:"coverImage,omitempty"`
	DateAdded   time.Time `json:"dateAdded"`
	UpdatedAt   time.Time `json:"updatedAt"`
	OwnerID     string    `json:"ownerId,omitempty"`

	// Offline is set while the record has not been confirmed remotely.
	Offline bool `json:"offline,omitempty"`
}

// Validate checks the fields the sync engine relies on.
func (b Book) Validate() error {
	if strings.TrimSpace(b.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if strings.TrimSpace(b.Author) == "" {
		return fmt.Errorf("%w: author is required", ErrInvalid)
	}
	if b.Rating < 0 || b.Rating > MaxRating {
		return fmt.Errorf("%w: rating %d out of range 0-%d", ErrInvalid, b.Rating, MaxRating)
	}
	if b.Status != "" && !b.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, b.Status)
	}
	return nil
}

// IsTemp reports whether the book still carries a temporary id.
func (b Book) IsTemp() bool {
	return IsTempID(b.ID)
}

// NormalizeText returns the comparison form of a title or author: NFC,
// case-folded, with whitespace runs collapsed to one space.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// SameWork reports whether two books describe the same title by the same
// author once both are normalized with NormalizeText.
func SameWork(a, b Book) bool {
	return NormalizeText(a.Title) == NormalizeText(b.Title) &&
		NormalizeText(a.Author) == NormalizeText(b.Author)
}

// Index returns the position of the book with the given id, or -1.
func Index(books []Book, id string) int {
	for i, b := range books {
		if b.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a copy of the slice.
func Clone(books []Book) []Book {
	if books == nil {
		return nil
	}
	out := make([]Book, len(books))
	copy(out, books)
	return out
}
