// Package remote defines the authority the engine synchronizes with.
//
// Every call is scoped by owner. Failures are classified with syncerr codes:
// NETWORK when the authority cannot be reached, AUTH when the session is
// missing or rejected, NOT_FOUND when the addressed record does not exist.
package remote

import (
	"context"
	"time"

	"github.com/roach88/shelfsync/internal/book"
)

// Session is an authenticated session with the remote authority.
type Session struct {
	UserID       string    `json:"userId"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Valid reports whether the session can be used at now. A zero ExpiresAt
// never expires.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || s.UserID == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Remote is the surface the sync engine and coordinator require.
type Remote interface {
	// SelectByOwner returns every record of ownerID.
	SelectByOwner(ctx context.Context, ownerID string) ([]book.Book, error)

	// SelectByKey returns the records of ownerID with the given title and
	// author, compared case-insensitively.
	SelectByKey(ctx context.Context, ownerID, title, author string) ([]book.Book, error)

	// SelectByID returns one record or a NOT_FOUND error.
	SelectByID(ctx context.Context, id, ownerID string) (book.Book, error)

	// Insert stores b and returns it with its authoritative id.
	Insert(ctx context.Context, b book.Book) (book.Book, error)

	// UpdateByID applies patch and returns the updated record, or a
	// NOT_FOUND error.
	UpdateByID(ctx context.Context, id, ownerID string, patch book.Payload) (book.Book, error)

	// DeleteByID removes the record. Deleting a missing record yields a
	// NOT_FOUND error.
	DeleteByID(ctx context.Context, id, ownerID string) error

	// CurrentSession returns the active session, or nil when signed out.
	CurrentSession(ctx context.Context) (*Session, error)

	// RefreshSession tries to renew the session; nil when it cannot.
	RefreshSession(ctx context.Context) (*Session, error)
}
