package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/shelfsync/internal/book"
)

// SnapshotVersion is written into every persisted snapshot.
const SnapshotVersion = "1.0"

// Snapshot is the persisted offline record cache.
type Snapshot struct {
	Books     []book.Book `json:"books"`
	Timestamp time.Time   `json:"timestamp"`
	Version   string      `json:"version"`
}

// SaveSnapshot replaces the offline snapshot with books.
func (s *Store) SaveSnapshot(ctx context.Context, books []book.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeSnapshot(ctx, books)
}

// LoadSnapshot returns the offline snapshot, or nil when none was saved.
func (s *Store) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSnapshot(ctx)
}

// RewriteSnapshotID replaces the cached record with the temporary id tempID
// by confirmed, which carries the authoritative id. The offline flag is
// cleared. A snapshot without tempID is left unchanged.
func (s *Store) RewriteSnapshotID(ctx context.Context, tempID string, confirmed book.Book) error {
	return s.editSnapshot(ctx, func(books []book.Book) ([]book.Book, bool) {
		i := book.Index(books, tempID)
		if i < 0 {
			return books, false
		}
		confirmed.Offline = false
		if j := book.Index(books, confirmed.ID); j >= 0 && j != i {
			// The confirmed record was already cached (a refresh raced the
			// rewrite); keep a single entry.
			books[j] = confirmed
			return append(books[:i], books[i+1:]...), true
		}
		books[i] = confirmed
		return books, true
	})
}

// UpsertSnapshot inserts b or replaces the cached record with the same id.
func (s *Store) UpsertSnapshot(ctx context.Context, b book.Book) error {
	return s.editSnapshot(ctx, func(books []book.Book) ([]book.Book, bool) {
		if i := book.Index(books, b.ID); i >= 0 {
			books[i] = b
			return books, true
		}
		return append(books, b), true
	})
}

// RemoveFromSnapshot deletes the cached record with the given id.
func (s *Store) RemoveFromSnapshot(ctx context.Context, id string) error {
	return s.editSnapshot(ctx, func(books []book.Book) ([]book.Book, bool) {
		i := book.Index(books, id)
		if i < 0 {
			return books, false
		}
		return append(books[:i], books[i+1:]...), true
	})
}

// ClearSnapshot removes the offline snapshot.
func (s *Store) ClearSnapshot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Remove(ctx, SnapshotKey); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}

// aliasSnapshot folds cached records whose CREATE was collapsed into the
// record of the surviving CREATE. The caller holds s.mu.
func (s *Store) aliasSnapshot(ctx context.Context, aliases map[string]string) error {
	snap, err := s.readSnapshot(ctx)
	if err != nil || snap == nil {
		return err
	}
	present := make(map[string]bool, len(snap.Books))
	for _, b := range snap.Books {
		if _, aliased := aliases[b.ID]; !aliased {
			present[b.ID] = true
		}
	}
	books := make([]book.Book, 0, len(snap.Books))
	changed := false
	for _, b := range snap.Books {
		to, ok := aliases[b.ID]
		if !ok {
			books = append(books, b)
			continue
		}
		changed = true
		if present[to] {
			slog.Info("dropping cached duplicate record", "record_id", b.ID, "alias_of", to)
			continue
		}
		b.ID = to
		present[to] = true
		books = append(books, b)
	}
	if !changed {
		return nil
	}
	return s.writeSnapshot(ctx, books)
}

func (s *Store) editSnapshot(ctx context.Context, fn func([]book.Book) ([]book.Book, bool)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.readSnapshot(ctx)
	if err != nil {
		return err
	}
	var books []book.Book
	if snap != nil {
		books = snap.Books
	}
	next, changed := fn(books)
	if !changed {
		return nil
	}
	return s.writeSnapshot(ctx, next)
}

func (s *Store) readSnapshot(ctx context.Context) (*Snapshot, error) {
	raw, ok, err := s.kv.Get(ctx, SnapshotKey)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		slog.Warn("offline snapshot has unexpected version", "version", snap.Version, "want", SnapshotVersion)
	}
	return &snap, nil
}

func (s *Store) writeSnapshot(ctx context.Context, books []book.Book) error {
	if books == nil {
		books = []book.Book{}
	}
	data, err := json.Marshal(Snapshot{
		Books:     books,
		Timestamp: s.now().UTC(),
		Version:   SnapshotVersion,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.kv.Set(ctx, SnapshotKey, string(data)); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}
