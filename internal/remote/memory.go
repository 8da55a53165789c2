package remote

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/syncerr"
)

var _ Remote = (*Memory)(nil)

// Memory is an in-process remote authority. It assigns sequential ids
// ("1", "2", ...) and supports failure injection for tests and the
// scenario harness.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	books   []book.Book
	nextID  int
	session *Session
	refresh *Session
	calls   map[string]int

	failure   error
	failCount int // remaining failures; -1 fails until cleared
	loseReply bool

	// BeforeCall, when set, runs at the start of every data call with the
	// method name. Tests use it to change connectivity mid-drain.
	BeforeCall func(method string)
}

// MemoryOption configures a Memory remote.
type MemoryOption func(*Memory)

// WithNow sets the clock used for server timestamps.
func WithNow(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithSession starts the remote signed in as userID.
func WithSession(userID string) MemoryOption {
	return func(m *Memory) {
		m.session = &Session{UserID: userID, AccessToken: "token-" + userID}
	}
}

// NewMemory creates an empty remote.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:    time.Now,
		nextID: 1,
		calls:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetSession replaces the current session (nil signs out).
func (m *Memory) SetSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
}

// SetRefresh sets the session RefreshSession will hand out.
func (m *Memory) SetRefresh(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh = s
}

// Fail makes data calls fail with err until cleared with Fail(nil).
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
	m.failCount = -1
	if err == nil {
		m.failCount = 0
	}
}

// FailTimes makes the next n data calls fail with err.
func (m *Memory) FailTimes(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
	m.failCount = n
}

// LoseNextReply makes the next successful write report a network error
// after it was applied, as when a response is lost in transit.
func (m *Memory) LoseNextReply() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loseReply = true
}

// Calls returns how many times method was invoked.
func (m *Memory) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Books returns a copy of ownerID's records in insertion order.
func (m *Memory) Books(ownerID string) []book.Book {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []book.Book
	for _, b := range m.books {
		if b.OwnerID == ownerID {
			out = append(out, b)
		}
	}
	return out
}

// Edit changes a record as another device would, bypassing failure
// injection. It reports whether the record exists.
func (m *Memory) Edit(id string, patch book.Payload) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := book.Index(m.books, id)
	if i < 0 {
		return false
	}
	updated, err := book.Apply(m.books[i], patch)
	if err != nil {
		return false
	}
	updated.UpdatedAt = m.now().UTC()
	m.books[i] = updated
	return true
}

// Seed stores b with its id as given.
func (m *Memory) Seed(b book.Book) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.Offline = false
	m.books = append(m.books, b)
	if n, err := strconv.Atoi(b.ID); err == nil && n >= m.nextID {
		m.nextID = n + 1
	}
}

func (m *Memory) SelectByOwner(_ context.Context, ownerID string) ([]book.Book, error) {
	if err := m.enter("select_by_owner"); err != nil {
		return nil, err
	}
	return m.Books(ownerID), nil
}

func (m *Memory) SelectByKey(_ context.Context, ownerID, title, author string) ([]book.Book, error) {
	if err := m.enter("select_by_key"); err != nil {
		return nil, err
	}
	probe := book.Book{Title: title, Author: author}
	var out []book.Book
	for _, b := range m.Books(ownerID) {
		if book.SameWork(b, probe) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *Memory) SelectByID(_ context.Context, id, ownerID string) (book.Book, error) {
	if err := m.enter("select_by_id"); err != nil {
		return book.Book{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.find(id, ownerID)
	if i < 0 {
		return book.Book{}, notFound("select_by_id", id)
	}
	return m.books[i], nil
}

func (m *Memory) Insert(_ context.Context, b book.Book) (book.Book, error) {
	if err := m.enter("insert"); err != nil {
		return book.Book{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	b.ID = strconv.Itoa(m.nextID)
	m.nextID++
	b.Offline = false
	if b.DateAdded.IsZero() {
		b.DateAdded = now
	}
	b.UpdatedAt = now
	m.books = append(m.books, b)
	return b, m.reply("insert")
}

func (m *Memory) UpdateByID(_ context.Context, id, ownerID string, patch book.Payload) (book.Book, error) {
	if err := m.enter("update_by_id"); err != nil {
		return book.Book{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.find(id, ownerID)
	if i < 0 {
		return book.Book{}, notFound("update_by_id", id)
	}
	updated, err := book.Apply(m.books[i], patch)
	if err != nil {
		return book.Book{}, syncerr.Wrap(syncerr.CodeRemote, "update_by_id", err)
	}
	updated.UpdatedAt = m.now().UTC()
	m.books[i] = updated
	return updated, m.reply("update_by_id")
}

func (m *Memory) DeleteByID(_ context.Context, id, ownerID string) error {
	if err := m.enter("delete_by_id"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.find(id, ownerID)
	if i < 0 {
		return notFound("delete_by_id", id)
	}
	m.books = append(m.books[:i], m.books[i+1:]...)
	return m.reply("delete_by_id")
}

func (m *Memory) CurrentSession(context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["current_session"]++
	if m.session == nil {
		return nil, nil
	}
	s := *m.session
	return &s, nil
}

func (m *Memory) RefreshSession(context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["refresh_session"]++
	if m.refresh == nil {
		return nil, nil
	}
	m.session = m.refresh
	m.refresh = nil
	s := *m.session
	return &s, nil
}

// enter counts the call, runs BeforeCall and applies failure injection.
func (m *Memory) enter(method string) error {
	m.mu.Lock()
	m.calls[method]++
	hook := m.BeforeCall
	m.mu.Unlock()

	if hook != nil {
		hook(method)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure == nil || m.failCount == 0 {
		return nil
	}
	if m.failCount > 0 {
		m.failCount--
	}
	return m.failure
}

// reply reports a lost response once after LoseNextReply. Caller holds mu.
func (m *Memory) reply(method string) error {
	if !m.loseReply {
		return nil
	}
	m.loseReply = false
	return syncerr.New(syncerr.CodeNetwork, method, "connection reset before response")
}

// find returns the index of id owned by ownerID. Caller holds mu.
func (m *Memory) find(id, ownerID string) int {
	for i, b := range m.books {
		if b.ID == id && b.OwnerID == ownerID {
			return i
		}
	}
	return -1
}

func notFound(method, id string) error {
	return syncerr.New(syncerr.CodeNotFound, method, "record "+id+" not found")
}
