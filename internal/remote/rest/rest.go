// Package rest implements remote.Remote over a PostgREST-style JSON API
// (the shape served by Supabase and similar backends):
//
//	GET    /rest/v1/books?owner_id=eq.{owner}[&id=eq.{id}][&title=ilike.{t}&author=ilike.{a}]
//	POST   /rest/v1/books                          (Prefer: return=representation)
//	PATCH  /rest/v1/books?id=eq.{id}&owner_id=eq.{owner}
//	DELETE /rest/v1/books?id=eq.{id}&owner_id=eq.{owner}
//	GET    /auth/v1/user
//	POST   /auth/v1/token?grant_type=refresh_token
//
// Requests are paced by a client-side token bucket.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/remote"
	"github.com/roach88/shelfsync/internal/syncerr"
)

var _ remote.Remote = (*Client)(nil)

// Config configures a Client.
type Config struct {
	BaseURL      string
	APIKey       string
	AccessToken  string
	RefreshToken string
	Timeout      time.Duration

	// RateLimit is the sustained request rate per second; zero disables
	// pacing. Burst defaults to 1.
	RateLimit float64
	Burst     int
}

// Client talks to the remote authority over HTTP.
type Client struct {
	cfg     Config
	hc      *http.Client
	limiter *rate.Limiter

	mu      sync.Mutex
	session *remote.Session
	refresh string
	now     func() time.Time
}

// New builds a client. A zero Timeout uses 15 seconds.
func New(cfg Config) *Client {
	to := cfg.Timeout
	if to == 0 {
		to = 15 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		hc:      &http.Client{Timeout: to},
		limiter: rate.NewLimiter(limit, burst),
		refresh: cfg.RefreshToken,
		now:     time.Now,
	}
}

// row is the wire form of a book.
type row struct {
	ID          string    `json:"id,omitempty"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Status      string    `json:"status,omitempty"`
	Rating      int       `json:"rating"`
	Description string    `json:"description,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	CoverImage  string    `json:"cover_image,omitempty"`
	DateAdded   time.Time `json:"date_added"`
	UpdatedAt   time.Time `json:"updated_at"`
	OwnerID     string    `json:"owner_id"`
}

func toRow(b book.Book) row {
	return row{
		Title:       b.Title,
		Author:      b.Author,
		Status:      string(b.Status),
		Rating:      b.Rating,
		Description: b.Description,
		Notes:       b.Notes,
		CoverImage:  b.CoverImage,
		DateAdded:   b.DateAdded,
		UpdatedAt:   b.UpdatedAt,
		OwnerID:     b.OwnerID,
	}
}

func (r row) book() book.Book {
	return book.Book{
		ID:          r.ID,
		Title:       r.Title,
		Author:      r.Author,
		Status:      book.Status(r.Status),
		Rating:      r.Rating,
		Description: r.Description,
		Notes:       r.Notes,
		CoverImage:  r.CoverImage,
		DateAdded:   r.DateAdded,
		UpdatedAt:   r.UpdatedAt,
		OwnerID:     r.OwnerID,
	}
}

// patchColumns maps payload keys to column names.
var patchColumns = map[string]string{
	"coverImage": "cover_image",
	"dateAdded":  "date_added",
	"updatedAt":  "updated_at",
	"ownerId":    "owner_id",
}

func toPatch(p book.Payload) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if col, ok := patchColumns[k]; ok {
			k = col
		}
		out[k] = v
	}
	return out
}

func (c *Client) SelectByOwner(ctx context.Context, ownerID string) ([]book.Book, error) {
	q := url.Values{}
	q.Set("owner_id", "eq."+ownerID)
	q.Set("order", "date_added.asc")
	return c.selectRows(ctx, "select_by_owner", q)
}

// SelectByKey fetches the owner's rows and matches them with book.SameWork,
// which folds Unicode forms and inner whitespace that ilike cannot.
func (c *Client) SelectByKey(ctx context.Context, ownerID, title, author string) ([]book.Book, error) {
	q := url.Values{}
	q.Set("owner_id", "eq."+ownerID)
	rows, err := c.selectRows(ctx, "select_by_key", q)
	if err != nil {
		return nil, err
	}
	key := book.Book{Title: title, Author: author}
	var out []book.Book
	for _, b := range rows {
		if book.SameWork(b, key) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (c *Client) SelectByID(ctx context.Context, id, ownerID string) (book.Book, error) {
	books, err := c.selectRows(ctx, "select_by_id", byID(id, ownerID))
	if err != nil {
		return book.Book{}, err
	}
	if len(books) == 0 {
		return book.Book{}, syncerr.New(syncerr.CodeNotFound, "select_by_id", "record "+id+" not found")
	}
	return books[0], nil
}

func (c *Client) Insert(ctx context.Context, b book.Book) (book.Book, error) {
	var rows []row
	if err := c.do(ctx, "insert", http.MethodPost, "/rest/v1/books", nil, toRow(b), &rows); err != nil {
		return book.Book{}, err
	}
	if len(rows) == 0 {
		return book.Book{}, syncerr.New(syncerr.CodeRemote, "insert", "empty representation")
	}
	return rows[0].book(), nil
}

func (c *Client) UpdateByID(ctx context.Context, id, ownerID string, patch book.Payload) (book.Book, error) {
	var rows []row
	if err := c.do(ctx, "update_by_id", http.MethodPatch, "/rest/v1/books", byID(id, ownerID), toPatch(patch), &rows); err != nil {
		return book.Book{}, err
	}
	if len(rows) == 0 {
		return book.Book{}, syncerr.New(syncerr.CodeNotFound, "update_by_id", "record "+id+" not found")
	}
	return rows[0].book(), nil
}

func (c *Client) DeleteByID(ctx context.Context, id, ownerID string) error {
	var rows []row
	if err := c.do(ctx, "delete_by_id", http.MethodDelete, "/rest/v1/books", byID(id, ownerID), nil, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return syncerr.New(syncerr.CodeNotFound, "delete_by_id", "record "+id+" not found")
	}
	return nil
}

// CurrentSession returns the cached session, looking the user up with the
// access token the first time. An expired or rejected token yields nil.
func (c *Client) CurrentSession(ctx context.Context) (*remote.Session, error) {
	c.mu.Lock()
	s := c.session
	token := c.cfg.AccessToken
	c.mu.Unlock()

	if s != nil {
		if s.Valid(c.now()) {
			cp := *s
			return &cp, nil
		}
		return nil, nil
	}
	if token == "" {
		return nil, nil
	}

	var user struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, "current_session", http.MethodGet, "/auth/v1/user", nil, nil, &user)
	if syncerr.IsAuth(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = &remote.Session{UserID: user.ID, AccessToken: token, RefreshToken: c.refresh}
	cp := *c.session
	return &cp, nil
}

// RefreshSession exchanges the refresh token for a new session. Without a
// refresh token, or when the server rejects it, the result is nil.
func (c *Client) RefreshSession(ctx context.Context) (*remote.Session, error) {
	c.mu.Lock()
	refresh := c.refresh
	c.mu.Unlock()
	if refresh == "" {
		return nil, nil
	}

	var grant struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		User         struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	q := url.Values{}
	q.Set("grant_type", "refresh_token")
	body := map[string]string{"refresh_token": refresh}
	err := c.do(ctx, "refresh_session", http.MethodPost, "/auth/v1/token", q, body, &grant)
	if syncerr.IsAuth(err) {
		slog.Warn("session refresh rejected")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	s := &remote.Session{
		UserID:       grant.User.ID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
	}
	if grant.ExpiresIn > 0 {
		s.ExpiresAt = c.now().Add(time.Duration(grant.ExpiresIn) * time.Second)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
	c.cfg.AccessToken = s.AccessToken
	if s.RefreshToken != "" {
		c.refresh = s.RefreshToken
	}
	cp := *s
	return &cp, nil
}

func (c *Client) selectRows(ctx context.Context, method string, q url.Values) ([]book.Book, error) {
	q.Set("select", "*")
	var rows []row
	if err := c.do(ctx, method, http.MethodGet, "/rest/v1/books", q, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]book.Book, len(rows))
	for i, r := range rows {
		out[i] = r.book()
	}
	return out, nil
}

// do sends one request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, verb, path string, q url.Values, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return syncerr.Wrap(syncerr.CodeNetwork, method, err)
	}

	u := strings.TrimRight(c.cfg.BaseURL, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", method, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, verb, u, body)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	c.mu.Lock()
	token := c.cfg.AccessToken
	c.mu.Unlock()
	if c.cfg.APIKey != "" {
		req.Header.Set("apikey", c.cfg.APIKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if verb != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return syncerr.Wrap(syncerr.CodeNetwork, method, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusUnauthorized {
			c.mu.Lock()
			c.session = nil
			c.mu.Unlock()
		}
		return statusError(method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return syncerr.Wrap(syncerr.CodeRemote, method, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// statusError classifies a non-2xx response.
func statusError(method string, status int, body string) error {
	msg := fmt.Sprintf("%d %s", status, http.StatusText(status))
	if body != "" {
		msg += ": " + body
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncerr.New(syncerr.CodeAuth, method, msg)
	case status == http.StatusNotFound:
		return syncerr.New(syncerr.CodeNotFound, method, msg)
	case status == http.StatusConflict:
		return syncerr.New(syncerr.CodeConflict, method, msg)
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return syncerr.New(syncerr.CodeNetwork, method, msg)
	}
	return syncerr.New(syncerr.CodeRemote, method, msg)
}

func byID(id, ownerID string) url.Values {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("owner_id", "eq."+ownerID)
	return q
}
