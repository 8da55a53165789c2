package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/syncerr"
)

// fakeServer is a tiny PostgREST look-alike over an in-memory table.
type fakeServer struct {
	mu       sync.Mutex
	rows     []row
	next     int
	token    string
	refresh  string
	status   int // forced status for data calls when non-zero
	lastAuth string
	apikey   string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAuth = r.Header.Get("Authorization")
	f.apikey = r.Header.Get("apikey")

	switch r.URL.Path {
	case "/auth/v1/user":
		if r.Header.Get("Authorization") != "Bearer "+f.token {
			http.Error(w, `{"message":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]string{"id": "u1"})
		return
	case "/auth/v1/token":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != f.refresh || r.URL.Query().Get("grant_type") != "refresh_token" {
			http.Error(w, `{"message":"bad refresh"}`, http.StatusUnauthorized)
			return
		}
		f.token = "fresh-token"
		writeJSON(w, map[string]any{
			"access_token":  "fresh-token",
			"refresh_token": "next-refresh",
			"expires_in":    3600,
			"user":          map[string]string{"id": "u1"},
		})
		return
	case "/rest/v1/books":
	default:
		http.NotFound(w, r)
		return
	}

	if f.status != 0 {
		http.Error(w, "forced", f.status)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+f.token {
		http.Error(w, "jwt expired", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, f.match(q))
	case http.MethodPost:
		var in row
		_ = json.NewDecoder(r.Body).Decode(&in)
		f.next++
		in.ID = strconv.Itoa(f.next)
		in.UpdatedAt = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
		f.rows = append(f.rows, in)
		writeJSON(w, []row{in})
	case http.MethodPatch:
		var patch map[string]any
		_ = json.NewDecoder(r.Body).Decode(&patch)
		var out []row
		for i, rw := range f.rows {
			if !f.matches(rw, q) {
				continue
			}
			if v, ok := patch["rating"].(float64); ok {
				rw.Rating = int(v)
			}
			if v, ok := patch["cover_image"].(string); ok {
				rw.CoverImage = v
			}
			f.rows[i] = rw
			out = append(out, rw)
		}
		writeJSON(w, nonNil(out))
	case http.MethodDelete:
		var kept, out []row
		for _, rw := range f.rows {
			if f.matches(rw, q) {
				out = append(out, rw)
				continue
			}
			kept = append(kept, rw)
		}
		f.rows = kept
		writeJSON(w, nonNil(out))
	}
}

func (f *fakeServer) match(q map[string][]string) []row {
	var out []row
	for _, rw := range f.rows {
		if f.matches(rw, q) {
			out = append(out, rw)
		}
	}
	return nonNil(out)
}

func (f *fakeServer) matches(rw row, q map[string][]string) bool {
	for col, vals := range q {
		v := vals[0]
		var field string
		switch col {
		case "id":
			field = rw.ID
		case "owner_id":
			field = rw.OwnerID
		case "title":
			field = rw.Title
		case "author":
			field = rw.Author
		default:
			continue
		}
		switch {
		case strings.HasPrefix(v, "eq."):
			if field != strings.TrimPrefix(v, "eq.") {
				return false
			}
		case strings.HasPrefix(v, "ilike."):
			if !strings.EqualFold(field, strings.TrimPrefix(v, "ilike.")) {
				return false
			}
		}
	}
	return true
}

func nonNil(rows []row) []row {
	if rows == nil {
		return []row{}
	}
	return rows
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newClient(t *testing.T) (*Client, *fakeServer) {
	t.Helper()
	f := &fakeServer{token: "good-token", refresh: "r1"}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c := New(Config{
		BaseURL:      srv.URL,
		APIKey:       "anon",
		AccessToken:  "good-token",
		RefreshToken: "r1",
		Timeout:      2 * time.Second,
		RateLimit:    1000,
		Burst:        10,
	})
	return c, f
}

func TestClient_CRUD(t *testing.T) {
	ctx := context.Background()
	c, f := newClient(t)

	inserted, err := c.Insert(ctx, book.Book{ID: "offline_1", Title: "Dune", Author: "Herbert", OwnerID: "u1", CoverImage: "dune.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "1", inserted.ID)
	assert.Equal(t, "dune.jpg", inserted.CoverImage)
	assert.Equal(t, "anon", f.apikey)
	assert.Equal(t, "Bearer good-token", f.lastAuth)

	found, err := c.SelectByKey(ctx, "u1", "DUNE", "herbert ")
	require.NoError(t, err)
	require.Len(t, found, 1)

	none, err := c.SelectByKey(ctx, "u2", "Dune", "Herbert")
	require.NoError(t, err)
	assert.Empty(t, none)

	updated, err := c.UpdateByID(ctx, "1", "u1", book.Payload{"rating": 4, "coverImage": "new.jpg"})
	require.NoError(t, err)
	assert.Equal(t, 4, updated.Rating)
	assert.Equal(t, "new.jpg", updated.CoverImage)

	got, err := c.SelectByID(ctx, "1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.Rating)

	all, err := c.SelectByOwner(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, c.DeleteByID(ctx, "1", "u1"))
	assert.True(t, syncerr.IsNotFound(c.DeleteByID(ctx, "1", "u1")))

	_, err = c.UpdateByID(ctx, "1", "u1", book.Payload{"rating": 1})
	assert.True(t, syncerr.IsNotFound(err))
	_, err = c.SelectByID(ctx, "1", "u1")
	assert.True(t, syncerr.IsNotFound(err))
}

func TestClient_StatusClassification(t *testing.T) {
	ctx := context.Background()
	c, f := newClient(t)

	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusServiceUnavailable, syncerr.IsNetwork},
		{http.StatusTooManyRequests, syncerr.IsNetwork},
		{http.StatusUnauthorized, syncerr.IsAuth},
		{http.StatusForbidden, syncerr.IsAuth},
		{http.StatusConflict, syncerr.IsConflict},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			f.mu.Lock()
			f.status = tt.status
			f.mu.Unlock()
			_, err := c.SelectByOwner(ctx, "u1")
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}

	f.mu.Lock()
	f.status = http.StatusBadRequest
	f.mu.Unlock()
	_, err := c.SelectByOwner(ctx, "u1")
	assert.Equal(t, syncerr.CodeRemote, syncerr.CodeOf(err))
}

func TestClient_UnreachableIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := New(Config{BaseURL: base, AccessToken: "t", Timeout: time.Second})
	_, err := c.SelectByOwner(context.Background(), "u1")
	assert.True(t, syncerr.IsNetwork(err))
}

func TestClient_Sessions(t *testing.T) {
	ctx := context.Background()
	c, f := newClient(t)

	s, err := c.CurrentSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "u1", s.UserID)

	// The token expires server-side; the next data call is rejected and
	// the cached session is dropped.
	f.mu.Lock()
	f.token = "rotated"
	f.mu.Unlock()
	_, err = c.SelectByOwner(ctx, "u1")
	assert.True(t, syncerr.IsAuth(err))

	s, err = c.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = c.RefreshSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "fresh-token", s.AccessToken)
	assert.False(t, s.ExpiresAt.IsZero())

	_, err = c.SelectByOwner(ctx, "u1")
	assert.NoError(t, err)
}

func TestClient_NoTokens(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1"})
	s, err := c.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = c.RefreshSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestClient_SelectByKeyNormalizes(t *testing.T) {
	ctx := context.Background()
	c, _ := newClient(t)

	_, err := c.Insert(ctx, book.Book{ID: "offline_1", Title: "Cafe\u0301  Society", Author: "Herbert", OwnerID: "u1"})
	require.NoError(t, err)
	_, err = c.Insert(ctx, book.Book{ID: "offline_2", Title: "Dune", Author: "Herbert", OwnerID: "u1"})
	require.NoError(t, err)

	found, err := c.SelectByKey(ctx, "u1", "caf\u00e9 society", "HERBERT")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "1", found[0].ID)
}
