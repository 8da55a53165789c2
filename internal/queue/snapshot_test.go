package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/book"
)

func TestLoadSnapshot_NoneSaved(t *testing.T) {
	s, _ := newStore(t)
	snap, err := s.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestSnapshot_WireFormat(t *testing.T) {
	ctx := context.Background()
	s, mem := newStore(t)
	require.NoError(t, s.SaveSnapshot(ctx, nil))

	raw, ok, err := mem.Get(ctx, SnapshotKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"books":[],"timestamp":"2024-05-01T09:00:00Z","version":"1.0"}`, raw)
}

func TestRewriteSnapshotID(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	offline := book.Book{ID: "offline_123", Title: "Dune", Author: "Herbert", Offline: true}
	other := book.Book{ID: "7", Title: "Emma", Author: "Austen"}
	require.NoError(t, s.SaveSnapshot(ctx, []book.Book{offline, other}))

	confirmed := offline
	confirmed.ID = "42"
	require.NoError(t, s.RewriteSnapshotID(ctx, "offline_123", confirmed))

	snap, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Books, 2)
	assert.Equal(t, "42", snap.Books[0].ID)
	assert.False(t, snap.Books[0].Offline)
	assert.Equal(t, -1, book.Index(snap.Books, "offline_123"))
}

func TestRewriteSnapshotID_ConfirmedAlreadyCached(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	require.NoError(t, s.SaveSnapshot(ctx, []book.Book{
		{ID: "offline_1", Title: "Dune", Author: "Herbert", Offline: true},
		{ID: "42", Title: "Dune", Author: "Herbert"},
	}))
	require.NoError(t, s.RewriteSnapshotID(ctx, "offline_1", book.Book{ID: "42", Title: "Dune", Author: "Herbert"}))

	snap, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Books, 1)
	assert.Equal(t, "42", snap.Books[0].ID)
}

func TestUpsertAndRemoveFromSnapshot(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	require.NoError(t, s.UpsertSnapshot(ctx, book.Book{ID: "7", Title: "Emma", Author: "Austen", Rating: 2}))
	require.NoError(t, s.UpsertSnapshot(ctx, book.Book{ID: "7", Title: "Emma", Author: "Austen", Rating: 5}))
	require.NoError(t, s.UpsertSnapshot(ctx, book.Book{ID: "8", Title: "Dune", Author: "Herbert"}))

	snap, err := s.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Books, 2)
	assert.Equal(t, 5, snap.Books[0].Rating)

	require.NoError(t, s.RemoveFromSnapshot(ctx, "7"))
	require.NoError(t, s.RemoveFromSnapshot(ctx, "missing"))
	snap, err = s.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Books, 1)
	assert.Equal(t, "8", snap.Books[0].ID)

	require.NoError(t, s.ClearSnapshot(ctx))
	snap, err = s.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
}
