package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/dedup"
	"github.com/roach88/shelfsync/internal/kv"
	"github.com/roach88/shelfsync/internal/op"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) (*Store, *kv.Memory) {
	t.Helper()
	mem := kv.NewMemory()
	s := New(mem, WithNow(func() time.Time { return t0 }))
	require.NoError(t, s.Load(context.Background()))
	return s, mem
}

func dune(id, tempID string) op.Operation {
	return op.NewCreate(id, book.Book{ID: tempID, Title: "Dune", Author: "Herbert"}, t0)
}

func ids(ops []op.Operation) []string {
	out := make([]string, len(ops))
	for i, o := range ops {
		out[i] = o.ID
	}
	return out
}

func TestEnqueue_PersistsImmediately(t *testing.T) {
	ctx := context.Background()
	s, mem := newStore(t)

	id, outcome, err := s.Enqueue(ctx, dune("op-1", "offline_1"))
	require.NoError(t, err)
	assert.Equal(t, "op-1", id)
	assert.Equal(t, dedup.Appended, outcome)

	raw, ok, err := mem.Get(ctx, QueueKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, `"id":"op-1"`)

	// A fresh store over the same kv sees the operation.
	restarted := New(mem)
	require.NoError(t, restarted.Load(ctx))
	assert.Equal(t, 1, restarted.Len())
}

func TestEnqueue_DuplicateCreateSuppressed(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	_, _, err := s.Enqueue(ctx, dune("op-1", "offline_1"))
	require.NoError(t, err)

	id, outcome, err := s.Enqueue(ctx, dune("op-2", "offline_2"))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, dedup.Rejected, outcome)
	assert.Equal(t, "op-1", id)
	assert.Equal(t, 1, s.Len())
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	s, _ := newStore(t)
	_, _, err := s.Enqueue(context.Background(), op.Operation{ID: "x", Type: op.Delete})
	assert.ErrorIs(t, err, op.ErrInvalid)
	assert.Equal(t, 0, s.Len())
}

func TestEnqueue_PersistFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	s, mem := newStore(t)
	_, _, err := s.Enqueue(ctx, dune("op-1", "offline_1"))
	require.NoError(t, err)

	mem.SetFailure(errors.New("disk full"))
	_, _, err = s.Enqueue(ctx, op.NewDelete("op-2", "7", "", t0))
	require.Error(t, err)
	assert.Equal(t, []string{"op-1"}, ids(s.All()))

	_, err = s.RemoveByID(ctx, "op-1")
	require.Error(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestFIFOWithDedup(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	enqueue := []op.Operation{
		op.NewUpdate("u1", "7", "", book.Payload{"rating": 1}, t0),
		dune("c1", "offline_1"),
		op.NewDelete("d1", "9", "", t0),
		op.NewUpdate("u2", "7", "", book.Payload{"rating": 4}, t0.Add(time.Second)),
		dune("c2", "offline_2"),
		op.NewUpdate("u3", "8", "", book.Payload{"rating": 2}, t0),
	}
	for _, o := range enqueue {
		_, _, _ = s.Enqueue(ctx, o)
	}

	all := s.All()
	assert.Equal(t, []string{"u1", "c1", "d1", "u3"}, ids(all))
	assert.EqualValues(t, 4, all[0].Data["rating"])
	assert.Equal(t, map[op.Type]int{op.Create: 1, op.Update: 2, op.Delete: 1}, s.CountByType())
}

func TestLoad_RepairsDuplicatesAndDropsInvalid(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()

	persisted, err := op.Encode([]op.Operation{
		dune("c1", "offline_1"),
		dune("c2", "offline_2"),
		{ID: "bad", Type: "PATCH", EntityKind: "book", TargetID: "1"},
	})
	require.NoError(t, err)
	require.NoError(t, mem.Set(ctx, QueueKey, string(persisted)))

	s := New(mem)
	require.NoError(t, s.Load(ctx))
	assert.Equal(t, []string{"c1"}, ids(s.All()))

	// The repaired queue was written back.
	raw, _, _ := mem.Get(ctx, QueueKey)
	decoded, invalid, err := op.Decode([]byte(raw))
	require.NoError(t, err)
	assert.Empty(t, invalid)
	assert.Len(t, decoded, 1)
}

func TestLoad_RedirectsReferencesToCollapsedCreate(t *testing.T) {
	tests := []struct {
		name   string
		cached []book.Book
		want   []string
	}{
		{
			name: "both records cached",
			cached: []book.Book{
				{ID: "offline_A", Title: "Dune", Author: "Herbert", Offline: true},
				{ID: "offline_B", Title: "dune", Author: "Herbert", Offline: true},
			},
			want: []string{"offline_A"},
		},
		{
			name:   "only the collapsed record cached",
			cached: []book.Book{{ID: "offline_B", Title: "dune", Author: "Herbert", Offline: true}},
			want:   []string{"offline_A"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mem := kv.NewMemory()
			persisted, err := op.Encode([]op.Operation{
				op.NewCreate("c1", book.Book{ID: "offline_A", Title: "Dune", Author: "Herbert"}, t0),
				op.NewCreate("c2", book.Book{ID: "offline_B", Title: "dune", Author: "Herbert"}, t0.Add(time.Second)),
				op.NewUpdate("u1", "offline_B", "", book.Payload{"rating": 5}, t0.Add(2*time.Second)),
			})
			require.NoError(t, err)
			require.NoError(t, mem.Set(ctx, QueueKey, string(persisted)))

			s := New(mem, WithNow(func() time.Time { return t0 }))
			require.NoError(t, s.SaveSnapshot(ctx, tt.cached))
			require.NoError(t, s.Load(ctx))

			ops := s.All()
			require.Equal(t, []string{"c1", "u1"}, ids(ops))
			assert.Equal(t, "offline_A", ops[1].Target())
			assert.True(t, s.HasPendingCreate(ops[1].Target()))

			snap, err := s.LoadSnapshot(ctx)
			require.NoError(t, err)
			got := make([]string, len(snap.Books))
			for i, b := range snap.Books {
				got[i] = b.ID
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoad_MalformedDocument(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	require.NoError(t, mem.Set(ctx, QueueKey, "{oops"))
	assert.Error(t, New(mem).Load(ctx))
}

func TestFail_IncrementsRetry(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	_, _, err := s.Enqueue(ctx, op.NewDelete("d1", "7", "", t0))
	require.NoError(t, err)

	next := t0.Add(2 * time.Second)
	o, err := s.Fail(ctx, "d1", errors.New("timeout"), &next)
	require.NoError(t, err)
	assert.Equal(t, 1, o.RetryCount)
	assert.Equal(t, "timeout", o.LastError)
	require.NotNil(t, o.NextAttemptAt)

	_, err = s.Fail(ctx, "missing", nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAck_RemovesUnchangedOperation(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	_, _, err := s.Enqueue(ctx, op.NewDelete("d1", "7", "", t0))
	require.NoError(t, err)

	removed, err := s.Ack(ctx, "d1", 0)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 0, s.Len())

	_, err = s.Ack(ctx, "d1", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAck_CreateChangedInFlightBecomesUpdate(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	_, _, err := s.Enqueue(ctx, dune("c1", "offline_1"))
	require.NoError(t, err)

	inFlight, _ := s.Get("c1")

	// The user edits the record while its CREATE is being sent.
	_, outcome, err := s.Enqueue(ctx, op.NewUpdate("u1", "offline_1", "", book.Payload{"rating": 5}, t0))
	require.NoError(t, err)
	assert.Equal(t, dedup.Merged, outcome)

	// The remote confirms the original CREATE as id 42.
	_, err = s.RewriteTarget(ctx, "offline_1", "42")
	require.NoError(t, err)
	removed, err := s.Ack(ctx, "c1", inFlight.Revision)
	require.NoError(t, err)
	assert.False(t, removed)

	o, ok := s.Get("c1")
	require.True(t, ok)
	assert.Equal(t, op.Update, o.Type)
	assert.Equal(t, "42", o.TargetID)
	assert.Empty(t, o.TempID)
	assert.EqualValues(t, 5, o.Data["rating"])
}

func TestRewriteTarget(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	_, _, err := s.Enqueue(ctx, dune("c1", "offline_1"))
	require.NoError(t, err)
	_, _, err = s.Enqueue(ctx, op.NewDelete("d1", "7", "", t0))
	require.NoError(t, err)

	n, err := s.RewriteTarget(ctx, "offline_1", "42")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, s.HasPendingCreate("offline_1"))

	for _, o := range s.All() {
		assert.NotEqual(t, "offline_1", o.Target())
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s, mem := newStore(t)
	_, _, err := s.Enqueue(ctx, op.NewDelete("d1", "7", "", t0))
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(ctx, []book.Book{{ID: "7", Title: "Dune", Author: "Herbert"}}))

	require.NoError(t, s.Clear(ctx))
	assert.Equal(t, 0, s.Len())
	_, ok, _ := mem.Get(ctx, QueueKey)
	assert.False(t, ok)
	_, ok, _ = mem.Get(ctx, SnapshotKey)
	assert.True(t, ok, "Clear leaves the snapshot")

	require.NoError(t, s.ClearAll(ctx))
	assert.Equal(t, 0, mem.Keys())
}

func TestQueue_SQLiteRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shelf.db")

	db, err := kv.Open(path)
	require.NoError(t, err)
	s := New(db)
	require.NoError(t, s.Load(ctx))
	_, _, err = s.Enqueue(ctx, dune("c1", "offline_1"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = kv.Open(path)
	require.NoError(t, err)
	defer db.Close()
	restarted := New(db)
	require.NoError(t, restarted.Load(ctx))
	o, ok := restarted.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "offline_1", o.TempID)
}
