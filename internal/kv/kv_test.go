package kv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "shelf.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// runContract exercises behaviour every Store must share.
func runContract(t *testing.T, s Store) {
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "a", `[1]`))
	require.NoError(t, s.Set(ctx, "a", `[1,2]`))
	v, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[1,2]`, v)

	require.NoError(t, s.Remove(ctx, "a"))
	require.NoError(t, s.Remove(ctx, "a"), "removing an absent key is fine")
	_, ok, _ = s.Get(ctx, "a")
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "x", "1"))
	require.NoError(t, s.Set(ctx, "y", "2"))
	require.NoError(t, s.Set(ctx, "z", "3"))
	require.NoError(t, s.RemoveMany(ctx, []string{"x", "y", "nope"}))
	_, okX, _ := s.Get(ctx, "x")
	_, okY, _ := s.Get(ctx, "y")
	_, okZ, _ := s.Get(ctx, "z")
	assert.False(t, okX)
	assert.False(t, okY)
	assert.True(t, okZ)
}

func TestMemory_Contract(t *testing.T) {
	runContract(t, NewMemory())
}

func TestSQLite_Contract(t *testing.T) {
	runContract(t, openTemp(t))
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shelf.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpen_Pragmas(t *testing.T) {
	s := openTemp(t)

	mode, err := s.pragma("journal_mode")
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)

	version, err := s.pragma("user_version")
	require.NoError(t, err)
	assert.Equal(t, "1", version)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shelf.db")
	ctx := context.Background()

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Set(ctx, "offline_queue", `[{"id":"op-1"}]`))
	require.NoError(t, s1.Close())

	// Reopening is idempotent and keeps the data.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	v, ok, err := s2.Get(ctx, "offline_queue")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"id":"op-1"}]`, v)
}

func TestMemory_FailSet(t *testing.T) {
	m := NewMemory()
	boom := errors.New("disk full")
	m.SetFailure(boom)

	assert.ErrorIs(t, m.Set(context.Background(), "k", "v"), boom)
	assert.Equal(t, 0, m.Keys())

	m.SetFailure(nil)
	assert.NoError(t, m.Set(context.Background(), "k", "v"))
	assert.Equal(t, 1, m.Keys())
}
