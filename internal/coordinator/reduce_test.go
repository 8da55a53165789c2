package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/shelfsync/internal/book"
	"github.com/roach88/shelfsync/internal/op"
)

func ids(books []book.Book) []string {
	out := make([]string, len(books))
	for i, b := range books {
		out[i] = b.ID
	}
	return out
}

func TestReduce(t *testing.T) {
	base := []book.Book{{ID: "1", Title: "Dune"}, {ID: "offline_a", Title: "Emma", Offline: true}}

	tests := []struct {
		name string
		m    Mutation
		want []string
	}{
		{"add appends", Mutation{Kind: KindAdd, Book: book.Book{ID: "2"}}, []string{"1", "offline_a", "2"}},
		{"add replaces same id", Mutation{Kind: KindAdd, Book: book.Book{ID: "1", Title: "X"}}, []string{"1", "offline_a"}},
		{"update unknown is a no-op", Mutation{Kind: KindUpdate, Book: book.Book{ID: "9"}}, []string{"1", "offline_a"}},
		{"delete", Mutation{Kind: KindDelete, ID: "1"}, []string{"offline_a"}},
		{"delete unknown", Mutation{Kind: KindDelete, ID: "9"}, []string{"1", "offline_a"}},
		{"confirm rewrites id", Mutation{Kind: KindConfirm, ID: "offline_a", Book: book.Book{ID: "2"}}, []string{"1", "2"}},
		{"confirm onto cached id dedups", Mutation{Kind: KindConfirm, ID: "offline_a", Book: book.Book{ID: "1"}}, []string{"1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reduce(base, tt.m)
			assert.Equal(t, tt.want, ids(got))
			assert.Equal(t, []string{"1", "offline_a"}, ids(base), "input must not change")
		})
	}
}

func TestFold_RollbackByOmission(t *testing.T) {
	committed := []book.Book{{ID: "1", Title: "Dune"}}
	pending := []Mutation{
		{Seq: 1, Kind: KindAdd, Book: book.Book{ID: "offline_a"}},
		{Seq: 2, Kind: KindDelete, ID: "1"},
	}

	assert.Equal(t, []string{"offline_a"}, ids(Fold(committed, pending)))
	assert.Equal(t, []string{"1", "offline_a"}, ids(Fold(committed, without(pending, 2))))
	assert.Equal(t, []string{"1"}, ids(Fold(committed, nil)))
	assert.NotNil(t, Fold(nil, nil))
}

func TestMergeAndOverlay(t *testing.T) {
	cached := []book.Book{
		{ID: "1", Title: "Dune", Rating: 1},
		{ID: "offline_a", Title: "Emma", Offline: true},
		{ID: "5", Title: "Gone remotely"},
	}
	remote := []book.Book{{ID: "1", Title: "Dune", Rating: 4}, {ID: "2", Title: "Ulysses"}}

	merged := merge(remote, cached)
	assert.Equal(t, []string{"1", "2", "offline_a"}, ids(merged))
	assert.Equal(t, 4, merged[0].Rating, "remote records replace cached ones")

	queued := []op.Operation{
		{Type: op.Delete, TargetID: "2"},
		{Type: op.Update, TargetID: "1", Data: book.Payload{"rating": 2}},
	}
	got := overlay(merged, queued)
	assert.Equal(t, []string{"1", "offline_a"}, ids(got))
	assert.Equal(t, 2, got[0].Rating)
}
