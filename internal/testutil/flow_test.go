package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequenceIDs_Increment(t *testing.T) {
	gen := NewSequenceIDs("op")

	assert.Equal(t, "op-1", gen.Generate())
	assert.Equal(t, "op-2", gen.Generate())
	assert.Equal(t, "op-3", gen.Generate())
}

func TestSequenceIDs_EmptyPrefixDefault(t *testing.T) {
	gen := NewSequenceIDs("")
	assert.Equal(t, "op-1", gen.Generate())
}

func TestSequenceIDs_Reset(t *testing.T) {
	gen := NewSequenceIDs("evt")
	gen.Generate()
	gen.Generate()

	gen.Reset()
	assert.Equal(t, "evt-1", gen.Generate())
}
