package engine

import (
	"sync/atomic"
	"time"
)

// Sequence is a monotonic counter numbering drain runs.
//
// Every drain gets a strictly increasing run number that appears in its
// log lines and in its Result, so interleaved log output from background
// and forced drains can be told apart.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next returns the next number and increments the sequence.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last number handed out without incrementing.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}

// NowFunc is the engine's time source. Tests substitute a manual clock.
type NowFunc func() time.Time
