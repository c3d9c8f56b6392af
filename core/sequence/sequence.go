// Package sequence issues the monotonically increasing numbers stamped on
// outbound documents.
package sequence

import (
	"context"
	"sync"

	"github.com/kilianp07/flexplan/core/clock"
)

// Allocator issues sequence numbers. Every call returns a value strictly
// greater than any value previously returned by the same allocator.
type Allocator interface {
	Next(ctx context.Context) (int64, error)
}

// Seed derives a time-based starting point so numbers stay increasing across
// restarts: milliseconds since the epoch with three digits of headroom.
func Seed(c clock.Clock) int64 {
	return c.Now().UnixMilli() * 1000
}

// Memory is a process-local allocator.
type Memory struct {
	clock clock.Clock
	mu    sync.Mutex
	last  int64
}

// NewMemory returns an allocator seeded from c.
func NewMemory(c clock.Clock) *Memory {
	return &Memory{clock: c}
}

// Next returns max(last+1, seed(now)).
func (m *Memory) Next(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	seed := Seed(m.clock)
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.last + 1
	if seed > next {
		next = seed
	}
	m.last = next
	return next, nil
}
