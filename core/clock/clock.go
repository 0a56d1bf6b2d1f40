// Package clock provides ledger height sources.
package clock

import (
	"sync"
	"time"
)

// Interval derives the ledger height from wall time: height is the number of
// whole intervals elapsed since Genesis. Before Genesis the height is zero.
type Interval struct {
	Genesis  time.Time
	Interval time.Duration

	// Now overrides time.Now when set.
	Now func() time.Time
}

// Height returns the current ledger height.
func (c Interval) Height() uint64 {
	if c.Interval <= 0 {
		return 0
	}
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	if !now.After(c.Genesis) {
		return 0
	}
	return uint64(now.Sub(c.Genesis) / c.Interval)
}

// Manual is a height source advanced explicitly.
type Manual struct {
	mu     sync.Mutex
	height uint64
}

func NewManual(height uint64) *Manual {
	return &Manual{height: height}
}

func (m *Manual) Height() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height
}

// Advance moves the height forward by n and returns the new height.
func (m *Manual) Advance(n uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height += n
	return m.height
}

// Set jumps to height. Moving backwards is ignored.
func (m *Manual) Set(height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if height > m.height {
		m.height = height
	}
}
