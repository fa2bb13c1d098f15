// Package idgen hands out correlation ids for outbound device responses.
package idgen

import (
	"sync"
	"time"
)

const (
	timeMask    = 0x7FFFFF // low 23 bits of the millisecond clock
	counterBits = 8
	counterMax  = 255
)

// Generator produces 31-bit ids: 23 bits of millisecond time followed by an
// 8-bit counter that runs 1..255 and wraps back to 1. Ids are unique per
// process within a ~2.3 hour window as long as fewer than 255 ids are issued
// in the same millisecond; nothing is persisted.
type Generator struct {
	mu      sync.Mutex
	counter int32
	now     func() time.Time
}

// New returns a Generator driven by the wall clock.
func New() *Generator {
	return NewWithClock(time.Now)
}

// NewWithClock returns a Generator reading time from now.
func NewWithClock(now func() time.Time) *Generator {
	return &Generator{counter: 1, now: now}
}

// Next returns the next id.
func (g *Generator) Next() int32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	timePart := int32(g.now().UnixMilli() & timeMask)
	id := timePart<<counterBits | g.counter&0xFF

	g.counter++
	if g.counter > counterMax {
		g.counter = 1
	}
	return id
}

// Reset puts the counter back to its initial value.
func (g *Generator) Reset() {
	g.mu.Lock()
	g.counter = 1
	g.mu.Unlock()
}
