// Package seqnum implements wrap-aware sequence-number arithmetic over
// a configurable resolution. Each channel owns an independent sequence
// space; comparisons use the half-range rule so ordering survives the
// wrap at resolution.
package seqnum

import (
	"fmt"
	"math/rand"
	"sync"
)

// DefaultResolution is the sequence-number wrap modulus used when the
// handshake does not negotiate a smaller one.
const DefaultResolution = 1 << 28

// MinResolution keeps the half-range comparison meaningful.
const MinResolution = 8

// Space is one sequence-number domain with wrap modulus resolution.
type Space struct {
	resolution uint32
	half       uint32
}

// NewSpace validates the resolution and returns the space.
func NewSpace(resolution uint32) (Space, error) {
	if resolution < MinResolution {
		return Space{}, fmt.Errorf("seqnum: resolution %d below minimum %d", resolution, MinResolution)
	}
	return Space{resolution: resolution, half: resolution / 2}, nil
}

// Resolution returns the wrap modulus.
func (s Space) Resolution() uint32 { return s.resolution }

// Rand returns a uniformly random sequence number in the space, for
// choosing a session's initial sequence number.
func (s Space) Rand() uint32 {
	return rand.Uint32() % s.resolution
}

// Next returns the sequence number following sn.
func (s Space) Next(sn uint32) uint32 {
	return (sn + 1) % s.resolution
}

// Add returns sn advanced by n.
func (s Space) Add(sn uint32, n uint32) uint32 {
	return (sn + n%s.resolution) % s.resolution
}

// Precedes reports whether a comes strictly before b, i.e. b is within
// the forward half-range of a.
func (s Space) Precedes(a, b uint32) bool {
	d := (b + s.resolution - a) % s.resolution
	return d > 0 && d < s.half
}

// Distance returns how far b is ahead of a, modulo the resolution.
func (s Space) Distance(a, b uint32) uint32 {
	return (b + s.resolution - a) % s.resolution
}

// Counter hands out strictly increasing sequence numbers from a space.
// Safe for concurrent use; monotonicity is the sender-side invariant
// that makes receive-side ordering possible.
type Counter struct {
	mu    sync.Mutex
	space Space
	next  uint32
}

// NewCounter starts a counter at initial.
func NewCounter(space Space, initial uint32) *Counter {
	return &Counter{space: space, next: initial % space.resolution}
}

// Next returns the current value and advances the counter.
func (c *Counter) Next() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	sn := c.next
	c.next = c.space.Next(c.next)
	return sn
}

// Peek returns the value the next call to Next will hand out.
func (c *Counter) Peek() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}
