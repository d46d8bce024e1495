// Package channelid hands out ChannelIds: the 32-bit, non-negative,
// monotonically increasing identifiers that label one end of a host-guest
// channel. Values 0, 1, 2 are reserved by the channel family itself.
package channelid

import "sync/atomic"

// RegistryBase is the first ChannelId the Sandbox Registry allocates.
const RegistryBase uint32 = 3

// PoolBase is the first ChannelId the Warm Pool allocates, chosen far
// enough above RegistryBase that the two counters never collide in
// practice (see spec.md §9's open question on allocator disjointness).
const PoolBase uint32 = 10000

// Allocator is a thread-safe monotone counter. Two independent instances
// exist in the running system: one seeded at RegistryBase, one at
// PoolBase. Overflow of the 32-bit space wraps per Go's unsigned integer
// semantics and is not otherwise detected, per spec.md §4.1 and §9: a
// realistic host will not create billions of sandboxes in one process
// lifetime, and if it does this is a documented limitation, not a bug to
// guard against.
type Allocator struct {
	next atomic.Uint32
}

// New returns an Allocator whose first Next() call returns base.
func New(base uint32) *Allocator {
	a := &Allocator{}
	a.next.Store(base)
	return a
}

// Next returns the next ChannelId and advances the counter.
func (a *Allocator) Next() uint32 {
	return a.next.Add(1) - 1
}
