// Package objectid defines the shared 64-bit object identifier space.
//
// Authority-assigned ids are plain counters with the top bit clear.
// Client-generated temporary ids force the top bit set, so the two
// spaces can never collide regardless of how long a server runs.
package objectid

import (
	"math/rand"
	"sync/atomic"
	"time"
)

// TempBit marks a client-generated temporary id.
const TempBit uint64 = 1 << 63

// IsTemp reports whether id was generated locally by a client and is
// still awaiting an authority-assigned replacement.
func IsTemp(id uint64) bool { return id&TempBit != 0 }

// NewTemp returns a fresh temporary id: a random/timestamp mix with the
// top bit forced on. Uniqueness is probabilistic but collisions within
// a single client's unconfirmed window are what matters, and those are
// additionally perturbed by the nanosecond clock.
func NewTemp() uint64 {
	r := rand.Uint64()
	t := uint64(time.Now().UnixNano())
	return (r ^ (t << 20) ^ t) | TempBit
}

// Allocator hands out authority-assigned object ids.
// Thread-safe via atomic increment; id 0 is reserved as invalid.
type Allocator struct {
	next atomic.Uint64
}

func NewAllocator() *Allocator { return &Allocator{} }

// Next returns the next authority id. The top bit is never set: the
// counter would need 2^63 allocations to reach it.
func (a *Allocator) Next() uint64 { return a.next.Add(1) }

// Seed advances the allocator past ids already in use (snapshot resume).
func (a *Allocator) Seed(last uint64) {
	for {
		cur := a.next.Load()
		if last <= cur || a.next.CompareAndSwap(cur, last) {
			return
		}
	}
}
