package reg

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// pollLimiter throttles the busy-wait loops below to a cadence a host CPU
// can sustain indefinitely without spinning a core at 100%, replacing
// tamago's bare runtime.Gosched() (appropriate only because tamago is a
// single-threaded bare-metal runtime with no OS scheduler to starve).
var pollLimiter = rate.NewLimiter(rate.Limit(20000), 1)

// Wait blocks until the masked value at bit position pos of the register
// at addr equals val. Mirrors tamago's reg.Wait but paced by pollLimiter
// instead of a bare scheduling yield, matching spec.md §5: "all waits are
// bounded by hardware completion polled with `pause`".
func Wait(addr uint64, pos int, mask int, val uint32) {
	for Get(addr, pos, mask) != val {
		pollLimiter.Wait(context.Background())
	}
}

// WaitFor waits, up to timeout, for the masked value at bit position pos
// of the register at addr to equal val. It returns false on timeout.
func WaitFor(timeout time.Duration, addr uint64, pos int, mask int, val uint32) bool {
	deadline := time.Now().Add(timeout)

	for Get(addr, pos, mask) != val {
		pollLimiter.Wait(context.Background())

		if time.Now().After(deadline) {
			return false
		}
	}

	return true
}
