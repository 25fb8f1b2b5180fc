package xhci

import (
	"context"

	"golang.org/x/time/rate"
)

// eventPollLimiter paces the Event Ring poller loop below, mirroring
// internal/reg's pollLimiter: a host CPU can sustain this cadence
// indefinitely without spinning a core at 100%, where tamago's bare-
// metal equivalent would simply runtime.Gosched() in a tight loop.
var eventPollLimiter = rate.NewLimiter(rate.Limit(20000), 1)

// PollEventRings runs ProcessEventRing for every interrupter index in
// irs in a loop, paced by eventPollLimiter, until ctx is canceled. This
// is the poller task spec.md §5 assigns one per physical controller;
// cmd/xhcishadowctl wires it as a background goroutine once a real
// register window is present.
func (c *Controller) PollEventRings(ctx context.Context, irs []int) {
	for {
		if err := eventPollLimiter.Wait(ctx); err != nil {
			return
		}

		for _, ir := range irs {
			c.ProcessEventRing(ir)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
