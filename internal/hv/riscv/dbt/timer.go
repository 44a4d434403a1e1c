package dbt

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Timer stands in for a CLINT mtime/mtimecmp pair, giving csr.go's
// CSRTime read and the interrupt-pending machinery something real to
// observe. It is paced with golang.org/x/time/rate rather than a bare
// time.Ticker so the heartbeat frequency is a single configurable
// token-bucket rate instead of a raw timer.
type Timer struct {
	hz    int
	ticks atomic.Uint64
}

func NewTimer(hz int) *Timer {
	return &Timer{hz: hz}
}

// Now returns the current tick count, backing the time CSR.
func (t *Timer) Now() uint64 {
	return t.ticks.Load()
}

// Start launches the heartbeat goroutine, advancing ticks at hz and,
// once every timerIrqDivisor ticks, posting a timer interrupt to every
// hart that has the timer interrupt enabled in sie. No mtimecmp (or
// Stimecmp) comparison is modelled — out of scope device fidelity, not a
// correctness requirement of the core itself.
func (t *Timer) Start(ctx context.Context, m *Machine) {
	limiter := rate.NewLimiter(rate.Limit(t.hz), 1)
	go func() {
		for {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			n := t.ticks.Add(1)
			// Without a modelled mtimecmp, posting on every tick would
			// latch the timer-interrupt-pending bit permanently for any
			// guest that unmasks it (nothing here ever clears it). Post
			// at a coarse sub-rate instead, approximating a periodic
			// scheduler tick; a real CLINT comparator is out of scope.
			if n%timerIrqDivisor == 0 {
				for _, h := range m.harts {
					if h.Sie&IntSTimer != 0 {
						h.PostInterrupt(IntSTimer)
					}
				}
			}
		}
	}()
}

const timerIrqDivisor = 10_000
