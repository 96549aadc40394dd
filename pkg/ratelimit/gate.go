// Package ratelimit implements the Rate Gate: a per-provider FIFO pacer
// enforcing a minimum inter-request interval with a bounded per-call wait
// budget. The waiter queue and channel-based admission follow the
// counting-semaphore/coalescing shape used elsewhere in the retrieved
// corpus for concurrency gating (see the CodeMCP backend limiter), adapted
// here to strict FIFO pacing instead of permit counting.
package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/wisbric/tavilybridge/internal/telemetry"
)

// ErrGateTimeout is returned when a waiter's scheduled grant would exceed
// its maxWaitMs budget. The wrapped work is never invoked in this case.
type ErrGateTimeout struct {
	MaxWaitMs int
}

func (e *ErrGateTimeout) Error() string {
	return "rate gate: wait budget exceeded"
}

// Gate enforces a minimum interval between successive grants, admitting
// waiters strictly in arrival order.
type Gate struct {
	minInterval time.Duration

	// Provider labels this gate's metrics. Callers set it after
	// construction; an empty value reports as "unknown".
	Provider string

	mu          sync.Mutex
	lastGrantAt time.Time
	waiters     *list.List // of *waiter
}

type waiter struct {
	readyAt chan struct{}
	cancel  bool
}

// New creates a Gate with the given minimum inter-grant interval.
func New(minInterval time.Duration) *Gate {
	return &Gate{
		minInterval: minInterval,
		waiters:     list.New(),
	}
}

// Run executes work no earlier than lastGrantAt+minInterval, honoring FIFO
// admission order. If maxWait is positive and the waiter's computed start
// time would exceed maxWait from the call to Run, the call fails with
// ErrGateTimeout without ever invoking work. Cancelling ctx removes the
// waiter from the queue without stalling subsequent waiters.
func (g *Gate) Run(ctx context.Context, maxWait time.Duration, work func(context.Context) (any, error)) (any, error) {
	enqueuedAt := time.Now()

	g.mu.Lock()
	// readyAt is buffered size 1 so grant/removeWaiter's non-blocking send
	// can never race a waiter that hasn't reached its receive yet: a waiter
	// promoted to front between another goroutine's g.mu.Unlock() and its
	// own select would otherwise miss the wakeup and block forever.
	w := &waiter{readyAt: make(chan struct{}, 1)}
	elem := g.waiters.PushBack(w)

	scheduledStart := g.scheduledStartLocked()
	g.mu.Unlock()

	if maxWait > 0 {
		wait := scheduledStart.Sub(enqueuedAt)
		if wait > maxWait {
			g.removeWaiter(elem)
			telemetry.RateGateTimeoutTotal.WithLabelValues(g.providerLabel()).Inc()
			return nil, &ErrGateTimeout{MaxWaitMs: int(maxWait / time.Millisecond)}
		}
	}

	if err := g.waitForTurn(ctx, elem, w); err != nil {
		g.removeWaiter(elem)
		return nil, err
	}

	g.grant()
	telemetry.RateGateWaitDuration.WithLabelValues(g.providerLabel()).Observe(time.Since(enqueuedAt).Seconds())
	return work(ctx)
}

func (g *Gate) providerLabel() string {
	if g.Provider == "" {
		return "unknown"
	}
	return g.Provider
}

// scheduledStartLocked computes the instant the waiter at the back of the
// queue would be granted, assuming all earlier waiters proceed. Caller must
// hold g.mu.
func (g *Gate) scheduledStartLocked() time.Time {
	earliest := g.lastGrantAt.Add(g.minInterval)
	n := g.waiters.Len()
	if n <= 1 {
		if earliest.Before(time.Now()) {
			return time.Now()
		}
		return earliest
	}
	// n-1 waiters ahead of the one just enqueued, each consuming one
	// minInterval slot.
	base := earliest
	if base.Before(time.Now()) {
		base = time.Now()
	}
	return base.Add(time.Duration(n-1) * g.minInterval)
}

// waitForTurn blocks until w is at the head of the queue and the gate's
// minimum interval has elapsed, or ctx is cancelled.
func (g *Gate) waitForTurn(ctx context.Context, elem *list.Element, w *waiter) error {
	for {
		g.mu.Lock()
		if g.waiters.Front() == elem {
			wait := time.Until(g.lastGrantAt.Add(g.minInterval))
			if wait <= 0 {
				g.mu.Unlock()
				return nil
			}
			g.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
				continue
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		g.mu.Unlock()

		select {
		case <-w.readyAt:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// grant removes the head waiter, records the grant instant, and wakes the
// new head (if any) so it can re-check its turn.
func (g *Gate) grant() {
	g.mu.Lock()
	defer g.mu.Unlock()

	front := g.waiters.Front()
	if front != nil {
		g.waiters.Remove(front)
	}
	g.lastGrantAt = time.Now()

	if next := g.waiters.Front(); next != nil {
		nw := next.Value.(*waiter)
		select {
		case nw.readyAt <- struct{}{}:
		default:
		}
	}
}

// removeWaiter removes elem from the queue (used on cancellation or
// pre-flight timeout) and wakes the new head so FIFO progress continues.
func (g *Gate) removeWaiter(elem *list.Element) {
	g.mu.Lock()
	defer g.mu.Unlock()

	wasFront := g.waiters.Front() == elem
	g.waiters.Remove(elem)

	if wasFront {
		if next := g.waiters.Front(); next != nil {
			nw := next.Value.(*waiter)
			select {
			case nw.readyAt <- struct{}{}:
			default:
			}
		}
	}
}
