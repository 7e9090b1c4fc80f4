package batch

import (
	"context"
	"sync"
	"time"

	"github.com/loveholidays/eval-kit/internal/observability"
)

// rateSlack pads rate-limit sleeps so the re-check lands after the oldest
// admission has actually slid out of the window.
const rateSlack = 100 * time.Millisecond

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// RateLimitConfig caps admissions per sliding wall-clock window. A zero
// value for either cap disables that window.
type RateLimitConfig struct {
	PerMinute int `validate:"gte=0"`
	PerHour   int `validate:"gte=0"`
}

// Gate bounds simultaneous in-flight tasks and enforces the sliding-window
// request quotas. Tasks are opaque: the gate never classifies their errors,
// and a failing task still consumes a slot and an admission timestamp.
type Gate struct {
	mu      sync.Mutex
	max     int
	active  int
	waiters []chan struct{}
	stamps  []time.Time

	perMinute int
	perHour   int

	// injectable for clock-controlled tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGate builds a gate admitting at most maxConcurrent tasks at once.
// rl may be nil to disable rate limiting.
func NewGate(maxConcurrent int, rl *RateLimitConfig) *Gate {
	g := &Gate{
		max:   maxConcurrent,
		now:   time.Now,
		sleep: sleepContext,
	}
	if rl != nil {
		g.perMinute = rl.PerMinute
		g.perHour = rl.PerHour
	}
	return g
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Active reports the number of currently admitted tasks.
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Run acquires a slot, waits for rate-limit compliance, records the
// admission timestamp, executes task to completion, and releases the slot.
// The task's error is returned as-is. Cancellation while queued or while
// waiting on a window abandons admission and returns ctx.Err(); once the
// task has started it runs to its own conclusion.
func (g *Gate) Run(ctx context.Context, task func() error) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	if err := g.awaitQuota(ctx); err != nil {
		g.release()
		return err
	}
	observability.GateActiveTasks.Inc()
	defer func() {
		observability.GateActiveTasks.Dec()
		g.release()
	}()
	return task()
}

// acquire takes a slot or parks the caller on the FIFO waiter queue.
func (g *Gate) acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.active < g.max {
		g.active++
		g.mu.Unlock()
		return nil
	}
	ch := make(chan struct{}, 1)
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			g.abandonWaiter(ch)
			return ctx.Err()
		case <-ch:
		}

		// Re-check under the lock: another release may have raced this
		// wakeup and handed the slot elsewhere. Re-queue at the head so
		// the woken waiter keeps its place in line.
		g.mu.Lock()
		if g.active < g.max {
			g.active++
			g.mu.Unlock()
			return nil
		}
		g.waiters = append([]chan struct{}{ch}, g.waiters...)
		g.mu.Unlock()
	}
}

// abandonWaiter removes ch from the queue on cancellation. If a release
// already signalled ch, the wakeup is forwarded so it is not lost.
func (g *Gate) abandonWaiter(ch chan struct{}) {
	g.mu.Lock()
	for i, w := range g.waiters {
		if w == ch {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			g.mu.Unlock()
			return
		}
	}
	next := g.popWaiterLocked()
	g.mu.Unlock()
	if next != nil {
		next <- struct{}{}
	}
}

func (g *Gate) release() {
	g.mu.Lock()
	g.active--
	next := g.popWaiterLocked()
	g.mu.Unlock()
	if next != nil {
		next <- struct{}{}
	}
}

func (g *Gate) popWaiterLocked() chan struct{} {
	if len(g.waiters) == 0 {
		return nil
	}
	next := g.waiters[0]
	g.waiters = g.waiters[1:]
	return next
}

// awaitQuota blocks until every configured window has headroom, then
// records the admission timestamp. The timestamp is taken at admission,
// before the task body runs.
func (g *Gate) awaitQuota(ctx context.Context) error {
	if g.perMinute <= 0 && g.perHour <= 0 {
		return nil
	}
	for {
		g.mu.Lock()
		now := g.now()
		g.compactStamps(now)
		wait := g.quotaWait(now)
		if wait <= 0 {
			g.stamps = append(g.stamps, now)
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		observability.RateLimitWaitsTotal.Inc()
		if err := g.sleep(ctx, wait+rateSlack); err != nil {
			return err
		}
	}
}

// quotaWait returns how long until the most constrained window frees a
// slot, or zero when every window has headroom.
func (g *Gate) quotaWait(now time.Time) time.Duration {
	var wait time.Duration
	check := func(window time.Duration, cap int) {
		if cap <= 0 {
			return
		}
		cutoff := now.Add(-window)
		idx := g.firstStampAfter(cutoff)
		if len(g.stamps)-idx < cap {
			return
		}
		if w := g.stamps[idx].Add(window).Sub(now); w > wait {
			wait = w
		}
	}
	check(minuteWindow, g.perMinute)
	check(hourWindow, g.perHour)
	return wait
}

// firstStampAfter returns the index of the oldest stamp at or after cutoff.
func (g *Gate) firstStampAfter(cutoff time.Time) int {
	lo, hi := 0, len(g.stamps)
	for lo < hi {
		mid := (lo + hi) / 2
		if g.stamps[mid].Before(cutoff) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// compactStamps drops timestamps no window can still see.
func (g *Gate) compactStamps(now time.Time) {
	idx := g.firstStampAfter(now.Add(-hourWindow))
	if idx > 0 {
		g.stamps = append(g.stamps[:0], g.stamps[idx:]...)
	}
}
