package gateway

import (
	"context"
	"sync"
	"time"
)

// Default outbound command budget documented by the platform.
const (
	DefaultCommandRateLimit  = 120
	DefaultCommandRateWindow = 60 * time.Second
)

type rateWaiter struct {
	ready     chan struct{}
	granted   bool
	cancelled bool
}

// RateLimiter enforces the gateway's outbound command budget: at most limit commands within each window. Exceeding
// the budget server-side costs a forced close with a non-resumable code, so callers wait locally instead. Waiters are
// served in FIFO order when the window rolls over.
type RateLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	count       int
	windowStart time.Time
	waiters     []*rateWaiter
	timerArmed  bool

	// full is closed while at least one Acquire is suspended, and replaced with a fresh channel once the queue
	// drains. Tests use it to observe saturation without racing on internals.
	full     chan struct{}
	fullOpen bool
}

// NewRateLimiter creates a limiter allowing limit acquisitions per window. Non-positive arguments fall back to the
// platform defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultCommandRateLimit
	}
	if window <= 0 {
		window = DefaultCommandRateWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		full:     make(chan struct{}),
		fullOpen: true,
	}
}

// Acquire consumes one token, suspending until the next window when the budget is exhausted. A cancelled Acquire
// consumes no token: if the token was granted concurrently with cancellation it is handed to the next waiter or
// returned to the pool.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	r.mu.Lock()
	now := time.Now()
	r.rollLocked(now)

	if len(r.waiters) == 0 && r.count < r.limit {
		r.count++
		r.mu.Unlock()
		return nil
	}

	w := &rateWaiter{ready: make(chan struct{})}
	r.waiters = append(r.waiters, w)
	if r.fullOpen {
		close(r.full)
		r.fullOpen = false
	}
	r.armTimerLocked(now)
	r.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		if w.granted {
			r.refundLocked()
		} else {
			w.cancelled = true
		}
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Full returns a channel that is closed while at least one Acquire is suspended.
func (r *RateLimiter) Full() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.full
}

// rollLocked resets the window if it has elapsed. The window is anchored at first use rather than wall-clock aligned.
func (r *RateLimiter) rollLocked(now time.Time) {
	if r.windowStart.IsZero() || now.Sub(r.windowStart) >= r.window {
		r.windowStart = now
		r.count = 0
	}
}

func (r *RateLimiter) armTimerLocked(now time.Time) {
	if r.timerArmed {
		return
	}
	r.timerArmed = true
	delay := r.windowStart.Add(r.window).Sub(now)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, r.onWindowExpiry)
}

func (r *RateLimiter) onWindowExpiry() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.timerArmed = false
	r.windowStart = time.Now()
	r.count = 0
	r.grantLocked()

	if len(r.waiters) > 0 {
		r.armTimerLocked(time.Now())
		return
	}
	if !r.fullOpen {
		r.full = make(chan struct{})
		r.fullOpen = true
	}
}

// grantLocked hands tokens to queued waiters in FIFO order until the budget is spent or the queue is empty.
func (r *RateLimiter) grantLocked() {
	kept := r.waiters[:0]
	for _, w := range r.waiters {
		if w.cancelled {
			continue
		}
		if r.count < r.limit {
			r.count++
			w.granted = true
			close(w.ready)
			continue
		}
		kept = append(kept, w)
	}
	r.waiters = append([]*rateWaiter(nil), kept...)
	if len(r.waiters) == 0 {
		r.waiters = nil
	}
}

// refundLocked returns a token surrendered by a cancelled-but-granted waiter: the next live waiter inherits it,
// otherwise it goes back to the pool.
func (r *RateLimiter) refundLocked() {
	for len(r.waiters) > 0 {
		w := r.waiters[0]
		r.waiters = r.waiters[1:]
		if w.cancelled {
			continue
		}
		w.granted = true
		close(w.ready)
		return
	}
	if r.count > 0 {
		r.count--
	}
	if len(r.waiters) == 0 && !r.fullOpen {
		r.full = make(chan struct{})
		r.fullOpen = true
	}
}
