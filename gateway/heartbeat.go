package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// errZombied reports that the server stopped acknowledging heartbeats while the transport still looked alive.
var errZombied = errors.New("gateway connection zombied: heartbeat not acknowledged")

// heartbeatController emits periodic heartbeats for one connection attempt and tracks acknowledgements. The beat
// period is three quarters of the server-advertised interval, leaving headroom for network latency before the server
// times the session out.
type heartbeatController struct {
	log      zerolog.Logger
	interval time.Duration
	send     func(context.Context, Command) error
	lastSeq  func() *int64

	mu       sync.Mutex
	lastSent time.Time
	lastAck  time.Time
	latency  time.Duration

	warnedLate bool
}

func newHeartbeatController(interval time.Duration, send func(context.Context, Command) error, lastSeq func() *int64, logger zerolog.Logger) *heartbeatController {
	return &heartbeatController{
		log:      logger,
		interval: interval,
		send:     send,
		lastSeq:  lastSeq,
	}
}

// period is the actual beat cadence derived from the server interval.
func (h *heartbeatController) period() time.Duration {
	return h.interval * 3 / 4
}

// Run beats until the context is cancelled. It returns errZombied when a beat comes due without the previous one
// having been acknowledged, and nil on cancellation.
func (h *heartbeatController) Run(ctx context.Context) error {
	period := h.period()
	for {
		tickStart := time.Now()

		h.mu.Lock()
		zombied := !h.lastSent.IsZero() && h.lastAck.Before(h.lastSent)
		h.mu.Unlock()
		if zombied {
			h.log.Warn().Dur("interval", h.interval).Msg("Heartbeat was not acknowledged before the next beat")
			return errZombied
		}

		if err := h.beat(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(period):
		}

		// A tick running a full interval late means the process is starved, not that the server is slow.
		if elapsed := time.Since(tickStart); elapsed > period+h.interval && !h.warnedLate {
			h.warnedLate = true
			h.log.Warn().Dur("elapsed", elapsed).Dur("period", period).
				Msg("Heartbeat tick ran late; the event loop may be starved")
		}
	}
}

func (h *heartbeatController) beat(ctx context.Context) error {
	cmd := NewHeartbeatCommand(h.lastSeq())
	if err := h.send(ctx, cmd); err != nil {
		return err
	}
	h.mu.Lock()
	h.lastSent = time.Now()
	h.mu.Unlock()
	return nil
}

// HandleAck records a heartbeat acknowledgement and updates the measured round-trip latency.
func (h *heartbeatController) HandleAck() {
	h.mu.Lock()
	h.lastAck = time.Now()
	h.latency = h.lastAck.Sub(h.lastSent)
	h.mu.Unlock()
}

// Latency returns the most recent heartbeat round trip, or zero before the first acknowledgement.
func (h *heartbeatController) Latency() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latency
}
