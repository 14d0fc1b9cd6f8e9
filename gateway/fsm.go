package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-client/internal/metrics"
)

// State is the connection lifecycle phase of one attempt.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateRunning
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting-hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// runKind is the terminal signal of one connection attempt. The source design unwound with exceptions; here the FSM
// returns a tagged result and the engine applies the close-code classification.
type runKind int

const (
	// runDone: the engine asked the attempt to stop; no reconnect.
	runDone runKind = iota
	// runResume: reconnect preserving session identity (unless the close code says otherwise).
	runResume
	// runReidentify: reconnect discarding session identity.
	runReidentify
)

type runResult struct {
	kind   runKind
	code   int
	reason string
}

// EventSink receives every dispatch event in server order. It runs on the engine's read loop and must not block for
// long; hand off to a channel or goroutine for slow consumers.
type EventSink func(eventType string, data json.RawMessage)

// controlFSM drives one connection attempt: HELLO, IDENTIFY or RESUME, then the event loop until a terminal signal.
type controlFSM struct {
	log   zerolog.Logger
	conn  Conn
	codec *frameCodec
	sess  *SessionState
	sink  EventSink

	// send is the engine's serialised, rate-limited outbound path. Heartbeats and ACKs use it too, so JSON bodies
	// never interleave on the socket.
	send func(context.Context, Command) error

	// identify and resume build the handshake commands from engine configuration.
	identify func() Command
	resume   func() Command

	hb    *heartbeatController
	state atomic.Int32
}

func (f *controlFSM) setState(s State) {
	old := State(f.state.Swap(int32(s)))
	if old != s {
		f.log.Debug().Stringer("from", old).Stringer("to", s).Msg("Gateway state transition")
	}
}

func (f *controlFSM) currentState() State { return State(f.state.Load()) }

// Run executes one connection attempt to completion. The caller owns the connection and closes it after Run returns.
func (f *controlFSM) Run(ctx context.Context) runResult {
	f.setState(StateAwaitingHello)

	hello, res := f.awaitHello(ctx)
	if res != nil {
		return *res
	}

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	f.sess.SetTrace(hello.Trace)
	f.log.Debug().Dur("heartbeat_interval", interval).Strs("trace", hello.Trace).Msg("Received HELLO")

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.hb = newHeartbeatController(interval, f.send, f.sess.Seq, f.log)
	hbErr := make(chan error, 1)
	go func() { hbErr <- f.hb.Run(attemptCtx) }()

	if f.sess.CanResume() {
		f.setState(StateResuming)
		metrics.HandshakesTotal.WithLabelValues("resume").Inc()
		if err := f.send(attemptCtx, f.resume()); err != nil {
			return f.sendFailure(err)
		}
	} else {
		f.setState(StateIdentifying)
		metrics.HandshakesTotal.WithLabelValues("identify").Inc()
		if err := f.send(attemptCtx, f.identify()); err != nil {
			return f.sendFailure(err)
		}
	}

	frames := make(chan Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			frame, err := f.codec.DecodeNext(f.conn)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-attemptCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			f.setState(StateClosing)
			return runResult{kind: runDone}
		case err := <-hbErr:
			if err == nil {
				return runResult{kind: runDone}
			}
			f.setState(StateClosing)
			if errors.Is(err, errZombied) {
				f.closeWithCode(ClosePolicyViolation, "zombied connection")
				return runResult{kind: runResume, code: ClosePolicyViolation, reason: "zombied connection"}
			}
			return f.sendFailure(err)
		case err := <-readErr:
			f.setState(StateClosing)
			return f.readFailure(err)
		case frame := <-frames:
			if res := f.handleFrame(attemptCtx, frame); res != nil {
				f.setState(StateClosing)
				return *res
			}
		}
	}
}

// awaitHello reads the first frame of the connection, which must be HELLO.
func (f *controlFSM) awaitHello(ctx context.Context) (HelloData, *runResult) {
	type helloOutcome struct {
		frame Frame
		err   error
	}
	first := make(chan helloOutcome, 1)
	go func() {
		frame, err := f.codec.DecodeNext(f.conn)
		first <- helloOutcome{frame: frame, err: err}
	}()

	var out helloOutcome
	select {
	case <-ctx.Done():
		return HelloData{}, &runResult{kind: runDone}
	case out = <-first:
	}
	if out.err != nil {
		res := f.readFailure(out.err)
		return HelloData{}, &res
	}

	if out.frame.Op != OpcodeHello {
		f.closeWithCode(CloseProtocolError, "expected HELLO")
		return HelloData{}, &runResult{kind: runResume, code: CloseProtocolError, reason: "expected HELLO as the first frame"}
	}

	var hello HelloData
	if err := json.Unmarshal(out.frame.Data, &hello); err != nil || hello.HeartbeatInterval <= 0 {
		f.closeWithCode(CloseDecodeError, "invalid HELLO payload")
		return HelloData{}, &runResult{kind: runReidentify, code: CloseDecodeError, reason: "invalid HELLO payload"}
	}
	return hello, nil
}

// handleFrame routes one inbound frame. A non-nil result terminates the attempt.
func (f *controlFSM) handleFrame(ctx context.Context, frame Frame) *runResult {
	switch frame.Op {
	case OpcodeDispatch:
		f.handleDispatch(frame)
		return nil
	case OpcodeHeartbeat:
		// The server probes liveness; answer on its schedule, not ours.
		if err := f.send(ctx, NewHeartbeatACKCommand()); err != nil {
			res := f.sendFailure(err)
			return &res
		}
		return nil
	case OpcodeReconnect:
		f.log.Info().Msg("Server requested reconnect")
		f.closeWithCode(CloseNormalClosure, "reconnect requested")
		return &runResult{kind: runReidentify, code: CloseNormalClosure, reason: "server requested reconnect"}
	case OpcodeInvalidSession:
		var resumable bool
		_ = json.Unmarshal(frame.Data, &resumable)
		f.log.Warn().Bool("resumable", resumable).Msg("Server invalidated the session")
		f.closeWithCode(CloseNormalClosure, "invalid session")
		if resumable {
			return &runResult{kind: runResume, code: CloseNormalClosure, reason: "session invalidated (resumable)"}
		}
		return &runResult{kind: runReidentify, code: CloseNormalClosure, reason: "session invalidated"}
	case OpcodeHello:
		f.closeWithCode(CloseProtocolError, "unexpected HELLO")
		return &runResult{kind: runReidentify, code: CloseProtocolError, reason: "HELLO outside handshake"}
	case OpcodeHeartbeatACK:
		f.hb.HandleAck()
		metrics.HeartbeatLatency.Set(f.hb.Latency().Seconds())
		return nil
	default:
		// Unknown opcodes pass silently for forward compatibility.
		f.log.Debug().Int("op", int(frame.Op)).Msg("Ignoring unknown opcode")
		return nil
	}
}

// handleDispatch updates the sequence number before forwarding so downstream observers that inspect the session see a
// consistent value.
func (f *controlFSM) handleDispatch(frame Frame) {
	f.sess.UpdateSeq(frame.Seq)

	switch frame.Type {
	case EventReady:
		var ready ReadyData
		if err := json.Unmarshal(frame.Data, &ready); err != nil {
			f.log.Warn().Err(err).Msg("Malformed READY payload")
		} else {
			f.sess.HandleReady(ready)
			f.log.Info().Strs("trace", ready.Trace).Msg("Session established")
		}
		f.setState(StateRunning)
	case EventResumed:
		var resumed ResumedData
		if err := json.Unmarshal(frame.Data, &resumed); err != nil {
			f.log.Warn().Err(err).Msg("Malformed RESUMED payload")
		} else {
			f.sess.HandleResumed(resumed)
			f.log.Info().Strs("trace", resumed.Trace).Msg("Session resumed")
		}
		f.setState(StateRunning)
	}

	metrics.EventsTotal.Inc()
	if f.sink != nil {
		f.sink(frame.Type, frame.Data)
	}
}

// readFailure translates a decode error into a terminal result: server closes keep their code for the engine's
// classification, protocol violations force a fresh identify, and transport errors resume.
func (f *controlFSM) readFailure(err error) runResult {
	var ce *CloseError
	switch {
	case errors.As(err, &ce):
		return runResult{kind: runResume, code: ce.Code, reason: ce.Reason}
	case errors.Is(err, ErrProtocolViolation):
		f.closeWithCode(CloseDecodeError, "protocol violation")
		return runResult{kind: runReidentify, code: CloseDecodeError, reason: err.Error()}
	default:
		return runResult{kind: runResume, code: CloseUnknownError, reason: err.Error()}
	}
}

func (f *controlFSM) sendFailure(err error) runResult {
	if errors.Is(err, context.Canceled) {
		return runResult{kind: runDone}
	}
	return runResult{kind: runResume, code: CloseUnknownError, reason: fmt.Sprintf("send failed: %v", err)}
}

func (f *controlFSM) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = f.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	_ = f.conn.Close()
}
