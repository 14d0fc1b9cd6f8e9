package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// commandRecorder collects commands sent by the heartbeat controller.
type commandRecorder struct {
	mu   sync.Mutex
	cmds []Command
}

func (r *commandRecorder) send(_ context.Context, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return nil
}

func (r *commandRecorder) commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.cmds...)
}

func noSeq() *int64 { return nil }

func TestHeartbeatBeatsAtInterval(t *testing.T) {
	t.Parallel()

	rec := &commandRecorder{}
	hb := newHeartbeatController(40*time.Millisecond, rec.send, noSeq, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hb.Run(ctx) }()

	// Acknowledge every beat so the controller never declares the connection zombied.
	ackUntil := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(ackUntil) {
		hb.HandleAck()
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	cmds := rec.commands()
	if len(cmds) < 3 {
		t.Fatalf("got %d heartbeats in 150ms at a 30ms period, want at least 3", len(cmds))
	}
	for _, cmd := range cmds {
		if cmd.Op != OpcodeHeartbeat {
			t.Errorf("Op = %d, want %d", cmd.Op, OpcodeHeartbeat)
		}
		if string(cmd.Data) != "null" {
			t.Errorf("Data = %s, want null", cmd.Data)
		}
	}
}

func TestHeartbeatCarriesLastSeq(t *testing.T) {
	t.Parallel()

	seq := int64(420)
	rec := &commandRecorder{}
	hb := newHeartbeatController(time.Hour, rec.send, func() *int64 { return &seq }, zerolog.Nop())

	if err := hb.beat(context.Background()); err != nil {
		t.Fatalf("beat() error = %v", err)
	}

	cmds := rec.commands()
	if len(cmds) != 1 {
		t.Fatalf("len(commands) = %d, want 1", len(cmds))
	}
	var got int64
	if err := json.Unmarshal(cmds[0].Data, &got); err != nil {
		t.Fatalf("unmarshal heartbeat data: %v", err)
	}
	if got != 420 {
		t.Errorf("heartbeat seq = %d, want 420", got)
	}
}

func TestHeartbeatZombieDetection(t *testing.T) {
	t.Parallel()

	rec := &commandRecorder{}
	hb := newHeartbeatController(0, rec.send, noSeq, zerolog.Nop())

	// Never acknowledging means the second tick finds lastAck before lastSent and declares the connection dead.
	done := make(chan error, 1)
	go func() { done <- hb.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, errZombied) {
			t.Fatalf("Run() error = %v, want errZombied", err)
		}
	case <-time.After(time.Second):
		t.Fatal("zombied connection was not detected")
	}

	if len(rec.commands()) != 1 {
		t.Errorf("sent %d heartbeats before detection, want 1", len(rec.commands()))
	}
}

func TestHeartbeatImmediateZombieWhenAckOverdue(t *testing.T) {
	t.Parallel()

	rec := &commandRecorder{}
	hb := newHeartbeatController(time.Hour, rec.send, noSeq, zerolog.Nop())

	// Simulate a previous beat that was never acknowledged.
	hb.mu.Lock()
	hb.lastSent = time.Now()
	hb.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- hb.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, errZombied) {
			t.Fatalf("Run() error = %v, want errZombied", err)
		}
	case <-time.After(time.Second):
		t.Fatal("overdue ack was not detected on the first tick")
	}
	if len(rec.commands()) != 0 {
		t.Errorf("sent %d heartbeats on a zombied connection, want 0", len(rec.commands()))
	}
}

func TestHeartbeatAckUpdatesLatency(t *testing.T) {
	t.Parallel()

	rec := &commandRecorder{}
	hb := newHeartbeatController(time.Hour, rec.send, noSeq, zerolog.Nop())

	if err := hb.beat(context.Background()); err != nil {
		t.Fatalf("beat() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	hb.HandleAck()

	if latency := hb.Latency(); latency <= 0 {
		t.Errorf("Latency() = %v, want positive", latency)
	}
}

func TestHeartbeatStopsCleanlyOnCancel(t *testing.T) {
	t.Parallel()

	rec := &commandRecorder{}
	hb := newHeartbeatController(50*time.Millisecond, rec.send, noSeq, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hb.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil on cancellation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancellation")
	}

	// No further beats after the controller stopped.
	before := len(rec.commands())
	time.Sleep(80 * time.Millisecond)
	if after := len(rec.commands()); after != before {
		t.Errorf("heartbeats kept flowing after stop: %d -> %d", before, after)
	}
}
