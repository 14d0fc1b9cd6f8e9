// Package gatewaytest runs a scripted gateway server over a real WebSocket for engine tests. Scripts drive the server
// side of the protocol: send HELLO, read the client handshake, emit dispatches, close with a chosen code.
package gatewaytest

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
)

const ioTimeout = 5 * time.Second

// Script drives one accepted connection. When it returns, the connection is closed.
type Script func(s *Session)

// Server is an in-process gateway endpoint. Each accepted WebSocket connection runs the script configured for it.
type Server struct {
	t  *testing.T
	ln net.Listener

	mu      chan struct{} // semaphore guarding scripts
	scripts []Script
}

// NewServer starts a server on a random loopback port. Each accepted connection consumes the next queued script;
// connections beyond the queue run the last script again.
func NewServer(t *testing.T, scripts ...Script) *Server {
	t.Helper()
	if len(scripts) == 0 {
		t.Fatal("gatewaytest: at least one script is required")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("gatewaytest: listen: %v", err)
	}

	s := &Server{t: t, ln: ln, mu: make(chan struct{}, 1), scripts: scripts}
	s.mu <- struct{}{}

	upgrader := websocket.FastHTTPUpgrader{
		CheckOrigin: func(*fasthttp.RequestCtx) bool { return true },
	}
	srv := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			upgradeErr := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
				script := s.nextScript()
				sess := newSession(t, conn)
				script(sess)
				_ = conn.Close()
			})
			if upgradeErr != nil {
				t.Logf("gatewaytest: upgrade failed: %v", upgradeErr)
			}
		},
	}

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Shutdown()
		_ = ln.Close()
	})
	return s
}

func (s *Server) nextScript() Script {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()
	script := s.scripts[0]
	if len(s.scripts) > 1 {
		s.scripts = s.scripts[1:]
	}
	return script
}

// Host returns a plaintext ws:// host suitable for gateway.Config.Host.
func (s *Server) Host() string {
	return "ws://" + s.ln.Addr().String() + "/"
}

// Session is the server side of one scripted connection. The zlib writer is shared for the connection's lifetime, so
// compressed payloads form one continuous stream exactly as the production server emits them.
type Session struct {
	t    *testing.T
	conn *websocket.Conn
	zbuf bytes.Buffer
	zw   *zlib.Writer
}

func newSession(t *testing.T, conn *websocket.Conn) *Session {
	s := &Session{t: t, conn: conn}
	s.zw = zlib.NewWriter(&s.zbuf)
	return s
}

// SendJSON writes v as a single text frame.
func (s *Session) SendJSON(v any) {
	s.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		s.t.Fatalf("gatewaytest: marshal: %v", err)
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.t.Logf("gatewaytest: write: %v", err)
	}
}

// SendCompressed writes v as one sync-flushed segment of the connection's zlib stream, split across binary frames of
// at most chunkSize bytes (0 means a single frame).
func (s *Session) SendCompressed(v any, chunkSize int) {
	s.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		s.t.Fatalf("gatewaytest: marshal: %v", err)
	}

	s.zbuf.Reset()
	if _, err := s.zw.Write(data); err != nil {
		s.t.Fatalf("gatewaytest: compress: %v", err)
	}
	if err := s.zw.Flush(); err != nil {
		s.t.Fatalf("gatewaytest: flush: %v", err)
	}

	payload := append([]byte(nil), s.zbuf.Bytes()...)
	if chunkSize <= 0 {
		chunkSize = len(payload)
	}
	for start := 0; start < len(payload); start += chunkSize {
		end := min(start+chunkSize, len(payload))
		_ = s.conn.SetWriteDeadline(time.Now().Add(ioTimeout))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, payload[start:end]); err != nil {
			s.t.Logf("gatewaytest: write: %v", err)
			return
		}
	}
}

// ReadCommand reads one text frame from the client and returns it decoded into a generic map.
func (s *Session) ReadCommand() map[string]any {
	s.t.Helper()
	_ = s.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		s.t.Fatalf("gatewaytest: read command: %v", err)
	}
	var cmd map[string]any
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.t.Fatalf("gatewaytest: decode command %q: %v", data, err)
	}
	return cmd
}

// ReadCommandOp reads commands until one with the wanted opcode arrives, skipping heartbeats and other interleaved
// traffic.
func (s *Session) ReadCommandOp(op int) map[string]any {
	s.t.Helper()
	deadline := time.Now().Add(ioTimeout)
	for time.Now().Before(deadline) {
		cmd := s.ReadCommand()
		if got, ok := cmd["op"].(float64); ok && int(got) == op {
			return cmd
		}
	}
	s.t.Fatalf("gatewaytest: no command with op %d before deadline", op)
	return nil
}

// Close performs a WebSocket close handshake with the given code.
func (s *Session) Close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ioTimeout))
	_ = s.conn.Close()
}

// WaitClosed blocks until the client closes the connection or the timeout elapses.
func (s *Session) WaitClosed() {
	_ = s.conn.SetReadDeadline(time.Now().Add(ioTimeout))
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
