package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/klauspost/compress/flate"
	"github.com/rs/zerolog"

	"github.com/uncord-chat/uncord-client/internal/metrics"
)

const (
	// maxSafePayloadSize is the server's documented per-frame limit for inbound messages. Larger outbound payloads are
	// still sent (the server enforces the limit authoritatively) but are reported for observability.
	maxSafePayloadSize = 4096

	// inflateWindowSize is the deflate history window carried across payloads. The server compresses the whole
	// connection as one stream, so back-references may reach into previously decoded payloads.
	inflateWindowSize = 32 * 1024

	// defaultMaxPersistentBufferSize is the receive-buffer capacity above which the buffer is discarded instead of
	// reused after a decode.
	defaultMaxPersistentBufferSize = 64 * 1024
)

// zlibSyncFlushTail delimits compressed payloads within the connection's zlib stream.
var zlibSyncFlushTail = []byte{0x00, 0x00, 0xff, 0xff}

// Conn is the subset of *websocket.Conn the engine uses. It exists so tests can substitute scripted connections.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// frameCodec translates WebSocket messages to and from gateway frames. It owns the connection's receive buffer and
// the streaming inflate context; one codec serves exactly one connection attempt.
type frameCodec struct {
	log           zerolog.Logger
	maxBufferSize int

	// buf accumulates compressed bytes until a payload is complete. It is reused across payloads while its capacity
	// stays at or below maxBufferSize, and replaced otherwise.
	buf *bytes.Buffer

	// window is the tail of all decompressed output so far, capped at inflateWindowSize. It seeds each payload's
	// inflater so that cross-payload back-references resolve, preserving the single-stream context without keeping a
	// reader open between payloads.
	window []byte

	// headerStripped records whether the two-byte zlib stream header has been consumed. It appears once per
	// connection, in front of the first payload.
	headerStripped bool

	// onOversize is invoked when an outbound payload exceeds maxSafePayloadSize. Overridable in tests.
	onOversize func(cmd Command, size int)
}

func newFrameCodec(maxBufferSize int, logger zerolog.Logger) *frameCodec {
	if maxBufferSize <= 0 {
		maxBufferSize = defaultMaxPersistentBufferSize
	}
	c := &frameCodec{
		log:           logger,
		maxBufferSize: maxBufferSize,
		buf:           &bytes.Buffer{},
	}
	c.onOversize = func(cmd Command, size int) {
		metrics.PayloadOversizeTotal.Inc()
		c.log.Warn().Int("size", size).Int("limit", maxSafePayloadSize).Int("op", int(cmd.Op)).
			Msg("Outbound payload exceeds the documented frame limit; the server may reject it")
	}
	return c
}

// DecodeNext reads WebSocket messages until one complete frame is available and returns it decoded. Text messages
// decode directly; binary messages accumulate until the stream's sync-flush tail arrives.
func (c *frameCodec) DecodeNext(conn Conn) (Frame, error) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return Frame{}, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return Frame{}, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}

		switch messageType {
		case websocket.TextMessage:
			return c.parseFrame(data)
		case websocket.BinaryMessage:
			c.buf.Write(data)
			if !bytes.HasSuffix(c.buf.Bytes(), zlibSyncFlushTail) {
				continue
			}
			text, inflateErr := c.inflate(c.buf.Bytes())
			c.recycleBuffer()
			if inflateErr != nil {
				return Frame{}, inflateErr
			}
			return c.parseFrame(text)
		default:
			// Ping/pong are handled by the websocket library; anything else is ignored.
		}
	}
}

// EncodeAndSend serialises the command as a compact JSON object and writes it as a single text frame. Oversize
// payloads are reported but still sent.
func (c *frameCodec) EncodeAndSend(conn Conn, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	if len(data) > maxSafePayloadSize {
		c.onOversize(cmd, len(data))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

func (c *frameCodec) parseFrame(data []byte) (Frame, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Frame{}, fmt.Errorf("%w: expected a JSON object", ErrProtocolViolation)
	}
	var f Frame
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return f, nil
}

// inflate decompresses one complete payload, including its sync-flush tail, against the accumulated history window.
func (c *frameCodec) inflate(compressed []byte) ([]byte, error) {
	data := compressed
	if !c.headerStripped {
		if len(data) < 2 || data[0]&0x0f != 8 {
			return nil, fmt.Errorf("%w: bad zlib stream header", ErrProtocolViolation)
		}
		// CMF and FLG only; the server never sets FDICT.
		data = data[2:]
		c.headerStripped = true
	}

	fr := flate.NewReaderDict(bytes.NewReader(data), c.window)
	out, err := io.ReadAll(fr)
	_ = fr.Close()
	// The stream never emits a final block, so exhausting the payload surfaces as an unexpected EOF after the
	// sync-flush marker's empty stored block. That is the normal end-of-payload condition.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: inflate: %v", ErrProtocolViolation, err)
	}
	c.window = appendWindow(c.window, out)
	return out, nil
}

// recycleBuffer prepares the receive buffer for the next payload: reused in place while small, replaced once its
// capacity has grown past the configured threshold.
func (c *frameCodec) recycleBuffer() {
	if c.buf.Cap() > c.maxBufferSize {
		c.buf = &bytes.Buffer{}
		return
	}
	c.buf.Reset()
}

// appendWindow appends decompressed output to the history window, keeping at most the final inflateWindowSize bytes.
func appendWindow(window, out []byte) []byte {
	if len(out) >= inflateWindowSize {
		return append(window[:0], out[len(out)-inflateWindowSize:]...)
	}
	window = append(window, out...)
	if len(window) > inflateWindowSize {
		window = append(window[:0], window[len(window)-inflateWindowSize:]...)
	}
	return window
}
