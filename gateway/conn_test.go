package gateway

import (
	"errors"
	"sync"
	"time"
)

// wsMessage is one scripted inbound WebSocket message.
type wsMessage struct {
	messageType int
	data        []byte
}

// fakeConn is a scriptable Conn. Inbound messages are fed through a channel; outbound writes are recorded.
type fakeConn struct {
	inbound chan wsMessage

	mu       sync.Mutex
	writes   []wsMessage
	controls []wsMessage
	closed   bool
	done     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan wsMessage, 64),
		done:    make(chan struct{}),
	}
}

func (c *fakeConn) push(messageType int, data []byte) {
	c.inbound <- wsMessage{messageType: messageType, data: data}
}

func (c *fakeConn) pushText(data string) {
	c.push(1, []byte(data)) // websocket.TextMessage
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.inbound:
		return msg.messageType, msg.data, nil
	case <-c.done:
		return 0, nil, errors.New("fake connection closed")
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed fake connection")
	}
	c.writes = append(c.writes, wsMessage{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, wsMessage{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

func (c *fakeConn) writtenFrames() []wsMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wsMessage(nil), c.writes...)
}

func (c *fakeConn) controlFrames() []wsMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wsMessage(nil), c.controls...)
}
