package session

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/coder/websocket"
	"google.golang.org/protobuf/encoding/protowire"
)

// Transport is a bidirectional, ordered message stream. Receive blocks until
// a full message arrives; Close must unblock a pending Receive.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// WebSocketTransport carries one frame per binary WebSocket message.
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps c. A positive readLimit caps message size;
// -1 disables the limit.
func NewWebSocketTransport(c *websocket.Conn, readLimit int64) *WebSocketTransport {
	if readLimit != 0 {
		c.SetReadLimit(readLimit)
	}
	return &WebSocketTransport{conn: c}
}

func (t *WebSocketTransport) Send(ctx context.Context, msg []byte) error {
	return t.conn.Write(ctx, websocket.MessageBinary, msg)
}

func (t *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	_, b, err := t.conn.Read(ctx)
	return b, err
}

func (t *WebSocketTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

// CloseWith closes the connection with an explicit status and reason.
func (t *WebSocketTransport) CloseWith(code websocket.StatusCode, reason string) error {
	return t.conn.Close(code, reason)
}

// StreamTransport frames messages over a raw byte stream such as a TCP
// connection. Every message is prefixed with its uvarint length.
type StreamTransport struct {
	rw      io.ReadWriteCloser
	r       *bufio.Reader
	maxSize uint64
	wmu     sync.Mutex
}

// NewStreamTransport wraps rw. Messages longer than maxSize bytes are
// rejected on receive; zero means no limit.
func NewStreamTransport(rw io.ReadWriteCloser, maxSize int) *StreamTransport {
	return &StreamTransport{rw: rw, r: bufio.NewReader(rw), maxSize: uint64(maxSize)}
}

// Send ignores ctx; a stuck write is released by Close.
func (t *StreamTransport) Send(_ context.Context, msg []byte) error {
	b := protowire.AppendBytes(make([]byte, 0, len(msg)+binary.MaxVarintLen64), msg)
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, err := t.rw.Write(b)
	return err
}

// Receive ignores ctx; a pending read is released by Close.
func (t *StreamTransport) Receive(_ context.Context) ([]byte, error) {
	n, err := binary.ReadUvarint(t.r)
	if err != nil {
		return nil, err
	}
	if t.maxSize > 0 && n > t.maxSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit %d", n, t.maxSize)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(t.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (t *StreamTransport) Close() error { return t.rw.Close() }
