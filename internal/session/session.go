// Package session owns live device connections: the per-connection state
// machine, the registry of open sessions and the dispatch loop that pumps
// inbound frames to the application.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/devgate/internal/packet"
)

// Session is one open device connection. It moves from open to closed
// exactly once and never reopens.
type Session struct {
	ID          string
	DeviceType  string
	ConnID      string
	ConnectedAt time.Time

	meta map[string]any
	t    Transport

	sendMu sync.Mutex

	life      context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error

	mu    sync.Mutex
	cause error
}

// New returns an open session bound to t. meta is copied.
func New(id, deviceType string, meta map[string]any, t Transport) *Session {
	m := make(map[string]any, len(meta))
	for k, v := range meta {
		m[k] = v
	}
	life, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:          id,
		DeviceType:  deviceType,
		ConnID:      uuid.NewString(),
		ConnectedAt: time.Now(),
		meta:        m,
		t:           t,
		life:        life,
		cancel:      cancel,
	}
}

// Metadata returns a copy of the handshake metadata.
func (s *Session) Metadata() map[string]any {
	m := make(map[string]any, len(s.meta))
	for k, v := range s.meta {
		m[k] = v
	}
	return m
}

// Alive reports whether the session is still open.
func (s *Session) Alive() bool { return s.life.Err() == nil }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.life.Done() }

// Cause returns the failure that closed the session, or nil when it was
// closed deliberately or is still open.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Send encodes one frame and writes it. Concurrent callers are serialized so
// frames leave in the order Send was entered. A caller whose ctx is already
// done gets ctx.Err() and the session stays open. A started write is bound to
// the session's lifetime, not to ctx.
func (s *Session) Send(ctx context.Context, event string, v packet.Value) error {
	if !s.Alive() {
		return ErrSessionClosed
	}
	b, err := packet.Encode(event, v)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.Alive() {
		return ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	wctx, stop := s.bind(context.WithoutCancel(ctx))
	defer stop()
	if err := s.t.Send(wctx, b); err != nil {
		if !s.Alive() {
			return ErrSessionClosed
		}
		te := &TransportError{Op: "write", Err: err}
		s.fail(te)
		return te
	}
	return nil
}

// ReceiveNext blocks until one frame arrives. Any failure closes the session.
func (s *Session) ReceiveNext(ctx context.Context) (packet.Frame, error) {
	if !s.Alive() {
		return packet.Frame{}, ErrSessionClosed
	}
	rctx, stop := s.bind(ctx)
	defer stop()
	b, err := s.t.Receive(rctx)
	if err != nil {
		if !s.Alive() {
			return packet.Frame{}, ErrSessionClosed
		}
		te := &TransportError{Op: "read", Err: err}
		s.fail(te)
		return packet.Frame{}, te
	}
	f, err := packet.Decode(b)
	if err != nil {
		s.fail(err)
		return packet.Frame{}, err
	}
	return f, nil
}

// Close releases the transport. Only the first call has any effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.t.Close()
	})
	return nil
}

// CloseTransport is like Close but reports the transport's own close error
// from the first call.
func (s *Session) CloseTransport() error {
	_ = s.Close()
	return s.closeErr
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.cause == nil && s.Alive() {
		s.cause = err
	}
	s.mu.Unlock()
	_ = s.Close()
}

// bind derives a context that is also cancelled when the session closes, so
// a pending transport call is released by Close.
func (s *Session) bind(ctx context.Context) (context.Context, func()) {
	cctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.life, cancel)
	return cctx, func() {
		stop()
		cancel()
	}
}

// IsClosed reports whether err means the session had already closed.
func IsClosed(err error) bool { return errors.Is(err, ErrSessionClosed) }
