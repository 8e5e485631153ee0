package session

import (
	"context"
	"fmt"

	"github.com/gaspardpetit/devgate/internal/logx"
	"github.com/gaspardpetit/devgate/internal/packet"
)

// EventSink receives every inbound frame of a session.
type EventSink interface {
	HandleEvent(ctx context.Context, s *Session, f packet.Frame)
}

// Observer is told once when a dispatched session ends. cause is nil for a
// deliberate close.
type Observer interface {
	Disconnected(s *Session, cause error)
}

// Dispatch pumps frames from s into sink until the session fails or ctx ends.
// On exit the session is detached from reg, closed and reported to obs.
func Dispatch(ctx context.Context, reg *Registry, s *Session, sink EventSink, obs Observer) error {
	var err error
	for {
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		var f packet.Frame
		f, err = s.ReceiveNext(ctx)
		if err != nil {
			break
		}
		deliver(ctx, sink, s, f)
	}
	reg.Detach(s)
	_ = s.Close()
	cause := s.Cause()
	if cause == nil && !IsClosed(err) {
		cause = err
	}
	if obs != nil {
		obs.Disconnected(s, cause)
	}
	return cause
}

func deliver(ctx context.Context, sink EventSink, s *Session, f packet.Frame) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logx.Log.Error().
				Str("device_id", s.ID).
				Str("conn_id", s.ConnID).
				Str("event", f.Event).
				Err(fmt.Errorf("panic: %v", r)).
				Msg("event handler panicked")
		}
	}()
	sink.HandleEvent(ctx, s, f)
}
