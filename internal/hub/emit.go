package hub

import (
	"context"

	"github.com/gaspardpetit/devgate/internal/logx"
	"github.com/gaspardpetit/devgate/internal/packet"
	"github.com/gaspardpetit/devgate/internal/session"
)

// Target selects the recipients of an emit. ClientID wins over the other
// fields; with Room set, DeviceType filters the room's members.
type Target struct {
	ClientID   string `json:"client_id,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Room       string `json:"room,omitempty"`
}

// EmitResult counts per-session deliveries.
type EmitResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Emit sends an unvalidated frame from the server to every session the
// target selects. Offline members are skipped. An emit to a single client id
// that is offline still runs the OnUpdate hooks.
func (h *Hub) Emit(ctx context.Context, t Target, event string, v packet.Value) (EmitResult, error) {
	targets, err := h.resolve(t)
	if err != nil {
		return EmitResult{}, err
	}
	if t.ClientID != "" && len(targets) == 0 {
		logx.Log.Debug().Str("device_id", t.ClientID).Str("event", event).Msg("emit to offline device")
		h.update(t.ClientID, event, v)
		return EmitResult{}, nil
	}
	var res EmitResult
	for _, s := range targets {
		if err := h.send(ctx, s, event, v); err != nil {
			logx.Log.Warn().Err(err).Str("device_id", s.ID).Str("event", event).Msg("emit")
			res.Failed++
			continue
		}
		res.Delivered++
	}
	return res, nil
}

func (h *Hub) resolve(t Target) ([]*session.Session, error) {
	switch {
	case t.ClientID != "":
		if s, ok := h.reg.Lookup(t.ClientID); ok {
			return []*session.Session{s}, nil
		}
		return nil, nil
	case t.Room != "":
		var out []*session.Session
		for _, id := range h.Members(t.Room) {
			s, ok := h.reg.Lookup(id)
			if !ok || (t.DeviceType != "" && s.DeviceType != t.DeviceType) {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	case t.DeviceType != "":
		return h.reg.ByType(t.DeviceType), nil
	default:
		return nil, ErrNoTarget
	}
}
