// Package hub is the application layer above the session core: device
// types, event handlers, rooms and server-side emits.
package hub

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/gaspardpetit/devgate/internal/directory"
	"github.com/gaspardpetit/devgate/internal/endpoint"
	"github.com/gaspardpetit/devgate/internal/logx"
	"github.com/gaspardpetit/devgate/internal/metrics"
	"github.com/gaspardpetit/devgate/internal/packet"
	"github.com/gaspardpetit/devgate/internal/serverstate"
	"github.com/gaspardpetit/devgate/internal/session"
)

var (
	ErrUnknownType = errors.New("unknown device type")
	ErrNoTarget    = errors.New("emit needs a client id, device type or room")
)

// DeviceType describes a family of devices. Endpoints are used for devices
// of this type that declare none themselves.
type DeviceType struct {
	Name      string
	Endpoints []endpoint.Validator
}

// Options configures a Hub.
type Options struct {
	DeviceTypes      []DeviceType
	RequireKnownType bool
}

// HandlerFunc handles one inbound event. A non-nil reply is sent back on the
// same session.
type HandlerFunc func(ctx context.Context, s *session.Session, v packet.Value) (reply *packet.Frame, err error)

// Hub owns the live registry and the device directory.
type Hub struct {
	reg  *session.Registry
	dir  *directory.Directory
	opts Options

	mu       sync.RWMutex
	types    map[string]DeviceType
	handlers map[string]map[string]HandlerFunc
	rooms    map[string]map[string]struct{}

	onConnect    []func(*session.Session)
	onDisconnect []func(*session.Session, error)
	onUpdate     []func(clientID, event string, v packet.Value)
}

func New(reg *session.Registry, dir *directory.Directory, opts Options) *Hub {
	h := &Hub{
		reg:      reg,
		dir:      dir,
		opts:     opts,
		types:    make(map[string]DeviceType),
		handlers: make(map[string]map[string]HandlerFunc),
		rooms:    make(map[string]map[string]struct{}),
	}
	for _, t := range opts.DeviceTypes {
		h.types[t.Name] = t
	}
	return h
}

func (h *Hub) Registry() *session.Registry { return h.reg }

func (h *Hub) Directory() *directory.Directory { return h.dir }

// AddType registers or replaces a device type.
func (h *Hub) AddType(t DeviceType) {
	h.mu.Lock()
	h.types[t.Name] = t
	h.mu.Unlock()
}

// Handle registers fn for event on devices of deviceType. An empty
// deviceType matches every type; a type-specific handler wins.
func (h *Hub) Handle(deviceType, event string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.handlers[deviceType]
	if !ok {
		m = make(map[string]HandlerFunc)
		h.handlers[deviceType] = m
	}
	m[event] = fn
}

func (h *Hub) OnConnect(fn func(*session.Session)) {
	h.mu.Lock()
	h.onConnect = append(h.onConnect, fn)
	h.mu.Unlock()
}

func (h *Hub) OnDisconnect(fn func(*session.Session, error)) {
	h.mu.Lock()
	h.onDisconnect = append(h.onDisconnect, fn)
	h.mu.Unlock()
}

// OnUpdate registers fn to run after every server-originated frame is sent.
func (h *Hub) OnUpdate(fn func(clientID, event string, v packet.Value)) {
	h.mu.Lock()
	h.onUpdate = append(h.onUpdate, fn)
	h.mu.Unlock()
}

// ResolveEndpoints applies the device type's rules to the endpoints a device
// declared.
func (h *Hub) ResolveEndpoints(deviceType string, declared []endpoint.Validator) ([]endpoint.Validator, error) {
	h.mu.RLock()
	t, known := h.types[deviceType]
	h.mu.RUnlock()
	if !known && h.opts.RequireKnownType {
		return nil, ErrUnknownType
	}
	if len(declared) == 0 && known {
		return t.Endpoints, nil
	}
	return declared, nil
}

// Connect registers s, replacing any ghost session left under the same id,
// and records the device in the directory.
func (h *Hub) Connect(ctx context.Context, s *session.Session, validators []endpoint.Validator) error {
	for {
		if ghost, ok := h.reg.Evict(s.ID); ok {
			logx.Log.Info().Str("device_id", s.ID).Str("conn_id", ghost.ConnID).Msg("evicting previous session")
			_ = ghost.Close()
		}
		err := h.reg.Register(s)
		if err == nil {
			break
		}
		if !errors.Is(err, session.ErrDuplicateID) {
			return err
		}
	}
	rec := directory.Record{ClientID: s.ID, DeviceType: s.DeviceType, Metadata: s.Metadata()}
	if err := h.dir.Put(ctx, rec, validators); err != nil {
		logx.Log.Error().Err(err).Str("device_id", s.ID).Msg("directory update")
	}
	metrics.SessionOpened()
	if h.reg.Len() == 1 {
		serverstate.SetState(serverstate.StatusReady)
	}
	logx.Log.Info().
		Str("device_id", s.ID).
		Str("device_type", s.DeviceType).
		Str("conn_id", s.ConnID).
		Int("endpoint_count", len(validators)).
		Msg("connected")

	h.mu.RLock()
	hooks := append([]func(*session.Session){}, h.onConnect...)
	h.mu.RUnlock()
	for _, fn := range hooks {
		fn(s)
	}
	return nil
}

// HandleEvent routes an inbound frame to its handler.
func (h *Hub) HandleEvent(ctx context.Context, s *session.Session, f packet.Frame) {
	metrics.RecordFrameReceived(s.DeviceType)
	h.mu.RLock()
	fn := h.handlers[s.DeviceType][f.Event]
	if fn == nil {
		fn = h.handlers[""][f.Event]
	}
	h.mu.RUnlock()
	if fn == nil {
		logx.Log.Debug().Str("device_id", s.ID).Str("event", f.Event).Msg("unhandled event")
		return
	}
	reply, err := fn(ctx, s, f.Value)
	if err != nil {
		logx.Log.Warn().Err(err).Str("device_id", s.ID).Str("event", f.Event).Msg("event handler")
		return
	}
	if reply != nil {
		if err := h.send(ctx, s, reply.Event, reply.Value); err != nil {
			logx.Log.Warn().Err(err).Str("device_id", s.ID).Str("event", reply.Event).Msg("reply")
		}
	}
}

// Disconnected is called once per dispatched session after it left the
// registry.
func (h *Hub) Disconnected(s *session.Session, cause error) {
	// A successor may already hold the id; its rooms stay.
	if cur, ok := h.reg.Lookup(s.ID); !ok || cur == s {
		h.leaveAll(s.ID)
	}
	metrics.SessionClosed(reason(cause))
	if h.reg.Len() == 0 && !serverstate.IsDraining() {
		serverstate.SetState(serverstate.StatusNotReady)
	}
	ev := logx.Log.Info()
	if cause != nil {
		ev = ev.Err(cause)
	}
	ev.Str("device_id", s.ID).Str("conn_id", s.ConnID).Msg("disconnected")

	h.mu.RLock()
	hooks := append([]func(*session.Session, error){}, h.onDisconnect...)
	h.mu.RUnlock()
	for _, fn := range hooks {
		fn(s, cause)
	}
}

func reason(cause error) string {
	switch {
	case cause == nil:
		return "closed"
	case errors.Is(cause, session.ErrTransport):
		return "transport"
	case errors.Is(cause, packet.ErrMalformedFrame), errors.Is(cause, packet.ErrUnknownTag):
		return "protocol"
	default:
		return "error"
	}
}

// Disconnect closes the live session of clientID. It reports whether one
// was open.
func (h *Hub) Disconnect(clientID string) bool {
	s, ok := h.reg.Lookup(clientID)
	if !ok || !s.Alive() {
		return false
	}
	_ = s.Close()
	return true
}

// Shutdown closes every session.
func (h *Hub) Shutdown() { h.reg.CloseAll() }

// Join adds clientID to room, creating the room if needed.
func (h *Hub) Join(clientID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.rooms[room]
	if !ok {
		m = make(map[string]struct{})
		h.rooms[room] = m
	}
	m[clientID] = struct{}{}
}

// Leave removes clientID from room. Empty rooms are dropped.
func (h *Hub) Leave(clientID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.rooms[room]; ok {
		delete(m, clientID)
		if len(m) == 0 {
			delete(h.rooms, room)
		}
	}
}

// CloseRoom removes the room and all of its memberships.
func (h *Hub) CloseRoom(room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.rooms[room]
	delete(h.rooms, room)
	return ok
}

// Members returns the client ids in room, sorted.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sortedKeys(h.rooms[room])
}

// Rooms returns the rooms clientID belongs to, sorted.
func (h *Hub) Rooms(clientID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for name, m := range h.rooms {
		if _, ok := m[clientID]; ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (h *Hub) leaveAll(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, m := range h.rooms {
		delete(m, clientID)
		if len(m) == 0 {
			delete(h.rooms, name)
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) send(ctx context.Context, s *session.Session, event string, v packet.Value) error {
	if err := s.Send(ctx, event, v); err != nil {
		return err
	}
	metrics.RecordFrameSent(s.DeviceType)
	h.update(s.ID, event, v)
	return nil
}

func (h *Hub) update(clientID, event string, v packet.Value) {
	h.mu.RLock()
	hooks := append([]func(string, string, packet.Value){}, h.onUpdate...)
	h.mu.RUnlock()
	for _, fn := range hooks {
		fn(clientID, event, v)
	}
}
