package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gaspardpetit/devgate/internal/directory"
	"github.com/gaspardpetit/devgate/internal/endpoint"
	"github.com/gaspardpetit/devgate/internal/packet"
	"github.com/gaspardpetit/devgate/internal/session"
)

type pipeTransport struct {
	in     chan []byte
	mu     sync.Mutex
	sent   []packet.Frame
	closed chan struct{}
	once   sync.Once
}

func newPipe() *pipeTransport {
	return &pipeTransport{in: make(chan []byte, 8), closed: make(chan struct{})}
}

func (p *pipeTransport) Send(_ context.Context, b []byte) error {
	f, err := packet.Decode(b)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sent = append(p.sent, f)
	p.mu.Unlock()
	return nil
}

func (p *pipeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-p.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, f := range p.sent {
		out = append(out, f.Event)
	}
	return out
}

func newHub(opts Options) *Hub {
	return New(session.NewRegistry(), directory.New(nil), opts)
}

func connect(t *testing.T, h *Hub, id, typ string) (*session.Session, *pipeTransport) {
	t.Helper()
	p := newPipe()
	s := session.New(id, typ, nil, p)
	if err := h.Connect(context.Background(), s, nil); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	return s, p
}

func TestHandlerReply(t *testing.T) {
	h := newHub(Options{})
	h.Handle("thermo", "temp", func(_ context.Context, s *session.Session, v packet.Value) (*packet.Frame, error) {
		i, _ := v.AsInt()
		return &packet.Frame{Event: "ack", Value: packet.Int(i + 1)}, nil
	})
	h.Handle("", "ping", func(context.Context, *session.Session, packet.Value) (*packet.Frame, error) {
		return &packet.Frame{Event: "pong", Value: packet.Bool(true)}, nil
	})
	s, p := connect(t, h, "t1", "thermo")
	h.HandleEvent(context.Background(), s, packet.Frame{Event: "temp", Value: packet.Int(20)})
	h.HandleEvent(context.Background(), s, packet.Frame{Event: "ping", Value: packet.Bool(true)})
	h.HandleEvent(context.Background(), s, packet.Frame{Event: "unknown", Value: packet.Bool(true)})
	if got := strings.Join(p.events(), ","); got != "ack,pong" {
		t.Fatalf("replies = %s", got)
	}
	if v, _ := p.sent[0].Value.AsInt(); v != 21 {
		t.Fatalf("ack value %d", v)
	}
}

func TestRoomsAndEmit(t *testing.T) {
	h := newHub(Options{})
	_, lamp1 := connect(t, h, "lamp-1", "lamp")
	_, lamp2 := connect(t, h, "lamp-2", "lamp")
	_, fan := connect(t, h, "fan-1", "fan")

	h.Join("lamp-1", "kitchen")
	h.Join("fan-1", "kitchen")
	h.Join("offline", "kitchen")
	if got := strings.Join(h.Members("kitchen"), ","); got != "fan-1,lamp-1,offline" {
		t.Fatalf("members = %s", got)
	}

	ctx := context.Background()
	res, err := h.Emit(ctx, Target{Room: "kitchen"}, "off", packet.Bool(false))
	if err != nil || res.Delivered != 2 {
		t.Fatalf("room emit %+v err=%v", res, err)
	}
	res, _ = h.Emit(ctx, Target{Room: "kitchen", DeviceType: "lamp"}, "dim", packet.Int(3))
	if res.Delivered != 1 {
		t.Fatalf("filtered room emit %+v", res)
	}
	res, _ = h.Emit(ctx, Target{DeviceType: "lamp"}, "on", packet.Bool(true))
	if res.Delivered != 2 {
		t.Fatalf("type emit %+v", res)
	}
	res, _ = h.Emit(ctx, Target{ClientID: "fan-1", Room: "nowhere"}, "spin", packet.Int(2))
	if res.Delivered != 1 {
		t.Fatalf("client emit %+v", res)
	}
	if _, err := h.Emit(ctx, Target{}, "x", packet.Int(1)); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}

	if got := strings.Join(lamp1.events(), ","); got != "off,dim,on" {
		t.Fatalf("lamp-1 got %s", got)
	}
	if got := strings.Join(lamp2.events(), ","); got != "on" {
		t.Fatalf("lamp-2 got %s", got)
	}
	if got := strings.Join(fan.events(), ","); got != "off,spin" {
		t.Fatalf("fan-1 got %s", got)
	}

	h.Leave("offline", "kitchen")
	if got := h.Rooms("lamp-1"); len(got) != 1 || got[0] != "kitchen" {
		t.Fatalf("rooms = %v", got)
	}
	if !h.CloseRoom("kitchen") || len(h.Members("kitchen")) != 0 {
		t.Fatalf("close room failed")
	}
}

func TestUpdateHook(t *testing.T) {
	h := newHub(Options{})
	connect(t, h, "lamp-1", "lamp")
	var got []string
	h.OnUpdate(func(id, event string, _ packet.Value) { got = append(got, id+":"+event) })
	_, _ = h.Emit(context.Background(), Target{ClientID: "lamp-1"}, "on", packet.Bool(true))
	if len(got) != 1 || got[0] != "lamp-1:on" {
		t.Fatalf("update hook saw %v", got)
	}
}

func TestUpdateHookRunsForOfflineClient(t *testing.T) {
	h := newHub(Options{})
	var got []string
	h.OnUpdate(func(id, event string, v packet.Value) {
		n, _ := v.AsInt()
		got = append(got, fmt.Sprintf("%s:%s:%d", id, event, n))
	})
	res, err := h.Emit(context.Background(), Target{ClientID: "lamp-9"}, "level", packet.Int(4))
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if res.Delivered != 0 || res.Failed != 0 {
		t.Fatalf("result %+v", res)
	}
	if len(got) != 1 || got[0] != "lamp-9:level:4" {
		t.Fatalf("update hook saw %v", got)
	}

	h.Join("lamp-9", "hall")
	if _, err := h.Emit(context.Background(), Target{Room: "hall"}, "level", packet.Int(5)); err != nil {
		t.Fatalf("room emit: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("room emit to offline members should not run hooks: %v", got)
	}
}

func TestDisconnectDropsRooms(t *testing.T) {
	h := newHub(Options{})
	var disconnected []string
	h.OnDisconnect(func(s *session.Session, _ error) { disconnected = append(disconnected, s.ID) })
	s, _ := connect(t, h, "lamp-1", "lamp")
	h.Join("lamp-1", "hall")

	done := make(chan struct{})
	go func() {
		_ = session.Dispatch(context.Background(), h.Registry(), s, h, h)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	if !h.Disconnect("lamp-1") {
		t.Fatalf("disconnect reported no session")
	}
	<-done
	if len(h.Members("hall")) != 0 {
		t.Fatalf("membership should be dropped on disconnect")
	}
	if len(disconnected) != 1 {
		t.Fatalf("disconnect hook calls %v", disconnected)
	}
	if h.Disconnect("lamp-1") {
		t.Fatalf("second disconnect should find nothing")
	}
}

func TestReconnectEvictsGhost(t *testing.T) {
	h := newHub(Options{})
	old, _ := connect(t, h, "lamp-1", "lamp")
	done := make(chan struct{})
	go func() {
		_ = session.Dispatch(context.Background(), h.Registry(), old, h, h)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	next, _ := connect(t, h, "lamp-1", "lamp")
	h.Join("lamp-1", "hall")
	<-done
	if old.Alive() {
		t.Fatalf("ghost should be closed")
	}
	if cur, ok := h.Registry().Lookup("lamp-1"); !ok || cur != next {
		t.Fatalf("successor must stay registered")
	}
	if len(h.Members("hall")) != 1 {
		t.Fatalf("successor membership lost")
	}
}

func TestResolveEndpoints(t *testing.T) {
	defaults, err := endpoint.ParseList([]byte(`[{"id":"power","name":"Power","type":"boolean"}]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	h := newHub(Options{DeviceTypes: []DeviceType{{Name: "lamp", Endpoints: defaults}}, RequireKnownType: true})
	got, err := h.ResolveEndpoints("lamp", nil)
	if err != nil || len(got) != 1 {
		t.Fatalf("defaults not applied: %v %v", got, err)
	}
	if _, err := h.ResolveEndpoints("toaster", nil); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}

	open := newHub(Options{})
	if got, err := open.ResolveEndpoints("toaster", defaults); err != nil || len(got) != 1 {
		t.Fatalf("declared endpoints should pass through: %v %v", got, err)
	}
}

func TestConnectRecordsDirectory(t *testing.T) {
	h := newHub(Options{})
	vs, _ := endpoint.ParseList([]byte(`[{"id":"power","name":"Power","type":"boolean"}]`))
	s := session.New("lamp-1", "lamp", map[string]any{"fw": "2.0"}, newPipe())
	if err := h.Connect(context.Background(), s, vs); err != nil {
		t.Fatalf("connect: %v", err)
	}
	rec, err := h.Directory().Get(context.Background(), "lamp-1")
	if err != nil || rec.DeviceType != "lamp" || rec.Metadata["fw"] != "2.0" || len(rec.Endpoints) != 1 {
		t.Fatalf("record %+v err=%v", rec, err)
	}
	if _, ok := h.Directory().LookupValidator(context.Background(), "lamp-1", "power"); !ok {
		t.Fatalf("validator not found")
	}
}
