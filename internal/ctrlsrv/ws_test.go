package ctrlsrv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/devgate/internal/directory"
	"github.com/gaspardpetit/devgate/internal/hub"
	"github.com/gaspardpetit/devgate/internal/packet"
	"github.com/gaspardpetit/devgate/internal/serverstate"
	"github.com/gaspardpetit/devgate/internal/session"
)

func newServer(t *testing.T, opts Options, hopts hub.Options) (*hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.New(session.NewRegistry(), directory.New(nil), hopts)
	srv := httptest.NewServer(WSHandler(h, opts))
	t.Cleanup(srv.Close)
	return h, srv
}

func deviceHeaders(id, typ string) http.Header {
	hdr := http.Header{}
	if id != "" {
		hdr.Set(HeaderID, id)
	}
	if typ != "" {
		hdr.Set(HeaderType, typ)
	}
	hdr.Set(HeaderProtocolVersion, ProtocolVersion)
	return hdr
}

func dial(t *testing.T, srv *httptest.Server, hdr http.Header) *session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	s := session.New("device", "", nil, session.NewWebSocketTransport(c, 1<<20))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandshakeRejections(t *testing.T) {
	_, srv := newServer(t, Options{}, hub.Options{})
	mutate := func(f func(http.Header)) http.Header {
		hdr := deviceHeaders("lamp-1", "lamp")
		f(hdr)
		return hdr
	}
	cases := []struct {
		hdr  http.Header
		code string
	}{
		{deviceHeaders("", "lamp"), CodeNoID},
		{deviceHeaders("lamp-1", ""), CodeNoType},
		{mutate(func(h http.Header) { h.Del(HeaderProtocolVersion) }), CodeNoProtocolVersion},
		{mutate(func(h http.Header) { h.Set(HeaderProtocolVersion, "99") }), CodeIncompatibleProtocol},
		{mutate(func(h http.Header) { h.Set(HeaderData, "[1,2]") }), CodeInvalidData},
		{mutate(func(h http.Header) { h.Set(HeaderEndpoints, `[{"id":1}]`) }), CodeInvalidEndpoints},
		{mutate(func(h http.Header) { h.Set("Authorization", "Bearer nope") }), CodeUnauthorized},
	}
	for _, c := range cases {
		dev := dial(t, srv, c.hdr)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		f, err := dev.ReceiveNext(ctx)
		cancel()
		_ = dev.Close()
		if err != nil {
			t.Fatalf("%s: receive: %v", c.code, err)
		}
		tree, ok := f.Value.AsStruct()
		if f.Event != "error" || !ok || tree.(map[string]any)["error"] != c.code {
			t.Fatalf("%s: got %s %v", c.code, f.Event, f.Value)
		}
	}
}

func TestInvalidEndpointsInfo(t *testing.T) {
	_, srv := newServer(t, Options{}, hub.Options{})
	cases := []struct {
		endpoints string
		id        string
		problem   string
	}{
		{`not json`, "", "invalid_json"},
		{`[{"id":"level","name":"Level","type":"integer","constraints":{"min":"low"}}]`, "level", "constraint_min_must_be_int"},
	}
	for _, c := range cases {
		hdr := deviceHeaders("lamp-1", "lamp")
		hdr.Set(HeaderEndpoints, c.endpoints)
		dev := dial(t, srv, hdr)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		f, err := dev.ReceiveNext(ctx)
		cancel()
		_ = dev.Close()
		if err != nil {
			t.Fatalf("%s: receive: %v", c.endpoints, err)
		}
		tree, _ := f.Value.AsStruct()
		m, _ := tree.(map[string]any)
		info, _ := m["info"].(map[string]any)
		if m["error"] != CodeInvalidEndpoints || info["endpointId"] != c.id || info["endpointProblem"] != c.problem {
			t.Fatalf("%s: got %v", c.endpoints, f.Value)
		}
	}
}

func TestUnknownTypeRejectedWhenRequired(t *testing.T) {
	_, srv := newServer(t, Options{}, hub.Options{RequireKnownType: true})
	dev := dial(t, srv, deviceHeaders("x1", "toaster"))
	f, err := dev.ReceiveNext(context.Background())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	tree, _ := f.Value.AsStruct()
	if tree.(map[string]any)["error"] != CodeInvalidType {
		t.Fatalf("got %v", f.Value)
	}
}

func TestClientKey(t *testing.T) {
	h, srv := newServer(t, Options{ClientKey: "secret"}, hub.Options{})
	hdr := deviceHeaders("lamp-1", "lamp")
	hdr.Set("Authorization", "Bearer secret")
	dial(t, srv, hdr)
	waitFor(t, func() bool { _, ok := h.Registry().Lookup("lamp-1"); return ok })
}

func TestConnectExchangeDisconnect(t *testing.T) {
	h, srv := newServer(t, Options{}, hub.Options{})
	h.Handle("lamp", "status", func(_ context.Context, _ *session.Session, v packet.Value) (*packet.Frame, error) {
		return &packet.Frame{Event: "status_ack", Value: v}, nil
	})
	hdr := deviceHeaders("lamp-1", "lamp")
	hdr.Set(HeaderData, `{"fw":"1.0"}`)
	hdr.Set(HeaderEndpoints, `[{"id":"power","name":"Power","type":"boolean"}]`)
	dev := dial(t, srv, hdr)
	waitFor(t, func() bool { _, ok := h.Registry().Lookup("lamp-1"); return ok })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dev.Send(ctx, "status", packet.String("on")); err != nil {
		t.Fatalf("send: %v", err)
	}
	f, err := dev.ReceiveNext(ctx)
	if err != nil || f.Event != "status_ack" || !f.Value.Equal(packet.String("on")) {
		t.Fatalf("reply %+v err=%v", f, err)
	}

	res, err := h.Emit(ctx, hub.Target{ClientID: "lamp-1"}, "power", packet.Bool(true))
	if err != nil || res.Delivered != 1 {
		t.Fatalf("emit %+v err=%v", res, err)
	}
	f, err = dev.ReceiveNext(ctx)
	if err != nil || f.Event != "power" {
		t.Fatalf("emitted frame %+v err=%v", f, err)
	}

	if _, ok := h.Directory().LookupValidator(ctx, "lamp-1", "power"); !ok {
		t.Fatalf("declared endpoint not recorded")
	}

	_ = dev.Close()
	waitFor(t, func() bool { return h.Registry().Len() == 0 })
	if _, ok := h.Directory().LookupValidator(ctx, "lamp-1", "power"); !ok {
		t.Fatalf("directory entry should outlive the connection")
	}
}

func TestReconnectReplacesGhost(t *testing.T) {
	h, srv := newServer(t, Options{}, hub.Options{})
	first := dial(t, srv, deviceHeaders("lamp-1", "lamp"))
	waitFor(t, func() bool { _, ok := h.Registry().Lookup("lamp-1"); return ok })
	old, _ := h.Registry().Lookup("lamp-1")

	dial(t, srv, deviceHeaders("lamp-1", "lamp"))
	waitFor(t, func() bool {
		cur, ok := h.Registry().Lookup("lamp-1")
		return ok && cur != old
	})
	if _, err := first.ReceiveNext(context.Background()); err == nil {
		t.Fatalf("first connection should be closed")
	}
	time.Sleep(50 * time.Millisecond)
	if cur, ok := h.Registry().Lookup("lamp-1"); !ok || cur == old || !cur.Alive() {
		t.Fatalf("successor must remain registered")
	}
}

func TestDrainingRefusesConnections(t *testing.T) {
	prev := serverstate.Snapshot()
	serverstate.UseStore(serverstate.NewMemoryStore())
	serverstate.StartDrain()
	defer func() {
		st := serverstate.NewMemoryStore()
		st.Store(prev)
		serverstate.UseStore(st)
	}()

	_, srv := newServer(t, Options{}, hub.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), &websocket.DialOptions{HTTPHeader: deviceHeaders("lamp-1", "lamp")})
	if err == nil {
		t.Fatalf("dial should fail while draining")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %v", resp)
	}
}
