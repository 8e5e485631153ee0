package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/devgate/internal/directory"
	"github.com/gaspardpetit/devgate/internal/gateway"
	"github.com/gaspardpetit/devgate/internal/hub"
	"github.com/gaspardpetit/devgate/internal/packet"
	"github.com/gaspardpetit/devgate/internal/session"
)

type recordTransport struct {
	mu     sync.Mutex
	frames []packet.Frame
	done   chan struct{}
	once   sync.Once
}

func newRecord() *recordTransport { return &recordTransport{done: make(chan struct{})} }

func (r *recordTransport) Send(_ context.Context, b []byte) error {
	f, err := packet.Decode(b)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
	return nil
}

func (r *recordTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *recordTransport) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

func (r *recordTransport) sent() []packet.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]packet.Frame(nil), r.frames...)
}

func newAPI(t *testing.T) (*API, http.Handler) {
	t.Helper()
	h := hub.New(session.NewRegistry(), directory.New(nil), hub.Options{})
	a := &API{Gate: gateway.New(h.Directory(), h.Registry()), Hub: h, MaxBodyBytes: 256}
	r := chi.NewRouter()
	r.Post("/devices/{client_id}/endpoints/{endpoint_id}", a.PostEndpoint)
	r.Get("/devices", a.ListDevices)
	r.Get("/devices/{client_id}", a.GetDevice)
	r.Delete("/devices/{client_id}", a.DeleteDevice)
	r.Post("/emit", a.Emit)
	r.Get("/state", a.GetState)
	return a, r
}

func connect(t *testing.T, a *API, id, typ string) *recordTransport {
	t.Helper()
	tr := newRecord()
	s := session.New(id, typ, nil, tr)
	if err := a.Hub.Connect(context.Background(), s, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return tr
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rr
}

func TestPostEndpointUnknownDevice(t *testing.T) {
	_, h := newAPI(t)
	rr := serve(h, http.MethodPost, "/devices/ghost/endpoints/power", "true")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d", rr.Code)
	}
	var body routeBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Outcome != gateway.NoSuchTarget {
		t.Fatalf("body %s", rr.Body.String())
	}
}

func TestBodyTooLarge(t *testing.T) {
	_, h := newAPI(t)
	rr := serve(h, http.MethodPost, "/devices/x/endpoints/y", `"`+strings.Repeat("a", 300)+`"`)
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d", rr.Code)
	}
}

func TestEmitToRoom(t *testing.T) {
	a, h := newAPI(t)
	one := connect(t, a, "a", "lamp")
	two := connect(t, a, "b", "fan")
	a.Hub.Join("a", "kitchen")
	a.Hub.Join("b", "kitchen")

	rr := serve(h, http.MethodPost, "/emit", `{"room":"kitchen","device_type":"lamp","event":"blink","value":3}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	got := one.sent()
	if len(got) != 1 || got[0].Event != "blink" {
		t.Fatalf("lamp got %+v", got)
	}
	if n, ok := got[0].Value.AsInt(); !ok || n != 3 {
		t.Fatalf("value %v", got[0].Value)
	}
	if len(two.sent()) != 0 {
		t.Fatalf("fan should be filtered out")
	}
}

func TestEmitRequiresEventAndTarget(t *testing.T) {
	_, h := newAPI(t)
	if rr := serve(h, http.MethodPost, "/emit", `{"client_id":"a"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing event: %d", rr.Code)
	}
	if rr := serve(h, http.MethodPost, "/emit", `{"event":"x"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing target: %d", rr.Code)
	}
	if rr := serve(h, http.MethodPost, "/emit", `{`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", rr.Code)
	}
}

func TestListGetDelete(t *testing.T) {
	a, h := newAPI(t)
	connect(t, a, "a", "lamp")
	a.Hub.Join("a", "kitchen")

	rr := serve(h, http.MethodGet, "/devices", "")
	var list []sessionView
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != "a" || len(list[0].Rooms) != 1 || list[0].Rooms[0] != "kitchen" {
		t.Fatalf("list %+v", list)
	}
	if rr := serve(h, http.MethodGet, "/devices/a", ""); rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"online":true`) {
		t.Fatalf("get %d %s", rr.Code, rr.Body.String())
	}
	if rr := serve(h, http.MethodGet, "/devices/zzz", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("get unknown %d", rr.Code)
	}
	if rr := serve(h, http.MethodDelete, "/devices/a", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("delete %d", rr.Code)
	}
	if rr := serve(h, http.MethodDelete, "/devices/a", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("second delete %d", rr.Code)
	}
}

func TestStateReportsSessions(t *testing.T) {
	a, h := newAPI(t)
	connect(t, a, "a", "lamp")
	rr := serve(h, http.MethodGet, "/state", "")
	var v struct {
		Sessions int `json:"sessions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil || v.Sessions != 1 {
		t.Fatalf("state %s", rr.Body.String())
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := APIKeyMiddleware("k")(ok)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no key %d", rr.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer k")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("with key %d", rr.Code)
	}
}

func TestRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RateLimit(ctx, 1, 2)(ok)
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, rr.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes %v", codes)
	}
	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.RemoteAddr = "10.0.0.9:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, other)
	if rr.Code != http.StatusOK {
		t.Fatalf("separate ip should have its own bucket: %d", rr.Code)
	}
}
