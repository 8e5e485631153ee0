// Package api serves the HTTP control surface: routing control requests to
// devices, listing and closing sessions, and server-side emits.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/devgate/internal/directory"
	"github.com/gaspardpetit/devgate/internal/gateway"
	"github.com/gaspardpetit/devgate/internal/hub"
	"github.com/gaspardpetit/devgate/internal/logx"
	"github.com/gaspardpetit/devgate/internal/packet"
	"github.com/gaspardpetit/devgate/internal/serverstate"
)

// API holds the handlers' collaborators.
type API struct {
	Gate *gateway.Gate
	Hub  *hub.Hub
	// MaxBodyBytes caps request bodies; zero means 1 MiB.
	MaxBodyBytes int64
}

type errorBody struct {
	Error string `json:"error"`
}

type routeBody struct {
	Outcome gateway.Outcome `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
}

var outcomeStatus = map[gateway.Outcome]int{
	gateway.Delivered:         http.StatusOK,
	gateway.NoSuchTarget:      http.StatusNotFound,
	gateway.TargetUnreachable: http.StatusConflict,
	gateway.InvalidPayload:    http.StatusBadRequest,
	gateway.DeliveryFailed:    http.StatusBadGateway,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("encode response")
	}
}

func (a *API) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := a.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "body too large"})
		} else {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "read body"})
		}
		return nil, false
	}
	return b, true
}

// PostEndpoint validates the body against the device endpoint and delivers it.
func (a *API) PostEndpoint(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	res := a.Gate.Route(r.Context(), chi.URLParam(r, "client_id"), chi.URLParam(r, "endpoint_id"), body)
	status, ok := outcomeStatus[res.Outcome]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, routeBody{Outcome: res.Outcome, Reason: res.Reason})
}

type sessionView struct {
	ID          string    `json:"id"`
	DeviceType  string    `json:"device_type"`
	ConnID      string    `json:"conn_id"`
	ConnectedAt time.Time `json:"connected_at"`
	Rooms       []string  `json:"rooms"`
}

// ListDevices returns the connected sessions.
func (a *API) ListDevices(w http.ResponseWriter, r *http.Request) {
	snap := a.Hub.Registry().Snapshot()
	out := make([]sessionView, 0, len(snap))
	for _, s := range snap {
		rooms := a.Hub.Rooms(s.ID)
		if rooms == nil {
			rooms = []string{}
		}
		out = append(out, sessionView{ID: s.ID, DeviceType: s.DeviceType, ConnID: s.ConnID, ConnectedAt: s.ConnectedAt, Rooms: rooms})
	}
	writeJSON(w, http.StatusOK, out)
}

type deviceView struct {
	directory.Record
	Online bool `json:"online"`
}

// GetDevice returns the directory record of one device.
func (a *API) GetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "client_id")
	rec, err := a.Hub.Directory().Get(r.Context(), id)
	if errors.Is(err, directory.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown device"})
		return
	}
	if err != nil {
		logx.Log.Error().Err(err).Str("device_id", id).Msg("directory get")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "directory unavailable"})
		return
	}
	s, ok := a.Hub.Registry().Lookup(id)
	writeJSON(w, http.StatusOK, deviceView{Record: rec, Online: ok && s.Alive()})
}

// DeleteDevice closes the live session of a device.
func (a *API) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	if !a.Hub.Disconnect(chi.URLParam(r, "client_id")) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "device not connected"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type emitRequest struct {
	hub.Target
	Event string          `json:"event"`
	Value json.RawMessage `json:"value"`
}

// Emit pushes an unvalidated event to the selected sessions.
func (a *API) Emit(w http.ResponseWriter, r *http.Request) {
	body, ok := a.readBody(w, r)
	if !ok {
		return
	}
	var req emitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	if req.Event == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "event is required"})
		return
	}
	raw := []byte(req.Value)
	if len(raw) == 0 {
		raw = []byte("null")
	}
	v, err := packet.FromJSON(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	res, err := a.Hub.Emit(r.Context(), req.Target, req.Event, v)
	if errors.Is(err, hub.ErrNoTarget) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetHealthz reports liveness.
func (a *API) GetHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stateView struct {
	serverstate.State
	Sessions int `json:"sessions"`
}

// GetState returns the lifecycle status and session count.
func (a *API) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateView{State: serverstate.Snapshot(), Sessions: a.Hub.Registry().Len()})
}
