// Package ctrlsrv accepts device connections over WebSocket, performs the
// header handshake and runs the session's dispatch loop.
package ctrlsrv

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/devgate/internal/endpoint"
	"github.com/gaspardpetit/devgate/internal/hub"
	"github.com/gaspardpetit/devgate/internal/logx"
	"github.com/gaspardpetit/devgate/internal/metrics"
	"github.com/gaspardpetit/devgate/internal/packet"
	"github.com/gaspardpetit/devgate/internal/serverstate"
	"github.com/gaspardpetit/devgate/internal/session"
)

// ProtocolVersion is the handshake version devices must announce.
const ProtocolVersion = "1"

const (
	HeaderID              = "Device-Id"
	HeaderType            = "Device-Type"
	HeaderProtocolVersion = "Device-Protocol-Version"
	HeaderData            = "Device-Data"
	HeaderEndpoints       = "Device-Endpoints"
)

// Handshake rejection codes sent to devices in the error frame.
const (
	CodeNoID                 = "client_no_id"
	CodeNoType               = "client_no_type"
	CodeNoProtocolVersion    = "client_no_protocol_version"
	CodeIncompatibleProtocol = "client_incompatible_protocol_version"
	CodeInvalidType          = "client_invalid_type"
	CodeInvalidData          = "client_invalid_data"
	CodeInvalidEndpoints     = "client_invalid_endpoints"
	CodeUnauthorized         = "unauthorized"
	errorEvent               = "error"
)

// Options configures WSHandler.
type Options struct {
	// ClientKey, when set, must be presented as a bearer token.
	ClientKey string
	// MaxFrameBytes caps inbound messages; zero keeps the library default.
	MaxFrameBytes int64
}

type rejection struct {
	code string
	info map[string]any
}

// WSHandler handles incoming device websocket connections.
func WSHandler(h *hub.Hub, opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Reject new device connections when the gateway is draining
		if serverstate.IsDraining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			logx.Log.Error().Err(err).Str("remote", r.RemoteAddr).Msg("ws accept")
			return
		}
		t := session.NewWebSocketTransport(c, opts.MaxFrameBytes)
		ctx := r.Context()

		id, typ, meta, declared, rej := readHandshake(r, opts.ClientKey)
		var validators []endpoint.Validator
		if rej == nil {
			validators, err = h.ResolveEndpoints(typ, declared)
			if errors.Is(err, hub.ErrUnknownType) {
				rej = &rejection{code: CodeInvalidType, info: map[string]any{"type": typ}}
			}
		}
		if rej != nil {
			metrics.RecordHandshakeRejection(rej.code)
			logx.Log.Warn().Str("remote", r.RemoteAddr).Str("device_id", id).Str("code", rej.code).Msg("handshake rejected")
			payload := map[string]any{"error": rej.code, "info": rej.info}
			if b, err := packet.EncodeAny(errorEvent, payload); err == nil {
				_ = t.Send(ctx, b)
			}
			_ = t.CloseWith(websocket.StatusPolicyViolation, rej.code)
			return
		}

		s := session.New(id, typ, meta, t)
		if err := h.Connect(ctx, s, validators); err != nil {
			logx.Log.Error().Err(err).Str("device_id", id).Msg("register session")
			_ = t.CloseWith(websocket.StatusInternalError, "server error")
			return
		}
		err = session.Dispatch(ctx, h.Registry(), s, h, h)
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			logx.Log.Debug().Str("device_id", id).Int("code", int(ce.Code)).Str("reason", ce.Reason).Msg("device closed connection")
		}
	}
}

func readHandshake(r *http.Request, clientKey string) (id, typ string, meta map[string]any, declared []endpoint.Validator, rej *rejection) {
	id = r.Header.Get(HeaderID)
	if id == "" {
		return "", "", nil, nil, &rejection{code: CodeNoID}
	}
	if key := bearer(r); clientKey != key {
		return id, "", nil, nil, &rejection{code: CodeUnauthorized}
	}
	typ = r.Header.Get(HeaderType)
	if typ == "" {
		return id, "", nil, nil, &rejection{code: CodeNoType}
	}
	v := r.Header.Get(HeaderProtocolVersion)
	if v == "" {
		return id, typ, nil, nil, &rejection{code: CodeNoProtocolVersion}
	}
	if v != ProtocolVersion {
		return id, typ, nil, nil, &rejection{code: CodeIncompatibleProtocol, info: map[string]any{"expected": ProtocolVersion, "got": v}}
	}
	meta = map[string]any{}
	if raw := r.Header.Get(HeaderData); raw != "" {
		dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
		dec.UseNumber()
		if err := dec.Decode(&meta); err != nil || meta == nil {
			return id, typ, nil, nil, &rejection{code: CodeInvalidData}
		}
	}
	if raw := r.Header.Get(HeaderEndpoints); raw != "" {
		vs, err := endpoint.ParseList([]byte(raw))
		if err != nil {
			info := map[string]any{"endpointId": "", "endpointProblem": string(endpoint.MalformedJSON)}
			var pe *endpoint.ParseError
			if errors.As(err, &pe) {
				info["endpointId"] = pe.EndpointID
				info["endpointProblem"] = string(pe.Code)
			}
			return id, typ, nil, nil, &rejection{code: CodeInvalidEndpoints, info: info}
		}
		declared = vs
	}
	return id, typ, meta, declared, nil
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
