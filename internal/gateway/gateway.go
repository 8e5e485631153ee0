// Package gateway validates control requests against the target device's
// declared endpoint and, only when valid, delivers them to its live session.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/gaspardpetit/devgate/internal/endpoint"
	"github.com/gaspardpetit/devgate/internal/logx"
	"github.com/gaspardpetit/devgate/internal/metrics"
	"github.com/gaspardpetit/devgate/internal/packet"
	"github.com/gaspardpetit/devgate/internal/session"
)

// Outcome is the result of routing one request.
type Outcome string

const (
	Delivered         Outcome = "delivered"
	NoSuchTarget      Outcome = "no_such_target"
	InvalidPayload    Outcome = "invalid_payload"
	TargetUnreachable Outcome = "target_unreachable"
	DeliveryFailed    Outcome = "delivery_failed"
)

// Result describes what happened to a request. Value is the canonical
// payload when validation passed.
type Result struct {
	Outcome Outcome      `json:"outcome"`
	Reason  string       `json:"reason,omitempty"`
	Value   packet.Value `json:"-"`
}

// ValidatorLookup finds the validator of one endpoint of one device.
type ValidatorLookup interface {
	LookupValidator(ctx context.Context, clientID, endpointID string) (endpoint.Validator, bool)
}

// SessionLookup finds a live session by client id.
type SessionLookup interface {
	Lookup(id string) (*session.Session, bool)
}

// Gate routes control requests.
type Gate struct {
	validators ValidatorLookup
	sessions   SessionLookup
}

func New(validators ValidatorLookup, sessions SessionLookup) *Gate {
	return &Gate{validators: validators, sessions: sessions}
}

// Route validates raw for (clientID, endpointID) and sends the canonical
// value to the device with endpointID as the event name. Failures are
// reported through the Result, never as an error.
func (g *Gate) Route(ctx context.Context, clientID, endpointID string, raw []byte) Result {
	start := time.Now()
	res := g.route(ctx, clientID, endpointID, raw)
	metrics.ObserveRoute(string(res.Outcome), time.Since(start))
	ev := logx.Log.Debug()
	if res.Outcome == DeliveryFailed {
		ev = logx.Log.Warn()
	}
	ev.Str("device_id", clientID).
		Str("endpoint_id", endpointID).
		Str("outcome", string(res.Outcome)).
		Str("reason", res.Reason).
		Msg("route")
	return res
}

func (g *Gate) route(ctx context.Context, clientID, endpointID string, raw []byte) Result {
	v, ok := g.validators.LookupValidator(ctx, clientID, endpointID)
	if !ok {
		return Result{Outcome: NoSuchTarget}
	}
	val, err := v.Validate(raw)
	if err != nil {
		var ve *endpoint.ValidationError
		if errors.As(err, &ve) {
			return Result{Outcome: InvalidPayload, Reason: ve.Error()}
		}
		return Result{Outcome: InvalidPayload, Reason: err.Error()}
	}
	s, ok := g.sessions.Lookup(clientID)
	if !ok || !s.Alive() {
		return Result{Outcome: TargetUnreachable, Value: val}
	}
	if err := s.Send(ctx, endpointID, val); err != nil {
		return Result{Outcome: DeliveryFailed, Reason: err.Error(), Value: val}
	}
	metrics.RecordFrameSent(s.DeviceType)
	return Result{Outcome: Delivered, Value: val}
}
