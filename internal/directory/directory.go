// Package directory remembers every device that has connected: its type,
// handshake metadata and declared endpoints. Records outlive the connection
// so requests for an offline device can still be validated.
package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gaspardpetit/devgate/internal/endpoint"
	"github.com/gaspardpetit/devgate/internal/logx"
)

// ErrNotFound is returned by stores for unknown client ids.
var ErrNotFound = errors.New("device not found")

// Record is the stored description of one device.
type Record struct {
	ClientID   string                `json:"clientId"`
	DeviceType string                `json:"deviceType"`
	Metadata   map[string]any        `json:"metadata,omitempty"`
	Endpoints  []endpoint.Descriptor `json:"endpoints"`
	LastSeen   time.Time             `json:"lastSeen"`
}

// Store persists records.
type Store interface {
	Put(ctx context.Context, r Record) error
	Get(ctx context.Context, clientID string) (Record, error)
	Delete(ctx context.Context, clientID string) error
	List(ctx context.Context) ([]Record, error)
}

// Directory fronts a Store with a cache of compiled validators.
type Directory struct {
	store Store

	mu    sync.RWMutex
	cache map[string]map[string]endpoint.Validator
	// epoch advances on every Put and Delete; a store read that raced one
	// of them is not cached.
	epoch uint64
}

// New returns a Directory over s. A nil store means in memory.
func New(s Store) *Directory {
	if s == nil {
		s = NewMemoryStore()
	}
	return &Directory{store: s, cache: make(map[string]map[string]endpoint.Validator)}
}

// Put stores the record for a device together with its validators.
func (d *Directory) Put(ctx context.Context, r Record, validators []endpoint.Validator) error {
	r.Endpoints = endpoint.Descriptors(validators)
	if r.LastSeen.IsZero() {
		r.LastSeen = time.Now().UTC()
	}
	if err := d.store.Put(ctx, r); err != nil {
		return err
	}
	d.mu.Lock()
	d.cache[r.ClientID] = index(validators)
	d.epoch++
	d.mu.Unlock()
	return nil
}

func (d *Directory) Get(ctx context.Context, clientID string) (Record, error) {
	return d.store.Get(ctx, clientID)
}

func (d *Directory) Delete(ctx context.Context, clientID string) error {
	err := d.store.Delete(ctx, clientID)
	d.mu.Lock()
	delete(d.cache, clientID)
	d.epoch++
	d.mu.Unlock()
	return err
}

func (d *Directory) List(ctx context.Context) ([]Record, error) {
	return d.store.List(ctx)
}

// LookupValidator returns the validator of one endpoint. Store failures are
// logged and reported as absent.
func (d *Directory) LookupValidator(ctx context.Context, clientID, endpointID string) (endpoint.Validator, bool) {
	d.mu.RLock()
	eps, ok := d.cache[clientID]
	epoch := d.epoch
	d.mu.RUnlock()
	if !ok {
		r, err := d.store.Get(ctx, clientID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				logx.Log.Error().Err(err).Str("device_id", clientID).Msg("directory lookup")
			}
			return nil, false
		}
		vs, err := endpoint.FromDescriptors(r.Endpoints)
		if err != nil {
			logx.Log.Error().Err(err).Str("device_id", clientID).Msg("stored endpoints no longer parse")
			return nil, false
		}
		eps = index(vs)
		d.mu.Lock()
		if cur, ok := d.cache[clientID]; ok {
			eps = cur
		} else if d.epoch == epoch {
			d.cache[clientID] = eps
		}
		d.mu.Unlock()
	}
	v, ok := eps[endpointID]
	return v, ok
}

func index(vs []endpoint.Validator) map[string]endpoint.Validator {
	m := make(map[string]endpoint.Validator, len(vs))
	for _, v := range vs {
		m[v.Descriptor().ID] = v
	}
	return m
}
