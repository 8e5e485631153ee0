package main

import (
	"testing"

	"github.com/gaspardpetit/devgate/internal/config"
)

func TestDeviceTypes(t *testing.T) {
	types, err := deviceTypes([]config.DeviceTypeConfig{{
		Name: "lamp",
		Endpoints: []map[string]any{
			{"id": "power", "name": "Power", "type": "boolean"},
			{"id": "level", "name": "Level", "type": "integer", "constraints": map[string]any{"min": 0, "max": 10}},
		},
	}})
	if err != nil {
		t.Fatalf("deviceTypes: %v", err)
	}
	if len(types) != 1 || len(types[0].Endpoints) != 2 {
		t.Fatalf("unexpected %+v", types)
	}
	if _, err := types[0].Endpoints[1].Validate([]byte("11")); err == nil {
		t.Fatalf("max constraint not applied")
	}
}

func TestDeviceTypesRejectsBadEndpoints(t *testing.T) {
	bad := [][]config.DeviceTypeConfig{
		{{Name: ""}},
		{{Name: "lamp", Endpoints: []map[string]any{{"id": "x", "name": "X", "type": "nope"}}}},
		{{Name: "lamp", Endpoints: []map[string]any{
			{"id": "x", "name": "X", "type": "boolean"},
			{"id": "x", "name": "Y", "type": "boolean"},
		}}},
	}
	for i, cfgs := range bad {
		if _, err := deviceTypes(cfgs); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
