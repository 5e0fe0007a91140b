package catalog

import (
	"errors"
	"testing"

	"github.com/chainrelayer/relayer/internal/txtypes"
)

func TestLoadResolvesInheritance(t *testing.T) {
	defs := []NetworkDefinition{
		{
			ID:                    "evm-base",
			Type:                  "evm",
			AverageBlockTimeMS:    12000,
			ConfirmationsRequired: 12,
			Endpoints:             []RPCEndpointConfig{{URL: "https://rpc.example/a", Weight: 100}},
		},
		{
			ID:      "evm-sepolia",
			From:    "evm-base",
			Type:    "evm",
			ChainID: 11155111,
		},
	}

	cat, err := Load(defs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	p, err := cat.Resolve("evm-sepolia")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.ChainID != 11155111 {
		t.Errorf("ChainID = %d, want 11155111", p.ChainID)
	}
	if p.AverageBlockTimeMS != 12000 {
		t.Errorf("AverageBlockTimeMS = %d, want inherited 12000", p.AverageBlockTimeMS)
	}
	if len(p.Endpoints) != 1 {
		t.Errorf("Endpoints not inherited, got %d", len(p.Endpoints))
	}
}

func TestLoadDetectsCycle(t *testing.T) {
	defs := []NetworkDefinition{
		{ID: "a", Type: "evm", From: "b"},
		{ID: "b", Type: "evm", From: "a"},
	}
	_, err := Load(defs)
	if !errors.Is(err, txtypes.ErrInheritanceCycle) {
		t.Fatalf("err = %v, want ErrInheritanceCycle", err)
	}
}

func TestLoadDetectsMissingParent(t *testing.T) {
	defs := []NetworkDefinition{
		{ID: "a", Type: "evm", From: "ghost"},
	}
	_, err := Load(defs)
	if !errors.Is(err, txtypes.ErrUnresolvedParent) {
		t.Fatalf("err = %v, want ErrUnresolvedParent", err)
	}
}

func TestResolveMissingNetwork(t *testing.T) {
	cat, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err = cat.Resolve("nope")
	if !errors.Is(err, txtypes.ErrMissingNetwork) {
		t.Fatalf("err = %v, want ErrMissingNetwork", err)
	}
}
