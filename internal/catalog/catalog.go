// Package catalog resolves named network definitions — including
// prototype inheritance via a `from` parent — into an immutable map of
// chain parameters. It never touches disk; loading a TOML/YAML file into
// []NetworkDefinition is the surrounding service's job.
package catalog

import (
	"fmt"

	"github.com/chainrelayer/relayer/internal/txtypes"
	"github.com/ethereum/go-ethereum/log"
)

// Catalog is the resolved, read-only result of Load. Safe for concurrent
// reads from many goroutines; nothing mutates it after construction.
type Catalog struct {
	params map[string]ChainParams
}

// Resolve looks up a network by id.
func (c *Catalog) Resolve(id string) (ChainParams, error) {
	p, ok := c.params[id]
	if !ok {
		return ChainParams{}, fmt.Errorf("%w: %s", txtypes.ErrMissingNetwork, id)
	}
	return p, nil
}

func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.params))
	for id := range c.params {
		ids = append(ids, id)
	}
	return ids
}

// Load resolves a full set of network definitions via a fixpoint over the
// `from` parent chain, failing closed on any unresolved parent or cycle.
func Load(defs []NetworkDefinition) (*Catalog, error) {
	byID := make(map[string]NetworkDefinition, len(defs))
	for _, d := range defs {
		byID[d.ID] = d
	}

	resolved := make(map[string]ChainParams, len(defs))
	visiting := make(map[string]bool)

	var resolve func(id string) (ChainParams, error)
	resolve = func(id string) (ChainParams, error) {
		if p, ok := resolved[id]; ok {
			return p, nil
		}
		d, ok := byID[id]
		if !ok {
			return ChainParams{}, fmt.Errorf("%w: %s", txtypes.ErrUnresolvedParent, id)
		}
		if visiting[id] {
			return ChainParams{}, fmt.Errorf("%w: %s", txtypes.ErrInheritanceCycle, id)
		}
		visiting[id] = true
		defer delete(visiting, id)

		params := ChainParams{
			ID:                    d.ID,
			Type:                  d.Type,
			ChainID:               d.ChainID,
			Passphrase:            d.Passphrase,
			AverageBlockTimeMS:    d.AverageBlockTimeMS,
			ConfirmationsRequired: d.ConfirmationsRequired,
			Endpoints:             d.Endpoints,
			Features:              d.Features,
		}

		if d.From != "" {
			parent, err := resolve(d.From)
			if err != nil {
				return ChainParams{}, err
			}
			if parent.Type != d.Type && d.Type != "" {
				return ChainParams{}, fmt.Errorf("%w: %s inherits from %s of a different type", txtypes.ErrInvalidPolicy, d.ID, d.From)
			}
			params = mergeInherited(parent, params, d)
		}

		if params.Features == nil {
			params.Features = map[string]bool{}
		}

		resolved[id] = params
		return params, nil
	}

	for id := range byID {
		if _, err := resolve(id); err != nil {
			return nil, err
		}
	}

	log.Info("network catalog resolved", "networks", len(resolved))
	return &Catalog{params: resolved}, nil
}

// mergeInherited overlays a child definition's explicitly-set fields onto
// its resolved parent; zero-valued child fields fall through to the parent.
func mergeInherited(parent, child ChainParams, raw NetworkDefinition) ChainParams {
	out := parent
	out.ID = child.ID
	if raw.Type != "" {
		out.Type = raw.Type
	}
	if raw.ChainID != 0 {
		out.ChainID = raw.ChainID
	}
	if raw.Passphrase != "" {
		out.Passphrase = raw.Passphrase
	}
	if raw.AverageBlockTimeMS != 0 {
		out.AverageBlockTimeMS = raw.AverageBlockTimeMS
	}
	if raw.ConfirmationsRequired != 0 {
		out.ConfirmationsRequired = raw.ConfirmationsRequired
	}
	if len(raw.Endpoints) > 0 {
		out.Endpoints = raw.Endpoints
	}
	if len(raw.Features) > 0 {
		merged := make(map[string]bool, len(parent.Features)+len(raw.Features))
		for k, v := range parent.Features {
			merged[k] = v
		}
		for k, v := range raw.Features {
			merged[k] = v
		}
		out.Features = merged
	}
	return out
}
