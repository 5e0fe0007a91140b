package catalog

import "time"

// RPCEndpointConfig is one weighted entry in a network's endpoint list.
type RPCEndpointConfig struct {
	URL    string
	Weight int
}

// ChainParams is the resolved, immutable parameter set for one network.
type ChainParams struct {
	ID                   string
	Type                 string // "evm" | "solana" | "stellar"
	ChainID              int64  // EVM chain id; 0 for non-EVM
	Passphrase           string // Stellar network passphrase
	AverageBlockTimeMS    int
	ConfirmationsRequired int
	Endpoints            []RPCEndpointConfig
	Features             map[string]bool
}

// NetworkDefinition is the pre-inheritance-resolution input. From, when
// non-empty, names a parent of the same Type; fields left zero-valued are
// inherited from the parent at resolution time.
type NetworkDefinition struct {
	ID   string
	Type string
	From string

	ChainID               int64
	Passphrase            string
	AverageBlockTimeMS     int
	ConfirmationsRequired int
	Endpoints             []RPCEndpointConfig
	Features              map[string]bool
}

func (d NetworkDefinition) blockTime() time.Duration {
	return time.Duration(d.AverageBlockTimeMS) * time.Millisecond
}
