package rpcpool

import "context"

// SolanaClient exposes exactly the Solana JSON-RPC surface the Lifecycle Engine
// requires.
type SolanaClient struct {
	pool *Pool
}

func NewSolanaClient(pool *Pool) *SolanaClient { return &SolanaClient{pool: pool} }

type SolanaBlockhashResult struct {
	Value struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	} `json:"value"`
}

func (c *SolanaClient) GetLatestBlockhash(ctx context.Context) (*SolanaBlockhashResult, error) {
	var r SolanaBlockhashResult
	err := c.pool.Call(ctx, "getLatestBlockhash", []interface{}{map[string]string{"commitment": "finalized"}}, &r)
	return &r, err
}

func (c *SolanaClient) SendTransaction(ctx context.Context, base64Tx string) (string, error) {
	var sig string
	params := []interface{}{base64Tx, map[string]interface{}{"encoding": "base64", "skipPreflight": false}}
	err := c.pool.Call(ctx, "sendTransaction", params, &sig)
	return sig, err
}

type SolanaSignatureStatus struct {
	Slot               uint64  `json:"slot"`
	Confirmations      *uint64 `json:"confirmations"`
	ConfirmationStatus string  `json:"confirmationStatus"`
	Err                interface{} `json:"err"`
}

type SolanaSignatureStatusesResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value []*SolanaSignatureStatus `json:"value"`
}

func (c *SolanaClient) GetSignatureStatuses(ctx context.Context, sigs []string) (*SolanaSignatureStatusesResult, error) {
	var r SolanaSignatureStatusesResult
	params := []interface{}{sigs, map[string]bool{"searchTransactionHistory": true}}
	err := c.pool.Call(ctx, "getSignatureStatuses", params, &r)
	return &r, err
}

func (c *SolanaClient) GetBalance(ctx context.Context, address string) (uint64, error) {
	var r struct {
		Value uint64 `json:"value"`
	}
	err := c.pool.Call(ctx, "getBalance", []interface{}{address}, &r)
	return r.Value, err
}

func (c *SolanaClient) GetAccountInfo(ctx context.Context, address string, result interface{}) error {
	params := []interface{}{address, map[string]string{"encoding": "base64"}}
	return c.pool.Call(ctx, "getAccountInfo", params, result)
}

// GetSlot returns the current slot, used both as the Nonce Manager's
// on-chain counter baseline and as the block height analogue the
// Lifecycle Engine polls for reorg-window comparisons.
func (c *SolanaClient) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := c.pool.Call(ctx, "getSlot", []interface{}{map[string]string{"commitment": "finalized"}}, &slot)
	return slot, err
}

// PrioritizationFeeSample is one entry of getRecentPrioritizationFees: the
// per-slot minimum priority fee paid by a landed transaction.
type PrioritizationFeeSample struct {
	Slot              uint64 `json:"slot"`
	PrioritizationFee uint64 `json:"prioritizationFee"`
}

// GetRecentPrioritizationFees feeds feeoracle.ComputeUnitPriceFromSamples;
// an empty accounts list returns the cluster-wide recent sample set.
func (c *SolanaClient) GetRecentPrioritizationFees(ctx context.Context, accounts []string) ([]PrioritizationFeeSample, error) {
	var r []PrioritizationFeeSample
	params := []interface{}{}
	if len(accounts) > 0 {
		params = append(params, accounts)
	}
	err := c.pool.Call(ctx, "getRecentPrioritizationFees", params, &r)
	return r, err
}
