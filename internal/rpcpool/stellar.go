package rpcpool

import "context"

// StellarClient exposes exactly the Soroban RPC surface the Lifecycle Engine
// requires.
type StellarClient struct {
	pool *Pool
}

func NewStellarClient(pool *Pool) *StellarClient { return &StellarClient{pool: pool} }

type StellarSendTransactionResult struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
}

func (c *StellarClient) SendTransaction(ctx context.Context, envelopeXDR string) (*StellarSendTransactionResult, error) {
	var r StellarSendTransactionResult
	err := c.pool.Call(ctx, "sendTransaction", map[string]string{"transaction": envelopeXDR}, &r)
	return &r, err
}

type StellarGetTransactionResult struct {
	Status         string `json:"status"`
	Ledger         uint32 `json:"ledger"`
	ResultXdr      string `json:"resultXdr"`
}

func (c *StellarClient) GetTransaction(ctx context.Context, hash string) (*StellarGetTransactionResult, error) {
	var r StellarGetTransactionResult
	err := c.pool.Call(ctx, "getTransaction", map[string]string{"hash": hash}, &r)
	return &r, err
}

type StellarSimulateTransactionResult struct {
	Error            string   `json:"error,omitempty"`
	MinResourceFee   string   `json:"minResourceFee"`
	TransactionData  string   `json:"transactionData"`
}

func (c *StellarClient) SimulateTransaction(ctx context.Context, envelopeXDR string) (*StellarSimulateTransactionResult, error) {
	var r StellarSimulateTransactionResult
	err := c.pool.Call(ctx, "simulateTransaction", map[string]string{"transaction": envelopeXDR}, &r)
	return &r, err
}

type StellarLatestLedgerResult struct {
	Sequence uint32 `json:"sequence"`
}

func (c *StellarClient) GetLatestLedger(ctx context.Context) (*StellarLatestLedgerResult, error) {
	var r StellarLatestLedgerResult
	err := c.pool.Call(ctx, "getLatestLedger", []interface{}{}, &r)
	return &r, err
}

type StellarAccountResult struct {
	Sequence string `json:"sequence"`
}

func (c *StellarClient) GetAccount(ctx context.Context, accountID string) (*StellarAccountResult, error) {
	var r StellarAccountResult
	err := c.pool.Call(ctx, "getAccount", map[string]string{"address": accountID}, &r)
	return &r, err
}
