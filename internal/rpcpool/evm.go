package rpcpool

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EVMClient exposes exactly the EVM JSON-RPC surface the Lifecycle Engine
// requires; nothing more. Implemented over a *Pool so every call gets
// weighted selection and failover for free.
type EVMClient struct {
	pool *Pool
}

func NewEVMClient(pool *Pool) *EVMClient { return &EVMClient{pool: pool} }

func (c *EVMClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var hash common.Hash
	err := c.pool.Call(ctx, "eth_sendRawTransaction", []string{hexutil.Encode(raw)}, &hash)
	return hash, err
}

type EVMReceipt struct {
	Status            hexutil.Uint64 `json:"status"`
	BlockNumber       hexutil.Big    `json:"blockNumber"`
	TransactionHash   common.Hash    `json:"transactionHash"`
	ContractAddress   *common.Address `json:"contractAddress"`
}

func (c *EVMClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*EVMReceipt, error) {
	var r *EVMReceipt
	err := c.pool.Call(ctx, "eth_getTransactionReceipt", []string{hash.Hex()}, &r)
	return r, err
}

func (c *EVMClient) GetTransactionCount(ctx context.Context, addr common.Address, block string) (uint64, error) {
	var n hexutil.Uint64
	err := c.pool.Call(ctx, "eth_getTransactionCount", []interface{}{addr.Hex(), block}, &n)
	return uint64(n), err
}

func (c *EVMClient) GasPrice(ctx context.Context) (*big.Int, error) {
	var n hexutil.Big
	err := c.pool.Call(ctx, "eth_gasPrice", []interface{}{}, &n)
	return (*big.Int)(&n), err
}

// FeeHistory mirrors eth_feeHistory's result shape closely enough for the
// Fee Oracle's percentile sampling.
type FeeHistory struct {
	OldestBlock   hexutil.Big     `json:"oldestBlock"`
	BaseFeePerGas []hexutil.Big   `json:"baseFeePerGas"`
	Reward        [][]hexutil.Big `json:"reward"`
}

func (c *EVMClient) FeeHistory(ctx context.Context, blockCount int, newestBlock string, percentiles []float64) (*FeeHistory, error) {
	var fh FeeHistory
	err := c.pool.Call(ctx, "eth_feeHistory", []interface{}{hexutil.Uint64(blockCount), newestBlock, percentiles}, &fh)
	return &fh, err
}

type CallMsg struct {
	From  common.Address  `json:"from,omitempty"`
	To    *common.Address `json:"to,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Data  hexutil.Bytes   `json:"data,omitempty"`
}

func (c *EVMClient) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	var n hexutil.Uint64
	err := c.pool.Call(ctx, "eth_estimateGas", []interface{}{msg}, &n)
	return uint64(n), err
}

func (c *EVMClient) GetBalance(ctx context.Context, addr common.Address, block string) (*big.Int, error) {
	var n hexutil.Big
	err := c.pool.Call(ctx, "eth_getBalance", []interface{}{addr.Hex(), block}, &n)
	return (*big.Int)(&n), err
}

func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	err := c.pool.Call(ctx, "eth_blockNumber", []interface{}{}, &n)
	return uint64(n), err
}
