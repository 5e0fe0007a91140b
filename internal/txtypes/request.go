package txtypes

import (
	"math/big"
	"time"
)

// ChainType tags which chain family a request/record belongs to. Dispatch on
// this tag replaces any reflection- or string-keyed branching in the
// Policy Evaluator, Fee Oracle, and Lifecycle Engine.
type ChainType string

const (
	ChainEVM     ChainType = "evm"
	ChainSolana  ChainType = "solana"
	ChainStellar ChainType = "stellar"
)

// Speed is the named gas-speed tier accepted on EVM requests.
type Speed string

const (
	SpeedSafest  Speed = "safest"
	SpeedAverage Speed = "average"
	SpeedFast    Speed = "fast"
	SpeedFastest Speed = "fastest"
)

// Request is the tagged sum TxRequest = EVM{...} | Solana{...} | Stellar{...}.
// Exactly one of EVM/Solana/Stellar is non-nil, matching Chain.
type Request struct {
	Chain   ChainType
	EVM     *EVMRequest
	Solana  *SolanaRequest
	Stellar *StellarRequest
}

// EVMRequest mirrors the POST body accepted for EVM submissions.
type EVMRequest struct {
	To                    string
	Value                 *big.Int
	Data                  []byte
	Speed                 Speed
	GasPrice              *big.Int // legacy pricing; mutually exclusive with the 1559 pair
	MaxFeePerGas          *big.Int
	MaxPriorityFeePerGas  *big.Int
	GasLimit              *uint64
	ValidUntil            *time.Time
}

func (r *EVMRequest) UsesEIP1559() bool {
	return r.MaxFeePerGas != nil || r.MaxPriorityFeePerGas != nil
}

func (r *EVMRequest) UsesLegacyPricing() bool {
	return r.GasPrice != nil
}

// SolanaInstruction is a minimal program-instruction description; callers
// may instead hand a fully pre-built transaction via RawTransaction.
type SolanaInstruction struct {
	ProgramID string
	Accounts  []string
	Data      []byte
}

type SolanaRequest struct {
	Instructions   []SolanaInstruction
	RawTransaction []byte // pre-built, base64-decoded wire transaction, if supplied instead of Instructions
}

// StellarOperationType enumerates the operation kinds a submission allows.
type StellarOperationType string

const (
	StellarOpPayment        StellarOperationType = "payment"
	StellarOpInvokeContract StellarOperationType = "invoke_contract"
	StellarOpCreateContract StellarOperationType = "create_contract"
	StellarOpUploadWasm     StellarOperationType = "upload_wasm"
)

// ScValKind enumerates the Soroban ScVal argument schema this relayer accepts.
type ScValKind string

const (
	ScValU32    ScValKind = "U32"
	ScValI32    ScValKind = "I32"
	ScValU64    ScValKind = "U64"
	ScValI64    ScValKind = "I64"
	ScValU128   ScValKind = "U128"
	ScValI128   ScValKind = "I128"
	ScValU256   ScValKind = "U256"
	ScValI256   ScValKind = "I256"
	ScValBool   ScValKind = "Bool"
	ScValString ScValKind = "String"
	ScValSymbol ScValKind = "Symbol"
	ScValAddress ScValKind = "Address"
	ScValBytes  ScValKind = "Bytes"
	ScValVec    ScValKind = "Vec"
	ScValMap    ScValKind = "Map"
)

// ScVal is a typed Soroban contract argument.
type ScVal struct {
	Kind  ScValKind
	Value interface{} // concrete type depends on Kind: string/bool/[]byte/[]ScVal/map[string]ScVal/*big.Int
}

type StellarOperation struct {
	Type     StellarOperationType
	Args     []ScVal // invoke_contract / create_contract / upload_wasm arguments
	Contract string  // invoke_contract target
	Function string  // invoke_contract entry point
	Dest     string  // payment destination
	Amount   *big.Int
	Wasm     []byte // upload_wasm payload
}

type StellarMemoType string

const (
	StellarMemoNone StellarMemoType = "none"
	StellarMemoText StellarMemoType = "text"
	StellarMemoID   StellarMemoType = "id"
	StellarMemoHash StellarMemoType = "hash"
)

type StellarMemo struct {
	Type  StellarMemoType
	Value string
}

type StellarRequest struct {
	Network         string
	Operations      []StellarOperation // mutually exclusive with TransactionXDR
	TransactionXDR   string
	SourceAccount   string
	Memo            *StellarMemo
	ValidUntil      *time.Time
	FeeBump         bool
	MaxFee          *int64 // stroops; defaults to 1,000,000 when FeeBump and unset
}
