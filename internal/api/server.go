// Package api implements the HTTP ingress: transaction
// submission and read-back, guarded by a constant-time bearer token check.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chainrelayer/relayer/internal/policy"
	"github.com/chainrelayer/relayer/internal/txstore"
	"github.com/chainrelayer/relayer/internal/txtypes"
)

// RelayerHost is whatever owns admission control and record lookup for one
// relayer; relayersvc.Supervisor implements the admission half, Store the
// read half.
type RelayerHost interface {
	Admit(req txtypes.Request, snap policy.ChainSnapshot) (txtypes.Record, error)
	Cancel(ctx context.Context, txID string) error
}

// Server wires relayer hosts and the store behind the routes this package
// names. It holds no per-relayer business logic of its own.
type Server struct {
	apiKey  string
	hosts   map[string]RelayerHost
	store   *txstore.Store
	mux     *http.ServeMux
}

func New(apiKey string, store *txstore.Store) *Server {
	s := &Server{apiKey: apiKey, hosts: make(map[string]RelayerHost), store: store, mux: http.NewServeMux()}
	s.mux.HandleFunc("/api/v1/relayers/", s.routeRelayer)
	return s
}

func (s *Server) Register(relayerID string, host RelayerHost) { s.hosts[relayerID] = host }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.apiKey == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) == 1
}

// routeRelayer dispatches /api/v1/relayers/{id}/transactions[/{tx_id}].
func (s *Server) routeRelayer(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/relayers/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || parts[1] != "transactions" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	relayerID := parts[0]

	switch {
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.submit(w, r, relayerID)
	case len(parts) == 2 && r.Method == http.MethodGet:
		s.list(w, r, relayerID)
	case len(parts) == 3 && r.Method == http.MethodGet:
		s.getOne(w, r, relayerID, parts[2])
	case len(parts) == 3 && r.Method == http.MethodDelete:
		s.cancel(w, r, relayerID, parts[2])
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type submitRequestBody struct {
	Chain string `json:"chain"`
	EVM   *evmRequestBody     `json:"evm,omitempty"`
	Solana  *solanaRequestBody  `json:"solana,omitempty"`
	Stellar *stellarRequestBody `json:"stellar,omitempty"`
}

type evmRequestBody struct {
	To                   string   `json:"to"`
	Value                *string  `json:"value"`
	Data                 string   `json:"data"`
	Speed                string   `json:"speed"`
	GasPrice             *string  `json:"gas_price"`
	MaxFeePerGas         *string  `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas *string  `json:"max_priority_fee_per_gas"`
	GasLimit             *uint64  `json:"gas_limit"`
	ValidUntil           *string  `json:"valid_until"`
}

type solanaInstructionBody struct {
	ProgramID string   `json:"program_id"`
	Accounts  []string `json:"accounts"`
	Data      []byte   `json:"data"`
}

type solanaRequestBody struct {
	Instructions   []solanaInstructionBody `json:"instructions"`
	RawTransaction []byte                  `json:"raw_transaction"`
}

type stellarOperationBody struct {
	Type     string  `json:"type"`
	Dest     string  `json:"dest"`
	Amount   *string `json:"amount"`
	Contract string  `json:"contract"`
	Function string  `json:"function"`
}

type stellarMemoBody struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type stellarRequestBody struct {
	Network        string                 `json:"network"`
	Operations     []stellarOperationBody `json:"operations"`
	TransactionXDR string                 `json:"transaction_xdr"`
	SourceAccount  string                 `json:"source_account"`
	Memo           *stellarMemoBody       `json:"memo"`
	ValidUntil     *string                `json:"valid_until"`
	FeeBump        bool                   `json:"fee_bump"`
	MaxFee         *int64                 `json:"max_fee"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, relayerID string) {
	host, ok := s.hosts[relayerID]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown relayer")
		return
	}

	var body submitRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req, err := toRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := host.Admit(req, policy.ChainSnapshot{})
	if err != nil {
		status := http.StatusBadRequest
		if kind, ok := txtypes.KindOf(err); ok && kind == txtypes.KindRelayer {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"transaction_id": rec.TransactionID,
		"status":         string(rec.Status),
	})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, relayerID string) {
	recs, err := s.store.ByRelayer(relayerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })

	page, limit := paginationParams(r)
	start := page * limit
	if start > len(recs) {
		start = len(recs)
	}
	end := start + limit
	if end > len(recs) {
		end = len(recs)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": recs[start:end],
		"total":        len(recs),
	})
}

func paginationParams(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 0 {
		page = 0
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return page, limit
}

// cancel handles DELETE /api/v1/relayers/{id}/transactions/{tx_id}: a
// best-effort request to cancel a non-terminal record, per RelayerHost.Cancel.
func (s *Server) cancel(w http.ResponseWriter, r *http.Request, relayerID, txID string) {
	host, ok := s.hosts[relayerID]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown relayer")
		return
	}

	rec, err := s.store.Get(txID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if rec.RelayerID != relayerID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if err := host.Cancel(r.Context(), txID); err != nil {
		status := http.StatusBadRequest
		if kind, ok := txtypes.KindOf(err); ok && kind == txtypes.KindConsistency {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"transaction_id": txID, "status": "cancel_requested"})
}

func (s *Server) getOne(w http.ResponseWriter, r *http.Request, relayerID, txID string) {
	rec, err := s.store.Get(txID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if rec.RelayerID != relayerID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func toRequest(body submitRequestBody) (txtypes.Request, error) {
	switch txtypes.ChainType(body.Chain) {
	case txtypes.ChainEVM:
		if body.EVM == nil {
			return txtypes.Request{}, errBadRequest("evm body required for chain=evm")
		}
		return toEVMRequest(body.EVM)
	case txtypes.ChainSolana:
		if body.Solana == nil {
			return txtypes.Request{}, errBadRequest("solana body required for chain=solana")
		}
		return toSolanaRequest(body.Solana), nil
	case txtypes.ChainStellar:
		if body.Stellar == nil {
			return txtypes.Request{}, errBadRequest("stellar body required for chain=stellar")
		}
		return toStellarRequest(body.Stellar)
	default:
		return txtypes.Request{}, errBadRequest("unknown or missing chain")
	}
}

type errBadRequest string

func (e errBadRequest) Error() string { return string(e) }

func toEVMRequest(b *evmRequestBody) (txtypes.Request, error) {
	req := &txtypes.EVMRequest{To: b.To, Data: []byte(b.Data), Speed: txtypes.Speed(b.Speed), GasLimit: b.GasLimit}
	if v, err := parseBigPtr(b.Value); err != nil {
		return txtypes.Request{}, err
	} else {
		req.Value = v
	}
	if v, err := parseBigPtr(b.GasPrice); err != nil {
		return txtypes.Request{}, err
	} else {
		req.GasPrice = v
	}
	if v, err := parseBigPtr(b.MaxFeePerGas); err != nil {
		return txtypes.Request{}, err
	} else {
		req.MaxFeePerGas = v
	}
	if v, err := parseBigPtr(b.MaxPriorityFeePerGas); err != nil {
		return txtypes.Request{}, err
	} else {
		req.MaxPriorityFeePerGas = v
	}
	if b.ValidUntil != nil {
		t, err := time.Parse(time.RFC3339, *b.ValidUntil)
		if err != nil {
			return txtypes.Request{}, errBadRequest("invalid valid_until")
		}
		req.ValidUntil = &t
	}
	return txtypes.Request{Chain: txtypes.ChainEVM, EVM: req}, nil
}

func parseBigPtr(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, errBadRequest("invalid integer value " + *s)
	}
	return v, nil
}

func toSolanaRequest(b *solanaRequestBody) txtypes.Request {
	req := &txtypes.SolanaRequest{RawTransaction: b.RawTransaction}
	for _, ix := range b.Instructions {
		req.Instructions = append(req.Instructions, txtypes.SolanaInstruction{ProgramID: ix.ProgramID, Accounts: ix.Accounts, Data: ix.Data})
	}
	return txtypes.Request{Chain: txtypes.ChainSolana, Solana: req}
}

func toStellarRequest(b *stellarRequestBody) (txtypes.Request, error) {
	req := &txtypes.StellarRequest{
		Network:        b.Network,
		TransactionXDR: b.TransactionXDR,
		SourceAccount:  b.SourceAccount,
		FeeBump:        b.FeeBump,
		MaxFee:         b.MaxFee,
	}
	for _, op := range b.Operations {
		amount, err := parseBigPtr(op.Amount)
		if err != nil {
			return txtypes.Request{}, err
		}
		req.Operations = append(req.Operations, txtypes.StellarOperation{
			Type: txtypes.StellarOperationType(op.Type), Dest: op.Dest, Amount: amount,
			Contract: op.Contract, Function: op.Function,
		})
	}
	if b.Memo != nil {
		req.Memo = &txtypes.StellarMemo{Type: txtypes.StellarMemoType(b.Memo.Type), Value: b.Memo.Value}
	}
	if b.ValidUntil != nil {
		t, err := time.Parse(time.RFC3339, *b.ValidUntil)
		if err != nil {
			return txtypes.Request{}, errBadRequest("invalid valid_until")
		}
		req.ValidUntil = &t
	}
	return txtypes.Request{Chain: txtypes.ChainStellar, Stellar: req}, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("api: encode response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
