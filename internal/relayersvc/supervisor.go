// Package relayersvc implements the Relayer Supervisor: one
// long-lived task per relayer that owns admission control, periodic
// balance checks against min_balance, and hosting that relayer's Lifecycle
// Engine tasks.
package relayersvc

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chainrelayer/relayer/internal/config"
	"github.com/chainrelayer/relayer/internal/lifecycle"
	"github.com/chainrelayer/relayer/internal/policy"
	"github.com/chainrelayer/relayer/internal/txtypes"
)

// BalanceReader reads a relayer's current balance on its configured
// network; internal/chain/* implementations back this with rpcpool.
type BalanceReader interface {
	Balance(ctx context.Context, relayerID, address string) (*big.Int, error)
}

// Supervisor owns one Relayer's admission gate and balance monitor.
type Supervisor struct {
	relayer config.Relayer
	address string
	balance BalanceReader
	engine  *lifecycle.Engine

	paused          atomic.Bool
	pauseReason     atomic.Value // string
	balanceInterval time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(relayer config.Relayer, address string, balance BalanceReader, engine *lifecycle.Engine, balanceInterval time.Duration) *Supervisor {
	s := &Supervisor{
		relayer:         relayer,
		address:         address,
		balance:         balance,
		engine:          engine,
		balanceInterval: balanceInterval,
	}
	s.paused.Store(relayer.Paused)
	return s
}

// Start launches the periodic balance-check loop. Engine tasks for
// in-flight records are started separately via Submit/Resume so the
// supervisor doesn't need to know about rehydration details.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.monitorBalance(ctx)
}

// Shutdown stops the balance monitor and drains the Lifecycle Engine's
// in-flight tasks without cancelling already-broadcast transactions.
func (s *Supervisor) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.engine.Shutdown()
}

func (s *Supervisor) monitorBalance(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.balanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkBalance(ctx)
		}
	}
}

func (s *Supervisor) minBalance() *big.Int {
	switch {
	case s.relayer.Policy.EVM != nil:
		return s.relayer.Policy.EVM.MinBalance
	case s.relayer.Policy.Solana != nil:
		return s.relayer.Policy.Solana.MinBalance
	case s.relayer.Policy.Stellar != nil:
		return s.relayer.Policy.Stellar.MinBalance
	default:
		return nil
	}
}

func (s *Supervisor) checkBalance(ctx context.Context) {
	floor := s.minBalance()
	if floor == nil {
		return
	}
	bal, err := s.balance.Balance(ctx, s.relayer.ID, s.address)
	if err != nil {
		log.Warn("relayer supervisor: balance check failed", "relayer", s.relayer.ID, "err", err)
		return
	}

	if bal.Cmp(floor) < 0 {
		if s.paused.CompareAndSwap(false, true) {
			s.pauseReason.Store("balance below min_balance floor")
			log.Warn("relayer supervisor: pausing relayer", "relayer", s.relayer.ID, "balance", bal, "floor", floor)
		}
		return
	}

	if s.paused.CompareAndSwap(true, false) {
		log.Info("relayer supervisor: balance recovered, resuming relayer", "relayer", s.relayer.ID)
	}
}

// PauseForInsufficientFunds is wired as lifecycle.Engine.OnInsufficientFunds
// so a broadcast-time funds failure pauses admission immediately, without
// waiting for the next periodic balance poll.
func (s *Supervisor) PauseForInsufficientFunds(relayerID string) {
	if relayerID != s.relayer.ID {
		return
	}
	if s.paused.CompareAndSwap(false, true) {
		s.pauseReason.Store("insufficient funds reported by a broadcast attempt")
		log.Warn("relayer supervisor: pausing relayer after broadcast failure", "relayer", s.relayer.ID)
	}
}

func (s *Supervisor) Paused() bool { return s.paused.Load() }

// Admit runs policy evaluation and, if the relayer isn't paused, starts the
// Lifecycle Engine's monitoring task for the new record.
func (s *Supervisor) Admit(req txtypes.Request, snap policy.ChainSnapshot) (txtypes.Record, error) {
	if s.paused.Load() {
		return txtypes.Record{}, txtypes.Wrap(txtypes.KindRelayer, txtypes.ErrPaused)
	}

	validated, err := policy.Evaluate(s.relayer, req, snap)
	if err != nil {
		return txtypes.Record{}, err
	}

	r := txtypes.NewRecord(s.relayer.ID, validated.Request)
	if err := s.engine.Submit(r); err != nil {
		return txtypes.Record{}, err
	}
	return r, nil
}

// Resume rehydrates a non-terminal record recovered from the store.
func (s *Supervisor) Resume(r txtypes.Record) {
	s.engine.Resume(r)
}

// Cancel requests cancellation of one of this relayer's in-flight records.
func (s *Supervisor) Cancel(ctx context.Context, txID string) error {
	return s.engine.Cancel(ctx, txID)
}
