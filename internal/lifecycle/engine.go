package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chainrelayer/relayer/internal/noncemgr"
	"github.com/chainrelayer/relayer/internal/txstore"
	"github.com/chainrelayer/relayer/internal/txtypes"
)

// ChainDriver is everything the Lifecycle Engine needs from one chain
// family; internal/chain/evm, internal/chain/solana, and
// internal/chain/stellar each implement one, wiring rpcpool, signerfacade,
// feeoracle, and noncemgr behind this single seam so the engine itself
// stays chain-agnostic.
type ChainDriver interface {
	AllocateNonce(ctx context.Context, r txtypes.Record) (nonce uint64, address string, err error)
	NextFee(ctx context.Context, r txtypes.Record, prevFee *txtypes.FeeParams) (txtypes.FeeParams, error)
	SignAttempt(ctx context.Context, r txtypes.Record, fee txtypes.FeeParams, nonce uint64) (signedPayload []byte, hash string, err error)
	Broadcast(ctx context.Context, r txtypes.Record, signedPayload []byte) error
	// Inclusion reports whether hash currently appears on chain and, if so,
	// at what block/slot/ledger height.
	Inclusion(ctx context.Context, hash string) (included bool, height uint64, err error)
	CurrentHeight(ctx context.Context) (uint64, error)
	BlockTime() time.Duration
	ConfirmationsRequired() uint64
	ReorgWindow() uint64
	// Filler builds and signs a same-nonce zero-value self-transfer, with
	// its fee scaled up by attempt; used both to burn a nonce/sequence slot
	// a terminally failed record left stuck, and to build the transaction
	// a Cancel request tracks to completion.
	Filler(ctx context.Context, relayerID, address string, nonce uint64, attempt int) (signedPayload []byte, hash string, err error)
}

// Event is emitted on every status transition; an external notification
// dispatcher (out of scope for this package) subscribes via Engine.Events().
type Event struct {
	TransactionID string
	RelayerID     string
	From, To      txtypes.Status
	At            time.Time
}

// taskHandle lets Cancel stop one record's monitoring goroutine and wait
// for it to actually exit before mutating the record out from under it,
// the same join Shutdown needs across every task at once.
type taskHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine runs one monitoring goroutine per non-terminal Record.
type Engine struct {
	store   *txstore.Store
	drivers map[txtypes.ChainType]ChainDriver
	nonces  *noncemgr.Manager
	events  chan Event

	// OnInsufficientFunds is called when a broadcast fails classified as
	// insufficient funds, so the Relayer Supervisor can pause admission
	// without the engine importing relayersvc.
	OnInsufficientFunds func(relayerID string)

	mu    sync.Mutex
	tasks map[string]*taskHandle
	wg    sync.WaitGroup
}

func NewEngine(store *txstore.Store, drivers map[txtypes.ChainType]ChainDriver, nonces *noncemgr.Manager) *Engine {
	return &Engine{
		store:   store,
		drivers: drivers,
		nonces:  nonces,
		events:  make(chan Event, 256),
		tasks:   make(map[string]*taskHandle),
	}
}

func (e *Engine) Events() <-chan Event { return e.events }

// Submit persists a brand new, policy-validated record before starting its
// monitoring task, so a crash between admission and the first broadcast
// still leaves a durable pending record for RecoverNonTerminal to rehydrate.
func (e *Engine) Submit(r txtypes.Record) error {
	if err := e.store.Save(r); err != nil {
		return err
	}
	e.start(r)
	return nil
}

// Resume re-enters the monitoring loop for a record rehydrated from
// txstore.RecoverNonTerminal at startup.
func (e *Engine) Resume(r txtypes.Record) {
	e.start(r)
}

func (e *Engine) start(r txtypes.Record) {
	e.mu.Lock()
	if _, exists := e.tasks[r.TransactionID]; exists {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &taskHandle{cancel: cancel, done: make(chan struct{})}
	e.tasks[r.TransactionID] = h
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(ctx, r, h.done)
}

// Shutdown stops every monitoring goroutine and waits for them to exit. It
// never touches a transaction that has already been broadcast — it only
// stops watching it, per the graceful-shutdown contract.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, h := range e.tasks {
		h.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Cancel requests cancellation of a non-terminal record. A still-Pending
// record (never broadcast) is marked Cancelled immediately. A Submitted
// record instead gets a same-nonce zero-value self-transfer at a bumped
// fee tracked in its place; the record only moves to Cancelled once that
// cancellation transaction reaches confirmation depth, since the original
// nonce might already have landed on chain by the time Cancel is called.
func (e *Engine) Cancel(ctx context.Context, txID string) error {
	e.mu.Lock()
	h, running := e.tasks[txID]
	e.mu.Unlock()
	if running {
		h.cancel()
		<-h.done
	}

	r, err := e.store.Get(txID)
	if err != nil {
		return err
	}
	if r.Status.Terminal() {
		return txtypes.Wrap(txtypes.KindConsistency, txtypes.ErrTerminalRetransition)
	}

	driver, ok := e.drivers[r.Request.Chain]
	if !ok {
		return fmt.Errorf("lifecycle: no driver registered for chain %q", r.Request.Chain)
	}

	if r.Status == txtypes.StatusPending {
		if !e.transition(r, TriggerCancel, txtypes.StatusCancelled) {
			return txtypes.Wrap(txtypes.KindConsistency, txtypes.ErrTerminalRetransition)
		}
		return e.store.Save(*r)
	}

	return e.cancelSubmitted(ctx, driver, r)
}

func (e *Engine) cancelSubmitted(ctx context.Context, driver ChainDriver, r *txtypes.Record) error {
	attempt := len(r.History)
	signed, hash, err := driver.Filler(ctx, r.RelayerID, r.Assignment.Address, r.Assignment.NonceOrSequence, attempt)
	if err != nil {
		return err
	}
	r.AppendAttempt(r.Assignment.Fee, signed, hash, "")
	r.CancelRequested = true

	if broadcastErr := driver.Broadcast(ctx, *r, signed); broadcastErr != nil && Classify(broadcastErr) != FailureNonceTooLow {
		return broadcastErr
	}
	if err := e.store.Save(*r); err != nil {
		return err
	}
	e.start(*r)
	return nil
}

func replacementDeadline(blockTime time.Duration) time.Duration {
	d := 3 * blockTime
	if d < 30*time.Second {
		return 30 * time.Second
	}
	return d
}

func (e *Engine) transition(r *txtypes.Record, trig Trigger, to txtypes.Status) bool {
	from := r.Status
	if _, err := Apply(from, trig); err != nil {
		log.Warn("lifecycle: rejected transition", "tx", r.TransactionID, "from", from, "trigger", trig, "err", err)
		return false
	}
	r.Status = to
	select {
	case e.events <- Event{TransactionID: r.TransactionID, RelayerID: r.RelayerID, From: from, To: to, At: time.Now()}:
	default:
		log.Warn("lifecycle: event channel full, dropping event", "tx", r.TransactionID)
	}
	return true
}

func (e *Engine) run(ctx context.Context, r txtypes.Record, doneCh chan struct{}) {
	defer e.wg.Done()
	defer close(doneCh)
	defer func() {
		e.mu.Lock()
		delete(e.tasks, r.TransactionID)
		e.mu.Unlock()
	}()

	driver, ok := e.drivers[r.Request.Chain]
	if !ok {
		log.Error("lifecycle: no driver registered for chain", "chain", r.Request.Chain, "tx", r.TransactionID)
		return
	}

	lastSubmittedAt := time.Now()
	var inclusionHeight uint64
	var reorgMissingSince *time.Time

	if r.Status == txtypes.StatusPending {
		if err := e.assignAndSign(ctx, driver, &r); err != nil {
			return
		}
	} else if r.Status == txtypes.StatusMined {
		if _, h, err := driver.Inclusion(ctx, r.Assignment.TxHash); err == nil {
			inclusionHeight = h
		}
	}

	ticker := time.NewTicker(driver.BlockTime())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if r.ValidUntil != nil && time.Now().After(*r.ValidUntil) && !r.Status.Terminal() {
			if e.transition(&r, TriggerValidUntilPassed, txtypes.StatusExpired) {
				e.store.Save(r)
			}
			return
		}

		switch r.Status {
		case txtypes.StatusSubmitted:
			newLast, height, terminalErr := e.evaluateSubmitted(ctx, driver, &r, time.Now(), lastSubmittedAt)
			lastSubmittedAt = newLast
			if height > 0 {
				inclusionHeight = height
				reorgMissingSince = nil
			}
			if terminalErr != nil {
				e.store.Save(r)
				e.reconcileFailedNonce(ctx, driver, &r)
				return
			}
			e.store.Save(r)

		case txtypes.StatusMined:
			minedDone, err := e.evaluateMined(ctx, driver, &r, &inclusionHeight, &reorgMissingSince, &lastSubmittedAt)
			e.store.Save(r)
			if minedDone || err != nil {
				return
			}
		}
	}
}

// evaluateSubmitted runs one polling step for a submitted record: check
// inclusion, and if unmined past replacement_after, bump and rebroadcast.
func (e *Engine) evaluateSubmitted(ctx context.Context, driver ChainDriver, r *txtypes.Record, now, lastSubmittedAt time.Time) (newLastSubmittedAt time.Time, height uint64, terminalErr error) {
	included, h, err := driver.Inclusion(ctx, r.Assignment.TxHash)
	if err != nil {
		return lastSubmittedAt, 0, nil // network/RPC error: retry next tick
	}
	if included {
		e.transition(r, TriggerObservedOnChain, txtypes.StatusMined)
		return now, h, nil
	}

	if now.Sub(lastSubmittedAt) > replacementDeadline(driver.BlockTime()) {
		if err := e.replace(ctx, driver, r); err != nil {
			if errors.Is(err, txtypes.ErrFeeCapReached) {
				e.transition(r, TriggerFeeCapReached, txtypes.StatusFailed)
				return lastSubmittedAt, 0, err
			}
			return lastSubmittedAt, 0, nil
		}
		return now, 0, nil
	}
	return lastSubmittedAt, 0, nil
}

// evaluateMined runs one polling step for a mined record: confirmation
// depth, or reorg handling if the receipt disappears.
func (e *Engine) evaluateMined(ctx context.Context, driver ChainDriver, r *txtypes.Record, inclusionHeight *uint64, reorgMissingSince **time.Time, lastSubmittedAt *time.Time) (done bool, err error) {
	included, height, ierr := driver.Inclusion(ctx, r.Assignment.TxHash)
	if ierr != nil {
		return false, nil
	}

	if !included {
		now := time.Now()
		if *reorgMissingSince == nil {
			// first missed poll: the receipt may just be between blocks on
			// a fresh endpoint; wait for the reorg window before acting.
			*reorgMissingSince = &now
			return false, nil
		}
		currentHeight, cerr := driver.CurrentHeight(ctx)
		if cerr == nil && currentHeight > *inclusionHeight+driver.ReorgWindow() {
			// genuinely reorged out past the window: re-enter submitted,
			// then immediately fall to pending and resubmit with a fresh
			// assignment.
			e.transition(r, TriggerReorg, txtypes.StatusSubmitted)
			e.transition(r, TriggerDroppedFromMempool, txtypes.StatusPending)
			*reorgMissingSince = nil
			if err := e.assignAndSign(ctx, driver, r); err != nil {
				return true, err
			}
			*lastSubmittedAt = time.Now()
		}
		return false, nil
	}

	*inclusionHeight = height
	*reorgMissingSince = nil

	currentHeight, cerr := driver.CurrentHeight(ctx)
	if cerr != nil {
		return false, nil
	}
	if currentHeight >= height+driver.ConfirmationsRequired() {
		if r.CancelRequested {
			e.transition(r, TriggerCancelConfirmed, txtypes.StatusCancelled)
		} else {
			e.transition(r, TriggerConfirmationDepth, txtypes.StatusConfirmed)
		}
		return true, nil
	}
	return false, nil
}

func (e *Engine) assignAndSign(ctx context.Context, driver ChainDriver, r *txtypes.Record) error {
	nonce, address, err := driver.AllocateNonce(ctx, *r)
	if err != nil {
		e.transition(r, TriggerSigningError, txtypes.StatusFailed)
		e.store.Save(*r)
		return err
	}
	// Recorded immediately, ahead of NextFee/SignAttempt succeeding, so a
	// terminal failure past this point always carries the nonce/address it
	// claimed and reconcileFailedNonce has something to reconcile against.
	r.Assignment.NonceOrSequence = nonce
	r.Assignment.Address = address

	fee, err := driver.NextFee(ctx, *r, nil)
	if err != nil {
		e.transition(r, TriggerSigningError, txtypes.StatusFailed)
		e.store.Save(*r)
		e.reconcileFailedNonce(ctx, driver, r)
		return err
	}
	signed, hash, err := driver.SignAttempt(ctx, *r, fee, nonce)
	if err != nil {
		e.transition(r, TriggerSigningError, txtypes.StatusFailed)
		e.store.Save(*r)
		e.reconcileFailedNonce(ctx, driver, r)
		return err
	}
	r.AppendAttempt(fee, signed, hash, "")

	if broadcastErr := driver.Broadcast(ctx, *r, signed); broadcastErr != nil {
		switch Classify(broadcastErr) {
		case FailureNonceTooLow:
			// the chain already has this exact transaction; proceed as
			// submitted and let the next poll pick up its inclusion.
		case FailureInsufficientFunds:
			r.FailureReason = "insufficient_funds"
			e.transition(r, TriggerSigningError, txtypes.StatusFailed)
			e.store.Save(*r)
			if e.OnInsufficientFunds != nil {
				e.OnInsufficientFunds(r.RelayerID)
			}
			e.reconcileFailedNonce(ctx, driver, r)
			return broadcastErr
		default:
			e.store.Save(*r)
			return broadcastErr
		}
	}

	e.transition(r, TriggerAssignSign, txtypes.StatusSubmitted)
	e.store.Save(*r)
	return nil
}

func (e *Engine) replace(ctx context.Context, driver ChainDriver, r *txtypes.Record) error {
	prevFee := r.Assignment.Fee
	nonce := r.Assignment.NonceOrSequence

	newFee, err := driver.NextFee(ctx, *r, &prevFee)
	if err != nil {
		return err
	}
	signed, hash, err := driver.SignAttempt(ctx, *r, newFee, nonce)
	if err != nil {
		return err
	}
	r.AppendAttempt(newFee, signed, hash, "")

	if broadcastErr := driver.Broadcast(ctx, *r, signed); broadcastErr != nil {
		if Classify(broadcastErr) == FailureUnderpriced {
			return nil // bump again next tick
		}
		return broadcastErr
	}
	e.transition(r, TriggerReplace, txtypes.StatusSubmitted)
	return nil
}

// maxFillerAttempts bounds the escalating-fee retry loop reconcileFailedNonce
// runs inline; if every attempt fails the slot stays stuck and an operator
// has to intervene, same as any other exhausted-retries failure mode here.
const maxFillerAttempts = 3

// reconcileFailedNonce runs the gap-reconciliation step after r reaches a
// terminal failed status: it rolls the nonce/sequence high-water mark back
// if nothing later is in flight, or submits an escalating-fee filler
// transaction at the stuck slot so later nonces behind it aren't
// permanently blocked.
func (e *Engine) reconcileFailedNonce(ctx context.Context, driver ChainDriver, r *txtypes.Record) {
	if r.Assignment.Address == "" {
		return // AllocateNonce never succeeded; no slot was claimed
	}

	laterInFlight, err := e.store.HasLaterNonceInFlight(r.RelayerID, r.Assignment.NonceOrSequence)
	if err != nil {
		log.Warn("lifecycle: nonce reconciliation lookup failed", "tx", r.TransactionID, "err", err)
		return
	}

	filler, err := e.nonces.ReconcileFailure(r.RelayerID, r.Assignment.Address, r.Assignment.NonceOrSequence, laterInFlight)
	if err != nil {
		log.Warn("lifecycle: nonce reconciliation failed", "tx", r.TransactionID, "err", err)
		return
	}
	if filler == nil {
		return // rolled back in place, no later nonce to unblock
	}

	for attempt := 0; attempt < maxFillerAttempts; attempt++ {
		signed, hash, err := driver.Filler(ctx, filler.RelayerID, filler.Address, filler.Nonce, attempt)
		if err != nil {
			log.Warn("lifecycle: build filler transaction failed", "tx", r.TransactionID, "nonce", filler.Nonce, "attempt", attempt, "err", err)
			continue
		}
		broadcastErr := driver.Broadcast(ctx, *r, signed)
		if broadcastErr == nil || Classify(broadcastErr) == FailureNonceTooLow {
			log.Info("lifecycle: submitted filler transaction to unblock nonce", "tx", r.TransactionID, "nonce", filler.Nonce, "hash", hash)
			return
		}
		log.Warn("lifecycle: broadcast filler transaction failed", "tx", r.TransactionID, "nonce", filler.Nonce, "attempt", attempt, "err", broadcastErr)
	}
	log.Error("lifecycle: exhausted filler attempts, nonce remains stuck", "tx", r.TransactionID, "nonce", filler.Nonce, "relayer", r.RelayerID)
}
