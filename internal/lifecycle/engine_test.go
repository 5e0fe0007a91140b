package lifecycle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainrelayer/relayer/internal/noncemgr"
	"github.com/chainrelayer/relayer/internal/txstore"
	"github.com/chainrelayer/relayer/internal/txtypes"
)

type fakeDriver struct {
	allocateNonce func() (uint64, error)
	nextFee       func(prev *txtypes.FeeParams) (txtypes.FeeParams, error)
	signAttempt   func(nonce uint64) ([]byte, string, error)
	broadcast     func() error
	inclusion     func() (bool, uint64, error)
	currentHeight func() (uint64, error)
	filler        func(nonce uint64, attempt int) ([]byte, string, error)

	blockTime     time.Duration
	confirmations uint64
	reorgWindow   uint64
}

func (d *fakeDriver) AllocateNonce(context.Context, txtypes.Record) (uint64, string, error) {
	nonce, err := d.allocateNonce()
	return nonce, "0xrelayer", err
}
func (d *fakeDriver) NextFee(_ context.Context, _ txtypes.Record, prev *txtypes.FeeParams) (txtypes.FeeParams, error) {
	return d.nextFee(prev)
}
func (d *fakeDriver) SignAttempt(_ context.Context, _ txtypes.Record, _ txtypes.FeeParams, nonce uint64) ([]byte, string, error) {
	return d.signAttempt(nonce)
}
func (d *fakeDriver) Broadcast(context.Context, txtypes.Record, []byte) error { return d.broadcast() }
func (d *fakeDriver) Inclusion(context.Context, string) (bool, uint64, error) { return d.inclusion() }
func (d *fakeDriver) CurrentHeight(context.Context) (uint64, error)           { return d.currentHeight() }
func (d *fakeDriver) BlockTime() time.Duration                                { return d.blockTime }
func (d *fakeDriver) ConfirmationsRequired() uint64                           { return d.confirmations }
func (d *fakeDriver) ReorgWindow() uint64                                     { return d.reorgWindow }
func (d *fakeDriver) Filler(_ context.Context, _, _ string, nonce uint64, attempt int) ([]byte, string, error) {
	if d.filler != nil {
		return d.filler(nonce, attempt)
	}
	return []byte{0xf}, "0xfiller", nil
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := txstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	nonces := noncemgr.New(s, 64*1024)
	return NewEngine(s, map[txtypes.ChainType]ChainDriver{}, nonces)
}

func newTestEngineWithDriver(t *testing.T, driver ChainDriver) *Engine {
	t.Helper()
	s, err := txstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	nonces := noncemgr.New(s, 64*1024)
	return NewEngine(s, map[txtypes.ChainType]ChainDriver{txtypes.ChainEVM: driver}, nonces)
}

func baseRecord() txtypes.Record {
	return txtypes.NewRecord("r1", txtypes.Request{Chain: txtypes.ChainEVM, EVM: &txtypes.EVMRequest{To: "0xabc"}})
}

func TestAssignAndSignSuccess(t *testing.T) {
	e := newTestEngine(t)
	driver := &fakeDriver{
		allocateNonce: func() (uint64, error) { return 7, nil },
		nextFee:       func(*txtypes.FeeParams) (txtypes.FeeParams, error) { return txtypes.FeeParams{Chain: txtypes.ChainEVM, GasPrice: big.NewInt(10)}, nil },
		signAttempt:   func(uint64) ([]byte, string, error) { return []byte{0x1}, "0xhash", nil },
		broadcast:     func() error { return nil },
	}

	r := baseRecord()
	err := e.assignAndSign(context.Background(), driver, &r)
	require.NoError(t, err)
	require.Equal(t, txtypes.StatusSubmitted, r.Status)
	require.Equal(t, uint64(7), r.Assignment.NonceOrSequence)
}

func TestAssignAndSignInsufficientFundsPausesRelayer(t *testing.T) {
	e := newTestEngine(t)
	var paused string
	e.OnInsufficientFunds = func(relayerID string) { paused = relayerID }

	driver := &fakeDriver{
		allocateNonce: func() (uint64, error) { return 1, nil },
		nextFee:       func(*txtypes.FeeParams) (txtypes.FeeParams, error) { return txtypes.FeeParams{Chain: txtypes.ChainEVM, GasPrice: big.NewInt(10)}, nil },
		signAttempt:   func(uint64) ([]byte, string, error) { return []byte{0x1}, "0xhash", nil },
		broadcast:     func() error { return errors.New("insufficient funds for gas * price + value") },
	}

	r := baseRecord()
	err := e.assignAndSign(context.Background(), driver, &r)
	require.Error(t, err)
	require.Equal(t, txtypes.StatusFailed, r.Status)
	require.Equal(t, "r1", paused)
}

func TestAssignAndSignTreatsNonceTooLowAsSubmitted(t *testing.T) {
	e := newTestEngine(t)
	driver := &fakeDriver{
		allocateNonce: func() (uint64, error) { return 3, nil },
		nextFee:       func(*txtypes.FeeParams) (txtypes.FeeParams, error) { return txtypes.FeeParams{Chain: txtypes.ChainEVM, GasPrice: big.NewInt(10)}, nil },
		signAttempt:   func(uint64) ([]byte, string, error) { return []byte{0x1}, "0xhash", nil },
		broadcast:     func() error { return errors.New("nonce too low") },
	}

	r := baseRecord()
	err := e.assignAndSign(context.Background(), driver, &r)
	require.NoError(t, err)
	require.Equal(t, txtypes.StatusSubmitted, r.Status)
}

func TestEvaluateSubmittedTransitionsToMinedOnInclusion(t *testing.T) {
	e := newTestEngine(t)
	driver := &fakeDriver{
		blockTime: time.Second,
		inclusion: func() (bool, uint64, error) { return true, 100, nil },
	}

	r := baseRecord()
	r.Status = txtypes.StatusSubmitted
	now := time.Now()
	_, height, err := e.evaluateSubmitted(context.Background(), driver, &r, now, now)
	require.NoError(t, err)
	require.Equal(t, uint64(100), height)
	require.Equal(t, txtypes.StatusMined, r.Status)
}

func TestEvaluateSubmittedReplacesAfterDeadline(t *testing.T) {
	e := newTestEngine(t)
	var rebroadcast bool
	driver := &fakeDriver{
		blockTime:     time.Second,
		inclusion:     func() (bool, uint64, error) { return false, 0, nil },
		nextFee:       func(prev *txtypes.FeeParams) (txtypes.FeeParams, error) { return txtypes.FeeParams{Chain: txtypes.ChainEVM, GasPrice: big.NewInt(20)}, nil },
		signAttempt:   func(uint64) ([]byte, string, error) { return []byte{0x2}, "0xhash2", nil },
		broadcast:     func() error { rebroadcast = true; return nil },
	}

	r := baseRecord()
	r.Status = txtypes.StatusSubmitted
	r.Assignment.Fee = txtypes.FeeParams{Chain: txtypes.ChainEVM, GasPrice: big.NewInt(10)}

	past := time.Now().Add(-time.Hour)
	newLast, _, err := e.evaluateSubmitted(context.Background(), driver, &r, time.Now(), past)
	require.NoError(t, err)
	require.True(t, rebroadcast)
	require.True(t, newLast.After(past))
	require.Equal(t, txtypes.StatusSubmitted, r.Status)
	require.Len(t, r.History, 1)
}

func TestEvaluateSubmittedFailsWhenReplacementHitsCap(t *testing.T) {
	e := newTestEngine(t)
	driver := &fakeDriver{
		blockTime: time.Second,
		inclusion: func() (bool, uint64, error) { return false, 0, nil },
		nextFee:   func(*txtypes.FeeParams) (txtypes.FeeParams, error) { return txtypes.FeeParams{}, txtypes.Wrap(txtypes.KindFee, txtypes.ErrFeeCapReached) },
	}

	r := baseRecord()
	r.Status = txtypes.StatusSubmitted

	past := time.Now().Add(-time.Hour)
	_, _, err := e.evaluateSubmitted(context.Background(), driver, &r, time.Now(), past)
	require.ErrorIs(t, err, txtypes.ErrFeeCapReached)
	require.Equal(t, txtypes.StatusFailed, r.Status)
}

func TestEvaluateMinedConfirmsAfterDepth(t *testing.T) {
	e := newTestEngine(t)
	driver := &fakeDriver{
		confirmations: 12,
		inclusion:     func() (bool, uint64, error) { return true, 100, nil },
		currentHeight: func() (uint64, error) { return 112, nil },
	}

	r := baseRecord()
	r.Status = txtypes.StatusMined
	height := uint64(100)
	var reorgSince *time.Time
	lastSubmitted := time.Now()

	done, err := e.evaluateMined(context.Background(), driver, &r, &height, &reorgSince, &lastSubmitted)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, txtypes.StatusConfirmed, r.Status)
}

func TestEvaluateMinedReorgsThenRepublishesAfterWindow(t *testing.T) {
	e := newTestEngine(t)
	var resignCalls int
	driver := &fakeDriver{
		reorgWindow:   64,
		inclusion:     func() (bool, uint64, error) { return false, 0, nil },
		currentHeight: func() (uint64, error) { return 200, nil },
		allocateNonce: func() (uint64, error) { resignCalls++; return 9, nil },
		nextFee:       func(*txtypes.FeeParams) (txtypes.FeeParams, error) { return txtypes.FeeParams{Chain: txtypes.ChainEVM, GasPrice: big.NewInt(10)}, nil },
		signAttempt:   func(uint64) ([]byte, string, error) { return []byte{0x3}, "0xhash3", nil },
		broadcast:     func() error { return nil },
	}

	r := baseRecord()
	r.Status = txtypes.StatusMined
	height := uint64(100) // 200 > 100+64: past the reorg window on the very first check
	var reorgSince *time.Time
	lastSubmitted := time.Now()

	done, err := e.evaluateMined(context.Background(), driver, &r, &height, &reorgSince, &lastSubmitted)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, txtypes.StatusMined, r.Status) // first miss just starts the window clock
	require.NotNil(t, reorgSince)

	// second poll: still missing, now past the window, so it resubmits.
	done, err = e.evaluateMined(context.Background(), driver, &r, &height, &reorgSince, &lastSubmitted)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 1, resignCalls)
	require.Equal(t, txtypes.StatusSubmitted, r.Status)
}

func TestReconcileFailedNonceRollsBackWhenNoLaterInFlight(t *testing.T) {
	e := newTestEngine(t)
	for i := 0; i < 3; i++ {
		_, err := e.nonces.Allocate("r1", "0xrelayer")
		require.NoError(t, err)
	}

	r := baseRecord()
	r.Assignment.NonceOrSequence = 3
	r.Assignment.Address = "0xrelayer"

	e.reconcileFailedNonce(context.Background(), &fakeDriver{}, &r)

	next, err := e.nonces.Allocate("r1", "0xrelayer")
	require.NoError(t, err)
	require.Equal(t, uint64(3), next) // rolled back to 2, so the next allocation reuses 3
}

func TestReconcileFailedNonceSubmitsFillerWhenLaterInFlight(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.nonces.Allocate("r1", "0xrelayer") // nonce 1, the one that will fail
	require.NoError(t, err)
	_, err = e.nonces.Allocate("r1", "0xrelayer") // nonce 2, still in flight
	require.NoError(t, err)

	later := baseRecord()
	later.Status = txtypes.StatusSubmitted
	later.Assignment.NonceOrSequence = 2
	later.Assignment.Address = "0xrelayer"
	require.NoError(t, e.store.Save(later))

	r := baseRecord()
	r.Assignment.NonceOrSequence = 1
	r.Assignment.Address = "0xrelayer"

	var filledNonce uint64
	var broadcastCount int
	driver := &fakeDriver{
		filler: func(nonce uint64, attempt int) ([]byte, string, error) {
			filledNonce = nonce
			return []byte{0x1}, "0xfillerhash", nil
		},
		broadcast: func() error { broadcastCount++; return nil },
	}
	e.reconcileFailedNonce(context.Background(), driver, &r)

	require.Equal(t, uint64(1), filledNonce)
	require.Equal(t, 1, broadcastCount)
}

func TestEngineCancelPendingRecordIsImmediate(t *testing.T) {
	e := newTestEngineWithDriver(t, &fakeDriver{})
	r := baseRecord()
	require.NoError(t, e.store.Save(r))

	require.NoError(t, e.Cancel(context.Background(), r.TransactionID))

	got, err := e.store.Get(r.TransactionID)
	require.NoError(t, err)
	require.Equal(t, txtypes.StatusCancelled, got.Status)
}

func TestEngineCancelSubmittedRecordTracksFillerAsNewAttempt(t *testing.T) {
	driver := &fakeDriver{
		blockTime: time.Millisecond,
		inclusion: func() (bool, uint64, error) { return false, 0, nil },
		filler: func(uint64, int) ([]byte, string, error) {
			return []byte{0x9}, "0xcancelhash", nil
		},
		broadcast: func() error { return nil },
	}
	e := newTestEngineWithDriver(t, driver)
	t.Cleanup(e.Shutdown)

	r := baseRecord()
	r.Status = txtypes.StatusSubmitted
	r.Assignment.NonceOrSequence = 5
	r.Assignment.Address = "0xrelayer"
	r.Assignment.TxHash = "0xoriginal"
	require.NoError(t, e.store.Save(r))
	e.start(r)

	require.NoError(t, e.Cancel(context.Background(), r.TransactionID))

	got, err := e.store.Get(r.TransactionID)
	require.NoError(t, err)
	require.True(t, got.CancelRequested)
	require.Equal(t, "0xcancelhash", got.Assignment.TxHash)
	require.Len(t, got.History, 1)
	require.Equal(t, txtypes.StatusSubmitted, got.Status)
}
