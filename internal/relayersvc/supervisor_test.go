package relayersvc

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainrelayer/relayer/internal/config"
	"github.com/chainrelayer/relayer/internal/lifecycle"
	"github.com/chainrelayer/relayer/internal/noncemgr"
	"github.com/chainrelayer/relayer/internal/policy"
	"github.com/chainrelayer/relayer/internal/txstore"
	"github.com/chainrelayer/relayer/internal/txtypes"
)

type fixedBalance struct {
	val *big.Int
	err error
}

func (b fixedBalance) Balance(context.Context, string, string) (*big.Int, error) {
	return b.val, b.err
}

func newTestSupervisor(t *testing.T, relayer config.Relayer, bal BalanceReader, interval time.Duration) *Supervisor {
	t.Helper()
	store, err := txstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	nonces := noncemgr.New(store, 64*1024)
	engine := lifecycle.NewEngine(store, map[txtypes.ChainType]lifecycle.ChainDriver{}, nonces)
	return New(relayer, "0xrelayer", bal, engine, interval)
}

func TestAdmitRejectsWhenPaused(t *testing.T) {
	relayer := config.Relayer{ID: "r1", Paused: true}
	s := newTestSupervisor(t, relayer, fixedBalance{val: big.NewInt(100)}, time.Hour)

	req := txtypes.Request{Chain: txtypes.ChainEVM, EVM: &txtypes.EVMRequest{To: "0xabc"}}
	_, err := s.Admit(req, policy.ChainSnapshot{})
	require.ErrorIs(t, err, txtypes.ErrPaused)
}

func TestAdmitAcceptsValidRequestWhenActive(t *testing.T) {
	relayer := config.Relayer{ID: "r1"}
	s := newTestSupervisor(t, relayer, fixedBalance{val: big.NewInt(100)}, time.Hour)

	req := txtypes.Request{Chain: txtypes.ChainEVM, EVM: &txtypes.EVMRequest{To: "0xabc"}}
	r, err := s.Admit(req, policy.ChainSnapshot{})
	require.NoError(t, err)
	require.Equal(t, txtypes.StatusPending, r.Status)
	require.Equal(t, "r1", r.RelayerID)
}

func TestAdmitRejectsPolicyViolationEvenWhenActive(t *testing.T) {
	relayer := config.Relayer{ID: "r1", Policy: config.PolicyBundle{EVM: &config.EVMPolicy{
		WhitelistReceivers: []string{"0xAAAA"},
	}}}
	s := newTestSupervisor(t, relayer, fixedBalance{val: big.NewInt(100)}, time.Hour)

	req := txtypes.Request{Chain: txtypes.ChainEVM, EVM: &txtypes.EVMRequest{To: "0xBBBB"}}
	_, err := s.Admit(req, policy.ChainSnapshot{})
	require.ErrorIs(t, err, txtypes.ErrReceiverNotAllowed)
}

func TestCheckBalancePausesAndResumes(t *testing.T) {
	relayer := config.Relayer{ID: "r1", Policy: config.PolicyBundle{EVM: &config.EVMPolicy{MinBalance: big.NewInt(1000)}}}
	bal := &mutableBalance{val: big.NewInt(10)}
	s := newTestSupervisor(t, relayer, bal, time.Hour)

	s.checkBalance(context.Background())
	require.True(t, s.Paused())

	bal.val = big.NewInt(2000)
	s.checkBalance(context.Background())
	require.False(t, s.Paused())
}

type mutableBalance struct{ val *big.Int }

func (b *mutableBalance) Balance(context.Context, string, string) (*big.Int, error) {
	return b.val, nil
}

func TestPauseForInsufficientFundsOnlyAffectsMatchingRelayer(t *testing.T) {
	relayer := config.Relayer{ID: "r1"}
	s := newTestSupervisor(t, relayer, fixedBalance{val: big.NewInt(100)}, time.Hour)

	s.PauseForInsufficientFunds("other-relayer")
	require.False(t, s.Paused())

	s.PauseForInsufficientFunds("r1")
	require.True(t, s.Paused())
}
