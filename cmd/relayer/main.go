// Command relayer is the daemon: it loads a TOML config, wires one
// ChainDriver per network and one Lifecycle Engine and Supervisor per
// relayer, rehydrates
// any in-flight transactions left over from a previous run, and serves the
// HTTP ingress until signalled to stop.
package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/chainrelayer/relayer/internal/api"
	"github.com/chainrelayer/relayer/internal/catalog"
	"github.com/chainrelayer/relayer/internal/chain/evm"
	"github.com/chainrelayer/relayer/internal/chain/solana"
	"github.com/chainrelayer/relayer/internal/chain/stellar"
	"github.com/chainrelayer/relayer/internal/config"
	"github.com/chainrelayer/relayer/internal/lifecycle"
	"github.com/chainrelayer/relayer/internal/noncemgr"
	"github.com/chainrelayer/relayer/internal/relayersvc"
	"github.com/chainrelayer/relayer/internal/rpcpool"
	"github.com/chainrelayer/relayer/internal/signerfacade"
	"github.com/chainrelayer/relayer/internal/txstore"
	"github.com/chainrelayer/relayer/internal/txtypes"
)

// Exit codes: 0 clean, 1 config error, 2 store unavailable, 3 signer
// unreachable, 4 relayer/RPC failure. Codes 10+ are reserved for future
// operational failures and are not emitted by this build.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitStoreError   = 2
	exitSignerError  = 3
	exitRelayerError = 4
)

func main() {
	app := &cli.App{
		Name:  "relayer",
		Usage: "multi-chain transaction relayer daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to relayer.toml"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Error("relayer: fatal", "err", err)
		os.Exit(codeFor(err))
	}
}

func codeFor(err error) int {
	kind, ok := txtypes.KindOf(err)
	if !ok {
		return exitConfigError
	}
	switch kind {
	case txtypes.KindStore:
		return exitStoreError
	case txtypes.KindSigner:
		return exitSignerError
	case txtypes.KindRelayer, txtypes.KindRPC:
		return exitRelayerError
	default:
		return exitConfigError
	}
}

// runtimeNetwork bundles everything built per catalog network id: the
// resolved params, the ChainDriver layered on the network's weighted RPC
// pool, and the on-chain nonce counter and balance reader built with it.
type runtimeNetwork struct {
	params catalog.ChainParams
	driver lifecycle.ChainDriver
	nonce  noncemgr.OnChainCounter
	bal    relayersvc.BalanceReader
}

func run(c *cli.Context) error {
	cfg, err := loadFileConfig(c.String("config"))
	if err != nil {
		return err
	}

	cat, err := catalog.Load(cfg.Networks)
	if err != nil {
		return fmt.Errorf("%w: %v", txtypes.ErrInvalidPolicy, err)
	}

	store, err := txstore.Open(cfg.Store.Dir)
	if err != nil {
		return txtypes.Wrap(txtypes.KindStore, err)
	}
	defer store.Close()

	facade := signerfacade.New()
	for _, sc := range cfg.Signers {
		backend, err := buildBackend(sc, evmChainIDFor(cat, cfg.Relayers, sc))
		if err != nil {
			return err
		}
		for relayerID := range sc.RelayerAddresses {
			facade.Register(relayerID, backend)
		}
	}

	nonceCache := cfg.Store.NonceCacheBytes
	if nonceCache <= 0 {
		nonceCache = 1 << 20
	}
	nonces := noncemgr.New(store, nonceCache)

	netByID := make(map[string]catalog.ChainParams, len(cfg.Networks))
	for _, nd := range cfg.Networks {
		p, err := cat.Resolve(nd.ID)
		if err != nil {
			return err
		}
		netByID[nd.ID] = p
	}

	relayersByID := make(map[string]config.Relayer, len(cfg.Relayers))
	for _, rc := range cfg.Relayers {
		relayer, err := toRelayer(netByID, rc)
		if err != nil {
			return err
		}
		relayersByID[relayer.ID] = relayer
	}
	gasPriceCapFor := func(relayerID string) *big.Int {
		if r, ok := relayersByID[relayerID]; ok && r.Policy.EVM != nil {
			return r.Policy.EVM.GasPriceCap
		}
		return nil
	}
	solanaPolicyFor := func(relayerID string) *config.SolanaPolicy {
		if r, ok := relayersByID[relayerID]; ok {
			return r.Policy.Solana
		}
		return nil
	}

	networks := make(map[string]*runtimeNetwork, len(netByID))
	for id, params := range netByID {
		rn, err := buildNetwork(params, facade, nonces, gasPriceCapFor, solanaPolicyFor)
		if err != nil {
			return err
		}
		networks[id] = rn
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := api.New(os.Getenv(cfg.Server.APIKeyEnv), store)
	balanceInterval := time.Duration(cfg.Server.BalancePollSecs) * time.Second
	if balanceInterval <= 0 {
		balanceInterval = 60 * time.Second
	}

	var supervisors []*relayersvc.Supervisor
	for _, rc := range cfg.Relayers {
		rn, ok := networks[rc.NetworkID]
		if !ok {
			return fmt.Errorf("%w: %s", txtypes.ErrMissingNetwork, rc.NetworkID)
		}
		relayer := relayersByID[rc.ID]

		address, err := facade.Address(ctx, relayer.ID)
		if err != nil {
			return txtypes.Wrap(txtypes.KindSigner, fmt.Errorf("relayer %s: %w", relayer.ID, err))
		}

		drivers := map[txtypes.ChainType]lifecycle.ChainDriver{txtypes.ChainType(rn.params.Type): rn.driver}
		engine := lifecycle.NewEngine(store, drivers, nonces)

		sup := relayersvc.New(relayer, string(address), rn.bal, engine, balanceInterval)
		engine.OnInsufficientFunds = sup.PauseForInsufficientFunds

		if err := nonces.Sync(ctx, relayer.ID, string(address), rn.nonce); err != nil {
			return txtypes.Wrap(txtypes.KindRPC, fmt.Errorf("sync nonce for relayer %s: %w", relayer.ID, err))
		}

		inflight, err := store.RecoverNonTerminal(relayer.ID)
		if err != nil {
			return err
		}

		sup.Start(ctx)
		for _, rec := range inflight {
			sup.Resume(rec)
		}

		server.Register(relayer.ID, sup)
		supervisors = append(supervisors, sup)
		log.Info("relayer: started", "relayer", relayer.ID, "network", relayer.NetworkID, "address", address, "inflight", len(inflight))
	}

	httpSrv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: server}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("relayer: http server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("relayer: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	for _, sup := range supervisors {
		sup.Shutdown()
	}
	return nil
}

func buildNetwork(params catalog.ChainParams, facade *signerfacade.Facade, nonces *noncemgr.Manager,
	gasPriceCapFor func(string) *big.Int, solanaPolicyFor func(string) *config.SolanaPolicy) (*runtimeNetwork, error) {
	endpoints := make([]rpcpool.EndpointConfig, len(params.Endpoints))
	for i, e := range params.Endpoints {
		endpoints[i] = rpcpool.EndpointConfig{URL: e.URL, Weight: e.Weight}
	}

	switch txtypes.ChainType(params.Type) {
	case txtypes.ChainEVM:
		caller := rpcpool.NewHTTPCaller(&http.Client{Timeout: 10 * time.Second})
		pool := rpcpool.New(params.ID, caller, endpoints)
		client := rpcpool.NewEVMClient(pool)
		d := &evm.Driver{Params: params, Client: client, Signer: facade, Nonces: nonces, GasPriceCapFor: gasPriceCapFor}
		return &runtimeNetwork{params: params, driver: d, nonce: evm.OnChainNonce{Client: client}, bal: d}, nil
	case txtypes.ChainSolana:
		caller := rpcpool.NewHTTPCaller(&http.Client{Timeout: 10 * time.Second})
		pool := rpcpool.New(params.ID, caller, endpoints)
		client := rpcpool.NewSolanaClient(pool)
		prioritySamples := func() []uint64 {
			fees, err := client.GetRecentPrioritizationFees(context.Background(), nil)
			if err != nil {
				return nil
			}
			samples := make([]uint64, len(fees))
			for i, f := range fees {
				samples[i] = f.PrioritizationFee
			}
			return samples
		}
		d := &solana.Driver{Params: params, Client: client, Signer: facade, Nonces: nonces, PolicyFor: solanaPolicyFor, PrioritySamples: prioritySamples}
		return &runtimeNetwork{params: params, driver: d, nonce: solana.OnChainSlot{Client: client}, bal: d}, nil
	case txtypes.ChainStellar:
		caller := rpcpool.NewHTTPCaller(&http.Client{Timeout: 10 * time.Second})
		pool := rpcpool.New(params.ID, caller, endpoints)
		client := rpcpool.NewStellarClient(pool)
		d := &stellar.Driver{Params: params, Client: client, Signer: facade, Nonces: nonces, Passphrase: params.Passphrase}
		return &runtimeNetwork{params: params, driver: d, nonce: stellar.OnChainSequence{Client: client}, bal: d}, nil
	default:
		return nil, fmt.Errorf("%w: unknown chain type %q for network %s", txtypes.ErrInvalidPolicy, params.Type, params.ID)
	}
}

// evmChainIDFor resolves the numeric chain id a local EVM keystore backend
// needs for EIP-155 signing, by finding the first relayer configured
// against this signer that points at an EVM network.
func evmChainIDFor(cat *catalog.Catalog, relayers []relayerConfig, sc signerConfig) uint64 {
	for relayerID := range sc.RelayerAddresses {
		for _, rc := range relayers {
			if rc.ID != relayerID {
				continue
			}
			params, err := cat.Resolve(rc.NetworkID)
			if err == nil && txtypes.ChainType(params.Type) == txtypes.ChainEVM {
				return uint64(params.ChainID)
			}
		}
	}
	return 0
}
