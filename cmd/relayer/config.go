package main

import (
	"context"
	"fmt"
	"math/big"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/naoina/toml"

	"github.com/chainrelayer/relayer/internal/catalog"
	"github.com/chainrelayer/relayer/internal/config"
	"github.com/chainrelayer/relayer/internal/signerfacade"
	"github.com/chainrelayer/relayer/internal/txtypes"
)

// fileConfig is the on-disk TOML shape; it decodes into the package
// structs the rest of the daemon actually runs against (catalog.Catalog,
// config.Relayer, signerfacade backends), the same split go-ethereum's own
// cmd/geth/config.go makes between the file format and the runtime types.
type fileConfig struct {
	Server   serverConfig
	Store    storeConfig
	Networks []catalog.NetworkDefinition
	Signers  []signerConfig
	Relayers []relayerConfig
}

type serverConfig struct {
	ListenAddr      string
	APIKeyEnv       string // name of the env var holding the bearer token, read once at startup
	BalancePollSecs int
}

type storeConfig struct {
	Dir            string
	NonceCacheBytes int
}

type signerConfig struct {
	ID               string
	Kind             string // local | vault | vault_cloud | turnkey | gcp_kms | aws_kms | hardware_wallet
	KeystoreDir      string
	PassphraseEnv    string
	RelayerAddresses map[string]string // relayerID -> address, for backends that need it up front
	BaseURL          string
	SigningKeyEnv    string
	OrgID            string
	KMSKeyIDs        map[string]string
}

type policyConfig struct {
	GasPriceCap        string
	WhitelistReceivers []string
	SweepAddress       string
	MinBalance         string
	StrictMinBalance   bool
	AllowedPrograms    []string
	FeePaymentStrategy string
}

type relayerConfig struct {
	ID             string
	DisplayName    string
	Paused         bool
	NetworkID      string
	SignerID       string
	NotificationID string
	Policy         policyConfig
}

func loadFileConfig(path string) (*fileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open config %s: %v", txtypes.ErrInvalidPolicy, path, err)
	}
	defer f.Close()

	var cfg fileConfig
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config %s: %v", txtypes.ErrInvalidPolicy, path, err)
	}
	return &cfg, nil
}

func parseBig(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}

func toRelayer(netByID map[string]catalog.ChainParams, rc relayerConfig) (config.Relayer, error) {
	params, ok := netByID[rc.NetworkID]
	if !ok {
		return config.Relayer{}, fmt.Errorf("%w: %s", txtypes.ErrMissingNetwork, rc.NetworkID)
	}

	r := config.Relayer{
		ID: rc.ID, DisplayName: rc.DisplayName, Paused: rc.Paused,
		NetworkID: rc.NetworkID, SignerID: rc.SignerID, NotificationID: rc.NotificationID,
	}

	switch txtypes.ChainType(params.Type) {
	case txtypes.ChainEVM:
		r.Policy.EVM = &config.EVMPolicy{
			GasPriceCap: parseBig(rc.Policy.GasPriceCap), WhitelistReceivers: rc.Policy.WhitelistReceivers,
			SweepAddress: rc.Policy.SweepAddress, MinBalance: parseBig(rc.Policy.MinBalance),
			StrictMinBalance: rc.Policy.StrictMinBalance,
		}
	case txtypes.ChainSolana:
		r.Policy.Solana = &config.SolanaPolicy{
			FeePaymentStrategy: config.FeePaymentStrategy(rc.Policy.FeePaymentStrategy),
			AllowedPrograms:    rc.Policy.AllowedPrograms,
			MinBalance:         parseBig(rc.Policy.MinBalance),
			StrictMinBalance:   rc.Policy.StrictMinBalance,
		}
	case txtypes.ChainStellar:
		r.Policy.Stellar = &config.StellarPolicy{
			MinBalance: parseBig(rc.Policy.MinBalance), StrictMinBalance: rc.Policy.StrictMinBalance,
		}
	}
	return r, nil
}

// buildBackend constructs exactly one signerfacade.Backend per configured
// signer entry; unsupported kinds fail closed at startup rather than
// silently no-op'ing.
func buildBackend(sc signerConfig, chainID uint64) (signerfacade.Backend, error) {
	switch sc.Kind {
	case string(signerfacade.BackendLocal):
		passphrase := []byte(os.Getenv(sc.PassphraseEnv))
		return signerfacade.NewLocalBackend(sc.KeystoreDir, sc.RelayerAddresses, passphrase, chainID)
	case string(signerfacade.BackendVault), string(signerfacade.BackendVaultCloud):
		addrs := make(map[string]signerfacade.ChainAddress, len(sc.RelayerAddresses))
		for id, addr := range sc.RelayerAddresses {
			addrs[id] = signerfacade.ChainAddress(addr)
		}
		signingKey := []byte(os.Getenv(sc.SigningKeyEnv))
		return signerfacade.NewVaultBackend(sc.BaseURL, signingKey, addrs, nil), nil
	case string(signerfacade.BackendTurnkey):
		addrs := make(map[string]signerfacade.ChainAddress, len(sc.RelayerAddresses))
		for id, addr := range sc.RelayerAddresses {
			addrs[id] = signerfacade.ChainAddress(addr)
		}
		return signerfacade.NewTurnkeyBackend(sc.BaseURL, "", []byte(os.Getenv(sc.SigningKeyEnv)), sc.OrgID, nil, addrs), nil
	case string(signerfacade.BackendAwsKms):
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("%w: load AWS config for signer %s: %v", txtypes.ErrInvalidPolicy, sc.ID, err)
		}
		return signerfacade.NewAwsKmsBackend(kms.NewFromConfig(awsCfg), sc.KMSKeyIDs), nil
	case string(signerfacade.BackendHardwareWallet):
		return signerfacade.NewHardwareWalletBackend(sc.RelayerAddresses)
	default:
		return nil, fmt.Errorf("%w: unsupported signer kind %q for signer %s", txtypes.ErrInvalidPolicy, sc.Kind, sc.ID)
	}
}
