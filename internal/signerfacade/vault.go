package signerfacade

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// VaultBackend signs through an HTTP transit-style remote signer (Vault or
// a Vault-compatible cloud proxy — VaultCloud reuses this same client with
// a different base URL and token source). Each Sign call mints a fresh,
// short-lived, relayer-scoped JWT (ADDED, SPEC_FULL.md §4.3) rather than
// holding one static bearer token for the process lifetime.
type VaultBackend struct {
	httpClient *http.Client
	baseURL    string
	signingKey []byte // HMAC key used only to stamp outbound request tokens, never a chain key
	addresses  map[string]ChainAddress
	keyPaths   map[string]string // relayerID -> transit key path
	tokenTTL   time.Duration
}

func NewVaultBackend(baseURL string, signingKey []byte, addresses map[string]ChainAddress, keyPaths map[string]string) *VaultBackend {
	return &VaultBackend{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		signingKey: signingKey,
		addresses:  addresses,
		keyPaths:   keyPaths,
		tokenTTL:   30 * time.Second,
	}
}

func (v *VaultBackend) Address(_ context.Context, relayerID string) (ChainAddress, error) {
	addr, ok := v.addresses[relayerID]
	if !ok {
		return "", fmt.Errorf("vault signer: no address cached for relayer %s", relayerID)
	}
	return addr, nil
}

// requestToken mints a short-lived token scoped to one relayer and one
// transit key path, so a leaked token cannot be replayed against another
// relayer's key.
func (v *VaultBackend) requestToken(relayerID, keyPath string) (string, error) {
	claims := jwt.MapClaims{
		"aud": relayerID,
		"key": keyPath,
		"exp": time.Now().Add(v.tokenTTL).Unix(),
		"iat": time.Now().Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(v.signingKey)
}

type vaultSignRequest struct {
	Input string `json:"input"` // hex-encoded payload
}

type vaultSignResponse struct {
	Data struct {
		Signature string `json:"signature"` // hex-encoded
	} `json:"data"`
}

func (v *VaultBackend) Sign(ctx context.Context, relayerID string, payload []byte) (Signature, error) {
	keyPath, ok := v.keyPaths[relayerID]
	if !ok {
		return nil, fmt.Errorf("vault signer: no transit key configured for relayer %s", relayerID)
	}
	token, err := v.requestToken(relayerID, keyPath)
	if err != nil {
		return nil, fmt.Errorf("vault signer: mint request token: %w", err)
	}

	body, err := json.Marshal(vaultSignRequest{Input: hex.EncodeToString(payload)})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/v1/transit/sign/"+keyPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("vault signer: unexpected status %d", resp.StatusCode)
	}

	var vr vaultSignResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("vault signer: decode response: %w", err)
	}
	sig, err := hex.DecodeString(vr.Data.Signature)
	if err != nil {
		return nil, fmt.Errorf("vault signer: malformed signature: %w", err)
	}
	return Signature(sig), nil
}
