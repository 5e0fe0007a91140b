package signerfacade

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TurnkeyBackend signs through Turnkey's HTTP API, which authenticates
// requests by stamping the request body with an HMAC over
// (timestamp + body) rather than a bearer token.
type TurnkeyBackend struct {
	httpClient  *http.Client
	baseURL     string
	apiPublicID string
	apiPrivate  []byte
	orgID       string
	walletIDs   map[string]string // relayerID -> Turnkey wallet/private-key id
	addresses   map[string]ChainAddress
}

func NewTurnkeyBackend(baseURL, apiPublicID string, apiPrivate []byte, orgID string, walletIDs map[string]string, addresses map[string]ChainAddress) *TurnkeyBackend {
	return &TurnkeyBackend{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		baseURL:     baseURL,
		apiPublicID: apiPublicID,
		apiPrivate:  apiPrivate,
		orgID:       orgID,
		walletIDs:   walletIDs,
		addresses:   addresses,
	}
}

func (t *TurnkeyBackend) Address(_ context.Context, relayerID string) (ChainAddress, error) {
	addr, ok := t.addresses[relayerID]
	if !ok {
		return "", fmt.Errorf("turnkey signer: no address cached for relayer %s", relayerID)
	}
	return addr, nil
}

type turnkeySignRequest struct {
	Type           string `json:"type"`
	OrganizationID string `json:"organizationId"`
	Parameters     struct {
		SignWith  string `json:"signWith"`
		Payload   string `json:"payload"` // hex
		Encoding  string `json:"encoding"`
		HashFunc  string `json:"hashFunction"`
	} `json:"parameters"`
	TimestampMS string `json:"timestampMs"`
}

type turnkeySignResponse struct {
	Activity struct {
		Result struct {
			SignRawPayloadResult struct {
				R string `json:"r"`
				S string `json:"s"`
				V string `json:"v"`
			} `json:"signRawPayloadResult"`
		} `json:"result"`
	} `json:"activity"`
}

func (t *TurnkeyBackend) Sign(ctx context.Context, relayerID string, payload []byte) (Signature, error) {
	walletID, ok := t.walletIDs[relayerID]
	if !ok {
		return nil, fmt.Errorf("turnkey signer: no wallet configured for relayer %s", relayerID)
	}

	var req turnkeySignRequest
	req.Type = "ACTIVITY_TYPE_SIGN_RAW_PAYLOAD"
	req.OrganizationID = t.orgID
	req.Parameters.SignWith = walletID
	req.Parameters.Payload = hex.EncodeToString(payload)
	req.Parameters.Encoding = "PAYLOAD_ENCODING_HEXADECIMAL"
	req.Parameters.HashFunc = "HASH_FUNCTION_NO_OP" // payload is already a digest
	req.TimestampMS = fmt.Sprintf("%d", time.Now().UnixMilli())

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	stamp := t.stamp(body)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/public/v1/submit/sign_raw_payload", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Stamp", stamp)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("turnkey signer: unexpected status %d", resp.StatusCode)
	}

	var tr turnkeySignResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("turnkey signer: decode response: %w", err)
	}
	r := tr.Activity.Result.SignRawPayloadResult
	return hexJoinRSV(r.R, r.S, r.V)
}

// stamp produces Turnkey's request-stamping header: an HMAC-SHA256 over
// the JSON body keyed by the API private key, identified by the public
// key id so Turnkey can look up the matching credential.
func (t *TurnkeyBackend) stamp(body []byte) string {
	mac := hmac.New(sha256.New, t.apiPrivate)
	mac.Write(body)
	sum := mac.Sum(nil)
	stamped := map[string]string{
		"publicKey": t.apiPublicID,
		"signature": hex.EncodeToString(sum),
		"scheme":    "SIGNATURE_SCHEME_TK_API_HMAC",
	}
	out, _ := json.Marshal(stamped)
	return string(out)
}

func hexJoinRSV(rHex, sHex, vHex string) (Signature, error) {
	r, err := hex.DecodeString(rHex)
	if err != nil {
		return nil, fmt.Errorf("turnkey signer: malformed r: %w", err)
	}
	s, err := hex.DecodeString(sHex)
	if err != nil {
		return nil, fmt.Errorf("turnkey signer: malformed s: %w", err)
	}
	v, err := hex.DecodeString(vHex)
	if err != nil || len(v) == 0 {
		v = []byte{0}
	}
	sig := make([]byte, 65)
	copy(sig[:32], leftPad32(r))
	copy(sig[32:64], leftPad32(s))
	sig[64] = v[len(v)-1]
	return sig, nil
}
