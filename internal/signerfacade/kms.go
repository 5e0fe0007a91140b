package signerfacade

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// AwsKmsBackend signs with an asymmetric ECC_SECG_P256K1 KMS key per
// relayer; the EVM address is derived from the key's DER public key on
// first use and cached, since KMS never exposes the private key for local
// derivation.
type AwsKmsBackend struct {
	client  *kms.Client
	keyIDs  map[string]string // relayerID -> KMS key id/arn

	mu        sync.Mutex
	addrCache map[string]ChainAddress
}

func NewAwsKmsBackend(client *kms.Client, keyIDs map[string]string) *AwsKmsBackend {
	return &AwsKmsBackend{
		client:    client,
		keyIDs:    keyIDs,
		addrCache: make(map[string]ChainAddress),
	}
}

func (b *AwsKmsBackend) Address(ctx context.Context, relayerID string) (ChainAddress, error) {
	b.mu.Lock()
	if addr, ok := b.addrCache[relayerID]; ok {
		b.mu.Unlock()
		return addr, nil
	}
	b.mu.Unlock()

	keyID, ok := b.keyIDs[relayerID]
	if !ok {
		return "", fmt.Errorf("aws kms signer: no key configured for relayer %s", relayerID)
	}

	out, err := b.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return "", fmt.Errorf("aws kms signer: get public key: %w", err)
	}

	pub, err := derToECDSAPublicKey(out.PublicKey)
	if err != nil {
		return "", fmt.Errorf("aws kms signer: decode public key: %w", err)
	}
	addr := ChainAddress(crypto.PubkeyToAddress(*pub).Hex())

	b.mu.Lock()
	b.addrCache[relayerID] = addr
	b.mu.Unlock()
	return addr, nil
}

// Sign asks KMS for a DER ECDSA signature over payload (expected to
// already be a 32-byte digest, per KMS's MessageTypeDigest contract) and
// normalizes it to go-ethereum's 65-byte [R || S || V] form.
func (b *AwsKmsBackend) Sign(ctx context.Context, relayerID string, payload []byte) (Signature, error) {
	keyID, ok := b.keyIDs[relayerID]
	if !ok {
		return nil, fmt.Errorf("aws kms signer: no key configured for relayer %s", relayerID)
	}

	out, err := b.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(keyID),
		Message:          payload,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms signer: sign: %w", err)
	}

	pubAddr, err := b.Address(ctx, relayerID)
	if err != nil {
		return nil, err
	}
	return derToEthereumSignature(out.Signature, payload, pubAddr)
}

func derToECDSAPublicKey(der []byte) (*ecdsa.PublicKey, error) {
	// KMS returns a SubjectPublicKeyInfo DER blob; the inner key is an
	// uncompressed secp256k1 point prefixed by a fixed ASN.1 header for
	// this curve/algorithm combination that we strip here rather than
	// pulling in a full x509 decoder for one field.
	const pointLen = 65 // 0x04 || X(32) || Y(32)
	if len(der) < pointLen {
		return nil, fmt.Errorf("unexpected KMS public key length %d", len(der))
	}
	point := der[len(der)-pointLen:]
	x, y := elliptic.Unmarshal(crypto.S256(), point)
	if x == nil {
		return nil, fmt.Errorf("invalid secp256k1 point in KMS public key")
	}
	return &ecdsa.PublicKey{Curve: crypto.S256(), X: x, Y: y}, nil
}

// derToEthereumSignature brute-forces the recovery id (0 or 1) by
// recovering a public key from each candidate and comparing against the
// known address — KMS does not return a recovery id directly.
func derToEthereumSignature(der, digest []byte, want ChainAddress) (Signature, error) {
	r, s, err := unmarshalDERSignature(der)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 65)
	copy(sig[:32], leftPad32(r))
	copy(sig[32:64], leftPad32(s))

	for v := byte(0); v < 2; v++ {
		sig[64] = v
		pub, err := crypto.SigToPub(digest, sig)
		if err != nil {
			continue
		}
		if ChainAddress(crypto.PubkeyToAddress(*pub).Hex()) == want {
			return sig, nil
		}
	}
	return nil, fmt.Errorf("aws kms signer: could not recover matching signature for %s", want)
}

func leftPad32(b []byte) []byte {
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

type ecdsaSignature struct {
	R, S *big.Int
}

// unmarshalDERSignature decodes the ASN.1 SEQUENCE{INTEGER r, INTEGER s}
// that KMS returns for ECDSA signatures.
func unmarshalDERSignature(der []byte) (r, s []byte, err error) {
	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, nil, fmt.Errorf("decode DER signature: %w", err)
	}
	return sig.R.Bytes(), sig.S.Bytes(), nil
}
