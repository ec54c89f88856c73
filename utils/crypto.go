package utils

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/vitwit/hypernet/types"
)

// NewPaymentID returns a fresh bytes32 payment id. The id is what
// insurance and parameterized transfers carry in their UUID field.
func NewPaymentID() types.PaymentID {
	id := uuid.New()
	return types.PaymentID(common.BytesToHash(id[:]).Hex())
}

// PrivateKeyFromHex creates a private key from hex string
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	// Remove 0x prefix if present
	hexKey = strings.TrimPrefix(hexKey, "0x")

	return crypto.HexToECDSA(hexKey)
}

// AddressFromPrivateKey derives the Ethereum address from a private key
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// SignHash signs a hash with the given private key. V is returned as 27/28.
func SignHash(hash []byte, privateKey *ecdsa.PrivateKey) (types.Signature, error) {
	signature, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign hash: %w", err)
	}
	signature[64] += 27

	return types.Signature(hexutil.Encode(signature)), nil
}

// DecodeSignature decodes a 0x hex signature into its 65 raw bytes.
func DecodeSignature(signature types.Signature) ([]byte, error) {
	sigBytes, err := hexutil.Decode(string(signature))
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}

	// Ensure signature is the correct length
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}
	return sigBytes, nil
}

// NormalizeAddress ensures an address is properly checksummed
func NormalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return ""
	}
	return common.HexToAddress(address).Hex()
}
