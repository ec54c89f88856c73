package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vitwit/hypernet/types"
	"github.com/vitwit/hypernet/utils"
	"github.com/vitwit/hypernet/utils/eip712"
)

// ErrUserDeclined is returned by interactive signers when the user refuses
// a signature request.
var ErrUserDeclined = errors.New("user declined to sign")

// Signer produces and verifies the local identity's signatures.
type Signer interface {
	Address() common.Address
	SignTypedData(ctx context.Context, typedData apitypes.TypedData) (types.Signature, error)
	VerifyTypedData(typedData apitypes.TypedData, signature types.Signature) (common.Address, error)
	SignMessage(ctx context.Context, message []byte) (types.Signature, error)
}

// KeySigner signs with an in-process private key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := utils.PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signer key: %w", err)
	}
	return NewKeySignerFromKey(key), nil
}

func NewKeySignerFromKey(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: utils.AddressFromPrivateKey(key)}
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) SignTypedData(ctx context.Context, typedData apitypes.TypedData) (types.Signature, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	digest, err := eip712.TypedDataHash(typedData)
	if err != nil {
		return "", err
	}
	return utils.SignHash(digest.Bytes(), s.key)
}

func (s *KeySigner) VerifyTypedData(typedData apitypes.TypedData, signature types.Signature) (common.Address, error) {
	return VerifyTypedData(typedData, signature)
}

// SignMessage signs message with the personal_sign prefix.
func (s *KeySigner) SignMessage(ctx context.Context, message []byte) (types.Signature, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return utils.SignHash(accounts.TextHash(message), s.key)
}

// VerifyTypedData recovers the address that produced signature over typedData.
func VerifyTypedData(typedData apitypes.TypedData, signature types.Signature) (common.Address, error) {
	sig, err := utils.DecodeSignature(signature)
	if err != nil {
		return common.Address{}, err
	}
	return eip712.RecoverTypedDataSigner(typedData, sig)
}
