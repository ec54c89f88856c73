package eip712

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vitwit/hypernet/types"
)

// Domain and type names of the gateway authorization. Signatures produced
// elsewhere only verify if these match exactly.
const (
	DomainName            = "Hypernet Protocol"
	DomainVersion         = "1"
	AuthorizedGatewayType = "AuthorizedGateway"
)

// AuthorizedGatewayTypes has no chainId and no verifyingContract.
var AuthorizedGatewayTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
	},
	AuthorizedGatewayType: {
		{Name: "authorizedGatewayUrl", Type: "string"},
		{Name: "gatewayValidatedSignature", Type: "string"},
	},
}

// AuthorizedGateway builds the typed data binding a gateway URL to the
// gateway's validated code signature.
func AuthorizedGateway(gatewayURL types.GatewayURL, validatedSignature types.Signature) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       AuthorizedGatewayTypes,
		PrimaryType: AuthorizedGatewayType,
		Domain: apitypes.TypedDataDomain{
			Name:    DomainName,
			Version: DomainVersion,
		},
		Message: apitypes.TypedDataMessage{
			"authorizedGatewayUrl":      string(gatewayURL),
			"gatewayValidatedSignature": string(validatedSignature),
		},
	}
}

// TypedDataHash returns the final EIP-712 digest to be signed/recovered:
//
//	keccak256("\x19\x01", domainSeparator, structHash)
func TypedDataHash(typedData apitypes.TypedData) (common.Hash, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}

	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash typed data: %w", err)
	}

	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256Hash(raw), nil
}

// RecoverSigner recovers the Ethereum address that signed the given digest.
// sig must be 65 bytes (R||S||V). V may be 0/1 or 27/28 and is normalized.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("signature must be 65 bytes")
	}

	// copy to avoid mutating caller slice
	s := make([]byte, 65)
	copy(s, sig)

	// crypto.SigToPub wants 0/1
	if s[64] >= 27 {
		s[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("sig to pub failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// RecoverTypedDataSigner hashes typedData and recovers who signed it.
func RecoverTypedDataSigner(typedData apitypes.TypedData, sig []byte) (common.Address, error) {
	digest, err := TypedDataHash(typedData)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverSigner(digest, sig)
}
