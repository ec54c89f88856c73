package utils

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/hypernet/utils/eip712"
)

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		amount  string
		wantErr bool
	}{
		{"0", false},
		{"1.5", false},
		{"1000000000000000000000", false},
		{"", true},
		{"ten", true},
		{"-1", true},
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ValidateAmount(tt.amount)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.amount)))
		})
	}
}

func TestValidatePositive(t *testing.T) {
	assert.NoError(t, ValidatePositive("amount", decimal.NewFromInt(1)))
	assert.ErrorContains(t, ValidatePositive("amount", decimal.Zero), "amount must be greater than 0")
	assert.Error(t, ValidatePositive("stake", decimal.NewFromInt(-3)))
}

func TestValidateBytes32(t *testing.T) {
	valid := "0x" + strings.Repeat("ab", 32)
	assert.NoError(t, ValidateBytes32(valid))
	assert.NoError(t, ValidateBytes32(string(NewPaymentID())))

	for _, bad := range []string{
		"",
		strings.Repeat("ab", 33),
		"0x" + strings.Repeat("ab", 31),
		"0x" + strings.Repeat("zz", 32),
	} {
		assert.Error(t, ValidateBytes32(bad), bad)
	}
}

func TestNewPaymentIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := string(NewPaymentID())
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestSignHashRecovers(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	digest := crypto.Keccak256Hash([]byte("hypernet"))

	sig, err := SignHash(digest.Bytes(), key)
	require.NoError(t, err)

	raw, err := DecodeSignature(sig)
	require.NoError(t, err)
	assert.Contains(t, []byte{27, 28}, raw[64])

	signer, err := eip712.RecoverSigner(digest, raw)
	require.NoError(t, err)
	assert.Equal(t, AddressFromPrivateKey(key), signer)
}

func TestDecodeSignatureRejectsMalformed(t *testing.T) {
	_, err := DecodeSignature("not hex")
	assert.Error(t, err)
	_, err = DecodeSignature("0x1234")
	assert.ErrorContains(t, err, "65 bytes")
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", NormalizeAddress("0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"))
	assert.Empty(t, NormalizeAddress("0x1234"))
}
