package utils

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

var hexPattern = regexp.MustCompile("^[0-9a-fA-F]+$")

// ValidateAmount checks if an amount string is a valid decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ValidatePositive checks that a named amount is greater than zero.
func ValidatePositive(name string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%s must be greater than 0, got %s", name, amount)
	}
	return nil
}

// ValidateBytes32 checks a 0x prefixed 32 byte hex string, the on-chain
// shape of payment ids.
func ValidateBytes32(value string) error {
	if len(value) != 66 || value[:2] != "0x" {
		return fmt.Errorf("%q is not a 0x prefixed 32 byte value", value)
	}
	if !isHexString(value[2:]) {
		return fmt.Errorf("%q must be valid hex", value)
	}
	return nil
}

// Helper function to check if a string is valid hexadecimal
func isHexString(s string) bool {
	return hexPattern.MatchString(s)
}
