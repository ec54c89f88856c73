package utils

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/hypernet/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidateStruct runs the struct tag validations and reports failures as
// InvalidParametersError.
func ValidateStruct(v any) error {
	if err := validate.Struct(v); err != nil {
		return types.NewError(types.CodeInvalidParameters, fmt.Sprintf("validation failed: %v", err), nil)
	}
	return nil
}

// ParseConfig parses and validates a Config from JSON, applying defaults to
// fields the document leaves out.
func ParseConfig(data []byte) (*types.Config, error) {
	config, err := DecodeConfig(data, json.Unmarshal)
	if err != nil {
		return nil, err
	}

	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// DecodeConfig decodes data over the default configuration with unmarshal.
// The result is not validated.
func DecodeConfig(data []byte, unmarshal func([]byte, any) error) (*types.Config, error) {
	config := types.DefaultConfig()

	if err := unmarshal(data, config); err != nil {
		return nil, types.NewError(types.CodeConfig, fmt.Sprintf("failed to parse config: %v", err), nil)
	}
	return config, nil
}

// ValidateConfig validates a Config using struct tags.
func ValidateConfig(config *types.Config) error {
	if err := validate.Struct(config); err != nil {
		return types.NewError(types.CodeConfig, fmt.Sprintf("validation failed: %v", err), nil)
	}
	return nil
}

// ParseOfferDetails decodes the message of an offer transfer.
func ParseOfferDetails(message string) (*types.OfferDetails, error) {
	var offer types.OfferDetails
	if err := json.Unmarshal([]byte(message), &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.MessageType != types.MessageTypeOffer {
		return nil, fmt.Errorf("message type %q is not an offer", offer.MessageType)
	}
	if offer.PaymentID == "" {
		return nil, fmt.Errorf("offer carries no paymentId")
	}
	return &offer, nil
}

// ParsePullRecordDetails decodes the message of a pull record transfer.
func ParsePullRecordDetails(message string) (*types.PullRecordDetails, error) {
	var record types.PullRecordDetails
	if err := json.Unmarshal([]byte(message), &record); err != nil {
		return nil, fmt.Errorf("failed to parse pull record: %w", err)
	}
	if record.MessageType != types.MessageTypePullRecord {
		return nil, fmt.Errorf("message type %q is not a pull record", record.MessageType)
	}
	if record.PaymentID == "" {
		return nil, fmt.Errorf("pull record carries no paymentId")
	}
	return &record, nil
}
