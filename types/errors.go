package types

import (
	"errors"
	"fmt"
)

// ErrorCode names a kind of failure. Callers match on kinds with errors.Is
// against the sentinels below.
type ErrorCode string

const (
	// creation
	CodePaymentCreation  ErrorCode = "PAYMENT_CREATION"
	CodeTransferCreation ErrorCode = "TRANSFER_CREATION"

	// validation
	CodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	CodeInvalidPayment    ErrorCode = "INVALID_PAYMENT"

	// balances
	CodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	CodeBalancesUnavailable ErrorCode = "BALANCES_UNAVAILABLE"

	// resolution
	CodePaymentFinalize    ErrorCode = "PAYMENT_FINALIZE"
	CodePaymentStake       ErrorCode = "PAYMENT_STAKE"
	CodeTransferResolution ErrorCode = "TRANSFER_RESOLUTION"
	CodeAcceptPayment      ErrorCode = "ACCEPT_PAYMENT"

	// gateway protocol
	CodeGatewayActivation          ErrorCode = "GATEWAY_ACTIVATION"
	CodeGatewayValidation          ErrorCode = "GATEWAY_VALIDATION"
	CodeGatewayAuthorizationDenied ErrorCode = "GATEWAY_AUTHORIZATION_DENIED"
	CodeProxy                      ErrorCode = "PROXY"
	CodeGatewayConnector           ErrorCode = "GATEWAY_CONNECTOR"

	// the channel client could not be read
	CodeChannel ErrorCode = "CHANNEL"

	CodeLogical     ErrorCode = "LOGICAL"
	CodePersistence ErrorCode = "PERSISTENCE"
	CodeConfig      ErrorCode = "CONFIG"
)

// HypernetError is the error type returned across package boundaries.
type HypernetError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Cause   error       `json:"-"`
}

// NewError builds a HypernetError wrapping cause, which may be nil.
func NewError(code ErrorCode, message string, cause error) *HypernetError {
	return &HypernetError{Code: code, Message: message, Cause: cause}
}

func (e *HypernetError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *HypernetError) Unwrap() error {
	return e.Cause
}

// Is matches any HypernetError with the same code.
func (e *HypernetError) Is(target error) bool {
	t, ok := target.(*HypernetError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrPaymentCreation            = &HypernetError{Code: CodePaymentCreation, Message: "payment creation failed"}
	ErrTransferCreation           = &HypernetError{Code: CodeTransferCreation, Message: "transfer creation failed"}
	ErrInvalidParameters          = &HypernetError{Code: CodeInvalidParameters, Message: "invalid parameters"}
	ErrInvalidPayment             = &HypernetError{Code: CodeInvalidPayment, Message: "invalid payment"}
	ErrInsufficientBalance        = &HypernetError{Code: CodeInsufficientBalance, Message: "insufficient balance"}
	ErrBalancesUnavailable        = &HypernetError{Code: CodeBalancesUnavailable, Message: "balances unavailable"}
	ErrPaymentFinalize            = &HypernetError{Code: CodePaymentFinalize, Message: "payment finalize failed"}
	ErrPaymentStake               = &HypernetError{Code: CodePaymentStake, Message: "payment stake failed"}
	ErrTransferResolution         = &HypernetError{Code: CodeTransferResolution, Message: "transfer resolution failed"}
	ErrAcceptPayment              = &HypernetError{Code: CodeAcceptPayment, Message: "accept payment failed"}
	ErrGatewayActivation          = &HypernetError{Code: CodeGatewayActivation, Message: "gateway activation failed"}
	ErrGatewayValidation          = &HypernetError{Code: CodeGatewayValidation, Message: "gateway validation failed"}
	ErrGatewayAuthorizationDenied = &HypernetError{Code: CodeGatewayAuthorizationDenied, Message: "gateway authorization denied"}
	ErrProxy                      = &HypernetError{Code: CodeProxy, Message: "gateway proxy failure"}
	ErrGatewayConnector           = &HypernetError{Code: CodeGatewayConnector, Message: "gateway connector error"}
	ErrChannel                    = &HypernetError{Code: CodeChannel, Message: "channel unavailable"}
	ErrLogical                    = &HypernetError{Code: CodeLogical, Message: "logical error"}
	ErrPersistence                = &HypernetError{Code: CodePersistence, Message: "persistence error"}
	ErrConfig                     = &HypernetError{Code: CodeConfig, Message: "invalid configuration"}
)

// Retryable reports whether the first HypernetError in err's chain is a
// transient gateway transport failure.
func Retryable(err error) bool {
	var he *HypernetError
	return errors.As(err, &he) && he.Code == CodeProxy
}
