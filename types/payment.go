package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentType discriminates the Payment variants.
type PaymentType string

const (
	PaymentTypePush PaymentType = "push"
	PaymentTypePull PaymentType = "pull"
)

// PaymentState is derived from the transfers of a payment; it is never stored.
type PaymentState string

const (
	// PaymentStateProposed: only the offer transfer exists.
	PaymentStateProposed PaymentState = "Proposed"
	// PaymentStateStaked: the recipient posted the insurance transfer.
	PaymentStateStaked PaymentState = "Staked"
	// PaymentStateApproved: the sender posted the parameterized transfer.
	PaymentStateApproved PaymentState = "Approved"
	// PaymentStateAccepted: the recipient resolved the parameterized transfer.
	PaymentStateAccepted PaymentState = "Accepted"
	// PaymentStateDisputed: the insurance was resolved through the mediator.
	PaymentStateDisputed PaymentState = "Disputed"
	// PaymentStateFinalized: payment taken and stake returned.
	PaymentStateFinalized PaymentState = "Finalized"
	// PaymentStateCanceled: withdrawn before any funds moved.
	PaymentStateCanceled PaymentState = "Canceled"
)

// PaymentDetails records which transfers make up a payment.
type PaymentDetails struct {
	OfferTransferID         TransferID   `json:"offerTransferId"`
	InsuranceTransferID     TransferID   `json:"insuranceTransferId,omitempty"`
	ParameterizedTransferID TransferID   `json:"parameterizedTransferId,omitempty"`
	PullRecordTransferIDs   []TransferID `json:"pullRecordTransferIds,omitempty"`
}

// PushDetails holds the push variant of a payment.
type PushDetails struct {
	PaymentAmount     decimal.Decimal `json:"paymentAmount"`
	AmountTransferred decimal.Decimal `json:"amountTransferred"`
}

// PullRecord is a single draw against a pull payment.
type PullRecord struct {
	TransferID TransferID      `json:"transferId"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  UnixTimestamp   `json:"createdAt"`
}

// PullDetails holds the pull variant of a payment.
type PullDetails struct {
	AuthorizedAmount  decimal.Decimal `json:"authorizedAmount"`
	AmountTransferred decimal.Decimal `json:"amountTransferred"`
	VestedAmount      decimal.Decimal `json:"vestedAmount"`
	DeltaAmount       decimal.Decimal `json:"deltaAmount"`
	DeltaTime         int64           `json:"deltaTime"`
	Ledger            []PullRecord    `json:"ledger"`
}

// Payment is assembled from the transfers that carry its id. Exactly one
// of Push or Pull is set, matching Type.
type Payment struct {
	ID                  PaymentID        `json:"id"`
	Type                PaymentType      `json:"type"`
	To                  PublicIdentifier `json:"to"`
	From                PublicIdentifier `json:"from"`
	State               PaymentState     `json:"state"`
	PaymentToken        EthereumAddress  `json:"paymentToken"`
	RequiredStake       decimal.Decimal  `json:"requiredStake"`
	AmountStaked        decimal.Decimal  `json:"amountStaked"`
	ExpirationDate      UnixTimestamp    `json:"expirationDate"`
	CreatedTimestamp    UnixTimestamp    `json:"createdTimestamp"`
	UpdatedTimestamp    UnixTimestamp    `json:"updatedTimestamp"`
	CollateralRecovered decimal.Decimal  `json:"collateralRecovered"`
	GatewayURL          GatewayURL       `json:"gatewayUrl"`
	Metadata            string           `json:"metadata,omitempty"`
	Details             PaymentDetails   `json:"details"`

	Push *PushDetails `json:"push,omitempty"`
	Pull *PullDetails `json:"pull,omitempty"`
}

// CheckShape reports a LogicalError if the variant fields do not match Type.
func (p *Payment) CheckShape() error {
	switch p.Type {
	case PaymentTypePush:
		if p.Push == nil || p.Pull != nil {
			return NewError(CodeLogical, fmt.Sprintf("payment %s is push but carries pull details", p.ID), nil)
		}
	case PaymentTypePull:
		if p.Pull == nil || p.Push != nil {
			return NewError(CodeLogical, fmt.Sprintf("payment %s is pull but carries push details", p.ID), nil)
		}
	default:
		return NewError(CodeLogical, fmt.Sprintf("payment %s is neither push nor pull", p.ID), nil)
	}
	return nil
}

// AmountTransferred returns what has moved to the recipient so far.
func (p *Payment) AmountTransferred() (decimal.Decimal, error) {
	if err := p.CheckShape(); err != nil {
		return decimal.Zero, err
	}
	switch p.Type {
	case PaymentTypePush:
		return p.Push.AmountTransferred, nil
	default:
		return p.Pull.AmountTransferred, nil
	}
}

// FullyStaked reports whether the insurance covers the required stake exactly.
func (p *Payment) FullyStaked() bool {
	return p.AmountStaked.Equal(p.RequiredStake)
}

// PushPaymentRequest describes a new push payment.
type PushPaymentRequest struct {
	CounterPartyAccount PublicIdentifier `json:"counterPartyAccount" validate:"required"`
	Amount              decimal.Decimal  `json:"amount"`
	ExpirationDate      UnixTimestamp    `json:"expirationDate" validate:"required,gt=0"`
	RequiredStake       decimal.Decimal  `json:"requiredStake"`
	PaymentToken        EthereumAddress  `json:"paymentToken" validate:"required,eth_addr"`
	GatewayURL          GatewayURL       `json:"gatewayUrl" validate:"required,url"`
	Metadata            string           `json:"metadata,omitempty"`
}

// Validate checks the amounts the struct tags cannot express.
func (r *PushPaymentRequest) Validate() error {
	if !r.Amount.IsPositive() {
		return fmt.Errorf("amount must be greater than 0")
	}
	if r.RequiredStake.IsNegative() {
		return fmt.Errorf("requiredStake cannot be negative")
	}
	return nil
}

// PullPaymentRequest describes a new pull payment authorization.
type PullPaymentRequest struct {
	CounterPartyAccount PublicIdentifier `json:"counterPartyAccount" validate:"required"`
	MaximumAmount       decimal.Decimal  `json:"maximumAmount"`
	DeltaAmount         decimal.Decimal  `json:"deltaAmount"`
	DeltaTime           int64            `json:"deltaTime" validate:"gt=0"`
	ExpirationDate      UnixTimestamp    `json:"expirationDate" validate:"required,gt=0"`
	RequiredStake       decimal.Decimal  `json:"requiredStake"`
	PaymentToken        EthereumAddress  `json:"paymentToken" validate:"required,eth_addr"`
	GatewayURL          GatewayURL       `json:"gatewayUrl" validate:"required,url"`
	Metadata            string           `json:"metadata,omitempty"`
}

// Validate checks the amounts the struct tags cannot express.
func (r *PullPaymentRequest) Validate() error {
	if !r.MaximumAmount.IsPositive() {
		return fmt.Errorf("maximumAmount must be greater than 0")
	}
	if !r.DeltaAmount.IsPositive() {
		return fmt.Errorf("deltaAmount must be greater than 0")
	}
	if r.DeltaAmount.GreaterThan(r.MaximumAmount) {
		return fmt.Errorf("deltaAmount cannot exceed maximumAmount")
	}
	if r.RequiredStake.IsNegative() {
		return fmt.Errorf("requiredStake cannot be negative")
	}
	return nil
}

// PaymentResult is the per-item outcome of a batch operation.
type PaymentResult struct {
	PaymentID PaymentID `json:"paymentId"`
	Payment   *Payment  `json:"payment,omitempty"`
	Err       error     `json:"-"`
}
