package types

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// TransferKind is the semantic type of a channel transfer.
type TransferKind int

const (
	TransferKindUnknown TransferKind = iota
	TransferKindOffer
	TransferKindPullRecord
	TransferKindInsurance
	TransferKindParameterized
)

func (k TransferKind) String() string {
	switch k {
	case TransferKindOffer:
		return "offer"
	case TransferKindPullRecord:
		return "pull_record"
	case TransferKindInsurance:
		return "insurance"
	case TransferKindParameterized:
		return "parameterized"
	default:
		return "unknown"
	}
}

// TransferDefinitions are the deployed transfer definition contracts the
// classifier recognizes.
type TransferDefinitions struct {
	Message       EthereumAddress `yaml:"message" json:"message" validate:"required,eth_addr"`
	Insurance     EthereumAddress `yaml:"insurance" json:"insurance" validate:"required,eth_addr"`
	Parameterized EthereumAddress `yaml:"parameterized" json:"parameterized" validate:"required,eth_addr"`
}

// Kind maps a definition address to a transfer kind. Message transfers are
// refined further by their payload.
func (d TransferDefinitions) Kind(definition EthereumAddress) TransferKind {
	switch {
	case definition.Equal(d.Insurance):
		return TransferKindInsurance
	case definition.Equal(d.Parameterized):
		return TransferKindParameterized
	case definition.Equal(d.Message):
		return TransferKindOffer
	default:
		return TransferKindUnknown
	}
}

// TransferBalance is the locked balance of a transfer; index 0 belongs to
// the initiator, index 1 to the responder.
type TransferBalance struct {
	Amount [2]decimal.Decimal   `json:"amount"`
	To     [2]PublicIdentifier `json:"to"`
}

// Transfer is a conditional transfer as reported by the channel client.
type Transfer struct {
	TransferID     TransferID       `json:"transferId"`
	ChannelAddress string           `json:"channelAddress"`
	Definition     EthereumAddress  `json:"transferDefinition"`
	Initiator      PublicIdentifier `json:"initiator"`
	Responder      PublicIdentifier `json:"responder"`
	AssetID        EthereumAddress  `json:"assetId"`
	Balance        TransferBalance  `json:"balance"`
	State          json.RawMessage  `json:"transferState"`
	Resolver       json.RawMessage  `json:"transferResolver,omitempty"`
	Meta           map[string]any   `json:"meta,omitempty"`
	CreatedAt      UnixTimestamp    `json:"createdAt"`
}

// IsResolved reports whether the transfer carries a resolver.
func (t *Transfer) IsResolved() bool {
	return len(t.Resolver) > 0 && string(t.Resolver) != "null"
}

// MessageType discriminates the JSON messages carried by message transfers.
type MessageType string

const (
	MessageTypeOffer      MessageType = "OFFER"
	MessageTypePullRecord MessageType = "PULLPAYMENT"
)

// MessageState is the transfer state of a message transfer.
type MessageState struct {
	Message string `json:"message"`
}

// MessageResolver resolves a message transfer; it carries nothing.
type MessageResolver struct{}

// Rate is a pull payment release schedule: DeltaAmount every DeltaTime seconds.
type Rate struct {
	DeltaAmount decimal.Decimal `json:"deltaAmount"`
	DeltaTime   int64           `json:"deltaTime"`
}

// OfferDetails are the payment terms embedded in an offer transfer.
// A non-nil Rate marks a pull payment, in which case PaymentAmount is the
// total authorized amount.
type OfferDetails struct {
	MessageType    MessageType      `json:"messageType"`
	PaymentID      PaymentID        `json:"paymentId"`
	CreationDate   UnixTimestamp    `json:"creationDate"`
	To             PublicIdentifier `json:"to"`
	From           PublicIdentifier `json:"from"`
	RequiredStake  decimal.Decimal  `json:"requiredStake"`
	PaymentAmount  decimal.Decimal  `json:"paymentAmount"`
	ExpirationDate UnixTimestamp    `json:"expirationDate"`
	PaymentToken   EthereumAddress  `json:"paymentToken"`
	GatewayURL     GatewayURL       `json:"gatewayUrl"`
	Metadata       string           `json:"metadata,omitempty"`
	Rate           *Rate            `json:"rate,omitempty"`
}

// PullRecordDetails records one draw against a pull payment.
type PullRecordDetails struct {
	MessageType       MessageType      `json:"messageType"`
	PaymentID         PaymentID        `json:"paymentId"`
	To                PublicIdentifier `json:"to"`
	From              PublicIdentifier `json:"from"`
	PullPaymentAmount decimal.Decimal  `json:"pullPaymentAmount"`
}

// InsuranceState is the transfer state of an insurance (stake) transfer.
type InsuranceState struct {
	Receiver   PublicIdentifier `json:"receiver"`
	Mediator   EthereumAddress  `json:"mediator"`
	Collateral decimal.Decimal  `json:"collateral"`
	Expiration UnixTimestamp    `json:"expiration"`
	UUID       PaymentID        `json:"UUID"`
}

type InsuranceResolverData struct {
	Amount decimal.Decimal `json:"amount"`
	UUID   PaymentID       `json:"UUID"`
}

// InsuranceResolver pays Amount of the collateral to the payment sender.
// A zero amount returns the whole stake.
type InsuranceResolver struct {
	Data      InsuranceResolverData `json:"data"`
	Signature *Signature            `json:"signature,omitempty"`
}

// ParameterizedState is the transfer state of the value transfer.
type ParameterizedState struct {
	Receiver   PublicIdentifier `json:"receiver"`
	Start      UnixTimestamp    `json:"start"`
	Expiration UnixTimestamp    `json:"expiration"`
	UUID       PaymentID        `json:"UUID"`
	Rate       Rate             `json:"rate"`
}

type ParameterizedResolverData struct {
	UUID               PaymentID       `json:"UUID"`
	PaymentAmountTaken decimal.Decimal `json:"paymentAmountTaken"`
}

type ParameterizedResolver struct {
	Data           ParameterizedResolverData `json:"data"`
	PayeeSignature Signature                 `json:"payeeSignature"`
}

// ConditionalTransferRequest asks the channel client to create a transfer.
type ConditionalTransferRequest struct {
	ChannelAddress string           `json:"channelAddress"`
	Amount         decimal.Decimal  `json:"amount"`
	AssetID        EthereumAddress  `json:"assetId"`
	Definition     EthereumAddress  `json:"transferDefinition"`
	Details        any              `json:"details"`
	Recipient      PublicIdentifier `json:"recipient"`
	Meta           map[string]any   `json:"meta,omitempty"`
}

// TransferResponse identifies a created or resolved transfer.
type TransferResponse struct {
	TransferID     TransferID `json:"transferId"`
	ChannelAddress string     `json:"channelAddress"`
}

// TransferEventType tells created and resolved transfer events apart.
type TransferEventType string

const (
	TransferCreated  TransferEventType = "created"
	TransferResolved TransferEventType = "resolved"
)

// TransferEvent is emitted by the channel client as transfers change.
type TransferEvent struct {
	Type     TransferEventType `json:"type"`
	Transfer *Transfer         `json:"transfer"`
}

// ChannelAsset is the local participant's free balance of one asset.
type ChannelAsset struct {
	AssetID EthereumAddress `json:"assetId"`
	Amount  decimal.Decimal `json:"amount"`
}

// ChannelState is the local participant's view of the channel.
type ChannelState struct {
	ChannelAddress string         `json:"channelAddress"`
	Assets         []ChannelAsset `json:"assets"`
}
