package types

import "github.com/shopspring/decimal"

// GatewayRegistrationInfo identifies a gateway the user wants to authorize.
type GatewayRegistrationInfo struct {
	URL       GatewayURL      `json:"url" validate:"required,url"`
	Address   EthereumAddress `json:"address" validate:"required,eth_addr"`
	Signature Signature       `json:"signature,omitempty"`
}

// AuthorizedGateway is the persisted form of a user's authorization.
type AuthorizedGateway struct {
	GatewayURL             GatewayURL `json:"gatewayUrl"`
	AuthorizationSignature Signature  `json:"authorizationSignature"`
}

// ChallengeResolution is the mediator's answer to a dispute.
type ChallengeResolution struct {
	MediatorSignature Signature       `json:"mediatorSignature"`
	Amount            decimal.Decimal `json:"amount"`
}
