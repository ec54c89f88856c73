package types

import (
	"strings"
	"time"
)

// PaymentID identifies a payment. It is embedded in every transfer that
// belongs to the payment and never changes once created.
type PaymentID string

// TransferID identifies a single conditional transfer on the channel.
type TransferID string

// PublicIdentifier is a channel participant's public identifier.
type PublicIdentifier string

// EthereumAddress is a 0x prefixed hex address (tokens, definitions, gateways).
type EthereumAddress string

// GatewayURL identifies a gateway (dispute mediator) by its base URL.
type GatewayURL string

// Signature is a 0x prefixed hex encoded 65 byte signature.
type Signature string

// UnixTimestamp is a unix time in seconds.
type UnixTimestamp int64

func (id PaymentID) String() string        { return string(id) }
func (id TransferID) String() string       { return string(id) }
func (p PublicIdentifier) String() string  { return string(p) }
func (a EthereumAddress) String() string   { return string(a) }
func (u GatewayURL) String() string        { return string(u) }
func (s Signature) String() string         { return string(s) }
func (t UnixTimestamp) Time() time.Time    { return time.Unix(int64(t), 0) }
func (t UnixTimestamp) Add(d time.Duration) UnixTimestamp {
	return t + UnixTimestamp(d/time.Second)
}

// Equal compares two addresses ignoring checksum casing.
func (a EthereumAddress) Equal(other EthereumAddress) bool {
	return strings.EqualFold(string(a), string(other))
}

// UnixTimestampFrom converts a time to whole seconds.
func UnixTimestampFrom(t time.Time) UnixTimestamp {
	return UnixTimestamp(t.Unix())
}

// ExtraData contains additional implementation specific data
type ExtraData map[string]interface{}
