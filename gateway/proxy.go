package gateway

import (
	"context"

	"github.com/vitwit/hypernet/types"
)

// Proxy is the local end of a connection to a gateway's connector.
type Proxy interface {
	GatewayURL() types.GatewayURL

	// GetValidatedSignature returns the gateway's signature over the
	// connector code it is serving.
	GetValidatedSignature(ctx context.Context) (types.Signature, error)
	GetAddress(ctx context.Context) (types.EthereumAddress, error)

	ActivateConnector(ctx context.Context, publicIdentifier types.PublicIdentifier, balances *types.Balances) error
	ResolveChallenge(ctx context.Context, paymentID types.PaymentID, transferID types.TransferID) (*types.ChallengeResolution, error)
	NotifyPayment(ctx context.Context, event string, payment *types.Payment) error
	NotifyBalances(ctx context.Context, balances *types.Balances) error
	Deauthorize(ctx context.Context) error

	// Destroy releases the connection. It is safe to call more than once.
	Destroy()
}

// ProxyFactory opens proxies to gateways.
type ProxyFactory interface {
	Create(ctx context.Context, gatewayURL types.GatewayURL) (Proxy, error)
}

// ProxyFactoryFunc adapts a function to ProxyFactory.
type ProxyFactoryFunc func(ctx context.Context, gatewayURL types.GatewayURL) (Proxy, error)

func (f ProxyFactoryFunc) Create(ctx context.Context, gatewayURL types.GatewayURL) (Proxy, error) {
	return f(ctx, gatewayURL)
}
