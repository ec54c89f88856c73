package clients

import (
	"context"

	"github.com/vitwit/hypernet/types"
)

// ChannelClient is the payment channel node the core drives. Every create
// and resolve call is a single atomic channel operation.
type ChannelClient interface {
	PublicIdentifier() types.PublicIdentifier
	ChannelAddress(ctx context.Context) (string, error)

	GetActiveTransfers(ctx context.Context, channelAddress string) ([]*types.Transfer, error)
	// GetTransfers returns active and resolved transfers created in [start, end].
	GetTransfers(ctx context.Context, start, end types.UnixTimestamp) ([]*types.Transfer, error)
	GetTransfer(ctx context.Context, transferID types.TransferID) (*types.Transfer, error)

	ConditionalTransfer(ctx context.Context, req *types.ConditionalTransferRequest) (*types.TransferResponse, error)
	ResolveTransfer(ctx context.Context, channelAddress string, transferID types.TransferID, resolver any) (*types.TransferResponse, error)

	GetChannelState(ctx context.Context, channelAddress string) (*types.ChannelState, error)

	// OnTransferEvent registers handler for transfers this participant is
	// party to. Handlers run on the client's goroutine, never the caller's.
	OnTransferEvent(handler func(types.TransferEvent)) (unsubscribe func())

	Close()
}
