package types

import "github.com/shopspring/decimal"

// AssetBalance is the local participant's balance of one asset in the channel.
type AssetBalance struct {
	ChannelAddress string          `json:"channelAddress"`
	AssetAddress   EthereumAddress `json:"assetAddress"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	FreeAmount     decimal.Decimal `json:"freeAmount"`
	LockedAmount   decimal.Decimal `json:"lockedAmount"`
}

// Balances lists per asset balances.
type Balances struct {
	Assets []AssetBalance `json:"assets"`
}

// Asset returns the balance for assetAddress. A missing asset is reported
// as a zero balance.
func (b *Balances) Asset(assetAddress EthereumAddress) AssetBalance {
	if b != nil {
		for _, a := range b.Assets {
			if a.AssetAddress.Equal(assetAddress) {
				return a
			}
		}
	}
	return AssetBalance{
		AssetAddress: assetAddress,
		TotalAmount:  decimal.Zero,
		FreeAmount:   decimal.Zero,
		LockedAmount: decimal.Zero,
	}
}
