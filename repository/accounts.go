package repository

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/hypernet/clients"
	"github.com/vitwit/hypernet/logger"
	"github.com/vitwit/hypernet/metrics"
	"github.com/vitwit/hypernet/types"
)

// AccountRepository reports the local participant's channel balances.
type AccountRepository struct {
	channel clients.ChannelClient
	logger  logger.Logger
	metrics metrics.Recorder
}

func NewAccountRepository(channel clients.ChannelClient, log logger.Logger, rec metrics.Recorder) *AccountRepository {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &AccountRepository{
		channel: channel,
		logger:  logger.With(log, map[string]any{"component": "accountRepository"}),
		metrics: rec,
	}
}

// GetBalances returns free, locked and total amounts per asset. Locked is
// what sits in unresolved transfers we initiated.
func (a *AccountRepository) GetBalances(ctx context.Context) (*types.Balances, error) {
	defer metrics.Since(a.metrics, metrics.RepositoryLatency, time.Now(), map[string]string{"operation": "getBalances"})

	_, balances, err := a.balances(ctx)
	return balances, err
}

// balances also returns the channel address so callers can fill in
// assets the channel has never held.
func (a *AccountRepository) balances(ctx context.Context) (string, *types.Balances, error) {
	channelAddress, err := a.channel.ChannelAddress(ctx)
	if err != nil {
		return "", nil, types.NewError(types.CodeBalancesUnavailable, "failed to get channel address", err)
	}
	state, err := a.channel.GetChannelState(ctx, channelAddress)
	if err != nil {
		return "", nil, types.NewError(types.CodeBalancesUnavailable, "failed to get channel state", err)
	}
	active, err := a.channel.GetActiveTransfers(ctx, channelAddress)
	if err != nil {
		return "", nil, types.NewError(types.CodeBalancesUnavailable, "failed to get active transfers", err)
	}

	me := a.channel.PublicIdentifier()
	balances := make(map[string]*types.AssetBalance)
	entry := func(asset types.EthereumAddress) *types.AssetBalance {
		key := strings.ToLower(string(asset))
		b, ok := balances[key]
		if !ok {
			b = &types.AssetBalance{
				ChannelAddress: channelAddress,
				AssetAddress:   asset,
				TotalAmount:    decimal.Zero,
				FreeAmount:     decimal.Zero,
				LockedAmount:   decimal.Zero,
			}
			balances[key] = b
		}
		return b
	}

	for _, asset := range state.Assets {
		b := entry(asset.AssetID)
		b.FreeAmount = b.FreeAmount.Add(asset.Amount)
	}
	for _, t := range active {
		if t.Initiator != me || t.Balance.Amount[0].IsZero() {
			continue
		}
		b := entry(t.AssetID)
		b.LockedAmount = b.LockedAmount.Add(t.Balance.Amount[0])
	}

	out := &types.Balances{Assets: make([]types.AssetBalance, 0, len(balances))}
	for _, b := range balances {
		b.TotalAmount = b.FreeAmount.Add(b.LockedAmount)
		out.Assets = append(out.Assets, *b)
	}
	sort.Slice(out.Assets, func(i, j int) bool {
		return strings.ToLower(string(out.Assets[i].AssetAddress)) < strings.ToLower(string(out.Assets[j].AssetAddress))
	})
	return channelAddress, out, nil
}

// GetBalanceByAsset returns the balance of one asset, zero if the channel
// holds none of it.
func (a *AccountRepository) GetBalanceByAsset(ctx context.Context, asset types.EthereumAddress) (types.AssetBalance, error) {
	defer metrics.Since(a.metrics, metrics.RepositoryLatency, time.Now(), map[string]string{"operation": "getBalanceByAsset"})

	channelAddress, balances, err := a.balances(ctx)
	if err != nil {
		return types.AssetBalance{}, err
	}
	b := balances.Asset(asset)
	if b.ChannelAddress == "" {
		b.ChannelAddress = channelAddress
	}
	return b, nil
}
