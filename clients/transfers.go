package clients

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/vitwit/hypernet/logger"
	"github.com/vitwit/hypernet/types"
)

// zeroAsset is the asset of message transfers, which move no value.
var zeroAsset = types.EthereumAddress(common.Address{}.Hex())

// TransferBuilder turns protocol steps into conditional transfer requests
// against the router channel.
type TransferBuilder struct {
	client      ChannelClient
	definitions types.TransferDefinitions
	signer      Signer
	logger      logger.Logger
}

// NewTransferBuilder creates a builder. signer may be nil, in which case
// payment resolutions go out without a payee signature.
func NewTransferBuilder(client ChannelClient, definitions types.TransferDefinitions, signer Signer, log logger.Logger) *TransferBuilder {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &TransferBuilder{
		client:      client,
		definitions: definitions,
		signer:      signer,
		logger:      log,
	}
}

// CreateOfferTransfer sends the payment terms to the recipient.
func (b *TransferBuilder) CreateOfferTransfer(ctx context.Context, to types.PublicIdentifier, offer *types.OfferDetails) (*types.TransferResponse, error) {
	offer.MessageType = types.MessageTypeOffer
	return b.createMessageTransfer(ctx, to, offer.PaymentID, offer)
}

// CreatePullRecordTransfer notifies the sender of a draw against a pull payment.
func (b *TransferBuilder) CreatePullRecordTransfer(ctx context.Context, to types.PublicIdentifier, record *types.PullRecordDetails) (*types.TransferResponse, error) {
	record.MessageType = types.MessageTypePullRecord
	return b.createMessageTransfer(ctx, to, record.PaymentID, record)
}

func (b *TransferBuilder) createMessageTransfer(ctx context.Context, to types.PublicIdentifier, paymentID types.PaymentID, message any) (*types.TransferResponse, error) {
	encoded, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	return b.create(ctx, &types.ConditionalTransferRequest{
		Amount:     decimal.Zero,
		AssetID:    zeroAsset,
		Definition: b.definitions.Message,
		Details:    types.MessageState{Message: string(encoded)},
		Recipient:  to,
		Meta:       map[string]any{"paymentId": string(paymentID)},
	})
}

// CreateInsuranceTransfer locks amount of asset as the recipient's stake,
// claimable by to (the payment sender) through mediator.
func (b *TransferBuilder) CreateInsuranceTransfer(
	ctx context.Context,
	to types.PublicIdentifier,
	mediator types.EthereumAddress,
	amount decimal.Decimal,
	asset types.EthereumAddress,
	expiration types.UnixTimestamp,
	paymentID types.PaymentID,
) (*types.TransferResponse, error) {
	return b.create(ctx, &types.ConditionalTransferRequest{
		Amount:     amount,
		AssetID:    asset,
		Definition: b.definitions.Insurance,
		Details: types.InsuranceState{
			Receiver:   to,
			Mediator:   mediator,
			Collateral: amount,
			Expiration: expiration,
			UUID:       paymentID,
		},
		Recipient: to,
		Meta:      map[string]any{"paymentId": string(paymentID)},
	})
}

// CreateParameterizedTransfer locks amount for to, releasable according to rate.
func (b *TransferBuilder) CreateParameterizedTransfer(
	ctx context.Context,
	to types.PublicIdentifier,
	amount decimal.Decimal,
	asset types.EthereumAddress,
	paymentID types.PaymentID,
	start, expiration types.UnixTimestamp,
	rate types.Rate,
) (*types.TransferResponse, error) {
	return b.create(ctx, &types.ConditionalTransferRequest{
		Amount:     amount,
		AssetID:    asset,
		Definition: b.definitions.Parameterized,
		Details: types.ParameterizedState{
			Receiver:   to,
			Start:      start,
			Expiration: expiration,
			UUID:       paymentID,
			Rate:       rate,
		},
		Recipient: to,
		Meta:      map[string]any{"paymentId": string(paymentID)},
	})
}

// ResolveMessageTransfer closes a message transfer.
func (b *TransferBuilder) ResolveMessageTransfer(ctx context.Context, transferID types.TransferID) (*types.TransferResponse, error) {
	return b.resolve(ctx, transferID, types.MessageResolver{})
}

// ResolveInsuranceTransfer pays amount of the stake out to the payment
// sender. The normal path uses a zero amount and no signature.
func (b *TransferBuilder) ResolveInsuranceTransfer(
	ctx context.Context,
	transferID types.TransferID,
	paymentID types.PaymentID,
	signature *types.Signature,
	amount decimal.Decimal,
) (*types.TransferResponse, error) {
	return b.resolve(ctx, transferID, types.InsuranceResolver{
		Data:      types.InsuranceResolverData{Amount: amount, UUID: paymentID},
		Signature: signature,
	})
}

// ResolveParameterizedTransfer takes amount out of the value transfer.
func (b *TransferBuilder) ResolveParameterizedTransfer(
	ctx context.Context,
	transferID types.TransferID,
	paymentID types.PaymentID,
	amount decimal.Decimal,
) (*types.TransferResponse, error) {
	data := types.ParameterizedResolverData{UUID: paymentID, PaymentAmountTaken: amount}

	var payeeSignature types.Signature
	if b.signer != nil {
		digest := crypto.Keccak256([]byte(paymentID), []byte(amount.String()))
		sig, err := b.signer.SignMessage(ctx, digest)
		if err != nil {
			return nil, fmt.Errorf("failed to sign resolver: %w", err)
		}
		payeeSignature = sig
	}

	return b.resolve(ctx, transferID, types.ParameterizedResolver{
		Data:           data,
		PayeeSignature: payeeSignature,
	})
}

func (b *TransferBuilder) create(ctx context.Context, req *types.ConditionalTransferRequest) (*types.TransferResponse, error) {
	channelAddress, err := b.client.ChannelAddress(ctx)
	if err != nil {
		return nil, err
	}
	req.ChannelAddress = channelAddress

	resp, err := b.client.ConditionalTransfer(ctx, req)
	if err != nil {
		return nil, err
	}

	b.logger.Debug("conditional transfer created", map[string]any{
		"transferId": resp.TransferID,
		"definition": req.Definition,
		"recipient":  req.Recipient,
		"amount":     req.Amount.String(),
	})
	return resp, nil
}

func (b *TransferBuilder) resolve(ctx context.Context, transferID types.TransferID, resolver any) (*types.TransferResponse, error) {
	channelAddress, err := b.client.ChannelAddress(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := b.client.ResolveTransfer(ctx, channelAddress, transferID, resolver)
	if err != nil {
		return nil, err
	}

	b.logger.Debug("conditional transfer resolved", map[string]any{"transferId": transferID})
	return resp, nil
}
