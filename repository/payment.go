package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/hypernet/assembler"
	"github.com/vitwit/hypernet/clients"
	"github.com/vitwit/hypernet/logger"
	"github.com/vitwit/hypernet/metrics"
	"github.com/vitwit/hypernet/types"
	"github.com/vitwit/hypernet/utils"
)

// PaymentRepository reads payments back out of the channel and moves them
// forward by creating or resolving transfers. It keeps no payment state of
// its own: every read folds the channel's transfers again.
type PaymentRepository struct {
	channel   clients.ChannelClient
	transfers *clients.TransferBuilder
	assembler *assembler.Assembler
	config    *types.Config
	clock     utils.Clock
	logger    logger.Logger
	metrics   metrics.Recorder

	newID func() types.PaymentID
}

// NewPaymentRepository creates a repository. clock, log and rec may be nil.
func NewPaymentRepository(
	channel clients.ChannelClient,
	transfers *clients.TransferBuilder,
	asm *assembler.Assembler,
	config *types.Config,
	clock utils.Clock,
	log logger.Logger,
	rec metrics.Recorder,
) *PaymentRepository {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &PaymentRepository{
		channel:   channel,
		transfers: transfers,
		assembler: asm,
		config:    config,
		clock:     clock,
		logger:    logger.With(log, map[string]any{"component": "paymentRepository"}),
		metrics:   rec,
		newID:     utils.NewPaymentID,
	}
}

// GetPaymentsByIDs assembles the requested payments. Ids with no transfers
// in the lookback window, or whose transfers do not form a payment, are
// left out of the result.
func (r *PaymentRepository) GetPaymentsByIDs(ctx context.Context, ids []types.PaymentID) (map[types.PaymentID]*types.Payment, error) {
	defer metrics.Since(r.metrics, metrics.RepositoryLatency, time.Now(), map[string]string{"operation": "getPaymentsByIds"})

	for _, id := range ids {
		if err := utils.ValidateBytes32(string(id)); err != nil {
			return nil, types.NewError(types.CodeInvalidParameters, "invalid payment id", err)
		}
	}

	transfers, err := r.transferWindow(ctx)
	if err != nil {
		return nil, err
	}

	present := make(map[types.PaymentID]bool)
	for _, ct := range r.assembler.Classifier().ClassifyAll(transfers) {
		present[ct.PaymentID] = true
	}

	payments := make(map[types.PaymentID]*types.Payment, len(ids))
	for _, id := range ids {
		if !present[id] {
			continue
		}
		payment, err := r.assembler.Assemble(id, transfers)
		if err != nil {
			r.logger.Warn("skipping unassemblable payment", map[string]any{"paymentId": id, "error": err})
			continue
		}
		payments[id] = payment
	}
	return payments, nil
}

// GetPayment returns a single payment, or an InvalidPaymentError when the
// channel holds no valid payment under id.
func (r *PaymentRepository) GetPayment(ctx context.Context, id types.PaymentID) (*types.Payment, error) {
	payments, err := r.GetPaymentsByIDs(ctx, []types.PaymentID{id})
	if err != nil {
		return nil, err
	}
	payment, ok := payments[id]
	if !ok {
		return nil, types.NewError(types.CodeInvalidPayment, fmt.Sprintf("could not get payment %s", id), nil)
	}
	return payment, nil
}

// GetAllPayments assembles every payment in the lookback window.
func (r *PaymentRepository) GetAllPayments(ctx context.Context) ([]*types.Payment, error) {
	defer metrics.Since(r.metrics, metrics.RepositoryLatency, time.Now(), map[string]string{"operation": "getAllPayments"})

	transfers, err := r.transferWindow(ctx)
	if err != nil {
		return nil, err
	}

	assembled := r.assembler.AssembleMany(transfers)
	payments := make([]*types.Payment, 0, len(assembled))
	for _, p := range assembled {
		payments = append(payments, p)
	}
	sortPayments(payments)
	return payments, nil
}

// transferWindow returns every transfer created since the oldest active
// one. Payments with nothing active are complete and drop out of view.
func (r *PaymentRepository) transferWindow(ctx context.Context) ([]*types.Transfer, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	channelAddress, err := r.channel.ChannelAddress(ctx)
	if err != nil {
		return nil, types.NewError(types.CodeChannel, "failed to get channel address", err)
	}
	active, err := r.channel.GetActiveTransfers(ctx, channelAddress)
	if err != nil {
		return nil, types.NewError(types.CodeChannel, "failed to get active transfers", err)
	}

	now := utils.UnixNow(r.clock)
	earliest := now
	for _, t := range active {
		if t.CreatedAt < earliest {
			earliest = t.CreatedAt
		}
	}

	historical, err := r.channel.GetTransfers(ctx, earliest, now)
	if err != nil {
		return nil, types.NewError(types.CodeChannel, "failed to get transfers", err)
	}

	r.logger.Debug("loaded transfer window", map[string]any{
		"start":      earliest,
		"end":        now,
		"active":     len(active),
		"historical": len(historical),
	})
	// the assembler drops the duplicates
	return append(historical, active...), nil
}

// CreatePushPayment sends the offer of a new push payment.
func (r *PaymentRepository) CreatePushPayment(ctx context.Context, req *types.PushPaymentRequest) (*types.Payment, error) {
	defer metrics.Since(r.metrics, metrics.RepositoryLatency, time.Now(), map[string]string{"operation": "createPushPayment"})

	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, types.NewError(types.CodeInvalidParameters, "invalid push payment request", err)
	}
	now := utils.UnixNow(r.clock)
	if req.ExpirationDate <= now {
		return nil, types.NewError(types.CodeInvalidParameters, "expirationDate must be in the future", nil)
	}

	offer := &types.OfferDetails{
		PaymentID:      r.newID(),
		CreationDate:   now,
		To:             req.CounterPartyAccount,
		From:           r.channel.PublicIdentifier(),
		RequiredStake:  req.RequiredStake,
		PaymentAmount:  req.Amount,
		ExpirationDate: req.ExpirationDate,
		PaymentToken:   req.PaymentToken,
		GatewayURL:     req.GatewayURL,
		Metadata:       req.Metadata,
	}
	return r.sendOffer(ctx, offer)
}

// CreatePullPayment sends the offer of a new pull payment. The schedule has
// to release the whole authorized amount before the payment expires.
func (r *PaymentRepository) CreatePullPayment(ctx context.Context, req *types.PullPaymentRequest) (*types.Payment, error) {
	defer metrics.Since(r.metrics, metrics.RepositoryLatency, time.Now(), map[string]string{"operation": "createPullPayment"})

	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, types.NewError(types.CodeInvalidParameters, "invalid pull payment request", err)
	}
	now := utils.UnixNow(r.clock)
	if req.ExpirationDate <= now {
		return nil, types.NewError(types.CodeInvalidParameters, "expirationDate must be in the future", nil)
	}

	// seconds needed = maximum / (deltaAmount / deltaTime)
	needed := req.MaximumAmount.
		Mul(decimal.NewFromInt(req.DeltaTime)).
		Div(req.DeltaAmount).
		Ceil()
	if decimal.NewFromInt(int64(now)).Add(needed).GreaterThan(decimal.NewFromInt(int64(req.ExpirationDate))) {
		return nil, types.NewError(types.CodeInvalidParameters, fmt.Sprintf(
			"rate releases %s every %ds and needs %ss to reach %s, past the expiration date",
			req.DeltaAmount, req.DeltaTime, needed, req.MaximumAmount,
		), nil)
	}

	offer := &types.OfferDetails{
		PaymentID:      r.newID(),
		CreationDate:   now,
		To:             req.CounterPartyAccount,
		From:           r.channel.PublicIdentifier(),
		RequiredStake:  req.RequiredStake,
		PaymentAmount:  req.MaximumAmount,
		ExpirationDate: req.ExpirationDate,
		PaymentToken:   req.PaymentToken,
		GatewayURL:     req.GatewayURL,
		Metadata:       req.Metadata,
		Rate:           &types.Rate{DeltaAmount: req.DeltaAmount, DeltaTime: req.DeltaTime},
	}
	return r.sendOffer(ctx, offer)
}

func (r *PaymentRepository) sendOffer(ctx context.Context, offer *types.OfferDetails) (*types.Payment, error) {
	tctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if _, err := r.transfers.CreateOfferTransfer(tctx, offer.To, offer); err != nil {
		return nil, types.NewError(types.CodePaymentCreation, fmt.Sprintf("failed to send offer for payment %s", offer.PaymentID), err)
	}
	r.logger.Info("offer sent", map[string]any{"paymentId": offer.PaymentID, "to": offer.To})
	return r.GetPayment(ctx, offer.PaymentID)
}

// CreatePullRecord draws amount from a pull payment. The running total may
// not pass what has vested or what was authorized.
func (r *PaymentRepository) CreatePullRecord(ctx context.Context, id types.PaymentID, amount decimal.Decimal) (*types.Payment, error) {
	defer metrics.Since(r.metrics, metrics.RepositoryLatency, time.Now(), map[string]string{"operation": "createPullRecord"})

	if err := utils.ValidatePositive("amount", amount); err != nil {
		return nil, types.NewError(types.CodeInvalidParameters, "invalid pull amount", err)
	}

	payment, err := r.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := payment.CheckShape(); err != nil {
		return nil, err
	}
	if payment.Type != types.PaymentTypePull {
		return nil, types.NewError(types.CodeInvalidParameters, fmt.Sprintf("payment %s is not a pull payment", id), nil)
	}
	if payment.State != types.PaymentStateApproved {
		return nil, types.NewError(types.CodeInvalidParameters, fmt.Sprintf("cannot pull from payment %s in state %s", id, payment.State), nil)
	}

	total := payment.Pull.AmountTransferred.Add(amount)
	if total.GreaterThan(payment.Pull.VestedAmount) {
		return nil, types.NewError(types.CodeInvalidParameters, fmt.Sprintf(
			"pulling %s would take %s, more than the %s vested", amount, total, payment.Pull.VestedAmount,
		), nil)
	}
	if total.GreaterThan(payment.Pull.AuthorizedAmount) {
		return nil, types.NewError(types.CodeInvalidParameters, fmt.Sprintf(
			"pulling %s would take %s, more than the %s authorized", amount, total, payment.Pull.AuthorizedAmount,
		), nil)
	}

	record := &types.PullRecordDetails{
		PaymentID:         id,
		To:                payment.From,
		From:              payment.To,
		PullPaymentAmount: amount,
	}

	tctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if _, err := r.transfers.CreatePullRecordTransfer(tctx, payment.From, record); err != nil {
		return nil, types.NewError(types.CodeTransferCreation, fmt.Sprintf("failed to record pull on payment %s", id), err)
	}
	return r.GetPayment(ctx, id)
}

// ProvideStake posts the recipient's insurance for a Proposed payment,
// mediated by gatewayAddress.
func (r *PaymentRepository) ProvideStake(ctx context.Context, id types.PaymentID, gatewayAddress types.EthereumAddress) (*types.Payment, error) {
	defer metrics.Since(r.metrics, metrics.RepositoryLatency, time.Now(), map[string]string{"operation": "provideStake"})

	payment, err := r.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.State != types.PaymentStateProposed {
		return nil, types.NewError(types.CodeInvalidParameters, fmt.Sprintf("cannot stake payment %s in state %s", id, payment.State), nil)
	}

	expiration := utils.UnixNow(r.clock).Add(r.config.DefaultPaymentExpiryLength)

	tctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err = r.transfers.CreateInsuranceTransfer(
		tctx,
		payment.From,
		gatewayAddress,
		payment.RequiredStake,
		r.config.HypertokenAddress,
		expiration,
		id,
	)
	if err != nil {
		return nil, types.NewError(types.CodePaymentStake, fmt.Sprintf("failed to stake payment %s", id), err)
	}
	r.logger.Info("stake posted", map[string]any{"paymentId": id, "amount": payment.RequiredStake.String()})
	return r.GetPayment(ctx, id)
}

// ProvideAsset posts the sender's parameterized transfer for a fully staked
// payment. Push payments release everything at once; pull payments follow
// the offered rate.
func (r *PaymentRepository) ProvideAsset(ctx context.Context, id types.PaymentID) (*types.Payment, error) {
	defer metrics.Since(r.metrics, metrics.RepositoryLatency, time.Now(), map[string]string{"operation": "provideAsset"})

	payment, err := r.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.State != types.PaymentStateStaked {
		return nil, types.NewError(types.CodeInvalidParameters, fmt.Sprintf("cannot fund payment %s in state %s", id, payment.State), nil)
	}
	if !payment.FullyStaked() {
		return nil, types.NewError(types.CodeInvalidParameters, fmt.Sprintf(
			"payment %s is staked with %s, %s required", id, payment.AmountStaked, payment.RequiredStake,
		), nil)
	}
	if err := payment.CheckShape(); err != nil {
		return nil, err
	}

	var (
		amount decimal.Decimal
		rate   types.Rate
	)
	switch payment.Type {
	case types.PaymentTypePush:
		amount = payment.Push.PaymentAmount
		rate = types.Rate{DeltaAmount: amount, DeltaTime: 1}
	case types.PaymentTypePull:
		amount = payment.Pull.AuthorizedAmount
		rate = types.Rate{DeltaAmount: payment.Pull.DeltaAmount, DeltaTime: payment.Pull.DeltaTime}
	}

	// one second in the past so a push payment is fully vested on arrival
	start := utils.UnixNow(r.clock) - 1

	tctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err = r.transfers.CreateParameterizedTransfer(
		tctx,
		payment.To,
		amount,
		payment.PaymentToken,
		id,
		start,
		payment.ExpirationDate,
		rate,
	)
	if err != nil {
		return nil, types.NewError(types.CodeTransferCreation, fmt.Sprintf("failed to fund payment %s", id), err)
	}
	r.logger.Info("payment funded", map[string]any{"paymentId": id, "amount": amount.String()})
	return r.GetPayment(ctx, id)
}

// AcceptPayment resolves the parameterized transfer of an Approved payment,
// taking amount of it.
func (r *PaymentRepository) AcceptPayment(ctx context.Context, id types.PaymentID, amount decimal.Decimal) (*types.Payment, error) {
	defer metrics.Since(r.metrics, metrics.RepositoryLatency, time.Now(), map[string]string{"operation": "acceptPayment"})

	payment, err := r.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.State != types.PaymentStateApproved {
		return nil, types.NewError(types.CodeInvalidParameters, fmt.Sprintf("cannot accept payment %s in state %s", id, payment.State), nil)
	}
	if amount.IsNegative() {
		return nil, types.NewError(types.CodeInvalidParameters, "accepted amount cannot be negative", nil)
	}
	if err := payment.CheckShape(); err != nil {
		return nil, err
	}

	var limit decimal.Decimal
	switch payment.Type {
	case types.PaymentTypePush:
		limit = payment.Push.PaymentAmount
	case types.PaymentTypePull:
		limit = payment.Pull.VestedAmount
	}
	if amount.GreaterThan(limit) {
		return nil, types.NewError(types.CodeInvalidParameters, fmt.Sprintf("cannot take %s of payment %s, only %s is available", amount, id, limit), nil)
	}

	tctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if _, err := r.transfers.ResolveParameterizedTransfer(tctx, payment.Details.ParameterizedTransferID, id, amount); err != nil {
		return nil, types.NewError(types.CodePaymentFinalize, fmt.Sprintf("failed to accept payment %s", id), err)
	}
	r.logger.Info("payment accepted", map[string]any{"paymentId": id, "amount": amount.String()})
	return r.GetPayment(ctx, id)
}

// FinalizePayment is AcceptPayment under the name the gateway flow uses.
func (r *PaymentRepository) FinalizePayment(ctx context.Context, id types.PaymentID, amount decimal.Decimal) (*types.Payment, error) {
	return r.AcceptPayment(ctx, id, amount)
}

// ResolveInsurance resolves the insurance transfer of payment id, paying
// amount of the stake to the sender. A zero amount with no signature
// returns the stake to the recipient.
func (r *PaymentRepository) ResolveInsurance(
	ctx context.Context,
	id types.PaymentID,
	transferID types.TransferID,
	amount decimal.Decimal,
	signature *types.Signature,
) (*types.Payment, error) {
	defer metrics.Since(r.metrics, metrics.RepositoryLatency, time.Now(), map[string]string{"operation": "resolveInsurance"})

	if amount.IsNegative() {
		return nil, types.NewError(types.CodeInvalidParameters, "insurance amount cannot be negative", nil)
	}

	tctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if _, err := r.transfers.ResolveInsuranceTransfer(tctx, transferID, id, signature, amount); err != nil {
		return nil, types.NewError(types.CodeTransferResolution, fmt.Sprintf("failed to resolve insurance of payment %s", id), err)
	}
	r.logger.Info("insurance resolved", map[string]any{"paymentId": id, "amount": amount.String()})
	return r.GetPayment(ctx, id)
}

// CancelOffer withdraws a Proposed payment by resolving its offer.
func (r *PaymentRepository) CancelOffer(ctx context.Context, id types.PaymentID) (*types.Payment, error) {
	payment, err := r.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if payment.State != types.PaymentStateProposed {
		return nil, types.NewError(types.CodeInvalidParameters, fmt.Sprintf("cannot cancel payment %s in state %s", id, payment.State), nil)
	}

	tctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if _, err := r.transfers.ResolveMessageTransfer(tctx, payment.Details.OfferTransferID); err != nil {
		return nil, types.NewError(types.CodeTransferResolution, fmt.Sprintf("failed to cancel payment %s", id), err)
	}
	return r.GetPayment(ctx, id)
}

func sortPayments(payments []*types.Payment) {
	sort.Slice(payments, func(i, j int) bool {
		if payments[i].CreatedTimestamp != payments[j].CreatedTimestamp {
			return payments[i].CreatedTimestamp < payments[j].CreatedTimestamp
		}
		return payments[i].ID < payments[j].ID
	})
}

func (r *PaymentRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.config == nil || r.config.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.config.RequestTimeout)
}
