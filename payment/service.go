package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vitwit/hypernet/events"
	"github.com/vitwit/hypernet/logger"
	"github.com/vitwit/hypernet/metrics"
	"github.com/vitwit/hypernet/types"
	"github.com/vitwit/hypernet/utils"
)

// PaymentRepository is the part of repository.PaymentRepository the
// service drives.
type PaymentRepository interface {
	GetPaymentsByIDs(ctx context.Context, ids []types.PaymentID) (map[types.PaymentID]*types.Payment, error)
	GetPayment(ctx context.Context, id types.PaymentID) (*types.Payment, error)
	GetAllPayments(ctx context.Context) ([]*types.Payment, error)
	CreatePushPayment(ctx context.Context, req *types.PushPaymentRequest) (*types.Payment, error)
	CreatePullPayment(ctx context.Context, req *types.PullPaymentRequest) (*types.Payment, error)
	CreatePullRecord(ctx context.Context, id types.PaymentID, amount decimal.Decimal) (*types.Payment, error)
	ProvideStake(ctx context.Context, id types.PaymentID, gatewayAddress types.EthereumAddress) (*types.Payment, error)
	ProvideAsset(ctx context.Context, id types.PaymentID) (*types.Payment, error)
	AcceptPayment(ctx context.Context, id types.PaymentID, amount decimal.Decimal) (*types.Payment, error)
	ResolveInsurance(ctx context.Context, id types.PaymentID, transferID types.TransferID, amount decimal.Decimal, signature *types.Signature) (*types.Payment, error)
	CancelOffer(ctx context.Context, id types.PaymentID) (*types.Payment, error)
}

type AccountRepository interface {
	GetBalances(ctx context.Context) (*types.Balances, error)
	GetBalanceByAsset(ctx context.Context, asset types.EthereumAddress) (types.AssetBalance, error)
}

// GatewayConnector is the part of gateway.Connector the service needs.
type GatewayConnector interface {
	GetAuthorizedGatewaysConnectorsStatus(ctx context.Context) (map[types.GatewayURL]bool, error)
	GetGatewayAddresses(ctx context.Context, gatewayURLs []types.GatewayURL) (map[types.GatewayURL]types.EthereumAddress, error)
	ResolveChallenge(ctx context.Context, gatewayURL types.GatewayURL, paymentID types.PaymentID, transferID types.TransferID) (*types.ChallengeResolution, error)
}

// Service enforces the business rules on top of the payment repository
// and moves payments through their lifecycle.
//
// It holds no lock per payment. Every decision is taken on a payment freshly
// assembled from the channel; a racing caller loses at the channel, which
// rejects the duplicate transfer.
type Service struct {
	identifier types.PublicIdentifier
	payments   PaymentRepository
	accounts   AccountRepository
	gateways   GatewayConnector
	bus        *events.Bus
	config     *types.Config
	logger     logger.Logger
	metrics    metrics.Recorder
}

func NewService(
	identifier types.PublicIdentifier,
	payments PaymentRepository,
	accounts AccountRepository,
	gateways GatewayConnector,
	bus *events.Bus,
	config *types.Config,
	log logger.Logger,
	rec metrics.Recorder,
) *Service {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Service{
		identifier: identifier,
		payments:   payments,
		accounts:   accounts,
		gateways:   gateways,
		bus:        bus,
		config:     config,
		logger:     logger.With(log, map[string]any{"component": "paymentService"}),
		metrics:    rec,
	}
}

// SendFunds offers a push payment to req.CounterPartyAccount.
func (s *Service) SendFunds(ctx context.Context, req *types.PushPaymentRequest) (p *types.Payment, err error) {
	defer s.record("sendFunds", time.Now(), &err)

	if err := utils.ValidateStruct(req); err != nil {
		return nil, types.NewError(types.CodeInvalidParameters, "invalid push payment request", err)
	}
	p, err = s.payments.CreatePushPayment(ctx, req)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, p, s.bus.PaymentSent)
	s.refreshBalances(ctx)
	return p, nil
}

// AuthorizeFunds offers a pull payment to req.CounterPartyAccount.
func (s *Service) AuthorizeFunds(ctx context.Context, req *types.PullPaymentRequest) (p *types.Payment, err error) {
	defer s.record("authorizeFunds", time.Now(), &err)

	if err := utils.ValidateStruct(req); err != nil {
		return nil, types.NewError(types.CodeInvalidParameters, "invalid pull payment request", err)
	}
	p, err = s.payments.CreatePullPayment(ctx, req)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, p, s.bus.PaymentSent)
	s.refreshBalances(ctx)
	return p, nil
}

// AcceptOffers stakes every payment in ids. The shared preconditions are
// all or nothing: if any payment is not a Proposed offer to us, or the
// free stake token balance cannot cover the total stake, nothing is staked.
// Past that point each stake attempt succeeds or fails on its own and is
// reported in the matching PaymentResult.
func (s *Service) AcceptOffers(ctx context.Context, ids []types.PaymentID) (_ []types.PaymentResult, err error) {
	defer s.record("acceptOffers", time.Now(), &err)

	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return []types.PaymentResult{}, nil
	}

	payments, err := s.payments.GetPaymentsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	totalStake := decimal.Zero
	var gatewayURLs []types.GatewayURL
	seen := make(map[types.GatewayURL]bool)
	for _, id := range ids {
		p, ok := payments[id]
		if !ok {
			return nil, types.NewError(types.CodeInvalidPayment, fmt.Sprintf("could not get payment %s", id), nil)
		}
		if p.State != types.PaymentStateProposed {
			return nil, types.NewError(types.CodeAcceptPayment, fmt.Sprintf("cannot accept payment %s, it is not in the Proposed state", id), nil)
		}
		if p.To != s.identifier {
			return nil, types.NewError(types.CodeAcceptPayment, fmt.Sprintf("cannot accept payment %s, it is not addressed to us", id), nil)
		}
		totalStake = totalStake.Add(p.RequiredStake)
		if !seen[p.GatewayURL] {
			seen[p.GatewayURL] = true
			gatewayURLs = append(gatewayURLs, p.GatewayURL)
		}
	}

	stakeBalance, err := s.accounts.GetBalanceByAsset(ctx, s.config.HypertokenAddress)
	if err != nil {
		return nil, err
	}
	if stakeBalance.FreeAmount.LessThan(totalStake) {
		return nil, types.NewError(types.CodeInsufficientBalance, fmt.Sprintf(
			"not enough stake token to cover the payments: need %s, have %s", totalStake, stakeBalance.FreeAmount), nil)
	}

	addresses, err := s.gateways.GetGatewayAddresses(ctx, gatewayURLs)
	if err != nil {
		return nil, err
	}
	for _, gatewayURL := range gatewayURLs {
		if _, ok := addresses[gatewayURL]; !ok {
			return nil, types.NewError(types.CodeGatewayValidation, fmt.Sprintf("no address for gateway %s", gatewayURL), nil)
		}
	}

	results := make([]types.PaymentResult, len(ids))
	g := new(errgroup.Group)
	if s.config.StakeConcurrency > 0 {
		g.SetLimit(s.config.StakeConcurrency)
	}
	for i, id := range ids {
		gatewayAddress := addresses[payments[id].GatewayURL]
		g.Go(func() error {
			s.logger.Info("providing stake", map[string]any{"paymentId": id, "gatewayAddress": gatewayAddress})
			staked, err := s.payments.ProvideStake(ctx, id, gatewayAddress)
			if err != nil {
				err = types.NewError(types.CodeAcceptPayment, fmt.Sprintf("payment %s could not be staked", id), err)
			}
			results[i] = types.PaymentResult{PaymentID: id, Payment: staked, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	s.refreshBalances(ctx)
	return results, nil
}

// PullFunds draws amount from a pull payment addressed to us.
func (s *Service) PullFunds(ctx context.Context, id types.PaymentID, amount decimal.Decimal) (p *types.Payment, err error) {
	defer s.record("pullFunds", time.Now(), &err)

	current, err := s.payments.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Type != types.PaymentTypePull {
		return nil, types.NewError(types.CodeInvalidParameters, "cannot pull funds from a non pull payment", nil)
	}
	if current.To != s.identifier {
		return nil, types.NewError(types.CodeInvalidParameters, fmt.Sprintf("payment %s is not addressed to us", id), nil)
	}

	p, err = s.payments.CreatePullRecord(ctx, id, amount)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, p, s.bus.PaymentUpdated)
	s.refreshBalances(ctx)
	return p, nil
}

// AdvancePayments moves each payment as far as the current state allows.
// A failure to advance one payment is reported in its result and does not
// stop the others.
func (s *Service) AdvancePayments(ctx context.Context, ids []types.PaymentID) (_ []types.PaymentResult, err error) {
	defer s.record("advancePayments", time.Now(), &err)

	payments, err := s.payments.GetPaymentsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	status, err := s.gateways.GetAuthorizedGatewaysConnectorsStatus(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]types.PaymentResult, 0, len(payments))
	for _, id := range ids {
		p, ok := payments[id]
		if !ok {
			results = append(results, types.PaymentResult{
				PaymentID: id,
				Err:       types.NewError(types.CodeInvalidPayment, fmt.Sprintf("could not get payment %s", id), nil),
			})
			continue
		}
		advanced, err := s.advancePayment(ctx, p, status)
		results = append(results, types.PaymentResult{PaymentID: id, Payment: advanced, Err: err})
	}
	return results, nil
}

// advancePayment is the one place that moves a Staked or Approved payment
// forward. Nothing moves while the payment's gateway is not activated: the
// payment is reported as delayed and picked up again on the next advance.
func (s *Service) advancePayment(ctx context.Context, p *types.Payment, status map[types.GatewayURL]bool) (*types.Payment, error) {
	if p.State != types.PaymentStateStaked && p.State != types.PaymentStateApproved {
		return p, nil
	}

	log := logger.With(s.logger, map[string]any{"paymentId": p.ID, "state": p.State})
	if !status[p.GatewayURL] {
		log.Debug("gateway not activated, payment delayed", map[string]any{"gatewayUrl": p.GatewayURL})
		s.emit(ctx, p, s.bus.PaymentDelayed)
		s.refreshBalances(ctx)
		return p, nil
	}

	switch {
	case p.State == types.PaymentStateStaked && p.From == s.identifier:
		log.Info("providing asset", nil)
		updated, err := s.payments.ProvideAsset(ctx, p.ID)
		if err != nil {
			return p, err
		}
		s.emit(ctx, updated, s.bus.PaymentUpdated)
		return updated, nil

	case p.State == types.PaymentStateApproved && p.To == s.identifier && p.Type == types.PaymentTypePush:
		log.Info("accepting payment", map[string]any{"amount": p.Push.PaymentAmount.String()})
		accepted, err := s.payments.AcceptPayment(ctx, p.ID, p.Push.PaymentAmount)
		if err != nil {
			return p, err
		}
		s.emit(ctx, accepted, s.bus.PaymentUpdated)
		return accepted, nil
	}
	return p, nil
}

// AdvanceGatewayPayments advances every Staked or Approved payment that
// goes through gatewayURL.
func (s *Service) AdvanceGatewayPayments(ctx context.Context, gatewayURL types.GatewayURL) ([]types.PaymentResult, error) {
	all, err := s.payments.GetAllPayments(ctx)
	if err != nil {
		return nil, err
	}
	var ids []types.PaymentID
	for _, p := range all {
		if p.GatewayURL == gatewayURL && (p.State == types.PaymentStateStaked || p.State == types.PaymentStateApproved) {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.AdvancePayments(ctx, ids)
}

// InitiateDispute asks the gateway's mediator to rule on an Accepted
// payment and claims the awarded part of the stake.
func (s *Service) InitiateDispute(ctx context.Context, id types.PaymentID) (p *types.Payment, err error) {
	defer s.record("initiateDispute", time.Now(), &err)

	current, err := s.payments.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State != types.PaymentStateAccepted || current.Details.InsuranceTransferID == "" {
		return nil, types.NewError(types.CodeInvalidParameters, "cannot dispute a payment that is not in the Accepted state", nil)
	}

	resolution, err := s.gateways.ResolveChallenge(ctx, current.GatewayURL, id, current.Details.InsuranceTransferID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("challenge resolved", map[string]any{"paymentId": id, "amount": resolution.Amount.String()})

	p, err = s.payments.ResolveInsurance(ctx, id, current.Details.InsuranceTransferID, resolution.Amount, &resolution.MediatorSignature)
	if err != nil {
		return nil, err
	}
	s.refreshBalances(ctx)
	return p, nil
}

// ResolveInsurance returns the whole stake of an Accepted payment to the
// recipient, finalizing it.
func (s *Service) ResolveInsurance(ctx context.Context, id types.PaymentID) (p *types.Payment, err error) {
	defer s.record("resolveInsurance", time.Now(), &err)

	current, err := s.payments.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.State != types.PaymentStateAccepted || current.Details.InsuranceTransferID == "" {
		return nil, types.NewError(types.CodeInvalidParameters, "cannot resolve insurance of a payment that is not in the Accepted state", nil)
	}
	if !current.FullyStaked() {
		return nil, types.NewError(types.CodeInvalidParameters, "insurance amount must equal the required stake", nil)
	}

	p, err = s.payments.ResolveInsurance(ctx, id, current.Details.InsuranceTransferID, decimal.Zero, nil)
	if err != nil {
		return nil, err
	}
	s.refreshBalances(ctx)
	return p, nil
}

// CancelOffer withdraws a payment that has not been staked yet.
func (s *Service) CancelOffer(ctx context.Context, id types.PaymentID) (p *types.Payment, err error) {
	defer s.record("cancelOffer", time.Now(), &err)

	p, err = s.payments.CancelOffer(ctx, id)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, p, s.bus.PaymentUpdated)
	s.refreshBalances(ctx)
	return p, nil
}

// OfferReceived reports a new offer addressed to us. It is also called for
// offers we sent, which are ignored.
func (s *Service) OfferReceived(ctx context.Context, id types.PaymentID) error {
	p, err := s.payments.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	if p.State != types.PaymentStateProposed || p.To != s.identifier {
		return nil
	}
	s.emit(ctx, p, s.bus.PaymentReceived)
	s.refreshBalances(ctx)
	return nil
}

// StakePosted reacts to a new insurance transfer.
func (s *Service) StakePosted(ctx context.Context, id types.PaymentID) error {
	return s.updated(ctx, id, s.bus.PaymentUpdated)
}

// PaymentPosted reacts to a new parameterized transfer. For a pull
// payment addressed to us this is when the funds become available.
func (s *Service) PaymentPosted(ctx context.Context, id types.PaymentID) error {
	p, err := s.payments.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	publish := s.bus.PaymentUpdated
	if p.Type == types.PaymentTypePull && p.To == s.identifier {
		publish = s.bus.PaymentReceived
	}
	return s.advanceAfter(ctx, p, publish)
}

// PaymentCompleted reacts to the parameterized transfer being resolved.
func (s *Service) PaymentCompleted(ctx context.Context, id types.PaymentID) error {
	return s.updated(ctx, id, s.bus.PaymentUpdated)
}

// InsuranceResolved reacts to the insurance transfer being resolved.
func (s *Service) InsuranceResolved(ctx context.Context, id types.PaymentID) error {
	return s.updated(ctx, id, s.bus.PaymentUpdated)
}

// OfferResolved reacts to an offer being withdrawn.
func (s *Service) OfferResolved(ctx context.Context, id types.PaymentID) error {
	p, err := s.payments.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	s.emit(ctx, p, s.bus.PaymentUpdated)
	s.refreshBalances(ctx)
	return nil
}

// PullRecorded reacts to a draw against a pull payment.
func (s *Service) PullRecorded(ctx context.Context, id types.PaymentID) error {
	p, err := s.payments.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	s.emit(ctx, p, s.bus.PaymentUpdated)
	s.refreshBalances(ctx)
	return nil
}

func (s *Service) updated(ctx context.Context, id types.PaymentID, publish func(*types.Payment) error) error {
	p, err := s.payments.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	return s.advanceAfter(ctx, p, publish)
}

func (s *Service) advanceAfter(ctx context.Context, p *types.Payment, publish func(*types.Payment) error) error {
	s.emit(ctx, p, publish)

	if p.State != types.PaymentStateStaked && p.State != types.PaymentStateApproved {
		s.refreshBalances(ctx)
		return nil
	}
	status, err := s.gateways.GetAuthorizedGatewaysConnectorsStatus(ctx)
	if err != nil {
		return err
	}
	if _, err := s.advancePayment(ctx, p, status); err != nil {
		return err
	}
	s.refreshBalances(ctx)
	return nil
}

// emit publishes p on the topic picked by publish.
func (s *Service) emit(ctx context.Context, p *types.Payment, publish func(*types.Payment) error) {
	if err := publish(p); err != nil {
		s.logger.Error("failed to publish payment event", map[string]any{"paymentId": p.ID, "error": err})
		return
	}
	s.metrics.IncCounter(metrics.PaymentEvent, map[string]string{"operation": string(p.Type), "outcome": string(p.State)})
}

// refreshBalances republishes the balances. A failure here never fails
// the operation that triggered it; the next refresh catches up.
func (s *Service) refreshBalances(ctx context.Context) {
	balances, err := s.accounts.GetBalances(ctx)
	if err != nil {
		s.logger.Warn("failed to refresh balances", map[string]any{"error": err})
		return
	}
	s.bus.Publish(events.BalancesChanged, balances)
}

func uniqueIDs(ids []types.PaymentID) []types.PaymentID {
	seen := make(map[types.PaymentID]bool, len(ids))
	out := make([]types.PaymentID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (s *Service) record(operation string, start time.Time, err *error) {
	outcome := "success"
	if *err != nil {
		outcome = "failure"
		s.logger.Warn(operation+" failed", map[string]any{"error": *err})
	}
	labels := map[string]string{"operation": operation, "outcome": outcome}
	s.metrics.IncCounter(metrics.PaymentOperation, labels)
	metrics.Since(s.metrics, metrics.PaymentOperation, start, map[string]string{"operation": operation})
}
