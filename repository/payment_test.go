package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/hypernet/assembler"
	"github.com/vitwit/hypernet/clients"
	"github.com/vitwit/hypernet/types"
	"github.com/vitwit/hypernet/utils"
)

const (
	sender         = types.PublicIdentifier("vectorSender")
	recipient      = types.PublicIdentifier("vectorRecipient")
	channelAddress = "0x00000000000000000000000000000000000000C0"
	hypertoken     = types.EthereumAddress("0x00000000000000000000000000000000000000C1")
	paymentToken   = types.EthereumAddress("0x00000000000000000000000000000000000000C2")
	gatewayAddress = types.EthereumAddress("0x00000000000000000000000000000000000000C3")
	gatewayURL     = types.GatewayURL("https://gateway.hyperpay.io")
	unixNow        = 1318874398
)

var definitions = types.TransferDefinitions{
	Message:       "0x00000000000000000000000000000000000000A1",
	Insurance:     "0x00000000000000000000000000000000000000A2",
	Parameterized: "0x00000000000000000000000000000000000000A3",
}

type fixture struct {
	clock     *utils.ManualClock
	network   *clients.MemoryNetwork
	sender    *PaymentRepository
	recipient *PaymentRepository
	accounts  map[types.PublicIdentifier]*AccountRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := utils.NewManualClock(time.Unix(unixNow, 0))
	network := clients.NewMemoryNetwork(channelAddress, definitions, clock)
	t.Cleanup(network.Close)

	network.Deposit(sender, paymentToken, decimal.NewFromInt(1000))
	network.Deposit(recipient, hypertoken, decimal.NewFromInt(100))

	cfg := types.DefaultConfig()
	cfg.HypertokenAddress = hypertoken
	cfg.Definitions = definitions

	repo := func(id types.PublicIdentifier) *PaymentRepository {
		channel := network.Client(id)
		asm := assembler.New(assembler.NewClassifier(definitions, nil, nil), clock, nil)
		return NewPaymentRepository(channel, clients.NewTransferBuilder(channel, definitions, nil, nil), asm, cfg, clock, nil, nil)
	}

	return &fixture{
		clock:     clock,
		network:   network,
		sender:    repo(sender),
		recipient: repo(recipient),
		accounts: map[types.PublicIdentifier]*AccountRepository{
			sender:    NewAccountRepository(network.Client(sender), nil, nil),
			recipient: NewAccountRepository(network.Client(recipient), nil, nil),
		},
	}
}

func pushRequest(amount, stake int64) *types.PushPaymentRequest {
	return &types.PushPaymentRequest{
		CounterPartyAccount: recipient,
		Amount:              decimal.NewFromInt(amount),
		ExpirationDate:      unixNow + 3600,
		RequiredStake:       decimal.NewFromInt(stake),
		PaymentToken:        paymentToken,
		GatewayURL:          gatewayURL,
	}
}

func pullRequest(maximum, deltaAmount, deltaTime int64, expiresIn types.UnixTimestamp) *types.PullPaymentRequest {
	return &types.PullPaymentRequest{
		CounterPartyAccount: recipient,
		MaximumAmount:       decimal.NewFromInt(maximum),
		DeltaAmount:         decimal.NewFromInt(deltaAmount),
		DeltaTime:           deltaTime,
		ExpirationDate:      unixNow + expiresIn,
		RequiredStake:       decimal.NewFromInt(10),
		PaymentToken:        paymentToken,
		GatewayURL:          gatewayURL,
	}
}

func TestPushPaymentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.sender.CreatePushPayment(ctx, pushRequest(100, 10))
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStateProposed, created.State)
	assert.Equal(t, types.PaymentTypePush, created.Type)
	assert.Equal(t, sender, created.From)
	assert.Equal(t, recipient, created.To)
	require.NoError(t, utils.ValidateBytes32(string(created.ID)))

	seen, err := f.recipient.GetPayment(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStateProposed, seen.State)

	staked, err := f.recipient.ProvideStake(ctx, created.ID, gatewayAddress)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStateStaked, staked.State)
	assert.True(t, staked.AmountStaked.Equal(decimal.NewFromInt(10)))

	approved, err := f.sender.ProvideAsset(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStateApproved, approved.State)

	accepted, err := f.recipient.AcceptPayment(ctx, created.ID, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStateAccepted, accepted.State)
	assert.True(t, accepted.Push.AmountTransferred.Equal(decimal.NewFromInt(100)))

	finalized, err := f.sender.ResolveInsurance(ctx, created.ID, accepted.Details.InsuranceTransferID, decimal.Zero, nil)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStateFinalized, finalized.State)
	assert.True(t, finalized.CollateralRecovered.IsZero())
}

func TestCreatePushPaymentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		modify func(*types.PushPaymentRequest)
	}{
		{"zero amount", func(r *types.PushPaymentRequest) { r.Amount = decimal.Zero }},
		{"negative stake", func(r *types.PushPaymentRequest) { r.RequiredStake = decimal.NewFromInt(-1) }},
		{"bad token", func(r *types.PushPaymentRequest) { r.PaymentToken = "hypertoken" }},
		{"bad gateway url", func(r *types.PushPaymentRequest) { r.GatewayURL = "not a url" }},
		{"expired", func(r *types.PushPaymentRequest) { r.ExpirationDate = unixNow - 1 }},
		{"no counterparty", func(r *types.PushPaymentRequest) { r.CounterPartyAccount = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := pushRequest(100, 10)
			tt.modify(req)
			_, err := f.sender.CreatePushPayment(ctx, req)
			assert.ErrorIs(t, err, types.ErrInvalidParameters)
		})
	}
	assert.Empty(t, f.network.Transfers())
}

func TestCreatePullPaymentRejectsUnreachableSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 1 per second needs 100s to release 100
	_, err := f.sender.CreatePullPayment(ctx, pullRequest(100, 1, 1, 50))
	assert.ErrorIs(t, err, types.ErrInvalidParameters)

	payment, err := f.sender.CreatePullPayment(ctx, pullRequest(100, 1, 1, 100))
	require.NoError(t, err)
	assert.Equal(t, types.PaymentTypePull, payment.Type)
	assert.True(t, payment.Pull.AuthorizedAmount.Equal(decimal.NewFromInt(100)))
}

func TestCreatePullRecordBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payment, err := f.sender.CreatePullPayment(ctx, pullRequest(100, 1, 1, 1000))
	require.NoError(t, err)
	_, err = f.recipient.ProvideStake(ctx, payment.ID, gatewayAddress)
	require.NoError(t, err)
	_, err = f.sender.ProvideAsset(ctx, payment.ID)
	require.NoError(t, err)

	// the transfer starts a second in the past
	f.clock.Advance(19 * time.Second)

	current, err := f.recipient.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.True(t, current.Pull.VestedAmount.Equal(decimal.NewFromInt(20)), "vested %s", current.Pull.VestedAmount)

	_, err = f.recipient.CreatePullRecord(ctx, payment.ID, decimal.NewFromInt(30))
	assert.ErrorIs(t, err, types.ErrInvalidParameters)

	pulled, err := f.recipient.CreatePullRecord(ctx, payment.ID, decimal.NewFromInt(20))
	require.NoError(t, err)
	assert.True(t, pulled.Pull.AmountTransferred.Equal(decimal.NewFromInt(20)))
	require.Len(t, pulled.Pull.Ledger, 1)

	_, err = f.recipient.CreatePullRecord(ctx, payment.ID, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, types.ErrInvalidParameters)

	_, err = f.recipient.CreatePullRecord(ctx, payment.ID, decimal.Zero)
	assert.ErrorIs(t, err, types.ErrInvalidParameters)
}

func TestCreatePullRecordRejectsPushPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payment, err := f.sender.CreatePushPayment(ctx, pushRequest(100, 10))
	require.NoError(t, err)

	_, err = f.recipient.CreatePullRecord(ctx, payment.ID, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, types.ErrInvalidParameters)
}

func TestStateGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payment, err := f.sender.CreatePushPayment(ctx, pushRequest(100, 10))
	require.NoError(t, err)

	_, err = f.sender.ProvideAsset(ctx, payment.ID)
	assert.ErrorIs(t, err, types.ErrInvalidParameters, "asset before stake")

	_, err = f.recipient.AcceptPayment(ctx, payment.ID, decimal.NewFromInt(100))
	assert.ErrorIs(t, err, types.ErrInvalidParameters, "accept before asset")

	_, err = f.recipient.ProvideStake(ctx, payment.ID, gatewayAddress)
	require.NoError(t, err)

	_, err = f.recipient.ProvideStake(ctx, payment.ID, gatewayAddress)
	assert.ErrorIs(t, err, types.ErrInvalidParameters, "second stake")

	_, err = f.sender.ProvideAsset(ctx, payment.ID)
	require.NoError(t, err)

	_, err = f.recipient.AcceptPayment(ctx, payment.ID, decimal.NewFromInt(101))
	assert.ErrorIs(t, err, types.ErrInvalidParameters, "accept more than offered")
}

func TestProvideAssetRequiresFullStake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payment, err := f.sender.CreatePushPayment(ctx, pushRequest(100, 10))
	require.NoError(t, err)

	// the recipient's own client stakes less than the offer requires
	_, err = clients.NewTransferBuilder(f.network.Client(recipient), definitions, nil, nil).
		CreateInsuranceTransfer(ctx, sender, gatewayAddress, decimal.NewFromInt(4), hypertoken, unixNow+600, payment.ID)
	require.NoError(t, err)

	staked, err := f.sender.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStateStaked, staked.State)
	assert.True(t, staked.AmountStaked.Equal(decimal.NewFromInt(4)))
	assert.False(t, staked.FullyStaked())

	_, err = f.sender.ProvideAsset(ctx, payment.ID)
	assert.ErrorIs(t, err, types.ErrInvalidParameters)

	balance, err := f.accounts[sender].GetBalanceByAsset(ctx, paymentToken)
	require.NoError(t, err)
	assert.True(t, balance.LockedAmount.IsZero(), "no asset is locked")
}

func TestCancelOffer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payment, err := f.sender.CreatePushPayment(ctx, pushRequest(100, 10))
	require.NoError(t, err)

	canceled, err := f.recipient.CancelOffer(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStateCanceled, canceled.State)

	_, err = f.recipient.ProvideStake(ctx, payment.ID, gatewayAddress)
	assert.ErrorIs(t, err, types.ErrInvalidParameters)
}

func TestChannelFailuresAreTyped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("router unreachable")

	f.network.FailNext("conditionalTransfer", boom)
	_, err := f.sender.CreatePushPayment(ctx, pushRequest(100, 10))
	assert.ErrorIs(t, err, types.ErrPaymentCreation)
	assert.ErrorIs(t, err, boom)

	payment, err := f.sender.CreatePushPayment(ctx, pushRequest(100, 10))
	require.NoError(t, err)

	f.network.FailNext("conditionalTransfer", boom)
	_, err = f.recipient.ProvideStake(ctx, payment.ID, gatewayAddress)
	assert.ErrorIs(t, err, types.ErrPaymentStake)

	_, err = f.recipient.ProvideStake(ctx, payment.ID, gatewayAddress)
	require.NoError(t, err)

	f.network.FailNext("conditionalTransfer", boom)
	_, err = f.sender.ProvideAsset(ctx, payment.ID)
	assert.ErrorIs(t, err, types.ErrTransferCreation)

	f.network.FailNext("getActiveTransfers", boom)
	_, err = f.sender.GetPayment(ctx, payment.ID)
	assert.ErrorIs(t, err, types.ErrChannel)
}

func TestGetPaymentsByIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sender.GetPaymentsByIDs(ctx, []types.PaymentID{"not-an-id"})
	assert.ErrorIs(t, err, types.ErrInvalidParameters)

	first, err := f.sender.CreatePushPayment(ctx, pushRequest(100, 10))
	require.NoError(t, err)
	second, err := f.sender.CreatePushPayment(ctx, pushRequest(50, 5))
	require.NoError(t, err)

	unknown := utils.NewPaymentID()

	// a stake whose offer never existed
	orphan := utils.NewPaymentID()
	_, err = clients.NewTransferBuilder(f.network.Client(recipient), definitions, nil, nil).
		CreateInsuranceTransfer(ctx, sender, gatewayAddress, decimal.NewFromInt(5), hypertoken, unixNow+600, orphan)
	require.NoError(t, err)

	payments, err := f.sender.GetPaymentsByIDs(ctx, []types.PaymentID{first.ID, second.ID, unknown, orphan})
	require.NoError(t, err)
	assert.Len(t, payments, 2)
	assert.Contains(t, payments, first.ID)
	assert.Contains(t, payments, second.ID)

	_, err = f.sender.GetPayment(ctx, unknown)
	assert.ErrorIs(t, err, types.ErrInvalidPayment)
	_, err = f.sender.GetPayment(ctx, orphan)
	assert.ErrorIs(t, err, types.ErrInvalidPayment)

	all, err := f.recipient.GetAllPayments(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCompletedPaymentsLeaveTheWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payment, err := f.sender.CreatePushPayment(ctx, pushRequest(100, 10))
	require.NoError(t, err)
	_, err = f.recipient.CancelOffer(ctx, payment.ID)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)

	all, err := f.sender.GetAllPayments(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	// an older active transfer pulls the window back
	open, err := f.sender.CreatePushPayment(ctx, pushRequest(10, 1))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	all, err = f.sender.GetAllPayments(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, open.ID, all[0].ID)
}

func TestGetBalances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payment, err := f.sender.CreatePushPayment(ctx, pushRequest(100, 10))
	require.NoError(t, err)
	_, err = f.recipient.ProvideStake(ctx, payment.ID, gatewayAddress)
	require.NoError(t, err)
	_, err = f.sender.ProvideAsset(ctx, payment.ID)
	require.NoError(t, err)

	balances, err := f.accounts[sender].GetBalances(ctx)
	require.NoError(t, err)
	token := balances.Asset(paymentToken)
	assert.True(t, token.FreeAmount.Equal(decimal.NewFromInt(900)))
	assert.True(t, token.LockedAmount.Equal(decimal.NewFromInt(100)))
	assert.True(t, token.TotalAmount.Equal(decimal.NewFromInt(1000)))

	stake, err := f.accounts[recipient].GetBalanceByAsset(ctx, hypertoken)
	require.NoError(t, err)
	assert.True(t, stake.FreeAmount.Equal(decimal.NewFromInt(90)))
	assert.True(t, stake.LockedAmount.Equal(decimal.NewFromInt(10)))

	missing, err := f.accounts[recipient].GetBalanceByAsset(ctx, paymentToken)
	require.NoError(t, err)
	assert.True(t, missing.TotalAmount.IsZero())
	assert.Equal(t, channelAddress, missing.ChannelAddress)

	f.network.FailNext("getChannelState", errors.New("down"))
	_, err = f.accounts[sender].GetBalances(ctx)
	assert.ErrorIs(t, err, types.ErrBalancesUnavailable)

	f.network.FailNext("channelAddress", errors.New("down"))
	_, err = f.accounts[recipient].GetBalanceByAsset(ctx, paymentToken)
	assert.ErrorIs(t, err, types.ErrBalancesUnavailable)
}
