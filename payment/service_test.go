package payment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/hypernet/assembler"
	"github.com/vitwit/hypernet/clients"
	"github.com/vitwit/hypernet/events"
	"github.com/vitwit/hypernet/repository"
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

// fakeGateways stands in for gateway.Connector.
type fakeGateways struct {
	mu         sync.Mutex
	activated  map[types.GatewayURL]bool
	addresses  map[types.GatewayURL]types.EthereumAddress
	resolution *types.ChallengeResolution
	notified   []events.Topic
	balances   int
}

func newFakeGateways(active bool) *fakeGateways {
	return &fakeGateways{
		activated: map[types.GatewayURL]bool{gatewayURL: active},
		addresses: map[types.GatewayURL]types.EthereumAddress{gatewayURL: gatewayAddress},
	}
}

func (g *fakeGateways) setActive(active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.activated[gatewayURL] = active
}

func (g *fakeGateways) GetAuthorizedGatewaysConnectorsStatus(ctx context.Context) (map[types.GatewayURL]bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status := make(map[types.GatewayURL]bool, len(g.activated))
	for k, v := range g.activated {
		status[k] = v
	}
	return status, nil
}

func (g *fakeGateways) GetGatewayAddresses(ctx context.Context, urls []types.GatewayURL) (map[types.GatewayURL]types.EthereumAddress, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[types.GatewayURL]types.EthereumAddress)
	for _, u := range urls {
		if address, ok := g.addresses[u]; ok {
			out[u] = address
		}
	}
	return out, nil
}

func (g *fakeGateways) ResolveChallenge(ctx context.Context, url types.GatewayURL, id types.PaymentID, transferID types.TransferID) (*types.ChallengeResolution, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolution == nil {
		return nil, types.NewError(types.CodeGatewayConnector, "no ruling", nil)
	}
	return g.resolution, nil
}

func (g *fakeGateways) NotifyPayment(ctx context.Context, url types.GatewayURL, topic events.Topic, p *types.Payment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notified = append(g.notified, topic)
	return nil
}

func (g *fakeGateways) NotifyBalances(ctx context.Context, balances *types.Balances) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances++
	return nil
}

func (g *fakeGateways) notifiedTopics() []events.Topic {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]events.Topic(nil), g.notified...)
}

// eventLog records everything published on a bus.
type eventLog struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	topic   events.Topic
	payment *types.Payment
}

func recordEvents(t *testing.T, bus *events.Bus) *eventLog {
	l := &eventLog{}
	topics := append(append([]events.Topic{}, paymentTopics...), events.BalancesChanged)
	for _, topic := range topics {
		cancel := bus.Subscribe(topic, func(payload any) {
			p, _ := payload.(*types.Payment)
			l.mu.Lock()
			l.events = append(l.events, recorded{topic: topic, payment: p})
			l.mu.Unlock()
		})
		t.Cleanup(cancel)
	}
	return l
}

func (l *eventLog) count(topic events.Topic) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

func (l *eventLog) seen(topic events.Topic, id types.PaymentID, state types.PaymentState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.topic == topic && e.payment != nil && e.payment.ID == id && e.payment.State == state {
			return true
		}
	}
	return false
}

type party struct {
	id       types.PublicIdentifier
	channel  *clients.MemoryChannel
	repo     *repository.PaymentRepository
	service  *Service
	bus      *events.Bus
	events   *eventLog
	gateways *fakeGateways
}

type fixture struct {
	clock     *utils.ManualClock
	network   *clients.MemoryNetwork
	config    *types.Config
	sender    *party
	recipient *party
}

func newFixture(t *testing.T, gatewayActive bool) *fixture {
	t.Helper()

	clock := utils.NewManualClock(time.Unix(unixNow, 0))
	network := clients.NewMemoryNetwork(channelAddress, definitions, clock)
	t.Cleanup(network.Close)

	network.Deposit(sender, paymentToken, decimal.NewFromInt(1000))
	network.Deposit(recipient, hypertoken, decimal.NewFromInt(100))

	cfg := types.DefaultConfig()
	cfg.HypertokenAddress = hypertoken
	cfg.Definitions = definitions

	f := &fixture{clock: clock, network: network, config: cfg}
	f.sender = f.newParty(t, sender, gatewayActive)
	f.recipient = f.newParty(t, recipient, gatewayActive)
	return f
}

func (f *fixture) newParty(t *testing.T, id types.PublicIdentifier, gatewayActive bool) *party {
	channel := f.network.Client(id)
	asm := assembler.New(assembler.NewClassifier(definitions, nil, nil), f.clock, nil)
	repo := repository.NewPaymentRepository(channel, clients.NewTransferBuilder(channel, definitions, nil, nil), asm, f.config, f.clock, nil, nil)
	accounts := repository.NewAccountRepository(channel, nil, nil)

	bus := events.NewBus(16, nil)
	t.Cleanup(bus.Close)
	gateways := newFakeGateways(gatewayActive)

	return &party{
		id:       id,
		channel:  channel,
		repo:     repo,
		service:  NewService(id, repo, accounts, gateways, bus, f.config, nil, nil),
		bus:      bus,
		events:   recordEvents(t, bus),
		gateways: gateways,
	}
}

func (p *party) listen(t *testing.T) *Listener {
	l := NewListener(p.channel, assembler.NewClassifier(definitions, nil, nil), p.service, p.gateways, p.bus, time.Second, nil)
	l.Start(context.Background())
	t.Cleanup(l.Stop)
	return l
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

func pullRequest(maximum, deltaAmount, deltaTime int64) *types.PullPaymentRequest {
	return &types.PullPaymentRequest{
		CounterPartyAccount: recipient,
		MaximumAmount:       decimal.NewFromInt(maximum),
		DeltaAmount:         decimal.NewFromInt(deltaAmount),
		DeltaTime:           deltaTime,
		ExpirationDate:      unixNow + 3600,
		RequiredStake:       decimal.NewFromInt(10),
		PaymentToken:        paymentToken,
		GatewayURL:          gatewayURL,
	}
}

func advanceOne(t *testing.T, p *party, id types.PaymentID) *types.Payment {
	t.Helper()
	results, err := p.service.AdvancePayments(context.Background(), []types.PaymentID{id})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	return results[0].Payment
}

func TestPushPaymentScenario(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	sent, err := f.sender.service.SendFunds(ctx, pushRequest(100, 10))
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStateProposed, sent.State)
	assert.Eventually(t, func() bool {
		return f.sender.events.seen(events.PushPaymentSent, sent.ID, types.PaymentStateProposed)
	}, time.Second, 5*time.Millisecond)

	results, err := f.recipient.service.AcceptOffers(ctx, []types.PaymentID{sent.ID})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, types.PaymentStateStaked, results[0].Payment.State)
	assert.True(t, results[0].Payment.AmountStaked.Equal(decimal.NewFromInt(10)))

	approved := advanceOne(t, f.sender, sent.ID)
	assert.Equal(t, types.PaymentStateApproved, approved.State)

	accepted := advanceOne(t, f.recipient, sent.ID)
	assert.Equal(t, types.PaymentStateAccepted, accepted.State)
	assert.True(t, accepted.Push.AmountTransferred.Equal(decimal.NewFromInt(100)))

	finalized, err := f.sender.service.ResolveInsurance(ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStateFinalized, finalized.State)

	assert.Eventually(t, func() bool {
		return f.recipient.events.seen(events.PushPaymentUpdated, sent.ID, types.PaymentStateAccepted) &&
			f.sender.events.seen(events.PushPaymentUpdated, sent.ID, types.PaymentStateApproved) &&
			f.sender.events.count(events.BalancesChanged) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestSendFundsValidation(t *testing.T) {
	f := newFixture(t, true)

	req := pushRequest(100, 10)
	req.PaymentToken = "not-an-address"
	_, err := f.sender.service.SendFunds(context.Background(), req)
	assert.ErrorIs(t, err, types.ErrInvalidParameters)
	assert.Empty(t, f.network.Transfers())
}

func TestAcceptOffersStakesNothingOnInsufficientBalance(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first, err := f.sender.service.SendFunds(ctx, pushRequest(100, 60))
	require.NoError(t, err)
	second, err := f.sender.service.SendFunds(ctx, pushRequest(100, 60))
	require.NoError(t, err)

	_, err = f.recipient.service.AcceptOffers(ctx, []types.PaymentID{first.ID, second.ID})
	assert.ErrorIs(t, err, types.ErrInsufficientBalance)
	assert.Len(t, f.network.Transfers(), 2)

	for _, id := range []types.PaymentID{first.ID, second.ID} {
		p, err := f.recipient.repo.GetPayment(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.PaymentStateProposed, p.State)
	}
}

func TestAcceptOffersPreconditions(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	sent, err := f.sender.service.SendFunds(ctx, pushRequest(100, 10))
	require.NoError(t, err)

	_, err = f.sender.service.AcceptOffers(ctx, []types.PaymentID{sent.ID})
	assert.ErrorIs(t, err, types.ErrAcceptPayment, "only the recipient stakes")

	_, err = f.recipient.service.AcceptOffers(ctx, []types.PaymentID{sent.ID})
	require.NoError(t, err)

	_, err = f.recipient.service.AcceptOffers(ctx, []types.PaymentID{sent.ID})
	assert.ErrorIs(t, err, types.ErrAcceptPayment, "already staked")

	results, err := f.recipient.service.AcceptOffers(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAcceptOffersRequiresGatewayAddress(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	sent, err := f.sender.service.SendFunds(ctx, pushRequest(100, 10))
	require.NoError(t, err)

	f.recipient.gateways.mu.Lock()
	delete(f.recipient.gateways.addresses, gatewayURL)
	f.recipient.gateways.mu.Unlock()

	_, err = f.recipient.service.AcceptOffers(ctx, []types.PaymentID{sent.ID})
	assert.ErrorIs(t, err, types.ErrGatewayValidation)
	assert.Len(t, f.network.Transfers(), 1)
}

func TestAcceptOffersIsolatesStakeFailures(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first, err := f.sender.service.SendFunds(ctx, pushRequest(100, 10))
	require.NoError(t, err)
	second, err := f.sender.service.SendFunds(ctx, pushRequest(100, 10))
	require.NoError(t, err)

	f.network.FailNext("conditionalTransfer", errors.New("channel busy"))
	results, err := f.recipient.service.AcceptOffers(ctx, []types.PaymentID{first.ID, second.ID})
	require.NoError(t, err)
	require.Len(t, results, 2)

	failed := 0
	for i, id := range []types.PaymentID{first.ID, second.ID} {
		assert.Equal(t, id, results[i].PaymentID)
		if results[i].Err != nil {
			failed++
			assert.ErrorIs(t, results[i].Err, types.ErrAcceptPayment)
			assert.ErrorIs(t, results[i].Err, types.ErrPaymentStake)
			continue
		}
		assert.Equal(t, types.PaymentStateStaked, results[i].Payment.State)
	}
	assert.Equal(t, 1, failed)
}

func TestAdvanceDelaysWhileGatewayInactive(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	sent, err := f.sender.service.SendFunds(ctx, pushRequest(100, 10))
	require.NoError(t, err)
	_, err = f.recipient.service.AcceptOffers(ctx, []types.PaymentID{sent.ID})
	require.NoError(t, err)

	delayed := advanceOne(t, f.sender, sent.ID)
	assert.Equal(t, types.PaymentStateStaked, delayed.State)
	assert.Eventually(t, func() bool {
		return f.sender.events.seen(events.PushPaymentDelayed, sent.ID, types.PaymentStateStaked)
	}, time.Second, 5*time.Millisecond)

	f.sender.gateways.setActive(true)
	approved := advanceOne(t, f.sender, sent.ID)
	assert.Equal(t, types.PaymentStateApproved, approved.State)
}

func TestAdvanceLeavesOtherStatesAlone(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	sent, err := f.sender.service.SendFunds(ctx, pushRequest(100, 10))
	require.NoError(t, err)

	proposed := advanceOne(t, f.sender, sent.ID)
	assert.Equal(t, types.PaymentStateProposed, proposed.State)

	results, err := f.sender.service.AdvancePayments(ctx, []types.PaymentID{types.PaymentID("0x" + strings.Repeat("0", 64))})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, types.ErrInvalidPayment)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.sender.events.count(events.PushPaymentDelayed))
}

func TestPullFunds(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	authorized, err := f.sender.service.AuthorizeFunds(ctx, pullRequest(100, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, types.PaymentTypePull, authorized.Type)

	_, err = f.recipient.service.AcceptOffers(ctx, []types.PaymentID{authorized.ID})
	require.NoError(t, err)
	approved := advanceOne(t, f.sender, authorized.ID)
	require.Equal(t, types.PaymentStateApproved, approved.State)

	// the recipient does not auto-accept pull payments
	still := advanceOne(t, f.recipient, authorized.ID)
	assert.Equal(t, types.PaymentStateApproved, still.State)

	f.clock.Advance(19 * time.Second)

	_, err = f.sender.service.PullFunds(ctx, authorized.ID, decimal.NewFromInt(5))
	assert.ErrorIs(t, err, types.ErrInvalidParameters, "only the recipient pulls")

	_, err = f.recipient.service.PullFunds(ctx, authorized.ID, decimal.NewFromInt(21))
	assert.ErrorIs(t, err, types.ErrInvalidParameters)

	pulled, err := f.recipient.service.PullFunds(ctx, authorized.ID, decimal.NewFromInt(20))
	require.NoError(t, err)
	assert.True(t, pulled.Pull.AmountTransferred.Equal(decimal.NewFromInt(20)))
	assert.Eventually(t, func() bool {
		return f.recipient.events.count(events.PullPaymentUpdated) > 0
	}, time.Second, 5*time.Millisecond)

	push, err := f.sender.service.SendFunds(ctx, pushRequest(100, 10))
	require.NoError(t, err)
	_, err = f.recipient.service.PullFunds(ctx, push.ID, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, types.ErrInvalidParameters)
}

func acceptedPayment(t *testing.T, f *fixture) *types.Payment {
	t.Helper()
	ctx := context.Background()

	sent, err := f.sender.service.SendFunds(ctx, pushRequest(100, 10))
	require.NoError(t, err)
	_, err = f.recipient.service.AcceptOffers(ctx, []types.PaymentID{sent.ID})
	require.NoError(t, err)
	advanceOne(t, f.sender, sent.ID)
	accepted := advanceOne(t, f.recipient, sent.ID)
	require.Equal(t, types.PaymentStateAccepted, accepted.State)
	return accepted
}

func TestInitiateDispute(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	sent, err := f.sender.service.SendFunds(ctx, pushRequest(100, 10))
	require.NoError(t, err)
	_, err = f.sender.service.InitiateDispute(ctx, sent.ID)
	assert.ErrorIs(t, err, types.ErrInvalidParameters)

	accepted := acceptedPayment(t, f)

	_, err = f.sender.service.InitiateDispute(ctx, accepted.ID)
	assert.ErrorIs(t, err, types.ErrGatewayConnector)

	f.sender.gateways.resolution = &types.ChallengeResolution{
		MediatorSignature: types.Signature("0x" + strings.Repeat("ab", 65)),
		Amount:            decimal.NewFromInt(4),
	}
	disputed, err := f.sender.service.InitiateDispute(ctx, accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStateDisputed, disputed.State)
	assert.True(t, disputed.CollateralRecovered.Equal(decimal.NewFromInt(4)))
}

func TestResolveInsuranceRequiresAccepted(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	sent, err := f.sender.service.SendFunds(ctx, pushRequest(100, 10))
	require.NoError(t, err)
	_, err = f.sender.service.ResolveInsurance(ctx, sent.ID)
	assert.ErrorIs(t, err, types.ErrInvalidParameters)
}

func TestCancelOffer(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	sent, err := f.sender.service.SendFunds(ctx, pushRequest(100, 10))
	require.NoError(t, err)

	canceled, err := f.sender.service.CancelOffer(ctx, sent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentStateCanceled, canceled.State)

	_, err = f.recipient.service.AcceptOffers(ctx, []types.PaymentID{sent.ID})
	assert.ErrorIs(t, err, types.ErrAcceptPayment)
}

func TestListenerDrivesPushPayment(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.sender.listen(t)
	f.recipient.listen(t)

	sent, err := f.sender.service.SendFunds(ctx, pushRequest(100, 10))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.recipient.events.seen(events.PushPaymentReceived, sent.ID, types.PaymentStateProposed)
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.sender.events.count(events.PushPaymentReceived), "our own offers are not received")

	_, err = f.recipient.service.AcceptOffers(ctx, []types.PaymentID{sent.ID})
	require.NoError(t, err)

	// the sender posts the payment, the recipient takes it
	require.Eventually(t, func() bool {
		p, err := f.sender.repo.GetPayment(ctx, sent.ID)
		return err == nil && p.State == types.PaymentStateAccepted
	}, 2*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return len(f.sender.gateways.notifiedTopics()) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestListenerAdvancesOnGatewayActivation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.sender.listen(t)

	sent, err := f.sender.service.SendFunds(ctx, pushRequest(100, 10))
	require.NoError(t, err)
	_, err = f.recipient.service.AcceptOffers(ctx, []types.PaymentID{sent.ID})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.sender.events.seen(events.PushPaymentDelayed, sent.ID, types.PaymentStateStaked)
	}, time.Second, 5*time.Millisecond)

	f.sender.gateways.setActive(true)
	f.sender.bus.Publish(events.GatewayConnectorProxyActivated, gatewayURL)

	require.Eventually(t, func() bool {
		p, err := f.sender.repo.GetPayment(ctx, sent.ID)
		return err == nil && p.State == types.PaymentStateApproved
	}, time.Second, 5*time.Millisecond)
}

func TestHandleTransferEventIgnoresForeignTransfers(t *testing.T) {
	f := newFixture(t, true)
	l := NewListener(f.sender.channel, assembler.NewClassifier(definitions, nil, nil), f.sender.service, nil, f.sender.bus, 0, nil)

	err := l.HandleTransferEvent(context.Background(), types.TransferEvent{
		Type:     types.TransferCreated,
		Transfer: &types.Transfer{TransferID: "0x01", Definition: "0x00000000000000000000000000000000000000FF"},
	})
	assert.NoError(t, err)
	assert.NoError(t, l.HandleTransferEvent(context.Background(), types.TransferEvent{Type: types.TransferCreated}))
}
