package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitwit/hypernet/assembler"
	"github.com/vitwit/hypernet/clients"
	"github.com/vitwit/hypernet/events"
	"github.com/vitwit/hypernet/logger"
	"github.com/vitwit/hypernet/types"
)

// GatewayNotifier forwards local events to the gateways.
type GatewayNotifier interface {
	GetAuthorizedGatewaysConnectorsStatus(ctx context.Context) (map[types.GatewayURL]bool, error)
	NotifyPayment(ctx context.Context, gatewayURL types.GatewayURL, topic events.Topic, payment *types.Payment) error
	NotifyBalances(ctx context.Context, balances *types.Balances) error
}

var paymentTopics = []events.Topic{
	events.PushPaymentSent, events.PushPaymentReceived, events.PushPaymentUpdated, events.PushPaymentDelayed,
	events.PullPaymentSent, events.PullPaymentReceived, events.PullPaymentUpdated, events.PullPaymentDelayed,
}

// Listener feeds channel transfer events to the service handlers and keeps
// the gateways informed of what happens locally.
type Listener struct {
	channel    clients.ChannelClient
	classifier *assembler.Classifier
	service    *Service
	gateways   GatewayNotifier
	bus        *events.Bus
	timeout    time.Duration
	logger     logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	unsubs  []func()
	running bool
}

// NewListener creates a listener. timeout bounds the handling of a single
// event; zero means no bound. gateways may be nil.
func NewListener(
	channel clients.ChannelClient,
	classifier *assembler.Classifier,
	service *Service,
	gateways GatewayNotifier,
	bus *events.Bus,
	timeout time.Duration,
	log logger.Logger,
) *Listener {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Listener{
		channel:    channel,
		classifier: classifier,
		service:    service,
		gateways:   gateways,
		bus:        bus,
		timeout:    timeout,
		logger:     logger.With(log, map[string]any{"component": "paymentListener"}),
	}
}

// Start subscribes to the channel and the bus. Handling stops when ctx is
// done or Stop is called.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.ctx, l.cancel = context.WithCancel(ctx)

	l.unsubs = append(l.unsubs, l.channel.OnTransferEvent(func(ev types.TransferEvent) {
		ctx, cancel := l.eventContext()
		defer cancel()
		if err := l.HandleTransferEvent(ctx, ev); err != nil {
			l.logger.Error("failed to handle transfer event", map[string]any{
				"type":       ev.Type,
				"transferId": ev.Transfer.TransferID,
				"error":      err,
			})
		}
	}))

	l.unsubs = append(l.unsubs, l.bus.Subscribe(events.GatewayConnectorProxyActivated, func(payload any) {
		gatewayURL, ok := payload.(types.GatewayURL)
		if !ok {
			return
		}
		ctx, cancel := l.eventContext()
		defer cancel()
		if _, err := l.service.AdvanceGatewayPayments(ctx, gatewayURL); err != nil {
			l.logger.Warn("failed to advance payments of activated gateway", map[string]any{"gatewayUrl": gatewayURL, "error": err})
		}
	}))

	if l.gateways == nil {
		return
	}
	for _, topic := range paymentTopics {
		l.unsubs = append(l.unsubs, l.bus.Subscribe(topic, func(payload any) {
			if p, ok := payload.(*types.Payment); ok {
				l.notifyPayment(topic, p)
			}
		}))
	}
	l.unsubs = append(l.unsubs, l.bus.Subscribe(events.BalancesChanged, func(payload any) {
		balances, ok := payload.(*types.Balances)
		if !ok {
			return
		}
		ctx, cancel := l.eventContext()
		defer cancel()
		if err := l.gateways.NotifyBalances(ctx, balances); err != nil {
			l.logger.Debug("balances not delivered to every gateway", map[string]any{"error": err})
		}
	}))
}

// Stop cancels every subscription and any handling in progress.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	for _, unsub := range l.unsubs {
		unsub()
	}
	l.unsubs = nil
	l.cancel()
	l.running = false
}

// HandleTransferEvent routes a channel event to the matching handler.
// Transfers that are not part of a payment are ignored.
func (l *Listener) HandleTransferEvent(ctx context.Context, ev types.TransferEvent) error {
	if ev.Transfer == nil {
		return nil
	}
	ct := l.classifier.Classify(ev.Transfer)
	if ct.Kind == types.TransferKindUnknown {
		return nil
	}

	l.logger.Debug("transfer event", map[string]any{
		"type":       ev.Type,
		"kind":       ct.Kind.String(),
		"paymentId":  ct.PaymentID,
		"transferId": ev.Transfer.TransferID,
	})

	switch ev.Type {
	case types.TransferCreated:
		switch ct.Kind {
		case types.TransferKindOffer:
			return l.service.OfferReceived(ctx, ct.PaymentID)
		case types.TransferKindPullRecord:
			return l.service.PullRecorded(ctx, ct.PaymentID)
		case types.TransferKindInsurance:
			return l.service.StakePosted(ctx, ct.PaymentID)
		case types.TransferKindParameterized:
			return l.service.PaymentPosted(ctx, ct.PaymentID)
		}
	case types.TransferResolved:
		switch ct.Kind {
		case types.TransferKindOffer:
			return l.service.OfferResolved(ctx, ct.PaymentID)
		case types.TransferKindInsurance:
			return l.service.InsuranceResolved(ctx, ct.PaymentID)
		case types.TransferKindParameterized:
			return l.service.PaymentCompleted(ctx, ct.PaymentID)
		}
	default:
		return types.NewError(types.CodeLogical, fmt.Sprintf("unknown transfer event type %q", ev.Type), nil)
	}
	return nil
}

// notifyPayment forwards a payment event to the payment's gateway if it is
// activated. Delivery is best effort.
func (l *Listener) notifyPayment(topic events.Topic, p *types.Payment) {
	ctx, cancel := l.eventContext()
	defer cancel()

	status, err := l.gateways.GetAuthorizedGatewaysConnectorsStatus(ctx)
	if err != nil || !status[p.GatewayURL] {
		return
	}
	if err := l.gateways.NotifyPayment(ctx, p.GatewayURL, topic, p); err != nil {
		l.logger.Warn("failed to notify gateway", map[string]any{"gatewayUrl": p.GatewayURL, "paymentId": p.ID, "event": topic, "error": err})
	}
}

func (l *Listener) eventContext() (context.Context, context.CancelFunc) {
	l.mu.Lock()
	base := l.ctx
	l.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if l.timeout > 0 {
		return context.WithTimeout(base, l.timeout)
	}
	return context.WithCancel(base)
}
