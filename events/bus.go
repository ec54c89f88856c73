package events

import (
	"fmt"
	"sync"

	"github.com/cskr/pubsub"
	"github.com/vitwit/hypernet/logger"
	"github.com/vitwit/hypernet/types"
)

// Topic is a domain event subject.
type Topic string

// Payment topics carry a *types.Payment.
const (
	PushPaymentSent     Topic = "onPushPaymentSent"
	PushPaymentReceived Topic = "onPushPaymentReceived"
	PushPaymentUpdated  Topic = "onPushPaymentUpdated"
	PushPaymentDelayed  Topic = "onPushPaymentDelayed"
	PullPaymentSent     Topic = "onPullPaymentSent"
	PullPaymentReceived Topic = "onPullPaymentReceived"
	PullPaymentUpdated  Topic = "onPullPaymentUpdated"
	PullPaymentDelayed  Topic = "onPullPaymentDelayed"
)

// BalancesChanged carries a *types.Balances; the gateway topics carry the
// types.GatewayURL concerned.
const (
	BalancesChanged                   Topic = "onBalancesChanged"
	AuthorizedGatewayUpdated          Topic = "onAuthorizedGatewayUpdated"
	AuthorizedGatewayActivationFailed Topic = "onAuthorizedGatewayActivationFailed"
	GatewayConnectorProxyActivated    Topic = "onGatewayConnectorProxyActivated"
)

// Bus is a multicast, fire and forget event bus. Each subscriber gets its
// own queue, so a slow subscriber never blocks a publisher.
type Bus struct {
	ps     *pubsub.PubSub
	logger logger.Logger

	mu     sync.RWMutex
	closed bool
}

func NewBus(capacity int, log logger.Logger) *Bus {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Bus{
		ps:     pubsub.New(capacity),
		logger: log,
	}
}

// Publish delivers payload to every current subscriber of topic.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.ps.Pub(payload, string(topic))
}

// Subscribe calls fn for every payload published on topic, in publish
// order, on a goroutine owned by the subscription. The returned function
// cancels the subscription.
func (b *Bus) Subscribe(topic Topic, fn func(payload any)) (cancel func()) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return func() {}
	}
	ch := b.ps.Sub(string(topic))
	b.mu.RUnlock()

	s := &subscription{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go s.pump(ch)
	go s.run(fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.RLock()
			defer b.mu.RUnlock()
			if !b.closed {
				b.ps.Unsub(ch, string(topic))
			}
		})
	}
}

// Close stops delivery to all subscribers. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.ps.Shutdown()
}

// PaymentSent, PaymentReceived, PaymentUpdated and PaymentDelayed publish p
// on the push or pull topic matching its type.
func (b *Bus) PaymentSent(p *types.Payment) error {
	return b.publishPayment(p, PushPaymentSent, PullPaymentSent)
}

func (b *Bus) PaymentReceived(p *types.Payment) error {
	return b.publishPayment(p, PushPaymentReceived, PullPaymentReceived)
}

func (b *Bus) PaymentUpdated(p *types.Payment) error {
	return b.publishPayment(p, PushPaymentUpdated, PullPaymentUpdated)
}

func (b *Bus) PaymentDelayed(p *types.Payment) error {
	return b.publishPayment(p, PushPaymentDelayed, PullPaymentDelayed)
}

func (b *Bus) publishPayment(p *types.Payment, push, pull Topic) error {
	switch p.Type {
	case types.PaymentTypePush:
		b.Publish(push, p)
	case types.PaymentTypePull:
		b.Publish(pull, p)
	default:
		return types.NewError(types.CodeLogical, fmt.Sprintf("payment %s is neither push nor pull", p.ID), nil)
	}
	b.logger.Debug("payment event published", map[string]any{"paymentId": p.ID, "state": p.State})
	return nil
}

type subscription struct {
	mu    sync.Mutex
	queue []any
	wake  chan struct{}
	done  chan struct{}
}

// pump moves messages off the pubsub channel into the unbounded queue.
func (s *subscription) pump(ch chan interface{}) {
	for msg := range ch {
		s.mu.Lock()
		s.queue = append(s.queue, msg)
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	close(s.done)
}

func (s *subscription) run(fn func(any)) {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			s.drain(fn)
			return
		}
		s.drain(fn)
	}
}

func (s *subscription) drain(fn func(any)) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn(msg)
	}
}
