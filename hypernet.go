// Package hypernet coordinates conditional push and pull payments over an
// off-chain payment channel, with a gateway acting as dispute mediator.
package hypernet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/hypernet/assembler"
	"github.com/vitwit/hypernet/clients"
	"github.com/vitwit/hypernet/events"
	"github.com/vitwit/hypernet/gateway"
	"github.com/vitwit/hypernet/logger"
	"github.com/vitwit/hypernet/metrics"
	"github.com/vitwit/hypernet/payment"
	"github.com/vitwit/hypernet/repository"
	"github.com/vitwit/hypernet/storage"
	"github.com/vitwit/hypernet/types"
	"github.com/vitwit/hypernet/utils"
)

// Core is the main struct that provides all hypernet functionality for
// one channel participant.
type Core struct {
	config   *types.Config
	channel  clients.ChannelClient
	signer   clients.Signer
	store    storage.Store
	bus      *events.Bus
	payments *repository.PaymentRepository
	accounts *repository.AccountRepository
	gateways *gateway.Connector
	service  *payment.Service
	listener *payment.Listener

	logger       logger.Logger
	metrics      metrics.Recorder
	timeout      time.Duration
	clock        utils.Clock
	proxyFactory gateway.ProxyFactory
	ownsStore    bool

	initOnce sync.Once
	initErr  error
	close    sync.Once
}

// New wires a Core on top of channel. signer authorizes gateways and signs
// payment resolutions. The store defaults to sqlite at
// config.DatabasePath, or memory when no path is set.
func New(config *types.Config, channel clients.ChannelClient, signer clients.Signer, opts ...Option) (*Core, error) {
	if config == nil {
		config = types.DefaultConfig()
	}
	if err := utils.ValidateConfig(config); err != nil {
		return nil, err
	}
	if channel == nil || signer == nil {
		return nil, types.NewError(types.CodeInvalidParameters, "a channel client and a signer are required", nil)
	}

	c := &Core{
		config:  config,
		channel: channel,
		signer:  signer,
		timeout: config.RequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = logger.NewZapLogger(config.LogLevel)
	}
	if c.metrics == nil {
		c.metrics = metrics.NoopRecorder{}
		if config.EnableMetrics {
			rec, err := metrics.NewPrometheusRecorder(nil)
			if err != nil {
				return nil, fmt.Errorf("failed to register metrics: %w", err)
			}
			c.metrics = rec
		}
	}
	if c.clock == nil {
		c.clock = utils.SystemClock{}
	}
	if c.proxyFactory == nil {
		c.proxyFactory = gateway.NewWebsocketProxyFactory(nil, c.logger)
	}
	if c.store == nil {
		if err := c.openStore(); err != nil {
			return nil, err
		}
	}

	identifier := channel.PublicIdentifier()
	log := logger.With(c.logger, map[string]any{"publicIdentifier": identifier})

	classifier := assembler.NewClassifier(config.Definitions, log, c.metrics)
	asm := assembler.New(classifier, c.clock, log)
	builder := clients.NewTransferBuilder(channel, config.Definitions, signer, log)

	c.bus = events.NewBus(config.EventBufferSize, log)
	c.payments = repository.NewPaymentRepository(channel, builder, asm, config, c.clock, log, c.metrics)
	c.accounts = repository.NewAccountRepository(channel, log, c.metrics)
	c.gateways = gateway.NewConnector(identifier, c.proxyFactory, signer, c.store, c.bus, config.GatewayRetry, log, c.metrics)
	c.service = payment.NewService(identifier, c.payments, c.accounts, c.gateways, c.bus, config, log, c.metrics)
	c.listener = payment.NewListener(channel, classifier, c.service, c.gateways, c.bus, config.RequestTimeout, log)
	return c, nil
}

func (c *Core) openStore() error {
	if c.config.DatabasePath == "" {
		c.store = storage.NewMemoryStore()
		c.ownsStore = true
		return nil
	}
	ctx, cancel := c.withTimeout(context.Background())
	defer cancel()
	store, err := storage.NewSQLiteStore(ctx, c.config.DatabasePath)
	if err != nil {
		return types.NewError(types.CodePersistence, fmt.Sprintf("failed to open %s", c.config.DatabasePath), err)
	}
	c.store = store
	c.ownsStore = true
	return nil
}

// Initialize activates the authorized gateways and starts reacting to
// channel events. It runs once; later calls return the first result.
// Gateway activation failures are reported as events, not errors.
func (c *Core) Initialize(ctx context.Context) error {
	c.initOnce.Do(func() {
		ctx, cancel := c.withTimeout(ctx)
		defer cancel()

		balances, err := c.accounts.GetBalances(ctx)
		if err != nil {
			c.initErr = err
			return
		}
		if err := c.gateways.ActivateAuthorizedGateways(ctx, balances); err != nil {
			c.initErr = err
			return
		}
		c.listener.Start(context.Background())
		c.logger.Info("hypernet core initialized", map[string]any{"publicIdentifier": c.channel.PublicIdentifier()})
	})
	return c.initErr
}

func (c *Core) PublicIdentifier() types.PublicIdentifier {
	return c.channel.PublicIdentifier()
}

// Subscribe calls fn with every payload published on topic until the
// returned function is called.
func (c *Core) Subscribe(topic events.Topic, fn func(payload any)) (cancel func()) {
	return c.bus.Subscribe(topic, fn)
}

func (c *Core) GetBalances(ctx context.Context) (*types.Balances, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.accounts.GetBalances(ctx)
}

// GetPayments returns every payment in the lookback window.
func (c *Core) GetPayments(ctx context.Context) ([]*types.Payment, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.payments.GetAllPayments(ctx)
}

func (c *Core) GetPaymentsByIDs(ctx context.Context, ids []types.PaymentID) (map[types.PaymentID]*types.Payment, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.payments.GetPaymentsByIDs(ctx, ids)
}

func (c *Core) GetPayment(ctx context.Context, id types.PaymentID) (*types.Payment, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.payments.GetPayment(ctx, id)
}

// SendFunds offers a push payment.
func (c *Core) SendFunds(ctx context.Context, req *types.PushPaymentRequest) (*types.Payment, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.service.SendFunds(ctx, req)
}

// AuthorizeFunds offers a pull payment.
func (c *Core) AuthorizeFunds(ctx context.Context, req *types.PullPaymentRequest) (*types.Payment, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.service.AuthorizeFunds(ctx, req)
}

// AcceptOffers stakes the given offers, all or none past the shared checks.
func (c *Core) AcceptOffers(ctx context.Context, ids []types.PaymentID) ([]types.PaymentResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.service.AcceptOffers(ctx, ids)
}

// PullFunds draws amount from an authorized pull payment.
func (c *Core) PullFunds(ctx context.Context, id types.PaymentID, amount decimal.Decimal) (*types.Payment, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.service.PullFunds(ctx, id, amount)
}

func (c *Core) AdvancePayments(ctx context.Context, ids []types.PaymentID) ([]types.PaymentResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.service.AdvancePayments(ctx, ids)
}

func (c *Core) InitiateDispute(ctx context.Context, id types.PaymentID) (*types.Payment, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.service.InitiateDispute(ctx, id)
}

func (c *Core) ResolveInsurance(ctx context.Context, id types.PaymentID) (*types.Payment, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.service.ResolveInsurance(ctx, id)
}

func (c *Core) CancelOffer(ctx context.Context, id types.PaymentID) (*types.Payment, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.service.CancelOffer(ctx, id)
}

// AuthorizeGateway authorizes and activates a gateway. The authorization
// is kept even if activation fails.
func (c *Core) AuthorizeGateway(ctx context.Context, info *types.GatewayRegistrationInfo) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	balances, err := c.accounts.GetBalances(ctx)
	if err != nil {
		return err
	}
	return c.gateways.AddAuthorizedGateway(ctx, info, balances)
}

func (c *Core) DeauthorizeGateway(ctx context.Context, gatewayURL types.GatewayURL) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.gateways.DeauthorizeGateway(ctx, gatewayURL)
}

func (c *Core) GetAuthorizedGateways(ctx context.Context) (map[types.GatewayURL]types.Signature, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.gateways.GetAuthorizedGateways(ctx)
}

// GetAuthorizedGatewaysStatus reports which authorized gateways are activated.
func (c *Core) GetAuthorizedGatewaysStatus(ctx context.Context) (map[types.GatewayURL]bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.gateways.GetAuthorizedGatewaysConnectorsStatus(ctx)
}

// Close stops event handling, drops the gateway connections and closes
// the store if the core opened it.
func (c *Core) Close() error {
	var err error
	c.close.Do(func() {
		c.listener.Stop()
		c.gateways.Close()
		c.bus.Close()
		if c.ownsStore {
			err = c.store.Close()
		}
	})
	return err
}

func (c *Core) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = 1
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version":  Version,
		"protocol_version": ProtocolVersion,
		"payment_types":    []string{string(types.PaymentTypePush), string(types.PaymentTypePull)},
		"transfer_kinds": []string{
			types.TransferKindOffer.String(),
			types.TransferKindPullRecord.String(),
			types.TransferKindInsurance.String(),
			types.TransferKindParameterized.String(),
		},
	}
}
