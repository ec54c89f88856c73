package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vitwit/hypernet/clients"
	"github.com/vitwit/hypernet/events"
	"github.com/vitwit/hypernet/logger"
	"github.com/vitwit/hypernet/metrics"
	"github.com/vitwit/hypernet/storage"
	"github.com/vitwit/hypernet/types"
	"github.com/vitwit/hypernet/utils"
	"github.com/vitwit/hypernet/utils/eip712"
)

// Connector owns the user's gateway authorizations and the proxies to the
// authorized gateways' connectors.
//
// A gateway is authorized once its url and validated code signature are
// signed by the user and persisted. It is activated once a proxy to it has
// passed validation and the connector has accepted activation. Authorized
// but not activated is a valid state: payments through such a gateway are
// delayed, not failed.
type Connector struct {
	identifier types.PublicIdentifier
	factory    ProxyFactory
	signer     clients.Signer
	store      *AuthorizationStore
	bus        *events.Bus
	queue      *activationQueue
	backoff    utils.Backoff
	httpClient *http.Client
	logger     logger.Logger
	metrics    metrics.Recorder

	mu        sync.Mutex
	proxies   map[types.GatewayURL]Proxy
	results   map[types.GatewayURL]activation
	addresses map[types.GatewayURL]types.EthereumAddress
	balances  *types.Balances

	startOnce sync.Once
	started   chan struct{}
	ready     chan struct{}
}

// activation is the outcome of the last attempt to activate a gateway.
type activation struct {
	proxy Proxy
	err   error
}

func NewConnector(
	identifier types.PublicIdentifier,
	factory ProxyFactory,
	signer clients.Signer,
	store storage.Store,
	bus *events.Bus,
	retry types.RetryConfig,
	log logger.Logger,
	rec metrics.Recorder,
) *Connector {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Connector{
		identifier: identifier,
		factory:    factory,
		signer:     signer,
		store:      NewAuthorizationStore(store),
		bus:        bus,
		queue:      newActivationQueue(),
		backoff:    utils.NewBackoff(retry),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With(log, map[string]any{"component": "gatewayConnector"}),
		metrics:    rec,
		proxies:    make(map[types.GatewayURL]Proxy),
		results:    make(map[types.GatewayURL]activation),
		addresses:  make(map[types.GatewayURL]types.EthereumAddress),
		started:    make(chan struct{}),
		ready:      make(chan struct{}),
	}
}

// AddAuthorizedGateway authorizes a new gateway and activates it. The
// authorization is persisted before activation and is kept if activation
// fails.
func (c *Connector) AddAuthorizedGateway(ctx context.Context, info *types.GatewayRegistrationInfo, balances *types.Balances) error {
	if err := utils.ValidateStruct(info); err != nil {
		return err
	}
	gatewayURL := info.URL

	c.mu.Lock()
	c.addresses[gatewayURL] = info.Address
	if c.balances == nil {
		c.balances = balances
	}
	c.mu.Unlock()

	err := c.queue.Do(ctx, func(ctx context.Context) error {
		c.DestroyProxy(gatewayURL)
		proxy, err := c.factory.Create(ctx, gatewayURL)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.proxies[gatewayURL] = proxy
		c.mu.Unlock()

		validated, err := proxy.GetValidatedSignature(ctx)
		if err != nil {
			return err
		}
		authorization, err := c.signer.SignTypedData(ctx, eip712.AuthorizedGateway(gatewayURL, validated))
		if err != nil {
			return types.NewError(types.CodeGatewayValidation, fmt.Sprintf("failed to sign authorization of gateway %s", gatewayURL), err)
		}
		if err := c.store.Put(ctx, gatewayURL, authorization); err != nil {
			return err
		}

		if err := proxy.ActivateConnector(ctx, c.identifier, balances); err != nil {
			return err
		}
		c.setResult(gatewayURL, activation{proxy: proxy})
		return nil
	})
	if err != nil {
		c.DestroyProxy(gatewayURL)
		c.setResult(gatewayURL, activation{err: err})
		c.bus.Publish(events.AuthorizedGatewayActivationFailed, gatewayURL)
		c.metrics.IncCounter(metrics.GatewayActivation, map[string]string{"operation": "add", "outcome": "failure"})
		c.logger.Error("failed to add authorized gateway", map[string]any{"gatewayUrl": gatewayURL, "error": err})
		return types.NewError(types.CodeGatewayActivation, fmt.Sprintf("unable to activate gateway %s", gatewayURL), err)
	}

	c.bus.Publish(events.GatewayConnectorProxyActivated, gatewayURL)
	c.metrics.IncCounter(metrics.GatewayActivation, map[string]string{"operation": "add", "outcome": "success"})
	c.logger.Info("gateway authorized", map[string]any{"gatewayUrl": gatewayURL})
	return nil
}

// ActivateAuthorizedGateways activates every persisted gateway, one after
// the other. Only the first call does any work; later calls wait for it.
// Failures are reported per gateway as AuthorizedGatewayActivationFailed
// events and never returned.
func (c *Connector) ActivateAuthorizedGateways(ctx context.Context, balances *types.Balances) error {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.balances = balances
		c.mu.Unlock()
		close(c.started)
		defer close(c.ready)

		authorized, err := c.store.Load(ctx)
		if err != nil {
			c.logger.Error("could not load authorized gateways", map[string]any{"error": err})
			return
		}

		for _, gatewayURL := range sortedURLs(authorized) {
			authorization := authorized[gatewayURL]
			ran := false
			err := c.queue.Do(ctx, func(ctx context.Context) error {
				ran = true
				_, err := c.activate(ctx, gatewayURL, authorization, balances)
				return err
			})
			if err == nil {
				continue
			}
			c.logger.Error("could not activate authorized gateway", map[string]any{"gatewayUrl": gatewayURL, "error": err})
			if !ran {
				// left as a proxy failure so the first use activates it again
				c.activationFailed(gatewayURL, types.NewError(types.CodeProxy, fmt.Sprintf("activation of gateway %s did not start", gatewayURL), err))
			}
		}
	})

	select {
	case <-c.ready:
	case <-ctx.Done():
	}
	return nil
}

// activate creates, validates and activates a proxy. It runs on the
// activation queue.
func (c *Connector) activate(
	ctx context.Context,
	gatewayURL types.GatewayURL,
	authorization types.Signature,
	balances *types.Balances,
) (Proxy, error) {
	c.logger.Debug("activating gateway connector", map[string]any{"gatewayUrl": gatewayURL})

	proxy, err := c.factory.Create(ctx, gatewayURL)
	if err != nil {
		return nil, c.activationFailed(gatewayURL, err)
	}
	c.mu.Lock()
	c.proxies[gatewayURL] = proxy
	c.mu.Unlock()

	if err := c.validate(ctx, gatewayURL, proxy, authorization); err != nil {
		return nil, c.activationFailed(gatewayURL, err)
	}
	if err := proxy.ActivateConnector(ctx, c.identifier, balances); err != nil {
		return nil, c.activationFailed(gatewayURL, err)
	}

	c.setResult(gatewayURL, activation{proxy: proxy})
	c.bus.Publish(events.GatewayConnectorProxyActivated, gatewayURL)
	c.metrics.IncCounter(metrics.GatewayActivation, map[string]string{"operation": "activate", "outcome": "success"})
	c.logger.Info("gateway connector activated", map[string]any{"gatewayUrl": gatewayURL})
	return proxy, nil
}

func (c *Connector) activationFailed(gatewayURL types.GatewayURL, err error) error {
	c.bus.Publish(events.AuthorizedGatewayActivationFailed, gatewayURL)
	c.metrics.IncCounter(metrics.GatewayActivation, map[string]string{"operation": "activate", "outcome": "failure"})

	if errors.Is(err, types.ErrProxy) || errors.Is(err, types.ErrGatewayActivation) {
		c.DestroyProxy(gatewayURL)
	}
	c.setResult(gatewayURL, activation{err: err})
	return err
}

// validate checks that the stored authorization covers the code the gateway
// serves now. If the gateway changed its code the user is asked to sign
// again; a refusal deauthorizes the gateway.
func (c *Connector) validate(ctx context.Context, gatewayURL types.GatewayURL, proxy Proxy, authorization types.Signature) error {
	validated, err := proxy.GetValidatedSignature(ctx)
	if err != nil {
		return err
	}

	typedData := eip712.AuthorizedGateway(gatewayURL, validated)
	signer, err := c.signer.VerifyTypedData(typedData, authorization)
	if err == nil && signer == c.signer.Address() {
		c.logger.Debug("gateway code signature validated", map[string]any{"gatewayUrl": gatewayURL})
		return nil
	}

	c.logger.Warn("authorized gateway changed its connector", map[string]any{"gatewayUrl": gatewayURL})
	c.bus.Publish(events.AuthorizedGatewayUpdated, gatewayURL)

	renewed, err := c.signer.SignTypedData(ctx, typedData)
	if err != nil {
		if derr := c.DeauthorizeGateway(ctx, gatewayURL); derr != nil {
			c.logger.Error("failed to deauthorize gateway", map[string]any{"gatewayUrl": gatewayURL, "error": derr})
		}
		return types.NewError(types.CodeGatewayAuthorizationDenied, fmt.Sprintf("user declined authorization of gateway %s", gatewayURL), err)
	}
	return c.store.Put(ctx, gatewayURL, renewed)
}

// getActivatedProxy returns the activated proxy of gatewayURL. A proxy
// that failed on transport is activated again with bounded backoff, using
// the stored authorization and the last known balances.
func (c *Connector) getActivatedProxy(ctx context.Context, gatewayURL types.GatewayURL) (Proxy, error) {
	if err := c.waitActivation(ctx); err != nil {
		return nil, err
	}

	authorization, ok, err := c.store.Get(ctx, gatewayURL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NewError(types.CodeGatewayConnector, fmt.Sprintf("gateway %s is not authorized", gatewayURL), nil)
	}

	res, ok := c.result(gatewayURL)
	if !ok {
		res = activation{err: types.NewError(types.CodeProxy, fmt.Sprintf("gateway %s has no connector", gatewayURL), nil)}
	}
	if res.err == nil {
		return res.proxy, nil
	}
	if !types.Retryable(res.err) {
		return nil, res.err
	}

	c.mu.Lock()
	balances := c.balances
	c.mu.Unlock()

	var proxy Proxy
	err = utils.Retry(ctx, c.backoff, types.Retryable, func(ctx context.Context, attempt int) error {
		c.metrics.IncCounter(metrics.GatewayRetry, map[string]string{"operation": "activate"})
		c.logger.Debug("retrying gateway activation", map[string]any{"gatewayUrl": gatewayURL, "attempt": attempt})

		return c.queue.Do(ctx, func(ctx context.Context) error {
			// someone else may have recovered it while we waited
			if res, ok := c.result(gatewayURL); ok && res.err == nil {
				proxy = res.proxy
				return nil
			}
			c.DestroyProxy(gatewayURL)
			p, err := c.activate(ctx, gatewayURL, authorization, balances)
			proxy = p
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return proxy, nil
}

func (c *Connector) waitActivation(ctx context.Context) error {
	select {
	case <-c.started:
	default:
		return types.NewError(types.CodeLogical, "authorized gateways have not been activated", nil)
	}
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetAuthorizedGateways returns the persisted authorizations.
func (c *Connector) GetAuthorizedGateways(ctx context.Context) (map[types.GatewayURL]types.Signature, error) {
	return c.store.Load(ctx)
}

// GetAuthorizedGatewaysConnectorsStatus reports, per authorized gateway,
// whether its connector is activated.
func (c *Connector) GetAuthorizedGatewaysConnectorsStatus(ctx context.Context) (map[types.GatewayURL]bool, error) {
	if err := c.waitActivation(ctx); err != nil {
		return nil, err
	}

	authorized, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	status := make(map[types.GatewayURL]bool, len(authorized))
	for gatewayURL := range authorized {
		res, ok := c.results[gatewayURL]
		status[gatewayURL] = ok && res.err == nil
	}
	return status, nil
}

// GetGatewayAddresses resolves the signing address of each gateway: from
// its registration, then from its connector, then from {url}/address.
func (c *Connector) GetGatewayAddresses(ctx context.Context, gatewayURLs []types.GatewayURL) (map[types.GatewayURL]types.EthereumAddress, error) {
	var mu sync.Mutex
	addresses := make(map[types.GatewayURL]types.EthereumAddress, len(gatewayURLs))

	g, gctx := errgroup.WithContext(ctx)
	for _, gatewayURL := range gatewayURLs {
		g.Go(func() error {
			address, err := c.gatewayAddress(gctx, gatewayURL)
			if err != nil {
				return err
			}
			mu.Lock()
			addresses[gatewayURL] = address
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return addresses, nil
}

func (c *Connector) gatewayAddress(ctx context.Context, gatewayURL types.GatewayURL) (types.EthereumAddress, error) {
	c.mu.Lock()
	address, cached := c.addresses[gatewayURL]
	res, known := c.results[gatewayURL]
	c.mu.Unlock()

	if cached && address != "" {
		return address, nil
	}

	if known && res.err == nil {
		address, err := res.proxy.GetAddress(ctx)
		if err == nil {
			c.cacheAddress(gatewayURL, address)
			return address, nil
		}
		c.logger.Debug("connector did not return an address", map[string]any{"gatewayUrl": gatewayURL, "error": err})
	}

	address, err := c.fetchAddress(ctx, gatewayURL)
	if err != nil {
		return "", err
	}
	c.cacheAddress(gatewayURL, address)
	return address, nil
}

func (c *Connector) fetchAddress(ctx context.Context, gatewayURL types.GatewayURL) (types.EthereumAddress, error) {
	u, err := url.Parse(string(gatewayURL))
	if err != nil {
		return "", types.NewError(types.CodeInvalidParameters, fmt.Sprintf("invalid gateway url %s", gatewayURL), err)
	}
	u.Path = "/address"
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", types.NewError(types.CodeGatewayConnector, "failed to build address request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", types.NewError(types.CodeGatewayConnector, fmt.Sprintf("failed to get address of gateway %s", gatewayURL), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", types.NewError(types.CodeGatewayConnector, fmt.Sprintf("failed to read address of gateway %s", gatewayURL), err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", types.NewError(types.CodeGatewayConnector, fmt.Sprintf("gateway %s answered %d to address request", gatewayURL, resp.StatusCode), nil)
	}

	var address string
	if err := json.Unmarshal(body, &address); err != nil {
		address = strings.TrimSpace(string(body))
	}
	if !common.IsHexAddress(address) {
		return "", types.NewError(types.CodeGatewayConnector, fmt.Sprintf("gateway %s returned invalid address %q", gatewayURL, address), nil)
	}
	return types.EthereumAddress(address), nil
}

func (c *Connector) cacheAddress(gatewayURL types.GatewayURL, address types.EthereumAddress) {
	c.mu.Lock()
	c.addresses[gatewayURL] = address
	c.mu.Unlock()
}

// DeauthorizeGateway removes the authorization and tells the connector,
// if one is active, before tearing the proxy down.
func (c *Connector) DeauthorizeGateway(ctx context.Context, gatewayURL types.GatewayURL) error {
	if err := c.store.Remove(ctx, gatewayURL); err != nil {
		return err
	}

	c.mu.Lock()
	res, known := c.results[gatewayURL]
	delete(c.results, gatewayURL)
	c.mu.Unlock()

	if known && res.err == nil {
		if err := res.proxy.Deauthorize(ctx); err != nil {
			c.logger.Warn("connector did not acknowledge deauthorization", map[string]any{"gatewayUrl": gatewayURL, "error": err})
		}
	}
	c.DestroyProxy(gatewayURL)
	c.logger.Info("gateway deauthorized", map[string]any{"gatewayUrl": gatewayURL})
	return nil
}

// DestroyProxy closes the proxy of gatewayURL, if any.
func (c *Connector) DestroyProxy(gatewayURL types.GatewayURL) {
	c.mu.Lock()
	proxy, ok := c.proxies[gatewayURL]
	delete(c.proxies, gatewayURL)
	c.mu.Unlock()

	if ok {
		proxy.Destroy()
	}
}

// ResolveChallenge asks the gateway's mediator to rule on a disputed payment.
func (c *Connector) ResolveChallenge(
	ctx context.Context,
	gatewayURL types.GatewayURL,
	paymentID types.PaymentID,
	transferID types.TransferID,
) (*types.ChallengeResolution, error) {
	proxy, err := c.getActivatedProxy(ctx, gatewayURL)
	if err != nil {
		return nil, err
	}
	return proxy.ResolveChallenge(ctx, paymentID, transferID)
}

// NotifyPayment forwards a payment event to the payment's gateway.
func (c *Connector) NotifyPayment(ctx context.Context, gatewayURL types.GatewayURL, topic events.Topic, payment *types.Payment) error {
	proxy, err := c.getActivatedProxy(ctx, gatewayURL)
	if err != nil {
		return err
	}
	return proxy.NotifyPayment(ctx, string(topic), payment)
}

// NotifyBalances sends balances to every authorized gateway and keeps them
// for later activations.
func (c *Connector) NotifyBalances(ctx context.Context, balances *types.Balances) error {
	c.mu.Lock()
	c.balances = balances
	c.mu.Unlock()

	authorized, err := c.store.Load(ctx)
	if err != nil {
		return err
	}

	var errs error
	for _, gatewayURL := range sortedURLs(authorized) {
		proxy, err := c.getActivatedProxy(ctx, gatewayURL)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, proxy.NotifyBalances(ctx, balances))
	}
	return errs
}

// Close destroys every proxy and stops the activation queue.
func (c *Connector) Close() {
	c.queue.Close()

	c.mu.Lock()
	proxies := c.proxies
	c.proxies = make(map[types.GatewayURL]Proxy)
	c.mu.Unlock()

	for _, proxy := range proxies {
		proxy.Destroy()
	}
}

func (c *Connector) result(gatewayURL types.GatewayURL) (activation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[gatewayURL]
	return res, ok
}

func (c *Connector) setResult(gatewayURL types.GatewayURL, res activation) {
	c.mu.Lock()
	c.results[gatewayURL] = res
	c.mu.Unlock()
}
