package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/vitwit/hypernet/logger"
	"github.com/vitwit/hypernet/types"
	"github.com/vitwit/hypernet/utils"
)

const (
	// Time allowed to write a frame to the gateway
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the gateway
	maxFrameSize = 1 << 20

	// ConnectorPath is where gateways serve their connector socket.
	ConnectorPath = "/connector"
)

// Connector methods, as named on the wire.
const (
	MethodGetValidatedSignature = "getValidatedSignature"
	MethodGetAddress            = "getAddress"
	MethodActivateConnector     = "activateConnector"
	MethodResolveChallenge      = "resolveChallenge"
	MethodNotifyPayment         = "notifyPayment"
	MethodNotifyBalances        = "notifyBalances"
	MethodDeauthorize           = "deauthorize"
)

// Request is a frame sent to the connector.
type Request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Response is the connector's answer to the Request with the same ID.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

type ResponseError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ActivateParams are the params of activateConnector.
type ActivateParams struct {
	PublicIdentifier types.PublicIdentifier `json:"publicIdentifier"`
	Balances         *types.Balances        `json:"balances"`
}

// ChallengeParams are the params of resolveChallenge.
type ChallengeParams struct {
	PaymentID  types.PaymentID  `json:"paymentId"`
	TransferID types.TransferID `json:"transferId"`
}

// PaymentNotification is the params of notifyPayment.
type PaymentNotification struct {
	Event   string         `json:"event"`
	Payment *types.Payment `json:"payment"`
}

// WebsocketProxy talks to a gateway connector over a websocket carrying
// JSON request/response frames. Transport failures are ProxyErrors;
// errors reported by the connector are GatewayConnectorErrors.
type WebsocketProxy struct {
	gatewayURL types.GatewayURL
	conn       *websocket.Conn
	logger     logger.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *Response

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ Proxy = (*WebsocketProxy)(nil)

// NewWebsocketProxyFactory returns a factory that dials each gateway's
// connector socket. A nil dialer uses websocket.DefaultDialer.
func NewWebsocketProxyFactory(dialer *websocket.Dialer, log logger.Logger) ProxyFactory {
	return ProxyFactoryFunc(func(ctx context.Context, gatewayURL types.GatewayURL) (Proxy, error) {
		return DialWebsocketProxy(ctx, gatewayURL, dialer, log)
	})
}

func DialWebsocketProxy(ctx context.Context, gatewayURL types.GatewayURL, dialer *websocket.Dialer, log logger.Logger) (*WebsocketProxy, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if log == nil {
		log = logger.NoopLogger{}
	}

	endpoint, err := ConnectorEndpoint(gatewayURL)
	if err != nil {
		return nil, err
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, types.NewError(types.CodeProxy, fmt.Sprintf("failed to connect to gateway %s", gatewayURL), err)
	}
	conn.SetReadLimit(maxFrameSize)

	p := &WebsocketProxy{
		gatewayURL: gatewayURL,
		conn:       conn,
		logger:     logger.With(log, map[string]any{"gatewayUrl": gatewayURL}),
		pending:    make(map[uint64]chan *Response),
		closed:     make(chan struct{}),
	}
	go p.readPump()
	return p, nil
}

// ConnectorEndpoint maps a gateway url to its connector socket url.
func ConnectorEndpoint(gatewayURL types.GatewayURL) (string, error) {
	u, err := url.Parse(string(gatewayURL))
	if err != nil {
		return "", types.NewError(types.CodeInvalidParameters, fmt.Sprintf("invalid gateway url %s", gatewayURL), err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", types.NewError(types.CodeInvalidParameters, fmt.Sprintf("unsupported gateway url scheme %q", u.Scheme), nil)
	}
	u.Path = ConnectorPath
	u.RawQuery = ""
	return u.String(), nil
}

// readPump delivers responses to their waiting callers until the socket
// fails or is closed.
func (p *WebsocketProxy) readPump() {
	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Warn("gateway connection lost", map[string]any{"error": err})
			}
			p.shutdown(err)
			return
		}

		var resp Response
		if err := json.Unmarshal(message, &resp); err != nil {
			p.logger.Error("failed to parse connector frame", map[string]any{"error": err})
			continue
		}

		p.mu.Lock()
		ch, ok := p.pending[resp.ID]
		delete(p.pending, resp.ID)
		p.mu.Unlock()
		if !ok {
			p.logger.Debug("dropping unsolicited connector frame", map[string]any{"id": resp.ID})
			continue
		}
		ch <- &resp
	}
}

func (p *WebsocketProxy) call(ctx context.Context, method string, params any, out any) error {
	id := p.nextID.Add(1)
	ch := make(chan *Response, 1)

	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	frame, err := json.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		return types.NewError(types.CodeLogical, fmt.Sprintf("failed to encode %s request", method), err)
	}

	p.writeMu.Lock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = p.conn.WriteMessage(websocket.TextMessage, frame)
	p.writeMu.Unlock()
	if err != nil {
		p.shutdown(err)
		return types.NewError(types.CodeProxy, fmt.Sprintf("failed to send %s to gateway %s", method, p.gatewayURL), err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return types.NewError(types.CodeGatewayConnector, fmt.Sprintf("gateway %s rejected %s: %s", p.gatewayURL, method, resp.Error.Message), nil)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return types.NewError(types.CodeGatewayConnector, fmt.Sprintf("gateway %s sent an invalid %s result", p.gatewayURL, method), err)
		}
		return nil
	case <-p.closed:
		return types.NewError(types.CodeProxy, fmt.Sprintf("connection to gateway %s closed", p.gatewayURL), p.closeErr)
	case <-ctx.Done():
		return types.NewError(types.CodeProxy, fmt.Sprintf("gateway %s did not answer %s", p.gatewayURL, method), ctx.Err())
	}
}

func (p *WebsocketProxy) shutdown(err error) {
	p.closeOnce.Do(func() {
		p.closeErr = err
		close(p.closed)
		p.conn.Close()
	})
}

func (p *WebsocketProxy) GatewayURL() types.GatewayURL {
	return p.gatewayURL
}

func (p *WebsocketProxy) GetValidatedSignature(ctx context.Context) (types.Signature, error) {
	var sig types.Signature
	if err := p.call(ctx, MethodGetValidatedSignature, nil, &sig); err != nil {
		return "", err
	}
	if sig == "" {
		return "", types.NewError(types.CodeGatewayValidation, fmt.Sprintf("gateway %s has no validated signature", p.gatewayURL), nil)
	}
	return sig, nil
}

func (p *WebsocketProxy) GetAddress(ctx context.Context) (types.EthereumAddress, error) {
	var address string
	if err := p.call(ctx, MethodGetAddress, nil, &address); err != nil {
		return "", err
	}
	if !common.IsHexAddress(address) {
		return "", types.NewError(types.CodeGatewayConnector, fmt.Sprintf("gateway %s returned invalid address %q", p.gatewayURL, address), nil)
	}
	return types.EthereumAddress(address), nil
}

func (p *WebsocketProxy) ActivateConnector(ctx context.Context, publicIdentifier types.PublicIdentifier, balances *types.Balances) error {
	err := p.call(ctx, MethodActivateConnector, ActivateParams{PublicIdentifier: publicIdentifier, Balances: balances}, nil)
	if err != nil {
		return err
	}
	p.logger.Debug("connector activated", nil)
	return nil
}

func (p *WebsocketProxy) ResolveChallenge(ctx context.Context, paymentID types.PaymentID, transferID types.TransferID) (*types.ChallengeResolution, error) {
	var result struct {
		MediatorSignature types.Signature `json:"mediatorSignature"`
		Amount            string          `json:"amount"`
	}
	if err := p.call(ctx, MethodResolveChallenge, ChallengeParams{PaymentID: paymentID, TransferID: transferID}, &result); err != nil {
		return nil, err
	}

	amount, err := utils.ValidateAmount(result.Amount)
	if err != nil {
		return nil, types.NewError(types.CodeGatewayConnector, fmt.Sprintf("gateway %s sent an invalid challenge amount", p.gatewayURL), err)
	}
	if _, err := utils.DecodeSignature(result.MediatorSignature); err != nil {
		return nil, types.NewError(types.CodeGatewayConnector, fmt.Sprintf("gateway %s sent an invalid mediator signature", p.gatewayURL), err)
	}
	return &types.ChallengeResolution{MediatorSignature: result.MediatorSignature, Amount: *amount}, nil
}

func (p *WebsocketProxy) NotifyPayment(ctx context.Context, event string, payment *types.Payment) error {
	return p.call(ctx, MethodNotifyPayment, PaymentNotification{Event: event, Payment: payment}, nil)
}

func (p *WebsocketProxy) NotifyBalances(ctx context.Context, balances *types.Balances) error {
	return p.call(ctx, MethodNotifyBalances, balances, nil)
}

func (p *WebsocketProxy) Deauthorize(ctx context.Context) error {
	return p.call(ctx, MethodDeauthorize, nil, nil)
}

// Destroy sends a close frame and drops the connection.
func (p *WebsocketProxy) Destroy() {
	select {
	case <-p.closed:
		return
	default:
	}

	p.writeMu.Lock()
	err := p.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	p.writeMu.Unlock()
	if err != nil {
		p.logger.Debug("failed to send close frame", map[string]any{"error": err})
	}
	p.shutdown(nil)
}
