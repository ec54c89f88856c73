package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/hypernet/types"
)

var mediatorSignature = types.Signature("0x" + strings.Repeat("ab", 65))

// connectorServer answers connector frames the way a gateway would.
func connectorServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ConnectorPath {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}

			resp := Response{ID: req.ID}
			switch req.Method {
			case MethodGetValidatedSignature:
				resp.Result = json.RawMessage(`"0xcode-v1"`)
			case MethodGetAddress:
				resp.Result = json.RawMessage(`"` + string(addressA) + `"`)
			case MethodActivateConnector:
				params, _ := json.Marshal(req.Params)
				var activate ActivateParams
				if err := json.Unmarshal(params, &activate); err != nil || activate.PublicIdentifier == "" {
					resp.Error = &ResponseError{Message: "missing public identifier"}
				} else {
					resp.Result = json.RawMessage(`true`)
				}
			case MethodResolveChallenge:
				resp.Result = json.RawMessage(`{"mediatorSignature":"` + string(mediatorSignature) + `","amount":"10"}`)
			case MethodNotifyPayment:
				resp.Error = &ResponseError{Code: "UNKNOWN_PAYMENT", Message: "payment unknown"}
			case MethodDeauthorize:
				// hang up without answering
				return
			default:
				resp.Result = json.RawMessage(`null`)
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
}

func TestConnectorEndpoint(t *testing.T) {
	tests := []struct {
		in      types.GatewayURL
		want    string
		wantErr bool
	}{
		{"https://gateway.hyperpay.io", "wss://gateway.hyperpay.io/connector", false},
		{"http://localhost:5010/app?x=1", "ws://localhost:5010/connector", false},
		{"ftp://gateway.hyperpay.io", "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			got, err := ConnectorEndpoint(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidParameters)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWebsocketProxy(t *testing.T) {
	server := connectorServer(t)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	proxy, err := NewWebsocketProxyFactory(nil, nil).Create(ctx, types.GatewayURL(server.URL))
	require.NoError(t, err)
	defer proxy.Destroy()

	sig, err := proxy.GetValidatedSignature(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Signature("0xcode-v1"), sig)

	address, err := proxy.GetAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, addressA, address)

	require.NoError(t, proxy.ActivateConnector(ctx, localIdentifier, balances()))

	resolution, err := proxy.ResolveChallenge(ctx, "0x01", "0x02")
	require.NoError(t, err)
	assert.True(t, resolution.Amount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, mediatorSignature, resolution.MediatorSignature)

	err = proxy.NotifyPayment(ctx, "onPushPaymentSent", &types.Payment{ID: "0x01"})
	assert.ErrorIs(t, err, types.ErrGatewayConnector)
	assert.False(t, types.Retryable(err))

	err = proxy.Deauthorize(ctx)
	assert.ErrorIs(t, err, types.ErrProxy)
	assert.True(t, types.Retryable(err))

	// the connection is gone for good
	_, err = proxy.GetAddress(ctx)
	assert.ErrorIs(t, err, types.ErrProxy)
}

func TestDialWebsocketProxyFailsAsProxyError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := DialWebsocketProxy(context.Background(), types.GatewayURL(server.URL), nil, nil)
	assert.ErrorIs(t, err, types.ErrProxy)
}
