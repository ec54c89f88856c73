package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vitwit/hypernet/types"
	"github.com/vitwit/hypernet/utils"
)

// MemoryNetwork is a single in-process payment channel shared by any number
// of participants. It backs the examples and the tests.
type MemoryNetwork struct {
	mu             sync.Mutex
	channelAddress string
	definitions    types.TransferDefinitions
	clock          utils.Clock

	seq       int64
	transfers map[types.TransferID]*types.Transfer
	free      map[types.PublicIdentifier]map[string]decimal.Decimal
	failures  map[string][]error

	handlersMu  sync.Mutex
	handlers    map[int]memoryHandler
	nextHandler int

	queueMu sync.Mutex
	queue   []types.TransferEvent
	wake    chan struct{}
	done    chan struct{}
	closed  sync.Once
}

type memoryHandler struct {
	owner types.PublicIdentifier
	fn    func(types.TransferEvent)
}

func NewMemoryNetwork(channelAddress string, definitions types.TransferDefinitions, clock utils.Clock) *MemoryNetwork {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	n := &MemoryNetwork{
		channelAddress: channelAddress,
		definitions:    definitions,
		clock:          clock,
		transfers:      make(map[types.TransferID]*types.Transfer),
		free:           make(map[types.PublicIdentifier]map[string]decimal.Decimal),
		failures:       make(map[string][]error),
		handlers:       make(map[int]memoryHandler),
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	go n.dispatch()
	return n
}

// Deposit credits free balance to a participant.
func (n *MemoryNetwork) Deposit(id types.PublicIdentifier, asset types.EthereumAddress, amount decimal.Decimal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.credit(id, asset, amount)
}

// FailNext makes the next call of op ("conditionalTransfer",
// "resolveTransfer", "getTransfers", "getActiveTransfers",
// "getChannelState", "channelAddress") fail with err.
func (n *MemoryNetwork) FailNext(op string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[op] = append(n.failures[op], err)
}

// Transfers returns every transfer on the channel ordered by id.
func (n *MemoryNetwork) Transfers() []*types.Transfer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.collect(func(*types.Transfer) bool { return true })
}

// Client returns the view of the channel for participant id.
func (n *MemoryNetwork) Client(id types.PublicIdentifier) *MemoryChannel {
	return &MemoryChannel{network: n, identifier: id}
}

// Close stops event dispatch.
func (n *MemoryNetwork) Close() {
	n.closed.Do(func() { close(n.done) })
}

func (n *MemoryNetwork) credit(id types.PublicIdentifier, asset types.EthereumAddress, amount decimal.Decimal) {
	assets, ok := n.free[id]
	if !ok {
		assets = make(map[string]decimal.Decimal)
		n.free[id] = assets
	}
	key := strings.ToLower(string(asset))
	assets[key] = assets[key].Add(amount)
}

func (n *MemoryNetwork) failure(op string) error {
	queued := n.failures[op]
	if len(queued) == 0 {
		return nil
	}
	n.failures[op] = queued[1:]
	return queued[0]
}

func (n *MemoryNetwork) collect(keep func(*types.Transfer) bool) []*types.Transfer {
	out := make([]*types.Transfer, 0, len(n.transfers))
	for _, t := range n.transfers {
		if keep(t) {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransferID < out[j].TransferID })
	return out
}

func (n *MemoryNetwork) publish(ev types.TransferEvent) {
	n.queueMu.Lock()
	n.queue = append(n.queue, ev)
	n.queueMu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *MemoryNetwork) dispatch() {
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}

		for {
			n.queueMu.Lock()
			if len(n.queue) == 0 {
				n.queueMu.Unlock()
				break
			}
			ev := n.queue[0]
			n.queue = n.queue[1:]
			n.queueMu.Unlock()

			n.handlersMu.Lock()
			targets := make([]func(types.TransferEvent), 0, len(n.handlers))
			for _, h := range n.handlers {
				if h.owner == ev.Transfer.Initiator || h.owner == ev.Transfer.Responder {
					targets = append(targets, h.fn)
				}
			}
			n.handlersMu.Unlock()

			for _, fn := range targets {
				fn(ev)
			}
		}
	}
}

// MemoryChannel is one participant's ChannelClient on a MemoryNetwork.
type MemoryChannel struct {
	network    *MemoryNetwork
	identifier types.PublicIdentifier
}

var _ ChannelClient = (*MemoryChannel)(nil)

func (c *MemoryChannel) PublicIdentifier() types.PublicIdentifier {
	return c.identifier
}

func (c *MemoryChannel) ChannelAddress(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	n := c.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failure("channelAddress"); err != nil {
		return "", err
	}
	return n.channelAddress, nil
}

func (c *MemoryChannel) GetActiveTransfers(ctx context.Context, channelAddress string) ([]*types.Transfer, error) {
	if err := c.check(ctx, channelAddress); err != nil {
		return nil, err
	}
	n := c.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failure("getActiveTransfers"); err != nil {
		return nil, err
	}
	return n.collect(func(t *types.Transfer) bool {
		return !t.IsResolved() && c.party(t)
	}), nil
}

func (c *MemoryChannel) GetTransfers(ctx context.Context, start, end types.UnixTimestamp) ([]*types.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := c.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failure("getTransfers"); err != nil {
		return nil, err
	}
	return n.collect(func(t *types.Transfer) bool {
		return c.party(t) && t.CreatedAt >= start && t.CreatedAt <= end
	}), nil
}

func (c *MemoryChannel) GetTransfer(ctx context.Context, transferID types.TransferID) (*types.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := c.network
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.transfers[transferID]
	if !ok || !c.party(t) {
		return nil, fmt.Errorf("transfer %s not found", transferID)
	}
	copied := *t
	return &copied, nil
}

func (c *MemoryChannel) ConditionalTransfer(ctx context.Context, req *types.ConditionalTransferRequest) (*types.TransferResponse, error) {
	if err := c.check(ctx, req.ChannelAddress); err != nil {
		return nil, err
	}
	if c.network.definitions.Kind(req.Definition) == types.TransferKindUnknown {
		return nil, fmt.Errorf("unregistered transfer definition %s", req.Definition)
	}
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("transfer amount cannot be negative")
	}
	state, err := json.Marshal(req.Details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer state: %w", err)
	}

	n := c.network
	n.mu.Lock()
	if err := n.failure("conditionalTransfer"); err != nil {
		n.mu.Unlock()
		return nil, err
	}

	key := strings.ToLower(string(req.AssetID))
	available := n.free[c.identifier][key]
	if req.Amount.GreaterThan(available) {
		n.mu.Unlock()
		return nil, fmt.Errorf("insufficient free balance of %s: have %s, need %s", req.AssetID, available, req.Amount)
	}
	n.credit(c.identifier, req.AssetID, req.Amount.Neg())

	n.seq++
	transfer := &types.Transfer{
		TransferID:     types.TransferID(common.BigToHash(big.NewInt(n.seq)).Hex()),
		ChannelAddress: n.channelAddress,
		Definition:     req.Definition,
		Initiator:      c.identifier,
		Responder:      req.Recipient,
		AssetID:        req.AssetID,
		Balance: types.TransferBalance{
			Amount: [2]decimal.Decimal{req.Amount, decimal.Zero},
			To:     [2]types.PublicIdentifier{c.identifier, req.Recipient},
		},
		State:     state,
		Meta:      req.Meta,
		CreatedAt: utils.UnixNow(n.clock),
	}
	n.transfers[transfer.TransferID] = transfer
	event := types.TransferEvent{Type: types.TransferCreated, Transfer: copyTransfer(transfer)}
	n.mu.Unlock()

	n.publish(event)
	return &types.TransferResponse{TransferID: transfer.TransferID, ChannelAddress: n.channelAddress}, nil
}

func (c *MemoryChannel) ResolveTransfer(ctx context.Context, channelAddress string, transferID types.TransferID, resolver any) (*types.TransferResponse, error) {
	if err := c.check(ctx, channelAddress); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(resolver)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resolver: %w", err)
	}

	n := c.network
	n.mu.Lock()
	if err := n.failure("resolveTransfer"); err != nil {
		n.mu.Unlock()
		return nil, err
	}

	t, ok := n.transfers[transferID]
	if !ok || !c.party(t) {
		n.mu.Unlock()
		return nil, fmt.Errorf("transfer %s not found", transferID)
	}
	if t.IsResolved() {
		n.mu.Unlock()
		return nil, fmt.Errorf("transfer %s already resolved", transferID)
	}

	payout, err := n.payout(t, encoded)
	if err != nil {
		n.mu.Unlock()
		return nil, err
	}

	locked := t.Balance.Amount[0]
	n.credit(t.Responder, t.AssetID, payout)
	n.credit(t.Initiator, t.AssetID, locked.Sub(payout))
	t.Balance.Amount = [2]decimal.Decimal{locked.Sub(payout), payout}
	t.Resolver = encoded
	event := types.TransferEvent{Type: types.TransferResolved, Transfer: copyTransfer(t)}
	n.mu.Unlock()

	n.publish(event)
	return &types.TransferResponse{TransferID: transferID, ChannelAddress: n.channelAddress}, nil
}

// payout is the part of the locked balance that goes to the responder.
func (n *MemoryNetwork) payout(t *types.Transfer, resolver json.RawMessage) (decimal.Decimal, error) {
	var amount decimal.Decimal
	switch n.definitions.Kind(t.Definition) {
	case types.TransferKindInsurance:
		var r types.InsuranceResolver
		if err := json.Unmarshal(resolver, &r); err != nil {
			return decimal.Zero, fmt.Errorf("invalid insurance resolver: %w", err)
		}
		amount = r.Data.Amount
	case types.TransferKindParameterized:
		var r types.ParameterizedResolver
		if err := json.Unmarshal(resolver, &r); err != nil {
			return decimal.Zero, fmt.Errorf("invalid parameterized resolver: %w", err)
		}
		amount = r.Data.PaymentAmountTaken
	default:
		return decimal.Zero, nil
	}

	if amount.IsNegative() || amount.GreaterThan(t.Balance.Amount[0]) {
		return decimal.Zero, fmt.Errorf("resolver amount %s outside of locked balance %s", amount, t.Balance.Amount[0])
	}
	return amount, nil
}

func (c *MemoryChannel) GetChannelState(ctx context.Context, channelAddress string) (*types.ChannelState, error) {
	if err := c.check(ctx, channelAddress); err != nil {
		return nil, err
	}
	n := c.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.failure("getChannelState"); err != nil {
		return nil, err
	}

	state := &types.ChannelState{ChannelAddress: n.channelAddress}
	for asset, amount := range n.free[c.identifier] {
		state.Assets = append(state.Assets, types.ChannelAsset{
			AssetID: types.EthereumAddress(asset),
			Amount:  amount,
		})
	}
	sort.Slice(state.Assets, func(i, j int) bool { return state.Assets[i].AssetID < state.Assets[j].AssetID })
	return state, nil
}

func (c *MemoryChannel) OnTransferEvent(handler func(types.TransferEvent)) func() {
	n := c.network
	n.handlersMu.Lock()
	id := n.nextHandler
	n.nextHandler++
	n.handlers[id] = memoryHandler{owner: c.identifier, fn: handler}
	n.handlersMu.Unlock()

	return func() {
		n.handlersMu.Lock()
		delete(n.handlers, id)
		n.handlersMu.Unlock()
	}
}

func (c *MemoryChannel) Close() {}

func (c *MemoryChannel) party(t *types.Transfer) bool {
	return t.Initiator == c.identifier || t.Responder == c.identifier
}

func (c *MemoryChannel) check(ctx context.Context, channelAddress string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if channelAddress != c.network.channelAddress {
		return fmt.Errorf("unknown channel %s", channelAddress)
	}
	return nil
}

func copyTransfer(t *types.Transfer) *types.Transfer {
	c := *t
	return &c
}
