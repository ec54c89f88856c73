package assembler

import (
	"encoding/json"

	"github.com/vitwit/hypernet/logger"
	"github.com/vitwit/hypernet/metrics"
	"github.com/vitwit/hypernet/types"
	"github.com/vitwit/hypernet/utils"
)

// ClassifiedTransfer is a transfer together with its decoded payload.
// Exactly one payload field is set for known kinds.
type ClassifiedTransfer struct {
	Kind      types.TransferKind
	Transfer  *types.Transfer
	PaymentID types.PaymentID

	Offer         *types.OfferDetails
	PullRecord    *types.PullRecordDetails
	Insurance     *types.InsuranceState
	Parameterized *types.ParameterizedState
}

// Classifier decides what a raw channel transfer means to the payment
// protocol. It never fails: anything it cannot place is Unknown.
type Classifier struct {
	definitions types.TransferDefinitions
	logger      logger.Logger
	metrics     metrics.Recorder
}

func NewClassifier(definitions types.TransferDefinitions, log logger.Logger, rec metrics.Recorder) *Classifier {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Classifier{definitions: definitions, logger: log, metrics: rec}
}

// Classify decodes t. Offers and pull records are tied to a payment by the
// paymentId inside their message; insurance and parameterized transfers by
// their own UUID field.
func (c *Classifier) Classify(t *types.Transfer) ClassifiedTransfer {
	ct := ClassifiedTransfer{Kind: types.TransferKindUnknown, Transfer: t}

	switch c.definitions.Kind(t.Definition) {
	case types.TransferKindOffer:
		c.classifyMessage(&ct)
	case types.TransferKindInsurance:
		var state types.InsuranceState
		if err := json.Unmarshal(t.State, &state); err != nil || state.UUID == "" {
			c.ignore(t, "undecodable insurance state", err)
			return ct
		}
		ct.Kind = types.TransferKindInsurance
		ct.PaymentID = state.UUID
		ct.Insurance = &state
	case types.TransferKindParameterized:
		var state types.ParameterizedState
		if err := json.Unmarshal(t.State, &state); err != nil || state.UUID == "" {
			c.ignore(t, "undecodable parameterized state", err)
			return ct
		}
		ct.Kind = types.TransferKindParameterized
		ct.PaymentID = state.UUID
		ct.Parameterized = &state
	default:
		c.ignore(t, "unrecognized transfer definition", nil)
	}
	return ct
}

func (c *Classifier) classifyMessage(ct *ClassifiedTransfer) {
	var state types.MessageState
	if err := json.Unmarshal(ct.Transfer.State, &state); err != nil {
		c.ignore(ct.Transfer, "undecodable message state", err)
		return
	}

	var header struct {
		MessageType types.MessageType `json:"messageType"`
	}
	if err := json.Unmarshal([]byte(state.Message), &header); err != nil {
		c.ignore(ct.Transfer, "message is not a payment message", err)
		return
	}

	switch header.MessageType {
	case types.MessageTypeOffer:
		offer, err := utils.ParseOfferDetails(state.Message)
		if err != nil {
			c.ignore(ct.Transfer, "invalid offer", err)
			return
		}
		ct.Kind = types.TransferKindOffer
		ct.PaymentID = offer.PaymentID
		ct.Offer = offer
	case types.MessageTypePullRecord:
		record, err := utils.ParsePullRecordDetails(state.Message)
		if err != nil {
			c.ignore(ct.Transfer, "invalid pull record", err)
			return
		}
		ct.Kind = types.TransferKindPullRecord
		ct.PaymentID = record.PaymentID
		ct.PullRecord = record
	default:
		c.ignore(ct.Transfer, "unknown message type", nil)
	}
}

// ClassifyAll classifies transfers and drops the Unknown ones.
func (c *Classifier) ClassifyAll(transfers []*types.Transfer) []ClassifiedTransfer {
	out := make([]ClassifiedTransfer, 0, len(transfers))
	for _, t := range transfers {
		if ct := c.Classify(t); ct.Kind != types.TransferKindUnknown {
			out = append(out, ct)
		}
	}
	return out
}

func (c *Classifier) ignore(t *types.Transfer, reason string, err error) {
	fields := map[string]any{
		"transferId": t.TransferID,
		"definition": t.Definition,
		"reason":     reason,
	}
	if err != nil {
		fields["error"] = err
	}
	c.logger.Debug("ignoring transfer", fields)
	c.metrics.IncCounter(metrics.TransferIgnored, map[string]string{"operation": "classify"})
}
