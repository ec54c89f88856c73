package assembler

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/vitwit/hypernet/logger"
	"github.com/vitwit/hypernet/types"
	"github.com/vitwit/hypernet/utils"
)

// SortedTransfers are the transfers of a single payment, by role.
type SortedTransfers struct {
	Offer         *ClassifiedTransfer
	Insurance     *ClassifiedTransfer
	Parameterized *ClassifiedTransfer
	PullRecords   []ClassifiedTransfer
}

// Assembler folds the transfers of a payment into a Payment. It holds no
// payment state; the same transfers always give the same Payment for a
// given clock reading.
type Assembler struct {
	classifier *Classifier
	clock      utils.Clock
	logger     logger.Logger
}

func New(classifier *Classifier, clock utils.Clock, log logger.Logger) *Assembler {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Assembler{classifier: classifier, clock: clock, logger: log}
}

// Classifier exposes the classifier the assembler uses.
func (a *Assembler) Classifier() *Classifier {
	return a.classifier
}

// Assemble builds payment id from transfers, which may include transfers
// of other payments or none at all.
func (a *Assembler) Assemble(id types.PaymentID, transfers []*types.Transfer) (*types.Payment, error) {
	sorted, err := a.SortTransfers(id, transfers)
	if err != nil {
		return nil, err
	}
	return a.build(id, sorted)
}

// AssembleMany builds every payment that has an offer among transfers.
// Payments that cannot be assembled are logged and left out.
func (a *Assembler) AssembleMany(transfers []*types.Transfer) map[types.PaymentID]*types.Payment {
	groups := make(map[types.PaymentID][]ClassifiedTransfer)
	for _, ct := range a.classifier.ClassifyAll(transfers) {
		groups[ct.PaymentID] = append(groups[ct.PaymentID], ct)
	}

	payments := make(map[types.PaymentID]*types.Payment, len(groups))
	for id, group := range groups {
		sorted, err := a.sort(id, group)
		if err != nil {
			a.logger.Debug("skipping payment", map[string]any{"paymentId": id, "error": err})
			continue
		}
		payment, err := a.build(id, sorted)
		if err != nil {
			a.logger.Warn("failed to assemble payment", map[string]any{"paymentId": id, "error": err})
			continue
		}
		payments[id] = payment
	}
	return payments
}

// SortTransfers locates the offer, insurance, parameterized and pull record
// transfers of payment id.
func (a *Assembler) SortTransfers(id types.PaymentID, transfers []*types.Transfer) (*SortedTransfers, error) {
	return a.sort(id, a.classifier.ClassifyAll(transfers))
}

func (a *Assembler) sort(id types.PaymentID, classified []ClassifiedTransfer) (*SortedTransfers, error) {
	seen := make(map[types.TransferID]bool, len(classified))
	relevant := make([]ClassifiedTransfer, 0, len(classified))
	for _, ct := range classified {
		if ct.PaymentID != id || seen[ct.Transfer.TransferID] {
			continue
		}
		seen[ct.Transfer.TransferID] = true
		relevant = append(relevant, ct)
	}
	// lowest transfer id first, so duplicates resolve the same way whatever
	// order the channel reported them in
	sort.Slice(relevant, func(i, j int) bool {
		return relevant[i].Transfer.TransferID < relevant[j].Transfer.TransferID
	})

	sorted := &SortedTransfers{}
	offers := 0
	for i := range relevant {
		ct := relevant[i]
		switch ct.Kind {
		case types.TransferKindOffer:
			offers++
			if sorted.Offer == nil {
				sorted.Offer = &ct
			}
		case types.TransferKindInsurance:
			if sorted.Insurance == nil {
				sorted.Insurance = &ct
			} else {
				a.logger.Warn("payment has more than one insurance transfer", map[string]any{
					"paymentId": id, "transferId": ct.Transfer.TransferID,
				})
			}
		case types.TransferKindParameterized:
			if sorted.Parameterized == nil {
				sorted.Parameterized = &ct
			} else {
				a.logger.Warn("payment has more than one parameterized transfer", map[string]any{
					"paymentId": id, "transferId": ct.Transfer.TransferID,
				})
			}
		case types.TransferKindPullRecord:
			sorted.PullRecords = append(sorted.PullRecords, ct)
		}
	}

	switch {
	case offers == 0:
		return nil, types.NewError(types.CodeInvalidPayment, fmt.Sprintf("could not get payment %s: no offer transfer", id), nil)
	case offers > 1:
		return nil, types.NewError(types.CodeInvalidPayment, fmt.Sprintf("could not get payment %s: %d offer transfers", id, offers), nil)
	}
	return sorted, nil
}

func (a *Assembler) build(id types.PaymentID, sorted *SortedTransfers) (*types.Payment, error) {
	offer := sorted.Offer.Offer

	payment := &types.Payment{
		ID:                  id,
		To:                  offer.To,
		From:                offer.From,
		PaymentToken:        offer.PaymentToken,
		RequiredStake:       offer.RequiredStake,
		AmountStaked:        decimal.Zero,
		ExpirationDate:      offer.ExpirationDate,
		CreatedTimestamp:    offer.CreationDate,
		UpdatedTimestamp:    sorted.Offer.Transfer.CreatedAt,
		CollateralRecovered: decimal.Zero,
		GatewayURL:          offer.GatewayURL,
		Metadata:            offer.Metadata,
		Details:             types.PaymentDetails{OfferTransferID: sorted.Offer.Transfer.TransferID},
	}

	var insuranceResolved bool
	if ins := sorted.Insurance; ins != nil {
		payment.AmountStaked = ins.Insurance.Collateral
		payment.Details.InsuranceTransferID = ins.Transfer.TransferID
		payment.UpdatedTimestamp = latest(payment.UpdatedTimestamp, ins.Transfer.CreatedAt)

		if ins.Transfer.IsResolved() {
			var resolver types.InsuranceResolver
			if err := json.Unmarshal(ins.Transfer.Resolver, &resolver); err != nil {
				return nil, types.NewError(types.CodeInvalidPayment, fmt.Sprintf("payment %s has an undecodable insurance resolver", id), err)
			}
			insuranceResolved = true
			payment.CollateralRecovered = resolver.Data.Amount
		}
	}

	amountTaken := decimal.Zero
	var parameterizedResolved bool
	if par := sorted.Parameterized; par != nil {
		payment.Details.ParameterizedTransferID = par.Transfer.TransferID
		payment.UpdatedTimestamp = latest(payment.UpdatedTimestamp, par.Transfer.CreatedAt)

		if par.Transfer.IsResolved() {
			var resolver types.ParameterizedResolver
			if err := json.Unmarshal(par.Transfer.Resolver, &resolver); err != nil {
				return nil, types.NewError(types.CodeInvalidPayment, fmt.Sprintf("payment %s has an undecodable payment resolver", id), err)
			}
			parameterizedResolved = true
			amountTaken = resolver.Data.PaymentAmountTaken
		}
	}

	payment.State = deriveState(sorted, insuranceResolved, payment.CollateralRecovered, parameterizedResolved)

	if offer.Rate == nil {
		payment.Type = types.PaymentTypePush
		payment.Push = &types.PushDetails{
			PaymentAmount:     offer.PaymentAmount,
			AmountTransferred: amountTaken,
		}
		return payment, nil
	}

	pull := &types.PullDetails{
		AuthorizedAmount:  offer.PaymentAmount,
		AmountTransferred: decimal.Zero,
		VestedAmount:      decimal.Zero,
		DeltaAmount:       offer.Rate.DeltaAmount,
		DeltaTime:         offer.Rate.DeltaTime,
		Ledger:            make([]types.PullRecord, 0, len(sorted.PullRecords)),
	}
	for _, rec := range sorted.PullRecords {
		pull.AmountTransferred = pull.AmountTransferred.Add(rec.PullRecord.PullPaymentAmount)
		pull.Ledger = append(pull.Ledger, types.PullRecord{
			TransferID: rec.Transfer.TransferID,
			Amount:     rec.PullRecord.PullPaymentAmount,
			CreatedAt:  rec.Transfer.CreatedAt,
		})
		payment.Details.PullRecordTransferIDs = append(payment.Details.PullRecordTransferIDs, rec.Transfer.TransferID)
		payment.UpdatedTimestamp = latest(payment.UpdatedTimestamp, rec.Transfer.CreatedAt)
	}
	if sorted.Parameterized != nil {
		pull.VestedAmount = Vested(sorted.Parameterized.Parameterized, pull.AuthorizedAmount, utils.UnixNow(a.clock))
	}

	payment.Type = types.PaymentTypePull
	payment.Pull = pull
	return payment, nil
}

// Vested is how much of a pull payment has been released at now: the rate
// applied to the time since start, capped by authorized. Time stops at the
// transfer's expiration.
func Vested(state *types.ParameterizedState, authorized decimal.Decimal, now types.UnixTimestamp) decimal.Decimal {
	if state.Rate.DeltaTime <= 0 {
		return decimal.Zero
	}
	if state.Expiration > 0 && now > state.Expiration {
		now = state.Expiration
	}
	elapsed := int64(now - state.Start)
	if elapsed <= 0 {
		return decimal.Zero
	}

	vested := state.Rate.DeltaAmount.
		Mul(decimal.NewFromInt(elapsed)).
		Div(decimal.NewFromInt(state.Rate.DeltaTime))
	return decimal.Min(vested, authorized)
}

// deriveState maps which transfers exist, and how they were resolved, to a
// state. A parameterized transfer always wins over the earlier stages.
func deriveState(sorted *SortedTransfers, insuranceResolved bool, collateralRecovered decimal.Decimal, parameterizedResolved bool) types.PaymentState {
	disputed := insuranceResolved && collateralRecovered.IsPositive()

	switch {
	case sorted.Parameterized != nil && parameterizedResolved:
		if disputed {
			return types.PaymentStateDisputed
		}
		if insuranceResolved {
			return types.PaymentStateFinalized
		}
		return types.PaymentStateAccepted
	case sorted.Parameterized != nil:
		if disputed {
			return types.PaymentStateDisputed
		}
		return types.PaymentStateApproved
	case sorted.Insurance != nil:
		if disputed {
			return types.PaymentStateDisputed
		}
		if insuranceResolved {
			return types.PaymentStateCanceled
		}
		return types.PaymentStateStaked
	default:
		if sorted.Offer.Transfer.IsResolved() {
			return types.PaymentStateCanceled
		}
		return types.PaymentStateProposed
	}
}

func latest(a, b types.UnixTimestamp) types.UnixTimestamp {
	if b > a {
		return b
	}
	return a
}
