// Package split computes exact per-recipient cent allocations of a price under an
// economic agreement. Every rounding step is half-to-even at the cent, and whatever
// rounding leaves over is absorbed by the last recipient in the order of remainders,
// so results are reproducible bit for bit across runs and services.
package split

import (
	"fmt"

	"clinic-backend/internal/domain"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Money is an amount in major currency units.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// FromCents builds Money from an integer amount of cents.
func FromCents(cents int64, currency string) Money {
	return Money{Amount: decimal.New(cents, -2), Currency: currency}
}

// Allocation is the outcome of a split. Lines starts with the professional share,
// followed by the remainder recipients in order.
type Allocation struct {
	Currency                string             `json:"currency"`
	BaseAmountCents         int64              `json:"baseAmountCents"`
	ProfessionalCents       int64              `json:"professionalCents"`
	Lines                   []domain.SplitLine `json:"split"`
	RemainderCents          int64              `json:"remainderCents"`
	RoundingAdjustmentCents int64              `json:"roundingAdjustmentCents"`
}

// ToCents converts a major-unit amount with at most two decimal places.
func ToCents(amount decimal.Decimal) (int64, error) {
	shifted := amount.Shift(2)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than two decimal places", domain.ErrInvalidAgreement, amount)
	}
	return shifted.IntPart(), nil
}

// ComputeSplit allocates amount between the professional and the ordered remainder recipients.
func ComputeSplit(amount Money, agreement domain.EconomicAgreement, order []domain.RemainderShare) (Allocation, error) {
	if agreement.Currency == "" || !domain.SameCurrency(amount.Currency, agreement.Currency) {
		return Allocation{}, fmt.Errorf("%w: amount in %q, agreement in %q", domain.ErrCurrencyMismatch, amount.Currency, agreement.Currency)
	}
	amountCents, err := ToCents(amount.Amount)
	if err != nil {
		return Allocation{}, err
	}
	if amountCents <= 0 {
		return Allocation{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAgreement)
	}

	professional, professionalPct, err := professionalShare(amountCents, agreement)
	if err != nil {
		return Allocation{}, err
	}
	if err := validateOrder(order); err != nil {
		return Allocation{}, err
	}

	residual := amountCents - professional
	lines := make([]domain.SplitLine, 0, len(order)+1)
	lines = append(lines, domain.SplitLine{
		Recipient:   domain.RecipientProfessional,
		Percentage:  professionalPct,
		AmountCents: professional,
	})

	remainder := residual
	var adjustment int64
	if len(order) > 0 {
		covered := decimal.Zero
		allocated := int64(0)
		for _, share := range order {
			cents := halfEvenPercent(residual, share.Percentage)
			allocated += cents
			covered = covered.Add(share.Percentage)
			lines = append(lines, domain.SplitLine{
				Recipient:   share.Recipient,
				Percentage:  share.Percentage,
				AmountCents: cents,
			})
		}
		remainder = halfEvenPercent(residual, hundred.Sub(covered))
		adjustment = residual - allocated - remainder
		absorb(lines, adjustment)
	}

	alloc := Allocation{
		Currency:                agreement.Currency,
		BaseAmountCents:         amountCents,
		ProfessionalCents:       professional,
		Lines:                   lines,
		RemainderCents:          remainder,
		RoundingAdjustmentCents: adjustment,
	}
	if !domain.SplitBalances(alloc.BaseAmountCents, alloc.Lines, alloc.RemainderCents) {
		panic(fmt.Sprintf("split: allocation of %d cents does not balance: %+v", amountCents, alloc))
	}
	return alloc, nil
}

// ComputeForSummary picks the agreement for serviceTypeID out of summary and splits amount.
func ComputeForSummary(amount Money, summary domain.EconomicSummary, serviceTypeID string) (Allocation, error) {
	if summary.RoundingStrategy != "" && summary.RoundingStrategy != domain.RoundingHalfEven {
		return Allocation{}, fmt.Errorf("%w: rounding strategy %q", domain.ErrInvalidAgreement, summary.RoundingStrategy)
	}
	agreement, ok := summary.AgreementFor(serviceTypeID)
	if !ok {
		return Allocation{}, domain.ErrAgreementNotFound
	}
	return ComputeSplit(amount, agreement, summary.OrderOfRemainders)
}

// Preview is what an inviter sees before an agreement is accepted.
type Preview struct {
	Currency                  string             `json:"currency"`
	PatientPaysCents          int64              `json:"patientPaysCents"`
	ProfessionalReceivesCents int64              `json:"professionalReceivesCents"`
	RemainderCents            int64              `json:"remainderCents"`
	Split                     []domain.SplitLine `json:"split"`
}

// PreviewAgreement splits the agreement's own price.
func PreviewAgreement(agreement domain.EconomicAgreement, order []domain.RemainderShare) (Preview, error) {
	alloc, err := ComputeSplit(Money{Amount: agreement.Price, Currency: agreement.Currency}, agreement, order)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		Currency:                  alloc.Currency,
		PatientPaysCents:          alloc.BaseAmountCents,
		ProfessionalReceivesCents: alloc.ProfessionalCents,
		RemainderCents:            alloc.BaseAmountCents - alloc.ProfessionalCents,
		Split:                     alloc.Lines,
	}, nil
}

func professionalShare(amountCents int64, agreement domain.EconomicAgreement) (int64, decimal.Decimal, error) {
	value := agreement.PayoutValue
	if !value.IsPositive() {
		return 0, decimal.Zero, fmt.Errorf("%w: payout value must be positive", domain.ErrInvalidAgreement)
	}
	switch agreement.PayoutModel {
	case domain.PayoutPercentage:
		if value.GreaterThan(hundred) {
			return 0, decimal.Zero, fmt.Errorf("%w: payout percentage %s above 100", domain.ErrInvalidAgreement, value)
		}
		return halfEvenPercent(amountCents, value), value, nil
	case domain.PayoutFixed:
		cents, err := ToCents(value)
		if err != nil {
			return 0, decimal.Zero, err
		}
		if cents > amountCents {
			return 0, decimal.Zero, fmt.Errorf("%w: fixed payout %s exceeds amount", domain.ErrInvalidAgreement, value)
		}
		pct := decimal.NewFromInt(cents).Shift(2).DivRound(decimal.NewFromInt(amountCents), 4)
		return cents, pct, nil
	}
	return 0, decimal.Zero, fmt.Errorf("%w: payout model %q", domain.ErrInvalidAgreement, agreement.PayoutModel)
}

func validateOrder(order []domain.RemainderShare) error {
	seen := make(map[domain.Recipient]struct{}, len(order))
	total := decimal.Zero
	for _, share := range order {
		if !share.Recipient.Valid() || share.Recipient == domain.RecipientProfessional {
			return fmt.Errorf("%w: remainder recipient %q", domain.ErrInvalidAgreement, share.Recipient)
		}
		if _, dup := seen[share.Recipient]; dup {
			return fmt.Errorf("%w: recipient %q listed twice", domain.ErrInvalidAgreement, share.Recipient)
		}
		seen[share.Recipient] = struct{}{}
		if share.Percentage.IsNegative() || share.Percentage.GreaterThan(hundred) {
			return fmt.Errorf("%w: percentage %s for %q", domain.ErrInvalidAgreement, share.Percentage, share.Recipient)
		}
		total = total.Add(share.Percentage)
	}
	if total.GreaterThan(hundred) {
		return fmt.Errorf("%w: remainder percentages sum to %s", domain.ErrInvalidAgreement, total)
	}
	return nil
}

// halfEvenPercent is round_half_even(cents * pct / 100).
func halfEvenPercent(cents int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(cents).Mul(pct).Shift(-2).RoundBank(0).IntPart()
}

// absorb assigns adjustment to the last remainder recipient. A deficit larger than
// that line carries backwards so no line goes negative. lines[0] is the professional.
func absorb(lines []domain.SplitLine, adjustment int64) {
	for i := len(lines) - 1; i >= 1 && adjustment != 0; i-- {
		next := lines[i].AmountCents + adjustment
		if next >= 0 {
			lines[i].AmountCents = next
			return
		}
		adjustment = next
		lines[i].AmountCents = 0
	}
}
