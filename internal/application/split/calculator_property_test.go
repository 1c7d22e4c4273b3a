package split

import (
	"testing"

	"clinic-backend/internal/domain"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

var remainderRecipients = []domain.Recipient{
	domain.RecipientTaxes,
	domain.RecipientGateway,
	domain.RecipientClinic,
	domain.RecipientPlatform,
}

func drawAgreement(t *rapid.T, amountCents int64) domain.EconomicAgreement {
	if rapid.Bool().Draw(t, "fixed") {
		fixed := rapid.Int64Range(1, amountCents).Draw(t, "fixedCents")
		return domain.EconomicAgreement{
			Currency:    "EUR",
			PayoutModel: domain.PayoutFixed,
			PayoutValue: decimal.New(fixed, -2),
		}
	}
	// thousandths of a percent, (0, 100]
	milli := rapid.Int64Range(1, 100_000).Draw(t, "payoutMilliPct")
	return domain.EconomicAgreement{
		Currency:    "EUR",
		PayoutModel: domain.PayoutPercentage,
		PayoutValue: decimal.New(milli, -3),
	}
}

func drawOrder(t *rapid.T) []domain.RemainderShare {
	n := rapid.IntRange(0, len(remainderRecipients)).Draw(t, "recipients")
	budget := int64(100_000)
	order := make([]domain.RemainderShare, 0, n)
	for i := 0; i < n; i++ {
		milli := rapid.Int64Range(0, budget).Draw(t, "shareMilliPct")
		budget -= milli
		order = append(order, domain.RemainderShare{
			Recipient:  remainderRecipients[i],
			Percentage: decimal.New(milli, -3),
		})
	}
	return order
}

func TestProperty_SplitIsExact(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		amountCents := rapid.Int64Range(1, 10_000_000_00).Draw(t, "amountCents")
		agreement := drawAgreement(t, amountCents)
		order := drawOrder(t)

		alloc, err := ComputeSplit(FromCents(amountCents, "EUR"), agreement, order)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if alloc.BaseAmountCents != amountCents {
			t.Fatalf("base %d, want %d", alloc.BaseAmountCents, amountCents)
		}
		if !domain.SplitBalances(amountCents, alloc.Lines, alloc.RemainderCents) {
			t.Fatalf("split does not balance: %+v", alloc)
		}
		for _, l := range alloc.Lines {
			if l.AmountCents < 0 {
				t.Fatalf("negative line %+v", l)
			}
		}
		if alloc.RemainderCents < 0 {
			t.Fatalf("negative remainder %d", alloc.RemainderCents)
		}
	})
}

func TestProperty_SplitIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		amountCents := rapid.Int64Range(1, 1_000_000).Draw(t, "amountCents")
		agreement := drawAgreement(t, amountCents)
		order := drawOrder(t)

		first, err := ComputeSplit(FromCents(amountCents, "EUR"), agreement, order)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		second, _ := ComputeSplit(FromCents(amountCents, "EUR"), agreement, order)
		if len(first.Lines) != len(second.Lines) || first.RemainderCents != second.RemainderCents {
			t.Fatalf("results differ: %+v vs %+v", first, second)
		}
		for i := range first.Lines {
			if first.Lines[i].AmountCents != second.Lines[i].AmountCents {
				t.Fatalf("line %d differs: %+v vs %+v", i, first.Lines[i], second.Lines[i])
			}
		}
	})
}
