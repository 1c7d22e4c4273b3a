package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func ledgerEvent(seq int64, typ LedgerEventType, gatewayStatus string) LedgerEvent {
	return LedgerEvent{
		Sequence:      seq,
		Fingerprint:   uuid.NewString(),
		Type:          typ,
		GatewayStatus: gatewayStatus,
		RecordedAt:    now.Add(time.Duration(seq) * time.Minute),
	}
}

func TestFoldLedger(t *testing.T) {
	id := uuid.New()

	assert.Equal(t, PaymentPending, FoldLedger(id, nil).Status)

	l := FoldLedger(id, []LedgerEvent{ledgerEvent(1, EventStatusChanged, "processing")})
	assert.Equal(t, PaymentApproved, l.Status)

	l = FoldLedger(id, []LedgerEvent{
		ledgerEvent(2, EventStatusChanged, "requires_payment_method"),
		ledgerEvent(1, EventStatusChanged, "processing"),
	})
	assert.Equal(t, PaymentFailed, l.Status, "ordered by sequence, not slice position")

	settled := ledgerEvent(2, EventSettled, "succeeded")
	amount := int64(15000)
	settled.AmountCents = &amount
	settled.SetSplit([]SplitLine{{Recipient: RecipientClinic, Percentage: decimal.NewFromInt(100), AmountCents: 15000}}, 0)
	l = FoldLedger(id, []LedgerEvent{
		ledgerEvent(1, EventStatusChanged, "processing"),
		settled,
		ledgerEvent(3, EventStatusChanged, "failed"),
	})
	assert.Equal(t, PaymentSettled, l.Status)
	require.NotNil(t, l.Settlement)
	assert.Equal(t, int64(15000), l.Settlement.Split[0].AmountCents)
	assert.Nil(t, l.Refund)
	assert.True(t, l.HasFingerprint(settled.Fingerprint))
	assert.False(t, l.HasFingerprint("nope"))

	l = FoldLedger(id, []LedgerEvent{
		settled,
		ledgerEvent(4, EventChargeback, "needs_response"),
		ledgerEvent(3, EventRefunded, "refunded"),
	})
	assert.Equal(t, PaymentChargeback, l.Status)
	assert.NotNil(t, l.Refund)
	assert.NotNil(t, l.Chargeback)
}

func TestGatewayStatusMapping(t *testing.T) {
	for _, s := range []string{"failed", "DECLINED", "canceled", "requires_payment_method"} {
		assert.Equal(t, PaymentFailed, GatewayOutcome(s), s)
	}
	for _, s := range []string{"succeeded", "processing", "requires_capture"} {
		assert.Equal(t, PaymentApproved, GatewayOutcome(s), s)
	}
	assert.True(t, IsSettledGatewayStatus("Succeeded"))
	assert.False(t, IsSettledGatewayStatus("processing"))
}

var eventTypes = []LedgerEventType{EventStatusChanged, EventSettled, EventRefunded, EventChargeback}

func drawEvents(t *rapid.T) []LedgerEvent {
	n := rapid.IntRange(0, 12).Draw(t, "n")
	out := make([]LedgerEvent, n)
	for i := range out {
		typ := rapid.SampledFrom(eventTypes).Draw(t, "type")
		status := rapid.SampledFrom([]string{"succeeded", "failed", "processing", "declined"}).Draw(t, "status")
		out[i] = ledgerEvent(int64(i+1), typ, status)
	}
	return out
}

func TestProperty_FoldIgnoresInputOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		events := drawEvents(t)
		shuffled := make([]LedgerEvent, len(events))
		perm := rapid.Permutation(indexes(len(events))).Draw(t, "perm")
		for i, j := range perm {
			shuffled[i] = events[j]
		}

		id := uuid.New()
		a, b := FoldLedger(id, events), FoldLedger(id, shuffled)
		if a.Status != b.Status {
			t.Fatalf("status %s vs %s", a.Status, b.Status)
		}
		for i := range a.Events {
			if a.Events[i].Sequence != b.Events[i].Sequence {
				t.Fatalf("events not in sequence order")
			}
		}
	})
}

func TestProperty_LatestTerminalWins(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		events := drawEvents(t)
		l := FoldLedger(uuid.New(), events)

		var want PaymentStatus = PaymentPending
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].Type.Terminal() {
				want = statusForTerminal(events[i].Type)
				break
			}
		}
		if want == PaymentPending {
			for i := len(events) - 1; i >= 0; i-- {
				if events[i].Type == EventStatusChanged {
					want = GatewayOutcome(events[i].GatewayStatus)
					break
				}
			}
		}
		if l.Status != want {
			t.Fatalf("status %s, want %s", l.Status, want)
		}
	})
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestLedgerEventValidate_SettlementMustBalance(t *testing.T) {
	amount, remainder := int64(15000), int64(15000)
	e := ledgerEvent(1, EventSettled, "succeeded")
	e.AmountCents = &amount
	assert.ErrorIs(t, e.Validate(), ErrInvalidLedgerEvent, "no remainder covers the amount")

	e.RemainderCents = &remainder
	assert.NoError(t, e.Validate())

	e.SetSplit([]SplitLine{{Recipient: RecipientProfessional, Percentage: decimal.NewFromInt(40), AmountCents: 6000}}, 9000)
	assert.NoError(t, e.Validate())

	e.SetSplit([]SplitLine{{Recipient: RecipientProfessional, Percentage: decimal.NewFromInt(40), AmountCents: 6000}}, 8999)
	assert.ErrorIs(t, e.Validate(), ErrInvalidLedgerEvent)
}
