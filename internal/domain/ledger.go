package domain

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type LedgerEventType string

const (
	EventStatusChanged LedgerEventType = "status_changed"
	EventSettled       LedgerEventType = "settled"
	EventRefunded      LedgerEventType = "refunded"
	EventChargeback    LedgerEventType = "chargeback"
)

func (t LedgerEventType) Valid() bool {
	switch t {
	case EventStatusChanged, EventSettled, EventRefunded, EventChargeback:
		return true
	}
	return false
}

// Terminal reports whether the event type decides the payment status on its own.
func (t LedgerEventType) Terminal() bool {
	return t == EventSettled || t == EventRefunded || t == EventChargeback
}

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentApproved   PaymentStatus = "approved"
	PaymentFailed     PaymentStatus = "failed"
	PaymentSettled    PaymentStatus = "settled"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentChargeback PaymentStatus = "chargeback"
)

var failedGatewayStatuses = map[string]struct{}{
	"failed":                  {},
	"declined":                {},
	"rejected":                {},
	"canceled":                {},
	"cancelled":               {},
	"error":                   {},
	"requires_payment_method": {},
}

var settledGatewayStatuses = map[string]struct{}{
	"succeeded": {},
	"paid":      {},
	"settled":   {},
}

// GatewayOutcome maps a raw gateway status onto approved or failed.
func GatewayOutcome(gatewayStatus string) PaymentStatus {
	if _, ok := failedGatewayStatuses[strings.ToLower(gatewayStatus)]; ok {
		return PaymentFailed
	}
	return PaymentApproved
}

// IsSettledGatewayStatus reports whether the gateway already captured the funds.
func IsSettledGatewayStatus(gatewayStatus string) bool {
	_, ok := settledGatewayStatuses[strings.ToLower(gatewayStatus)]
	return ok
}

type SplitLine struct {
	Recipient   Recipient       `json:"recipient"`
	Percentage  decimal.Decimal `json:"percentage"`
	AmountCents int64           `json:"amountCents"`
}

// SplitBalances reports whether sum(lines) + remainder == base exactly.
func SplitBalances(baseCents int64, lines []SplitLine, remainderCents int64) bool {
	sum := remainderCents
	for _, l := range lines {
		sum += l.AmountCents
	}
	return sum == baseCents
}

// LedgerEvent is one immutable row of an appointment's payment ledger.
type LedgerEvent struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	TenantID       string          `gorm:"column:tenant_id;not null" json:"tenant_id"`
	ClinicID       string          `gorm:"column:clinic_id;not null" json:"clinic_id"`
	AppointmentID  uuid.UUID       `gorm:"column:appointment_id;type:uuid;not null;uniqueIndex:idx_ledger_fingerprint,priority:1;uniqueIndex:idx_ledger_sequence,priority:1" json:"appointment_id"`
	Sequence       int64           `gorm:"column:sequence;not null;uniqueIndex:idx_ledger_sequence,priority:2" json:"sequence"`
	Fingerprint    string          `gorm:"column:fingerprint;not null;uniqueIndex:idx_ledger_fingerprint,priority:2" json:"fingerprint"`
	Type           LedgerEventType `gorm:"column:type;type:varchar(20);not null" json:"type"`
	GatewayStatus  string          `gorm:"column:gateway_status;not null" json:"gateway_status"`
	RecordedAt     time.Time       `gorm:"column:recorded_at;not null" json:"recorded_at"`
	Sandbox        bool            `gorm:"column:sandbox;not null;default:false" json:"sandbox"`
	Currency       string          `gorm:"column:currency" json:"currency,omitempty"`
	AmountCents    *int64          `gorm:"column:amount_cents" json:"amount_cents,omitempty"`
	NetAmountCents *int64          `gorm:"column:net_amount_cents" json:"net_amount_cents,omitempty"`
	RemainderCents *int64          `gorm:"column:remainder_cents" json:"remainder_cents,omitempty"`
	Split          datatypes.JSON  `gorm:"column:split;type:json" json:"split,omitempty"`
	Metadata       datatypes.JSON  `gorm:"column:metadata;type:json" json:"metadata,omitempty"`
	CreatedAt      time.Time       `gorm:"column:created_at" json:"created_at"`
}

func (LedgerEvent) TableName() string {
	return "ledger_events"
}

func (e *LedgerEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

func (e LedgerEvent) SplitLines() []SplitLine {
	if len(e.Split) == 0 {
		return nil
	}
	var lines []SplitLine
	if err := json.Unmarshal(e.Split, &lines); err != nil {
		return nil
	}
	return lines
}

func (e *LedgerEvent) SetSplit(lines []SplitLine, remainderCents int64) {
	b, _ := json.Marshal(lines)
	e.Split = datatypes.JSON(b)
	e.RemainderCents = &remainderCents
}

// Validate checks the shape of an event before it is appended.
func (e LedgerEvent) Validate() error {
	if !e.Type.Valid() || e.GatewayStatus == "" || e.RecordedAt.IsZero() {
		return ErrInvalidLedgerEvent
	}
	for _, v := range []*int64{e.AmountCents, e.NetAmountCents, e.RemainderCents} {
		if v != nil && *v < 0 {
			return ErrInvalidLedgerEvent
		}
	}
	// every settlement balances: sum(split) + remainder == amount
	if e.Type == EventSettled || len(e.Split) > 0 {
		if e.AmountCents == nil {
			return ErrInvalidLedgerEvent
		}
		var remainder int64
		if e.RemainderCents != nil {
			remainder = *e.RemainderCents
		}
		if !SplitBalances(*e.AmountCents, e.SplitLines(), remainder) {
			return ErrInvalidLedgerEvent
		}
	}
	return nil
}

// LedgerEntry is the settlement, refund or chargeback view of an event.
type LedgerEntry struct {
	RecordedAt      time.Time   `json:"recordedAt"`
	BaseAmountCents *int64      `json:"baseAmountCents,omitempty"`
	NetAmountCents  *int64      `json:"netAmountCents,omitempty"`
	Split           []SplitLine `json:"split,omitempty"`
	RemainderCents  int64       `json:"remainderCents"`
	Fingerprint     string      `json:"fingerprint,omitempty"`
	GatewayStatus   string      `json:"gatewayStatus"`
}

// PaymentLedger is always derived from its events; it is never stored.
type PaymentLedger struct {
	AppointmentID uuid.UUID     `json:"appointmentId"`
	Events        []LedgerEvent `json:"events"`
	Settlement    *LedgerEntry  `json:"settlement,omitempty"`
	Refund        *LedgerEntry  `json:"refund,omitempty"`
	Chargeback    *LedgerEntry  `json:"chargeback,omitempty"`
	Status        PaymentStatus `json:"status"`
}

// FoldLedger replays events in append order.
func FoldLedger(appointmentID uuid.UUID, events []LedgerEvent) PaymentLedger {
	ordered := make([]LedgerEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})

	ledger := PaymentLedger{
		AppointmentID: appointmentID,
		Events:        ordered,
		Status:        PaymentPending,
	}
	var terminal, changed *LedgerEvent
	for i := range ordered {
		e := &ordered[i]
		switch e.Type {
		case EventStatusChanged:
			changed = e
		case EventSettled:
			terminal = e
			ledger.Settlement = entryFrom(*e)
		case EventRefunded:
			terminal = e
			ledger.Refund = entryFrom(*e)
		case EventChargeback:
			terminal = e
			ledger.Chargeback = entryFrom(*e)
		}
	}
	switch {
	case terminal != nil:
		ledger.Status = statusForTerminal(terminal.Type)
	case changed != nil:
		ledger.Status = GatewayOutcome(changed.GatewayStatus)
	}
	return ledger
}

// HasFingerprint reports whether the ledger already recorded fingerprint.
func (l PaymentLedger) HasFingerprint(fingerprint string) bool {
	for _, e := range l.Events {
		if e.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

func statusForTerminal(t LedgerEventType) PaymentStatus {
	switch t {
	case EventRefunded:
		return PaymentRefunded
	case EventChargeback:
		return PaymentChargeback
	}
	return PaymentSettled
}

func entryFrom(e LedgerEvent) *LedgerEntry {
	entry := &LedgerEntry{
		RecordedAt:      e.RecordedAt,
		BaseAmountCents: e.AmountCents,
		NetAmountCents:  e.NetAmountCents,
		Split:           e.SplitLines(),
		Fingerprint:     e.Fingerprint,
		GatewayStatus:   e.GatewayStatus,
	}
	if e.RemainderCents != nil {
		entry.RemainderCents = *e.RemainderCents
	}
	return entry
}
