package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type PayoutModel string

const (
	PayoutFixed      PayoutModel = "fixed"
	PayoutPercentage PayoutModel = "percentage"
)

// Recipient tags are disjoint parties of a financial split.
type Recipient string

const (
	RecipientTaxes        Recipient = "taxes"
	RecipientGateway      Recipient = "gateway"
	RecipientClinic       Recipient = "clinic"
	RecipientProfessional Recipient = "professional"
	RecipientPlatform     Recipient = "platform"
)

func (r Recipient) Valid() bool {
	switch r {
	case RecipientTaxes, RecipientGateway, RecipientClinic, RecipientProfessional, RecipientPlatform:
		return true
	}
	return false
}

type RoundingStrategy string

const RoundingHalfEven RoundingStrategy = "half_even"

// EconomicAgreement is the payout contract for one service type. Price is in major currency units.
type EconomicAgreement struct {
	ServiceTypeID string          `json:"serviceTypeId"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency"`
	PayoutModel   PayoutModel     `json:"payoutModel"`
	PayoutValue   decimal.Decimal `json:"payoutValue"`
}

// RemainderShare is one entry of the ordered remainder distribution.
type RemainderShare struct {
	Recipient  Recipient       `json:"recipient"`
	Percentage decimal.Decimal `json:"percentage"`
}

type EconomicSummary struct {
	Agreements        []EconomicAgreement `json:"agreements"`
	OrderOfRemainders []RemainderShare    `json:"orderOfRemainders"`
	RoundingStrategy  RoundingStrategy    `json:"roundingStrategy"`
}

func (s EconomicSummary) AgreementFor(serviceTypeID string) (EconomicAgreement, bool) {
	for _, a := range s.Agreements {
		if a.ServiceTypeID == serviceTypeID {
			return a, true
		}
	}
	return EconomicAgreement{}, false
}

// SameCurrency compares ISO 4217 codes case-insensitively.
func SameCurrency(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ProfessionalPolicy is the standing economic summary of a professional at a clinic.
type ProfessionalPolicy struct {
	ID             uuid.UUID      `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	TenantID       string         `gorm:"column:tenant_id;not null;index:idx_policy_lookup,priority:1" json:"tenant_id"`
	ClinicID       string         `gorm:"column:clinic_id;not null;index:idx_policy_lookup,priority:2" json:"clinic_id"`
	ProfessionalID string         `gorm:"column:professional_id;not null;index:idx_policy_lookup,priority:3" json:"professional_id"`
	Active         bool           `gorm:"column:active;not null;default:true" json:"active"`
	Summary        datatypes.JSON `gorm:"column:economic_summary;type:json;not null" json:"economic_summary"`
	CreatedAt      time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (ProfessionalPolicy) TableName() string {
	return "professional_policies"
}

func (p *ProfessionalPolicy) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

func (p ProfessionalPolicy) EconomicSummary() (EconomicSummary, error) {
	return decodeSummary(p.Summary)
}

type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRevoked  InvitationStatus = "revoked"
)

// Invitation keeps the economic terms a professional accepted when joining the clinic.
type Invitation struct {
	ID                       uuid.UUID        `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	TenantID                 string           `gorm:"column:tenant_id;not null;index:idx_invitation_lookup,priority:1" json:"tenant_id"`
	ClinicID                 string           `gorm:"column:clinic_id;not null;index:idx_invitation_lookup,priority:2" json:"clinic_id"`
	ProfessionalID           string           `gorm:"column:professional_id;not null;index:idx_invitation_lookup,priority:3" json:"professional_id"`
	Status                   InvitationStatus `gorm:"column:status;type:varchar(16);not null;default:'pending'" json:"status"`
	AcceptedEconomicSnapshot datatypes.JSON   `gorm:"column:accepted_economic_snapshot;type:json" json:"accepted_economic_snapshot,omitempty"`
	AcceptedAt               *time.Time       `gorm:"column:accepted_at" json:"accepted_at,omitempty"`
	CreatedAt                time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt                time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

func (Invitation) TableName() string {
	return "invitations"
}

func (i *Invitation) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

func (i Invitation) EconomicSnapshot() (EconomicSummary, error) {
	return decodeSummary(i.AcceptedEconomicSnapshot)
}

// EncodeSummary marshals a summary for a JSON column.
func EncodeSummary(s EconomicSummary) (datatypes.JSON, error) {
	if s.RoundingStrategy == "" {
		s.RoundingStrategy = RoundingHalfEven
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func decodeSummary(raw datatypes.JSON) (EconomicSummary, error) {
	var s EconomicSummary
	if len(raw) == 0 {
		return s, ErrAgreementNotFound
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, err
	}
	if s.RoundingStrategy == "" {
		s.RoundingStrategy = RoundingHalfEven
	}
	if s.RoundingStrategy != RoundingHalfEven {
		return s, ErrInvalidAgreement
	}
	return s, nil
}
