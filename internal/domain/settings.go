package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultHoldTTLMinutes = 15
	DefaultCapacity       = 1
)

// ClinicHoldSettings is owned by the clinic configuration and read-only here.
type ClinicHoldSettings struct {
	ClinicID               string          `gorm:"column:clinic_id;primaryKey" json:"clinic_id"`
	TenantID               string          `gorm:"column:tenant_id;not null;index" json:"tenant_id"`
	TTLMinutes             int             `gorm:"column:ttl_minutes;not null;default:15" json:"ttl_minutes"`
	MinAdvanceMinutes      int             `gorm:"column:min_advance_minutes;not null;default:0" json:"min_advance_minutes"`
	MaxAdvanceMinutes      *int            `gorm:"column:max_advance_minutes" json:"max_advance_minutes,omitempty"`
	AllowOverbooking       bool            `gorm:"column:allow_overbooking;not null;default:false" json:"allow_overbooking"`
	OverbookingThreshold   decimal.Decimal `gorm:"column:overbooking_threshold;type:numeric(5,2);not null;default:0" json:"overbooking_threshold"`
	ResourceMatchingStrict bool            `gorm:"column:resource_matching_strict;not null;default:false" json:"resource_matching_strict"`
	Capacity               int             `gorm:"column:capacity;not null;default:1" json:"capacity"`
	UpdatedAt              time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (ClinicHoldSettings) TableName() string {
	return "clinic_hold_settings"
}

// DefaultHoldSettings applies when a clinic has not configured holds.
func DefaultHoldSettings(scope Scope) ClinicHoldSettings {
	return ClinicHoldSettings{
		ClinicID:   scope.ClinicID,
		TenantID:   scope.TenantID,
		TTLMinutes: DefaultHoldTTLMinutes,
		Capacity:   DefaultCapacity,
	}
}

func (s ClinicHoldSettings) Validate() error {
	if s.TTLMinutes <= 0 || s.MinAdvanceMinutes < 0 {
		return ErrInvalidSettings
	}
	if s.MaxAdvanceMinutes != nil && *s.MaxAdvanceMinutes < s.MinAdvanceMinutes {
		return ErrInvalidSettings
	}
	if s.OverbookingThreshold.IsNegative() || s.OverbookingThreshold.GreaterThan(decimal.NewFromInt(100)) {
		return ErrInvalidSettings
	}
	if s.Capacity < 0 {
		return ErrInvalidSettings
	}
	return nil
}

func (s ClinicHoldSettings) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// AdmissionPolicy returns the deterministic admission check derived from the settings.
func (s ClinicHoldSettings) AdmissionPolicy() AdmissionPolicy {
	capacity := s.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return AdmissionPolicy{
		Capacity:               capacity,
		AllowOverbooking:       s.AllowOverbooking,
		OverbookingThreshold:   s.OverbookingThreshold,
		ResourceMatchingStrict: s.ResourceMatchingStrict,
	}
}

// AdmissionPolicy bounds how many live holds may share a professional window.
type AdmissionPolicy struct {
	Capacity               int
	AllowOverbooking       bool
	OverbookingThreshold   decimal.Decimal
	ResourceMatchingStrict bool
}

// Limit is capacity without overbooking, otherwise floor(capacity * (1 + threshold/100)).
func (p AdmissionPolicy) Limit() int {
	capacity := p.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if !p.AllowOverbooking {
		return capacity
	}
	factor := decimal.NewFromInt(1).Add(p.OverbookingThreshold.Div(decimal.NewFromInt(100)))
	return int(decimal.NewFromInt(int64(capacity)).Mul(factor).Floor().IntPart())
}

// Admits reports whether one more hold fits next to live existing ones.
func (p AdmissionPolicy) Admits(live int) bool {
	return live+1 <= p.Limit()
}
