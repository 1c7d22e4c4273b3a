package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Appointment is established when a hold is confirmed; one per hold.
type Appointment struct {
	ID             uuid.UUID `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	TenantID       string    `gorm:"column:tenant_id;not null;index:idx_appointments_scope,priority:1" json:"tenant_id"`
	ClinicID       string    `gorm:"column:clinic_id;not null;index:idx_appointments_scope,priority:2" json:"clinic_id"`
	HoldID         uuid.UUID `gorm:"column:hold_id;type:uuid;not null;uniqueIndex" json:"hold_id"`
	ProfessionalID string    `gorm:"column:professional_id;not null" json:"professional_id"`
	PatientID      string    `gorm:"column:patient_id;not null" json:"patient_id"`
	ServiceTypeID  string    `gorm:"column:service_type_id;not null" json:"service_type_id"`
	Start          time.Time `gorm:"column:start_at;not null" json:"start"`
	End            time.Time `gorm:"column:end_at;not null" json:"end"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
}

func (Appointment) TableName() string {
	return "appointments"
}

func (a *Appointment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func (a Appointment) Scope() Scope {
	return Scope{TenantID: a.TenantID, ClinicID: a.ClinicID}
}

// HoldConfirmation records the outcome of a confirmation so replays return it verbatim.
type HoldConfirmation struct {
	HoldID               uuid.UUID     `gorm:"column:hold_id;type:uuid;primaryKey" json:"hold_id"`
	TenantID             string        `gorm:"column:tenant_id;not null" json:"tenant_id"`
	ClinicID             string        `gorm:"column:clinic_id;not null" json:"clinic_id"`
	IdempotencyKey       string        `gorm:"column:idempotency_key;not null" json:"idempotency_key"`
	AppointmentID        uuid.UUID     `gorm:"column:appointment_id;type:uuid;not null" json:"appointment_id"`
	PaymentTransactionID string        `gorm:"column:payment_transaction_id;not null" json:"payment_transaction_id"`
	ConfirmedAt          time.Time     `gorm:"column:confirmed_at;not null" json:"confirmed_at"`
	PaymentStatus        PaymentStatus `gorm:"column:payment_status;type:varchar(16);not null" json:"payment_status"`
	GatewayStatus        string        `gorm:"column:gateway_status;not null" json:"gateway_status"`
	LedgerSynced         bool          `gorm:"column:ledger_synced;not null;default:false;index" json:"ledger_synced"`
	CreatedAt            time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

func (HoldConfirmation) TableName() string {
	return "hold_confirmations"
}
