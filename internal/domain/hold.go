package domain

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type HoldStatus string

const (
	HoldStatusPending   HoldStatus = "pending"
	HoldStatusConfirmed HoldStatus = "confirmed"
	HoldStatusExpired   HoldStatus = "expired"
	HoldStatusCancelled HoldStatus = "cancelled"
)

// Hold is the persisted shape of a tentative reservation of a professional slot.
// Lifecycle fields are only written through Transition; read them through State.
type Hold struct {
	ID                 uuid.UUID      `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	TenantID           string         `gorm:"column:tenant_id;not null;index:idx_holds_scope,priority:1" json:"tenant_id"`
	ClinicID           string         `gorm:"column:clinic_id;not null;uniqueIndex:idx_holds_idempotency,priority:1;index:idx_holds_scope,priority:2;index:idx_holds_window,priority:1" json:"clinic_id"`
	IdempotencyKey     string         `gorm:"column:idempotency_key;not null;uniqueIndex:idx_holds_idempotency,priority:2" json:"idempotency_key"`
	ProfessionalID     string         `gorm:"column:professional_id;not null;index:idx_holds_window,priority:2" json:"professional_id"`
	PatientID          string         `gorm:"column:patient_id;not null" json:"patient_id"`
	ServiceTypeID      string         `gorm:"column:service_type_id;not null" json:"service_type_id"`
	Start              time.Time      `gorm:"column:start_at;not null;index:idx_holds_window,priority:3" json:"start"`
	End                time.Time      `gorm:"column:end_at;not null" json:"end"`
	LocationID         *string        `gorm:"column:location_id" json:"location_id,omitempty"`
	Resources          datatypes.JSON `gorm:"column:resources;type:json" json:"resources,omitempty"`
	Status             HoldStatus     `gorm:"column:status;type:varchar(16);not null;index" json:"status"`
	TTLExpiresAt       time.Time      `gorm:"column:ttl_expires_at;not null;index" json:"ttl_expires_at"`
	CreatedBy          string         `gorm:"column:created_by;not null" json:"created_by"`
	ConfirmedAt        *time.Time     `gorm:"column:confirmed_at" json:"confirmed_at,omitempty"`
	ConfirmedBy        *string        `gorm:"column:confirmed_by" json:"confirmed_by,omitempty"`
	CancelledAt        *time.Time     `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	CancelledBy        *string        `gorm:"column:cancelled_by" json:"cancelled_by,omitempty"`
	CancellationReason *string        `gorm:"column:cancellation_reason" json:"cancellation_reason,omitempty"`
	ExpiredAt          *time.Time     `gorm:"column:expired_at" json:"expired_at,omitempty"`
	CreatedAt          time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (Hold) TableName() string {
	return "holds"
}

func (h *Hold) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}

// HoldState is the lifecycle of a hold as a closed set of variants.
// Each variant carries only the data valid in that state.
type HoldState interface {
	Status() HoldStatus
	isHoldState()
}

type PendingState struct {
	TTLExpiresAt time.Time
}

type ConfirmedState struct {
	At time.Time
	By string
}

type ExpiredState struct {
	At time.Time
}

type CancelledState struct {
	At     time.Time
	By     string
	Reason string
}

func (PendingState) Status() HoldStatus   { return HoldStatusPending }
func (ConfirmedState) Status() HoldStatus { return HoldStatusConfirmed }
func (ExpiredState) Status() HoldStatus   { return HoldStatusExpired }
func (CancelledState) Status() HoldStatus { return HoldStatusCancelled }

func (PendingState) isHoldState()   {}
func (ConfirmedState) isHoldState() {}
func (ExpiredState) isHoldState()   {}
func (CancelledState) isHoldState() {}

// State returns the effective state at now. A pending hold whose TTL has
// elapsed reads as expired even before the transition is persisted.
func (h Hold) State(now time.Time) HoldState {
	switch h.Status {
	case HoldStatusConfirmed:
		return ConfirmedState{At: derefTime(h.ConfirmedAt), By: derefString(h.ConfirmedBy)}
	case HoldStatusCancelled:
		return CancelledState{At: derefTime(h.CancelledAt), By: derefString(h.CancelledBy), Reason: derefString(h.CancellationReason)}
	case HoldStatusExpired:
		return ExpiredState{At: derefTime(h.ExpiredAt)}
	}
	if !h.TTLExpiresAt.After(now) {
		return ExpiredState{At: h.TTLExpiresAt}
	}
	return PendingState{TTLExpiresAt: h.TTLExpiresAt}
}

// LapsedAt reports whether the stored row is still pending although its TTL has elapsed.
func (h Hold) LapsedAt(now time.Time) bool {
	return h.Status == HoldStatusPending && !h.TTLExpiresAt.After(now)
}

// Live reports whether the hold occupies its slot at now.
func (h Hold) Live(now time.Time) bool {
	switch h.State(now).(type) {
	case PendingState, ConfirmedState:
		return true
	}
	return false
}

// Transition moves a stored pending hold into a terminal state.
func (h *Hold) Transition(next HoldState) error {
	if h.Status != HoldStatusPending {
		return ErrInvalidTransition
	}
	switch s := next.(type) {
	case ConfirmedState:
		at, by := s.At, s.By
		h.ConfirmedAt, h.ConfirmedBy = &at, &by
	case ExpiredState:
		at := s.At
		h.ExpiredAt = &at
	case CancelledState:
		at, by, reason := s.At, s.By, s.Reason
		h.CancelledAt, h.CancelledBy, h.CancellationReason = &at, &by, &reason
	default:
		return ErrInvalidTransition
	}
	h.Status = next.Status()
	return nil
}

// Overlaps reports whether the [Start, End) windows intersect.
func (h Hold) Overlaps(start, end time.Time) bool {
	return h.Start.Before(end) && start.Before(h.End)
}

func (h Hold) ResourceList() []string {
	if len(h.Resources) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(h.Resources, &out); err != nil {
		return nil
	}
	return out
}

// SetResources stores a sorted, de-duplicated copy of resources.
func (h *Hold) SetResources(resources []string) {
	if len(resources) == 0 {
		h.Resources = nil
		return
	}
	seen := make(map[string]struct{}, len(resources))
	out := make([]string, 0, len(resources))
	for _, r := range resources {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	b, _ := json.Marshal(out)
	h.Resources = datatypes.JSON(b)
}

// SharesResource reports whether any of resources is also claimed by h.
func (h Hold) SharesResource(resources []string) bool {
	mine := h.ResourceList()
	if len(mine) == 0 || len(resources) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(mine))
	for _, r := range mine {
		set[r] = struct{}{}
	}
	for _, r := range resources {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
