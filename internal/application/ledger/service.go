// Package ledger appends payment events to an appointment's ledger and folds them into
// its current state. Events are immutable and de-duplicated by fingerprint, so gateway
// retries and orchestrator replays can be applied any number of times.
package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"clinic-backend/internal/domain"
	"clinic-backend/internal/infrastructure/database"
	"clinic-backend/internal/infrastructure/events"
	"clinic-backend/internal/pkg/clock"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	DB        *gorm.DB
	Clock     clock.Clock
	Publisher events.Publisher
}

// EventInput is one event as reported by the gateway or the orchestrator.
type EventInput struct {
	Type           domain.LedgerEventType
	GatewayStatus  string
	Fingerprint    string
	RecordedAt     time.Time
	Sandbox        bool
	Currency       string
	AmountCents    *int64
	NetAmountCents *int64
	Split          []domain.SplitLine
	RemainderCents *int64
	Metadata       map[string]interface{}
}

type AppendResult struct {
	Event     domain.LedgerEvent
	Duplicate bool
}

var errSequenceTaken = errors.New("ledger: sequence taken")

// Append records in on the appointment's ledger. An event whose fingerprint is already
// recorded is not written again; the stored event is returned with Duplicate set.
// A failed write is retried once before ErrLedgerWriteConflict is returned.
func (s *Service) Append(ctx context.Context, scope domain.Scope, appointmentID uuid.UUID, in EventInput) (AppendResult, error) {
	if err := scope.Validate(); err != nil {
		return AppendResult{}, err
	}
	event, err := s.buildEvent(scope, appointmentID, in)
	if err != nil {
		return AppendResult{}, err
	}

	var res AppendResult
	for attempt := 0; attempt < 2; attempt++ {
		res, err = s.appendOnce(ctx, scope, event)
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrAppointmentNotFound) || errors.Is(err, domain.ErrInvalidLedgerEvent) || ctx.Err() != nil {
			return AppendResult{}, err
		}
		log.Warn().Err(err).
			Str("appointment_id", appointmentID.String()).
			Str("fingerprint", event.Fingerprint).
			Int("attempt", attempt+1).
			Msg("ledger append failed")
	}
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: %v", domain.ErrLedgerWriteConflict, err)
	}

	if res.Duplicate {
		log.Info().
			Str("appointment_id", appointmentID.String()).
			Str("fingerprint", event.Fingerprint).
			Msg("duplicate ledger event ignored")
		return res, nil
	}
	log.Info().
		Str("appointment_id", appointmentID.String()).
		Str("clinic_id", scope.ClinicID).
		Str("type", string(res.Event.Type)).
		Int64("sequence", res.Event.Sequence).
		Msg("ledger event appended")
	events.PublishAsync(s.Publisher, events.Event{
		Type:       events.TypeLedgerEventAppended,
		TenantID:   scope.TenantID,
		ClinicID:   scope.ClinicID,
		OccurredAt: res.Event.RecordedAt,
		Payload:    res.Event,
	})
	return res, nil
}

func (s *Service) appendOnce(ctx context.Context, scope domain.Scope, event domain.LedgerEvent) (AppendResult, error) {
	var res AppendResult
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := database.AdvisoryLock(tx, "ledger:"+event.AppointmentID.String()); err != nil {
			return err
		}
		if err := requireAppointment(tx, scope, event.AppointmentID); err != nil {
			return err
		}
		existing, err := findByFingerprint(tx, event.AppointmentID, event.Fingerprint)
		if err != nil {
			return err
		}
		if existing != nil {
			res = AppendResult{Event: *existing, Duplicate: true}
			return nil
		}

		var last int64
		if err := tx.Model(&domain.LedgerEvent{}).
			Where("appointment_id = ?", event.AppointmentID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&last).Error; err != nil {
			return err
		}
		event.Sequence = last + 1
		if err := tx.Create(&event).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return errSequenceTaken
			}
			return err
		}
		res = AppendResult{Event: event}
		return nil
	})
	if errors.Is(err, errSequenceTaken) {
		// a concurrent delivery of the same event shows up here as well
		existing, ferr := findByFingerprint(s.DB.WithContext(ctx), event.AppointmentID, event.Fingerprint)
		if ferr == nil && existing != nil {
			return AppendResult{Event: *existing, Duplicate: true}, nil
		}
	}
	return res, err
}

// CurrentStatus folds the ledger into its payment status.
func (s *Service) CurrentStatus(ctx context.Context, scope domain.Scope, appointmentID uuid.UUID) (domain.PaymentStatus, error) {
	l, err := s.Get(ctx, scope, appointmentID)
	if err != nil {
		return "", err
	}
	return l.Status, nil
}

// Get returns the ledger of the appointment, folded from its events in append order.
func (s *Service) Get(ctx context.Context, scope domain.Scope, appointmentID uuid.UUID) (domain.PaymentLedger, error) {
	if err := scope.Validate(); err != nil {
		return domain.PaymentLedger{}, err
	}
	db := s.DB.WithContext(ctx)
	if err := requireAppointment(db, scope, appointmentID); err != nil {
		return domain.PaymentLedger{}, err
	}
	var rows []domain.LedgerEvent
	if err := db.Where("appointment_id = ?", appointmentID).Order("sequence").Find(&rows).Error; err != nil {
		return domain.PaymentLedger{}, err
	}
	return domain.FoldLedger(appointmentID, rows), nil
}

func (s *Service) buildEvent(scope domain.Scope, appointmentID uuid.UUID, in EventInput) (domain.LedgerEvent, error) {
	recordedAt := in.RecordedAt
	if recordedAt.IsZero() && s.Clock != nil {
		recordedAt = s.Clock.Now()
	}
	event := domain.LedgerEvent{
		TenantID:       scope.TenantID,
		ClinicID:       scope.ClinicID,
		AppointmentID:  appointmentID,
		Type:           in.Type,
		GatewayStatus:  in.GatewayStatus,
		RecordedAt:     recordedAt.UTC(),
		Sandbox:        in.Sandbox,
		Currency:       in.Currency,
		AmountCents:    in.AmountCents,
		NetAmountCents: in.NetAmountCents,
		RemainderCents: in.RemainderCents,
	}
	if len(in.Split) > 0 {
		var remainder int64
		if in.RemainderCents != nil {
			remainder = *in.RemainderCents
		}
		event.SetSplit(in.Split, remainder)
	} else if in.Type == domain.EventSettled && in.AmountCents != nil && in.RemainderCents == nil {
		// unsplit settlement: the whole amount is remainder
		remainder := *in.AmountCents
		event.RemainderCents = &remainder
	}
	if len(in.Metadata) > 0 {
		b, err := json.Marshal(in.Metadata)
		if err != nil {
			return domain.LedgerEvent{}, fmt.Errorf("%w: metadata: %v", domain.ErrInvalidLedgerEvent, err)
		}
		event.Metadata = datatypes.JSON(b)
	}
	if err := event.Validate(); err != nil {
		return domain.LedgerEvent{}, err
	}
	event.Fingerprint = in.Fingerprint
	if event.Fingerprint == "" {
		event.Fingerprint = DeriveFingerprint(event)
	}
	return event, nil
}

// DeriveFingerprint hashes the content of an event that arrived without one, so the
// same content is recognised when it is delivered again.
func DeriveFingerprint(e domain.LedgerEvent) string {
	h, _ := blake2b.New256(nil)
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	optional := func(v *int64) string {
		if v == nil {
			return "-"
		}
		return strconv.FormatInt(*v, 10)
	}
	write(e.AppointmentID.String())
	write(string(e.Type))
	write(e.GatewayStatus)
	write(e.RecordedAt.UTC().Format(time.RFC3339Nano))
	write(e.Currency)
	write(optional(e.AmountCents))
	write(optional(e.NetAmountCents))
	write(optional(e.RemainderCents))
	write(string(e.Split))
	return "derived:" + hex.EncodeToString(h.Sum(nil))
}

// SettlementFingerprint identifies the capture of a gateway transaction. The
// orchestrator and gateway notifications both use it, so a payment settles once.
func SettlementFingerprint(transactionID string) string {
	return "payment:" + transactionID + ":settled"
}

func requireAppointment(db *gorm.DB, scope domain.Scope, appointmentID uuid.UUID) error {
	var n int64
	if err := db.Model(&domain.Appointment{}).
		Where("id = ? AND tenant_id = ? AND clinic_id = ?", appointmentID, scope.TenantID, scope.ClinicID).
		Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrAppointmentNotFound
	}
	return nil
}

func findByFingerprint(db *gorm.DB, appointmentID uuid.UUID, fingerprint string) (*domain.LedgerEvent, error) {
	var e domain.LedgerEvent
	res := db.Where("appointment_id = ? AND fingerprint = ?", appointmentID, fingerprint).Limit(1).Find(&e)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &e, nil
}
