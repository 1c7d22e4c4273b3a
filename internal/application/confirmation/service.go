// Package confirmation turns a pending hold into an appointment once a payment reference
// is presented, and opens the appointment's payment ledger.
//
// The hold transition, the appointment and the confirmation record commit together. The
// ledger write follows and may fail on its own: the confirmation then stands with
// LedgerSynced=false, and a replay with the same idempotency key or ReconcilePending
// completes it. Ledger events carry fixed fingerprints per hold and payment, so
// completing twice appends nothing.
package confirmation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinic-backend/internal/application/holds"
	"clinic-backend/internal/application/ledger"
	"clinic-backend/internal/application/settings"
	"clinic-backend/internal/application/split"
	"clinic-backend/internal/domain"
	"clinic-backend/internal/infrastructure/events"
	"clinic-backend/internal/infrastructure/gateway"
	"clinic-backend/internal/pkg/clock"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type LedgerWriter interface {
	Append(ctx context.Context, scope domain.Scope, appointmentID uuid.UUID, in ledger.EventInput) (ledger.AppendResult, error)
}

type AgreementSource interface {
	ActiveAgreement(ctx context.Context, scope domain.Scope, professionalID, serviceTypeID string) (settings.Agreement, error)
}

type Service struct {
	db         *gorm.DB
	holds      *holds.Store
	ledger     LedgerWriter
	agreements AgreementSource
	gateway    gateway.Gateway
	publisher  events.Publisher
	clock      clock.Clock
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func NewService(store *holds.Store, lw LedgerWriter, agreements AgreementSource, gw gateway.Gateway, clk clock.Clock, opts ...Option) *Service {
	svc := &Service{
		db:         store.DB,
		holds:      store,
		ledger:     lw,
		agreements: agreements,
		gateway:    gw,
		clock:      clk,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type ConfirmInput struct {
	Scope                domain.Scope
	HoldID               uuid.UUID
	PaymentTransactionID string
	IdempotencyKey       string
	ConfirmedBy          string
}

type Result struct {
	AppointmentID        uuid.UUID            `json:"appointmentId"`
	HoldID               uuid.UUID            `json:"holdId"`
	PaymentTransactionID string               `json:"paymentTransactionId"`
	ConfirmedAt          time.Time            `json:"confirmedAt"`
	PaymentStatus        domain.PaymentStatus `json:"paymentStatus"`
	// transport metadata; the result body is identical across replays
	LedgerSynced bool `json:"-"`
	Replayed     bool `json:"-"`
}

// Confirm confirms the hold against the payment transaction. Repeating a call with the
// same idempotency key returns the original result, finishing the ledger write first if
// it had failed.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (Result, error) {
	if err := in.Scope.Validate(); err != nil {
		return Result{}, err
	}
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.IdempotencyKey == "" {
		return Result{}, domain.ErrIdempotencyKeyRequired
	}
	if in.PaymentTransactionID == "" {
		return Result{}, domain.ErrPaymentReferenceRequired
	}

	if conf, err := s.findConfirmation(ctx, in.Scope, in.HoldID); err != nil {
		return Result{}, err
	} else if conf != nil {
		return s.replay(ctx, in, *conf)
	}

	payment, err := s.gateway.Lookup(ctx, in.PaymentTransactionID)
	if err != nil {
		return Result{}, fmt.Errorf("payment lookup: %w", err)
	}

	var (
		appt domain.Appointment
		conf domain.HoldConfirmation
		now  time.Time
	)
	_, err = s.holds.Transition(ctx, in.Scope, in.HoldID, func(tx *gorm.DB, h *domain.Hold) error {
		// stored timestamps keep microseconds; the first answer must match a replay
		now = s.clock.Now().UTC().Truncate(time.Microsecond)
		if h.Status == domain.HoldStatusConfirmed {
			return domain.ErrHoldAlreadyConfirmed
		}
		if h.Status == domain.HoldStatusExpired || h.LapsedAt(now) {
			return domain.ErrHoldExpired
		}
		if err := h.Transition(domain.ConfirmedState{At: now, By: in.ConfirmedBy}); err != nil {
			return err
		}
		h.UpdatedAt = now

		appt = domain.Appointment{
			TenantID:       h.TenantID,
			ClinicID:       h.ClinicID,
			HoldID:         h.ID,
			ProfessionalID: h.ProfessionalID,
			PatientID:      h.PatientID,
			ServiceTypeID:  h.ServiceTypeID,
			Start:          h.Start,
			End:            h.End,
			CreatedAt:      now,
		}
		if err := tx.Create(&appt).Error; err != nil {
			return err
		}
		conf = domain.HoldConfirmation{
			HoldID:               h.ID,
			TenantID:             h.TenantID,
			ClinicID:             h.ClinicID,
			IdempotencyKey:       in.IdempotencyKey,
			AppointmentID:        appt.ID,
			PaymentTransactionID: payment.TransactionID,
			ConfirmedAt:          now,
			PaymentStatus:        domain.GatewayOutcome(payment.Status),
			GatewayStatus:        payment.Status,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		return tx.Create(&conf).Error
	})
	switch {
	case errors.Is(err, domain.ErrHoldExpired):
		if _, xerr := s.holds.Expire(ctx, in.Scope, in.HoldID, now); xerr != nil {
			log.Error().Err(xerr).Str("hold_id", in.HoldID.String()).Msg("failed to persist hold expiry")
		}
		return Result{}, err
	case errors.Is(err, domain.ErrHoldAlreadyConfirmed):
		// a concurrent confirmation committed first
		existing, ferr := s.findConfirmation(ctx, in.Scope, in.HoldID)
		if ferr != nil {
			return Result{}, ferr
		}
		if existing == nil {
			return Result{}, err
		}
		return s.replay(ctx, in, *existing)
	case err != nil:
		return Result{}, err
	}

	log.Info().
		Str("hold_id", in.HoldID.String()).
		Str("appointment_id", appt.ID.String()).
		Str("clinic_id", in.Scope.ClinicID).
		Str("gateway_status", payment.Status).
		Msg("hold confirmed")
	events.PublishAsync(s.publisher, events.Event{
		Type:       events.TypeAppointmentCreated,
		TenantID:   appt.TenantID,
		ClinicID:   appt.ClinicID,
		OccurredAt: now,
		Payload:    appt,
	})

	conf = s.syncLedger(ctx, conf, appt, payment)
	return resultFrom(conf, false), nil
}

// ReconcilePending completes the ledger write of up to limit confirmations whose ledger
// write failed. It returns how many were completed.
func (s *Service) ReconcilePending(ctx context.Context, limit int) (int, error) {
	var pending []domain.HoldConfirmation
	if err := s.db.WithContext(ctx).
		Where("ledger_synced = ?", false).
		Order("confirmed_at").
		Limit(limit).
		Find(&pending).Error; err != nil {
		return 0, err
	}
	synced := 0
	for _, conf := range pending {
		if ctx.Err() != nil {
			return synced, ctx.Err()
		}
		updated, err := s.resume(ctx, conf)
		if err != nil {
			log.Warn().Err(err).Str("hold_id", conf.HoldID.String()).Msg("ledger reconciliation failed")
			continue
		}
		if updated.LedgerSynced {
			synced++
		}
	}
	if synced > 0 {
		log.Info().Int("count", synced).Msg("reconciled confirmation ledgers")
	}
	return synced, nil
}

func (s *Service) replay(ctx context.Context, in ConfirmInput, conf domain.HoldConfirmation) (Result, error) {
	if conf.IdempotencyKey != in.IdempotencyKey {
		return Result{}, domain.ErrHoldAlreadyConfirmed
	}
	if !conf.LedgerSynced {
		updated, err := s.resume(ctx, conf)
		if err != nil {
			log.Warn().Err(err).Str("hold_id", conf.HoldID.String()).Msg("ledger resume failed")
		} else {
			conf = updated
		}
	}
	log.Info().Str("hold_id", conf.HoldID.String()).Bool("ledger_synced", conf.LedgerSynced).Msg("confirmation replayed")
	return resultFrom(conf, true), nil
}

func (s *Service) resume(ctx context.Context, conf domain.HoldConfirmation) (domain.HoldConfirmation, error) {
	var appt domain.Appointment
	if err := s.db.WithContext(ctx).Where("id = ?", conf.AppointmentID).First(&appt).Error; err != nil {
		return conf, err
	}
	payment, err := s.gateway.Lookup(ctx, conf.PaymentTransactionID)
	if err != nil {
		return conf, fmt.Errorf("payment lookup: %w", err)
	}
	return s.syncLedger(ctx, conf, appt, payment), nil
}

// syncLedger appends the confirmation's ledger events and marks the confirmation synced.
// Failures are logged and leave the confirmation unsynced.
func (s *Service) syncLedger(ctx context.Context, conf domain.HoldConfirmation, appt domain.Appointment, payment gateway.Payment) domain.HoldConfirmation {
	scope := appt.Scope()
	status, err := s.writeLedger(ctx, scope, conf, appt, payment)
	if err != nil {
		log.Error().Err(err).
			Str("hold_id", conf.HoldID.String()).
			Str("appointment_id", appt.ID.String()).
			Msg("ledger write after confirmation failed")
		return conf
	}

	res := s.db.WithContext(ctx).Model(&domain.HoldConfirmation{}).
		Where("hold_id = ?", conf.HoldID).
		Updates(map[string]interface{}{
			"ledger_synced":  true,
			"payment_status": status,
			"updated_at":     s.clock.Now(),
		})
	if res.Error != nil {
		log.Error().Err(res.Error).Str("hold_id", conf.HoldID.String()).Msg("failed to mark confirmation synced")
		return conf
	}
	conf.LedgerSynced = true
	conf.PaymentStatus = status
	return conf
}

func (s *Service) writeLedger(ctx context.Context, scope domain.Scope, conf domain.HoldConfirmation, appt domain.Appointment, payment gateway.Payment) (domain.PaymentStatus, error) {
	amount := payment.AmountCents
	metadata := map[string]interface{}{
		"hold_id":                conf.HoldID.String(),
		"payment_transaction_id": conf.PaymentTransactionID,
	}
	_, err := s.ledger.Append(ctx, scope, appt.ID, ledger.EventInput{
		Type:          domain.EventStatusChanged,
		GatewayStatus: payment.Status,
		Fingerprint:   "confirm:" + conf.HoldID.String() + ":status",
		RecordedAt:    conf.ConfirmedAt,
		Sandbox:       payment.Sandbox,
		Currency:      payment.Currency,
		AmountCents:   &amount,
		Metadata:      metadata,
	})
	if err != nil {
		return "", err
	}
	if !domain.IsSettledGatewayStatus(payment.Status) {
		return domain.GatewayOutcome(payment.Status), nil
	}

	agreement, err := s.agreements.ActiveAgreement(ctx, scope, appt.ProfessionalID, appt.ServiceTypeID)
	if err != nil {
		return "", err
	}
	alloc, err := split.ComputeForSummary(split.FromCents(amount, payment.Currency), agreement.Summary, appt.ServiceTypeID)
	if err != nil {
		return "", err
	}
	metadata["agreement_source"] = agreement.Source
	_, err = s.ledger.Append(ctx, scope, appt.ID, ledger.EventInput{
		Type:           domain.EventSettled,
		GatewayStatus:  payment.Status,
		Fingerprint:    ledger.SettlementFingerprint(conf.PaymentTransactionID),
		RecordedAt:     conf.ConfirmedAt,
		Sandbox:        payment.Sandbox,
		Currency:       alloc.Currency,
		AmountCents:    &alloc.BaseAmountCents,
		NetAmountCents: payment.NetAmountCents,
		Split:          alloc.Lines,
		RemainderCents: &alloc.RemainderCents,
		Metadata:       metadata,
	})
	if err != nil {
		return "", err
	}
	return domain.PaymentSettled, nil
}

func (s *Service) findConfirmation(ctx context.Context, scope domain.Scope, holdID uuid.UUID) (*domain.HoldConfirmation, error) {
	var conf domain.HoldConfirmation
	res := s.db.WithContext(ctx).
		Where("hold_id = ? AND tenant_id = ? AND clinic_id = ?", holdID, scope.TenantID, scope.ClinicID).
		Limit(1).
		Find(&conf)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &conf, nil
}

func resultFrom(conf domain.HoldConfirmation, replayed bool) Result {
	return Result{
		AppointmentID:        conf.AppointmentID,
		HoldID:               conf.HoldID,
		PaymentTransactionID: conf.PaymentTransactionID,
		ConfirmedAt:          conf.ConfirmedAt,
		PaymentStatus:        conf.PaymentStatus,
		LedgerSynced:         conf.LedgerSynced,
		Replayed:             replayed,
	}
}
