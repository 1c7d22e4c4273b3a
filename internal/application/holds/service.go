package holds

import (
	"context"
	"errors"
	"strings"
	"time"

	"clinic-backend/internal/domain"
	"clinic-backend/internal/infrastructure/events"
	"clinic-backend/internal/pkg/clock"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// SettingsSource supplies a clinic's hold settings.
type SettingsSource interface {
	HoldSettings(ctx context.Context, scope domain.Scope) (domain.ClinicHoldSettings, error)
}

// Service owns the hold lifecycle: create, read with lazy expiry, cancel.
// Confirmation lives in the confirmation package.
type Service struct {
	store     *Store
	settings  SettingsSource
	clock     clock.Clock
	publisher events.Publisher
	sweepSize int
}

const defaultSweepSize = 500

type Option func(*Service)

// WithSweepSize bounds how many holds one ExpireStale call transitions.
func WithSweepSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sweepSize = n
		}
	}
}

// WithPublisher announces holds found expired on read or cancel.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func NewService(store *Store, settings SettingsSource, clk clock.Clock, opts ...Option) *Service {
	svc := &Service{
		store:     store,
		settings:  settings,
		clock:     clk,
		sweepSize: defaultSweepSize,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func (s *Service) Store() *Store {
	return s.store
}

type CreateHoldInput struct {
	Scope          domain.Scope
	IdempotencyKey string
	ProfessionalID string
	PatientID      string
	ServiceTypeID  string
	Start          time.Time
	End            time.Time
	LocationID     *string
	Resources      []string
	CreatedBy      string
}

// Create validates the window against the clinic settings and reserves the slot.
// Repeating a request with the same idempotency key returns the original hold with Reused set.
func (s *Service) Create(ctx context.Context, in CreateHoldInput) (Reservation, error) {
	if err := in.Scope.Validate(); err != nil {
		return Reservation{}, err
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return Reservation{}, domain.ErrIdempotencyKeyRequired
	}
	if in.ProfessionalID == "" || in.PatientID == "" || in.ServiceTypeID == "" {
		return Reservation{}, domain.ErrIncompleteHold
	}
	start, end := in.Start.UTC(), in.End.UTC()
	if !start.Before(end) {
		return Reservation{}, domain.ErrInvalidWindow
	}

	hold := domain.Hold{
		ID:             uuid.New(),
		TenantID:       in.Scope.TenantID,
		ClinicID:       in.Scope.ClinicID,
		IdempotencyKey: key,
		ProfessionalID: in.ProfessionalID,
		PatientID:      in.PatientID,
		ServiceTypeID:  in.ServiceTypeID,
		Start:          start,
		End:            end,
		LocationID:     in.LocationID,
		Status:         domain.HoldStatusPending,
		CreatedBy:      in.CreatedBy,
	}
	hold.SetResources(in.Resources)

	// a retry returns the hold it already owns, even once the advance window has moved on
	existing, err := s.store.FindByKey(ctx, in.Scope, key)
	if err != nil {
		return Reservation{}, err
	}
	if existing != nil {
		if !sameRequest(*existing, hold) {
			return Reservation{}, domain.ErrIdempotencyKeyReuse
		}
		return s.reused(ctx, in.Scope, *existing)
	}

	settings, err := s.settings.HoldSettings(ctx, in.Scope)
	if err != nil {
		return Reservation{}, err
	}
	now := s.clock.Now()
	if start.Before(now.Add(time.Duration(settings.MinAdvanceMinutes) * time.Minute)) {
		return Reservation{}, domain.ErrTooSoon
	}
	if settings.MaxAdvanceMinutes != nil && start.After(now.Add(time.Duration(*settings.MaxAdvanceMinutes)*time.Minute)) {
		return Reservation{}, domain.ErrTooFarAhead
	}
	hold.TTLExpiresAt = now.Add(settings.TTL())
	hold.CreatedAt, hold.UpdatedAt = now, now

	res, err := s.store.TryReserve(ctx, hold, settings.AdmissionPolicy(), now)
	if err != nil {
		log.Info().
			Err(err).
			Str("clinic_id", in.Scope.ClinicID).
			Str("professional_id", in.ProfessionalID).
			Str("idempotency_key", key).
			Msg("hold not reserved")
		return Reservation{}, err
	}
	if res.Reused {
		return s.reused(ctx, in.Scope, res.Hold)
	}
	log.Info().
		Str("hold_id", res.Hold.ID.String()).
		Str("clinic_id", in.Scope.ClinicID).
		Str("professional_id", in.ProfessionalID).
		Time("ttl_expires_at", res.Hold.TTLExpiresAt).
		Msg("hold created")
	s.publish(events.TypeHoldCreated, res.Hold, now)
	return res, nil
}

// reused answers a repeated request with the stored hold as of now.
func (s *Service) reused(ctx context.Context, scope domain.Scope, h domain.Hold) (Reservation, error) {
	log.Info().Str("hold_id", h.ID.String()).Str("idempotency_key", h.IdempotencyKey).Msg("hold reused")
	now := s.clock.Now()
	if h.LapsedAt(now) {
		s.expire(ctx, scope, h.ID, now)
		fresh, err := s.store.Find(ctx, scope, h.ID)
		if err != nil {
			return Reservation{}, err
		}
		h = fresh
	}
	return Reservation{Hold: h, Reused: true}, nil
}

// Get returns the hold as of now. A pending hold past its TTL is reported expired and
// the expiry is persisted.
func (s *Service) Get(ctx context.Context, scope domain.Scope, id uuid.UUID) (domain.Hold, error) {
	h, err := s.store.Find(ctx, scope, id)
	if err != nil {
		return domain.Hold{}, err
	}
	now := s.clock.Now()
	if !h.LapsedAt(now) {
		return h, nil
	}
	s.expire(ctx, scope, id, now)
	return s.store.Find(ctx, scope, id)
}

// Overlapping lists the live holds competing with q right now. Resource matching follows
// the clinic settings.
func (s *Service) Overlapping(ctx context.Context, scope domain.Scope, q OverlapQuery) ([]domain.Hold, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if !q.Start.Before(q.End) {
		return nil, domain.ErrInvalidWindow
	}
	settings, err := s.settings.HoldSettings(ctx, scope)
	if err != nil {
		return nil, err
	}
	q.Strict = settings.ResourceMatchingStrict && len(q.Resources) > 0
	return s.store.ListOverlapping(ctx, scope, q, s.clock.Now())
}

func (s *Service) expire(ctx context.Context, scope domain.Scope, id uuid.UUID, now time.Time) {
	changed, err := s.store.Expire(ctx, scope, id, now)
	if err != nil {
		log.Error().Err(err).Str("hold_id", id.String()).Msg("failed to persist hold expiry")
		return
	}
	if changed {
		events.PublishAsync(s.publisher, events.Event{
			Type:       events.TypeHoldExpired,
			TenantID:   scope.TenantID,
			ClinicID:   scope.ClinicID,
			OccurredAt: now,
			Payload:    map[string]string{"hold_id": id.String()},
		})
	}
}

// Cancel moves a pending hold to cancelled. A hold whose TTL has already elapsed cannot
// be cancelled; its expiry is persisted instead.
func (s *Service) Cancel(ctx context.Context, scope domain.Scope, id uuid.UUID, reason, by string) (domain.Hold, error) {
	now := s.clock.Now()
	h, err := s.store.Transition(ctx, scope, id, func(_ *gorm.DB, h *domain.Hold) error {
		if h.LapsedAt(now) {
			return domain.ErrInvalidTransition
		}
		if err := h.Transition(domain.CancelledState{At: now, By: by, Reason: reason}); err != nil {
			return err
		}
		h.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			s.expire(ctx, scope, id, now)
		}
		return domain.Hold{}, err
	}
	log.Info().Str("hold_id", id.String()).Str("clinic_id", scope.ClinicID).Str("cancelled_by", by).Msg("hold cancelled")
	s.publish(events.TypeHoldCancelled, h, now)
	return h, nil
}

func (s *Service) publish(eventType string, h domain.Hold, at time.Time) {
	events.PublishAsync(s.publisher, events.Event{
		Type:       eventType,
		TenantID:   h.TenantID,
		ClinicID:   h.ClinicID,
		OccurredAt: at,
		Payload: map[string]string{
			"hold_id":         h.ID.String(),
			"professional_id": h.ProfessionalID,
			"status":          string(h.Status),
		},
	})
}

// ExpireStale persists the expiry of lapsed pending holds. Reads already treat them as
// expired; this only keeps the table tidy.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireLapsed(ctx, s.clock.Now(), s.sweepSize)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("count", n).Msg("expired stale holds")
	}
	return n, nil
}
