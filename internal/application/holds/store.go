package holds

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinic-backend/internal/domain"
	"clinic-backend/internal/infrastructure/database"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Locker serializes reservations across API instances. Acquire blocks until the key is
// held or ctx is done; the returned func releases it.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// Store persists holds. Every read and write is scoped by tenant and clinic.
type Store struct {
	DB     *gorm.DB
	Locker Locker
}

// Reservation is the outcome of TryReserve. Reused is set when the idempotency key
// already belonged to a hold and nothing was written.
type Reservation struct {
	Hold   domain.Hold
	Reused bool
}

// OverlapQuery selects live holds competing for the same slot.
type OverlapQuery struct {
	ProfessionalID string
	Start          time.Time
	End            time.Time
	Resources      []string
	Strict         bool
}

var errDuplicateKey = errors.New("holds: duplicate idempotency key")

// TryReserve inserts hold unless its idempotency key is already taken or admission fails.
// The idempotency lookup, overlap count and insert share one transaction.
func (s *Store) TryReserve(ctx context.Context, hold domain.Hold, policy domain.AdmissionPolicy, now time.Time) (Reservation, error) {
	if s.Locker != nil {
		release, err := s.Locker.Acquire(ctx, lockKey(hold, policy.ResourceMatchingStrict))
		if err != nil {
			return Reservation{}, err
		}
		defer release()
	}

	var res Reservation
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := database.AdvisoryLock(tx, "hold:key:"+hold.ClinicID+":"+hold.IdempotencyKey); err != nil {
			return err
		}
		if err := database.AdvisoryLock(tx, lockKey(hold, policy.ResourceMatchingStrict)); err != nil {
			return err
		}

		existing, err := findByKey(tx, hold.ClinicID, hold.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			if !sameRequest(*existing, hold) {
				return domain.ErrIdempotencyKeyReuse
			}
			res = Reservation{Hold: *existing, Reused: true}
			return nil
		}

		competing, err := listOverlapping(tx, domain.Scope{TenantID: hold.TenantID, ClinicID: hold.ClinicID}, OverlapQuery{
			ProfessionalID: hold.ProfessionalID,
			Start:          hold.Start,
			End:            hold.End,
			Resources:      hold.ResourceList(),
			Strict:         policy.ResourceMatchingStrict,
		}, now)
		if err != nil {
			return err
		}
		if !policy.Admits(len(competing)) {
			return domain.ErrOverbookingRejected
		}

		if err := tx.Create(&hold).Error; err != nil {
			if database.IsUniqueViolation(err) {
				return errDuplicateKey
			}
			return err
		}
		res = Reservation{Hold: hold}
		return nil
	})
	if errors.Is(err, errDuplicateKey) {
		// lost an insert race on the same key; the winner is the answer
		existing, ferr := findByKey(s.DB.WithContext(ctx), hold.ClinicID, hold.IdempotencyKey)
		if ferr != nil {
			return Reservation{}, ferr
		}
		if existing == nil {
			return Reservation{}, fmt.Errorf("holds: idempotency key %q conflicted but no row found", hold.IdempotencyKey)
		}
		if !sameRequest(*existing, hold) {
			return Reservation{}, domain.ErrIdempotencyKeyReuse
		}
		return Reservation{Hold: *existing, Reused: true}, nil
	}
	if err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// Find returns the stored hold; holds of other tenants or clinics are not found.
func (s *Store) Find(ctx context.Context, scope domain.Scope, id uuid.UUID) (domain.Hold, error) {
	return find(s.DB.WithContext(ctx), scope, id)
}

// ListOverlapping returns live holds of the clinic that compete with q at now.
func (s *Store) ListOverlapping(ctx context.Context, scope domain.Scope, q OverlapQuery, now time.Time) ([]domain.Hold, error) {
	return listOverlapping(s.DB.WithContext(ctx), scope, q, now)
}

// Transition locks the hold row and runs fn inside one transaction. Changes fn makes
// to the hold are saved when fn returns nil; any error rolls everything back.
func (s *Store) Transition(ctx context.Context, scope domain.Scope, id uuid.UUID, fn func(tx *gorm.DB, h *domain.Hold) error) (domain.Hold, error) {
	var out domain.Hold
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		h, err := find(database.ForUpdate(tx), scope, id)
		if err != nil {
			return err
		}
		if err := fn(tx, &h); err != nil {
			return err
		}
		if err := tx.Save(&h).Error; err != nil {
			return err
		}
		out = h
		return nil
	})
	return out, err
}

// Expire persists the expiry of a pending hold whose TTL has elapsed at now. It reports
// whether a row changed; holds in any other state are left alone.
func (s *Store) Expire(ctx context.Context, scope domain.Scope, id uuid.UUID, now time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&domain.Hold{}).
		Where("id = ? AND tenant_id = ? AND clinic_id = ? AND status = ? AND ttl_expires_at <= ?",
			id, scope.TenantID, scope.ClinicID, domain.HoldStatusPending, now).
		Updates(map[string]interface{}{
			"status":     domain.HoldStatusExpired,
			"expired_at": gorm.Expr("ttl_expires_at"),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		log.Info().Str("hold_id", id.String()).Str("clinic_id", scope.ClinicID).Msg("hold expired")
	}
	return res.RowsAffected > 0, nil
}

// ExpireLapsed marks up to limit lapsed pending holds as expired, across all clinics.
func (s *Store) ExpireLapsed(ctx context.Context, now time.Time, limit int) (int64, error) {
	var ids []uuid.UUID
	if err := s.DB.WithContext(ctx).Model(&domain.Hold{}).
		Where("status = ? AND ttl_expires_at <= ?", domain.HoldStatusPending, now).
		Order("ttl_expires_at").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.DB.WithContext(ctx).Model(&domain.Hold{}).
		Where("id IN ? AND status = ?", ids, domain.HoldStatusPending).
		Updates(map[string]interface{}{
			"status":     domain.HoldStatusExpired,
			"expired_at": gorm.Expr("ttl_expires_at"),
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

// FindByKey returns the hold reserved under the clinic's idempotency key, or nil.
func (s *Store) FindByKey(ctx context.Context, scope domain.Scope, key string) (*domain.Hold, error) {
	return findByKey(s.DB.WithContext(ctx), scope.ClinicID, key)
}

func find(db *gorm.DB, scope domain.Scope, id uuid.UUID) (domain.Hold, error) {
	var h domain.Hold
	err := db.Where("id = ? AND tenant_id = ? AND clinic_id = ?", id, scope.TenantID, scope.ClinicID).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Hold{}, domain.ErrHoldNotFound
	}
	return h, err
}

func findByKey(db *gorm.DB, clinicID, key string) (*domain.Hold, error) {
	var h domain.Hold
	res := db.Where("clinic_id = ? AND idempotency_key = ?", clinicID, key).Limit(1).Find(&h)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return &h, nil
}

func listOverlapping(db *gorm.DB, scope domain.Scope, q OverlapQuery, now time.Time) ([]domain.Hold, error) {
	var candidates []domain.Hold
	err := db.Where("tenant_id = ? AND clinic_id = ?", scope.TenantID, scope.ClinicID).
		Where("start_at < ? AND end_at > ?", q.End, q.Start).
		Where("(status = ? OR (status = ? AND ttl_expires_at > ?))", domain.HoldStatusConfirmed, domain.HoldStatusPending, now).
		Order("start_at").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, h := range candidates {
		if h.ProfessionalID == q.ProfessionalID || (q.Strict && h.SharesResource(q.Resources)) {
			out = append(out, h)
		}
	}
	return out, nil
}

// sameRequest compares the reservation parameters an idempotent retry must repeat.
func sameRequest(existing, incoming domain.Hold) bool {
	if existing.TenantID != incoming.TenantID ||
		existing.ProfessionalID != incoming.ProfessionalID ||
		existing.PatientID != incoming.PatientID ||
		existing.ServiceTypeID != incoming.ServiceTypeID ||
		!existing.Start.Equal(incoming.Start) ||
		!existing.End.Equal(incoming.End) {
		return false
	}
	if derefLocation(existing.LocationID) != derefLocation(incoming.LocationID) {
		return false
	}
	return strings.Join(existing.ResourceList(), "\x00") == strings.Join(incoming.ResourceList(), "\x00")
}

func derefLocation(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// lockKey scopes the reservation lock to the professional, or to the whole clinic when
// resources shared between professionals can collide.
func lockKey(h domain.Hold, strict bool) string {
	if strict {
		return "hold:clinic:" + h.ClinicID
	}
	return "hold:professional:" + h.ClinicID + ":" + h.ProfessionalID
}
