// Package settings reads the clinic configuration the booking core depends on: hold
// settings and professionals' economic agreements. Both are owned elsewhere and are
// read-only here.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"clinic-backend/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	holdSettingsPrefix = "settings:hold:"
	defaultCacheTTL    = time.Minute
)

// Provider loads settings from the database, with an optional Redis read-through cache
// for hold settings.
type Provider struct {
	DB       *gorm.DB
	Redis    *redis.Client
	CacheTTL time.Duration
}

// HoldSettings returns the clinic's hold settings, or the defaults when none are stored.
func (p *Provider) HoldSettings(ctx context.Context, scope domain.Scope) (domain.ClinicHoldSettings, error) {
	if err := scope.Validate(); err != nil {
		return domain.ClinicHoldSettings{}, err
	}
	key := holdSettingsPrefix + scope.TenantID + ":" + scope.ClinicID
	if p.Redis != nil {
		if b, err := p.Redis.Get(ctx, key).Bytes(); err == nil {
			var cached domain.ClinicHoldSettings
			if json.Unmarshal(b, &cached) == nil {
				return cached, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("clinic_id", scope.ClinicID).Msg("settings cache read failed")
		}
	}

	var s domain.ClinicHoldSettings
	err := p.DB.WithContext(ctx).
		Where("clinic_id = ? AND tenant_id = ?", scope.ClinicID, scope.TenantID).
		First(&s).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		s = domain.DefaultHoldSettings(scope)
	case err != nil:
		return domain.ClinicHoldSettings{}, err
	}
	if err := s.Validate(); err != nil {
		return domain.ClinicHoldSettings{}, err
	}

	if p.Redis != nil {
		b, _ := json.Marshal(s)
		if err := p.Redis.Set(ctx, key, b, p.cacheTTL()).Err(); err != nil {
			log.Warn().Err(err).Str("clinic_id", scope.ClinicID).Msg("settings cache write failed")
		}
	}
	return s, nil
}

// Invalidate drops the cached hold settings of a clinic.
func (p *Provider) Invalidate(ctx context.Context, scope domain.Scope) error {
	if p.Redis == nil {
		return nil
	}
	return p.Redis.Del(ctx, holdSettingsPrefix+scope.TenantID+":"+scope.ClinicID).Err()
}

// Agreement is the economic terms that apply to one professional and service type.
type Agreement struct {
	Agreement domain.EconomicAgreement
	Summary   domain.EconomicSummary
	Source    string
}

const (
	SourcePolicy     = "policy"
	SourceInvitation = "invitation"
)

// ActiveAgreement resolves the professional's standing policy. Without an active policy
// covering the service type it falls back to the terms accepted on the latest invitation.
func (p *Provider) ActiveAgreement(ctx context.Context, scope domain.Scope, professionalID, serviceTypeID string) (Agreement, error) {
	if err := scope.Validate(); err != nil {
		return Agreement{}, err
	}
	db := p.DB.WithContext(ctx)

	var policy domain.ProfessionalPolicy
	res := db.Where("tenant_id = ? AND clinic_id = ? AND professional_id = ? AND active = ?",
		scope.TenantID, scope.ClinicID, professionalID, true).
		Order("updated_at DESC").
		Limit(1).
		Find(&policy)
	if res.Error != nil {
		return Agreement{}, res.Error
	}
	if res.RowsAffected > 0 {
		summary, err := policy.EconomicSummary()
		if err != nil && !errors.Is(err, domain.ErrAgreementNotFound) {
			return Agreement{}, err
		}
		if a, ok := summary.AgreementFor(serviceTypeID); ok && err == nil {
			return Agreement{Agreement: a, Summary: summary, Source: SourcePolicy}, nil
		}
	}

	var inv domain.Invitation
	res = db.Where("tenant_id = ? AND clinic_id = ? AND professional_id = ? AND status = ?",
		scope.TenantID, scope.ClinicID, professionalID, domain.InvitationAccepted).
		Order("accepted_at DESC").
		Limit(1).
		Find(&inv)
	if res.Error != nil {
		return Agreement{}, res.Error
	}
	if res.RowsAffected == 0 {
		return Agreement{}, domain.ErrAgreementNotFound
	}
	summary, err := inv.EconomicSnapshot()
	if err != nil {
		return Agreement{}, err
	}
	a, ok := summary.AgreementFor(serviceTypeID)
	if !ok {
		return Agreement{}, domain.ErrAgreementNotFound
	}
	return Agreement{Agreement: a, Summary: summary, Source: SourceInvitation}, nil
}

func (p *Provider) cacheTTL() time.Duration {
	if p.CacheTTL > 0 {
		return p.CacheTTL
	}
	return defaultCacheTTL
}
