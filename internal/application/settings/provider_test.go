package settings

import (
	"context"
	"testing"
	"time"

	"clinic-backend/internal/domain"
	"clinic-backend/internal/infrastructure/database"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var scope = domain.Scope{TenantID: "tenant-1", ClinicID: "clinic-1"}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open("sqlite::memory:")
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	return db
}

func summaryJSON(t *testing.T, serviceTypeID, payout string) []byte {
	t.Helper()
	raw, err := domain.EncodeSummary(domain.EconomicSummary{
		Agreements: []domain.EconomicAgreement{{
			ServiceTypeID: serviceTypeID,
			Price:         decimal.RequireFromString("150.00"),
			Currency:      "BRL",
			PayoutModel:   domain.PayoutPercentage,
			PayoutValue:   decimal.RequireFromString(payout),
		}},
		OrderOfRemainders: []domain.RemainderShare{{Recipient: domain.RecipientClinic, Percentage: decimal.NewFromInt(100)}},
	})
	require.NoError(t, err)
	return raw
}

func TestHoldSettings_DefaultsWhenMissing(t *testing.T) {
	p := &Provider{DB: setupDB(t)}

	s, err := p.HoldSettings(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 15, s.TTLMinutes)
	assert.Equal(t, 1, s.AdmissionPolicy().Limit())
	assert.Nil(t, s.MaxAdvanceMinutes)

	_, err = p.HoldSettings(context.Background(), domain.Scope{ClinicID: "clinic-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidScope)
}

func TestHoldSettings_StoredRowAndValidation(t *testing.T) {
	db := setupDB(t)
	p := &Provider{DB: db}
	require.NoError(t, db.Create(&domain.ClinicHoldSettings{
		ClinicID:             "clinic-1",
		TenantID:             "tenant-1",
		TTLMinutes:           10,
		AllowOverbooking:     true,
		OverbookingThreshold: decimal.NewFromInt(50),
		Capacity:             2,
	}).Error)

	s, err := p.HoldSettings(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, s.TTL())
	assert.Equal(t, 3, s.AdmissionPolicy().Limit())

	require.NoError(t, db.Model(&domain.ClinicHoldSettings{}).Where("clinic_id = ?", "clinic-1").Update("ttl_minutes", 0).Error)
	_, err = p.HoldSettings(context.Background(), scope)
	assert.ErrorIs(t, err, domain.ErrInvalidSettings)
}

func TestHoldSettings_ReadThroughCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	db := setupDB(t)
	p := &Provider{DB: db, Redis: rdb, CacheTTL: time.Minute}
	ctx := context.Background()
	require.NoError(t, db.Create(&domain.ClinicHoldSettings{ClinicID: "clinic-1", TenantID: "tenant-1", TTLMinutes: 20, Capacity: 1}).Error)

	s, err := p.HoldSettings(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 20, s.TTLMinutes)
	assert.True(t, mr.Exists("settings:hold:tenant-1:clinic-1"))

	require.NoError(t, db.Model(&domain.ClinicHoldSettings{}).Where("clinic_id = ?", "clinic-1").Update("ttl_minutes", 30).Error)
	s, err = p.HoldSettings(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 20, s.TTLMinutes, "served from cache")

	require.NoError(t, p.Invalidate(ctx, scope))
	s, err = p.HoldSettings(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 30, s.TTLMinutes)

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("settings:hold:tenant-1:clinic-1"))
}

func TestActiveAgreement_PolicyThenInvitation(t *testing.T) {
	db := setupDB(t)
	p := &Provider{DB: db}
	ctx := context.Background()

	_, err := p.ActiveAgreement(ctx, scope, "pro-1", "consult")
	assert.ErrorIs(t, err, domain.ErrAgreementNotFound)

	accepted := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&domain.Invitation{
		TenantID:                 "tenant-1",
		ClinicID:                 "clinic-1",
		ProfessionalID:           "pro-1",
		Status:                   domain.InvitationAccepted,
		AcceptedEconomicSnapshot: summaryJSON(t, "consult", "30"),
		AcceptedAt:               &accepted,
	}).Error)

	a, err := p.ActiveAgreement(ctx, scope, "pro-1", "consult")
	require.NoError(t, err)
	assert.Equal(t, SourceInvitation, a.Source)
	assert.True(t, a.Agreement.PayoutValue.Equal(decimal.NewFromInt(30)))

	require.NoError(t, db.Create(&domain.ProfessionalPolicy{
		TenantID:       "tenant-1",
		ClinicID:       "clinic-1",
		ProfessionalID: "pro-1",
		Active:         true,
		Summary:        summaryJSON(t, "consult", "45"),
	}).Error)

	a, err = p.ActiveAgreement(ctx, scope, "pro-1", "consult")
	require.NoError(t, err)
	assert.Equal(t, SourcePolicy, a.Source)
	assert.True(t, a.Agreement.PayoutValue.Equal(decimal.NewFromInt(45)))

	// a policy without the service type falls back to the invitation terms
	_, err = p.ActiveAgreement(ctx, scope, "pro-1", "surgery")
	assert.ErrorIs(t, err, domain.ErrAgreementNotFound)

	_, err = p.ActiveAgreement(ctx, domain.Scope{TenantID: "tenant-2", ClinicID: "clinic-1"}, "pro-1", "consult")
	assert.ErrorIs(t, err, domain.ErrAgreementNotFound)
}

func TestActiveAgreement_RequiresScope(t *testing.T) {
	db := setupDB(t)
	p := &Provider{DB: db}
	ctx := context.Background()
	require.NoError(t, db.Create(&domain.ProfessionalPolicy{
		TenantID: "", ClinicID: "", ProfessionalID: "pro-1", Active: true, Summary: summaryJSON(t, "consult", "45"),
	}).Error)

	_, err := p.ActiveAgreement(ctx, domain.Scope{}, "pro-1", "consult")
	assert.ErrorIs(t, err, domain.ErrInvalidScope)
	_, err = p.ActiveAgreement(ctx, domain.Scope{TenantID: "tenant-1"}, "pro-1", "consult")
	assert.ErrorIs(t, err, domain.ErrInvalidScope)
}
