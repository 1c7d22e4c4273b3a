package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ledgersvc "clinic-backend/internal/application/ledger"
	"clinic-backend/internal/application/settings"
	"clinic-backend/internal/domain"
	"clinic-backend/internal/infrastructure/database"
	"clinic-backend/internal/pkg/clock"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "whsec_test_secret_123"

var scope = domain.Scope{TenantID: "tenant-1", ClinicID: "clinic-1"}

type fixture struct {
	app    *fiber.App
	db     *gorm.DB
	ledger *ledgersvc.Service
	appt   domain.Appointment
}

func setupWebhookTest(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open("sqlite::memory:")
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	summary, err := domain.EncodeSummary(domain.EconomicSummary{
		Agreements: []domain.EconomicAgreement{{
			ServiceTypeID: "consult",
			Price:         decimal.RequireFromString("150.00"),
			Currency:      "BRL",
			PayoutModel:   domain.PayoutFixed,
			PayoutValue:   decimal.RequireFromString("100.00"),
		}},
		OrderOfRemainders: []domain.RemainderShare{
			{Recipient: domain.RecipientClinic, Percentage: decimal.NewFromInt(100)},
		},
	})
	require.NoError(t, err)
	require.NoError(t, db.Create(&domain.ProfessionalPolicy{
		TenantID: scope.TenantID, ClinicID: scope.ClinicID, ProfessionalID: "pro-1", Active: true, Summary: summary,
	}).Error)

	start := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	appt := domain.Appointment{
		TenantID: scope.TenantID, ClinicID: scope.ClinicID, HoldID: uuid.New(),
		ProfessionalID: "pro-1", PatientID: "patient-1", ServiceTypeID: "consult",
		Start: start, End: start.Add(30 * time.Minute),
	}
	require.NoError(t, db.Create(&appt).Error)

	ledger := &ledgersvc.Service{DB: db, Clock: clock.NewManual(start)}
	wh := &WebhookHandler{DB: db, Ledger: ledger, Agreements: &settings.Provider{DB: db}, WebhookSecret: testSecret}
	app := fiber.New()
	app.Post("/webhook", wh.HandleWebhook)
	return &fixture{app: app, db: db, ledger: ledger, appt: appt}
}

func signPayload(payload []byte, secret string) string {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(payload)))
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func stripeEvent(id, typ string, object map[string]interface{}) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"created":     time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC).Unix(),
		"livemode":    false,
		"api_version": "2023-10-16",
		"data":        map[string]interface{}{"object": object},
	})
	return body
}

func (f *fixture) post(t *testing.T, body []byte, sig string) int {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhook", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set("Stripe-Signature", sig)
	}
	resp, err := f.app.Test(req)
	require.NoError(t, err)
	return resp.StatusCode
}

func (f *fixture) ledgerState(t *testing.T) domain.PaymentLedger {
	t.Helper()
	l, err := f.ledger.Get(context.Background(), scope, f.appt.ID)
	require.NoError(t, err)
	return l
}

func TestWebhook_RejectsBadSignatures(t *testing.T) {
	f := setupWebhookTest(t)
	body := stripeEvent("evt_1", "payment_intent.succeeded", map[string]interface{}{"id": "pi_1"})

	assert.Equal(t, fiber.StatusBadRequest, f.post(t, body, ""))
	assert.Equal(t, fiber.StatusBadRequest, f.post(t, body, "t=123,v1=invalid"))
	assert.Equal(t, fiber.StatusBadRequest, f.post(t, body, signPayload(body, "whsec_other")))
	assert.Empty(t, f.ledgerState(t).Events)
}

func TestWebhook_PaymentSucceededSettlesWithSplit(t *testing.T) {
	f := setupWebhookTest(t)
	body := stripeEvent("evt_succeeded", "payment_intent.succeeded", map[string]interface{}{
		"id":              "pi_1",
		"object":          "payment_intent",
		"amount":          15000,
		"amount_received": 15000,
		"currency":        "brl",
		"status":          "succeeded",
		"metadata":        map[string]string{"appointment_id": f.appt.ID.String()},
	})

	assert.Equal(t, fiber.StatusOK, f.post(t, body, signPayload(body, testSecret)))
	assert.Equal(t, fiber.StatusOK, f.post(t, body, signPayload(body, testSecret)), "redelivery")

	l := f.ledgerState(t)
	require.Len(t, l.Events, 1)
	assert.Equal(t, domain.PaymentSettled, l.Status)
	assert.Equal(t, ledgersvc.SettlementFingerprint("pi_1"), l.Events[0].Fingerprint)
	assert.True(t, l.Events[0].Sandbox)
	require.NotNil(t, l.Settlement)
	require.Len(t, l.Settlement.Split, 2)
	assert.Equal(t, int64(10000), l.Settlement.Split[0].AmountCents)
	assert.Equal(t, int64(5000), l.Settlement.Split[1].AmountCents)
}

func TestWebhook_RefundResolvedThroughConfirmation(t *testing.T) {
	f := setupWebhookTest(t)
	require.NoError(t, f.db.Create(&domain.HoldConfirmation{
		HoldID: f.appt.HoldID, TenantID: scope.TenantID, ClinicID: scope.ClinicID,
		IdempotencyKey: "confirm-1", AppointmentID: f.appt.ID, PaymentTransactionID: "pi_2",
		ConfirmedAt: time.Now().UTC(), PaymentStatus: domain.PaymentApproved, GatewayStatus: "succeeded",
	}).Error)

	body := stripeEvent("evt_refund", "charge.refunded", map[string]interface{}{
		"id":              "ch_1",
		"object":          "charge",
		"amount":          15000,
		"amount_refunded": 15000,
		"currency":        "brl",
		"payment_intent":  "pi_2",
		"refunded":        true,
	})
	assert.Equal(t, fiber.StatusOK, f.post(t, body, signPayload(body, testSecret)))

	l := f.ledgerState(t)
	require.Len(t, l.Events, 1)
	assert.Equal(t, domain.PaymentRefunded, l.Status)
	require.NotNil(t, l.Refund)
	assert.Equal(t, "stripe:evt_refund", l.Refund.Fingerprint)
}

func TestWebhook_PaymentFailedAndDispute(t *testing.T) {
	f := setupWebhookTest(t)
	meta := map[string]string{"appointment_id": f.appt.ID.String()}

	failed := stripeEvent("evt_failed", "payment_intent.payment_failed", map[string]interface{}{
		"id": "pi_3", "object": "payment_intent", "amount": 15000, "currency": "brl",
		"status": "requires_payment_method", "metadata": meta,
	})
	assert.Equal(t, fiber.StatusOK, f.post(t, failed, signPayload(failed, testSecret)))
	assert.Equal(t, domain.PaymentFailed, f.ledgerState(t).Status)

	dispute := stripeEvent("evt_dispute", "charge.dispute.created", map[string]interface{}{
		"id": "dp_1", "object": "dispute", "amount": 15000, "currency": "brl",
		"status": "needs_response", "payment_intent": "pi_3", "metadata": meta,
	})
	assert.Equal(t, fiber.StatusOK, f.post(t, dispute, signPayload(dispute, testSecret)))
	l := f.ledgerState(t)
	assert.Equal(t, domain.PaymentChargeback, l.Status)
	assert.Len(t, l.Events, 2)
}

func TestWebhook_IgnoresUnknownAppointmentsAndTypes(t *testing.T) {
	f := setupWebhookTest(t)

	orphan := stripeEvent("evt_orphan", "payment_intent.succeeded", map[string]interface{}{
		"id": "pi_unknown", "object": "payment_intent", "amount": 100, "currency": "brl", "status": "succeeded",
	})
	assert.Equal(t, fiber.StatusOK, f.post(t, orphan, signPayload(orphan, testSecret)))

	other := stripeEvent("evt_other", "customer.created", map[string]interface{}{"id": "cus_1"})
	assert.Equal(t, fiber.StatusOK, f.post(t, other, signPayload(other, testSecret)))

	var n int64
	require.NoError(t, f.db.Model(&domain.LedgerEvent{}).Count(&n).Error)
	assert.Equal(t, int64(0), n)
}

type flakyAgreements struct {
	next     AgreementSource
	failures int
}

func (f *flakyAgreements) ActiveAgreement(ctx context.Context, s domain.Scope, professionalID, serviceTypeID string) (settings.Agreement, error) {
	if f.failures > 0 {
		f.failures--
		return settings.Agreement{}, errors.New("redis: connection refused")
	}
	return f.next.ActiveAgreement(ctx, s, professionalID, serviceTypeID)
}

func succeededEvent(id string, appt domain.Appointment) []byte {
	return stripeEvent(id, "payment_intent.succeeded", map[string]interface{}{
		"id":              "pi_1",
		"object":          "payment_intent",
		"amount":          15000,
		"amount_received": 15000,
		"currency":        "brl",
		"status":          "succeeded",
		"metadata":        map[string]string{"appointment_id": appt.ID.String()},
	})
}

func TestWebhook_SettlementWithoutAgreementBalances(t *testing.T) {
	f := setupWebhookTest(t)
	require.NoError(t, f.db.Model(&domain.ProfessionalPolicy{}).Where("professional_id = ?", "pro-1").Update("active", false).Error)

	body := succeededEvent("evt_unsplit", f.appt)
	assert.Equal(t, fiber.StatusOK, f.post(t, body, signPayload(body, testSecret)))

	l := f.ledgerState(t)
	require.NotNil(t, l.Settlement)
	require.NotNil(t, l.Settlement.BaseAmountCents)
	assert.Empty(t, l.Settlement.Split)
	assert.Equal(t, int64(15000), l.Settlement.RemainderCents)
	assert.True(t, domain.SplitBalances(*l.Settlement.BaseAmountCents, l.Settlement.Split, l.Settlement.RemainderCents))
}

func TestWebhook_AgreementLookupFailureIsRedelivered(t *testing.T) {
	f := setupWebhookTest(t)
	wh := &WebhookHandler{
		DB:            f.db,
		Ledger:        f.ledger,
		Agreements:    &flakyAgreements{next: &settings.Provider{DB: f.db}, failures: 1},
		WebhookSecret: testSecret,
	}
	f.app = fiber.New()
	f.app.Post("/webhook", wh.HandleWebhook)

	body := succeededEvent("evt_retry", f.appt)
	assert.Equal(t, fiber.StatusInternalServerError, f.post(t, body, signPayload(body, testSecret)))
	assert.Empty(t, f.ledgerState(t).Events)

	assert.Equal(t, fiber.StatusOK, f.post(t, body, signPayload(body, testSecret)))
	l := f.ledgerState(t)
	require.NotNil(t, l.Settlement)
	require.Len(t, l.Settlement.Split, 2)
	assert.Equal(t, int64(10000), l.Settlement.Split[0].AmountCents)
}
