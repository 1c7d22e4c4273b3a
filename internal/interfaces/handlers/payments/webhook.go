package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	ledgersvc "clinic-backend/internal/application/ledger"
	"clinic-backend/internal/application/settings"
	"clinic-backend/internal/application/split"
	"clinic-backend/internal/domain"
	"clinic-backend/internal/interfaces/handlers/apierror"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"gorm.io/gorm"
)

type AgreementSource interface {
	ActiveAgreement(ctx context.Context, scope domain.Scope, professionalID, serviceTypeID string) (settings.Agreement, error)
}

// WebhookHandler turns Stripe notifications into ledger events of the appointment the
// payment belongs to.
type WebhookHandler struct {
	DB            *gorm.DB
	Ledger        *ledgersvc.Service
	Agreements    AgreementSource
	WebhookSecret string
}

// gatewayEvent is a notification reduced to what the ledger needs.
type gatewayEvent struct {
	fingerprint   string
	eventType     domain.LedgerEventType
	gatewayStatus string
	transactionID string
	appointmentID string
	currency      string
	amountCents   int64
	sandbox       bool
	occurredAt    time.Time
}

var errIgnored = errors.New("event not relevant to the ledger")

// HandleWebhook POST /api/v1/payments/stripe/webhook. Signature failures are 400.
// Events that cannot be tied to an appointment are acknowledged and dropped; ledger
// failures are 500 so Stripe redelivers, which fingerprints make safe.
func (wh *WebhookHandler) HandleWebhook(c *fiber.Ctx) error {
	rawBody := c.BodyRaw()
	if len(rawBody) == 0 {
		return c.Status(fiber.StatusBadRequest).SendString("Webhook Error: empty body")
	}
	event, err := webhook.ConstructEventWithOptions(rawBody, c.Get("Stripe-Signature"), wh.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		log.Warn().Err(err).Bool("has_secret", wh.WebhookSecret != "").Msg("stripe webhook signature verification failed")
		return c.Status(fiber.StatusBadRequest).SendString("Webhook Error: " + err.Error())
	}

	ge, err := translate(event)
	if errors.Is(err, errIgnored) {
		return c.SendString("ok")
	}
	if err != nil {
		log.Warn().Err(err).Str("event_id", event.ID).Str("event_type", string(event.Type)).Msg("stripe webhook payload malformed")
		return c.SendString("ok")
	}

	ctx := c.UserContext()
	appt, err := wh.resolveAppointment(ctx, ge)
	if err != nil {
		if errors.Is(err, domain.ErrAppointmentNotFound) {
			log.Info().Str("event_id", event.ID).Str("transaction_id", ge.transactionID).Msg("stripe event without a known appointment")
			return c.SendString("ok")
		}
		return apierror.Write(c, err)
	}

	res, err := wh.record(ctx, appt, ge)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Str("appointment_id", appt.ID.String()).Msg("stripe event not recorded")
		return apierror.Write(c, err)
	}
	log.Info().
		Str("event_id", event.ID).
		Str("appointment_id", appt.ID.String()).
		Str("type", string(ge.eventType)).
		Bool("duplicate", res.Duplicate).
		Msg("stripe event recorded")
	return c.SendString("ok")
}

func translate(event stripe.Event) (gatewayEvent, error) {
	ge := gatewayEvent{
		fingerprint: "stripe:" + event.ID,
		sandbox:     !event.Livemode,
		occurredAt:  time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return ge, errIgnored
	}
	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return ge, err
		}
		ge.transactionID = pi.ID
		ge.appointmentID = pi.Metadata["appointment_id"]
		ge.currency = string(pi.Currency)
		ge.gatewayStatus = string(pi.Status)
		ge.amountCents = pi.AmountReceived
		if ge.amountCents == 0 {
			ge.amountCents = pi.Amount
		}
		ge.eventType = domain.EventStatusChanged
		if event.Type == "payment_intent.succeeded" {
			ge.eventType = domain.EventSettled
			ge.fingerprint = ledgersvc.SettlementFingerprint(pi.ID)
		}
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return ge, err
		}
		if ch.PaymentIntent != nil {
			ge.transactionID = ch.PaymentIntent.ID
		}
		ge.appointmentID = ch.Metadata["appointment_id"]
		ge.currency = string(ch.Currency)
		ge.gatewayStatus = "refunded"
		ge.amountCents = ch.AmountRefunded
		ge.eventType = domain.EventRefunded
	case "charge.dispute.created":
		var d stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &d); err != nil {
			return ge, err
		}
		if d.PaymentIntent != nil {
			ge.transactionID = d.PaymentIntent.ID
		}
		ge.appointmentID = d.Metadata["appointment_id"]
		ge.currency = string(d.Currency)
		ge.gatewayStatus = string(d.Status)
		ge.amountCents = d.Amount
		ge.eventType = domain.EventChargeback
	default:
		return ge, errIgnored
	}
	ge.currency = strings.ToUpper(ge.currency)
	return ge, nil
}

// resolveAppointment uses the appointment_id metadata when present, otherwise the
// confirmation that recorded the payment transaction.
func (wh *WebhookHandler) resolveAppointment(ctx context.Context, ge gatewayEvent) (domain.Appointment, error) {
	db := wh.DB.WithContext(ctx)
	var appt domain.Appointment
	if id, err := uuid.Parse(ge.appointmentID); err == nil {
		res := db.Where("id = ?", id).Limit(1).Find(&appt)
		if res.Error != nil {
			return appt, res.Error
		}
		if res.RowsAffected > 0 {
			return appt, nil
		}
	}
	if ge.transactionID == "" {
		return appt, domain.ErrAppointmentNotFound
	}
	var conf domain.HoldConfirmation
	res := db.Where("payment_transaction_id = ?", ge.transactionID).Order("confirmed_at DESC").Limit(1).Find(&conf)
	if res.Error != nil {
		return appt, res.Error
	}
	if res.RowsAffected == 0 {
		return appt, domain.ErrAppointmentNotFound
	}
	if err := db.Where("id = ?", conf.AppointmentID).First(&appt).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return appt, domain.ErrAppointmentNotFound
		}
		return appt, err
	}
	return appt, nil
}

func (wh *WebhookHandler) record(ctx context.Context, appt domain.Appointment, ge gatewayEvent) (ledgersvc.AppendResult, error) {
	amount := ge.amountCents
	in := ledgersvc.EventInput{
		Type:          ge.eventType,
		GatewayStatus: ge.gatewayStatus,
		Fingerprint:   ge.fingerprint,
		RecordedAt:    ge.occurredAt,
		Sandbox:       ge.sandbox,
		Currency:      ge.currency,
		AmountCents:   &amount,
		Metadata: map[string]interface{}{
			"source":                 "stripe_webhook",
			"payment_transaction_id": ge.transactionID,
		},
	}
	if ge.eventType == domain.EventSettled {
		if err := wh.attachSplit(ctx, appt, ge, &in); err != nil {
			return ledgersvc.AppendResult{}, err
		}
	}
	return wh.Ledger.Append(ctx, appt.Scope(), appt.ID, in)
}

// attachSplit adds the split of a captured amount. When the professional has no usable
// agreement the settlement is recorded unsplit, with the whole amount as remainder. Lookup
// failures are returned so the delivery is retried.
func (wh *WebhookHandler) attachSplit(ctx context.Context, appt domain.Appointment, ge gatewayEvent, in *ledgersvc.EventInput) error {
	unsplit := func(err error) error {
		remainder := ge.amountCents
		in.RemainderCents = &remainder
		log.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("settlement recorded without split")
		return nil
	}
	if wh.Agreements == nil {
		return unsplit(domain.ErrAgreementNotFound)
	}
	a, err := wh.Agreements.ActiveAgreement(ctx, appt.Scope(), appt.ProfessionalID, appt.ServiceTypeID)
	if err != nil {
		if errors.Is(err, domain.ErrAgreementNotFound) {
			return unsplit(err)
		}
		return fmt.Errorf("resolve agreement: %w", err)
	}
	alloc, err := split.ComputeForSummary(split.FromCents(ge.amountCents, ge.currency), a.Summary, appt.ServiceTypeID)
	if err != nil {
		// stored terms that cannot split this payment are not retried
		if errors.Is(err, domain.ErrAgreementNotFound) || errors.Is(err, domain.ErrInvalidAgreement) || errors.Is(err, domain.ErrCurrencyMismatch) {
			return unsplit(err)
		}
		return err
	}
	in.Split = alloc.Lines
	in.RemainderCents = &alloc.RemainderCents
	in.Metadata["agreement_source"] = a.Source
	return nil
}
