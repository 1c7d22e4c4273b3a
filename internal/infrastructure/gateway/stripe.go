package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
)

// Stripe resolves transaction ids as PaymentIntent ids.
type Stripe struct {
	client paymentintent.Client
}

// NewStripe returns a gateway using secretKey. A nil backend uses the default Stripe API backend.
func NewStripe(secretKey string, backend stripe.Backend) *Stripe {
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &Stripe{client: paymentintent.Client{B: backend, Key: secretKey}}
}

func (s *Stripe) Lookup(ctx context.Context, transactionID string) (Payment, error) {
	if s.client.Key == "" {
		return Payment{}, errors.New("stripe secret key is not configured")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.client.Get(transactionID, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.Code == stripe.ErrorCodeResourceMissing {
			return Payment{}, ErrTransactionNotFound
		}
		return Payment{}, fmt.Errorf("stripe payment intent %s: %w", transactionID, err)
	}

	amount := pi.AmountReceived
	if amount == 0 {
		amount = pi.Amount
	}
	return Payment{
		TransactionID: pi.ID,
		Status:        string(pi.Status),
		AmountCents:   amount,
		Currency:      strings.ToUpper(string(pi.Currency)),
		Sandbox:       !pi.Livemode,
		Metadata:      pi.Metadata,
	}, nil
}
