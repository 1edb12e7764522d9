// Package capture holds the payment-capture collaborator boundary. Card
// charging and capture happen upstream; this package only verifies that a
// payment reference presented to the wallet really corresponds to captured
// funds of the right amount before the ledger credits them.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

var (
	ErrNotCaptured    = errors.New("payment reference is not a captured payment")
	ErrAmountMismatch = errors.New("payment amount does not match")
)

// Verifier checks that a payment reference identifies captured funds for the
// given amount in minor units.
type Verifier interface {
	Verify(ctx context.Context, paymentRef string, amount int64, currency string) error
}

// StripeVerifier verifies payment references as Stripe PaymentIntent IDs.
type StripeVerifier struct {
	api *client.API
}

// NewStripeVerifier creates a verifier backed by the Stripe API.
func NewStripeVerifier(apiKey string) *StripeVerifier {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeVerifier{api: api}
}

func (v *StripeVerifier) Verify(ctx context.Context, paymentRef string, amount int64, currency string) error {
	pi, err := v.api.PaymentIntents.Get(paymentRef, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotCaptured, paymentRef)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return fmt.Errorf("%w: status %s", ErrNotCaptured, pi.Status)
	}
	if pi.Amount != amount || !strings.EqualFold(string(pi.Currency), currency) {
		return ErrAmountMismatch
	}
	return nil
}

// StaticVerifier accepts any non-empty reference. Development mode only.
type StaticVerifier struct{}

func (StaticVerifier) Verify(ctx context.Context, paymentRef string, amount int64, currency string) error {
	if paymentRef == "" {
		return ErrNotCaptured
	}
	return nil
}
