package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/onnwee/pingback/internal/pingback"
)

// SourceStripe names the Stripe processor in records and metrics.
const SourceStripe = "stripe"

// Metadata keys read from Stripe objects.
const (
	MetadataProductID = "product_id"
	MetadataAccountID = "account_id"
)

// StripeVerifier checks Stripe webhook signatures. The payload is the raw
// request body and the signature is the Stripe-Signature header.
//
// A paid checkout.session.completed or checkout.session.async_payment_succeeded
// event becomes a purchase of the product in metadata.product_id for
// client_reference_id. An unpaid session and every other event type are
// passed on with the event type as the kind, so they are acknowledged and
// recorded without changing any account.
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier returns a verifier for the webhook signing secret.
func NewStripeVerifier(secret string) (*StripeVerifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &StripeVerifier{secret: secret}, nil
}

// stripeObject holds the fields read from any event object.
type stripeObject struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// Verify checks the signature and maps the event.
func (v *StripeVerifier) Verify(ctx context.Context, cb pingback.IncomingCallback, mode pingback.Mode) (pingback.VerifiedEvent, error) {
	event, err := webhook.ConstructEventWithOptions([]byte(cb.Payload), cb.Signature, v.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return pingback.VerifiedEvent{}, reject(pingback.ErrVerificationFailed, "", err.Error())
	}

	var obj stripeObject
	if event.Data != nil && len(event.Data.Raw) > 0 {
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return pingback.VerifiedEvent{}, reject(pingback.ErrVerificationFailed, string(event.Type),
				fmt.Sprintf("malformed event object: %v", err))
		}
	}

	attrs := pingback.EventAttributes{
		Source:    SourceStripe,
		Kind:      string(event.Type),
		ProductID: obj.Metadata[MetadataProductID],
		AccountID: obj.ClientReferenceID,
		EventID:   event.ID,
		Reference: obj.ID,
		TestMode:  !event.Livemode,
	}
	if attrs.AccountID == "" {
		attrs.AccountID = obj.Metadata[MetadataAccountID]
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return pingback.VerifiedEvent{}, reject(pingback.ErrVerificationFailed, string(event.Type),
				fmt.Sprintf("malformed checkout session: %v", err))
		}
		// A session completed with a delayed payment method stays unpaid
		// until async_payment_succeeded arrives for it.
		if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			attrs.Kind = fmt.Sprint(pingback.PurchasedKind)
			return pingback.NewVerifiedEvent(attrs), nil
		}
	}

	// Events without an account are recorded against the Stripe object.
	if attrs.AccountID == "" {
		attrs.AccountID = obj.ID
	}
	return pingback.NewVerifiedEvent(attrs), nil
}
