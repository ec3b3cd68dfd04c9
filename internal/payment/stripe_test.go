package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/pingback/internal/pingback"
)

const stripeSecret = "whsec_test_secret"

// generateStripeSignature generates a valid Stripe webhook signature for testing.
func generateStripeSignature(payload []byte, secret string, timestamp int64) string {
	// Stripe signature format: t=timestamp,v1=signature
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}

func stripeEvent(t *testing.T, eventType string, livemode bool, object map[string]interface{}) []byte {
	t.Helper()
	event := map[string]interface{}{
		"id":          "evt_test123",
		"object":      "event",
		"type":        eventType,
		"livemode":    livemode,
		"api_version": "2020-08-27",
		"data": map[string]interface{}{
			"object": object,
		},
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return payload
}

func TestNewStripeVerifier_EmptySecret(t *testing.T) {
	if _, err := NewStripeVerifier(""); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("expected ErrMissingSecret, got %v", err)
	}
}

func TestStripeVerifier_Verify(t *testing.T) {
	v, err := NewStripeVerifier(stripeSecret)
	if err != nil {
		t.Fatalf("NewStripeVerifier() error = %v", err)
	}

	paidSession := map[string]interface{}{
		"id":                  "cs_test_abc",
		"object":              "checkout.session",
		"payment_status":      "paid",
		"client_reference_id": "user-1",
		"metadata":            map[string]string{"product_id": "active_account_paymentwall"},
	}

	tests := []struct {
		name      string
		payload   []byte
		signature func(payload []byte) string
		wantErr   error
		check     func(t *testing.T, ev pingback.VerifiedEvent)
	}{
		{
			name:    "paid checkout session",
			payload: stripeEvent(t, "checkout.session.completed", true, paidSession),
			check: func(t *testing.T, ev pingback.VerifiedEvent) {
				if ev.Kind() != "0" {
					t.Errorf("Kind = %q, want purchase", ev.Kind())
				}
				if ev.AccountID() != "user-1" || ev.ProductID() != "active_account_paymentwall" {
					t.Errorf("unexpected account/product: %s/%s", ev.AccountID(), ev.ProductID())
				}
				if ev.EventID() != "evt_test123" || ev.Reference() != "cs_test_abc" {
					t.Errorf("unexpected ids: %s/%s", ev.EventID(), ev.Reference())
				}
				if ev.TestMode() || ev.Source() != SourceStripe {
					t.Errorf("unexpected source/test flag: %s/%v", ev.Source(), ev.TestMode())
				}
			},
		},
		{
			name:    "test mode event",
			payload: stripeEvent(t, "checkout.session.completed", false, paidSession),
			check: func(t *testing.T, ev pingback.VerifiedEvent) {
				if !ev.TestMode() {
					t.Error("livemode=false should be flagged as test")
				}
			},
		},
		{
			name: "account from metadata",
			payload: stripeEvent(t, "checkout.session.completed", true, map[string]interface{}{
				"id":             "cs_test_def",
				"payment_status": "paid",
				"metadata":       map[string]string{"product_id": "custom_credit1", "account_id": "user-9"},
			}),
			check: func(t *testing.T, ev pingback.VerifiedEvent) {
				if ev.AccountID() != "user-9" {
					t.Errorf("AccountID = %q, want user-9", ev.AccountID())
				}
			},
		},
		{
			name: "unpaid checkout session",
			payload: stripeEvent(t, "checkout.session.completed", true, map[string]interface{}{
				"id":                  "cs_test_ghi",
				"payment_status":      "unpaid",
				"client_reference_id": "user-1",
				"metadata":            map[string]string{"product_id": "starter_account_paymentwall"},
			}),
			check: func(t *testing.T, ev pingback.VerifiedEvent) {
				if ev.Kind() != "checkout.session.completed" {
					t.Errorf("Kind = %q, want the event type", ev.Kind())
				}
				if ev.AccountID() != "user-1" {
					t.Errorf("AccountID = %q, want user-1", ev.AccountID())
				}
			},
		},
		{
			name: "async payment succeeded",
			payload: stripeEvent(t, "checkout.session.async_payment_succeeded", true, map[string]interface{}{
				"id":                  "cs_test_ghi",
				"payment_status":      "paid",
				"client_reference_id": "user-1",
				"metadata":            map[string]string{"product_id": "starter_account_paymentwall"},
			}),
			check: func(t *testing.T, ev pingback.VerifiedEvent) {
				if ev.Kind() != "0" {
					t.Errorf("Kind = %q, want purchase", ev.Kind())
				}
				if ev.AccountID() != "user-1" || ev.ProductID() != "starter_account_paymentwall" {
					t.Errorf("unexpected account/product: %s/%s", ev.AccountID(), ev.ProductID())
				}
			},
		},
		{
			name: "other event type",
			payload: stripeEvent(t, "payment_intent.created", true, map[string]interface{}{
				"id":     "pi_test_123",
				"object": "payment_intent",
			}),
			check: func(t *testing.T, ev pingback.VerifiedEvent) {
				if ev.Kind() != "payment_intent.created" {
					t.Errorf("Kind = %q", ev.Kind())
				}
				if ev.AccountID() != "pi_test_123" {
					t.Errorf("AccountID = %q, want the object id", ev.AccountID())
				}
			},
		},
		{
			name:    "invalid signature",
			payload: stripeEvent(t, "checkout.session.completed", true, paidSession),
			signature: func(payload []byte) string {
				return generateStripeSignature(payload, "whsec_wrong", time.Now().Unix())
			},
			wantErr: pingback.ErrVerificationFailed,
		},
		{
			name:    "missing signature",
			payload: stripeEvent(t, "checkout.session.completed", true, paidSession),
			signature: func(payload []byte) string {
				return ""
			},
			wantErr: pingback.ErrVerificationFailed,
		},
		{
			name:    "expired timestamp",
			payload: stripeEvent(t, "checkout.session.completed", true, paidSession),
			signature: func(payload []byte) string {
				return generateStripeSignature(payload, stripeSecret, time.Now().Add(-time.Hour).Unix())
			},
			wantErr: pingback.ErrVerificationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := generateStripeSignature(tt.payload, stripeSecret, time.Now().Unix())
			if tt.signature != nil {
				sig = tt.signature(tt.payload)
			}

			cb := pingback.IncomingCallback{Payload: string(tt.payload), Signature: sig}
			ev, err := v.Verify(context.Background(), cb, pingback.ModeLive)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Verify() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Verify() unexpected error: %v", err)
			}
			if !ev.Verified() {
				t.Error("returned event is not verified")
			}
			if tt.check != nil {
				tt.check(t, ev)
			}
		})
	}
}

func TestStripeVerifier_ParsesAsPurchase(t *testing.T) {
	v, _ := NewStripeVerifier(stripeSecret)
	payload := stripeEvent(t, "checkout.session.completed", true, map[string]interface{}{
		"id":                  "cs_test_abc",
		"payment_status":      "paid",
		"client_reference_id": "user-1",
		"metadata":            map[string]string{"product_id": "starter_account_paymentwall"},
	})

	verified, err := v.Verify(context.Background(), pingback.IncomingCallback{
		Payload:   string(payload),
		Signature: generateStripeSignature(payload, stripeSecret, time.Now().Unix()),
	}, pingback.ModeLive)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	ev, err := pingback.ParseEvent(verified)
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	if ev.Kind != pingback.KindProductPurchased {
		t.Errorf("Kind = %v, want PRODUCT_PURCHASED", ev.Kind)
	}
}

func TestStripeVerifier_DelayedPaymentGrantsOnce(t *testing.T) {
	v, _ := NewStripeVerifier(stripeSecret)
	session := func(status string) map[string]interface{} {
		return map[string]interface{}{
			"id":                  "cs_test_delayed",
			"payment_status":      status,
			"client_reference_id": "user-1",
			"metadata":            map[string]string{"product_id": "starter_account_paymentwall"},
		}
	}

	tests := []struct {
		name      string
		eventType string
		status    string
		want      pingback.EventKind
	}{
		{"completed before funds arrive", "checkout.session.completed", "unpaid", pingback.KindOther},
		{"async payment succeeded", "checkout.session.async_payment_succeeded", "paid", pingback.KindProductPurchased},
		{"async payment failed", "checkout.session.async_payment_failed", "unpaid", pingback.KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := stripeEvent(t, tt.eventType, true, session(tt.status))
			verified, err := v.Verify(context.Background(), pingback.IncomingCallback{
				Payload:   string(payload),
				Signature: generateStripeSignature(payload, stripeSecret, time.Now().Unix()),
			}, pingback.ModeLive)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			ev, err := pingback.ParseEvent(verified)
			if err != nil {
				t.Fatalf("ParseEvent() error = %v", err)
			}
			if ev.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", ev.Kind, tt.want)
			}
			if ev.AccountID != "user-1" {
				t.Errorf("AccountID = %q, want user-1", ev.AccountID)
			}
		})
	}
}
