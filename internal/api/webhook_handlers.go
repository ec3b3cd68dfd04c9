package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/pingback/internal/middleware"
	"github.com/onnwee/pingback/internal/pingback"
)

// MaxCallbackBodyBytes caps the body read from a processor callback.
const MaxCallbackBodyBytes = 64 << 10

// StripeSignatureHeader carries the Stripe webhook signature.
const StripeSignatureHeader = "Stripe-Signature"

// CallbackProcessor handles one verified-or-not callback. *pingback.Processor implements it.
type CallbackProcessor interface {
	Handle(ctx context.Context, cb pingback.IncomingCallback) pingback.Result
}

// WebhookHandlers serves the processor callback endpoints.
type WebhookHandlers struct {
	paymentwall CallbackProcessor
	stripe      CallbackProcessor
	trustProxy  bool
	now         func() time.Time
}

// WebhookHandlersConfig configures the callback handlers. A nil processor
// leaves its endpoint unconfigured (404).
type WebhookHandlersConfig struct {
	Paymentwall       CallbackProcessor
	Stripe            CallbackProcessor
	TrustProxyHeaders bool
	Now               func() time.Time
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(cfg WebhookHandlersConfig) *WebhookHandlers {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &WebhookHandlers{
		paymentwall: cfg.Paymentwall,
		stripe:      cfg.Stripe,
		trustProxy:  cfg.TrustProxyHeaders,
		now:         now,
	}
}

// HandlePaymentwall processes a Paymentwall pingback.
// GET /pingback/paymentwall carries the parameters in the query string;
// POST sends them form-encoded in the body.
func (h *WebhookHandlers) HandlePaymentwall(w http.ResponseWriter, r *http.Request) {
	if h.paymentwall == nil {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "paymentwall is not configured")
		return
	}

	var payload string
	switch r.Method {
	case http.MethodGet:
		payload = r.URL.RawQuery
	case http.MethodPost:
		body, ok := h.readBody(w, r)
		if !ok {
			return
		}
		payload = string(body)
		if payload == "" {
			payload = r.URL.RawQuery
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	h.process(w, r, h.paymentwall, pingback.IncomingCallback{Payload: payload})
}

// HandleStripe processes a Stripe webhook event.
// POST /webhooks/stripe
func (h *WebhookHandlers) HandleStripe(w http.ResponseWriter, r *http.Request) {
	if h.stripe == nil {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "stripe is not configured")
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	h.process(w, r, h.stripe, pingback.IncomingCallback{
		Payload:   string(body),
		Signature: r.Header.Get(StripeSignatureHeader),
	})
}

func (h *WebhookHandlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxCallbackBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
			writeStatusWord(w, r.Context(), http.StatusRequestEntityTooLarge, pingback.ResponseFail)
			return nil, false
		}
		slog.WarnContext(r.Context(), "failed to read callback body", "error", err)
		middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		writeStatusWord(w, r.Context(), http.StatusBadRequest, pingback.ResponseFail)
		return nil, false
	}
	return body, true
}

// process runs the callback through p and writes the status word.
func (h *WebhookHandlers) process(w http.ResponseWriter, r *http.Request, p CallbackProcessor, cb pingback.IncomingCallback) {
	ctx := r.Context()

	cb.CallerIP = middleware.GetCallerIP(ctx)
	if cb.CallerIP == "" {
		cb.CallerIP = middleware.ClientIP(r, h.trustProxy)
	}
	cb.ReceivedAt = h.now()

	res := p.Handle(ctx, cb)
	if code := ErrorCode(res.Err); code != "" {
		middleware.SetErrorCode(ctx, code)
	}
	writeStatusWord(w, ctx, StatusCode(res), res.Response)
}

// writeStatusWord writes the bare "OK"/"fail" body processors expect.
// ResponseNone writes headers only.
func writeStatusWord(w http.ResponseWriter, ctx context.Context, status int, resp pingback.Response) {
	if resp == pingback.ResponseNone {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if _, err := io.WriteString(w, resp.String()); err != nil {
		slog.ErrorContext(ctx, "failed to write callback response", "error", err)
	}
}
