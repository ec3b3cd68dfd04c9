package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/pingback/internal/account"
	"github.com/onnwee/pingback/internal/catalog"
	"github.com/onnwee/pingback/internal/idempotency"
	"github.com/onnwee/pingback/internal/middleware"
	"github.com/onnwee/pingback/internal/payment"
	"github.com/onnwee/pingback/internal/pingback"
)

const (
	paymentwallSecret = "pw_test_secret"
	stripeSecret      = "whsec_test_secret"
	liveIP            = "174.36.92.186"
)

// stubProcessor records the callback it was given and returns a canned result.
type stubProcessor struct {
	mu     sync.Mutex
	got    []pingback.IncomingCallback
	result pingback.Result
}

func (s *stubProcessor) Handle(ctx context.Context, cb pingback.IncomingCallback) pingback.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, cb)
	return s.result
}

// generateStripeSignature generates a valid Stripe webhook signature for testing.
func generateStripeSignature(payload []byte, secret string, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

type stack struct {
	store   *account.InMemoryStore
	guard   *idempotency.InMemoryRepository
	handler http.Handler
}

// newStack wires real verifiers and processors over in-memory stores, behind
// the same middleware the server uses.
func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()

	cat, err := catalog.Default(10, 30, 2.5)
	if err != nil {
		t.Fatalf("catalog.Default() error = %v", err)
	}
	s := &stack{
		store: account.NewInMemoryStore(),
		guard: idempotency.NewInMemoryRepository(),
	}
	if err := s.store.Create(ctx, &account.Account{ID: "user-1"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	applier, err := pingback.NewApplier(cat, s.store)
	if err != nil {
		t.Fatalf("NewApplier() error = %v", err)
	}

	pwVerifier, err := payment.NewPaymentwallVerifier(paymentwallSecret)
	if err != nil {
		t.Fatalf("NewPaymentwallVerifier() error = %v", err)
	}
	pwAllow, err := pingback.NewAllowList([]string{liveIP}, nil, false)
	if err != nil {
		t.Fatalf("NewAllowList() error = %v", err)
	}
	pw, err := pingback.NewProcessor(pingback.Config{
		Source:    payment.SourcePaymentwall,
		AllowList: pwAllow,
		Verifier:  pwVerifier,
		Guard:     s.guard,
		Applier:   applier,
	})
	if err != nil {
		t.Fatalf("NewProcessor(paymentwall) error = %v", err)
	}

	stVerifier, err := payment.NewStripeVerifier(stripeSecret)
	if err != nil {
		t.Fatalf("NewStripeVerifier() error = %v", err)
	}
	stAllow, err := pingback.NewAllowList(nil, nil, false)
	if err != nil {
		t.Fatalf("NewAllowList() error = %v", err)
	}
	st, err := pingback.NewProcessor(pingback.Config{
		Source:    payment.SourceStripe,
		AllowList: stAllow,
		Verifier:  stVerifier,
		Guard:     s.guard,
		Applier:   applier,
	})
	if err != nil {
		t.Fatalf("NewProcessor(stripe) error = %v", err)
	}

	mux := NewRouter(RouterConfig{
		Webhooks: NewWebhookHandlers(WebhookHandlersConfig{Paymentwall: pw, Stripe: st}),
		Health:   NewHealthHandlers(nil),
	})
	s.handler = middleware.RequestID(middleware.CallerIP(false)(mux))
	return s
}

func (s *stack) do(req *http.Request, ip string) *httptest.ResponseRecorder {
	req.RemoteAddr = ip + ":43210"
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *stack) credit(t *testing.T, id string) int64 {
	t.Helper()
	a, err := s.store.Find(context.Background(), id)
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	return a.Credit
}

func pingbackQuery(uid, goods, kind, ref string) string {
	params := url.Values{
		"uid":     {uid},
		"goodsid": {goods},
		"slength": {""},
		"speriod": {""},
		"type":    {kind},
		"ref":     {ref},
	}
	params.Set("sig", payment.Sign(params, paymentwallSecret, payment.SignatureV1))
	return params.Encode()
}

func TestPaymentwall_EndToEnd(t *testing.T) {
	s := newStack(t)
	query := pingbackQuery("user-1", catalog.ProductStarterAccount, "0", "tx1")

	w := s.do(httptest.NewRequest(http.MethodGet, PathPaymentwall+"?"+query, nil), liveIP)
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("first delivery = %d %q, want 200 OK", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
	if s.credit(t, "user-1") != 10 {
		t.Errorf("credit = %d, want 10", s.credit(t, "user-1"))
	}

	// Redelivery is acknowledged without a second credit.
	w = s.do(httptest.NewRequest(http.MethodGet, PathPaymentwall+"?"+query, nil), liveIP)
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("redelivery = %d %q, want 200 OK", w.Code, w.Body.String())
	}
	if s.credit(t, "user-1") != 10 {
		t.Errorf("credit after redelivery = %d, want 10", s.credit(t, "user-1"))
	}
}

func TestPaymentwall_FormPost(t *testing.T) {
	s := newStack(t)
	body := pingbackQuery("user-1", catalog.ProductCustomCredit1, "0", "tx-post")

	req := httptest.NewRequest(http.MethodPost, PathPaymentwall, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := s.do(req, liveIP)

	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("response = %d %q, want 200 OK", w.Code, w.Body.String())
	}
	if s.credit(t, "user-1") != 3 {
		t.Errorf("credit = %d, want 3", s.credit(t, "user-1"))
	}
}

func TestPaymentwall_Responses(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		ip       string
		wantCode int
		wantBody string
	}{
		{
			name:     "unauthorized caller is dropped",
			query:    pingbackQuery("user-1", catalog.ProductStarterAccount, "0", "tx1"),
			ip:       "198.51.100.9",
			wantCode: http.StatusNoContent,
			wantBody: "",
		},
		{
			name:     "bad signature",
			query:    strings.Replace(pingbackQuery("user-1", catalog.ProductStarterAccount, "0", "tx1"), "uid=user-1", "uid=user-2", 1),
			ip:       liveIP,
			wantCode: http.StatusBadRequest,
			wantBody: "fail",
		},
		{
			name:     "negative pingback",
			query:    pingbackQuery("user-1", catalog.ProductStarterAccount, "2", "tx1"),
			ip:       liveIP,
			wantCode: http.StatusBadRequest,
			wantBody: "fail",
		},
		{
			name:     "unknown account",
			query:    pingbackQuery("ghost", catalog.ProductStarterAccount, "0", "tx1"),
			ip:       liveIP,
			wantCode: http.StatusInternalServerError,
			wantBody: "fail",
		},
		{
			name:     "unknown product is acknowledged",
			query:    pingbackQuery("user-1", "mystery_box", "0", "tx1"),
			ip:       liveIP,
			wantCode: http.StatusOK,
			wantBody: "OK",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStack(t)
			w := s.do(httptest.NewRequest(http.MethodGet, PathPaymentwall+"?"+tt.query, nil), tt.ip)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if w.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", w.Body.String(), tt.wantBody)
			}
			if s.credit(t, "user-1") != 0 {
				t.Errorf("credit = %d, want 0", s.credit(t, "user-1"))
			}
		})
	}
}

func TestPaymentwall_UnknownAccountCanBeRetried(t *testing.T) {
	s := newStack(t)
	query := pingbackQuery("late-user", catalog.ProductActiveAccount, "0", "tx-late")

	if w := s.do(httptest.NewRequest(http.MethodGet, PathPaymentwall+"?"+query, nil), liveIP); w.Code != http.StatusInternalServerError {
		t.Fatalf("first attempt status = %d, want 500", w.Code)
	}
	if s.guard.Len() != 0 {
		t.Fatalf("failed attempt left %d processed records", s.guard.Len())
	}

	if err := s.store.Create(context.Background(), &account.Account{ID: "late-user"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if w := s.do(httptest.NewRequest(http.MethodGet, PathPaymentwall+"?"+query, nil), liveIP); w.Code != http.StatusOK {
		t.Fatalf("retry status = %d, want 200", w.Code)
	}
	if s.credit(t, "late-user") != 30 {
		t.Errorf("credit = %d, want 30", s.credit(t, "late-user"))
	}
}

func TestStripe_EndToEnd(t *testing.T) {
	s := newStack(t)

	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_1",
		"object":      "event",
		"type":        "checkout.session.completed",
		"livemode":    true,
		"api_version": "2020-08-27",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":                  "cs_1",
				"object":              "checkout.session",
				"payment_status":      "paid",
				"client_reference_id": "user-1",
				"metadata":            map[string]string{payment.MetadataProductID: catalog.ProductActiveAccount},
			},
		},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}

	send := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, PathStripe, strings.NewReader(string(payload)))
		req.Header.Set(StripeSignatureHeader, sig)
		return s.do(req, "203.0.113.50")
	}

	if w := send("t=1234567890,v1=invalidsignature"); w.Code != http.StatusBadRequest || w.Body.String() != "fail" {
		t.Fatalf("bad signature = %d %q, want 400 fail", w.Code, w.Body.String())
	}

	sig := generateStripeSignature(payload, stripeSecret, time.Now().Unix())
	for i := 0; i < 3; i++ {
		if w := send(sig); w.Code != http.StatusOK || w.Body.String() != "OK" {
			t.Fatalf("delivery %d = %d %q, want 200 OK", i, w.Code, w.Body.String())
		}
	}

	a, err := s.store.Find(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if a.Credit != 30 || a.Tier != account.TierActive {
		t.Errorf("account = %+v, want credit 30 tier ACTIVE", a)
	}
}

func TestWebhookHandlers_PassesCallback(t *testing.T) {
	pw := &stubProcessor{result: pingback.Result{Response: pingback.ResponseOK}}
	st := &stubProcessor{result: pingback.Result{Response: pingback.ResponseOK}}
	fixed := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	h := NewWebhookHandlers(WebhookHandlersConfig{
		Paymentwall:       pw,
		Stripe:            st,
		TrustProxyHeaders: true,
		Now:               func() time.Time { return fixed },
	})

	req := httptest.NewRequest(http.MethodGet, PathPaymentwall+"?uid=u&ref=r", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 216.127.71.7")
	h.HandlePaymentwall(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodPost, PathStripe, strings.NewReader(`{"id":"evt"}`))
	req.Header.Set(StripeSignatureHeader, "t=1,v1=abc")
	h.HandleStripe(httptest.NewRecorder(), req)

	if len(pw.got) != 1 || len(st.got) != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", len(pw.got), len(st.got))
	}
	if got := pw.got[0]; got.Payload != "uid=u&ref=r" || got.CallerIP != "216.127.71.7" || !got.ReceivedAt.Equal(fixed) {
		t.Errorf("paymentwall callback = %+v", got)
	}
	if got := st.got[0]; got.Payload != `{"id":"evt"}` || got.Signature != "t=1,v1=abc" {
		t.Errorf("stripe callback = %+v", got)
	}
}

func TestWebhookHandlers_Methods(t *testing.T) {
	h := NewWebhookHandlers(WebhookHandlersConfig{
		Paymentwall: &stubProcessor{},
		Stripe:      &stubProcessor{},
	})

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		method   string
		wantCode int
	}{
		{"paymentwall put", h.HandlePaymentwall, http.MethodPut, http.StatusMethodNotAllowed},
		{"stripe get", h.HandleStripe, http.MethodGet, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.handler(w, httptest.NewRequest(tt.method, "/", nil))
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestWebhookHandlers_Unconfigured(t *testing.T) {
	h := NewWebhookHandlers(WebhookHandlersConfig{})

	w := httptest.NewRecorder()
	h.HandleStripe(w, httptest.NewRequest(http.MethodPost, PathStripe, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestWebhookHandlers_BodyTooLarge(t *testing.T) {
	st := &stubProcessor{}
	h := NewWebhookHandlers(WebhookHandlersConfig{Stripe: st})

	body := strings.Repeat("x", MaxCallbackBodyBytes+1)
	w := httptest.NewRecorder()
	h.HandleStripe(w, httptest.NewRequest(http.MethodPost, PathStripe, strings.NewReader(body)))

	if w.Code != http.StatusRequestEntityTooLarge || w.Body.String() != "fail" {
		t.Errorf("response = %d %q, want 413 fail", w.Code, w.Body.String())
	}
	if len(st.got) != 0 {
		t.Error("processor should not see an oversized body")
	}
}

func TestRouter_NotFound(t *testing.T) {
	mux := NewRouter(RouterConfig{Health: NewHealthHandlers(nil)})

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wp-login.php", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, PathHealth, nil))
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}
