package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// testLogEntry represents a parsed JSON log entry for testing.
type testLogEntry struct {
	Level     string `json:"level"`
	Msg       string `json:"msg"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Status    int    `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Size      int    `json:"size"`
	RequestID string `json:"request_id"`
	IP        string `json:"ip"`
	ErrorCode string `json:"error_code"`
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func parseEntry(t *testing.T, buf *bytes.Buffer) testLogEntry {
	t.Helper()
	var entry testLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v, log: %s", err, buf.String())
	}
	return entry
}

func TestLogging_BasicFields(t *testing.T) {
	buf := &bytes.Buffer{}

	handler := Logging(newTestLogger(buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/pingback/paymentwall?uid=u1", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := parseEntry(t, buf)
	if entry.Method != "GET" {
		t.Errorf("expected method GET, got %s", entry.Method)
	}
	if entry.Path != "/pingback/paymentwall" {
		t.Errorf("expected path without query, got %s", entry.Path)
	}
	if entry.Status != 200 {
		t.Errorf("expected status 200, got %d", entry.Status)
	}
	if entry.Size != 2 {
		t.Errorf("expected size 2, got %d", entry.Size)
	}
	if entry.Level != "INFO" {
		t.Errorf("expected level INFO, got %s", entry.Level)
	}
	if entry.IP != "" {
		t.Errorf("expected no ip without CallerIP middleware, got %s", entry.IP)
	}
}

func TestLogging_RequestIDAndCallerIP(t *testing.T) {
	buf := &bytes.Buffer{}

	handler := RequestID(CallerIP(false)(Logging(newTestLogger(buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.Header.Set(RequestIDHeader, "test-request-id-456")
	req.RemoteAddr = "174.36.92.186:40000"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := parseEntry(t, buf)
	if entry.RequestID != "test-request-id-456" {
		t.Errorf("expected request_id test-request-id-456, got %s", entry.RequestID)
	}
	if entry.IP != "174.36.92.186" {
		t.Errorf("expected ip 174.36.92.186, got %s", entry.IP)
	}
}

func TestLogging_ErrorCodeFromHandler(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
		wantCode  string
	}{
		{"rejected", http.StatusBadRequest, "WARN", "verification_failed"},
		{"internal", http.StatusInternalServerError, "ERROR", "verification_failed"},
		{"accepted", http.StatusOK, "INFO", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			handler := Logging(newTestLogger(buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				// The code reaches the log line without replacing the request.
				SetErrorCode(r.Context(), "verification_failed")
				w.WriteHeader(tt.status)
			}))

			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/pingback/paymentwall", nil))

			entry := parseEntry(t, buf)
			if entry.Level != tt.wantLevel {
				t.Errorf("level = %s, want %s", entry.Level, tt.wantLevel)
			}
			if entry.ErrorCode != tt.wantCode {
				t.Errorf("error_code = %q, want %q", entry.ErrorCode, tt.wantCode)
			}
		})
	}
}

func TestLogging_DefaultStatus(t *testing.T) {
	buf := &bytes.Buffer{}

	handler := Logging(newTestLogger(buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("implicit 200"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if entry := parseEntry(t, buf); entry.Status != 200 {
		t.Errorf("expected default status 200, got %d", entry.Status)
	}
}

func TestNewLogger(t *testing.T) {
	if _, ok := NewLogger("production").Handler().(*slog.JSONHandler); !ok {
		t.Error("expected JSON handler in production")
	}
	if _, ok := NewLogger("development").Handler().(*slog.TextHandler); !ok {
		t.Error("expected text handler in development")
	}
}

func TestSetErrorCode_GetErrorCode(t *testing.T) {
	ctx := context.Background()
	if code := GetErrorCode(ctx); code != "" {
		t.Errorf("expected empty error code, got %s", code)
	}

	ctx = SetErrorCode(ctx, "not_deliverable")
	if code := GetErrorCode(ctx); code != "not_deliverable" {
		t.Errorf("expected not_deliverable, got %s", code)
	}
}

func TestResponseWriter(t *testing.T) {
	rw := newResponseWriter(httptest.NewRecorder())

	rw.WriteHeader(http.StatusNoContent)
	rw.WriteHeader(http.StatusOK)
	if rw.statusCode != http.StatusNoContent {
		t.Errorf("expected first status to stick, got %d", rw.statusCode)
	}

	_, _ = rw.Write([]byte("fa"))
	_, _ = rw.Write([]byte("il"))
	if rw.size != 4 {
		t.Errorf("expected size 4, got %d", rw.size)
	}
}
