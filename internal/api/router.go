package api

import (
	"net/http"
)

// Routes served by the pingback server.
const (
	PathPaymentwall = "/pingback/paymentwall"
	PathStripe      = "/webhooks/stripe"
	PathHealth      = "/health"
	PathReady       = "/ready"
	PathMetrics     = "/metrics"
)

// RouterConfig holds the handlers mounted by NewRouter.
type RouterConfig struct {
	Webhooks *WebhookHandlers
	Health   *HealthHandlers
	// Metrics serves the Prometheus exposition format. Optional.
	Metrics http.Handler
}

// NewRouter returns a mux with every route mounted and a JSON 404 for the rest.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	mux := http.NewServeMux()

	if cfg.Webhooks != nil {
		mux.HandleFunc(PathPaymentwall, cfg.Webhooks.HandlePaymentwall)
		mux.HandleFunc(PathStripe, cfg.Webhooks.HandleStripe)
	}
	if cfg.Health != nil {
		mux.HandleFunc(PathHealth, cfg.Health.Health)
		mux.HandleFunc(PathReady, cfg.Health.Ready)
	}
	if cfg.Metrics != nil {
		mux.Handle(PathMetrics, cfg.Metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})

	return mux
}
