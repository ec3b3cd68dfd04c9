// Package config provides configuration loading and validation for the pingback server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/onnwee/pingback/internal/catalog"
	"github.com/onnwee/pingback/internal/payment"
	"github.com/onnwee/pingback/internal/pingback"
	"github.com/onnwee/pingback/internal/validate"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all configuration values for the pingback server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	DatabaseURL        string `koanf:"database_url"`
	RedisURL           string `koanf:"redis_url"`
	IdempotencyBackend string `koanf:"idempotency_backend"` // memory, postgres or redis
	AccountBackend     string `koanf:"account_backend"`     // memory or postgres

	// TestMode is the global toggle that lets test allow-list callers in.
	TestMode bool `koanf:"test_mode"`

	// TrustProxyHeaders makes the caller IP come from X-Forwarded-For / X-Real-IP.
	// Only enable behind a proxy that overwrites these headers.
	TrustProxyHeaders bool `koanf:"trust_proxy_headers"`

	// SeedAccounts are created at startup when missing.
	SeedAccounts []string `koanf:"seed_accounts"`

	// Paymentwall
	PaymentwallSecretKey         string   `koanf:"paymentwall.secret_key"`
	PaymentwallAuthorizedIPs     []string `koanf:"paymentwall.authorized_ips"`
	PaymentwallAuthorizedTestIPs []string `koanf:"paymentwall.authorized_test_ips"`

	// Stripe
	StripeWebhookSecret string `koanf:"stripe_webhook_secret"`

	// Products. Catalog wins when set; otherwise the three standard products
	// are built from the prices.
	Catalog           []catalog.Entry `koanf:"catalog"`
	StarterPrice      float64         `koanf:"prices.starter_account"`
	ActivePrice       float64         `koanf:"prices.active_account"`
	CustomCreditPrice float64         `koanf:"prices.custom_credit1"`

	// Audit log
	AuditLogPath string `koanf:"audit_log_path"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing.enabled"`
	TracingExporter     string  `koanf:"tracing.exporter"` // otlp-grpc or otlp-http
	TracingEndpoint     string  `koanf:"tracing.endpoint"`
	TracingSamplingRate float64 `koanf:"tracing.sampling_rate"`
	TracingInsecure     bool    `koanf:"tracing.insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL         = errors.New("DATABASE_URL is required for the postgres backend")
	ErrMissingRedisURL            = errors.New("REDIS_URL is required for the redis backend")
	ErrInvalidIdempotencyBackend  = errors.New("IDEMPOTENCY_BACKEND must be memory, postgres or redis")
	ErrInvalidAccountBackend      = errors.New("ACCOUNT_BACKEND must be memory or postgres")
	ErrMixedPostgresBackends      = errors.New("the postgres idempotency backend requires the postgres account backend")
	ErrMissingProcessor           = errors.New("PAYMENTWALL_SECRET_KEY or STRIPE_WEBHOOK_SECRET is required")
	ErrMissingCatalog             = errors.New("a product catalog or product prices are required")
	ErrInvalidCatalog             = errors.New("invalid product catalog")
	ErrInvalidAllowList           = errors.New("invalid authorized IP list")
	ErrInvalidPort                = errors.New("PORT must be a valid integer")
	ErrInvalidNumber              = errors.New("value must be a valid number")
	ErrInvalidTracingSamplingRate = errors.New("TRACING_SAMPLING_RATE must be between 0 and 1")
	ErrInvalidSeedAccount         = errors.New("invalid SEED_ACCOUNTS entry")
)

// Default values for non-secret configuration.
const (
	DefaultPort                = 8080
	DefaultEnv                 = "development"
	DefaultBackend             = BackendMemory
	DefaultAuditLogPath        = "./logs/pingbacks.log"
	DefaultTracingExporter     = "otlp-http"
	DefaultTracingSamplingRate = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Try PINGBACK_PORT first, then PORT
	port, portErr := getEnvIntOrDefaultMulti([]string{"PINGBACK_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	var entries []catalog.Entry
	if k.Exists("catalog") {
		if err := k.Unmarshal("catalog", &entries); err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("%w: %v", ErrInvalidCatalog, err))
		}
	}

	prices := make(map[string]float64, 3)
	for envKey, koanfKey := range map[string]string{
		"STARTER_ACCOUNT_PRICE": "prices.starter_account",
		"ACTIVE_ACCOUNT_PRICE":  "prices.active_account",
		"CUSTOM_CREDIT1_PRICE":  "prices.custom_credit1",
	} {
		price, err := getEnvFloatOrDefault(envKey, k.Float64(koanfKey), 0)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		prices[koanfKey] = price
	}

	samplingRate, rateErr := getEnvFloatOrDefault("TRACING_SAMPLING_RATE", k.Float64("tracing.sampling_rate"), DefaultTracingSamplingRate)
	if rateErr != nil {
		loadErrs = append(loadErrs, rateErr)
	}

	liveIPs := getEnvListOrKoanf("PAYMENTWALL_AUTHORIZED_IPS", k, "paymentwall.authorized_ips")
	if len(liveIPs) == 0 {
		liveIPs = append([]string(nil), payment.DefaultPaymentwallIPs...)
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                         port,
		Env:                          getEnvOrDefaultMulti([]string{"PINGBACK_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:                  getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:                     getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		IdempotencyBackend:           strings.ToLower(getEnvOrDefault("IDEMPOTENCY_BACKEND", k.String("idempotency_backend"), DefaultBackend)),
		AccountBackend:               strings.ToLower(getEnvOrDefault("ACCOUNT_BACKEND", k.String("account_backend"), DefaultBackend)),
		TestMode:                     getEnvBoolOrKoanf("TEST_MODE", k, "test_mode", false),
		TrustProxyHeaders:            getEnvBoolOrKoanf("TRUST_PROXY_HEADERS", k, "trust_proxy_headers", false),
		SeedAccounts:                 getEnvListOrKoanf("SEED_ACCOUNTS", k, "seed_accounts"),
		PaymentwallSecretKey:         getEnvOrKoanf("PAYMENTWALL_SECRET_KEY", k, "paymentwall.secret_key"),
		PaymentwallAuthorizedIPs:     liveIPs,
		PaymentwallAuthorizedTestIPs: getEnvListOrKoanf("PAYMENTWALL_AUTHORIZED_TEST_IPS", k, "paymentwall.authorized_test_ips"),
		StripeWebhookSecret:          getEnvOrKoanf("STRIPE_WEBHOOK_SECRET", k, "stripe_webhook_secret"),
		Catalog:                      entries,
		StarterPrice:                 prices["prices.starter_account"],
		ActivePrice:                  prices["prices.active_account"],
		CustomCreditPrice:            prices["prices.custom_credit1"],
		AuditLogPath:                 getEnvOrDefault("AUDIT_LOG_PATH", k.String("audit_log_path"), DefaultAuditLogPath),
		TracingEnabled:               getEnvBoolOrKoanf("TRACING_ENABLED", k, "tracing.enabled", false),
		TracingExporter:              getEnvOrDefault("TRACING_EXPORTER", k.String("tracing.exporter"), DefaultTracingExporter),
		TracingEndpoint:              getEnvOrKoanf("OTEL_EXPORTER_OTLP_ENDPOINT", k, "tracing.endpoint"),
		TracingSamplingRate:          samplingRate,
		TracingInsecure:              getEnvBoolOrKoanf("TRACING_INSECURE", k, "tracing.insecure", false),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// BuildCatalog returns the product catalog described by the configuration.
func (c *Config) BuildCatalog() (*catalog.Catalog, error) {
	if len(c.Catalog) > 0 {
		return catalog.New(c.Catalog)
	}
	if c.StarterPrice == 0 && c.ActivePrice == 0 && c.CustomCreditPrice == 0 {
		return nil, ErrMissingCatalog
	}
	return catalog.Default(c.StarterPrice, c.ActivePrice, c.CustomCreditPrice)
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvBoolOrKoanf parses a boolean flag. The env var wins over the file;
// unrecognized env values are ignored.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			result = true
		case "false", "0", "no", "off":
			result = false
		}
	}
	return result
}

// getEnvListOrKoanf returns a comma-separated env var as a list, otherwise the koanf list.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	if val := os.Getenv(envKey); val != "" {
		var out []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return k.Strings(koanfKey)
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	switch c.IdempotencyBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.AccountBackend != BackendPostgres {
			errs = append(errs, ErrMixedPostgresBackends)
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, ErrMissingRedisURL)
		}
	default:
		errs = append(errs, ErrInvalidIdempotencyBackend)
	}

	switch c.AccountBackend {
	case BackendMemory, BackendPostgres:
	default:
		errs = append(errs, ErrInvalidAccountBackend)
	}

	if (c.IdempotencyBackend == BackendPostgres || c.AccountBackend == BackendPostgres) && c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}

	if c.PaymentwallSecretKey == "" && c.StripeWebhookSecret == "" {
		errs = append(errs, ErrMissingProcessor)
	}

	if _, err := pingback.NewAllowList(c.PaymentwallAuthorizedIPs, c.PaymentwallAuthorizedTestIPs, c.TestMode); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidAllowList, err))
	}

	if _, err := c.BuildCatalog(); err != nil {
		if errors.Is(err, ErrMissingCatalog) {
			errs = append(errs, err)
		} else {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidCatalog, err))
		}
	}

	for _, id := range c.SeedAccounts {
		if _, err := validate.Identifier(id, pingback.MaxAccountIDLength); err != nil {
			errs = append(errs, fmt.Errorf("%w %q: %v", ErrInvalidSeedAccount, id, err))
		}
	}

	if c.TracingSamplingRate < 0 || c.TracingSamplingRate > 1 {
		errs = append(errs, ErrInvalidTracingSamplingRate)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	products := "<not set>"
	if cat, err := c.BuildCatalog(); err == nil {
		products = strings.Join(cat.IDs(), ",")
	}

	return map[string]string{
		"port":                            strconv.Itoa(c.Port),
		"env":                             c.Env,
		"database_url":                    maskDatabaseURL(c.DatabaseURL),
		"redis_url":                       maskDatabaseURL(c.RedisURL),
		"idempotency_backend":             c.IdempotencyBackend,
		"account_backend":                 c.AccountBackend,
		"test_mode":                       strconv.FormatBool(c.TestMode),
		"trust_proxy_headers":             strconv.FormatBool(c.TrustProxyHeaders),
		"seed_accounts":                   strconv.Itoa(len(c.SeedAccounts)),
		"paymentwall_secret_key":          maskSecret(c.PaymentwallSecretKey),
		"paymentwall_authorized_ips":      strings.Join(c.PaymentwallAuthorizedIPs, ","),
		"paymentwall_authorized_test_ips": strings.Join(c.PaymentwallAuthorizedTestIPs, ","),
		"stripe_webhook_secret":           maskStripeKey(c.StripeWebhookSecret),
		"catalog":                         products,
		"audit_log_path":                  c.AuditLogPath,
		"tracing_enabled":                 strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":                c.TracingExporter,
		"tracing_endpoint":                c.TracingEndpoint,
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe secret, preserving the prefix (whsec_, sk_live_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}
	if i := strings.Index(s, "_"); i > 0 && i < len(s)-1 {
		return s[:i+1] + "****"
	}

	// Fallback to generic masking
	return maskSecret(s)
}

// maskDatabaseURL masks the password in a database or Redis URL.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	// Reconstruct URL with masked password
	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
