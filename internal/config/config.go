// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, scheduler cadence, token quotas, capture
// and model endpoints, webhook delivery limits, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "pagewatch-runner")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// QuotaConfig caps the per-token resources a single client may consume.
type QuotaConfig struct {
	MaxRecurringDomains int // distinct domains with an active recurring job
	MaxManualCaptures   int // concurrent in-flight manual captures
}

// SchedulerConfig controls the periodic job sweeps.
type SchedulerConfig struct {
	Tick            time.Duration // recurring-job sweep period
	MaxConcurrent   int64         // bound on concurrently executing jobs
	CompleteGC      time.Duration // delay before a completed one-shot job is removed
	FailedGC        time.Duration // delay before a failed one-shot job is removed
	BackstopMaxIdle time.Duration // backstop sweep removes one-shots complete longer than this
}

// CaptureConfig points at the companion headless-browser capture service.
type CaptureConfig struct {
	Endpoint       string        // base URL of the capture service
	SessionTimeout time.Duration // session acquisition bound
	NavTimeout     time.Duration // page navigation bound
	ShotTimeout    time.Duration // screenshot bound
}

// LLMConfig holds server-side defaults for the vision model call. Jobs may
// override model and endpoint per request.
type LLMConfig struct {
	Endpoint string        // default chat-completions endpoint
	Model    string        // default model name
	APIKey   string        // default API key (jobs may supply their own)
	Timeout  time.Duration // hard bound on a single model call
}

// WebhookConfig bounds outbound webhook delivery.
type WebhookConfig struct {
	Timeout        time.Duration // per-attempt HTTP bound
	InterCallDelay time.Duration // pause between per-field deliveries
	DefaultMinConf int           // default minimum-confidence percent (0-100)
}

// CaptchaConfig configures the human-verification challenge.
type CaptchaConfig struct {
	SiteKey   string // served to clients via GET /captcha/challenge
	SecretKey string // used for server-side verification
	VerifyURL string // verification endpoint (Turnstile-style siteverify)
	Bypass    bool   // skip verification (non-production environments)
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	MaxBodyBytes      int64         // request body cap (session payloads carry cookies/storage)
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Tokens
	TokenTTL         time.Duration // bearer token lifetime
	TokenSweepEvery  time.Duration // background expiry sweep period
	PendingTokenTTL  time.Duration // one-time pickup window for /auth/job/:jobId
	Quotas           QuotaConfig
	ServerJobLimit   int // global ceiling on stored jobs
	MaxResultsPerJob int // per-job result history ceiling

	// Execution
	Scheduler SchedulerConfig
	Capture   CaptureConfig
	LLM       LLMConfig
	Webhook   WebhookConfig
	Captcha   CaptchaConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 10<<20)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/")),

		// Tokens
		TokenTTL:        getdur("TOKEN_TTL", 24*time.Hour),
		TokenSweepEvery: getdur("TOKEN_SWEEP_EVERY", time.Hour),
		PendingTokenTTL: getdur("PENDING_TOKEN_TTL", 5*time.Minute),
		Quotas: QuotaConfig{
			MaxRecurringDomains: getint("MAX_RECURRING_DOMAINS", 10),
			MaxManualCaptures:   getint("MAX_MANUAL_CAPTURES", 2),
		},
		ServerJobLimit:   getint("SERVER_JOB_LIMIT", 500),
		MaxResultsPerJob: getint("MAX_RESULTS_PER_JOB", 50),

		// Execution
		Scheduler: SchedulerConfig{
			Tick:            getdur("SCHEDULER_TICK", 5*time.Second),
			MaxConcurrent:   int64(getint("SCHEDULER_MAX_CONCURRENT", 8)),
			CompleteGC:      getdur("JOB_COMPLETE_GC", 10*time.Minute),
			FailedGC:        getdur("JOB_FAILED_GC", 2*time.Minute),
			BackstopMaxIdle: getdur("JOB_BACKSTOP_MAX_IDLE", time.Hour),
		},
		Capture: CaptureConfig{
			Endpoint:       getenv("CAPTURE_ENDPOINT", "http://localhost:9222"),
			SessionTimeout: getdur("CAPTURE_SESSION_TIMEOUT", 30*time.Second),
			NavTimeout:     getdur("CAPTURE_NAV_TIMEOUT", 45*time.Second),
			ShotTimeout:    getdur("CAPTURE_SHOT_TIMEOUT", 30*time.Second),
		},
		LLM: LLMConfig{
			Endpoint: getenv("LLM_ENDPOINT", "https://api.openai.com/v1/chat/completions"),
			Model:    getenv("LLM_MODEL", "gpt-4o"),
			APIKey:   getenv("LLM_API_KEY", ""),
			Timeout:  getdur("LLM_TIMEOUT", 4*time.Minute),
		},
		Webhook: WebhookConfig{
			Timeout:        getdur("WEBHOOK_TIMEOUT", 30*time.Second),
			InterCallDelay: getdur("WEBHOOK_INTERCALL_DELAY", 500*time.Millisecond),
			DefaultMinConf: getint("WEBHOOK_DEFAULT_MIN_CONFIDENCE", 75),
		},
		Captcha: CaptchaConfig{
			SiteKey:   getenv("CAPTCHA_SITE_KEY", ""),
			SecretKey: getenv("CAPTCHA_SECRET_KEY", ""),
			VerifyURL: getenv("CAPTCHA_VERIFY_URL", "https://challenges.cloudflare.com/turnstile/v0/siteverify"),
			Bypass:    getbool("CAPTCHA_BYPASS", false),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "pagewatch-runner"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return cfg, errors.New("MAX_BODY_BYTES must be > 0")
	}
	if cfg.TokenTTL <= 0 || cfg.TokenSweepEvery <= 0 || cfg.PendingTokenTTL <= 0 {
		return cfg, errors.New("token lifetimes must be positive durations")
	}
	if cfg.Quotas.MaxRecurringDomains < 1 || cfg.Quotas.MaxManualCaptures < 1 {
		return cfg, errors.New("quota maxima must be >= 1")
	}
	if cfg.ServerJobLimit < 1 {
		return cfg, errors.New("SERVER_JOB_LIMIT must be >= 1")
	}
	if cfg.MaxResultsPerJob < 1 {
		return cfg, errors.New("MAX_RESULTS_PER_JOB must be >= 1")
	}
	if cfg.Scheduler.Tick <= 0 {
		return cfg, errors.New("SCHEDULER_TICK must be > 0")
	}
	if cfg.Scheduler.MaxConcurrent < 1 {
		return cfg, errors.New("SCHEDULER_MAX_CONCURRENT must be >= 1")
	}
	if cfg.Scheduler.CompleteGC <= 0 || cfg.Scheduler.FailedGC <= 0 || cfg.Scheduler.BackstopMaxIdle <= 0 {
		return cfg, errors.New("job GC delays must be positive durations")
	}
	if strings.TrimSpace(cfg.Capture.Endpoint) == "" {
		return cfg, errors.New("CAPTURE_ENDPOINT must not be empty")
	}
	if cfg.LLM.Timeout <= 0 {
		return cfg, errors.New("LLM_TIMEOUT must be > 0")
	}
	if cfg.Webhook.Timeout <= 0 {
		return cfg, errors.New("WEBHOOK_TIMEOUT must be > 0")
	}
	if cfg.Webhook.DefaultMinConf < 0 || cfg.Webhook.DefaultMinConf > 100 {
		return cfg, errors.New("WEBHOOK_DEFAULT_MIN_CONFIDENCE must be in [0,100]")
	}
	if !cfg.Captcha.Bypass && strings.TrimSpace(cfg.Captcha.SecretKey) == "" {
		return cfg, errors.New("CAPTCHA_SECRET_KEY required unless CAPTCHA_BYPASS is set")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
