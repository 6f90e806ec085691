// Package config loads the chat service settings from environment variables,
// applies defaults and validates the result. Settings cover the HTTP server,
// logging, persistence, the upstream LLM, moderation and admission control,
// web protection and observability.
package config

import (
	"errors"
	"fmt"
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
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the persistence backend.
type DBConfig struct {
	Driver string // sqlite|postgres
	DSN    string // file path for sqlite, connection string for postgres
}

// LLMConfig describes the upstream model server.
type LLMConfig struct {
	BaseURL          string
	Model            string
	APIMode          string // openai|ollama
	APIKey           string
	MaxTokens        int
	Temperature      float64
	ConcurrencyLimit int
	RequestTimeout   time.Duration
}

// ChatConfig holds moderation and admission settings for a turn.
type ChatConfig struct {
	RateLimitPerMinute int           // sliding window admissions per identity
	RateLimitBurst     int           // extra admissions on top of the per-minute figure
	SweepInterval      time.Duration // how often idle limiter keys and stale cache entries are dropped
	ConversationTTL    time.Duration
	SafetyEnabled      bool
	PersonaPath        string // empty uses the embedded persona
	HistoryTurns       int
	MaxPromptRunes     int
	WSEnabled          bool
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // 0 disables; streaming turns outlive short write deadlines
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	DB   DBConfig
	LLM  LLMConfig
	Chat ChatConfig

	// Edge throttle (token bucket per client, in front of the chat limiter)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

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
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 0),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			DSN:    getenv("DB_DSN", "chat.db"),
		},

		LLM: LLMConfig{
			BaseURL:          getenv("LLM_BASE_URL", "http://localhost:11434"),
			Model:            getenv("LLM_MODEL", ""),
			APIMode:          strings.ToLower(getenv("LLM_API_MODE", "ollama")),
			APIKey:           getenv("LLM_API_KEY", ""),
			MaxTokens:        getint("LLM_MAX_TOKENS", 512),
			Temperature:      getfloat("LLM_TEMPERATURE", 0.8),
			ConcurrencyLimit: getint("LLM_CONCURRENCY_LIMIT", 8),
			RequestTimeout:   getdur("LLM_REQUEST_TIMEOUT", 90*time.Second),
		},

		Chat: ChatConfig{
			RateLimitPerMinute: getint("RATE_LIMIT_PER_MINUTE", 30),
			RateLimitBurst:     getint("RATE_LIMIT_BURST", 10),
			SweepInterval:      getdur("RATE_LIMIT_SWEEP_INTERVAL", 5*time.Minute),
			ConversationTTL:    getdur(firstSet("CONVERSATION_TTL", "CONVERSATION_TTL_SECONDS"), 24*time.Hour),
			SafetyEnabled:      getbool("SAFETY_ENABLED", true),
			PersonaPath:        getenv("PERSONA_PATH", ""),
			HistoryTurns:       getint("PROMPT_HISTORY_TURNS", 10),
			MaxPromptRunes:     getint("MAX_PROMPT_RUNES", 8000),
			WSEnabled:          getbool("WS_ENABLED", true),
		},

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-moderated-chat"),
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
	if cfg.DB.Driver == "postgresql" || cfg.DB.Driver == "pg" {
		cfg.DB.Driver = "postgres"
	}
	cfg.LLM.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.LLM.BaseURL), "/")
	if cfg.Chat.ConversationTTL < 0 {
		cfg.Chat.ConversationTTL = 0 // any non-positive TTL disables eviction
	}

	// --- validation ---
	for _, k := range durationKeys {
		if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
			if _, err := parseDuration(v); err != nil {
				return cfg, fmt.Errorf("%s: invalid duration %q (use seconds or a value like 90s, 5m)", k, v)
			}
		}
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.WriteTimeout < 0 {
		return cfg, errors.New("WRITE_TIMEOUT must be >= 0")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite", "postgres":
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if strings.TrimSpace(cfg.DB.DSN) == "" {
		return cfg, errors.New("DB_DSN must not be empty")
	}
	if cfg.LLM.BaseURL == "" {
		return cfg, errors.New("LLM_BASE_URL must not be empty")
	}
	switch cfg.LLM.APIMode {
	case "openai", "ollama":
	default:
		return cfg, errors.New("LLM_API_MODE must be one of: openai, ollama")
	}
	if cfg.LLM.MaxTokens < 1 {
		return cfg, errors.New("LLM_MAX_TOKENS must be >= 1")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		return cfg, errors.New("LLM_TEMPERATURE must be in [0,2]")
	}
	if cfg.LLM.ConcurrencyLimit < 1 {
		return cfg, errors.New("LLM_CONCURRENCY_LIMIT must be >= 1")
	}
	if cfg.LLM.RequestTimeout <= 0 {
		return cfg, errors.New("LLM_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.Chat.RateLimitPerMinute < 0 || cfg.Chat.RateLimitBurst < 0 {
		return cfg, errors.New("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.Chat.SweepInterval <= 0 {
		return cfg, errors.New("RATE_LIMIT_SWEEP_INTERVAL must be > 0")
	}
	if cfg.Chat.HistoryTurns < 1 {
		return cfg, errors.New("PROMPT_HISTORY_TURNS must be >= 1")
	}
	if cfg.Chat.MaxPromptRunes < 1 {
		return cfg, errors.New("MAX_PROMPT_RUNES must be >= 1")
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
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

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

// durationKeys lists every variable read with getdur; Load rejects values
// that do not parse instead of falling back to the default.
var durationKeys = []string{
	"READ_TIMEOUT", "READ_HEADER_TIMEOUT", "WRITE_TIMEOUT", "IDLE_TIMEOUT",
	"LLM_REQUEST_TIMEOUT", "RATE_LIMIT_SWEEP_INTERVAL",
	"CONVERSATION_TTL", "CONVERSATION_TTL_SECONDS",
	"HSTS_MAX_AGE", "IDEMPOTENCY_TTL",
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := parseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parseDuration accepts a Go duration ("90s", "2h") or bare integer seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// firstSet returns the first key present with a non-empty value, or the
// first key when none is set.
func firstSet(keys ...string) string {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			return k
		}
	}
	return keys[0]
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
