package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultGenerationAPIBaseURL is the hosted generation backend.
const DefaultGenerationAPIBaseURL = "https://cartoon.framepola.com/api"

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	LogLevel    string
	Port        string
	DatabaseURL string
	JWTSecret   string
	TokenTTL    time.Duration
	GeoIPDBPath string

	GoogleClientID string

	GenerationAPIBaseURL string
	GenerationAPITimeout time.Duration
	PollInterval         time.Duration
	ProgressSpan         time.Duration

	DefaultLocale    string
	SupportedLocales []string

	DownloadDir     string
	SessionIdleTTL  time.Duration
	HistoryCacheTTL time.Duration

	CORSAllowedOrigins []string
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration
	RateLimitPerMin    int
}

// LoadConfig loads configuration from environment variables and applies
// defaults where needed. It does not enforce server-only requirements; see
// ValidateAPI.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:               getEnv("APP_ENV", "development"),
		LogLevel:             strings.ToLower(os.Getenv("LOG_LEVEL")),
		Port:                 getEnv("PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		TokenTTL:             time.Hour * time.Duration(getEnvInt("TOKEN_TTL_HOURS", 24)),
		GeoIPDBPath:          os.Getenv("GEOIP_DB_PATH"),
		GoogleClientID:       os.Getenv("GOOGLE_CLIENT_ID"),
		GenerationAPIBaseURL: strings.TrimRight(getEnv("GENERATION_API_BASE_URL", DefaultGenerationAPIBaseURL), "/"),
		GenerationAPITimeout: time.Second * time.Duration(getEnvInt("GENERATION_API_TIMEOUT_SECONDS", 60)),
		PollInterval:         time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 20)),
		ProgressSpan:         time.Second * time.Duration(getEnvInt("PROGRESS_SPAN_SECONDS", 110)),
		DefaultLocale:        getEnv("DEFAULT_LOCALE", "en"),
		SupportedLocales:     getEnvList("SUPPORTED_LOCALES", []string{"en", "zh", "ja", "ko", "es", "fr", "de"}),
		DownloadDir:          getEnv("DOWNLOAD_DIR", "downloads"),
		SessionIdleTTL:       time.Minute * time.Duration(getEnvInt("SESSION_IDLE_TTL_MINUTES", 30)),
		HistoryCacheTTL:      time.Second * time.Duration(getEnvInt("HISTORY_CACHE_TTL_SECONDS", 60)),
		CORSAllowedOrigins:   getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		HTTPReadTimeout:      time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:     time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 90)),
		HTTPIdleTimeout:      time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:      getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL_SECONDS must be positive")
	}
	if cfg.ProgressSpan <= 0 {
		return nil, fmt.Errorf("PROGRESS_SPAN_SECONDS must be positive")
	}
	if !contains(cfg.SupportedLocales, cfg.DefaultLocale) {
		cfg.SupportedLocales = append([]string{cfg.DefaultLocale}, cfg.SupportedLocales...)
	}

	return cfg, nil
}

// ValidateAPI checks the settings the HTTP server cannot run without.
func (c *Config) ValidateAPI() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
