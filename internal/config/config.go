package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// OAuthProvider holds client credentials for a single external provider.
type OAuthProvider struct {
	ClientID     string
	ClientSecret string
}

// Config contains runtime configuration values.
type Config struct {
	Environment       string
	HTTPPort          string
	BaseURL           string
	DatabaseURL       string
	SessionSecret     string
	SessionMaxAge     time.Duration
	SessionUpdateAge  time.Duration
	Google            OAuthProvider
	GitHub            OAuthProvider
	MailAPIURL        string
	MailAPIKey        string
	MailFrom          string
	AdminEmail        string
	AdminPassword     string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitRPM      int
	ServiceName       string
	TelemetryEndpoint string
	TelemetryInsecure bool

	DBBreakerThreshold    int
	DBBreakerTimeout      time.Duration
	EmailBreakerThreshold int
	EmailBreakerTimeout   time.Duration
}

// IsDevelopment reports whether verbose error output is allowed.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:      getEnv("APP_ENV", "development"),
		HTTPPort:         getEnv("HTTP_PORT", "8080"),
		BaseURL:          getEnv("BASE_URL", "http://localhost:8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SessionSecret:    os.Getenv("SESSION_SECRET"),
		SessionMaxAge:    getDuration("SESSION_MAX_AGE", 30*24*time.Hour),
		SessionUpdateAge: getDuration("SESSION_UPDATE_AGE", 24*time.Hour),
		Google: OAuthProvider{
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		},
		GitHub: OAuthProvider{
			ClientID:     os.Getenv("GITHUB_CLIENT_ID"),
			ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		},
		MailAPIURL:        getEnv("MAIL_API_URL", "https://api.resend.com/emails"),
		MailAPIKey:        os.Getenv("MAIL_API_KEY"),
		MailFrom:          getEnv("MAIL_FROM", "no-reply@localhost"),
		AdminEmail:        strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminPassword:     strings.TrimSpace(os.Getenv("ADMIN_PASSWORD")),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getInt("REDIS_DB", 0),
		RateLimitRPM:      getInt("RATE_LIMIT_RPM", 600),
		ServiceName:       getEnv("SERVICE_NAME", "harbor-auth"),
		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),

		DBBreakerThreshold:    getInt("DB_BREAKER_THRESHOLD", 5),
		DBBreakerTimeout:      getDuration("DB_BREAKER_TIMEOUT", 30*time.Second),
		EmailBreakerThreshold: getInt("EMAIL_BREAKER_THRESHOLD", 3),
		EmailBreakerTimeout:   getDuration("EMAIL_BREAKER_TIMEOUT", time.Minute),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SessionSecret == "" {
		return Config{}, fmt.Errorf("SESSION_SECRET is required")
	}
	if len(cfg.SessionSecret) < 32 {
		return Config{}, fmt.Errorf("SESSION_SECRET must be at least 32 bytes")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
