package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment          string
	HTTPPort             string
	DatabaseURL          string
	ServiceName          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	TokenHashSecret      string
	MagicLinkTTL         time.Duration
	MagicLinkBaseURL     string
	OAuthStateTTL        time.Duration
	SessionTTL           time.Duration
	RefreshTokenTTL      time.Duration
	ClockSkew            time.Duration
	EmailEndpoint        string
	EmailAPIKey          string
	GoogleClientID       string
	GoogleClientSecret   string
	GoogleAuthURL        string
	GoogleTokenURL       string
	GoogleUserInfoURL    string
	GoogleRedirectURL    string
	ProviderTimeout      time.Duration
	RateLimitRPM         int
	BootstrapDomain      string
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	secret := strings.TrimSpace(os.Getenv("TOKEN_HASH_SECRET"))
	if secret == "" {
		return Config{}, fmt.Errorf("TOKEN_HASH_SECRET is required")
	}

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		ServiceName:          getEnv("SERVICE_NAME", "smallbiznis-passage"),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		TokenHashSecret:      secret,
		MagicLinkTTL:         getDuration("MAGIC_LINK_TTL", 15*time.Minute),
		MagicLinkBaseURL:     os.Getenv("MAGIC_LINK_BASE_URL"),
		OAuthStateTTL:        getDuration("OAUTH_STATE_TTL", 10*time.Minute),
		SessionTTL:           getDuration("SESSION_TTL", time.Hour),
		RefreshTokenTTL:      getDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		ClockSkew:            getDuration("CLOCK_SKEW", 5*time.Second),
		EmailEndpoint:        os.Getenv("EMAIL_ENDPOINT"),
		EmailAPIKey:          os.Getenv("EMAIL_API_KEY"),
		GoogleClientID:       os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:   os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleAuthURL:        getEnv("GOOGLE_AUTH_URL", "https://accounts.google.com/o/oauth2/v2/auth"),
		GoogleTokenURL:       getEnv("GOOGLE_TOKEN_URL", "https://oauth2.googleapis.com/token"),
		GoogleUserInfoURL:    getEnv("GOOGLE_USERINFO_URL", "https://openidconnect.googleapis.com/v1/userinfo"),
		GoogleRedirectURL:    os.Getenv("GOOGLE_REDIRECT_URL"),
		ProviderTimeout:      getDuration("PROVIDER_TIMEOUT", 10*time.Second),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		BootstrapDomain:      strings.TrimSpace(os.Getenv("BOOTSTRAP_DOMAIN")),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-API-Key"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ClockSkew < 0 {
		cfg.ClockSkew = 0
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

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
