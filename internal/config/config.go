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
	EncryptionKey        string
	XeroClientID         string
	XeroClientSecret     string
	XeroTokenURL         string
	XeroAPIBaseURL       string
	RefreshBuffer        time.Duration
	RefreshTokenMaxAge   time.Duration
	ThrottleWindow       time.Duration
	RefreshTimeout       time.Duration
	SweepConcurrency     int
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	ServiceName          string
	RateLimitRPM         int
	SeedOrgID            int64
	SeedTenantID         string
	SeedTenantName       string
	SeedAccessToken      string
	SeedRefreshToken     string
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
// Buffer and aging defaults follow the conservative policy: a 10 minute
// refresh buffer and a 45 day refresh-token age ceiling (Xero rotates the
// refresh-token family on a 60 day rolling window).
func Load() (Config, error) {
	_ = godotenv.Load()

	encryptionKey := strings.TrimSpace(os.Getenv("ENCRYPTION_KEY"))
	if encryptionKey == "" {
		return Config{}, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	clientID := strings.TrimSpace(os.Getenv("XERO_CLIENT_ID"))
	if clientID == "" {
		return Config{}, fmt.Errorf("XERO_CLIENT_ID is required")
	}
	clientSecret := strings.TrimSpace(os.Getenv("XERO_CLIENT_SECRET"))
	if clientSecret == "" {
		return Config{}, fmt.Errorf("XERO_CLIENT_SECRET is required")
	}

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		EncryptionKey:        encryptionKey,
		XeroClientID:         clientID,
		XeroClientSecret:     clientSecret,
		XeroTokenURL:         getEnv("XERO_TOKEN_URL", "https://identity.xero.com/connect/token"),
		XeroAPIBaseURL:       getEnv("XERO_API_BASE_URL", "https://api.xero.com"),
		RefreshBuffer:        getDuration("REFRESH_BUFFER", 10*time.Minute),
		RefreshTokenMaxAge:   getDuration("REFRESH_TOKEN_MAX_AGE", 45*24*time.Hour),
		ThrottleWindow:       getDuration("REFRESH_THROTTLE_WINDOW", 5*time.Second),
		RefreshTimeout:       getDuration("REFRESH_TIMEOUT", 30*time.Second),
		SweepConcurrency:     getInt("SWEEP_CONCURRENCY", 4),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		ServiceName:          getEnv("SERVICE_NAME", "xero-connect"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		SeedOrgID:            int64(getInt("XERO_SEED_ORG_ID", 0)),
		SeedTenantID:         os.Getenv("XERO_SEED_TENANT_ID"),
		SeedTenantName:       os.Getenv("XERO_SEED_TENANT_NAME"),
		SeedAccessToken:      os.Getenv("XERO_SEED_ACCESS_TOKEN"),
		SeedRefreshToken:     os.Getenv("XERO_SEED_REFRESH_TOKEN"),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Org-ID"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.SweepConcurrency < 1 {
		cfg.SweepConcurrency = 1
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
