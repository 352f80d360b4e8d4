package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Shared secrets for webhook signature verification, keyed by provider
	// name. Populated from WEBHOOK_SECRET_<PROVIDER> variables.
	WebhookSecrets map[string]string

	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	RateLimitEnabled    bool
	WebhookIngressRate  float64
	WebhookIngressBurst int

	SchedulerRunInterval int
	SchedulerBatchSize   int
	SchedulerJobs        []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:              getenv("APP_SERVICE", "subtrack"),
		AppVersion:           getenv("APP_VERSION", "0.1.0"),
		Environment:          getenv("ENVIRONMENT", "development"),
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:         getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:               getenv("DATABASE_TYPE", "postgres"),
		DBHost:               getenv("DATABASE_HOST", "localhost"),
		DBPort:               getenv("DATABASE_PORT", "5432"),
		DBName:               getenv("DATABASE_NAME", "subtrack"),
		DBUser:               getenv("DATABASE_USER", "postgres"),
		DBPassword:           getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:            getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:        getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:        getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime:    getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime:    getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:            getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        getenv("REDIS_PASSWORD", ""),
		RedisDB:              getenvInt("REDIS_DB", 0),
		WebhookSecrets:       loadWebhookSecrets(),
		SMTPHost:             getenv("SMTP_HOST", ""),
		SMTPPort:             getenv("SMTP_PORT", "587"),
		SMTPUser:             getenv("SMTP_USER", ""),
		SMTPPassword:         getenv("SMTP_PASSWORD", ""),
		SMTPFrom:             getenv("SMTP_FROM", "billing@localhost"),
		RateLimitEnabled:     getenvBool("RATE_LIMIT_ENABLED", false),
		WebhookIngressRate:   getenvFloat("WEBHOOK_INGRESS_RATE", 50),
		WebhookIngressBurst:  getenvInt("WEBHOOK_INGRESS_BURST", 100),
		SchedulerRunInterval: getenvInt("SCHEDULER_RUN_INTERVAL", 86400),
		SchedulerBatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 100),
		SchedulerJobs:        parseList(getenv("SCHEDULER_JOBS", "")),
	}

	return cfg
}

const webhookSecretPrefix = "WEBHOOK_SECRET_"

func loadWebhookSecrets() map[string]string {
	secrets := make(map[string]string)
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, webhookSecretPrefix) {
			continue
		}
		provider := strings.ToLower(strings.TrimPrefix(key, webhookSecretPrefix))
		if provider == "" || strings.TrimSpace(value) == "" {
			continue
		}
		secrets[provider] = strings.TrimSpace(value)
	}
	return secrets
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvBool(key string, def bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
