package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string
	LogFormat   string

	// Database
	DatabaseDriver string // pgx, postgres, sqlite
	DatabaseURL    string
	AutoMigrate    bool
	RedisURL       string

	// OAuth - Google (fallback when no provider row exists)
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// OAuth - Microsoft
	MicrosoftClientID     string
	MicrosoftClientSecret string
	MicrosoftRedirectURL  string
	MicrosoftTenantID     string

	// Provider calls
	ProviderTimeout time.Duration

	// Materializer
	FallbackUserID     int64
	DefaultLanguage    string
	LoginMaxLength     int
	AttachmentDir      string
	MaxAttachmentBytes int64

	// Token sealing
	TokenEncryptionKey string

	// Worker
	WorkerID        string
	WorkerCount     int
	WorkerQueueSize int
	SchedulerTick   time.Duration
	JobTimeout      time.Duration
	LockTTL         time.Duration

	// Ops API
	AllowedOrigins []string
	OpsJWTSecret   string // HS256 secret guarding /api/v1/jobs, empty disables

	// Scheduler
	SchedulerEnabled bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		// Database
		DatabaseDriver: getEnv("DATABASE_DRIVER", "pgx"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		AutoMigrate:    getEnvBool("AUTO_MIGRATE", false),
		RedisURL:       getEnv("REDIS_URL", ""),

		// OAuth - Google
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", ""),

		// OAuth - Microsoft
		MicrosoftClientID:     getEnv("MICROSOFT_CLIENT_ID", ""),
		MicrosoftClientSecret: getEnv("MICROSOFT_CLIENT_SECRET", ""),
		MicrosoftRedirectURL:  getEnv("MICROSOFT_REDIRECT_URL", ""),
		MicrosoftTenantID:     getEnv("MICROSOFT_TENANT_ID", "common"),

		ProviderTimeout: time.Duration(getEnvInt("PROVIDER_TIMEOUT_SEC", 30)) * time.Second,

		// Materializer
		FallbackUserID:     int64(getEnvInt("FALLBACK_USER_ID", 1)),
		DefaultLanguage:    getEnv("DEFAULT_LANGUAGE", "en"),
		LoginMaxLength:     getEnvInt("LOGIN_MAX_LENGTH", 60),
		AttachmentDir:      getEnv("ATTACHMENT_DIR", "./files"),
		MaxAttachmentBytes: int64(getEnvInt("MAX_ATTACHMENT_BYTES", 10<<20)),

		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		// Worker
		WorkerID:        getEnv("WORKER_ID", generateWorkerID()),
		WorkerCount:     getEnvInt("WORKER_COUNT", 4),
		WorkerQueueSize: getEnvInt("WORKER_QUEUE_SIZE", 100),
		SchedulerTick:   time.Duration(getEnvInt("SCHEDULER_TICK_SEC", 60)) * time.Second,
		JobTimeout:      time.Duration(getEnvInt("JOB_TIMEOUT_SEC", 300)) * time.Second,
		LockTTL:         time.Duration(getEnvInt("LOCK_TTL_SEC", 600)) * time.Second,

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		OpsJWTSecret:   getEnv("OPS_JWT_SECRET", ""),

		SchedulerEnabled: getEnvBool("SCHEDULER_ENABLED", true),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "pgx", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.FallbackUserID <= 0 {
		return fmt.Errorf("FALLBACK_USER_ID must be positive")
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
