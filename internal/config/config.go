package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	ServerPort string
	LogLevel   string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RedisAddr     string
	RedisPassword string

	RiskEngineURL      string
	IdentityServiceURL string
	ClientTimeout      time.Duration

	StripeSecretKey       string
	WebhookSecret         string
	GatewayMaxRetries     int
	GatewayInitialBackoff time.Duration
	GatewayMaxBackoff     time.Duration

	OTPTTL            time.Duration
	OTPMaxAttempts    int
	OTPResendCooldown time.Duration
	SmartOTPTTL       time.Duration

	DefaultDailyLimit   decimal.Decimal
	DefaultMonthlyLimit decimal.Decimal

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxRetries   int

	RecoveryInterval   time.Duration
	RecoveryStaleAfter time.Duration
}

// Load reads the optional .env file and then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	return &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "transfer_saga"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		RiskEngineURL:      getEnv("RISK_ENGINE_URL", ""),
		IdentityServiceURL: getEnv("IDENTITY_SERVICE_URL", ""),
		ClientTimeout:      getDuration("CLIENT_TIMEOUT", 10*time.Second),

		StripeSecretKey:       getEnv("STRIPE_SECRET_KEY", ""),
		WebhookSecret:         getEnv("WEBHOOK_SECRET", ""),
		GatewayMaxRetries:     getInt("GATEWAY_MAX_RETRIES", 3),
		GatewayInitialBackoff: getDuration("GATEWAY_INITIAL_BACKOFF", 200*time.Millisecond),
		GatewayMaxBackoff:     getDuration("GATEWAY_MAX_BACKOFF", 2*time.Second),

		OTPTTL:            getDuration("OTP_TTL", 5*time.Minute),
		OTPMaxAttempts:    getInt("OTP_MAX_ATTEMPTS", 3),
		OTPResendCooldown: getDuration("OTP_RESEND_COOLDOWN", 30*time.Second),
		SmartOTPTTL:       getDuration("SMART_OTP_TTL", 120*time.Second),

		DefaultDailyLimit:   getDecimal("DEFAULT_DAILY_LIMIT", decimal.NewFromInt(50_000)),
		DefaultMonthlyLimit: getDecimal("DEFAULT_MONTHLY_LIMIT", decimal.NewFromInt(200_000)),

		OutboxPollInterval: getDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:    getInt("OUTBOX_BATCH_SIZE", 50),
		OutboxMaxRetries:   getInt("OUTBOX_MAX_RETRIES", 5),

		RecoveryInterval:   getDuration("RECOVERY_INTERVAL", 30*time.Second),
		RecoveryStaleAfter: getDuration("RECOVERY_STALE_AFTER", 2*time.Minute),
	}
}

// GetDBConnectionString renders the lib/pq connection string.
func (c *Config) GetDBConnectionString() string {
	sslMode := c.DBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, sslMode)
}

// SlogLevel maps LogLevel onto slog, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", value)
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", value)
		return fallback
	}
	return d
}

func getDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		slog.Warn("Invalid decimal in environment, using default", "key", key, "value", value)
		return fallback
	}
	return d
}
