package configs

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Webhook    WebhookConfig
	Scoring    ScoringConfig
	Gatekeeper GatekeeperConfig
	Meme       MemeConfig
	Dashboard  DashboardConfig
	Worker     WorkerConfig
	Kafka      KafkaConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Environment  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL           string
	StreamName    string
	ConsumerGroup string
	MaxRetries    int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

// WebhookConfig controls ingress auth and the outbound score forwarder
type WebhookConfig struct {
	AuthMethod          string // signature or token
	Secret              string
	Token               string
	OutboundURL         string
	MaxRetries          int
	Timeout             time.Duration
	ExponentialBackoff  bool
	RateLimitPerHour    int
	BotRateLimitPerHour int
}

// ScoringConfig tunes the behavioral scoring engine and pre-filters
type ScoringConfig struct {
	BotDetectionEnabled   bool
	ReferralInactiveGrace time.Duration
	IdentityProviderURL   string
	IdentityTimeout       time.Duration
	IdentityCacheTTL      time.Duration
}

type GatekeeperConfig struct {
	MinBehaviorScore float64
	MaxUploadBytes   int64
	PasskeySecret    string
}

// MemeConfig points at the external meme generator and sizes the in-process
// result cache. An empty GeneratorURL disables generation.
type MemeConfig struct {
	GeneratorURL  string
	Timeout       time.Duration
	CacheMaxBytes int64
	CacheTTL      time.Duration
}

type DashboardConfig struct {
	RefreshInterval time.Duration
}

type WorkerConfig struct {
	ID               string
	Concurrency      int
	BatchSize        int
	PollInterval     time.Duration
	RetryAttempts    int
	DeadLetterStream string
}

type KafkaConfig struct {
	Brokers []string
	Topics  []string
	GroupID string
}

// ErrMissingRequired is returned by Validate when a required key is absent.
var ErrMissingRequired = errors.New("missing required configuration")

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:           getEnv("REDIS_URL", "redis://localhost:6379"),
			StreamName:    getEnv("REDIS_STREAM_NAME", "fingerprints"),
			ConsumerGroup: getEnv("REDIS_CONSUMER_GROUP", "pattern-scanners"),
			MaxRetries:    getIntEnv("REDIS_MAX_RETRIES", 3),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "change-me-in-production"),
			Expiration: getDurationEnv("JWT_EXPIRATION", 24*time.Hour),
		},
		Webhook: WebhookConfig{
			AuthMethod:          getEnv("WEBHOOK_AUTH_METHOD", "signature"),
			Secret:              getEnv("WEBHOOK_SECRET", ""),
			Token:               getEnv("WEBHOOK_TOKEN", ""),
			OutboundURL:         getEnv("WEBHOOK_OUTBOUND_URL", ""),
			MaxRetries:          getIntEnv("WEBHOOK_MAX_RETRIES", 3),
			Timeout:             time.Duration(getIntEnv("WEBHOOK_TIMEOUT", 10)) * time.Second,
			ExponentialBackoff:  getBoolEnv("WEBHOOK_EXPONENTIAL_BACKOFF", true),
			RateLimitPerHour:    getIntEnv("WEBHOOK_RATE_LIMIT_PER_HOUR", 100),
			BotRateLimitPerHour: getIntEnv("WEBHOOK_BOT_RATE_LIMIT_PER_HOUR", 20),
		},
		Scoring: ScoringConfig{
			BotDetectionEnabled:   getBoolEnv("BOT_DETECTION_ENABLED", true),
			ReferralInactiveGrace: getDurationEnv("REFERRAL_INACTIVE_GRACE", 24*time.Hour),
			IdentityProviderURL:   getEnv("IDENTITY_PROVIDER_URL", ""),
			IdentityTimeout:       getDurationEnv("IDENTITY_PROVIDER_TIMEOUT", 5*time.Second),
			IdentityCacheTTL:      getDurationEnv("IDENTITY_CACHE_TTL", 2*time.Hour),
		},
		Gatekeeper: GatekeeperConfig{
			MinBehaviorScore: getFloatEnv("MIN_BEHAVIOR_SCORE", 60),
			MaxUploadBytes:   int64(getIntEnv("MAX_UPLOAD_BYTES", 10*1024*1024)),
			PasskeySecret:    getEnv("PASSKEY_SECRET", ""),
		},
		Meme: MemeConfig{
			GeneratorURL:  getEnv("MEME_GENERATOR_URL", ""),
			Timeout:       getDurationEnv("MEME_GENERATOR_TIMEOUT", 15*time.Second),
			CacheMaxBytes: int64(getIntEnv("MEME_CACHE_MAX_BYTES", 64*1024*1024)),
			CacheTTL:      getDurationEnv("MEME_CACHE_TTL", time.Hour),
		},
		Dashboard: DashboardConfig{
			RefreshInterval: time.Duration(getIntEnv("DASHBOARD_REFRESH_SECONDS", 30)) * time.Second,
		},
		Worker: WorkerConfig{
			ID:               getEnv("WORKER_ID", ""),
			Concurrency:      getIntEnv("WORKER_CONCURRENCY", 5),
			BatchSize:        getIntEnv("WORKER_BATCH_SIZE", 100),
			PollInterval:     getDurationEnv("WORKER_POLL_INTERVAL", 100*time.Millisecond),
			RetryAttempts:    getIntEnv("WORKER_RETRY_ATTEMPTS", 3),
			DeadLetterStream: getEnv("DEAD_LETTER_STREAM", "fingerprints-dlq"),
		},
		Kafka: KafkaConfig{
			Brokers: splitEnv("KAFKA_BROKERS", "localhost:9092"),
			Topics:  splitEnv("KAFKA_TOPICS", "cdc.public.users,cdc.public.detected_anomalies"),
			GroupID: getEnv("KAFKA_GROUP_ID", "trust-analytics"),
		},
	}
}

// Validate checks the required keys. Callers exit with code 1 when it fails.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.Join(ErrMissingRequired, errors.New("DATABASE_URL is required"))
	}
	switch c.Webhook.AuthMethod {
	case "signature":
		if c.Webhook.Secret == "" {
			return errors.Join(ErrMissingRequired, errors.New("WEBHOOK_SECRET is required for signature auth"))
		}
	case "token":
		if c.Webhook.Token == "" {
			return errors.Join(ErrMissingRequired, errors.New("WEBHOOK_TOKEN is required for token auth"))
		}
	default:
		return errors.New("WEBHOOK_AUTH_METHOD must be signature or token")
	}
	if c.Gatekeeper.PasskeySecret == "" {
		return errors.Join(ErrMissingRequired, errors.New("PASSKEY_SECRET is required"))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func splitEnv(key, defaultValue string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, defaultValue), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
