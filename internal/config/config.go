package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	PublicBaseURL string

	// Clinical data store. When empty the API runs against the in-memory
	// gateway with seeded fixtures (local development only).
	DatabaseURL string

	// Reception process store. When UseMemoryStore is true process state is
	// kept in-process and does not survive a restart.
	UseMemoryStore bool
	RedisAddr      string
	RedisPassword  string
	RedisTLS       bool

	// Retention window for terminal process instances whose result was never
	// retrieved.
	ProcessRetention time.Duration

	// Pauses inside the reception process. Overridable so tests and demos
	// do not sit through the full consultation delay.
	ConsultDelay     time.Duration
	QueueSettleDelay time.Duration

	// Prescription artifact storage: local directory by default, S3 when a
	// bucket is configured.
	ArtifactDir    string
	ArtifactBucket string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		UseMemoryStore: getEnvAsBool("USE_MEMORY_STORE", false),
		RedisAddr:      getEnv("REDIS_ADDR", ""),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisTLS:       getEnvAsBool("REDIS_TLS", false),

		ProcessRetention: getEnvAsDuration("PROCESS_RETENTION", 24*time.Hour),

		ConsultDelay:     getEnvAsDuration("CONSULT_DELAY", 8*time.Second),
		QueueSettleDelay: getEnvAsDuration("QUEUE_SETTLE_DELAY", time.Second),

		ArtifactDir:    getEnv("ARTIFACT_DIR", "static/prescriptions"),
		ArtifactBucket: getEnv("ARTIFACT_BUCKET", ""),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
