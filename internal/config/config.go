package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	DBMaxConns  int    `env:"DB_MAX_CONNS" envDefault:"20"`
	DBMinConns  int    `env:"DB_MIN_CONNS" envDefault:"4"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	// Polling tiers.
	FastInterval   time.Duration `env:"FAST_INTERVAL" envDefault:"1s"`
	MediumInterval time.Duration `env:"MEDIUM_INTERVAL" envDefault:"15s"`
	SlowInterval   time.Duration `env:"SLOW_INTERVAL" envDefault:"30s"`

	// Device HTTP client.
	DeviceTimeout  time.Duration `env:"DEVICE_TIMEOUT" envDefault:"10s"`
	DevicePoolSize int           `env:"DEVICE_POOL_SIZE" envDefault:"20"`

	// Fast-tier backoff after consecutive failures.
	ErrorThreshold    int           `env:"ERROR_THRESHOLD" envDefault:"10"`
	BackoffBase       time.Duration `env:"BACKOFF_BASE" envDefault:"1s"`
	BackoffMultiplier float64       `env:"BACKOFF_MULTIPLIER" envDefault:"2"`
	BackoffMax        time.Duration `env:"BACKOFF_MAX" envDefault:"60s"`

	ReconcileInterval     time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
	SystemStatusRetention time.Duration `env:"SYSTEM_STATUS_RETENTION" envDefault:"0"`

	// Real-time bus.
	WSMaxConnsPerIP    int           `env:"WS_MAX_CONNS_PER_IP" envDefault:"25"`
	WSMaxSubscriptions int           `env:"WS_MAX_SUBSCRIPTIONS" envDefault:"50"`
	WSQueueSize        int           `env:"WS_QUEUE_SIZE" envDefault:"100"`
	EventTTL           time.Duration `env:"EVENT_TTL" envDefault:"30s"`
	EventRingSize      int           `env:"EVENT_RING_SIZE" envDefault:"100"`
	DedupWindow        time.Duration `env:"DEDUP_WINDOW" envDefault:"2s"`

	// Auth.
	TokenSigningKey string        `env:"TOKEN_SIGNING_KEY"`
	TokenClockSkew  time.Duration `env:"TOKEN_CLOCK_SKEW" envDefault:"30s"`
	IngestToken     string        `env:"INGEST_TOKEN"`

	// Preview image cache.
	PreviewDir           string        `env:"PREVIEW_DIR" envDefault:"./images"`
	PreviewRefresh       time.Duration `env:"PREVIEW_REFRESH" envDefault:"3s"`
	PreviewMaxAge        time.Duration `env:"PREVIEW_MAX_AGE" envDefault:"3m"`
	PreviewSweepInterval time.Duration `env:"PREVIEW_SWEEP_INTERVAL" envDefault:"60s"`
	PreviewBackoffMax    time.Duration `env:"PREVIEW_BACKOFF_MAX" envDefault:"5m"`
	PreviewFormat        string        `env:"PREVIEW_FORMAT" envDefault:"jpg"`
	PreviewResolution    string        `env:"PREVIEW_RESOLUTION" envDefault:"auto"`
	PreviewJPEGQuality   int           `env:"PREVIEW_JPEG_QUALITY" envDefault:"85"`

	// Optional roster file watched for device changes.
	DevicesFile string `env:"DEVICES_FILE"`

	// Optional MQTT event mirror (disabled when broker URL is empty).
	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"fleet-engine"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"fleet"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	PreviewDir  string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.PreviewDir != "" {
		cfg.PreviewDir = overrides.PreviewDir
	}

	return cfg, nil
}
