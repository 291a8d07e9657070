package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const EnvironmentProduction = "production"

type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Encryption  EncryptionConfig
	Scheduler   SchedulerConfig
	Jobs        JobsConfig
	Sync        SyncConfig
	Provider    ProviderConfig
	Enrichment  EnrichmentConfig
	Redis       RedisConfig
	PubSub      PubSubConfig
	Firebase    FirebaseConfig
	Telemetry   TelemetryConfig
	Log         LogConfig
	Messages    MessagesConfig
	TLS         TLSConfig
}

type ServerConfig struct {
	Port string
	Host string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type EncryptionConfig struct {
	Key string
}

// SchedulerConfig controls the cron entries that enqueue sweep jobs.
type SchedulerConfig struct {
	Enabled             bool
	HealthSweepTimes    []string
	ExpiringSweepTimes  []string
	BalanceRefreshTimes []string
	ScheduleTickEvery   time.Duration
	RunOnStartup        bool
}

// JobsConfig controls the durable job dispatcher and its worker pool.
type JobsConfig struct {
	Store        string // "postgres" or "memory"
	WorkerCount  int
	QueueSize    int
	JobDelay     time.Duration
	PollInterval time.Duration
	BatchSize    int
	LockTimeout  time.Duration
}

type SyncConfig struct {
	StrictIngestion bool
	LockTTL         time.Duration
}

type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type EnrichmentConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type PubSubConfig struct {
	ProjectID       string
	EmailTopic      string
	CredentialsJSON string
}

type FirebaseConfig struct {
	CredentialsFile string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	MetricsPort  string
}

type LogConfig struct {
	Level  string
	Format string
}

type MessagesConfig struct {
	Path string
}

type TLSConfig struct {
	Enabled  bool
	CertPath string
	KeyPath  string
}

func Load() (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	dbPort, err := getIntEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}
	redisDB, err := getIntEnv("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	workerCount, err := getIntEnv("JOBS_WORKERS", 5)
	if err != nil {
		return nil, err
	}
	queueSize, err := getIntEnv("JOBS_QUEUE_SIZE", 100)
	if err != nil {
		return nil, err
	}
	batchSize, err := getIntEnv("JOBS_BATCH_SIZE", 20)
	if err != nil {
		return nil, err
	}

	jobDelay, err := getDurationEnv("JOBS_DELAY", 0)
	if err != nil {
		return nil, err
	}
	pollInterval, err := getDurationEnv("JOBS_POLL_INTERVAL", time.Second)
	if err != nil {
		return nil, err
	}
	lockTimeout, err := getDurationEnv("JOBS_LOCK_TIMEOUT", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	tickEvery, err := getDurationEnv("SCHEDULER_SCHEDULE_TICK", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	lockTTL, err := getDurationEnv("SYNC_LOCK_TTL", 2*time.Minute)
	if err != nil {
		return nil, err
	}
	providerTimeout, err := getDurationEnv("PROVIDER_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}
	enrichmentTimeout, err := getDurationEnv("ENRICHMENT_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnv("APP_ENV", "development"),
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Host: getEnv("HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "finsync"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "finsync"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Encryption: EncryptionConfig{
			Key: getEnv("ENCRYPTION_KEY", ""),
		},
		Scheduler: SchedulerConfig{
			Enabled:             getBoolEnv("SCHEDULER_ENABLED", true),
			HealthSweepTimes:    getListEnv("SCHEDULER_HEALTH_TIMES", "09:00"),
			ExpiringSweepTimes:  getListEnv("SCHEDULER_EXPIRING_TIMES", "10:00"),
			BalanceRefreshTimes: getListEnv("SCHEDULER_BALANCE_TIMES", "00:00,06:00,12:00,18:00"),
			ScheduleTickEvery:   tickEvery,
			RunOnStartup:        getBoolEnv("SCHEDULER_RUN_ON_STARTUP", false),
		},
		Jobs: JobsConfig{
			Store:        getEnv("JOB_STORE", "postgres"),
			WorkerCount:  workerCount,
			QueueSize:    queueSize,
			JobDelay:     jobDelay,
			PollInterval: pollInterval,
			BatchSize:    batchSize,
			LockTimeout:  lockTimeout,
		},
		Sync: SyncConfig{
			StrictIngestion: getBoolEnv("SYNC_STRICT_INGESTION", false),
			LockTTL:         lockTTL,
		},
		Provider: ProviderConfig{
			BaseURL: getEnv("PROVIDER_ENGINE_URL", ""),
			APIKey:  getEnv("PROVIDER_ENGINE_API_KEY", ""),
			Timeout: providerTimeout,
		},
		Enrichment: EnrichmentConfig{
			URL:     getEnv("ENRICHMENT_URL", ""),
			APIKey:  getEnv("ENRICHMENT_API_KEY", ""),
			Timeout: enrichmentTimeout,
		},
		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDRESS", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		PubSub: PubSubConfig{
			ProjectID:       firstNonEmpty(getEnv("PUBSUB_PROJECT_ID", ""), getEnv("GOOGLE_CLOUD_PROJECT", "")),
			EmailTopic:      getEnv("PUBSUB_EMAIL_TOPIC", ""),
			CredentialsJSON: getEnv("PUBSUB_CREDENTIALS_JSON", ""),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "finsync"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
			MetricsPort:  getEnv("METRICS_PORT", "9090"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", ""),
		},
		Messages: MessagesConfig{
			Path: getEnv("MESSAGES_PATH", ""),
		},
		TLS: TLSConfig{
			Enabled:  getBoolEnv("TLS_ENABLED", false),
			CertPath: getEnv("TLS_CERT_PATH", ""),
			KeyPath:  getEnv("TLS_KEY_PATH", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if c.Encryption.Key == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if len(c.Encryption.Key) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes")
	}

	switch c.Jobs.Store {
	case "postgres", "memory":
	default:
		return fmt.Errorf("JOB_STORE must be 'postgres' or 'memory', got %q", c.Jobs.Store)
	}
	if c.Jobs.WorkerCount < 1 {
		return fmt.Errorf("JOBS_WORKERS must be at least 1")
	}
	if c.Jobs.QueueSize < c.Jobs.BatchSize {
		return fmt.Errorf("JOBS_QUEUE_SIZE (%d) must be >= JOBS_BATCH_SIZE (%d)", c.Jobs.QueueSize, c.Jobs.BatchSize)
	}

	if c.PubSub.EmailTopic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("PUBSUB_PROJECT_ID is required when PUBSUB_EMAIL_TOPIC is set")
	}

	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}

	return nil
}

// IsProduction reports whether production-only sweeps should run.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, EnvironmentProduction)
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// getListEnv splits a comma-separated value, dropping blanks.
func getListEnv(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
