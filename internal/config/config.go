package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Broker       BrokerConfig       `yaml:"broker"`
	Workflow     WorkflowConfig     `yaml:"workflow"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Mongo        MongoConfig        `yaml:"mongo"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

// RedisConfig is the coordination store holding locks, wait queues and progress channels.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BrokerConfig controls the asynq-backed broker. When disabled, notifications are only logged
// and no worker consumes completion tasks.
type BrokerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Queue       string `yaml:"queue"`
	Concurrency int    `yaml:"concurrency"`
	// NotifyQueue carries outgoing notifications. The worker never consumes it.
	NotifyQueue string `yaml:"notify_queue"`
}

type WorkflowConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
	// WebhookSecret signs completion and progress callbacks. Empty disables verification.
	WebhookSecret string `yaml:"webhook_secret"`
}

type CoordinationConfig struct {
	LockTTL           time.Duration `yaml:"lock_ttl"`
	QueueEntryTTL     time.Duration `yaml:"queue_entry_ttl"`
	SnapshotTTL       time.Duration `yaml:"snapshot_ttl"`
	TransitionRetries int           `yaml:"transition_attempts"`
	AcquireAttempts   int           `yaml:"acquire_attempts"`
	// ReconcileStaleJobs fails processing jobs whose lock has expired. Off by default.
	ReconcileStaleJobs bool `yaml:"reconcile_stale_jobs"`
}

type SchedulerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	PollSpec        string        `yaml:"poll_spec"` // cron expression, seconds optional
	PollRatePerSec  int           `yaml:"poll_rate_per_sec"`
	CompletionGrace time.Duration `yaml:"completion_grace"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryBatchSize  int           `yaml:"retry_batch_size"`
	PendingGrace    time.Duration `yaml:"pending_grace"`
	// SweepLease lets one instance at a time run the poll cycle. Zero disables leasing.
	SweepLease time.Duration `yaml:"sweep_lease"`
}

type MongoConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

var GlobalConfig *Config

// Load reads an optional .env file, then the YAML config (defaults when missing), then
// applies environment overrides.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.overrideFromEnv()
	cfg.applyDefaults()
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "reviewpulse.db",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Broker: BrokerConfig{
			Enabled:     false,
			Queue:       "analysis",
			Concurrency: 10,
			NotifyQueue: "notifications",
		},
		Workflow: WorkflowConfig{
			BaseURL: "http://localhost:8088",
			Timeout: 15 * time.Second,
		},
		Coordination: CoordinationConfig{
			LockTTL:           10 * time.Minute,
			QueueEntryTTL:     30 * time.Minute,
			SnapshotTTL:       24 * time.Hour,
			TransitionRetries: 2,
			AcquireAttempts:   3,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			PollSpec:        "@every 30s",
			PollRatePerSec:  5,
			CompletionGrace: 2 * time.Minute,
			RetryInterval:   5 * time.Minute,
			MaxRetries:      3,
			RetryBatchSize:  10,
			PendingGrace:    time.Minute,
			SweepLease:      25 * time.Second,
		},
		Mongo: MongoConfig{
			Enabled:  false,
			URI:      "mongodb://localhost:27017",
			Database: "reviewpulse",
		},
	}
}

// applyDefaults fills zero values a partial YAML file may leave behind.
func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Coordination.LockTTL <= 0 {
		c.Coordination.LockTTL = def.Coordination.LockTTL
	}
	if c.Coordination.QueueEntryTTL <= 0 {
		c.Coordination.QueueEntryTTL = def.Coordination.QueueEntryTTL
	}
	if c.Coordination.SnapshotTTL <= 0 {
		c.Coordination.SnapshotTTL = def.Coordination.SnapshotTTL
	}
	if c.Coordination.TransitionRetries <= 0 {
		c.Coordination.TransitionRetries = def.Coordination.TransitionRetries
	}
	if c.Coordination.AcquireAttempts <= 0 {
		c.Coordination.AcquireAttempts = def.Coordination.AcquireAttempts
	}
	if c.Scheduler.PollSpec == "" {
		c.Scheduler.PollSpec = def.Scheduler.PollSpec
	}
	if c.Scheduler.PollRatePerSec <= 0 {
		c.Scheduler.PollRatePerSec = def.Scheduler.PollRatePerSec
	}
	if c.Scheduler.RetryInterval <= 0 {
		c.Scheduler.RetryInterval = def.Scheduler.RetryInterval
	}
	if c.Scheduler.RetryBatchSize <= 0 {
		c.Scheduler.RetryBatchSize = def.Scheduler.RetryBatchSize
	}
	if c.Broker.Queue == "" {
		c.Broker.Queue = def.Broker.Queue
	}
	if c.Broker.NotifyQueue == "" {
		c.Broker.NotifyQueue = def.Broker.NotifyQueue
	}
	if c.Broker.Concurrency <= 0 {
		c.Broker.Concurrency = def.Broker.Concurrency
	}
	if c.Workflow.Timeout <= 0 {
		c.Workflow.Timeout = def.Workflow.Timeout
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if baseURL := os.Getenv("WORKFLOW_BASE_URL"); baseURL != "" {
		c.Workflow.BaseURL = baseURL
	}
	if apiKey := os.Getenv("WORKFLOW_API_KEY"); apiKey != "" {
		c.Workflow.APIKey = apiKey
	}
	if secret := os.Getenv("WORKFLOW_WEBHOOK_SECRET"); secret != "" {
		c.Workflow.WebhookSecret = secret
	}
	if ttl := os.Getenv("LOCK_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			c.Coordination.LockTTL = d
		}
	}
	if ttl := os.Getenv("QUEUE_ENTRY_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			c.Coordination.QueueEntryTTL = d
		}
	}
	if broker := os.Getenv("BROKER_ENABLED"); broker != "" {
		c.Broker.Enabled, _ = strconv.ParseBool(broker)
	}
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		c.Mongo.Enabled = true
		c.Mongo.URI = uri
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		// Password format: :password or user:password
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
