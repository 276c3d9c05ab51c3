// Package config loads service configuration from an optional YAML file,
// a .env file and the process environment, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	Storage  string `yaml:"storage"` // postgres | memory

	Database Database `yaml:"database"`
	AMQPURL  string   `yaml:"amqp_url"`
	Redis    Redis    `yaml:"redis"`
	Kafka    Kafka    `yaml:"kafka"`
	Provider Provider `yaml:"provider"`
	Dispatch Dispatch `yaml:"dispatch"`

	TriggerSecret      string `yaml:"trigger_secret"`
	WebhookVerifyToken string `yaml:"webhook_verify_token"`
	WebhookAppSecret   string `yaml:"webhook_app_secret"`
	DefaultRegion      string `yaml:"default_region"`
	SchedulerSpec      string `yaml:"scheduler_spec"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

type Database struct {
	URL          string `yaml:"url"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Host         string `yaml:"host"`
	Port         string `yaml:"port"`
	Name         string `yaml:"name"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// DSN prefers an explicit URL over the individual fields.
func (d Database) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", d.User, d.Password, d.Host, d.Port, d.Name)
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Kafka struct {
	Brokers     []string `yaml:"brokers"`
	StatusTopic string   `yaml:"status_topic"`
	GroupID     string   `yaml:"group_id"`
}

type Provider struct {
	BaseURL      string        `yaml:"base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxPerSecond int           `yaml:"max_per_second"`
}

type Dispatch struct {
	BatchSize          int           `yaml:"batch_size"`
	PacingDelay        time.Duration `yaml:"pacing_delay"`
	MaxRetries         int           `yaml:"max_retries"`
	MaterializeChunk   int           `yaml:"materialize_chunk"`
	MaterializeTimeout time.Duration `yaml:"materialize_timeout"`
	StoreTimeout       time.Duration `yaml:"store_timeout"`
	LeaseTTL           time.Duration `yaml:"lease_ttl"`
}

func Defaults() Config {
	return Config{
		HTTPAddr: ":8080",
		Storage:  "postgres",
		Database: Database{Host: "localhost", Port: "5432", Name: "campaigns", MaxOpenConns: 20},
		Kafka:    Kafka{StatusTopic: "provider-status-events", GroupID: "campaign-dispatch-status"},
		Provider: Provider{BaseURL: "https://graph.facebook.com/v19.0", Timeout: 15 * time.Second, MaxPerSecond: 80},
		Dispatch: Dispatch{
			BatchSize:          50,
			PacingDelay:        500 * time.Millisecond,
			MaxRetries:         3,
			MaterializeChunk:   500,
			MaterializeTimeout: 5 * time.Minute,
			StoreTimeout:       10 * time.Second,
			LeaseTTL:           30 * time.Second,
		},
		DefaultRegion: "KE",
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// Load reads envFile (missing is fine), then CONFIG_FILE if set, then the
// environment.
func Load(envFile string) (Config, error) {
	cfg := Defaults()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Storage != "postgres" && c.Storage != "memory" {
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	if c.Dispatch.BatchSize <= 0 || c.Dispatch.MaxRetries <= 0 || c.Dispatch.MaterializeChunk <= 0 {
		return fmt.Errorf("dispatch batch size, max retries and chunk size must be positive")
	}
	if c.Dispatch.PacingDelay < 0 {
		return fmt.Errorf("pacing delay must not be negative")
	}
	return nil
}

func applyEnv(c *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	var errs []string
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, key)
				return
			}
			*dst = d
		}
	}

	str("HTTP_ADDR", &c.HTTPAddr)
	str("STORAGE", &c.Storage)
	str("DATABASE_URL", &c.Database.URL)
	str("DB_USER", &c.Database.User)
	str("DB_PASSWORD", &c.Database.Password)
	str("DB_HOST", &c.Database.Host)
	str("DB_PORT", &c.Database.Port)
	str("DB_NAME", &c.Database.Name)
	str("AMQP_URL", &c.AMQPURL)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)
	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = splitList(v)
	}
	str("KAFKA_STATUS_TOPIC", &c.Kafka.StatusTopic)
	str("KAFKA_GROUP_ID", &c.Kafka.GroupID)
	str("PROVIDER_BASE_URL", &c.Provider.BaseURL)
	duration("PROVIDER_TIMEOUT", &c.Provider.Timeout)
	integer("PROVIDER_MAX_RPS", &c.Provider.MaxPerSecond)
	integer("DISPATCH_BATCH_SIZE", &c.Dispatch.BatchSize)
	duration("DISPATCH_PACING_DELAY", &c.Dispatch.PacingDelay)
	integer("DISPATCH_MAX_RETRIES", &c.Dispatch.MaxRetries)
	integer("MATERIALIZE_CHUNK_SIZE", &c.Dispatch.MaterializeChunk)
	duration("MATERIALIZE_TIMEOUT", &c.Dispatch.MaterializeTimeout)
	duration("STORE_TIMEOUT", &c.Dispatch.StoreTimeout)
	duration("LEASE_TTL", &c.Dispatch.LeaseTTL)
	str("TRIGGER_SECRET", &c.TriggerSecret)
	str("WEBHOOK_VERIFY_TOKEN", &c.WebhookVerifyToken)
	str("WEBHOOK_APP_SECRET", &c.WebhookAppSecret)
	str("DEFAULT_REGION", &c.DefaultRegion)
	str("SCHEDULER_SPEC", &c.SchedulerSpec)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment values: %s", strings.Join(errs, ", "))
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
