package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	FanoutLocal = "local"
	FanoutKafka = "kafka"
)

type SeedRate struct {
	ServiceName string          `yaml:"service_name"`
	BaseRate    decimal.Decimal `yaml:"base_rate"`
}

type Config struct {
	DSN               string
	HTTPPort          string
	GRPCPort          string
	Username          string
	Password          string
	FilterWord        string
	Storage           string
	DataFile          string
	MigrationsDir     string
	RateRefresh       time.Duration
	StrictTransitions bool
	Fanout            string
	KafkaEnabled      bool
	KafkaBrokers      []string
	KafkaGroupID      string
	KafkaTopic        string
	LogLevel          string
	SeedRates         []SeedRate
}

// fileConfig is the optional YAML layer. Environment variables override it.
type fileConfig struct {
	DSN               string     `yaml:"dsn"`
	HTTPPort          string     `yaml:"http_port"`
	GRPCPort          string     `yaml:"grpc_port"`
	Username          string     `yaml:"user"`
	Password          string     `yaml:"password"`
	FilterWord        string     `yaml:"filter"`
	Storage           string     `yaml:"storage"`
	DataFile          string     `yaml:"data_file"`
	MigrationsDir     string     `yaml:"migrations_dir"`
	RateRefresh       string     `yaml:"rate_refresh"`
	StrictTransitions *bool      `yaml:"strict_transitions"`
	Fanout            string     `yaml:"fanout"`
	KafkaEnabled      *bool      `yaml:"kafka_enabled"`
	KafkaBrokers      []string   `yaml:"kafka_brokers"`
	KafkaGroupID      string     `yaml:"kafka_group_id"`
	KafkaTopic        string     `yaml:"kafka_topic"`
	LogLevel          string     `yaml:"log_level"`
	SeedRates         []SeedRate `yaml:"seed_rates"`
}

func defaultSeedRates() []SeedRate {
	return []SeedRate{
		{ServiceName: "standard", BaseRate: decimal.RequireFromString("5.00")},
		{ServiceName: "express", BaseRate: decimal.RequireFromString("12.00")},
		{ServiceName: "overnight", BaseRate: decimal.RequireFromString("25.00")},
	}
}

func LoadConfig() *Config {
	cfg, _ := build(fileConfig{})
	return cfg
}

// Load reads the YAML file at path, when given, and applies environment
// overrides on top of it.
func Load(path string) (*Config, error) {
	var fc fileConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config error: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config error: %w", err)
		}
	}
	cfg, err := build(fc)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func build(fc fileConfig) (*Config, error) {
	brokers := strings.Join(fc.KafkaBrokers, ",")
	if brokers == "" {
		brokers = "localhost:9092"
	}
	seed := fc.SeedRates
	if seed == nil {
		seed = defaultSeedRates()
	}

	cfg := &Config{
		DSN:           getEnv("APP_DSN", or(fc.DSN, "host=localhost user=postgres password=postgres dbname=shiptrack sslmode=disable")),
		HTTPPort:      getEnv("APP_PORT", or(fc.HTTPPort, "9000")),
		GRPCPort:      getEnv("GRPC_PORT", or(fc.GRPCPort, "9001")),
		Username:      getEnv("APP_USER", or(fc.Username, "admin@shiptrack.local")),
		Password:      getEnv("APP_PASS", or(fc.Password, "secret")),
		FilterWord:    getEnv("APP_FILTER", fc.FilterWord),
		Storage:       getEnv("STORAGE", or(fc.Storage, StoragePostgres)),
		DataFile:      getEnv("DATA_FILE", fc.DataFile),
		MigrationsDir: getEnv("MIGRATIONS_DIR", fc.MigrationsDir),
		Fanout:        getEnv("FANOUT", or(fc.Fanout, FanoutLocal)),
		KafkaBrokers:  splitList(getEnv("KAFKA_BROKERS", brokers)),
		KafkaGroupID:  getEnv("KAFKA_GROUP_ID", or(fc.KafkaGroupID, "shiptrack-live")),
		KafkaTopic:    getEnv("KAFKA_TOPIC", or(fc.KafkaTopic, "shipment-events")),
		LogLevel:      getEnv("LOG_LEVEL", or(fc.LogLevel, "info")),
		SeedRates:     seed,
	}

	var err error
	refresh := getEnv("RATE_REFRESH", or(fc.RateRefresh, "1m"))
	if cfg.RateRefresh, err = time.ParseDuration(refresh); err != nil {
		return cfg, fmt.Errorf("RATE_REFRESH: %w", err)
	}
	if cfg.StrictTransitions, err = getBool("STRICT_TRANSITIONS", fc.StrictTransitions); err != nil {
		return cfg, err
	}
	if cfg.KafkaEnabled, err = getBool("KAFKA_ENABLED", fc.KafkaEnabled); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects combinations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage {
	case StoragePostgres, StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE %q", c.Storage))
	}
	switch c.Fanout {
	case FanoutLocal:
	case FanoutKafka:
		if !c.KafkaEnabled {
			errs = append(errs, errors.New("FANOUT=kafka requires KAFKA_ENABLED"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown FANOUT %q", c.Fanout))
	}
	if c.KafkaEnabled {
		if c.Storage == StorageMemory {
			errs = append(errs, errors.New("KAFKA_ENABLED needs postgres storage for the outbox"))
		}
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is empty"))
		}
	}
	if c.RateRefresh <= 0 {
		errs = append(errs, errors.New("RATE_REFRESH must be positive"))
	}
	for _, r := range c.SeedRates {
		if strings.TrimSpace(r.ServiceName) == "" || !r.BaseRate.IsPositive() {
			errs = append(errs, fmt.Errorf("invalid seed rate %q", r.ServiceName))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getBool(key string, fileVal *bool) (bool, error) {
	def := false
	if fileVal != nil {
		def = *fileVal
	}
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%s", c.HTTPPort)
}

func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%s", c.GRPCPort)
}
