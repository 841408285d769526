/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// StoreBackend selects where the last shown time is persisted.
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreSQL    StoreBackend = "sql"
	StoreRedis  StoreBackend = "redis"
)

// EventBackend selects the lifecycle event transport.
type EventBackend string

const (
	EventsMemory EventBackend = "memory"
	EventsRedis  EventBackend = "redis"
	EventsNATS   EventBackend = "nats"
)

// Config covers process level configuration read from an optional YAML file
// and environment variables. Environment values win over the file.
type Config struct {
	Environment   string `yaml:"environment"`
	HTTPBind      string `yaml:"http_bind"`
	HTTPPort      int    `yaml:"http_port"`
	MetricsBind   string `yaml:"metrics_bind"`
	JWTSigningKey string `yaml:"jwt_signing_key"`

	// Ad slot
	AdUnitID        string        `yaml:"ad_unit_id"`
	SlotID          string        `yaml:"slot_id"`
	MinInterval     time.Duration `yaml:"min_interval"`
	LoadTimeout     time.Duration `yaml:"load_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	BackoffPolicy   string        `yaml:"backoff_policy"`
	PrefetchOnStart bool          `yaml:"prefetch_on_start"`

	// Inventory and presentation
	InventoryURL   string        `yaml:"inventory_url"`
	InventoryToken string        `yaml:"inventory_token"`
	PresentTimeout time.Duration `yaml:"present_timeout"`

	// House creative served when no inventory URL is set.
	HouseCreativeURL string        `yaml:"house_creative_url"`
	HouseCreativeTTL time.Duration `yaml:"house_creative_ttl"`

	// Persistence
	StoreBackend StoreBackend    `yaml:"store_backend"`
	DBBackend    DatabaseBackend `yaml:"db_backend"`
	DBDSN        string          `yaml:"db_dsn"`

	// Event transport
	EventBackend  EventBackend `yaml:"event_backend"`
	RedisAddr     string       `yaml:"redis_addr"`
	RedisPassword string       `yaml:"redis_password"`
	RedisDB       int          `yaml:"redis_db"`
	NATSURL       string       `yaml:"nats_url"`
	NATSSubject   string       `yaml:"nats_subject"`
	InstanceID    string       `yaml:"instance_id"`

	// Tracing configuration
	TracingEnabled    bool    `yaml:"tracing_enabled"`
	OTLPEndpoint      string  `yaml:"otlp_endpoint"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate"`

	ConfigFile        string   `yaml:"-"`
	LegacyEnvWarnings []string `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		Environment:       "development",
		HTTPBind:          "0.0.0.0",
		HTTPPort:          8080,
		MetricsBind:       "127.0.0.1:9000",
		SlotID:            "default",
		MinInterval:       60 * time.Second,
		LoadTimeout:       30 * time.Second,
		MaxRetries:        3,
		BackoffBase:       5 * time.Second,
		BackoffPolicy:     "linear",
		PrefetchOnStart:   true,
		PresentTimeout:    5 * time.Minute,
		HouseCreativeURL:  "about:blank",
		HouseCreativeTTL:  time.Hour,
		StoreBackend:      StoreMemory,
		DBBackend:         DatabaseSQLite,
		DBDSN:             "adslot.db",
		EventBackend:      EventsMemory,
		RedisAddr:         "localhost:6379",
		NATSURL:           "nats://localhost:4222",
		NATSSubject:       "adslot.events",
		OTLPEndpoint:      "localhost:4317",
		TracingSampleRate: 1.0,
	}
}

// Load reads the optional YAML file named by ADSLOT_CONFIG_FILE, then
// environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	base := defaults()

	path := os.Getenv("ADSLOT_CONFIG_FILE")
	if path != "" {
		if err := loadFile(path, base); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Environment:   getEnvAny([]string{"ADSLOT_ENV"}, base.Environment),
		HTTPBind:      getEnvAny([]string{"ADSLOT_HTTP_BIND"}, base.HTTPBind),
		HTTPPort:      getEnvIntAny([]string{"ADSLOT_HTTP_PORT"}, base.HTTPPort),
		MetricsBind:   getEnvAny([]string{"ADSLOT_METRICS_BIND"}, base.MetricsBind),
		JWTSigningKey: getEnvAny([]string{"ADSLOT_JWT_SIGNING_KEY"}, base.JWTSigningKey),

		AdUnitID:        getEnvAny([]string{"ADSLOT_AD_UNIT_ID", "INTERSTITIAL_AD_UNIT_ID"}, base.AdUnitID),
		SlotID:          getEnvAny([]string{"ADSLOT_SLOT_ID"}, base.SlotID),
		MinInterval:     getEnvDurationAny([]string{"ADSLOT_MIN_INTERVAL", "INTERSTITIAL_MIN_INTERVAL"}, base.MinInterval),
		LoadTimeout:     getEnvDurationAny([]string{"ADSLOT_LOAD_TIMEOUT", "INTERSTITIAL_LOAD_TIMEOUT"}, base.LoadTimeout),
		MaxRetries:      getEnvIntAny([]string{"ADSLOT_MAX_RETRIES", "INTERSTITIAL_MAX_RETRIES"}, base.MaxRetries),
		BackoffBase:     getEnvDurationAny([]string{"ADSLOT_BACKOFF_BASE", "INTERSTITIAL_BACKOFF_BASE"}, base.BackoffBase),
		BackoffMax:      getEnvDurationAny([]string{"ADSLOT_BACKOFF_MAX"}, base.BackoffMax),
		BackoffPolicy:   getEnvAny([]string{"ADSLOT_BACKOFF_POLICY"}, base.BackoffPolicy),
		PrefetchOnStart: getEnvBoolAny([]string{"ADSLOT_PREFETCH_ON_START"}, base.PrefetchOnStart),

		InventoryURL:   getEnvAny([]string{"ADSLOT_INVENTORY_URL"}, base.InventoryURL),
		InventoryToken: getEnvAny([]string{"ADSLOT_INVENTORY_TOKEN"}, base.InventoryToken),
		PresentTimeout: getEnvDurationAny([]string{"ADSLOT_PRESENT_TIMEOUT"}, base.PresentTimeout),

		HouseCreativeURL: getEnvAny([]string{"ADSLOT_HOUSE_CREATIVE_URL"}, base.HouseCreativeURL),
		HouseCreativeTTL: getEnvDurationAny([]string{"ADSLOT_HOUSE_CREATIVE_TTL"}, base.HouseCreativeTTL),

		StoreBackend: StoreBackend(getEnvAny([]string{"ADSLOT_STORE_BACKEND"}, string(base.StoreBackend))),
		DBBackend:    DatabaseBackend(getEnvAny([]string{"ADSLOT_DB_BACKEND"}, string(base.DBBackend))),
		DBDSN:        getEnvAny([]string{"ADSLOT_DB_DSN"}, base.DBDSN),

		EventBackend:  EventBackend(getEnvAny([]string{"ADSLOT_EVENT_BACKEND"}, string(base.EventBackend))),
		RedisAddr:     getEnvAny([]string{"ADSLOT_REDIS_ADDR"}, base.RedisAddr),
		RedisPassword: getEnvAny([]string{"ADSLOT_REDIS_PASSWORD"}, base.RedisPassword),
		RedisDB:       getEnvIntAny([]string{"ADSLOT_REDIS_DB"}, base.RedisDB),
		NATSURL:       getEnvAny([]string{"ADSLOT_NATS_URL"}, base.NATSURL),
		NATSSubject:   getEnvAny([]string{"ADSLOT_NATS_SUBJECT"}, base.NATSSubject),
		InstanceID:    getEnvAny([]string{"ADSLOT_INSTANCE_ID"}, base.InstanceID),

		TracingEnabled:    getEnvBoolAny([]string{"ADSLOT_TRACING_ENABLED"}, base.TracingEnabled),
		OTLPEndpoint:      getEnvAny([]string{"ADSLOT_OTLP_ENDPOINT"}, base.OTLPEndpoint),
		TracingSampleRate: getEnvFloatAny([]string{"ADSLOT_TRACING_SAMPLE_RATE"}, base.TracingSampleRate),

		ConfigFile: path,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AdUnitID == "" {
		return fmt.Errorf("ADSLOT_AD_UNIT_ID must be provided")
	}
	if c.MinInterval < 0 {
		return fmt.Errorf("min interval must not be negative, got %s", c.MinInterval)
	}
	if c.LoadTimeout <= 0 {
		return fmt.Errorf("load timeout must be positive, got %s", c.LoadTimeout)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", c.MaxRetries)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("backoff base must be positive, got %s", c.BackoffBase)
	}
	switch strings.ToLower(c.BackoffPolicy) {
	case "linear", "exponential":
	default:
		return fmt.Errorf("unsupported backoff policy %q", c.BackoffPolicy)
	}

	switch c.StoreBackend {
	case StoreMemory, StoreRedis:
	case StoreSQL:
		if c.DBBackend != DatabasePostgres && c.DBBackend != DatabaseMySQL && c.DBBackend != DatabaseSQLite {
			return fmt.Errorf("unsupported database backend %q", c.DBBackend)
		}
		if c.DBDSN == "" {
			return fmt.Errorf("ADSLOT_DB_DSN must be provided when the sql store is selected")
		}
	default:
		return fmt.Errorf("unsupported store backend %q", c.StoreBackend)
	}

	switch c.EventBackend {
	case EventsMemory, EventsRedis, EventsNATS:
	default:
		return fmt.Errorf("unsupported event backend %q", c.EventBackend)
	}

	if strings.EqualFold(c.Environment, "production") && c.JWTSigningKey == "" {
		return fmt.Errorf("ADSLOT_JWT_SIGNING_KEY must be set in production")
	}
	return nil
}

func loadFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"INTERSTITIAL_AD_UNIT_ID":   "use ADSLOT_AD_UNIT_ID",
		"INTERSTITIAL_MIN_INTERVAL": "use ADSLOT_MIN_INTERVAL",
		"INTERSTITIAL_LOAD_TIMEOUT": "use ADSLOT_LOAD_TIMEOUT",
		"INTERSTITIAL_MAX_RETRIES":  "use ADSLOT_MAX_RETRIES",
		"INTERSTITIAL_BACKOFF_BASE": "use ADSLOT_BACKOFF_BASE",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// HTTPAddr returns the API listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTPBind, c.HTTPPort)
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvDurationAny accepts Go durations ("90s", "2m") or bare integers as seconds.
func getEnvDurationAny(keys []string, def time.Duration) time.Duration {
	for _, k := range keys {
		v := strings.TrimSpace(os.Getenv(k))
		if v == "" {
			continue
		}
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
