// Package config loads service settings from defaults, an optional YAML file
// and environment variables, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendInflux   = "influx"
)

// Duration is a time.Duration that unmarshals from YAML strings like "45s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Storage struct {
	Backend           string   `yaml:"backend"`
	DatabaseURL       string   `yaml:"database_url"`
	InfluxURL         string   `yaml:"influx_url"`
	InfluxToken       string   `yaml:"influx_token"`
	InfluxOrg         string   `yaml:"influx_org"`
	InfluxBucket      string   `yaml:"influx_bucket"`
	InfluxMeasurement string   `yaml:"influx_measurement"`
	Timeout           Duration `yaml:"timeout"`
	ConnectRetry      Duration `yaml:"connect_retry"`
}

type Breaker struct {
	Failures int      `yaml:"failures"`
	OpenFor  Duration `yaml:"open_for"`
}

type MQTT struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

func (m MQTT) Enabled() bool { return strings.TrimSpace(m.Broker) != "" }

type Config struct {
	HTTPAddr    string   `yaml:"http_addr"`
	LogLevel    string   `yaml:"log_level"`
	LogFormat   string   `yaml:"log_format"`
	GraceWindow Duration `yaml:"grace_window"`
	// DefaultDeviceID is substituted for telemetry without a deviceId. A
	// pointer so that an explicit empty value in YAML can disable it.
	DefaultDeviceID *string `yaml:"default_device_id"`
	Storage         Storage `yaml:"storage"`
	Breaker         Breaker `yaml:"breaker"`
	MQTT            MQTT    `yaml:"mqtt"`
}

// DeviceIDDefault returns the configured fallback device id ("" when disabled).
func (c Config) DeviceIDDefault() string {
	if c.DefaultDeviceID == nil {
		return ""
	}
	return strings.TrimSpace(*c.DefaultDeviceID)
}

func Defaults() Config {
	defaultID := "esp32-device"
	return Config{
		HTTPAddr:        ":8081",
		LogLevel:        "info",
		LogFormat:       "json",
		GraceWindow:     Duration(60 * time.Second),
		DefaultDeviceID: &defaultID,
		Storage: Storage{
			Backend:           BackendMemory,
			InfluxMeasurement: "telemetry",
			Timeout:           Duration(5 * time.Second),
			ConnectRetry:      Duration(30 * time.Second),
		},
		Breaker: Breaker{
			Failures: 5,
			OpenFor:  Duration(30 * time.Second),
		},
		MQTT: MQTT{
			ClientID:    "agrisync",
			TopicPrefix: "agrisync/commands",
		},
	}
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load builds the configuration. CONFIG_FILE names an optional YAML file
// applied before the environment.
func Load(env LookupFunc) (Config, error) {
	cfg := Defaults()

	if path, _ := lookup(env, "CONFIG_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, env LookupFunc) error {
	setString(env, "HTTP_ADDR", &cfg.HTTPAddr)
	setString(env, "LOG_LEVEL", &cfg.LogLevel)
	setString(env, "LOG_FORMAT", &cfg.LogFormat)
	if v, ok := lookup(env, "DEFAULT_DEVICE_ID"); ok {
		cfg.DefaultDeviceID = &v
	}
	setString(env, "STORAGE_BACKEND", &cfg.Storage.Backend)
	setString(env, "DATABASE_URL", &cfg.Storage.DatabaseURL)
	setString(env, "INFLUX_URL", &cfg.Storage.InfluxURL)
	setString(env, "INFLUX_TOKEN", &cfg.Storage.InfluxToken)
	setString(env, "INFLUX_ORG", &cfg.Storage.InfluxOrg)
	setString(env, "INFLUX_BUCKET", &cfg.Storage.InfluxBucket)
	setString(env, "INFLUX_MEASUREMENT", &cfg.Storage.InfluxMeasurement)
	setString(env, "MQTT_BROKER", &cfg.MQTT.Broker)
	setString(env, "MQTT_CLIENT_ID", &cfg.MQTT.ClientID)
	setString(env, "MQTT_USERNAME", &cfg.MQTT.Username)
	setString(env, "MQTT_PASSWORD", &cfg.MQTT.Password)
	setString(env, "MQTT_TOPIC_PREFIX", &cfg.MQTT.TopicPrefix)

	durations := []struct {
		key string
		dst *Duration
	}{
		{"GRACE_WINDOW", &cfg.GraceWindow},
		{"STORAGE_TIMEOUT", &cfg.Storage.Timeout},
		{"STORAGE_CONNECT_RETRY", &cfg.Storage.ConnectRetry},
		{"BREAKER_OPEN_FOR", &cfg.Breaker.OpenFor},
	}
	for _, d := range durations {
		v, ok := lookup(env, d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = Duration(parsed)
	}

	if v, ok := lookup(env, "BREAKER_FAILURES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BREAKER_FAILURES: %w", err)
		}
		cfg.Breaker.Failures = n
	}
	return nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.GraceWindow.Std() <= 0 {
		errs = append(errs, errors.New("grace_window must be positive"))
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr must not be empty"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if strings.TrimSpace(c.Storage.DatabaseURL) == "" {
			errs = append(errs, errors.New("storage.database_url is required for the postgres backend"))
		}
	case BackendInflux:
		s := c.Storage
		if s.InfluxURL == "" || s.InfluxToken == "" || s.InfluxOrg == "" || s.InfluxBucket == "" {
			errs = append(errs, errors.New("influx_url, influx_token, influx_org and influx_bucket are required for the influx backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}
	if c.Storage.Timeout.Std() <= 0 {
		errs = append(errs, errors.New("storage.timeout must be positive"))
	}
	if c.Breaker.Failures <= 0 {
		errs = append(errs, errors.New("breaker.failures must be positive"))
	}
	return errors.Join(errs...)
}

func lookup(env LookupFunc, key string) (string, bool) {
	v, ok := env(key)
	return strings.TrimSpace(v), ok
}

func setString(env LookupFunc, key string, dst *string) {
	if v, ok := lookup(env, key); ok && v != "" {
		*dst = v
	}
}
