package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"minifarm-monitor/internal/mqttadapter"
)

// Actuation modes.
const (
	ModeHTTP = "http"
	ModeMQTT = "mqtt"
)

// RegistryConfig addresses the CSE HTTP binding.
type RegistryConfig struct {
	BaseURL string        `yaml:"base_url"`
	CSE     string        `yaml:"cse"`
	Origin  string        `yaml:"origin"`
	RVI     string        `yaml:"rvi"`
	Timeout time.Duration `yaml:"timeout"`
}

// MonitorConfig tunes the polling scheduler and history buffers.
type MonitorConfig struct {
	SensorIntervals   map[string]time.Duration `yaml:"sensor_intervals"`
	ActuatorInterval  time.Duration            `yaml:"actuator_interval"`
	InferenceInterval time.Duration            `yaml:"inference_interval"`
	HistoryWindow     time.Duration            `yaml:"history_window"`
	RefreshLimit      int                      `yaml:"refresh_limit"`
	BackfillPoints    int                      `yaml:"backfill_points"`
}

// ActuationConfig selects and tunes the command path.
type ActuationConfig struct {
	Mode           string        `yaml:"mode"`
	Timeout        time.Duration `yaml:"timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PendingTimeout time.Duration `yaml:"pending_timeout"`
}

// AlertConfig routes plant health alerts to a chat webhook.
type AlertConfig struct {
	WebhookURL    string        `yaml:"webhook_url"`
	Template      string        `yaml:"template"`
	Cooldown      time.Duration `yaml:"cooldown"`
	DedupeWindow  time.Duration `yaml:"dedupe_window"`
	EscalateAfter time.Duration `yaml:"escalate_after"`
	DashboardURL  string        `yaml:"dashboard_url"`
}

// Config is the process configuration.
type Config struct {
	HTTPAddr        string             `yaml:"http_addr"`
	DatabaseURL     string             `yaml:"database_url"`
	JWTSecret       string             `yaml:"jwt_secret"`
	Devices         []string           `yaml:"devices"`
	SampleRetention time.Duration      `yaml:"sample_retention"`
	Registry        RegistryConfig     `yaml:"registry"`
	MQTT            mqttadapter.Config `yaml:"mqtt"`
	Monitor         MonitorConfig      `yaml:"monitor"`
	Actuation       ActuationConfig    `yaml:"actuation"`
	Alerts          AlertConfig        `yaml:"alerts"`
}

// MQTTEnabled reports whether a broker is configured.
func (c Config) MQTTEnabled() bool {
	return c.MQTT.BrokerURL != ""
}

// Load reads the environment, then overlays the YAML file named by
// MINIFARM_CONFIG when set.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:        getenvDefault("HTTP_ADDR", ":8080"),
		DatabaseURL:     getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		JWTSecret:       getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		Devices:         splitCSV(os.Getenv("DEVICES")),
		SampleRetention: getenvDuration("SAMPLE_RETENTION", 0),
		Registry: RegistryConfig{
			BaseURL: getenvDefault("ONEM2M_BASE_URL", "http://localhost:3000"),
			CSE:     getenvDefault("ONEM2M_CSE", "TinyIoT"),
			Origin:  getenvDefault("ONEM2M_ORIGIN", "CAdmin"),
			RVI:     getenvDefault("ONEM2M_RVI", "2a"),
			Timeout: getenvDuration("ONEM2M_TIMEOUT", 10*time.Second),
		},
		MQTT: mqttadapter.Config{
			BrokerURL: os.Getenv("MQTT_BROKER_URL"),
			ClientID:  os.Getenv("MQTT_CLIENT_ID"),
			Username:  os.Getenv("MQTT_USERNAME"),
			Password:  os.Getenv("MQTT_PASSWORD"),
			Origin:    os.Getenv("MQTT_ORIGIN"),
			CSEID:     os.Getenv("MQTT_CSE_ID"),
		},
		Monitor: MonitorConfig{
			ActuatorInterval:  getenvDuration("MONITOR_ACTUATOR_INTERVAL", time.Second),
			InferenceInterval: getenvDuration("MONITOR_INFERENCE_INTERVAL", 0),
			HistoryWindow:     getenvDuration("MONITOR_HISTORY_WINDOW", 20*time.Minute),
			RefreshLimit:      getenvIntDefault("MONITOR_REFRESH_LIMIT", 8),
			BackfillPoints:    getenvIntDefault("MONITOR_BACKFILL_POINTS", 12),
		},
		Actuation: ActuationConfig{
			Mode:           strings.ToLower(getenvDefault("ACTUATION_MODE", ModeHTTP)),
			Timeout:        getenvDuration("ACTUATION_TIMEOUT", 4*time.Second),
			PollInterval:   getenvDuration("ACTUATION_POLL_INTERVAL", 150*time.Millisecond),
			PendingTimeout: getenvDuration("ACTUATION_PENDING_TIMEOUT", time.Minute),
		},
		Alerts: AlertConfig{
			WebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
			Template:      os.Getenv("ALERT_NOTIFY_TEMPLATE"),
			Cooldown:      getenvDuration("ALERT_NOTIFY_COOLDOWN", 10*time.Minute),
			DedupeWindow:  getenvDuration("ALERT_NOTIFY_DEDUP_WINDOW", 0),
			EscalateAfter: getenvDuration("ALERT_ESCALATION_AFTER", 0),
			DashboardURL:  os.Getenv("ALERT_DASHBOARD_URL"),
		},
	}

	if path := os.Getenv("MINIFARM_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.Actuation.Mode = strings.ToLower(cfg.Actuation.Mode)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Registry.BaseURL == "" || c.Registry.CSE == "" {
		return errors.New("config: registry base_url and cse are required")
	}
	switch c.Actuation.Mode {
	case ModeHTTP:
	case ModeMQTT:
		if !c.MQTTEnabled() {
			return errors.New("config: actuation mode mqtt needs mqtt.broker_url")
		}
	default:
		return fmt.Errorf("config: unknown actuation mode %q", c.Actuation.Mode)
	}
	if c.Actuation.Timeout <= 0 || c.Actuation.PollInterval <= 0 {
		return errors.New("config: actuation timeout and poll_interval must be positive")
	}
	if c.Actuation.PollInterval > c.Actuation.Timeout {
		return errors.New("config: actuation poll_interval exceeds timeout")
	}
	if c.Monitor.HistoryWindow <= 0 {
		return errors.New("config: monitor history_window must be positive")
	}
	for name, d := range c.Monitor.SensorIntervals {
		if d <= 0 {
			return fmt.Errorf("config: sensor interval for %s must be positive", name)
		}
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
