package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envGatewayURL      = "SPOT_GATEWAY_URL"
	envBundle          = "SPOT_BUNDLE"
	envRobotName       = "SPOT_ROBOT_NAME"
	envEstopClient     = "SPOT_ESTOP_CLIENT"
	envEstopTimeout    = "SPOT_ESTOP_TIMEOUT"
	envLeaseKeepAlive  = "SPOT_LEASE_KEEPALIVE"
	envPowerTimeout    = "SPOT_POWER_TIMEOUT"
	envMissionTimeout  = "SPOT_MISSION_TIMEOUT"
	envPollInterval    = "SPOT_POLL_INTERVAL"
	envPatrolInterval  = "SPOT_PATROL_INTERVAL"
	envRequestTimeout  = "SPOT_REQUEST_TIMEOUT"
	envDockTimeout     = "SPOT_DOCK_TIMEOUT"
	envStatePath       = "SPOT_STATE_PATH"
	envHistoryPath     = "SPOT_HISTORY_PATH"
	envPatrolFile      = "SPOT_PATROL_FILE"
	envSlackWebhookURL = "SPOT_SLACK_WEBHOOK_URL"
	envWebhookURL      = "SPOT_WEBHOOK_URL"
	envWebhookTemplate = "SPOT_WEBHOOK_TEMPLATE"
	envMQTTBroker      = "SPOT_MQTT_BROKER"
	envMQTTTopic       = "SPOT_MQTT_TOPIC"
	envS3Region        = "SPOT_S3_REGION"
	envS3Endpoint      = "SPOT_S3_ENDPOINT"
	envS3PathStyle     = "SPOT_S3_PATH_STYLE"
	envHealthPort      = "SPOT_HEALTH_PORT"
	envMetricsPort     = "SPOT_METRICS_PORT"
	envLogLevel        = "SPOT_LOG_LEVEL"
	envDryRun          = "SPOT_DRY_RUN"
)

const (
	defaultRobotName      = "spot"
	defaultEstopClient    = "spot-sentinel-estop"
	defaultEstopTimeout   = 5 * time.Second
	defaultLeaseKeepAlive = 2 * time.Second
	defaultPowerTimeout   = 30 * time.Second
	defaultMissionTimeout = 30 * time.Second
	defaultPollInterval   = 10 * time.Second
	defaultPatrolInterval = time.Minute
	defaultRequestTimeout = 10 * time.Second
	defaultDockTimeout    = 60 * time.Second
	defaultStatePath      = "./data/state.json"
	defaultHistoryPath    = "./data/history.db"
	defaultMQTTTopic      = "spot-sentinel"
	defaultS3Region       = "us-east-1"
	defaultLogLevel       = "info"
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	GatewayURL      string
	Bundle          string
	RobotName       string
	EstopClient     string
	EstopTimeout    time.Duration
	LeaseKeepAlive  time.Duration
	PowerTimeout    time.Duration
	MissionTimeout  time.Duration
	PollInterval    time.Duration
	PatrolInterval  time.Duration
	RequestTimeout  time.Duration
	DockTimeout     time.Duration
	StatePath       string
	HistoryPath     string
	PatrolFile      string
	SlackWebhookURL string
	WebhookURL      string
	WebhookTemplate string
	MQTTBroker      string
	MQTTTopic       string
	S3Region        string
	S3Endpoint      string
	S3PathStyle     bool
	HealthPort      int
	MetricsPort     int
	LogLevel        string
	DryRun          bool
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Config{
		RobotName:      defaultRobotName,
		EstopClient:    defaultEstopClient,
		EstopTimeout:   defaultEstopTimeout,
		LeaseKeepAlive: defaultLeaseKeepAlive,
		PowerTimeout:   defaultPowerTimeout,
		MissionTimeout: defaultMissionTimeout,
		PollInterval:   defaultPollInterval,
		PatrolInterval: defaultPatrolInterval,
		RequestTimeout: defaultRequestTimeout,
		DockTimeout:    defaultDockTimeout,
		StatePath:      defaultStatePath,
		HistoryPath:    defaultHistoryPath,
		MQTTTopic:      defaultMQTTTopic,
		S3Region:       defaultS3Region,
		LogLevel:       defaultLogLevel,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{envEstopTimeout, &cfg.EstopTimeout},
		{envLeaseKeepAlive, &cfg.LeaseKeepAlive},
		{envPowerTimeout, &cfg.PowerTimeout},
		{envMissionTimeout, &cfg.MissionTimeout},
		{envPollInterval, &cfg.PollInterval},
		{envPatrolInterval, &cfg.PatrolInterval},
		{envRequestTimeout, &cfg.RequestTimeout},
		{envDockTimeout, &cfg.DockTimeout},
	}
	for _, d := range durations {
		if err := parsePositiveDuration(d.key, d.dst); err != nil {
			return Config{}, err
		}
	}

	strs := []struct {
		key string
		dst *string
	}{
		{envGatewayURL, &cfg.GatewayURL},
		{envBundle, &cfg.Bundle},
		{envRobotName, &cfg.RobotName},
		{envEstopClient, &cfg.EstopClient},
		{envStatePath, &cfg.StatePath},
		{envHistoryPath, &cfg.HistoryPath},
		{envPatrolFile, &cfg.PatrolFile},
		{envSlackWebhookURL, &cfg.SlackWebhookURL},
		{envWebhookURL, &cfg.WebhookURL},
		{envWebhookTemplate, &cfg.WebhookTemplate},
		{envMQTTBroker, &cfg.MQTTBroker},
		{envMQTTTopic, &cfg.MQTTTopic},
		{envS3Region, &cfg.S3Region},
		{envS3Endpoint, &cfg.S3Endpoint},
		{envLogLevel, &cfg.LogLevel},
	}
	for _, s := range strs {
		if value, ok := lookupTrimmed(s.key); ok && value != "" {
			*s.dst = value
		}
	}

	var err error
	if cfg.S3PathStyle, err = parseBool(envS3PathStyle); err != nil {
		return Config{}, err
	}
	if cfg.DryRun, err = parseBool(envDryRun); err != nil {
		return Config{}, err
	}
	if cfg.HealthPort, err = parsePort(envHealthPort); err != nil {
		return Config{}, err
	}
	if cfg.MetricsPort, err = parsePort(envMetricsPort); err != nil {
		return Config{}, err
	}

	if cfg.GatewayURL == "" {
		return Config{}, errors.New("SPOT_GATEWAY_URL is required")
	}
	if err := validateURL(cfg.GatewayURL, envGatewayURL); err != nil {
		return Config{}, err
	}
	if cfg.Bundle == "" {
		return Config{}, errors.New("SPOT_BUNDLE is required")
	}

	optionalURLs := []struct {
		value string
		name  string
	}{
		{cfg.SlackWebhookURL, envSlackWebhookURL},
		{cfg.WebhookURL, envWebhookURL},
		{cfg.S3Endpoint, envS3Endpoint},
		{cfg.MQTTBroker, envMQTTBroker},
	}
	for _, u := range optionalURLs {
		if u.value == "" {
			continue
		}
		if err := validateURL(u.value, u.name); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func parsePositiveDuration(key string, dst *time.Duration) error {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s must be greater than zero", key)
	}
	*dst = parsed
	return nil
}

func parseBool(key string) (bool, error) {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func parsePort(key string) (int, error) {
	value, ok := lookupTrimmed(key)
	if !ok || value == "" {
		return 0, nil
	}
	port, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("%s must be between 0 and 65535", key)
	}
	return port, nil
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
