package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task engine.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	TaskDefaultTTL    time.Duration
	TaskPollInterval  time.Duration
	TaskStageDuration time.Duration
	TaskSweepInterval time.Duration
	TaskListLimit     int

	ElicitationTimeout         time.Duration
	SubscriptionUpdateInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "taskhub"),
		AllowAnyOrigin:   false,
		LogLevel:         strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("APP_LOG_FORMAT", "text")),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,

		TaskDefaultTTL:    5 * time.Minute,
		TaskPollInterval:  time.Second,
		TaskStageDuration: time.Second,
		TaskSweepInterval: 30 * time.Second,
		TaskListLimit:     100,

		// Clients get a generous window to answer a clarification prompt.
		ElicitationTimeout:         5 * time.Minute,
		SubscriptionUpdateInterval: 10 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.TaskDefaultTTL, err = durationFromEnv("TASK_DEFAULT_TTL", cfg.TaskDefaultTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskPollInterval, err = durationFromEnv("TASK_POLL_INTERVAL", cfg.TaskPollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskStageDuration, err = durationFromEnv("TASK_STAGE_DURATION", cfg.TaskStageDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskSweepInterval, err = durationFromEnv("TASK_SWEEP_INTERVAL", cfg.TaskSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskListLimit, err = intFromEnv("TASK_LIST_LIMIT", cfg.TaskListLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.ElicitationTimeout, err = durationFromEnv("ELICITATION_TIMEOUT", cfg.ElicitationTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SubscriptionUpdateInterval, err = durationFromEnv("SUBSCRIPTION_UPDATE_INTERVAL", cfg.SubscriptionUpdateInterval)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.TaskDefaultTTL <= 0 {
		return Config{}, fmt.Errorf("TASK_DEFAULT_TTL must be positive")
	}
	if cfg.TaskPollInterval <= 0 {
		return Config{}, fmt.Errorf("TASK_POLL_INTERVAL must be positive")
	}
	if cfg.TaskStageDuration < 0 {
		return Config{}, fmt.Errorf("TASK_STAGE_DURATION must be >= 0")
	}
	if cfg.TaskSweepInterval <= 0 {
		return Config{}, fmt.Errorf("TASK_SWEEP_INTERVAL must be positive")
	}
	if cfg.TaskListLimit <= 0 {
		return Config{}, fmt.Errorf("TASK_LIST_LIMIT must be positive")
	}
	if cfg.ElicitationTimeout <= 0 {
		return Config{}, fmt.Errorf("ELICITATION_TIMEOUT must be positive")
	}
	if cfg.SubscriptionUpdateInterval <= 0 {
		return Config{}, fmt.Errorf("SUBSCRIPTION_UPDATE_INTERVAL must be positive")
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be text or json")
	}

	return cfg, nil
}

// ParseLogLevel maps APP_LOG_LEVEL to a slog level.
func ParseLogLevel(v string) (slog.Level, error) {
	switch strings.ToLower(trimSpace(v)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("APP_LOG_LEVEL %q is not one of debug|info|warn|error", v)
	}
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
