package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.MetricsNamespace != "taskhub" {
		t.Fatalf("MetricsNamespace = %q, want taskhub", cfg.MetricsNamespace)
	}
	if cfg.SessionInactivityTimeout != 10*time.Minute {
		t.Fatalf("SessionInactivityTimeout = %v, want 10m", cfg.SessionInactivityTimeout)
	}
	if cfg.TaskDefaultTTL != 5*time.Minute || cfg.TaskPollInterval != time.Second {
		t.Fatalf("task defaults = %v/%v, want 5m/1s", cfg.TaskDefaultTTL, cfg.TaskPollInterval)
	}
	if cfg.ElicitationTimeout != 5*time.Minute {
		t.Fatalf("ElicitationTimeout = %v, want 5m", cfg.ElicitationTimeout)
	}
	if cfg.SubscriptionUpdateInterval != 10*time.Second {
		t.Fatalf("SubscriptionUpdateInterval = %v, want 10s", cfg.SubscriptionUpdateInterval)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Fatalf("log = %q/%q, want info/text", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = true, want false")
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("TASK_STAGE_DURATION", "250ms")
	t.Setenv("TASK_LIST_LIMIT", " 20 ")
	t.Setenv("APP_LOG_FORMAT", "JSON")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want :9191", cfg.BindAddr)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
	if cfg.TaskStageDuration != 250*time.Millisecond {
		t.Fatalf("TaskStageDuration = %v, want 250ms", cfg.TaskStageDuration)
	}
	if cfg.TaskListLimit != 20 {
		t.Fatalf("TaskListLimit = %d, want 20", cfg.TaskListLimit)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("LogFormat = %q, want json", cfg.LogFormat)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"APP_SESSION_INACTIVITY_TIMEOUT", "2s", "at least 5s"},
		{"TASK_DEFAULT_TTL", "soon", "parse error"},
		{"TASK_POLL_INTERVAL", "0s", "must be positive"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe", "expected bool"},
		{"APP_LOG_LEVEL", "verbose", "APP_LOG_LEVEL"},
		{"APP_LOG_FORMAT", "xml", "APP_LOG_FORMAT"},
		{"TASK_LIST_LIMIT", "-1", "TASK_LIST_LIMIT"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	got, err := ParseLogLevel("WARN")
	if err != nil {
		t.Fatalf("ParseLogLevel() error = %v", err)
	}
	if got != slog.LevelWarn {
		t.Fatalf("ParseLogLevel() = %v, want %v", got, slog.LevelWarn)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"TASK_DEFAULT_TTL",
		"TASK_POLL_INTERVAL",
		"TASK_STAGE_DURATION",
		"TASK_SWEEP_INTERVAL",
		"TASK_LIST_LIMIT",
		"ELICITATION_TIMEOUT",
		"SUBSCRIPTION_UPDATE_INTERVAL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
