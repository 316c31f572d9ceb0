package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	dto "github.com/prometheus/client_model/go"

	"github.com/antoniostano/taskhub/internal/config"
)

func newTestBuild(t *testing.T) *BuildResult {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout:   time.Minute,
		MetricsNamespace:           fmt.Sprintf("test_app_%d", time.Now().UnixNano()),
		TaskDefaultTTL:             time.Minute,
		TaskPollInterval:           10 * time.Millisecond,
		TaskStageDuration:          10 * time.Millisecond,
		TaskSweepInterval:          time.Second,
		TaskListLimit:              10,
		ElicitationTimeout:         time.Second,
		SubscriptionUpdateInterval: time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	built, err := Build(ctx, cfg, nil)
	if err != nil {
		cancel()
		t.Fatalf("Build() error = %v", err)
	}
	t.Cleanup(func() {
		cancel()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		_ = built.Cleanup(closeCtx)
	})
	return built
}

func sessionEvents(t *testing.T, built *BuildResult, event string) float64 {
	t.Helper()
	var out dto.Metric
	if err := built.Metrics.SessionEvents.WithLabelValues(event).Write(&out); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	return out.GetCounter().GetValue()
}

func TestEndSessionCountedOnce(t *testing.T) {
	built := newTestBuild(t)
	ts := httptest.NewServer(built.API.Router())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", strings.NewReader(`{"user_id":"u1"}`))
	if err != nil {
		t.Fatalf("create session error = %v", err)
	}
	var created struct {
		SessionID string `json:"session_id"`
	}
	err = json.UnmarshalRead(res.Body, &created)
	res.Body.Close()
	if err != nil || created.SessionID == "" {
		t.Fatalf("decode session = %+v, %v", created, err)
	}

	res, err = http.Post(ts.URL+"/v1/sessions/"+created.SessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	if got := sessionEvents(t, built, "ended"); got != 1 {
		t.Fatalf("session_events{ended} = %v, want 1", got)
	}
	if _, err := built.Sessions.Active(created.SessionID); err == nil {
		t.Fatalf("Active() error = nil, want ended session")
	}
}

func TestJanitorInterval(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{timeout: 2 * time.Second, want: time.Second},
		{timeout: 40 * time.Second, want: 10 * time.Second},
		{timeout: 10 * time.Minute, want: 30 * time.Second},
	}
	for _, tt := range tests {
		if got := janitorInterval(tt.timeout); got != tt.want {
			t.Fatalf("janitorInterval(%v) = %v, want %v", tt.timeout, got, tt.want)
		}
	}
}
