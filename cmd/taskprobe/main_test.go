package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/antoniostano/taskhub/internal/observability"
	"github.com/antoniostano/taskhub/internal/protocol"
)

func TestWSURLForSession(t *testing.T) {
	got, err := wsURLForSession("https://example.com/base/", "abc")
	if err != nil {
		t.Fatalf("wsURLForSession() error = %v", err)
	}
	if want := "wss://example.com/base/v1/sessions/abc/ws"; got != want {
		t.Fatalf("wsURLForSession() = %q, want %q", got, want)
	}
	if _, err := wsURLForSession("ftp://example.com", "abc"); err == nil {
		t.Fatalf("wsURLForSession(ftp) error = nil, want error")
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"-base-url", "http://localhost:9000/", "-topic", " jaguar ", "-answer", "", "-timeout", "10ms"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.baseURL != "http://localhost:9000" || cfg.topic != "jaguar" || cfg.answer != "" {
		t.Fatalf("parseFlags() = %+v", cfg)
	}
	if cfg.timeout != time.Second {
		t.Fatalf("timeout = %v, want clamp to 1s", cfg.timeout)
	}
	if _, err := parseFlags([]string{"-topic", "  "}); err == nil {
		t.Fatalf("parseFlags(blank topic) error = nil, want error")
	}
}

func TestElicitAnswer(t *testing.T) {
	if diff := cmp.Diff(protocol.ElicitResult{Action: "decline"}, elicitAnswer("")); diff != "" {
		t.Fatalf("elicitAnswer(\"\") mismatch (-want +got):\n%s", diff)
	}
	want := protocol.ElicitResult{Action: "accept", Content: map[string]any{"interpretation": "snake"}}
	if diff := cmp.Diff(want, elicitAnswer("snake")); diff != "" {
		t.Fatalf("elicitAnswer(snake) mismatch (-want +got):\n%s", diff)
	}
}

func TestPrintStages(t *testing.T) {
	var buf bytes.Buffer
	printStages(&buf, observability.StageSnapshot{
		Stages:     []observability.StageStats{{Stage: "Gathering sources", Samples: 2, P50MS: 1000, P95MS: 1010, MaxMS: 1012}},
		Indicators: []observability.Indicator{{Name: "paused", Count: 1}},
	})
	out := buf.String()
	if !strings.Contains(out, "Gathering sources") || !strings.Contains(out, "1010.00") || !strings.Contains(out, "paused") {
		t.Fatalf("printStages() = %q", out)
	}
}

func TestRetryable(t *testing.T) {
	if !retryable(&statusError{code: 503}) {
		t.Fatalf("retryable(503) = false, want true")
	}
	if retryable(&statusError{code: 400}) {
		t.Fatalf("retryable(400) = true, want false")
	}
	if retryable(context.Canceled) {
		t.Fatalf("retryable(context.Canceled) = true, want false")
	}
	if !retryable(errors.New("connection refused")) {
		t.Fatalf("retryable(network error) = false, want true")
	}
}
