package policy

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if _, changed := RedactPII("history of the roman empire"); changed {
		t.Fatalf("plain topic reported as changed")
	}
}

func TestRedactAttrMasksSensitiveKeysOnly(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{ReplaceAttr: RedactAttr}))
	logger.Info("task created",
		slog.String("topic", "call jane@example.com"),
		slog.String("task_id", "ops@example.com"),
	)
	out := buf.String()
	if !strings.Contains(out, "topic=\"call [REDACTED_EMAIL]\"") {
		t.Fatalf("topic not redacted: %q", out)
	}
	if !strings.Contains(out, "task_id=ops@example.com") {
		t.Fatalf("non-sensitive attribute changed: %q", out)
	}
}
