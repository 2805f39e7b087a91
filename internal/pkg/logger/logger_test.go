package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(buf)
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(INFO)
		SetRedactPII(true)
	})
	return buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"DEBUG", DEBUG},
		{"debug", DEBUG},
		{" warn ", WARN},
		{"WARNING", WARN},
		{"ERROR", ERROR},
		{"INFO", INFO},
		{"", INFO},
		{"bogus", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)
	SetLevel(WARN)

	Debug("dropped")
	Info("dropped too")
	Warn("kept")
	Error("kept as well")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d entries, want 2: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"WARN"`) || !strings.Contains(lines[1], `"ERROR"`) {
		t.Errorf("unexpected entries: %v", lines)
	}
}

func TestFieldsAreStructured(t *testing.T) {
	buf := capture(t)
	SetRedactPII(false)

	Info("batch scheduled", "batchId", "b-1", "count", 3)

	var entry map[string]string
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("entry is not JSON: %v", err)
	}
	if entry["msg"] != "batch scheduled" || entry["batchId"] != "b-1" || entry["count"] != "3" {
		t.Errorf("entry = %v", entry)
	}
}

func TestRedaction(t *testing.T) {
	buf := capture(t)
	SetRedactPII(true)

	Info("delivered", "recipient", "john.doe@example.com",
		"detail", "bounced for alice@example.org earlier")

	out := buf.String()
	if strings.Contains(out, "john.doe@example.com") || strings.Contains(out, "alice@example.org") {
		t.Fatalf("raw address leaked: %s", out)
	}
	if !strings.Contains(out, "jo***@example.com") || !strings.Contains(out, "al***@example.org") {
		t.Errorf("masked forms missing: %s", out)
	}
}

func TestRedactionCanBeDisabled(t *testing.T) {
	buf := capture(t)
	SetRedactPII(false)

	Info("delivered", "recipient", "john.doe@example.com")
	if !strings.Contains(buf.String(), "john.doe@example.com") {
		t.Errorf("address was masked with redaction off: %s", buf.String())
	}
}

func TestRedactEmail(t *testing.T) {
	tests := []struct{ in, want string }{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-address", "***@***"},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
