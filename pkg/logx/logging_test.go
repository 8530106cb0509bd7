package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{in: "debug", want: LevelDebug},
		{in: " WARNING ", want: LevelWarn},
		{in: "error", want: LevelError},
		{in: "", want: LevelInfo},
		{in: "nonsense", want: LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in, LevelInfo); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerFieldsAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))

	log.Debug("hidden")
	log.Warn("visible", Int("n", 3), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["message"] != "visible" || m["comp"] != "test" || m["err"] != "boom" {
		t.Fatalf("unexpected log record: %v", m)
	}
	if m["n"].(float64) != 3 {
		t.Fatalf("n = %v, want 3", m["n"])
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestServiceApplySwapsLevelForDerivedLoggers(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "app.log")
	cfg := Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}}
	svc, root := New(cfg)
	log := root.With(String("comp", "test"))

	log.Info("dropped at warn")
	log.Warn("kept")
	cfg.Level = "debug"
	svc.Apply(cfg)
	log.Debug("kept after apply")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var msgs []string
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		if m["comp"] != "test" {
			t.Fatalf("comp field missing: %v", m)
		}
		msgs = append(msgs, m["message"].(string))
	}
	if strings.Join(msgs, "|") != "kept|kept after apply" {
		t.Fatalf("messages = %q", msgs)
	}
}
