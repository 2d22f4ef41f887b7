package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"ERROR":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewTo(&buf, LevelWarn, FormatJSON).Named(ComponentRepository)
	log.Info("dropped")
	log.Warn("kept")
	_ = log.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["msg"] != "kept" || entry["level"] != "WARN" || entry["component"] != ComponentRepository {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["caller"]; !ok {
		t.Fatalf("entry has no caller: %v", entry)
	}
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewTo(&buf, LevelDebug, FormatConsole)
	log.Debug("hello")
	_ = log.Sync()
	if !strings.Contains(buf.String(), " | ") || !strings.Contains(buf.String(), "hello") {
		t.Fatalf("console output = %q", buf.String())
	}
}
