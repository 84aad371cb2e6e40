package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func syncLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{Level: level, Format: "text", Output: buf, Sync: true, NoColor: true})
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "json format", config: &Config{Level: LevelInfo, Format: "json", Output: &bytes.Buffer{}}},
		{name: "text format", config: &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
			if err := logger.Close(); err != nil {
				t.Errorf("Close() = %v", err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"", LevelInfo, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := syncLogger(&buf, LevelDebug)

	phaseLogger := logger.WithPhase("write")
	phaseLogger.Info("phase started")
	if out := buf.String(); !strings.Contains(out, "phase=write") {
		t.Errorf("expected phase=write in output, got: %s", out)
	}

	buf.Reset()
	phaseLogger.WithSlot(3).WithOp("openat", 0).Debug("completion")
	out := buf.String()
	for _, want := range []string{"phase=write", "slot=3", "op=openat", "step=0"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in output, got: %s", want, out)
		}
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := syncLogger(&buf, LevelDebug)
	logger.WithError(errors.New("permission denied")).Error("chain failed")

	out := buf.String()
	if !strings.Contains(out, "permission denied") || !strings.Contains(out, "chain failed") {
		t.Errorf("unexpected output: %s", out)
	}
}

type slotError struct {
	Slot int
	Msg  string
}

func (e *slotError) Error() string { return fmt.Sprintf("slot %d: %s", e.Slot, e.Msg) }

type phaseName int

func (p phaseName) String() string { return "read" }

func TestErrorAndStringerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelInfo, Format: "json", Output: &buf, Sync: true})

	joined := errors.Join(&slotError{Slot: 1, Msg: "EACCES"}, errors.New("verification mismatch"))
	logger.Error("round trip failed", "error", joined, "cause", &slotError{Slot: 3, Msg: "EIO"}, "phase", phaseName(2))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v: %s", err, buf.String())
	}
	if got, want := entry["error"], "slot 1: EACCES\nverification mismatch"; got != want {
		t.Errorf("error field = %#v, want %q", got, want)
	}
	if got, want := entry["cause"], "slot 3: EIO"; got != want {
		t.Errorf("cause field = %#v, want %q", got, want)
	}
	if got := entry["phase"]; got != "read" {
		t.Errorf("phase field = %#v, want \"read\"", got)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := syncLogger(&buf, LevelWarn)
	logger.Info("hidden")
	logger.Debug("hidden too")
	if buf.Len() != 0 {
		t.Errorf("expected nothing below warn, got: %s", buf.String())
	}
	if logger.DebugEnabled() {
		t.Error("DebugEnabled() = true at warn level")
	}
	logger.Warn("shown", "slot", 1)
	if !strings.Contains(buf.String(), "slot=1") {
		t.Errorf("expected slot=1, got: %s", buf.String())
	}
}

func TestAsyncLoggerFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelInfo, Format: "json", Output: &buf})
	logger.Info("queued", "files", 4)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if !strings.Contains(buf.String(), `"files":4`) {
		t.Errorf("expected flushed json event, got: %s", buf.String())
	}
}

func TestNopLogger(t *testing.T) {
	l := Nop()
	l.Error("dropped")
	if err := l.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	SetDefault(syncLogger(&buf, LevelDebug))
	defer SetDefault(prev)

	Debug("debug message", "key", "value")
	if out := buf.String(); !strings.Contains(out, "debug message") || !strings.Contains(out, "key=value") {
		t.Errorf("unexpected debug output: %s", out)
	}

	buf.Reset()
	Info("info message")
	Warn("warning message")
	Error("error message")
	out := buf.String()
	for _, want := range []string{"info message", "warning message", "error message"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}
