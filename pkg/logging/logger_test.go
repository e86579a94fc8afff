package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid JSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"DEBUG", DebugLevel},
		{"debug", DebugLevel},
		{" info ", InfoLevel},
		{"WARNING", WarnLevel},
		{"warn", WarnLevel},
		{"error", ErrorLevel},
		{"bogus", InfoLevel},
		{"", InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestJSONLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("kept", Master("mymaster"))
	logger.Error("kept too", Error(errors.New("boom")))

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0]["level"] != "WARN" || lines[0]["master"] != "mymaster" {
		t.Errorf("unexpected first line: %v", lines[0])
	}
	if lines[1]["error"] != "boom" {
		t.Errorf("error field = %v, want boom", lines[1]["error"])
	}
}

func TestWithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := NewJSONLogger(&buf, InfoLevel)
	child := parent.With(Component("monitor"), Epoch(7))

	child.Debug("hidden")
	parent.SetLevel(DebugLevel)
	child.Debug("visible", Offset(42))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	line := lines[0]
	if line["component"] != "monitor" {
		t.Errorf("component = %v", line["component"])
	}
	// JSON numbers decode as float64.
	if line["epoch"] != float64(7) || line["offset"] != float64(42) {
		t.Errorf("epoch/offset = %v/%v", line["epoch"], line["offset"])
	}
}

func TestReservedKeysNotOverwritten(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)
	logger.Info("real", String("msg", "fake"), String("level", "fake"))

	line := decodeLines(t, &buf)[0]
	if line["msg"] != "real" || line["level"] != "INFO" {
		t.Errorf("reserved keys overwritten: %v", line)
	}
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	timer := StartTimer(logger, "failover", Master("m"))
	time.Sleep(time.Millisecond)
	timer.End(Epoch(3))
	timer.EndError(errors.New("aborted"))

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if _, ok := lines[0]["latency"]; !ok {
		t.Error("missing latency on End")
	}
	if lines[1]["level"] != "ERROR" || lines[1]["error"] != "aborted" {
		t.Errorf("EndError line = %v", lines[1])
	}
	if timer.Elapsed() <= 0 {
		t.Error("Elapsed should be positive")
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Info("nothing")
	if logger.With(Node("a")) == nil {
		t.Fatal("With returned nil")
	}
	if logger.GetLevel() != InfoLevel {
		t.Errorf("GetLevel = %v", logger.GetLevel())
	}
}

func TestOrDefault(t *testing.T) {
	nop := NewNopLogger()
	if OrDefault(nop) != nop {
		t.Error("OrDefault should keep a non-nil logger")
	}
	if OrDefault(nil) == nil {
		t.Error("OrDefault(nil) returned nil")
	}
}
