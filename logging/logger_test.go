package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/searchktools/startline/config"
)

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(config.LogConfig{Level: "warn"}, &buf)

	logger.Info().Msg("info message")
	if buf.Len() != 0 {
		t.Errorf("Info should be filtered at warn level, got: %s", buf.String())
	}

	logger.Warn().Msg("warn message")
	output := buf.String()
	if !strings.Contains(output, "warn message") {
		t.Errorf("Warn log should contain 'warn message', got: %s", output)
	}
	if !strings.Contains(output, `"level":"warn"`) {
		t.Errorf("Warn log should have warn level, got: %s", output)
	}
}

func TestLogFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(New(config.LogConfig{Level: "debug"}, &buf), "engine")

	logger.Debug().Str("path", "/ping").Msg("request")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Log output is not valid JSON: %v, output: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "message", "component", "path"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("Log entry missing %q: %v", key, entry)
		}
	}
	if entry["component"] != "engine" {
		t.Errorf("Expected component engine, got %v", entry["component"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for name, expected := range tests {
		if got := ParseLevel(name); got != expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", name, expected, got)
		}
	}
}

func TestLogToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	logger := New(config.LogConfig{
		Level:       "info",
		LogToFile:   true,
		LogFilePath: path,
		MaxSize:     1,
	}, nil)

	logger.Info().Msg("written to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("Log file should contain message, got: %s", data)
	}
}
