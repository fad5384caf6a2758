package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew_Levels(t *testing.T) {
	testCases := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"WARN", zapcore.WarnLevel},
		{" error ", zapcore.ErrorLevel},
	}
	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			logger, err := New(tc.level, "console")
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if !logger.Core().Enabled(tc.want) {
				t.Errorf("level %v should be enabled", tc.want)
			}
			if tc.want > zapcore.DebugLevel && logger.Core().Enabled(tc.want-1) {
				t.Errorf("level %v should be disabled", tc.want-1)
			}
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	logger, err := New("info", "json")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger == nil {
		t.Fatal("logger should not be nil")
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	if _, err := New("loud", "console"); err == nil {
		t.Fatal("New should reject unknown level")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) should return a usable logger")
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	logger, err := New("info", "json", path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(raw), `"msg":"hello"`) {
		t.Errorf("log file = %q, want the message", raw)
	}
}

func TestNew_ConsoleFileHasNoColour(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	logger, err := New("info", "console", path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Warn("staged document kept")
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(raw), "\x1b[") {
		t.Errorf("log file contains ANSI escapes: %q", raw)
	}
	if !strings.Contains(string(raw), "WARN") {
		t.Errorf("log file = %q, want the level", raw)
	}
}

func TestAllTerminals_Files(t *testing.T) {
	if allTerminals([]string{filepath.Join(t.TempDir(), "x.log")}) {
		t.Error("a file path is never a terminal")
	}
	if allTerminals([]string{"stderr", "/tmp/x.log"}) {
		t.Error("mixed outputs should not be coloured")
	}
}
