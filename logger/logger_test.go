package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "dhanoi.log")
	log := Logger()
	if err := log.Configure("info", "json", path, 0); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	log.WithComponent("test").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"message":"hello"`)) {
		t.Fatalf("log line not written: %s", data)
	}
}

func TestConfigureReportLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	log.SetLevel(logrus.DebugLevel)
	if err := log.Configure(LevelReport, "text", "stderr", 0); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if got := log.GetLevel(); got != logrus.InfoLevel {
		t.Fatalf("level = %s, want info", got)
	}
	if _, ok := log.Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("expected text formatter, got %T", log.Formatter)
	}
}

func TestEnvironmentLevelOverridesConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")

	log := Logger()
	if got := log.GetLevel(); got != logrus.DebugLevel {
		t.Fatalf("initial level = %s, want debug", got)
	}
	if err := log.Configure("warn", "json", "stdout", 0); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if got := log.GetLevel(); got != logrus.DebugLevel {
		t.Fatalf("level = %s, want debug", got)
	}
}

func TestConfigureKeepsSettingsOnError(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	if err := log.Configure("error", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
	log.WithComponent("test").Info("still here")

	var line map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line["message"] != "still here" || line["component"] != "test" {
		t.Fatalf("unexpected line: %v", line)
	}
}

func TestWarnCountsFeedComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})

	before := atomic.LoadInt64(&warnsFeed)
	log.WithComponent("dhan_oi_reader").Warn("dropped")
	if got := atomic.LoadInt64(&warnsFeed); got != before+1 {
		t.Fatalf("warnsFeed = %d, want %d", got, before+1)
	}
}
