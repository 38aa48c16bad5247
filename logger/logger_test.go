package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
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

	log := Logger()
	path := filepath.Join(t.TempDir(), "out.log")
	if err := log.Configure("debug", "text", path, 0); err != nil {
		t.Fatalf("configure file output: %v", err)
	}
	if err := log.Configure("debug", "json", path, 7); err != nil {
		t.Fatalf("configure rotated output: %v", err)
	}
}

func TestJSONFieldNames(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("book").WithFields(Fields{"symbol": "BTCUSDT"}).Info("hello")

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	for _, key := range []string{"timestamp", "level", "message", "component", "symbol"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("missing %q in %v", key, decoded)
		}
	}
	if decoded["message"] != "hello" {
		t.Errorf("unexpected message: %v", decoded["message"])
	}
}

func TestWarnAndErrorAreCounted(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})

	before := ComponentCounts()["counting_test"]
	log.WithComponent("counting_test").Warn("w")
	log.WithComponent("counting_test").Error("e")
	after := ComponentCounts()["counting_test"]

	if after[0] != before[0]+1 || after[1] != before[1]+1 {
		t.Fatalf("unexpected counts before=%v after=%v", before, after)
	}
}
