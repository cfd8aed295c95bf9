package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWritesComponentField(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Component: "ledger", Level: "debug", Output: &buf})

	log.WithField("amount", "10").Info("credited")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["component"] != "ledger" {
		t.Fatalf("expected component ledger, got %v", line["component"])
	}
	if line["msg"] != "credited" {
		t.Fatalf("unexpected msg %v", line["msg"])
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "chatty", Output: &buf})

	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug output should be suppressed at info level")
	}
}

func TestNamedOverridesComponent(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Component: "lottery", Output: &buf}).Named("scheduler")

	log.Info("tick")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["component"] != "scheduler" {
		t.Fatalf("expected component scheduler, got %v", line["component"])
	}
}
