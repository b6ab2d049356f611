package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogOptions{Level: "info", Format: "json", Output: &buf})

	l.LogError(errors.New("boom"), "read failed", "op", "read", "status", "NOT_FOUND")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["message"] != "read failed" || entry["error"] != "boom" || entry["op"] != "read" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogOptions{Level: "info", Format: "json", Output: &buf})

	l.LogDebug("hidden", "k", "v")
	if buf.Len() != 0 {
		t.Errorf("debug output should be suppressed at info level, got %q", buf.String())
	}

	l = NewLogger(&LogOptions{Level: "debug", Format: "json", Output: &buf})
	l.LogDebug("shown", "k", "v")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("debug output missing at debug level: %q", buf.String())
	}

	NewLogger(&LogOptions{Level: "info", Output: &buf})
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LogOptions{Level: "verbose", Format: "json", Output: &buf})

	l.LogInfo("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("info output missing after invalid level: %q", buf.String())
	}
}
