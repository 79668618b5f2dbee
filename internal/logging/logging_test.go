package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithOutput(&buf, "debug", "json")
	if err != nil {
		t.Fatal(err)
	}
	logger.WithField("run_id", "r1").Debug("checkpoint")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("not json: %s", buf.String())
	}
	if entry["run_id"] != "r1" || entry["msg"] != "checkpoint" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestRejectsUnknownSettings(t *testing.T) {
	if _, err := New("loud", "text"); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("expected format error")
	}
}
