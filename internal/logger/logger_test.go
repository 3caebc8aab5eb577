package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNew_JSONWithAppFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput(&buf, "eventhub", "test", "debug")
	log.WithField("event_id", "e1").Debug("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if line["app"] != "eventhub" || line["env"] != "test" || line["event_id"] != "e1" || line["msg"] != "hello" {
		t.Errorf("unexpected entry %v", line)
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	log := NewWithOutput(&bytes.Buffer{}, "eventhub", "test", "loud")
	if log.Logger.GetLevel() != logrus.InfoLevel {
		t.Errorf("expected info level, got %s", log.Logger.GetLevel())
	}
}
