package internal

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestJobLogger(t *testing.T) {
	var buf bytes.Buffer
	base := newLogger(&buf, "warn")
	job := Job{ID: uuid.New(), OutputCode: "show-1"}

	log := jobLogger(base, job)
	log.Info().Msg("dropped")
	log.Warn().Msg("kept")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["job_id"] != job.ID.String() || entry["output_code"] != "show-1" || entry["message"] != "kept" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("entry has no timestamp")
	}

	buf.Reset()
	fallback := newLogger(&buf, "bogus")
	fallback.Debug().Msg("hidden")
	fallback.Info().Msg("shown")
	if out := buf.String(); strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("unknown level should fall back to info, got %q", out)
	}
}
