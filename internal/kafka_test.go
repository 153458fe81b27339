package internal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestEventPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &EventPublisher{writer: w}
	ctx := context.Background()

	url := "https://cdn.example.com/hls/show-1/show-1.m3u8"
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := Job{
		ID:          uuid.New(),
		OutputCode:  "show-1",
		Status:      StatusProcessing,
		Progress:    40,
		UpdatedAt:   finished,
		PlaylistURL: &url,
	}

	if err := p.JobChanged(ctx, job); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 0 {
		t.Fatalf("published %d messages for a running job", len(w.msgs))
	}

	job.Status = StatusCompleted
	job.Progress = 100
	if err := p.JobChanged(ctx, job); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != job.ID.String() {
		t.Errorf("key = %q, want job id", msg.Key)
	}
	var event ConversionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		t.Fatal(err)
	}
	if event.Type != "conversion.completed" {
		t.Errorf("type = %q", event.Type)
	}
	if !event.OccurredAt.Equal(finished) {
		t.Errorf("occurredAt = %v, want %v", event.OccurredAt, finished)
	}
	if event.Job.PlaylistURL == nil || *event.Job.PlaylistURL != url {
		t.Errorf("playlist url = %v", event.Job.PlaylistURL)
	}
	if strings.Contains(string(msg.Value), "webhook") {
		t.Error("event leaks webhook fields")
	}

	w.err = errors.New("broker unavailable")
	if err := p.JobChanged(ctx, job); err == nil || !strings.Contains(err.Error(), "broker unavailable") {
		t.Errorf("error = %v, want broker failure", err)
	}
}
