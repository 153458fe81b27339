package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/krelinga/hls-converter/internal"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
)

func TestWebhookWorker(t *testing.T) {
	var got WebhookPayload
	var contentType string
	status := http.StatusNoContent
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(status)
	}))
	defer ts.Close()

	url := "https://cdn.example.com/hls/show-1/show-1.m3u8"
	job := &river.Job[internal.WebhookJobArgs]{
		JobRow: &rivertype.JobRow{ID: 7, Attempt: 1},
		Args: internal.WebhookJobArgs{
			URI:         ts.URL,
			Token:       []byte("s3cret"),
			JobID:       uuid.New(),
			Status:      internal.StatusCompleted,
			PlaylistURL: &url,
		},
	}
	w := &WebhookWorker{HTTPClient: ts.Client(), Logger: zerolog.Nop()}

	if err := w.Work(context.Background(), job); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if contentType != "application/json" {
		t.Errorf("content type = %q", contentType)
	}
	if got.JobID != job.Args.JobID || got.Status != internal.StatusCompleted || string(got.Token) != "s3cret" {
		t.Errorf("payload = %+v", got)
	}
	if got.PlaylistURL == nil || *got.PlaylistURL != url || got.Error != nil {
		t.Errorf("payload urls = %v / %v", got.PlaylistURL, got.Error)
	}

	status = http.StatusBadGateway
	err := w.Work(context.Background(), job)
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("error = %v, want status failure", err)
	}
}
