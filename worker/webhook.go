package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/krelinga/hls-converter/internal"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"
)

// WebhookPayload is the JSON body sent to the webhook URI.
type WebhookPayload struct {
	Token       []byte          `json:"token,omitempty"`
	JobID       uuid.UUID       `json:"jobId"`
	Status      internal.Status `json:"status"`
	PlaylistURL *string         `json:"playlistUrl,omitempty"`
	Error       *string         `json:"error,omitempty"`
}

// WebhookWorker delivers the terminal status of a conversion job.
type WebhookWorker struct {
	river.WorkerDefaults[internal.WebhookJobArgs]
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Timeout bounds a single delivery attempt; River retries failures.
func (w *WebhookWorker) Timeout(*river.Job[internal.WebhookJobArgs]) time.Duration {
	return 30 * time.Second
}

// Work sends a POST request to the configured webhook URI.
func (w *WebhookWorker) Work(ctx context.Context, job *river.Job[internal.WebhookJobArgs]) error {
	args := job.Args
	body, err := json.Marshal(WebhookPayload{
		Token:       args.Token,
		JobID:       args.JobID,
		Status:      args.Status,
		PlaylistURL: args.PlaylistURL,
		Error:       args.Error,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, args.URI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook request failed with status %d", resp.StatusCode)
	}

	w.Logger.Info().
		Str("job_id", args.JobID.String()).
		Str("status", string(args.Status)).
		Int("attempt", job.Attempt).
		Msg("webhook delivered")
	return nil
}
