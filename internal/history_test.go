package internal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *DatabaseConfig {
	t.Helper()
	ctx := context.Background()
	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "hls",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := postgres.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres: %v", err)
		}
	})

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get postgres host: %v", err)
	}
	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get postgres port: %v", err)
	}
	return &DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		User:     "postgres",
		Password: "postgres",
		Name:     "hls",
	}
}

func TestHistoryStoreAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()

	pool, err := NewDBPool(ctx, startPostgres(t))
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	if err := MigrateUp(ctx, pool); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	// Running again is a no-op.
	if err := MigrateUp(ctx, pool); err != nil {
		t.Fatalf("second MigrateUp: %v", err)
	}

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		t.Fatalf("failed to create river client: %v", err)
	}
	store := NewHistoryStore(pool, riverClient)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := created.Add(5 * time.Minute)
	url := "https://cdn.example.com/hls/show-1/show-1.m3u8"
	hook := "http://hooks.example.com/done"
	job := Job{
		ID:             uuid.New(),
		OutputCode:     "show-1",
		AssetName:      "Show",
		SequenceNumber: 1,
		Status:         StatusProcessing,
		Progress:       70,
		Message:        "Uploading files",
		CreatedAt:      created,
		UpdatedAt:      finished,
		WebhookURI:     &hook,
		WebhookToken:   []byte("secret"),
	}

	if err := store.JobChanged(ctx, job); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Lookup(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("running job archived: %v", err)
	}

	job.Status = StatusCompleted
	job.Progress = 100
	job.Message = "Conversion completed successfully"
	job.PlaylistURL = &url
	job.CompletedAt = &finished
	if err := store.JobChanged(ctx, job); err != nil {
		t.Fatal(err)
	}
	// A repeated terminal event does not enqueue a second webhook.
	if err := store.JobChanged(ctx, job); err != nil {
		t.Fatal(err)
	}

	got, err := store.Lookup(ctx, job.ID)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Status != StatusCompleted || got.Progress != 100 || got.OutputCode != "show-1" {
		t.Errorf("archived %+v", got)
	}
	if got.PlaylistURL == nil || *got.PlaylistURL != url {
		t.Errorf("playlist url = %v", got.PlaylistURL)
	}
	if got.Error != nil {
		t.Errorf("error = %q", *got.Error)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(finished) {
		t.Errorf("completedAt = %v", got.CompletedAt)
	}
	if got.WebhookURI != nil {
		t.Error("webhook uri should not be read back")
	}

	var kind, uri string
	var count int
	err = pool.QueryRow(ctx, `
		SELECT j.kind, j.args->>'uri', (SELECT count(*) FROM river_job)
		FROM conversion_history h JOIN river_job j ON j.id = h.webhook_job_id
		WHERE h.job_id = $1`, job.ID).Scan(&kind, &uri, &count)
	if errors.Is(err, pgx.ErrNoRows) {
		t.Fatal("no webhook job recorded")
	} else if err != nil {
		t.Fatal(err)
	}
	if kind != "webhook" || uri != hook || count != 1 {
		t.Errorf("webhook job kind=%q uri=%q count=%d", kind, uri, count)
	}

	if err := MigrateDown(ctx, pool); err != nil {
		t.Fatalf("MigrateDown: %v", err)
	}
	var exists bool
	if err := pool.QueryRow(ctx, "SELECT to_regclass('conversion_history') IS NOT NULL").Scan(&exists); err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("conversion_history survived MigrateDown")
	}
}
