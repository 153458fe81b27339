package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// HistoryStore archives finished jobs in postgres so their status outlives
// the in-memory registry, and enqueues webhook deliveries alongside.
type HistoryStore struct {
	pool        *pgxpool.Pool
	riverClient *river.Client[pgx.Tx]
}

// NewHistoryStore creates a HistoryStore. riverClient may be nil, in which
// case no webhooks are enqueued.
func NewHistoryStore(pool *pgxpool.Pool, riverClient *river.Client[pgx.Tx]) *HistoryStore {
	return &HistoryStore{
		pool:        pool,
		riverClient: riverClient,
	}
}

// JobChanged records a terminal snapshot once. The webhook job is inserted in
// the same transaction so it is enqueued if and only if the row is written.
func (h *HistoryStore) JobChanged(ctx context.Context, job Job) error {
	if !job.Status.IsTerminal() {
		return nil
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO conversion_history (
			job_id, output_code, asset_name, sequence_number, status, progress,
			message, error, playlist_url, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id) DO NOTHING`,
		job.ID, job.OutputCode, job.AssetName, job.SequenceNumber, string(job.Status), job.Progress,
		job.Message, job.Error, job.PlaylistURL, job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already archived.
		return nil
	}

	if job.WebhookURI != nil && h.riverClient != nil {
		var inserted *rivertype.JobInsertResult
		inserted, err = h.riverClient.InsertTx(ctx, tx, WebhookJobArgs{
			URI:         *job.WebhookURI,
			Token:       job.WebhookToken,
			JobID:       job.ID,
			Status:      job.Status,
			PlaylistURL: job.PlaylistURL,
			Error:       job.Error,
		}, nil)
		if err != nil {
			return fmt.Errorf("failed to insert webhook job: %w", err)
		}
		_, err = tx.Exec(ctx, "UPDATE conversion_history SET webhook_job_id = $2 WHERE job_id = $1", job.ID, inserted.Job.ID)
		if err != nil {
			return fmt.Errorf("failed to record webhook job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Lookup returns the archived snapshot of a job.
func (h *HistoryStore) Lookup(ctx context.Context, id uuid.UUID) (Job, error) {
	job := Job{ID: id}
	var status string
	err := h.pool.QueryRow(ctx, `
		SELECT output_code, asset_name, sequence_number, status, progress, message,
			error, playlist_url, created_at, updated_at, completed_at
		FROM conversion_history WHERE job_id = $1`, id,
	).Scan(
		&job.OutputCode, &job.AssetName, &job.SequenceNumber, &status, &job.Progress, &job.Message,
		&job.Error, &job.PlaylistURL, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return Job{}, fmt.Errorf("failed to look up job history: %w", err)
	}
	job.Status = Status(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if job.CompletedAt != nil {
		t := job.CompletedAt.UTC()
		job.CompletedAt = &t
	}
	return job, nil
}

// JobArchive is a secondary source of job snapshots for jobs the registry no
// longer holds.
type JobArchive interface {
	Lookup(ctx context.Context, id uuid.UUID) (Job, error)
}

// LookupJob consults each archive in order and returns the first hit.
func LookupJob(ctx context.Context, id uuid.UUID, archives ...JobArchive) (Job, error) {
	for _, a := range archives {
		job, err := a.Lookup(ctx, id)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Job{}, err
		}
	}
	return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}
