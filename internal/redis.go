package internal

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func NewRedisClient(cfg *RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisMirror keeps a hash per job at job:<id> so other processes can read
// status without calling the API. Every write refreshes the TTL, so the hash
// of a job abandoned mid-flight by a dead server also expires.
type RedisMirror struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisMirror(client redis.Cmdable, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: client, ttl: ttl}
}

func redisJobKey(id uuid.UUID) string {
	return "job:" + id.String()
}

func (m *RedisMirror) JobChanged(ctx context.Context, job Job) error {
	key := redisJobKey(job.ID)
	fields := map[string]any{
		"jobId":          job.ID.String(),
		"outputCode":     job.OutputCode,
		"assetName":      job.AssetName,
		"sequenceNumber": job.SequenceNumber,
		"status":         string(job.Status),
		"progress":       job.Progress,
		"message":        job.Message,
		"createdAt":      job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":      job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if job.Error != nil {
		fields["error"] = *job.Error
	}
	if job.PlaylistURL != nil {
		fields["playlistUrl"] = *job.PlaylistURL
	}
	if job.CompletedAt != nil {
		fields["completedAt"] = job.CompletedAt.Format(time.RFC3339Nano)
	}

	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror job to redis: %w", err)
	}
	return nil
}

// Lookup reads a mirrored job back.
func (m *RedisMirror) Lookup(ctx context.Context, id uuid.UUID) (Job, error) {
	fields, err := m.client.HGetAll(ctx, redisJobKey(id)).Result()
	if err != nil {
		return Job{}, fmt.Errorf("failed to read job from redis: %w", err)
	}
	if len(fields) == 0 {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return jobFromRedisHash(id, fields)
}

func jobFromRedisHash(id uuid.UUID, fields map[string]string) (Job, error) {
	job := Job{
		ID:         id,
		OutputCode: fields["outputCode"],
		AssetName:  fields["assetName"],
		Status:     Status(fields["status"]),
		Message:    fields["message"],
	}
	var err error
	if job.SequenceNumber, err = strconv.Atoi(fields["sequenceNumber"]); err != nil {
		return Job{}, fmt.Errorf("failed to parse mirrored sequence number: %w", err)
	}
	if job.Progress, err = strconv.Atoi(fields["progress"]); err != nil {
		return Job{}, fmt.Errorf("failed to parse mirrored progress: %w", err)
	}
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["createdAt"]); err != nil {
		return Job{}, fmt.Errorf("failed to parse mirrored createdAt: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updatedAt"]); err != nil {
		return Job{}, fmt.Errorf("failed to parse mirrored updatedAt: %w", err)
	}
	if v, ok := fields["error"]; ok {
		job.Error = &v
	}
	if v, ok := fields["playlistUrl"]; ok {
		job.PlaylistURL = &v
	}
	if v, ok := fields["completedAt"]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Job{}, fmt.Errorf("failed to parse mirrored completedAt: %w", err)
		}
		job.CompletedAt = &t
	}
	return job, nil
}
