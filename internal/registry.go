package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Progress bands reported to clients.
const (
	progressPrepared  = 5
	progressProbed    = 10
	progressEncoding  = 15
	progressUploading = 65
	progressDone      = 100
)

// Publisher pushes encoded output to its final location and returns the
// playlist URL.
type Publisher interface {
	Upload(ctx context.Context, outputDir, outputCode string, progress UploadProgress) (string, error)
}

type RegistryConfig struct {
	Workspace      *Workspace
	Prober         Prober
	Encoder        Encoder
	Publisher      Publisher
	MaxUploadBytes int64
	// MaxConcurrent bounds the number of jobs past the queue; 0 means no bound.
	MaxConcurrent int
	Listeners     []Listener
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Registry owns every job record and drives each job through
// probe -> plan -> encode -> upload on its own goroutine.
type Registry struct {
	cfg    RegistryConfig
	logger zerolog.Logger
	now    func() time.Time
	slots  *semaphore.Weighted
	events *dispatcher

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu   sync.Mutex
	jobs map[uuid.UUID]*jobRecord

	// stageMu serializes staging-root cleanup with workspace allocation.
	stageMu sync.Mutex
}

type jobRecord struct {
	job    Job
	cancel context.CancelFunc
	// terminate is lent by the encoder for the encode window only.
	terminate func()
}

func NewRegistry(cfg RegistryConfig) *Registry {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	r := &Registry{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    now,
		events: newDispatcher(cfg.Listeners, cfg.Logger),
		jobs:   make(map[uuid.UUID]*jobRecord),
	}
	if cfg.MaxConcurrent > 0 {
		r.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	r.ctx, r.stop = context.WithCancel(context.Background())
	return r
}

// Submit validates sub, records a new job and starts its pipeline. On success
// the registry takes ownership of sub.File.Path and removes it when the job
// finishes.
func (r *Registry) Submit(sub Submission) (Job, error) {
	seq, err := ValidateSubmission(sub, r.cfg.MaxUploadBytes)
	if err != nil {
		return Job{}, err
	}

	now := r.now().UTC()
	job := Job{
		ID:             uuid.New(),
		OutputCode:     GenerateCode(sub.AssetName, seq),
		AssetName:      strings.TrimSpace(sub.AssetName),
		SequenceNumber: seq,
		Status:         StatusInitiated,
		Message:        "Conversion started",
		CreatedAt:      now,
		UpdatedAt:      now,
		WebhookURI:     sub.WebhookURI,
		WebhookToken:   sub.WebhookToken,
	}
	ctx, cancel := context.WithCancel(r.ctx)

	r.mu.Lock()
	r.jobs[job.ID] = &jobRecord{job: job, cancel: cancel}
	r.events.publish(job)
	r.mu.Unlock()

	jobLogger(r.logger, job).Info().
		Str("source", sub.File.Name).
		Int64("size", sub.File.Size).
		Msg("conversion submitted")

	r.wg.Add(1)
	go r.run(ctx, job, *sub.File)
	return job, nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id uuid.UUID) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.job, nil
}

// Cancel marks the job cancelled, kills its encoder if one is running and
// removes its workspace. It does not wait for the pipeline to unwind.
func (r *Registry) Cancel(id uuid.UUID) (Job, error) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.job.Status.IsTerminal() {
		status := rec.job.Status
		r.mu.Unlock()
		return Job{}, fmt.Errorf("%w: cannot cancel a job with status %s", ErrConflict, status)
	}
	terminate := r.cancelLocked(rec, "Conversion cancelled by user")
	snapshot := rec.job
	r.mu.Unlock()

	if terminate != nil {
		terminate()
	}
	rec.cancel()

	log := jobLogger(r.logger, snapshot)
	if err := r.cfg.Workspace.Dispose(r.cfg.Workspace.Path(id)); err != nil {
		log.Warn().Err(err).Msg("failed to clean up cancelled workspace")
	}
	log.Info().Bool("encoder_killed", terminate != nil).Msg("conversion cancelled")
	return snapshot, nil
}

// cancelLocked marks a live job cancelled and returns the encoder's terminate
// func, if one is lent.
func (r *Registry) cancelLocked(rec *jobRecord, message string) func() {
	now := r.now().UTC()
	rec.job.Status = StatusCancelled
	rec.job.Message = message
	rec.job.UpdatedAt = now
	rec.job.CompletedAt = &now
	terminate := rec.terminate
	rec.terminate = nil
	r.events.publish(rec.job)
	return terminate
}

// Evict drops terminal jobs that finished more than retention ago.
func (r *Registry) Evict(retention time.Duration) int {
	cutoff := r.now().UTC().Add(-retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, rec := range r.jobs {
		if rec.job.Status.IsTerminal() && rec.job.CompletedAt != nil && rec.job.CompletedAt.Before(cutoff) {
			delete(r.jobs, id)
			evicted++
		}
	}
	return evicted
}

// RunJanitor evicts old terminal jobs until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, retention time.Duration) {
	interval := retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Evict(retention); n > 0 {
				r.logger.Debug().Int("evicted", n).Msg("evicted finished jobs")
			}
		}
	}
}

// Shutdown cancels every in-flight job and waits for their pipelines to
// release encoders and workspaces, then flushes pending listener events.
func (r *Registry) Shutdown(ctx context.Context) error {
	var terminates []func()
	r.mu.Lock()
	for _, rec := range r.jobs {
		if rec.job.Status.IsTerminal() {
			continue
		}
		if terminate := r.cancelLocked(rec, "Conversion cancelled: server shutting down"); terminate != nil {
			terminates = append(terminates, terminate)
		}
	}
	r.mu.Unlock()
	for _, terminate := range terminates {
		terminate()
	}
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("failed to stop pipelines: %w", ctx.Err())
	}
	r.events.close()
	return nil
}

func (r *Registry) run(ctx context.Context, job Job, src SourceFile) {
	defer r.wg.Done()
	defer os.Remove(src.Path)
	log := jobLogger(r.logger, job)

	if r.slots != nil {
		r.note(job.ID, "Queued")
		if err := r.slots.Acquire(ctx, 1); err != nil {
			r.fail(job.ID, fmt.Errorf("conversion aborted while queued: %w", err))
			return
		}
		defer r.slots.Release(1)
	}

	dir, err := r.allocate(job.ID)
	if err != nil {
		if !errors.Is(err, errJobStopped) {
			r.fail(job.ID, err)
		}
		return
	}

	url, err := r.execute(ctx, job, src, dir)
	if derr := r.cfg.Workspace.Dispose(dir); derr != nil {
		log.Warn().Err(derr).Msg("failed to clean up workspace")
	}
	if err != nil {
		if !errors.Is(err, errJobStopped) {
			r.fail(job.ID, err)
		}
		return
	}
	r.complete(job.ID, url)
}

var errJobStopped = errors.New("job no longer running")

// allocate moves the job to processing and creates its workspace. Both happen
// under the lock so a concurrent Cancel either sees the directory and removes
// it, or prevents its creation. stageMu is held from the live-job snapshot to
// the end of allocation so no workspace appears between the snapshot and the
// cleanup that relies on it.
func (r *Registry) allocate(id uuid.UUID) (string, error) {
	r.stageMu.Lock()
	defer r.stageMu.Unlock()

	live := r.liveJobIDs()
	if err := r.cfg.Workspace.Prepare(live...); err != nil {
		r.logger.Warn().Err(err).Msg("failed to clear staging area")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok || rec.job.Status.IsTerminal() {
		return "", errJobStopped
	}
	dir, err := r.cfg.Workspace.Allocate(id)
	if err != nil {
		return "", err
	}
	r.advanceLocked(rec, 0, "Preparing files")
	return dir, nil
}

func (r *Registry) execute(ctx context.Context, job Job, src SourceFile, dir string) (string, error) {
	input := filepath.Join(dir, "input_"+safeFileName(src.Name))
	if err := moveFile(src.Path, input); err != nil {
		return "", fmt.Errorf("failed to stage source file: %w", err)
	}
	if !r.advance(job.ID, progressPrepared, "Analyzing video") {
		return "", errJobStopped
	}

	info, err := r.cfg.Prober.Probe(ctx, input)
	if err != nil {
		return "", err
	}
	if !r.advance(job.ID, progressProbed, "Planning conversion") {
		return "", errJobStopped
	}
	plan, err := Plan(info)
	if err != nil {
		return "", err
	}
	if !r.advance(job.ID, progressEncoding, "Starting HLS conversion") {
		return "", errJobStopped
	}

	proc, err := r.cfg.Encoder.Start(ctx, EncodeParams{
		Plan:       plan,
		InputPath:  input,
		OutputDir:  dir,
		OutputCode: job.OutputCode,
		ProgressCallback: func(p int) {
			r.advance(job.ID, progressEncoding+p, "Converting to HLS")
		},
	})
	if err != nil {
		return "", err
	}
	attached := r.attach(job.ID, proc.Terminate)
	err = proc.Wait()
	r.detach(job.ID)
	if !attached {
		return "", errJobStopped
	}
	if err != nil {
		var encErr *EncodeFailedError
		if errors.As(err, &encErr) {
			jobLogger(r.logger, job).Error().Int("exit_code", encErr.ExitCode).Str("diagnostics", encErr.Diagnostics).Msg("ffmpeg failed")
		}
		return "", err
	}

	if !r.advance(job.ID, progressUploading, "Uploading files") {
		return "", errJobStopped
	}
	return r.cfg.Publisher.Upload(ctx, dir, job.OutputCode, func(done, total int) {
		band := progressDone - progressUploading
		r.advance(job.ID, progressUploading+done*band/total, fmt.Sprintf("Uploading file %d/%d", done, total))
	})
}

func (r *Registry) liveJobIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, rec := range r.jobs {
		if !rec.job.Status.IsTerminal() {
			ids = append(ids, id.String())
		}
	}
	return ids
}

// advance moves a live job to processing and raises its progress. It reports
// false once the job is terminal.
func (r *Registry) advance(id uuid.UUID, progress int, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok || rec.job.Status.IsTerminal() {
		return false
	}
	r.advanceLocked(rec, progress, message)
	return true
}

func (r *Registry) advanceLocked(rec *jobRecord, progress int, message string) {
	progress = min(max(progress, 0), progressDone)
	rec.job.Status = StatusProcessing
	if progress > rec.job.Progress {
		rec.job.Progress = progress
	}
	rec.job.Message = message
	rec.job.UpdatedAt = r.now().UTC()
	r.events.publish(rec.job)
}

// note changes the message of a live job without touching its status.
func (r *Registry) note(id uuid.UUID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok || rec.job.Status.IsTerminal() {
		return
	}
	rec.job.Message = message
	rec.job.UpdatedAt = r.now().UTC()
	r.events.publish(rec.job)
}

func (r *Registry) attach(id uuid.UUID, terminate func()) bool {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok || rec.job.Status.IsTerminal() {
		r.mu.Unlock()
		terminate()
		return false
	}
	rec.terminate = terminate
	r.mu.Unlock()
	return true
}

func (r *Registry) detach(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.jobs[id]; ok {
		rec.terminate = nil
	}
}

// fail records the first error of a live job.
func (r *Registry) fail(id uuid.UUID, err error) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok || rec.job.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	now := r.now().UTC()
	msg := err.Error()
	rec.job.Status = StatusError
	rec.job.Error = &msg
	rec.job.Message = msg
	rec.job.UpdatedAt = now
	rec.job.CompletedAt = &now
	rec.terminate = nil
	snapshot := rec.job
	r.events.publish(snapshot)
	r.mu.Unlock()

	rec.cancel()
	jobLogger(r.logger, snapshot).Error().Err(err).Int("progress", snapshot.Progress).Msg("conversion failed")
}

func (r *Registry) complete(id uuid.UUID, playlistURL string) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok || rec.job.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	now := r.now().UTC()
	rec.job.Status = StatusCompleted
	rec.job.Progress = progressDone
	rec.job.Message = "Conversion completed successfully"
	rec.job.PlaylistURL = &playlistURL
	rec.job.UpdatedAt = now
	rec.job.CompletedAt = &now
	snapshot := rec.job
	r.events.publish(snapshot)
	r.mu.Unlock()

	rec.cancel()
	jobLogger(r.logger, snapshot).Info().Str("playlist_url", playlistURL).Msg("conversion completed")
}

func safeFileName(name string) string {
	base := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if base == "/" || base == "." || base == "" {
		return "source"
	}
	return base
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
