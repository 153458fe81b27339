package internal

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestDispatcherPreservesOrder(t *testing.T) {
	first := &recordingListener{}
	failing := ListenerFunc(func(ctx context.Context, job Job) error {
		return errors.New("unavailable")
	})
	d := newDispatcher([]Listener{failing, first}, zerolog.Nop())

	id := uuid.New()
	for p := 0; p <= 100; p += 10 {
		d.publish(Job{ID: id, Status: StatusProcessing, Progress: p})
	}
	d.publish(Job{ID: id, Status: StatusCompleted, Progress: 100})
	d.close()

	got := first.snapshots()
	if len(got) != 12 {
		t.Fatalf("delivered %d events, want 12", len(got))
	}
	for i := 0; i < 11; i++ {
		if got[i].Progress != i*10 {
			t.Errorf("event %d progress = %d, want %d", i, got[i].Progress, i*10)
		}
	}
	if got[11].Status != StatusCompleted {
		t.Errorf("last status = %s", got[11].Status)
	}

	// Publishing after close is dropped.
	d.publish(Job{ID: id})
	if n := len(first.snapshots()); n != 12 {
		t.Errorf("delivered %d events after close", n)
	}
}

func TestTerminalOnly(t *testing.T) {
	rec := &recordingListener{}
	l := TerminalOnly(rec)
	ctx := context.Background()
	for _, s := range []Status{StatusInitiated, StatusProcessing, StatusCancelled} {
		if err := l.JobChanged(ctx, Job{Status: s}); err != nil {
			t.Fatal(err)
		}
	}
	got := rec.snapshots()
	if len(got) != 1 || got[0].Status != StatusCancelled {
		t.Errorf("forwarded %+v, want only the cancelled snapshot", got)
	}
}

type mapArchive map[uuid.UUID]Job

func (a mapArchive) Lookup(ctx context.Context, id uuid.UUID) (Job, error) {
	if job, ok := a[id]; ok {
		return job, nil
	}
	return Job{}, ErrNotFound
}

type brokenArchive struct{}

func (brokenArchive) Lookup(ctx context.Context, id uuid.UUID) (Job, error) {
	return Job{}, errors.New("connection refused")
}

func TestLookupJob(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	archived := mapArchive{id: {ID: id, Status: StatusCompleted}}

	got, err := LookupJob(ctx, id, mapArchive{}, archived)
	if err != nil || got.Status != StatusCompleted {
		t.Errorf("LookupJob = %+v, %v", got, err)
	}
	if _, err := LookupJob(ctx, uuid.New(), archived); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing job error = %v, want ErrNotFound", err)
	}
	if _, err := LookupJob(ctx, id, brokenArchive{}, archived); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("broken archive error = %v, want a real failure", err)
	}
	if _, err := LookupJob(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("no archives error = %v, want ErrNotFound", err)
	}
}
