package internal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Listener observes every job state change. Calls are made from a single
// goroutine in the order the changes happened.
type Listener interface {
	JobChanged(ctx context.Context, job Job) error
}

const listenerTimeout = 10 * time.Second

// dispatcher fans job snapshots out to listeners without blocking the
// registry lock.
type dispatcher struct {
	listeners []Listener
	logger    zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Job
	closed bool
	done   chan struct{}
}

func newDispatcher(listeners []Listener, logger zerolog.Logger) *dispatcher {
	d := &dispatcher{
		listeners: listeners,
		logger:    logger,
		done:      make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	go d.loop()
	return d
}

func (d *dispatcher) publish(job Job) {
	if len(d.listeners) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.queue = append(d.queue, job)
	d.cond.Signal()
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, job := range batch {
			d.deliver(job)
		}
	}
}

func (d *dispatcher) deliver(job Job) {
	for _, l := range d.listeners {
		ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
		if err := l.JobChanged(ctx, job); err != nil {
			jobLogger(d.logger, job).Warn().Err(err).Str("status", string(job.Status)).Msg("job listener failed")
		}
		cancel()
	}
}

// close delivers whatever is queued and stops the loop.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.cond.Signal()
	d.mu.Unlock()
	<-d.done
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, job Job) error

func (f ListenerFunc) JobChanged(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// TerminalOnly forwards only snapshots in a terminal state.
func TerminalOnly(l Listener) Listener {
	return ListenerFunc(func(ctx context.Context, job Job) error {
		if !job.Status.IsTerminal() {
			return nil
		}
		return l.JobChanged(ctx, job)
	})
}
