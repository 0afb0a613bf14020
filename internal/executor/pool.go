// Package executor runs inference work on a fixed-size worker pool so that
// model invocations never exceed a configured concurrency, no matter how many
// requests arrive at once.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ambiware-labs/timbre/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrClosed is returned by Submit after the pool has shut down.
var ErrClosed = errors.New("executor closed")

// Task is a unit of inference work. The context passed in is canceled when
// the pool shuts down.
type Task func(ctx context.Context) error

// Future resolves to the task's error once it has run.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task finishes or ctx is canceled. A context error
// does not stop the task; use Done to observe when it actually finishes.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed once the task has run.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the task's error. Only valid after Done is closed.
func (f *Future) Err() error { return f.err }

type item struct {
	task   Task
	future *Future
}

// Pool executes tasks on cfg.Workers goroutines with a bounded queue.
type Pool struct {
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan item
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	submitters sync.WaitGroup

	inflight metric.Int64UpDownCounter
}

// New starts the worker pool.
func New(ctx context.Context, cfg config.ExecutorConfig, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	cctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		log:    logger.With(slog.String("component", "executor")),
		ctx:    cctx,
		cancel: cancel,
		queue:  make(chan item, cfg.QueueSize),
	}

	meter := otel.Meter("github.com/ambiware-labs/timbre/executor")
	inflight, err := meter.Int64UpDownCounter("timbre.executor.inflight",
		metric.WithDescription("Inference tasks currently queued or running"))
	if err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		p.inflight = inflight
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.log.Info("executor started", slog.Int("workers", cfg.Workers), slog.Int("queue_size", cfg.QueueSize))
	return p
}

// Submit enqueues task and returns a Future for its result. Submit blocks
// when the queue is full; it fails with ErrClosed after Close and with the
// context error when ctx expires while waiting for a slot.
func (p *Pool) Submit(ctx context.Context, task Task) (*Future, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.submitters.Add(1)
	p.mu.Unlock()
	defer p.submitters.Done()

	future := &Future{done: make(chan struct{})}
	if p.inflight != nil {
		p.inflight.Add(ctx, 1)
	}
	select {
	case p.queue <- item{task: task, future: future}:
		return future, nil
	case <-ctx.Done():
		if p.inflight != nil {
			p.inflight.Add(ctx, -1)
		}
		return nil, ctx.Err()
	}
}

// Run submits task and waits for it to finish.
func (p *Pool) Run(ctx context.Context, task Task) error {
	future, err := p.Submit(ctx, task)
	if err != nil {
		return err
	}
	return future.Wait(ctx)
}

// Close stops accepting new work and waits for queued tasks to drain before
// canceling the task context.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.submitters.Wait()
	close(p.queue)
	p.wg.Wait()
	p.cancel()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for it := range p.queue {
		it.future.err = p.runTask(it.task)
		if p.inflight != nil {
			p.inflight.Add(context.Background(), -1)
		}
		close(it.future.done)
	}
}

func (p *Pool) runTask(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("inference task panicked: %v", r)
			p.log.Error("recovered from task panic", slog.Any("panic", r))
		}
	}()
	return task(p.ctx)
}
