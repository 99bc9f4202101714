package matcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	pkgerrors "github.com/activitymesh/matchengine/pkg/errors"
)

// ErrDispatcherStopped is returned for submissions after shutdown began.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

type taskResult struct {
	outcome *Outcome
	err     error
}

type task struct {
	ctx     context.Context
	request Request
	result  chan taskResult
}

// Dispatcher fans matching requests out to a fixed worker pool. Each
// request runs in an isolated worker with no shared mutable state; the
// caller blocks on a per-task result channel.
type Dispatcher struct {
	engine  *Engine
	tasks   chan *task
	quit    chan struct{}
	workers int
	logger  *slog.Logger

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a Dispatcher with the given pool size and queue
// depth.
func NewDispatcher(engine *Engine, workers, buffer int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Dispatcher{
		engine:  engine,
		tasks:   make(chan *task, buffer),
		quit:    make(chan struct{}),
		workers: workers,
		logger:  slog.Default().With("component", "match-dispatcher"),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info("dispatcher started", "workers", d.workers, "buffer", cap(d.tasks))
}

// Stop signals shutdown and waits for in-flight requests to finish.
// Queued tasks that no worker picked up are rejected.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.wg.Wait()
		d.logger.Info("dispatcher stopped")
	})
}

// Submit enqueues a request and blocks until its worker finishes or the
// context is done.
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Outcome, error) {
	select {
	case <-d.quit:
		return nil, ErrDispatcherStopped
	default:
	}

	t := &task{ctx: ctx, request: req, result: make(chan taskResult, 1)}
	select {
	case d.tasks <- t:
	case <-d.quit:
		return nil, ErrDispatcherStopped
	case <-ctx.Done():
		return nil, pkgerrors.ErrTimeout
	}

	select {
	case res := <-t.result:
		return res.outcome, res.err
	case <-ctx.Done():
		return nil, pkgerrors.ErrTimeout
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case t := <-d.tasks:
			d.handle(t)
		case <-d.quit:
			// Drain anything that raced in before rejecting.
			for {
				select {
				case t := <-d.tasks:
					t.result <- taskResult{err: ErrDispatcherStopped}
				default:
					d.logger.Debug("worker exited", "worker", id)
					return
				}
			}
		}
	}
}

func (d *Dispatcher) handle(t *task) {
	if err := t.ctx.Err(); err != nil {
		t.result <- taskResult{err: pkgerrors.ErrTimeout}
		return
	}
	outcome, err := d.engine.Run(t.ctx, t.request)
	t.result <- taskResult{outcome: outcome, err: err}
}
