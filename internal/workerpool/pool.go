// Package workerpool runs background tasks on a fixed set of goroutines with
// a bounded queue. Callers on latency-sensitive paths use TrySubmit and
// drop work when the queue is full.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of background work.
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Config holds pool settings.
type Config struct {
	Name        string
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

// Pool is a bounded worker pool. Tasks run with a context that is cancelled
// when the pool stops or the task timeout elapses.
type Pool struct {
	name        string
	taskTimeout time.Duration
	queue       chan Task
	logger      *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  atomic.Bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a pool.
func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:        cfg.Name,
		taskTimeout: cfg.TaskTimeout,
		queue:       make(chan Task, cfg.QueueSize),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for task := range p.queue {
		p.execute(task)
	}
}

func (p *Pool) execute(task Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.taskTimeout)
	defer cancel()

	start := time.Now()
	err := p.safeExecute(ctx, task)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("background task failed",
			zap.String("pool", p.name),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

func (p *Pool) safeExecute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(ctx)
}

// TrySubmit queues task without blocking. It returns false when the queue is
// full or the pool is stopped.
func (p *Pool) TrySubmit(task Task) (accepted bool) {
	if p.stopped.Load() {
		p.rejected.Add(1)
		return false
	}
	defer func() {
		// Stop closed the queue between the check and the send.
		if recover() != nil {
			p.rejected.Add(1)
			accepted = false
		}
	}()

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// Stop stops accepting tasks, lets queued tasks drain until timeout, then
// cancels whatever is still running.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.queue)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			p.cancel()
			<-done
			err = fmt.Errorf("worker pool %s did not drain within %v", p.name, timeout)
		}
		p.cancel()
	})
	return err
}

// Stats is a point-in-time view of the pool counters.
type Stats struct {
	Name      string
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
