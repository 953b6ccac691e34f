// Package worker runs blocking work on a fixed set of goroutines so callers
// on a latency-sensitive path can wait on a result without doing the work.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrPoolClosed = errors.New("worker: pool closed")

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Pool is a bounded set of workers. Jobs have no intrinsic timeout; a job
// that never returns holds its worker until it does.
type Pool struct {
	size int
	jobs chan job
	quit chan struct{}
	g    *errgroup.Group
	log  *zap.Logger

	closeOnce sync.Once
}

// New starts size workers; size <= 0 uses GOMAXPROCS.
func New(size int, log *zap.Logger) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pool{
		size: size,
		jobs: make(chan job),
		quit: make(chan struct{}),
		g:    &errgroup.Group{},
		log:  log,
	}
	for range size {
		p.g.Go(p.work)
	}
	log.Info("worker pool started", zap.Int("workers", size))
	return p
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) work() error {
	for {
		select {
		case <-p.quit:
			return nil
		case j := <-p.jobs:
			j.done <- p.run(j)
		}
	}
}

func (p *Pool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker job panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("worker: job panicked: %v", r)
		}
	}()
	if err := j.ctx.Err(); err != nil {
		return err
	}
	return j.fn(j.ctx)
}

// Do runs fn on a worker and waits for it. If ctx ends first Do returns
// ctx.Err(); fn keeps its worker until it observes ctx itself.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	done, err := p.Submit(ctx, fn)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit hands fn to a worker and returns the channel its result arrives
// on. Once accepted the job runs to completion even if ctx ends, so callers
// that release what fn uses must drain the channel first.
func (p *Pool) Submit(ctx context.Context, fn func(context.Context) error) (<-chan error, error) {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case <-p.quit:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case p.jobs <- j:
		return j.done, nil
	}
}

// Run is Do for a function with a result.
func Run[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Close stops accepting jobs and waits for every worker to exit, including
// any still finishing a job.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.quit)
		_ = p.g.Wait()
		p.log.Info("worker pool stopped")
	})
	return nil
}
