package wasm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned by Authorize after Shutdown.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Pool shares a compiled module between concurrent callers. Each call gets
// a worker of its own.
type Pool interface {
	// Authorize runs the guest on an idle worker, creating one when below
	// MaxWorkers, or waits until a worker is released or ctx is done.
	Authorize(ctx context.Context, payload []byte) ([]byte, error)

	// Stats reports worker counts.
	Stats() PoolStats

	// Shutdown closes idle workers. Busy workers close when released.
	Shutdown(ctx context.Context) error
}

// PoolStats is a point-in-time view of a pool.
type PoolStats struct {
	Workers int `json:"workers"`
	Active  int `json:"active"`
}

// PoolConfig holds configuration for the worker pool.
type PoolConfig struct {
	MinWorkers int
	MaxWorkers int
	Module     Module
}

// NewPool creates a pool and pre-warms MinWorkers instances.
func NewPool(ctx context.Context, config PoolConfig) (Pool, error) {
	if config.MinWorkers < 0 {
		return nil, errors.New("min workers cannot be negative")
	}
	if config.MaxWorkers < 1 {
		return nil, errors.New("max workers must be at least 1")
	}
	if config.MinWorkers > config.MaxWorkers {
		return nil, errors.New("min workers cannot be greater than max workers")
	}
	if config.Module == nil {
		return nil, errors.New("module cannot be nil")
	}

	p := &pool{
		maxWorkers: int32(config.MaxWorkers),
		module:     config.Module,
		idle:       make(chan Worker, config.MaxWorkers),
		shutdown:   make(chan struct{}),
	}

	for range config.MinWorkers {
		w, err := config.Module.Instantiate(ctx)
		if err != nil {
			p.closeIdle(ctx)
			return nil, err
		}
		p.idle <- w
		p.workers.Add(1)
	}

	return p, nil
}

type pool struct {
	maxWorkers int32
	module     Module
	idle       chan Worker
	workers    atomic.Int32
	active     atomic.Int32

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func (p *pool) Authorize(ctx context.Context, payload []byte) ([]byte, error) {
	select {
	case <-p.shutdown:
		return nil, ErrPoolShutdown
	default:
	}

	w, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	out, err := w.Authorize(ctx, payload)
	if err != nil && ctx.Err() != nil {
		// The instance was closed when the context ended.
		p.discard(w)
		return nil, err
	}
	p.release(w)
	return out, err
}

func (p *pool) Stats() PoolStats {
	return PoolStats{
		Workers: int(p.workers.Load()),
		Active:  int(p.active.Load()),
	}
}

func (p *pool) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
		err = p.closeIdle(ctx)
	})
	return err
}

func (p *pool) acquire(ctx context.Context) (Worker, error) {
	select {
	case w := <-p.idle:
		p.active.Add(1)
		return w, nil
	default:
	}

	// Reserve a slot before instantiating so concurrent callers cannot
	// overshoot MaxWorkers.
	for {
		n := p.workers.Load()
		if n >= p.maxWorkers {
			break
		}
		if !p.workers.CompareAndSwap(n, n+1) {
			continue
		}
		w, err := p.module.Instantiate(ctx)
		if err != nil {
			p.workers.Add(-1)
			return nil, err
		}
		p.active.Add(1)
		return w, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.shutdown:
		return nil, ErrPoolShutdown
	case w := <-p.idle:
		p.active.Add(1)
		return w, nil
	}
}

func (p *pool) release(w Worker) {
	p.active.Add(-1)

	select {
	case <-p.shutdown:
		p.retire(w)
		return
	default:
	}

	select {
	case p.idle <- w:
	default:
		p.retire(w)
	}
}

func (p *pool) discard(w Worker) {
	p.active.Add(-1)
	p.retire(w)
}

func (p *pool) retire(w Worker) {
	_ = w.Close(context.Background())
	p.workers.Add(-1)
}

func (p *pool) closeIdle(ctx context.Context) error {
	var errs []error
	for {
		select {
		case w := <-p.idle:
			if err := w.Close(ctx); err != nil {
				errs = append(errs, err)
			}
			p.workers.Add(-1)
		default:
			return errors.Join(errs...)
		}
	}
}
