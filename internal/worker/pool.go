package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pool manages a set of workers over one job source. Scaling up adds
// workers; scaling down stops the newest ones gracefully.
type Pool struct {
	source         JobSource
	process        Processor
	dequeueTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	workers []*Worker
	next    int
}

// PoolStatus is a point-in-time snapshot of the pool.
type PoolStatus struct {
	Count   int               `json:"count"`
	Workers map[string]string `json:"workers"`
}

// NewPool creates a pool of size n; workers are not started until Start.
func NewPool(n int, source JobSource, process Processor, dequeueTimeout time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		source:         source,
		process:        process,
		dequeueTimeout: dequeueTimeout,
		logger:         logger,
	}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, p.newWorker())
	}
	return p
}

func (p *Pool) newWorker() *Worker {
	p.next++
	id := fmt.Sprintf("worker-%d", p.next)
	return NewWorker(id, p.source, p.process, p.dequeueTimeout, p.logger)
}

// Start launches every worker under ctx.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx = ctx
	for _, w := range p.workers {
		w.Start(ctx)
	}
	p.logger.Info("pool.started", "workers", len(p.workers))
}

// Stop stops all workers, giving each up to timeout to finish its current
// job. It returns false if any worker missed the deadline.
func (p *Pool) Stop(timeout time.Duration) bool {
	p.mu.Lock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.Unlock()

	var (
		mu    sync.Mutex
		clean = true
		wg    sync.WaitGroup
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if !w.Stop(timeout) {
				mu.Lock()
				clean = false
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	p.logger.Info("pool.stopped", "clean", clean)
	return clean
}

// ScaleTo adjusts the pool to n workers. New workers start immediately if
// the pool is running; removed workers stop gracefully.
func (p *Pool) ScaleTo(n int) error {
	if n < 0 {
		return fmt.Errorf("worker count must be non-negative, got %d", n)
	}
	p.mu.Lock()
	var added []*Worker
	var removed []*Worker
	for len(p.workers) < n {
		w := p.newWorker()
		p.workers = append(p.workers, w)
		added = append(added, w)
	}
	if len(p.workers) > n {
		removed = p.workers[n:]
		p.workers = p.workers[:n]
	}
	ctx := p.ctx
	p.mu.Unlock()

	if ctx != nil {
		for _, w := range added {
			w.Start(ctx)
		}
	}
	for _, w := range removed {
		w.Stop(30 * time.Second)
	}
	p.logger.Info("pool.scaled", "workers", n, "added", len(added), "removed", len(removed))
	return nil
}

// Status reports each worker's state.
func (p *Pool) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := PoolStatus{Count: len(p.workers), Workers: make(map[string]string, len(p.workers))}
	for _, w := range p.workers {
		st.Workers[w.id] = w.Status()
	}
	return st
}
