// Package workerpool provides the bounded pool that hosts async worker
// executions. The pool is the only point of true parallelism in the
// forecaster.
package workerpool

import "sync"

// Task is one queued unit of execution.
type Task func()

// Pool runs tasks on a bounded set of workers fed from a fixed-capacity
// queue. CoreSize workers start immediately; when the queue is full the pool
// grows one worker at a time up to maxSize before rejecting. TrySubmit never
// blocks; rejection is the backpressure signal the scheduler retries on.
type Pool struct {
	tasks   chan Task
	maxSize int

	mu      sync.Mutex
	workers int
	closed  bool

	wg sync.WaitGroup
}

// New creates a pool with coreSize initial workers, growth up to maxSize,
// and a submission queue of queueCapacity.
func New(coreSize, maxSize, queueCapacity int) *Pool {
	p := &Pool{
		tasks:   make(chan Task, queueCapacity),
		maxSize: maxSize,
	}
	p.mu.Lock()
	for i := 0; i < coreSize; i++ {
		p.startWorker()
	}
	p.mu.Unlock()
	return p
}

// startWorker must be called with p.mu held.
func (p *Pool) startWorker() {
	p.workers++
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for task := range p.tasks {
			task()
		}
	}()
}

// TrySubmit enqueues a task. Returns false when the pool is saturated
// (queue full and no growth headroom) or shut down.
func (p *Pool) TrySubmit(t Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}

	select {
	case p.tasks <- t:
		return true
	default:
	}

	if p.workers < p.maxSize {
		p.startWorker()
		select {
		case p.tasks <- t:
			return true
		default:
		}
	}

	return false
}

// Workers returns the number of started workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// QueueDepth returns the number of queued, not yet started tasks.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
}

// Wait blocks until all workers have drained the queue after Close.
func (p *Pool) Wait() {
	p.wg.Wait()
}
