package middleware

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	domrepo "TrapLine/internal/domain/repository"
)

// SymbolRouter pins every symbol to one worker goroutine so that tick
// processing, delayed confirmations and the fire path never interleave
// their read-modify-write sequences for the same symbol. Tasks for
// different symbols may run concurrently on different shards.
type SymbolRouter struct {
	shards    []chan func()
	queueSize int
	metrics   domrepo.Metrics

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type RouterOption func(*SymbolRouter)

// WithShards sets the worker count.
func WithShards(n int) RouterOption {
	return func(r *SymbolRouter) {
		if n > 0 {
			r.shards = make([]chan func(), n)
		}
	}
}

// WithQueueSize sets the per-shard queue depth.
func WithQueueSize(n int) RouterOption {
	return func(r *SymbolRouter) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// NewSymbolRouter creates a router with the given options.
func NewSymbolRouter(metrics domrepo.Metrics, opts ...RouterOption) *SymbolRouter {
	r := &SymbolRouter{
		shards:    make([]chan func(), 8),
		queueSize: 1024,
		metrics:   metrics,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i] = make(chan func(), r.queueSize)
	}
	return r
}

// Start launches the shard workers.
func (r *SymbolRouter) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	for i := range r.shards {
		ch := r.shards[i]
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-r.stopCh:
					return
				case <-ctx.Done():
					return
				case fn := <-ch:
					if fn != nil {
						fn()
					}
				}
			}
		}()
	}
}

// Stop ends the workers. Queued tasks are dropped.
func (r *SymbolRouter) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()
	close(r.stopCh)
	r.wg.Wait()
}

// Route enqueues the task on the symbol's shard without blocking.
// Returns false when the shard queue is full; the caller decides whether
// the work can be dropped.
func (r *SymbolRouter) Route(symbol string, fn func()) bool {
	ch := r.shard(symbol)
	select {
	case ch <- fn:
		return true
	default:
		if r.metrics != nil {
			r.metrics.RecordError("router_queue_full")
		}
		return false
	}
}

// RouteWait enqueues the task, blocking until there is room or the
// context ends. Used for work that must not be dropped.
func (r *SymbolRouter) RouteWait(ctx context.Context, symbol string, fn func()) error {
	select {
	case r.shard(symbol) <- fn:
		return nil
	case <-ctx.Done():
		if r.metrics != nil {
			r.metrics.RecordError("router_enqueue_cancelled")
		}
		return fmt.Errorf("route %s: %w", symbol, ctx.Err())
	case <-r.stopCh:
		return fmt.Errorf("route %s: router stopped", symbol)
	}
}

func (r *SymbolRouter) shard(symbol string) chan func() {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}
