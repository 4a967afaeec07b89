// Package live implements the reactive query layer: a subscriber registers
// a query and receives its result now and again every time a write touches
// any state the query's last execution read. Re-delivery is driven by
// explicit invalidation keys published by the write paths, not by
// re-broadcasting every write to every subscriber.
package live

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// QueryFunc executes one read and reports the result together with the
// dependency keys the read touched. Each execution must observe a single
// consistent snapshot of its dependencies (one SQL statement or one Redis
// round trip), so delivered results are internally consistent.
type QueryFunc func(ctx context.Context) (result interface{}, deps []Key, err error)

// DeliverFunc receives query results. It is called once with the initial
// result during Subscribe and again after every relevant invalidation.
// Errors from re-execution are delivered too, so the subscriber can decide
// whether to resubscribe or surface the failure.
type DeliverFunc func(result interface{}, err error)

type subscription struct {
	id      string
	query   QueryFunc
	deliver DeliverFunc
	deps    map[Key]struct{}

	// rerun coalescing: pending means at least one invalidation arrived
	// since the last run started; running means a worker owns the
	// subscription. Both are guarded by the engine mutex.
	pending bool
	running bool
	closed  bool

	// deliverMu serializes deliveries with Unsubscribe: the closed check and
	// the deliver call happen under it, so once Unsubscribe returns no
	// further delivery can occur. Always acquired before the engine mutex.
	deliverMu sync.Mutex
}

// Engine tracks live subscriptions and their dependency sets, and re-runs
// the intersecting ones when keys are invalidated. Reruns go through a
// bounded worker pool; per subscription they are serialized and coalesced,
// so a burst of invalidations costs one rerun.
type Engine struct {
	ctx     context.Context
	cancel  context.CancelFunc
	workers chan struct{}

	mu    sync.Mutex
	subs  map[string]*subscription
	index map[Key]map[string]*subscription

	// onRerun, if set, is called once per completed re-execution.
	// Used for metrics.
	onRerun func()
}

// NewEngine creates an engine whose reruns are bounded to maxWorkers
// concurrent query executions.
func NewEngine(maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		ctx:     ctx,
		cancel:  cancel,
		workers: make(chan struct{}, maxWorkers),
		subs:    make(map[string]*subscription),
		index:   make(map[Key]map[string]*subscription),
	}
}

// SetRerunHook registers a callback invoked after every rerun. Must be set
// before the first Subscribe.
func (e *Engine) SetRerunHook(fn func()) {
	e.onRerun = fn
}

// Subscribe runs the query once, records its dependency set, delivers the
// initial result, and keeps the subscription live until Unsubscribe. The id
// must be unique among live subscriptions.
func (e *Engine) Subscribe(ctx context.Context, id string, query QueryFunc, deliver DeliverFunc) error {
	result, deps, err := query(ctx)
	if err != nil {
		return fmt.Errorf("live: initial run of %s: %w", id, err)
	}

	sub := &subscription{
		id:      id,
		query:   query,
		deliver: deliver,
		deps:    make(map[Key]struct{}, len(deps)),
	}

	e.mu.Lock()
	if _, exists := e.subs[id]; exists {
		e.mu.Unlock()
		return fmt.Errorf("live: duplicate subscription id %s", id)
	}
	e.subs[id] = sub
	e.setDeps(sub, deps)
	e.mu.Unlock()

	sub.deliverMu.Lock()
	e.mu.Lock()
	closed := sub.closed
	e.mu.Unlock()
	if !closed {
		deliver(result, nil)
	}
	sub.deliverMu.Unlock()
	return nil
}

// Unsubscribe removes a subscription. It is idempotent; a rerun already in
// flight will not deliver after removal. If a delivery is mid-call it blocks
// until that delivery returns.
func (e *Engine) Unsubscribe(id string) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	e.mu.Unlock()
	if !ok {
		return
	}

	sub.deliverMu.Lock()
	e.mu.Lock()
	sub.closed = true
	sub.pending = false
	e.setDeps(sub, nil)
	delete(e.subs, id)
	e.mu.Unlock()
	sub.deliverMu.Unlock()
}

// Count returns the number of live subscriptions.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Invalidate notifies the engine that the given keys were touched by a
// write. Every subscription whose dependency set intersects is re-run
// asynchronously and its new result delivered.
func (e *Engine) Invalidate(keys ...Key) {
	e.mu.Lock()
	hit := map[string]*subscription{}
	for _, key := range keys {
		for id, sub := range e.index[key] {
			hit[id] = sub
		}
	}
	for _, sub := range hit {
		sub.pending = true
		if !sub.running {
			sub.running = true
			go e.rerunLoop(sub)
		}
	}
	e.mu.Unlock()
}

// Close stops the engine; in-flight reruns are abandoned.
func (e *Engine) Close() {
	e.cancel()
}

// rerunLoop drains pending invalidations for one subscription, one query
// execution at a time. A new invalidation arriving mid-run sets pending
// again and is absorbed by the next loop iteration.
func (e *Engine) rerunLoop(sub *subscription) {
	for {
		e.mu.Lock()
		if sub.closed || !sub.pending {
			sub.running = false
			e.mu.Unlock()
			return
		}
		sub.pending = false
		e.mu.Unlock()

		select {
		case e.workers <- struct{}{}:
		case <-e.ctx.Done():
			e.mu.Lock()
			sub.running = false
			e.mu.Unlock()
			return
		}

		result, deps, err := sub.query(e.ctx)
		<-e.workers

		sub.deliverMu.Lock()
		e.mu.Lock()
		if sub.closed {
			sub.running = false
			e.mu.Unlock()
			sub.deliverMu.Unlock()
			return
		}
		if err == nil {
			// Refresh the dependency set: the records a query reads can
			// change between executions.
			e.setDeps(sub, deps)
		}
		e.mu.Unlock()

		if err != nil {
			log.Printf("[live] rerun %s: %v", sub.id, err)
		}
		sub.deliver(result, err)
		sub.deliverMu.Unlock()

		if e.onRerun != nil {
			e.onRerun()
		}
	}
}

// setDeps replaces sub's dependency set and updates the inverted index.
// Caller holds e.mu.
func (e *Engine) setDeps(sub *subscription, deps []Key) {
	for key := range sub.deps {
		if byID := e.index[key]; byID != nil {
			delete(byID, sub.id)
			if len(byID) == 0 {
				delete(e.index, key)
			}
		}
	}
	sub.deps = make(map[Key]struct{}, len(deps))
	for _, key := range deps {
		sub.deps[key] = struct{}{}
		byID := e.index[key]
		if byID == nil {
			byID = make(map[string]*subscription)
			e.index[key] = byID
		}
		byID[sub.id] = sub
	}
}
