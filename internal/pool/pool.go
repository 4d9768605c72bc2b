// Package pool implements a FIFO pool of removable resources, used by
// recording clients to hand engine instances to workers and to retire
// crashed ones.
package pool

import (
	"context"
	"log"
	"sync"
)

// RemovalFunc is called once when a resource is removed with an error,
// typically to build and add a replacement.
type RemovalFunc[R comparable] func(p *Pool[R], r R, reason error)

// Pool hands out resources in FIFO order. Removed resources are
// remembered so late releases of them are dropped instead of re-added.
type Pool[R comparable] struct {
	log       *log.Logger
	onRemoval RemovalFunc[R]

	mu      sync.Mutex
	free    []R
	waiters []chan R
	removed map[R]struct{}
}

// New returns an empty pool. onRemoval may be nil.
func New[R comparable](logger *log.Logger, onRemoval RemovalFunc[R]) *Pool[R] {
	return &Pool[R]{
		log:       logger,
		onRemoval: onRemoval,
		removed:   make(map[R]struct{}),
	}
}

// Add puts a resource into the pool, waking the oldest waiter if any.
// A previously removed handle becomes live again.
func (p *Pool[R]) Add(r R) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.removed, r)
	p.log.Printf("adding resource=%v total=%d", r, len(p.free)+1)
	p.put(r)
}

// Acquire takes the oldest free resource, blocking until one is
// available or ctx is done.
func (p *Pool[R]) Acquire(ctx context.Context) (R, error) {
	p.mu.Lock()
	if len(p.free) > 0 {
		r := p.free[0]
		p.free = p.free[1:]
		p.mu.Unlock()
		return r, nil
	}

	ch := make(chan R, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		p.dropWaiter(ch)
		// The resource may have been handed over while we were
		// cancelling. Put it back.
		select {
		case r := <-ch:
			p.Release(r)
		default:
		}
		var zero R
		return zero, ctx.Err()
	}
}

// Release returns a resource to the pool. Releases of removed
// resources are dropped.
func (p *Pool[R]) Release(r R) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, gone := p.removed[r]; gone {
		p.log.Printf("dropping release of removed resource=%v", r)
		return
	}
	p.put(r)
}

// Remove retires a resource. It is idempotent; the first removal
// reports true and triggers the removal callback.
func (p *Pool[R]) Remove(r R, reason error) bool {
	p.mu.Lock()
	if _, gone := p.removed[r]; gone {
		p.mu.Unlock()
		return false
	}

	p.removed[r] = struct{}{}
	for i, free := range p.free {
		if free == r {
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	p.log.Printf("removing resource=%v reason=%v total=%d", r, reason, len(p.free))
	p.mu.Unlock()

	if p.onRemoval != nil {
		p.onRemoval(p, r, reason)
	}
	return true
}

// With runs fn with an acquired resource. A nil error releases the
// resource back to the pool; an error retires it asynchronously and
// is returned to the caller.
func (p *Pool[R]) With(ctx context.Context, fn func(r R) error) error {
	r, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	if err := fn(r); err != nil {
		go p.Remove(r, err)
		return err
	}

	p.Release(r)
	return nil
}

// Len reports how many resources are free right now.
func (p *Pool[R]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// put hands the resource to the oldest waiter or stores it. Caller
// holds p.mu.
func (p *Pool[R]) put(r R) {
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- r
		return
	}
	p.free = append(p.free, r)
}

func (p *Pool[R]) dropWaiter(target chan R) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, ch := range p.waiters {
		if ch == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}
