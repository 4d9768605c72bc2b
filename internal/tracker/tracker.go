// Package tracker maintains queue position state for an outbound
// command queue and emits rate limited progression events as the
// queue drains.
package tracker

import (
	"sync"
	"time"

	"github.com/Run1e/STRIKER-sub000/internal/msg"
)

// Dispatcher receives the progression events the tracker emits. It
// must not block; see BusDispatcher for the buffered adapter used in
// production wiring.
type Dispatcher func(m msg.Message)

// Tracker mirrors one logical command queue. Send records a published
// command, Recv records its terminal event. Position zero emits a
// processing event exactly once per id, later positions emit enqueued
// events throttled by the update interval and capped per drain.
type Tracker struct {
	updateInterval time.Duration
	maxUpdates     int
	dispatch       Dispatcher
	processing     func(id string) msg.Message
	enqueued       func(id string, infront int) msg.Message
	now            func() time.Time

	mu             sync.Mutex
	queue          []string
	processingSent map[string]struct{}
	lastUpdate     map[string]time.Time
	seq            map[string]int
	nextSeq        int
}

// Config bundles the tracker knobs and event constructors.
type Config struct {
	// UpdateInterval is the minimum spacing between enqueued events
	// for the same id.
	UpdateInterval time.Duration
	// MaxUpdates caps how many enqueued events one Recv may emit.
	MaxUpdates int
	// Dispatch receives every emitted event.
	Dispatch Dispatcher
	// Processing builds the event for an id that reached the front.
	Processing func(id string) msg.Message
	// Enqueued builds the event for an id still waiting, with the
	// number of ids in front of it.
	Enqueued func(id string, infront int) msg.Message
}

// New returns a tracker for one logical queue.
func New(cfg Config) *Tracker {
	return &Tracker{
		updateInterval: cfg.UpdateInterval,
		maxUpdates:     cfg.MaxUpdates,
		dispatch:       cfg.Dispatch,
		processing:     cfg.Processing,
		enqueued:       cfg.Enqueued,
		now:            time.Now,
		processingSent: make(map[string]struct{}),
		lastUpdate:     make(map[string]time.Time),
		seq:            make(map[string]int),
	}
}

// Send records a command published with the given correlation id. An
// id entering an empty queue is immediately processing, otherwise it
// learns its position.
func (t *Tracker) Send(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasEmpty := len(t.queue) == 0
	t.queue = append(t.queue, id)

	if wasEmpty {
		t.markProcessing(id)
		return
	}

	t.lastUpdate[id] = t.now()
	t.seq[id] = t.nextSeq
	t.nextSeq++
	t.dispatch(t.enqueued(id, len(t.queue)-1))
}

// Recv records the terminal event for a correlation id: the id leaves
// the queue, the new front (if untracked) goes processing, and stale
// positions are refreshed oldest first up to the per-drain cap.
// Unknown ids are ignored.
func (t *Tracker) Recv(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.remove(id) {
		return
	}

	if len(t.queue) == 0 {
		return
	}

	for _, front := range t.queue {
		if _, sent := t.processingSent[front]; !sent {
			t.markProcessing(front)
			break
		}
	}

	if len(t.queue) < 2 {
		return
	}

	now := t.now()
	updates := 0
	for _, candidate := range t.staleOrder() {
		if updates >= t.maxUpdates {
			break
		}
		if _, sent := t.processingSent[candidate]; sent {
			continue
		}
		if now.Sub(t.lastUpdate[candidate]) < t.updateInterval {
			continue
		}

		t.lastUpdate[candidate] = now
		t.dispatch(t.enqueued(candidate, t.position(candidate)))
		updates++
	}
}

// Len reports how many ids are currently tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *Tracker) markProcessing(id string) {
	t.processingSent[id] = struct{}{}
	delete(t.lastUpdate, id)
	delete(t.seq, id)
	t.dispatch(t.processing(id))
}

func (t *Tracker) remove(id string) bool {
	for i, queued := range t.queue {
		if queued == id {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			delete(t.processingSent, id)
			delete(t.lastUpdate, id)
			delete(t.seq, id)
			return true
		}
	}
	return false
}

func (t *Tracker) position(id string) int {
	for i, queued := range t.queue {
		if queued == id {
			return i
		}
	}
	return -1
}

// staleOrder returns the waiting ids ordered by least recently
// updated, breaking ties by insertion order.
func (t *Tracker) staleOrder() []string {
	ids := make([]string, 0, len(t.lastUpdate))
	for id := range t.lastUpdate {
		ids = append(ids, id)
	}

	for i := 1; i < len(ids); i++ {
		for j := i; j > 0; j-- {
			a, b := ids[j-1], ids[j]
			if t.lastUpdate[a].Before(t.lastUpdate[b]) {
				break
			}
			if t.lastUpdate[a].Equal(t.lastUpdate[b]) && t.seq[a] < t.seq[b] {
				break
			}
			ids[j-1], ids[j] = b, a
		}
	}

	return ids
}
