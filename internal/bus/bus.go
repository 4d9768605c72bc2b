// Package bus implements the in-process message bus: command routing,
// event fan-out, unit-of-work scoping and one-shot event waiters.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Run1e/STRIKER-sub000/internal/msg"
)

// UnitOfWork is the transactional scope the bus injects into handlers
// that ask for one. Close rolls back anything left uncommitted and
// drains the pending messages of every tracked entity.
type UnitOfWork interface {
	Close(ctx context.Context) error
	Messages() []msg.Message
}

// UnitOfWorkFactory opens a fresh unit of work for one handler
// invocation.
type UnitOfWorkFactory func(ctx context.Context) (UnitOfWork, error)

// HandlerFunc processes one message. The uow argument is nil unless
// the handler was registered with NeedsUoW.
type HandlerFunc func(ctx context.Context, m msg.Message, uow UnitOfWork) error

// Handler pairs a handler function with its dependency declaration.
type Handler struct {
	Fn       HandlerFunc
	NeedsUoW bool
}

type waiter struct {
	check func(msg.Message) bool
	ch    chan msg.Message
}

// Bus routes commands to their single handler and events to every
// registered listener, dispatching unit-of-work messages after each
// handler completes.
type Bus struct {
	log     *log.Logger
	factory UnitOfWorkFactory

	mu        sync.Mutex
	commands  map[string]Handler
	listeners map[string][]Handler
	waiters   map[string][]*waiter
}

// New returns an empty bus. The factory may be nil if no registered
// handler declares NeedsUoW.
func New(logger *log.Logger, factory UnitOfWorkFactory) *Bus {
	return &Bus{
		log:       logger,
		factory:   factory,
		commands:  make(map[string]Handler),
		listeners: make(map[string][]Handler),
		waiters:   make(map[string][]*waiter),
	}
}

// RegisterCommandHandler installs the single handler for a command
// type. Registering a second handler for the same type is a wiring
// bug and returns an error.
func (b *Bus) RegisterCommandHandler(name string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.commands[name]; ok {
		return fmt.Errorf("command %q already has a handler", name)
	}

	b.commands[name] = h
	return nil
}

// RegisterEventListener appends a listener for an event type.
func (b *Bus) RegisterEventListener(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.listeners[name] = append(b.listeners[name], h)
}

// HandledCommands lists the command types with a registered handler.
func (b *Bus) HandledCommands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.commands))
	for name := range b.commands {
		names = append(names, name)
	}
	return names
}

// ListenedEvents lists the event types with at least one listener.
func (b *Bus) ListenedEvents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.listeners))
	for name := range b.listeners {
		names = append(names, name)
	}
	return names
}

// Dispatch routes a message to its handler or listeners. A command
// without a handler is logged and dropped. An event with no listeners
// is a no-op. Messages accumulated by a handler's unit of work are
// dispatched in FIFO order after the handler returns.
func (b *Bus) Dispatch(ctx context.Context, m msg.Message) error {
	name := m.MessageName()

	switch m.MessageKind() {
	case msg.KindCommand:
		b.mu.Lock()
		h, ok := b.commands[name]
		b.mu.Unlock()

		if !ok {
			b.log.Printf("no handler for command name=%s", name)
			return nil
		}
		return b.invoke(ctx, m, h)

	case msg.KindEvent:
		b.resolveWaiters(m)

		b.mu.Lock()
		handlers := make([]Handler, len(b.listeners[name]))
		copy(handlers, b.listeners[name])
		b.mu.Unlock()

		var firstErr error
		for _, h := range handlers {
			if err := b.invoke(ctx, m, h); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr

	default:
		return fmt.Errorf("message %q has unknown kind %d", name, m.MessageKind())
	}
}

func (b *Bus) invoke(ctx context.Context, m msg.Message, h Handler) error {
	if !h.NeedsUoW {
		return h.Fn(ctx, m, nil)
	}

	if b.factory == nil {
		return errors.New("handler needs a unit of work but no factory is configured")
	}

	uow, err := b.factory(ctx)
	if err != nil {
		return fmt.Errorf("opening unit of work: %w", err)
	}

	handlerErr := h.Fn(ctx, m, uow)
	if closeErr := uow.Close(ctx); closeErr != nil {
		b.log.Printf("closing unit of work name=%s error=%v", m.MessageName(), closeErr)
	}

	if handlerErr != nil {
		return handlerErr
	}

	for _, queued := range uow.Messages() {
		if err := b.Dispatch(ctx, queued); err != nil {
			return err
		}
	}
	return nil
}

// WaitFor blocks until an event with the given name passes check, or
// the timeout elapses. It returns nil on timeout or context
// cancellation. A nil check matches any event of the type.
func (b *Bus) WaitFor(ctx context.Context, name string, check func(msg.Message) bool, timeout time.Duration) msg.Message {
	w := &waiter{check: check, ch: make(chan msg.Message, 1)}

	b.mu.Lock()
	b.waiters[name] = append(b.waiters[name], w)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m := <-w.ch:
		return m
	case <-timer.C:
	case <-ctx.Done():
	}

	b.removeWaiter(name, w)

	// A dispatch may have resolved the waiter while we were timing
	// out. Prefer the delivered event.
	select {
	case m := <-w.ch:
		return m
	default:
		return nil
	}
}

func (b *Bus) resolveWaiters(m msg.Message) {
	name := m.MessageName()

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.waiters[name][:0]
	for _, w := range b.waiters[name] {
		if w.check == nil || w.check(m) {
			w.ch <- m
			continue
		}
		kept = append(kept, w)
	}

	if len(kept) == 0 {
		delete(b.waiters, name)
		return
	}
	b.waiters[name] = kept
}

func (b *Bus) removeWaiter(name string, target *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.waiters[name][:0]
	for _, w := range b.waiters[name] {
		if w != target {
			kept = append(kept, w)
		}
	}

	if len(kept) == 0 {
		delete(b.waiters, name)
		return
	}
	b.waiters[name] = kept
}
