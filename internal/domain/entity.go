package domain

import "github.com/Run1e/STRIKER-sub000/internal/msg"

// eventBuffer collects the events an entity's transitions produce
// until the unit of work drains them.
type eventBuffer struct {
	events []msg.Message
}

func (b *eventBuffer) record(m msg.Message) {
	b.events = append(b.events, m)
}

// DrainEvents returns and clears the buffered events.
func (b *eventBuffer) DrainEvents() []msg.Message {
	events := b.events
	b.events = nil
	return events
}
