package tracker

import (
	"context"
	"log"

	"github.com/Run1e/STRIKER-sub000/internal/msg"
)

// BusDispatcher adapts a blocking dispatch function into the
// non-blocking Dispatcher the tracker needs, preserving emission
// order through a buffered channel drained by one goroutine. The
// goroutine exits when ctx is cancelled; events that overflow the
// buffer are dropped with a log line rather than stalling the broker.
func BusDispatcher(ctx context.Context, logger *log.Logger, dispatch func(ctx context.Context, m msg.Message) error) Dispatcher {
	ch := make(chan msg.Message, 256)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-ch:
				if err := dispatch(ctx, m); err != nil {
					logger.Printf("dispatching progression event name=%s error=%v", m.MessageName(), err)
				}
			}
		}
	}()

	return func(m msg.Message) {
		select {
		case ch <- m:
		default:
			logger.Printf("progression buffer full, dropping event name=%s", m.MessageName())
		}
	}
}
