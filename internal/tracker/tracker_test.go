package tracker

import (
	"fmt"
	"testing"
	"time"

	"github.com/Run1e/STRIKER-sub000/internal/msg"
)

type emission struct {
	id      string
	infront int
}

func (e emission) String() string {
	return fmt.Sprintf("%s@%d", e.id, e.infront)
}

type harness struct {
	tracker *Tracker
	got     []emission
	clock   time.Time
}

// newHarness builds a tracker with an injected clock. Processing
// emissions are recorded with infront zero.
func newHarness(interval time.Duration, maxUpdates int) *harness {
	h := &harness{clock: time.Unix(1000, 0)}
	h.tracker = New(Config{
		UpdateInterval: interval,
		MaxUpdates:     maxUpdates,
		Dispatch: func(m msg.Message) {
			p := m.(*msg.DemoParseProgression)
			h.got = append(h.got, emission{id: p.Identifier, infront: p.Infront})
		},
		Processing: func(id string) msg.Message {
			return &msg.DemoParseProgression{Identifier: id}
		},
		Enqueued: func(id string, infront int) msg.Message {
			return &msg.DemoParseProgression{Identifier: id, Infront: infront}
		},
	})
	h.tracker.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock = h.clock.Add(d)
}

func (h *harness) expect(t *testing.T, want ...emission) {
	t.Helper()
	if len(h.got) != len(want) {
		t.Fatalf("emissions: got %v, want %v", h.got, want)
	}
	for i := range want {
		if h.got[i] != want[i] {
			t.Fatalf("emission %d: got %v, want %v", i, h.got[i], want[i])
		}
	}
	h.got = h.got[:0]
}

func TestSendEmitsProcessingThenPositions(t *testing.T) {
	t.Parallel()

	h := newHarness(time.Second, 10)
	h.tracker.Send("1")
	h.tracker.Send("2")
	h.tracker.Send("3")

	h.expect(t,
		emission{"1", 0},
		emission{"2", 1},
		emission{"3", 2},
	)
}

func TestRecvUnknownIDIsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(time.Second, 10)
	h.tracker.Send("1")
	h.got = h.got[:0]

	h.tracker.Recv("99")
	h.expect(t)
	if h.tracker.Len() != 1 {
		t.Fatalf("expected 1 tracked id, got %d", h.tracker.Len())
	}
}

func TestRecvDrainsToEmpty(t *testing.T) {
	t.Parallel()

	h := newHarness(time.Second, 10)
	h.tracker.Send("1")
	h.got = h.got[:0]

	h.tracker.Recv("1")
	h.expect(t)
	if h.tracker.Len() != 0 {
		t.Fatalf("expected empty tracker, got %d", h.tracker.Len())
	}
}

func TestRecvBeforeIntervalOnlyPromotes(t *testing.T) {
	t.Parallel()

	h := newHarness(time.Second, 10)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		h.tracker.Send(id)
	}
	h.got = h.got[:0]

	// No time has passed, so only the promotion to processing fires.
	h.tracker.Recv("1")
	h.expect(t, emission{"2", 0})

	// Once the interval passes the next drain refreshes positions.
	h.advance(200 * time.Millisecond)
	h.tracker.Recv("2")
	h.expect(t,
		emission{"3", 0},
		emission{"4", 1},
		emission{"5", 2},
	)
}

func TestRecvAfterIntervalRefreshesPositions(t *testing.T) {
	t.Parallel()

	h := newHarness(100*time.Millisecond, 10)
	h.tracker.Send("1")
	h.tracker.Send("2")
	h.tracker.Send("3")
	h.got = h.got[:0]

	h.advance(200 * time.Millisecond)
	h.tracker.Recv("1")
	h.expect(t,
		emission{"2", 0},
		emission{"3", 1},
	)

	h.tracker.Send("4")
	h.expect(t, emission{"4", 2})
}

func TestRecvHonorsMaxUpdates(t *testing.T) {
	t.Parallel()

	h := newHarness(100*time.Millisecond, 2)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		h.tracker.Send(id)
	}
	h.got = h.got[:0]

	h.advance(200 * time.Millisecond)
	h.tracker.Recv("1")

	// Promotion first, then at most two position refreshes, oldest
	// update first.
	h.expect(t,
		emission{"2", 0},
		emission{"3", 1},
		emission{"4", 2},
	)
}

func TestRecvOutOfOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(100*time.Millisecond, 10)
	h.tracker.Send("1")
	h.tracker.Send("2")
	h.tracker.Send("3")
	h.got = h.got[:0]

	h.advance(200 * time.Millisecond)
	h.tracker.Recv("2")

	// "1" already got its processing event, so "3" is the first
	// untracked id and gets promoted despite not being at the front.
	h.expect(t, emission{"3", 0})
	if h.tracker.Len() != 2 {
		t.Fatalf("expected 2 tracked ids, got %d", h.tracker.Len())
	}
}
