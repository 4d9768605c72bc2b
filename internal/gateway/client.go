package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Run1e/STRIKER-sub000/internal/msg"
)

// ErrAuthRejected means the gateway closed the connection with policy
// violation, so reconnecting is pointless.
var ErrAuthRejected = errors.New("gateway rejected the client token")

// Pipeline produces one recording. A domain error carries a user
// presentable reason; any other error is reported generically.
type Pipeline interface {
	Record(ctx context.Context, cmd *msg.RequestRecording) error
}

// ClientConfig carries the recorder node connection knobs.
type ClientConfig struct {
	// URL is the gateway websocket endpoint.
	URL string
	// Token is sent in the Authorization header on the upgrade.
	Token string
	// Game is reported in the hello frame.
	Game string
	// Workers is how many recordings run concurrently, normally the
	// engine pool size.
	Workers int
	// ReconnectBackoff is the pause between failed sessions.
	ReconnectBackoff time.Duration
}

// Client connects a recorder node to the gateway. Each worker
// announces a free slot with a ClientWaiting frame and then records
// whatever assignment comes back.
type Client struct {
	log      *log.Logger
	cfg      ClientConfig
	pipeline Pipeline
	clientID string

	slots       chan struct{}
	assignments chan *msg.RequestRecording
	outbox      chan msg.Message

	mu        sync.Mutex
	jobs      map[uuid.UUID]bool
	announced int
}

// NewClient builds a recorder node client for the given pipeline.
func NewClient(logger *log.Logger, pipeline Pipeline, cfg ClientConfig) *Client {
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	return &Client{
		log:         logger,
		cfg:         cfg,
		pipeline:    pipeline,
		clientID:    uuid.NewString()[:8],
		slots:       make(chan struct{}),
		assignments: make(chan *msg.RequestRecording),
		outbox:      make(chan msg.Message, cfg.Workers),
		jobs:        make(map[uuid.UUID]bool),
	}
}

// Run connects to the gateway and serves recordings until ctx is
// canceled. It reconnects with a fixed backoff except when the
// gateway rejects the token.
func (c *Client) Run(ctx context.Context) error {
	for i := 0; i < c.cfg.Workers; i++ {
		go c.worker(ctx)
	}

	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}

		c.log.Printf("gateway session failed err=%v; reconnecting after=%s", err, c.cfg.ReconnectBackoff)
		if err := sleepWithContext(ctx, c.cfg.ReconnectBackoff); err != nil {
			return nil
		}
	}
}

func (c *Client) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c.slots <- struct{}{}:
		}

		var cmd *msg.RequestRecording
		select {
		case <-ctx.Done():
			return
		case cmd = <-c.assignments:
		}

		c.setJob(cmd.JobID, true)
		c.log.Printf("recording job=%s demo=%s round spans ticks=%d-%d",
			cmd.JobID, cmd.Identifier, cmd.StartTick, cmd.EndTick)

		err := c.pipeline.Record(ctx, cmd)
		c.setJob(cmd.JobID, false)

		if err != nil {
			reason := "Recorder failed."
			if msg.IsDomain(err) {
				reason = msg.DomainReason(err)
			}
			c.log.Printf("recording failed job=%s err=%v", cmd.JobID, err)
			c.outbox <- &msg.RecorderFailure{JobID: cmd.JobID, Reason: reason}
		} else {
			c.log.Printf("recording finished job=%s", cmd.JobID)
			c.outbox <- &msg.RecorderSuccess{JobID: cmd.JobID}
		}
	}
}

// session runs one websocket connection until cancel or failure.
func (c *Client) session(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", c.cfg.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("gateway dial failed status=%d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("gateway dial failed: %w", err)
	}
	defer conn.Close()

	if err := c.sendHello(conn); err != nil {
		return err
	}
	c.log.Printf("connected to gateway id=%s held_jobs=%d", c.clientID, len(c.heldJobs()))

	done := make(chan struct{})
	defer close(done)

	writeErr := make(chan error, 1)
	go c.writeLoop(conn, done, writeErr)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return ErrAuthRejected
			}
			select {
			case werr := <-writeErr:
				return werr
			default:
			}
			return fmt.Errorf("gateway read failed: %w", err)
		}

		m, err := msg.DecodeFrame(frame)
		if err != nil {
			c.log.Printf("dropping undecodable gateway frame err=%v", err)
			continue
		}

		cmd, ok := m.(*msg.RequestRecording)
		if !ok {
			c.log.Printf("dropping unexpected gateway frame name=%s", m.MessageName())
			continue
		}

		c.addAnnounced(-1)
		select {
		case c.assignments <- cmd:
		case <-ctx.Done():
			return nil
		}
	}
}

// sendHello self-reports the jobs still held by local workers so a
// restarted gateway does not queue them twice.
func (c *Client) sendHello(conn *websocket.Conn) error {
	hello := &msg.ClientHello{
		ClientID: c.clientID,
		Game:     c.cfg.Game,
		JobIDs:   c.heldJobs(),
	}
	frame, err := msg.EncodeFrame(hello)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	return nil
}

// writeLoop owns every write after the hello: re-announcing slots the
// previous session had already claimed, fresh slot announcements, and
// worker results.
func (c *Client) writeLoop(conn *websocket.Conn, done <-chan struct{}, writeErr chan<- error) {
	fail := func(err error) {
		select {
		case writeErr <- err:
		default:
		}
		conn.Close()
	}

	// Slots announced in a previous session are still idle workers
	// waiting for assignments.
	for i := 0; i < c.getAnnounced(); i++ {
		if err := c.writeFrame(conn, &msg.ClientWaiting{ClientID: c.clientID, Game: c.cfg.Game}); err != nil {
			fail(err)
			return
		}
	}

	for {
		select {
		case <-done:
			return
		case <-c.slots:
			c.addAnnounced(1)
			if err := c.writeFrame(conn, &msg.ClientWaiting{ClientID: c.clientID, Game: c.cfg.Game}); err != nil {
				fail(err)
				return
			}
		case m := <-c.outbox:
			if err := c.writeFrame(conn, m); err != nil {
				// Put the result back so the next session delivers it.
				c.outbox <- m
				fail(err)
				return
			}
		}
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, m msg.Message) error {
	frame, err := msg.EncodeFrame(m)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing %s: %w", m.MessageName(), err)
	}
	return nil
}

func (c *Client) setJob(id uuid.UUID, held bool) {
	c.mu.Lock()
	if held {
		c.jobs[id] = true
	} else {
		delete(c.jobs, id)
	}
	c.mu.Unlock()
}

func (c *Client) heldJobs() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(c.jobs))
	for id := range c.jobs {
		ids = append(ids, id)
	}
	return ids
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) getAnnounced() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.announced
}

func (c *Client) addAnnounced(n int) {
	c.mu.Lock()
	c.announced += n
	c.mu.Unlock()
}
