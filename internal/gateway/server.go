// Package gateway bridges recording commands to recording clients
// over websockets. The server side hands queued RequestRecording
// commands to idle clients and turns their report frames into
// Recorder events; the client side runs on recorder nodes and feeds
// assignments to a local worker pool.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Run1e/STRIKER-sub000/internal/bus"
	"github.com/Run1e/STRIKER-sub000/internal/msg"
)

const disconnectReason = "Recording node disconnected while recording."

// Publisher sends events back to the message substrate.
type Publisher interface {
	Publish(ctx context.Context, m msg.Message) error
}

type assignment struct {
	cmd     *msg.RequestRecording
	started chan struct{}
}

type serverClient struct {
	conn *websocket.Conn
	done chan struct{}

	writeMu sync.Mutex

	mu   sync.Mutex
	jobs map[uuid.UUID]bool
}

func (c *serverClient) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *serverClient) track(id uuid.UUID) {
	c.mu.Lock()
	c.jobs[id] = true
	c.mu.Unlock()
}

func (c *serverClient) forget(id uuid.UUID) {
	c.mu.Lock()
	delete(c.jobs, id)
	c.mu.Unlock()
}

func (c *serverClient) heldJobs() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(c.jobs))
	for id := range c.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Server accepts recording client connections and owns the lifecycle
// of every RequestRecording command: queueing, assignment, progress
// events, one silent retry, and the final Recorder event.
type Server struct {
	log      *log.Logger
	pub      Publisher
	token    string
	upgrader websocket.Upgrader

	queue   chan *assignment
	ready   chan struct{}
	waiting int32

	mu        sync.Mutex
	clients   map[*serverClient]struct{}
	results   map[uuid.UUID]chan msg.Message
	recording map[uuid.UUID]bool
}

// NewServer builds the gateway server. Ready must be called once the
// listener is up before queued commands are dispatched to clients.
func NewServer(logger *log.Logger, pub Publisher, token string) *Server {
	return &Server{
		log:       logger,
		pub:       pub,
		token:     token,
		queue:     make(chan *assignment, 256),
		ready:     make(chan struct{}),
		clients:   make(map[*serverClient]struct{}),
		results:   make(map[uuid.UUID]chan msg.Message),
		recording: make(map[uuid.UUID]bool),
	}
}

// Register installs the RequestRecording command handler.
func (s *Server) Register(b *bus.Bus) error {
	return b.RegisterCommandHandler("RequestRecording", bus.Handler{Fn: s.requestRecording})
}

// Ready releases queued commands to clients. Called after the
// listener is accepting connections so restarting clients get a
// chance to reconnect and self-report held jobs first.
func (s *Server) Ready() {
	close(s.ready)
}

func (s *Server) requestRecording(ctx context.Context, m msg.Message, _ bus.UnitOfWork) error {
	cmd := m.(*msg.RequestRecording)

	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.dispatch(ctx, cmd, false)
}

// dispatch runs for the whole lifecycle of one recording. A job a
// reconnecting client self-reported in its hello frame is not queued
// again; its result frames still arrive through the same result
// channel.
func (s *Server) dispatch(ctx context.Context, cmd *msg.RequestRecording, retry bool) error {
	result := s.result(cmd.JobID)

	if s.takeRecovered(cmd.JobID) {
		s.log.Printf("job already recording on a connected client job=%s", cmd.JobID)
	} else {
		a := &assignment{cmd: cmd, started: make(chan struct{})}

		s.publishQueuePosition(ctx, cmd.JobID)
		select {
		case s.queue <- a:
		case <-ctx.Done():
			s.removeResult(cmd.JobID)
			return ctx.Err()
		}

		select {
		case <-a.started:
		case <-ctx.Done():
			s.removeResult(cmd.JobID)
			return ctx.Err()
		}

		s.publishProgression(ctx, cmd.JobID, 0)
	}

	var event msg.Message
	select {
	case event = <-result:
	case <-ctx.Done():
		s.removeResult(cmd.JobID)
		return ctx.Err()
	}
	s.removeResult(cmd.JobID)

	if failure, ok := event.(*msg.RecorderFailure); ok && !retry {
		s.log.Printf("retrying job=%s reason=%q", cmd.JobID, failure.Reason)
		return s.dispatch(ctx, cmd, true)
	}

	return s.pub.Publish(ctx, event)
}

// publishQueuePosition estimates how many recordings sit in front of
// a job about to be queued. With an idle client available no event is
// published; assignment follows immediately.
func (s *Server) publishQueuePosition(ctx context.Context, jobID uuid.UUID) {
	queued := len(s.queue)
	idle := int(atomic.LoadInt32(&s.waiting))
	if idle > queued {
		return
	}
	s.publishProgression(ctx, jobID, queued-idle+1)
}

func (s *Server) publishProgression(ctx context.Context, jobID uuid.UUID, infront int) {
	err := s.pub.Publish(ctx, &msg.RecordingProgression{JobID: jobID, Infront: infront})
	if err != nil {
		s.log.Printf("recording progression publish failed job=%s err=%v", jobID, err)
	}
}

// result returns the job's result channel, creating it when missing.
// Both the dispatch lifecycle and early client frames may create it.
func (s *Server) result(id uuid.UUID) chan msg.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.results[id]
	if !ok {
		ch = make(chan msg.Message, 1)
		s.results[id] = ch
	}
	return ch
}

func (s *Server) removeResult(id uuid.UUID) {
	s.mu.Lock()
	delete(s.results, id)
	s.mu.Unlock()
}

func (s *Server) resolve(id uuid.UUID, event msg.Message) {
	ch := s.result(id)
	select {
	case ch <- event:
	default:
		s.log.Printf("dropping duplicate result job=%s event=%s", id, event.MessageName())
	}
}

func (s *Server) takeRecovered(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recording[id] {
		return false
	}
	delete(s.recording, id)
	return true
}

// ServeHTTP upgrades a recording client connection. A bad token gets
// close code 1008 so the client knows not to reconnect.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	authorized := s.token == "" || r.Header.Get("Authorization") == s.token

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("websocket upgrade failed remote=%s err=%v", r.RemoteAddr, err)
		return
	}

	if !authorized {
		s.log.Printf("rejecting client with bad token remote=%s", r.RemoteAddr)
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"), deadline)
		conn.Close()
		return
	}

	s.serveClient(conn)
}

func (s *Server) serveClient(conn *websocket.Conn) {
	defer conn.Close()

	hello, err := s.readHello(conn)
	if err != nil {
		s.log.Printf("client hello failed remote=%s err=%v", conn.RemoteAddr(), err)
		return
	}

	client := &serverClient{
		conn: conn,
		done: make(chan struct{}),
		jobs: make(map[uuid.UUID]bool),
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	for _, id := range hello.JobIDs {
		s.recording[id] = true
	}
	total := len(s.clients)
	s.mu.Unlock()

	s.log.Printf("client connected id=%s game=%s held_jobs=%d total=%d",
		hello.ClientID, hello.Game, len(hello.JobIDs), total)

	s.readLoop(client)
	s.dropClient(client, hello.ClientID)
}

func (s *Server) readHello(conn *websocket.Conn) (*msg.ClientHello, error) {
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	m, err := msg.DecodeFrame(frame)
	if err != nil {
		return nil, err
	}
	hello, ok := m.(*msg.ClientHello)
	if !ok {
		return nil, fmt.Errorf("expected ClientHello, got %s", m.MessageName())
	}
	return hello, nil
}

func (s *Server) readLoop(client *serverClient) {
	for {
		_, frame, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		m, err := msg.DecodeFrame(frame)
		if err != nil {
			s.log.Printf("dropping undecodable client frame err=%v", err)
			continue
		}

		switch m := m.(type) {
		case *msg.ClientWaiting:
			go s.assignNext(client)
		case *msg.RecorderSuccess:
			client.forget(m.JobID)
			s.resolve(m.JobID, m)
		case *msg.RecorderFailure:
			client.forget(m.JobID)
			s.resolve(m.JobID, m)
		default:
			s.log.Printf("dropping unexpected client frame name=%s", m.MessageName())
		}
	}
}

// assignNext pairs one waiting slot with one queued command.
func (s *Server) assignNext(client *serverClient) {
	atomic.AddInt32(&s.waiting, 1)
	defer atomic.AddInt32(&s.waiting, -1)

	select {
	case a := <-s.queue:
		frame, err := msg.EncodeFrame(a.cmd)
		if err != nil {
			s.log.Printf("encoding assignment failed job=%s err=%v", a.cmd.JobID, err)
			return
		}

		if err := client.write(frame); err != nil {
			// The slot owner died between waiting and assignment;
			// put the command back for the next one.
			s.log.Printf("assignment write failed job=%s err=%v", a.cmd.JobID, err)
			s.queue <- a
			return
		}

		client.track(a.cmd.JobID)
		close(a.started)

	case <-client.done:
	}
}

// dropClient fails every job the client still held so their dispatch
// lifecycles settle.
func (s *Server) dropClient(client *serverClient, clientID string) {
	close(client.done)

	s.mu.Lock()
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	held := client.heldJobs()
	s.log.Printf("client disconnected id=%s held_jobs=%d total=%d", clientID, len(held), total)

	for _, id := range held {
		s.resolve(id, &msg.RecorderFailure{JobID: id, Reason: disconnectReason})
	}
}
