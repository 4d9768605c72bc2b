// Package broker bridges the in-process bus to RabbitMQ. Commands
// travel through per-command durable queues, events fan out through
// per-instance queues, and commands that expire or get rejected come
// back to the publisher as dead-letter events.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Run1e/STRIKER-sub000/internal/bus"
	"github.com/Run1e/STRIKER-sub000/internal/msg"
	"github.com/Run1e/STRIKER-sub000/internal/tracker"
)

const (
	exchangeCommand = "command"
	exchangeEvent   = "event"
	exchangeDead    = "dead"
)

// Config carries the broker connection knobs.
type Config struct {
	// URL is the AMQP connection string.
	URL string
	// Prefetch bounds unacked deliveries per session. Zero means no
	// cap.
	Prefetch int
	// ReconnectBackoff is the pause between failed sessions.
	ReconnectBackoff time.Duration
}

type queueKind int

const (
	queueCommand queueKind = iota
	queueEvent
	queueDead
)

type consumeSource struct {
	queue string
	name  string
	kind  queueKind
}

type mergedDelivery struct {
	source consumeSource
	d      amqp.Delivery
}

// Broker connects one process to the message substrate. Which queues
// it consumes follows from the bus: every handled command gets a
// durable queue, every listened event gets a per-instance queue
// unless the event is marked publish-only.
type Broker struct {
	log        *log.Logger
	bus        *bus.Bus
	cfg        Config
	instanceID string

	publishOnly  map[string]bool
	deadConsume  []string
	sendTrackers map[string]*tracker.Tracker
	recvTrackers map[string]*tracker.Tracker

	mu sync.Mutex
	ch *amqp.Channel
}

// New builds a broker for the given bus. Run must be called before
// Publish can succeed.
func New(logger *log.Logger, b *bus.Bus, cfg Config) *Broker {
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	return &Broker{
		log:          logger,
		bus:          b,
		cfg:          cfg,
		instanceID:   uuid.NewString()[:8],
		publishOnly:  make(map[string]bool),
		sendTrackers: make(map[string]*tracker.Tracker),
		recvTrackers: make(map[string]*tracker.Tracker),
	}
}

// PublishOnly marks event names this process produces for the outside
// world. No queue is bound for them even when a local listener exists,
// which keeps locally raised events from looping back in.
func (b *Broker) PublishOnly(names ...string) {
	for _, name := range names {
		b.publishOnly[name] = true
	}
}

// ConsumeDeadLetters declares and consumes the dead-letter queues of
// the given commands. The publisher of a command owns its dead queue
// so the resulting events reach the process that cares about the
// outcome.
func (b *Broker) ConsumeDeadLetters(names ...string) {
	b.deadConsume = append(b.deadConsume, names...)
}

// Track wires a queue position tracker to a command: publishing the
// command records its correlation id, and any of the recvEvents
// settles it.
func (b *Broker) Track(command string, tr *tracker.Tracker, recvEvents ...string) {
	b.sendTrackers[command] = tr
	for _, name := range recvEvents {
		b.recvTrackers[name] = tr
	}
}

// Run serves consume sessions until ctx is canceled, reconnecting
// with a fixed backoff after session failures.
func (b *Broker) Run(ctx context.Context) error {
	for {
		err := b.session(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}

		b.log.Printf("broker session failed err=%v; reconnecting after=%s", err, b.cfg.ReconnectBackoff)
		if err := sleepWithContext(ctx, b.cfg.ReconnectBackoff); err != nil {
			b.log.Println("broker reconnect sleep canceled")
			return nil
		}
	}
}

// session runs one connection until cancel or failure.
func (b *Broker) session(ctx context.Context) error {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("amqp dial failed: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel failed: %w", err)
	}

	// Prefetch zero means no cap: a recording command handler can
	// block for minutes and must not starve the other queues.
	if b.cfg.Prefetch > 0 {
		if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("amqp qos failed: %w", err)
		}
	}

	sources, err := b.declareTopology(ch)
	if err != nil {
		return err
	}

	b.setChannel(ch)
	defer b.setChannel(nil)

	merged := make(chan mergedDelivery)
	var wg sync.WaitGroup
	for _, source := range sources {
		deliveries, err := ch.Consume(source.queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("amqp consume setup failed queue=%s: %w", source.queue, err)
		}

		wg.Add(1)
		go func(source consumeSource, deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range deliveries {
				merged <- mergedDelivery{source: source, d: d}
			}
		}(source, deliveries)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	b.log.Printf("broker consuming queues=%d instance=%s", len(sources), b.instanceID)
	for {
		select {
		case <-ctx.Done():
			if err := conn.Close(); err != nil {
				b.log.Printf("broker connection close failed: %v", err)
			}
			for range merged {
			}
			b.log.Println("broker stopping due to cancellation")
			return nil
		case dv, ok := <-merged:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("amqp deliveries channel closed unexpectedly")
			}
			// Handlers may block for the lifetime of a long
			// operation, so deliveries settle concurrently.
			go b.handleDelivery(ctx, dv.source, dv.d)
		}
	}
}

// declareTopology declares the exchanges and every queue this process
// consumes, and returns the consume sources.
func (b *Broker) declareTopology(ch *amqp.Channel) ([]consumeSource, error) {
	for _, exchange := range []string{exchangeCommand, exchangeEvent, exchangeDead} {
		if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
		}
	}

	var sources []consumeSource

	for _, name := range b.bus.HandledCommands() {
		if err := b.declareCommandQueue(ch, name); err != nil {
			return nil, err
		}
		sources = append(sources, consumeSource{queue: name, name: name, kind: queueCommand})
	}

	// The publisher of a dead-letterable command owns its dead queue.
	for _, name := range b.deadConsume {
		if err := b.declareCommandQueue(ch, name); err != nil {
			return nil, err
		}

		dead := name + "-dead"
		if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("declaring queue %s: %w", dead, err)
		}
		if err := ch.QueueBind(dead, name, exchangeDead, false, nil); err != nil {
			return nil, fmt.Errorf("binding queue %s: %w", dead, err)
		}
		sources = append(sources, consumeSource{queue: dead, name: name, kind: queueDead})
	}

	for _, name := range b.bus.ListenedEvents() {
		if b.publishOnly[name] || !msg.Registered(name) {
			continue
		}

		queue := fmt.Sprintf("%s-%s", name, b.instanceID)
		if _, err := ch.QueueDeclare(queue, false, true, true, false, nil); err != nil {
			return nil, fmt.Errorf("declaring queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, name, exchangeEvent, false, nil); err != nil {
			return nil, fmt.Errorf("binding queue %s: %w", queue, err)
		}
		sources = append(sources, consumeSource{queue: queue, name: name, kind: queueEvent})
	}

	return sources, nil
}

// declareCommandQueue declares a durable command queue, dead-lettering
// to the dead exchange when the command publishes with a dead event.
func (b *Broker) declareCommandQueue(ch *amqp.Channel, name string) error {
	var args amqp.Table
	if spec, ok := msg.PublishSpecFor(name); ok && spec.DeadEvent != nil {
		args = amqp.Table{
			"x-dead-letter-exchange":    exchangeDead,
			"x-dead-letter-routing-key": name,
		}
	}

	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declaring queue %s: %w", name, err)
	}
	if err := ch.QueueBind(name, name, exchangeCommand, false, nil); err != nil {
		return fmt.Errorf("binding queue %s: %w", name, err)
	}
	return nil
}

func (b *Broker) setChannel(ch *amqp.Channel) {
	b.mu.Lock()
	b.ch = ch
	b.mu.Unlock()
}

func (b *Broker) channel() *amqp.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// Publish sends a message to its exchange, applying the publish spec
// and recording tracked commands in their queue position tracker.
func (b *Broker) Publish(ctx context.Context, m msg.Message) error {
	ch := b.channel()
	if ch == nil {
		return errors.New("broker is not connected")
	}

	body, err := msg.Encode(m)
	if err != nil {
		return err
	}

	name := m.MessageName()
	exchange := exchangeEvent
	if m.MessageKind() == msg.KindCommand {
		exchange = exchangeCommand
	}

	pub := amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now().UTC(),
	}
	if correlated, ok := m.(msg.Correlated); ok {
		pub.CorrelationId = correlated.CorrelationID()
	}
	if spec, ok := msg.PublishSpecFor(name); ok && spec.TTL > 0 {
		pub.Expiration = strconv.FormatInt(spec.TTL.Milliseconds(), 10)
	}

	if err := ch.PublishWithContext(ctx, exchange, name, false, false, pub); err != nil {
		return fmt.Errorf("publishing %s: %w", name, err)
	}

	if tr := b.sendTrackers[name]; tr != nil {
		if correlated, ok := m.(msg.Correlated); ok {
			tr.Send(correlated.CorrelationID())
		}
	}
	return nil
}

func (b *Broker) handleDelivery(ctx context.Context, source consumeSource, d amqp.Delivery) {
	switch source.kind {
	case queueCommand:
		b.handleCommand(ctx, source.name, d)
	case queueEvent:
		b.handleEvent(ctx, source.name, d)
	case queueDead:
		b.handleDead(ctx, source.name, d)
	}
}

func (b *Broker) handleCommand(ctx context.Context, name string, d amqp.Delivery) {
	m, err := msg.Decode(name, d.Body)
	if err != nil {
		b.log.Printf("dropping undecodable command queue=%s err=%v", name, err)
		b.nack(d, false)
		return
	}

	err = b.bus.Dispatch(ctx, m)
	spec, _ := msg.ConsumeSpecFor(name)

	switch settleCommand(err, spec, d.Redelivered) {
	case settleAck:
		b.ack(d)

	case settleErrorEvent:
		reason := serviceErrorReason
		if msg.IsDomain(err) {
			reason = msg.DomainReason(err)
		} else {
			b.log.Printf("command failed command=%s err=%v", name, err)
		}
		if pubErr := b.Publish(ctx, spec.ErrorEvent(m, reason)); pubErr != nil {
			b.log.Printf("error event publish failed command=%s err=%v", name, pubErr)
		}
		b.ack(d)
		if spec.RaiseAfterAck {
			b.log.Printf("command failed command=%s reason=%q", name, reason)
		}

	case settleRequeue:
		b.log.Printf("requeueing command=%s err=%v", name, err)
		b.nack(d, true)

	case settleDrop:
		b.log.Printf("dropping command=%s err=%v", name, err)
		b.ack(d)
	}
}

func (b *Broker) handleEvent(ctx context.Context, name string, d amqp.Delivery) {
	m, err := msg.Decode(name, d.Body)
	if err != nil {
		b.log.Printf("dropping undecodable event queue=%s err=%v", name, err)
		b.nack(d, false)
		return
	}

	if err := b.bus.Dispatch(ctx, m); err != nil {
		b.log.Printf("event listener failed event=%s err=%v", name, err)
	}
	b.ack(d)

	if tr := b.recvTrackers[name]; tr != nil {
		if correlated, ok := m.(msg.Correlated); ok {
			tr.Recv(correlated.CorrelationID())
		}
	}
}

// handleDead turns a dead-lettered command into the publish spec's
// dead event and dispatches it locally.
func (b *Broker) handleDead(ctx context.Context, name string, d amqp.Delivery) {
	spec, ok := msg.PublishSpecFor(name)
	if !ok || spec.DeadEvent == nil {
		b.log.Printf("dropping dead letter without spec command=%s", name)
		b.ack(d)
		return
	}

	orig, err := msg.Decode(name, d.Body)
	if err != nil {
		b.log.Printf("dropping undecodable dead letter command=%s err=%v", name, err)
		b.ack(d)
		return
	}

	reason := deathReason(d.Headers)
	b.log.Printf("command dead-lettered command=%s reason=%q", name, reason)

	if err := b.bus.Dispatch(ctx, spec.DeadEvent(orig, reason)); err != nil {
		b.log.Printf("dead event dispatch failed command=%s err=%v", name, err)
	}
	b.ack(d)

	if tr := b.sendTrackers[name]; tr != nil {
		if correlated, ok := orig.(msg.Correlated); ok {
			tr.Recv(correlated.CorrelationID())
		}
	}
}

type settlement int

const (
	settleAck settlement = iota
	settleErrorEvent
	settleRequeue
	settleDrop
)

// settleCommand decides how a command delivery is settled after its
// handler ran. Domain errors become error events when the consume
// spec names one; infrastructure errors get a single redelivery when
// the spec allows it, after which they too publish the error event so
// the failure reaches the user instead of vanishing.
func settleCommand(err error, spec msg.ConsumeSpec, redelivered bool) settlement {
	if err == nil {
		return settleAck
	}
	if msg.IsDomain(err) && spec.ErrorEvent != nil {
		return settleErrorEvent
	}
	if spec.Requeue && !redelivered {
		return settleRequeue
	}
	if spec.ErrorEvent != nil {
		return settleErrorEvent
	}
	return settleDrop
}

// serviceErrorReason is the user facing text for failures that are
// not domain errors. Raw error strings never reach users.
const serviceErrorReason = "A service error occurred."

// deathReason maps the broker's x-first-death-reason header to a user
// facing description.
func deathReason(headers amqp.Table) string {
	reason, _ := headers["x-first-death-reason"].(string)
	switch reason {
	case "expired":
		return "The service request timed out."
	case "rejected":
		return "The service was unable to fulfill the request."
	default:
		return serviceErrorReason
	}
}

func (b *Broker) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		b.log.Printf("ack failed delivery_tag=%d err=%v", d.DeliveryTag, err)
	}
}

func (b *Broker) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		b.log.Printf("nack failed delivery_tag=%d requeue=%t err=%v", d.DeliveryTag, requeue, err)
	}
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
