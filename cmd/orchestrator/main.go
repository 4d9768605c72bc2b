// Command orchestrator runs the recording orchestrator: it owns the
// database, consumes and publishes broker messages, tracks queue
// positions, and hosts the websocket gateway recorder nodes connect
// to.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Run1e/STRIKER-sub000/internal/broker"
	"github.com/Run1e/STRIKER-sub000/internal/bus"
	"github.com/Run1e/STRIKER-sub000/internal/config"
	"github.com/Run1e/STRIKER-sub000/internal/gateway"
	"github.com/Run1e/STRIKER-sub000/internal/matchinfo"
	"github.com/Run1e/STRIKER-sub000/internal/msg"
	"github.com/Run1e/STRIKER-sub000/internal/services"
	"github.com/Run1e/STRIKER-sub000/internal/storage"
	"github.com/Run1e/STRIKER-sub000/internal/tracker"
)

var appLogger = log.New(os.Stdout, "orchestrator ", log.LstdFlags|log.LUTC)

// readyDelay gives restarting recorder nodes a window to reconnect
// and self-report held jobs before queued commands are dispatched.
const readyDelay = 5 * time.Second

func main() {
	cfg, err := config.LoadOrchestrator()
	if err != nil {
		appLogger.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		appLogger.Fatalf("orchestrator runtime failed: %v", err)
	}
	appLogger.Println("orchestrator stopped cleanly")
}

// progressPublisher forwards messages to the broker and mirrors queue
// progressions into the redis progress store on the way out.
type progressPublisher struct {
	log      *log.Logger
	broker   *broker.Broker
	progress *storage.ProgressStore
}

func (p *progressPublisher) Publish(ctx context.Context, m msg.Message) error {
	switch e := m.(type) {
	case *msg.DemoParseProgression:
		if err := p.progress.SetPosition(ctx, "parse", e.CorrelationID(), e.Infront); err != nil {
			p.log.Printf("progress mirror failed queue=parse id=%s err=%v", e.CorrelationID(), err)
		}
	case *msg.RecordingProgression:
		if err := p.progress.SetPosition(ctx, "record", e.JobID.String(), e.Infront); err != nil {
			p.log.Printf("progress mirror failed queue=record id=%s err=%v", e.JobID, err)
		}
	}
	return p.broker.Publish(ctx, m)
}

func run(ctx context.Context, cfg config.Orchestrator) error {
	msg.ConfigureSpecs(cfg.ParseTTL, cfg.RecordTTL)

	if err := storage.Migrate(appLogger, cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
		return err
	}

	store, err := storage.Open(ctx, appLogger, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	progress, err := storage.NewProgressStore(ctx, appLogger,
		cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ProgressTTL)
	if err != nil {
		return err
	}
	defer progress.Close()

	b := bus.New(appLogger, func(ctx context.Context) (bus.UnitOfWork, error) {
		return store.Begin(ctx)
	})

	brk := broker.New(appLogger, b, broker.Config{URL: cfg.AMQPURL})
	pub := &progressPublisher{log: appLogger, broker: brk, progress: progress}

	var resolver services.ShareCodeResolver
	if cfg.MatchInfoURL != "" {
		resolver = matchinfo.New(appLogger, cfg.MatchInfoURL, cfg.MatchInfoToken, cfg.MatchInfoTimeout)
	}

	handlers := services.New(appLogger, pub, resolver, services.Config{
		DataVersion:       cfg.DemoparseVersion,
		InteractionWindow: cfg.InteractionWindow,
	})
	if err := handlers.Register(b); err != nil {
		return err
	}

	gw := gateway.NewServer(appLogger, pub, cfg.GatewayToken)
	if err := gw.Register(b); err != nil {
		return err
	}

	// Events this process produces leave through the broker; binding
	// queues for them would feed them straight back in.
	outbound := []string{
		"JobSelectable", "JobSuccess", "JobFailed",
		"DemoParseProgression", "RecordingProgression",
	}
	brk.PublishOnly(outbound...)
	forward := func(ctx context.Context, m msg.Message, _ bus.UnitOfWork) error {
		return pub.Publish(ctx, m)
	}
	for _, name := range outbound {
		b.RegisterEventListener(name, bus.Handler{Fn: forward})
	}

	registerTrackers(ctx, cfg, b, brk)
	brk.ConsumeDeadLetters("RequestDemoParse", "RequestRecording")

	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		brk.Run(ctx)
	}()

	go cleanupLoop(ctx, store, cfg.KeepDemos, cfg.CleanupInterval)

	server := &http.Server{Addr: cfg.GatewayAddr, Handler: gw}
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()
	appLogger.Printf("gateway listening addr=%s", cfg.GatewayAddr)

	readyTimer := time.AfterFunc(readyDelay, func() {
		gw.Ready()
		appLogger.Println("gateway accepting recording dispatches")
	})
	defer readyTimer.Stop()

	if cfg.RestoreOnBoot {
		go func() {
			if err := sleepWithContext(ctx, readyDelay); err != nil {
				return
			}
			if err := b.Dispatch(ctx, &msg.Restore{}); err != nil {
				appLogger.Printf("restore dispatch failed: %v", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("gateway listener failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Printf("gateway shutdown failed: %v", err)
	}
	<-brokerDone
	return nil
}

// registerTrackers wires the parse and recording queue trackers: the
// broker feeds them sends and receipts, and their position events go
// through the local bus so the forwarders publish them outward.
func registerTrackers(ctx context.Context, cfg config.Orchestrator, b *bus.Bus, brk *broker.Broker) {
	dispatch := tracker.BusDispatcher(ctx, appLogger, b.Dispatch)

	parseTracker := tracker.New(tracker.Config{
		UpdateInterval: cfg.TrackerUpdateInterval,
		MaxUpdates:     cfg.TrackerMaxUpdates,
		Dispatch:       dispatch,
		Processing: func(id string) msg.Message {
			origin, identifier := splitDemoKey(id)
			return &msg.DemoParseProgression{Origin: origin, Identifier: identifier}
		},
		Enqueued: func(id string, infront int) msg.Message {
			origin, identifier := splitDemoKey(id)
			return &msg.DemoParseProgression{Origin: origin, Identifier: identifier, Infront: infront}
		},
	})
	brk.Track("RequestDemoParse", parseTracker,
		"DemoParseSuccess", "DemoParseFailure")

	recordTracker := tracker.New(tracker.Config{
		UpdateInterval: cfg.TrackerUpdateInterval,
		MaxUpdates:     cfg.TrackerMaxUpdates,
		Dispatch:       dispatch,
		Processing: func(id string) msg.Message {
			return &msg.RecordingProgression{JobID: uuid.MustParse(id)}
		},
		Enqueued: func(id string, infront int) msg.Message {
			return &msg.RecordingProgression{JobID: uuid.MustParse(id), Infront: infront}
		},
	})
	brk.Track("RequestRecording", recordTracker,
		"RecorderSuccess", "RecorderFailure")
}

// cleanupLoop periodically tombstones the least recently used demos
// above the keep threshold.
func cleanupLoop(ctx context.Context, store *storage.Store, keep int, interval time.Duration) {
	if keep <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cleanupDemos(ctx, store, keep); err != nil {
				appLogger.Printf("demo cleanup failed: %v", err)
			}
		}
	}
}

func cleanupDemos(ctx context.Context, store *storage.Store, keep int) error {
	uow, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	defer uow.Close(ctx)

	ids, err := uow.Demos.LeastRecentlyUsed(ctx, keep)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	if err := uow.Demos.MarkDeleted(ctx, ids); err != nil {
		return err
	}
	if err := uow.Commit(ctx); err != nil {
		return err
	}

	appLogger.Printf("demo cleanup tombstoned count=%d", len(ids))
	return nil
}

func splitDemoKey(id string) (origin, identifier string) {
	origin, identifier, _ = strings.Cut(id, "/")
	return origin, identifier
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
