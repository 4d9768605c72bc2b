// Package services contains the orchestrator's message handlers: job
// creation, demo parse bookkeeping, round selection and recording
// dispatch. Handlers are registered on the in-process bus and run
// inside bus-injected units of work.
package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Run1e/STRIKER-sub000/internal/bus"
	"github.com/Run1e/STRIKER-sub000/internal/domain"
	"github.com/Run1e/STRIKER-sub000/internal/matchdata"
	"github.com/Run1e/STRIKER-sub000/internal/msg"
	"github.com/Run1e/STRIKER-sub000/internal/sharecode"
	"github.com/Run1e/STRIKER-sub000/internal/storage"
)

// Publisher sends messages to the broker substrate.
type Publisher interface {
	Publish(ctx context.Context, m msg.Message) error
}

// UnitOfWork is the slice of the storage unit of work the handlers
// use. Tests substitute a fake with in-memory stores.
type UnitOfWork interface {
	Commit(ctx context.Context) error
	AddMessage(m msg.Message)
	DemoStore() storage.DemoStore
	JobStore() storage.JobStore
	UserStore() storage.UserStore
}

// MatchInfo is what a share code resolves to.
type MatchInfo struct {
	Time        *time.Time
	DownloadURL string
}

// ShareCodeResolver looks up match metadata for a decoded share code.
// Implementations talk to a match info service; a nil resolver leaves
// the download URL to the parse worker.
type ShareCodeResolver interface {
	Resolve(ctx context.Context, share sharecode.Share) (MatchInfo, error)
}

// Config carries the handler knobs.
type Config struct {
	// DataVersion is the parse format version this build understands.
	DataVersion int
	// InteractionWindow bounds how old a job may be and still receive
	// user facing updates.
	InteractionWindow time.Duration
	// Game is the game newly created demos are assumed to be from.
	Game domain.DemoGame
}

// Handlers bundles the dependencies of every service handler.
type Handlers struct {
	log      *log.Logger
	pub      Publisher
	resolver ShareCodeResolver
	cfg      Config
	now      func() time.Time

	// demoMu serializes demo resolution so concurrent CreateJob
	// commands cannot race the unique demo constraints.
	demoMu sync.Mutex
}

// New builds the handler set. resolver may be nil.
func New(logger *log.Logger, pub Publisher, resolver ShareCodeResolver, cfg Config) *Handlers {
	if cfg.Game == "" {
		cfg.Game = domain.GameCSGO
	}
	return &Handlers{
		log:      logger,
		pub:      pub,
		resolver: resolver,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Register installs every service handler on the bus.
func (h *Handlers) Register(b *bus.Bus) error {
	commands := map[string]bus.HandlerFunc{
		"CreateJob": h.createJob,
		"AbortJob":  h.abortJob,
		"Record":    h.record,
		"Restore":   h.restore,
	}
	for name, fn := range commands {
		if err := b.RegisterCommandHandler(name, bus.Handler{Fn: fn, NeedsUoW: true}); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}

	listeners := map[string]bus.HandlerFunc{
		"DemoParseSuccess": h.demoParseSuccess,
		"DemoParseFailure": h.demoParseFailure,
		"DemoParseDead":    h.demoParseDead,
		"DemoReady":        h.demoReady,
		"DemoFailure":      h.demoFailure,
		"JobSelecting":     h.jobSelecting,
		"RecorderSuccess":  h.recorderSuccess,
		"RecorderFailure":  h.recorderFailure,
		"RecorderDead":     h.recorderDead,
		"UploaderSuccess":  h.uploaderSuccess,
		"UploaderFailure":  h.uploaderFailure,
	}
	for name, fn := range listeners {
		b.RegisterEventListener(name, bus.Handler{Fn: fn, NeedsUoW: true})
	}

	return nil
}

// sql unwraps the bus-injected unit of work.
func (h *Handlers) sql(u bus.UnitOfWork) UnitOfWork {
	return u.(UnitOfWork)
}

// windowStart is the earliest started_at a job may have and still be
// inside the interaction window.
func (h *Handlers) windowStart() time.Time {
	return h.now().Add(-h.cfg.InteractionWindow)
}

// selectable builds the front end DTO for a job whose demo has
// current data.
func selectable(job *domain.Job, demo *domain.Demo) (*msg.JobSelectable, error) {
	match, err := matchdata.Parse(demo.Data)
	if err != nil {
		return nil, fmt.Errorf("parsing match data for demo %d: %w", demo.ID, err)
	}

	summary := msg.MatchSummary{
		Map:      match.Map,
		Score:    match.Score,
		Tickrate: match.Tickrate,
		Rounds:   match.Rounds,
	}
	if demo.Time != nil {
		summary.Time = demo.Time.UTC().Format(time.RFC3339)
	}

	return &msg.JobSelectable{
		JobID:        job.ID,
		InterPayload: job.InterPayload,
		DemoID:       demo.ID,
		Match:        summary,
	}, nil
}
