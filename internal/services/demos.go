package services

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Run1e/STRIKER-sub000/internal/bus"
	"github.com/Run1e/STRIKER-sub000/internal/domain"
	"github.com/Run1e/STRIKER-sub000/internal/msg"
	"github.com/Run1e/STRIKER-sub000/internal/sharecode"
)

// resolveDemo finds or creates the demo a CreateJob command refers
// to. It reports whether the demo was created. Callers hold demoMu.
func (h *Handlers) resolveDemo(ctx context.Context, uow UnitOfWork, cmd *msg.CreateJob) (*domain.Demo, bool, error) {
	switch {
	case cmd.DemoID != 0:
		demo, err := uow.DemoStore().Get(ctx, cmd.DemoID)
		if err != nil {
			return nil, false, err
		}
		if demo == nil {
			return nil, false, msg.Domainf("that demo no longer exists")
		}
		switch demo.State {
		case domain.DemoDeleted:
			return nil, false, msg.Domainf("that demo has been deleted")
		case domain.DemoFailed:
			return nil, false, msg.Domainf("that demo could not be processed")
		}
		return demo, false, nil

	case cmd.Sharecode != "":
		demo, err := uow.DemoStore().BySharecode(ctx, cmd.Sharecode)
		if err != nil {
			return nil, false, err
		}
		if demo != nil {
			return demo, false, nil
		}

		share, err := sharecode.Decode(cmd.Sharecode)
		if err != nil {
			return nil, false, msg.Domainf("that does not look like a valid share code")
		}

		identifier := strconv.FormatUint(share.MatchID, 10)
		demo, err = uow.DemoStore().ByOriginIdentifier(ctx, domain.OriginValve, identifier)
		if err != nil {
			return nil, false, err
		}
		if demo != nil {
			return demo, false, nil
		}

		demo = &domain.Demo{
			Game:       h.cfg.Game,
			Origin:     domain.OriginValve,
			State:      domain.DemoProcessing,
			Identifier: identifier,
			Sharecode:  cmd.Sharecode,
		}

		if h.resolver != nil {
			info, err := h.resolver.Resolve(ctx, share)
			if err != nil {
				return nil, false, fmt.Errorf("resolving share code: %w", err)
			}
			demo.Time = info.Time
			demo.DownloadURL = info.DownloadURL
		}

		if err := uow.DemoStore().Insert(ctx, demo); err != nil {
			return nil, false, err
		}
		return demo, true, nil

	case cmd.Identifier != "":
		origin := domain.DemoOrigin(cmd.DemoOrigin)
		demo, err := uow.DemoStore().ByOriginIdentifier(ctx, origin, cmd.Identifier)
		if err != nil {
			return nil, false, err
		}
		if demo != nil {
			return demo, false, nil
		}

		demo = &domain.Demo{
			Game:        h.cfg.Game,
			Origin:      origin,
			State:       domain.DemoProcessing,
			Identifier:  cmd.Identifier,
			DownloadURL: cmd.DemoURL,
		}
		if err := uow.DemoStore().Insert(ctx, demo); err != nil {
			return nil, false, err
		}
		return demo, true, nil

	default:
		return nil, false, msg.Domainf("nothing identifies the demo to record from")
	}
}

// handleDemoStep advances a demo towards READY: stale or missing data
// sends it to the parse worker, current data makes it READY.
func (h *Handlers) handleDemoStep(ctx context.Context, demo *domain.Demo) error {
	if demo.IsSelectable(h.cfg.DataVersion) {
		h.log.Printf("demo has current data, marking ready demo=%d", demo.ID)
		demo.MarkReady()
		return nil
	}

	if err := demo.MarkProcessing(); err != nil {
		return err
	}

	h.log.Printf("requesting parse demo=%d origin=%s identifier=%s", demo.ID, demo.Origin, demo.Identifier)
	return h.pub.Publish(ctx, &msg.RequestDemoParse{
		Origin:      string(demo.Origin),
		Identifier:  demo.Identifier,
		DownloadURL: demo.DownloadURL,
		Version:     h.cfg.DataVersion,
	})
}

func (h *Handlers) demoParseSuccess(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	event := m.(*msg.DemoParseSuccess)
	uow := h.sql(u)

	demo, err := uow.DemoStore().ByOriginIdentifier(ctx, domain.DemoOrigin(event.Origin), event.Identifier)
	if err != nil {
		return err
	}
	if demo == nil {
		return fmt.Errorf("parse success for unknown demo origin=%s identifier=%s", event.Origin, event.Identifier)
	}

	if event.Version != h.cfg.DataVersion {
		// A worker running an old parser answered; ask again.
		h.log.Printf("parse result has stale version demo=%d got=%d want=%d", demo.ID, event.Version, h.cfg.DataVersion)
		if err := h.handleDemoStep(ctx, demo); err != nil {
			return err
		}
	} else {
		if err := demo.SetData(event.Data, event.Version, h.now()); err != nil {
			return err
		}
		demo.MarkReady()
	}

	if err := uow.DemoStore().Update(ctx, demo); err != nil {
		return err
	}
	return uow.Commit(ctx)
}

func (h *Handlers) demoParseFailure(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	event := m.(*msg.DemoParseFailure)
	return h.failDemo(ctx, h.sql(u), domain.DemoOrigin(event.Origin), event.Identifier, event.Reason)
}

func (h *Handlers) demoParseDead(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	event := m.(*msg.DemoParseDead)
	return h.failDemo(ctx, h.sql(u),
		domain.DemoOrigin(event.Command.Origin), event.Command.Identifier, event.Reason)
}

func (h *Handlers) failDemo(ctx context.Context, uow UnitOfWork, origin domain.DemoOrigin, identifier, reason string) error {
	demo, err := uow.DemoStore().ByOriginIdentifier(ctx, origin, identifier)
	if err != nil {
		return err
	}
	if demo == nil {
		h.log.Printf("parse failure for unknown demo origin=%s identifier=%s", origin, identifier)
		return nil
	}

	demo.MarkFailed(reason)
	if err := uow.DemoStore().Update(ctx, demo); err != nil {
		return err
	}
	return uow.Commit(ctx)
}

func (h *Handlers) demoReady(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	event := m.(*msg.DemoReady)
	uow := h.sql(u)

	jobs, err := uow.JobStore().WaitingForDemo(ctx, event.DemoID, h.windowStart())
	if err != nil {
		return err
	}

	for _, job := range jobs {
		job.Selecting()
		if err := uow.JobStore().Update(ctx, job); err != nil {
			return err
		}
	}
	return uow.Commit(ctx)
}

func (h *Handlers) demoFailure(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	event := m.(*msg.DemoFailure)
	uow := h.sql(u)

	jobs, err := uow.JobStore().WaitingForDemo(ctx, event.DemoID, h.windowStart())
	if err != nil {
		return err
	}

	for _, job := range jobs {
		job.Fail(event.Reason)
		if err := uow.JobStore().Update(ctx, job); err != nil {
			return err
		}
	}
	return uow.Commit(ctx)
}
