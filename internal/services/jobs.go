package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Run1e/STRIKER-sub000/internal/bus"
	"github.com/Run1e/STRIKER-sub000/internal/domain"
	"github.com/Run1e/STRIKER-sub000/internal/matchdata"
	"github.com/Run1e/STRIKER-sub000/internal/msg"
	"github.com/Run1e/STRIKER-sub000/internal/sequencer"
)

const (
	recordingFPS          = 60
	recordingAudioBitrate = 192
)

func (h *Handlers) createJob(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	cmd := m.(*msg.CreateJob)
	uow := h.sql(u)

	h.demoMu.Lock()
	defer h.demoMu.Unlock()

	demo, created, err := h.resolveDemo(ctx, uow, cmd)
	if err != nil {
		return err
	}

	job := domain.NewJob(cmd.GuildID, cmd.ChannelID, cmd.UserID, cmd.InterPayload, demo.ID, h.now())
	if err := uow.JobStore().Insert(ctx, job); err != nil {
		return err
	}

	h.log.Printf("created job=%s demo=%d user=%d", job.ID, demo.ID, cmd.UserID)

	// A demo already sitting in the parse pipeline will fire
	// DemoReady or DemoFailure on its own; anything else needs a
	// step now.
	if created || demo.State != domain.DemoProcessing {
		if err := h.handleDemoStep(ctx, demo); err != nil {
			return err
		}
		if err := uow.DemoStore().Update(ctx, demo); err != nil {
			return err
		}
	}

	return uow.Commit(ctx)
}

func (h *Handlers) abortJob(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	cmd := m.(*msg.AbortJob)
	uow := h.sql(u)

	job, err := uow.JobStore().Get(ctx, cmd.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return msg.Domainf("that job no longer exists")
	}

	job.Abort()
	if err := uow.JobStore().Update(ctx, job); err != nil {
		return err
	}
	return uow.Commit(ctx)
}

func (h *Handlers) record(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	cmd := m.(*msg.Record)
	uow := h.sql(u)

	job, err := uow.JobStore().Get(ctx, cmd.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return msg.Domainf("that job no longer exists")
	}
	if job.State != domain.JobSelecting {
		return msg.Domainf("that job is not selecting a round")
	}

	demo, err := uow.DemoStore().Get(ctx, job.DemoID)
	if err != nil {
		return err
	}
	if demo == nil || !demo.IsSelectable(h.cfg.DataVersion) {
		return msg.Domainf("the demo for that job is no longer usable")
	}

	request, err := h.buildRecordingRequest(ctx, uow, job, demo, cmd)
	if err != nil {
		return err
	}

	if err := h.pub.Publish(ctx, request); err != nil {
		// The user is waiting; fail the job visibly rather than
		// leaving it stuck in SELECTING.
		job.Fail("Failed communicating with the message broker.")
		if updateErr := uow.JobStore().Update(ctx, job); updateErr != nil {
			return updateErr
		}
		if commitErr := uow.Commit(ctx); commitErr != nil {
			return commitErr
		}
		return fmt.Errorf("publishing recording request: %w", err)
	}

	job.StartRecording(domain.RecordingSpec{
		Type:       domain.RecordingPlayerRound,
		PlayerXUID: cmd.PlayerXUID,
		Round:      cmd.Round,
		Tier:       cmd.Tier,
	})
	if err := uow.JobStore().Update(ctx, job); err != nil {
		return err
	}
	return uow.Commit(ctx)
}

// buildRecordingRequest plans the highlight for the selected round
// and applies the user's recording preferences.
func (h *Handlers) buildRecordingRequest(ctx context.Context, uow UnitOfWork, job *domain.Job, demo *domain.Demo, cmd *msg.Record) (*msg.RequestRecording, error) {
	match, err := matchdata.Parse(demo.Data)
	if err != nil {
		return nil, fmt.Errorf("parsing match data for demo %d: %w", demo.ID, err)
	}

	if _, ok := match.PlayerByXUID(cmd.PlayerXUID); !ok {
		return nil, msg.Domainf("that player did not play in this match")
	}

	kills := match.KillsInRound(cmd.PlayerXUID, cmd.Round)
	if len(kills) == 0 {
		return nil, msg.Domainf("that player got no kills in round %d", cmd.Round)
	}

	ticks := make([]int, len(kills))
	for i, kill := range kills {
		ticks[i] = kill.Tick
	}

	plan, err := sequencer.Highlight(match.Tickrate, ticks)
	if err != nil {
		return nil, err
	}

	settings, err := uow.UserStore().ByUserID(ctx, job.UserID)
	if err != nil {
		return nil, err
	}
	prefs := settings.Filled()

	return &msg.RequestRecording{
		JobID:            job.ID,
		Game:             string(demo.Game),
		DemoOrigin:       string(demo.Origin),
		Identifier:       demo.Identifier,
		DemoURL:          demo.DownloadURL,
		PlayerXUID:       cmd.PlayerXUID,
		Tickrate:         match.Tickrate,
		StartTick:        plan.StartTick,
		EndTick:          plan.EndTick,
		Skips:            plan.Skips,
		FPS:              recordingFPS,
		VideoBitrate:     domain.CalculateBitrate(plan.Seconds),
		AudioBitrate:     recordingAudioBitrate,
		Fragmovie:        prefs.Fragmovie,
		ColorFilter:      prefs.ColorFilter,
		Righthand:        prefs.Righthand,
		CrosshairCode:    prefs.CrosshairCode,
		UseDemoCrosshair: prefs.UseDemoCrosshair,
		HQ:               prefs.HQ && cmd.Tier > 0,
	}, nil
}

func (h *Handlers) restore(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	uow := h.sql(u)

	jobs, err := uow.JobStore().RestartCandidates(ctx, h.windowStart())
	if err != nil {
		return err
	}

	restored := 0
	for _, job := range jobs {
		demo, err := uow.DemoStore().Get(ctx, job.DemoID)
		if err != nil {
			return err
		}
		if demo == nil || !demo.IsSelectable(h.cfg.DataVersion) {
			continue
		}

		dto, err := selectable(job, demo)
		if err != nil {
			return err
		}
		uow.AddMessage(dto)
		restored++
	}

	h.log.Printf("restored selecting jobs count=%d", restored)
	return uow.Commit(ctx)
}

func (h *Handlers) jobSelecting(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	event := m.(*msg.JobSelecting)
	uow := h.sql(u)

	job, err := uow.JobStore().Get(ctx, event.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("selecting event for unknown job %s", event.JobID)
	}

	demo, err := uow.DemoStore().Get(ctx, job.DemoID)
	if err != nil {
		return err
	}
	if demo == nil {
		return fmt.Errorf("job %s references missing demo %d", job.ID, job.DemoID)
	}

	dto, err := selectable(job, demo)
	if err != nil {
		return err
	}
	uow.AddMessage(dto)
	return uow.Commit(ctx)
}

func (h *Handlers) recorderSuccess(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	event := m.(*msg.RecorderSuccess)
	return h.finishJob(ctx, u, event.JobID, "", true)
}

func (h *Handlers) recorderFailure(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	event := m.(*msg.RecorderFailure)
	return h.finishJob(ctx, u, event.JobID, event.Reason, false)
}

func (h *Handlers) recorderDead(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	event := m.(*msg.RecorderDead)
	return h.finishJob(ctx, u, event.Command.JobID, event.Reason, false)
}

func (h *Handlers) uploaderSuccess(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	event := m.(*msg.UploaderSuccess)
	return h.finishJob(ctx, u, event.JobID, "", true)
}

func (h *Handlers) uploaderFailure(ctx context.Context, m msg.Message, u bus.UnitOfWork) error {
	event := m.(*msg.UploaderFailure)
	return h.finishJob(ctx, u, event.JobID, event.Reason, false)
}

func (h *Handlers) finishJob(ctx context.Context, u bus.UnitOfWork, jobID uuid.UUID, reason string, success bool) error {
	uow := h.sql(u)

	job, err := uow.JobStore().Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		h.log.Printf("terminal event for unknown job=%s", jobID)
		return nil
	}

	if success {
		job.Succeed(h.now())
	} else {
		job.Fail(reason)
	}

	if err := uow.JobStore().Update(ctx, job); err != nil {
		return err
	}
	return uow.Commit(ctx)
}
