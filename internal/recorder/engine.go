package recorder

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Run1e/STRIKER-sub000/internal/msg"
)

// RecordJob is one engine invocation.
type RecordJob struct {
	Request   *msg.RequestRecording
	DemoPath  string
	VideoPath string
}

// Engine drives one game instance. Implementations are pooled; an
// error from Record removes the instance from the pool.
type Engine interface {
	Record(ctx context.Context, job RecordJob) error
	Close() error
}

// MockEngine produces a placeholder video without a game binary, for
// local development and tests. Recording time scales with the clip
// length so queueing behaves like the real thing.
type MockEngine struct {
	// ID distinguishes pool instances in logs.
	ID int
	// TickInterval is simulated recording time per demo tick. Zero
	// means instant.
	TickInterval time.Duration
}

// Record verifies the demo exists and writes a small descriptor file
// in place of a video.
func (e *MockEngine) Record(ctx context.Context, job RecordJob) error {
	info, err := os.Stat(job.DemoPath)
	if err != nil {
		return msg.Domainf("Demo corrupted.")
	}

	cmd := job.Request
	if cmd.EndTick <= cmd.StartTick {
		return msg.Domainf("The recording has no length.")
	}

	if e.TickInterval > 0 {
		ticks := cmd.EndTick - cmd.StartTick
		if err := sleepCtx(ctx, time.Duration(ticks)*e.TickInterval); err != nil {
			return err
		}
	}

	body := fmt.Sprintf(
		"mock recording engine=%d job=%s demo_bytes=%d player=%d ticks=%d-%d fps=%d bitrate=%d\n",
		e.ID, cmd.JobID, info.Size(), cmd.PlayerXUID, cmd.StartTick, cmd.EndTick, cmd.FPS, cmd.VideoBitrate,
	)
	return os.WriteFile(job.VideoPath, []byte(body), 0o644)
}

func (e *MockEngine) Close() error { return nil }

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
