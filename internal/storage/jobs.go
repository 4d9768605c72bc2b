package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Run1e/STRIKER-sub000/internal/domain"
)

// JobRepo reads and writes jobs inside one unit of work.
type JobRepo struct {
	uow *UnitOfWork
}

const jobColumns = `id, state, guild_id, channel_id, user_id, started_at, inter_payload,
	demo_id, completed_at, video_title, recording`

func (r *JobRepo) scan(row pgx.Row) (*domain.Job, error) {
	j := &domain.Job{}
	var (
		videoTitle *string
		recording  []byte
	)

	err := row.Scan(
		&j.ID, &j.State, &j.GuildID, &j.ChannelID, &j.UserID, &j.StartedAt,
		&j.InterPayload, &j.DemoID, &j.CompletedAt, &videoTitle, &recording,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job: %w", err)
	}

	if videoTitle != nil {
		j.VideoTitle = *videoTitle
	}
	if len(recording) > 0 {
		var spec domain.RecordingSpec
		if err := json.Unmarshal(recording, &spec); err != nil {
			return nil, fmt.Errorf("decoding recording spec: %w", err)
		}
		j.Recording = &spec
	}

	r.uow.Track(j)
	return j, nil
}

func (r *JobRepo) scanAll(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		j, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Get returns the job or nil when it does not exist.
func (r *JobRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := r.uow.tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return r.scan(row)
}

// Insert persists a new job.
func (r *JobRepo) Insert(ctx context.Context, j *domain.Job) error {
	recording, err := encodeRecording(j.Recording)
	if err != nil {
		return err
	}

	_, err = r.uow.tx.Exec(ctx,
		`INSERT INTO jobs (id, state, guild_id, channel_id, user_id, started_at,
			inter_payload, demo_id, completed_at, video_title, recording)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)`,
		j.ID, j.State, j.GuildID, j.ChannelID, j.UserID, j.StartedAt,
		j.InterPayload, j.DemoID, j.CompletedAt, j.VideoTitle, recording,
	)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}

	r.uow.Track(j)
	return nil
}

// Update writes back every mutable job field.
func (r *JobRepo) Update(ctx context.Context, j *domain.Job) error {
	recording, err := encodeRecording(j.Recording)
	if err != nil {
		return err
	}

	_, err = r.uow.tx.Exec(ctx,
		`UPDATE jobs SET state = $2, completed_at = $3, video_title = NULLIF($4, ''),
			recording = $5
		WHERE id = $1`,
		j.ID, j.State, j.CompletedAt, j.VideoTitle, recording,
	)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", j.ID, err)
	}
	return nil
}

// WaitingForDemo returns the WAITING jobs for a demo that are still
// inside the interaction window.
func (r *JobRepo) WaitingForDemo(ctx context.Context, demoID int64, startedAfter time.Time) ([]*domain.Job, error) {
	rows, err := r.uow.tx.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE demo_id = $1 AND state = $2 AND started_at > $3`,
		demoID, domain.JobWaiting, startedAfter)
	if err != nil {
		return nil, fmt.Errorf("querying waiting jobs: %w", err)
	}
	return r.scanAll(rows)
}

// RestartCandidates returns SELECTING jobs inside the interaction
// window, used to rehydrate round selection after a restart.
func (r *JobRepo) RestartCandidates(ctx context.Context, startedAfter time.Time) ([]*domain.Job, error) {
	rows, err := r.uow.tx.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE state = $1 AND started_at > $2`,
		domain.JobSelecting, startedAfter)
	if err != nil {
		return nil, fmt.Errorf("querying restart candidates: %w", err)
	}
	return r.scanAll(rows)
}

func encodeRecording(spec *domain.RecordingSpec) ([]byte, error) {
	if spec == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encoding recording spec: %w", err)
	}
	return encoded, nil
}
