package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/Run1e/STRIKER-sub000/internal/msg"
)

// RecordingSpec describes what a job recorded, persisted so restarts
// can reason about in-flight recordings.
type RecordingSpec struct {
	Type       RecordingType `json:"type"`
	PlayerXUID uint64        `json:"player_xuid"`
	Round      int           `json:"round"`
	Tier       int           `json:"tier"`
}

// Job tracks one recording request from creation to a terminal state.
// InterPayload is the opaque front end token echoed back on every
// user-facing event.
type Job struct {
	eventBuffer

	ID           uuid.UUID
	State        JobState
	GuildID      int64
	ChannelID    int64
	UserID       int64
	StartedAt    time.Time
	InterPayload []byte
	DemoID       int64
	CompletedAt  *time.Time
	VideoTitle   string
	Recording    *RecordingSpec
}

// NewJob creates a WAITING job with a fresh id.
func NewJob(guildID, channelID, userID int64, interPayload []byte, demoID int64, now time.Time) *Job {
	return &Job{
		ID:           uuid.New(),
		State:        JobWaiting,
		GuildID:      guildID,
		ChannelID:    channelID,
		UserID:       userID,
		StartedAt:    now,
		InterPayload: interPayload,
		DemoID:       demoID,
	}
}

// IsTerminal reports whether the job reached a final state.
func (j *Job) IsTerminal() bool {
	switch j.State {
	case JobAborted, JobFailed, JobSuccess:
		return true
	}
	return false
}

// Selecting moves the job to round selection and emits JobSelecting.
func (j *Job) Selecting() {
	j.State = JobSelecting
	j.record(&msg.JobSelecting{JobID: j.ID})
}

// StartRecording moves the job to RECORDING with the given spec.
func (j *Job) StartRecording(spec RecordingSpec) {
	j.State = JobRecording
	j.Recording = &spec
}

// Abort cancels the job. Aborting an already terminal job is a no-op.
func (j *Job) Abort() {
	if j.IsTerminal() {
		return
	}
	j.State = JobAborted
}

// Fail moves the job to FAILED and emits the user facing JobFailed.
func (j *Job) Fail(reason string) {
	if j.IsTerminal() {
		return
	}
	j.State = JobFailed
	j.record(&msg.JobFailed{JobID: j.ID, InterPayload: j.InterPayload, Reason: reason})
}

// Succeed completes the job and emits the user facing JobSuccess.
func (j *Job) Succeed(now time.Time) {
	if j.IsTerminal() {
		return
	}
	j.State = JobSuccess
	j.CompletedAt = &now
	j.record(&msg.JobSuccess{JobID: j.ID, InterPayload: j.InterPayload})
}
