// Package domain holds the persistent entities of the recording
// pipeline and their state transitions. Entities buffer the events
// their transitions produce; the unit of work drains those buffers
// after commit.
package domain

// DemoGame identifies which game a demo was recorded in.
type DemoGame string

const (
	GameCSGO DemoGame = "CSGO"
	GameCS2  DemoGame = "CS2"
)

// DemoOrigin identifies where a demo came from.
type DemoOrigin string

const (
	OriginValve  DemoOrigin = "VALVE"
	OriginFACEIT DemoOrigin = "FACEIT"
	OriginUpload DemoOrigin = "UPLOAD"
)

// DemoState is the parse lifecycle of a demo.
type DemoState string

const (
	DemoProcessing DemoState = "PROCESSING"
	DemoFailed     DemoState = "FAILED"
	DemoReady      DemoState = "READY"
	DemoDeleted    DemoState = "DELETED"
)

// JobState is the lifecycle of a recording job.
type JobState string

const (
	JobWaiting   JobState = "WAITING"
	JobSelecting JobState = "SELECTING"
	JobRecording JobState = "RECORDING"
	JobAborted   JobState = "ABORTED"
	JobFailed    JobState = "FAILED"
	JobSuccess   JobState = "SUCCESS"
)

// RecordingType describes what a job is recording.
type RecordingType string

const (
	RecordingPlayerRound RecordingType = "PLAYER_ROUND"
)
