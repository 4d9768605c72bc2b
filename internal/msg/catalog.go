package msg

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateJob asks the orchestrator to start a new recording job. The
// demo is referenced by exactly one of DemoID, Sharecode or the
// Origin/Identifier pair.
type CreateJob struct {
	GuildID      int64  `json:"guild_id"`
	ChannelID    int64  `json:"channel_id"`
	UserID       int64  `json:"user_id"`
	InterPayload []byte `json:"inter_payload"`
	DemoID       int64  `json:"demo_id,omitempty"`
	Sharecode    string `json:"sharecode,omitempty"`
	DemoOrigin   string `json:"demo_origin,omitempty"`
	Identifier   string `json:"identifier,omitempty"`
	DemoURL      string `json:"demo_url,omitempty"`
}

func (*CreateJob) MessageName() string { return "CreateJob" }
func (*CreateJob) MessageKind() Kind   { return KindCommand }

// AbortJob cancels a job that has not started recording yet.
type AbortJob struct {
	JobID uuid.UUID `json:"job_id"`
}

func (*AbortJob) MessageName() string { return "AbortJob" }
func (*AbortJob) MessageKind() Kind   { return KindCommand }

// Record turns a round selection into a recording request for the
// gateway.
type Record struct {
	JobID      uuid.UUID `json:"job_id"`
	PlayerXUID uint64    `json:"player_xuid"`
	Round      int       `json:"round"`
	Tier       int       `json:"tier"`
}

func (*Record) MessageName() string { return "Record" }
func (*Record) MessageKind() Kind   { return KindCommand }

// Restore rehydrates interrupted jobs after an orchestrator restart.
type Restore struct{}

func (*Restore) MessageName() string { return "Restore" }
func (*Restore) MessageKind() Kind   { return KindCommand }

// RequestDemoParse asks the demo parser worker to fetch and parse a
// demo.
type RequestDemoParse struct {
	Origin      string `json:"origin"`
	Identifier  string `json:"identifier"`
	DownloadURL string `json:"download_url"`
	Version     int    `json:"version"`
}

func (*RequestDemoParse) MessageName() string { return "RequestDemoParse" }
func (*RequestDemoParse) MessageKind() Kind   { return KindCommand }
func (m *RequestDemoParse) CorrelationID() string {
	return demoKey(m.Origin, m.Identifier)
}

// RequestRecording asks a recording client to produce a clip. It is
// consumed by the gateway and forwarded to a connected client as a
// websocket frame.
type RequestRecording struct {
	JobID            uuid.UUID `json:"job_id"`
	Game             string    `json:"game"`
	DemoOrigin       string    `json:"demo_origin"`
	Identifier       string    `json:"identifier"`
	DemoURL          string    `json:"demo_url"`
	PlayerXUID       uint64    `json:"player_xuid"`
	Tickrate         float64   `json:"tickrate"`
	StartTick        int       `json:"start_tick"`
	EndTick          int       `json:"end_tick"`
	Skips            [][2]int  `json:"skips"`
	FPS              int       `json:"fps"`
	VideoBitrate     int       `json:"video_bitrate"`
	AudioBitrate     int       `json:"audio_bitrate"`
	Fragmovie        bool      `json:"fragmovie"`
	ColorFilter      bool      `json:"color_filter"`
	Righthand        bool      `json:"righthand"`
	CrosshairCode    string    `json:"crosshair_code"`
	UseDemoCrosshair bool      `json:"use_demo_crosshair"`
	HQ               bool      `json:"hq"`
}

func (*RequestRecording) MessageName() string { return "RequestRecording" }
func (*RequestRecording) MessageKind() Kind   { return KindCommand }
func (m *RequestRecording) CorrelationID() string {
	return m.JobID.String()
}

// DemoParseSuccess carries the parsed match data back from the worker.
type DemoParseSuccess struct {
	Origin     string          `json:"origin"`
	Identifier string          `json:"identifier"`
	Data       json.RawMessage `json:"data"`
	Version    int             `json:"version"`
}

func (*DemoParseSuccess) MessageName() string { return "DemoParseSuccess" }
func (*DemoParseSuccess) MessageKind() Kind   { return KindEvent }
func (m *DemoParseSuccess) CorrelationID() string {
	return demoKey(m.Origin, m.Identifier)
}

// DemoParseFailure reports a parse the worker could not complete.
type DemoParseFailure struct {
	Origin     string `json:"origin"`
	Identifier string `json:"identifier"`
	Reason     string `json:"reason"`
}

func (*DemoParseFailure) MessageName() string { return "DemoParseFailure" }
func (*DemoParseFailure) MessageKind() Kind   { return KindEvent }
func (m *DemoParseFailure) CorrelationID() string {
	return demoKey(m.Origin, m.Identifier)
}

// DemoParseDead reports a RequestDemoParse that expired or was
// rejected before any worker settled it.
type DemoParseDead struct {
	Command RequestDemoParse `json:"command"`
	Reason  string           `json:"reason"`
}

func (*DemoParseDead) MessageName() string { return "DemoParseDead" }
func (*DemoParseDead) MessageKind() Kind   { return KindEvent }
func (m *DemoParseDead) CorrelationID() string {
	return m.Command.CorrelationID()
}

// DemoParseProgression reports a demo's position in the parse queue.
// Infront of zero means the demo is being processed.
type DemoParseProgression struct {
	Origin     string `json:"origin"`
	Identifier string `json:"identifier"`
	Infront    int    `json:"infront"`
}

func (*DemoParseProgression) MessageName() string { return "DemoParseProgression" }
func (*DemoParseProgression) MessageKind() Kind   { return KindEvent }
func (m *DemoParseProgression) CorrelationID() string {
	return demoKey(m.Origin, m.Identifier)
}

// RecorderSuccess reports a finished recording for a job.
type RecorderSuccess struct {
	JobID uuid.UUID `json:"job_id"`
}

func (*RecorderSuccess) MessageName() string { return "RecorderSuccess" }
func (*RecorderSuccess) MessageKind() Kind   { return KindEvent }
func (m *RecorderSuccess) CorrelationID() string {
	return m.JobID.String()
}

// RecorderFailure reports a recording the gateway could not complete.
type RecorderFailure struct {
	JobID  uuid.UUID `json:"job_id"`
	Reason string    `json:"reason"`
}

func (*RecorderFailure) MessageName() string { return "RecorderFailure" }
func (*RecorderFailure) MessageKind() Kind   { return KindEvent }
func (m *RecorderFailure) CorrelationID() string {
	return m.JobID.String()
}

// RecorderDead reports a RequestRecording that expired or was rejected
// before the gateway settled it.
type RecorderDead struct {
	Command RequestRecording `json:"command"`
	Reason  string           `json:"reason"`
}

func (*RecorderDead) MessageName() string { return "RecorderDead" }
func (*RecorderDead) MessageKind() Kind   { return KindEvent }
func (m *RecorderDead) CorrelationID() string {
	return m.Command.CorrelationID()
}

// RecordingProgression reports a job's position in the recording
// queue. Infront of zero means the job is being recorded.
type RecordingProgression struct {
	JobID   uuid.UUID `json:"job_id"`
	Infront int       `json:"infront"`
}

func (*RecordingProgression) MessageName() string { return "RecordingProgression" }
func (*RecordingProgression) MessageKind() Kind   { return KindEvent }
func (m *RecordingProgression) CorrelationID() string {
	return m.JobID.String()
}

// UploaderSuccess reports a finished upload from a standalone uploader
// deployment.
type UploaderSuccess struct {
	JobID uuid.UUID `json:"job_id"`
}

func (*UploaderSuccess) MessageName() string { return "UploaderSuccess" }
func (*UploaderSuccess) MessageKind() Kind   { return KindEvent }

// UploaderFailure reports an upload that could not complete.
type UploaderFailure struct {
	JobID  uuid.UUID `json:"job_id"`
	Reason string    `json:"reason"`
}

func (*UploaderFailure) MessageName() string { return "UploaderFailure" }
func (*UploaderFailure) MessageKind() Kind   { return KindEvent }

// DemoReady fires when a demo reaches READY with current data.
type DemoReady struct {
	DemoID int64 `json:"demo_id"`
}

func (*DemoReady) MessageName() string { return "DemoReady" }
func (*DemoReady) MessageKind() Kind   { return KindEvent }

// DemoFailure fires when a demo enters FAILED.
type DemoFailure struct {
	DemoID int64  `json:"demo_id"`
	Reason string `json:"reason"`
}

func (*DemoFailure) MessageName() string { return "DemoFailure" }
func (*DemoFailure) MessageKind() Kind   { return KindEvent }

// JobSelecting fires when a job moves to round selection.
type JobSelecting struct {
	JobID uuid.UUID `json:"job_id"`
}

func (*JobSelecting) MessageName() string { return "JobSelecting" }
func (*JobSelecting) MessageKind() Kind   { return KindEvent }

// MatchSummary is the front end view of a parsed demo.
type MatchSummary struct {
	Map      string  `json:"map"`
	Score    []int   `json:"score"`
	Tickrate float64 `json:"tickrate"`
	Rounds   int     `json:"rounds"`
	Time     string  `json:"time,omitempty"`
}

// JobSelectable tells the front end a job is ready for round
// selection.
type JobSelectable struct {
	JobID        uuid.UUID    `json:"job_id"`
	InterPayload []byte       `json:"inter_payload"`
	DemoID       int64        `json:"demo_id"`
	Match        MatchSummary `json:"match"`
}

func (*JobSelectable) MessageName() string { return "JobSelectable" }
func (*JobSelectable) MessageKind() Kind   { return KindEvent }

// JobSuccess tells the front end a job finished.
type JobSuccess struct {
	JobID        uuid.UUID `json:"job_id"`
	InterPayload []byte    `json:"inter_payload"`
}

func (*JobSuccess) MessageName() string { return "JobSuccess" }
func (*JobSuccess) MessageKind() Kind   { return KindEvent }

// JobFailed tells the front end a job failed, with a user presentable
// reason.
type JobFailed struct {
	JobID        uuid.UUID `json:"job_id"`
	InterPayload []byte    `json:"inter_payload"`
	Reason       string    `json:"reason"`
}

func (*JobFailed) MessageName() string { return "JobFailed" }
func (*JobFailed) MessageKind() Kind   { return KindEvent }

// ClientHello is the first frame a recording client sends after
// connecting, listing jobs it believes it still holds.
type ClientHello struct {
	ClientID string      `json:"client_id"`
	Game     string      `json:"game"`
	JobIDs   []uuid.UUID `json:"job_ids"`
}

func (*ClientHello) MessageName() string { return "ClientHello" }
func (*ClientHello) MessageKind() Kind   { return KindEvent }

// ClientWaiting signals a recording client has a free slot.
type ClientWaiting struct {
	ClientID string `json:"client_id"`
	Game     string `json:"game"`
}

func (*ClientWaiting) MessageName() string { return "ClientWaiting" }
func (*ClientWaiting) MessageKind() Kind   { return KindEvent }

func demoKey(origin, identifier string) string {
	return fmt.Sprintf("%s/%s", origin, identifier)
}

func init() {
	Register("CreateJob", func() Message { return &CreateJob{} })
	Register("AbortJob", func() Message { return &AbortJob{} })
	Register("Record", func() Message { return &Record{} })
	Register("Restore", func() Message { return &Restore{} })
	Register("RequestDemoParse", func() Message { return &RequestDemoParse{} })
	Register("RequestRecording", func() Message { return &RequestRecording{} })
	Register("DemoParseSuccess", func() Message { return &DemoParseSuccess{} })
	Register("DemoParseFailure", func() Message { return &DemoParseFailure{} })
	Register("DemoParseDead", func() Message { return &DemoParseDead{} })
	Register("DemoParseProgression", func() Message { return &DemoParseProgression{} })
	Register("RecorderSuccess", func() Message { return &RecorderSuccess{} })
	Register("RecorderFailure", func() Message { return &RecorderFailure{} })
	Register("RecorderDead", func() Message { return &RecorderDead{} })
	Register("RecordingProgression", func() Message { return &RecordingProgression{} })
	Register("UploaderSuccess", func() Message { return &UploaderSuccess{} })
	Register("UploaderFailure", func() Message { return &UploaderFailure{} })
	Register("DemoReady", func() Message { return &DemoReady{} })
	Register("DemoFailure", func() Message { return &DemoFailure{} })
	Register("JobSelecting", func() Message { return &JobSelecting{} })
	Register("JobSelectable", func() Message { return &JobSelectable{} })
	Register("JobSuccess", func() Message { return &JobSuccess{} })
	Register("JobFailed", func() Message { return &JobFailed{} })
	Register("ClientHello", func() Message { return &ClientHello{} })
	Register("ClientWaiting", func() Message { return &ClientWaiting{} })
}

// ConfigureSpecs installs the publish and consume behavior for the
// worker facing command queues. TTLs come from configuration so
// deployments can tune how long requests may queue before
// dead-lettering.
func ConfigureSpecs(parseTTL, recordTTL time.Duration) {
	SetPublishSpec("RequestDemoParse", PublishSpec{
		TTL: parseTTL,
		DeadEvent: func(orig Message, reason string) Message {
			cmd := orig.(*RequestDemoParse)
			return &DemoParseDead{Command: *cmd, Reason: reason}
		},
	})
	SetPublishSpec("RequestRecording", PublishSpec{
		TTL: recordTTL,
		DeadEvent: func(orig Message, reason string) Message {
			cmd := orig.(*RequestRecording)
			return &RecorderDead{Command: *cmd, Reason: reason}
		},
	})
	SetConsumeSpec("RequestRecording", ConsumeSpec{
		ErrorEvent: func(orig Message, reason string) Message {
			cmd := orig.(*RequestRecording)
			return &RecorderFailure{JobID: cmd.JobID, Reason: reason}
		},
		Requeue: true,
	})
	SetConsumeSpec("CreateJob", ConsumeSpec{Requeue: true})
	SetConsumeSpec("Record", ConsumeSpec{Requeue: true})
	SetConsumeSpec("AbortJob", ConsumeSpec{Requeue: true})
}
