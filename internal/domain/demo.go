package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Run1e/STRIKER-sub000/internal/msg"
)

// Demo is a parseable match recording. Origin plus Identifier is its
// natural key; Data holds the parsed match blob once a parse worker
// delivered one.
type Demo struct {
	eventBuffer

	ID           int64
	Game         DemoGame
	Origin       DemoOrigin
	State        DemoState
	Identifier   string
	Sharecode    string
	Time         *time.Time
	DownloadURL  string
	Map          string
	Score        []int32
	DownloadedAt *time.Time
	DataVersion  int
	Data         json.RawMessage
}

// HasData reports whether a parse worker has delivered match data.
func (d *Demo) HasData() bool {
	return len(d.Data) > 0
}

// IsUpToDate reports whether the stored data was parsed with the
// given parser version.
func (d *Demo) IsUpToDate(version int) bool {
	return d.DataVersion == version
}

// IsSelectable reports whether the demo can back round selection.
func (d *Demo) IsSelectable(version int) bool {
	return d.HasData() && d.IsUpToDate(version)
}

// IsTerminal reports whether the demo can no longer change state.
func (d *Demo) IsTerminal() bool {
	return d.State == DemoFailed || d.State == DemoDeleted
}

// MarkProcessing moves the demo back into the parse pipeline. Failed
// and deleted demos stay where they are.
func (d *Demo) MarkProcessing() error {
	if d.IsTerminal() {
		return fmt.Errorf("demo %d is %s and cannot be reprocessed", d.ID, d.State)
	}
	d.State = DemoProcessing
	return nil
}

// MarkReady transitions the demo to READY and emits DemoReady.
func (d *Demo) MarkReady() {
	d.State = DemoReady
	d.record(&msg.DemoReady{DemoID: d.ID})
}

// MarkFailed transitions the demo to FAILED and emits DemoFailure.
func (d *Demo) MarkFailed(reason string) {
	d.State = DemoFailed
	d.record(&msg.DemoFailure{DemoID: d.ID, Reason: reason})
}

// MarkDeleted tombstones the demo after its data was evicted.
func (d *Demo) MarkDeleted() {
	d.State = DemoDeleted
	d.Data = nil
}

// SetData stores a parse result along with the header fields the
// front end lists demos by.
func (d *Demo) SetData(data json.RawMessage, version int, now time.Time) error {
	var header struct {
		DemoHeader struct {
			MapName string `json:"mapname"`
		} `json:"demoheader"`
		Score []int32 `json:"score"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return fmt.Errorf("reading demo header: %w", err)
	}

	d.Data = data
	d.DataVersion = version
	d.DownloadedAt = &now
	d.Map = header.DemoHeader.MapName
	d.Score = header.Score
	return nil
}
