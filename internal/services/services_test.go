package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Run1e/STRIKER-sub000/internal/domain"
	"github.com/Run1e/STRIKER-sub000/internal/msg"
	"github.com/Run1e/STRIKER-sub000/internal/sharecode"
	"github.com/Run1e/STRIKER-sub000/internal/storage"
)

const testDataVersion = 4

// matchBlob is a minimal parse result: a 64 tick match on de_nuke
// where player 76561198044195953 gets two kills in round one and none
// in round two.
const matchBlob = `{
	"demoheader": {"mapname": "de_nuke", "tickrate": 64.0, "protocol": 4},
	"convars": {"mp_maxrounds": "30"},
	"score": [16, 9],
	"stringtables": [
		{"table": "userinfo", "xuid": [83930225, 17825793], "name": "alice", "userid": 2, "fakeplayer": false},
		{"table": "userinfo", "xuid": [83930226, 17825793], "name": "bob", "userid": 3, "fakeplayer": false}
	],
	"events": [
		{"event": "round_announce_match_start", "tick": 100},
		{"event": "player_death", "tick": 2000, "victim": 3, "attacker": 2, "weapon": "ak47"},
		{"event": "player_death", "tick": 2400, "victim": 3, "attacker": 2, "weapon": "ak47"},
		{"event": "round_officially_ended", "tick": 9000},
		{"event": "player_death", "tick": 12000, "victim": 2, "attacker": 3, "weapon": "awp"}
	]
}`

const aliceXUID = uint64(17825793)<<32 + 83930225

type fakeDemoStore struct {
	demos  map[int64]*domain.Demo
	nextID int64
}

func newFakeDemoStore() *fakeDemoStore {
	return &fakeDemoStore{demos: make(map[int64]*domain.Demo), nextID: 1}
}

func (s *fakeDemoStore) Get(_ context.Context, id int64) (*domain.Demo, error) {
	return s.demos[id], nil
}

func (s *fakeDemoStore) BySharecode(_ context.Context, sharecode string) (*domain.Demo, error) {
	for _, d := range s.demos {
		if d.Sharecode == sharecode {
			return d, nil
		}
	}
	return nil, nil
}

func (s *fakeDemoStore) ByOriginIdentifier(_ context.Context, origin domain.DemoOrigin, identifier string) (*domain.Demo, error) {
	for _, d := range s.demos {
		if d.Origin == origin && d.Identifier == identifier {
			return d, nil
		}
	}
	return nil, nil
}

func (s *fakeDemoStore) Insert(_ context.Context, d *domain.Demo) error {
	d.ID = s.nextID
	s.nextID++
	s.demos[d.ID] = d
	return nil
}

func (s *fakeDemoStore) Update(_ context.Context, d *domain.Demo) error {
	s.demos[d.ID] = d
	return nil
}

func (s *fakeDemoStore) LeastRecentlyUsed(context.Context, int) ([]int64, error) {
	return nil, nil
}

func (s *fakeDemoStore) MarkDeleted(context.Context, []int64) error {
	return nil
}

type fakeJobStore struct {
	jobs map[uuid.UUID]*domain.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[uuid.UUID]*domain.Job)}
}

func (s *fakeJobStore) Get(_ context.Context, id uuid.UUID) (*domain.Job, error) {
	return s.jobs[id], nil
}

func (s *fakeJobStore) Insert(_ context.Context, j *domain.Job) error {
	s.jobs[j.ID] = j
	return nil
}

func (s *fakeJobStore) Update(_ context.Context, j *domain.Job) error {
	s.jobs[j.ID] = j
	return nil
}

func (s *fakeJobStore) WaitingForDemo(_ context.Context, demoID int64, startedAfter time.Time) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.State == domain.JobWaiting && j.DemoID == demoID && j.StartedAt.After(startedAfter) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *fakeJobStore) RestartCandidates(_ context.Context, startedAfter time.Time) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.State == domain.JobSelecting && j.StartedAt.After(startedAfter) {
			out = append(out, j)
		}
	}
	return out, nil
}

type fakeUserStore struct {
	settings map[int64]*domain.UserSettings
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{settings: make(map[int64]*domain.UserSettings)}
}

func (s *fakeUserStore) ByUserID(_ context.Context, userID int64) (*domain.UserSettings, error) {
	return s.settings[userID], nil
}

func (s *fakeUserStore) Upsert(_ context.Context, u *domain.UserSettings) error {
	s.settings[u.UserID] = u
	return nil
}

// fakeUoW satisfies both the bus unit of work and the handler-facing
// one, backed by the in-memory stores.
type fakeUoW struct {
	demos *fakeDemoStore
	jobs  *fakeJobStore
	users *fakeUserStore

	commits int
	added   []msg.Message
}

func newFakeUoW() *fakeUoW {
	return &fakeUoW{
		demos: newFakeDemoStore(),
		jobs:  newFakeJobStore(),
		users: newFakeUserStore(),
	}
}

func (u *fakeUoW) Commit(context.Context) error        { u.commits++; return nil }
func (u *fakeUoW) AddMessage(m msg.Message)            { u.added = append(u.added, m) }
func (u *fakeUoW) DemoStore() storage.DemoStore        { return u.demos }
func (u *fakeUoW) JobStore() storage.JobStore          { return u.jobs }
func (u *fakeUoW) UserStore() storage.UserStore        { return u.users }
func (u *fakeUoW) Close(context.Context) error         { return nil }
func (u *fakeUoW) Messages() []msg.Message             { return u.added }

type fakePublisher struct {
	published []msg.Message
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, m msg.Message) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, m)
	return nil
}

type harness struct {
	handlers *Handlers
	uow      *fakeUoW
	pub      *fakePublisher
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		uow: newFakeUoW(),
		pub: &fakePublisher{},
		now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h.handlers = New(log.New(io.Discard, "", 0), h.pub, nil, Config{
		DataVersion:       testDataVersion,
		InteractionWindow: 15 * time.Minute,
	})
	h.handlers.now = func() time.Time { return h.now }
	return h
}

func (h *harness) readyDemo(t *testing.T) *domain.Demo {
	t.Helper()

	demo := &domain.Demo{
		Game:       domain.GameCSGO,
		Origin:     domain.OriginValve,
		State:      domain.DemoReady,
		Identifier: "123",
	}
	if err := demo.SetData(json.RawMessage(matchBlob), testDataVersion, h.now); err != nil {
		t.Fatalf("setting demo data: %v", err)
	}
	demo.DrainEvents()
	if err := h.uow.demos.Insert(context.Background(), demo); err != nil {
		t.Fatalf("inserting demo: %v", err)
	}
	return demo
}

func (h *harness) selectingJob(t *testing.T, demoID int64) *domain.Job {
	t.Helper()

	job := domain.NewJob(1, 2, 3, json.RawMessage(`{"token":"x"}`), demoID, h.now)
	job.Selecting()
	job.DrainEvents()
	if err := h.uow.jobs.Insert(context.Background(), job); err != nil {
		t.Fatalf("inserting job: %v", err)
	}
	return job
}

func TestCreateJobNewSharecode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	err := h.handlers.createJob(ctx, &msg.CreateJob{
		GuildID:   1,
		ChannelID: 2,
		UserID:    3,
		Sharecode: "CSGO-GADqf-jjyJ8-cSP2r-smZRo-TO2xK",
	}, h.uow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	demo, err := h.uow.demos.ByOriginIdentifier(ctx, domain.OriginValve, "3230642215713767580")
	if err != nil || demo == nil {
		t.Fatalf("demo not created: %v", err)
	}
	if demo.State != domain.DemoProcessing {
		t.Fatalf("demo state = %s, want %s", demo.State, domain.DemoProcessing)
	}

	if len(h.pub.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(h.pub.published))
	}
	req, ok := h.pub.published[0].(*msg.RequestDemoParse)
	if !ok {
		t.Fatalf("published %T, want *msg.RequestDemoParse", h.pub.published[0])
	}
	if req.Identifier != "3230642215713767580" || req.Version != testDataVersion {
		t.Fatalf("unexpected parse request %+v", req)
	}

	if len(h.uow.jobs.jobs) != 1 {
		t.Fatalf("have %d jobs, want 1", len(h.uow.jobs.jobs))
	}
	for _, job := range h.uow.jobs.jobs {
		if job.State != domain.JobWaiting {
			t.Fatalf("job state = %s, want %s", job.State, domain.JobWaiting)
		}
	}
	if h.uow.commits == 0 {
		t.Fatal("handler never committed")
	}
}

func TestCreateJobInvalidSharecode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	err := h.handlers.createJob(context.Background(), &msg.CreateJob{
		UserID:    3,
		Sharecode: "CSGO-xxxxx",
	}, h.uow)
	if !msg.IsDomain(err) {
		t.Fatalf("error = %v, want domain error", err)
	}
	if len(h.pub.published) != 0 {
		t.Fatalf("published %d messages, want 0", len(h.pub.published))
	}
}

func TestCreateJobReadyDemo(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	demo := h.readyDemo(t)

	err := h.handlers.createJob(ctx, &msg.CreateJob{UserID: 3, DemoID: demo.ID}, h.uow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Current data means no parse round trip, just a DemoReady.
	if len(h.pub.published) != 0 {
		t.Fatalf("published %d messages, want 0", len(h.pub.published))
	}
	events := demo.DrainEvents()
	if len(events) != 1 {
		t.Fatalf("demo buffered %d events, want 1", len(events))
	}
	if _, ok := events[0].(*msg.DemoReady); !ok {
		t.Fatalf("buffered %T, want *msg.DemoReady", events[0])
	}
}

func TestCreateJobDemoAlreadyParsing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := &domain.Demo{
		Game:       domain.GameCSGO,
		Origin:     domain.OriginValve,
		State:      domain.DemoProcessing,
		Identifier: "55",
	}
	if err := h.uow.demos.Insert(ctx, demo); err != nil {
		t.Fatal(err)
	}

	err := h.handlers.createJob(ctx, &msg.CreateJob{UserID: 3, DemoID: demo.ID}, h.uow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The in-flight parse will resolve the job; no second request.
	if len(h.pub.published) != 0 {
		t.Fatalf("published %d messages, want 0", len(h.pub.published))
	}
}

func TestCreateJobUnknownDemoID(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	err := h.handlers.createJob(context.Background(), &msg.CreateJob{UserID: 3, DemoID: 99}, h.uow)
	if !msg.IsDomain(err) {
		t.Fatalf("error = %v, want domain error", err)
	}
}

func TestCreateJobTerminalDemo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		state domain.DemoState
	}{
		{name: "deleted demo", state: domain.DemoDeleted},
		{name: "failed demo", state: domain.DemoFailed},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			ctx := context.Background()

			demo := &domain.Demo{
				Game:       domain.GameCSGO,
				Origin:     domain.OriginValve,
				State:      tc.state,
				Identifier: "77",
			}
			if err := h.uow.demos.Insert(ctx, demo); err != nil {
				t.Fatal(err)
			}

			err := h.handlers.createJob(ctx, &msg.CreateJob{UserID: 3, DemoID: demo.ID}, h.uow)
			if !msg.IsDomain(err) {
				t.Fatalf("error = %v, want domain error", err)
			}
			if len(h.uow.jobs.jobs) != 0 {
				t.Fatalf("have %d jobs, want 0", len(h.uow.jobs.jobs))
			}
		})
	}
}

func TestCreateJobConcurrentSameSharecode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	const code = "CSGO-GADqf-jjyJ8-cSP2r-smZRo-TO2xK"

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.handlers.createJob(ctx, &msg.CreateJob{UserID: 3, Sharecode: code}, h.uow)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("createJob %d: %v", i, err)
		}
	}

	if len(h.uow.demos.demos) != 1 {
		t.Fatalf("have %d demos, want 1", len(h.uow.demos.demos))
	}
	if len(h.uow.jobs.jobs) != 2 {
		t.Fatalf("have %d jobs, want 2", len(h.uow.jobs.jobs))
	}
	if len(h.pub.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(h.pub.published))
	}
	if _, ok := h.pub.published[0].(*msg.RequestDemoParse); !ok {
		t.Fatalf("published %T, want *msg.RequestDemoParse", h.pub.published[0])
	}
}

type fakeResolver struct {
	info MatchInfo
	got  sharecode.Share
}

func (r *fakeResolver) Resolve(_ context.Context, share sharecode.Share) (MatchInfo, error) {
	r.got = share
	return r.info, nil
}

func TestCreateJobResolvesShareCode(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	matchTime := time.Date(2024, 4, 30, 18, 0, 0, 0, time.UTC)
	resolver := &fakeResolver{info: MatchInfo{
		Time:        &matchTime,
		DownloadURL: "http://replay.example/demo.dem.bz2",
	}}
	h.handlers.resolver = resolver

	err := h.handlers.createJob(ctx, &msg.CreateJob{
		UserID:    3,
		Sharecode: "CSGO-GADqf-jjyJ8-cSP2r-smZRo-TO2xK",
	}, h.uow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resolver.got.MatchID != 3230642215713767580 {
		t.Fatalf("resolver got match id %d", resolver.got.MatchID)
	}

	demo, err := h.uow.demos.ByOriginIdentifier(ctx, domain.OriginValve, "3230642215713767580")
	if err != nil || demo == nil {
		t.Fatalf("demo not created: %v", err)
	}
	if demo.DownloadURL != resolver.info.DownloadURL {
		t.Fatalf("download url = %q", demo.DownloadURL)
	}
	if demo.Time == nil || !demo.Time.Equal(matchTime) {
		t.Fatalf("match time = %v", demo.Time)
	}

	req := h.pub.published[0].(*msg.RequestDemoParse)
	if req.DownloadURL != resolver.info.DownloadURL {
		t.Fatalf("parse request url = %q", req.DownloadURL)
	}
}

func TestRecordHappyPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := h.readyDemo(t)
	job := h.selectingJob(t, demo.ID)

	err := h.handlers.record(ctx, &msg.Record{
		JobID:      job.ID,
		PlayerXUID: aliceXUID,
		Round:      1,
	}, h.uow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.pub.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(h.pub.published))
	}
	req, ok := h.pub.published[0].(*msg.RequestRecording)
	if !ok {
		t.Fatalf("published %T, want *msg.RequestRecording", h.pub.published[0])
	}
	if req.JobID != job.ID || req.PlayerXUID != aliceXUID {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Tickrate != 64 || req.StartTick >= req.EndTick {
		t.Fatalf("bad tick window %+v", req)
	}
	if req.FPS != recordingFPS || req.AudioBitrate != recordingAudioBitrate {
		t.Fatalf("unexpected encoder settings %+v", req)
	}
	// Defaults from unset user settings.
	if req.Fragmovie || !req.ColorFilter || !req.Righthand || req.UseDemoCrosshair {
		t.Fatalf("unexpected preference defaults %+v", req)
	}
	if req.HQ {
		t.Fatal("tier 0 request should not be HQ")
	}

	if job.State != domain.JobRecording {
		t.Fatalf("job state = %s, want %s", job.State, domain.JobRecording)
	}
	if job.Recording == nil || job.Recording.Round != 1 || job.Recording.PlayerXUID != aliceXUID {
		t.Fatalf("unexpected recording spec %+v", job.Recording)
	}
}

func TestRecordAppliesUserSettings(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := h.readyDemo(t)
	job := h.selectingJob(t, demo.ID)

	frag := true
	lefthand := false
	code := "CSGO-crosshair"
	h.uow.users.settings[job.UserID] = &domain.UserSettings{
		UserID:        job.UserID,
		Fragmovie:     &frag,
		Righthand:     &lefthand,
		CrosshairCode: &code,
	}

	err := h.handlers.record(ctx, &msg.Record{
		JobID:      job.ID,
		PlayerXUID: aliceXUID,
		Round:      1,
		Tier:       2,
	}, h.uow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := h.pub.published[0].(*msg.RequestRecording)
	if !req.Fragmovie || req.Righthand || req.CrosshairCode != code {
		t.Fatalf("settings not applied %+v", req)
	}
	if !req.HQ {
		t.Fatal("tier 2 request should be HQ")
	}
}

func TestRecordHQPreference(t *testing.T) {
	t.Parallel()

	off := false
	tests := []struct {
		name string
		hq   *bool
		tier int
		want bool
	}{
		{name: "tier gates hq", tier: 0, want: false},
		{name: "hq defaults on for tiered users", tier: 2, want: true},
		{name: "stored preference wins", hq: &off, tier: 2, want: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			ctx := context.Background()

			demo := h.readyDemo(t)
			job := h.selectingJob(t, demo.ID)
			if tc.hq != nil {
				h.uow.users.settings[job.UserID] = &domain.UserSettings{UserID: job.UserID, HQ: tc.hq}
			}

			err := h.handlers.record(ctx, &msg.Record{
				JobID:      job.ID,
				PlayerXUID: aliceXUID,
				Round:      1,
				Tier:       tc.tier,
			}, h.uow)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			req := h.pub.published[0].(*msg.RequestRecording)
			if req.HQ != tc.want {
				t.Fatalf("HQ = %v, want %v", req.HQ, tc.want)
			}
		})
	}
}

func TestRecordDomainErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := h.readyDemo(t)
	job := h.selectingJob(t, demo.ID)

	tests := []struct {
		name string
		cmd  *msg.Record
	}{
		{"unknown job", &msg.Record{JobID: uuid.New(), PlayerXUID: aliceXUID, Round: 1}},
		{"unknown player", &msg.Record{JobID: job.ID, PlayerXUID: 42, Round: 1}},
		{"no kills in round", &msg.Record{JobID: job.ID, PlayerXUID: aliceXUID, Round: 2}},
	}

	for _, tc := range tests {
		if err := h.handlers.record(ctx, tc.cmd, h.uow); !msg.IsDomain(err) {
			t.Errorf("%s: error = %v, want domain error", tc.name, err)
		}
	}

	if len(h.pub.published) != 0 {
		t.Fatalf("published %d messages, want 0", len(h.pub.published))
	}
	if job.State != domain.JobSelecting {
		t.Fatalf("job state = %s, want %s", job.State, domain.JobSelecting)
	}
}

func TestRecordWrongJobState(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := h.readyDemo(t)
	job := h.selectingJob(t, demo.ID)
	job.StartRecording(domain.RecordingSpec{Type: domain.RecordingPlayerRound})

	err := h.handlers.record(ctx, &msg.Record{JobID: job.ID, PlayerXUID: aliceXUID, Round: 1}, h.uow)
	if !msg.IsDomain(err) {
		t.Fatalf("error = %v, want domain error", err)
	}
}

func TestRecordPublishFailureFailsJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := h.readyDemo(t)
	job := h.selectingJob(t, demo.ID)
	h.pub.err = errors.New("broker down")

	err := h.handlers.record(ctx, &msg.Record{JobID: job.ID, PlayerXUID: aliceXUID, Round: 1}, h.uow)
	if err == nil || msg.IsDomain(err) {
		t.Fatalf("error = %v, want plain error", err)
	}

	if job.State != domain.JobFailed {
		t.Fatalf("job state = %s, want %s", job.State, domain.JobFailed)
	}
	if h.uow.commits == 0 {
		t.Fatal("failed job was not committed")
	}
}

func TestAbortJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := h.readyDemo(t)
	job := h.selectingJob(t, demo.ID)

	if err := h.handlers.abortJob(ctx, &msg.AbortJob{JobID: job.ID}, h.uow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.State != domain.JobAborted {
		t.Fatalf("job state = %s, want %s", job.State, domain.JobAborted)
	}

	// Aborting again is a no-op, not an error.
	if err := h.handlers.abortJob(ctx, &msg.AbortJob{JobID: job.ID}, h.uow); err != nil {
		t.Fatalf("second abort errored: %v", err)
	}

	err := h.handlers.abortJob(ctx, &msg.AbortJob{JobID: uuid.New()}, h.uow)
	if !msg.IsDomain(err) {
		t.Fatalf("unknown job: error = %v, want domain error", err)
	}
}

func TestDemoParseSuccessCurrentVersion(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := &domain.Demo{
		Game:       domain.GameCSGO,
		Origin:     domain.OriginValve,
		State:      domain.DemoProcessing,
		Identifier: "777",
	}
	if err := h.uow.demos.Insert(ctx, demo); err != nil {
		t.Fatal(err)
	}

	err := h.handlers.demoParseSuccess(ctx, &msg.DemoParseSuccess{
		Origin:     string(domain.OriginValve),
		Identifier: "777",
		Data:       json.RawMessage(matchBlob),
		Version:    testDataVersion,
	}, h.uow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if demo.State != domain.DemoReady {
		t.Fatalf("demo state = %s, want %s", demo.State, domain.DemoReady)
	}
	if demo.Map != "de_nuke" || demo.DataVersion != testDataVersion {
		t.Fatalf("header not applied: map=%q version=%d", demo.Map, demo.DataVersion)
	}
	events := demo.DrainEvents()
	if len(events) != 1 {
		t.Fatalf("buffered %d events, want 1", len(events))
	}
	if _, ok := events[0].(*msg.DemoReady); !ok {
		t.Fatalf("buffered %T, want *msg.DemoReady", events[0])
	}
}

func TestDemoParseSuccessStaleVersion(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := &domain.Demo{
		Game:       domain.GameCSGO,
		Origin:     domain.OriginValve,
		State:      domain.DemoProcessing,
		Identifier: "777",
	}
	if err := h.uow.demos.Insert(ctx, demo); err != nil {
		t.Fatal(err)
	}

	err := h.handlers.demoParseSuccess(ctx, &msg.DemoParseSuccess{
		Origin:     string(domain.OriginValve),
		Identifier: "777",
		Data:       json.RawMessage(matchBlob),
		Version:    testDataVersion - 1,
	}, h.uow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Stale data is discarded and the parse re-requested.
	if demo.HasData() {
		t.Fatal("stale data was stored")
	}
	if demo.State != domain.DemoProcessing {
		t.Fatalf("demo state = %s, want %s", demo.State, domain.DemoProcessing)
	}
	if len(h.pub.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(h.pub.published))
	}
	if _, ok := h.pub.published[0].(*msg.RequestDemoParse); !ok {
		t.Fatalf("published %T, want *msg.RequestDemoParse", h.pub.published[0])
	}
}

func TestDemoParseFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := &domain.Demo{
		Game:       domain.GameCSGO,
		Origin:     domain.OriginValve,
		State:      domain.DemoProcessing,
		Identifier: "777",
	}
	if err := h.uow.demos.Insert(ctx, demo); err != nil {
		t.Fatal(err)
	}

	err := h.handlers.demoParseFailure(ctx, &msg.DemoParseFailure{
		Origin:     string(domain.OriginValve),
		Identifier: "777",
		Reason:     "corrupt demo",
	}, h.uow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if demo.State != domain.DemoFailed {
		t.Fatalf("demo state = %s, want %s", demo.State, domain.DemoFailed)
	}
	events := demo.DrainEvents()
	if len(events) != 1 {
		t.Fatalf("buffered %d events, want 1", len(events))
	}
	failure, ok := events[0].(*msg.DemoFailure)
	if !ok || failure.Reason != "corrupt demo" {
		t.Fatalf("buffered %#v, want DemoFailure with reason", events[0])
	}

	// Failures for demos nobody tracks are ignored.
	err = h.handlers.demoParseFailure(ctx, &msg.DemoParseFailure{
		Origin:     string(domain.OriginValve),
		Identifier: "nope",
		Reason:     "corrupt demo",
	}, h.uow)
	if err != nil {
		t.Fatalf("unknown demo errored: %v", err)
	}
}

func TestDemoReadyPromotesWaitingJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := h.readyDemo(t)
	inside := domain.NewJob(1, 2, 3, nil, demo.ID, h.now.Add(-time.Minute))
	outside := domain.NewJob(1, 2, 4, nil, demo.ID, h.now.Add(-time.Hour))
	if err := h.uow.jobs.Insert(ctx, inside); err != nil {
		t.Fatal(err)
	}
	if err := h.uow.jobs.Insert(ctx, outside); err != nil {
		t.Fatal(err)
	}

	if err := h.handlers.demoReady(ctx, &msg.DemoReady{DemoID: demo.ID}, h.uow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if inside.State != domain.JobSelecting {
		t.Fatalf("recent job state = %s, want %s", inside.State, domain.JobSelecting)
	}
	if outside.State != domain.JobWaiting {
		t.Fatalf("expired job state = %s, want %s", outside.State, domain.JobWaiting)
	}
}

func TestDemoFailureFailsWaitingJobs(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := h.readyDemo(t)
	job := domain.NewJob(1, 2, 3, nil, demo.ID, h.now.Add(-time.Minute))
	if err := h.uow.jobs.Insert(ctx, job); err != nil {
		t.Fatal(err)
	}

	err := h.handlers.demoFailure(ctx, &msg.DemoFailure{DemoID: demo.ID, Reason: "bad demo"}, h.uow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if job.State != domain.JobFailed {
		t.Fatalf("job state = %s, want %s", job.State, domain.JobFailed)
	}
	events := job.DrainEvents()
	if len(events) != 1 {
		t.Fatalf("buffered %d events, want 1", len(events))
	}
	failed, ok := events[0].(*msg.JobFailed)
	if !ok || failed.Reason != "bad demo" {
		t.Fatalf("buffered %#v, want JobFailed with reason", events[0])
	}
}

func TestJobSelectingEmitsSelectable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := h.readyDemo(t)
	job := h.selectingJob(t, demo.ID)

	err := h.handlers.jobSelecting(ctx, &msg.JobSelecting{JobID: job.ID}, h.uow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.uow.added) != 1 {
		t.Fatalf("queued %d messages, want 1", len(h.uow.added))
	}
	dto, ok := h.uow.added[0].(*msg.JobSelectable)
	if !ok {
		t.Fatalf("queued %T, want *msg.JobSelectable", h.uow.added[0])
	}
	if dto.JobID != job.ID || dto.DemoID != demo.ID {
		t.Fatalf("unexpected dto %+v", dto)
	}
	if dto.Match.Map != "de_nuke" || dto.Match.Tickrate != 64 || dto.Match.Rounds != 2 {
		t.Fatalf("unexpected match summary %+v", dto.Match)
	}
}

func TestRestore(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := h.readyDemo(t)
	selecting := h.selectingJob(t, demo.ID)

	// A selecting job whose demo lost its data cannot be restored.
	staleDemo := &domain.Demo{
		Game:       domain.GameCSGO,
		Origin:     domain.OriginValve,
		State:      domain.DemoReady,
		Identifier: "stale",
	}
	if err := h.uow.demos.Insert(ctx, staleDemo); err != nil {
		t.Fatal(err)
	}
	h.selectingJob(t, staleDemo.ID)

	if err := h.handlers.restore(ctx, &msg.Restore{}, h.uow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.uow.added) != 1 {
		t.Fatalf("queued %d messages, want 1", len(h.uow.added))
	}
	dto := h.uow.added[0].(*msg.JobSelectable)
	if dto.JobID != selecting.ID {
		t.Fatalf("restored job %s, want %s", dto.JobID, selecting.ID)
	}
}

func TestFinishJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	demo := h.readyDemo(t)

	recording := func() *domain.Job {
		job := h.selectingJob(t, demo.ID)
		job.StartRecording(domain.RecordingSpec{Type: domain.RecordingPlayerRound})
		return job
	}

	succeeded := recording()
	err := h.handlers.recorderSuccess(ctx, &msg.RecorderSuccess{JobID: succeeded.ID}, h.uow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if succeeded.State != domain.JobSuccess {
		t.Fatalf("job state = %s, want %s", succeeded.State, domain.JobSuccess)
	}
	if succeeded.CompletedAt == nil || !succeeded.CompletedAt.Equal(h.now) {
		t.Fatalf("completed at = %v, want %v", succeeded.CompletedAt, h.now)
	}
	events := succeeded.DrainEvents()
	if len(events) != 1 {
		t.Fatalf("buffered %d events, want 1", len(events))
	}
	if _, ok := events[0].(*msg.JobSuccess); !ok {
		t.Fatalf("buffered %T, want *msg.JobSuccess", events[0])
	}

	failed := recording()
	err = h.handlers.recorderFailure(ctx, &msg.RecorderFailure{JobID: failed.ID, Reason: "engine crashed"}, h.uow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if failed.State != domain.JobFailed {
		t.Fatalf("job state = %s, want %s", failed.State, domain.JobFailed)
	}

	// Terminal events for unknown jobs are logged and dropped.
	err = h.handlers.recorderSuccess(ctx, &msg.RecorderSuccess{JobID: uuid.New()}, h.uow)
	if err != nil {
		t.Fatalf("unknown job errored: %v", err)
	}
}
