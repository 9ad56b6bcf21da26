package cue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/catalog"
	"github.com/alnlabs/aln-orchestrator/internal/model"
)

type stubClockSrc struct {
	mu      sync.Mutex
	elapsed int64
}

func (c *stubClockSrc) Elapsed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

func (c *stubClockSrc) set(v int64) {
	c.mu.Lock()
	c.elapsed = v
	c.mu.Unlock()
}

type stubVideo struct {
	mu       sync.Mutex
	playing  bool
	current  string
	stopped  int
	enqueued []string
}

func (v *stubVideo) IsPlaying() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.playing
}

func (v *stubVideo) CurrentTokenID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

func (v *stubVideo) StopCurrent(context.Context) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped++
	v.playing = false
	return true
}

func (v *stubVideo) EnqueueToken(_ context.Context, tokenID, _ string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enqueued = append(v.enqueued, tokenID)
}

type recDispatcher struct {
	mu   sync.Mutex
	cmds []Command
	fail map[string]bool
}

func (d *recDispatcher) Dispatch(_ context.Context, cmd Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[cmd.Action] {
		return errors.New("equipment offline")
	}
	d.cmds = append(d.cmds, cmd)
	return nil
}

func (d *recDispatcher) actions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.cmds))
	for _, c := range d.cmds {
		out = append(out, c.Action)
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	topics []string
	events []any
}

func record(b *bus.Bus, topics ...string) *recorder {
	r := &recorder{}
	b.SubscribeAll(topics, func(_ context.Context, topic string, payload any) {
		r.mu.Lock()
		r.topics = append(r.topics, topic)
		r.events = append(r.events, payload)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func (r *recorder) count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type fixture struct {
	engine *Engine
	bus    *bus.Bus
	clock  *stubClockSrc
	video  *stubVideo
	disp   *recDispatcher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		bus:   bus.New(),
		clock: &stubClockSrc{},
		video: &stubVideo{},
		disp:  &recDispatcher{},
	}
	cat := catalog.New([]model.Token{
		{ID: "tok_video", Value: 10, MemoryType: "personal", ValueRating: 3, MediaAssets: model.MediaAssets{Video: "reveal.mp4"}},
		{ID: "tok_plain", Value: 5, MemoryType: "technical", ValueRating: 1},
	})
	opts = append([]Option{WithDispatcher(f.disp)}, opts...)
	f.engine = New(f.bus, cat, f.clock, f.video, opts...)
	return f
}

func simpleCue(id string, actions ...string) model.CueDefinition {
	def := model.CueDefinition{ID: id}
	for _, a := range actions {
		def.Commands = append(def.Commands, model.CueCommand{Action: a})
	}
	return def
}

func TestLoadCuesValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		defs []model.CueDefinition
	}{
		{"missing id", []model.CueDefinition{{Commands: []model.CueCommand{{Action: "x"}}}}},
		{"duplicate id", []model.CueDefinition{simpleCue("a", "x"), simpleCue("a", "y")}},
		{"neither commands nor timeline", []model.CueDefinition{{ID: "a"}}},
		{"both commands and timeline", []model.CueDefinition{{
			ID:       "a",
			Commands: []model.CueCommand{{Action: "x"}},
			Timeline: []model.TimelineEntry{{At: 0, Action: "y"}},
		}}},
		{"bad clock trigger", []model.CueDefinition{{
			ID:       "a",
			Trigger:  &model.CueTrigger{Clock: "90 seconds"},
			Commands: []model.CueCommand{{Action: "x"}},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, f.engine.LoadCues(ctx, tc.defs), ErrInvalidCue)
		})
	}

	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{
		simpleCue("ok", "lighting:scene"),
	}))
	require.Len(t, f.engine.Definitions(), 1)
}

func TestSimpleCueContinuesOnError(t *testing.T) {
	f := newFixture(t)
	f.disp.fail = map[string]bool{"lighting:broken": true}
	ctx := context.Background()
	rec := record(f.bus, bus.TopicCueFired, bus.TopicCueError, bus.TopicCueCompleted)

	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{
		simpleCue("show", "audio:start", "lighting:broken", "audio:stop"),
	}))
	require.NoError(t, f.engine.FireCue(ctx, "show", "manual", nil))

	// The failing middle command never aborts the rest of the sequence.
	require.Equal(t, []string{"audio:start", "audio:stop"}, f.disp.actions())
	require.Equal(t, 1, rec.count(bus.TopicCueError))
	require.Equal(t, 1, rec.count(bus.TopicCueCompleted))
	require.Equal(t, []string{bus.TopicCueFired, bus.TopicCueError, bus.TopicCueCompleted}, rec.seen())
}

func TestFireUnknownCue(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.engine.FireCue(context.Background(), "ghost", "manual", nil), ErrUnknownCue)
}

func TestDisabledCueIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{simpleCue("a", "audio:start")}))

	require.NoError(t, f.engine.DisableCue("a"))
	require.NoError(t, f.engine.FireCue(ctx, "a", "manual", nil))
	require.Empty(t, f.disp.actions())

	require.NoError(t, f.engine.EnableCue("a"))
	require.NoError(t, f.engine.FireCue(ctx, "a", "manual", nil))
	require.Equal(t, []string{"audio:start"}, f.disp.actions())

	require.ErrorIs(t, f.engine.DisableCue("ghost"), ErrUnknownCue)
	require.ErrorIs(t, f.engine.EnableCue("ghost"), ErrUnknownCue)
}

func TestOnceCueDisablesItself(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	def := simpleCue("one-shot", "audio:start")
	def.Once = true
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{def}))

	require.NoError(t, f.engine.FireCue(ctx, "one-shot", "manual", nil))
	require.NoError(t, f.engine.FireCue(ctx, "one-shot", "manual", nil))
	require.Len(t, f.disp.actions(), 1)
}

func TestStandingEventCueWithConditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{{
		ID:      "big-score",
		Trigger: &model.CueTrigger{Event: bus.TopicTransactionAccepted},
		Conditions: []model.Condition{
			{Field: "memoryType", Op: model.OpEq, Value: "personal"},
			{Field: "points", Op: model.OpGte, Value: 50},
		},
		Commands: []model.CueCommand{{Action: "lighting:scene"}},
	}}))

	accepted := func(tokenID string, points int) model.TransactionAcceptedEvent {
		return model.TransactionAcceptedEvent{
			Transaction: model.Transaction{TokenID: tokenID, TeamID: "team-a", Points: points},
			TokenID:     tokenID,
		}
	}

	// Suspended engines ignore game events entirely.
	require.NoError(t, f.bus.Publish(ctx, bus.TopicTransactionAccepted, accepted("tok_video", 100)))
	require.Empty(t, f.disp.actions())

	f.engine.Activate()

	// Wrong memory type, then too few points, then a full match.
	require.NoError(t, f.bus.Publish(ctx, bus.TopicTransactionAccepted, accepted("tok_plain", 100)))
	require.NoError(t, f.bus.Publish(ctx, bus.TopicTransactionAccepted, accepted("tok_video", 10)))
	require.Empty(t, f.disp.actions())

	require.NoError(t, f.bus.Publish(ctx, bus.TopicTransactionAccepted, accepted("tok_video", 100)))
	require.Equal(t, []string{"lighting:scene"}, f.disp.actions())
}

func TestClockTriggeredCueFiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{{
		ID:       "halftime",
		Trigger:  &model.CueTrigger{Clock: "00:00:30"},
		Commands: []model.CueCommand{{Action: "audio:start"}},
	}}))
	f.engine.Activate()

	f.engine.HandleClockTick(ctx, 29)
	require.Empty(t, f.disp.actions())

	f.engine.HandleClockTick(ctx, 30)
	f.engine.HandleClockTick(ctx, 31)
	require.Equal(t, []string{"audio:start"}, f.disp.actions())
}

func TestNestedFireDetectsCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := record(f.bus, bus.TopicCueError)
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{
		{ID: "a", Commands: []model.CueCommand{{Action: "cue:fire", Payload: map[string]any{"cueId": "b"}}}},
		{ID: "b", Commands: []model.CueCommand{{Action: "cue:fire", Payload: map[string]any{"cueId": "a"}}}},
	}))

	require.NoError(t, f.engine.FireCue(ctx, "a", "manual", nil))
	require.GreaterOrEqual(t, rec.count(bus.TopicCueError), 1)
}

func TestNestingDepthCapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := record(f.bus, bus.TopicCueError)

	// c0 -> c1 -> ... -> c6, two deeper than the cap allows.
	defs := make([]model.CueDefinition, 0, 7)
	for i := 0; i < 7; i++ {
		def := model.CueDefinition{ID: cueID(i)}
		if i < 6 {
			def.Commands = []model.CueCommand{{Action: "cue:fire", Payload: map[string]any{"cueId": cueID(i + 1)}}}
		} else {
			def.Commands = []model.CueCommand{{Action: "audio:start"}}
		}
		defs = append(defs, def)
	}
	require.NoError(t, f.engine.LoadCues(ctx, defs))

	require.NoError(t, f.engine.FireCue(ctx, "c0", "manual", nil))
	require.Empty(t, f.disp.actions(), "the tail past the depth cap must not run")
	require.GreaterOrEqual(t, rec.count(bus.TopicCueError), 1)
}

func cueID(i int) string { return fmt.Sprintf("c%d", i) }

func TestCompoundClockDrivenAdvancement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := record(f.bus, bus.TopicCueStarted, bus.TopicCueStatus, bus.TopicCueCompleted)
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{{
		ID: "act-one",
		Timeline: []model.TimelineEntry{
			{At: 0, Action: "lighting:scene"},
			{At: 2, Action: "audio:start"},
			{At: 5, Action: "audio:stop"},
		},
	}}))
	f.engine.Activate()

	f.clock.set(100)
	require.NoError(t, f.engine.FireCue(ctx, "act-one", "manual", nil))
	require.Equal(t, []string{"lighting:scene"}, f.disp.actions())
	require.Equal(t, 1, rec.count(bus.TopicCueStarted))
	require.Len(t, f.engine.ActiveCues(), 1)

	f.clock.set(102)
	f.engine.HandleClockTick(ctx, 102)
	require.Equal(t, []string{"lighting:scene", "audio:start"}, f.disp.actions())

	f.clock.set(105)
	f.engine.HandleClockTick(ctx, 105)
	require.Equal(t, []string{"lighting:scene", "audio:start", "audio:stop"}, f.disp.actions())
	require.Equal(t, 1, rec.count(bus.TopicCueCompleted))
	require.Empty(t, f.engine.ActiveCues())
}

func TestCompoundAlreadyRunningRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := record(f.bus, bus.TopicCueError)
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{{
		ID:       "long",
		Timeline: []model.TimelineEntry{{At: 0, Action: "lighting:scene"}, {At: 60, Action: "lighting:off"}},
	}}))

	require.NoError(t, f.engine.FireCue(ctx, "long", "manual", nil))
	require.NoError(t, f.engine.FireCue(ctx, "long", "manual", nil))
	require.Equal(t, 1, rec.count(bus.TopicCueError))
	require.Len(t, f.engine.ActiveCues(), 1)
}

func TestVideoDrivenCueFollowsPlayback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := record(f.bus, bus.TopicCueCompleted)
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{{
		ID: "reveal",
		Timeline: []model.TimelineEntry{
			{At: 0, Action: "video:play", Payload: map[string]any{"tokenId": "tok_video"}},
			{At: 3, Action: "lighting:scene"},
			{At: 6, Action: "audio:stop"},
		},
	}}))

	require.NoError(t, f.engine.FireCue(ctx, "reveal", "manual", nil))
	require.Equal(t, []string{"tok_video"}, f.video.enqueued)

	// Playback position drives the timeline, not the game clock.
	require.NoError(t, f.bus.Publish(ctx, bus.TopicVideoProgress,
		model.VideoProgressEvent{TokenID: "tok_video", Position: 0.5, Duration: 6}))
	require.Equal(t, []string{"lighting:scene"}, f.disp.actions())

	// Early completion jumps the cue to its end so trailing entries fire.
	require.NoError(t, f.bus.Publish(ctx, bus.TopicVideoCompleted,
		model.VideoEvent{TokenID: "tok_video", Duration: 6}))
	require.Equal(t, []string{"lighting:scene", "audio:stop"}, f.disp.actions())
	require.Equal(t, 1, rec.count(bus.TopicCueCompleted))
	require.Empty(t, f.engine.ActiveCues())
}

func TestVideoPauseCascadesIntoCue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{{
		ID: "reveal",
		Timeline: []model.TimelineEntry{
			{At: 0, Action: "video:play", Payload: map[string]any{"tokenId": "tok_video"}},
			{At: 10, Action: "audio:stop"},
		},
	}}))
	require.NoError(t, f.engine.FireCue(ctx, "reveal", "manual", nil))

	require.NoError(t, f.bus.Publish(ctx, bus.TopicVideoPaused, model.VideoEvent{TokenID: "tok_video"}))
	active := f.engine.ActiveCues()
	require.Len(t, active, 1)
	require.Equal(t, model.CuePaused, active[0].State)

	// Progress while paused is ignored.
	require.NoError(t, f.bus.Publish(ctx, bus.TopicVideoProgress,
		model.VideoProgressEvent{TokenID: "tok_video", Position: 1, Duration: 10}))
	require.Empty(t, f.disp.actions())

	require.NoError(t, f.bus.Publish(ctx, bus.TopicVideoResumed, model.VideoEvent{TokenID: "tok_video"}))
	active = f.engine.ActiveCues()
	require.Len(t, active, 1)
	require.Equal(t, model.CueRunning, active[0].State)
}

func TestVideoConflictCancelAndOverride(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := record(f.bus, bus.TopicCueConflict)
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{{
		ID: "reveal",
		Timeline: []model.TimelineEntry{
			{At: 0, Action: "video:play", Payload: map[string]any{"tokenId": "tok_video"}},
			{At: 5, Action: "audio:stop"},
		},
	}}))

	f.video.playing = true
	f.video.current = "tok_other"

	require.NoError(t, f.engine.FireCue(ctx, "reveal", "manual", nil))
	require.Empty(t, f.engine.ActiveCues(), "conflicting cue must be held, not started")
	require.Equal(t, 1, rec.count(bus.TopicCueConflict))
	conflict := rec.events[0].(model.CueConflictEvent)
	require.Equal(t, "tok_other", conflict.CurrentVideo)
	require.True(t, conflict.AutoCancel)

	require.NoError(t, f.engine.ResolveConflict(ctx, "reveal", "cancel"))
	require.Empty(t, f.engine.ActiveCues())
	// The conflict is gone once resolved.
	require.ErrorIs(t, f.engine.ResolveConflict(ctx, "reveal", "cancel"), ErrUnknownCue)

	require.NoError(t, f.engine.FireCue(ctx, "reveal", "manual", nil))
	require.NoError(t, f.engine.ResolveConflict(ctx, "reveal", "override"))
	require.Equal(t, 1, f.video.stopped)
	require.Len(t, f.engine.ActiveCues(), 1)
	require.Equal(t, []string{"tok_video"}, f.video.enqueued)
}

func TestStopHeldConflictCue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := record(f.bus, bus.TopicCueCompleted)
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{{
		ID: "reveal",
		Timeline: []model.TimelineEntry{
			{At: 0, Action: "video:play", Payload: map[string]any{"tokenId": "tok_video"}},
		},
	}}))

	f.video.playing = true
	f.video.current = "tok_other"
	require.NoError(t, f.engine.FireCue(ctx, "reveal", "manual", nil))

	// Stopping a held cue counts as an operator cancel.
	require.NoError(t, f.engine.StopCue(ctx, "reveal"))
	require.Equal(t, 1, rec.count(bus.TopicCueCompleted))
	require.ErrorIs(t, f.engine.ResolveConflict(ctx, "reveal", "override"), ErrUnknownCue)
	require.Zero(t, f.video.stopped)

	// The cue stays usable for the next fire.
	require.NoError(t, f.engine.FireCue(ctx, "reveal", "manual", nil))
	require.NoError(t, f.engine.ResolveConflict(ctx, "reveal", "override"))
	require.Len(t, f.engine.ActiveCues(), 1)
}

func TestOnceCompoundDisabledAfterStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{{
		ID:   "finale",
		Once: true,
		Timeline: []model.TimelineEntry{
			{At: 0, Action: "lighting:scene"},
			{At: 60, Action: "lighting:off"},
		},
	}}))

	require.NoError(t, f.engine.FireCue(ctx, "finale", "manual", nil))
	require.NoError(t, f.engine.StopCue(ctx, "finale"))
	require.Empty(t, f.engine.ActiveCues())

	// A one-shot spent its shot even though it was cut short.
	require.NoError(t, f.engine.FireCue(ctx, "finale", "manual", nil))
	require.Empty(t, f.engine.ActiveCues())
	require.Equal(t, []string{"lighting:scene"}, f.disp.actions())
}

func TestPauseResumeIgnoreWrongState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := record(f.bus, bus.TopicCueStatus)
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{{
		ID: "act-one",
		Timeline: []model.TimelineEntry{
			{At: 0, Action: "lighting:scene"},
			{At: 30, Action: "lighting:off"},
		},
	}}))
	require.NoError(t, f.engine.FireCue(ctx, "act-one", "manual", nil))
	base := rec.count(bus.TopicCueStatus)

	// Resuming a running cue and double-pausing are no-ops.
	require.NoError(t, f.engine.ResumeCue(ctx, "act-one"))
	require.Equal(t, base, rec.count(bus.TopicCueStatus))

	require.NoError(t, f.engine.PauseCue(ctx, "act-one"))
	require.NoError(t, f.engine.PauseCue(ctx, "act-one"))
	require.Equal(t, base+1, rec.count(bus.TopicCueStatus))

	require.NoError(t, f.engine.ResumeCue(ctx, "act-one"))
	require.Equal(t, base+2, rec.count(bus.TopicCueStatus))
}

func TestStopCueStopsChildrenFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := record(f.bus, bus.TopicCueCompleted)
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{
		{ID: "parent", Timeline: []model.TimelineEntry{
			{At: 0, Action: "cue:fire", Payload: map[string]any{"cueId": "child"}},
			{At: 30, Action: "audio:stop"},
		}},
		{ID: "child", Timeline: []model.TimelineEntry{
			{At: 0, Action: "lighting:scene"},
			{At: 20, Action: "lighting:off"},
		}},
	}))

	require.NoError(t, f.engine.FireCue(ctx, "parent", "manual", nil))
	require.Len(t, f.engine.ActiveCues(), 2)

	require.NoError(t, f.engine.StopCue(ctx, "parent"))
	require.Empty(t, f.engine.ActiveCues())
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 2)
	require.Equal(t, "child", rec.events[0].(model.CueStatusEvent).CueID)
	require.Equal(t, "parent", rec.events[1].(model.CueStatusEvent).CueID)

	require.ErrorIs(t, f.engine.StopCue(ctx, "ghost"), ErrUnknownCue)
}

func TestPauseResumeRebasesClockPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{{
		ID: "act-one",
		Timeline: []model.TimelineEntry{
			{At: 0, Action: "lighting:scene"},
			{At: 4, Action: "audio:start"},
		},
	}}))
	f.engine.Activate()

	f.clock.set(100)
	require.NoError(t, f.engine.FireCue(ctx, "act-one", "manual", nil))

	f.clock.set(102)
	f.engine.HandleClockTick(ctx, 102)

	require.NoError(t, f.engine.PauseCue(ctx, "act-one"))
	// The game clock kept running while the cue was frozen.
	f.clock.set(110)
	f.engine.HandleClockTick(ctx, 110)
	require.Equal(t, []string{"lighting:scene"}, f.disp.actions())

	require.NoError(t, f.engine.ResumeCue(ctx, "act-one"))
	f.clock.set(112)
	f.engine.HandleClockTick(ctx, 112)
	require.Equal(t, []string{"lighting:scene", "audio:start"}, f.disp.actions())
}

func TestRoutingPriority(t *testing.T) {
	f := newFixture(t, WithDefaultTargets(map[string]string{"lighting": "house"}))
	ctx := context.Background()
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{
		{ID: "explicit", Commands: []model.CueCommand{
			{Action: "lighting:scene", Payload: map[string]any{"target": "booth"}},
		}},
		{ID: "routed", Routing: map[string]string{"lighting": "stage"}, Commands: []model.CueCommand{
			{Action: "lighting:scene"},
		}},
		{ID: "defaulted", Commands: []model.CueCommand{
			{Action: "lighting:scene"},
		}},
	}))

	require.NoError(t, f.engine.FireCue(ctx, "explicit", "manual", nil))
	require.NoError(t, f.engine.FireCue(ctx, "routed", "manual", nil))
	require.NoError(t, f.engine.FireCue(ctx, "defaulted", "manual", nil))

	f.disp.mu.Lock()
	defer f.disp.mu.Unlock()
	require.Len(t, f.disp.cmds, 3)
	require.Equal(t, "booth", f.disp.cmds[0].Payload["target"])
	require.Equal(t, "stage", f.disp.cmds[1].Payload["target"])
	require.Equal(t, "house", f.disp.cmds[2].Payload["target"])
}

func TestLoadCuesStopsRunningCompounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{{
		ID:       "long",
		Timeline: []model.TimelineEntry{{At: 0, Action: "lighting:scene"}, {At: 60, Action: "lighting:off"}},
	}}))
	require.NoError(t, f.engine.FireCue(ctx, "long", "manual", nil))
	require.Len(t, f.engine.ActiveCues(), 1)

	require.NoError(t, f.engine.LoadCues(ctx, []model.CueDefinition{simpleCue("fresh", "audio:start")}))
	require.Empty(t, f.engine.ActiveCues())
	require.Len(t, f.engine.Definitions(), 1)
}
