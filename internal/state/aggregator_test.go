package state

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/model"
	"github.com/alnlabs/aln-orchestrator/internal/video"
)

type stubWorld struct {
	mu      sync.Mutex
	session *model.Session
	scores  []model.TeamScore
	recent  []model.Transaction
	status  video.Status
	current *video.Item
	queue   []video.Item
	offline bool
	players int
	gms     int
	active  []model.CueStatusEvent
}

func (w *stubWorld) Snapshot() (model.Session, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return model.Session{}, false
	}
	return *w.session, true
}
func (w *stubWorld) TeamScores() []model.TeamScore           { return w.scores }
func (w *stubWorld) RecentTransactions() []model.Transaction { return w.recent }
func (w *stubWorld) Status() video.Status {
	if w.status == "" {
		return video.StatusIdle
	}
	return w.status
}
func (w *stubWorld) CurrentVideo() (video.Item, bool) {
	if w.current == nil {
		return video.Item{}, false
	}
	return *w.current, true
}
func (w *stubWorld) QueueItems() []video.Item           { return w.queue }
func (w *stubWorld) Progress() float64                  { return 0 }
func (w *stubWorld) IsOffline() bool                    { return w.offline }
func (w *stubWorld) QueueSizes() (int, int)             { return w.players, w.gms }
func (w *stubWorld) ActiveCues() []model.CueStatusEvent { return w.active }

func newTestAggregator(w *stubWorld) (*Aggregator, *bus.Bus) {
	b := bus.New()
	return New(b, w, w, w, w, w), b
}

func TestBuildComposesAllSlices(t *testing.T) {
	w := &stubWorld{
		session: &model.Session{
			ID:      "s1",
			Status:  model.SessionActive,
			Devices: []model.Device{{ID: "gm-1", Type: model.DeviceGM, Connected: true}},
		},
		scores:  []model.TeamScore{{TeamID: "team-a", CurrentScore: 120}},
		recent:  []model.Transaction{{ID: "t1"}},
		status:  video.StatusPlaying,
		current: &video.Item{TokenID: "vid-1", Duration: 30},
		queue:   []video.Item{{TokenID: "vid-2"}},
		offline: true,
		players: 2,
		gms:     1,
		active:  []model.CueStatusEvent{{CueID: "act-one", State: model.CueRunning}},
	}
	agg, _ := newTestAggregator(w)

	snap := agg.Build()
	require.NotNil(t, snap.Session)
	require.Equal(t, "s1", snap.Session.ID)
	require.Equal(t, "gm-1", snap.Devices[0].ID)
	require.Equal(t, 120, snap.Scores[0].CurrentScore)
	require.Equal(t, "vid-1", snap.Video.TokenID)
	require.Equal(t, 30, snap.Video.Duration)
	require.Len(t, snap.Video.Queue, 1)
	require.True(t, snap.OfflineQueue.Offline)
	require.Equal(t, 2, snap.OfflineQueue.PlayerQueueSize)
	require.Equal(t, 1, snap.OfflineQueue.GMQueueSize)
	require.Len(t, snap.ActiveCues, 1)
	require.False(t, snap.ServerTime.IsZero())
}

func TestBuildWithoutSession(t *testing.T) {
	agg, _ := newTestAggregator(&stubWorld{})
	snap := agg.Build()
	require.Nil(t, snap.Session)
	require.Empty(t, snap.Devices)
	require.Equal(t, video.StatusIdle, snap.Video.Status)
}

func TestETagStableAcrossServerTime(t *testing.T) {
	w := &stubWorld{scores: []model.TeamScore{{TeamID: "team-a", CurrentScore: 10}}}
	agg, _ := newTestAggregator(w)

	_, first := agg.BuildWithETag()
	_, second := agg.BuildWithETag()
	require.NotEmpty(t, first)
	require.Equal(t, first, second, "identical state must hash identically")
	// Strong validator form.
	require.Regexp(t, `^"[0-9a-f]{64}"$`, first)

	w.scores[0].CurrentScore = 20
	_, changed := agg.BuildWithETag()
	require.NotEqual(t, first, changed)
}

func TestFullSyncAfterOfflineDrain(t *testing.T) {
	agg, b := newTestAggregator(&stubWorld{})

	var syncs []Snapshot
	b.Subscribe(bus.TopicSyncFull, func(_ context.Context, _ string, payload any) {
		syncs = append(syncs, payload.(Snapshot))
	})

	require.NoError(t, b.Publish(context.Background(), bus.TopicOfflineQueueProcessed,
		model.OfflineQueueProcessedEvent{QueueSize: 3}))
	require.Len(t, syncs, 1)

	agg.PublishFullSync(context.Background())
	require.Len(t, syncs, 2)
}
