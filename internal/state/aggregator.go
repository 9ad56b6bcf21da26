// Package state composes the full-state snapshot clients use to recover
// after reconnects, and the strong ETag that lets pollers skip unchanged
// payloads.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/model"
	"github.com/alnlabs/aln-orchestrator/internal/video"
)

// Sessions is the session read surface.
type Sessions interface {
	Snapshot() (model.Session, bool)
}

// Scores is the adjudicator read surface.
type Scores interface {
	TeamScores() []model.TeamScore
	RecentTransactions() []model.Transaction
}

// Playback is the video-queue read surface.
type Playback interface {
	Status() video.Status
	CurrentVideo() (video.Item, bool)
	QueueItems() []video.Item
	Progress() float64
}

// Offline is the queue-status read surface.
type Offline interface {
	IsOffline() bool
	QueueSizes() (int, int)
}

// Cues is the cue-engine read surface.
type Cues interface {
	ActiveCues() []model.CueStatusEvent
}

// VideoStatus is the playback slice of a snapshot.
type VideoStatus struct {
	Status   video.Status `json:"status"`
	TokenID  string       `json:"tokenId,omitempty"`
	Duration int          `json:"duration,omitempty"`
	Progress float64      `json:"progress"`
	Queue    []video.Item `json:"queue"`
}

// OfflineStatus is the connectivity slice of a snapshot.
type OfflineStatus struct {
	Offline         bool `json:"offline"`
	PlayerQueueSize int  `json:"playerQueueSize"`
	GMQueueSize     int  `json:"gmQueueSize"`
}

// Snapshot is the composed full state.
type Snapshot struct {
	Session      *model.Session         `json:"session"`
	Scores       []model.TeamScore      `json:"scores"`
	RecentTx     []model.Transaction    `json:"recentTransactions"`
	Video        VideoStatus            `json:"video"`
	OfflineQueue OfflineStatus          `json:"offlineQueue"`
	ActiveCues   []model.CueStatusEvent `json:"activeCues"`
	Devices      []model.Device         `json:"devices"`
	ServerTime   time.Time              `json:"serverTime"`
}

// Aggregator builds snapshots on demand; it holds no state of its own.
type Aggregator struct {
	eventBus *bus.Bus
	sessions Sessions
	scores   Scores
	playback Playback
	offline  Offline
	cues     Cues
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs the aggregator and re-publishes a full sync after every
// offline drain so reconnecting consoles converge on the merged state.
func New(eventBus *bus.Bus, sessions Sessions, scores Scores, playback Playback, off Offline, cues Cues) *Aggregator {
	a := &Aggregator{
		eventBus: eventBus,
		sessions: sessions,
		scores:   scores,
		playback: playback,
		offline:  off,
		cues:     cues,
		logger:   log.WithComponent("state"),
		now:      time.Now,
	}
	eventBus.Subscribe(bus.TopicOfflineQueueProcessed, func(ctx context.Context, _ string, _ any) {
		a.PublishFullSync(ctx)
	})
	return a
}

// Build composes a snapshot from the live services.
func (a *Aggregator) Build() Snapshot {
	snap := Snapshot{
		Scores:     a.scores.TeamScores(),
		RecentTx:   a.scores.RecentTransactions(),
		ActiveCues: a.cues.ActiveCues(),
		ServerTime: a.now().UTC(),
	}
	if sess, ok := a.sessions.Snapshot(); ok {
		snap.Session = &sess
		snap.Devices = sess.Devices
	}
	snap.Video = VideoStatus{
		Status:   a.playback.Status(),
		Progress: a.playback.Progress(),
		Queue:    a.playback.QueueItems(),
	}
	if item, ok := a.playback.CurrentVideo(); ok {
		snap.Video.TokenID = item.TokenID
		snap.Video.Duration = item.Duration
	}
	players, gms := a.offline.QueueSizes()
	snap.OfflineQueue = OfflineStatus{
		Offline:         a.offline.IsOffline(),
		PlayerQueueSize: players,
		GMQueueSize:     gms,
	}
	return snap
}

// BuildWithETag returns the snapshot plus a strong ETag over its canonical
// JSON form. ServerTime is excluded from the hash so idle polls still 304.
func (a *Aggregator) BuildWithETag() (Snapshot, string) {
	snap := a.Build()
	hashable := snap
	hashable.ServerTime = time.Time{}
	buf, err := json.Marshal(hashable)
	if err != nil {
		a.logger.Error().Err(err).Msg("snapshot marshal failed")
		return snap, ""
	}
	sum := sha256.Sum256(buf)
	return snap, `"` + hex.EncodeToString(sum[:]) + `"`
}

// PublishFullSync emits the current snapshot on the sync topic. The
// broadcast layer also calls this path when a console attaches.
func (a *Aggregator) PublishFullSync(ctx context.Context) {
	_ = a.eventBus.Publish(ctx, bus.TopicSyncFull, a.Build())
}
