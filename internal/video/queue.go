// Package video implements the single-slot playback model with a FIFO queue
// of pending items. The transport driver itself is external; the queue emits
// video:* domain events and exposes the read surface the adjudicator and cue
// engine consume.
package video

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/catalog"
	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/model"
)

// Status is the playback slot state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusPlaying Status = "playing"
	StatusPaused  Status = "paused"
)

// Player is the external playback driver contract. Errors degrade responses,
// they never fail the queue.
type Player interface {
	Play(ctx context.Context, token model.Token) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
}

// NopPlayer is the default driver: playback progress is simulated from token
// duration.
type NopPlayer struct{}

func (NopPlayer) Play(context.Context, model.Token) error { return nil }
func (NopPlayer) Pause(context.Context) error             { return nil }
func (NopPlayer) Resume(context.Context) error            { return nil }
func (NopPlayer) Stop(context.Context) error              { return nil }

// Item is one queue entry.
type Item struct {
	TokenID  string    `json:"tokenId"`
	Duration int       `json:"duration"`
	Source   string    `json:"source"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Queue holds at most one current video plus pending items.
type Queue struct {
	mu sync.Mutex

	eventBus *bus.Bus
	catalog  *catalog.Catalog
	player   Player
	logger   zerolog.Logger
	now      func() time.Time

	status    Status
	current   *Item
	pending   []Item
	elapsed   float64 // seconds into the current item
	lastStart time.Time

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures the queue.
type Option func(*Queue)

// WithPlayer wires the external driver.
func WithPlayer(p Player) Option { return func(q *Queue) { q.player = p } }

// WithNow injects a time source for tests.
func WithNow(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// New returns an idle queue.
func New(eventBus *bus.Bus, cat *catalog.Catalog, opts ...Option) *Queue {
	q := &Queue{
		eventBus: eventBus,
		catalog:  cat,
		player:   NopPlayer{},
		logger:   log.WithComponent("video"),
		now:      time.Now,
		status:   StatusIdle,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// AddToQueue enqueues the token's video, starting playback immediately when
// the slot is free.
func (q *Queue) AddToQueue(ctx context.Context, token model.Token, source string) {
	if !token.HasVideo() {
		return
	}
	item := Item{
		TokenID:  token.ID,
		Duration: token.Duration,
		Source:   source,
		QueuedAt: q.now().UTC(),
	}
	q.mu.Lock()
	if q.current == nil {
		q.startLocked(ctx, item)
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, item)
	q.mu.Unlock()
}

// startLocked transitions loading -> playing and emits the event pair.
func (q *Queue) startLocked(ctx context.Context, item Item) {
	q.current = &item
	q.status = StatusLoading
	q.elapsed = 0
	_ = q.eventBus.Publish(ctx, bus.TopicVideoLoading, model.VideoEvent{TokenID: item.TokenID})

	if token, ok := q.catalog.Get(item.TokenID); ok {
		if err := q.player.Play(ctx, token); err != nil {
			q.logger.Warn().Err(err).
				Str(log.FieldTokenID, item.TokenID).
				Msg("video driver play failed; continuing degraded")
		}
	}
	q.status = StatusPlaying
	q.lastStart = q.now()
	_ = q.eventBus.Publish(ctx, bus.TopicVideoStarted, model.VideoEvent{
		TokenID:  item.TokenID,
		Duration: item.Duration,
	})
	q.ensureTickerLocked()
}

// ReportProgress ingests driver-reported position (0..1 ratio). Position at
// or past 1.0 completes the current item.
func (q *Queue) ReportProgress(ctx context.Context, position float64, durationSec int) {
	q.mu.Lock()
	if q.current == nil || q.status != StatusPlaying {
		q.mu.Unlock()
		return
	}
	if durationSec <= 0 {
		durationSec = q.current.Duration
	}
	q.elapsed = position * float64(durationSec)
	tokenID := q.current.TokenID
	done := position >= 1.0
	q.mu.Unlock()

	_ = q.eventBus.Publish(ctx, bus.TopicVideoProgress, model.VideoProgressEvent{
		TokenID:  tokenID,
		Position: position,
		Duration: durationSec,
	})
	if done {
		q.complete(ctx)
	}
}

// tick advances simulated progress when the driver reports none.
func (q *Queue) tick(ctx context.Context) {
	q.mu.Lock()
	if q.current == nil || q.status != StatusPlaying || q.current.Duration <= 0 {
		q.mu.Unlock()
		return
	}
	q.elapsed++
	position := q.elapsed / float64(q.current.Duration)
	if position > 1 {
		position = 1
	}
	tokenID := q.current.TokenID
	duration := q.current.Duration
	done := q.elapsed >= float64(q.current.Duration)
	q.mu.Unlock()

	_ = q.eventBus.Publish(ctx, bus.TopicVideoProgress, model.VideoProgressEvent{
		TokenID:  tokenID,
		Position: position,
		Duration: duration,
	})
	if done {
		q.complete(ctx)
	}
}

func (q *Queue) complete(ctx context.Context) {
	q.mu.Lock()
	if q.current == nil {
		q.mu.Unlock()
		return
	}
	tokenID := q.current.TokenID
	q.current = nil
	q.elapsed = 0
	q.status = StatusIdle
	var next *Item
	if len(q.pending) > 0 {
		n := q.pending[0]
		q.pending = q.pending[1:]
		next = &n
	}
	q.mu.Unlock()

	_ = q.eventBus.Publish(ctx, bus.TopicVideoCompleted, model.VideoEvent{TokenID: tokenID})
	if next != nil {
		q.mu.Lock()
		q.startLocked(ctx, *next)
		q.mu.Unlock()
		return
	}
	q.stopTicker()
	_ = q.eventBus.Publish(ctx, bus.TopicVideoIdle, model.VideoEvent{})
}

// PauseCurrent suspends playback.
func (q *Queue) PauseCurrent(ctx context.Context) bool {
	q.mu.Lock()
	if q.current == nil || q.status != StatusPlaying {
		q.mu.Unlock()
		return false
	}
	q.status = StatusPaused
	tokenID := q.current.TokenID
	q.mu.Unlock()

	if err := q.player.Pause(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("video driver pause failed")
	}
	_ = q.eventBus.Publish(ctx, bus.TopicVideoPaused, model.VideoEvent{TokenID: tokenID})
	return true
}

// ResumeCurrent continues a paused video.
func (q *Queue) ResumeCurrent(ctx context.Context) bool {
	q.mu.Lock()
	if q.current == nil || q.status != StatusPaused {
		q.mu.Unlock()
		return false
	}
	q.status = StatusPlaying
	tokenID := q.current.TokenID
	q.mu.Unlock()

	if err := q.player.Resume(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("video driver resume failed")
	}
	_ = q.eventBus.Publish(ctx, bus.TopicVideoResumed, model.VideoEvent{TokenID: tokenID})
	return true
}

// SkipCurrent completes the current item early and advances the queue.
func (q *Queue) SkipCurrent(ctx context.Context) bool {
	q.mu.Lock()
	hasCurrent := q.current != nil
	q.mu.Unlock()
	if !hasCurrent {
		return false
	}
	if err := q.player.Stop(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("video driver stop failed")
	}
	q.complete(ctx)
	return true
}

// StopCurrent stops playback without advancing; the pending queue is kept.
func (q *Queue) StopCurrent(ctx context.Context) bool {
	q.mu.Lock()
	if q.current == nil {
		q.mu.Unlock()
		return false
	}
	q.current = nil
	q.elapsed = 0
	q.status = StatusIdle
	q.mu.Unlock()

	if err := q.player.Stop(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("video driver stop failed")
	}
	q.stopTicker()
	_ = q.eventBus.Publish(ctx, bus.TopicVideoIdle, model.VideoEvent{})
	return true
}

// ClearQueue drops all pending items.
func (q *Queue) ClearQueue() {
	q.mu.Lock()
	q.pending = nil
	q.mu.Unlock()
}

// CurrentVideo returns the current item, or false when idle.
func (q *Queue) CurrentVideo() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return Item{}, false
	}
	return *q.current, true
}

// QueueItems returns a copy of the pending queue.
func (q *Queue) QueueItems() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Item(nil), q.pending...)
}

// IsPlaying reports whether a current item is actively playing.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current != nil && q.status == StatusPlaying
}

// Status returns the slot state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

// Progress returns playback position as a 0..1 ratio.
func (q *Queue) Progress() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil || q.current.Duration <= 0 {
		return 0
	}
	p := q.elapsed / float64(q.current.Duration)
	if p > 1 {
		p = 1
	}
	return p
}

// VideoDuration returns the catalog duration for the token, in seconds.
func (q *Queue) VideoDuration(tokenID string) int {
	if t, ok := q.catalog.Get(tokenID); ok {
		return t.Duration
	}
	return 0
}

// RemainingTime returns whole seconds left on the current item.
func (q *Queue) RemainingTime() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return 0
	}
	left := float64(q.current.Duration) - q.elapsed
	if left < 0 {
		return 0
	}
	return int(left)
}

func (q *Queue) ensureTickerLocked() {
	if q.stopCh != nil {
		return
	}
	q.stopCh = make(chan struct{})
	q.ticker = time.NewTicker(time.Second)
	q.wg.Add(1)
	go func(stopCh chan struct{}, ticker *time.Ticker) {
		defer q.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				q.tick(context.Background())
			}
		}
	}(q.stopCh, q.ticker)
}

// stopTicker signals the progress loop to exit. It must not wait: the loop
// itself reaches here when a simulated video completes with nothing pending.
func (q *Queue) stopTicker() {
	q.mu.Lock()
	stopCh := q.stopCh
	q.stopCh = nil
	q.ticker = nil
	q.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
}

// Close releases the progress ticker and waits for the loop to exit.
func (q *Queue) Close() {
	q.stopTicker()
	q.wg.Wait()
}
