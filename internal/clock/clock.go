// Package clock implements the master game clock: the single 1 Hz tick
// authority feeding clock-triggered cues and overtime detection.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/model"
)

// Clock emits gameclock:tick once per second while running. Elapsed time
// excludes paused intervals. The overtime threshold fires exactly once until
// the clock is reset by a new Start.
type Clock struct {
	mu sync.Mutex

	eventBus *bus.Bus
	now      func() time.Time
	interval time.Duration

	status      model.ClockStatus
	startedAt   time.Time
	pausedAt    time.Time
	totalPaused time.Duration

	overtimeAfter time.Duration
	overtimeFired bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow injects a time source for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// WithInterval overrides the tick interval (tests only).
func WithInterval(d time.Duration) Option {
	return func(c *Clock) { c.interval = d }
}

// WithOvertime arms the overtime threshold. Zero disables it.
func WithOvertime(after time.Duration) Option {
	return func(c *Clock) { c.overtimeAfter = after }
}

// New returns a stopped clock publishing on eventBus.
func New(eventBus *bus.Bus, opts ...Option) *Clock {
	c := &Clock{
		eventBus: eventBus,
		now:      time.Now,
		interval: time.Second,
		status:   model.ClockStopped,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start arms the clock from zero and begins ticking.
func (c *Clock) Start() {
	c.mu.Lock()
	c.startedAt = c.now()
	c.pausedAt = time.Time{}
	c.totalPaused = 0
	c.overtimeFired = false
	c.status = model.ClockRunning
	c.ensureLoopLocked()
	c.mu.Unlock()
	l := log.WithComponent("gameclock")
	l.Info().Msg("game clock started")
}

// Pause suspends ticking and starts accruing paused time.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != model.ClockRunning {
		return
	}
	c.pausedAt = c.now()
	c.status = model.ClockPaused
}

// Resume adds the paused interval to the exclusion total and restarts ticks.
func (c *Clock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != model.ClockPaused {
		return
	}
	c.totalPaused += c.now().Sub(c.pausedAt)
	c.pausedAt = time.Time{}
	c.status = model.ClockRunning
}

// Stop halts the clock entirely.
func (c *Clock) Stop() {
	c.mu.Lock()
	if c.status == model.ClockStopped {
		c.mu.Unlock()
		return
	}
	c.status = model.ClockStopped
	stopCh := c.stopCh
	c.stopCh = nil
	c.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
	c.wg.Wait()
}

// Elapsed returns whole seconds since start, excluding paused time.
func (c *Clock) Elapsed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsedLocked()
}

func (c *Clock) elapsedLocked() int64 {
	if c.startedAt.IsZero() || c.status == model.ClockStopped {
		return 0
	}
	ref := c.now()
	if c.status == model.ClockPaused {
		ref = c.pausedAt
	}
	d := ref.Sub(c.startedAt) - c.totalPaused
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// Status returns the current lifecycle state.
func (c *Clock) Status() model.ClockStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// State snapshots the clock for persistence on the session.
func (c *Clock) State() model.ClockState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := model.ClockState{
		Status:        c.status,
		TotalPausedMs: c.totalPaused.Milliseconds(),
	}
	if !c.startedAt.IsZero() {
		t := c.startedAt
		st.StartedAt = &t
	}
	if !c.pausedAt.IsZero() {
		t := c.pausedAt
		st.PausedAt = &t
	}
	return st
}

// Restore re-enters running or paused from a persisted snapshot. Whether the
// clock resumes ticking depends on whether PausedAt was set.
func (c *Clock) Restore(state model.ClockState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalPaused = time.Duration(state.TotalPausedMs) * time.Millisecond
	c.startedAt = time.Time{}
	c.pausedAt = time.Time{}
	if state.StartedAt != nil {
		c.startedAt = *state.StartedAt
	}
	if state.PausedAt != nil {
		c.pausedAt = *state.PausedAt
		c.status = model.ClockPaused
	} else if state.Status == model.ClockRunning && !c.startedAt.IsZero() {
		c.status = model.ClockRunning
	} else {
		c.status = state.Status
	}
	if c.status == model.ClockRunning || c.status == model.ClockPaused {
		c.ensureLoopLocked()
	}
}

func (c *Clock) ensureLoopLocked() {
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.loop(c.stopCh)
}

func (c *Clock) loop(stopCh chan struct{}) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Clock) tick() {
	c.mu.Lock()
	if c.status != model.ClockRunning {
		c.mu.Unlock()
		return
	}
	elapsed := c.elapsedLocked()
	fireOvertime := false
	if c.overtimeAfter > 0 && !c.overtimeFired &&
		time.Duration(elapsed)*time.Second >= c.overtimeAfter {
		c.overtimeFired = true
		fireOvertime = true
	}
	c.mu.Unlock()

	ctx := context.Background()
	_ = c.eventBus.Publish(ctx, bus.TopicClockTick, model.TickEvent{Elapsed: elapsed})
	if fireOvertime {
		_ = c.eventBus.Publish(ctx, bus.TopicClockOvertime, model.TickEvent{Elapsed: elapsed})
	}
}
