// Package cue implements the declarative rules engine: standing triggers
// evaluated against the event stream and the game clock, firing simple
// command sequences or timeline-based compound cues.
package cue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/catalog"
	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/metrics"
	"github.com/alnlabs/aln-orchestrator/internal/model"
)

// MaxNestingDepth caps how deep cue:fire entries may chain.
const MaxNestingDepth = 5

const conflictAutoCancel = 10 * time.Second

var (
	// ErrUnknownCue is returned for operations on ids the engine never loaded.
	ErrUnknownCue = errors.New("unknown cue")
	// ErrCueCycle rejects a fire whose parent chain already contains the cue.
	ErrCueCycle = errors.New("cue cycle detected")
	// ErrNestingTooDeep rejects fires beyond MaxNestingDepth.
	ErrNestingTooDeep = errors.New("cue nesting too deep")
	// ErrInvalidCue rejects definitions failing validation.
	ErrInvalidCue = errors.New("invalid cue definition")
)

// ClockSource is the game-clock read surface.
type ClockSource interface {
	Elapsed() int64
}

// VideoControl is the playback surface compound cues coordinate with.
type VideoControl interface {
	IsPlaying() bool
	CurrentTokenID() string
	StopCurrent(ctx context.Context) bool
	EnqueueToken(ctx context.Context, tokenID, source string)
}

// Engine owns all cue state exclusively: definitions, disabled set, fired
// clock cues, active compound cues, pending conflicts and their timers.
type Engine struct {
	mu sync.Mutex

	eventBus   *bus.Bus
	catalog    *catalog.Catalog
	clock      ClockSource
	video      VideoControl
	dispatcher Dispatcher
	logger     zerolog.Logger

	defaultTargets map[string]string // streamType -> global default target

	cues     map[string]model.CueDefinition
	order    []string // definition order; fires happen in this order
	disabled map[string]bool
	fired    map[string]bool // clock-triggered cues already fired

	active           map[string]*activeCue
	pendingConflicts map[string]*pendingConflict
	conflictTimers   map[string]*time.Timer

	running bool // activate()/suspend() gate
}

type pendingConflict struct {
	def         model.CueDefinition
	trigger     string
	parentChain []string
}

// Option configures the engine.
type Option func(*Engine)

// WithDispatcher wires the external command dispatcher.
func WithDispatcher(d Dispatcher) Option { return func(e *Engine) { e.dispatcher = d } }

// WithDefaultTargets sets the global per-stream routing defaults.
func WithDefaultTargets(targets map[string]string) Option {
	return func(e *Engine) { e.defaultTargets = targets }
}

// New constructs a suspended engine and registers its bus subscriptions.
// The engine listens only to events originating from game services; events
// produced by its own command dispatch never feed back into evaluation.
func New(eventBus *bus.Bus, cat *catalog.Catalog, clk ClockSource, vid VideoControl, opts ...Option) *Engine {
	e := &Engine{
		eventBus:         eventBus,
		catalog:          cat,
		clock:            clk,
		video:            vid,
		dispatcher:       NopDispatcher{},
		logger:           log.WithComponent("cue"),
		defaultTargets:   map[string]string{},
		cues:             make(map[string]model.CueDefinition),
		disabled:         make(map[string]bool),
		fired:            make(map[string]bool),
		active:           make(map[string]*activeCue),
		pendingConflicts: make(map[string]*pendingConflict),
		conflictTimers:   make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(e)
	}
	e.wire()
	return e
}

func (e *Engine) wire() {
	gameTopics := []string{
		bus.TopicTransactionAccepted,
		bus.TopicGroupCompleted,
		bus.TopicScoreUpdated,
		bus.TopicScoreAdjusted,
		bus.TopicSessionCreated,
		bus.TopicSessionUpdated,
		bus.TopicSessionOvertime,
		bus.TopicScanLogged,
		bus.TopicVideoStarted,
		bus.TopicVideoIdle,
	}
	e.eventBus.SubscribeAll(gameTopics, func(ctx context.Context, topic string, payload any) {
		e.HandleGameEvent(ctx, topic, payload)
	})
	e.eventBus.Subscribe(bus.TopicClockTick, func(ctx context.Context, _ string, payload any) {
		if tick, ok := payload.(model.TickEvent); ok {
			e.HandleClockTick(ctx, tick.Elapsed)
		}
	})
	e.eventBus.Subscribe(bus.TopicVideoProgress, func(ctx context.Context, _ string, payload any) {
		if p, ok := payload.(model.VideoProgressEvent); ok {
			e.handleVideoProgress(ctx, p)
		}
	})
	e.eventBus.Subscribe(bus.TopicVideoPaused, func(ctx context.Context, _ string, _ any) {
		e.handleVideoPauseState(ctx, true)
	})
	e.eventBus.Subscribe(bus.TopicVideoResumed, func(ctx context.Context, _ string, _ any) {
		e.handleVideoPauseState(ctx, false)
	})
	e.eventBus.Subscribe(bus.TopicVideoCompleted, func(ctx context.Context, _ string, payload any) {
		if ev, ok := payload.(model.VideoEvent); ok {
			e.handleVideoCompleted(ctx, ev)
		}
	})
}

// LoadCues validates and installs the cue set. Replacing the set stops all
// currently running compound cues.
func (e *Engine) LoadCues(ctx context.Context, defs []model.CueDefinition) error {
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("%w: missing id", ErrInvalidCue)
		}
		if seen[d.ID] {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidCue, d.ID)
		}
		seen[d.ID] = true
		hasCommands := len(d.Commands) > 0
		hasTimeline := len(d.Timeline) > 0
		if hasCommands == hasTimeline {
			return fmt.Errorf("%w: cue %q must define exactly one of commands or timeline", ErrInvalidCue, d.ID)
		}
		if d.Trigger != nil && d.Trigger.Clock != "" {
			if _, err := parseClock(d.Trigger.Clock); err != nil {
				return fmt.Errorf("%w: cue %q: %v", ErrInvalidCue, d.ID, err)
			}
		}
	}

	e.mu.Lock()
	activeIDs := e.rootActiveIDsLocked()
	e.mu.Unlock()
	for _, id := range activeIDs {
		e.StopCue(ctx, id)
	}

	e.mu.Lock()
	e.cues = make(map[string]model.CueDefinition, len(defs))
	e.order = e.order[:0]
	for _, d := range defs {
		e.cues[d.ID] = d
		e.order = append(e.order, d.ID)
	}
	e.disabled = make(map[string]bool)
	e.mu.Unlock()

	e.logger.Info().Int("cues", len(defs)).Msg("cue set loaded")
	return nil
}

// Activate arms standing-cue evaluation.
func (e *Engine) Activate() {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
}

// Suspend gates both event and clock inputs.
func (e *Engine) Suspend() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// EnableCue clears the disabled flag.
func (e *Engine) EnableCue(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cues[id]; !ok {
		return fmt.Errorf("enable %s: %w", id, ErrUnknownCue)
	}
	delete(e.disabled, id)
	return nil
}

// DisableCue silently skips the cue on future fires.
func (e *Engine) DisableCue(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cues[id]; !ok {
		return fmt.Errorf("disable %s: %w", id, ErrUnknownCue)
	}
	e.disabled[id] = true
	return nil
}

// Definitions returns the loaded cue set in definition order.
func (e *Engine) Definitions() []model.CueDefinition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.CueDefinition, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.cues[id])
	}
	return out
}

// HandleGameEvent evaluates standing event cues against one domain event.
func (e *Engine) HandleGameEvent(ctx context.Context, topic string, payload any) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	evCtx := e.normalizeContext(topic, payload)
	var toFire []string
	for _, id := range e.order {
		def := e.cues[id]
		if !def.IsStanding() || def.Trigger.Event != topic || e.disabled[id] {
			continue
		}
		if e.conditionsMatch(def.Conditions, evCtx) {
			toFire = append(toFire, id)
		}
	}
	e.mu.Unlock()

	for _, id := range toFire {
		if err := e.FireCue(ctx, id, "event:"+topic, nil); err != nil {
			e.logger.Warn().Err(err).Str(log.FieldCueID, id).Msg("standing cue fire failed")
		}
	}
}

// HandleClockTick fires due clock cues and advances clock-driven compound
// cues.
func (e *Engine) HandleClockTick(ctx context.Context, elapsed int64) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	var due []string
	for _, id := range e.order {
		def := e.cues[id]
		if def.Trigger == nil || def.Trigger.Clock == "" || e.disabled[id] || e.fired[id] {
			continue
		}
		threshold, err := parseClock(def.Trigger.Clock)
		if err != nil {
			continue
		}
		if elapsed >= threshold {
			e.fired[id] = true
			due = append(due, id)
		}
	}
	e.mu.Unlock()

	for _, id := range due {
		if err := e.FireCue(ctx, id, "clock", nil); err != nil {
			e.logger.Warn().Err(err).Str(log.FieldCueID, id).Msg("clock cue fire failed")
		}
	}

	e.advanceClockDriven(ctx, elapsed)
}

// FireCue executes the cue now. parentChain carries the ancestry of nested
// fires for cycle detection.
func (e *Engine) FireCue(ctx context.Context, id, trigger string, parentChain []string) error {
	e.mu.Lock()
	def, ok := e.cues[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("fire %s: %w", id, ErrUnknownCue)
	}
	if e.disabled[id] {
		e.mu.Unlock()
		return nil
	}
	for _, ancestor := range parentChain {
		if ancestor == id {
			e.mu.Unlock()
			e.emitError(ctx, id, "cycle detected in cue chain")
			return fmt.Errorf("fire %s: %w", id, ErrCueCycle)
		}
	}
	if len(parentChain) >= MaxNestingDepth {
		e.mu.Unlock()
		e.emitError(ctx, id, "cue nesting depth exceeded")
		return fmt.Errorf("fire %s: %w", id, ErrNestingTooDeep)
	}
	if def.IsCompound() {
		if _, alreadyActive := e.active[id]; alreadyActive {
			e.mu.Unlock()
			e.emitError(ctx, id, "cue already running")
			return nil
		}
	}
	e.mu.Unlock()

	triggerKind := trigger
	if i := strings.Index(trigger, ":"); i > 0 {
		triggerKind = trigger[:i]
	}
	metrics.CueFiresTotal.WithLabelValues(triggerKind).Inc()
	_ = e.eventBus.Publish(ctx, bus.TopicCueFired, model.CueFiredEvent{
		CueID:   id,
		Trigger: trigger,
		Source:  "cue",
	})

	if def.IsCompound() {
		return e.startCompound(ctx, def, trigger, parentChain)
	}

	for _, cmd := range def.Commands {
		if err := e.executeCommand(ctx, def, cmd.Action, cmd.Payload, parentChain); err != nil {
			// One failed command never aborts the rest of the sequence.
			e.emitError(ctx, id, err.Error())
		}
	}
	_ = e.eventBus.Publish(ctx, bus.TopicCueCompleted, model.CueStatusEvent{
		CueID: id,
		State: model.CueStopped,
	})
	if def.Once {
		_ = e.DisableCue(id)
	}
	return nil
}

// executeCommand resolves routing and hands the action off. cue:fire chains
// into a nested fire; video actions go to the playback queue; everything
// else reaches the external dispatcher.
func (e *Engine) executeCommand(ctx context.Context, def model.CueDefinition, action string, payload map[string]any, parentChain []string) error {
	resolved := e.resolveRouting(action, payload, def)

	switch action {
	case "cue:fire":
		child, _ := resolved["cueId"].(string)
		if child == "" {
			return fmt.Errorf("cue:fire command missing cueId")
		}
		return e.FireCue(ctx, child, "cue:"+def.ID, append(append([]string(nil), parentChain...), def.ID))
	case "video:play", "video:queue:add":
		tokenID, _ := resolved["tokenId"].(string)
		if tokenID == "" {
			return fmt.Errorf("%s command missing tokenId", action)
		}
		e.video.EnqueueToken(ctx, tokenID, "cue:"+def.ID)
		return nil
	default:
		return e.dispatcher.Dispatch(ctx, Command{
			Action:  action,
			Payload: resolved,
			Source:  "cue",
			Trigger: "cue:" + def.ID,
		})
	}
}

// resolveRouting fills payload.target by priority: command-level target,
// then cue-level routing for the action's stream type, then the global
// default.
func (e *Engine) resolveRouting(action string, payload map[string]any, def model.CueDefinition) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if _, has := out["target"]; has {
		return out
	}
	streamType := action
	if i := strings.Index(action, ":"); i > 0 {
		streamType = action[:i]
	}
	if target, ok := def.Routing[streamType]; ok && target != "" {
		out["target"] = target
		return out
	}
	if target, ok := e.defaultTargets[streamType]; ok && target != "" {
		out["target"] = target
	}
	return out
}

// ResolveConflict settles a pending video conflict: "override" stops the
// current video and starts the cue, "cancel" discards it.
func (e *Engine) ResolveConflict(ctx context.Context, id, action string) error {
	e.mu.Lock()
	pending, ok := e.pendingConflicts[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("resolve conflict %s: %w", id, ErrUnknownCue)
	}
	delete(e.pendingConflicts, id)
	if t := e.conflictTimers[id]; t != nil {
		t.Stop()
		delete(e.conflictTimers, id)
	}
	e.mu.Unlock()

	switch action {
	case "override":
		e.video.StopCurrent(ctx)
		return e.beginCompound(ctx, pending.def, pending.trigger, pending.parentChain)
	case "cancel":
		e.logger.Info().Str(log.FieldCueID, id).Msg("video conflict cancelled by operator")
		return nil
	default:
		return fmt.Errorf("resolve conflict %s: unknown action %q", id, action)
	}
}

// Reset clears all engine state, stopping conflict timers first.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.conflictTimers {
		t.Stop()
	}
	e.cues = make(map[string]model.CueDefinition)
	e.order = nil
	e.disabled = make(map[string]bool)
	e.fired = make(map[string]bool)
	e.active = make(map[string]*activeCue)
	e.pendingConflicts = make(map[string]*pendingConflict)
	e.conflictTimers = make(map[string]*time.Timer)
}

func (e *Engine) emitError(ctx context.Context, id, msg string) {
	metrics.CueErrorsTotal.Inc()
	e.logger.Warn().Str(log.FieldCueID, id).Msg(msg)
	_ = e.eventBus.Publish(ctx, bus.TopicCueError, model.CueErrorEvent{CueID: id, Message: msg})
}

// parseClock converts "HH:MM:SS" to seconds from game start.
func parseClock(s string) (int64, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("bad clock trigger %q: want HH:MM:SS", s)
	}
	var total int64
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("bad clock trigger %q", s)
		}
		total = total*60 + int64(n)
	}
	return total, nil
}
