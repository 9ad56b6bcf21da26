package cue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/model"
)

// activeCue is the runtime state of one running compound cue. All fields are
// guarded by Engine.mu.
type activeCue struct {
	def          model.CueDefinition
	state        model.CueState
	startElapsed int64   // game-clock seconds at cue start (clock-driven)
	elapsed      float64 // seconds into the cue timeline
	maxAt        float64
	firedIdx     map[int]bool

	videoDriven bool
	videoToken  string

	parent      string
	children    []string
	parentChain []string
}

func timelineMax(entries []model.TimelineEntry) float64 {
	var max float64
	for _, t := range entries {
		if t.At > max {
			max = t.At
		}
	}
	return max
}

// firstVideoToken returns the tokenId of the first playback entry, if any.
func firstVideoToken(entries []model.TimelineEntry) (string, bool) {
	for _, t := range entries {
		if t.Action == "video:play" || t.Action == "video:queue:add" {
			tokenID, _ := t.Payload["tokenId"].(string)
			return tokenID, true
		}
	}
	return "", false
}

// startCompound checks for a video conflict before running. A cue whose
// timeline plays video while another video is live is stashed as a pending
// conflict and auto-cancels unless an operator overrides within the window.
func (e *Engine) startCompound(ctx context.Context, def model.CueDefinition, trigger string, parentChain []string) error {
	if _, hasVideo := firstVideoToken(def.Timeline); hasVideo && e.video.IsPlaying() {
		current := e.video.CurrentTokenID()
		e.mu.Lock()
		e.pendingConflicts[def.ID] = &pendingConflict{
			def:         def,
			trigger:     trigger,
			parentChain: append([]string(nil), parentChain...),
		}
		e.conflictTimers[def.ID] = time.AfterFunc(conflictAutoCancel, func() {
			e.expireConflict(def.ID)
		})
		e.mu.Unlock()

		e.logger.Info().
			Str(log.FieldCueID, def.ID).
			Str("currentVideo", current).
			Msg("video conflict; cue held pending operator decision")
		_ = e.eventBus.Publish(ctx, bus.TopicCueConflict, model.CueConflictEvent{
			CueID:        def.ID,
			Reason:       "video already playing",
			CurrentVideo: current,
			AutoCancel:   true,
			AutoCancelMs: int(conflictAutoCancel / time.Millisecond),
		})
		return nil
	}
	return e.beginCompound(ctx, def, trigger, parentChain)
}

func (e *Engine) expireConflict(id string) {
	e.mu.Lock()
	_, ok := e.pendingConflicts[id]
	delete(e.pendingConflicts, id)
	delete(e.conflictTimers, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.logger.Info().Str(log.FieldCueID, id).Msg("video conflict auto-cancelled")
	_ = e.eventBus.Publish(context.Background(), bus.TopicCueCompleted, model.CueStatusEvent{
		CueID: id,
		State: model.CueStopped,
	})
}

// beginCompound registers the running cue and fires its zero-offset entries.
func (e *Engine) beginCompound(ctx context.Context, def model.CueDefinition, trigger string, parentChain []string) error {
	videoToken, videoDriven := firstVideoToken(def.Timeline)
	ac := &activeCue{
		def:          def,
		state:        model.CueRunning,
		startElapsed: e.clock.Elapsed(),
		maxAt:        timelineMax(def.Timeline),
		firedIdx:     make(map[int]bool),
		videoDriven:  videoDriven,
		videoToken:   videoToken,
		parentChain:  append([]string(nil), parentChain...),
	}
	if n := len(parentChain); n > 0 {
		ac.parent = parentChain[n-1]
	}

	e.mu.Lock()
	e.active[def.ID] = ac
	if ac.parent != "" {
		if p, ok := e.active[ac.parent]; ok {
			p.children = append(p.children, def.ID)
		}
	}
	e.mu.Unlock()

	e.logger.Info().
		Str(log.FieldCueID, def.ID).
		Str("trigger", trigger).
		Float64("duration", ac.maxAt).
		Bool("videoDriven", videoDriven).
		Msg("compound cue started")
	_ = e.eventBus.Publish(ctx, bus.TopicCueStarted, model.CueStatusEvent{
		CueID:    def.ID,
		State:    model.CueRunning,
		Duration: ac.maxAt,
	})

	e.advanceCue(ctx, def.ID, 0)
	return nil
}

// advanceClockDriven moves every running clock-driven cue to the tick's
// position. Video-driven cues ignore the clock; their position comes from
// playback progress.
func (e *Engine) advanceClockDriven(ctx context.Context, elapsed int64) {
	e.mu.Lock()
	var ids []string
	var positions []float64
	for id, ac := range e.active {
		if ac.videoDriven || ac.state != model.CueRunning {
			continue
		}
		ids = append(ids, id)
		positions = append(positions, float64(elapsed-ac.startElapsed))
	}
	e.mu.Unlock()

	for i, id := range ids {
		e.advanceCue(ctx, id, positions[i])
	}
}

func (e *Engine) handleVideoProgress(ctx context.Context, p model.VideoProgressEvent) {
	e.mu.Lock()
	var ids []string
	var positions []float64
	for id, ac := range e.active {
		if !ac.videoDriven || ac.videoToken != p.TokenID || ac.state != model.CueRunning {
			continue
		}
		ids = append(ids, id)
		positions = append(positions, p.Position*float64(p.Duration))
	}
	e.mu.Unlock()

	for i, id := range ids {
		e.advanceCue(ctx, id, positions[i])
	}
}

// handleVideoPauseState cascades playback pause/resume into video-driven
// cues so lighting and audio stay aligned with the screen.
func (e *Engine) handleVideoPauseState(ctx context.Context, paused bool) {
	e.mu.Lock()
	var roots []string
	for id, ac := range e.active {
		if ac.videoDriven && ac.parent == "" {
			roots = append(roots, id)
		}
	}
	e.mu.Unlock()

	for _, id := range roots {
		if paused {
			_ = e.PauseCue(ctx, id)
		} else {
			_ = e.ResumeCue(ctx, id)
		}
	}
}

// handleVideoCompleted jumps the driving cue to its end so trailing entries
// still fire even when playback finished early.
func (e *Engine) handleVideoCompleted(ctx context.Context, ev model.VideoEvent) {
	e.mu.Lock()
	var ids []string
	var ends []float64
	for id, ac := range e.active {
		if ac.videoDriven && ac.videoToken == ev.TokenID {
			ids = append(ids, id)
			ends = append(ends, ac.maxAt)
		}
	}
	e.mu.Unlock()

	for i, id := range ids {
		e.advanceCue(ctx, id, ends[i])
	}
}

// advanceCue fires all timeline entries due at or before position, in
// timeline order, then reports progress or completes the cue.
func (e *Engine) advanceCue(ctx context.Context, id string, position float64) {
	e.mu.Lock()
	ac, ok := e.active[id]
	if !ok || ac.state != model.CueRunning {
		e.mu.Unlock()
		return
	}
	if position > ac.elapsed {
		ac.elapsed = position
	}
	type dueEntry struct {
		idx   int
		entry model.TimelineEntry
	}
	var due []dueEntry
	for i, entry := range ac.def.Timeline {
		if !ac.firedIdx[i] && entry.At <= ac.elapsed {
			ac.firedIdx[i] = true
			due = append(due, dueEntry{idx: i, entry: entry})
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].entry.At < due[j].entry.At })
	def := ac.def
	chain := append([]string(nil), ac.parentChain...)
	done := ac.elapsed >= ac.maxAt && len(ac.firedIdx) == len(ac.def.Timeline)
	progress := 100.0
	if ac.maxAt > 0 {
		progress = ac.elapsed / ac.maxAt * 100
		if progress > 100 {
			progress = 100
		}
	}
	maxAt := ac.maxAt
	e.mu.Unlock()

	for _, d := range due {
		if err := e.executeCommand(ctx, def, d.entry.Action, d.entry.Payload, chain); err != nil {
			e.emitError(ctx, id, fmt.Sprintf("timeline entry %d: %v", d.idx, err))
		}
	}

	if done {
		e.completeCue(ctx, id)
		return
	}
	_ = e.eventBus.Publish(ctx, bus.TopicCueStatus, model.CueStatusEvent{
		CueID:    id,
		State:    model.CueRunning,
		Progress: progress,
		Duration: maxAt,
	})
}

// completeCue retires a finished cue and detaches it from its parent.
func (e *Engine) completeCue(ctx context.Context, id string) {
	e.mu.Lock()
	ac, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.active, id)
	e.detachLocked(id, ac.parent)
	once := ac.def.Once
	duration := ac.maxAt
	e.mu.Unlock()

	e.logger.Info().Str(log.FieldCueID, id).Msg("compound cue completed")
	_ = e.eventBus.Publish(ctx, bus.TopicCueCompleted, model.CueStatusEvent{
		CueID:    id,
		State:    model.CueStopped,
		Progress: 100,
		Duration: duration,
	})
	if once {
		_ = e.DisableCue(id)
	}
}

func (e *Engine) detachLocked(id, parent string) {
	if parent == "" {
		return
	}
	p, ok := e.active[parent]
	if !ok {
		return
	}
	out := p.children[:0]
	for _, c := range p.children {
		if c != id {
			out = append(out, c)
		}
	}
	p.children = out
}

// StopCue halts a running compound cue, children first. Stopping a cue that
// is only held as a pending conflict clears its timer, same as an operator
// cancel.
func (e *Engine) StopCue(ctx context.Context, id string) error {
	e.mu.Lock()
	ac, ok := e.active[id]
	if !ok {
		if _, pending := e.pendingConflicts[id]; pending {
			delete(e.pendingConflicts, id)
			if t := e.conflictTimers[id]; t != nil {
				t.Stop()
				delete(e.conflictTimers, id)
			}
			e.mu.Unlock()
			e.logger.Info().Str(log.FieldCueID, id).Msg("pending conflict cue stopped")
			_ = e.eventBus.Publish(ctx, bus.TopicCueCompleted, model.CueStatusEvent{
				CueID: id,
				State: model.CueStopped,
			})
			return nil
		}
		e.mu.Unlock()
		return fmt.Errorf("stop %s: %w", id, ErrUnknownCue)
	}
	children := append([]string(nil), ac.children...)
	e.mu.Unlock()

	for _, c := range children {
		if err := e.StopCue(ctx, c); err != nil {
			e.logger.Warn().Err(err).Str(log.FieldCueID, c).Msg("child stop failed")
		}
	}

	e.mu.Lock()
	ac, ok = e.active[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.active, id)
	e.detachLocked(id, ac.parent)
	once := ac.def.Once
	e.mu.Unlock()

	e.logger.Info().Str(log.FieldCueID, id).Msg("compound cue stopped")
	_ = e.eventBus.Publish(ctx, bus.TopicCueCompleted, model.CueStatusEvent{
		CueID: id,
		State: model.CueStopped,
	})
	// A one-shot cue has had its shot once it started; stopping does not
	// re-arm it.
	if once {
		_ = e.DisableCue(id)
	}
	return nil
}

// PauseCue freezes a cue and its children. A paused clock-driven cue keeps
// its elapsed position; the start baseline is rebased on resume.
func (e *Engine) PauseCue(ctx context.Context, id string) error {
	e.mu.Lock()
	ac, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("pause %s: %w", id, ErrUnknownCue)
	}
	if ac.state != model.CueRunning {
		e.mu.Unlock()
		return nil
	}
	ac.state = model.CuePaused
	children := append([]string(nil), ac.children...)
	progress := cueProgressLocked(ac)
	duration := ac.maxAt
	e.mu.Unlock()

	for _, c := range children {
		_ = e.PauseCue(ctx, c)
	}
	_ = e.eventBus.Publish(ctx, bus.TopicCueStatus, model.CueStatusEvent{
		CueID:    id,
		State:    model.CuePaused,
		Progress: progress,
		Duration: duration,
	})
	return nil
}

// ResumeCue unfreezes a paused cue and its children.
func (e *Engine) ResumeCue(ctx context.Context, id string) error {
	e.mu.Lock()
	ac, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("resume %s: %w", id, ErrUnknownCue)
	}
	if ac.state != model.CuePaused {
		e.mu.Unlock()
		return nil
	}
	ac.state = model.CueRunning
	ac.startElapsed = e.clock.Elapsed() - int64(ac.elapsed)
	children := append([]string(nil), ac.children...)
	progress := cueProgressLocked(ac)
	duration := ac.maxAt
	e.mu.Unlock()

	for _, c := range children {
		_ = e.ResumeCue(ctx, c)
	}
	_ = e.eventBus.Publish(ctx, bus.TopicCueStatus, model.CueStatusEvent{
		CueID:    id,
		State:    model.CueRunning,
		Progress: progress,
		Duration: duration,
	})
	return nil
}

func cueProgressLocked(ac *activeCue) float64 {
	if ac.maxAt <= 0 {
		return 100
	}
	p := ac.elapsed / ac.maxAt * 100
	if p > 100 {
		p = 100
	}
	return p
}

// ActiveCues reports the running compound cues for state snapshots.
func (e *Engine) ActiveCues() []model.CueStatusEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.CueStatusEvent, 0, len(e.active))
	for _, id := range e.order {
		ac, ok := e.active[id]
		if !ok {
			continue
		}
		out = append(out, model.CueStatusEvent{
			CueID:    id,
			State:    ac.state,
			Progress: cueProgressLocked(ac),
			Duration: ac.maxAt,
		})
	}
	return out
}

func (e *Engine) rootActiveIDsLocked() []string {
	var ids []string
	for id, ac := range e.active {
		if ac.parent == "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
