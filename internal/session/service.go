// Package session owns the session lifecycle and is the single writer for
// session.scores. It absorbs score and transaction events from the
// adjudicator through bus listeners and persists the result.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/metrics"
	"github.com/alnlabs/aln-orchestrator/internal/model"
	"github.com/alnlabs/aln-orchestrator/internal/store"
)

var (
	// ErrNoSession is returned by operations that require a current session.
	ErrNoSession = errors.New("no current session")
	// ErrTeamExists rejects adding a team that is already on the session.
	ErrTeamExists = errors.New("team already exists")
	// ErrIllegalTransition rejects a status change the lifecycle forbids.
	ErrIllegalTransition = errors.New("illegal session status transition")
)

// ClockControl is the game-clock surface the session cascades into.
type ClockControl interface {
	Start()
	Pause()
	Resume()
	Stop()
	State() model.ClockState
	Restore(model.ClockState)
}

// CueControl gates standing-cue evaluation on session state.
type CueControl interface {
	Activate()
	Suspend()
}

// TeamInstaller mirrors team membership into the adjudicator so the two
// score structures never diverge. The adjudicator never calls back.
type TeamInstaller interface {
	AddTeam(teamID string)
}

// MusicControl is the external audio collaborator, contract only.
type MusicControl interface {
	Pause()
	Resume()
}

// Service manages the current session. At most one session is current; the
// service mutex is the canonical lock for the session object, and
// adjudication paths hold it via LockCurrent for the whole scan.
type Service struct {
	mu sync.Mutex

	st       store.Store
	eventBus *bus.Bus
	clock    ClockControl
	cues     CueControl
	teams    TeamInstaller
	music    MusicControl
	logger   zerolog.Logger

	current *model.Session

	expectedDuration time.Duration
	overtimeTimer    *time.Timer

	now func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithClock wires the game clock cascade.
func WithClock(c ClockControl) Option { return func(s *Service) { s.clock = c } }

// WithCues wires the cue engine cascade.
func WithCues(c CueControl) Option { return func(s *Service) { s.cues = c } }

// WithTeamInstaller wires adjudicator team mirroring.
func WithTeamInstaller(t TeamInstaller) Option { return func(s *Service) { s.teams = t } }

// WithMusic wires the external music collaborator.
func WithMusic(m MusicControl) Option { return func(s *Service) { s.music = m } }

// WithExpectedDuration arms the overtime warning timer. Zero disables it.
func WithExpectedDuration(d time.Duration) Option {
	return func(s *Service) { s.expectedDuration = d }
}

// WithNow injects a time source for tests.
func WithNow(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New constructs the session service and registers its bus listeners.
func New(st store.Store, eventBus *bus.Bus, opts ...Option) *Service {
	s := &Service{
		st:       st,
		eventBus: eventBus,
		logger:   log.WithComponent("session"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.wire()
	return s
}

// wire registers the score-aggregation listeners. They are documented to run
// inline on the adjudication path, which already holds the session lock, so
// they must not re-lock.
func (s *Service) wire() {
	s.eventBus.Subscribe(bus.TopicScoreUpdated, func(ctx context.Context, _ string, payload any) {
		if score, ok := payload.(model.TeamScore); ok {
			s.absorbScore(ctx, score)
		}
	})
	s.eventBus.Subscribe(bus.TopicScoreAdjusted, func(ctx context.Context, _ string, payload any) {
		if ev, ok := payload.(model.ScoreAdjustedEvent); ok {
			s.absorbScore(ctx, ev.TeamScore)
		}
	})
	s.eventBus.Subscribe(bus.TopicTransactionAccepted, func(ctx context.Context, _ string, payload any) {
		if ev, ok := payload.(model.TransactionAcceptedEvent); ok {
			s.absorbAccepted(ctx, ev)
		}
	})
	s.eventBus.Subscribe(bus.TopicTransactionDeleted, func(ctx context.Context, _ string, payload any) {
		if ev, ok := payload.(model.TransactionDeletedEvent); ok {
			if s.current == nil {
				return
			}
			if ev.UpdatedTeamScore != nil {
				s.current.UpsertScore(*ev.UpdatedTeamScore)
			}
			s.persist(ctx)
		}
	})
	s.eventBus.Subscribe(bus.TopicScoresReset, func(ctx context.Context, _ string, _ any) {
		if s.current == nil {
			return
		}
		for i := range s.current.Scores {
			s.current.Scores[i] = model.NewTeamScore(s.current.Scores[i].TeamID)
		}
		s.persist(ctx)
	})
}

// absorbScore upserts by teamId into session.scores.
func (s *Service) absorbScore(ctx context.Context, score model.TeamScore) {
	if s.current == nil {
		return
	}
	s.current.UpsertScore(score)
	s.persist(ctx)
}

// absorbAccepted applies the new-format accepted payload: ensure the
// transaction is on the log, mark the device-token scan and upsert the team
// score, persisted together.
func (s *Service) absorbAccepted(ctx context.Context, ev model.TransactionAcceptedEvent) {
	if s.current == nil {
		return
	}
	present := false
	for i := range s.current.Transactions {
		if s.current.Transactions[i].ID == ev.Transaction.ID {
			present = true
			break
		}
	}
	if !present {
		s.current.AddTransaction(ev.Transaction)
	}
	s.current.MarkDeviceScanned(ev.DeviceID, ev.TokenID)
	if ev.TeamScore != nil {
		s.current.UpsertScore(*ev.TeamScore)
	}
	s.persist(ctx)
}

// Create ends any current session, allocates a new one with zeroed team
// scores, arms the clock and persists.
func (s *Service) Create(ctx context.Context, name string, teamIDs []string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.Status != model.SessionEnded {
		s.endLocked(ctx)
	}

	now := s.now().UTC()
	sess := &model.Session{
		ID:            uuid.NewString(),
		Name:          name,
		Status:        model.SessionActive,
		StartTime:     now,
		GameStartTime: &now,
		Scores:        make([]model.TeamScore, 0, len(teamIDs)),
		Transactions:  []model.Transaction{},
		ScannedTokens: make(map[string]map[string]bool),
	}
	for _, id := range teamIDs {
		sess.Scores = append(sess.Scores, model.NewTeamScore(id))
		if s.teams != nil {
			s.teams.AddTeam(id)
		}
	}
	s.current = sess

	if s.clock != nil {
		s.clock.Start()
	}
	if s.cues != nil {
		s.cues.Activate()
	}
	s.armOvertimeLocked(ctx)
	s.persist(ctx)

	snapshot := sess.Clone()
	s.logger.Info().
		Str(log.FieldSessionID, sess.ID).
		Int("teams", len(teamIDs)).
		Msg("session created")
	_ = s.eventBus.Publish(ctx, bus.TopicSessionCreated, snapshot)
	return snapshot, nil
}

// AddTeam adds a team mid-game. Errors if the team already exists and keeps
// the adjudicator's membership in lockstep.
func (s *Service) AddTeam(ctx context.Context, teamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoSession
	}
	if s.current.HasTeam(teamID) {
		return fmt.Errorf("add team %s: %w", teamID, ErrTeamExists)
	}
	s.current.Scores = append(s.current.Scores, model.NewTeamScore(teamID))
	if s.teams != nil {
		s.teams.AddTeam(teamID)
	}
	s.persist(ctx)
	_ = s.eventBus.Publish(ctx, bus.TopicSessionUpdated, s.current.Clone())
	return nil
}

// UpdateStatus applies a lifecycle transition with its cascades.
func (s *Service) UpdateStatus(ctx context.Context, status model.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoSession
	}
	from := s.current.Status
	if !from.CanTransitionTo(status) {
		return fmt.Errorf("%s -> %s: %w", from, status, ErrIllegalTransition)
	}

	switch status {
	case model.SessionActive:
		if from == model.SessionSetup {
			now := s.now().UTC()
			s.current.GameStartTime = &now
			if s.clock != nil {
				s.clock.Start()
			}
		} else if s.clock != nil {
			s.clock.Resume()
		}
		if s.cues != nil {
			s.cues.Activate()
		}
		if s.music != nil {
			s.music.Resume()
		}
		s.armOvertimeLocked(ctx)
	case model.SessionPaused:
		if s.clock != nil {
			s.clock.Pause()
		}
		if s.cues != nil {
			s.cues.Suspend()
		}
		if s.music != nil {
			s.music.Pause()
		}
		s.cancelOvertimeLocked()
	case model.SessionEnded:
		s.endLocked(ctx)
		return nil
	}

	s.current.Status = status
	s.logger.Info().
		Str(log.FieldSessionID, s.current.ID).
		Str(log.FieldOldStatus, string(from)).
		Str(log.FieldNewStatus, string(status)).
		Msg("session status changed")
	s.persist(ctx)
	_ = s.eventBus.Publish(ctx, bus.TopicSessionUpdated, s.current.Clone())
	return nil
}

// End completes the current session, archiving and backing it up.
func (s *Service) End(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ErrNoSession
	}
	s.endLocked(ctx)
	return nil
}

func (s *Service) endLocked(ctx context.Context) {
	sess := s.current
	if sess == nil || sess.Status == model.SessionEnded {
		return
	}
	now := s.now().UTC()
	sess.Status = model.SessionEnded
	sess.EndTime = &now
	if s.clock != nil {
		sess.GameClock = s.clockState()
		s.clock.Stop()
	}
	if s.cues != nil {
		s.cues.Suspend()
	}
	s.cancelOvertimeLocked()

	s.persist(ctx)
	s.saveOrLog(ctx, store.ArchiveKey(sess.ID), sess)
	s.saveOrLog(ctx, store.BackupKey(sess.ID, now), sess)

	snapshot := sess.Clone()
	// Clear current only if still the same object; a racing Create may
	// already have replaced it.
	if s.current == sess {
		if err := s.st.Delete(ctx, store.KeyCurrentSession); err != nil {
			s.logger.Warn().Err(err).Msg("failed to clear current session key")
		}
		_ = s.st.Delete(ctx, store.KeyGameState)
	}
	s.logger.Info().Str(log.FieldSessionID, sess.ID).Msg("session ended")
	_ = s.eventBus.Publish(ctx, bus.TopicSessionUpdated, snapshot)
}

// Heartbeat records device liveness on the current session, announcing new
// arrivals.
func (s *Service) Heartbeat(ctx context.Context, deviceID string, deviceType model.DeviceType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || deviceID == "" {
		return
	}
	now := s.now().UTC()
	fresh := true
	for i := range s.current.Devices {
		if s.current.Devices[i].ID == deviceID {
			fresh = !s.current.Devices[i].Connected
			s.current.Devices[i].Connected = true
			s.current.Devices[i].LastSeen = now
			if fresh {
				s.current.Devices[i].ConnectedAt = now
			}
			s.persist(ctx)
			if fresh {
				s.announceDevice(ctx, s.current.Devices[i])
			}
			return
		}
	}
	d := model.Device{ID: deviceID, Type: deviceType, Connected: true, ConnectedAt: now, LastSeen: now}
	s.current.UpsertDevice(d)
	s.persist(ctx)
	s.announceDevice(ctx, d)
}

func (s *Service) announceDevice(ctx context.Context, d model.Device) {
	metrics.ConnectedDevices.WithLabelValues(string(d.Type)).Inc()
	_ = s.eventBus.Publish(ctx, bus.TopicDeviceConnected, model.DeviceEvent{
		DeviceID: d.ID,
		Type:     d.Type,
		At:       d.ConnectedAt,
	})
}

// MarkDisconnected flips the device to disconnected and announces it.
func (s *Service) MarkDisconnected(ctx context.Context, deviceID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return
	}
	for i := range s.current.Devices {
		d := &s.current.Devices[i]
		if d.ID == deviceID && d.Connected {
			d.Connected = false
			s.persist(ctx)
			metrics.ConnectedDevices.WithLabelValues(string(d.Type)).Dec()
			_ = s.eventBus.Publish(ctx, bus.TopicDeviceDisconnected, model.DeviceEvent{
				DeviceID: d.ID,
				Type:     d.Type,
				Reason:   reason,
				At:       s.now().UTC(),
			})
			return
		}
	}
}

// LockCurrent returns the live session pointer with the service lock held.
// The returned unlock must be called when the adjudication completes. A nil
// session is returned (still locked) when none is current.
func (s *Service) LockCurrent() (*model.Session, func()) {
	s.mu.Lock()
	return s.current, s.mu.Unlock
}

// Snapshot returns a deep copy of the current session, or false.
func (s *Service) Snapshot() (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return model.Session{}, false
	}
	return s.current.Clone(), true
}

// PersistClockState stores the clock snapshot onto the session record and
// under its own key, so game timing survives even when the session blob
// write is lost.
func (s *Service) PersistClockState(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.clock == nil {
		return
	}
	s.current.GameClock = s.clockState()
	s.saveOrLog(ctx, store.KeyGameState, s.current.GameClock)
	s.persist(ctx)
}

func (s *Service) clockState() *model.ClockState {
	st := s.clock.State()
	return &st
}

// Restore loads the persisted current session and re-enters its clock state.
func (s *Service) Restore(ctx context.Context) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id string
	found, err := s.st.Load(ctx, store.KeyCurrentSession, &id)
	if err != nil {
		return nil, fmt.Errorf("load current session pointer: %w", err)
	}
	if !found {
		return nil, nil
	}
	var sess model.Session
	found, err = s.st.Load(ctx, store.SessionKey(id), &sess)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if !found {
		return nil, nil
	}
	s.current = &sess
	clockState := sess.GameClock
	if clockState == nil {
		var cs model.ClockState
		if found, err := s.st.Load(ctx, store.KeyGameState, &cs); err == nil && found {
			clockState = &cs
		}
	}
	if clockState != nil && s.clock != nil {
		s.clock.Restore(*clockState)
	}
	if s.teams != nil {
		for _, sc := range sess.Scores {
			s.teams.AddTeam(sc.TeamID)
		}
	}
	if sess.Status == model.SessionActive {
		s.armOvertimeLocked(ctx)
		if s.cues != nil {
			s.cues.Activate()
		}
	}
	s.logger.Info().
		Str(log.FieldSessionID, sess.ID).
		Str(log.FieldNewStatus, string(sess.Status)).
		Msg("session restored from persistence")
	return s.current, nil
}

// Reset ends any current session and forgets it (admin reset).
func (s *Service) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.Status != model.SessionEnded {
		s.endLocked(ctx)
	}
	s.current = nil
}

// armOvertimeLocked starts the expected-duration warning timer. It fires at
// most once per session and never auto-ends the session.
func (s *Service) armOvertimeLocked(ctx context.Context) {
	s.cancelOvertimeLocked()
	if s.expectedDuration <= 0 || s.current == nil {
		return
	}
	id := s.current.ID
	s.overtimeTimer = time.AfterFunc(s.expectedDuration, func() {
		s.mu.Lock()
		stillCurrent := s.current != nil && s.current.ID == id
		s.mu.Unlock()
		if !stillCurrent {
			return
		}
		s.logger.Warn().Str(log.FieldSessionID, id).Msg("session passed expected duration")
		_ = s.eventBus.Publish(context.Background(), bus.TopicSessionOvertime, model.SessionOvertimeEvent{
			SessionID: id,
			Elapsed:   int64(s.expectedDuration / time.Second),
		})
	})
	_ = ctx
}

func (s *Service) cancelOvertimeLocked() {
	if s.overtimeTimer != nil {
		s.overtimeTimer.Stop()
		s.overtimeTimer = nil
	}
}

// persist writes the session and the current pointer. Write failures log and
// surface via metrics; in-memory state is never reverted.
func (s *Service) persist(ctx context.Context) {
	if s.current == nil {
		return
	}
	s.saveOrLog(ctx, store.SessionKey(s.current.ID), s.current)
	s.saveOrLog(ctx, store.KeyCurrentSession, s.current.ID)
}

func (s *Service) saveOrLog(ctx context.Context, key string, value any) {
	if err := s.st.Save(ctx, key, value); err != nil {
		metrics.RecordStoreError("save")
		s.logger.Error().Err(err).Str(log.FieldKey, key).Msg("persistence write failed")
	}
}
