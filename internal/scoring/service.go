// Package scoring adjudicates token scans: validation, duplicate policy,
// point assignment, group completion and score rebuilds.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/alnlabs/aln-orchestrator/internal/bus"
	"github.com/alnlabs/aln-orchestrator/internal/catalog"
	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/metrics"
	"github.com/alnlabs/aln-orchestrator/internal/model"
)

// ErrNoActiveSession rejects scans arriving outside an active session.
var ErrNoActiveSession = errors.New("no active session")

// ErrUnknownTransaction is returned when deleting a transaction that does
// not exist on the session.
var ErrUnknownTransaction = errors.New("unknown transaction")

// VideoStatus is the read-only view of playback the adjudicator consults
// when composing scan responses.
type VideoStatus interface {
	IsPlaying() bool
	RemainingTime() int
}

const defaultRecentLimit = 100

// Service is the transaction adjudicator. All adjudication runs under one
// mutex so the duplicate check and the claim append can never interleave
// against the same session.
type Service struct {
	mu sync.Mutex

	catalog  *catalog.Catalog
	eventBus *bus.Bus
	video    VideoStatus
	logger   zerolog.Logger

	teamScores  map[string]*model.TeamScore
	recent      []model.Transaction // most recent first
	recentLimit int

	now func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithRecentLimit bounds the recent-transactions ring.
func WithRecentLimit(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.recentLimit = n
		}
	}
}

// WithVideoStatus wires the playback view used in scan responses.
func WithVideoStatus(v VideoStatus) Option {
	return func(s *Service) { s.video = v }
}

// WithNow injects a time source for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs an adjudicator over the given catalog and bus.
func New(cat *catalog.Catalog, eventBus *bus.Bus, opts ...Option) *Service {
	s := &Service{
		catalog:     cat,
		eventBus:    eventBus,
		logger:      log.WithComponent("scoring"),
		teamScores:  make(map[string]*model.TeamScore),
		recentLimit: defaultRecentLimit,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ProcessScan adjudicates one scan against the session. The duplicate check
// through the claim append executes without another scan interleaving.
func (s *Service) ProcessScan(ctx context.Context, req model.ScanRequest, session *model.Session) (model.ScanResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session == nil || session.Status != model.SessionActive {
		return model.ScanResponse{}, ErrNoActiveSession
	}

	tx := s.buildTransaction(req, session)

	token, ok := s.catalog.Get(req.TokenID)
	if !ok {
		tx.Status = model.TxRejected
		tx.RejectionReason = "Invalid token ID"
		metrics.RecordScan(string(model.TxRejected), string(req.DeviceType))
		return model.ScanResponse{
			Status:        model.TxRejected,
			Message:       "Invalid token ID",
			TransactionID: tx.ID,
			Transaction:   &tx,
			VideoPlaying:  s.videoPlaying(),
		}, nil
	}

	if req.DeviceType.ClaimsTokens() {
		if resp, dup := s.adjudicateDuplicate(&tx, session); dup {
			metrics.RecordScan(string(model.TxDuplicate), string(req.DeviceType))
			return resp, nil
		}
		// Claim before accept: the transaction lands in the session log
		// while still pending, closing the race window between the
		// duplicate check and acceptance.
		session.AddTransaction(tx)
		s.acceptClaimed(&tx, session)
	}

	tx.Status = model.TxAccepted
	if tx.Mode == model.ModeDetective {
		tx.Points = 0
	} else {
		tx.Points = token.Value
	}

	session.MarkDeviceScanned(tx.DeviceID, tx.TokenID)

	var teamScore *model.TeamScore
	var groupBonus *model.GroupCompletedEvent
	if req.DeviceType.ClaimsTokens() && tx.Mode != model.ModeDetective {
		teamScore = s.updateTeamScore(tx.TeamID, token)
		groupBonus = s.checkGroupCompletion(teamScore, token, session)
	}

	s.pushRecent(tx)
	metrics.RecordScan(string(model.TxAccepted), string(req.DeviceType))

	if req.DeviceType.ClaimsTokens() {
		s.emitAccepted(ctx, tx, teamScore, groupBonus)
	}

	resp := model.ScanResponse{
		Status:        model.TxAccepted,
		Message:       "Scan accepted",
		TransactionID: tx.ID,
		Transaction:   &tx,
		Token:         &token,
		Points:        tx.Points,
		VideoPlaying:  s.videoPlaying(),
	}
	if s.video != nil && s.video.IsPlaying() {
		resp.WaitTime = s.video.RemainingTime()
	}
	return resp, nil
}

func (s *Service) buildTransaction(req model.ScanRequest, session *model.Session) model.Transaction {
	id := req.TransactionID
	if id == "" {
		id = uuid.NewString()
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	mode := req.Mode
	if mode == "" {
		mode = model.ModeBlackMarket
	}
	return model.Transaction{
		ID:         id,
		SessionID:  session.ID,
		TokenID:    req.TokenID,
		TeamID:     req.TeamID,
		DeviceID:   req.DeviceID,
		DeviceType: req.DeviceType,
		Mode:       mode,
		Timestamp:  ts,
	}
}

// adjudicateDuplicate applies the GM duplicate policy: per-device first,
// then first-come-first-served across the whole session.
func (s *Service) adjudicateDuplicate(tx *model.Transaction, session *model.Session) (model.ScanResponse, bool) {
	winner, claimed := session.AcceptedClaim(tx.TokenID)
	deviceDup := session.DeviceHasScanned(tx.DeviceID, tx.TokenID)
	if !deviceDup && !claimed {
		return model.ScanResponse{}, false
	}

	tx.Status = model.TxDuplicate
	resp := model.ScanResponse{
		Status:        model.TxDuplicate,
		TransactionID: tx.ID,
		Transaction:   tx,
		VideoPlaying:  s.videoPlaying(),
	}
	if claimed {
		tx.OriginalTransactionID = winner.ID
		resp.OriginalTransactionID = winner.ID
		resp.ClaimedBy = winner.TeamID
		resp.Message = fmt.Sprintf("Token already claimed by %s", winner.TeamID)
	} else {
		resp.Message = "Token already scanned by this device"
	}
	session.AddTransaction(*tx)
	return resp, true
}

// acceptClaimed flips the just-appended pending claim to accepted in place.
func (s *Service) acceptClaimed(tx *model.Transaction, session *model.Session) {
	for i := len(session.Transactions) - 1; i >= 0; i-- {
		if session.Transactions[i].ID == tx.ID {
			session.Transactions[i].Status = model.TxAccepted
			if tx.Mode == model.ModeDetective {
				session.Transactions[i].Points = 0
			} else if t, ok := s.catalog.Get(tx.TokenID); ok {
				session.Transactions[i].Points = t.Value
			}
			session.Metadata.AcceptedScans++
			return
		}
	}
}

func (s *Service) updateTeamScore(teamID string, token model.Token) *model.TeamScore {
	score := s.teamScoreLocked(teamID)
	score.BaseScore += token.Value
	score.TokensScanned++
	now := s.now().UTC()
	score.LastUpdate = now
	score.LastTokenTime = now
	score.Recompute()
	return score
}

func (s *Service) teamScoreLocked(teamID string) *model.TeamScore {
	if sc, ok := s.teamScores[teamID]; ok {
		return sc
	}
	sc := model.NewTeamScore(teamID)
	s.teamScores[teamID] = &sc
	return &sc
}

// checkGroupCompletion awards the multiplicative bonus when the team's
// scoring claims cover every token of the group. One-shot per team.
func (s *Service) checkGroupCompletion(score *model.TeamScore, token model.Token, session *model.Session) *model.GroupCompletedEvent {
	if token.GroupID == "" || score == nil {
		return nil
	}
	members := s.catalog.TokensInGroup(token.GroupID)
	multiplier := s.catalog.GroupMultiplier(token.GroupID)
	if len(members) < 2 || multiplier <= 1 {
		return nil
	}
	if score.HasCompletedGroup(token.GroupID) {
		return nil
	}

	claimed := map[string]bool{token.ID: true}
	for _, tx := range session.Transactions {
		if tx.TeamID == score.TeamID && tx.IsScoring() {
			claimed[tx.TokenID] = true
		}
	}
	for _, id := range members {
		if !claimed[id] {
			return nil
		}
	}

	bonus := (multiplier - 1) * s.catalog.GroupValueSum(token.GroupID)
	score.MarkGroupComplete(token.GroupID)
	score.BonusPoints += bonus
	score.Recompute()
	metrics.GroupCompletionsTotal.Inc()
	s.logger.Info().
		Str(log.FieldTeamID, score.TeamID).
		Str(log.FieldGroupID, token.GroupID).
		Int("bonus", bonus).
		Msg("group completed")
	return &model.GroupCompletedEvent{
		TeamID:     score.TeamID,
		GroupID:    token.GroupID,
		Multiplier: multiplier,
		Bonus:      bonus,
	}
}

// emitAccepted publishes the scan outcome in the contractual order:
// transaction:accepted, then group:completed, then score:updated.
func (s *Service) emitAccepted(ctx context.Context, tx model.Transaction, score *model.TeamScore, groupBonus *model.GroupCompletedEvent) {
	var scoreCopy *model.TeamScore
	if score != nil {
		c := score.Clone()
		scoreCopy = &c
	}
	_ = s.eventBus.Publish(ctx, bus.TopicTransactionAccepted, model.TransactionAcceptedEvent{
		Transaction: tx,
		TeamScore:   scoreCopy,
		DeviceID:    tx.DeviceID,
		TokenID:     tx.TokenID,
		GroupBonus:  groupBonus,
	})
	if groupBonus != nil {
		_ = s.eventBus.Publish(ctx, bus.TopicGroupCompleted, *groupBonus)
	}
	if scoreCopy != nil {
		_ = s.eventBus.Publish(ctx, bus.TopicScoreUpdated, *scoreCopy)
	}
}

func (s *Service) pushRecent(tx model.Transaction) {
	s.recent = append([]model.Transaction{tx}, s.recent...)
	if len(s.recent) > s.recentLimit {
		s.recent = s.recent[:s.recentLimit]
	}
}

func (s *Service) videoPlaying() bool {
	return s.video != nil && s.video.IsPlaying()
}

// AdjustTeamScore applies an audited admin correction.
func (s *Service) AdjustTeamScore(ctx context.Context, teamID string, delta int, reason, gm string) model.TeamScore {
	s.mu.Lock()
	score := s.teamScoreLocked(teamID)
	score.AdminAdjustments = append(score.AdminAdjustments, model.AdminAdjustment{
		Delta:  delta,
		GM:     gm,
		Reason: reason,
		At:     s.now().UTC(),
	})
	score.LastUpdate = s.now().UTC()
	score.Recompute()
	out := score.Clone()
	s.mu.Unlock()

	_ = s.eventBus.Publish(ctx, bus.TopicScoreAdjusted, model.ScoreAdjustedEvent{
		TeamScore:     out,
		Reason:        reason,
		IsAdminAction: true,
	})
	return out
}

// DeleteTransaction removes the transaction and rebuilds all scores from the
// remaining log.
func (s *Service) DeleteTransaction(ctx context.Context, id string, session *model.Session) error {
	if session == nil {
		return ErrNoActiveSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, ok := session.RemoveTransaction(id)
	if !ok {
		return fmt.Errorf("delete transaction %s: %w", id, ErrUnknownTransaction)
	}
	s.rebuildLocked(session.Transactions)
	for i := range s.recent {
		if s.recent[i].ID == id {
			s.recent = append(s.recent[:i], s.recent[i+1:]...)
			break
		}
	}
	var updated *model.TeamScore
	if sc, ok := s.teamScores[removed.TeamID]; ok {
		c := sc.Clone()
		updated = &c
	}

	if updated != nil {
		_ = s.eventBus.Publish(ctx, bus.TopicScoreUpdated, *updated)
	}
	_ = s.eventBus.Publish(ctx, bus.TopicTransactionDeleted, model.TransactionDeletedEvent{
		TransactionID:    removed.ID,
		TokenID:          removed.TokenID,
		TeamID:           removed.TeamID,
		UpdatedTeamScore: updated,
	})
	return nil
}

// RebuildScoresFromTransactions recomputes every team score from scratch.
// The result depends only on the transaction set, not on processing history.
func (s *Service) RebuildScoresFromTransactions(txs []model.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildLocked(txs)
}

func (s *Service) rebuildLocked(txs []model.Transaction) {
	s.teamScores = make(map[string]*model.TeamScore)
	byTeam := make(map[string][]model.Transaction)
	for _, tx := range txs {
		if tx.IsScoring() {
			byTeam[tx.TeamID] = append(byTeam[tx.TeamID], tx)
		}
	}
	teams := make([]string, 0, len(byTeam))
	for team := range byTeam {
		teams = append(teams, team)
	}
	sort.Strings(teams)
	for _, team := range teams {
		score := s.teamScoreLocked(team)
		groups := make(map[string]map[string]bool)
		for _, tx := range byTeam[team] {
			score.BaseScore += tx.Points
			score.TokensScanned++
			if tx.Timestamp.After(score.LastTokenTime) {
				score.LastTokenTime = tx.Timestamp
			}
			if token, ok := s.catalog.Get(tx.TokenID); ok && token.GroupID != "" {
				if groups[token.GroupID] == nil {
					groups[token.GroupID] = make(map[string]bool)
				}
				groups[token.GroupID][tx.TokenID] = true
			}
		}
		groupIDs := make([]string, 0, len(groups))
		for g := range groups {
			groupIDs = append(groupIDs, g)
		}
		sort.Strings(groupIDs)
		for _, g := range groupIDs {
			members := s.catalog.TokensInGroup(g)
			multiplier := s.catalog.GroupMultiplier(g)
			if len(members) < 2 || multiplier <= 1 {
				continue
			}
			complete := true
			for _, id := range members {
				if !groups[g][id] {
					complete = false
					break
				}
			}
			if complete {
				score.MarkGroupComplete(g)
				score.BonusPoints += (multiplier - 1) * s.catalog.GroupValueSum(g)
			}
		}
		score.Recompute()
	}
}

// RestoreFromSession rebuilds scores from the persisted transaction log and
// re-installs empty teams so membership never diverges from the session.
func (s *Service) RestoreFromSession(session *model.Session) {
	if session == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildLocked(session.Transactions)
	for _, sc := range session.Scores {
		if _, ok := s.teamScores[sc.TeamID]; !ok {
			empty := model.NewTeamScore(sc.TeamID)
			s.teamScores[sc.TeamID] = &empty
		}
	}
	s.recent = nil
	for i := len(session.Transactions) - 1; i >= 0 && len(s.recent) < s.recentLimit; i-- {
		if session.Transactions[i].Status == model.TxAccepted {
			s.recent = append(s.recent, session.Transactions[i])
		}
	}
}

// AddTeam installs a zero score for the team if absent.
func (s *Service) AddTeam(teamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teamScoreLocked(teamID)
}

// ResetScores zeroes every known team in place, preserving membership.
func (s *Service) ResetScores(ctx context.Context) {
	s.mu.Lock()
	for id := range s.teamScores {
		fresh := model.NewTeamScore(id)
		s.teamScores[id] = &fresh
	}
	s.mu.Unlock()
	_ = s.eventBus.Publish(ctx, bus.TopicScoresReset, struct{}{})
}

// TeamScores returns a point-in-time copy of every team score, ordered by id.
func (s *Service) TeamScores() []model.TeamScore {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.teamScores))
	for id := range s.teamScores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.TeamScore, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.teamScores[id].Clone())
	}
	return out
}

// TeamScore returns a copy of one team's score.
func (s *Service) TeamScore(teamID string) (model.TeamScore, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.teamScores[teamID]
	if !ok {
		return model.TeamScore{}, false
	}
	return sc.Clone(), true
}

// RecentTransactions returns the bounded ring, most recent first.
func (s *Service) RecentTransactions() []model.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Transaction(nil), s.recent...)
}
