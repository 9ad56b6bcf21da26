package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/model"
	"github.com/alnlabs/aln-orchestrator/internal/session"
)

// handleScan accepts player and esp32 content scans, plus GM scans from
// consoles that do not use the submit endpoint. While offline, scans are
// queued instead of adjudicated.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req model.ScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed scan request")
		return
	}
	if req.TokenID == "" || req.DeviceID == "" || !req.DeviceType.Valid() {
		writeError(w, http.StatusBadRequest, "tokenId, deviceId and valid deviceType required")
		return
	}

	if s.offline.IsOffline() {
		var item *model.OfflineQueueItem
		if req.DeviceType.ClaimsTokens() {
			item = s.offline.EnqueueGMTransaction(r.Context(), req)
		} else {
			item = s.offline.EnqueuePlayerScan(r.Context(), req)
		}
		if item == nil {
			writeError(w, http.StatusServiceUnavailable, "offline queue full")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":        "queued",
			"queueId":       item.QueueID,
			"transactionId": item.TransactionID,
		})
		return
	}

	sess, unlock := s.sessions.LockCurrent()
	resp, err := s.scores.ProcessScan(r.Context(), req, sess)
	unlock()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// A player scanning a memory token with a video asset starts (or queues)
	// its playback; GM submissions stay score-only.
	if s.cfg.VideoEnabled && resp.Status == model.TxAccepted && !req.DeviceType.ClaimsTokens() {
		if token, ok := s.catalog.Get(req.TokenID); ok && token.HasVideo() {
			if s.playback.IsPlaying() {
				resp.WaitTime = s.playback.RemainingTime()
			}
			s.playback.AddToQueue(r.Context(), token, "scan")
			resp.VideoPlaying = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleScanBatch accepts an offline batch. Known batch ids return the
// cached acknowledgment so retried uploads never double-process.
func (s *Server) handleScanBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchID  string              `json:"batchId"`
		DeviceID string              `json:"deviceId"`
		Scans    []model.ScanRequest `json:"scans"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed batch request")
		return
	}
	if req.BatchID == "" || len(req.Scans) == 0 {
		writeError(w, http.StatusBadRequest, "batchId and scans required")
		return
	}
	ack, _ := s.offline.ProcessBatch(r.Context(), req.BatchID, req.DeviceID, req.Scans)
	writeJSON(w, http.StatusOK, ack)
}

// handleTransactionSubmit is the GM scoring path.
func (s *Server) handleTransactionSubmit(w http.ResponseWriter, r *http.Request) {
	var req model.ScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed transaction request")
		return
	}
	if req.TokenID == "" || req.TeamID == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "tokenId, teamId and deviceId required")
		return
	}
	if req.DeviceType == "" {
		req.DeviceType = model.DeviceGM
	}

	if s.offline.IsOffline() {
		item := s.offline.EnqueueGMTransaction(r.Context(), req)
		if item == nil {
			writeError(w, http.StatusServiceUnavailable, "offline queue full")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":        "queued",
			"queueId":       item.QueueID,
			"transactionId": item.TransactionID,
		})
		return
	}

	sess, unlock := s.sessions.LockCurrent()
	resp, err := s.scores.ProcessScan(r.Context(), req, sess)
	unlock()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTransactionDelete removes one transaction and rebuilds the team's
// score from the surviving log.
func (s *Server) handleTransactionDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, unlock := s.sessions.LockCurrent()
	defer unlock()
	if err := s.scores.DeleteTransaction(r.Context(), id, sess); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "transactionId": id})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string   `json:"name"`
		Teams []string `json:"teams"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed session request")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}
	sess, err := s.sessions.Create(r.Context(), req.Name, req.Teams)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, _ *http.Request) {
	sess, ok := s.sessions.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no current session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.SessionStatus `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed session update")
		return
	}
	var err error
	if req.Status == model.SessionEnded {
		err = s.sessions.End(r.Context())
	} else {
		err = s.sessions.UpdateStatus(r.Context(), req.Status)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	sess, _ := s.sessions.Snapshot()
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTeamAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TeamID string `json:"teamId"`
	}
	if err := decodeJSON(r, &req); err != nil || req.TeamID == "" {
		writeError(w, http.StatusBadRequest, "teamId required")
		return
	}
	if err := s.sessions.AddTeam(r.Context(), req.TeamID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"teamId": req.TeamID})
}

// handleVideoControl drives the playback queue. Conflicting commands get
// 409 so consoles can surface the collision instead of silently losing it.
func (s *Server) handleVideoControl(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.VideoEnabled {
		writeError(w, http.StatusServiceUnavailable, "video playback disabled")
		return
	}
	var req struct {
		Action  string `json:"action"`
		TokenID string `json:"tokenId,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed video control request")
		return
	}

	switch req.Action {
	case "play", "queue":
		token, ok := s.catalog.Get(req.TokenID)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown token")
			return
		}
		if !token.HasVideo() {
			writeError(w, http.StatusBadRequest, "token has no video asset")
			return
		}
		if req.Action == "play" && s.playback.IsPlaying() {
			writeError(w, http.StatusConflict, "video already playing")
			return
		}
		s.playback.AddToQueue(r.Context(), token, "admin")
		writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "tokenId": token.ID})
	case "pause":
		if !s.playback.PauseCurrent(r.Context()) {
			writeError(w, http.StatusConflict, "nothing playing")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
	case "resume":
		if !s.playback.ResumeCurrent(r.Context()) {
			writeError(w, http.StatusConflict, "nothing paused")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "playing"})
	case "skip":
		if !s.playback.SkipCurrent(r.Context()) {
			writeError(w, http.StatusConflict, "nothing playing")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
	case "stop":
		if !s.playback.StopCurrent(r.Context()) {
			writeError(w, http.StatusConflict, "nothing playing")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	case "clear":
		s.playback.ClearQueue()
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	default:
		writeError(w, http.StatusBadRequest, "unknown video action")
	}
}

func (s *Server) handleCueFire(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CueID string `json:"cueId"`
	}
	if err := decodeJSON(r, &req); err != nil || req.CueID == "" {
		writeError(w, http.StatusBadRequest, "cueId required")
		return
	}
	if err := s.cues.FireCue(r.Context(), req.CueID, "manual", nil); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "fired", "cueId": req.CueID})
}

func (s *Server) handleCueResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Action string `json:"action"` // "override" or "cancel"
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "action required")
		return
	}
	if err := s.cues.ResolveConflict(r.Context(), id, req.Action); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Action, "cueId": id})
}

func (s *Server) handleCueEnable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cues.EnableCue(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled", "cueId": id})
}

func (s *Server) handleCueDisable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cues.DisableCue(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled", "cueId": id})
}

func (s *Server) handleCueStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cues.StopCue(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "cueId": id})
}

func (s *Server) handleScoreAdjust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TeamID string `json:"teamId"`
		Delta  int    `json:"delta"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil || req.TeamID == "" {
		writeError(w, http.StatusBadRequest, "teamId required")
		return
	}
	gm := adminSubject(r.Context())

	_, unlock := s.sessions.LockCurrent()
	score := s.scores.AdjustTeamScore(r.Context(), req.TeamID, req.Delta, req.Reason, gm)
	unlock()
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleOfflineToggle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Offline bool `json:"offline"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed offline toggle")
		return
	}
	s.offline.SetOfflineStatus(r.Context(), req.Offline)
	writeJSON(w, http.StatusOK, map[string]bool{"offline": req.Offline})
}

// handleAdminReset tears the whole game state down: session, scores,
// queues, playback and running cues. Cue definitions stay loaded.
func (s *Server) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	s.logger.Info().Str(log.FieldDeviceID, adminSubject(r.Context())).Msg("admin reset requested")

	if err := s.reset(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// reset tears the whole game state down: session, scores, queues, playback
// and running cues. Cue definitions stay loaded.
func (s *Server) reset(ctx context.Context) error {
	if err := s.sessions.End(ctx); err != nil && !errors.Is(err, session.ErrNoSession) {
		return err
	}
	for _, ac := range s.cues.ActiveCues() {
		_ = s.cues.StopCue(ctx, ac.CueID)
	}
	s.playback.StopCurrent(ctx)
	s.playback.ClearQueue()
	s.offline.Reset(ctx)

	// The scores:reset listener mutates session scores inline, so it must
	// run under the session lock like the adjudication path.
	_, unlock := s.sessions.LockCurrent()
	s.scores.ResetScores(ctx)
	unlock()

	s.sessions.Reset(ctx)
	return nil
}
