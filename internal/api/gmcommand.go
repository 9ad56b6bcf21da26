package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alnlabs/aln-orchestrator/internal/model"
)

// GMCommand executes an admin operation submitted over an authenticated GM
// socket. State changes surface to consoles through the normal broadcast
// events, so there is no per-command reply payload; only failures come back.
func (s *Server) GMCommand(ctx context.Context, action string, payload json.RawMessage) error {
	switch action {
	case "create_session":
		var req struct {
			Name  string   `json:"name"`
			Teams []string `json:"teams"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("create_session: %w", err)
		}
		if req.Name == "" {
			return fmt.Errorf("create_session: name required")
		}
		_, err := s.sessions.Create(ctx, req.Name, req.Teams)
		return err
	case "update_session":
		var req struct {
			Status model.SessionStatus `json:"status"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("update_session: %w", err)
		}
		if req.Status == model.SessionEnded {
			return s.sessions.End(ctx)
		}
		return s.sessions.UpdateStatus(ctx, req.Status)
	case "video:control":
		var req struct {
			Action  string `json:"action"`
			TokenID string `json:"tokenId,omitempty"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("video:control: %w", err)
		}
		return s.videoControl(ctx, req.Action, req.TokenID)
	case "reset":
		return s.reset(ctx)
	default:
		return fmt.Errorf("unknown gm command %q", action)
	}
}

// videoControl is the transport-neutral form of the video control surface.
func (s *Server) videoControl(ctx context.Context, action, tokenID string) error {
	if !s.cfg.VideoEnabled {
		return fmt.Errorf("video playback disabled")
	}
	switch action {
	case "play", "queue":
		token, ok := s.catalog.Get(tokenID)
		if !ok {
			return fmt.Errorf("unknown token %q", tokenID)
		}
		if !token.HasVideo() {
			return fmt.Errorf("token %s has no video asset", tokenID)
		}
		if action == "play" && s.playback.IsPlaying() {
			return fmt.Errorf("video already playing")
		}
		s.playback.AddToQueue(ctx, token, "gm")
		return nil
	case "pause":
		if !s.playback.PauseCurrent(ctx) {
			return fmt.Errorf("nothing playing")
		}
		return nil
	case "resume":
		if !s.playback.ResumeCurrent(ctx) {
			return fmt.Errorf("nothing paused")
		}
		return nil
	case "skip":
		if !s.playback.SkipCurrent(ctx) {
			return fmt.Errorf("nothing playing")
		}
		return nil
	case "stop":
		if !s.playback.StopCurrent(ctx) {
			return fmt.Errorf("nothing playing")
		}
		return nil
	case "clear":
		s.playback.ClearQueue()
		return nil
	default:
		return fmt.Errorf("unknown video action %q", action)
	}
}
