package model

import "time"

// Transaction is the adjudicated record of a scan. Immutable after
// adjudication except by explicit deletion, which triggers a score rebuild.
type Transaction struct {
	ID                    string            `json:"id"`
	SessionID             string            `json:"sessionId"`
	TokenID               string            `json:"tokenId"`
	TeamID                string            `json:"teamId"`
	DeviceID              string            `json:"deviceId"`
	DeviceType            DeviceType        `json:"deviceType"`
	Mode                  ScanMode          `json:"mode"`
	Points                int               `json:"points"`
	Status                TransactionStatus `json:"status"`
	RejectionReason       string            `json:"rejectionReason,omitempty"`
	OriginalTransactionID string            `json:"originalTransactionId,omitempty"`
	Timestamp             time.Time         `json:"timestamp"`
}

// IsScoring reports whether the transaction contributes points to a team.
func (t Transaction) IsScoring() bool {
	return t.Status == TxAccepted && t.Mode != ModeDetective
}

// AdminAdjustment is one audited manual score correction.
type AdminAdjustment struct {
	Delta  int       `json:"delta"`
	GM     string    `json:"gm"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// TeamScore is the per-team scoring aggregate.
// Invariant: CurrentScore = BaseScore + BonusPoints + sum of adjustment deltas.
type TeamScore struct {
	TeamID           string            `json:"teamId"`
	BaseScore        int               `json:"baseScore"`
	BonusPoints      int               `json:"bonusPoints"`
	CurrentScore     int               `json:"currentScore"`
	TokensScanned    int               `json:"tokensScanned"`
	CompletedGroups  []string          `json:"completedGroups"`
	AdminAdjustments []AdminAdjustment `json:"adminAdjustments,omitempty"`
	LastUpdate       time.Time         `json:"lastUpdate"`
	LastTokenTime    time.Time         `json:"lastTokenTime,omitempty"`
}

// NewTeamScore returns a zeroed score for the given team.
func NewTeamScore(teamID string) TeamScore {
	return TeamScore{
		TeamID:          teamID,
		CompletedGroups: []string{},
		LastUpdate:      time.Now().UTC(),
	}
}

// Recompute restores the score identity after any mutation.
func (s *TeamScore) Recompute() {
	total := s.BaseScore + s.BonusPoints
	for _, adj := range s.AdminAdjustments {
		total += adj.Delta
	}
	s.CurrentScore = total
}

// HasCompletedGroup reports whether the team already holds the group bonus.
func (s *TeamScore) HasCompletedGroup(groupID string) bool {
	for _, g := range s.CompletedGroups {
		if g == groupID {
			return true
		}
	}
	return false
}

// MarkGroupComplete records the group as completed. Completing a group is
// one-shot per team per session.
func (s *TeamScore) MarkGroupComplete(groupID string) bool {
	if s.HasCompletedGroup(groupID) {
		return false
	}
	s.CompletedGroups = append(s.CompletedGroups, groupID)
	return true
}

// Clone returns a deep copy safe to hand to readers.
func (s TeamScore) Clone() TeamScore {
	out := s
	out.CompletedGroups = append([]string(nil), s.CompletedGroups...)
	out.AdminAdjustments = append([]AdminAdjustment(nil), s.AdminAdjustments...)
	return out
}
