package model

import "time"

// Typed payloads for the domain events crossing the in-process bus.
// The broadcast layer wraps these in an Envelope before fan-out.

// TransactionAcceptedEvent is emitted once per accepted scan. It carries the
// team score and device tracking so the session service can absorb all three
// mutations in one listener.
type TransactionAcceptedEvent struct {
	Transaction Transaction          `json:"transaction"`
	TeamScore   *TeamScore           `json:"teamScore,omitempty"`
	DeviceID    string               `json:"deviceId"`
	TokenID     string               `json:"tokenId"`
	GroupBonus  *GroupCompletedEvent `json:"groupBonus,omitempty"`
}

// GroupCompletedEvent announces a group-completion bonus award.
type GroupCompletedEvent struct {
	TeamID     string `json:"teamId"`
	GroupID    string `json:"groupId"`
	Multiplier int    `json:"multiplier"`
	Bonus      int    `json:"bonus"`
}

// ScoreAdjustedEvent announces an admin score correction.
type ScoreAdjustedEvent struct {
	TeamScore     TeamScore `json:"teamScore"`
	Reason        string    `json:"reason"`
	IsAdminAction bool      `json:"isAdminAction"`
}

// TransactionDeletedEvent announces a deletion plus the rebuilt team score.
type TransactionDeletedEvent struct {
	TransactionID    string     `json:"transactionId"`
	TokenID          string     `json:"tokenId"`
	TeamID           string     `json:"teamId"`
	UpdatedTeamScore *TeamScore `json:"updatedTeamScore,omitempty"`
}

// TickEvent is the 1 Hz master clock pulse.
type TickEvent struct {
	Elapsed int64 `json:"elapsed"` // seconds, excluding paused time
}

// VideoEvent describes a playback state change.
type VideoEvent struct {
	TokenID  string `json:"tokenId,omitempty"`
	Duration int    `json:"duration,omitempty"` // seconds
}

// VideoProgressEvent reports playback position as a 0..1 ratio.
type VideoProgressEvent struct {
	TokenID  string  `json:"tokenId"`
	Position float64 `json:"position"`
	Duration int     `json:"duration"`
}

// DeviceEvent describes a console presence change.
type DeviceEvent struct {
	DeviceID string     `json:"deviceId"`
	Type     DeviceType `json:"type"`
	Reason   string     `json:"reason,omitempty"`
	At       time.Time  `json:"at"`
}

// QueueItemResult is the per-item outcome of an offline drain.
type QueueItemResult struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"` // "processed" or "failed"
}

// OfflineQueueProcessedEvent summarises one drain pass.
type OfflineQueueProcessedEvent struct {
	QueueSize int               `json:"queueSize"`
	Results   []QueueItemResult `json:"results"`
}

// CueFiredEvent announces a cue fire.
type CueFiredEvent struct {
	CueID   string `json:"cueId"`
	Trigger string `json:"trigger"`
	Source  string `json:"source"`
}

// CueStatusEvent reports compound cue progress.
type CueStatusEvent struct {
	CueID    string   `json:"cueId"`
	State    CueState `json:"state"`
	Progress float64  `json:"progress"` // percent
	Duration float64  `json:"duration"` // seconds
}

// CueConflictEvent is raised when a video cue collides with live playback.
type CueConflictEvent struct {
	CueID        string `json:"cueId"`
	Reason       string `json:"reason"`
	CurrentVideo string `json:"currentVideo,omitempty"`
	AutoCancel   bool   `json:"autoCancel"`
	AutoCancelMs int    `json:"autoCancelMs"`
}

// CueErrorEvent reports a cue execution failure.
type CueErrorEvent struct {
	CueID   string `json:"cueId"`
	Message string `json:"message"`
}

// SessionOvertimeEvent warns that the session passed its expected duration.
type SessionOvertimeEvent struct {
	SessionID string `json:"sessionId"`
	Elapsed   int64  `json:"elapsed"`
}

// ScanLoggedEvent records a drained player content scan.
type ScanLoggedEvent struct {
	TransactionID string `json:"transactionId"`
	TokenID       string `json:"tokenId"`
	DeviceID      string `json:"deviceId"`
}

// BatchAckEvent confirms an offline batch to its submitting device.
type BatchAckEvent struct {
	BatchID        string            `json:"batchId"`
	DeviceID       string            `json:"deviceId,omitempty"`
	ProcessedCount int               `json:"processedCount"`
	TotalCount     int               `json:"totalCount"`
	FailedCount    int               `json:"failedCount"`
	Results        []QueueItemResult `json:"results"`
}
