package model

// SessionStatus is the client-visible lifecycle of a game session.
type SessionStatus string

const (
	SessionSetup  SessionStatus = "setup"
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionEnded  SessionStatus = "ended"
)

// IsTerminal returns true if the status is final.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionEnded
}

// CanTransitionTo reports whether the status transition is legal.
// setup→active, active↔paused, active/paused→ended.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionSetup:
		return next == SessionActive
	case SessionActive:
		return next == SessionPaused || next == SessionEnded
	case SessionPaused:
		return next == SessionActive || next == SessionEnded
	default:
		return false
	}
}

// TransactionStatus is the adjudication outcome of a scan.
type TransactionStatus string

const (
	TxAccepted  TransactionStatus = "accepted"
	TxDuplicate TransactionStatus = "duplicate"
	TxRejected  TransactionStatus = "rejected"
)

// ScanMode selects how a scan scores.
type ScanMode string

const (
	ModeBlackMarket ScanMode = "blackmarket"
	ModeDetective   ScanMode = "detective"
)

// DeviceType identifies the kind of console submitting a scan.
type DeviceType string

const (
	DeviceGM     DeviceType = "gm"
	DevicePlayer DeviceType = "player"
	DeviceESP32  DeviceType = "esp32"
)

// Valid reports whether the device type is one the orchestrator knows.
func (d DeviceType) Valid() bool {
	switch d {
	case DeviceGM, DevicePlayer, DeviceESP32:
		return true
	}
	return false
}

// ClaimsTokens reports whether scans from this device type claim tokens.
// Player and esp32 scans are content re-views and never block future scans.
func (d DeviceType) ClaimsTokens() bool {
	return d == DeviceGM
}

// CueState is the runtime state of a compound cue.
type CueState string

const (
	CueRunning CueState = "running"
	CuePaused  CueState = "paused"
	CueStopped CueState = "stopped"
)

// ClockStatus is the lifecycle of the master game clock.
type ClockStatus string

const (
	ClockStopped ClockStatus = "stopped"
	ClockRunning ClockStatus = "running"
	ClockPaused  ClockStatus = "paused"
)
