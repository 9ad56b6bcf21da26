package model

import "time"

// Device is one connected console tracked on the session.
type Device struct {
	ID          string     `json:"id"`
	Type        DeviceType `json:"type"`
	Connected   bool       `json:"connected"`
	ConnectedAt time.Time  `json:"connectedAt"`
	LastSeen    time.Time  `json:"lastSeen"`
}

// HasTimedOut reports whether the device missed its heartbeat window.
func (d Device) HasTimedOut(timeout time.Duration, now time.Time) bool {
	return now.Sub(d.LastSeen) > timeout
}

// SessionMetadata carries counts derived from the transaction log.
type SessionMetadata struct {
	TotalScans     int `json:"totalScans"`
	AcceptedScans  int `json:"acceptedScans"`
	DuplicateScans int `json:"duplicateScans"`
	RejectedScans  int `json:"rejectedScans"`
}

// ClockState is the persisted game-clock snapshot stored on the session.
type ClockState struct {
	Status        ClockStatus `json:"status"`
	StartedAt     *time.Time  `json:"startedAt,omitempty"`
	PausedAt      *time.Time  `json:"pausedAt,omitempty"`
	TotalPausedMs int64       `json:"totalPausedMs"`
}

// Session is one game instance: teams, a running clock and a transaction log.
// Transactions are kept in insertion order, which equals processing order.
type Session struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Status        SessionStatus   `json:"status"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       *time.Time      `json:"endTime,omitempty"`
	GameStartTime *time.Time      `json:"gameStartTime,omitempty"`
	Scores        []TeamScore     `json:"scores"`
	Transactions  []Transaction   `json:"transactions"`
	Devices       []Device        `json:"connectedDevices"`
	Metadata      SessionMetadata `json:"metadata"`
	GameClock     *ClockState     `json:"gameClock,omitempty"`

	// ScannedTokens maps deviceId -> set of tokenIds that device has scanned.
	ScannedTokens map[string]map[string]bool `json:"scannedTokens,omitempty"`
}

// TeamScore returns a pointer to the score row for teamID, or nil.
func (s *Session) TeamScore(teamID string) *TeamScore {
	for i := range s.Scores {
		if s.Scores[i].TeamID == teamID {
			return &s.Scores[i]
		}
	}
	return nil
}

// HasTeam reports whether the team exists on the session.
func (s *Session) HasTeam(teamID string) bool {
	return s.TeamScore(teamID) != nil
}

// UpsertScore replaces the score row for its team, appending when absent.
func (s *Session) UpsertScore(score TeamScore) {
	for i := range s.Scores {
		if s.Scores[i].TeamID == score.TeamID {
			s.Scores[i] = score
			return
		}
	}
	s.Scores = append(s.Scores, score)
}

// AddTransaction appends to the transaction log and maintains metadata counts.
func (s *Session) AddTransaction(t Transaction) {
	s.Transactions = append(s.Transactions, t)
	s.Metadata.TotalScans++
	switch t.Status {
	case TxAccepted:
		s.Metadata.AcceptedScans++
	case TxDuplicate:
		s.Metadata.DuplicateScans++
	case TxRejected:
		s.Metadata.RejectedScans++
	}
}

// RemoveTransaction deletes the transaction with the given id, recounting
// metadata. Returns the removed transaction and true when found.
func (s *Session) RemoveTransaction(id string) (Transaction, bool) {
	for i := range s.Transactions {
		if s.Transactions[i].ID == id {
			removed := s.Transactions[i]
			s.Transactions = append(s.Transactions[:i], s.Transactions[i+1:]...)
			s.recountMetadata()
			return removed, true
		}
	}
	return Transaction{}, false
}

func (s *Session) recountMetadata() {
	m := SessionMetadata{}
	for _, t := range s.Transactions {
		m.TotalScans++
		switch t.Status {
		case TxAccepted:
			m.AcceptedScans++
		case TxDuplicate:
			m.DuplicateScans++
		case TxRejected:
			m.RejectedScans++
		}
	}
	s.Metadata = m
}

// AcceptedClaim returns the accepted transaction that claimed tokenID, if any.
func (s *Session) AcceptedClaim(tokenID string) (Transaction, bool) {
	for _, t := range s.Transactions {
		if t.TokenID == tokenID && t.Status == TxAccepted {
			return t, true
		}
	}
	return Transaction{}, false
}

// DeviceHasScanned reports whether the device already scanned the token.
func (s *Session) DeviceHasScanned(deviceID, tokenID string) bool {
	return s.ScannedTokens[deviceID][tokenID]
}

// MarkDeviceScanned records the device-token pair on the session.
func (s *Session) MarkDeviceScanned(deviceID, tokenID string) {
	if s.ScannedTokens == nil {
		s.ScannedTokens = make(map[string]map[string]bool)
	}
	if s.ScannedTokens[deviceID] == nil {
		s.ScannedTokens[deviceID] = make(map[string]bool)
	}
	s.ScannedTokens[deviceID][tokenID] = true
}

// UpsertDevice replaces or appends the device record.
func (s *Session) UpsertDevice(d Device) {
	for i := range s.Devices {
		if s.Devices[i].ID == d.ID {
			s.Devices[i] = d
			return
		}
	}
	s.Devices = append(s.Devices, d)
}

// RemoveDevice deletes the device record, reporting whether it existed.
func (s *Session) RemoveDevice(id string) bool {
	for i := range s.Devices {
		if s.Devices[i].ID == id {
			s.Devices = append(s.Devices[:i], s.Devices[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to readers outside the lock.
func (s *Session) Clone() Session {
	out := *s
	out.Scores = make([]TeamScore, 0, len(s.Scores))
	for _, sc := range s.Scores {
		out.Scores = append(out.Scores, sc.Clone())
	}
	out.Transactions = append([]Transaction(nil), s.Transactions...)
	out.Devices = append([]Device(nil), s.Devices...)
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	if s.GameStartTime != nil {
		t := *s.GameStartTime
		out.GameStartTime = &t
	}
	if s.GameClock != nil {
		c := *s.GameClock
		out.GameClock = &c
	}
	if s.ScannedTokens != nil {
		out.ScannedTokens = make(map[string]map[string]bool, len(s.ScannedTokens))
		for dev, toks := range s.ScannedTokens {
			m := make(map[string]bool, len(toks))
			for k, v := range toks {
				m[k] = v
			}
			out.ScannedTokens[dev] = m
		}
	}
	return out
}

// TeamIDs returns the team ids in score order.
func (s *Session) TeamIDs() []string {
	out := make([]string, 0, len(s.Scores))
	for _, sc := range s.Scores {
		out = append(out, sc.TeamID)
	}
	return out
}
