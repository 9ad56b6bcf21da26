package model

import "time"

// Envelope is the only shape that crosses the transport boundary. Domain
// events inside the process are the unwrapped Data object.
type Envelope struct {
	Event     string    `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope wraps a domain payload for transport.
func NewEnvelope(event string, data any) Envelope {
	return Envelope{Event: event, Data: data, Timestamp: time.Now().UTC()}
}
