package cue

import "context"

// Command is one resolved action dispatched to the external show-control
// collaborators (video, lighting, audio, bluetooth).
type Command struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
	Source  string         `json:"source"`
	Trigger string         `json:"trigger"`
}

// Dispatcher executes commands against venue equipment. Implementations are
// external collaborators; errors degrade the cue, they never stop the engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) error
}

// NopDispatcher swallows every command. Default for tests and dry runs.
type NopDispatcher struct{}

func (NopDispatcher) Dispatch(context.Context, Command) error { return nil }
