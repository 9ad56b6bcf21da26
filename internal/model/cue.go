package model

// ConditionOp is a comparison operator usable in cue conditions.
type ConditionOp string

const (
	OpEq  ConditionOp = "eq"
	OpNeq ConditionOp = "neq"
	OpGt  ConditionOp = "gt"
	OpGte ConditionOp = "gte"
	OpLt  ConditionOp = "lt"
	OpLte ConditionOp = "lte"
	OpIn  ConditionOp = "in"
)

// Condition is one field comparison; a cue fires only when all its
// conditions match (implicit AND).
type Condition struct {
	Field string      `json:"field"`
	Op    ConditionOp `json:"op"`
	Value any         `json:"value"`
}

// CueTrigger arms a standing cue on a game event or a clock offset.
type CueTrigger struct {
	Event string `json:"event,omitempty"`
	Clock string `json:"clock,omitempty"` // "HH:MM:SS" from game start
}

// CueCommand is one dispatched action of a simple cue.
type CueCommand struct {
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

// TimelineEntry is one scheduled action of a compound cue.
type TimelineEntry struct {
	At      float64        `json:"at"` // seconds from cue start
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

// CueDefinition is a declarative rule loaded at startup. Exactly one of
// Commands or Timeline must be set.
type CueDefinition struct {
	ID         string            `json:"id"`
	Label      string            `json:"label,omitempty"`
	Icon       string            `json:"icon,omitempty"`
	QuickFire  bool              `json:"quickFire,omitempty"`
	Once       bool              `json:"once,omitempty"`
	Trigger    *CueTrigger       `json:"trigger,omitempty"`
	Conditions []Condition       `json:"conditions,omitempty"`
	Commands   []CueCommand      `json:"commands,omitempty"`
	Timeline   []TimelineEntry   `json:"timeline,omitempty"`
	Routing    map[string]string `json:"routing,omitempty"` // streamType -> target
}

// IsCompound reports whether the cue is timeline-driven.
func (c CueDefinition) IsCompound() bool {
	return len(c.Timeline) > 0
}

// IsStanding reports whether the cue is armed for automatic firing.
func (c CueDefinition) IsStanding() bool {
	return c.Trigger != nil && (c.Trigger.Event != "" || c.Trigger.Clock != "")
}
