package cue

import (
	"encoding/json"
	"fmt"

	"github.com/alnlabs/aln-orchestrator/internal/model"
)

// normalizeContext flattens a domain payload into the field map conditions
// evaluate against. transaction:accepted gets the dedicated flat shape;
// unknown events pass through their JSON fields unchanged.
func (e *Engine) normalizeContext(topic string, payload any) map[string]any {
	if ev, ok := payload.(model.TransactionAcceptedEvent); ok {
		ctx := map[string]any{
			"tokenId":       ev.Transaction.TokenID,
			"teamId":        ev.Transaction.TeamID,
			"deviceType":    string(ev.Transaction.DeviceType),
			"points":        ev.Transaction.Points,
			"hasGroupBonus": ev.GroupBonus != nil,
		}
		if token, found := e.catalog.Get(ev.Transaction.TokenID); found {
			ctx["memoryType"] = token.MemoryType
			ctx["valueRating"] = token.ValueRating
			ctx["groupId"] = token.GroupID
		}
		if ev.TeamScore != nil {
			ctx["teamScore"] = ev.TeamScore.CurrentScore
		}
		return ctx
	}
	return genericContext(payload)
}

func genericContext(payload any) map[string]any {
	if m, ok := payload.(map[string]any); ok {
		return m
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(buf, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// conditionsMatch evaluates the implicit AND over a cue's conditions.
func (e *Engine) conditionsMatch(conds []model.Condition, ctx map[string]any) bool {
	for _, c := range conds {
		if !e.conditionMatches(c, ctx) {
			return false
		}
	}
	return true
}

func (e *Engine) conditionMatches(c model.Condition, ctx map[string]any) bool {
	actual, present := ctx[c.Field]
	switch c.Op {
	case model.OpEq:
		return present && looseEqual(actual, c.Value)
	case model.OpNeq:
		return !present || !looseEqual(actual, c.Value)
	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		a, aok := toFloat(actual)
		b, bok := toFloat(c.Value)
		if !present || !aok || !bok {
			return false
		}
		switch c.Op {
		case model.OpGt:
			return a > b
		case model.OpGte:
			return a >= b
		case model.OpLt:
			return a < b
		default:
			return a <= b
		}
	case model.OpIn:
		list, ok := c.Value.([]any)
		if !ok || !present {
			return false
		}
		for _, v := range list {
			if looseEqual(actual, v) {
				return true
			}
		}
		return false
	default:
		e.logger.Warn().
			Str("op", string(c.Op)).
			Str("field", c.Field).
			Msg("unknown condition operator; condition treated as false")
		return false
	}
}

// looseEqual compares across JSON's number/string typing seams.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
