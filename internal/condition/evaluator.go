package condition

import (
	"context"
	"fmt"
	"strings"

	"automation-workflow-engine/internal/models"
)

// EntityStateProvider is the read-only view of entity state the evaluator
// branches on. The real provider lives outside this engine.
type EntityStateProvider interface {
	Get(ctx context.Context, entityID string) (map[string]any, error)
}

// Evaluator evaluates branch predicates against entity state.
type Evaluator struct {
	entities EntityStateProvider
}

func NewEvaluator(entities EntityStateProvider) *Evaluator {
	return &Evaluator{entities: entities}
}

// Evaluate resolves the entity state and applies the condition.
func (e *Evaluator) Evaluate(ctx context.Context, entityID string, c models.Condition) (bool, error) {
	var state map[string]any
	if e.entities != nil {
		s, err := e.entities.Get(ctx, entityID)
		if err != nil {
			return false, fmt.Errorf("load entity state: %w", err)
		}
		state = s
	}
	return Apply(c, state)
}

// EvaluateAll applies every condition against entity state overlaid with
// extra values (typically an event payload, which takes precedence). All
// conditions must hold.
func (e *Evaluator) EvaluateAll(ctx context.Context, entityID string, conditions []models.Condition, extra map[string]any) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}
	var state map[string]any
	if e.entities != nil {
		s, err := e.entities.Get(ctx, entityID)
		if err != nil {
			return false, fmt.Errorf("load entity state: %w", err)
		}
		state = s
	}
	for _, c := range conditions {
		value, ok := extra[c.Field]
		if !ok {
			value = state[c.Field]
		}
		match, err := apply(c, value)
		if err != nil {
			return false, err
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

// Apply evaluates a single condition against a state map.
func Apply(c models.Condition, state map[string]any) (bool, error) {
	return apply(c, state[c.Field])
}

func apply(c models.Condition, value any) (bool, error) {
	switch c.Operator {
	case "equals":
		return looseEqual(value, c.Value), nil
	case "not_equals":
		return !looseEqual(value, c.Value), nil
	case "contains":
		s, ok := value.(string)
		sub, ok2 := c.Value.(string)
		return ok && ok2 && strings.Contains(s, sub), nil
	case "greater_than":
		a, aok := asFloat(value)
		b, bok := asFloat(c.Value)
		return aok && bok && a > b, nil
	case "less_than":
		a, aok := asFloat(value)
		b, bok := asFloat(c.Value)
		return aok && bok && a < b, nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

// looseEqual compares across the numeric types JSON decoding produces.
func looseEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok2 := asFloat(b); ok2 {
			return af == bf
		}
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
