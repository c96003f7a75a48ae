package models

import (
	"fmt"
	"time"
)

// AutomationStatus enumerates definition lifecycle states.
const (
	AutomationDraft  = "draft"
	AutomationActive = "active"
	AutomationPaused = "paused"
)

// TriggerKind identifies the domain event class an automation listens for.
type TriggerKind string

const (
	TriggerSegmentJoined     TriggerKind = "segment.joined"
	TriggerSegmentLeft       TriggerKind = "segment.left"
	TriggerSubscriberCreated TriggerKind = "subscriber.created"
	TriggerEmailOpened       TriggerKind = "email.opened"
	TriggerEmailClicked      TriggerKind = "email.clicked"
	TriggerEventCustom       TriggerKind = "event.custom"
)

// StepKind is the closed set of workflow step types.
type StepKind string

const (
	StepAction    StepKind = "action"
	StepDelay     StepKind = "delay"
	StepCondition StepKind = "condition"
	StepTerminal  StepKind = "terminal"
)

// ImpactLevel classifies the risk of an action step.
type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

// Rank orders impact levels so gating thresholds can compare them.
func (l ImpactLevel) Rank() int {
	switch l {
	case ImpactMedium:
		return 1
	case ImpactHigh:
		return 2
	case ImpactCritical:
		return 3
	default:
		return 0
	}
}

// Condition is a single field/operator/value predicate evaluated against
// entity state or an event payload.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Step is one node of a workflow. The step graph is data: it is validated
// when the automation is saved so the engine never sees a malformed graph.
type Step struct {
	Index        int            `json:"index"`
	Kind         StepKind       `json:"kind"`
	ActionKind   string         `json:"action_kind,omitempty"`
	Impact       ImpactLevel    `json:"impact,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	DelaySeconds int64          `json:"delay_seconds,omitempty"`
	Condition    *Condition     `json:"condition,omitempty"`
	OnNext       *int           `json:"on_next,omitempty"`
	OnTrue       *int           `json:"on_true,omitempty"`
	OnFalse      *int           `json:"on_false,omitempty"`
}

// Automation is a stored workflow definition.
type Automation struct {
	ID                      string      `json:"id"`
	Name                    string      `json:"name"`
	TriggerKind             TriggerKind `json:"trigger_kind"`
	TriggerConditions       []Condition `json:"trigger_conditions,omitempty"`
	Steps                   []Step      `json:"steps"`
	Status                  string      `json:"status"`
	SegmentID               string      `json:"segment_id,omitempty"`
	AllowReEntry            bool        `json:"allow_re_entry"`
	ResumeOnApprovalTimeout bool        `json:"resume_on_approval_timeout"`
	ExecutionCount          int64       `json:"execution_count"`
	SuccessCount            int64       `json:"success_count"`
	TotalExecutionMs        int64       `json:"total_execution_ms"`
	CreatedAt               time.Time   `json:"created_at"`
	UpdatedAt               time.Time   `json:"updated_at"`
}

// SuccessRate returns the completed/total ratio in percent.
func (a Automation) SuccessRate() float64 {
	if a.ExecutionCount == 0 {
		return 0
	}
	return float64(a.SuccessCount) / float64(a.ExecutionCount) * 100
}

// AvgExecutionMs returns the incremental mean execution time.
func (a Automation) AvgExecutionMs() int64 {
	if a.ExecutionCount == 0 {
		return 0
	}
	return a.TotalExecutionMs / a.ExecutionCount
}

// ValidateSteps checks a step graph before it is persisted. Branch targets
// must stay in range and point strictly forward, so executions can never
// loop and the step index only ever advances.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("workflow must have at least one step")
	}
	hasTerminal := false
	for i, s := range steps {
		if s.Index != i {
			return fmt.Errorf("step %d: index %d out of order", i, s.Index)
		}
		checkTarget := func(name string, target *int) error {
			if target == nil {
				return nil
			}
			if *target <= i || *target >= len(steps) {
				return fmt.Errorf("step %d: %s target %d must point forward within the graph", i, name, *target)
			}
			return nil
		}
		switch s.Kind {
		case StepAction:
			if s.ActionKind == "" {
				return fmt.Errorf("step %d: action requires action_kind", i)
			}
			if err := checkTarget("on_next", s.OnNext); err != nil {
				return err
			}
		case StepDelay:
			if s.DelaySeconds <= 0 {
				return fmt.Errorf("step %d: delay requires a positive duration", i)
			}
			if err := checkTarget("on_next", s.OnNext); err != nil {
				return err
			}
		case StepCondition:
			if s.Condition == nil {
				return fmt.Errorf("step %d: condition step requires a condition", i)
			}
			if s.OnTrue == nil || s.OnFalse == nil {
				return fmt.Errorf("step %d: condition step requires on_true and on_false targets", i)
			}
			if err := checkTarget("on_true", s.OnTrue); err != nil {
				return err
			}
			if err := checkTarget("on_false", s.OnFalse); err != nil {
				return err
			}
		case StepTerminal:
			hasTerminal = true
		default:
			return fmt.Errorf("step %d: unknown kind %q", i, s.Kind)
		}
		if i == len(steps)-1 && s.Kind != StepTerminal {
			return fmt.Errorf("last step must be terminal, got %q", s.Kind)
		}
	}
	if !hasTerminal {
		return fmt.Errorf("workflow must contain a terminal step")
	}
	return nil
}

// NextIndex resolves the default successor of a step.
func (s Step) NextIndex() int {
	if s.OnNext != nil {
		return *s.OnNext
	}
	return s.Index + 1
}
