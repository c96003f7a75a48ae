package condition

import (
	"context"
	"errors"
	"testing"

	"automation-workflow-engine/internal/models"
)

type staticProvider map[string]map[string]any

func (p staticProvider) Get(_ context.Context, entityID string) (map[string]any, error) {
	state, ok := p[entityID]
	if !ok {
		return nil, errors.New("entity not found")
	}
	return state, nil
}

func TestApplyOperators(t *testing.T) {
	state := map[string]any{
		"plan":    "pro",
		"email":   "user@example.com",
		"opens":   float64(12),
		"credits": 3,
	}
	cases := []struct {
		name string
		cond models.Condition
		want bool
	}{
		{"equals string", models.Condition{Field: "plan", Operator: "equals", Value: "pro"}, true},
		{"equals mismatch", models.Condition{Field: "plan", Operator: "equals", Value: "free"}, false},
		{"equals numeric cross-type", models.Condition{Field: "opens", Operator: "equals", Value: 12}, true},
		{"not_equals", models.Condition{Field: "plan", Operator: "not_equals", Value: "free"}, true},
		{"contains", models.Condition{Field: "email", Operator: "contains", Value: "@example."}, true},
		{"contains miss", models.Condition{Field: "email", Operator: "contains", Value: "@other."}, false},
		{"contains non-string", models.Condition{Field: "opens", Operator: "contains", Value: "1"}, false},
		{"greater_than", models.Condition{Field: "opens", Operator: "greater_than", Value: 10}, true},
		{"greater_than equal", models.Condition{Field: "opens", Operator: "greater_than", Value: 12}, false},
		{"less_than", models.Condition{Field: "credits", Operator: "less_than", Value: 5}, true},
		{"missing field equals", models.Condition{Field: "nope", Operator: "equals", Value: "x"}, false},
		{"missing field greater_than", models.Condition{Field: "nope", Operator: "greater_than", Value: 1}, false},
	}
	for _, tc := range cases {
		got, err := Apply(tc.cond, state)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestApplyUnknownOperator(t *testing.T) {
	_, err := Apply(models.Condition{Field: "x", Operator: "matches"}, map[string]any{"x": 1})
	if err == nil {
		t.Fatal("expected error for unknown operator")
	}
}

func TestEvaluateLoadsEntityState(t *testing.T) {
	e := NewEvaluator(staticProvider{"sub-1": {"plan": "pro"}})
	ok, err := e.Evaluate(context.Background(), "sub-1", models.Condition{Field: "plan", Operator: "equals", Value: "pro"})
	if err != nil || !ok {
		t.Fatalf("got ok=%v err=%v", ok, err)
	}
	if _, err := e.Evaluate(context.Background(), "missing", models.Condition{Field: "plan", Operator: "equals", Value: "pro"}); err == nil {
		t.Fatal("expected provider error to surface")
	}
}

func TestEvaluateAllPayloadOverridesEntityState(t *testing.T) {
	e := NewEvaluator(staticProvider{"sub-1": {"campaign": "old"}})
	conditions := []models.Condition{{Field: "campaign", Operator: "equals", Value: "spring"}}

	ok, err := e.EvaluateAll(context.Background(), "sub-1", conditions, map[string]any{"campaign": "spring"})
	if err != nil || !ok {
		t.Fatalf("payload value should win: ok=%v err=%v", ok, err)
	}
	ok, err = e.EvaluateAll(context.Background(), "sub-1", conditions, nil)
	if err != nil || ok {
		t.Fatalf("entity value should miss: ok=%v err=%v", ok, err)
	}
}

func TestEvaluateAllEmptyConditionsMatch(t *testing.T) {
	e := NewEvaluator(nil)
	ok, err := e.EvaluateAll(context.Background(), "any", nil, nil)
	if err != nil || !ok {
		t.Fatalf("no conditions should always match: ok=%v err=%v", ok, err)
	}
}
