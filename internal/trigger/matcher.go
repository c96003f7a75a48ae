package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"automation-workflow-engine/internal/audit"
	"automation-workflow-engine/internal/condition"
	"automation-workflow-engine/internal/engine"
	"automation-workflow-engine/internal/models"
	"automation-workflow-engine/internal/store"
	"automation-workflow-engine/internal/telemetry"
)

// SegmentMembership exposes segment membership from the profile service. The
// real provider lives outside this engine.
type SegmentMembership interface {
	ListMembers(ctx context.Context, segmentID string) ([]string, error)
	IsMember(ctx context.Context, entityID, segmentID string) (bool, error)
}

// Matcher turns raw domain events into trigger firings. Matching is
// idempotent within the dedupe window: the same logical firing produces at
// most one trigger row no matter how often the event is redelivered.
type Matcher struct {
	store     store.Store
	engine    *engine.Engine
	evaluator *condition.Evaluator
	segments  SegmentMembership
	audit     *audit.Log
	dedupeTTL time.Duration
	log       *logrus.Entry
	now       func() time.Time
}

func NewMatcher(st store.Store, eng *engine.Engine, evaluator *condition.Evaluator, segments SegmentMembership, auditLog *audit.Log, dedupeTTL time.Duration) *Matcher {
	if dedupeTTL <= 0 {
		dedupeTTL = time.Hour
	}
	return &Matcher{
		store:     st,
		engine:    eng,
		evaluator: evaluator,
		segments:  segments,
		audit:     auditLog,
		dedupeTTL: dedupeTTL,
		log:       logrus.WithField("component", "trigger_matcher"),
		now:       time.Now,
	}
}

// SetNow overrides the clock, used by tests.
func (m *Matcher) SetNow(now func() time.Time) { m.now = now }

// Ingest matches one event against every listening automation and starts an
// execution per match. Returns the triggers it recorded. A failure against
// one automation never blocks matching against the rest.
func (m *Matcher) Ingest(ctx context.Context, ev models.Event) ([]models.Trigger, error) {
	if ev.EntityID == "" {
		return nil, fmt.Errorf("event requires entity_id")
	}
	automations, err := m.store.ListAutomationsByTrigger(ctx, ev.Type)
	if err != nil {
		return nil, fmt.Errorf("list automations for trigger %s: %w", ev.Type, err)
	}
	var triggers []models.Trigger
	for _, a := range automations {
		t, err := m.matchOne(ctx, a, ev)
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"automation_id": a.ID,
				"entity_id":     ev.EntityID,
			}).Error("trigger match failed")
			continue
		}
		if t != nil {
			triggers = append(triggers, *t)
		}
	}
	return triggers, nil
}

// RegisterExisting fires an automation for every entity already in its
// segment, used when an automation is activated over a populated segment.
func (m *Matcher) RegisterExisting(ctx context.Context, automationID string) ([]models.Trigger, error) {
	a, err := m.store.GetAutomation(ctx, automationID)
	if err != nil {
		return nil, err
	}
	if a.SegmentID == "" {
		return nil, fmt.Errorf("automation %s has no segment", automationID)
	}
	if m.segments == nil {
		return nil, fmt.Errorf("no segment membership provider configured")
	}
	members, err := m.segments.ListMembers(ctx, a.SegmentID)
	if err != nil {
		return nil, fmt.Errorf("list segment members: %w", err)
	}
	var triggers []models.Trigger
	for _, entityID := range members {
		ev := models.Event{
			Type:       a.TriggerKind,
			EntityID:   entityID,
			Payload:    map[string]any{"segment_id": a.SegmentID, "registered_existing": true},
			OccurredAt: m.now().UTC(),
		}
		t, err := m.matchOne(ctx, a, ev)
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"automation_id": a.ID,
				"entity_id":     entityID,
			}).Error("register existing member failed")
			continue
		}
		if t != nil {
			triggers = append(triggers, *t)
		}
	}
	return triggers, nil
}

// inSegment checks the automation's segment filter against the entity. A
// segment_id already on the event payload (segment.joined, RegisterExisting)
// short-circuits the membership lookup.
func (m *Matcher) inSegment(ctx context.Context, segmentID string, ev models.Event) (bool, error) {
	if seg, _ := ev.Payload["segment_id"].(string); seg == segmentID {
		return true, nil
	}
	if m.segments == nil {
		return false, nil
	}
	return m.segments.IsMember(ctx, ev.EntityID, segmentID)
}

// matchOne returns the trigger it recorded, or nil when the event did not
// produce one (filtered, deduped, or the automation is not listening).
func (m *Matcher) matchOne(ctx context.Context, a models.Automation, ev models.Event) (*models.Trigger, error) {
	if a.SegmentID != "" {
		in, err := m.inSegment(ctx, a.SegmentID, ev)
		if err != nil {
			return nil, fmt.Errorf("check segment membership: %w", err)
		}
		if !in {
			return nil, nil
		}
	}
	ok, err := m.evaluator.EvaluateAll(ctx, ev.EntityID, a.TriggerConditions, ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("evaluate trigger conditions: %w", err)
	}
	if !ok {
		return nil, nil
	}

	now := m.now().UTC()
	t := models.Trigger{
		ID:           uuid.New().String(),
		AutomationID: a.ID,
		EntityID:     ev.EntityID,
		Kind:         ev.Type,
		Payload:      ev.Payload,
		Status:       models.TriggerPending,
		DedupeKey:    models.TriggerDedupeKey(a.ID, ev.EntityID, ev.Type, ev.Payload),
		CreatedAt:    now,
	}

	// Paused automations record the firing so operators can see what was
	// skipped, but never start an execution.
	if a.Status == models.AutomationPaused {
		t.Status = models.TriggerCancelled
		created, err := m.store.InsertTrigger(ctx, &t, m.dedupeTTL)
		if err != nil {
			return nil, fmt.Errorf("insert trigger: %w", err)
		}
		if !created {
			return nil, nil
		}
		m.audit.Record(ctx, models.AuditEvent{
			EventType:    "trigger.skipped",
			ResourceType: "trigger",
			ResourceID:   t.ID,
			Outcome:      models.AuditSuccess,
			Payload:      map[string]any{"automation_id": a.ID, "entity_id": ev.EntityID, "reason": "automation_paused"},
		})
		return &t, nil
	}
	if a.Status != models.AutomationActive {
		return nil, nil
	}

	created, err := m.store.InsertTrigger(ctx, &t, m.dedupeTTL)
	if err != nil {
		return nil, fmt.Errorf("insert trigger: %w", err)
	}
	if !created {
		telemetry.TriggersDeduped.Inc()
		m.audit.Record(ctx, models.AuditEvent{
			EventType:    "trigger.deduped",
			ResourceType: "trigger",
			ResourceID:   t.DedupeKey,
			Outcome:      models.AuditSuccess,
			Payload:      map[string]any{"automation_id": a.ID, "entity_id": ev.EntityID, "kind": string(ev.Type)},
		})
		return nil, nil
	}
	telemetry.TriggersMatched.Inc()
	m.audit.Record(ctx, models.AuditEvent{
		EventType:    "trigger.matched",
		ResourceType: "trigger",
		ResourceID:   t.ID,
		Outcome:      models.AuditSuccess,
		Payload:      map[string]any{"automation_id": a.ID, "entity_id": ev.EntityID, "kind": string(ev.Type)},
	})

	if _, err := m.engine.Start(ctx, a, t); err != nil {
		if errors.Is(err, engine.ErrReEntry) {
			t.Status = models.TriggerCancelled
			if serr := m.store.SetTriggerStatus(ctx, t.ID, models.TriggerCancelled, nil); serr != nil {
				m.log.WithError(serr).WithField("trigger_id", t.ID).Warn("cancel re-entry trigger failed")
			}
			return &t, nil
		}
		// Transient start failure: give back the dedupe key and cancel the
		// trigger so a redelivered event can fire within the window.
		if derr := m.store.ReleaseTriggerDedupe(ctx, t.DedupeKey); derr != nil {
			m.log.WithError(derr).WithField("trigger_id", t.ID).Warn("release dedupe key failed")
		}
		if serr := m.store.SetTriggerStatus(ctx, t.ID, models.TriggerCancelled, nil); serr != nil {
			m.log.WithError(serr).WithField("trigger_id", t.ID).Warn("cancel unstarted trigger failed")
		}
		return nil, fmt.Errorf("start execution: %w", err)
	}
	t.Status = models.TriggerFired
	return &t, nil
}
