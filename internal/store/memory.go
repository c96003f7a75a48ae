package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"automation-workflow-engine/internal/models"
)

// Memory is an in-process Store with the same claim and versioning
// semantics as the Postgres implementation. It backs unit tests and local
// development without external services.
type Memory struct {
	mu sync.Mutex

	automations map[string]models.Automation
	triggers    map[string]models.Trigger
	dedupe      map[string]dedupeEntry
	executions  map[string]models.Execution
	live        map[string]string // automationID|entityID → executionID
	schedules   map[string]models.ScheduleEntry
	approvals   map[string]models.ApprovalRequest
	audits      []models.AuditEvent
	seqByExec   map[string]int64
}

type dedupeEntry struct {
	triggerID string
	expiresAt time.Time
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		automations: make(map[string]models.Automation),
		triggers:    make(map[string]models.Trigger),
		dedupe:      make(map[string]dedupeEntry),
		executions:  make(map[string]models.Execution),
		live:        make(map[string]string),
		schedules:   make(map[string]models.ScheduleEntry),
		approvals:   make(map[string]models.ApprovalRequest),
		seqByExec:   make(map[string]int64),
	}
}

func liveKey(automationID, entityID string) string {
	return automationID + "|" + entityID
}

func (m *Memory) CreateAutomation(_ context.Context, a *models.Automation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.automations[a.ID] = *a
	return nil
}

func (m *Memory) GetAutomation(_ context.Context, id string) (models.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.automations[id]
	if !ok {
		return models.Automation{}, ErrNotFound
	}
	return a, nil
}

func (m *Memory) ListAutomations(_ context.Context) ([]models.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Automation, 0, len(m.automations))
	for _, a := range m.automations {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListAutomationsByTrigger(_ context.Context, kind models.TriggerKind) ([]models.Automation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Automation
	for _, a := range m.automations {
		if a.TriggerKind == kind && a.Status != models.AutomationDraft {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SetAutomationStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.automations[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	m.automations[id] = a
	return nil
}

func (m *Memory) BumpAutomationStats(_ context.Context, id string, success bool, executionMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.automations[id]
	if !ok {
		return ErrNotFound
	}
	a.ExecutionCount++
	if success {
		a.SuccessCount++
	}
	a.TotalExecutionMs += executionMs
	m.automations[id] = a
	return nil
}

func (m *Memory) InsertTrigger(_ context.Context, t *models.Trigger, dedupeTTL time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if e, ok := m.dedupe[t.DedupeKey]; ok && e.expiresAt.After(now) {
		return false, nil
	}
	m.dedupe[t.DedupeKey] = dedupeEntry{triggerID: t.ID, expiresAt: now.Add(dedupeTTL)}
	m.triggers[t.ID] = *t
	return true, nil
}

func (m *Memory) GetTrigger(_ context.Context, id string) (models.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return models.Trigger{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) ListTriggers(_ context.Context, automationID string) ([]models.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Trigger
	for _, t := range m.triggers {
		if automationID == "" || t.AutomationID == automationID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SetTriggerStatus(_ context.Context, id, status string, firedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	if firedAt != nil {
		t.FiredAt = firedAt
	}
	m.triggers[id] = t
	return nil
}

func (m *Memory) ReleaseTriggerDedupe(_ context.Context, dedupeKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dedupe, dedupeKey)
	return nil
}

func (m *Memory) CreateExecution(_ context.Context, e *models.Execution, allowReEntry bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !allowReEntry {
		key := liveKey(e.AutomationID, e.EntityID)
		if held, ok := m.live[key]; ok {
			if cur, exists := m.executions[held]; exists && !models.ExecutionIsTerminal(cur.Status) {
				return ErrConflict
			}
		}
		m.live[key] = e.ID
	}
	m.executions[e.ID] = *e
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return models.Execution{}, ErrNotFound
	}
	e.StepResults = append([]models.StepResult(nil), e.StepResults...)
	return e, nil
}

func (m *Memory) ListExecutions(_ context.Context, f ExecutionFilter) ([]models.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Execution
	for _, e := range m.executions {
		if f.AutomationID != "" && e.AutomationID != f.AutomationID {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) SaveExecution(_ context.Context, e *models.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.executions[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != e.Version {
		return ErrConflict
	}
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	m.executions[e.ID] = *e
	if models.ExecutionIsTerminal(e.Status) {
		key := liveKey(e.AutomationID, e.EntityID)
		if m.live[key] == e.ID {
			delete(m.live, key)
		}
	}
	return nil
}

func (m *Memory) CreateScheduleEntry(_ context.Context, s *models.ScheduleEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = *s
	return nil
}

func (m *Memory) GetScheduleEntry(_ context.Context, id string) (models.ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return models.ScheduleEntry{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ClaimDueScheduleEntries(_ context.Context, now time.Time, claimedBy string, leaseFor time.Duration, limit int) ([]models.ScheduleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.ScheduleEntry
	for _, s := range m.schedules {
		if s.Status == models.SchedulePending && !s.ScheduledFor.After(now) {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	claimedAt := now
	lease := now.Add(leaseFor)
	for i := range due {
		due[i].Status = models.ScheduleClaimed
		due[i].ClaimedBy = claimedBy
		due[i].ClaimedAt = &claimedAt
		due[i].LeaseExpiresAt = &lease
		m.schedules[due[i].ID] = due[i]
	}
	return due, nil
}

func (m *Memory) MarkScheduleEntryExecuted(_ context.Context, id, claimedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status != models.ScheduleClaimed || s.ClaimedBy != claimedBy {
		return ErrConflict
	}
	s.Status = models.ScheduleExecuted
	m.schedules[id] = s
	return nil
}

func (m *Memory) ReclaimExpiredLeases(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.schedules {
		if s.Status == models.ScheduleClaimed && s.LeaseExpiresAt != nil && s.LeaseExpiresAt.Before(now) {
			s.Status = models.SchedulePending
			s.ClaimedBy = ""
			s.ClaimedAt = nil
			s.LeaseExpiresAt = nil
			m.schedules[id] = s
			n++
		}
	}
	return n, nil
}

func (m *Memory) CancelScheduleEntries(_ context.Context, executionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.schedules {
		if s.ExecutionID == executionID && (s.Status == models.SchedulePending || s.Status == models.ScheduleClaimed) {
			s.Status = models.ScheduleCancelled
			m.schedules[id] = s
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateApprovalRequest(_ context.Context, r *models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[r.ID] = *r
	return nil
}

func (m *Memory) GetApprovalRequest(_ context.Context, id string) (models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.approvals[id]
	if !ok {
		return models.ApprovalRequest{}, ErrNotFound
	}
	r.Approvals = append([]string(nil), r.Approvals...)
	return r, nil
}

func (m *Memory) GetApprovalByStep(_ context.Context, executionID string, stepIndex int) (models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.ApprovalRequest
	for _, r := range m.approvals {
		if r.ExecutionID == executionID && r.StepIndex == stepIndex {
			if found == nil || r.CreatedAt.After(found.CreatedAt) {
				cp := r
				found = &cp
			}
		}
	}
	if found == nil {
		return models.ApprovalRequest{}, ErrNotFound
	}
	return *found, nil
}

func (m *Memory) ListApprovalRequests(_ context.Context, status string) ([]models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ApprovalRequest
	for _, r := range m.approvals {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AddApproval(_ context.Context, id, approverID string) (models.ApprovalRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.approvals[id]
	if !ok {
		return models.ApprovalRequest{}, false, ErrNotFound
	}
	if r.Status != models.ApprovalPending {
		return r, false, nil
	}
	for _, a := range r.Approvals {
		if strings.EqualFold(a, approverID) {
			return r, false, nil
		}
	}
	r.Approvals = append(r.Approvals, approverID)
	m.approvals[id] = r
	return r, true, nil
}

func (m *Memory) ResolveApproval(_ context.Context, id, status string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.approvals[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.ApprovalPending {
		return false, nil
	}
	r.Status = status
	r.ResolvedAt = &at
	m.approvals[id] = r
	return true, nil
}

func (m *Memory) ListExpiredPending(_ context.Context, now time.Time) ([]models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ApprovalRequest
	for _, r := range m.approvals {
		if r.Status == models.ApprovalPending && r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CancelApprovalRequests(_ context.Context, executionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for id, r := range m.approvals {
		if r.ExecutionID == executionID && r.Status == models.ApprovalPending {
			r.Status = models.ApprovalCancelled
			r.ResolvedAt = &now
			m.approvals[id] = r
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendAuditEvent(_ context.Context, e *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ExecutionID != "" {
		m.seqByExec[e.ExecutionID]++
		e.Seq = m.seqByExec[e.ExecutionID]
	}
	m.audits = append(m.audits, *e)
	return nil
}

func (m *Memory) QueryAuditEvents(_ context.Context, f AuditFilter) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range m.audits {
		if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && e.ResourceID != f.ResourceID {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) ListExpiredAuditEvents(_ context.Context, now time.Time, limit int) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEvent
	for _, e := range m.audits {
		if e.RetentionDays > 0 && e.Timestamp.AddDate(0, 0, e.RetentionDays).Before(now) {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) DeleteAuditEvents(_ context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.audits[:0]
	n := 0
	for _, e := range m.audits {
		if drop[e.ID] {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.audits = kept
	return n, nil
}
