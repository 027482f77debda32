// Package escalation mediates human-approval gates. A suspended mission
// branch parks on the channel Request returns until Resolve picks a target.
package escalation

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"foreman/internal/domain"
)

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Resolution is delivered exactly once to the branch waiting on an
// escalation.
type Resolution struct {
	Escalation domain.Escalation
	Target     domain.EscalationTarget
	RedirectTo string // routing key the branch retries on; empty keeps the original target
}

// Options configures the manager: the selectable targets, where each target
// re-points a suspended task, and the optional decision deadline.
type Options struct {
	Targets         []domain.EscalationTarget
	Redirects       map[string]string // target key -> routing key
	DecisionTimeout time.Duration     // 0 waits indefinitely
	TimeoutTarget   string            // auto-chosen when the deadline passes
}

type waiter struct {
	ch    chan Resolution
	timer *time.Timer
}

// Manager holds escalations in memory for the life of the process. Nothing
// here survives a restart; durable state belongs to the snapshot store.
type Manager struct {
	mu      sync.Mutex
	all     map[string]*domain.Escalation
	order   []string
	waiters map[string]*waiter

	opts   Options
	events domain.EventBus
	logger *slog.Logger
}

// NewManager creates a Manager with the configured target table.
func NewManager(opts Options, events domain.EventBus, logger *slog.Logger) *Manager {
	return &Manager{
		all:     make(map[string]*domain.Escalation),
		waiters: make(map[string]*waiter),
		opts:    opts,
		events:  events,
		logger:  logger,
	}
}

// Request creates a pending escalation and returns it together with the
// channel the suspended branch waits on. The channel receives exactly one
// Resolution. When a decision timeout and timeout target are configured, the
// escalation auto-resolves to that target after the deadline.
func (m *Manager) Request(missionID, taskID, reason, findings string) (*domain.Escalation, <-chan Resolution, error) {
	now := time.Now()
	esc := &domain.Escalation{
		ID:            generateULID(now),
		MissionID:     missionID,
		TaskID:        taskID,
		Reason:        reason,
		FindingsSoFar: findings,
		Targets:       append([]domain.EscalationTarget(nil), m.opts.Targets...),
		Status:        domain.EscalationPending,
		CreatedAt:     now,
	}
	w := &waiter{ch: make(chan Resolution, 1)}

	m.mu.Lock()
	m.all[esc.ID] = esc
	m.order = append(m.order, esc.ID)
	m.waiters[esc.ID] = w
	m.mu.Unlock()

	if m.opts.DecisionTimeout > 0 && m.opts.TimeoutTarget != "" {
		id := esc.ID
		w.timer = time.AfterFunc(m.opts.DecisionTimeout, func() {
			if _, err := m.Resolve(id, m.opts.TimeoutTarget); err == nil {
				m.logger.Warn("escalation decision timed out, auto-resolved",
					"escalation_id", id, "target", m.opts.TimeoutTarget)
			}
		})
	}

	m.logger.Info("escalation raised",
		"escalation_id", esc.ID,
		"mission_id", missionID,
		"task_id", taskID,
		"reason", reason,
	)
	m.publish(domain.EventEscalationRaised, esc)

	return snapshotOf(esc), w.ch, nil
}

// Resolve marks the escalation resolved exactly once, records the chosen
// target, and signals the waiting branch. Unknown ids and already-resolved
// escalations are rejected without any state change; picking a target key
// that is not on the escalation is likewise rejected.
func (m *Manager) Resolve(escalationID, targetKey string) (*domain.Escalation, error) {
	m.mu.Lock()
	esc, ok := m.all[escalationID]
	if !ok {
		m.mu.Unlock()
		return nil, domain.NewDomainError("Manager.Resolve", domain.ErrEscalationNotFound, escalationID)
	}
	if esc.Status == domain.EscalationResolved {
		m.mu.Unlock()
		return nil, domain.NewDomainError("Manager.Resolve", domain.ErrAlreadyResolved, escalationID)
	}
	target := esc.Target(targetKey)
	if target == nil {
		m.mu.Unlock()
		return nil, domain.NewDomainError("Manager.Resolve", domain.ErrInvalidInput,
			"unknown target key "+targetKey)
	}

	esc.Status = domain.EscalationResolved
	esc.ChosenTarget = targetKey
	chosen := *target
	w := m.waiters[escalationID]
	delete(m.waiters, escalationID)
	snapshot := snapshotOf(esc)
	m.mu.Unlock()

	if w != nil {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.ch <- Resolution{
			Escalation: *snapshot,
			Target:     chosen,
			RedirectTo: m.opts.Redirects[targetKey],
		}
	}

	m.logger.Info("escalation resolved",
		"escalation_id", escalationID,
		"target", targetKey,
		"available", chosen.Available,
	)
	m.publish(domain.EventEscalationResolved, snapshot)

	return snapshot, nil
}

// Get returns a snapshot of the escalation with the given id.
func (m *Manager) Get(escalationID string) (*domain.Escalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	esc, ok := m.all[escalationID]
	if !ok {
		return nil, domain.NewDomainError("Manager.Get", domain.ErrEscalationNotFound, escalationID)
	}
	return snapshotOf(esc), nil
}

// List returns snapshots of every escalation in creation order.
func (m *Manager) List() []domain.Escalation {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Escalation, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *snapshotOf(m.all[id]))
	}
	return out
}

// Pending returns snapshots of unresolved escalations in creation order.
func (m *Manager) Pending() []domain.Escalation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Escalation
	for _, id := range m.order {
		if esc := m.all[id]; esc.Status == domain.EscalationPending {
			out = append(out, *snapshotOf(esc))
		}
	}
	return out
}

func snapshotOf(e *domain.Escalation) *domain.Escalation {
	cp := *e
	cp.Targets = append([]domain.EscalationTarget(nil), e.Targets...)
	return &cp
}

func (m *Manager) publish(eventType domain.EventType, esc *domain.Escalation) {
	if m.events == nil {
		return
	}
	payload, err := json.Marshal(esc)
	if err != nil {
		m.logger.Warn("failed to marshal escalation event", "error", err)
		return
	}
	m.events.Publish(context.Background(), domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		MissionID: esc.MissionID,
		Payload:   payload,
	})
}
