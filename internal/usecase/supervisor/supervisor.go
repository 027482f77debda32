// Package supervisor runs missions as cancellable background tasks. Tasks
// are in-memory while live; finished ones are persisted as summaries and
// swept out after a retention window.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"foreman/internal/domain"
	"foreman/internal/usecase/mission"
)

// DefaultLogLimit is the number of progress entries Log returns when no
// limit is specified.
const DefaultLogLimit = 100

const persistTimeout = 5 * time.Second

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Store persists finished work. Persistence is best-effort: failures are
// logged and never surface to the mission.
type Store interface {
	SaveTask(ctx context.Context, task domain.BackgroundTask) error
	SaveMission(ctx context.Context, summary domain.MissionSummary) error
}

// Options configures the Supervisor.
type Options struct {
	MaxTasks        int           // max concurrently running tasks (default: 16)
	RetentionTTL    time.Duration // sweep finished tasks after this (default: 1h)
	CleanupInterval time.Duration // how often the sweep runs (default: 1m)
}

// taskEntry holds the runtime state for one background task.
type taskEntry struct {
	task    domain.BackgroundTask
	mission *domain.Mission
	cancel  context.CancelFunc
	done    chan struct{}
}

// Supervisor owns the lifecycle of background tasks: admission, progress
// capture, cancellation, persistence, and TTL cleanup.
type Supervisor struct {
	mu    sync.Mutex
	tasks map[string]*taskEntry
	order []string

	sched  *mission.Scheduler
	store  Store // nil disables persistence
	events domain.EventBus
	opts   Options
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSupervisor creates a Supervisor and starts the TTL cleanup goroutine.
func NewSupervisor(sched *mission.Scheduler, store Store, events domain.EventBus, opts Options, logger *slog.Logger) *Supervisor {
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = 16
	}
	if opts.RetentionTTL <= 0 {
		opts.RetentionTTL = time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}

	s := &Supervisor{
		tasks:  make(map[string]*taskEntry),
		sched:  sched,
		store:  store,
		events: events,
		opts:   opts,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Start validates the plan, builds its mission, and launches it in the
// background. The returned snapshot is immediately pollable. Invalid plans
// and graph cycles are rejected here, before any task exists.
func (s *Supervisor) Start(ctx context.Context, description string, plan domain.Plan) (*domain.BackgroundTask, error) {
	m, err := s.sched.Submit(ctx, description, plan)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	running := 0
	for _, e := range s.tasks {
		if e.task.Status == domain.BackgroundRunning {
			running++
		}
	}
	if running >= s.opts.MaxTasks {
		s.mu.Unlock()
		return nil, domain.NewSubSystemError("supervisor", "Supervisor.Start", domain.ErrLimitReached,
			fmt.Sprintf("%d/%d background tasks running", running, s.opts.MaxTasks))
	}

	now := time.Now()
	// Detached context: the task outlives the request that started it and
	// stops only through Cancel or Stop.
	runCtx, cancel := context.WithCancel(context.Background())
	entry := &taskEntry{
		task: domain.BackgroundTask{
			ID:          generateULID(now),
			Description: description,
			Status:      domain.BackgroundRunning,
			Plan:        plan,
			MissionID:   m.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		mission: m,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.tasks[entry.task.ID] = entry
	s.order = append(s.order, entry.task.ID)
	snapshot := cloneTask(entry.task)
	s.mu.Unlock()

	go s.runMission(runCtx, entry, m)

	s.publish(ctx, domain.EventBackgroundStarted, m.ID, map[string]any{
		"task_id": snapshot.ID, "description": description,
	})
	s.logger.Info("background task started",
		"task_id", snapshot.ID, "mission_id", m.ID, "tasks", len(m.Tasks))

	return &snapshot, nil
}

// Get returns a snapshot of the task with the given id.
func (s *Supervisor) Get(id string) (*domain.BackgroundTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[id]
	if !ok {
		return nil, domain.NewSubSystemError("supervisor", "Supervisor.Get", domain.ErrNotFound, id)
	}
	snapshot := cloneTask(entry.task)
	return &snapshot, nil
}

// List returns snapshots of all known tasks in creation order.
func (s *Supervisor) List() []domain.BackgroundTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.BackgroundTask, 0, len(s.order))
	for _, id := range s.order {
		if entry, ok := s.tasks[id]; ok {
			out = append(out, cloneTask(entry.task))
		}
	}
	return out
}

// Log returns progress entries with offset/limit pagination and reports
// whether more lines follow.
func (s *Supervisor) Log(id string, offset, limit int) ([]domain.ProgressEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[id]
	if !ok {
		return nil, false, domain.NewSubSystemError("supervisor", "Supervisor.Log", domain.ErrNotFound, id)
	}

	total := len(entry.task.ProgressLog)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	end := offset + limit
	if end > total {
		end = total
	}

	lines := append([]domain.ProgressEntry(nil), entry.task.ProgressLog[offset:end]...)
	return lines, end < total, nil
}

// Result returns the mission summary behind a finished task. While the task
// runs the scheduler owns the mission state, so callers poll Get instead.
func (s *Supervisor) Result(id string) (*domain.MissionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[id]
	if !ok {
		return nil, domain.NewSubSystemError("supervisor", "Supervisor.Result", domain.ErrNotFound, id)
	}
	// The mission loop must have exited before its state is safe to read.
	select {
	case <-entry.done:
	default:
		return nil, domain.NewSubSystemError("supervisor", "Supervisor.Result", domain.ErrInvalidInput, "task is still running")
	}
	summary := entry.mission.Snapshot()
	return &summary, nil
}

// Cancel stops a running task cooperatively: dispatched work finishes,
// nothing new starts. Blocks until the mission loop has wound down.
func (s *Supervisor) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	entry, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return domain.NewSubSystemError("supervisor", "Supervisor.Cancel", domain.ErrNotFound, id)
	}
	if entry.task.Status != domain.BackgroundRunning {
		s.mu.Unlock()
		return domain.NewSubSystemError("supervisor", "Supervisor.Cancel", domain.ErrInvalidInput, "task is not running")
	}
	// Status flips BEFORE the context is cancelled so the mission goroutine
	// knows not to overwrite it.
	entry.task.Status = domain.BackgroundCancelled
	entry.task.UpdatedAt = time.Now()
	s.mu.Unlock()

	entry.cancel()
	<-entry.done

	s.mu.Lock()
	entry.task.Result = summarizeMission(entry.mission)
	entry.task.UpdatedAt = time.Now()
	snapshot := cloneTask(entry.task)
	s.mu.Unlock()

	s.persist(snapshot, entry.mission)
	s.publish(ctx, domain.EventBackgroundCancelled, snapshot.MissionID, map[string]any{"task_id": id})
	s.logger.Info("background task cancelled", "task_id", id, "mission_id", snapshot.MissionID)
	return nil
}

// Clear removes all finished tasks and returns how many were dropped.
func (s *Supervisor) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.tasks {
		if entry.task.Status.Terminal() {
			s.remove(id)
			removed++
		}
	}
	return removed
}

// Stop shuts down the cleanup goroutine and cancels every running task.
func (s *Supervisor) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	s.mu.Lock()
	var running []*taskEntry
	now := time.Now()
	for _, e := range s.tasks {
		if e.task.Status == domain.BackgroundRunning {
			e.task.Status = domain.BackgroundCancelled
			e.task.UpdatedAt = now
			running = append(running, e)
		}
	}
	s.mu.Unlock()

	for _, e := range running {
		e.cancel()
		<-e.done

		s.mu.Lock()
		e.task.Result = summarizeMission(e.mission)
		snapshot := cloneTask(e.task)
		s.mu.Unlock()
		s.persist(snapshot, e.mission)
	}
	if len(running) > 0 {
		s.logger.Info("background tasks cancelled on shutdown", "count", len(running))
	}
}

// --- internal ---

func (s *Supervisor) runMission(ctx context.Context, entry *taskEntry, m *domain.Mission) {
	id := entry.task.ID
	narrate := func(message, step string) {
		s.appendProgress(id, message, step)
	}

	err := s.sched.Run(ctx, m, narrate)
	close(entry.done)

	s.mu.Lock()
	// Cancel and Stop settle the status themselves; only a naturally
	// finished run lands here with the task still running.
	finished := entry.task.Status == domain.BackgroundRunning
	if finished {
		switch {
		case err != nil:
			entry.task.Status = domain.BackgroundFailed
		case m.Status == domain.MissionCompleted || m.Status == domain.MissionPartial:
			entry.task.Status = domain.BackgroundCompleted
		default:
			entry.task.Status = domain.BackgroundFailed
		}
		entry.task.Result = summarizeMission(m)
	}
	entry.task.UpdatedAt = time.Now()
	snapshot := cloneTask(entry.task)
	s.mu.Unlock()

	if finished {
		s.persist(snapshot, m)
		s.publish(context.Background(), domain.EventBackgroundFinished, m.ID, map[string]any{
			"task_id": id, "status": string(snapshot.Status), "mission_status": string(m.Status),
		})
	}
	s.logger.Info("background task finished",
		"task_id", id, "status", snapshot.Status, "mission_status", m.Status)
}

func (s *Supervisor) appendProgress(id, message, step string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tasks[id]
	if !ok {
		return
	}
	entry.task.ProgressLog = append(entry.task.ProgressLog, domain.ProgressEntry{
		Timestamp: time.Now(),
		Message:   message,
		Step:      step,
	})
	entry.task.UpdatedAt = time.Now()
}

func (s *Supervisor) persist(task domain.BackgroundTask, m *domain.Mission) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.SaveTask(ctx, task); err != nil {
		s.logger.Warn("persisting background task failed", "task_id", task.ID, "error", err)
	}
	if err := s.store.SaveMission(ctx, m.Snapshot()); err != nil {
		s.logger.Warn("persisting mission summary failed", "mission_id", m.ID, "error", err)
	}
}

func (s *Supervisor) cleanupLoop() {
	ticker := time.NewTicker(s.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

func (s *Supervisor) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.opts.RetentionTTL)
	removed := 0
	for id, entry := range s.tasks {
		if entry.task.Status.Terminal() && entry.task.UpdatedAt.Before(cutoff) {
			s.remove(id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("swept expired background tasks", "count", removed)
	}
}

// remove deletes a task entry. Caller holds the lock.
func (s *Supervisor) remove(id string) {
	delete(s.tasks, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// cloneTask deep-copies the progress log so callers can hold snapshots.
func cloneTask(t domain.BackgroundTask) domain.BackgroundTask {
	cp := t
	cp.ProgressLog = append([]domain.ProgressEntry(nil), t.ProgressLog...)
	return cp
}

// summarizeMission builds the one-line result recorded on the task.
func summarizeMission(m *domain.Mission) string {
	if m.Synthesis != "" {
		return m.Synthesis
	}
	done := 0
	for _, t := range m.Tasks {
		if t.Status == domain.TaskDone {
			done++
		}
	}
	return fmt.Sprintf("%d of %d tasks done", done, len(m.Tasks))
}

func (s *Supervisor) publish(ctx context.Context, eventType domain.EventType, missionID string, payload map[string]any) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", "type", eventType, "error", err)
		return
	}
	s.events.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		MissionID: missionID,
		Payload:   data,
	})
}
