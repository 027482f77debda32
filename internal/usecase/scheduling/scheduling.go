// Package scheduling submits playbook missions on recurring schedules. A
// schedule string is either a standard five-field cron expression, a
// descriptor like "@every 30m", or a plain duration.
package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"foreman/internal/domain"
	"foreman/internal/usecase/playbook"
)

// fireTimeout bounds one submission, not the mission it starts.
const fireTimeout = 30 * time.Second

// Runner starts a rendered mission in the background. Implemented by the
// supervisor; declared here so the scheduler does not depend on it.
type Runner interface {
	Start(ctx context.Context, description string, plan domain.Plan) (*domain.BackgroundTask, error)
}

// Entry defines one recurring playbook submission.
type Entry struct {
	Name     string
	Schedule string // cron expression, @descriptor, or duration
	Playbook string
	Inputs   map[string]string
}

// Status is a registered schedule with its next firing time.
type Status struct {
	Entry
	Next time.Time
}

// Scheduler fires playbook submissions on their schedules. Entries can be
// added and removed while it runs.
type Scheduler struct {
	cron      *cron.Cron
	playbooks *playbook.Library
	runner    Runner
	bus       domain.EventBus
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]entryState
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

type entryState struct {
	entry Entry
	id    cron.EntryID
}

// NewScheduler creates a scheduler submitting through runner.
func NewScheduler(playbooks *playbook.Library, runner Runner, bus domain.EventBus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		playbooks: playbooks,
		runner:    runner,
		bus:       bus,
		logger:    logger,
		entries:   make(map[string]entryState),
	}
}

// Add registers a schedule. The playbook must already be loaded so that a
// bad reference surfaces at configuration time rather than on first fire.
func (s *Scheduler) Add(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Name == "" {
		return fmt.Errorf("scheduler: schedule needs a name")
	}
	if _, exists := s.entries[e.Name]; exists {
		return fmt.Errorf("scheduler: schedule %q already exists", e.Name)
	}
	if _, ok := s.playbooks.Get(e.Playbook); !ok {
		return fmt.Errorf("scheduler: schedule %q references unknown playbook %q", e.Name, e.Playbook)
	}

	schedule, err := parseSchedule(e.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for %q: %w", e.Schedule, e.Name, err)
	}

	entry := e
	logger := s.logger
	id := s.cron.Schedule(schedule, cron.FuncJob(func() {
		// Read context under lock.
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil {
			logger.Debug("scheduler not started, skipping schedule", "name", entry.Name)
			return
		}

		fireCtx, cancel := context.WithTimeout(ctx, fireTimeout)
		defer cancel()

		start := time.Now()
		if err := s.fire(fireCtx, entry); err != nil {
			logger.Warn("schedule failed",
				"name", entry.Name,
				"playbook", entry.Playbook,
				"error", err,
				"duration", time.Since(start))
		} else {
			logger.Info("schedule fired",
				"name", entry.Name,
				"playbook", entry.Playbook,
				"duration", time.Since(start))
		}
	}))

	s.entries[e.Name] = entryState{entry: e, id: id}
	logger.Info("schedule added", "name", e.Name, "playbook", e.Playbook, "schedule", e.Schedule)
	return nil
}

// Remove unregisters a schedule by name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("scheduler: schedule %q not found", name)
	}
	s.cron.Remove(st.id)
	delete(s.entries, name)
	s.logger.Info("schedule removed", "name", name)
	return nil
}

// Entries returns the registered schedules sorted by name, with next firing
// times filled in.
func (s *Scheduler) Entries() []Status {
	s.mu.Lock()
	states := make([]entryState, 0, len(s.entries))
	for _, st := range s.entries {
		states = append(states, st)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(states))
	for _, st := range states {
		out = append(out, Status{Entry: st.entry, Next: s.cron.Entry(st.id).Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NextRun returns the next firing time for a schedule, or nil if unknown.
func (s *Scheduler) NextRun(name string) *time.Time {
	s.mu.Lock()
	st, ok := s.entries[name]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	entry := s.cron.Entry(st.id)
	if entry.ID == 0 {
		return nil
	}
	t := entry.Next
	return &t
}

// Start begins firing schedules.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop cancels in-flight submissions and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.started = false
	return nil
}

// fire renders the playbook and hands the mission to the runner. Overlap
// protection comes from the runner's own background task limit.
func (s *Scheduler) fire(ctx context.Context, e Entry) error {
	description, plan, err := s.playbooks.Plan(e.Playbook, e.Inputs)
	if err != nil {
		return err
	}

	task, err := s.runner.Start(ctx, description, *plan)
	if err != nil {
		return err
	}

	if s.bus != nil {
		payload, _ := json.Marshal(map[string]string{
			"schedule": e.Name,
			"playbook": e.Playbook,
			"task_id":  task.ID,
		})
		s.bus.Publish(ctx, domain.Event{
			Type:      domain.EventScheduleFired,
			Timestamp: time.Now(),
			MissionID: task.MissionID,
			Payload:   payload,
		})
	}
	return nil
}

// ParseSchedule exposes schedule parsing for configuration checks.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	return parseSchedule(schedule)
}

// parseSchedule tries a cron expression first, then falls back to
// time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay implements cron.Schedule for a fixed interval. Unlike
// cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
