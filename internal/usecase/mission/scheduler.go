// Package mission executes validated task graphs: dependency-ordered
// dispatch with bounded parallelism, skip propagation, optional synthesis,
// and escalation gates for tasks that exceed fleet capability.
package mission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"foreman/internal/domain"
	"foreman/internal/infra/tracer"
	"foreman/internal/usecase/escalation"
	"foreman/internal/usecase/fleet"
)

// schedulerSender is the bus identity TASK messages are sent from and RESULT
// messages return to.
const schedulerSender = "scheduler"

const (
	defaultMaxParallel = 4
	defaultRetryDelay  = 500 * time.Millisecond
	maxRetryDelay      = 30 * time.Second
)

// Admission policy modes for dispatches rejected at the model's slot gate.
const (
	AdmissionFail  = "fail"
	AdmissionRetry = "retry"
)

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// AdmissionPolicy controls what a dispatch does when the target model has no
// free slot: fail the task immediately, or back off and retry.
type AdmissionPolicy struct {
	Mode    string
	Retries int
	Delay   time.Duration
}

// Options configures a Scheduler.
type Options struct {
	MaxParallel        int
	TaskTimeout        time.Duration
	AllowPartial       bool // PARTIAL instead of FAILED when some tasks succeeded
	Admission          AdmissionPolicy
	SynthesisModel     string // routing key; empty = router default
	SynthesisMaxTokens int
}

// ModelRouter is the slice of the inference router the scheduler itself
// needs: synthesis calls and capability pre-checks. Task calls go through
// agents.
type ModelRouter interface {
	CallLLM(ctx context.Context, modelKey string, req domain.ChatRequest) (*domain.ChatResponse, error)
	ContextWindow(modelKey string) int
}

// TokenCounter estimates prompt sizes for the capability pre-check.
type TokenCounter interface {
	CountText(text string) int
}

// Narrator receives human-readable progress lines, typically appended to a
// background task's progress log.
type Narrator func(message, step string)

// Scheduler turns submitted plans into missions and runs them. One Run call
// owns its mission's task state exclusively; external readers take
// snapshots.
type Scheduler struct {
	registry    *fleet.Registry
	bus         *fleet.Bus
	router      ModelRouter
	counter     TokenCounter
	escalations *escalation.Manager // nil disables escalation; overflow fails the task
	events      domain.EventBus
	opts        Options
	logger      *slog.Logger
}

// NewScheduler wires a Scheduler. Zero option values fall back to defaults;
// an unknown admission mode means fail-fast.
func NewScheduler(registry *fleet.Registry, bus *fleet.Bus, router ModelRouter, counter TokenCounter, escalations *escalation.Manager, events domain.EventBus, opts Options, logger *slog.Logger) *Scheduler {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaultMaxParallel
	}
	if opts.Admission.Mode != AdmissionRetry {
		opts.Admission.Mode = AdmissionFail
	}
	if opts.Admission.Delay <= 0 {
		opts.Admission.Delay = defaultRetryDelay
	}
	return &Scheduler{
		registry:    registry,
		bus:         bus,
		router:      router,
		counter:     counter,
		escalations: escalations,
		events:      events,
		opts:        opts,
		logger:      logger,
	}
}

// Submit validates a plan and builds the mission for it. The dependency
// graph is checked for cycles here, once; Run never re-checks.
func (s *Scheduler) Submit(ctx context.Context, description string, plan domain.Plan) (*domain.Mission, error) {
	if err := ValidatePlan(&plan); err != nil {
		return nil, err
	}

	now := time.Now()
	tasks := make([]*domain.Task, 0, len(plan.Tasks))
	for _, pt := range plan.Tasks {
		tasks = append(tasks, &domain.Task{
			ID:          pt.ID,
			Target:      pt.Model,
			Description: pt.Task,
			ToolsNeeded: pt.ToolsNeeded,
			DependsOn:   pt.DependsOn,
			Status:      domain.TaskPending,
		})
	}

	m := &domain.Mission{
		ID:             generateULID(now),
		Description:    description,
		Tasks:          tasks,
		Status:         domain.MissionPending,
		Results:        make(map[string]domain.TaskResult, len(tasks)),
		Synthesize:     plan.Synthesize,
		SynthesisModel: plan.SynthesisModel,
		CreatedAt:      now,
	}

	s.logger.Info("mission submitted", "mission_id", m.ID, "tasks", len(tasks))
	s.publish(ctx, domain.EventMissionSubmitted, m.ID, map[string]any{"tasks": len(tasks)})
	return m, nil
}

// outcome is one finished task run.
type outcome struct {
	taskID  string
	agentID string
	reply   domain.AgentMessage
	err     error
	durMs   int64
}

// branchResolution pairs a resolved escalation with the task it suspends.
type branchResolution struct {
	taskID string
	res    escalation.Resolution
}

// run carries the per-Run dispatch state.
type run struct {
	m           *domain.Mission
	g           *errgroup.Group
	results     chan outcome
	resolutions chan branchResolution
	parked      map[string]string // task id -> escalation id
	done        chan struct{}
	narrate     Narrator
}

// Run executes the mission to a terminal status. Cancellation is
// cooperative: it is observed between dispatches, in-flight tasks finish
// naturally, and everything not yet dispatched is skipped.
func (s *Scheduler) Run(ctx context.Context, m *domain.Mission, narrate Narrator) error {
	if narrate == nil {
		narrate = func(string, string) {}
	}

	ctx = domain.ContextWithMissionID(ctx, m.ID)
	ctx, span := tracer.StartSpan(ctx, "mission.run",
		trace.WithAttributes(tracer.StringAttr("mission_id", m.ID)),
	)
	defer span.End()

	m.Status = domain.MissionRunning
	narrate(fmt.Sprintf("mission started with %d tasks", len(m.Tasks)), "dispatch")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxParallel)

	r := &run{
		m:           m,
		g:           g,
		results:     make(chan outcome, len(m.Tasks)),
		resolutions: make(chan branchResolution, len(m.Tasks)),
		parked:      make(map[string]string),
		done:        make(chan struct{}),
		narrate:     narrate,
	}
	defer close(r.done)

	inflight := 0
	cancelCh := ctx.Done()
	cancelled := false

	for {
		if !cancelled {
			// Dispatch to a fixpoint: a task settled synchronously inside
			// dispatch (routing failure, send failure) must have its skips
			// propagated before the exit check below, or dependents would
			// be left PENDING with nothing in flight to wake the loop.
			for {
				ready := s.advance(gctx, r)
				if len(ready) == 0 {
					break
				}
				for _, t := range ready {
					if s.dispatch(gctx, r, t) {
						inflight++
					}
				}
			}
		}
		if inflight == 0 && len(r.parked) == 0 {
			break
		}

		select {
		case out := <-r.results:
			inflight--
			s.apply(gctx, r, out)
		case br := <-r.resolutions:
			s.resume(gctx, r, br)
		case <-cancelCh:
			cancelled = true
			cancelCh = nil
			narrate("cancellation requested; in-flight tasks will finish", "cancel")
			s.logger.InfoContext(ctx, "mission cancellation observed")
			for taskID := range r.parked {
				delete(r.parked, taskID)
				if t := m.Task(taskID); t != nil {
					s.skipTask(gctx, r, t, "cancelled while awaiting escalation")
				}
			}
		}
	}

	_ = g.Wait()

	if cancelled {
		for _, t := range m.Tasks {
			if !t.Status.Terminal() {
				s.skipTask(ctx, r, t, "mission cancelled")
			}
		}
	}

	s.finalize(ctx, r)
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// advance propagates skips and returns the tasks that just became READY. A
// pending task is skipped as soon as any dependency has failed or been
// skipped; it becomes ready once every dependency is done.
func (s *Scheduler) advance(ctx context.Context, r *run) []*domain.Task {
	for changed := true; changed; {
		changed = false
		for _, t := range r.m.Tasks {
			if t.Status != domain.TaskPending {
				continue
			}
			if _, isParked := r.parked[t.ID]; isParked {
				continue
			}
			for _, dep := range t.DependsOn {
				d := r.m.Task(dep)
				if d == nil {
					continue
				}
				if d.Status == domain.TaskFailed || d.Status == domain.TaskSkipped {
					s.skipTask(ctx, r, t, fmt.Sprintf("dependency %s %s", dep, strings.ToLower(string(d.Status))))
					changed = true
					break
				}
			}
		}
	}

	var ready []*domain.Task
	for _, t := range r.m.Tasks {
		if t.Status != domain.TaskPending {
			continue
		}
		if _, isParked := r.parked[t.ID]; isParked {
			continue
		}
		depsDone := true
		for _, dep := range t.DependsOn {
			if d := r.m.Task(dep); d == nil || d.Status != domain.TaskDone {
				depsDone = false
				break
			}
		}
		if depsDone {
			t.Status = domain.TaskReady
			ready = append(ready, t)
		}
	}
	return ready
}

// dispatch routes one READY task and launches its run. Returns true when a
// goroutine was started; routing failures, backpressure, and capability
// pre-checks settle the task synchronously.
func (s *Scheduler) dispatch(ctx context.Context, r *run, t *domain.Task) bool {
	ag, err := s.registry.RouteTask(t)
	if err != nil {
		s.failTask(ctx, r, t, "", err, 0)
		return false
	}

	// A description that cannot fit the routed model's window escalates
	// instead of burning a doomed call.
	if s.counter != nil {
		if window := s.router.ContextWindow(ag.Spec().ModelKey); window > 0 && s.counter.CountText(t.Description) > window {
			s.suspend(ctx, r, t, fmt.Sprintf("task %s exceeds the %d-token window of model %q",
				t.ID, window, ag.Spec().ModelKey))
			return false
		}
	}

	t.Status = domain.TaskRunning
	r.narrate(fmt.Sprintf("task %s dispatched to agent %s", t.ID, ag.ID()), "task:"+t.ID)
	s.publish(ctx, domain.EventTaskStarted, r.m.ID, map[string]any{"task_id": t.ID, "agent_id": ag.ID()})

	msg := domain.AgentMessage{
		Type:      domain.MessageTask,
		Sender:    schedulerSender,
		Recipient: ag.ID(),
		MissionID: r.m.ID,
		Content:   t.Description,
		Payload: map[string]any{
			fleet.PayloadTaskID: t.ID,
			fleet.PayloadTools:  t.ToolsNeeded,
		},
	}
	if err := s.bus.Send(msg); err != nil {
		s.failTask(ctx, r, t, ag.ID(), err, 0)
		return false
	}

	r.g.Go(func() error {
		// Drain the agent's mailbox: usually exactly the message just sent,
		// but when concurrent dispatches share an agent one goroutine may
		// serve several. Every sent message yields exactly one outcome.
		for _, pending := range s.bus.GetPending(ag.ID()) {
			taskID, _ := pending.Payload[fleet.PayloadTaskID].(string)
			start := time.Now()
			reply, runErr := s.runTask(ctx, ag, pending)
			r.results <- outcome{
				taskID:  taskID,
				agentID: ag.ID(),
				reply:   reply,
				err:     runErr,
				durMs:   time.Since(start).Milliseconds(),
			}
		}
		return nil
	})
	return true
}

// runTask executes one TASK message, applying the admission retry policy.
func (s *Scheduler) runTask(ctx context.Context, ag *fleet.Agent, msg domain.AgentMessage) (domain.AgentMessage, error) {
	attempts := 1
	if s.opts.Admission.Mode == AdmissionRetry && s.opts.Admission.Retries > 0 {
		attempts += s.opts.Admission.Retries
	}

	var reply domain.AgentMessage
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(s.opts.Admission.Delay, attempt-1)
			s.logger.DebugContext(ctx, "retrying after admission rejection",
				"agent_id", ag.ID(), "attempt", attempt, "delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return reply, ctx.Err()
			case <-timer.C:
			}
		}
		reply, err = s.runOnce(ctx, ag, msg)
		if err == nil || !domain.IsRetryableError(err) {
			return reply, err
		}
	}
	return reply, err
}

func (s *Scheduler) runOnce(ctx context.Context, ag *fleet.Agent, msg domain.AgentMessage) (domain.AgentMessage, error) {
	if s.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.TaskTimeout)
		defer cancel()
	}
	return ag.Run(ctx, msg)
}

// backoffDelay grows exponentially from base with up to 25% random jitter.
func backoffDelay(base time.Duration, retry int) time.Duration {
	if base <= 0 {
		base = defaultRetryDelay
	}
	d := base << (retry - 1)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d + time.Duration(rand.Int63n(int64(d/4)+1))
}

// apply settles one finished run: done, failed, skipped under cancellation,
// or suspended behind an escalation when the model's capability was
// exceeded.
func (s *Scheduler) apply(ctx context.Context, r *run, out outcome) {
	t := r.m.Task(out.taskID)
	if t == nil {
		s.logger.WarnContext(ctx, "result for unknown task", "task_id", out.taskID)
		return
	}

	switch {
	case out.err == nil:
		res := domain.TaskResult{
			TaskID:     t.ID,
			AgentID:    out.agentID,
			Status:     domain.TaskDone,
			Output:     out.reply.Content,
			DurationMs: out.durMs,
		}
		t.Status = domain.TaskDone
		t.Result = &res
		r.m.Results[t.ID] = res
		r.narrate(fmt.Sprintf("task %s completed by agent %s", t.ID, out.agentID), "task:"+t.ID)
		s.publish(ctx, domain.EventTaskCompleted, r.m.ID, map[string]any{
			"task_id": t.ID, "agent_id": out.agentID, "duration_ms": out.durMs,
		})
		if err := s.bus.Send(out.reply); err != nil {
			s.logger.Warn("result audit send failed", "mission_id", r.m.ID, "task_id", t.ID, "error", err)
		}

	case errors.Is(out.err, domain.ErrContextOverflow):
		s.suspend(ctx, r, t, fmt.Sprintf("task %s exceeds fleet capability: %v", t.ID, out.err))

	case errors.Is(out.err, context.Canceled):
		s.skipTask(ctx, r, t, "cancelled before completion")

	default:
		s.failTask(ctx, r, t, out.agentID, out.err, out.durMs)
	}
}

// suspend parks a task behind a new escalation. The branch stays PENDING and
// nothing downstream of it can become READY until resolution.
func (s *Scheduler) suspend(ctx context.Context, r *run, t *domain.Task, reason string) {
	if s.escalations == nil {
		s.failTask(ctx, r, t, "", domain.NewDomainError("Scheduler.Run", domain.ErrContextOverflow, reason), 0)
		return
	}

	t.Status = domain.TaskPending
	esc, wait, err := s.escalations.Request(r.m.ID, t.ID, reason, findingsSoFar(r.m))
	if err != nil {
		s.failTask(ctx, r, t, "", err, 0)
		return
	}
	r.parked[t.ID] = esc.ID

	r.narrate(fmt.Sprintf("task %s suspended, escalation %s raised: %s", t.ID, esc.ID, reason), "escalation")
	s.logger.InfoContext(ctx, "branch suspended",
		"task_id", t.ID, "escalation_id", esc.ID, "reason", reason)

	go func(taskID string) {
		select {
		case res := <-wait:
			r.resolutions <- branchResolution{taskID: taskID, res: res}
		case <-r.done:
		}
	}(t.ID)
}

// resume re-points a suspended task at the resolved target and returns it to
// the dispatch pool, or fails it when the chosen target is unavailable.
func (s *Scheduler) resume(ctx context.Context, r *run, br branchResolution) {
	t := r.m.Task(br.taskID)
	if t == nil {
		return
	}
	if _, isParked := r.parked[br.taskID]; !isParked {
		return
	}
	delete(r.parked, br.taskID)

	if !br.res.Target.Available {
		s.failTask(ctx, r, t, "", domain.NewDomainError("Scheduler.Run", domain.ErrTargetUnavailable, br.res.Target.Key), 0)
		return
	}

	if br.res.RedirectTo != "" {
		t.Target = br.res.RedirectTo
	} else if br.res.Target.Key != "" {
		t.Target = br.res.Target.Key
	}
	t.Status = domain.TaskPending
	r.narrate(fmt.Sprintf("task %s resumed on target %s", t.ID, t.Target), "escalation")
	s.logger.InfoContext(ctx, "branch resumed", "task_id", t.ID, "target", t.Target)
}

func (s *Scheduler) failTask(ctx context.Context, r *run, t *domain.Task, agentID string, err error, durMs int64) {
	res := domain.TaskResult{
		TaskID:     t.ID,
		AgentID:    agentID,
		Status:     domain.TaskFailed,
		Error:      err.Error(),
		DurationMs: durMs,
	}
	t.Status = domain.TaskFailed
	t.Result = &res
	r.m.Results[t.ID] = res

	r.narrate(fmt.Sprintf("task %s failed: %v", t.ID, err), "task:"+t.ID)
	s.logger.WarnContext(ctx, "task failed",
		"task_id", t.ID, "error", err, "code", domain.ErrorCodeOf(err))
	s.publish(ctx, domain.EventTaskFailed, r.m.ID, map[string]any{
		"task_id": t.ID, "error": err.Error(), "code": string(domain.ErrorCodeOf(err)),
	})
}

func (s *Scheduler) skipTask(ctx context.Context, r *run, t *domain.Task, reason string) {
	res := domain.TaskResult{TaskID: t.ID, Status: domain.TaskSkipped, Error: reason}
	t.Status = domain.TaskSkipped
	t.Result = &res
	r.m.Results[t.ID] = res

	r.narrate(fmt.Sprintf("task %s skipped: %s", t.ID, reason), "task:"+t.ID)
	s.publish(ctx, domain.EventTaskSkipped, r.m.ID, map[string]any{"task_id": t.ID, "reason": reason})
}

// finalize settles the mission status, runs the synthesis pass when the plan
// asked for one, and emits the closing narration.
func (s *Scheduler) finalize(ctx context.Context, r *run) {
	m := r.m
	done, failed, skipped := 0, 0, 0
	for _, t := range m.Tasks {
		switch t.Status {
		case domain.TaskDone:
			done++
		case domain.TaskFailed:
			failed++
		case domain.TaskSkipped:
			skipped++
		}
	}

	switch {
	case done == len(m.Tasks):
		m.Status = domain.MissionCompleted
	case s.opts.AllowPartial && done > 0:
		m.Status = domain.MissionPartial
	default:
		m.Status = domain.MissionFailed
	}

	if m.Synthesize {
		s.synthesize(ctx, r)
	}

	r.narrate(fmt.Sprintf("mission %s: %d done, %d failed, %d skipped",
		strings.ToLower(string(m.Status)), done, failed, skipped), "done")
	s.logger.InfoContext(ctx, "mission finished",
		"status", m.Status, "done", done, "failed", failed, "skipped", skipped)
	s.publish(ctx, domain.EventMissionCompleted, m.ID, map[string]any{
		"status": string(m.Status), "done": done, "failed": failed, "skipped": skipped,
	})

	// Result replies were consumed via return values; draining keeps the
	// audit mailbox bounded. The mission log is untouched.
	s.bus.GetPending(schedulerSender)
}

// synthesize issues one completion over the concatenated results. Failure
// degrades to the raw concatenation and never fails the mission.
func (s *Scheduler) synthesize(ctx context.Context, r *run) {
	m := r.m
	concatenated := concatResults(m)
	if concatenated == "" {
		return
	}

	modelKey := m.SynthesisModel
	if modelKey == "" {
		modelKey = s.opts.SynthesisModel
	}

	r.narrate("synthesizing final answer", "synthesis")
	resp, err := s.router.CallLLM(ctx, modelKey, domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "You combine task results into one coherent answer. Reply with the answer only."},
			{Role: domain.RoleUser, Content: fmt.Sprintf("Mission: %s\n\nTask results:\n\n%s", m.Description, concatenated)},
		},
		MaxTokens: s.opts.SynthesisMaxTokens,
	})
	if err != nil {
		r.narrate("synthesis failed, returning raw results", "synthesis")
		s.logger.WarnContext(ctx, "synthesis degraded to concatenation", "error", err)
		m.Synthesis = concatenated
		return
	}
	m.Synthesis = resp.Content
}

// concatResults joins successful outputs in task order.
func concatResults(m *domain.Mission) string {
	var sb strings.Builder
	for _, t := range m.Tasks {
		res, ok := m.Results[t.ID]
		if !ok || res.Status != domain.TaskDone || res.Output == "" {
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s\n\n", t.ID, res.Output)
	}
	return strings.TrimSpace(sb.String())
}

// findingsSoFar summarizes what the mission has produced, for escalation
// context.
func findingsSoFar(m *domain.Mission) string {
	var sb strings.Builder
	for _, t := range m.Tasks {
		res, ok := m.Results[t.ID]
		if !ok || res.Status != domain.TaskDone || res.Output == "" {
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s\n", t.ID, truncate(res.Output, 400))
	}
	return sb.String()
}

// truncate shortens a string to max bytes on a clean UTF-8 boundary.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	end := 0
	for i := range s {
		if i > max {
			break
		}
		end = i
	}
	return s[:end] + "..."
}

func (s *Scheduler) publish(ctx context.Context, eventType domain.EventType, missionID string, payload map[string]any) {
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
