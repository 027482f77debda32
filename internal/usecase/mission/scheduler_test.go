package mission

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"foreman/internal/domain"
	"foreman/internal/usecase/escalation"
	"foreman/internal/usecase/fleet"
)

func testLogger() *slog.Logger { return slog.Default() }

// stubRouter scripts LLM responses per model key and refuses calls on a
// cancelled context, like the real router does.
type stubRouter struct {
	mu      sync.Mutex
	calls   []string
	lastReq map[string]domain.ChatRequest
	windows map[string]int
	handler func(modelKey string, req domain.ChatRequest) (*domain.ChatResponse, error)
}

func (r *stubRouter) CallLLM(ctx context.Context, modelKey string, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.calls = append(r.calls, modelKey)
	if r.lastReq == nil {
		r.lastReq = make(map[string]domain.ChatRequest)
	}
	r.lastReq[modelKey] = req
	r.mu.Unlock()
	return r.handler(modelKey, req)
}

func (r *stubRouter) CallLLMStream(_ context.Context, modelKey string, _ domain.ChatRequest) (<-chan domain.ChatDelta, error) {
	return nil, domain.NewDomainError("stubRouter.CallLLMStream", domain.ErrNotSupported, modelKey)
}

func (r *stubRouter) ContextWindow(modelKey string) int { return r.windows[modelKey] }

func (r *stubRouter) count(modelKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.calls {
		if k == modelKey {
			n++
		}
	}
	return n
}

func (r *stubRouter) request(modelKey string) domain.ChatRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReq[modelKey]
}

// replyWith answers with the output whose key appears in the user prompt.
func replyWith(outputs map[string]string) func(string, domain.ChatRequest) (*domain.ChatResponse, error) {
	return func(_ string, req domain.ChatRequest) (*domain.ChatResponse, error) {
		prompt := req.Messages[len(req.Messages)-1].Content
		for needle, out := range outputs {
			if strings.Contains(prompt, needle) {
				return &domain.ChatResponse{Content: out, Usage: domain.Usage{TotalTokens: 7}}, nil
			}
		}
		return &domain.ChatResponse{Content: "ok", Usage: domain.Usage{TotalTokens: 3}}, nil
	}
}

func lastUserPrompt(req domain.ChatRequest) string {
	return req.Messages[len(req.Messages)-1].Content
}

// memStore is an in-memory fleet.WorkspaceStore.
type memStore struct {
	mu      sync.Mutex
	entries map[string][]domain.WorkspaceEntry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string][]domain.WorkspaceEntry)}
}

func (s *memStore) Append(missionID string, e domain.WorkspaceEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[missionID] = append(s.entries[missionID], e)
	return nil
}

func (s *memStore) Entries(missionID string) ([]domain.WorkspaceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.WorkspaceEntry(nil), s.entries[missionID]...), nil
}

type staticCounter struct{}

func (staticCounter) CountText(text string) int { return len(text) }

type schedEnv struct {
	sched  *Scheduler
	router *stubRouter
	esc    *escalation.Manager
	bus    *fleet.Bus
}

// newSchedEnv wires a scheduler over real fleet plumbing. The first spec's
// agent becomes the registry default.
func newSchedEnv(t *testing.T, opts Options, escOpts *escalation.Options, counter TokenCounter, router *stubRouter, specs ...domain.AgentSpec) *schedEnv {
	t.Helper()
	logger := testLogger()

	if len(specs) == 0 {
		specs = []domain.AgentSpec{{AgentID: "worker", ModelKey: "primary"}}
	}

	registry := fleet.NewRegistry(specs[0].AgentID, logger)
	bus := fleet.NewBus(0, logger)
	store := newMemStore()
	channels := fleet.NewChannels(logger)
	for _, spec := range specs {
		if err := registry.Register(fleet.NewAgent(spec, router, store, channels, logger)); err != nil {
			t.Fatalf("register agent %s: %v", spec.AgentID, err)
		}
	}

	var esc *escalation.Manager
	if escOpts != nil {
		esc = escalation.NewManager(*escOpts, nil, logger)
	}

	return &schedEnv{
		sched:  NewScheduler(registry, bus, router, counter, esc, nil, opts, logger),
		router: router,
		esc:    esc,
		bus:    bus,
	}
}

func submitPlan(t *testing.T, env *schedEnv, description string, plan domain.Plan) *domain.Mission {
	t.Helper()
	m, err := env.sched.Submit(context.Background(), description, plan)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return m
}

func TestSchedulerSubmit(t *testing.T) {
	env := newSchedEnv(t, Options{}, nil, nil, &stubRouter{handler: replyWith(nil)})

	plan := domain.Plan{
		Tasks: []domain.PlanTask{
			{ID: "fetch", Model: "primary", Task: "fetch the data"},
			{Task: "summarize it", DependsOn: []string{"fetch"}},
		},
		Synthesize: true,
	}
	m := submitPlan(t, env, "demo mission", plan)

	if len(m.ID) != 26 {
		t.Errorf("mission id = %q, want 26-char ULID", m.ID)
	}
	if m.Status != domain.MissionPending {
		t.Errorf("status = %s, want %s", m.Status, domain.MissionPending)
	}
	if m.Description != "demo mission" {
		t.Errorf("description = %q", m.Description)
	}
	if !m.Synthesize {
		t.Error("synthesize flag not carried over")
	}
	if got := m.Tasks[1].ID; got != "t2" {
		t.Errorf("auto-assigned id = %q, want t2", got)
	}
	for _, task := range m.Tasks {
		if task.Status != domain.TaskPending {
			t.Errorf("task %s status = %s, want %s", task.ID, task.Status, domain.TaskPending)
		}
	}
}

func TestSchedulerSubmitRejectsCycle(t *testing.T) {
	env := newSchedEnv(t, Options{}, nil, nil, &stubRouter{handler: replyWith(nil)})

	plan := domain.Plan{Tasks: []domain.PlanTask{
		{ID: "a", Task: "first half", DependsOn: []string{"b"}},
		{ID: "b", Task: "second half", DependsOn: []string{"a"}},
	}}
	_, err := env.sched.Submit(context.Background(), "", plan)
	if !errors.Is(err, domain.ErrDependencyCycle) {
		t.Fatalf("err = %v, want ErrDependencyCycle", err)
	}
}

func TestSchedulerRunDiamond(t *testing.T) {
	router := &stubRouter{handler: replyWith(map[string]string{
		"scout the target":    "recon done",
		"probe tls endpoints": "tls ok",
		"probe ssh endpoints": "ssh ok",
		"write the report":    "final report",
	})}
	env := newSchedEnv(t, Options{MaxParallel: 2}, nil, nil, router)

	m := submitPlan(t, env, "diamond", domain.Plan{Tasks: []domain.PlanTask{
		{ID: "t1", Task: "scout the target"},
		{ID: "t2", Task: "probe tls endpoints", DependsOn: []string{"t1"}},
		{ID: "t3", Task: "probe ssh endpoints", DependsOn: []string{"t1"}},
		{ID: "t4", Task: "write the report", DependsOn: []string{"t2", "t3"}},
	}})

	var mu sync.Mutex
	var steps []string
	narrate := func(_, step string) {
		mu.Lock()
		steps = append(steps, step)
		mu.Unlock()
	}

	if err := env.sched.Run(context.Background(), m, narrate); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if m.Status != domain.MissionCompleted {
		t.Fatalf("mission status = %s, want %s", m.Status, domain.MissionCompleted)
	}
	if len(m.Results) != 4 {
		t.Fatalf("results = %d, want 4", len(m.Results))
	}
	for _, task := range m.Tasks {
		if task.Status != domain.TaskDone {
			t.Errorf("task %s status = %s, want %s", task.ID, task.Status, domain.TaskDone)
		}
	}
	if got := m.Results["t4"].Output; got != "final report" {
		t.Errorf("t4 output = %q", got)
	}
	if got := router.count("primary"); got != 4 {
		t.Errorf("router calls = %d, want 4", got)
	}
	if len(steps) == 0 {
		t.Error("narrator saw no progress")
	}

	// Audit trail: one TASK and one RESULT per task.
	log := env.bus.MissionLog(m.ID)
	tasks, results := 0, 0
	for _, msg := range log {
		switch msg.Type {
		case domain.MessageTask:
			tasks++
		case domain.MessageResult:
			results++
		}
	}
	if tasks != 4 || results != 4 {
		t.Errorf("mission log: %d TASK / %d RESULT messages, want 4/4", tasks, results)
	}
}

func TestSchedulerRunFailureSkipsDependents(t *testing.T) {
	boom := domain.NewSubSystemError("backend", "Chat", domain.ErrBackendError, "boom")
	router := &stubRouter{handler: func(_ string, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if strings.Contains(lastUserPrompt(req), "explode") {
			return nil, boom
		}
		return &domain.ChatResponse{Content: "ok"}, nil
	}}
	env := newSchedEnv(t, Options{}, nil, nil, router)

	m := submitPlan(t, env, "", domain.Plan{Tasks: []domain.PlanTask{
		{ID: "t1", Task: "explode immediately"},
		{ID: "t2", Task: "depends on the blast", DependsOn: []string{"t1"}},
		{ID: "t3", Task: "depends further down", DependsOn: []string{"t2"}},
		{ID: "t4", Task: "independent side job"},
	}})

	if err := env.sched.Run(context.Background(), m, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if m.Status != domain.MissionFailed {
		t.Fatalf("mission status = %s, want %s", m.Status, domain.MissionFailed)
	}
	wantStatus := map[string]domain.TaskStatus{
		"t1": domain.TaskFailed,
		"t2": domain.TaskSkipped,
		"t3": domain.TaskSkipped,
		"t4": domain.TaskDone,
	}
	for id, want := range wantStatus {
		if got := m.Task(id).Status; got != want {
			t.Errorf("task %s status = %s, want %s", id, got, want)
		}
	}
	if got := m.Results["t2"].Error; !strings.Contains(got, "dependency t1 failed") {
		t.Errorf("t2 skip reason = %q, want mention of t1", got)
	}
	if got := m.Results["t3"].Error; !strings.Contains(got, "dependency t2 skipped") {
		t.Errorf("t3 skip reason = %q, want mention of t2", got)
	}
	if len(m.Results) != 4 {
		t.Errorf("results = %d, want an entry for every task", len(m.Results))
	}
}

func TestSchedulerRunAllowPartial(t *testing.T) {
	router := &stubRouter{handler: func(_ string, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if strings.Contains(lastUserPrompt(req), "explode") {
			return nil, domain.NewSubSystemError("backend", "Chat", domain.ErrBackendError, "boom")
		}
		return &domain.ChatResponse{Content: "ok"}, nil
	}}
	env := newSchedEnv(t, Options{AllowPartial: true}, nil, nil, router)

	m := submitPlan(t, env, "", domain.Plan{Tasks: []domain.PlanTask{
		{ID: "t1", Task: "explode immediately"},
		{ID: "t2", Task: "independent side job"},
	}})
	if err := env.sched.Run(context.Background(), m, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Status != domain.MissionPartial {
		t.Fatalf("mission status = %s, want %s", m.Status, domain.MissionPartial)
	}

	// Nothing succeeded: PARTIAL is off the table even when allowed.
	m2 := submitPlan(t, env, "", domain.Plan{Tasks: []domain.PlanTask{
		{ID: "t1", Task: "explode immediately"},
	}})
	if err := env.sched.Run(context.Background(), m2, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m2.Status != domain.MissionFailed {
		t.Fatalf("mission status = %s, want %s", m2.Status, domain.MissionFailed)
	}
}

func TestSchedulerRunAdmissionRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	router := &stubRouter{handler: func(_ string, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, domain.NewSubSystemError("backend", "Gate.Acquire", domain.ErrAdmissionRejected, "primary")
		}
		return &domain.ChatResponse{Content: "made it"}, nil
	}}
	env := newSchedEnv(t, Options{
		Admission: AdmissionPolicy{Mode: AdmissionRetry, Retries: 2, Delay: time.Millisecond},
	}, nil, nil, router)

	m := submitPlan(t, env, "", domain.Plan{Tasks: []domain.PlanTask{{ID: "t1", Task: "squeeze in"}}})
	if err := env.sched.Run(context.Background(), m, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if m.Status != domain.MissionCompleted {
		t.Fatalf("mission status = %s, want %s", m.Status, domain.MissionCompleted)
	}
	if got := m.Results["t1"].Output; got != "made it" {
		t.Errorf("output = %q", got)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestSchedulerRunAdmissionFailFast(t *testing.T) {
	router := &stubRouter{handler: func(_ string, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, domain.NewSubSystemError("backend", "Gate.Acquire", domain.ErrAdmissionRejected, "primary")
	}}
	env := newSchedEnv(t, Options{}, nil, nil, router)

	m := submitPlan(t, env, "", domain.Plan{Tasks: []domain.PlanTask{{ID: "t1", Task: "squeeze in"}}})
	if err := env.sched.Run(context.Background(), m, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if m.Status != domain.MissionFailed {
		t.Fatalf("mission status = %s, want %s", m.Status, domain.MissionFailed)
	}
	if got := router.count("primary"); got != 1 {
		t.Errorf("router calls = %d, want 1 (no retry in fail mode)", got)
	}
	if got := m.Results["t1"].Error; !strings.Contains(got, "admission rejected") {
		t.Errorf("t1 error = %q, want admission rejection", got)
	}
}

func TestSchedulerRunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := &stubRouter{handler: func(_ string, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if strings.Contains(lastUserPrompt(req), "first") {
			cancel()
			return &domain.ChatResponse{Content: "done first"}, nil
		}
		return &domain.ChatResponse{Content: "ok"}, nil
	}}
	env := newSchedEnv(t, Options{}, nil, nil, router)

	m := submitPlan(t, env, "", domain.Plan{Tasks: []domain.PlanTask{
		{ID: "t1", Task: "do the first thing"},
		{ID: "t2", Task: "do the second thing", DependsOn: []string{"t1"}},
	}})

	err := env.sched.Run(ctx, m, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	if got := m.Task("t1").Status; got != domain.TaskDone {
		t.Errorf("t1 status = %s, want %s (in-flight work finishes)", got, domain.TaskDone)
	}
	if got := m.Task("t2").Status; got != domain.TaskSkipped {
		t.Errorf("t2 status = %s, want %s", got, domain.TaskSkipped)
	}
	if !m.Status.Terminal() {
		t.Errorf("mission status = %s, want terminal", m.Status)
	}
}

func TestSchedulerRunEscalationRedirect(t *testing.T) {
	router := &stubRouter{handler: func(modelKey string, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		if modelKey == "small" {
			return nil, domain.NewSubSystemError("backend", "Chat", domain.ErrContextOverflow, "prompt too large")
		}
		return &domain.ChatResponse{Content: "big answer"}, nil
	}}
	escOpts := &escalation.Options{
		Targets: []domain.EscalationTarget{
			{Key: "swap-large", Label: "Load the large model", MemoryCostMB: 4096, Available: true},
		},
		Redirects: map[string]string{"swap-large": "large"},
	}
	env := newSchedEnv(t, Options{}, escOpts, nil, router,
		domain.AgentSpec{AgentID: "mini", ModelKey: "small"},
		domain.AgentSpec{AgentID: "maxi", ModelKey: "large"},
	)

	m := submitPlan(t, env, "", domain.Plan{Tasks: []domain.PlanTask{
		{ID: "t1", Model: "small", Task: "digest the whole archive"},
	}})

	done := make(chan error, 1)
	go func() { done <- env.sched.Run(context.Background(), m, nil) }()

	esc := waitForEscalation(t, env.esc)
	if esc.MissionID != m.ID || esc.TaskID != "t1" {
		t.Errorf("escalation for %s/%s, want %s/t1", esc.MissionID, esc.TaskID, m.ID)
	}
	if !strings.Contains(esc.Reason, "exceeds fleet capability") {
		t.Errorf("reason = %q", esc.Reason)
	}
	if _, err := env.esc.Resolve(esc.ID, "swap-large"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := waitForRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Status != domain.MissionCompleted {
		t.Fatalf("mission status = %s, want %s", m.Status, domain.MissionCompleted)
	}
	if got := m.Task("t1").Target; got != "large" {
		t.Errorf("t1 target = %q, want large", got)
	}
	res := m.Results["t1"]
	if res.AgentID != "maxi" || res.Output != "big answer" {
		t.Errorf("t1 result = %+v, want big answer from maxi", res)
	}
	if got := env.router.count("small"); got != 1 {
		t.Errorf("small model calls = %d, want 1", got)
	}
}

func TestSchedulerRunEscalationUnavailableTarget(t *testing.T) {
	router := &stubRouter{handler: func(_ string, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, domain.NewSubSystemError("backend", "Chat", domain.ErrContextOverflow, "prompt too large")
	}}
	escOpts := &escalation.Options{
		Targets: []domain.EscalationTarget{
			{Key: "swap-large", Label: "Load the large model", Available: false},
		},
	}
	env := newSchedEnv(t, Options{}, escOpts, nil, router)

	m := submitPlan(t, env, "", domain.Plan{Tasks: []domain.PlanTask{
		{ID: "t1", Task: "digest the whole archive"},
	}})

	done := make(chan error, 1)
	go func() { done <- env.sched.Run(context.Background(), m, nil) }()

	esc := waitForEscalation(t, env.esc)
	if _, err := env.esc.Resolve(esc.ID, "swap-large"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := waitForRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Task("t1").Status; got != domain.TaskFailed {
		t.Errorf("t1 status = %s, want %s", got, domain.TaskFailed)
	}
	if got := m.Results["t1"].Error; !strings.Contains(got, "unavailable") {
		t.Errorf("t1 error = %q, want unavailable target", got)
	}
	if m.Status != domain.MissionFailed {
		t.Errorf("mission status = %s, want %s", m.Status, domain.MissionFailed)
	}
}

func TestSchedulerRunWindowPrecheck(t *testing.T) {
	router := &stubRouter{
		windows: map[string]int{"small": 10},
		handler: func(modelKey string, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			if modelKey == "small" {
				return nil, domain.NewSubSystemError("backend", "Chat", domain.ErrBackendError, "should never be called")
			}
			return &domain.ChatResponse{Content: "fits here"}, nil
		},
	}
	escOpts := &escalation.Options{
		Targets:   []domain.EscalationTarget{{Key: "swap-large", Available: true}},
		Redirects: map[string]string{"swap-large": "large"},
	}
	env := newSchedEnv(t, Options{}, escOpts, staticCounter{}, router,
		domain.AgentSpec{AgentID: "mini", ModelKey: "small"},
		domain.AgentSpec{AgentID: "maxi", ModelKey: "large"},
	)

	m := submitPlan(t, env, "", domain.Plan{Tasks: []domain.PlanTask{
		{ID: "t1", Model: "small", Task: "a description longer than ten tokens worth of text"},
	}})

	done := make(chan error, 1)
	go func() { done <- env.sched.Run(context.Background(), m, nil) }()

	esc := waitForEscalation(t, env.esc)
	if !strings.Contains(esc.Reason, "token window") {
		t.Errorf("reason = %q, want window overflow", esc.Reason)
	}
	if _, err := env.esc.Resolve(esc.ID, "swap-large"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := waitForRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Status != domain.MissionCompleted {
		t.Fatalf("mission status = %s, want %s", m.Status, domain.MissionCompleted)
	}
	if got := env.router.count("small"); got != 0 {
		t.Errorf("small model calls = %d, want 0 (suspended before dispatch)", got)
	}
}

func TestSchedulerRunSynthesis(t *testing.T) {
	router := &stubRouter{handler: func(modelKey string, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if modelKey == "synth" {
			return &domain.ChatResponse{Content: "combined answer"}, nil
		}
		return replyWith(map[string]string{
			"collect alpha": "alpha output",
			"collect beta":  "beta output",
		})(modelKey, req)
	}}
	env := newSchedEnv(t, Options{SynthesisModel: "synth"}, nil, nil, router)

	m := submitPlan(t, env, "gather the facts", domain.Plan{
		Tasks: []domain.PlanTask{
			{ID: "t1", Task: "collect alpha"},
			{ID: "t2", Task: "collect beta"},
		},
		Synthesize: true,
	})
	if err := env.sched.Run(context.Background(), m, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if m.Synthesis != "combined answer" {
		t.Errorf("synthesis = %q", m.Synthesis)
	}
	if got := router.count("synth"); got != 1 {
		t.Errorf("synthesis calls = %d, want 1", got)
	}
	prompt := lastUserPrompt(router.request("synth"))
	for _, want := range []string{"gather the facts", "[t1] alpha output", "[t2] beta output"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("synthesis prompt missing %q", want)
		}
	}
}

func TestSchedulerRunSynthesisDegrades(t *testing.T) {
	router := &stubRouter{handler: func(modelKey string, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if modelKey == "synth" {
			return nil, domain.NewSubSystemError("backend", "Chat", domain.ErrBackendError, "synth backend down")
		}
		return replyWith(map[string]string{
			"collect alpha": "alpha output",
			"collect beta":  "beta output",
		})(modelKey, req)
	}}
	env := newSchedEnv(t, Options{SynthesisModel: "synth"}, nil, nil, router)

	m := submitPlan(t, env, "", domain.Plan{
		Tasks: []domain.PlanTask{
			{ID: "t1", Task: "collect alpha"},
			{ID: "t2", Task: "collect beta", DependsOn: []string{"t1"}},
		},
		Synthesize: true,
	})
	if err := env.sched.Run(context.Background(), m, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if m.Status != domain.MissionCompleted {
		t.Fatalf("mission status = %s, want %s (synthesis failure is not fatal)", m.Status, domain.MissionCompleted)
	}
	want := "[t1] alpha output\n\n[t2] beta output"
	if m.Synthesis != want {
		t.Errorf("synthesis = %q, want raw concatenation %q", m.Synthesis, want)
	}
}

func TestSchedulerRunRoutingFailure(t *testing.T) {
	router := &stubRouter{handler: replyWith(nil)}
	logger := testLogger()
	registry := fleet.NewRegistry("ghost", logger)
	if err := registry.Register(fleet.NewAgent(domain.AgentSpec{AgentID: "worker", ModelKey: "primary"}, router, newMemStore(), fleet.NewChannels(logger), logger)); err != nil {
		t.Fatal(err)
	}
	sched := NewScheduler(registry, fleet.NewBus(0, logger), router, nil, nil, nil, Options{}, logger)

	m, err := sched.Submit(context.Background(), "", domain.Plan{Tasks: []domain.PlanTask{
		{ID: "t1", Model: "no-such-target", Task: "go nowhere"},
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := sched.Run(context.Background(), m, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := m.Task("t1").Status; got != domain.TaskFailed {
		t.Errorf("t1 status = %s, want %s", got, domain.TaskFailed)
	}
	if got := m.Results["t1"].Error; !strings.Contains(got, "no agent found") {
		t.Errorf("t1 error = %q, want routing failure", got)
	}
	if got := router.count("primary"); got != 0 {
		t.Errorf("router calls = %d, want 0", got)
	}
}

// A task that fails synchronously inside dispatch, before anything is in
// flight, must still drag its dependents to SKIPPED rather than leaving them
// PENDING with no Results entry.
func TestSchedulerRunRoutingFailureSkipsDependents(t *testing.T) {
	router := &stubRouter{handler: replyWith(nil)}
	logger := testLogger()
	registry := fleet.NewRegistry("ghost", logger)
	if err := registry.Register(fleet.NewAgent(domain.AgentSpec{AgentID: "worker", ModelKey: "primary"}, router, newMemStore(), fleet.NewChannels(logger), logger)); err != nil {
		t.Fatal(err)
	}
	sched := NewScheduler(registry, fleet.NewBus(0, logger), router, nil, nil, nil, Options{}, logger)

	m, err := sched.Submit(context.Background(), "", domain.Plan{Tasks: []domain.PlanTask{
		{ID: "t1", Model: "no-such-target", Task: "go nowhere"},
		{ID: "t2", Task: "needs t1", DependsOn: []string{"t1"}},
		{ID: "t3", Task: "needs t2", DependsOn: []string{"t2"}},
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := sched.Run(context.Background(), m, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := m.Task("t1").Status; got != domain.TaskFailed {
		t.Errorf("t1 status = %s, want %s", got, domain.TaskFailed)
	}
	for _, id := range []string{"t2", "t3"} {
		if got := m.Task(id).Status; got != domain.TaskSkipped {
			t.Errorf("%s status = %s, want %s", id, got, domain.TaskSkipped)
		}
		res, ok := m.Results[id]
		if !ok {
			t.Fatalf("no result entry for %s", id)
		}
		if !strings.Contains(res.Error, "dependency") {
			t.Errorf("%s error = %q, want dependency explanation", id, res.Error)
		}
	}
	if m.Status != domain.MissionFailed {
		t.Errorf("mission status = %s, want %s", m.Status, domain.MissionFailed)
	}
	if got := router.count("primary"); got != 0 {
		t.Errorf("router calls = %d, want 0", got)
	}
}

func TestSchedulerOverflowWithoutEscalationFails(t *testing.T) {
	router := &stubRouter{handler: func(_ string, _ domain.ChatRequest) (*domain.ChatResponse, error) {
		return nil, domain.NewSubSystemError("backend", "Chat", domain.ErrContextOverflow, "prompt too large")
	}}
	env := newSchedEnv(t, Options{}, nil, nil, router)

	m := submitPlan(t, env, "", domain.Plan{Tasks: []domain.PlanTask{
		{ID: "t1", Task: "digest the whole archive"},
	}})
	if err := env.sched.Run(context.Background(), m, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Task("t1").Status; got != domain.TaskFailed {
		t.Errorf("t1 status = %s, want %s", got, domain.TaskFailed)
	}
	if m.Status != domain.MissionFailed {
		t.Errorf("mission status = %s, want %s", m.Status, domain.MissionFailed)
	}
}

func TestBackoffDelayGrowth(t *testing.T) {
	base := 100 * time.Millisecond
	for retry, want := range map[int]time.Duration{1: base, 2: 2 * base, 3: 4 * base} {
		got := backoffDelay(base, retry)
		if got < want || got > want+want/4 {
			t.Errorf("backoffDelay(retry=%d) = %v, want [%v, %v]", retry, got, want, want+want/4)
		}
	}

	// Deep retries stay capped.
	if got := backoffDelay(base, 20); got > maxRetryDelay+maxRetryDelay/4 {
		t.Errorf("backoffDelay(retry=20) = %v, exceeds cap", got)
	}
}

func waitForEscalation(t *testing.T, mgr *escalation.Manager) domain.Escalation {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pending := mgr.Pending(); len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("no escalation raised within deadline")
	return domain.Escalation{}
}

func waitForRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("mission run did not finish")
		return nil
	}
}
