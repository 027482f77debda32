package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"foreman/internal/domain"
	"foreman/internal/infra/tracer"
)

// defaultMaxIter bounds the tool loop for agents without an explicit limit.
const defaultMaxIter = 8

// Payload keys on TASK messages, shared with the scheduler that builds them.
const (
	PayloadTaskID = "task_id"
	PayloadTools  = "tools_needed"
)

// LLMRouter is the slice of the inference router the agent runtime needs.
type LLMRouter interface {
	CallLLM(ctx context.Context, modelKey string, req domain.ChatRequest) (*domain.ChatResponse, error)
	CallLLMStream(ctx context.Context, modelKey string, req domain.ChatRequest) (<-chan domain.ChatDelta, error)
}

// WorkspaceStore is the mission-scoped artifact store agents share findings
// through.
type WorkspaceStore interface {
	Append(missionID string, entry domain.WorkspaceEntry) error
	Entries(missionID string) ([]domain.WorkspaceEntry, error)
}

// ProgressFunc receives content fragments as they stream in during a task.
type ProgressFunc func(taskID, chunk string)

// Agent executes TASK messages against its configured model. One Agent value
// serves many tasks; per-run state lives on the stack.
type Agent struct {
	spec      domain.AgentSpec
	router    LLMRouter
	workspace WorkspaceStore
	channels  *Channels
	logger    *slog.Logger

	mu       sync.Mutex
	state    domain.AgentState
	progress ProgressFunc
}

// NewAgent creates an idle agent from its registration record.
func NewAgent(spec domain.AgentSpec, router LLMRouter, workspace WorkspaceStore, channels *Channels, logger *slog.Logger) *Agent {
	if spec.MaxIter <= 0 {
		spec.MaxIter = defaultMaxIter
	}
	return &Agent{
		spec:      spec,
		router:    router,
		workspace: workspace,
		channels:  channels,
		logger:    logger.With("agent_id", spec.AgentID),
		state:     domain.AgentIdle,
	}
}

// ID returns the agent's registration id.
func (a *Agent) ID() string { return a.spec.AgentID }

// Spec returns the agent's registration record.
func (a *Agent) Spec() domain.AgentSpec { return a.spec }

// State returns the agent's current runtime state.
func (a *Agent) State() domain.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Info returns a read-only snapshot of the agent.
func (a *Agent) Info() domain.AgentInfo {
	return domain.AgentInfo{Spec: a.spec, State: a.State()}
}

// SetProgress attaches a sink that receives streamed fragments while a task
// runs. With a sink attached, tasks without tool calls stream instead of
// waiting for the full completion.
func (a *Agent) SetProgress(fn ProgressFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.progress = fn
}

func (a *Agent) setState(s domain.AgentState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

func (a *Agent) progressSink() ProgressFunc {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress
}

// Run executes one TASK message and returns the RESULT reply. The prompt is
// built from the task description plus findings earlier tasks left in the
// mission workspace; the agent's own output is appended back so downstream
// tasks can read it.
func (a *Agent) Run(ctx context.Context, msg domain.AgentMessage) (domain.AgentMessage, error) {
	taskID, _ := msg.Payload[PayloadTaskID].(string)

	ctx, span := tracer.StartSpan(ctx, "agent.run",
		trace.WithAttributes(
			tracer.StringAttr("agent_id", a.spec.AgentID),
			tracer.StringAttr("task_id", taskID),
		),
	)
	defer span.End()

	a.setState(domain.AgentRunning)

	start := time.Now()
	content, usage, err := a.execute(ctx, msg, taskID)
	if err != nil {
		a.setState(domain.AgentError)
		tracer.RecordError(span, err)
		a.logger.WarnContext(ctx, "task failed", "task_id", taskID, "error", err)
		return domain.AgentMessage{}, err
	}
	a.setState(domain.AgentIdle)
	tracer.SetOK(span)

	if msg.MissionID != "" && a.workspace != nil {
		entry := domain.WorkspaceEntry{
			MissionID: msg.MissionID,
			TaskID:    taskID,
			Author:    a.spec.AgentID,
			Kind:      "result",
			Content:   content,
			CreatedAt: time.Now(),
		}
		if err := a.workspace.Append(msg.MissionID, entry); err != nil {
			a.logger.WarnContext(ctx, "workspace append failed", "error", err)
		}
	}

	a.logger.InfoContext(ctx, "task completed",
		"task_id", taskID,
		"tokens", usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	reply := msg.Reply(generateULID(time.Now()), content, map[string]any{
		PayloadTaskID:  taskID,
		"model_key":    a.spec.ModelKey,
		"total_tokens": usage.TotalTokens,
	})
	return reply, nil
}

func (a *Agent) execute(ctx context.Context, msg domain.AgentMessage, taskID string) (string, domain.Usage, error) {
	msgs := a.buildMessages(msg)

	tools := payloadStrings(msg.Payload, PayloadTools)
	if a.spec.CanUseTools && len(tools) > 0 {
		return a.runToolLoop(ctx, msg.MissionID, msgs)
	}
	if sink := a.progressSink(); sink != nil {
		return a.streamCompletion(ctx, taskID, msgs, sink)
	}

	resp, err := a.router.CallLLM(ctx, a.spec.ModelKey, domain.ChatRequest{Messages: msgs})
	if err != nil {
		return "", domain.Usage{}, err
	}
	return resp.Content, resp.Usage, nil
}

// buildMessages assembles the chat request: system prompt, shared findings
// from the mission workspace, then the task itself.
func (a *Agent) buildMessages(msg domain.AgentMessage) []domain.ChatMessage {
	system := a.spec.SystemPrompt
	if system == "" {
		system = fmt.Sprintf(
			"You are %s, a worker agent. Complete the assigned task and reply with the result only.",
			a.spec.AgentID)
	}

	var sb strings.Builder
	sb.WriteString(msg.Content)

	if msg.MissionID != "" && a.workspace != nil {
		entries, err := a.workspace.Entries(msg.MissionID)
		if err != nil {
			a.logger.Warn("workspace read failed", "mission_id", msg.MissionID, "error", err)
		} else if len(entries) > 0 {
			sb.WriteString("\n\nFindings from earlier tasks:\n")
			for _, e := range entries {
				fmt.Fprintf(&sb, "[%s/%s] %s\n", e.Author, e.TaskID, e.Content)
			}
		}
	}

	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: system},
		{Role: domain.RoleUser, Content: sb.String()},
	}
}

// streamCompletion consumes a delta stream, forwarding fragments to the sink
// and concatenating them into the full text.
func (a *Agent) streamCompletion(ctx context.Context, taskID string, msgs []domain.ChatMessage, sink ProgressFunc) (string, domain.Usage, error) {
	ch, err := a.router.CallLLMStream(ctx, a.spec.ModelKey, domain.ChatRequest{Messages: msgs})
	if err != nil {
		return "", domain.Usage{}, err
	}

	var sb strings.Builder
	var usage domain.Usage
	for delta := range ch {
		if delta.Err != nil {
			return "", usage, delta.Err
		}
		if delta.Content != "" {
			sb.WriteString(delta.Content)
			sink(taskID, delta.Content)
		}
		if delta.Usage != nil {
			usage = *delta.Usage
		}
	}
	return sb.String(), usage, nil
}

// runToolLoop alternates completions and tool executions until the model
// stops requesting tools or the iteration bound is hit.
func (a *Agent) runToolLoop(ctx context.Context, missionID string, msgs []domain.ChatMessage) (string, domain.Usage, error) {
	defs := agentToolDefs()
	var total domain.Usage

	for i := 0; i < a.spec.MaxIter; i++ {
		resp, err := a.router.CallLLM(ctx, a.spec.ModelKey, domain.ChatRequest{
			Messages: msgs,
			Tools:    defs,
		})
		if err != nil {
			return "", total, err
		}
		total.PromptTokens += resp.Usage.PromptTokens
		total.CompletionTokens += resp.Usage.CompletionTokens
		total.TotalTokens += resp.Usage.TotalTokens

		a.logger.Debug("tool loop iteration",
			"iteration", i,
			"tool_calls", len(resp.ToolCalls),
			"tokens", resp.Usage.TotalTokens,
		)

		if len(resp.ToolCalls) == 0 {
			return resp.Content, total, nil
		}

		msgs = append(msgs, domain.ChatMessage{
			Role:      domain.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			msgs = append(msgs, a.execTool(ctx, missionID, call))
		}
	}
	return "", total, domain.NewDomainError("Agent.Run", domain.ErrMaxIterations, a.spec.AgentID)
}

// payloadStrings reads a string list from a message payload, accepting both
// the in-process []string shape and the []any shape a JSON round trip leaves.
func payloadStrings(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
