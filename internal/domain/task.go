package domain

// TaskStatus is the lifecycle state of one task in a mission graph.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskReady   TaskStatus = "READY"
	TaskRunning TaskStatus = "RUNNING"
	TaskDone    TaskStatus = "DONE"
	TaskFailed  TaskStatus = "FAILED"
	TaskSkipped TaskStatus = "SKIPPED"
)

// Terminal reports whether s is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskSkipped
}

// Task is a node in a mission's dependency graph. Owned exclusively by its
// mission; external reads go through snapshots.
type Task struct {
	ID          string      `json:"id"`
	Target      string      `json:"target"`
	Description string      `json:"description"`
	ToolsNeeded []string    `json:"tools_needed,omitempty"`
	DependsOn   []string    `json:"depends_on,omitempty"`
	Status      TaskStatus  `json:"status"`
	Result      *TaskResult `json:"result,omitempty"`
}

// TaskResult records the outcome of one task.
type TaskResult struct {
	TaskID     string     `json:"task_id"`
	AgentID    string     `json:"agent_id,omitempty"`
	Status     TaskStatus `json:"status"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
}

// PlanTask is the wire shape of one task in a submitted plan:
// {id, model, task, tools_needed, depends_on}. The id defaults to t1, t2, …
// and depends_on to empty when omitted. Loaded from JSON plan documents and
// YAML playbooks.
type PlanTask struct {
	ID          string   `json:"id,omitempty" yaml:"id,omitempty"`
	Model       string   `json:"model" yaml:"model,omitempty"`
	Task        string   `json:"task" yaml:"task"`
	ToolsNeeded []string `json:"tools_needed,omitempty" yaml:"tools_needed,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

// Plan is a submitted task graph, optionally requesting a final synthesis
// pass over the collected results.
type Plan struct {
	Tasks          []PlanTask `json:"tasks" yaml:"tasks"`
	Synthesize     bool       `json:"synthesize,omitempty" yaml:"synthesize,omitempty"`
	SynthesisModel string     `json:"synthesis_model,omitempty" yaml:"synthesis_model,omitempty"`
}
