package domain

// AgentState is the runtime state of a registered agent. Mutated only by the
// agent itself while executing.
type AgentState string

const (
	AgentIdle      AgentState = "IDLE"
	AgentRunning   AgentState = "RUNNING"
	AgentError     AgentState = "ERROR"
	AgentSuspended AgentState = "SUSPENDED"
)

// AgentSpec is the registration record for a worker agent. Registered once at
// startup; immutable afterwards.
type AgentSpec struct {
	AgentID      string   `json:"agent_id"      yaml:"agent_id"`
	ModelKey     string   `json:"model_key"     yaml:"model_key"`
	Description  string   `json:"description,omitempty"  yaml:"description,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	CanUseTools  bool     `json:"can_use_tools" yaml:"can_use_tools"`
	MaxIter      int      `json:"max_iter,omitempty" yaml:"max_iter,omitempty"`
}

// HasCapability reports whether the agent exposes the given tag.
func (s AgentSpec) HasCapability(tag string) bool {
	for _, c := range s.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// AgentInfo is a read-only snapshot of a registered agent and its state.
type AgentInfo struct {
	Spec  AgentSpec  `json:"spec"`
	State AgentState `json:"state"`
}
