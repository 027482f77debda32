package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Role constants for chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is a single message in a completion request.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is a one-shot or streamed completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Tools       []ToolDef     `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Timeout     time.Duration `json:"-"`
}

// Usage tracks token consumption for a single call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the structured result of a completion call.
type ChatResponse struct {
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Model        string     `json:"model,omitempty"`
	Usage        Usage      `json:"usage"`
}

// ChatDelta is one fragment of a streamed completion. The stream is a lazy,
// finite, non-restartable sequence: fragments arrive in generation order and
// the full text is the concatenation of all Content fields. A non-nil Err
// terminates the stream; Done marks normal completion.
type ChatDelta struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
	Err     error  `json:"-"`
}

// EmbedRequest asks for one vector per input text, order-preserving.
type EmbedRequest struct {
	Model string   `json:"model"`
	Texts []string `json:"texts"`
}

// ModelInfo describes one model visible on a backend.
type ModelInfo struct {
	ID      string `json:"id"`
	Backend string `json:"backend"`
	SizeMB  int64  `json:"size_mb,omitempty"`
}

// Inventory is the merged result of probing every configured backend.
// Probe failures degrade to a partial inventory; Errors records what failed.
type Inventory struct {
	Models []ModelInfo       `json:"models"`
	Errors map[string]string `json:"errors,omitempty"`
}

// TokenCounter estimates token usage for context budget checks. Counts are
// approximations: close enough to reject requests that cannot fit, not exact
// accounting.
type TokenCounter interface {
	CountText(text string) int
	CountMessages(msgs []ChatMessage) int
}

// Backend is the uniform contract over heterogeneous inference servers.
// Adapters are interchangeable: the router's control flow never depends on
// the backend family. Operations a family cannot perform return
// ErrNotSupported, which lifecycle callers treat as best-effort.
type Backend interface {
	// Name returns the configured backend name.
	Name() string
	// Models lists models currently visible on the backend.
	Models(ctx context.Context) ([]ModelInfo, error)
	// Chat performs a one-shot completion.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// ChatStream performs an incremental completion. The returned channel is
	// closed after the final delta; callers must drain it.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan ChatDelta, error)
	// Embed returns one vector per input text, order-preserving.
	Embed(ctx context.Context, req EmbedRequest) ([][]float32, error)
	// Load makes a model resident, optionally pinned for ttl.
	Load(ctx context.Context, model string, ttl time.Duration) error
	// Unload evicts a model.
	Unload(ctx context.Context, model string) error
	// Pull downloads a model onto the backend.
	Pull(ctx context.Context, model string) error
	// IsHealthy probes backend reachability.
	IsHealthy(ctx context.Context) bool
}
