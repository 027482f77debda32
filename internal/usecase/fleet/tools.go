package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"foreman/internal/domain"
)

// Tool names exposed to tool-capable agents.
const (
	toolWorkspaceRead   = "workspace_read"
	toolWorkspaceAppend = "workspace_append"
	toolChannelPost     = "channel_post"
)

// agentToolDefs returns the fixed tool registry offered to agents with
// CanUseTools: reading and writing the shared mission workspace and posting
// on fleet channels.
func agentToolDefs() []domain.ToolDef {
	return []domain.ToolDef{
		{
			Name:        toolWorkspaceRead,
			Description: "Read the findings earlier tasks left in the mission workspace.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {}
			}`),
		},
		{
			Name:        toolWorkspaceAppend,
			Description: "Append a finding to the mission workspace for downstream tasks.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"content": {
						"type": "string",
						"description": "The finding to record"
					},
					"kind": {
						"type": "string",
						"description": "Optional label, e.g. note, data, warning"
					}
				},
				"required": ["content"]
			}`),
		},
		{
			Name:        toolChannelPost,
			Description: "Post a message on a named fleet channel.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"channel": {
						"type": "string",
						"description": "Channel name"
					},
					"content": {
						"type": "string",
						"description": "Message to post"
					}
				},
				"required": ["channel", "content"]
			}`),
		},
	}
}

// execTool runs one tool call and wraps the outcome as a tool-role message.
// Tool failures are returned as content so the model can react instead of
// aborting the loop.
func (a *Agent) execTool(ctx context.Context, missionID string, call domain.ToolCall) domain.ChatMessage {
	result := a.dispatchTool(ctx, missionID, call)
	a.logger.Debug("tool executed", "tool", call.Name, "mission_id", missionID)
	return domain.ChatMessage{
		Role:       domain.RoleTool,
		Content:    result,
		Name:       call.Name,
		ToolCallID: call.ID,
	}
}

func (a *Agent) dispatchTool(_ context.Context, missionID string, call domain.ToolCall) string {
	switch call.Name {
	case toolWorkspaceRead:
		if a.workspace == nil {
			return "error: no workspace attached"
		}
		entries, err := a.workspace.Entries(missionID)
		if err != nil {
			return "error: " + err.Error()
		}
		if len(entries) == 0 {
			return "the workspace is empty"
		}
		out, err := json.Marshal(entries)
		if err != nil {
			return "error: " + err.Error()
		}
		return string(out)

	case toolWorkspaceAppend:
		if a.workspace == nil {
			return "error: no workspace attached"
		}
		var args struct {
			Content string `json:"content"`
			Kind    string `json:"kind"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "error: bad arguments: " + err.Error()
		}
		if args.Content == "" {
			return "error: content is required"
		}
		entry := domain.WorkspaceEntry{
			MissionID: missionID,
			Author:    a.spec.AgentID,
			Kind:      args.Kind,
			Content:   args.Content,
			CreatedAt: time.Now(),
		}
		if err := a.workspace.Append(missionID, entry); err != nil {
			return "error: " + err.Error()
		}
		return "recorded"

	case toolChannelPost:
		if a.channels == nil {
			return "error: no channels attached"
		}
		var args struct {
			Channel string `json:"channel"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "error: bad arguments: " + err.Error()
		}
		if err := a.channels.Post(args.Channel, a.spec.AgentID, args.Content); err != nil {
			return "error: " + err.Error()
		}
		return "posted to " + args.Channel

	default:
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}
}
