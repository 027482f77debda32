package domain

import "time"

// MessageType tags the variant of an AgentMessage.
type MessageType string

const (
	MessageTask       MessageType = "TASK"
	MessageResult     MessageType = "RESULT"
	MessageEscalation MessageType = "ESCALATION_REQUEST"
	MessageInfo       MessageType = "INFO"
)

// AgentMessage is the immutable unit of communication between the scheduler
// and agents. Created by the scheduler or an agent, consumed once by its
// recipient, retained in a per-mission append-only log for audit.
type AgentMessage struct {
	ID        string         `json:"id"`
	Type      MessageType    `json:"type"`
	Sender    string         `json:"sender"`
	Recipient string         `json:"recipient"`
	MissionID string         `json:"mission_id,omitempty"`
	Content   string         `json:"content"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  int            `json:"priority"`
	ParentID  string         `json:"parent_msg_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Reply builds a RESULT message answering m, preserving mission scope and
// parent linkage.
func (m AgentMessage) Reply(id, content string, payload map[string]any) AgentMessage {
	return AgentMessage{
		ID:        id,
		Type:      MessageResult,
		Sender:    m.Recipient,
		Recipient: m.Sender,
		MissionID: m.MissionID,
		Content:   content,
		Payload:   payload,
		Priority:  m.Priority,
		ParentID:  m.ID,
		CreatedAt: time.Now(),
	}
}
