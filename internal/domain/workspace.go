package domain

import "time"

// WorkspaceEntry is an append-only, mission-scoped artifact agents use to
// share intermediate findings. Never mutated after creation.
type WorkspaceEntry struct {
	MissionID string    `json:"mission_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Author    string    `json:"author"`
	Kind      string    `json:"kind,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelMessage is one post on a named, permissioned communication topic
// between agents, separate from mission-scoped messaging.
type ChannelMessage struct {
	Channel   string    `json:"channel"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
