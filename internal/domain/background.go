package domain

import "time"

// BackgroundStatus is the externally visible state of a background task.
// Transitions are monotonic: running is the only non-terminal state and
// nothing leaves a terminal state.
type BackgroundStatus string

const (
	BackgroundRunning   BackgroundStatus = "running"
	BackgroundCompleted BackgroundStatus = "completed"
	BackgroundFailed    BackgroundStatus = "failed"
	BackgroundCancelled BackgroundStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s BackgroundStatus) Terminal() bool {
	return s == BackgroundCompleted || s == BackgroundFailed || s == BackgroundCancelled
}

// ProgressEntry is one timestamped line in a background task's narration.
type ProgressEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Step      string    `json:"step,omitempty"`
}

// BackgroundTask is the externally visible handle for a running mission.
// Created on submission, mutated only by the supervisor, retained until
// externally purged.
type BackgroundTask struct {
	ID          string           `json:"id"`
	Description string           `json:"description"`
	Status      BackgroundStatus `json:"status"`
	Plan        Plan             `json:"plan"`
	ProgressLog []ProgressEntry  `json:"progress_log"`
	Result      string           `json:"result,omitempty"`
	MissionID   string           `json:"mission_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
