package domain

import "time"

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

const (
	MissionPending   MissionStatus = "PENDING"
	MissionRunning   MissionStatus = "RUNNING"
	MissionCompleted MissionStatus = "COMPLETED"
	MissionFailed    MissionStatus = "FAILED"
	MissionPartial   MissionStatus = "PARTIAL"
)

// Terminal reports whether s is a final state.
func (s MissionStatus) Terminal() bool {
	return s == MissionCompleted || s == MissionFailed || s == MissionPartial
}

// Mission is a bounded unit of orchestrated work: a validated task graph plus
// the results collected while executing it. Task and status fields are owned
// exclusively by the scheduler goroutine running the mission; everything else
// reads Snapshot copies.
type Mission struct {
	ID             string                `json:"id"`
	Description    string                `json:"description,omitempty"`
	Tasks          []*Task               `json:"tasks"`
	Status         MissionStatus         `json:"status"`
	Results        map[string]TaskResult `json:"results"`
	Synthesize     bool                  `json:"synthesize,omitempty"`
	SynthesisModel string                `json:"synthesis_model,omitempty"`
	Synthesis      string                `json:"synthesis,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// MissionSummary is the persisted, externally visible snapshot of a mission.
type MissionSummary struct {
	ID          string                `json:"id"`
	Description string                `json:"description,omitempty"`
	Status      MissionStatus         `json:"status"`
	TaskStates  map[string]TaskStatus `json:"task_states"`
	Results     map[string]TaskResult `json:"results"`
	Synthesis   string                `json:"synthesis,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	FinishedAt  time.Time             `json:"finished_at"`
}

// Snapshot copies the mission's current state for external readers.
func (m *Mission) Snapshot() MissionSummary {
	states := make(map[string]TaskStatus, len(m.Tasks))
	for _, t := range m.Tasks {
		states[t.ID] = t.Status
	}
	results := make(map[string]TaskResult, len(m.Results))
	for id, r := range m.Results {
		results[id] = r
	}
	return MissionSummary{
		ID:          m.ID,
		Description: m.Description,
		Status:      m.Status,
		TaskStates:  states,
		Results:     results,
		Synthesis:   m.Synthesis,
		CreatedAt:   m.CreatedAt,
	}
}

// Task returns the task with the given id, or nil.
func (m *Mission) Task(id string) *Task {
	for _, t := range m.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}
