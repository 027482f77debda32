package domain

import "time"

// EscalationStatus is the lifecycle state of an escalation.
type EscalationStatus string

const (
	EscalationPending  EscalationStatus = "pending"
	EscalationResolved EscalationStatus = "resolved"
)

// EscalationTarget is one selectable response to an escalation, carrying the
// resource cost a caller weighs when choosing.
type EscalationTarget struct {
	Key          string `json:"key"          yaml:"key"`
	Label        string `json:"label"        yaml:"label"`
	Description  string `json:"description"  yaml:"description"`
	MemoryCostMB int    `json:"memory_cost"  yaml:"memory_cost"`
	Available    bool   `json:"available"    yaml:"available"`
}

// Escalation is a human-approval gate raised when a task exceeds fleet
// capability. It lives in an in-memory, non-durable store and is resolved
// exactly once.
type Escalation struct {
	ID            string             `json:"id"`
	MissionID     string             `json:"mission_id"`
	TaskID        string             `json:"task_id,omitempty"`
	Reason        string             `json:"reason"`
	FindingsSoFar string             `json:"findings_so_far"`
	Targets       []EscalationTarget `json:"targets"`
	Status        EscalationStatus   `json:"status"`
	ChosenTarget  string             `json:"chosen_target,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Target returns the target with the given key, or nil.
func (e *Escalation) Target(key string) *EscalationTarget {
	for i := range e.Targets {
		if e.Targets[i].Key == key {
			return &e.Targets[i]
		}
	}
	return nil
}
