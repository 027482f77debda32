package fleet

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"foreman/internal/domain"
)

// defaultMailboxSize bounds a recipient's pending queue when the
// configuration does not.
const defaultMailboxSize = 256

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Bus delivers messages between the scheduler and agents. Each recipient has
// a FIFO mailbox; there is no ordering guarantee across recipients and no
// durability across restarts. Every mission-scoped message is additionally
// retained in a per-mission append-only log for audit reads.
type Bus struct {
	mu         sync.Mutex
	mailboxes  map[string][]domain.AgentMessage
	missionLog map[string][]domain.AgentMessage
	maxPending int
	logger     *slog.Logger
}

// NewBus creates a Bus. maxPending bounds each mailbox; values <= 0 use the
// default.
func NewBus(maxPending int, logger *slog.Logger) *Bus {
	if maxPending <= 0 {
		maxPending = defaultMailboxSize
	}
	return &Bus{
		mailboxes:  make(map[string][]domain.AgentMessage),
		missionLog: make(map[string][]domain.AgentMessage),
		maxPending: maxPending,
		logger:     logger,
	}
}

// Send enqueues msg into the recipient's mailbox. Constant-time append; FIFO
// within the recipient. A full mailbox rejects with ErrLimitReached rather
// than blocking. Missing id and timestamp are filled in.
func (b *Bus) Send(msg domain.AgentMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.ID == "" {
		msg.ID = generateULID(msg.CreatedAt)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	box := b.mailboxes[msg.Recipient]
	if len(box) >= b.maxPending {
		return domain.NewDomainError("Bus.Send", domain.ErrLimitReached,
			"mailbox full for "+msg.Recipient)
	}
	b.mailboxes[msg.Recipient] = append(box, msg)
	if msg.MissionID != "" {
		b.missionLog[msg.MissionID] = append(b.missionLog[msg.MissionID], msg)
	}

	b.logger.Debug("message sent",
		"id", msg.ID,
		"type", string(msg.Type),
		"from", msg.Sender,
		"to", msg.Recipient,
		"mission_id", msg.MissionID,
	)
	return nil
}

// GetPending drains the recipient's mailbox, returning messages in send
// order. A second call returns nothing until new messages arrive.
func (b *Bus) GetPending(agentID string) []domain.AgentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	box := b.mailboxes[agentID]
	if len(box) == 0 {
		return nil
	}
	delete(b.mailboxes, agentID)
	return box
}

// PeekPending returns a copy of the recipient's mailbox without draining it.
func (b *Bus) PeekPending(agentID string) []domain.AgentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	box := b.mailboxes[agentID]
	if len(box) == 0 {
		return nil
	}
	out := make([]domain.AgentMessage, len(box))
	copy(out, box)
	return out
}

// PendingCount reports how many messages wait for the recipient.
func (b *Bus) PendingCount(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.mailboxes[agentID])
}

// MissionLog returns a copy of the append-only message log for a mission,
// in send order.
func (b *Bus) MissionLog(missionID string) []domain.AgentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	log := b.missionLog[missionID]
	if len(log) == 0 {
		return nil
	}
	out := make([]domain.AgentMessage, len(log))
	copy(out, log)
	return out
}

// DropMissionLog releases the retained log for a finished mission.
func (b *Bus) DropMissionLog(missionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.missionLog, missionID)
}
