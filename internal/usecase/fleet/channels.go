package fleet

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"foreman/internal/domain"
)

type channel struct {
	name    string
	members map[string]bool // empty = anyone may post
	limit   int             // max retained messages; <= 0 keeps everything
	history []domain.ChannelMessage
}

// Channels manages named permissioned topics agents post findings on,
// separate from mission-scoped task messaging. History is append-only,
// optionally capped per channel.
type Channels struct {
	mu       sync.RWMutex
	channels map[string]*channel
	logger   *slog.Logger
}

// NewChannels creates an empty channel table.
func NewChannels(logger *slog.Logger) *Channels {
	return &Channels{
		channels: make(map[string]*channel),
		logger:   logger,
	}
}

// CreateChannel registers a named topic. members lists the agent ids allowed
// to post; an empty list lets anyone post. limit caps the retained history,
// oldest messages dropped first; <= 0 keeps everything. Returns ErrDuplicate
// when the name is taken.
func (c *Channels) CreateChannel(name string, members []string, limit int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.channels[name]; exists {
		return domain.NewSubSystemError("channel", "Channels.CreateChannel", domain.ErrDuplicate, name)
	}
	ch := &channel{name: name, members: make(map[string]bool, len(members)), limit: limit}
	for _, m := range members {
		ch.members[m] = true
	}
	c.channels[name] = ch
	c.logger.Info("channel created", "channel", name, "members", len(members))
	return nil
}

// Post appends a message to the channel. The sender must be a member when
// the channel restricts posting; ErrPermissionDenied otherwise.
func (c *Channels) Post(name, sender, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.channels[name]
	if !ok {
		return domain.NewSubSystemError("channel", "Channels.Post", domain.ErrNotFound, name)
	}
	if len(ch.members) > 0 && !ch.members[sender] {
		return domain.NewSubSystemError("channel", "Channels.Post", domain.ErrPermissionDenied,
			sender+" is not a member of "+name)
	}
	ch.history = append(ch.history, domain.ChannelMessage{
		Channel:   name,
		Sender:    sender,
		Content:   content,
		CreatedAt: time.Now(),
	})
	if ch.limit > 0 && len(ch.history) > ch.limit {
		ch.history = ch.history[len(ch.history)-ch.limit:]
	}
	return nil
}

// History returns a copy of the channel's messages in post order.
func (c *Channels) History(name string) ([]domain.ChannelMessage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch, ok := c.channels[name]
	if !ok {
		return nil, domain.NewSubSystemError("channel", "Channels.History", domain.ErrNotFound, name)
	}
	out := make([]domain.ChannelMessage, len(ch.history))
	copy(out, ch.history)
	return out, nil
}

// Names returns all channel names, sorted.
func (c *Channels) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
