package fleet

import (
	"log/slog"
	"sort"
	"sync"

	"foreman/internal/domain"
)

// Registry holds all registered agents and routes tasks onto them.
// Agents register once at startup; the set never shrinks while running.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	order     []string // registration order, used for capability routing
	defaultID string
	logger    *slog.Logger
}

// NewRegistry creates a Registry with the given default agent ID.
func NewRegistry(defaultID string, logger *slog.Logger) *Registry {
	return &Registry{
		agents:    make(map[string]*Agent),
		defaultID: defaultID,
		logger:    logger,
	}
}

// Register adds an agent. Returns ErrDuplicate if the id is already taken.
func (r *Registry) Register(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ID()
	if _, exists := r.agents[id]; exists {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrDuplicate, id)
	}
	r.agents[id] = a
	r.order = append(r.order, id)
	r.logger.Info("agent registered", "agent_id", id, "model_key", a.Spec().ModelKey)
	return nil
}

// Get returns the agent with the given ID, or ErrNotFound.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return nil, domain.NewSubSystemError("agent", "Registry.Get", domain.ErrNotFound, agentID)
	}
	return a, nil
}

// Default returns the configured default agent.
func (r *Registry) Default() (*Agent, error) {
	return r.Get(r.defaultID)
}

// IDs returns all registered agent ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns a snapshot of every registered agent, sorted by ID.
func (r *Registry) All() []domain.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]domain.AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		infos = append(infos, a.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Spec.AgentID < infos[j].Spec.AgentID
	})
	return infos
}

// ByCapability returns the agents exposing the given tag, in registration
// order.
func (r *Registry) ByCapability(tag string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for _, id := range r.order {
		if a := r.agents[id]; a.Spec().HasCapability(tag) {
			out = append(out, a)
		}
	}
	return out
}

// RouteTask resolves the agent a task should run on. Precedence: exact match
// on agent id, then on model key, then the first registered agent exposing
// the target as a capability tag, then the default agent. ErrRoutingFailed
// when nothing matches.
func (r *Registry) RouteTask(task *domain.Task) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target := task.Target

	if a, ok := r.agents[target]; ok {
		r.logger.Debug("task routed by agent id", "task", task.ID, "agent_id", target)
		return a, nil
	}

	for _, id := range r.order {
		if a := r.agents[id]; a.Spec().ModelKey == target {
			r.logger.Debug("task routed by model key", "task", task.ID, "agent_id", id, "model_key", target)
			return a, nil
		}
	}

	for _, id := range r.order {
		if a := r.agents[id]; a.Spec().HasCapability(target) {
			r.logger.Debug("task routed by capability", "task", task.ID, "agent_id", id, "capability", target)
			return a, nil
		}
	}

	if a, ok := r.agents[r.defaultID]; ok {
		r.logger.Debug("task routed to default agent", "task", task.ID, "agent_id", r.defaultID)
		return a, nil
	}

	return nil, domain.NewDomainError("Registry.RouteTask", domain.ErrRoutingFailed, target)
}
