package usecase

import (
	"log/slog"
	"sync"

	"council/internal/domain"
)

// Registry holds all configured agents and preserves their config order,
// which routing and listings depend on for determinism.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		logger: logger,
	}
}

// Register adds an agent. Returns ErrDuplicate if the id is taken.
func (r *Registry) Register(agent *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := agent.Definition().ID
	if _, exists := r.agents[id]; exists {
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicate, id)
	}
	r.agents[id] = agent
	r.order = append(r.order, id)
	r.logger.Info("agent registered", "agent_id", id, "role", agent.Definition().Role)
	return nil
}

// Get returns the agent for the given id, or ErrUnknownAgent.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrUnknownAgent, agentID)
	}
	return agent, nil
}

// Has reports whether the id names a registered agent.
func (r *Registry) Has(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// Definitions returns all agent definitions in registration order.
func (r *Registry) Definitions() []domain.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]domain.AgentDefinition, 0, len(r.order))
	for _, id := range r.order {
		defs = append(defs, r.agents[id].Definition())
	}
	return defs
}

// IDs returns all agent ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}
