package usecase

import (
	"log/slog"

	"council/internal/domain"
)

// Router decides which agents an inbound message addresses. The rules
// apply strictly in order; the first rule that yields a decision wins:
//
//  1. a direct message bound to one agent goes to that agent only;
//  2. explicit mentions go to exactly the mentioned agents;
//  3. a broadcast marker goes to every configured agent;
//  4. trigger keywords match case-insensitively as substrings;
//  5. otherwise the message routes nowhere and is dropped silently.
//
// The result preserves agent config order, so routing is deterministic
// and idempotent for a fixed configuration.
type Router struct {
	registry *Registry
	logger   *slog.Logger
}

// NewRouter creates a router over the given registry.
func NewRouter(registry *Registry, logger *slog.Logger) *Router {
	return &Router{registry: registry, logger: logger}
}

// Route returns the agent ids the message addresses. An empty result is
// a valid outcome, not an error.
func (r *Router) Route(msg domain.InboundMessage) []string {
	// Rule 1: bound direct message.
	if msg.DirectTo != "" && r.registry.Has(msg.DirectTo) {
		r.logger.Debug("routed direct message", "agent_id", msg.DirectTo, "conversation", msg.ConversationID)
		return []string{msg.DirectTo}
	}

	defs := r.registry.Definitions()

	// Rule 2: explicit mentions, exactly those agents, config order.
	if len(msg.Mentions) > 0 {
		mentioned := make(map[string]bool, len(msg.Mentions))
		for _, id := range msg.Mentions {
			mentioned[id] = true
		}
		var ids []string
		for _, d := range defs {
			if mentioned[d.ID] {
				ids = append(ids, d.ID)
			}
		}
		if len(ids) > 0 {
			r.logger.Debug("routed mentions", "agents", ids)
			return ids
		}
		// Mentions that resolve to no known agent fall through to nothing:
		// the sender addressed someone, just not us.
		return nil
	}

	// Rule 3: broadcast reaches every agent.
	if msg.Broadcast {
		ids := make([]string, 0, len(defs))
		for _, d := range defs {
			ids = append(ids, d.ID)
		}
		r.logger.Debug("routed broadcast", "agents", len(ids))
		return ids
	}

	// Rule 4: trigger keywords. Substring matching is deliberate; see
	// AgentDefinition.MatchesTrigger.
	var ids []string
	for _, d := range defs {
		if d.MatchesTrigger(msg.Text) {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) > 0 {
		r.logger.Debug("routed triggers", "agents", ids)
		return ids
	}

	// Rule 5: nothing matched; the message is ignored without error.
	return nil
}
