package usecase

import (
	"fmt"
	"sync"
	"time"

	"council/internal/domain"
)

// SessionKey builds the canonical key for an (agent, conversation) pair.
func SessionKey(agentID, conversationID string) string {
	return agentID + "|" + conversationID
}

// session is the mutable budget state for one (agent, conversation) pair.
// All access goes through SessionManager under its lock.
type session struct {
	agentID         string
	conversationID  string
	calls           int
	continuityToken string
	warned          bool
	lastActive      time.Time
}

// SessionInfo is a read-only snapshot of one session's budget state.
type SessionInfo struct {
	AgentID        string
	ConversationID string
	Calls          int
	Quota          int
	HasToken       bool
	LastActive     time.Time
}

// Remaining returns how many calls the session may still make.
func (i SessionInfo) Remaining() int {
	if i.Calls >= i.Quota {
		return 0
	}
	return i.Quota - i.Calls
}

// SessionManager owns all agent sessions and their call budgets. The
// counter is monotonically non-decreasing for the life of a session;
// only Reset clears it.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	quota    int
}

// NewSessionManager creates a manager with the given per-session quota.
func NewSessionManager(quota int) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*session),
		quota:    quota,
	}
}

// Quota returns the per-session call quota.
func (m *SessionManager) Quota() int { return m.quota }

// Acquire checks the budget before an invocation and returns the stored
// continuity token. Exhausted sessions fail with ErrBudgetExceeded and
// remain unchanged: the check happens strictly before any provider call.
func (m *SessionManager) Acquire(agentID, conversationID string) (token string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreateLocked(agentID, conversationID)
	if s.calls >= m.quota {
		return "", domain.NewDomainError("Session.Acquire", domain.ErrBudgetExceeded,
			fmt.Sprintf("%s has used all %d calls in this conversation", agentID, m.quota))
	}
	s.lastActive = time.Now().UTC()
	return s.continuityToken, nil
}

// Commit records a successful invocation: it increments the counter and
// stores the provider's continuity token. Failed invocations are never
// committed. The returned warn flag is true exactly once per session,
// when the counter first crosses 80% of quota.
func (m *SessionManager) Commit(agentID, conversationID, token string) (calls int, warn bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreateLocked(agentID, conversationID)
	s.calls++
	s.continuityToken = token
	s.lastActive = time.Now().UTC()

	// calls/quota >= 0.8 without floating point.
	if !s.warned && s.calls*5 >= m.quota*4 {
		s.warned = true
		return s.calls, true
	}
	return s.calls, false
}

// Reset clears the session's counter and continuity token.
func (m *SessionManager) Reset(agentID, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := SessionKey(agentID, conversationID)
	if _, ok := m.sessions[key]; !ok {
		return domain.NewDomainError("Session.Reset", domain.ErrSessionNotFound, key)
	}
	delete(m.sessions, key)
	return nil
}

// Info returns a snapshot of the session's budget state. Unknown
// sessions report zero calls against the full quota: a session exists
// implicitly from the first invocation.
func (m *SessionManager) Info(agentID, conversationID string) SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := SessionInfo{
		AgentID:        agentID,
		ConversationID: conversationID,
		Quota:          m.quota,
	}
	if s, ok := m.sessions[SessionKey(agentID, conversationID)]; ok {
		info.Calls = s.calls
		info.HasToken = s.continuityToken != ""
		info.LastActive = s.lastActive
	}
	return info
}

// List returns snapshots of all live sessions.
func (m *SessionManager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, SessionInfo{
			AgentID:        s.agentID,
			ConversationID: s.conversationID,
			Calls:          s.calls,
			Quota:          m.quota,
			HasToken:       s.continuityToken != "",
			LastActive:     s.lastActive,
		})
	}
	return infos
}

// ReapIdle removes sessions idle for longer than ttl and returns how
// many were removed. A ttl of zero disables reaping.
func (m *SessionManager) ReapIdle(ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-ttl)
	removed := 0
	for key, s := range m.sessions {
		if s.lastActive.Before(cutoff) {
			delete(m.sessions, key)
			removed++
		}
	}
	return removed
}

func (m *SessionManager) getOrCreateLocked(agentID, conversationID string) *session {
	key := SessionKey(agentID, conversationID)
	s, ok := m.sessions[key]
	if !ok {
		s = &session{
			agentID:        agentID,
			conversationID: conversationID,
			lastActive:     time.Now().UTC(),
		}
		m.sessions[key] = s
	}
	return s
}
