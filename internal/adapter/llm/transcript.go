package llm

import (
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"council/internal/domain"
)

// maxTranscriptTurns caps how much conversation history a provider keeps
// per continuity token. Older turns fall off the front.
const maxTranscriptTurns = 20

// turn is one exchange entry in a provider-held transcript.
type turn struct {
	role string // "user" or "assistant"
	text string
}

// transcriptStore holds conversation history behind opaque continuity
// tokens. The core never sees message lists; it only carries the token
// from one call to the next. A token is single-use: each successful call
// mints a fresh one and retires the old, so a stale token simply resumes
// an empty conversation.
type transcriptStore struct {
	mu          sync.Mutex
	transcripts map[string][]turn
}

func newTranscriptStore() *transcriptStore {
	return &transcriptStore{transcripts: make(map[string][]turn)}
}

// resume returns a copy of the transcript behind token. Empty or unknown
// tokens yield an empty history.
func (s *transcriptStore) resume(token string) []turn {
	if token == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	turns, ok := s.transcripts[token]
	if !ok {
		return nil
	}
	out := make([]turn, len(turns))
	copy(out, turns)
	return out
}

// save stores turns under a fresh token and retires oldToken. Only called
// after a successful provider call, so a failed call never consumes the
// caller's token.
func (s *transcriptStore) save(oldToken string, turns []turn) string {
	if len(turns) > maxTranscriptTurns {
		turns = turns[len(turns)-maxTranscriptTurns:]
	}

	token := ulid.Make().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if oldToken != "" {
		delete(s.transcripts, oldToken)
	}
	s.transcripts[token] = turns
	return token
}

// len reports how many transcripts are live. Intended for testing.
func (s *transcriptStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transcripts)
}

// buildSystemPrompt appends a capabilities section describing the agent's
// tool grants to the persona prompt. Grants are surfaced as instructions,
// not API tool declarations: the model narrates intent and the council
// executes the gated step after human approval.
func buildSystemPrompt(base string, tools []domain.ToolGrant) string {
	if len(tools) == 0 {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nYou have the following capabilities, executed on your behalf after human approval:\n")
	for _, t := range tools {
		b.WriteString("- ")
		b.WriteString(t.Name)
		if t.Description != "" {
			b.WriteString(": ")
			b.WriteString(t.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
