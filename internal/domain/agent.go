package domain

import "strings"

// ToolCreatePullRequest is the gated grant: an agent holding it pauses
// for human approval before anything is published to source control.
const ToolCreatePullRequest = "create_pull_request"

// ToolGrant names one capability an agent may exercise through its model
// provider. Grants are opaque pass-through data to this core; they are
// never executed here.
type ToolGrant struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// AgentDefinition is the static description of one agent persona.
// Definitions are immutable after config load; the whole set is swapped
// atomically if the process restarts with new config.
type AgentDefinition struct {
	ID   string `yaml:"id"`
	Role string `yaml:"role"`

	// Prompt is the professional system prompt; CharacterPrompt is the
	// in-character variant selected when character mode is on.
	Prompt          string `yaml:"prompt"`
	CharacterPrompt string `yaml:"character_prompt"`

	// Emoji prefixes replies in character mode.
	Emoji string `yaml:"emoji"`

	// Triggers are keyword routing hints, matched case-insensitively as
	// substrings of the message text, in config order.
	Triggers []string `yaml:"triggers"`

	Tools []ToolGrant `yaml:"tools"`

	// Provider names a configured model provider; Model overrides the
	// provider's default model when set.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// PromptFor selects the system prompt for the given presentation mode.
// Personas are data, not types: the same agent switches voice by prompt
// selection alone. Falls back to the professional prompt when no
// character prompt is configured.
func (d AgentDefinition) PromptFor(characterMode bool) string {
	if characterMode && d.CharacterPrompt != "" {
		return d.CharacterPrompt
	}
	return d.Prompt
}

// HasTool reports whether the definition carries the named grant.
func (d AgentDefinition) HasTool(name string) bool {
	for _, g := range d.Tools {
		if g.Name == name {
			return true
		}
	}
	return false
}

// MatchesTrigger reports whether text contains any of the definition's
// trigger keywords. Matching is deliberately a case-insensitive substring
// check: "git" matches "digit". Simplicity over precision; a false
// positive costs one extra task, a missed route is a silent drop.
func (d AgentDefinition) MatchesTrigger(text string) bool {
	lower := strings.ToLower(text)
	for _, t := range d.Triggers {
		if t == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}
