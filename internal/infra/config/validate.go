package config

import (
	"fmt"
	"strings"

	"council/internal/domain"
)

// Validate checks the configuration for internal consistency. It is run
// after env overrides and secret decryption, so it sees final values.
func Validate(cfg *Config) error {
	var problems []string

	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("logger.level %q is not one of debug/info/warn/error", cfg.Logger.Level))
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logger.format %q is not one of text/json", cfg.Logger.Format))
	}

	if cfg.Council.MaxCallsPerSession <= 0 {
		problems = append(problems, "council.max_calls_per_session must be positive")
	}
	if cfg.Council.ApprovalTimeout < 0 {
		problems = append(problems, "council.approval_timeout must not be negative")
	}

	providerNames := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.Name == "" {
			problems = append(problems, fmt.Sprintf("providers[%d]: name is required", i))
			continue
		}
		if providerNames[p.Name] {
			problems = append(problems, fmt.Sprintf("providers[%d]: duplicate name %q", i, p.Name))
		}
		providerNames[p.Name] = true
		switch p.Type {
		case "anthropic":
			if p.APIKey == "" {
				problems = append(problems, fmt.Sprintf("provider %s: api_key is required", p.Name))
			}
		case "bedrock":
			if p.Region == "" {
				problems = append(problems, fmt.Sprintf("provider %s: region is required", p.Name))
			}
		default:
			problems = append(problems, fmt.Sprintf("provider %s: unknown type %q", p.Name, p.Type))
		}
	}

	agentIDs := make(map[string]bool, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if a.ID == "" {
			problems = append(problems, fmt.Sprintf("agents[%d]: id is required", i))
			continue
		}
		if agentIDs[a.ID] {
			problems = append(problems, fmt.Sprintf("agents[%d]: duplicate id %q", i, a.ID))
		}
		agentIDs[a.ID] = true
		if a.Provider != "" && !providerNames[a.Provider] {
			problems = append(problems, fmt.Sprintf("agent %s: provider %q is not configured", a.ID, a.Provider))
		}
	}

	for i, ch := range cfg.Channels {
		switch ch.Type {
		case "discord":
			if ch.Discord == nil || ch.Discord.Token == "" {
				problems = append(problems, fmt.Sprintf("channels[%d]: discord token is required", i))
			}
			if ch.Discord != nil {
				validateIdentityAgents(ch.Discord.Identities, ch.Discord.DMAgent, agentIDs, "discord", &problems)
			}
		case "slack":
			if ch.Slack == nil || ch.Slack.BotToken == "" || ch.Slack.AppToken == "" {
				problems = append(problems, fmt.Sprintf("channels[%d]: slack bot_token and app_token are required", i))
			}
			if ch.Slack != nil {
				validateIdentityAgents(ch.Slack.Identities, ch.Slack.DMAgent, agentIDs, "slack", &problems)
			}
		default:
			problems = append(problems, fmt.Sprintf("channels[%d]: unknown type %q", i, ch.Type))
		}
	}

	if len(problems) > 0 {
		return domain.NewDomainError("config.Validate", domain.ErrConfigLoad, strings.Join(problems, "; "))
	}
	return nil
}

func validateIdentityAgents(identities map[string]string, dmAgent string, known map[string]bool, channel string, problems *[]string) {
	for user, agent := range identities {
		if !known[agent] {
			*problems = append(*problems, fmt.Sprintf("%s identity %s maps to unknown agent %q", channel, user, agent))
		}
	}
	if dmAgent != "" && !known[dmAgent] {
		*problems = append(*problems, fmt.Sprintf("%s dm_agent %q is not a configured agent", channel, dmAgent))
	}
}
