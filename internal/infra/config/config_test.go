package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"council/internal/domain"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "council.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validYAML = `
logger:
  level: debug
  format: json
council:
  max_calls_per_session: 10
  character_mode: true
  approval_timeout: 5m
providers:
  - name: claude
    type: anthropic
    model: claude-sonnet-4-20250514
    api_key: sk-test
agents:
  - id: backend_dev
    role: Backend Developer
    prompt: You are a senior backend engineer.
    character_prompt: You are Rick.
    emoji: "\U0001F9EA"
    triggers: [api, backend]
    provider: claude
    tools:
      - name: list_repositories
        description: List repositories
      - name: create_pull_request
        description: Open a pull request
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, 10, cfg.Council.MaxCallsPerSession)
	assert.True(t, cfg.Council.CharacterMode)
	assert.Equal(t, 5*time.Minute, cfg.Council.ApprovalTimeout)

	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "backend_dev", cfg.Agents[0].ID)
	assert.True(t, cfg.Agents[0].HasTool(domain.ToolCreatePullRequest))

	// Defaults survive partial config.
	assert.NotEmpty(t, cfg.Scheduler.ApprovalSweep)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Council.MaxCallsPerSession)
}

func TestLoadRejectsInsecurePermissions(t *testing.T) {
	path := writeConfig(t, validYAML)
	require.NoError(t, os.Chmod(path, 0o666))

	_, err := Load(path)
	assert.Error(t, err, "world-writable config must be rejected")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COUNCIL_LOGGER_LEVEL", "error")
	t.Setenv("COUNCIL_MAX_CALLS_PER_SESSION", "3")
	t.Setenv("COUNCIL_CHARACTER_MODE", "false")
	t.Setenv("COUNCIL_PROVIDER_CLAUDE_API_KEY", "sk-env")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logger.Level)
	assert.Equal(t, 3, cfg.Council.MaxCallsPerSession)
	assert.False(t, cfg.Council.CharacterMode)
	assert.Equal(t, "sk-env", cfg.Providers[0].APIKey)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := EncryptValue("sk-secret", "passphrase")
	require.NoError(t, err)
	require.NotEqual(t, "sk-secret", enc)

	dec, err := DecryptValue(enc, "passphrase")
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", dec)
}

func TestDecryptWrongPassphrase(t *testing.T) {
	enc, err := EncryptValue("sk-secret", "right")
	require.NoError(t, err)

	_, err = DecryptValue(enc, "wrong")
	assert.ErrorIs(t, err, domain.ErrDecryption)
}

func TestLoadDecryptsEncSecrets(t *testing.T) {
	enc, err := EncryptValue("sk-real", "hunter2")
	require.NoError(t, err)

	yaml := `
providers:
  - name: claude
    type: anthropic
    api_key: "enc:` + enc + `"
`
	t.Setenv("COUNCIL_CONFIG_KEY", "hunter2")
	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, "sk-real", cfg.Providers[0].APIKey)
}
