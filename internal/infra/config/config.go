package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"council/internal/domain"
)

// Config is the root configuration.
type Config struct {
	Logger    LoggerConfig             `yaml:"logger"`
	Tracer    TracerConfig             `yaml:"tracer"`
	Council   CouncilConfig            `yaml:"council"`
	Providers []ProviderConfig         `yaml:"providers"`
	Channels  []ChannelConfig          `yaml:"channels"`
	Agents    []domain.AgentDefinition `yaml:"agents"`
	SCM       SCMConfig                `yaml:"scm"`
	Storage   StorageConfig            `yaml:"storage"`
	Scheduler SchedulerConfig          `yaml:"scheduler"`
}

// LoggerConfig controls slog output.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig controls OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// CouncilConfig controls task orchestration behavior.
type CouncilConfig struct {
	// MaxCallsPerSession is the per-(agent, conversation) invocation quota.
	MaxCallsPerSession int `yaml:"max_calls_per_session"`

	// CharacterMode switches agents to their in-character prompts and
	// emoji-prefixed replies.
	CharacterMode bool `yaml:"character_mode"`

	// ApprovalTimeout cancels tasks left in waiting_approval longer than
	// this. Zero disables expiry.
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`

	// SessionTTL is how long idle sessions survive before the reaper
	// removes them.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// HistoryLimit caps /history and archive listings.
	HistoryLimit int `yaml:"history_limit"`
}

// ProviderConfig describes one model provider instance.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"` // anthropic, bedrock
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	// Bedrock-specific.
	Region string `yaml:"region"`

	MaxTokens   int           `yaml:"max_tokens"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`

	Pool    PoolConfig    `yaml:"pool"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// PoolConfig configures HTTP connection pooling for providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// BreakerConfig configures the provider circuit breaker.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ChannelConfig describes one chat transport.
type ChannelConfig struct {
	Type    string                `yaml:"type"` // discord, slack
	Discord *DiscordChannelConfig `yaml:"discord,omitempty"`
	Slack   *SlackChannelConfig   `yaml:"slack,omitempty"`
}

// DiscordChannelConfig configures the Discord transport.
type DiscordChannelConfig struct {
	Token string `yaml:"token"`

	// Identities maps Discord user ids to agent ids for native-mention
	// resolution.
	Identities map[string]string `yaml:"identities"`

	// DMAgent is the agent bound to direct-message conversations; empty
	// leaves DMs to mention/trigger routing.
	DMAgent string `yaml:"dm_agent"`

	// AllowedChannels restricts guild channels; empty allows all.
	AllowedChannels []string `yaml:"allowed_channels"`
}

// SlackChannelConfig configures the Slack Socket Mode transport.
type SlackChannelConfig struct {
	BotToken   string            `yaml:"bot_token"`
	AppToken   string            `yaml:"app_token"`
	Identities map[string]string `yaml:"identities"`
	DMAgent    string            `yaml:"dm_agent"`
}

// SCMConfig configures the source-control provider.
type SCMConfig struct {
	Type  string `yaml:"type"` // github
	Token string `yaml:"token"`
	// Owner scopes repository listings to one account or org.
	Owner string `yaml:"owner"`
	// BaseBranch is the default PR base when a repository does not
	// report one.
	BaseBranch string `yaml:"base_branch"`
}

// StorageConfig configures the task archive.
type StorageConfig struct {
	// Path is the SQLite database file; empty disables archiving.
	Path string `yaml:"path"`
}

// SchedulerConfig configures cron maintenance jobs.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// ApprovalSweep is the cron spec for expiring stale approvals.
	ApprovalSweep string `yaml:"approval_sweep"`
	// SessionReap is the cron spec for removing idle sessions.
	SessionReap string `yaml:"session_reap"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".council"
	}
	return filepath.Join(home, ".council")
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Council: CouncilConfig{
			MaxCallsPerSession: 50,
			CharacterMode:      false,
			ApprovalTimeout:    0,
			SessionTTL:         24 * time.Hour,
			HistoryLimit:       20,
		},
		SCM: SCMConfig{
			Type:       "github",
			BaseBranch: "main",
		},
		Storage: StorageConfig{
			Path: filepath.Join(defaultDataDir(), "tasks.db"),
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			ApprovalSweep: "@every 1m",
			SessionReap:   "@hourly",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrConfigLoad, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse: %s", domain.ErrConfigLoad, err)
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("COUNCIL_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps COUNCIL_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("COUNCIL_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("COUNCIL_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("COUNCIL_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("COUNCIL_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("COUNCIL_MAX_CALLS_PER_SESSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Council.MaxCallsPerSession = n
		}
	}
	if v := os.Getenv("COUNCIL_CHARACTER_MODE"); v != "" {
		cfg.Council.CharacterMode = v == "true"
	}
	if v := os.Getenv("COUNCIL_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.Council.ApprovalTimeout = d
		}
	}
	if v := os.Getenv("COUNCIL_SCM_TOKEN"); v != "" {
		cfg.SCM.Token = v
	}
	if v := os.Getenv("COUNCIL_SCM_OWNER"); v != "" {
		cfg.SCM.Owner = v
	}
	if v := os.Getenv("COUNCIL_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}

	// Provider API keys: COUNCIL_PROVIDER_<NAME>_API_KEY.
	for i := range cfg.Providers {
		envKey := "COUNCIL_PROVIDER_" + strings.ToUpper(cfg.Providers[i].Name) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			cfg.Providers[i].APIKey = v
		}
	}

	// Channel tokens.
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		if ch.Discord != nil {
			if v := os.Getenv("COUNCIL_DISCORD_TOKEN"); v != "" {
				ch.Discord.Token = v
			}
		}
		if ch.Slack != nil {
			if v := os.Getenv("COUNCIL_SLACK_BOT_TOKEN"); v != "" {
				ch.Slack.BotToken = v
			}
			if v := os.Getenv("COUNCIL_SLACK_APP_TOKEN"); v != "" {
				ch.Slack.AppToken = v
			}
		}
	}
}

// decryptSecrets resolves all enc:-prefixed secret fields in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.Providers {
		key := cfg.Providers[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("provider %s api_key: %w", cfg.Providers[i].Name, err)
			}
			cfg.Providers[i].APIKey = decrypted
		}
	}

	for i := range cfg.Channels {
		var fields []*string
		ch := &cfg.Channels[i]
		if ch.Discord != nil {
			fields = append(fields, &ch.Discord.Token)
		}
		if ch.Slack != nil {
			fields = append(fields, &ch.Slack.BotToken, &ch.Slack.AppToken)
		}
		for _, fp := range fields {
			if strings.HasPrefix(*fp, "enc:") {
				decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
				if err != nil {
					return fmt.Errorf("channel %s token: %w", ch.Type, err)
				}
				*fp = decrypted
			}
		}
	}

	if strings.HasPrefix(cfg.SCM.Token, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.SCM.Token, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("scm token: %w", err)
		}
		cfg.SCM.Token = decrypted
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %s", domain.ErrDecryption, err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %s", domain.ErrDecryption, err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrDecryption, err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
