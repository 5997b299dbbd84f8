package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"council/internal/adapter/channel"
	"council/internal/adapter/llm"
	"council/internal/adapter/scm"
	"council/internal/adapter/store"
	"council/internal/domain"
	"council/internal/infra/config"
	"council/internal/infra/logger"
	"council/internal/infra/tracer"
	"council/internal/usecase"
	"council/internal/usecase/eventbus"
	"council/internal/usecase/scheduling"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "encrypt":
			if err := runEncrypt(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`council - multi-agent task dispatcher

USAGE:
    council [COMMAND] [FLAGS]

COMMANDS:
    encrypt VALUE  Encrypt a secret for use in config.yaml (enc: prefix)

    (no command) - Run the council with existing config

FLAGS:
    -h, --help     Show this help message
    --config PATH  Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: COUNCIL_* variables override config
    Secrets:     COUNCIL_CONFIG_KEY decrypts enc:-prefixed values`)
}

// runEncrypt encrypts one secret value with the passphrase from
// COUNCIL_CONFIG_KEY so it can be stored in config.yaml.
func runEncrypt(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: council encrypt VALUE")
	}
	passphrase := os.Getenv("COUNCIL_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("COUNCIL_CONFIG_KEY is not set")
	}
	encrypted, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Printf("enc:%s\n", encrypted)
	return nil
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Configuration.
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Logging.
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser()
	slog.SetDefault(log)

	// 3. Tracing.
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerShutdown(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	// 4. Event bus.
	bus := eventbus.New(log)
	defer bus.Close()

	// 5. Model providers.
	providers, err := llm.BuildRegistry(cfg.Providers, log)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	// 6. Agents and their shared session state.
	sessions := usecase.NewSessionManager(cfg.Council.MaxCallsPerSession)
	locker := usecase.NewSessionLocker()
	registry := usecase.NewRegistry(log)
	for _, def := range cfg.Agents {
		provider, err := providers.Get(def.Provider)
		if err != nil {
			return fmt.Errorf("agent %s: %w", def.ID, err)
		}
		agent := usecase.NewAgent(def, provider, sessions, locker, bus,
			logger.ForAgent(log, def.ID), cfg.Council.CharacterMode)
		if err := registry.Register(agent); err != nil {
			return fmt.Errorf("register agent %s: %w", def.ID, err)
		}
	}
	log.Info("agents registered", "count", len(cfg.Agents))

	// 7. Source control, only when a token is configured.
	var scmProvider domain.SCMProvider
	if cfg.SCM.Token != "" {
		scmProvider = scm.NewGitHubProvider(cfg.SCM, log)
		log.Info("scm provider ready", "type", cfg.SCM.Type, "owner", cfg.SCM.Owner)
	} else {
		log.Warn("no scm token configured, publishing is disabled")
	}

	// 8. Task archive, only when a storage path is configured.
	var archive domain.TaskArchive
	var archiveCloser func() error
	if cfg.Storage.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		sqliteArchive, err := store.NewSQLiteTaskArchive(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open task archive: %w", err)
		}
		archive = sqliteArchive
		archiveCloser = sqliteArchive.Close
		log.Info("task archive ready", "path", cfg.Storage.Path)
	}
	defer func() {
		if archiveCloser != nil {
			if err := archiveCloser(); err != nil {
				log.Warn("archive close failed", "error", err)
			}
		}
	}()

	// 9. Orchestration core.
	council := usecase.NewCouncil(registry, sessions, scmProvider, archive, bus,
		log, cfg.Council.ApprovalTimeout, cfg.SCM.BaseBranch)
	router := usecase.NewRouter(registry, log)
	coordinator := usecase.NewCoordinator(council, router, bus, log,
		cfg.Council.CharacterMode, cfg.Council.HistoryLimit)

	// 10. Chat channels.
	for _, chCfg := range cfg.Channels {
		switch chCfg.Type {
		case "discord":
			if chCfg.Discord == nil {
				return fmt.Errorf("channel discord: missing discord block")
			}
			coordinator.AddChannel(channel.NewDiscordChannel(*chCfg.Discord, log))
		case "slack":
			if chCfg.Slack == nil {
				return fmt.Errorf("channel slack: missing slack block")
			}
			coordinator.AddChannel(channel.NewSlackChannel(*chCfg.Slack, log))
		default:
			return fmt.Errorf("unknown channel type %q", chCfg.Type)
		}
	}

	// 11. Maintenance scheduler.
	scheduler := scheduling.NewScheduler(log)
	if cfg.Scheduler.Enabled {
		scheduler.RegisterAction(scheduling.ActionApprovalSweep, func(ctx context.Context) error {
			if cfg.Council.ApprovalTimeout <= 0 {
				return nil
			}
			expired := council.ExpireApprovals(cfg.Council.ApprovalTimeout)
			if expired > 0 {
				log.Info("expired stale approvals", "count", expired)
			}
			return nil
		})
		scheduler.RegisterAction(scheduling.ActionSessionReap, func(ctx context.Context) error {
			reaped := council.ReapSessions(cfg.Council.SessionTTL)
			if reaped > 0 {
				log.Info("reaped idle sessions", "count", reaped)
			}
			return nil
		})
		jobs := []scheduling.ScheduledTask{
			{Name: "approval-sweep", Schedule: cfg.Scheduler.ApprovalSweep, Action: scheduling.ActionApprovalSweep},
			{Name: "session-reap", Schedule: cfg.Scheduler.SessionReap, Action: scheduling.ActionSessionReap},
		}
		for _, job := range jobs {
			if err := scheduler.AddTask(job); err != nil {
				return err
			}
		}
		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer scheduler.Stop()
	}

	// 12. Run until signalled.
	if err := coordinator.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}
	log.Info("council running",
		"agents", len(cfg.Agents),
		"channels", len(cfg.Channels),
		"character_mode", cfg.Council.CharacterMode)

	<-ctx.Done()
	log.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coordinator.Stop(stopCtx); err != nil {
		log.Warn("coordinator stop failed", "error", err)
	}

	log.Info("council stopped")
	return nil
}

// configPath resolves the config file location: --config flag, then the
// COUNCIL_CONFIG env var, then ./config.yaml.
func configPath() string {
	for i, arg := range os.Args[1:] {
		if arg == "--config" && i+2 < len(os.Args) {
			return os.Args[i+2]
		}
	}
	if path := os.Getenv("COUNCIL_CONFIG"); path != "" {
		return path
	}
	return "config.yaml"
}
