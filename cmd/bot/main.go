package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chat-relay/internal/admin"
	"chat-relay/internal/adminapi"
	"chat-relay/internal/audit"
	"chat-relay/internal/config"
	"chat-relay/internal/conversation"
	"chat-relay/internal/llm"
	"chat-relay/internal/logger"
	"chat-relay/internal/orchestrator"
	"chat-relay/internal/scheduler"
	"chat-relay/internal/store"
	"chat-relay/internal/telegram"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chat-relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envErr := godotenv.Load(".env")

	cfg, err := config.New()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	if envErr != nil {
		log.Warn().Err(envErr).Msg(".env file not loaded")
	}

	repo, err := admin.NewFileRepository(cfg.SettingsFilePath)
	if err != nil {
		return fmt.Errorf("settings repository: %w", err)
	}
	settings, err := admin.NewService(repo, cfg.Seed(), log)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	convStore, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore.Close(); err != nil {
			log.Warn().Err(err).Msg("close conversation store")
		}
	}()

	var rec audit.Recorder = audit.Nop{}
	if cfg.AuditLogPath != "" {
		fr, err := audit.NewFileRecorder(cfg.AuditLogPath)
		if err != nil {
			log.Warn().Err(err).Msg("audit log disabled")
		} else {
			rec = fr
			defer fr.Close()
		}
	}

	factory := llm.NewFactory(llm.FactoryOptions{
		OpenRouterReferrer: cfg.OpenRouterReferrer,
		OpenRouterTitle:    cfg.OpenRouterTitle,
		YandexOAuthToken:   cfg.YandexOAuthToken,
		YandexFolderID:     cfg.YandexFolderID,
		YandexTokenTTL:     cfg.YandexTokenTTL,
	})
	completer := llm.NewCompleter(llm.SnapshotSource{Settings: settings.Snapshot, Factory: factory}, llm.RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		AttemptTimeout: cfg.AttemptTimeout,
		Deadline:       cfg.LLMDeadline,
		InitialBackoff: cfg.BackoffInitial,
		MaxBackoff:     cfg.BackoffMax,
	}, log)

	orch := orchestrator.New(orchestrator.Deps{
		Settings:       settings,
		Store:          convStore,
		Completer:      completer,
		Audit:          rec,
		PersistTimeout: cfg.PersistTimeout,
		LLMDeadline:    cfg.LLMDeadline,
	}, log)

	// in-flight cycles run under workCtx so a shutdown signal lets them finish
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	dispatcher := orchestrator.NewDispatcher(workCtx, orch, cfg.QueueSize, log)

	bot, err := telegram.New(cfg.TelegramBotToken, telegram.Deps{
		Dispatcher: dispatcher,
		Keys:       orch,
		Store:      convStore,
		Admin:      settings,
		AdminUsers: cfg.AdminUsers,
		ParseMode:  cfg.MessageParseMode,
	}, log)
	if err != nil {
		return err
	}

	api := adminapi.New(cfg.AdminAddr, cfg.ShutdownGrace, adminapi.Deps{
		Admin:  settings,
		Store:  convStore,
		Audit:  rec,
		Models: factory,
		Secret: cfg.AdminSecret,
	}, log)
	if cfg.AdminSecret == "" {
		log.Warn().Msg("ADMIN_SECRET not set, admin API routes are disabled")
	}

	sched := scheduler.New(log)
	sched.Add(scheduler.Job{Name: "reload-settings", Schedule: cfg.ReloadSchedule, Run: scheduler.ReloadSettings(settings, log)})
	sched.Add(scheduler.Job{Name: "purge-bans", Schedule: cfg.PurgeSchedule, Run: scheduler.PurgeBans(settings, log)})
	sched.Add(scheduler.Job{Name: "daily-report", Schedule: cfg.ReportSchedule, Run: scheduler.DailyReport(rec, time.Now, bot.NotifyAdmins)})
	if err := sched.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Start(gctx) })
	g.Go(func() error { return api.Run(gctx) })

	log.Info().
		Str("store", string(cfg.StoreBackend)).
		Str("admin_addr", cfg.AdminAddr).
		Uint64("settings_version", settings.Snapshot().Version()).
		Msg("chat-relay started")

	runErr := g.Wait()
	log.Info().Msg("shutting down")
	sched.Stop()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelDrain()
	if err := dispatcher.Close(drainCtx); err != nil {
		log.Error().Err(err).Int("lanes", dispatcher.Lanes()).Msg("conversations still in flight at shutdown")
	}
	cancelWork()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openStore(cfg *config.Config, log zerolog.Logger) (conversation.Store, io.Closer, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		log.Warn().Msg("conversations are kept in memory and lost on restart")
		return store.NewMemory(), nopCloser{}, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		r := store.NewRedis(client, cfg.RedisPrefix)
		return r, r, nil
	default:
		b, err := store.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt store: %w", err)
		}
		return b, b, nil
	}
}
