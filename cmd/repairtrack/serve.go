package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/repairtrack/engine/internal/archive"
	"github.com/repairtrack/engine/internal/checklist"
	"github.com/repairtrack/engine/internal/config"
	"github.com/repairtrack/engine/internal/domain"
	"github.com/repairtrack/engine/internal/ipc"
	"github.com/repairtrack/engine/internal/notify"
	"github.com/repairtrack/engine/internal/savelock"
	"github.com/repairtrack/engine/internal/store"
	"github.com/repairtrack/engine/internal/telemetry"
	"github.com/repairtrack/engine/internal/toast"
	"github.com/repairtrack/engine/internal/workflow"
)

func serveCommand(cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Action: func(ctx context.Context, c *cli.Command) error {
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	templates := &store.TemplateRepo{}
	if cfg.TemplatesFile != "" {
		n, err := templates.Seed(ctx, db, cfg.TemplatesFile)
		if err != nil {
			return fmt.Errorf("seed templates: %w", err)
		}
		log.Info().Int("count", n).Str("file", cfg.TemplatesFile).Msg("problem templates loaded")
	}

	// Wire workflow engine.
	engine := workflow.NewEngine(db)
	engine.Logger = log.With().Str("component", "workflow").Logger()

	// Wire toasts and notifications.
	surfaces := toast.Multi{toast.LogSurface{Logger: log.With().Str("component", "toast").Logger()}}
	if cfg.Toast.NATSURL != "" {
		ns, err := toast.DialNATS(cfg.Toast.NATSURL, cfg.Toast.Subject)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer ns.Close()
		surfaces = append(surfaces, ns)
	}
	dispatcher := notify.NewDispatcher(surfaces, cfg.NotificationCapacity)
	dispatcher.Recorder = &store.NotificationRepo{DB: db}
	dispatcher.Logger = log.With().Str("component", "notify").Logger()

	// Jobs already in flight are primed so the first change after a restart
	// still produces a notification.
	jobs, err := engine.JobRepo.List(ctx, db)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, j := range jobs {
		dispatcher.Prime(j.ID, j.CurrentState)
	}

	// Wire checklist saving.
	saver := checklist.NewSaver(store.NewChecklistResultRepo(db))
	saver.Logger = log.With().Str("component", "checklist").Logger()
	saver.OnSaved = func(_ domain.ChecklistSnapshot, mode checklist.Mode) {
		telemetry.ChecklistSaves.WithLabelValues(mode.String()).Inc()
	}
	if cfg.SaveLock.RedisAddr != "" {
		rl := savelock.NewRedisLocker(
			redis.NewClient(&redis.Options{Addr: cfg.SaveLock.RedisAddr}),
			time.Duration(cfg.SaveLock.TTLSec)*time.Second,
		)
		defer rl.Close()
		saver.Locks = rl
	}
	if cfg.Archive.Bucket != "" {
		a, err := archive.NewS3(ctx, cfg.Archive.Region, cfg.Archive.Bucket, cfg.Archive.Prefix)
		if err != nil {
			return fmt.Errorf("configure archive: %w", err)
		}
		saver.Archive = a
	}

	// Wire IPC handler.
	handler := ipc.NewHandler(engine, dispatcher, saver)
	handler.TemplateRepo = templates
	handler.Logger = log.With().Str("component", "ipc").Logger()
	engine.OnTransition = handler.ObserveTransition

	if cfg.RequireChecklist {
		engine.GateRegistry.Register(domain.StateDiagnosisStarted, &workflow.ChecklistGate{
			Results: handler.Results,
			Active:  handler.ActiveTemplate,
		})
	}

	srv := ipc.NewServer(handler, cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("url", ipc.FormatListenURL(cfg.ListenAddr)).Msg("repair tracker listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
