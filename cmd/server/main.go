package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forgecanvas/comfybroker/internal/api"
	"github.com/forgecanvas/comfybroker/internal/config"
	"github.com/forgecanvas/comfybroker/internal/domain"
	"github.com/forgecanvas/comfybroker/internal/feedstore"
	"github.com/forgecanvas/comfybroker/internal/jobstore"
	"github.com/forgecanvas/comfybroker/internal/logging"
	"github.com/forgecanvas/comfybroker/internal/mediastore"
	"github.com/forgecanvas/comfybroker/internal/notify"
	"github.com/forgecanvas/comfybroker/internal/pipeline"
	"github.com/forgecanvas/comfybroker/internal/poststore"
	"github.com/forgecanvas/comfybroker/internal/scheduler"
	"github.com/forgecanvas/comfybroker/internal/translate"
	"github.com/forgecanvas/comfybroker/internal/upstream"
)

func main() {
	cfg := config.Load()
	logger := logging.New(logging.Options{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		ToFile:   cfg.LogToFile,
		FilePath: cfg.LogFile,
	})
	logger.Info("starting comfybroker")

	if err := run(cfg, logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	media, err := mediastore.New(cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("init media store: %w", err)
	}
	feed := feedstore.New(cfg.OutputDir)
	posts, err := poststore.New(cfg.FeedDBPath)
	if err != nil {
		return fmt.Errorf("init post store: %w", err)
	}
	defer posts.Close()
	jobs, err := jobstore.New(cfg.JobDBPath)
	if err != nil {
		return fmt.Errorf("init job store: %w", err)
	}
	defer jobs.Close()

	workflows, err := config.NewWorkflowConfigStore(logger, cfg.WorkflowDir)
	if err != nil {
		return fmt.Errorf("init workflow store: %w", err)
	}
	defer workflows.Close()

	timeouts := upstream.Timeouts{
		HTTPConnect: cfg.UpstreamHTTPConnectTimeout,
		HTTPRead:    cfg.UpstreamHTTPReadTimeout,
		WSConnect:   cfg.UpstreamWSConnectTimeout,
		WSIdle:      cfg.UpstreamWSIdleTimeout,
	}
	lookup := pipeline.NewMediaLookup(media)
	pipe := pipeline.New(workflows, media, lookup, cfg.ComfyUIAddress, cfg.ComfyInputDir, timeouts)

	hub := notify.New(logger)

	// scheduler.New needs a Notifier before the *Scheduler exists, but
	// the persisting notifier wants to read back full job state (to
	// write a complete row) once a job finishes. Resolved with a
	// forward-declared pointer the notifier closes over and the
	// scheduler assigns into right after construction.
	var sched *scheduler.Scheduler
	persisting := newPersistingNotifier(hub, jobs, logger, func(id string) (*domain.Job, bool) {
		if sched == nil {
			return nil, false
		}
		j, err := sched.Get(id)
		if err != nil {
			return nil, false
		}
		return j, true
	})

	schedCfg := scheduler.Config{
		MaxPerUserQueue:      cfg.MaxPerUserQueue,
		MaxPerUserConcurrent: cfg.MaxPerUserConcurrent,
		JobTimeoutSeconds:    cfg.JobTimeoutSeconds,
		ProgressStepPercent:  cfg.ProgressStepPercent,
		ProgressMinInterval:  cfg.ProgressMinInterval,
	}
	sched = scheduler.New(schedCfg, logger, persisting, pipe.Run)

	translator := translate.New(cfg.TranslateAPIKey, cfg.TranslateBaseURL)

	handler := api.New(api.Deps{
		Config:      cfg,
		Workflows:   workflows,
		Media:       media,
		Feed:        feed,
		Posts:       posts,
		Jobs:        jobs,
		Scheduler:   sched,
		Hub:         hub,
		Translator:  translator,
		Logger:      logger,
		HealthCheck: func() api.HealthReport { return computeHealth(cfg, sched) },
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	g, gCtx := errgroup.WithContext(ctx)

	sched.Start(gCtx)

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("stopping http server")
		sched.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return sweepLoop(gCtx, jobs, logger)
	})

	return g.Wait()
}

// sweepLoop periodically recomputes artifact_available for the newest
// job rows; no rows are deleted.
func sweepLoop(ctx context.Context, jobs *jobstore.Store, logger *slog.Logger) error {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := jobs.Sweep(500)
			if err != nil {
				logger.Warn("job sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("job sweep updated artifact availability", "count", n)
			}
		}
	}
}
