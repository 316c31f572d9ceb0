package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/antoniostano/taskhub/internal/config"
	"github.com/antoniostano/taskhub/internal/httpapi"
	"github.com/antoniostano/taskhub/internal/observability"
	"github.com/antoniostano/taskhub/internal/session"
	"github.com/antoniostano/taskhub/internal/subscriptions"
	"github.com/antoniostano/taskhub/internal/taskruntime"
)

type BuildResult struct {
	Config        config.Config
	API           *httpapi.Server
	Sessions      *session.Manager
	Subscriptions *subscriptions.Registry
	TaskService   *taskruntime.Service
	Metrics       *observability.Metrics

	// Cleanup stops background loops and fails tasks still in flight.
	Cleanup func(ctx context.Context) error
}

// Build wires every component. ctx bounds the background janitors and the
// connection-scoped work of the API; cancel it before calling Cleanup.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	registry := subscriptions.NewRegistry(cfg.SubscriptionUpdateInterval, logger, metrics)
	taskService := taskruntime.New(taskruntime.Config{
		DefaultTTL:          cfg.TaskDefaultTTL,
		DefaultPollInterval: cfg.TaskPollInterval,
		StageDuration:       cfg.TaskStageDuration,
		ElicitationTimeout:  cfg.ElicitationTimeout,
		SweepInterval:       cfg.TaskSweepInterval,
	}, sessions, logger, metrics)

	// Ending a session, by request or by inactivity, drops its subscriptions
	// and fails its pending elicitations.
	sessions.SetEndHook(func(s session.Session) {
		registry.RemoveSession(s.ID)
		taskService.EndSession(s.ID)
		metrics.SessionEvent("ended")
		metrics.SetActiveSessions(sessions.ConnectedCount())
		logger.Info("session ended", slog.String("session_id", s.ID))
	})
	sessions.StartJanitor(ctx, janitorInterval(cfg.SessionInactivityTimeout))

	api := httpapi.New(ctx, cfg, sessions, registry, taskService, logger, metrics)

	cleanup := func(ctx context.Context) error {
		var errs []string
		registry.Close()
		if err := taskService.Close(ctx); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:        cfg,
		API:           api,
		Sessions:      sessions,
		Subscriptions: registry,
		TaskService:   taskService,
		Metrics:       metrics,
		Cleanup:       cleanup,
	}, nil
}

func janitorInterval(timeout time.Duration) time.Duration {
	interval := timeout / 4
	if interval < time.Second {
		return time.Second
	}
	if interval > 30*time.Second {
		return 30 * time.Second
	}
	return interval
}
