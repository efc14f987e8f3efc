// Package cleanup enforces data retention on a timer.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/services"
)

// Service periodically enforces retention policies:
//   - Deletes terminal runs (completed, failed) past the retention age,
//     with their checkpoints, tool calls, approvals, and events
//   - Removes persisted events past their TTL
//
// All operations are idempotent.
type Service struct {
	config       config.RetentionConfig
	runService   *services.RunService
	eventService *services.EventService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg config.RetentionConfig, runService *services.RunService, eventService *services.EventService) *Service {
	return &Service{
		config:       cfg,
		runService:   runService,
		eventService: eventService,
	}
}

// Start launches the background cleanup loop. Disabled retention is a no-op.
func (s *Service) Start(ctx context.Context) {
	if !s.config.Enabled {
		slog.Info("Cleanup service disabled")
		return
	}
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"run_max_age", s.config.RunMaxAge(),
		"event_ttl", s.config.EventTTL(),
		"interval", s.config.Interval())
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.deleteOldRuns(ctx)
	s.deleteExpiredEvents(ctx)
}

func (s *Service) deleteOldRuns(ctx context.Context) {
	count, err := s.runService.CleanupOldRuns(ctx, s.config.RunMaxAge())
	if err != nil {
		slog.Error("Retention: run cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted old terminal runs", "count", count)
	}
}

func (s *Service) deleteExpiredEvents(ctx context.Context) {
	count, err := s.eventService.CleanupExpiredEvents(ctx, s.config.EventTTL())
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: deleted expired events", "count", count)
	}
}
