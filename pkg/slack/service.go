package slack

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ServiceConfig holds the parameters needed to construct a Service.
type ServiceConfig struct {
	Token        string
	Channel      string
	DashboardURL string
}

// RunStartedInput contains data for a run start notification.
type RunStartedInput struct {
	RunID string
	Title string
}

// RunCompletedInput contains data for a terminal run notification.
type RunCompletedInput struct {
	RunID        string
	Status       string // completed, failed
	Report       string
	ErrorMessage string
}

// Service handles Slack notification delivery. The start notification for a
// run opens a channel thread; the terminal notification replies to it.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client       *Client
	dashboardURL string
	logger       *slog.Logger

	mu      sync.Mutex
	threads map[string]string // run ID -> thread root ts
}

// NewService creates a new Slack notification service.
// Returns nil if Token or Channel is empty.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}
	return newService(NewClient(cfg.Token, cfg.Channel), cfg.DashboardURL)
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, dashboardURL string) *Service {
	return newService(client, dashboardURL)
}

func newService(client *Client, dashboardURL string) *Service {
	return &Service{
		client:       client,
		dashboardURL: dashboardURL,
		logger:       slog.Default().With("component", "slack-service"),
		threads:      make(map[string]string),
	}
}

// NotifyRunStarted sends a "research started" notification and remembers its
// timestamp as the run's thread root.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyRunStarted(ctx context.Context, input RunStartedInput) {
	if s == nil {
		return
	}

	blocks := BuildStartedMessage(input.RunID, input.Title, s.dashboardURL)
	ts, err := s.client.PostMessage(ctx, blocks, "", 5*time.Second)
	if err != nil {
		s.logger.Error("Failed to send Slack start notification",
			"run_id", input.RunID,
			"error", err)
		return
	}

	s.mu.Lock()
	s.threads[input.RunID] = ts
	s.mu.Unlock()
}

// NotifyRunCompleted sends a terminal status notification, threaded under
// the run's start notification when one can be found.
// Fail-open: errors are logged, never returned.
func (s *Service) NotifyRunCompleted(ctx context.Context, input RunCompletedInput) {
	if s == nil {
		return
	}

	threadTS := s.resolveThread(ctx, input.RunID)
	blocks := BuildTerminalMessage(input, s.dashboardURL)
	if _, err := s.client.PostMessage(ctx, blocks, threadTS, 10*time.Second); err != nil {
		s.logger.Error("Failed to send Slack notification",
			"run_id", input.RunID,
			"status", input.Status,
			"error", err)
	}

	s.mu.Lock()
	delete(s.threads, input.RunID)
	s.mu.Unlock()
}

// resolveThread returns the thread root ts for a run: the cached timestamp
// from the start notification, or a channel history search when a restart
// lost the cache.
func (s *Service) resolveThread(ctx context.Context, runID string) string {
	s.mu.Lock()
	ts, ok := s.threads[runID]
	s.mu.Unlock()
	if ok {
		return ts
	}

	ts, err := s.client.FindRunMessage(ctx, runID)
	if err != nil {
		s.logger.Warn("Failed to find Slack thread for run",
			"run_id", runID,
			"error", err)
		return ""
	}
	return ts
}
