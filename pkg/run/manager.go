// Package run owns the lifecycle of research runs: launching driver
// goroutines, admission control, pause/resume/cancel, plan confirmation,
// and terminal approvals. It is the layer between the HTTP handlers and
// the graph engine.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quarrylabs/quarry/pkg/config"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/graph"
	"github.com/quarrylabs/quarry/pkg/models"
	"github.com/quarrylabs/quarry/pkg/services"
	"github.com/quarrylabs/quarry/pkg/slack"
	"github.com/quarrylabs/quarry/pkg/store"
)

// statusWriteTimeout bounds the bookkeeping writes that happen after a
// drive ends, which must succeed even when the drive context is gone.
const statusWriteTimeout = 5 * time.Second

// handle tracks one live driver goroutine.
type handle struct {
	driver     *graph.Driver
	driveCtx   context.Context
	cancel     context.CancelFunc
	userCancel atomic.Bool
}

// Manager launches and supervises driver goroutines, one per executing
// run. All mutations of run status and checkpoints funnel through here.
type Manager struct {
	engine        *graph.Engine
	store         *store.Store
	runs          *services.RunService
	approvals     *services.ApprovalService
	publisher     *events.Publisher
	notifier      *slack.Service
	maxConcurrent int

	mu   sync.Mutex
	live map[string]*handle

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	logger *slog.Logger
}

// NewManager wires the lifecycle manager. The notifier may be nil when
// Slack notifications are not configured.
func NewManager(engine *graph.Engine, st *store.Store, runs *services.RunService, approvals *services.ApprovalService, publisher *events.Publisher, notifier *slack.Service, cfg config.EngineConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:        engine,
		store:         st,
		runs:          runs,
		approvals:     approvals,
		publisher:     publisher,
		notifier:      notifier,
		maxConcurrent: cfg.MaxConcurrentRuns,
		live:          make(map[string]*handle),
		baseCtx:       ctx,
		stop:          cancel,
		logger:        slog.Default().With("component", "run_manager"),
	}
}

// MarkInterruptedAtBoot flags runs a previous process left active. Called
// once at startup before the API accepts traffic.
func (m *Manager) MarkInterruptedAtBoot(ctx context.Context) error {
	n, err := m.runs.MarkInterruptedAtBoot(ctx)
	if err != nil {
		return fmt.Errorf("failed to mark interrupted runs: %w", err)
	}
	if n > 0 {
		m.logger.Info("Marked runs interrupted from previous boot", "count", n)
	}
	return nil
}

// Close cancels every live drive and waits for the goroutines. Runs left
// active are re-marked interrupted at the next boot.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

// LiveCount returns the number of runs currently holding a driver
// goroutine.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// IsLive reports whether a driver goroutine currently owns the run.
func (m *Manager) IsLive(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[runID]
	return ok
}

// reserve takes an execution slot for the run. The caller must follow with
// spawn or release.
func (m *Manager) reserve(runID string) (*handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live[runID]; ok {
		return nil, fmt.Errorf("%w: run %s is already executing", services.ErrConflict, runID)
	}
	if m.maxConcurrent > 0 && len(m.live) >= m.maxConcurrent {
		return nil, fmt.Errorf("%w: %d runs executing", services.ErrBusy, len(m.live))
	}
	ctx, cancel := context.WithCancel(m.baseCtx)
	h := &handle{
		driver:   graph.NewDriver(m.engine, m.store, runID),
		driveCtx: ctx,
		cancel:   cancel,
	}
	m.live[runID] = h
	return h, nil
}

func (m *Manager) release(runID string, h *handle) {
	h.cancel()
	m.mu.Lock()
	if m.live[runID] == h {
		delete(m.live, runID)
	}
	m.mu.Unlock()
}

// spawn starts the driver goroutine for a reserved handle.
func (m *Manager) spawn(runID string, h *handle, drive func(ctx context.Context, d *graph.Driver) (graph.Outcome, error)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(runID, h)
		defer m.recoverPanic(runID)
		out, err := drive(h.driveCtx, h.driver)
		m.settle(runID, h, out, err)
	}()
}

// recoverPanic converts a driver panic into a failed run instead of
// tearing the process down.
func (m *Manager) recoverPanic(runID string) {
	r := recover()
	if r == nil {
		return
	}
	m.logger.Error("Driver panicked", "run_id", runID, "panic", r)
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	m.setStatus(ctx, runID, models.RunStatusFailed)
	m.publishError(ctx, runID, fmt.Sprintf("internal error: %v", r))
	m.notifySlackTerminal(ctx, runID, models.RunStatusFailed, "", fmt.Sprintf("internal error: %v", r))
}

// settle records the outcome of one drive: status transition plus the
// matching lifecycle event. It runs on the driver goroutine after the
// graph stopped, with its own bounded context.
func (m *Manager) settle(runID string, h *handle, out graph.Outcome, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()

	if err != nil {
		m.logger.Error("Run failed", "run_id", runID, "error", err)
		m.setStatus(ctx, runID, models.RunStatusFailed)
		m.publishError(ctx, runID, err.Error())
		m.notifySlackTerminal(ctx, runID, models.RunStatusFailed, "", err.Error())
		return
	}

	switch out.Status {
	case graph.OutcomeCompleted:
		m.setStatus(ctx, runID, models.RunStatusCompleted)
		if err := m.publisher.PublishRunComplete(ctx, runID, events.RunCompletePayload{}); err != nil {
			m.logger.Warn("Failed to publish run_complete event", "run_id", runID, "error", err)
		}
		m.logger.Info("Run completed", "run_id", runID)
		m.notifySlackTerminal(ctx, runID, models.RunStatusCompleted, reportOf(out.State), "")

	case graph.OutcomeSuspended:
		if out.State != nil && out.State.Phase == models.PhaseAwaitingConfirmation {
			m.setStatus(ctx, runID, models.RunStatusAwaitingConfirmation)
		}
		// A terminal-approval wait keeps the run active; the approval
		// response relaunches it.
		m.logger.Info("Run suspended", "run_id", runID, "phase", phaseOf(out.State))

	case graph.OutcomePaused:
		m.setStatus(ctx, runID, models.RunStatusPaused)
		if err := m.publisher.PublishRunPaused(ctx, runID, events.RunPausedPayload{}); err != nil {
			m.logger.Warn("Failed to publish run_paused event", "run_id", runID, "error", err)
		}
		m.logger.Info("Run paused", "run_id", runID)

	case graph.OutcomeCancelled:
		if h.userCancel.Load() {
			m.setStatus(ctx, runID, models.RunStatusFailed)
			m.publishError(ctx, runID, "cancelled by user")
			m.logger.Info("Run cancelled", "run_id", runID)
			m.notifySlackTerminal(ctx, runID, models.RunStatusFailed, "", "cancelled by user")
		}
		// Shutdown cancellation leaves the status alone; the next boot
		// marks the run interrupted.
	}
}

func (m *Manager) setStatus(ctx context.Context, runID string, status models.RunStatus) {
	if err := m.runs.SetStatus(ctx, runID, status); err != nil {
		m.logger.Warn("Failed to update run status", "run_id", runID, "status", status, "error", err)
	}
}

func (m *Manager) publishError(ctx context.Context, runID, message string) {
	if err := m.publisher.PublishRunError(ctx, runID, events.RunErrorPayload{Error: message}); err != nil {
		m.logger.Warn("Failed to publish run_error event", "run_id", runID, "error", err)
	}
}

// notifySlackStart announces a new research run in Slack.
func (m *Manager) notifySlackStart(ctx context.Context, runID, title string) {
	if m.notifier == nil {
		return
	}
	m.notifier.NotifyRunStarted(ctx, slack.RunStartedInput{RunID: runID, Title: title})
}

// notifySlackTerminal announces a terminal run status in Slack.
func (m *Manager) notifySlackTerminal(ctx context.Context, runID string, status models.RunStatus, report, errMsg string) {
	if m.notifier == nil {
		return
	}
	m.notifier.NotifyRunCompleted(ctx, slack.RunCompletedInput{
		RunID:        runID,
		Status:       string(status),
		Report:       report,
		ErrorMessage: errMsg,
	})
}

func phaseOf(state *models.RunState) models.Phase {
	if state == nil {
		return ""
	}
	return state.Phase
}

// reportOf extracts the final report from a finished drive's state.
func reportOf(state *models.RunState) string {
	if state == nil || state.Phase != models.PhaseDone {
		return ""
	}
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == models.MessageRoleAssistant {
			return state.Messages[i].Content
		}
	}
	return ""
}
