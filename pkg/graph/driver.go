package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/quarrylabs/quarry/pkg/models"
)

// ErrNoCheckpoint is returned by Resume when a run has no saved state.
var ErrNoCheckpoint = errors.New("no checkpoint for run")

// Checkpointer persists run state between node executions. Writes must be
// durable before the driver moves on.
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, runID string, seq int, node, next string, state *models.RunState) error
	LatestCheckpoint(ctx context.Context, runID string) (*models.RunState, int, string, error)
}

// OutcomeStatus says how one drive of the graph ended.
type OutcomeStatus string

const (
	// OutcomeCompleted means the graph reached its end node.
	OutcomeCompleted OutcomeStatus = "completed"
	// OutcomeSuspended means the run awaits external input (plan
	// confirmation or terminal approval); the pending node is durable.
	OutcomeSuspended OutcomeStatus = "suspended"
	// OutcomePaused means a pause request was honored at a node boundary.
	OutcomePaused OutcomeStatus = "paused"
	// OutcomeCancelled means the context was cancelled.
	OutcomeCancelled OutcomeStatus = "cancelled"
	// OutcomeFailed means a node or checkpoint write returned an error.
	OutcomeFailed OutcomeStatus = "failed"
)

// Outcome is the driver's final report for one drive.
type Outcome struct {
	Status OutcomeStatus
	State  *models.RunState
}

// Driver advances one run through the graph. It is single-goroutine: nodes
// of the same run never overlap. RequestPause is the only cross-goroutine
// entry point.
type Driver struct {
	engine      *Engine
	checkpoints Checkpointer
	runID       string

	pause atomic.Bool
}

// NewDriver builds a driver for one run.
func NewDriver(engine *Engine, checkpoints Checkpointer, runID string) *Driver {
	return &Driver{engine: engine, checkpoints: checkpoints, runID: runID}
}

// RequestPause asks the driver to stop at the next node boundary. Safe to
// call from any goroutine; the latest checkpoint stays authoritative.
func (d *Driver) RequestPause() {
	d.pause.Store(true)
}

// Start creates the initial state for a fresh run and drives it from the
// planner. The initial checkpoint is written before the first node so a
// crash at any point leaves a resumable run.
func (d *Driver) Start(ctx context.Context, query string) (Outcome, error) {
	state := models.NewRunState(query, d.engine.cfg.MaxExecutorCalls)
	if err := d.checkpoints.SaveCheckpoint(ctx, d.runID, 0, "start", string(NodePlanner), state); err != nil {
		return Outcome{Status: OutcomeFailed, State: state}, fmt.Errorf("failed to write initial checkpoint: %w", err)
	}
	return d.advance(ctx, state, 0, NodePlanner)
}

// Resume reloads the latest checkpoint and drives the run from its pending
// transition. Crash-resume and interrupt-resume share this path.
func (d *Driver) Resume(ctx context.Context) (Outcome, error) {
	state, seq, next, err := d.checkpoints.LatestCheckpoint(ctx, d.runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Outcome{Status: OutcomeFailed}, ErrNoCheckpoint
		}
		if errors.Is(err, context.Canceled) {
			return Outcome{Status: OutcomeCancelled}, nil
		}
		return Outcome{Status: OutcomeFailed}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if next == "" || NodeName(next) == NodeEnd {
		return Outcome{Status: OutcomeCompleted, State: state}, nil
	}
	return d.advance(ctx, state, seq, NodeName(next))
}

// advance runs nodes until the graph ends, a node suspends, or a
// pause/cancel is observed at a boundary.
func (d *Driver) advance(ctx context.Context, state *models.RunState, seq int, next NodeName) (Outcome, error) {
	for next != NodeEnd {
		if d.pause.Load() {
			return Outcome{Status: OutcomePaused, State: state}, nil
		}
		if ctx.Err() != nil {
			return Outcome{Status: OutcomeCancelled, State: state}, nil
		}

		fn, err := d.engine.node(next)
		if err != nil {
			return Outcome{Status: OutcomeFailed, State: state}, err
		}

		phaseBefore := state.Phase
		result, err := fn(ctx, d.runID, state)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return Outcome{Status: OutcomeCancelled, State: state}, nil
			}
			return Outcome{Status: OutcomeFailed, State: state},
				fmt.Errorf("node %s: %w", next, err)
		}

		seq++
		if err := d.checkpoints.SaveCheckpoint(ctx, d.runID, seq, string(next), string(result.Next), state); err != nil {
			if errors.Is(err, context.Canceled) {
				return Outcome{Status: OutcomeCancelled, State: state}, nil
			}
			return Outcome{Status: OutcomeFailed, State: state},
				fmt.Errorf("failed to checkpoint after node %s: %w", next, err)
		}

		if state.Phase != phaseBefore {
			d.engine.emitPhaseChange(ctx, d.runID, state.Phase)
		}
		slog.Debug("Node completed",
			"run_id", d.runID,
			"node", next,
			"next", result.Next,
			"seq", seq,
			"phase", state.Phase)

		if result.Suspend {
			return Outcome{Status: OutcomeSuspended, State: state}, nil
		}
		next = result.Next
	}
	return Outcome{Status: OutcomeCompleted, State: state}, nil
}
