package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zuolabs/trellis-runner/pkg/ledger"
	"github.com/zuolabs/trellis-runner/pkg/logging"
	"github.com/zuolabs/trellis-runner/pkg/metrics"
	"github.com/zuolabs/trellis-runner/pkg/models"
)

// WorkUnit is one bounded execution. Execute blocks until the unit finishes
// or is truncated by its budget, and returns the exit code to classify. A
// non-nil error means the unit could not be executed or was torn down from
// outside; that is a controller failure, not a work outcome.
type WorkUnit interface {
	Execute(ctx context.Context) (int, error)
}

// Dispatcher schedules the successor run through the external workflow API.
type Dispatcher interface {
	Dispatch(ctx context.Context, ref string, autoContinue bool) error
}

// RunLedger is the slice of the ledger the controller needs.
type RunLedger interface {
	Acquire(ref string) (func(), error)
	BeginRun(ref string) (*ledger.Run, error)
	FinishRun(id string, outcome models.Outcome, dispatched bool) error
	Exhausted(run *ledger.Run) bool
}

// Result is what one invocation of the controller produced. ExitCode is the
// controller's own exit code: the work unit's code verbatim on failure, zero
// on completion, on a terminated chain, and on a scheduled continuation.
type Result struct {
	Outcome    models.Outcome
	Executed   bool
	Dispatched bool
	ExitCode   int
	ChainID    string
	Step       int
}

// Controller runs the bounded work unit once and decides whether a
// continuation is dispatched. It never retries anything: a failed work unit
// halts, and a failed dispatch requires a manual re-trigger.
type Controller struct {
	Unit       WorkUnit
	Dispatcher Dispatcher
	Ledger     RunLedger
	Log        *logging.Logger
	Metrics    *metrics.Set // optional
}

// ExecuteAndMaybeContinue is the controller's single operation.
func (c *Controller) ExecuteAndMaybeContinue(ctx context.Context, req models.RunRequest) (Result, error) {
	log := c.Log.WithField("ref", req.Ref)
	state := models.RunStateIdle

	if !req.Confirm {
		log.Info("confirm is no, work unit not executed")
		c.transition(&state, models.RunStateTerminated)
		return Result{ExitCode: 0}, nil
	}

	release, err := c.Ledger.Acquire(req.Ref)
	if err != nil {
		if errors.Is(err, ledger.ErrLeaseHeld) && c.Metrics != nil {
			c.Metrics.LeaseRejections.Inc()
		}
		return Result{ExitCode: 1}, err
	}
	defer release()

	run, err := c.Ledger.BeginRun(req.Ref)
	if err != nil {
		return Result{ExitCode: 1}, err
	}
	log = log.WithField("run_id", run.ID)

	c.transition(&state, models.RunStateRunning)
	log.Info("work unit starting", map[string]interface{}{
		"chain_id": run.ChainID,
		"step":     run.Step,
	})

	start := time.Now()
	code, execErr := c.Unit.Execute(ctx)
	elapsed := time.Since(start)

	if execErr != nil {
		if code == 0 {
			code = 1
		}
		outcome := models.Outcome{Kind: models.OutcomeFailed, ExitCode: code}
		c.transition(&state, models.RunStateFailed)
		c.finish(run, outcome, false)
		log.Error("work unit could not run", map[string]interface{}{"error": execErr.Error()})
		return Result{Outcome: outcome, Executed: true, ExitCode: code, ChainID: run.ChainID, Step: run.Step}, execErr
	}

	outcome := models.ClassifyExit(code)
	c.transition(&state, models.StateForOutcome(outcome))
	if c.Metrics != nil {
		c.Metrics.RunDuration.Observe(elapsed.Seconds())
		c.Metrics.RunsTotal.WithLabelValues(string(outcome.Kind)).Inc()
	}

	res := Result{Outcome: outcome, Executed: true, ChainID: run.ChainID, Step: run.Step}

	switch outcome.Kind {
	case models.OutcomeCompleted:
		c.finish(run, outcome, false)
		c.transition(&state, models.RunStateTerminated)
		log.Info("work unit completed", map[string]interface{}{"duration": elapsed.String()})
		res.ExitCode = 0
		return res, nil

	case models.OutcomeFailed:
		// Surfaced verbatim, no retry.
		c.finish(run, outcome, false)
		c.transition(&state, models.RunStateTerminated)
		log.Error("work unit failed", map[string]interface{}{"exit_code": outcome.ExitCode})
		res.ExitCode = outcome.ExitCode
		return res, nil

	default: // timed out
		return c.maybeContinue(ctx, log, req, run, outcome, res, &state)
	}
}

// maybeContinue handles the TimedOut arm: dispatch at most one successor.
func (c *Controller) maybeContinue(ctx context.Context, log *logging.Logger, req models.RunRequest,
	run *ledger.Run, outcome models.Outcome, res Result, state *models.RunState) (Result, error) {

	if !outcome.ShouldContinue(req.AutoContinue) {
		c.finish(run, outcome, false)
		c.transition(state, models.RunStateTerminated)
		log.Info("work unit timed out, continuation disabled")
		res.ExitCode = 0
		return res, nil
	}

	if c.Ledger.Exhausted(run) {
		c.finish(run, outcome, false)
		c.transition(state, models.RunStateTerminated)
		log.Warn("continuation chain exhausted, not dispatching", map[string]interface{}{
			"chain_id": run.ChainID,
			"step":     run.Step,
		})
		res.ExitCode = 0
		return res, nil
	}

	if err := c.Dispatcher.Dispatch(ctx, req.Ref, req.AutoContinue); err != nil {
		if c.Metrics != nil {
			c.Metrics.DispatchesTotal.WithLabelValues("failed").Inc()
		}
		c.finish(run, outcome, false)
		c.transition(state, models.RunStateTerminated)
		log.Error("continuation dispatch failed", map[string]interface{}{"error": err.Error()})
		res.ExitCode = 1
		return res, err
	}

	if c.Metrics != nil {
		c.Metrics.DispatchesTotal.WithLabelValues("scheduled").Inc()
	}
	c.finish(run, outcome, true)
	c.transition(state, models.RunStateIdle)
	log.Info("continuation dispatched", map[string]interface{}{
		"chain_id": run.ChainID,
		"step":     run.Step,
	})
	res.Dispatched = true
	res.ExitCode = 0
	return res, nil
}

func (c *Controller) finish(run *ledger.Run, outcome models.Outcome, dispatched bool) {
	if err := c.Ledger.FinishRun(run.ID, outcome, dispatched); err != nil {
		c.Log.Warn("failed to record run outcome", map[string]interface{}{
			"run_id": run.ID,
			"error":  err.Error(),
		})
	}
}

// transition advances the run state machine. A violation is a bug: it is
// logged but does not abort the run.
func (c *Controller) transition(state *models.RunState, to models.RunState) {
	if err := models.ValidateRunTransition(*state, to); err != nil {
		c.Log.Error(fmt.Sprintf("run state machine violation: %v", err))
	}
	*state = to
}
