package runner

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/zuolabs/trellis-runner/pkg/ledger"
	"github.com/zuolabs/trellis-runner/pkg/logging"
	"github.com/zuolabs/trellis-runner/pkg/models"
)

type fakeUnit struct {
	code     int
	err      error
	executed int
}

func (f *fakeUnit) Execute(ctx context.Context) (int, error) {
	f.executed++
	return f.code, f.err
}

type dispatchCall struct {
	ref          string
	autoContinue bool
}

type fakeDispatcher struct {
	err   error
	calls []dispatchCall
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, ref string, autoContinue bool) error {
	f.calls = append(f.calls, dispatchCall{ref, autoContinue})
	return f.err
}

type finishCall struct {
	outcome    models.Outcome
	dispatched bool
}

type fakeLedger struct {
	acquireErr error
	exhausted  bool
	step       int

	acquired int
	released int
	begun    int
	finished []finishCall
}

func (f *fakeLedger) Acquire(ref string) (func(), error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquired++
	return func() { f.released++ }, nil
}

func (f *fakeLedger) BeginRun(ref string) (*ledger.Run, error) {
	f.begun++
	step := f.step
	if step == 0 {
		step = 1
	}
	return &ledger.Run{ID: "run-1", Ref: ref, ChainID: "chain-1", Step: step, Outcome: "running"}, nil
}

func (f *fakeLedger) FinishRun(id string, outcome models.Outcome, dispatched bool) error {
	f.finished = append(f.finished, finishCall{outcome, dispatched})
	return nil
}

func (f *fakeLedger) Exhausted(run *ledger.Run) bool {
	return f.exhausted
}

func newTestController(unit *fakeUnit, d *fakeDispatcher, l *fakeLedger) *Controller {
	log := logging.NewLogger(logging.ERROR, false)
	log.SetOutput(&bytes.Buffer{})
	return &Controller{Unit: unit, Dispatcher: d, Ledger: l, Log: log}
}

func request(confirm, autoContinue bool) models.RunRequest {
	return models.RunRequest{Confirm: confirm, AutoContinue: autoContinue, Ref: "main"}
}

func TestConfirmNoNeverExecutes(t *testing.T) {
	unit := &fakeUnit{code: 0}
	d := &fakeDispatcher{}
	l := &fakeLedger{}
	c := newTestController(unit, d, l)

	res, err := c.ExecuteAndMaybeContinue(context.Background(), request(false, true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unit.executed != 0 {
		t.Error("work unit must not be executed with confirm=no")
	}
	if res.ExitCode != 0 || res.Executed {
		t.Errorf("result = %+v", res)
	}
	if l.begun != 0 {
		t.Error("no ledger row should be opened")
	}
}

func TestCompletedNeverContinues(t *testing.T) {
	for _, autoContinue := range []bool{true, false} {
		unit := &fakeUnit{code: 0}
		d := &fakeDispatcher{}
		l := &fakeLedger{}
		c := newTestController(unit, d, l)

		res, err := c.ExecuteAndMaybeContinue(context.Background(), request(true, autoContinue))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(d.calls) != 0 {
			t.Errorf("completed run dispatched %d times (auto_continue=%v)", len(d.calls), autoContinue)
		}
		if res.ExitCode != 0 || res.Outcome.Kind != models.OutcomeCompleted {
			t.Errorf("result = %+v", res)
		}
		if l.released != 1 {
			t.Error("lease must be released")
		}
	}
}

func TestTimedOutWithAutoContinueDispatchesOnce(t *testing.T) {
	unit := &fakeUnit{code: 124}
	d := &fakeDispatcher{}
	l := &fakeLedger{}
	c := newTestController(unit, d, l)

	res, err := c.ExecuteAndMaybeContinue(context.Background(), request(true, true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.calls) != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", len(d.calls))
	}
	if d.calls[0].ref != "main" || !d.calls[0].autoContinue {
		t.Errorf("dispatch call = %+v, auto_continue must be carried unchanged", d.calls[0])
	}
	if !res.Dispatched || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(l.finished) != 1 || !l.finished[0].dispatched {
		t.Errorf("ledger should record dispatched=true: %+v", l.finished)
	}
}

func TestTimedOutWithoutAutoContinue(t *testing.T) {
	unit := &fakeUnit{code: 124}
	d := &fakeDispatcher{}
	l := &fakeLedger{}
	c := newTestController(unit, d, l)

	res, err := c.ExecuteAndMaybeContinue(context.Background(), request(true, false))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.calls) != 0 {
		t.Errorf("expected zero dispatches, got %d", len(d.calls))
	}
	if res.ExitCode != 0 {
		t.Errorf("controller exits 0 on a terminated chain, got %d", res.ExitCode)
	}
	if len(l.finished) != 1 || l.finished[0].dispatched {
		t.Errorf("ledger should record dispatched=false: %+v", l.finished)
	}
}

func TestFailedPropagatesExitCode(t *testing.T) {
	unit := &fakeUnit{code: 2}
	d := &fakeDispatcher{}
	l := &fakeLedger{}
	c := newTestController(unit, d, l)

	res, err := c.ExecuteAndMaybeContinue(context.Background(), request(true, true))
	if err != nil {
		t.Fatalf("classification is not a controller error: %v", err)
	}
	if res.ExitCode != 2 {
		t.Errorf("exit code = %d, want 2 verbatim", res.ExitCode)
	}
	if len(d.calls) != 0 {
		t.Error("failed run must not dispatch")
	}
	if res.Outcome.Kind != models.OutcomeFailed {
		t.Errorf("outcome = %v", res.Outcome)
	}
}

func TestDispatchFailureIsHard(t *testing.T) {
	unit := &fakeUnit{code: 124}
	d := &fakeDispatcher{err: errors.New("api unreachable")}
	l := &fakeLedger{}
	c := newTestController(unit, d, l)

	res, err := c.ExecuteAndMaybeContinue(context.Background(), request(true, true))
	if err == nil {
		t.Fatal("dispatch failure must surface as a controller error")
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", res.ExitCode)
	}
	if len(d.calls) != 1 {
		t.Errorf("no dispatch retry allowed, got %d calls", len(d.calls))
	}
	if len(l.finished) != 1 || l.finished[0].dispatched {
		t.Errorf("ledger must not claim a dispatch that failed: %+v", l.finished)
	}
}

func TestChainExhaustedRefusesDispatch(t *testing.T) {
	unit := &fakeUnit{code: 124}
	d := &fakeDispatcher{}
	l := &fakeLedger{exhausted: true, step: 20}
	c := newTestController(unit, d, l)

	res, err := c.ExecuteAndMaybeContinue(context.Background(), request(true, true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.calls) != 0 {
		t.Error("exhausted chain must not dispatch")
	}
	if res.ExitCode != 0 || res.Dispatched {
		t.Errorf("result = %+v", res)
	}
}

func TestLeaseHeldRejectsRun(t *testing.T) {
	unit := &fakeUnit{code: 0}
	d := &fakeDispatcher{}
	l := &fakeLedger{acquireErr: ledger.ErrLeaseHeld}
	c := newTestController(unit, d, l)

	res, err := c.ExecuteAndMaybeContinue(context.Background(), request(true, true))
	if !errors.Is(err, ledger.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if unit.executed != 0 {
		t.Error("held lease must prevent execution")
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestExecErrorIsFailed(t *testing.T) {
	unit := &fakeUnit{code: 0, err: errors.New("no such binary")}
	d := &fakeDispatcher{}
	l := &fakeLedger{}
	c := newTestController(unit, d, l)

	res, err := c.ExecuteAndMaybeContinue(context.Background(), request(true, true))
	if err == nil {
		t.Fatal("expected execution error to surface")
	}
	if res.ExitCode == 0 {
		t.Error("failed execution must exit non-zero")
	}
	if len(d.calls) != 0 {
		t.Error("failed execution must not dispatch")
	}
}

// Exit code 124 from the script itself is a timeout even when artifacts
// exist: the exit code is the sole classification signal.
func TestScenarioMatrix(t *testing.T) {
	tests := []struct {
		name         string
		confirm      bool
		autoContinue bool
		exitCode     int
		wantDispatch int
		wantExit     int
	}{
		{"timeout with continuation", true, true, 124, 1, 0},
		{"timeout without continuation", true, false, 124, 0, 0},
		{"failure code 2", true, true, 2, 0, 2},
		{"success", true, true, 0, 0, 0},
		{"not confirmed", false, true, 124, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit := &fakeUnit{code: tt.exitCode}
			d := &fakeDispatcher{}
			l := &fakeLedger{}
			c := newTestController(unit, d, l)

			res, err := c.ExecuteAndMaybeContinue(context.Background(),
				models.RunRequest{Confirm: tt.confirm, AutoContinue: tt.autoContinue, Ref: "main"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(d.calls) != tt.wantDispatch {
				t.Errorf("dispatches = %d, want %d", len(d.calls), tt.wantDispatch)
			}
			if res.ExitCode != tt.wantExit {
				t.Errorf("exit code = %d, want %d", res.ExitCode, tt.wantExit)
			}
		})
	}
}
