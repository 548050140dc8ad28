package ledger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/zuolabs/trellis-runner/pkg/models"
)

func openTestLedger(t *testing.T, opts Options) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestBeginRunStartsNewChain(t *testing.T) {
	l := openTestLedger(t, Options{MaxChainSteps: 5})

	run, err := l.BeginRun("main")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if run.Step != 1 {
		t.Errorf("first run step = %d, want 1", run.Step)
	}
	if run.ChainID == "" || run.ID == "" {
		t.Error("run must have ids assigned")
	}
}

func TestChainContinuesAfterDispatchedTimeout(t *testing.T) {
	l := openTestLedger(t, Options{MaxChainSteps: 5})

	// Advance the clock per run so ordering is unambiguous.
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

	first, _ := l.BeginRun("main")
	if err := l.FinishRun(first.ID, models.ClassifyExit(124), true); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	second, err := l.BeginRun("main")
	if err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if second.ChainID != first.ChainID {
		t.Errorf("successor should continue the chain: %s != %s", second.ChainID, first.ChainID)
	}
	if second.Step != 2 {
		t.Errorf("successor step = %d, want 2", second.Step)
	}
}

func TestChainBreaksWithoutDispatch(t *testing.T) {
	tests := []struct {
		name       string
		exitCode   int
		dispatched bool
	}{
		{"completed run", 0, false},
		{"failed run", 2, false},
		{"timed out without dispatch", 124, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := openTestLedger(t, Options{MaxChainSteps: 5})
			base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
			tick := 0
			l.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

			first, _ := l.BeginRun("main")
			l.FinishRun(first.ID, models.ClassifyExit(tt.exitCode), tt.dispatched)

			second, _ := l.BeginRun("main")
			if second.ChainID == first.ChainID {
				t.Error("new trigger should start a fresh chain")
			}
			if second.Step != 1 {
				t.Errorf("fresh chain step = %d, want 1", second.Step)
			}
		})
	}
}

func TestExhausted(t *testing.T) {
	l := openTestLedger(t, Options{MaxChainSteps: 3})

	if l.Exhausted(&Run{Step: 2}) {
		t.Error("step 2 of 3 is not exhausted")
	}
	if !l.Exhausted(&Run{Step: 3}) {
		t.Error("step 3 of 3 is exhausted")
	}

	unbounded := openTestLedger(t, Options{MaxChainSteps: 0})
	if unbounded.Exhausted(&Run{Step: 1000}) {
		t.Error("zero MaxChainSteps disables the bound")
	}
}

func TestLeaseSingleFlight(t *testing.T) {
	l := openTestLedger(t, Options{LeaseTTL: time.Hour})

	release, err := l.Acquire("main")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := l.Acquire("main"); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("second acquire should fail with ErrLeaseHeld, got %v", err)
	}

	// A different ref is independent.
	release2, err := l.Acquire("release")
	if err != nil {
		t.Errorf("different ref should acquire: %v", err)
	} else {
		release2()
	}

	release()
	release() // idempotent

	if _, err := l.Acquire("main"); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestLeaseExpiryIsStolen(t *testing.T) {
	l := openTestLedger(t, Options{LeaseTTL: time.Hour})

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if _, err := l.Acquire("main"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := l.Acquire("main"); err != nil {
		t.Errorf("expired lease should be stolen: %v", err)
	}
}

func TestFinishRunAndList(t *testing.T) {
	l := openTestLedger(t, Options{})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Minute) }

	run, _ := l.BeginRun("main")
	if err := l.FinishRun(run.ID, models.ClassifyExit(2), false); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := l.LastRun("main")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if got.Outcome != string(models.OutcomeFailed) || got.ExitCode != 2 {
		t.Errorf("outcome = %s/%d", got.Outcome, got.ExitCode)
	}
	if got.FinishedAt.IsZero() {
		t.Error("finished_at not recorded")
	}

	runs, err := l.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("List returned %d runs", len(runs))
	}
}

func TestFinishRunUnknownID(t *testing.T) {
	l := openTestLedger(t, Options{})
	if err := l.FinishRun("no-such-run", models.ClassifyExit(0), false); err == nil {
		t.Error("unknown run id should error")
	}
}

func TestGet(t *testing.T) {
	l := openTestLedger(t, Options{})

	run, _ := l.BeginRun("main")

	got, err := l.Get(run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.ID != run.ID || got.Ref != "main" {
		t.Errorf("Get returned %+v", got)
	}

	missing, err := l.Get("no-such-run")
	if err != nil {
		t.Fatalf("Get unknown: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown id, got %+v", missing)
	}
}

func TestLastRunEmpty(t *testing.T) {
	l := openTestLedger(t, Options{})
	run, err := l.LastRun("main")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if run != nil {
		t.Errorf("expected nil run, got %+v", run)
	}
}
