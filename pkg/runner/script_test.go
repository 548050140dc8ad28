package runner

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/zuolabs/trellis-runner/pkg/models"
)

func shellUnit(script string, budget, grace time.Duration) *ScriptUnit {
	return &ScriptUnit{
		Command: "/bin/sh",
		Args:    []string{"-c", script},
		Budget:  budget,
		Grace:   grace,
	}
}

func TestScriptExitCodes(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   int
	}{
		{"clean exit", "exit 0", 0},
		{"failure code", "exit 2", 2},
		{"timeout convention from script", "exit 124", models.ExitCodeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit := shellUnit(tt.script, time.Minute, time.Second)
			code, err := unit.Execute(context.Background())
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if code != tt.want {
				t.Errorf("exit code = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestScriptBudgetTruncation(t *testing.T) {
	unit := shellUnit("sleep 30", 50*time.Millisecond, 500*time.Millisecond)

	start := time.Now()
	code, err := unit.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != models.ExitCodeTimeout {
		t.Errorf("exit code = %d, want %d", code, models.ExitCodeTimeout)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("truncation took %v", elapsed)
	}
}

func TestScriptForcedKillAfterGrace(t *testing.T) {
	// The script ignores SIGTERM, so only the SIGKILL path can end it.
	unit := shellUnit(`trap "" TERM; sleep 30`, 50*time.Millisecond, 100*time.Millisecond)

	start := time.Now()
	code, err := unit.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != models.ExitCodeTimeout {
		t.Errorf("exit code = %d, want %d", code, models.ExitCodeTimeout)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("forced kill took %v", elapsed)
	}
}

func TestScriptCancellation(t *testing.T) {
	unit := shellUnit("sleep 30", time.Minute, 100*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	code, err := unit.Execute(ctx)
	if err == nil {
		t.Fatal("cancellation must surface as an error, not an outcome")
	}
	if code == models.ExitCodeTimeout {
		t.Error("cancellation must not be classified as a timeout")
	}
}

func TestScriptMissingCommand(t *testing.T) {
	unit := &ScriptUnit{}
	if _, err := unit.Execute(context.Background()); err == nil {
		t.Error("empty command must error")
	}

	unit = &ScriptUnit{Command: "/no/such/binary"}
	if _, err := unit.Execute(context.Background()); err == nil {
		t.Error("unknown binary must error")
	}
}

func TestScriptOutputGoesToWriter(t *testing.T) {
	var out bytes.Buffer
	unit := shellUnit("echo generation step done", time.Minute, time.Second)
	unit.Stdout = &out

	if _, err := unit.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "generation step done") {
		t.Errorf("stdout not forwarded: %q", out.String())
	}
}

func TestScriptEnvInjection(t *testing.T) {
	var out bytes.Buffer
	unit := shellUnit(`echo "key=$SUPABASE_SERVICE_KEY"`, time.Minute, time.Second)
	unit.Env = []string{"SUPABASE_SERVICE_KEY=sk-test-value"}
	unit.Stdout = &out

	code, err := unit.Execute(context.Background())
	if err != nil || code != 0 {
		t.Fatalf("Execute: code=%d err=%v", code, err)
	}
	if !strings.Contains(out.String(), "key=sk-test-value") {
		t.Errorf("bundle env not injected: %q", out.String())
	}
}
