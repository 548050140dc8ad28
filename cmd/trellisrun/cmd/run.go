package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zuolabs/trellis-runner/pkg/config"
	"github.com/zuolabs/trellis-runner/pkg/dispatch"
	"github.com/zuolabs/trellis-runner/pkg/ledger"
	"github.com/zuolabs/trellis-runner/pkg/logging"
	"github.com/zuolabs/trellis-runner/pkg/metrics"
	"github.com/zuolabs/trellis-runner/pkg/models"
	"github.com/zuolabs/trellis-runner/pkg/pipeline"
	"github.com/zuolabs/trellis-runner/pkg/resources"
	"github.com/zuolabs/trellis-runner/pkg/retry"
	"github.com/zuolabs/trellis-runner/pkg/runner"
	"github.com/zuolabs/trellis-runner/pkg/secrets"
	"github.com/zuolabs/trellis-runner/pkg/shutdown"
)

var (
	confirmFlag      string
	autoContinueFlag string
	refFlag          string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one bounded generation run",
	Long: `Execute the configured work unit under the wall-clock budget, record the
outcome in the run ledger, and dispatch at most one continuation when the
run timed out with auto-continue enabled.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&confirmFlag, "confirm", "yes", "execute the work unit: yes or no")
	runCmd.Flags().StringVar(&autoContinueFlag, "auto-continue", "no", "dispatch a continuation on timeout: yes or no")
	runCmd.Flags().StringVar(&refFlag, "ref", "", "workflow ref to run and dispatch against (default from config)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	confirm, err := models.ParseFlag(confirmFlag)
	if err != nil {
		return fmt.Errorf("invalid --confirm: %w", err)
	}
	autoContinue, err := models.ParseFlag(autoContinueFlag)
	if err != nil {
		return fmt.Errorf("invalid --auto-continue: %w", err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	ref := cfg.Dispatch.Ref
	if refFlag != "" {
		ref = refFlag
	}

	bundle := secrets.FromEnv()

	// Every output sink goes through a redactor so bundle values never
	// reach CI logs.
	stdout := secrets.NewRedactor(os.Stdout, bundle)
	stderr := secrets.NewRedactor(os.Stderr, bundle)
	defer stdout.Close()
	defer stderr.Close()

	log := logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	log.SetOutput(stderr)

	if autoContinue {
		if cfg.Dispatch.Endpoint == "" {
			return errors.New("auto-continue requires dispatch.endpoint in config")
		}
		if err := bundle.Require(secrets.EnvDispatchToken); err != nil {
			return err
		}
	}

	led, err := ledger.Open(cfg.Ledger.Path, ledger.Options{
		MaxChainSteps: cfg.Chain.MaxSteps,
		LeaseTTL:      cfg.Ledger.LeaseTTL,
	})
	if err != nil {
		return err
	}

	mgr := shutdown.New(30*time.Second, log)
	mgr.Register(shutdown.CloseResource(led, "run ledger"))

	ctx, cancel := mgr.Notify(context.Background())
	defer cancel()
	defer mgr.Shutdown()

	var set *metrics.Set
	var statusSrv *metrics.Server
	if cfg.Metrics.Enabled {
		set = metrics.New()
		statusSrv = metrics.NewServer(cfg.Metrics.Listen, set)
		statusSrv.Start()
		mgr.Register(shutdown.StopServer(statusSrv, "status server"))
	}

	unit, unitCleanup, err := buildWorkUnit(ctx, cfg, bundle, log, set, stdout, stderr)
	if err != nil {
		return err
	}
	if unitCleanup != nil {
		defer unitCleanup()
	}

	ctl := &runner.Controller{
		Unit:       unit,
		Dispatcher: dispatch.NewClient(cfg.Dispatch.Endpoint, bundle.Get(secrets.EnvDispatchToken)),
		Ledger:     led,
		Log:        log,
		Metrics:    set,
	}

	req := models.RunRequest{
		Confirm:      confirm,
		AutoContinue: autoContinue,
		Ref:          ref,
		CreatedAt:    time.Now().UTC(),
	}

	res, runErr := ctl.ExecuteAndMaybeContinue(ctx, req)
	exitCode = res.ExitCode

	if statusSrv != nil && res.Executed {
		statusSrv.SetLastRun(metrics.RunStatus{
			Ref:       ref,
			ChainID:   res.ChainID,
			Step:      res.Step,
			Outcome:   string(res.Outcome.Kind),
			ExitCode:  res.ExitCode,
			StartedAt: req.CreatedAt,
		})
	}
	return runErr
}

// buildWorkUnit picks the configured work unit: an external script when
// work.command is set, the in-process generation pipeline otherwise.
func buildWorkUnit(ctx context.Context, cfg *config.Config, bundle *secrets.Bundle,
	log *logging.Logger, set *metrics.Set, stdout, stderr *secrets.Redactor) (runner.WorkUnit, func(), error) {

	if cfg.Work.Command != "" {
		var mon *resources.Monitor
		if set != nil {
			mon = &resources.Monitor{Log: log, Gauges: set}
		}
		return &runner.ScriptUnit{
			Command: cfg.Work.Command,
			Args:    cfg.Work.Args,
			Budget:  cfg.Work.Budget,
			Grace:   cfg.Work.Grace,
			Env:     bundle.Environ(),
			Stdout:  stdout,
			Stderr:  stderr,
			Log:     log,
			Monitor: mon,
		}, nil, nil
	}

	if cfg.Database.DSN == "" {
		return nil, nil, errors.New("pipeline mode requires database.dsn in config")
	}
	if cfg.Storage.Endpoint == "" {
		return nil, nil, errors.New("pipeline mode requires storage.endpoint in config")
	}
	if err := bundle.Require(secrets.EnvSupabaseServiceKey); err != nil {
		return nil, nil, err
	}

	source, err := pipeline.NewCatalogSource(cfg.Database.DSN, log)
	if err != nil {
		return nil, nil, err
	}

	generator, err := pipeline.NewTrellisClient(bundle, log)
	if err != nil {
		source.Close()
		return nil, nil, err
	}

	store, err := pipeline.NewGLBStore(ctx, pipeline.StorageOptions{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: bundle.Get(secrets.EnvSupabaseServiceKey),
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	}, log)
	if err != nil {
		source.Close()
		return nil, nil, err
	}

	if set != nil {
		source.OnSkip(func() { set.ItemsSkipped.Inc() })
	}

	unit := &pipeline.GenerationUnit{
		Source:    source,
		Generator: generator,
		Store:     store,
		Budget:    cfg.Work.Budget,
		Limit:     cfg.Work.Limit,
		Retry:     retry.DefaultPolicy(),
		Log:       log,
		Metrics:   set,
		Cleanup:   func(path string) { os.Remove(path) },
	}
	return unit, func() { source.Close() }, nil
}
