package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/zuolabs/trellis-runner/pkg/config"
	"github.com/zuolabs/trellis-runner/pkg/ledger"
)

var runsLimit int

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run ledger",
}

// runsListCmd represents the runs list command
var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	Long:  `List recent runs from the local run ledger, newest first.`,
	RunE:  runRunsList,
}

// runsShowCmd represents the runs show command
var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one recorded run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to show")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	rootCmd.AddCommand(runsCmd)
}

func openLedger() (*ledger.Ledger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return ledger.Open(cfg.Ledger.Path, ledger.Options{
		MaxChainSteps: cfg.Chain.MaxSteps,
		LeaseTTL:      cfg.Ledger.LeaseTTL,
	})
}

func runRunsList(cmd *cobra.Command, args []string) error {
	led, err := openLedger()
	if err != nil {
		return err
	}
	defer led.Close()

	runs, err := led.List(runsLimit)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Started", "Ref", "Chain", "Step", "Outcome", "Exit", "Dispatched")

	for _, run := range runs {
		chain := run.ChainID
		if len(chain) > 8 {
			chain = chain[:8]
		}
		table.Append(
			run.StartedAt.Local().Format(time.DateTime),
			run.Ref,
			chain,
			strconv.Itoa(run.Step),
			run.Outcome,
			strconv.Itoa(run.ExitCode),
			yesNo(run.Dispatched),
		)
	}

	return table.Render()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	led, err := openLedger()
	if err != nil {
		return err
	}
	defer led.Close()

	run, err := led.Get(args[0])
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", args[0])
	}

	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	}

	finished := "-"
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.Local().Format(time.DateTime)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append("Run ID", run.ID)
	table.Append("Ref", run.Ref)
	table.Append("Chain", run.ChainID)
	table.Append("Step", strconv.Itoa(run.Step))
	table.Append("Outcome", run.Outcome)
	table.Append("Exit code", strconv.Itoa(run.ExitCode))
	table.Append("Dispatched", yesNo(run.Dispatched))
	table.Append("Started", run.StartedAt.Local().Format(time.DateTime))
	table.Append("Finished", finished)
	return table.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
