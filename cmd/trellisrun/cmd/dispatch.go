package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zuolabs/trellis-runner/pkg/config"
	"github.com/zuolabs/trellis-runner/pkg/dispatch"
	"github.com/zuolabs/trellis-runner/pkg/models"
	"github.com/zuolabs/trellis-runner/pkg/secrets"
)

var (
	dispatchRef          string
	dispatchAutoContinue string
)

// dispatchCmd represents the dispatch command, the manual re-trigger used
// after a dispatch failure halted a continuation chain.
var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Manually dispatch a follow-up run",
	Long: `Dispatch one run through the workflow API without executing anything
locally. Used to resume a chain after a dispatch failure.`,
	RunE: runDispatch,
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchRef, "ref", "", "workflow ref to dispatch (default from config)")
	dispatchCmd.Flags().StringVar(&dispatchAutoContinue, "auto-continue", "yes", "auto-continue value carried by the dispatched run: yes or no")
	rootCmd.AddCommand(dispatchCmd)
}

func runDispatch(cmd *cobra.Command, args []string) error {
	autoContinue, err := models.ParseFlag(dispatchAutoContinue)
	if err != nil {
		return fmt.Errorf("invalid --auto-continue: %w", err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	ref := cfg.Dispatch.Ref
	if dispatchRef != "" {
		ref = dispatchRef
	}
	if cfg.Dispatch.Endpoint == "" {
		return errors.New("dispatch.endpoint is not configured")
	}

	bundle := secrets.FromEnv()
	if err := bundle.Require(secrets.EnvDispatchToken); err != nil {
		return err
	}

	client := dispatch.NewClient(cfg.Dispatch.Endpoint, bundle.Get(secrets.EnvDispatchToken))
	if err := client.Dispatch(cmd.Context(), ref, autoContinue); err != nil {
		return err
	}

	fmt.Printf("Dispatched run on %s (auto-continue: %s)\n", ref, models.FlagString(autoContinue))
	return nil
}
