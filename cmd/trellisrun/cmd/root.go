package cmd

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	outputFormat string

	// exitCode is what the process exits with. The run command sets it from
	// the controller result so a work unit failure code survives verbatim.
	exitCode int
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "trellisrun",
	Short: "Budget-bounded runner for the 3D asset generation pipeline",
	Long: `trellisrun executes one bounded generation run under a wall-clock budget,
classifies the outcome by exit code, and dispatches a single follow-up run
when the work timed out with continuation enabled.`,
	SilenceUsage: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if exitCode == 0 {
			exitCode = 1
		}
	}
	return exitCode
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.trellisrun/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}
