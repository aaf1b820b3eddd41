package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldnotes-dev/setfarm/internal/config"
	"github.com/fieldnotes-dev/setfarm/internal/engineerr"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "setfarm",
		Short: "Multi-agent workflow execution engine",
		Long:  "setfarm coordinates agents pulling work off a shared SQLite-backed run queue.",
	}

	rootCmd.PersistentFlags().StringVar(&cronBinaryFlag, "cron-bin", "", "external cron CLI binary (default: cronctl)")

	rootCmd.AddCommand(newStepCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newMedicCommand())
	rootCmd.AddCommand(newCronCommand())
	rootCmd.AddCommand(newTUICommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(engineerr.ExitCode(err))
	}
}

// cronBinaryFlag names the external cronctl binary the ShellGateway shells
// out to (spec §4.5); overridable for environments where it's not on PATH.
var cronBinaryFlag string

func loadConfig() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, engineerr.New(engineerr.Internal, err)
	}
	return cfg, nil
}
