package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCronCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Reconcile the external scheduler's jobs against running workflows",
	}
	cmd.AddCommand(newCronSyncCommand())
	return cmd
}

// newCronSyncCommand implements the startup reconciliation spec §4.5's
// Lifecycle and §4.6 ask for: recreate jobs for any workflow with a
// running run but none registered yet. It's idempotent: safe to run on
// every engine startup, or by hand after a scheduler restart.
func newCronSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Recreate cron jobs for running workflows missing them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.medic.StartupRestore(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
}
