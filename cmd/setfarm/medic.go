package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMedicCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "medic",
		Short: "The watchdog that reconciles stuck work and failed runs",
	}
	cmd.AddCommand(newMedicRunCommand())
	return cmd
}

func newMedicRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one watchdog pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			check, err := a.medic.Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("ISSUES: %d\n", check.IssuesFound)
			fmt.Printf("ACTIONS: %d\n", check.ActionsTaken)
			for _, f := range check.Findings {
				fmt.Printf("FINDING: %s action=%s remediated=%t %s\n", f.Check, f.Action, f.Remediated, f.Detail)
			}
			return nil
		},
	}
}
