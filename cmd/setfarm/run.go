package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldnotes-dev/setfarm/internal/engineerr"
	"github.com/fieldnotes-dev/setfarm/internal/models"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create and inspect runs",
	}
	cmd.AddCommand(newRunCreateCommand())
	cmd.AddCommand(newRunListCommand())
	cmd.AddCommand(newRunStatusCommand())
	return cmd
}

func newRunCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <workflow-id> <task>",
		Short: "Start a run of a workflow against a task description",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.engine.CreateRun(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("RUN_ID: %s\n", run.ID)
			fmt.Printf("STATUS: %s\n", run.Status)
			return nil
		},
	}
}

func newRunListCommand() *cobra.Command {
	var statusFlag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			statuses := []models.RunStatus{models.RunStatusRunning, models.RunStatusDone, models.RunStatusFailed}
			if statusFlag != "" {
				statuses = []models.RunStatus{models.RunStatus(statusFlag)}
			}

			for _, st := range statuses {
				runs, err := a.store.ListRuns(cmd.Context(), st)
				if err != nil {
					return engineerr.New(engineerr.Internal, err)
				}
				for _, run := range runs {
					fmt.Printf("%s  %-20s %-8s %s\n", run.ID, run.WorkflowID, run.Status, run.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&statusFlag, "status", "", "filter by status (running|done|failed)")
	return cmd
}

func newRunStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's steps and, for loop steps, story tallies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			run, err := a.store.GetRun(ctx, args[0])
			if err != nil {
				return engineerr.New(engineerr.NotFound, err)
			}
			fmt.Printf("RUN_ID: %s\n", run.ID)
			fmt.Printf("WORKFLOW_ID: %s\n", run.WorkflowID)
			fmt.Printf("STATUS: %s\n", run.Status)

			steps, err := a.store.ListSteps(ctx, run.ID)
			if err != nil {
				return engineerr.New(engineerr.Internal, err)
			}
			for _, step := range steps {
				fmt.Printf("STEP: %s %s %s retries=%d\n", step.StepID, step.Type, step.Status, step.RetryCount)
				if step.Type != models.StepTypeLoop {
					continue
				}
				counts, err := a.store.CountStoriesByStatus(ctx, step.ID)
				if err != nil {
					return engineerr.New(engineerr.Internal, err)
				}
				fmt.Printf("  stories: %v\n", counts)
			}
			return nil
		},
	}
}
