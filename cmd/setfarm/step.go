package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldnotes-dev/setfarm/internal/engineerr"
)

func newStepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "The claim protocol agents use to pull and report on work",
	}
	cmd.AddCommand(newStepPeekCommand())
	cmd.AddCommand(newStepClaimCommand())
	cmd.AddCommand(newStepCompleteCommand())
	cmd.AddCommand(newStepFailCommand())
	return cmd
}

// isStoryID tells a step unit id from a story unit id by its prefix. The
// id namespaces are disjoint (internal/store.newID), so the CLI layer
// never needs a separate --story flag.
func isStoryID(unitID string) bool {
	return strings.HasPrefix(unitID, "story_")
}

func newStepPeekCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "peek <role>",
		Short: "Report whether a role has unclaimed work, with no side effects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			has, err := a.claim.Peek(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if has {
				fmt.Println("HAS_WORK")
			} else {
				fmt.Println("NO_WORK")
			}
			return nil
		},
	}
}

func newStepClaimCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <role>",
		Short: "Atomically claim the next pending unit of work for a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			unit, err := a.claim.Claim(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if unit == nil {
				fmt.Println("NO_WORK")
				return nil
			}

			var payload any
			if unit.IsStory {
				payload = struct {
					StoryID string `json:"storyId"`
					RunID   string `json:"runId"`
					Input   string `json:"input"`
				}{StoryID: unit.StepID, RunID: unit.RunID, Input: unit.Input}
			} else {
				payload = struct {
					StepID string `json:"stepId"`
					RunID  string `json:"runId"`
					Input  string `json:"input"`
				}{StepID: unit.StepID, RunID: unit.RunID, Input: unit.Input}
			}
			out, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newStepCompleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <unit-id>",
		Short: "Report a unit done; its raw KEY: value output is read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := io.ReadAll(os.Stdin)
			if err != nil {
				return engineerr.New(engineerr.BadInput, err)
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			unitID := args[0]
			if err := a.claim.Complete(cmd.Context(), unitID, isStoryID(unitID), string(raw)); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
}

func newStepFailCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fail <unit-id> <reason>",
		Short: "Report a unit failed, counting against its retry budget",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			unitID := args[0]
			if err := a.claim.Fail(cmd.Context(), unitID, isStoryID(unitID), args[1]); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
}
