package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/skovachev/blueprint/internal/workflow"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List the sessions recorded in the workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		sums, err := workflow.ListSessions(flagWorkspace)
		if err != nil {
			return err
		}
		if len(sums) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tUPDATED")
		for _, s := range sums {
			if s.Corrupt {
				fmt.Fprintf(w, "%s\tcorrupt\t-\t-\n", s.ID)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\n",
				s.ID, s.Status, s.Checkpoints, s.TotalSteps,
				s.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Show one session's stage progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := workflow.Inspect(flagWorkspace, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("session:  %s\n", s.ID)
		fmt.Printf("status:   %s\n", s.Status)
		if s.ProjectName != "" {
			fmt.Printf("project:  %s\n", s.ProjectName)
		}
		fmt.Printf("created:  %s\n", s.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("updated:  %s\n", s.UpdatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("progress: %d/%d stages\n", s.Checkpoints, s.TotalSteps)
		for _, step := range s.CompletedSteps {
			fmt.Printf("  done    %s\n", step)
		}
		if s.NextStep != "" {
			fmt.Printf("  next    %s\n", s.NextStep)
		}
		if s.FailureReason != "" {
			fmt.Printf("failure:  %s\n", s.FailureReason)
		}
		return nil
	},
}
