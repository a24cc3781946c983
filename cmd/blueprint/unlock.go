package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skovachev/blueprint/internal/workspace"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Force-clear the workspace lock left by a dead run",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := workspace.Holder(flagWorkspace)
		if err != nil {
			return err
		}
		if m == nil {
			fmt.Println("workspace is not locked")
			return nil
		}
		if err := workspace.ForceClear(flagWorkspace); err != nil {
			return err
		}
		fmt.Printf("cleared lock held by session %s (pid %d on %s)\n", m.SessionID, m.PID, m.Hostname)
		return nil
	},
}
