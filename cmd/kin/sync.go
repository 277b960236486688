package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kinshipd/kinship/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync pass now",
	Long: `Run every sync task once, in order: queue flush, config pull,
presence refresh, entitlement check, invitation sweep. Useful after
coming back online or when testing a pairing.`,
	Run: func(cmd *cobra.Command, args []string) {
		agent, cleanup, err := buildAgent(cmd, "", "supervised")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		agent.Scheduler().RunAll()

		marks, err := agent.Scheduler().Marks(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		failed := 0
		for _, mark := range marks {
			if mark.LastSuccessAt == nil || !mark.LastSuccessAt.Equal(mark.LastRunAt) {
				failed++
				fmt.Printf("  %-18s %s\n", mark.TaskID, ui.Error(mark.LastError))
			} else {
				fmt.Printf("  %-18s %s\n", mark.TaskID, ui.Success("ok"))
			}
		}
		if failed > 0 {
			fmt.Println(ui.Warn(fmt.Sprintf("%d task(s) failed; they will retry on schedule", failed)))
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
