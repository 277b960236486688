package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kinshipd/kinship/internal/ui"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices known to this household",
	Run: func(cmd *cobra.Command, args []string) {
		agent, cleanup, err := buildAgent(cmd, "", "supervised")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		devices, err := agent.KnownDevices(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(devices) == 0 {
			fmt.Println(ui.Muted("No devices known yet. Pair one with 'kin pair create'."))
			return
		}

		fmt.Println(ui.Title("Devices"))
		for _, d := range devices {
			marker := "  "
			if d.ID == agent.Identity().DeviceID {
				marker = ui.Success("* ")
			}
			fmt.Printf("%s%-24s %-11s %s\n", marker, d.DisplayName, d.Role, ui.Muted(d.ID))
		}
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}
