package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kinshipd/kinship/internal/config"
	"github.com/kinshipd/kinship/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage kin configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter kinship.yml",
	Long: `Write a kinship.yml with every knob spelled out at its default.

The file lands in --config-dir (or the current directory) and is read on
the next start; KINSHIP_* environment variables override it.`,
	Run: func(cmd *cobra.Command, args []string) {
		dir := configDir
		if dir == "" {
			dir = "."
		}
		path := filepath.Join(dir, "kinship.yml")

		if err := config.WriteStarter(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(ui.Success("Wrote " + path))
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
