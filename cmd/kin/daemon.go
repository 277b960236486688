package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kinshipd/kinship/internal/daemon"
)

var (
	daemonRole string
	daemonName string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the long-running sync agent",
	Long: `Run the sync agent in the foreground.

The agent:
  1. Schedules periodic sync work (usage upload, config pull, presence,
     entitlement verification, invitation sweep)
  2. Watches the enforcement event spool and the remote wake channel
  3. Drains the offline queue into the shared scopes
  4. Serves the status API (with /healthz and /metrics) on the
     configured loopback address

Stop it with SIGINT or SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		logger, closer := daemon.NewLogger(cfg.Log)
		if closer != nil {
			defer closer.Close()
		}

		id, err := loadIdentity(cfg, daemonName, daemonRole)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		st, err := openLocalStore(cmd, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		rs, cleanup, err := openRemoteStore(cmd, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to remote store: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		agent, err := daemon.New(cfg, id, st, rs, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating agent: %v\n", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := agent.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Agent error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	daemonCmd.Flags().StringVar(&daemonRole, "role", "supervised", "device role on first run (supervisor|supervised)")
	daemonCmd.Flags().StringVar(&daemonName, "name", "", "device display name on first run (default: hostname)")
	rootCmd.AddCommand(daemonCmd)
}
