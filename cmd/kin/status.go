package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kinshipd/kinship/internal/daemon"
	"github.com/kinshipd/kinship/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync health: last syncs, queue depth, entitlement",
	Long: `Show the aggregate sync state of this device.

If the daemon is running its live view is used; otherwise the local
database is read directly. Staleness here is the designed failure
surface: sync problems show up as old "last success" times, never as
blocking errors elsewhere.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		snap, live := snapshotFromDaemon(cfg.Status.Addr)
		if snap == nil {
			agent, cleanup, err := buildAgent(cmd, "", "supervised")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer cleanup()
			snap, err = agent.Snapshot(cmd.Context())
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		printSnapshot(snap, live)
	},
}

// snapshotFromDaemon asks a running daemon for its status. Returns nil
// when no daemon answers.
func snapshotFromDaemon(addr string) (*daemon.Snapshot, bool) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/api/status")
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}

	var snap daemon.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, false
	}
	return &snap, true
}

func printSnapshot(snap *daemon.Snapshot, live bool) {
	source := "daemon"
	if !live {
		source = "local database (daemon not running)"
	}

	fmt.Println(ui.Title("kin status") + ui.Muted("  via "+source))

	paired := ui.Warn("not paired")
	if snap.Paired {
		paired = ui.Success(fmt.Sprintf("paired (%d edge(s))", snap.ActiveEdges))
	}

	entitlement := ui.Muted("never verified")
	if snap.Entitlement != nil {
		entitlement = fmt.Sprintf("%s (%s), verified %s",
			snap.Entitlement.Tier, snap.Entitlement.Status,
			humanAge(snap.Entitlement.LastVerifiedAt))
	}

	queueLine := fmt.Sprintf("%d pending", snap.QueueDepth)
	if snap.StuckItems > 0 {
		queueLine += "  " + ui.Error(fmt.Sprintf("%d stuck", snap.StuckItems))
	}

	fmt.Print(ui.KeyValues([][2]string{
		{"Device", fmt.Sprintf("%s (%s, %s)", snap.DisplayName, snap.DeviceID, snap.Role)},
		{"Pairing", paired},
		{"Queue", queueLine},
		{"Entitlement", entitlement},
	}))

	if len(snap.Marks) > 0 {
		fmt.Println(ui.Title("Last sync"))
		for _, mark := range snap.Marks {
			line := humanAge(mark.LastRunAt) + " ago"
			if mark.LastSuccessAt == nil {
				line += "  " + ui.Error("never succeeded")
			} else if !mark.LastSuccessAt.Equal(mark.LastRunAt) {
				line += "  " + ui.Warn("last success "+humanAge(*mark.LastSuccessAt)+" ago")
			}
			if mark.LastError != "" {
				line += "  " + ui.Muted(mark.LastError)
			}
			fmt.Printf("  %-18s %s\n", mark.TaskID, line)
		}
	}
}

// humanAge renders a time as a coarse age ("3m", "2h", "5d").
func humanAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
