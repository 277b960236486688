package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kinshipd/kinship/internal/pairing"
	"github.com/kinshipd/kinship/internal/ui"
)

var (
	pairFamilyID string
	pairName     string
)

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Establish and manage device pairings",
}

var pairCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pairing invitation (supervisor only)",
	Long: `Create a single-use pairing invitation.

Prints a code to transfer to the device being paired (show it, message
it, whatever works in your household). The invitation expires after ten
minutes and can be accepted exactly once.`,
	Run: func(cmd *cobra.Command, args []string) {
		agent, cleanup, err := buildAgent(cmd, pairName, "supervisor")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		payload, err := agent.Pairing().CreateInvitation(cmd.Context(), agent.Identity().Device(), pairFamilyID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating invitation: %v\n", err)
			os.Exit(1)
		}

		encoded, err := pairing.EncodePayload(payload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding invitation: %v\n", err)
			os.Exit(1)
		}
		code := base64.RawURLEncoding.EncodeToString(encoded)

		fmt.Println(ui.Title("Pairing invitation created"))
		fmt.Println(ui.Muted("Expires " + payload.ExpiresAt + ". Single use."))
		fmt.Println()
		fmt.Println("On the other device, run:")
		fmt.Printf("  kin pair accept %s\n", code)
	},
}

var pairAcceptCmd = &cobra.Command{
	Use:   "accept [code]",
	Short: "Accept a pairing invitation on this device",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var code string
		if len(args) == 1 {
			code = args[0]
		} else if ui.Interactive() {
			form := huh.NewForm(huh.NewGroup(
				huh.NewInput().
					Title("Pairing code").
					Description("Paste the code from 'kin pair create'").
					Value(&code),
			))
			if err := form.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		} else {
			fmt.Fprintln(os.Stderr, "Error: pairing code required")
			os.Exit(1)
		}

		raw, err := base64.RawURLEncoding.DecodeString(code)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: malformed pairing code\n")
			os.Exit(1)
		}
		payload, err := pairing.DecodePayload(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		agent, cleanup, err := buildAgent(cmd, pairName, "supervised")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		edge, err := agent.Pairing().AcceptInvitation(cmd.Context(), payload, agent.Identity().Device())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error accepting invitation: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(ui.Success("Paired."))
		fmt.Print(ui.KeyValues([][2]string{
			{"Supervisor", edge.SupervisorDeviceID},
			{"Trust edge", edge.ID},
			{"Established", edge.EstablishedAt.Format(time.RFC3339)},
		}))
	},
}

var pairListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active pairings and open invitations",
	Run: func(cmd *cobra.Command, args []string) {
		agent, cleanup, err := buildAgent(cmd, "", "supervised")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		ctx := cmd.Context()

		edges, err := agent.Pairing().ActiveEdges(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(ui.Title("Active pairings"))
		if len(edges) == 0 {
			fmt.Println(ui.Muted("  (none)"))
		}
		for _, e := range edges {
			fmt.Printf("  %s  %s -> %s  since %s\n",
				e.ID, e.SupervisorDeviceID, e.SupervisedDeviceID,
				e.EstablishedAt.Format("2006-01-02"))
		}

		invs, err := agent.Store().ListConsumableInvitations(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(invs) > 0 {
			fmt.Println(ui.Title("Open invitations"))
			for _, inv := range invs {
				fmt.Printf("  %s  %s  expires %s\n",
					inv.SessionID, inv.Status, inv.ExpiresAt.Format(time.RFC3339))
			}
		}
	},
}

var pairRevokeCmd = &cobra.Command{
	Use:   "revoke <edge-id>",
	Short: "Revoke a pairing",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		agent, cleanup, err := buildAgent(cmd, "", "supervised")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		if err := agent.Pairing().Revoke(cmd.Context(), args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error revoking: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(ui.Success("Pairing revoked. The other device will notice on its next sync."))
	},
}

func init() {
	pairCreateCmd.Flags().StringVar(&pairFamilyID, "family", "", "optional family grouping ID")
	pairCreateCmd.Flags().StringVar(&pairName, "name", "", "device display name on first run")
	pairAcceptCmd.Flags().StringVar(&pairName, "name", "", "device display name on first run")

	pairCmd.AddCommand(pairCreateCmd)
	pairCmd.AddCommand(pairAcceptCmd)
	pairCmd.AddCommand(pairListCmd)
	pairCmd.AddCommand(pairRevokeCmd)
	rootCmd.AddCommand(pairCmd)
}
