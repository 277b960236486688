package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/kinshipd/kinship/internal/schema"
	"github.com/kinshipd/kinship/internal/ui"
)

var (
	ruleDailyLimit    int
	ruleDowntimeStart string
	ruleDowntimeEnd   string
	pauseUntil        string
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage screen-time rules (supervisor only)",
}

var rulesSetCmd = &cobra.Command{
	Use:   "set <category>",
	Short: "Set the screen-time rule for an app category",
	Long: `Set the daily limit and downtime window for a category.

The rule is stored locally and queued for delivery to every paired
device; an offline supervised device picks it up on its next sync.

Example:
  kin rules set games --daily-limit 60 --downtime-start 21:00 --downtime-end 07:00`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		category := args[0]

		agent, cleanup, err := buildAgent(cmd, "", "supervisor")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		rule := schema.ScreenTimeRule{
			CategoryID:    category,
			DailyLimitMin: ruleDailyLimit,
			DowntimeStart: ruleDowntimeStart,
			DowntimeEnd:   ruleDowntimeEnd,
		}
		value, err := json.Marshal(rule)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		obj := &schema.ConfigObject{
			Key:          "screen_time_rule/" + category,
			Kind:         schema.KindScreenTimeRule,
			Value:        value,
			Authority:    schema.AuthoritySupervisor,
			LastModified: time.Now().UTC(),
			DeviceID:     agent.Identity().DeviceID,
		}
		if err := agent.PublishConfigObject(cmd.Context(), obj); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		// Best effort immediate delivery; the queue retries otherwise.
		if err := agent.Queue().Process(cmd.Context()); err != nil {
			fmt.Println(ui.Warn("Rule saved; delivery pending (offline?)"))
			return
		}
		fmt.Println(ui.Success("Rule saved and delivered."))
	},
}

var rulesPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause governed apps on paired devices",
	Long: `Issue a pause command to every paired device.

--until accepts natural language:
  kin rules pause --until "tomorrow 7am"
  kin rules pause --until "in 2 hours"`,
	Run: func(cmd *cobra.Command, args []string) {
		until := time.Time{}
		if pauseUntil != "" {
			w := when.New(nil)
			w.Add(en.All...)
			w.Add(common.All...)
			result, err := w.Parse(pauseUntil, time.Now())
			if err != nil || result == nil {
				fmt.Fprintf(os.Stderr, "Error: could not understand %q\n", pauseUntil)
				os.Exit(1)
			}
			until = result.Time
		}

		agent, cleanup, err := buildAgent(cmd, "", "supervisor")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		payload, _ := json.Marshal(schema.DowntimeOverride{Until: until, Paused: true})
		command := &schema.Command{
			ID:       uuid.NewString(),
			Kind:     schema.CommandPause,
			IssuedBy: agent.Identity().DeviceID,
			Payload:  string(payload),
			IssuedAt: time.Now().UTC(),
		}
		if err := agent.IssueCommand(cmd.Context(), command); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		msg := "Pause issued."
		if !until.IsZero() {
			msg = fmt.Sprintf("Pause issued until %s.", until.Format("Mon 15:04"))
		}
		fmt.Println(ui.Success(msg))
	},
}

var rulesResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Lift a pause on paired devices",
	Run: func(cmd *cobra.Command, args []string) {
		agent, cleanup, err := buildAgent(cmd, "", "supervisor")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		command := &schema.Command{
			ID:       uuid.NewString(),
			Kind:     schema.CommandResume,
			IssuedBy: agent.Identity().DeviceID,
			IssuedAt: time.Now().UTC(),
		}
		if err := agent.IssueCommand(cmd.Context(), command); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(ui.Success("Resume issued."))
	},
}

func init() {
	rulesSetCmd.Flags().IntVar(&ruleDailyLimit, "daily-limit", 0, "daily limit in minutes (0 = no limit)")
	rulesSetCmd.Flags().StringVar(&ruleDowntimeStart, "downtime-start", "", "downtime start, e.g. 21:00")
	rulesSetCmd.Flags().StringVar(&ruleDowntimeEnd, "downtime-end", "", "downtime end, e.g. 07:00")
	rulesPauseCmd.Flags().StringVar(&pauseUntil, "until", "", "natural-language end time")

	rulesCmd.AddCommand(rulesSetCmd)
	rulesCmd.AddCommand(rulesPauseCmd)
	rulesCmd.AddCommand(rulesResumeCmd)
	rootCmd.AddCommand(rulesCmd)
}
