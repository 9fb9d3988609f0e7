package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/relaydesk/internal/config"
	"github.com/KafClaw/relaydesk/internal/handoff"
	"github.com/KafClaw/relaydesk/internal/timeline"
)

var handoffsCmd = &cobra.Command{
	Use:   "handoffs",
	Short: "Inspect stored hand-off records",
}

var (
	handoffsStatus       string
	handoffsConversation string
	handoffsLimit        int
)

var handoffsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hand-offs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		tl, err := openTimeline()
		if err != nil {
			return err
		}
		defer tl.Close()
		records, err := tl.ListHandoffs(cmd.Context(), timeline.HandoffFilter{
			Status:         handoffsStatus,
			ConversationID: handoffsConversation,
			Limit:          handoffsLimit,
		})
		if err != nil {
			return err
		}
		printHandoffs(cmd.OutOrStdout(), records)
		return nil
	},
}

var handoffsEventsCmd = &cobra.Command{
	Use:   "events <handoff-id>",
	Short: "Show the status history of one hand-off",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tl, err := openTimeline()
		if err != nil {
			return err
		}
		defer tl.Close()
		events, err := tl.ListHandoffEvents(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return fmt.Errorf("no events for hand-off %s", args[0])
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tSTATUS\tOPERATOR\tOUTCOME")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.RecordedAt.Local().Format(time.DateTime), e.Status, dash(e.AssignedTo), dash(e.Outcome))
		}
		return w.Flush()
	},
}

func openTimeline() (*timeline.TimelineService, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Driver != config.StorageSQLite {
		return nil, fmt.Errorf("hand-off history needs storage.driver=%s", config.StorageSQLite)
	}
	path, err := databasePath(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no database at %s: %w", path, err)
	}
	return timeline.NewTimelineService(path)
}

func printHandoffs(out io.Writer, records []*handoff.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No hand-offs found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCONVERSATION\tREASON\tPRIORITY\tSTATUS\tOPERATOR\tINITIATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.ConversationID, r.Reason.Type, r.Priority, statusColor(r.Status),
			dash(r.AssignedTo), r.InitiatedAt.Local().Format(time.DateTime))
	}
	_ = w.Flush()
}

func statusColor(s handoff.Status) string {
	switch {
	case s == handoff.StatusPending || s == handoff.StatusNotified:
		return color.YellowString(string(s))
	case s.Active():
		return color.CyanString(string(s))
	case s == handoff.StatusResolved:
		return color.GreenString(string(s))
	default:
		return color.New(color.Faint).Sprint(string(s))
	}
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func init() {
	handoffsListCmd.Flags().StringVar(&handoffsStatus, "status", "", "filter by status (pending, notified, accepted, in_progress, resolved, cancelled)")
	handoffsListCmd.Flags().StringVar(&handoffsConversation, "conversation", "", "filter by conversation id")
	handoffsListCmd.Flags().IntVar(&handoffsLimit, "limit", 50, "maximum records to show")
	handoffsCmd.AddCommand(handoffsListCmd)
	handoffsCmd.AddCommand(handoffsEventsCmd)
}
