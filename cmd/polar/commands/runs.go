package commands

import (
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/pulse/events"
	"github.com/teranos/polar/pulse/ledger"
	"github.com/teranos/polar/sym"
)

// RunsCmd reads the run ledger and replays it onto the task board
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: sym.Ledger + " Inspect the run ledger",
	Long: sym.Ledger + ` runs - inspect the automation and heartbeat run ledger.

Examples:
  polar runs ls automation --id job-1
  polar runs ls heartbeat --trigger interval
  polar runs replay --source automation --from 120 --limit 50`,
}

var runsLsCmd = &cobra.Command{
	Use:   "ls <automation|heartbeat>",
	Short: "List ledger rows for one source",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsLs,
}

var runsReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay ledger rows onto the task board",
	Long: `Replay ledger rows onto the task board in sequence order.

Rows the board already links are counted as skipped. Use the printed
cursor as --from to continue.`,
	RunE: runRunsReplay,
}

func init() {
	runsLsCmd.Flags().Int64("from", 0, "Start after this sequence")
	runsLsCmd.Flags().Int("limit", events.DefaultPageLimit, "Page size")
	runsLsCmd.Flags().String("id", "", "Filter by automation or heartbeat ID")
	runsLsCmd.Flags().String("run", "", "Filter by run ID")
	runsLsCmd.Flags().String("profile", "", "Filter by profile ID")
	runsLsCmd.Flags().String("trigger", "", "Filter by trigger")
	addJSONFlag(runsLsCmd)

	runsReplayCmd.Flags().String("source", "", "Only replay one source (automation|heartbeat)")
	runsReplayCmd.Flags().Int64("from", 0, "Start after this sequence")
	runsReplayCmd.Flags().Int("limit", events.DefaultPageLimit, "Maximum rows to replay")
	addJSONFlag(runsReplayCmd)

	RunsCmd.AddCommand(runsLsCmd, runsReplayCmd)
}

func runRunsLs(cmd *cobra.Command, args []string) error {
	source, err := events.ParseSource(args[0])
	if err != nil {
		return err
	}
	filter := ledger.RunFilter{}
	filter.FromSequence, _ = cmd.Flags().GetInt64("from")
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	filter.ID, _ = cmd.Flags().GetString("id")
	filter.RunID, _ = cmd.Flags().GetString("run")
	filter.ProfileID, _ = cmd.Flags().GetString("profile")
	filter.Trigger, _ = cmd.Flags().GetString("trigger")

	return withService(cmd, func(st *stack) error {
		page, err := st.service.Ledger().List(cmd.Context(), source, filter)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), page)
		}
		if len(page.Items) == 0 {
			pterm.Info.Printf("No %s runs\n", source)
			return nil
		}
		rows := make([][]string, 0, len(page.Items))
		for _, r := range page.Items {
			rows = append(rows, []string{itoa(r.Sequence), r.ID, r.RunID, r.ProfileID, r.Trigger, formatMs(r.CreatedAtMs)})
		}
		if err := printTable(cmd.OutOrStdout(), []string{"Seq", "ID", "Run", "Profile", "Trigger", "Created"}, rows); err != nil {
			return err
		}
		pterm.Info.Printf("Next page: --from %d\n", page.NextFromSequence)
		return nil
	})
}

func runRunsReplay(cmd *cobra.Command, args []string) error {
	req := ledger.ReplayRequest{}
	if raw, _ := cmd.Flags().GetString("source"); raw != "" {
		source, err := events.ParseSource(raw)
		if err != nil {
			return err
		}
		req.Source = source
	}
	req.FromSequence, _ = cmd.Flags().GetInt64("from")
	req.Limit, _ = cmd.Flags().GetInt("limit")

	return withService(cmd, func(st *stack) error {
		result, err := st.service.ReplayRunLinks(cmd.Context(), req)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), result)
		}
		pterm.Success.Printf("Replayed %d runs: %d linked, %d skipped, %d rejected (next --from %d)\n",
			result.TotalCount, result.LinkedCount, result.SkippedCount, result.RejectedCount, result.NextFromSequence)
		return nil
	})
}

// parseRFC3339Ms parses an operator-supplied instant into epoch milliseconds.
func parseRFC3339Ms(raw string) (int64, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, errors.NewInvalidRequestError("expected RFC3339 time, got %q", raw)
	}
	return t.UnixMilli(), nil
}
