package commands

import (
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/polar/am"
	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/logger"
	"github.com/teranos/polar/pulse/dispatch"
	"github.com/teranos/polar/pulse/events"
	"github.com/teranos/polar/pulse/queue"
	"github.com/teranos/polar/sym"
)

// QueueCmd inspects and operates on the retry and dead-letter queues
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: sym.Queue + " Inspect retry and dead-letter queues",
	Long: sym.Queue + ` queue - inspect and operate on scheduler queues.

Queues: retry, dead_letter, processed (the processed-event ledger).

Examples:
  polar queue ls retry
  polar queue ls processed --status failed --source automation
  polar queue retry dead_letter evt-42
  polar queue requeue dead_letter evt-42 --at 2026-03-01T12:00:00Z
  polar queue dismiss retry evt-42 --seq 7
  polar queue drain --limit 20`,
}

var queueLsCmd = &cobra.Command{
	Use:   "ls <retry|dead_letter|processed>",
	Short: "List a queue in sequence order",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueLs,
}

var queueDismissCmd = &cobra.Command{
	Use:   "dismiss <queue> <event-id>",
	Short: "Remove an entry without processing it",
	Args:  cobra.ExactArgs(2),
	RunE:  queueActionRunner(queue.ActionDismiss),
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <queue> <event-id>",
	Short: "Make an entry due for retry now",
	Args:  cobra.ExactArgs(2),
	RunE:  queueActionRunner(queue.ActionRetryNow),
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <queue> <event-id>",
	Short: "Move an entry back to the retry queue",
	Args:  cobra.ExactArgs(2),
	RunE:  queueActionRunner(queue.ActionRequeue),
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process retry entries that are due now",
	RunE:  runQueueDrain,
}

func init() {
	queueLsCmd.Flags().Int64("from", 0, "Start after this sequence")
	queueLsCmd.Flags().Int("limit", events.DefaultPageLimit, "Page size")
	queueLsCmd.Flags().String("source", "", "Filter by source (automation|heartbeat)")
	queueLsCmd.Flags().String("event", "", "Filter by event ID")
	queueLsCmd.Flags().String("run", "", "Filter by run ID")
	queueLsCmd.Flags().String("status", "", "Filter processed records by status")
	addJSONFlag(queueLsCmd)

	for _, c := range []*cobra.Command{queueDismissCmd, queueRetryCmd, queueRequeueCmd} {
		c.Flags().Int64("seq", 0, "Only act on this sequence (0 = any)")
		c.Flags().String("reason", "", "Reason recorded on the entry")
		addJSONFlag(c)
	}
	queueRequeueCmd.Flags().String("at", "", "Retry time (RFC3339, default now)")

	queueDrainCmd.Flags().Int("limit", am.DefaultRetryBatchLimit, "Maximum entries to process")
	addJSONFlag(queueDrainCmd)

	QueueCmd.AddCommand(queueLsCmd, queueDismissCmd, queueRetryCmd, queueRequeueCmd, queueDrainCmd)
}

// withService loads config, opens the database and hands the service to fn.
func withService(cmd *cobra.Command, fn func(st *stack) error) error {
	cfg, err := am.Load()
	if err != nil {
		return err
	}
	conn, _, err := openDatabase(cmd)
	if err != nil {
		return err
	}
	defer conn.Close()

	st, err := buildStack(cfg, conn, logger.Logger, nil)
	if err != nil {
		return err
	}
	return fn(st)
}

func runQueueLs(cmd *cobra.Command, args []string) error {
	req := dispatch.ListQueueRequest{Queue: args[0]}
	req.FromSequence, _ = cmd.Flags().GetInt64("from")
	req.Limit, _ = cmd.Flags().GetInt("limit")
	req.EventID, _ = cmd.Flags().GetString("event")
	req.RunID, _ = cmd.Flags().GetString("run")
	source, _ := cmd.Flags().GetString("source")
	req.Source = events.Source(source)
	status, _ := cmd.Flags().GetString("status")
	req.Status = events.Status(status)

	return withService(cmd, func(st *stack) error {
		page, err := st.service.ListEventQueue(cmd.Context(), req)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), page)
		}
		if page.Count == 0 {
			pterm.Info.Printf("%s is empty\n", page.Queue)
			return nil
		}

		switch items := page.Items.(type) {
		case []*queue.Entry:
			rows := make([][]string, 0, len(items))
			for _, e := range items {
				rows = append(rows, []string{
					itoa(e.Sequence), e.EventID, string(e.Source), e.RunID,
					strconv.Itoa(e.Attempt) + "/" + strconv.Itoa(e.MaxAttempts),
					formatOptionalMs(e.RetryAtMs), e.Reason,
				})
			}
			if err := printTable(cmd.OutOrStdout(), []string{"Seq", "Event", "Source", "Run", "Attempt", "Retry at", "Reason"}, rows); err != nil {
				return err
			}
		case []*events.Record:
			rows := make([][]string, 0, len(items))
			for _, r := range items {
				detail := string(r.RunStatus)
				if r.RejectionCode != "" {
					detail = string(r.RejectionCode)
				}
				if r.Failure != nil {
					detail = r.Failure.Code
				}
				rows = append(rows, []string{
					itoa(r.Sequence), r.EventID, string(r.Source), r.RunID,
					string(r.Status), detail, formatMs(r.RecordedAtMs),
				})
			}
			if err := printTable(cmd.OutOrStdout(), []string{"Seq", "Event", "Source", "Run", "Status", "Detail", "Recorded"}, rows); err != nil {
				return err
			}
		}
		pterm.Info.Printf("Next page: --from %d\n", page.NextFromSequence)
		return nil
	})
}

// queueActionRunner builds the RunE for one operator action.
func queueActionRunner(action queue.Action) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		name, err := queue.ParseName(args[0])
		if err != nil {
			return err
		}
		req := queue.ActionRequest{Queue: name, Action: action, EventID: args[1]}
		req.Reason, _ = cmd.Flags().GetString("reason")
		if seq, _ := cmd.Flags().GetInt64("seq"); seq > 0 {
			req.Sequence = &seq
		}
		if action == queue.ActionRequeue {
			if raw, _ := cmd.Flags().GetString("at"); raw != "" {
				ms, err := parseRFC3339Ms(raw)
				if err != nil {
					return err
				}
				req.RetryAtMs = &ms
			}
		}

		return withService(cmd, func(st *stack) error {
			result, err := st.service.RunQueueAction(cmd.Context(), req)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), result)
			}
			if result.Status == queue.ActionNotFound {
				return errors.NewNotFoundError("%s has no entry for event %s", name, req.EventID)
			}
			pterm.Success.Printf("%s %s on %s", action, req.EventID, name)
			if result.RetryAtMs != nil {
				pterm.Printf(" (retry at %s, position %d)", formatMs(*result.RetryAtMs), result.Position)
			}
			pterm.Println()
			return nil
		})
	}
}

func runQueueDrain(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	return withService(cmd, func(st *stack) error {
		summary, err := st.service.ProcessDueRetries(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), summary)
		}
		pterm.Success.Printf("Drained retries: %d due, %d claimed, %d processed, %d failed, %d rejected\n",
			summary.Due, summary.Claimed, summary.Processed, summary.Failed, summary.Rejected)
		return nil
	})
}
