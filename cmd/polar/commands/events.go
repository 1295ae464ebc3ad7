package commands

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/pulse/events"
	"github.com/teranos/polar/sym"
)

// EventsCmd feeds persisted scheduler events to the processor
var EventsCmd = &cobra.Command{
	Use:   "events",
	Short: sym.Pulse + " Process scheduler events",
	Long: sym.Pulse + ` events - process persisted scheduler events.

Examples:
  polar events process event.json
  cat event.json | polar events process -`,
}

var eventsProcessCmd = &cobra.Command{
	Use:   "process <file|->",
	Short: "Process one event read from a JSON file or stdin",
	Args:  cobra.ExactArgs(1),
	RunE:  runEventsProcess,
}

func init() {
	addJSONFlag(eventsProcessCmd)
	EventsCmd.AddCommand(eventsProcessCmd)
}

// readEvent decodes a single PersistedEvent from path, or stdin when path is "-".
func readEvent(path string, stdin io.Reader) (*events.PersistedEvent, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %s", path)
		}
		defer f.Close()
		r = f
	}

	var event events.PersistedEvent
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&event); err != nil {
		return nil, errors.NewInvalidRequestError("invalid event JSON: %v", err)
	}
	return &event, nil
}

func runEventsProcess(cmd *cobra.Command, args []string) error {
	event, err := readEvent(args[0], cmd.InOrStdin())
	if err != nil {
		return err
	}

	return withService(cmd, func(st *stack) error {
		result, err := st.service.ProcessPersistedEvent(cmd.Context(), event)
		if err != nil {
			return err
		}
		if wantJSON(cmd) {
			return printJSON(cmd.OutOrStdout(), result)
		}

		rec := result.Record
		switch rec.Status {
		case events.StatusProcessed:
			pterm.Success.Printf("Event %s processed (run %s %s)\n", rec.EventID, rec.RunID, rec.RunStatus)
		case events.StatusRejected:
			pterm.Warning.Printf("Event %s rejected: %s %s\n", rec.EventID, rec.RejectionCode, rec.Reason)
		default:
			reason := rec.Reason
			if rec.Failure != nil {
				reason = rec.Failure.Code + ": " + rec.Failure.Message
			}
			pterm.Error.Printf("Event %s failed: %s\n", rec.EventID, reason)
		}
		if result.QueueEntry != nil {
			pterm.Info.Printf("Disposition %s (attempt %d/%d, retry at %s)\n",
				result.Disposition, result.QueueEntry.Attempt, result.QueueEntry.MaxAttempts,
				formatOptionalMs(result.QueueEntry.RetryAtMs))
		}
		if result.RunError != "" {
			pterm.Warning.Printf("Run ledger: %s\n", result.RunError)
		}
		return nil
	})
}
