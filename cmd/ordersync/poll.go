package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/ordersync/internal/engine"
	"github.com/agentworkforce/ordersync/internal/syncerr"
)

var errCycleFailed = errors.New("one or more orders failed")

func newPollCmd(opts *rootOptions) *cobra.Command {
	var resetCursor bool
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run one forward-sync cycle and exit",
		Long: `poll reads new events from the order stream, creates the matching orders on the
shipping platform, and advances the persisted cursor.

--reset-cursor moves the cursor to the current tail first, skipping everything
that is already on the stream. Do not run it while a server is polling the
same state store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(needs{source: true, downstream: true, store: true}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			session, err := a.session()
			if err != nil {
				return err
			}
			if resetCursor {
				cursor, err := session.ResetCursor(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to reset cursor: %w", err)
				}
				fmt.Fprintf(opts.stderr, "cursor reset to %s on stream %s\n", cursor.Position, cursor.StreamID)
			}

			report, err := session.PollOnce(cmd.Context())
			if err != nil {
				if syncerr.IsAuth(err) {
					return fmt.Errorf("credentials rejected, cycle stopped: %w", err)
				}
				return err
			}
			if err := render(opts.stdout, opts.output, report, func(w io.Writer) error {
				return writeCycleReport(w, report)
			}); err != nil {
				return err
			}
			if report.Failed > 0 {
				return errCycleFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&resetCursor, "reset-cursor", false, "move the cursor to the stream tail before polling")
	return cmd
}

func newBackfillCmd(opts *rootOptions) *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Push orders updated since a point in time, bypassing the event stream",
		Long: `backfill lists source orders updated since --since and runs them through the
same mapping and delivery as the poller. Orders already delivered are skipped.
The stream cursor is not touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseSince(since, time.Now())
			if err != nil {
				return err
			}
			a, err := opts.newApp(needs{source: true, downstream: true, store: true}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			session, err := a.session()
			if err != nil {
				return err
			}
			report, err := session.Backfill(cmd.Context(), from)
			if err != nil {
				return err
			}
			if err := render(opts.stdout, opts.output, report, func(w io.Writer) error {
				return writeCycleReport(w, report)
			}); err != nil {
				return err
			}
			if report.Failed > 0 {
				return errCycleFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "24h", "lookback duration (e.g. 6h) or RFC3339 timestamp")
	return cmd
}

func newReportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report <shipment-id>",
		Short: "Correlate one shipment and report its tracking to the marketplace",
		Long: `report fetches a shipment from the shipping platform and runs it through the
same path a fulfillment webhook takes. A shipment already reported is not sent
again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(needs{source: true, downstream: true, store: true}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			session, err := a.session()
			if err != nil {
				return err
			}
			outcome, err := session.ReportShipment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if renderErr := render(opts.stdout, opts.output, outcome, func(w io.Writer) error {
				return writeOutcomes(w, []engine.ShipmentOutcome{outcome})
			}); renderErr != nil {
				return renderErr
			}
			if outcome.Error != "" {
				return errors.New(outcome.Error)
			}
			return nil
		},
	}
}

// parseSince accepts a Go duration counted back from now, or an absolute
// RFC3339 timestamp or date.
func parseSince(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("--since is required")
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("--since must be positive, got %s", raw)
		}
		return now.Add(-d).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			if t.After(now) {
				return time.Time{}, fmt.Errorf("--since %s is in the future", raw)
			}
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --since %q: want a duration like 6h or an RFC3339 time", raw)
}

func writeCycleReport(w io.Writer, report engine.CycleReport) error {
	if report.Poll.StreamID != "" {
		fmt.Fprintf(w, "stream %s: %s -> %s (fetched %d, matched %d, skipped %d)\n\n",
			report.Poll.StreamID, orDash(report.Poll.From), orDash(report.Poll.To),
			report.Poll.Fetched, report.Poll.Matched, report.Poll.Skipped)
	}
	if len(report.Records) > 0 {
		tw := newTable(w, "ORDER", "DOWNSTREAM", "SHIPMENT", "ERRORS", "STATUS")
		for _, r := range report.Records {
			row(tw, r.SourceOrderID, r.DownstreamOrderID, r.ShipmentID, strings.Join(r.Errors, "; "), orderStatusText(r.Status))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}
	_, err := fmt.Fprintf(w, "delivered %d, skipped %d, invalid %d, failed %d\n",
		report.Delivered, report.Skipped, report.Invalid, report.Failed)
	return err
}

func writeOutcomes(w io.Writer, outcomes []engine.ShipmentOutcome) error {
	tw := newTable(w, "SHIPMENT", "ORDER", "METHOD", "ERROR", "RESULT")
	for _, o := range outcomes {
		result := badColor.Sprint("failed")
		switch {
		case o.Ignored:
			result = "ignored"
		case o.Cached:
			result = okColor.Sprint("already reported")
		case o.Reported:
			result = okColor.Sprint("reported")
		}
		row(tw, o.ShipmentID, o.SourceOrderID, o.CorrelationMethod, o.Error, result)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
