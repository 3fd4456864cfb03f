package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/ordersync/internal/state"
)

func newLedgerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the shipment tracking ledger",
	}

	var stateFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tracked shipments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(needs{store: true}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := state.NewLedger(a.store).List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list ledger: %w", err)
			}
			entries = filterShipments(entries, stateFilter)
			return render(opts.stdout, opts.output, entries, func(w io.Writer) error {
				return writeShipmentTable(w, entries)
			})
		},
	}
	list.Flags().StringVar(&stateFilter, "state", "", "only show shipments in this state (new|attempted|reported|failed)")

	get := &cobra.Command{
		Use:   "get <shipment-id>",
		Short: "Show one tracked shipment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(needs{store: true}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			entry, ok, err := state.NewLedger(a.store).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("shipment %s is not tracked", args[0])
			}
			return render(opts.stdout, opts.output, entry, func(w io.Writer) error {
				return writeShipmentTable(w, []state.TrackedShipment{entry})
			})
		},
	}

	cmd.AddCommand(list, get)
	return cmd
}

func filterShipments(entries []state.TrackedShipment, want string) []state.TrackedShipment {
	want = strings.TrimSpace(want)
	out := make([]state.TrackedShipment, 0, len(entries))
	for _, entry := range entries {
		if want == "" || strings.EqualFold(string(entry.State), want) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func writeShipmentTable(w io.Writer, entries []state.TrackedShipment) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No tracked shipments")
		return err
	}
	tw := newTable(w, "SHIPMENT", "ORDER", "TRACKING", "CARRIER", "METHOD", "UPDATED", "ERROR", "STATE")
	for _, e := range entries {
		row(tw, e.ShipmentID, e.SourceOrderID, e.TrackingNumber, e.Carrier, e.CorrelationMethod,
			formatTime(e.UpdatedAt), e.ReportStatus.Error, shipmentStateText(e.State))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d shipment(s)\n", len(entries))
	return err
}

func newOrdersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect the forward-sync order log",
	}

	var statusFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List processed source orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(needs{store: true}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := state.NewOrderLog(a.store).List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list orders: %w", err)
			}
			records = filterOrders(records, statusFilter)
			return render(opts.stdout, opts.output, records, func(w io.Writer) error {
				return writeOrderTable(w, records)
			})
		},
	}
	list.Flags().StringVar(&statusFilter, "status", "", "only show orders with this status (delivered|skipped|invalid|failed)")

	get := &cobra.Command{
		Use:   "get <source-order-id>",
		Short: "Show the outcome for one source order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(needs{store: true}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			record, ok, err := state.NewOrderLog(a.store).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("order %s has not been processed", args[0])
			}
			return render(opts.stdout, opts.output, record, func(w io.Writer) error {
				return writeOrderTable(w, []state.OrderRecord{record})
			})
		},
	}

	cmd.AddCommand(list, get)
	return cmd
}

func filterOrders(records []state.OrderRecord, want string) []state.OrderRecord {
	want = strings.TrimSpace(want)
	out := make([]state.OrderRecord, 0, len(records))
	for _, record := range records {
		if want == "" || strings.EqualFold(string(record.Status), want) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

func writeOrderTable(w io.Writer, records []state.OrderRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No processed orders")
		return err
	}
	tw := newTable(w, "ORDER", "DOWNSTREAM", "SHIPMENT", "UPDATED", "ERRORS", "STATUS")
	for _, r := range records {
		row(tw, r.SourceOrderID, r.DownstreamOrderID, r.ShipmentID, formatTime(r.UpdatedAt),
			strings.Join(r.Errors, "; "), orderStatusText(r.Status))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d order(s)\n", len(records))
	return err
}
