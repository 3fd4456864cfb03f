package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/ordersync/internal/state"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func validateOutput(format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case outputTable, outputJSON, outputYAML:
		return nil
	}
	return fmt.Errorf("unsupported output format %q (table|yaml|json)", format)
}

// render writes v as json or yaml, or calls table for the default format.
func render(w io.Writer, format string, v any, table func(w io.Writer) error) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		// Go through JSON so yaml keys match the API field names.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	default:
		return table(w)
	}
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func row(tw *tabwriter.Writer, cells ...string) {
	for i, cell := range cells {
		if cell == "" {
			cells[i] = "-"
		}
	}
	fmt.Fprintln(tw, strings.Join(cells, "\t"))
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	badColor  = color.New(color.FgRed)
)

func shipmentStateText(s state.ShipmentState) string {
	switch s {
	case state.ShipmentReported:
		return okColor.Sprint(string(s))
	case state.ShipmentAttempted:
		return warnColor.Sprint(string(s))
	case state.ShipmentFailed:
		return badColor.Sprint(string(s))
	}
	return string(s)
}

func orderStatusText(s state.OrderStatus) string {
	switch s {
	case state.OrderDelivered:
		return okColor.Sprint(string(s))
	case state.OrderSkipped:
		return warnColor.Sprint(string(s))
	case state.OrderInvalid, state.OrderFailed:
		return badColor.Sprint(string(s))
	}
	return string(s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
