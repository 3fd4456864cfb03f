package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions carries the persistent flags every subcommand reads.
type rootOptions struct {
	configFile string
	envFile    string
	output     string
	logLevel   string

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}
	cmd := &cobra.Command{
		Use:   "ordersync",
		Short: "Bidirectional order and tracking sync between a marketplace and a shipping platform",
		Long: `ordersync pulls new marketplace orders from an event stream, creates them on the
shipping platform, and reports shipment tracking back to the marketplace when
fulfillment webhooks arrive.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return validateOutput(opts.output)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default is ./ordersync.yaml or /etc/ordersync/ordersync.yaml)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	flags.StringVarP(&opts.output, "output", "o", outputTable, "output format (table|yaml|json)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(
		newServeCmd(opts),
		newPollCmd(opts),
		newBackfillCmd(opts),
		newReportCmd(opts),
		newLedgerCmd(opts),
		newOrdersCmd(opts),
		newWebhooksCmd(opts),
		newCarriersCmd(opts),
		newTrackingCmd(opts),
		newTokenCmd(opts),
	)

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return fmt.Errorf("%w\nrun '%s --help' for usage", err, c.CommandPath())
	})
	return cmd
}

