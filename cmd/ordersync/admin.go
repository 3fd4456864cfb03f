package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/ordersync/internal/downstream"
	"github.com/agentworkforce/ordersync/internal/httpapi"
)

func newWebhooksCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Manage fulfillment webhook subscriptions on the shipping platform",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List webhook subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(needs{downstream: true}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			hooks, err := a.downstream.ListWebhooks(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list webhooks: %w", err)
			}
			return render(opts.stdout, opts.output, hooks, func(w io.Writer) error {
				if len(hooks) == 0 {
					_, err := fmt.Fprintln(w, "No webhooks registered")
					return err
				}
				tw := newTable(w, "ID", "EVENT", "STORE", "NAME", "URL")
				for _, h := range hooks {
					row(tw, h.WebhookID, h.Event, h.StoreID, h.Name, h.URL)
				}
				return tw.Flush()
			})
		},
	}

	var (
		events []string
		name   string
	)
	register := &cobra.Command{
		Use:   "register <url>",
		Short: "Point fulfillment webhooks at a URL, updating existing subscriptions in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(args[0])
			if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
				return fmt.Errorf("webhook url must be http or https: %s", target)
			}
			a, err := opts.newApp(needs{downstream: true}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			existing, err := a.downstream.ListWebhooks(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list webhooks: %w", err)
			}
			var out []downstream.Webhook
			for _, event := range events {
				hook, err := registerWebhook(cmd, a.downstream, existing, downstream.Webhook{
					Name:    name,
					URL:     target,
					Event:   event,
					StoreID: a.cfg.Downstream.StoreID,
				})
				if err != nil {
					return err
				}
				out = append(out, hook)
			}
			return render(opts.stdout, opts.output, out, func(w io.Writer) error {
				for _, h := range out {
					fmt.Fprintf(w, "%s %s -> %s\n", okColor.Sprint("registered"), h.Event, h.URL)
				}
				return nil
			})
		},
	}
	register.Flags().StringSliceVar(&events, "event", []string{"fulfillment_shipped_v2", "fulfillment_rejected_v2"}, "webhook events to subscribe")
	register.Flags().StringVar(&name, "name", "ordersync", "subscription name")

	del := &cobra.Command{
		Use:   "delete <webhook-id>",
		Short: "Delete a webhook subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(needs{downstream: true}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.downstream.DeleteWebhook(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete webhook %s: %w", args[0], err)
			}
			fmt.Fprintf(opts.stdout, "deleted webhook %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, register, del)
	return cmd
}

// registerWebhook updates a subscription for the same event and store when
// one exists, otherwise creates it.
func registerWebhook(cmd *cobra.Command, client *downstream.Client, existing []downstream.Webhook, hook downstream.Webhook) (downstream.Webhook, error) {
	for _, current := range existing {
		if current.Event != hook.Event || current.StoreID != hook.StoreID {
			continue
		}
		if current.URL == hook.URL {
			return current, nil
		}
		if err := client.UpdateWebhook(cmd.Context(), current.WebhookID, hook.URL); err != nil {
			return downstream.Webhook{}, fmt.Errorf("failed to update webhook %s: %w", current.WebhookID, err)
		}
		current.URL = hook.URL
		return current, nil
	}
	created, err := client.CreateWebhook(cmd.Context(), hook)
	if err != nil {
		return downstream.Webhook{}, fmt.Errorf("failed to create %s webhook: %w", hook.Event, err)
	}
	return created, nil
}

func newCarriersCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "carriers",
		Short: "List carriers connected to the shipping account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.newApp(needs{downstream: true}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			carriers, err := a.downstream.ListCarriers(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list carriers: %w", err)
			}
			return render(opts.stdout, opts.output, carriers, func(w io.Writer) error {
				tw := newTable(w, "ID", "CODE", "NAME", "NICKNAME")
				for _, c := range carriers {
					row(tw, c.CarrierID, c.CarrierCode, c.FriendlyName, c.Nickname)
				}
				return tw.Flush()
			})
		},
	}
}

func newTrackingCmd(opts *rootOptions) *cobra.Command {
	var q downstream.TrackingQuery
	cmd := &cobra.Command{
		Use:   "tracking",
		Short: "Look up tracking on the shipping platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if q.ShipmentID == "" && q.OrderNumber == "" && q.TrackingNumber == "" {
				return errors.New("one of --shipment-id, --order-number or --tracking-number is required")
			}
			a, err := opts.newApp(needs{downstream: true}, false)
			if err != nil {
				return err
			}
			defer a.Close()

			infos, err := a.downstream.Tracking(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("tracking lookup failed: %w", err)
			}
			return render(opts.stdout, opts.output, infos, func(w io.Writer) error {
				if len(infos) == 0 {
					_, err := fmt.Fprintln(w, "No tracking found")
					return err
				}
				tw := newTable(w, "TRACKING", "CARRIER", "SHIPMENT", "SHIPPED", "ETA", "STATUS")
				for _, i := range infos {
					row(tw, i.TrackingNumber, i.CarrierCode, i.ShipmentID, i.ShipDate, i.EstimatedDelivery, i.StatusDescription)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&q.ShipmentID, "shipment-id", "", "shipment id")
	cmd.Flags().StringVar(&q.OrderNumber, "order-number", "", "order number")
	cmd.Flags().StringVar(&q.TrackingNumber, "tracking-number", "", "carrier tracking number")
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an admin token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.AdminJWTSecret == "" {
				return errors.New("server.admin_jwt_secret is required (ORDERSYNC_SERVER_ADMIN_JWT_SECRET)")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive, got %s", ttl)
			}
			token, err := httpapi.IssueToken(cfg.Server.AdminJWTSecret, subject, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(opts.stdout, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject, used for rate limiting")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{httpapi.ScopeSyncTrigger, httpapi.ScopeLedgerRead, httpapi.ScopeOrdersRead}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
