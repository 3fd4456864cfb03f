package downstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/apiclient"
	"github.com/agentworkforce/ordersync/internal/logging"
)

var ErrShipmentNotFound = errors.New("shipment not found")

// Client talks to the shipping platform API.
type Client struct {
	exec   *apiclient.Executor
	logger *zap.Logger
}

func NewClient(exec *apiclient.Executor, logger *zap.Logger) *Client {
	return &Client{exec: exec, logger: logging.OrNop(logger).Named("downstream")}
}

func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (OrderRef, error) {
	var created Order
	if err := c.exec.DoJSON(ctx, apiclient.Request{Method: http.MethodPost, Path: "/v2/orders", Body: req}, &created); err != nil {
		return OrderRef{}, err
	}
	ref := created.Ref()
	if ref.OrderNumber == "" {
		ref.OrderNumber = req.OrderNumber
	}
	return ref, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var order Order
	if err := c.exec.DoJSON(ctx, apiclient.Request{Method: http.MethodGet, Path: "/v2/orders/" + url.PathEscape(orderID)}, &order); err != nil {
		return Order{}, err
	}
	return order, nil
}

func (c *Client) GetShipment(ctx context.Context, shipmentID string) (Shipment, error) {
	var shipment Shipment
	err := c.exec.DoJSON(ctx, apiclient.Request{Method: http.MethodGet, Path: "/v2/shipments/" + url.PathEscape(shipmentID)}, &shipment)
	if apiclient.IsNotFound(err) {
		return Shipment{}, fmt.Errorf("%w: %s", ErrShipmentNotFound, shipmentID)
	}
	if err != nil {
		return Shipment{}, err
	}
	if shipment.ShipmentID == "" {
		shipment.ShipmentID = shipmentID
	}
	return shipment, nil
}

// Tracking looks up tracking by whichever query fields are set.
func (c *Client) Tracking(ctx context.Context, q TrackingQuery) ([]TrackingInfo, error) {
	query := url.Values{}
	if q.ShipmentID != "" {
		query.Set("shipment_id", q.ShipmentID)
	}
	if q.OrderNumber != "" {
		query.Set("order_number", q.OrderNumber)
	}
	if q.TrackingNumber != "" {
		query.Set("tracking_number", q.TrackingNumber)
	}
	if len(query) == 0 {
		return nil, errors.New("tracking lookup needs a shipment id, order number or tracking number")
	}
	var resp struct {
		Tracking []TrackingInfo `json:"tracking"`
	}
	if err := c.exec.DoJSON(ctx, apiclient.Request{Method: http.MethodGet, Path: "/v2/tracking", Query: query}, &resp); err != nil {
		return nil, err
	}
	return resp.Tracking, nil
}

func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var hooks []Webhook
	if err := c.exec.DoJSON(ctx, apiclient.Request{Method: http.MethodGet, Path: "/v2/environment/webhooks"}, &hooks); err != nil {
		return nil, err
	}
	return hooks, nil
}

func (c *Client) CreateWebhook(ctx context.Context, hook Webhook) (Webhook, error) {
	if strings.TrimSpace(hook.URL) == "" || strings.TrimSpace(hook.Event) == "" {
		return Webhook{}, errors.New("webhook url and event are required")
	}
	var created Webhook
	if err := c.exec.DoJSON(ctx, apiclient.Request{Method: http.MethodPost, Path: "/v2/environment/webhooks", Body: hook}, &created); err != nil {
		return Webhook{}, err
	}
	c.logger.Info("registered webhook", zap.String("webhook_id", created.WebhookID), zap.String("event", hook.Event))
	return created, nil
}

func (c *Client) UpdateWebhook(ctx context.Context, webhookID, targetURL string) error {
	_, err := c.exec.Execute(ctx, apiclient.Request{
		Method: http.MethodPut,
		Path:   "/v2/environment/webhooks/" + url.PathEscape(webhookID),
		Body:   map[string]string{"url": targetURL},
	})
	return err
}

func (c *Client) DeleteWebhook(ctx context.Context, webhookID string) error {
	_, err := c.exec.Execute(ctx, apiclient.Request{Method: http.MethodDelete, Path: "/v2/environment/webhooks/" + url.PathEscape(webhookID)})
	return err
}

func (c *Client) ListCarriers(ctx context.Context) ([]Carrier, error) {
	var resp struct {
		Carriers []Carrier `json:"carriers"`
	}
	if err := c.exec.DoJSON(ctx, apiclient.Request{Method: http.MethodGet, Path: "/v2/carriers"}, &resp); err != nil {
		return nil, err
	}
	return resp.Carriers, nil
}

// Dereference fetches a resource_url from a legacy notification.
func (c *Client) Dereference(ctx context.Context, resourceURL string, out any) error {
	if strings.TrimSpace(resourceURL) == "" {
		return errors.New("resource url is empty")
	}
	return c.exec.DoJSON(ctx, apiclient.Request{Method: http.MethodGet, Path: resourceURL}, out)
}
