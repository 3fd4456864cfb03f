package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/apiclient"
	"github.com/agentworkforce/ordersync/internal/logging"
	"github.com/agentworkforce/ordersync/internal/syncerr"
)

// MaxBatchShipments is the largest batch the shipment update endpoint accepts.
const MaxBatchShipments = 50

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrOrderNotFound  = errors.New("order not found")
)

// Client talks to the marketplace order API.
type Client struct {
	exec   *apiclient.Executor
	logger *zap.Logger
}

func NewClient(exec *apiclient.Executor, logger *zap.Logger) *Client {
	return &Client{exec: exec, logger: logging.OrNop(logger).Named("source")}
}

func (c *Client) CreateStream(ctx context.Context, req StreamRequest) (Stream, error) {
	if strings.TrimSpace(req.ID) == "" {
		return Stream{}, syncerr.Validation("create stream", "", []string{"stream id is required"})
	}
	if req.ObjectType == "" {
		req.ObjectType = "order"
	}
	var created Stream
	if err := c.exec.DoJSON(ctx, apiclient.Request{Method: http.MethodPost, Path: "/stream", Body: req}, &created); err != nil {
		return Stream{}, err
	}
	if created.ID == "" {
		created.ID = req.ID
	}
	if len(created.Partitions) == 0 {
		// Creation does not always echo partitions; fetch them.
		fetched, err := c.GetStream(ctx, created.ID)
		if err == nil {
			return fetched, nil
		}
		if !errors.Is(err, ErrStreamNotFound) {
			return Stream{}, err
		}
	}
	c.logger.Info("created stream", zap.String("stream_id", created.ID))
	return created, nil
}

// GetStream returns ErrStreamNotFound when the source does not know the id.
func (c *Client) GetStream(ctx context.Context, id string) (Stream, error) {
	var streams []Stream
	err := c.exec.DoJSON(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   "/stream",
		Query:  url.Values{"id": {id}},
	}, &streams)
	if apiclient.IsNotFound(err) {
		return Stream{}, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
	}
	if err != nil {
		return Stream{}, err
	}
	for _, stream := range streams {
		if stream.ID == id {
			return stream, nil
		}
	}
	return Stream{}, fmt.Errorf("%w: %s", ErrStreamNotFound, id)
}

func (c *Client) GetEvents(ctx context.Context, streamID string, partitionID int, position string) ([]Event, error) {
	path := "/stream/" + url.PathEscape(streamID) + "/" + strconv.Itoa(partitionID) + "/" + url.PathEscape(position)
	var resp struct {
		Events []Event `json:"events"`
	}
	if err := c.exec.DoJSON(ctx, apiclient.Request{Method: http.MethodGet, Path: path}, &resp); err != nil {
		if apiclient.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, streamID)
		}
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) GetOrder(ctx context.Context, dscoOrderID string) (Order, error) {
	var order Order
	err := c.exec.DoJSON(ctx, apiclient.Request{
		Method: http.MethodGet,
		Path:   "/order/",
		Query:  url.Values{"orderKey": {"dscoOrderId"}, "value": {dscoOrderID}},
	}, &order)
	if apiclient.IsNotFound(err) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, dscoOrderID)
	}
	if err != nil {
		return Order{}, err
	}
	if order.DscoOrderID == "" {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, dscoOrderID)
	}
	return order, nil
}

// ListOrders fetches one scroll page. Pass the returned ScrollID back to read
// the next page; an empty page ends the scroll.
func (c *Client) ListOrders(ctx context.Context, q OrderQuery) (OrderPage, error) {
	query := url.Values{}
	if q.ScrollID != "" {
		query.Set("scrollId", q.ScrollID)
	} else {
		if q.UpdatedSince != "" {
			query.Set("ordersUpdatedSince", q.UpdatedSince)
		}
		for _, status := range q.Statuses {
			query.Add("status", status)
		}
		query.Set("includeTestOrders", strconv.FormatBool(q.IncludeTestOrders))
	}
	var page OrderPage
	if err := c.exec.DoJSON(ctx, apiclient.Request{Method: http.MethodGet, Path: "/order/page", Query: query}, &page); err != nil {
		return OrderPage{}, err
	}
	return page, nil
}

// EachOrder walks every page of the scroll, stopping at the first error fn
// returns.
func (c *Client) EachOrder(ctx context.Context, q OrderQuery, fn func(Order) error) error {
	for {
		page, err := c.ListOrders(ctx, q)
		if err != nil {
			return err
		}
		for _, order := range page.Orders {
			if err := fn(order); err != nil {
				return err
			}
		}
		if len(page.Orders) == 0 || page.ScrollID == "" {
			return nil
		}
		q.ScrollID = page.ScrollID
	}
}

func (c *Client) SubmitShipment(ctx context.Context, update ShipmentUpdate) (UpdateResult, error) {
	var result UpdateResult
	if err := c.exec.DoJSON(ctx, apiclient.Request{Method: http.MethodPost, Path: "/order/singleShipment", Body: update}, &result); err != nil {
		return UpdateResult{}, err
	}
	if result.DscoOrderID == "" {
		result.DscoOrderID = update.DscoOrderID
	}
	return result, nil
}

// SubmitShipments sends updates in chunks of MaxBatchShipments. A failed chunk
// stops the run; results for chunks already accepted are returned with the
// error.
func (c *Client) SubmitShipments(ctx context.Context, updates []ShipmentUpdate) ([]UpdateResult, error) {
	results := make([]UpdateResult, 0, len(updates))
	for start := 0; start < len(updates); start += MaxBatchShipments {
		end := start + MaxBatchShipments
		if end > len(updates) {
			end = len(updates)
		}
		chunk := updates[start:end]
		var resp struct {
			Status    string         `json:"status"`
			RequestID string         `json:"requestId"`
			Results   []UpdateResult `json:"results"`
		}
		if err := c.exec.DoJSON(ctx, apiclient.Request{Method: http.MethodPost, Path: "/order/batch/shipment", Body: chunk}, &resp); err != nil {
			return results, err
		}
		if len(resp.Results) == 0 {
			for _, update := range chunk {
				results = append(results, UpdateResult{DscoOrderID: update.DscoOrderID, Status: resp.Status, RequestID: resp.RequestID})
			}
			continue
		}
		results = append(results, resp.Results...)
	}
	return results, nil
}
