// Package delivery submits mapped orders to the shipping platform.
package delivery

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/downstream"
	"github.com/agentworkforce/ordersync/internal/logging"
	"github.com/agentworkforce/ordersync/internal/syncerr"
)

type OrderCreator interface {
	CreateOrder(ctx context.Context, req downstream.OrderRequest) (downstream.OrderRef, error)
}

type Outcome struct {
	SourceOrderID string
	Ref           downstream.OrderRef
	Err           error
}

type BatchResult struct {
	Delivered []Outcome
	Failed    []Outcome
	// Err is the auth failure that stopped the batch, if any.
	Err error
}

// Submitter creates downstream orders. Retries happen only inside the request
// executor; a rejected order is reported, never resubmitted.
type Submitter struct {
	client OrderCreator
	logger *zap.Logger
}

func NewSubmitter(client OrderCreator, logger *zap.Logger) *Submitter {
	return &Submitter{client: client, logger: logging.OrNop(logger).Named("delivery")}
}

// CreateOrder returns auth failures unchanged and wraps every other failure
// in a delivery error naming the source order.
func (s *Submitter) CreateOrder(ctx context.Context, order downstream.OrderRequest) (downstream.OrderRef, error) {
	id := SourceOrderID(order)
	ref, err := s.client.CreateOrder(ctx, order)
	if err != nil {
		if syncerr.IsAuth(err) {
			return downstream.OrderRef{}, err
		}
		s.logger.Warn("order delivery failed", zap.String("source_order_id", id), zap.Error(err))
		return downstream.OrderRef{}, syncerr.Delivery("create order", id, err)
	}
	s.logger.Info("order delivered",
		zap.String("source_order_id", id),
		zap.String("order_id", ref.OrderID),
		zap.String("shipment_id", ref.ShipmentID),
	)
	return ref, nil
}

// CreateOrders submits each order independently; one failure never stops
// its siblings. An auth failure does: every order not yet delivered is marked
// failed with it and the batch ends.
func (s *Submitter) CreateOrders(ctx context.Context, orders []downstream.OrderRequest) BatchResult {
	var result BatchResult
	for i, order := range orders {
		id := SourceOrderID(order)
		ref, err := s.CreateOrder(ctx, order)
		if err != nil {
			if syncerr.IsAuth(err) {
				s.logger.Error("downstream rejected credentials; stopping batch",
					zap.Int("remaining", len(orders)-i), zap.Error(err))
				for _, rest := range orders[i:] {
					result.Failed = append(result.Failed, Outcome{SourceOrderID: SourceOrderID(rest), Err: err})
				}
				result.Err = err
				return result
			}
			result.Failed = append(result.Failed, Outcome{SourceOrderID: id, Err: err})
			continue
		}
		result.Delivered = append(result.Delivered, Outcome{SourceOrderID: id, Ref: ref})
	}
	return result
}

// SourceOrderID reads the correlation hint back out of a mapped order.
func SourceOrderID(order downstream.OrderRequest) string {
	if id := strings.TrimSpace(order.AdvancedOptions.CustomField1); id != "" {
		return id
	}
	return strings.TrimSpace(order.ExternalOrderID)
}
