// Package tracking reports downstream shipments back to the source order.
package tracking

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/downstream"
	"github.com/agentworkforce/ordersync/internal/logging"
	"github.com/agentworkforce/ordersync/internal/metrics"
	"github.com/agentworkforce/ordersync/internal/source"
	"github.com/agentworkforce/ordersync/internal/state"
	"github.com/agentworkforce/ordersync/internal/syncerr"
)

// ErrAlreadyReported is returned when a failure would overwrite a shipment
// whose tracking the source already accepted.
var ErrAlreadyReported = errors.New("shipment already reported")

type ShipmentSubmitter interface {
	SubmitShipment(ctx context.Context, update source.ShipmentUpdate) (source.UpdateResult, error)
}

type ReportResult struct {
	ShipmentID     string
	SourceOrderID  string
	TrackingNumber string
	Carrier        string
	ShipDate       string
	ItemsReported  int
	RequestID      string
	// Cached is set when an earlier successful report was reused.
	Cached bool
}

type Reporter struct {
	api    ShipmentSubmitter
	ledger *state.Ledger
	logger *zap.Logger
	// OnUpdate, when set, receives every ledger row the reporter writes.
	OnUpdate func(state.TrackedShipment)

	mu    sync.Mutex
	locks map[string]*lockRef
}

type lockRef struct {
	mu   sync.Mutex
	refs int
}

func NewReporter(api ShipmentSubmitter, ledger *state.Ledger, logger *zap.Logger) *Reporter {
	return &Reporter{
		api:    api,
		ledger: ledger,
		logger: logging.OrNop(logger).Named("tracking"),
		locks:  make(map[string]*lockRef),
	}
}

// Track records a shipment on first sight. An existing row is left alone.
func (r *Reporter) Track(ctx context.Context, shipment downstream.Shipment) error {
	_, err := r.ledger.InsertIfAbsent(ctx, state.TrackedShipment{
		ShipmentID:     shipment.ShipmentID,
		TrackingNumber: strings.TrimSpace(shipment.TrackingNumber),
		Carrier:        strings.TrimSpace(shipment.CarrierCode),
		ShipDate:       strings.TrimSpace(shipment.ShipDate),
		State:          state.ShipmentNew,
	})
	return err
}

// RecordUnresolved stores a shipment no strategy could correlate.
func (r *Reporter) RecordUnresolved(ctx context.Context, shipment downstream.Shipment, cause error) error {
	return r.RecordFailure(ctx, shipment, "", state.CorrelationUnresolved, cause)
}

// RecordFailure stores a shipment that will not be reported, with the cause.
// A successfully reported row is kept and ErrAlreadyReported returned.
func (r *Reporter) RecordFailure(ctx context.Context, shipment downstream.Shipment, sourceOrderID, correlationMethod string, cause error) error {
	unlock := r.lock(shipment.ShipmentID)
	defer unlock()
	existing, found, err := r.ledger.Get(ctx, shipment.ShipmentID)
	if err != nil {
		return err
	}
	if found && existing.State == state.ShipmentReported && existing.ReportStatus.Success {
		return ErrAlreadyReported
	}
	entry := state.TrackedShipment{
		ShipmentID:        shipment.ShipmentID,
		SourceOrderID:     sourceOrderID,
		TrackingNumber:    strings.TrimSpace(shipment.TrackingNumber),
		Carrier:           strings.TrimSpace(shipment.CarrierCode),
		ShipDate:          strings.TrimSpace(shipment.ShipDate),
		CorrelationMethod: correlationMethod,
		State:             state.ShipmentFailed,
	}
	if cause != nil {
		entry.ReportStatus.Error = cause.Error()
	}
	return r.write(ctx, entry)
}

// Report sends one batched shipment update for sourceOrderID. A repeat of an
// already reported shipment with the same tracking number returns the stored
// outcome without calling the source.
func (r *Reporter) Report(ctx context.Context, shipment downstream.Shipment, sourceOrderID, correlationMethod string) (ReportResult, error) {
	unlock := r.lock(shipment.ShipmentID)
	defer unlock()

	trackingNumber := strings.TrimSpace(shipment.TrackingNumber)
	result := ReportResult{
		ShipmentID:     shipment.ShipmentID,
		SourceOrderID:  sourceOrderID,
		TrackingNumber: trackingNumber,
		Carrier:        strings.TrimSpace(shipment.CarrierCode),
		ShipDate:       strings.TrimSpace(shipment.ShipDate),
	}

	existing, found, err := r.ledger.Get(ctx, shipment.ShipmentID)
	if err != nil {
		return result, err
	}
	if found && existing.State == state.ShipmentReported && existing.ReportStatus.Success && existing.TrackingNumber == trackingNumber {
		metrics.ShipmentReportsTotal.WithLabelValues("cached").Inc()
		r.logger.Debug("shipment already reported", zap.String("shipment_id", shipment.ShipmentID))
		return ReportResult{
			ShipmentID:     existing.ShipmentID,
			SourceOrderID:  existing.SourceOrderID,
			TrackingNumber: existing.TrackingNumber,
			Carrier:        existing.Carrier,
			ShipDate:       existing.ShipDate,
			ItemsReported:  existing.ItemsReported,
			Cached:         true,
		}, nil
	}

	entry := state.TrackedShipment{
		ShipmentID:        shipment.ShipmentID,
		SourceOrderID:     sourceOrderID,
		TrackingNumber:    trackingNumber,
		Carrier:           result.Carrier,
		ShipDate:          result.ShipDate,
		CorrelationMethod: correlationMethod,
	}

	items := LineItems(shipment.Items)
	var problems []string
	if len(items) == 0 {
		problems = append(problems, "no line item carries a line item id, sku, partner sku or upc")
	}
	if trackingNumber == "" {
		problems = append(problems, "tracking number is empty")
	}
	if len(problems) > 0 {
		verr := syncerr.Validation("report shipment", shipment.ShipmentID, problems)
		entry.State = state.ShipmentFailed
		entry.ReportStatus = state.ReportStatus{Error: verr.Error()}
		metrics.ShipmentReportsTotal.WithLabelValues("invalid").Inc()
		if err := r.write(ctx, entry); err != nil {
			return result, err
		}
		return result, verr
	}

	entry.State = state.ShipmentAttempted
	entry.ReportStatus = state.ReportStatus{Attempted: true}
	entry.ItemsReported = len(items)
	if err := r.write(ctx, entry); err != nil {
		return result, err
	}

	update := source.ShipmentUpdate{
		DscoOrderID: sourceOrderID,
		Shipments: []source.Shipment{{
			TrackingNumber: trackingNumber,
			ShipCarrier:    result.Carrier,
			ShipMethod:     strings.TrimSpace(shipment.ServiceCode),
			ShipDate:       result.ShipDate,
			LineItems:      items,
		}},
	}
	resp, err := r.api.SubmitShipment(ctx, update)
	if err == nil && !resp.Accepted() {
		err = syncerr.Delivery("report shipment", shipment.ShipmentID, rejection(resp))
	}
	if err != nil {
		if !syncerr.IsAuth(err) && syncerr.KindOf(err) != syncerr.KindDelivery {
			err = syncerr.Delivery("report shipment", shipment.ShipmentID, err)
		}
		entry.State = state.ShipmentFailed
		entry.ReportStatus = state.ReportStatus{Attempted: true, Error: err.Error()}
		metrics.ShipmentReportsTotal.WithLabelValues("failed").Inc()
		r.logger.Warn("shipment report failed", zap.String("shipment_id", shipment.ShipmentID), zap.String("source_order_id", sourceOrderID), zap.Error(err))
		if werr := r.write(ctx, entry); werr != nil {
			return result, werr
		}
		return result, err
	}

	entry.State = state.ShipmentReported
	entry.ReportStatus = state.ReportStatus{Attempted: true, Success: true}
	if err := r.write(ctx, entry); err != nil {
		return result, err
	}
	metrics.ShipmentReportsTotal.WithLabelValues("reported").Inc()
	r.logger.Info("shipment reported",
		zap.String("shipment_id", shipment.ShipmentID),
		zap.String("source_order_id", sourceOrderID),
		zap.String("tracking_number", trackingNumber),
		zap.String("carrier", result.Carrier),
		zap.Int("items", len(items)),
	)
	result.ItemsReported = len(items)
	result.RequestID = resp.RequestID
	return result, nil
}

// LineItems maps shipment items to source line items, keeping per item the
// first identifier present in priority order. Items with none are dropped.
func LineItems(items []downstream.ShipmentItem) []source.ShipmentLineItem {
	out := make([]source.ShipmentLineItem, 0, len(items))
	for _, item := range items {
		line := source.ShipmentLineItem{Quantity: item.Quantity}
		switch {
		case strings.TrimSpace(item.ExternalOrderItemID) != "":
			line.DscoItemID = strings.TrimSpace(item.ExternalOrderItemID)
		case strings.TrimSpace(item.SKU) != "":
			line.Sku = strings.TrimSpace(item.SKU)
		case strings.TrimSpace(item.PartnerSKU) != "":
			line.PartnerSku = strings.TrimSpace(item.PartnerSKU)
		case strings.TrimSpace(item.UPC) != "":
			line.Upc = strings.TrimSpace(item.UPC)
		default:
			continue
		}
		if line.Quantity <= 0 {
			line.Quantity = 1
		}
		out = append(out, line)
	}
	return out
}

func (r *Reporter) write(ctx context.Context, entry state.TrackedShipment) error {
	stored, err := r.ledger.Upsert(ctx, entry)
	if err != nil {
		return err
	}
	if r.OnUpdate != nil {
		r.OnUpdate(stored)
	}
	return nil
}

func (r *Reporter) lock(shipmentID string) func() {
	r.mu.Lock()
	ref, ok := r.locks[shipmentID]
	if !ok {
		ref = &lockRef{}
		r.locks[shipmentID] = ref
	}
	ref.refs++
	r.mu.Unlock()

	ref.mu.Lock()
	return func() {
		ref.mu.Unlock()
		r.mu.Lock()
		ref.refs--
		if ref.refs == 0 {
			delete(r.locks, shipmentID)
		}
		r.mu.Unlock()
	}
}

type rejectionError struct {
	status   string
	messages []string
}

func (e rejectionError) Error() string {
	msg := "source rejected shipment update"
	if e.status != "" {
		msg += " (" + e.status + ")"
	}
	if len(e.messages) > 0 {
		msg += ": " + strings.Join(e.messages, "; ")
	}
	return msg
}

func rejection(resp source.UpdateResult) error {
	return rejectionError{status: resp.Status, messages: resp.Messages}
}
