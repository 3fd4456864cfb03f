package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/correlate"
	"github.com/agentworkforce/ordersync/internal/downstream"
	"github.com/agentworkforce/ordersync/internal/metrics"
	"github.com/agentworkforce/ordersync/internal/state"
	"github.com/agentworkforce/ordersync/internal/tracking"
	"github.com/agentworkforce/ordersync/internal/webhook"
)

type ShipmentOutcome struct {
	ShipmentID        string `json:"shipmentId"`
	SourceOrderID     string `json:"sourceOrderId,omitempty"`
	CorrelationMethod string `json:"correlationMethod,omitempty"`
	Reported          bool   `json:"reported"`
	Cached            bool   `json:"cached,omitempty"`
	Ignored           bool   `json:"ignored,omitempty"`
	Error             string `json:"error,omitempty"`
}

type WebhookReport struct {
	EnvelopeID string            `json:"envelopeId"`
	Event      webhook.Event     `json:"event"`
	Shipments  []ShipmentOutcome `json:"shipments,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// HandleWebhook processes one notification body. Every failure is captured
// in the report and the ledger; nothing is returned to the caller as an error.
func (s *Session) HandleWebhook(ctx context.Context, body []byte) (report WebhookReport) {
	defer func() {
		if v := recover(); v != nil {
			report.Error = fmt.Sprintf("webhook processing panicked: %v", v)
			s.logger.Error("webhook processing panicked", zap.Any("panic", v), zap.Stack("stack"))
		}
	}()
	env, err := s.classifier.Parse(body)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("unrecognized").Inc()
		s.logger.Warn("webhook not recognized", zap.Error(err))
		return WebhookReport{Error: err.Error()}
	}
	report = WebhookReport{EnvelopeID: env.ID, Event: env.Event}
	label := string(env.Event)
	if !env.Event.Known() {
		label = "other"
	}
	metrics.WebhooksTotal.WithLabelValues(label).Inc()
	logger := s.logger.With(zap.String("envelope_id", env.ID), zap.String("event", string(env.Event)))

	entities := env.Entities
	if len(entities) == 0 && env.ResourceURL != "" {
		var doc any
		if err := s.downstream.Dereference(ctx, env.ResourceURL, &doc); err != nil {
			logger.Warn("resource dereference failed", zap.String("resource_url", env.ResourceURL), zap.Error(err))
			report.Error = err.Error()
			return report
		}
		entities = webhook.EntitiesFromResource(doc)
	}
	if len(entities) == 0 {
		logger.Info("webhook carried no shipments")
		return report
	}

	for _, entity := range entities {
		outcome := s.handleShipment(ctx, env.Event, webhook.ShipmentFromEntity(entity), logger)
		report.Shipments = append(report.Shipments, outcome)
	}
	return report
}

func (s *Session) handleShipment(ctx context.Context, event webhook.Event, shipment downstream.Shipment, logger *zap.Logger) ShipmentOutcome {
	if shipment.ShipmentID != "" {
		fetched, err := s.downstream.GetShipment(ctx, shipment.ShipmentID)
		switch {
		case err == nil:
			shipment = webhook.Merge(shipment, fetched)
		case errors.Is(err, downstream.ErrShipmentNotFound):
			logger.Debug("shipment not found downstream", zap.String("shipment_id", shipment.ShipmentID))
		default:
			logger.Warn("shipment fetch failed", zap.String("shipment_id", shipment.ShipmentID), zap.Error(err))
		}
	}
	outcome := ShipmentOutcome{ShipmentID: shipment.ShipmentID}
	if strings.TrimSpace(shipment.ShipmentID) == "" {
		outcome.Error = "shipment id missing from notification"
		logger.Warn("notification entity has no shipment id")
		return outcome
	}

	if err := s.reporter.Track(ctx, shipment); err != nil {
		outcome.Error = err.Error()
		logger.Error("ledger write failed", zap.String("shipment_id", shipment.ShipmentID), zap.Error(err))
		return outcome
	}
	if !event.Known() {
		outcome.Ignored = true
		logger.Info("event carries no tracking action", zap.String("shipment_id", shipment.ShipmentID))
		return outcome
	}

	entity := correlate.EntityFromShipment(shipment)
	res, ok, err := s.correlator.Resolve(ctx, entity)
	if !ok {
		cause := correlate.Unresolved(entity)
		if err != nil {
			cause = errors.Join(cause, err)
		}
		outcome.CorrelationMethod = state.CorrelationUnresolved
		outcome.Error = cause.Error()
		logger.Warn("shipment unresolved", zap.String("shipment_id", shipment.ShipmentID), zap.Error(cause))
		werr := s.reporter.RecordUnresolved(ctx, shipment, cause)
		switch {
		case errors.Is(werr, tracking.ErrAlreadyReported):
			logger.Warn("unresolved notification for a reported shipment; ledger kept", zap.String("shipment_id", shipment.ShipmentID))
		case werr != nil:
			logger.Error("ledger write failed", zap.String("shipment_id", shipment.ShipmentID), zap.Error(werr))
		}
		return outcome
	}
	outcome.SourceOrderID = res.SourceOrderID
	outcome.CorrelationMethod = string(res.Method)

	if event.Rejected() {
		cause := errors.New("fulfillment rejected downstream")
		outcome.Error = cause.Error()
		werr := s.reporter.RecordFailure(ctx, shipment, res.SourceOrderID, string(res.Method), cause)
		switch {
		case errors.Is(werr, tracking.ErrAlreadyReported):
			outcome.Error = "fulfillment rejected after tracking was reported; ledger kept"
			logger.Warn("rejection for a reported shipment", zap.String("shipment_id", shipment.ShipmentID), zap.String("source_order_id", res.SourceOrderID))
		case werr != nil:
			logger.Error("ledger write failed", zap.String("shipment_id", shipment.ShipmentID), zap.Error(werr))
		}
		return outcome
	}

	result, err := s.reporter.Report(ctx, shipment, res.SourceOrderID, string(res.Method))
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Reported = true
	outcome.Cached = result.Cached
	return outcome
}

// ReportShipment correlates and reports a single shipment fetched by id.
func (s *Session) ReportShipment(ctx context.Context, shipmentID string) (ShipmentOutcome, error) {
	shipment, err := s.downstream.GetShipment(ctx, shipmentID)
	if err != nil {
		return ShipmentOutcome{ShipmentID: shipmentID}, err
	}
	return s.handleShipment(ctx, webhook.EventShipmentCreated, shipment, s.logger), nil
}
