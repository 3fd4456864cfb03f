// Package correlate recovers the source order id behind a downstream shipment.
package correlate

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/apiclient"
	"github.com/agentworkforce/ordersync/internal/downstream"
	"github.com/agentworkforce/ordersync/internal/logging"
	"github.com/agentworkforce/ordersync/internal/metrics"
	"github.com/agentworkforce/ordersync/internal/syncerr"
)

type Method string

const (
	MethodTag            Method = "tag"
	MethodCustomField    Method = "custom_field"
	MethodParentOrder    Method = "parent_order"
	MethodShipmentNumber Method = "shipment_number"
)

// Entity is the normalized view of a downstream shipment or order.
type Entity struct {
	ShipmentID     string
	ShipmentNumber string
	OrderID        string
	OrderNumber    string
	Tags           []string
	CustomFields   []string
}

func EntityFromShipment(s downstream.Shipment) Entity {
	return Entity{
		ShipmentID:     s.ShipmentID,
		ShipmentNumber: s.ShipmentNumber,
		OrderID:        s.OrderID,
		OrderNumber:    s.OrderNumber,
		Tags:           downstream.TagNames(s.Tags),
		CustomFields:   s.AdvancedOptions.CustomFields(),
	}
}

func EntityFromOrder(o downstream.Order) Entity {
	return Entity{
		OrderID:      o.OrderID,
		OrderNumber:  o.OrderNumber,
		Tags:         downstream.TagNames(o.Tags),
		CustomFields: o.AdvancedOptions.CustomFields(),
	}
}

type Resolution struct {
	SourceOrderID string
	Method        Method
}

// Strategy tries one way of resolving an entity. ok is false when the
// strategy does not apply.
type Strategy func(ctx context.Context, e Entity) (res Resolution, ok bool, err error)

// First runs strategies in order and returns the first success. A failing
// strategy does not stop later ones; its error is returned only when nothing
// resolves.
func First(strategies ...Strategy) Strategy {
	return func(ctx context.Context, e Entity) (Resolution, bool, error) {
		var firstErr error
		for _, strategy := range strategies {
			res, ok, err := strategy(ctx, e)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if ok {
				return res, true, nil
			}
		}
		return Resolution{}, false, firstErr
	}
}

// ByTag accepts a tag carrying marker, then any purely numeric tag.
func ByTag(marker string) Strategy {
	return func(_ context.Context, e Entity) (Resolution, bool, error) {
		for _, tag := range e.Tags {
			if id, ok := afterMarker(tag, marker); ok {
				return Resolution{SourceOrderID: id, Method: MethodTag}, true, nil
			}
		}
		for _, tag := range e.Tags {
			if isNumeric(tag) {
				return Resolution{SourceOrderID: strings.TrimSpace(tag), Method: MethodTag}, true, nil
			}
		}
		return Resolution{}, false, nil
	}
}

// ByCustomField accepts any field carrying marker, then a purely numeric
// first field.
func ByCustomField(marker string) Strategy {
	return func(_ context.Context, e Entity) (Resolution, bool, error) {
		for _, field := range e.CustomFields {
			if id, ok := afterMarker(field, marker); ok {
				return Resolution{SourceOrderID: id, Method: MethodCustomField}, true, nil
			}
		}
		if len(e.CustomFields) > 0 && isNumeric(e.CustomFields[0]) {
			return Resolution{SourceOrderID: strings.TrimSpace(e.CustomFields[0]), Method: MethodCustomField}, true, nil
		}
		return Resolution{}, false, nil
	}
}

type OrderFetcher interface {
	GetOrder(ctx context.Context, orderID string) (downstream.Order, error)
}

// ByParentOrder fetches the entity's order and applies the tag and custom
// field rules to it.
func ByParentOrder(orders OrderFetcher, marker string) Strategy {
	inner := First(ByTag(marker), ByCustomField(marker))
	return func(ctx context.Context, e Entity) (Resolution, bool, error) {
		orderID := strings.TrimSpace(e.OrderID)
		if orders == nil || orderID == "" {
			return Resolution{}, false, nil
		}
		order, err := orders.GetOrder(ctx, orderID)
		if apiclient.IsNotFound(err) {
			return Resolution{}, false, nil
		}
		if err != nil {
			return Resolution{}, false, fmt.Errorf("fetch parent order %s: %w", orderID, err)
		}
		res, ok, err := inner(ctx, EntityFromOrder(order))
		if err != nil || !ok {
			return Resolution{}, false, err
		}
		res.Method = MethodParentOrder
		return res, true, nil
	}
}

// ByShipmentNumber is the last resort: a purely numeric shipment number.
func ByShipmentNumber() Strategy {
	return func(_ context.Context, e Entity) (Resolution, bool, error) {
		if isNumeric(e.ShipmentNumber) {
			return Resolution{SourceOrderID: strings.TrimSpace(e.ShipmentNumber), Method: MethodShipmentNumber}, true, nil
		}
		return Resolution{}, false, nil
	}
}

type Correlator struct {
	chain  Strategy
	logger *zap.Logger
}

func New(marker string, orders OrderFetcher, logger *zap.Logger) *Correlator {
	if strings.TrimSpace(marker) == "" {
		marker = "dsco:"
	}
	return &Correlator{
		chain: First(
			ByTag(marker),
			ByCustomField(marker),
			ByParentOrder(orders, marker),
			ByShipmentNumber(),
		),
		logger: logging.OrNop(logger).Named("correlate"),
	}
}

// Resolve returns ok=false when no strategy matched. Callers record such
// shipments as unresolved; Unresolved builds the matching error.
func (c *Correlator) Resolve(ctx context.Context, e Entity) (Resolution, bool, error) {
	res, ok, err := c.chain(ctx, e)
	if ok {
		metrics.CorrelationsTotal.WithLabelValues(string(res.Method)).Inc()
		c.logger.Debug("shipment correlated",
			zap.String("shipment_id", e.ShipmentID),
			zap.String("source_order_id", res.SourceOrderID),
			zap.String("method", string(res.Method)),
		)
		return res, true, nil
	}
	metrics.CorrelationsTotal.WithLabelValues("unresolved").Inc()
	return Resolution{}, false, err
}

func Unresolved(e Entity) error {
	return syncerr.Correlation("resolve source order", e.ShipmentID)
}

// afterMarker returns the text following the first case-insensitive match of
// marker. Windows are compared rune by rune on value itself, so offsets stay
// valid when case folding changes byte lengths.
func afterMarker(value, marker string) (string, bool) {
	value = strings.TrimSpace(value)
	if marker == "" {
		return "", false
	}
	markerRunes := utf8.RuneCountInString(marker)
	for start := range value {
		end, n := start, 0
		for end < len(value) && n < markerRunes {
			_, size := utf8.DecodeRuneInString(value[end:])
			end += size
			n++
		}
		if n < markerRunes {
			return "", false
		}
		if strings.EqualFold(value[start:end], marker) {
			id := strings.TrimSpace(value[end:])
			return id, id != ""
		}
	}
	return "", false
}

func isNumeric(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
