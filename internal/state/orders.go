package state

import (
	"context"
	"strings"
	"time"
)

const OrderLogKey = "orders"

type OrderStatus string

const (
	OrderDelivered OrderStatus = "delivered"
	OrderSkipped   OrderStatus = "skipped"
	OrderInvalid   OrderStatus = "invalid"
	OrderFailed    OrderStatus = "failed"
)

// OrderRecord is the last known forward-sync outcome for a source order.
type OrderRecord struct {
	SourceOrderID     string      `json:"sourceOrderId"`
	Status            OrderStatus `json:"status"`
	DownstreamOrderID string      `json:"downstreamOrderId,omitempty"`
	ShipmentID        string      `json:"shipmentId,omitempty"`
	Errors            []string    `json:"errors,omitempty"`
	EventID           string      `json:"eventId,omitempty"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

type OrderLog struct {
	store Store
	now   func() time.Time
}

func NewOrderLog(store Store) *OrderLog {
	return &OrderLog{store: store, now: time.Now}
}

// Record upserts a batch of outcomes in one atomic update.
func (l *OrderLog) Record(ctx context.Context, records ...OrderRecord) error {
	if len(records) == 0 {
		return nil
	}
	now := l.now().UTC()
	for i := range records {
		if strings.TrimSpace(records[i].SourceOrderID) == "" {
			return ErrInvalidInput
		}
		records[i].UpdatedAt = now
	}
	return UpdateJSON(ctx, l.store, OrderLogKey, func(stored *[]OrderRecord, _ bool) error {
		index := make(map[string]int, len(*stored))
		for i, rec := range *stored {
			index[rec.SourceOrderID] = i
		}
		for _, rec := range records {
			if i, ok := index[rec.SourceOrderID]; ok {
				(*stored)[i] = rec
				continue
			}
			index[rec.SourceOrderID] = len(*stored)
			*stored = append(*stored, rec)
		}
		return nil
	})
}

func (l *OrderLog) List(ctx context.Context) ([]OrderRecord, error) {
	var records []OrderRecord
	if _, err := LoadJSON(ctx, l.store, OrderLogKey, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (l *OrderLog) Get(ctx context.Context, sourceOrderID string) (OrderRecord, bool, error) {
	records, err := l.List(ctx)
	if err != nil {
		return OrderRecord{}, false, err
	}
	for _, rec := range records {
		if rec.SourceOrderID == sourceOrderID {
			return rec, true, nil
		}
	}
	return OrderRecord{}, false, nil
}
