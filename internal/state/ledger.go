package state

import (
	"context"
	"strings"
	"time"
)

const LedgerKey = "shipments"

type ShipmentState string

const (
	ShipmentNew       ShipmentState = "new"
	ShipmentAttempted ShipmentState = "attempted"
	ShipmentReported  ShipmentState = "reported"
	ShipmentFailed    ShipmentState = "failed"
)

// CorrelationUnresolved marks a shipment no strategy could tie to a source order.
const CorrelationUnresolved = "unresolved"

type ReportStatus struct {
	Attempted bool   `json:"attempted"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// TrackedShipment is one ledger row, unique by ShipmentID.
type TrackedShipment struct {
	ShipmentID        string        `json:"shipmentId"`
	SourceOrderID     string        `json:"sourceOrderId,omitempty"`
	TrackingNumber    string        `json:"trackingNumber,omitempty"`
	Carrier           string        `json:"carrier,omitempty"`
	ShipDate          string        `json:"shipDate,omitempty"`
	CorrelationMethod string        `json:"correlationMethod"`
	State             ShipmentState `json:"state"`
	ReportStatus      ReportStatus  `json:"reportStatus"`
	ItemsReported     int           `json:"itemsReported,omitempty"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Ledger persists TrackedShipment rows as a single JSON array.
type Ledger struct {
	store Store
	now   func() time.Time
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

func (l *Ledger) List(ctx context.Context) ([]TrackedShipment, error) {
	var entries []TrackedShipment
	if _, err := LoadJSON(ctx, l.store, LedgerKey, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *Ledger) Get(ctx context.Context, shipmentID string) (TrackedShipment, bool, error) {
	entries, err := l.List(ctx)
	if err != nil {
		return TrackedShipment{}, false, err
	}
	for _, entry := range entries {
		if entry.ShipmentID == shipmentID {
			return entry, true, nil
		}
	}
	return TrackedShipment{}, false, nil
}

// Upsert replaces the row with the same ShipmentID in place, or appends it.
// The stored row is returned with UpdatedAt set.
func (l *Ledger) Upsert(ctx context.Context, entry TrackedShipment) (TrackedShipment, error) {
	if strings.TrimSpace(entry.ShipmentID) == "" {
		return TrackedShipment{}, ErrInvalidInput
	}
	entry.UpdatedAt = l.now().UTC()
	err := UpdateJSON(ctx, l.store, LedgerKey, func(entries *[]TrackedShipment, _ bool) error {
		for i := range *entries {
			if (*entries)[i].ShipmentID == entry.ShipmentID {
				(*entries)[i] = entry
				return nil
			}
		}
		*entries = append(*entries, entry)
		return nil
	})
	return entry, err
}

// InsertIfAbsent stores entry only when no row exists for its ShipmentID. It
// reports whether the row was written.
func (l *Ledger) InsertIfAbsent(ctx context.Context, entry TrackedShipment) (bool, error) {
	if strings.TrimSpace(entry.ShipmentID) == "" {
		return false, ErrInvalidInput
	}
	entry.UpdatedAt = l.now().UTC()
	inserted := false
	err := UpdateJSON(ctx, l.store, LedgerKey, func(entries *[]TrackedShipment, _ bool) error {
		inserted = false
		for _, existing := range *entries {
			if existing.ShipmentID == entry.ShipmentID {
				return ErrNoChange
			}
		}
		*entries = append(*entries, entry)
		inserted = true
		return nil
	})
	return inserted, err
}
