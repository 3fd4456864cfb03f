package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/agentworkforce/ordersync/internal/downstream"
	"github.com/agentworkforce/ordersync/internal/source"
	"github.com/agentworkforce/ordersync/internal/state"
	"github.com/agentworkforce/ordersync/internal/syncerr"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	updates []source.ShipmentUpdate
	result  source.UpdateResult
	err     error
}

func (f *fakeSubmitter) SubmitShipment(_ context.Context, update source.ShipmentUpdate) (source.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	if f.err != nil {
		return source.UpdateResult{}, f.err
	}
	return f.result, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func shippedShipment() downstream.Shipment {
	return downstream.Shipment{
		ShipmentID:     "SHIP-9",
		TrackingNumber: "TRK-1",
		CarrierCode:    "USPS",
		ShipDate:       "2026-03-02",
		Items: []downstream.ShipmentItem{
			{ExternalOrderItemID: "item-1", SKU: "SKU-1", Quantity: 2},
			{SKU: "SKU-2", UPC: "0123", Quantity: 1},
			{Name: "gift wrap", Quantity: 1},
		},
	}
}

func TestLineItemsUsesIdentifierPriority(t *testing.T) {
	items := LineItems([]downstream.ShipmentItem{
		{ExternalOrderItemID: "id-1", SKU: "S", UPC: "U", Quantity: 1},
		{SKU: "S2", PartnerSKU: "P2", Quantity: 3},
		{PartnerSKU: "P3"},
		{UPC: "U4", Quantity: 1},
		{Name: "nothing"},
	})
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(items))
	}
	if items[0].DscoItemID != "id-1" || items[0].Sku != "" {
		t.Fatalf("expected line item id only, got %+v", items[0])
	}
	if items[1].Sku != "S2" || items[1].PartnerSku != "" || items[1].Quantity != 3 {
		t.Fatalf("expected sku only, got %+v", items[1])
	}
	if items[2].PartnerSku != "P3" || items[2].Quantity != 1 {
		t.Fatalf("expected partner sku with default quantity, got %+v", items[2])
	}
	if items[3].Upc != "U4" {
		t.Fatalf("expected upc, got %+v", items[3])
	}
}

func TestReportSubmitsOnceAndCachesRedelivery(t *testing.T) {
	ctx := context.Background()
	api := &fakeSubmitter{result: source.UpdateResult{Success: true, RequestID: "req-1"}}
	ledger := state.NewLedger(state.NewMemoryStore())
	reporter := NewReporter(api, ledger, nil)
	var updates []state.TrackedShipment
	reporter.OnUpdate = func(entry state.TrackedShipment) { updates = append(updates, entry) }

	result, err := reporter.Report(ctx, shippedShipment(), "123", "tag")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if result.ItemsReported != 2 || result.Cached || result.Carrier != "USPS" {
		t.Fatalf("unexpected result %+v", result)
	}
	if api.count() != 1 || api.updates[0].DscoOrderID != "123" || len(api.updates[0].Shipments) != 1 {
		t.Fatalf("expected one batched update, got %+v", api.updates)
	}
	if len(updates) != 2 || updates[0].State != state.ShipmentAttempted || updates[1].State != state.ShipmentReported {
		t.Fatalf("expected attempted then reported, got %+v", updates)
	}

	again, err := reporter.Report(ctx, shippedShipment(), "123", "tag")
	if err != nil {
		t.Fatalf("report again: %v", err)
	}
	if !again.Cached || api.count() != 1 {
		t.Fatalf("expected cached result without a second call, got %+v calls=%d", again, api.count())
	}

	entries, _ := ledger.List(ctx)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.SourceOrderID != "123" || entry.TrackingNumber != "TRK-1" || !entry.ReportStatus.Success || entry.CorrelationMethod != "tag" {
		t.Fatalf("unexpected ledger entry %+v", entry)
	}
}

func TestReportNewTrackingNumberReReports(t *testing.T) {
	ctx := context.Background()
	api := &fakeSubmitter{result: source.UpdateResult{Success: true}}
	reporter := NewReporter(api, state.NewLedger(state.NewMemoryStore()), nil)

	if _, err := reporter.Report(ctx, shippedShipment(), "123", "tag"); err != nil {
		t.Fatalf("report: %v", err)
	}
	relabeled := shippedShipment()
	relabeled.TrackingNumber = "TRK-2"
	result, err := reporter.Report(ctx, relabeled, "123", "tag")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if result.Cached || api.count() != 2 {
		t.Fatalf("expected a fresh report for a new tracking number, got %+v calls=%d", result, api.count())
	}
}

func TestReportWithoutIdentifiableItemsFailsWithoutCall(t *testing.T) {
	ctx := context.Background()
	api := &fakeSubmitter{result: source.UpdateResult{Success: true}}
	ledger := state.NewLedger(state.NewMemoryStore())
	reporter := NewReporter(api, ledger, nil)

	shipment := shippedShipment()
	shipment.Items = []downstream.ShipmentItem{{Name: "mystery", Quantity: 1}}
	_, err := reporter.Report(ctx, shipment, "123", "tag")
	if !errors.Is(err, syncerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if api.count() != 0 {
		t.Fatalf("expected no outbound call, got %d", api.count())
	}
	entry, ok, _ := ledger.Get(ctx, "SHIP-9")
	if !ok || entry.State != state.ShipmentFailed || entry.ReportStatus.Attempted || entry.ReportStatus.Error == "" {
		t.Fatalf("expected failed ledger entry with error detail, got %+v", entry)
	}
}

func TestReportRejectedUpdateIsDeliveryError(t *testing.T) {
	ctx := context.Background()
	api := &fakeSubmitter{result: source.UpdateResult{Status: "failure", Messages: []string{"order already shipped"}}}
	ledger := state.NewLedger(state.NewMemoryStore())
	reporter := NewReporter(api, ledger, nil)

	_, err := reporter.Report(ctx, shippedShipment(), "123", "tag")
	if !errors.Is(err, syncerr.ErrDelivery) {
		t.Fatalf("expected delivery error, got %v", err)
	}
	entry, _, _ := ledger.Get(ctx, "SHIP-9")
	if entry.State != state.ShipmentFailed || !entry.ReportStatus.Attempted || entry.ReportStatus.Success {
		t.Fatalf("expected failed attempted entry, got %+v", entry)
	}

	api.result = source.UpdateResult{Success: true}
	if _, err := reporter.Report(ctx, shippedShipment(), "123", "tag"); err != nil {
		t.Fatalf("expected retry after failure to report, got %v", err)
	}
	if api.count() != 2 {
		t.Fatalf("expected failed report to be retried, got %d calls", api.count())
	}
}

func TestConcurrentReportsForSameShipmentCallOnce(t *testing.T) {
	ctx := context.Background()
	api := &fakeSubmitter{result: source.UpdateResult{Success: true}}
	reporter := NewReporter(api, state.NewLedger(state.NewMemoryStore()), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reporter.Report(ctx, shippedShipment(), "123", "tag"); err != nil {
				t.Errorf("report: %v", err)
			}
		}()
	}
	wg.Wait()
	if api.count() != 1 {
		t.Fatalf("expected serialized reports to call once, got %d", api.count())
	}
}

func TestTrackAndRecordUnresolved(t *testing.T) {
	ctx := context.Background()
	ledger := state.NewLedger(state.NewMemoryStore())
	reporter := NewReporter(&fakeSubmitter{}, ledger, nil)

	if err := reporter.Track(ctx, shippedShipment()); err != nil {
		t.Fatalf("track: %v", err)
	}
	entry, ok, _ := ledger.Get(ctx, "SHIP-9")
	if !ok || entry.State != state.ShipmentNew {
		t.Fatalf("expected new entry, got %+v", entry)
	}
	if err := reporter.RecordUnresolved(ctx, shippedShipment(), syncerr.Correlation("resolve source order", "SHIP-9")); err != nil {
		t.Fatalf("record unresolved: %v", err)
	}
	entry, _, _ = ledger.Get(ctx, "SHIP-9")
	if entry.CorrelationMethod != state.CorrelationUnresolved || entry.ReportStatus.Error == "" {
		t.Fatalf("expected unresolved entry, got %+v", entry)
	}
}

func TestRecordFailureKeepsReportedShipment(t *testing.T) {
	ctx := context.Background()
	api := &fakeSubmitter{result: source.UpdateResult{Success: true}}
	ledger := state.NewLedger(state.NewMemoryStore())
	reporter := NewReporter(api, ledger, nil)

	if _, err := reporter.Report(ctx, shippedShipment(), "123", "tag"); err != nil {
		t.Fatalf("report: %v", err)
	}
	err := reporter.RecordFailure(ctx, shippedShipment(), "123", "tag", errors.New("fulfillment rejected downstream"))
	if !errors.Is(err, ErrAlreadyReported) {
		t.Fatalf("expected ErrAlreadyReported, got %v", err)
	}
	entry, _, _ := ledger.Get(ctx, "SHIP-9")
	if entry.State != state.ShipmentReported || !entry.ReportStatus.Success || entry.ReportStatus.Error != "" {
		t.Fatalf("expected reported row to survive, got %+v", entry)
	}

	again, err := reporter.Report(ctx, shippedShipment(), "123", "tag")
	if err != nil || !again.Cached || api.count() != 1 {
		t.Fatalf("expected redelivery to stay cached, got %+v err=%v calls=%d", again, err, api.count())
	}
}
