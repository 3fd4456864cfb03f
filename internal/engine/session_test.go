package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/ordersync/internal/downstream"
	"github.com/agentworkforce/ordersync/internal/source"
	"github.com/agentworkforce/ordersync/internal/state"
	"github.com/agentworkforce/ordersync/internal/syncerr"
)

type fakeSource struct {
	mu        sync.Mutex
	streams   map[string]source.Stream
	events    map[string][]source.Event
	orders    map[string]source.Order
	backfill  []source.Order
	updates   []source.ShipmentUpdate
	getOrders []string
	block     chan struct{}
	entered   chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		streams: map[string]source.Stream{},
		events:  map[string][]source.Event{},
		orders:  map[string]source.Order{},
	}
}

func (f *fakeSource) GetStream(_ context.Context, id string) (source.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream, ok := f.streams[id]
	if !ok {
		return source.Stream{}, fmt.Errorf("%w: %s", source.ErrStreamNotFound, id)
	}
	return stream, nil
}

func (f *fakeSource) CreateStream(_ context.Context, req source.StreamRequest) (source.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream := source.Stream{ID: req.ID, Partitions: []source.Partition{{PartitionID: 0, Position: "100"}}}
	f.streams[req.ID] = stream
	return stream, nil
}

func (f *fakeSource) GetEvents(ctx context.Context, _ string, _ int, position string) ([]source.Event, error) {
	if f.block != nil {
		f.entered <- struct{}{}
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[position], nil
}

func (f *fakeSource) GetOrder(_ context.Context, id string) (source.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getOrders = append(f.getOrders, id)
	order, ok := f.orders[id]
	if !ok {
		return source.Order{}, source.ErrOrderNotFound
	}
	return order, nil
}

func (f *fakeSource) EachOrder(_ context.Context, _ source.OrderQuery, fn func(source.Order) error) error {
	for _, order := range f.backfill {
		if err := fn(order); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) SubmitShipment(_ context.Context, update source.ShipmentUpdate) (source.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return source.UpdateResult{DscoOrderID: update.DscoOrderID, Success: true, RequestID: "req-1"}, nil
}

func (f *fakeSource) submitted() []source.ShipmentUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]source.ShipmentUpdate(nil), f.updates...)
}

type fakeDownstream struct {
	mu        sync.Mutex
	created   []downstream.OrderRequest
	createErr error
	shipments map[string]downstream.Shipment
	resources map[string]any
}

func newFakeDownstream() *fakeDownstream {
	return &fakeDownstream{shipments: map[string]downstream.Shipment{}, resources: map[string]any{}}
}

func (f *fakeDownstream) CreateOrder(_ context.Context, req downstream.OrderRequest) (downstream.OrderRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if f.createErr != nil {
		return downstream.OrderRef{}, f.createErr
	}
	return downstream.OrderRef{OrderID: "SS-1", OrderNumber: req.OrderNumber, ShipmentID: "SHIP-9"}, nil
}

func (f *fakeDownstream) GetOrder(_ context.Context, id string) (downstream.Order, error) {
	return downstream.Order{}, fmt.Errorf("order %s not found", id)
}

func (f *fakeDownstream) GetShipment(_ context.Context, id string) (downstream.Shipment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	shipment, ok := f.shipments[id]
	if !ok {
		return downstream.Shipment{}, downstream.ErrShipmentNotFound
	}
	return shipment, nil
}

func (f *fakeDownstream) Dereference(_ context.Context, url string, out any) error {
	doc, ok := f.resources[url]
	if !ok {
		return errors.New("resource not found")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func sampleOrder(id string) source.Order {
	return source.Order{
		DscoOrderID:   id,
		PoNumber:      "PO-" + id,
		DscoLifecycle: "created",
		Shipping: &source.Address{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Address1:  "1 Analytical Way",
			City:      "London",
			Postal:    "N1",
			Country:   "gb",
		},
		LineItems: []source.LineItem{{DscoItemID: "item-1", Sku: "SKU-1", Quantity: 1}},
	}
}

func newTestSession(t *testing.T, src *fakeSource, dst *fakeDownstream) *Session {
	t.Helper()
	session, err := New(Options{
		Source:       src,
		Downstream:   dst,
		Store:        state.NewMemoryStore(),
		Marker:       "dsco:",
		StoreID:      "store-1",
		EventReasons: []string{"create"},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return session
}

func TestEndToEndOrderToTrackingReport(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.events["100"] = []source.Event{{ID: "101", Reasons: []string{"create"}, ObjectID: "123"}}
	src.orders["123"] = sampleOrder("123")
	dst := newFakeDownstream()
	dst.shipments["SHIP-9"] = downstream.Shipment{
		ShipmentID: "SHIP-9",
		OrderID:    "SS-1",
		Tags:       []downstream.Tag{{Name: "dsco:123"}},
		Items:      []downstream.ShipmentItem{{ExternalOrderItemID: "item-1", SKU: "SKU-1", Quantity: 1}},
	}
	session := newTestSession(t, src, dst)

	report, err := session.PollOnce(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if report.Delivered != 1 || len(dst.created) != 1 {
		t.Fatalf("expected one delivered order, got %+v (created %d)", report, len(dst.created))
	}
	if dst.created[0].Tags[0].Name != "dsco:123" || dst.created[0].AdvancedOptions.CustomField1 != "123" {
		t.Fatalf("expected marker tag and custom field, got %+v", dst.created[0])
	}
	rec, ok, _ := session.OrderLog().Get(ctx, "123")
	if !ok || rec.Status != state.OrderDelivered || rec.ShipmentID != "SHIP-9" || rec.EventID != "101" {
		t.Fatalf("unexpected order record %+v", rec)
	}
	cursor, _, _ := session.Cursors().Load(ctx)
	if cursor.Position != "101" {
		t.Fatalf("expected cursor 101, got %q", cursor.Position)
	}

	again, err := session.PollOnce(ctx)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if again.Poll.Fetched != 0 || len(dst.created) != 1 {
		t.Fatalf("expected idempotent no-op poll, got %+v", again)
	}

	body := []byte(`{"event":"fulfillment_shipped_v2","data":{"shipment_id":"SHIP-9","tracking_number":"TRK-1","carrier_code":"USPS","ship_date":"2026-03-02"}}`)
	first := session.HandleWebhook(ctx, body)
	if len(first.Shipments) != 1 || !first.Shipments[0].Reported || first.Shipments[0].Cached {
		t.Fatalf("expected fresh report, got %+v", first)
	}
	if first.Shipments[0].SourceOrderID != "123" || first.Shipments[0].CorrelationMethod != "tag" {
		t.Fatalf("expected tag correlation to 123, got %+v", first.Shipments[0])
	}
	second := session.HandleWebhook(ctx, body)
	if len(second.Shipments) != 1 || !second.Shipments[0].Cached {
		t.Fatalf("expected cached report on re-delivery, got %+v", second)
	}

	updates := src.submitted()
	if len(updates) != 1 {
		t.Fatalf("expected exactly one shipment update, got %d", len(updates))
	}
	shipment := updates[0].Shipments[0]
	if updates[0].DscoOrderID != "123" || shipment.TrackingNumber != "TRK-1" || shipment.ShipCarrier != "USPS" {
		t.Fatalf("unexpected update %+v", updates[0])
	}
	if len(shipment.LineItems) != 1 || shipment.LineItems[0].DscoItemID != "item-1" {
		t.Fatalf("expected line item from fetched shipment, got %+v", shipment.LineItems)
	}

	entries, err := session.Ledger().List(ctx)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.State != state.ShipmentReported || !entry.ReportStatus.Success || entry.TrackingNumber != "TRK-1" || entry.Carrier != "USPS" {
		t.Fatalf("unexpected ledger entry %+v", entry)
	}
}

func TestPollOnceUsesEventPayloadSnapshot(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	payload, _ := json.Marshal(sampleOrder("555"))
	src.events["100"] = []source.Event{{ID: "101", Reasons: []string{"create"}, ObjectID: "555", Payload: payload}}
	dst := newFakeDownstream()
	session := newTestSession(t, src, dst)

	report, err := session.PollOnce(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if report.Delivered != 1 {
		t.Fatalf("expected delivery from snapshot, got %+v", report)
	}
	if len(src.getOrders) != 0 {
		t.Fatalf("expected no order fetch, got %v", src.getOrders)
	}
}

func TestPollOnceRecordsInvalidAndSkippedOrders(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.events["100"] = []source.Event{
		{ID: "101", Reasons: []string{"create"}, ObjectID: "1"},
		{ID: "102", Reasons: []string{"create"}, ObjectID: "2"},
		{ID: "103", Reasons: []string{"create"}, ObjectID: "3"},
	}
	invalid := sampleOrder("1")
	invalid.LineItems = nil
	cancelled := sampleOrder("2")
	cancelled.DscoStatus = "cancelled"
	src.orders["1"] = invalid
	src.orders["2"] = cancelled
	dst := newFakeDownstream()
	session := newTestSession(t, src, dst)

	report, err := session.PollOnce(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if report.Invalid != 1 || report.Skipped != 1 || report.Failed != 1 || report.Delivered != 0 {
		t.Fatalf("unexpected tallies %+v", report)
	}
	if len(dst.created) != 0 {
		t.Fatalf("expected no downstream orders, got %d", len(dst.created))
	}
	rec, _, _ := session.OrderLog().Get(ctx, "1")
	if rec.Status != state.OrderInvalid || len(rec.Errors) == 0 {
		t.Fatalf("expected invalid record with errors, got %+v", rec)
	}
}

func TestPollOnceIsSingleFlight(t *testing.T) {
	src := newFakeSource()
	src.block = make(chan struct{})
	src.entered = make(chan struct{}, 1)
	session := newTestSession(t, src, newFakeDownstream())

	done := make(chan error, 1)
	go func() {
		_, err := session.PollOnce(context.Background())
		done <- err
	}()
	select {
	case <-src.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first poll never reached the feed")
	}

	if _, err := session.PollOnce(context.Background()); !errors.Is(err, ErrPollInProgress) {
		t.Fatalf("expected ErrPollInProgress, got %v", err)
	}
	close(src.block)
	if err := <-done; err != nil {
		t.Fatalf("first poll: %v", err)
	}
}

func TestHandleWebhookRecordsUnresolvedShipment(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	session := newTestSession(t, src, newFakeDownstream())

	report := session.HandleWebhook(ctx, []byte(`{"event":"shipment_created","shipment":{"shipment_id":"S-X","shipment_number":"ABC","tracking_number":"T1"}}`))
	if len(report.Shipments) != 1 || report.Shipments[0].Reported {
		t.Fatalf("expected unreported shipment, got %+v", report)
	}
	entry, ok, _ := session.Ledger().Get(ctx, "S-X")
	if !ok || entry.State != state.ShipmentFailed || entry.CorrelationMethod != state.CorrelationUnresolved || entry.ReportStatus.Error == "" {
		t.Fatalf("expected unresolved failed entry, got %+v", entry)
	}
	if len(src.submitted()) != 0 {
		t.Fatalf("expected no source calls")
	}
}

func TestHandleWebhookRejectedFulfillmentIsNotReported(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	session := newTestSession(t, src, newFakeDownstream())

	session.HandleWebhook(ctx, []byte(`{"event":"fulfillment_rejected","fulfillment":{"shipment_id":"S-R","tags":["dsco:77"],"tracking_number":"T"}}`))
	entry, ok, _ := session.Ledger().Get(ctx, "S-R")
	if !ok || entry.State != state.ShipmentFailed || entry.SourceOrderID != "77" {
		t.Fatalf("expected failed entry for 77, got %+v", entry)
	}
	if len(src.submitted()) != 0 {
		t.Fatalf("expected no source calls for rejected fulfillment")
	}
}

func TestHandleWebhookDereferencesLegacyEnvelope(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	dst := newFakeDownstream()
	dst.resources["https://ssapi.example/shipments?batchId=7"] = map[string]any{
		"shipments": []any{map[string]any{
			"shipment_id":     "S-L",
			"tracking_number": "TRK-L",
			"carrier_code":    "UPS",
			"advanced_options": map[string]any{
				"custom_field1": "888",
			},
			"items": []any{map[string]any{"sku": "SKU-1", "quantity": 2}},
		}},
	}
	session := newTestSession(t, src, dst)
	updates, unsubscribe := session.Subscribe(8)
	defer unsubscribe()

	report := session.HandleWebhook(ctx, []byte(`{"resource_url":"https://ssapi.example/shipments?batchId=7","resource_type":"SHIP_NOTIFY"}`))
	if len(report.Shipments) != 1 || !report.Shipments[0].Reported || report.Shipments[0].CorrelationMethod != "custom_field" {
		t.Fatalf("expected custom field report, got %+v", report)
	}
	submitted := src.submitted()
	if len(submitted) != 1 || submitted[0].DscoOrderID != "888" || submitted[0].Shipments[0].LineItems[0].Quantity != 2 {
		t.Fatalf("unexpected submission %+v", submitted)
	}

	var last state.TrackedShipment
	for len(updates) > 0 {
		last = <-updates
	}
	if last.ShipmentID != "S-L" || last.State != state.ShipmentReported {
		t.Fatalf("expected subscriber to see reported row, got %+v", last)
	}
}

func TestHandleWebhookIgnoresGarbage(t *testing.T) {
	session := newTestSession(t, newFakeSource(), newFakeDownstream())
	report := session.HandleWebhook(context.Background(), []byte(`not json`))
	if report.Error == "" {
		t.Fatalf("expected error captured in report")
	}
}

func TestBackfillSkipsDeliveredOrders(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.backfill = []source.Order{sampleOrder("1"), sampleOrder("2")}
	dst := newFakeDownstream()
	session := newTestSession(t, src, dst)
	if err := session.OrderLog().Record(ctx, state.OrderRecord{SourceOrderID: "1", Status: state.OrderDelivered}); err != nil {
		t.Fatalf("seed order log: %v", err)
	}

	report, err := session.Backfill(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if report.Delivered != 1 || len(dst.created) != 1 || dst.created[0].AdvancedOptions.CustomField1 != "2" {
		t.Fatalf("expected only order 2 delivered, got %+v", report)
	}
}

func TestSetEventReasonsFallsBackToDefault(t *testing.T) {
	session := newTestSession(t, newFakeSource(), newFakeDownstream())
	session.SetEventReasons([]string{" ", ""})
	if got := session.EventReasons(); len(got) != 1 || got[0] != "create" {
		t.Fatalf("expected default reasons, got %v", got)
	}
	session.SetEventReasons([]string{"create", " update "})
	if got := session.EventReasons(); len(got) != 2 || got[1] != "update" {
		t.Fatalf("expected trimmed reasons, got %v", got)
	}
}

func TestPollOnceStopsDeliveryOnAuthFailure(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	for i := 1; i <= 5; i++ {
		id := fmt.Sprint(i)
		src.events["100"] = append(src.events["100"], source.Event{ID: fmt.Sprint(100 + i), Reasons: []string{"create"}, ObjectID: id})
		src.orders[id] = sampleOrder(id)
	}
	dst := newFakeDownstream()
	dst.createErr = syncerr.Auth("create order", errors.New("api key was rejected"))
	session := newTestSession(t, src, dst)

	report, err := session.PollOnce(ctx)
	if !syncerr.IsAuth(err) {
		t.Fatalf("expected auth error from poll, got %v", err)
	}
	if len(dst.created) != 1 {
		t.Fatalf("expected a single create attempt, got %d", len(dst.created))
	}
	if report.Failed != 5 || report.Delivered != 0 {
		t.Fatalf("expected every order failed, got %+v", report)
	}
	for i := 1; i <= 5; i++ {
		rec, ok, _ := session.OrderLog().Get(ctx, fmt.Sprint(i))
		if !ok || rec.Status != state.OrderFailed || len(rec.Errors) == 0 {
			t.Fatalf("expected failed record for order %d, got %+v", i, rec)
		}
	}
}

func TestBackfillReturnsAuthFailure(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.backfill = []source.Order{sampleOrder("1"), sampleOrder("2"), sampleOrder("3")}
	dst := newFakeDownstream()
	dst.createErr = syncerr.Auth("create order", errors.New("api key was rejected"))
	session := newTestSession(t, src, dst)

	report, err := session.Backfill(ctx, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if !syncerr.IsAuth(err) {
		t.Fatalf("expected auth error from backfill, got %v", err)
	}
	if len(dst.created) != 1 || report.Failed != 3 {
		t.Fatalf("expected one attempt and three failures, got %d attempts, %+v", len(dst.created), report)
	}
}

func TestPollOnceRecordsOrderWithoutSourceID(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.events["100"] = []source.Event{{ID: "101", Reasons: []string{"create"}, ObjectID: "42"}}
	blank := sampleOrder("")
	src.orders["42"] = blank
	dst := newFakeDownstream()
	session := newTestSession(t, src, dst)

	report, err := session.PollOnce(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if report.Invalid != 1 || len(dst.created) != 0 {
		t.Fatalf("expected one invalid order and no delivery, got %+v", report)
	}
	rec, ok, _ := session.OrderLog().Get(ctx, "42")
	if !ok || rec.Status != state.OrderInvalid || rec.EventID != "101" || len(rec.Errors) != 1 {
		t.Fatalf("expected invalid record under the event object id, got %+v", rec)
	}
}

func TestHandleWebhookResolvesMarkerAfterNonASCIIText(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	session := newTestSession(t, src, newFakeDownstream())

	report := session.HandleWebhook(ctx, []byte(`{"event":"fulfillment_shipped","fulfillment":{"shipment_id":"S-U","tags":["ȺȺȺȺȺȺdsco:1"],"tracking_number":"T-U","carrier_code":"UPS","items":[{"sku":"SKU-1","quantity":1}]}}`))
	if report.Error != "" || len(report.Shipments) != 1 {
		t.Fatalf("expected one processed shipment, got %+v", report)
	}
	if got := report.Shipments[0]; !got.Reported || got.SourceOrderID != "1" {
		t.Fatalf("expected report for order 1, got %+v", got)
	}
}

func TestHandleWebhookUnknownEventKeepsReportedRow(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	session := newTestSession(t, src, newFakeDownstream())

	shipped := session.HandleWebhook(ctx, []byte(`{"event":"fulfillment_shipped","fulfillment":{"shipment_id":"S-K","tags":["dsco:9"],"tracking_number":"T-K","carrier_code":"UPS","items":[{"sku":"SKU-1","quantity":1}]}}`))
	if len(shipped.Shipments) != 1 || !shipped.Shipments[0].Reported {
		t.Fatalf("expected shipment reported, got %+v", shipped)
	}

	notes := session.HandleWebhook(ctx, []byte(`{"event":"order_notes_updated","fulfillment":{"shipment_id":"S-K","tags":["dsco:9"],"tracking_number":"T-K"}}`))
	if len(notes.Shipments) != 1 || !notes.Shipments[0].Ignored || notes.Shipments[0].Reported {
		t.Fatalf("expected unknown event ignored, got %+v", notes)
	}

	rejected := session.HandleWebhook(ctx, []byte(`{"event":"fulfillment_rejected","fulfillment":{"shipment_id":"S-K","tags":["dsco:9"],"tracking_number":"T-K"}}`))
	if len(rejected.Shipments) != 1 || rejected.Shipments[0].Error == "" {
		t.Fatalf("expected rejection noted on the outcome, got %+v", rejected)
	}

	entry, ok, _ := session.Ledger().Get(ctx, "S-K")
	if !ok || entry.State != state.ShipmentReported || !entry.ReportStatus.Success || entry.TrackingNumber != "T-K" {
		t.Fatalf("expected reported row kept, got %+v", entry)
	}
	if len(src.submitted()) != 1 {
		t.Fatalf("expected exactly one source update, got %d", len(src.submitted()))
	}
}

func TestHandleWebhookUnknownEventTracksNewShipment(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	session := newTestSession(t, src, newFakeDownstream())

	report := session.HandleWebhook(ctx, []byte(`{"event":"order_notes_updated","fulfillment":{"shipment_id":"S-N","tags":["dsco:5"]}}`))
	if len(report.Shipments) != 1 || !report.Shipments[0].Ignored {
		t.Fatalf("expected ignored outcome, got %+v", report)
	}
	entry, ok, _ := session.Ledger().Get(ctx, "S-N")
	if !ok || entry.State == state.ShipmentFailed || entry.State == state.ShipmentReported {
		t.Fatalf("expected tracked row without a verdict, got %+v", entry)
	}
	if len(src.submitted()) != 0 {
		t.Fatalf("expected no source calls")
	}
}
