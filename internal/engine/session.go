// Package engine wires the sync components into one explicit session.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/correlate"
	"github.com/agentworkforce/ordersync/internal/delivery"
	"github.com/agentworkforce/ordersync/internal/downstream"
	"github.com/agentworkforce/ordersync/internal/feed"
	"github.com/agentworkforce/ordersync/internal/logging"
	"github.com/agentworkforce/ordersync/internal/metrics"
	"github.com/agentworkforce/ordersync/internal/orders"
	"github.com/agentworkforce/ordersync/internal/source"
	"github.com/agentworkforce/ordersync/internal/state"
	"github.com/agentworkforce/ordersync/internal/syncerr"
	"github.com/agentworkforce/ordersync/internal/tracking"
	"github.com/agentworkforce/ordersync/internal/webhook"
)

var ErrPollInProgress = errors.New("poll already in progress")

// DefaultEventReasons selects order creation events.
var DefaultEventReasons = []string{"create"}

type SourceAPI interface {
	feed.StreamAPI
	tracking.ShipmentSubmitter
	GetOrder(ctx context.Context, dscoOrderID string) (source.Order, error)
	EachOrder(ctx context.Context, q source.OrderQuery, fn func(source.Order) error) error
}

type DownstreamAPI interface {
	delivery.OrderCreator
	correlate.OrderFetcher
	GetShipment(ctx context.Context, shipmentID string) (downstream.Shipment, error)
	Dereference(ctx context.Context, resourceURL string, out any) error
}

type Options struct {
	Source            SourceAPI
	Downstream        DownstreamAPI
	Store             state.Store
	Marker            string
	StoreID           string
	StreamName        string
	PartitionID       int
	EventReasons      []string
	IncludeTestOrders bool
	Logger            *zap.Logger
}

// Session owns the cursor, ledgers and components of one sync deployment.
// Only one session may poll a given persisted cursor.
type Session struct {
	source     SourceAPI
	downstream DownstreamAPI
	cursor     *feed.Cursor
	cursors    *state.CursorStore
	ledger     *state.Ledger
	orderLog   *state.OrderLog
	translator orders.Translator
	submitter  *delivery.Submitter
	correlator *correlate.Correlator
	reporter   *tracking.Reporter
	classifier *webhook.Classifier
	logger     *zap.Logger

	includeTestOrders bool
	reasons           atomic.Value
	pollMu            sync.Mutex

	subsMu  sync.Mutex
	subs    map[int]chan state.TrackedShipment
	nextSub int
}

func New(opts Options) (*Session, error) {
	if opts.Source == nil || opts.Downstream == nil || opts.Store == nil {
		return nil, errors.New("source, downstream and store are required")
	}
	classifier, err := webhook.NewClassifier()
	if err != nil {
		return nil, err
	}
	logger := logging.OrNop(opts.Logger)
	cursors := state.NewCursorStore(opts.Store)
	ledger := state.NewLedger(opts.Store)
	s := &Session{
		source:     opts.Source,
		downstream: opts.Downstream,
		cursors:    cursors,
		cursor: feed.New(opts.Source, cursors, feed.Options{
			StreamName:  opts.StreamName,
			PartitionID: opts.PartitionID,
			Description: "ordersync order feed",
			Logger:      logger,
		}),
		ledger:            ledger,
		orderLog:          state.NewOrderLog(opts.Store),
		translator:        orders.NewTranslator(opts.Marker, opts.StoreID),
		submitter:         delivery.NewSubmitter(opts.Downstream, logger),
		correlator:        correlate.New(opts.Marker, opts.Downstream, logger),
		reporter:          tracking.NewReporter(opts.Source, ledger, logger),
		classifier:        classifier,
		logger:            logger.Named("engine"),
		includeTestOrders: opts.IncludeTestOrders,
		subs:              make(map[int]chan state.TrackedShipment),
	}
	s.reporter.OnUpdate = s.publish
	s.SetEventReasons(opts.EventReasons)
	return s, nil
}

func (s *Session) Ledger() *state.Ledger { return s.ledger }

func (s *Session) OrderLog() *state.OrderLog { return s.orderLog }

func (s *Session) Cursor() *feed.Cursor { return s.cursor }

func (s *Session) Cursors() *state.CursorStore { return s.cursors }

// SetEventReasons replaces the poll filter; it takes effect on the next cycle.
func (s *Session) SetEventReasons(reasons []string) {
	cleaned := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		if reason = strings.TrimSpace(reason); reason != "" {
			cleaned = append(cleaned, reason)
		}
	}
	if len(cleaned) == 0 {
		cleaned = append(cleaned, DefaultEventReasons...)
	}
	s.reasons.Store(cleaned)
}

func (s *Session) EventReasons() []string {
	reasons, _ := s.reasons.Load().([]string)
	return append([]string(nil), reasons...)
}

// ResetCursor moves the stored position to the stream's current tail.
func (s *Session) ResetCursor(ctx context.Context) (state.Cursor, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()
	return s.cursor.ResetToTail(ctx)
}

type CycleReport struct {
	Poll      feed.PollResult     `json:"poll"`
	Delivered int                 `json:"delivered"`
	Skipped   int                 `json:"skipped"`
	Invalid   int                 `json:"invalid"`
	Failed    int                 `json:"failed"`
	Records   []state.OrderRecord `json:"records,omitempty"`
}

// PollOnce runs one forward-sync cycle. A concurrent call returns
// ErrPollInProgress instead of waiting.
func (s *Session) PollOnce(ctx context.Context) (CycleReport, error) {
	if !s.pollMu.TryLock() {
		return CycleReport{}, ErrPollInProgress
	}
	defer s.pollMu.Unlock()

	start := time.Now()
	report, err := s.pollLocked(ctx)
	metrics.PollCycleDuration.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		metrics.PollCyclesTotal.WithLabelValues("ok").Inc()
	case syncerr.IsAuth(err):
		metrics.PollCyclesTotal.WithLabelValues("auth_error").Inc()
	default:
		metrics.PollCyclesTotal.WithLabelValues("error").Inc()
	}
	return report, err
}

func (s *Session) pollLocked(ctx context.Context) (CycleReport, error) {
	result, err := s.cursor.Poll(ctx, s.EventReasons())
	report := CycleReport{Poll: result}
	if err != nil {
		return report, err
	}

	var pending []pendingOrder
	var records []state.OrderRecord
	var cycleErr error
	seen := make(map[string]struct{})
	for _, event := range result.Events {
		id := strings.TrimSpace(event.ObjectID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		order, ok := orderFromPayload(event.Payload, id)
		if !ok {
			fetched, err := s.source.GetOrder(ctx, id)
			if err != nil {
				s.logger.Warn("order fetch failed", zap.String("source_order_id", id), zap.Error(err))
				records = append(records, state.OrderRecord{SourceOrderID: id, Status: state.OrderFailed, Errors: []string{err.Error()}, EventID: event.ID})
				if syncerr.IsAuth(err) && cycleErr == nil {
					cycleErr = err
				}
				continue
			}
			order = fetched
		}
		pending = append(pending, pendingOrder{order: order, objectID: id, eventID: event.ID})
	}

	if cycleErr == nil {
		processed, err := s.processOrders(ctx, pending)
		records = append(records, processed...)
		cycleErr = err
	} else {
		for _, p := range pending {
			records = append(records, state.OrderRecord{SourceOrderID: p.recordID(), Status: state.OrderFailed, Errors: []string{cycleErr.Error()}, EventID: p.eventID})
		}
	}
	report.tally(records)
	if err := s.orderLog.Record(ctx, records...); err != nil {
		return report, err
	}
	return report, cycleErr
}

type pendingOrder struct {
	order source.Order
	// objectID is the id the order was requested under, empty for backfill.
	objectID string
	eventID  string
}

func (p pendingOrder) recordID() string {
	if id := strings.TrimSpace(p.order.DscoOrderID); id != "" {
		return id
	}
	return p.objectID
}

// Backfill pushes every order updated since the given time through the same
// translate and deliver path as the change feed.
func (s *Session) Backfill(ctx context.Context, since time.Time) (CycleReport, error) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	var pending []pendingOrder
	err := s.source.EachOrder(ctx, source.OrderQuery{
		UpdatedSince:      since.UTC().Format(time.RFC3339),
		IncludeTestOrders: s.includeTestOrders,
	}, func(order source.Order) error {
		pending = append(pending, pendingOrder{order: order})
		return nil
	})
	if err != nil {
		return CycleReport{}, err
	}
	records, deliverErr := s.processOrders(ctx, pending)
	var report CycleReport
	report.tally(records)
	if err := s.orderLog.Record(ctx, records...); err != nil {
		return report, err
	}
	if deliverErr != nil {
		return report, deliverErr
	}
	s.logger.Info("backfill completed",
		zap.Time("since", since),
		zap.Int("orders", len(pending)),
		zap.Int("delivered", report.Delivered),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// processOrders translates and delivers pending orders. The returned error is
// set only when delivery stopped on an auth failure; the records still cover
// every order.
func (s *Session) processOrders(ctx context.Context, pending []pendingOrder) ([]state.OrderRecord, error) {
	var records []state.OrderRecord
	var batch []downstream.OrderRequest
	eventIDs := make(map[string]string)

	for _, p := range pending {
		order := p.order
		id := strings.TrimSpace(order.DscoOrderID)
		if id == "" {
			s.logger.Warn("order has no source order id", zap.String("object_id", p.objectID), zap.String("event_id", p.eventID))
			if p.objectID == "" {
				metrics.OrdersTotal.WithLabelValues(string(state.OrderInvalid)).Inc()
				continue
			}
			records = append(records, state.OrderRecord{SourceOrderID: p.objectID, Status: state.OrderInvalid, Errors: []string{"order has no source order id"}, EventID: p.eventID})
			continue
		}
		if prior, ok, err := s.orderLog.Get(ctx, id); err == nil && ok && prior.Status == state.OrderDelivered {
			s.logger.Debug("order already delivered", zap.String("source_order_id", id))
			continue
		}
		if order.TestFlag && !s.includeTestOrders {
			records = append(records, state.OrderRecord{SourceOrderID: id, Status: state.OrderSkipped, Errors: []string{"test order"}, EventID: p.eventID})
			continue
		}
		if !s.translator.ShouldProcess(order) {
			records = append(records, state.OrderRecord{SourceOrderID: id, Status: state.OrderSkipped, EventID: p.eventID})
			continue
		}
		mapped := s.translator.MapAndValidate(order)
		if !mapped.Success {
			s.logger.Warn("order failed validation", zap.String("source_order_id", id), zap.Strings("errors", mapped.Errors))
			records = append(records, state.OrderRecord{SourceOrderID: id, Status: state.OrderInvalid, Errors: mapped.Errors, EventID: p.eventID})
			continue
		}
		eventIDs[id] = p.eventID
		batch = append(batch, *mapped.Order)
	}

	var batchErr error
	if len(batch) > 0 {
		result := s.submitter.CreateOrders(ctx, batch)
		batchErr = result.Err
		for _, out := range result.Delivered {
			records = append(records, state.OrderRecord{
				SourceOrderID:     out.SourceOrderID,
				Status:            state.OrderDelivered,
				DownstreamOrderID: out.Ref.OrderID,
				ShipmentID:        out.Ref.ShipmentID,
				EventID:           eventIDs[out.SourceOrderID],
			})
		}
		for _, out := range result.Failed {
			records = append(records, state.OrderRecord{
				SourceOrderID: out.SourceOrderID,
				Status:        state.OrderFailed,
				Errors:        []string{out.Err.Error()},
				EventID:       eventIDs[out.SourceOrderID],
			})
		}
	}
	for _, rec := range records {
		metrics.OrdersTotal.WithLabelValues(string(rec.Status)).Inc()
	}
	return records, batchErr
}

func (r *CycleReport) tally(records []state.OrderRecord) {
	r.Records = append(r.Records, records...)
	for _, rec := range records {
		switch rec.Status {
		case state.OrderDelivered:
			r.Delivered++
		case state.OrderSkipped:
			r.Skipped++
		case state.OrderInvalid:
			r.Invalid++
		case state.OrderFailed:
			r.Failed++
		}
	}
}

// orderFromPayload uses the event's snapshot when it carries the order.
func orderFromPayload(payload json.RawMessage, objectID string) (source.Order, bool) {
	if len(payload) == 0 {
		return source.Order{}, false
	}
	var order source.Order
	if err := json.Unmarshal(payload, &order); err != nil {
		return source.Order{}, false
	}
	if order.DscoOrderID == "" || order.DscoOrderID != objectID || len(order.LineItems) == 0 {
		return source.Order{}, false
	}
	return order, true
}

// Subscribe streams ledger rows as they are written. Slow subscribers miss
// updates rather than block writers.
func (s *Session) Subscribe(buffer int) (<-chan state.TrackedShipment, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan state.TrackedShipment, buffer)
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(ch)
		})
	}
}

func (s *Session) publish(entry state.TrackedShipment) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}
