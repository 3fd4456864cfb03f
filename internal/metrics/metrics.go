package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OutboundRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_outbound_requests_total",
			Help: "Outbound API attempts by client and status class",
		},
		[]string{"client", "method", "status"},
	)

	OutboundRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_outbound_retries_total",
			Help: "Outbound API attempts that were scheduled for retry",
		},
		[]string{"client"},
	)

	OutboundRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ordersync_outbound_request_duration_seconds",
			Help:    "Duration of a single outbound API attempt",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"client"},
	)

	TokenExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_token_exchanges_total",
			Help: "Credential exchanges by outcome",
		},
		[]string{"outcome"},
	)

	FeedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_feed_events_total",
			Help: "Change events seen by the feed cursor, split by filter match",
		},
		[]string{"result"},
	)

	PollCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_poll_cycles_total",
			Help: "Poll cycles by outcome",
		},
		[]string{"outcome"},
	)

	PollCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ordersync_poll_cycle_duration_seconds",
			Help:    "Duration of a complete poll cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_orders_total",
			Help: "Source orders processed by outcome",
		},
		[]string{"status"},
	)

	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_webhooks_total",
			Help: "Downstream webhook notifications by event",
		},
		[]string{"event"},
	)

	ShipmentReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_shipment_reports_total",
			Help: "Shipment tracking reports by outcome",
		},
		[]string{"outcome"},
	)

	CorrelationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_correlations_total",
			Help: "Reverse correlation results by method",
		},
		[]string{"method"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordersync_http_requests_total",
			Help: "Inbound HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ordersync_http_request_duration_seconds",
			Help:    "Duration of inbound HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		OutboundRequestsTotal,
		OutboundRetriesTotal,
		OutboundRequestDuration,
		TokenExchangesTotal,
		FeedEventsTotal,
		PollCyclesTotal,
		PollCycleDuration,
		OrdersTotal,
		WebhooksTotal,
		ShipmentReportsTotal,
		CorrelationsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// StatusClass buckets an HTTP status code for label cardinality.
func StatusClass(code int) string {
	switch {
	case code == 0:
		return "error"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code == 429:
		return "429"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
