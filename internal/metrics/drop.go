package metrics

import "oddsflow/logger"

// DropMetric identifies the metric name emitted when channel messages are dropped.
type DropMetric string

const (
	// DropMetricConnEvents records decoded venue events dropped because the
	// connection's outbound buffer was full.
	DropMetricConnEvents DropMetric = "conn_events_dropped"
	// DropMetricBusEvents records feed events dropped because a subscriber's
	// buffer was full.
	DropMetricBusEvents DropMetric = "bus_events_dropped"
	// DropMetricStaleNotifications records freshness notifications dropped on
	// a full notification channel.
	DropMetricStaleNotifications DropMetric = "stale_notifications_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped channel
// message. The value is always one, so callers invoke this helper per
// dropped message. Optional metadata (venue, symbol, stage) is added to the
// metric fields when provided, enabling aggregation per venue and stage.
func EmitDropMetric(log *logger.Log, metric DropMetric, venue, symbol, stage string) {
	fields := logger.Fields{}
	if venue != "" {
		fields["venue"] = venue
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
