package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(eventsReceived, publishesTotal, reconnectsTotal, resubscribesTotal) }

var eventsReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_events_received_total",
		Help: "Events delivered by subscriptions, labeled by relay address.",
	},
	[]string{"relay"},
)

var publishesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_publishes_total",
		Help: "Outbound publish attempts, labeled by outcome (ok/failed/rate_limited).",
	},
	[]string{"outcome"},
)

var reconnectsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relay_reconnects_total",
		Help: "Reconnect attempts per relay address.",
	},
	[]string{"relay"},
)

var resubscribesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "relay_resubscribes_total",
		Help: "Watchdog-triggered full resubscribe cycles.",
	},
)

func IncEventReceived(relay string) { eventsReceived.WithLabelValues(norm(relay)).Inc() }

func IncPublish(outcome string) { publishesTotal.WithLabelValues(norm(outcome)).Inc() }

func IncReconnect(relay string) { reconnectsTotal.WithLabelValues(norm(relay)).Inc() }

func IncResubscribe() { resubscribesTotal.Inc() }
