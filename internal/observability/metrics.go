package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_http_requests_total",
			Help: "Total HTTP requests by endpoint, method, and status.",
		},
		[]string{"endpoint", "method", "status"},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_events_published_total",
			Help: "Events accepted by the hub, by namespace.",
		},
		[]string{"namespace"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_events_dropped_total",
			Help: "Events not delivered to a consumer, by consumer and reason.",
		},
		[]string{"consumer", "reason"},
	)

	HubSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_hub_subscribers",
		Help: "Current number of hub subscriptions.",
	})

	GatewayClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_gateway_clients",
		Help: "Current number of connected overlay clients.",
	})

	FramesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_bizhawk_frames_total",
			Help: "BizHawk frames by decode result.",
		},
		[]string{"result"},
	)

	OBSRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_obs_requests_total",
			Help: "obs-websocket requests by type and result.",
		},
		[]string{"request_type", "result"},
	)

	AdapterState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_adapter_state",
			Help: "1 for the current connection state of each adapter source, 0 otherwise.",
		},
		[]string{"source", "state"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestCounter,
		EventsPublished,
		EventsDropped,
		HubSubscribers,
		GatewayClients,
		FramesDecoded,
		OBSRequests,
		AdapterState,
	)
}
