package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsOpen tracks the number of open connections with labels for node and transport scheme
	ConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "goreplica_connections_open",
			Help: "Number of open replication connections",
		},
		[]string{"node", "transport"},
	)

	// FramesSentTotal tracks the number of frames written by frame kind
	FramesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goreplica_frames_sent_total",
			Help: "Total number of frames sent by frame kind",
		},
		[]string{"node", "kind"},
	)

	// FramesReceivedTotal tracks the number of frames read by frame kind
	FramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goreplica_frames_received_total",
			Help: "Total number of frames received by frame kind",
		},
		[]string{"node", "kind"},
	)

	// SourcesEnabled tracks the number of source bindings enabled on a node
	SourcesEnabled = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "goreplica_sources_enabled",
			Help: "Number of sources currently enabled for remoting",
		},
		[]string{"node"},
	)

	// ReplicaStateTransitionsTotal counts replica state changes by target state
	ReplicaStateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goreplica_replica_state_transitions_total",
			Help: "Total number of replica state transitions by target state",
		},
		[]string{"node", "state"},
	)

	// PropertyUpdatesTotal counts property changes published by sources
	PropertyUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goreplica_property_updates_total",
			Help: "Total number of property changes published by sources",
		},
		[]string{"node", "object_type"},
	)

	// MethodCallsTotal tracks the total number of method calls with labels for node, object_type, method_name, and status
	MethodCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goreplica_method_calls_total",
			Help: "Total number of method calls dispatched to sources",
		},
		[]string{"node", "object_type", "method_name", "status"},
	)

	// MethodCallDuration tracks the duration of method calls in seconds
	MethodCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "goreplica_method_call_duration",
			Help:    "Duration of method calls dispatched to sources in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
		[]string{"node", "object_type", "method_name", "status"},
	)

	// CallTimeoutsTotal counts pending calls on replicas that timed out
	CallTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goreplica_call_timeouts_total",
			Help: "Total number of replica method calls that timed out",
		},
		[]string{"node", "object_type"},
	)

	// RegistryEntries tracks the number of entries held by a registry host
	RegistryEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "goreplica_registry_entries",
			Help: "Number of entries in the hosted registry",
		},
		[]string{"node"},
	)

	// RegistryRejectionsTotal counts addSource and removeSource requests the registry refused
	RegistryRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goreplica_registry_rejections_total",
			Help: "Total number of rejected registry registrations",
		},
		[]string{"node", "reason"},
	)

	// ReconnectAttemptsTotal counts dial attempts made while maintaining peers
	ReconnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "goreplica_reconnect_attempts_total",
			Help: "Total number of reconnect attempts to peer nodes",
		},
		[]string{"node"},
	)

	// ProxyRoutesActive tracks the sources a proxy currently republishes
	ProxyRoutesActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "goreplica_proxy_routes_active",
			Help: "Number of sources a proxy currently republishes",
		},
		[]string{"proxy", "direction"},
	)
)

// RecordConnectionOpened increments the open connection gauge
func RecordConnectionOpened(node, transport string) {
	ConnectionsOpen.WithLabelValues(node, transport).Inc()
}

// RecordConnectionClosed decrements the open connection gauge
func RecordConnectionClosed(node, transport string) {
	ConnectionsOpen.WithLabelValues(node, transport).Dec()
}

// RecordFrameSent increments the sent frame counter for a frame kind
func RecordFrameSent(node, kind string) {
	FramesSentTotal.WithLabelValues(node, kind).Inc()
}

// RecordFrameReceived increments the received frame counter for a frame kind
func RecordFrameReceived(node, kind string) {
	FramesReceivedTotal.WithLabelValues(node, kind).Inc()
}

// SetSourcesEnabled sets the number of enabled sources on a node
func SetSourcesEnabled(node string, count int) {
	SourcesEnabled.WithLabelValues(node).Set(float64(count))
}

// RecordReplicaState records a replica entering state
func RecordReplicaState(node, state string) {
	ReplicaStateTransitionsTotal.WithLabelValues(node, state).Inc()
}

// RecordPropertyUpdate increments the published property change counter
func RecordPropertyUpdate(node, objectType string) {
	PropertyUpdatesTotal.WithLabelValues(node, objectType).Inc()
}

// RecordMethodCall increments the method call counter for a given node, object type, method name, and status
func RecordMethodCall(node, objectType, methodName, status string) {
	MethodCallsTotal.WithLabelValues(node, objectType, methodName, status).Inc()
}

// RecordMethodCallDuration records the duration of a method call in seconds
func RecordMethodCallDuration(node, objectType, methodName, status string, durationSeconds float64) {
	MethodCallDuration.WithLabelValues(node, objectType, methodName, status).Observe(durationSeconds)
}

// RecordCallTimeout increments the timed out call counter
func RecordCallTimeout(node, objectType string) {
	CallTimeoutsTotal.WithLabelValues(node, objectType).Inc()
}

// SetRegistryEntries sets the number of entries in the hosted registry
func SetRegistryEntries(node string, count int) {
	RegistryEntries.WithLabelValues(node).Set(float64(count))
}

// RecordRegistryRejection increments the registry rejection counter
func RecordRegistryRejection(node, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	RegistryRejectionsTotal.WithLabelValues(node, reason).Inc()
}

// RecordReconnectAttempt increments the reconnect attempt counter
func RecordReconnectAttempt(node string) {
	ReconnectAttemptsTotal.WithLabelValues(node).Inc()
}

// SetProxyRoutes sets the number of republished sources for one proxy direction
func SetProxyRoutes(proxy, direction string, count int) {
	ProxyRoutesActive.WithLabelValues(proxy, direction).Set(float64(count))
}
