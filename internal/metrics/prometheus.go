package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Provisioning event results recorded by RecordProvisioning.
const (
	ResultProvisioningOK            = "provisioning_ok"
	ResultProvisioningFail          = "provisioning_fail"
	ResultCompleteLifecycle         = "complete_lifecycle"
	ResultErrorStartingIPv4         = "error_starting_ipv4"
	ResultErrorStartingIPv6         = "error_starting_ipv6"
	ResultErrorStartingReachability = "error_starting_reachability_monitor"
	ResultErrorInvalidProvisioning  = "error_invalid_provisioning"
	ResultErrorInterfaceNotFound    = "error_interface_not_found"
	ResultErrorProvisioningTimeout  = "error_provisioning_timeout"
)

// Registry holds all daemon metrics.
type Registry struct {
	// Provisioning engine
	ProvisioningEvents *prometheus.CounterVec
	LifecycleDuration  *prometheus.HistogramVec
	EngineState        *prometheus.GaugeVec

	// Neighbor reachability
	NUDFailures *prometheus.CounterVec
	NUDProbes   *prometheus.CounterVec

	// DHCP client
	DHCPEvents *prometheus.CounterVec

	// Packet tracker
	PacketsLogged      *prometheus.CounterVec
	PacketsRateLimited *prometheus.CounterVec

	// Interface counters
	InterfaceRxBytes   *prometheus.GaugeVec
	InterfaceTxBytes   *prometheus.GaugeVec
	InterfaceRxPackets *prometheus.GaugeVec
	InterfaceTxPackets *prometheus.GaugeVec
	InterfaceErrors    *prometheus.GaugeVec

	// Control plane and process
	Uptime       prometheus.Gauge
	ConfigReload *prometheus.CounterVec
	RPCRequests  *prometheus.CounterVec
	RPCLatency   *prometheus.HistogramVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.ProvisioningEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipclient_provisioning_events_total",
		Help: "Provisioning results and errors per interface",
	}, []string{"interface", "result"})

	r.LifecycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ipclient_lifecycle_duration_seconds",
		Help:    "Duration of completed provisioning cycles",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	}, []string{"interface"})

	r.EngineState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ipclient_engine_state",
		Help: "Current provisioning engine state (1 for the active state)",
	}, []string{"interface", "state"})

	r.NUDFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipclient_nud_failures_total",
		Help: "Neighbor unreachability failures of watched neighbors",
	}, []string{"interface", "type", "critical"})

	r.NUDProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipclient_nud_probes_total",
		Help: "Neighbor probes requested",
	}, []string{"interface", "family"})

	r.DHCPEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipclient_dhcp_events_total",
		Help: "DHCP client events",
	}, []string{"interface", "event"})

	r.PacketsLogged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipclient_packets_logged_total",
		Help: "Connectivity packets recorded in the packet log",
	}, []string{"interface", "direction"})

	r.PacketsRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipclient_packets_rate_limited_total",
		Help: "Connectivity packets not logged due to rate limiting",
	}, []string{"interface"})

	r.InterfaceRxBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ipclient_interface_rx_bytes",
		Help: "Received bytes per interface",
	}, []string{"interface"})

	r.InterfaceTxBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ipclient_interface_tx_bytes",
		Help: "Transmitted bytes per interface",
	}, []string{"interface"})

	r.InterfaceRxPackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ipclient_interface_rx_packets",
		Help: "Received packets per interface",
	}, []string{"interface"})

	r.InterfaceTxPackets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ipclient_interface_tx_packets",
		Help: "Transmitted packets per interface",
	}, []string{"interface"})

	r.InterfaceErrors = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ipclient_interface_errors",
		Help: "Interface errors",
	}, []string{"interface", "type"})

	r.Uptime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ipclient_uptime_seconds",
		Help: "Daemon uptime in seconds",
	})

	r.ConfigReload = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipclient_config_reloads_total",
		Help: "Total configuration reloads",
	}, []string{"status"})

	r.RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipclient_rpc_requests_total",
		Help: "Control plane RPC requests",
	}, []string{"method", "status"})

	r.RPCLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ipclient_rpc_request_duration_seconds",
		Help:    "Control plane RPC latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	return r
}

// RecordProvisioning records a provisioning result or error for iface.
func (r *Registry) RecordProvisioning(iface, result string) {
	r.ProvisioningEvents.WithLabelValues(iface, result).Inc()
}

// RecordLifecycle records a completed start-to-stop cycle.
func (r *Registry) RecordLifecycle(iface string, d time.Duration) {
	r.ProvisioningEvents.WithLabelValues(iface, ResultCompleteLifecycle).Inc()
	r.LifecycleDuration.WithLabelValues(iface).Observe(d.Seconds())
}

// SetEngineState marks state as the active engine state for iface.
func (r *Registry) SetEngineState(iface, previous, state string) {
	if previous != "" {
		r.EngineState.WithLabelValues(iface, previous).Set(0)
	}
	r.EngineState.WithLabelValues(iface, state).Set(1)
}

// RecordNUDFailure records a failure of a watched neighbor. fromProbe tells
// proactive probe failures from organically detected ones.
func (r *Registry) RecordNUDFailure(iface string, fromProbe, critical bool) {
	kind := "organic"
	if fromProbe {
		kind = "probe"
	}
	r.NUDFailures.WithLabelValues(iface, kind, strconv.FormatBool(critical)).Inc()
}

// RecordNUDProbe records one neighbor probe.
func (r *Registry) RecordNUDProbe(iface string, ipv6 bool) {
	family := "ipv4"
	if ipv6 {
		family = "ipv6"
	}
	r.NUDProbes.WithLabelValues(iface, family).Inc()
}

// RecordDHCPEvent records a DHCP client event such as ack or nak.
func (r *Registry) RecordDHCPEvent(iface, event string) {
	r.DHCPEvents.WithLabelValues(iface, event).Inc()
}

// RecordRPC records a control plane request.
func (r *Registry) RecordRPC(method string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.RPCRequests.WithLabelValues(method, status).Inc()
	r.RPCLatency.WithLabelValues(method).Observe(d.Seconds())
}
