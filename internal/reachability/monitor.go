// Package reachability watches the on-link neighbors a configuration
// depends on (gateways and DNS servers) and reports when losing one of them
// would leave the interface unprovisioned.
package reachability

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vishvananda/netlink"

	"grimm.is/ipclient/internal/clock"
	"grimm.is/ipclient/internal/linkprops"
	"grimm.is/ipclient/internal/logging"
	"grimm.is/ipclient/internal/metrics"
	"grimm.is/ipclient/internal/network"
)

// Probe parameter bounds and defaults.
const (
	MinNUDSolicits = 5
	MaxNUDSolicits = 15

	MinNUDInterval = 750 * time.Millisecond
	MaxNUDInterval = 1000 * time.Millisecond

	DefaultSteadyStateSolicits = 5
	DefaultSteadyStateInterval = 1000 * time.Millisecond
	DefaultPostRoamSolicits    = 10
	DefaultPostRoamInterval    = 750 * time.Millisecond

	wakeLockGrace = 500 * time.Millisecond
)

// Callback receives neighbor notifications. Calls are made without the
// monitor's lock held and may come from any goroutine.
type Callback interface {
	// NotifyLost reports that a failed neighbor would cost provisioning.
	NotifyLost(addr netip.Addr, logMsg string)
	// NotifyReachable reports that a watched neighbor is reachable again.
	NotifyReachable(addr netip.Addr)
}

// NeighborEvent is one kernel neighbor table update.
type NeighborEvent struct {
	Time  time.Time
	Addr  netip.Addr
	State int
	MAC   net.HardwareAddr
}

func (e NeighborEvent) String() string {
	return fmt.Sprintf("NeighborEvent{elapsedMs=%d, %s, [%s], %s}",
		e.Time.UnixMilli(), e.Addr, e.MAC, StateName(e.State))
}

// StateName returns the kernel name of a NUD state.
func StateName(state int) string {
	switch state {
	case network.NUDNone:
		return "NUD_NONE"
	case network.NUDIncomplete:
		return "NUD_INCOMPLETE"
	case network.NUDReachable:
		return "NUD_REACHABLE"
	case network.NUDStale:
		return "NUD_STALE"
	case network.NUDDelay:
		return "NUD_DELAY"
	case network.NUDProbe:
		return "NUD_PROBE"
	case network.NUDFailed:
		return "NUD_FAILED"
	case network.NUDNoARP:
		return "NUD_NOARP"
	case network.NUDPermanent:
		return "NUD_PERMANENT"
	default:
		return "unknown NUD state: " + strconv.Itoa(state)
	}
}

// ProbeParams is a neighbor probe configuration.
type ProbeParams struct {
	Solicits int
	Interval time.Duration
}

func (p ProbeParams) clamp() ProbeParams {
	return ProbeParams{
		Solicits: min(max(p.Solicits, MinNUDSolicits), MaxNUDSolicits),
		Interval: min(max(p.Interval, MinNUDInterval), MaxNUDInterval),
	}
}

// Config configures a Monitor.
type Config struct {
	SteadyState ProbeParams
	PostRoam    ProbeParams

	// UsingMultinetworkPolicyTracker and AvoidBadWifi decide whether a
	// failed IPv6 DNS server counts as lost.
	UsingMultinetworkPolicyTracker bool
	AvoidBadWifi                   func() bool
}

// Deps are the monitor's collaborators. Nil fields select defaults.
type Deps struct {
	Netlinker network.Netlinker
	Sys       network.SystemController
	Clock     clock.Clock
	Metrics   *metrics.Registry
	Logger    *logging.Logger
}

// Monitor tracks the NUD state of watched neighbors on one interface.
type Monitor struct {
	iface  string
	index  int
	cfg    Config
	cb     Callback
	nl     network.Netlinker
	sys    network.SystemController
	clock  clock.Clock
	reg    *metrics.Registry
	logger *logging.Logger
	wake   *network.WakeLock

	mu        sync.Mutex
	lp        linkprops.LinkProperties
	watch     map[netip.Addr]*NeighborEvent
	params    ProbeParams
	lastProbe time.Time
	cancel    context.CancelFunc
}

// New creates a monitor for the interface and applies the steady-state
// probe parameters.
func New(params *network.InterfaceParams, cb Callback, cfg Config, deps Deps) (*Monitor, error) {
	if params == nil {
		return nil, fmt.Errorf("reachability monitor: %w", network.ErrInterfaceNotFound)
	}
	if cb == nil {
		return nil, fmt.Errorf("reachability monitor: nil callback")
	}
	if cfg.SteadyState == (ProbeParams{}) {
		cfg.SteadyState = ProbeParams{DefaultSteadyStateSolicits, DefaultSteadyStateInterval}
	}
	if cfg.PostRoam == (ProbeParams{}) {
		cfg.PostRoam = ProbeParams{DefaultPostRoamSolicits, DefaultPostRoamInterval}
	}
	cfg.SteadyState = cfg.SteadyState.clamp()
	cfg.PostRoam = cfg.PostRoam.clamp()

	if deps.Netlinker == nil {
		deps.Netlinker = network.DefaultNetlinker
	}
	if deps.Sys == nil {
		deps.Sys = network.DefaultSystemController
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Get()
	}
	if deps.Logger == nil {
		deps.Logger = logging.WithComponent("reachability")
	}

	m := &Monitor{
		iface:  params.Name,
		index:  params.Index,
		cfg:    cfg,
		cb:     cb,
		nl:     deps.Netlinker,
		sys:    deps.Sys,
		clock:  clock.Or(deps.Clock),
		reg:    deps.Metrics,
		logger: deps.Logger.WithInterface(params.Name),
		wake:   network.NewWakeLock(deps.Sys, "ipclient.reachability."+params.Name),
		lp:     linkprops.New(params.Name),
		watch:  make(map[netip.Addr]*NeighborEvent),
	}
	m.mu.Lock()
	m.setParamsLocked(cfg.SteadyState)
	m.mu.Unlock()
	return m, nil
}

func (m *Monitor) setParamsLocked(p ProbeParams) {
	if p == m.params {
		return
	}
	for _, family := range []int{network.FamilyV4, network.FamilyV6} {
		if err := m.sys.WriteSysctl(network.NeighParamPath(family, m.iface, "retrans_time_ms"),
			strconv.FormatInt(p.Interval.Milliseconds(), 10)); err != nil {
			m.logger.Warn("failed to set neighbor retransmit time", "error", err)
		}
		if err := m.sys.WriteSysctl(network.NeighParamPath(family, m.iface, "ucast_solicit"),
			strconv.Itoa(p.Solicits)); err != nil {
			m.logger.Warn("failed to set neighbor solicit count", "error", err)
		}
	}
	m.params = p
}

// Params returns the probe parameters currently pushed to the kernel.
func (m *Monitor) Params() ProbeParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

func (m *Monitor) wakeLockDurationLocked() time.Duration {
	return time.Duration(m.params.Solicits)*m.params.Interval + wakeLockGrace
}

func (m *Monitor) avoidingBadLinks() bool {
	if !m.cfg.UsingMultinetworkPolicyTracker {
		return true
	}
	return m.cfg.AvoidBadWifi != nil && m.cfg.AvoidBadWifi()
}

// UpdateLinkProperties rebuilds the watch list from lp. State observed for
// neighbors that stay watched is kept.
func (m *Monitor) UpdateLinkProperties(lp linkprops.LinkProperties) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lp.InterfaceName != m.iface {
		m.logger.Warn("ignoring link properties for another interface", "other", lp.InterfaceName)
		return
	}
	m.lp = lp.Clone()

	next := make(map[netip.Addr]*NeighborEvent)
	add := func(a netip.Addr) {
		a = a.Unmap()
		if !isOnLink(m.lp.Routes, a) {
			return
		}
		next[a] = m.watch[a]
	}
	for _, r := range m.lp.Routes {
		if r.HasGateway() {
			add(r.Gateway)
		}
	}
	for _, d := range m.lp.DNSServers {
		add(d)
	}
	m.watch = next
}

// ClearLinkProperties empties the watch list.
func (m *Monitor) ClearLinkProperties() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lp = linkprops.New(m.iface)
	m.watch = make(map[netip.Addr]*NeighborEvent)
}

func isOnLink(routes []linkprops.Route, a netip.Addr) bool {
	return slices.ContainsFunc(routes, func(r linkprops.Route) bool {
		return !r.HasGateway() && r.Type == linkprops.RouteUnicast && r.Matches(a)
	})
}

// IsWatching reports whether addr is on the watch list.
func (m *Monitor) IsWatching(addr netip.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watch[addr.Unmap()]
	return ok
}

// WatchList returns the watched addresses, sorted.
func (m *Monitor) WatchList() []netip.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Collect(maps.Keys(m.watch))
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return out
}

// HandleNeighborEvent processes one neighbor table update. Events for
// unwatched addresses are ignored.
func (m *Monitor) HandleNeighborEvent(ev NeighborEvent) {
	ev.Addr = ev.Addr.Unmap()
	if ev.Time.IsZero() {
		ev.Time = m.clock.Now()
	}

	m.mu.Lock()
	if _, ok := m.watch[ev.Addr]; !ok {
		m.mu.Unlock()
		return
	}
	stored := ev
	m.watch[ev.Addr] = &stored

	var notify func()
	switch ev.State {
	case network.NUDFailed:
		notify = m.handleNeighborLostLocked(ev)
	case network.NUDReachable:
		m.maybeRestoreParamsLocked()
		notify = func() { m.cb.NotifyReachable(ev.Addr) }
	}
	m.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (m *Monitor) maybeRestoreParamsLocked() {
	for _, ev := range m.watch {
		if ev == nil || ev.State != network.NUDReachable {
			return
		}
	}
	m.setParamsLocked(m.cfg.SteadyState)
}

// handleNeighborLostLocked builds the configuration that would remain
// without every failed neighbor and returns the loss notification, if any.
func (m *Monitor) handleNeighborLostLocked(ev NeighborEvent) func() {
	whatIf := m.lp.Clone()
	avoidBad := m.avoidingBadLinks()
	for addr, nev := range m.watch {
		if nev == nil || nev.State != network.NUDFailed {
			continue
		}
		for _, r := range m.lp.Routes {
			if r.Gateway == addr {
				whatIf.RemoveRoute(r)
			}
		}
		if avoidBad || !addr.Is6() {
			whatIf.RemoveDNSServer(addr)
		}
	}

	lost := (m.lp.IsIPv4Provisioned() && !whatIf.IsIPv4Provisioned()) ||
		(m.lp.IsIPv6Provisioned() && !whatIf.IsIPv6Provisioned())
	fromProbe := m.clock.Since(m.lastProbe) < m.wakeLockDurationLocked()
	m.reg.RecordNUDFailure(m.iface, fromProbe, lost)

	if !lost {
		m.logger.Info("neighbor failed without losing provisioning", "neighbor", ev.Addr)
		return nil
	}
	msg := "FAILURE: LOST_PROVISIONING, " + ev.String()
	m.logger.Warn(msg)
	return func() { m.cb.NotifyLost(ev.Addr, msg) }
}

// ProbeAll switches to the post-roam probe parameters and asks the kernel to
// re-probe every watched neighbor.
func (m *Monitor) ProbeAll() {
	m.mu.Lock()
	m.setParamsLocked(m.cfg.PostRoam)
	addrs := slices.Collect(maps.Keys(m.watch))
	d := m.wakeLockDurationLocked()
	m.lastProbe = m.clock.Now()
	m.mu.Unlock()

	if len(addrs) > 0 {
		if err := m.wake.Acquire(d); err != nil {
			m.logger.Warn("failed to hold wake lock for probes", "error", err)
		}
	}
	for _, a := range addrs {
		family := network.FamilyV4
		if a.Is6() {
			family = network.FamilyV6
		}
		err := m.nl.NeighSet(&netlink.Neigh{
			LinkIndex: m.index,
			Family:    family,
			State:     network.NUDProbe,
			IP:        net.IP(a.AsSlice()),
		})
		if err != nil {
			m.logger.Warn("neighbor probe failed", "neighbor", a, "error", err)
		}
		m.reg.RecordNUDProbe(m.iface, a.Is6())
	}
}

// Stop ends neighbor event processing and clears the watch list.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.ClearLinkProperties()
}

// Dump writes the watch list and probe parameters.
func (m *Monitor) Dump(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(w, "iface{%s/%d}, v{%d,%d}, ntable=[\n", m.iface, m.index,
		m.params.Solicits, m.params.Interval.Milliseconds())
	addrs := slices.Collect(maps.Keys(m.watch))
	slices.SortFunc(addrs, func(a, b netip.Addr) int { return a.Compare(b) })
	var sb strings.Builder
	for _, a := range addrs {
		state := "null"
		if ev := m.watch[a]; ev != nil {
			state = StateName(ev.State)
		}
		fmt.Fprintf(&sb, "  %s/%s,\n", a, state)
	}
	io.WriteString(w, sb.String())
	io.WriteString(w, "]\n")
}
