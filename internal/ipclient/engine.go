// Package ipclient provisions IP configuration on one network interface.
//
// An Engine is a state machine driven by a single command queue. External
// commands, DHCP client events, link observer updates and reachability
// notifications are all posted to that queue and handled one at a time on
// the engine goroutine, so engine state needs no locking. The few fields
// read by Dump and Status from other goroutines are written under snapMu.
package ipclient

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/ipclient/internal/brand"
	"grimm.is/ipclient/internal/clock"
	"grimm.is/ipclient/internal/dhcp"
	"grimm.is/ipclient/internal/linkobserver"
	"grimm.is/ipclient/internal/linkprops"
	"grimm.is/ipclient/internal/logging"
	"grimm.is/ipclient/internal/metrics"
	"grimm.is/ipclient/internal/network"
	"grimm.is/ipclient/internal/packettracker"
	"grimm.is/ipclient/internal/reachability"
)

// AddressController applies configuration to the interface.
// network.InterfaceController implements it.
type AddressController interface {
	SetIPv4Address(addr netip.Prefix) error
	ClearIPv4Address() error
	ClearAllAddresses() error
	AddAddress(la linkprops.LinkAddress) error
	EnableIPv6() error
	DisableIPv6() error
	SetIPv6PrivacyExtensions(enable bool) error
	SetIPv6AddrGenMode(mode int) error
	SetMTU(mtu int) error
}

// Tracker is the connectivity packet logger started while running.
type Tracker interface {
	Start(displayName string) error
	Stop()
}

// TrackerFactory creates a Tracker for the interface.
type TrackerFactory func(params *network.InterfaceParams) (Tracker, error)

// Options configures an Engine. Zero values select the kernel-backed
// defaults.
type Options struct {
	Netlinker  network.Netlinker
	Sys        network.SystemController
	Drivers    network.DriverLookup
	Controller AddressController
	Clock      clock.Clock
	Metrics    *metrics.Registry
	Logger     *logging.Logger
	StateLog   *logging.LocalLog
	PacketLog  *logging.LocalLog

	DHCP          dhcp.Factory
	PacketFilters PacketFilterFactory
	Trackers      TrackerFactory

	Observer     linkobserver.Config
	SteadyState  reachability.ProbeParams
	PostRoam     reachability.ProbeParams
	AvoidBadWifi func() bool

	// ApplyMTU sets the interface MTU from DHCP. The original MTU is
	// restored when the cycle stops.
	ApplyMTU bool

	// StartObserver and StartMonitor attach the observer and monitor to
	// their kernel event sources.
	StartObserver func(ctx context.Context, o *linkobserver.Observer) error
	StartMonitor  func(ctx context.Context, m *reachability.Monitor) error
}

// How long Dump waits for a fresh packet filter snapshot.
const readPacketFilterTimeout = time.Second

// alarm is a cancellable timer. Firings carry the generation they were
// scheduled with, so one that races with cancellation is ignored.
type alarm struct {
	timer clock.Timer
	gen   uint64
}

// Status is a point-in-time view of an engine.
type Status struct {
	Interface      string                     `json:"interface"`
	Index          int                        `json:"index"`
	State          string                     `json:"state"`
	CycleID        string                     `json:"cycle_id,omitempty"`
	StartedAt      time.Time                  `json:"started_at,omitzero"`
	DisconnectCode DisconnectCode             `json:"disconnect_code,omitempty"`
	L2Key          string                     `json:"l2_key,omitempty"`
	Cluster        string                     `json:"cluster,omitempty"`
	Config         *ProvisioningConfiguration `json:"config,omitempty"`
	LinkProperties linkprops.LinkProperties   `json:"link_properties"`
	DHCPResults    *dhcp.Results              `json:"dhcp_results,omitempty"`
	WatchList      []netip.Addr               `json:"watch_list,omitempty"`
}

// Engine provisions one interface.
type Engine struct {
	iface     string
	tag       string
	nl        network.Netlinker
	sys       network.SystemController
	drivers   network.DriverLookup
	ctrl      AddressController
	clock     clock.Clock
	metrics   *metrics.Registry
	logger    *logging.Logger
	log       *logging.LocalLog
	packetLog *logging.LocalLog
	callbacks Callbacks
	opts      Options

	observer *linkobserver.Observer
	ctx      context.Context
	cancel   context.CancelFunc

	mu    sync.Mutex
	queue []message
	wake  chan struct{}
	done  chan struct{}

	// Owned by the engine goroutine.
	deferred        []message
	dest            state
	hasDest         bool
	quitting        bool
	observerStarted bool
	timerGen        uint64
	resolveGen      uint64
	paramsReady     bool
	provTimeout     *alarm
	dhcpActionAlarm *alarm
	dhcpActionBusy  bool
	dhcpClient      dhcp.Client
	dhcpGen         uint64
	tracker         Tracker
	multicast       bool
	tcpBufferSizes  string
	httpProxy       *linkprops.ProxyInfo
	lost            map[netip.Addr]struct{}
	currentBSSID    net.HardwareAddr
	disabledIPv6    bool
	appliedMTU      int
	cycleLogger     *logging.Logger

	// Written by the engine goroutine under snapMu, read anywhere.
	snapMu         sync.Mutex
	state          state
	params         *network.InterfaceParams
	config         *ProvisioningConfiguration
	lp             linkprops.LinkProperties
	dhcpResults    *dhcp.Results
	filter         PacketFilter
	monitor        *reachability.Monitor
	cycleID        string
	startTime      time.Time
	disconnectCode DisconnectCode
	l2Key          string
	cluster        string
	apfWaiters     []chan struct{}
}

// New creates an engine for iface and starts its command loop in the
// Stopped state. Entering Stopped clears any addresses on the interface.
func New(iface string, cb Callbacks, opts Options) *Engine {
	if opts.Netlinker == nil {
		opts.Netlinker = network.DefaultNetlinker
	}
	if opts.Sys == nil {
		opts.Sys = network.DefaultSystemController
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Get()
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("ipclient")
	}
	if opts.StateLog == nil {
		opts.StateLog = logging.StateLog(iface)
	}
	if opts.PacketLog == nil {
		opts.PacketLog = logging.PacketLog(iface)
	}
	if opts.AvoidBadWifi == nil {
		opts.AvoidBadWifi = func() bool { return true }
	}
	if opts.StartObserver == nil {
		opts.StartObserver = (*linkobserver.Observer).Start
	}
	if opts.StartMonitor == nil {
		opts.StartMonitor = (*reachability.Monitor).Start
	}
	c := clock.Or(opts.Clock)
	logger := opts.Logger.WithInterface(iface)
	if opts.Controller == nil {
		opts.Controller = network.NewInterfaceController(iface, opts.Netlinker, opts.Sys, logger)
	}
	if opts.DHCP == nil {
		opts.DHCP = dhcp.NewFactory(dhcp.Options{
			Store:   dhcp.NewLeaseStore(brand.GetStateDir()),
			Clock:   c,
			Metrics: opts.Metrics,
		})
	}
	if opts.Trackers == nil {
		opts.Trackers = func(params *network.InterfaceParams) (Tracker, error) {
			return packettracker.New(params, packettracker.Options{
				Clock:   c,
				Log:     opts.PacketLog,
				Metrics: opts.Metrics,
			})
		}
	}

	e := &Engine{
		iface:     iface,
		tag:       "ipclient." + iface,
		nl:        opts.Netlinker,
		sys:       opts.Sys,
		drivers:   opts.Drivers,
		ctrl:      opts.Controller,
		clock:     c,
		metrics:   opts.Metrics,
		logger:    logger,
		log:       opts.StateLog,
		packetLog: opts.PacketLog,
		opts:      opts,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		lost:      make(map[netip.Addr]struct{}),
		lp:        linkprops.New(iface),
		state:     stateStopped,
	}
	e.cycleLogger = logger
	e.callbacks = withLogging(cb, e.log, logger)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.observer = linkobserver.New(iface, opts.Observer, c, opts.Logger.WithComponent("linkobserver"), func(up bool) {
		e.post(message{kind: evNetlinkUpdate, flag: up})
	})

	e.enterStopped()
	e.metrics.SetEngineState(iface, "", stateStopped.String())
	e.startObserver()
	go e.run()
	return e
}

// Interface returns the interface name.
func (e *Engine) Interface() string { return e.iface }

// Observer returns the link observer feeding the engine.
func (e *Engine) Observer() *linkobserver.Observer { return e.observer }

// Done is closed when the command loop has exited after Shutdown.
func (e *Engine) Done() <-chan struct{} { return e.done }

// StartProvisioning begins a provisioning cycle. An invalid configuration
// fails immediately with onProvisioningFailure and ErrInvalidConfig, and
// the engine stays where it is.
func (e *Engine) StartProvisioning(cfg ProvisioningConfiguration) error {
	if err := cfg.Validate(); err != nil {
		e.logger.Error("invalid provisioning configuration", "error", err)
		e.metrics.RecordProvisioning(e.iface, metrics.ResultErrorInvalidProvisioning)
		e.callbacks.OnProvisioningFailure(e.currentLinkProperties())
		return err
	}
	e.post(message{kind: cmdStart, obj: cfg.Clone()})
	return nil
}

// Stop ends the current cycle.
func (e *Engine) Stop(code DisconnectCode) {
	e.post(message{kind: cmdStop, obj: code})
}

// Shutdown stops the engine and ends its command loop.
func (e *Engine) Shutdown() {
	e.Stop(DisconnectNormal)
	e.post(message{kind: cmdTerminateAfterStop})
}

// ConfirmConfiguration re-probes the watched neighbors.
func (e *Engine) ConfirmConfiguration() { e.post(message{kind: cmdConfirm}) }

// CompletedPreDHCPAction releases a DHCP client waiting on onPreDhcpAction.
func (e *Engine) CompletedPreDHCPAction() { e.post(message{kind: cmdPreDHCPActionComplete}) }

// ReadPacketFilterComplete delivers data read back from the packet filter.
func (e *Engine) ReadPacketFilterComplete(data []byte) {
	e.post(message{kind: cmdReadPacketFilterComplete, obj: data})
}

// SetTCPBufferSizes overrides the TCP buffer size profile.
func (e *Engine) SetTCPBufferSizes(profile string) {
	e.post(message{kind: cmdSetTCPBufferSizes, obj: profile})
}

// SetHTTPProxy overrides the HTTP proxy. nil clears it.
func (e *Engine) SetHTTPProxy(proxy *linkprops.ProxyInfo) {
	if proxy != nil {
		p := *proxy
		proxy = &p
	}
	e.post(message{kind: cmdSetHTTPProxy, obj: proxy})
}

// SetMulticastFilter turns multicast filtering on or off.
func (e *Engine) SetMulticastFilter(enabled bool) {
	e.post(message{kind: cmdSetMulticastFilter, flag: enabled})
}

// AddKeepalivePacketFilter offloads a keepalive flow into slot.
func (e *Engine) AddKeepalivePacketFilter(slot int, pkt KeepalivePacket) {
	e.post(message{kind: cmdAddKeepalive, arg1: slot, obj: pkt})
}

// RemoveKeepalivePacketFilter removes the keepalive in slot.
func (e *Engine) RemoveKeepalivePacketFilter(slot int) {
	e.post(message{kind: cmdRemoveKeepalive, arg1: slot})
}

// NotifyPreconnectionComplete reports the outcome of preconnection.
func (e *Engine) NotifyPreconnectionComplete(success bool) {
	e.post(message{kind: cmdCompletePreconnection, flag: success})
}

// UpdateLayer2Information reports a new layer 2 identity, typically after
// roaming to another access point.
func (e *Engine) UpdateLayer2Information(info Layer2Info) {
	e.post(message{kind: cmdUpdateL2Information, obj: &info})
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	s := Status{
		Interface:      e.iface,
		State:          e.state.String(),
		CycleID:        e.cycleID,
		StartedAt:      e.startTime,
		DisconnectCode: e.disconnectCode,
		L2Key:          e.l2Key,
		Cluster:        e.cluster,
		Config:         e.config.Clone(),
		LinkProperties: e.lp.Clone(),
		DHCPResults:    e.dhcpResults.Clone(),
	}
	if e.params != nil {
		s.Index = e.params.Index
	}
	if e.monitor != nil {
		s.WatchList = e.monitor.WatchList()
	}
	return s
}

// CycleID returns the ID of the current start cycle, or "" when stopped.
func (e *Engine) CycleID() string {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return e.cycleID
}

func (e *Engine) currentLinkProperties() linkprops.LinkProperties {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return e.lp.Clone()
}

// post enqueues m. It never blocks.
func (e *Engine) post(m message) {
	m.at = e.clock.Now()
	e.mu.Lock()
	e.queue = append(e.queue, m)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) next() message {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			m := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return m
		}
		e.mu.Unlock()
		<-e.wake
	}
}

func (e *Engine) run() {
	defer close(e.done)
	defer e.cancel()
	for !e.quitting {
		e.process(e.next())
	}
	e.logger.Info("engine stopped")
}

func (e *Engine) process(m message) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic handling message", "msg", m.kind.String(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	start := e.clock.Now()
	org := e.state
	e.dispatch(m)
	dest := org
	if e.hasDest {
		dest = e.dest
	}
	if m.kind != evNetlinkUpdate {
		e.log.Add(fmt.Sprintf("org=%s dest=%s what=%s %s [rcvd_in=%dms, proc_in=%dms]",
			org, dest, m.kind, m.describe(e.iface, e.index()),
			start.Sub(m.at).Milliseconds(), e.clock.Since(start).Milliseconds()))
	}
	e.performTransitions()
}

func (e *Engine) index() int {
	if e.params == nil {
		return -1
	}
	return e.params.Index
}

// dispatch offers m to the current state and then to the Started parent.
func (e *Engine) dispatch(m message) {
	var r result
	switch e.state {
	case stateStopped:
		r = e.handleStopped(m)
	case stateClearing:
		r = e.handleClearing(m)
	case statePreconnecting:
		r = e.handlePreconnecting(m)
	case stateRunning:
		r = e.handleRunning(m)
	case stateStopping:
		r = e.handleStopping(m)
	}
	if r == notHandled && e.state.started() {
		r = e.handleStarted(m)
	}
	switch r {
	case deferred:
		e.deferred = append(e.deferred, m)
	case notHandled:
		e.logger.Debug("unhandled message", "state", e.state.String(), "msg", m.kind.String())
	}
}

// transitionTo requests a transition, performed after the current handler
// returns.
func (e *Engine) transitionTo(s state) {
	e.dest = s
	e.hasDest = true
}

// performTransitions runs exits then enters for each requested transition
// and puts deferred messages back at the front of the queue.
func (e *Engine) performTransitions() {
	moved := false
	for e.hasDest {
		from, to := e.state, e.dest
		e.hasDest = false
		if from == to {
			continue
		}
		moved = true
		e.exit(from, to)
		if from.started() && !to.started() {
			e.exitStarted()
		}
		e.setState(to)
		e.metrics.SetEngineState(e.iface, from.String(), to.String())
		if !from.started() && to.started() {
			e.enterStarted()
		}
		e.enter(to)
	}
	if moved && len(e.deferred) > 0 {
		e.mu.Lock()
		e.queue = append(e.deferred, e.queue...)
		e.mu.Unlock()
		e.deferred = nil
	}
}

func (e *Engine) setState(s state) {
	e.snapMu.Lock()
	e.state = s
	e.snapMu.Unlock()
}

func (e *Engine) enter(s state) {
	switch s {
	case stateStopped:
		e.enterStopped()
	case stateClearing:
		e.enterClearing()
	case statePreconnecting:
		e.enterPreconnecting()
	case stateRunning:
		e.enterRunning()
	case stateStopping:
		e.enterStopping()
	}
}

func (e *Engine) exit(from, to state) {
	switch from {
	case statePreconnecting:
		e.exitPreconnecting(to)
	case stateRunning:
		e.exitRunning()
	}
}

// schedule posts kind after d. The returned alarm is cancelled with cancel.
func (e *Engine) schedule(d time.Duration, kind msgKind) *alarm {
	e.timerGen++
	gen := e.timerGen
	a := &alarm{gen: gen}
	a.timer = e.clock.AfterFunc(d, func() {
		e.post(message{kind: kind, gen: gen})
	})
	return a
}

func cancelAlarm(a **alarm) {
	if *a != nil {
		(*a).timer.Stop()
		*a = nil
	}
}

// current reports whether m was posted by a still-pending alarm.
func (a *alarm) current(m message) bool {
	return a != nil && a.gen == m.gen
}

func (e *Engine) startObserver() {
	if e.observerStarted {
		return
	}
	if err := e.opts.StartObserver(e.ctx, e.observer); err != nil {
		e.logger.Warn("link observer not started", "error", err)
		return
	}
	e.observerStarted = true
}

// newCycle tags the logger with a fresh cycle ID.
func (e *Engine) newCycle() {
	id := uuid.NewString()
	e.snapMu.Lock()
	e.cycleID = id
	e.startTime = e.clock.Now()
	e.snapMu.Unlock()
	e.cycleLogger = e.logger.WithFields(map[string]any{"cycle": id})
}
