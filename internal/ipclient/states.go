package ipclient

import (
	"bytes"
	"errors"
	"net/netip"
	"slices"
	"time"

	"grimm.is/ipclient/internal/dhcp"
	"grimm.is/ipclient/internal/linkprops"
	"grimm.is/ipclient/internal/metrics"
	"grimm.is/ipclient/internal/network"
	"grimm.is/ipclient/internal/reachability"
)

// Smallest MTU taken from DHCP; anything lower falls back to the default.
const minIPv4MTU = 576

// Stopped

func (e *Engine) enterStopped() {
	e.stopAllIP()
	e.disabledIPv6 = false
	e.resetLinkProperties()

	e.snapMu.Lock()
	started := e.startTime
	e.snapMu.Unlock()
	if !started.IsZero() {
		d := e.clock.Since(started)
		e.metrics.RecordProvisioning(e.iface, metrics.ResultCompleteLifecycle)
		e.metrics.RecordLifecycle(e.iface, d)
		e.cycleLogger.Info("provisioning cycle complete", "duration", d)
		e.callbacks.OnLinkPropertiesChange(e.lp.Clone())
	}
	e.snapMu.Lock()
	e.startTime = time.Time{}
	e.cycleID = ""
	e.snapMu.Unlock()
}

func (e *Engine) handleStopped(m message) result {
	switch m.kind {
	case cmdTerminateAfterStop:
		e.callbacks.OnQuit()
		e.quitting = true
	case cmdStop:
	case cmdStart:
		cfg := m.obj.(*ProvisioningConfiguration)
		e.snapMu.Lock()
		e.config = cfg
		e.disconnectCode = ""
		if cfg.Layer2Info != nil {
			e.l2Key = cfg.Layer2Info.L2Key
			e.cluster = cfg.Layer2Info.Cluster
		}
		e.snapMu.Unlock()
		e.currentBSSID = nil
		if cfg.Layer2Info != nil {
			e.currentBSSID = bytes.Clone(cfg.Layer2Info.BSSID)
		}
		e.transitionTo(stateClearing)
	case evNetlinkUpdate:
		e.handleLinkPropertiesUpdate(false)
	case cmdSetTCPBufferSizes:
		e.tcpBufferSizes = m.obj.(string)
		e.handleLinkPropertiesUpdate(false)
	case cmdSetHTTPProxy:
		e.httpProxy, _ = m.obj.(*linkprops.ProxyInfo)
		e.handleLinkPropertiesUpdate(false)
	case cmdUpdateL2Information:
		info := m.obj.(*Layer2Info)
		e.setL2(info.L2Key, info.Cluster)
	case cmdSetMulticastFilter:
		e.multicast = m.flag
	case evDHCP:
		if ev, ok := m.obj.(dhcp.Event); ok && ev.Kind == dhcp.EventQuit {
			e.logger.Warn("unexpected DHCP client quit while stopped")
		}
	case evParamsResolved, evAddressesCleared, evProvisioningTimeout, evDHCPActionTimeout,
		evReachabilityLost, evNeighborReachable, cmdJumpToStopping, cmdJumpStoppingToStopped:
		// Left over from a previous cycle.
	default:
		return notHandled
	}
	return handled
}

// Started: the parent of ClearingIpAddresses, Preconnecting and Running.

func (e *Engine) enterStarted() {
	e.newCycle()
	e.cycleLogger.Info("starting provisioning", "config", e.config.String())
	if t := e.config.ProvisioningTimeout; t > 0 {
		e.provTimeout = e.schedule(t, evProvisioningTimeout)
	}
}

func (e *Engine) exitStarted() {
	cancelAlarm(&e.provTimeout)
}

func (e *Engine) handleStarted(m message) result {
	switch m.kind {
	case cmdStop, cmdJumpToStopping:
		code, _ := m.obj.(DisconnectCode)
		if code == "" {
			code = DisconnectNormal
		}
		e.transitionToStopping(code)
	case cmdUpdateL2Information:
		e.handleUpdateL2Information(m.obj.(*Layer2Info))
	case evProvisioningTimeout:
		if !e.provTimeout.current(m) {
			return handled
		}
		e.provTimeout = nil
		e.cycleLogger.Warn("provisioning timed out")
		e.metrics.RecordProvisioning(e.iface, metrics.ResultErrorProvisioningTimeout)
		e.handleProvisioningFailure(DisconnectProvisioningTimeout)
	default:
		return notHandled
	}
	return handled
}

// ClearingIpAddresses

func (e *Engine) enterClearing() {
	e.paramsReady = false
	e.resolveGen++
	gen := e.resolveGen
	nl, drivers, iface := e.nl, e.drivers, e.iface
	go func() {
		p, err := network.ResolveInterfaceParams(nl, drivers, iface)
		e.post(message{kind: evParamsResolved, gen: gen, obj: resolvedParams{params: p, err: err}})
	}()
}

func (e *Engine) handleClearing(m message) result {
	switch m.kind {
	case evParamsResolved:
		if m.gen != e.resolveGen {
			return handled
		}
		r := m.obj.(resolvedParams)
		if r.err != nil {
			e.interfaceNotFound(r.err)
			return handled
		}
		e.snapMu.Lock()
		e.params = r.params
		e.snapMu.Unlock()
		e.startObserver()
		if !e.observerStarted {
			e.interfaceNotFound(errors.New("link observer could not subscribe"))
			return handled
		}
		e.paramsReady = true
		if e.addressesCleared() {
			e.post(message{kind: evAddressesCleared})
		} else {
			e.stopAllIP()
		}
		e.callbacks.SetNeighborDiscoveryOffload(true)
	case evAddressesCleared:
		e.proceedFromClearing()
	case evNetlinkUpdate:
		e.handleLinkPropertiesUpdate(false)
		if e.paramsReady && e.addressesCleared() {
			e.proceedFromClearing()
		}
	case cmdStop, cmdJumpToStopping, evProvisioningTimeout:
		return notHandled
	default:
		return deferred
	}
	return handled
}

func (e *Engine) interfaceNotFound(err error) {
	e.cycleLogger.Error("failed to find interface", "error", err)
	e.doImmediateProvisioningFailure(metrics.ResultErrorInterfaceNotFound)
	e.post(message{kind: cmdStop, obj: DisconnectInterfaceNotFound})
}

func (e *Engine) addressesCleared() bool {
	return !e.lp.HasIPv4Address() && !e.lp.HasGlobalIPv6Address()
}

func (e *Engine) proceedFromClearing() {
	if e.config.usingPreconnection() {
		e.transitionTo(statePreconnecting)
	} else {
		e.transitionTo(stateRunning)
	}
}

// Preconnecting

func (e *Engine) enterPreconnecting() {
	if !e.startDHCPClient(true) {
		e.doImmediateProvisioningFailure(metrics.ResultErrorStartingIPv4)
		e.post(message{kind: cmdJumpToStopping, obj: DisconnectErrorStartingIPv4})
	}
}

func (e *Engine) handlePreconnecting(m message) result {
	switch m.kind {
	case cmdCompletePreconnection:
		if e.dhcpClient != nil {
			e.dhcpClient.PreconnectionComplete(m.flag)
		}
		e.transitionTo(stateRunning)
	case evDHCP:
		ev, ok := e.dhcpEvent(m)
		if !ok {
			return handled
		}
		if ev.Kind != dhcp.EventStartPreconnection {
			return deferred
		}
		e.callbacks.OnPreconnectionStart([][]byte{ev.Packet})
	case cmdStop, cmdJumpToStopping, evProvisioningTimeout:
		return notHandled
	default:
		return deferred
	}
	return handled
}

// Running

func (e *Engine) enterRunning() {
	cfg := e.config
	e.startPacketFilter(cfg)
	e.startTracker(cfg)

	if cfg.EnableIPv6 && !e.startIPv6(cfg) {
		e.doImmediateProvisioningFailure(metrics.ResultErrorStartingIPv6)
		e.post(message{kind: cmdJumpToStopping, obj: DisconnectErrorStartingIPv6})
		return
	}
	if cfg.EnableIPv4 && !cfg.usingPreconnection() && !e.startIPv4(cfg) {
		e.doImmediateProvisioningFailure(metrics.ResultErrorStartingIPv4)
		e.post(message{kind: cmdJumpToStopping, obj: DisconnectErrorStartingIPv4})
		return
	}
	if ic := cfg.InitialConfig; ic != nil && !e.applyInitialConfig(ic) {
		e.doImmediateProvisioningFailure(metrics.ResultErrorInvalidProvisioning)
		e.post(message{kind: cmdJumpToStopping, obj: DisconnectInvalidProvisioning})
		return
	}
	if cfg.UsingReachabilityMonitor && !e.startReachabilityMonitor(cfg) {
		e.doImmediateProvisioningFailure(metrics.ResultErrorStartingReachability)
		e.post(message{kind: cmdJumpToStopping, obj: DisconnectErrorStartingReachability})
	}
}

// exitPreconnecting quits a DHCP client that never reached Running.
func (e *Engine) exitPreconnecting(to state) {
	if to != stateRunning {
		e.quitDHCPClient()
	}
}

func (e *Engine) exitRunning() {
	e.stopDHCPAction()
	e.snapMu.Lock()
	mon, filter := e.monitor, e.filter
	e.monitor, e.filter = nil, nil
	e.snapMu.Unlock()
	if mon != nil {
		mon.Stop()
	}
	e.quitDHCPClient()
	if e.tracker != nil {
		e.tracker.Stop()
		e.tracker = nil
	}
	if filter != nil {
		filter.Shutdown()
	}
	e.resetLinkProperties()
}

func (e *Engine) handleRunning(m message) result {
	switch m.kind {
	case cmdStart:
		e.cycleLogger.Error("ALERT: START received in Running")
	case cmdConfirm:
		if e.monitor != nil {
			e.monitor.ProbeAll()
		}
	case cmdPreDHCPActionComplete:
		if e.dhcpClient != nil {
			e.dhcpClient.PreDHCPActionCompleted()
		}
	case evNetlinkUpdate:
		if !e.handleLinkPropertiesUpdate(true) {
			code := DisconnectProvisioningFail
			if !m.flag {
				code = DisconnectNormal
			}
			e.transitionToStopping(code)
		}
	case cmdSetTCPBufferSizes:
		e.tcpBufferSizes = m.obj.(string)
		e.handleLinkPropertiesUpdate(true)
	case cmdSetHTTPProxy:
		e.httpProxy, _ = m.obj.(*linkprops.ProxyInfo)
		e.handleLinkPropertiesUpdate(true)
	case cmdSetMulticastFilter:
		e.multicast = m.flag
		if e.filter != nil {
			e.filter.SetMulticastFilter(m.flag)
		} else {
			e.callbacks.SetFallbackMulticastFilter(m.flag)
		}
	case cmdReadPacketFilterComplete:
		if e.filter != nil {
			data, _ := m.obj.([]byte)
			e.filter.SetDataSnapshot(data)
		}
		e.signalAPFWaiters()
	case cmdAddKeepalive:
		if e.filter != nil {
			if err := e.filter.AddKeepalivePacketFilter(m.arg1, m.obj.(KeepalivePacket)); err != nil {
				e.cycleLogger.Warn("failed to add keepalive filter", "slot", m.arg1, "error", err)
			}
		}
	case cmdRemoveKeepalive:
		if e.filter != nil {
			e.filter.RemoveKeepalivePacketFilter(m.arg1)
		}
	case evDHCPActionTimeout:
		if e.dhcpActionAlarm.current(m) {
			e.dhcpActionAlarm = nil
			e.stopDHCPAction()
		}
	case evDHCP:
		e.handleDHCPEvent(m)
	case evReachabilityLost:
		ln := m.obj.(lostNeighbor)
		e.callbacks.OnReachabilityLost(ln.msg)
		e.lost[ln.addr] = struct{}{}
		if !e.handleLinkPropertiesUpdate(true) {
			e.transitionToStopping(DisconnectProvisioningFail)
		}
	case evNeighborReachable:
		addr := m.obj.(netip.Addr)
		if _, ok := e.lost[addr]; ok {
			delete(e.lost, addr)
			e.handleLinkPropertiesUpdate(true)
		}
	default:
		return notHandled
	}
	return handled
}

func (e *Engine) handleDHCPEvent(m message) {
	ev, ok := e.dhcpEvent(m)
	if !ok {
		return
	}
	switch ev.Kind {
	case dhcp.EventPreDHCPAction:
		if e.config.PreDHCPActionTimeout > 0 {
			e.ensureDHCPAction()
		} else {
			e.post(message{kind: cmdPreDHCPActionComplete})
		}
	case dhcp.EventConfigureAddress:
		if err := e.ctrl.SetIPv4Address(ev.Address); err != nil {
			e.cycleLogger.Error("failed to set IPv4 address", "address", ev.Address, "error", err)
			e.dispatchCallback(LostProvisioning, e.lp)
			e.transitionToStopping(DisconnectProvisioningFail)
			return
		}
		e.dhcpClient.AddressConfigured(true)
	case dhcp.EventClearAddress:
		e.clearIPv4Address()
	case dhcp.EventSuccess:
		e.stopDHCPAction()
		e.handleIPv4Success(ev.Results)
	case dhcp.EventFailure:
		e.stopDHCPAction()
		e.handleIPv4Failure()
	case dhcp.EventQuit:
		e.cycleLogger.Warn("DHCP client quit while running")
		e.dhcpClient = nil
	}
}

// Stopping

func (e *Engine) transitionToStopping(code DisconnectCode) {
	e.snapMu.Lock()
	e.disconnectCode = code
	e.snapMu.Unlock()
	e.transitionTo(stateStopping)
}

func (e *Engine) enterStopping() {
	e.snapMu.Lock()
	code := e.disconnectCode
	e.snapMu.Unlock()
	e.cycleLogger.Info("stopping provisioning", "reason", string(code))
	if e.dhcpClient == nil {
		e.post(message{kind: cmdJumpStoppingToStopped})
	}
	e.maybeRestoreInterfaceMTU()
}

func (e *Engine) handleStopping(m message) result {
	switch m.kind {
	case cmdJumpStoppingToStopped:
		e.transitionTo(stateStopped)
	case cmdStop:
	case evDHCP:
		ev, ok := e.dhcpEvent(m)
		if !ok {
			return handled
		}
		switch ev.Kind {
		case dhcp.EventClearAddress:
			e.clearIPv4Address()
		case dhcp.EventQuit:
			e.dhcpClient = nil
			e.transitionTo(stateStopped)
		}
		// Results from a client that is going away are dropped.
	case evParamsResolved, evAddressesCleared, evProvisioningTimeout, evDHCPActionTimeout,
		evReachabilityLost, evNeighborReachable, cmdJumpToStopping:
	default:
		return deferred
	}
	return handled
}

func (e *Engine) maybeRestoreInterfaceMTU() {
	if e.params == nil {
		return
	}
	defer func() { e.appliedMTU = 0 }()
	mtu, err := network.CurrentMTU(e.nl, e.params.Index)
	if err != nil {
		// Gone, or recreated under a new index; either way not ours.
		e.cycleLogger.Debug("not restoring MTU", "error", err)
		return
	}
	if mtu == e.params.DefaultMTU {
		return
	}
	e.cycleLogger.Info("restoring MTU", "from", mtu, "to", e.params.DefaultMTU)
	if err := e.ctrl.SetMTU(e.params.DefaultMTU); err != nil {
		e.cycleLogger.Warn("failed to restore MTU", "error", err)
	}
}

// Shared actions

func (e *Engine) stopAllIP() {
	// Disabling IPv6 first removes its addresses and stops SLAAC from
	// adding them back while the rest are cleared.
	if err := e.ctrl.DisableIPv6(); err != nil {
		e.logger.Warn("failed to disable IPv6", "error", err)
	}
	if err := e.ctrl.ClearAllAddresses(); err != nil {
		e.logger.Warn("failed to clear addresses", "error", err)
	}
}

func (e *Engine) clearIPv4Address() {
	if err := e.ctrl.ClearIPv4Address(); err != nil {
		e.cycleLogger.Warn("failed to clear IPv4 address", "error", err)
	}
}

func (e *Engine) resetLinkProperties() {
	e.observer.ClearLinkProperties()
	e.tcpBufferSizes = ""
	e.httpProxy = nil
	clear(e.lost)
	e.snapMu.Lock()
	e.config = nil
	e.dhcpResults = nil
	e.lp = linkprops.New(e.iface)
	e.snapMu.Unlock()
}

func (e *Engine) setL2(key, cluster string) {
	e.snapMu.Lock()
	e.l2Key, e.cluster = key, cluster
	e.snapMu.Unlock()
}

func (e *Engine) setDHCPResults(r *dhcp.Results) {
	e.snapMu.Lock()
	e.dhcpResults = r
	e.snapMu.Unlock()
}

func (e *Engine) startPacketFilter(cfg *ProvisioningConfiguration) {
	var filter PacketFilter
	if e.opts.PacketFilters != nil && cfg.APF != nil {
		f, err := e.opts.PacketFilters(FilterConfig{
			Capabilities:    *cfg.APF,
			MulticastFilter: e.multicast,
		}, e.params, e.callbacks)
		if err != nil {
			e.cycleLogger.Warn("failed to create packet filter", "error", err)
		} else {
			filter = f
		}
	}
	e.snapMu.Lock()
	e.filter = filter
	e.snapMu.Unlock()
	if filter == nil {
		e.callbacks.SetFallbackMulticastFilter(e.multicast)
	}
}

func (e *Engine) startTracker(cfg *ProvisioningConfiguration) {
	t, err := e.opts.Trackers(e.params)
	if err != nil {
		e.cycleLogger.Warn("failed to create packet tracker", "error", err)
		return
	}
	if err := t.Start(cfg.DisplayName); err != nil {
		return
	}
	e.tracker = t
}

func (e *Engine) startIPv6(cfg *ProvisioningConfiguration) bool {
	if err := e.ctrl.SetIPv6PrivacyExtensions(true); err != nil {
		e.cycleLogger.Error("failed to enable IPv6 privacy extensions", "error", err)
		return false
	}
	if err := e.ctrl.SetIPv6AddrGenMode(cfg.IPv6AddrGenMode); err != nil {
		e.cycleLogger.Error("failed to set IPv6 address generation mode", "error", err)
		return false
	}
	if err := e.ctrl.EnableIPv6(); err != nil {
		e.cycleLogger.Error("failed to enable IPv6", "error", err)
		return false
	}
	return true
}

func (e *Engine) startIPv4(cfg *ProvisioningConfiguration) bool {
	if s := cfg.StaticIPConfig; s != nil {
		if err := e.ctrl.SetIPv4Address(s.Address); err != nil {
			e.cycleLogger.Error("failed to set static IPv4 address", "address", s.Address, "error", err)
			return false
		}
		r := &dhcp.Results{StaticIPConfig: *s}
		r.DNSServers = slices.Clone(s.DNSServers)
		e.handleIPv4Success(r)
		return true
	}
	return e.startDHCPClient(false)
}

func (e *Engine) startDHCPClient(preconnection bool) bool {
	e.dhcpGen++
	gen := e.dhcpGen
	client, err := e.opts.DHCP(e.params, func(ev dhcp.Event) {
		e.post(message{kind: evDHCP, gen: gen, obj: ev})
	})
	if err != nil {
		e.cycleLogger.Error("failed to create DHCP client", "error", err)
		return false
	}
	e.dhcpClient = client
	client.Start(dhcp.StartOptions{
		PreDHCPAction: !preconnection,
		Preconnection: preconnection,
		L2Key:         e.l2Key,
	})
	return true
}

// quitDHCPClient asks the client to release its address and exit. The
// client stays set until its quit event arrives.
func (e *Engine) quitDHCPClient() {
	if e.dhcpClient != nil {
		e.dhcpClient.Stop()
		e.dhcpClient.Quit()
	}
}

// dhcpEvent unpacks an event from the current DHCP client.
func (e *Engine) dhcpEvent(m message) (dhcp.Event, bool) {
	ev, ok := m.obj.(dhcp.Event)
	if !ok || e.dhcpClient == nil || m.gen != e.dhcpGen {
		return dhcp.Event{}, false
	}
	return ev, true
}

func (e *Engine) applyInitialConfig(ic *linkprops.InitialConfiguration) bool {
	for _, a := range ic.Addresses {
		if !a.IsIPv6() {
			continue
		}
		if err := e.ctrl.AddAddress(a); err != nil {
			e.cycleLogger.Error("failed to add initial address", "address", a, "error", err)
			return false
		}
	}
	return true
}

func (e *Engine) startReachabilityMonitor(cfg *ProvisioningConfiguration) bool {
	mon, err := reachability.New(e.params, reachabilityCallback{e}, reachability.Config{
		SteadyState:                    e.opts.SteadyState,
		PostRoam:                       e.opts.PostRoam,
		UsingMultinetworkPolicyTracker: cfg.UsingMultinetworkPolicyTracker,
		AvoidBadWifi:                   e.opts.AvoidBadWifi,
	}, reachability.Deps{
		Netlinker: e.nl,
		Sys:       e.sys,
		Clock:     e.clock,
		Metrics:   e.metrics,
		Logger:    e.opts.Logger.WithComponent("reachability"),
	})
	if err != nil {
		e.cycleLogger.Error("failed to create reachability monitor", "error", err)
		return false
	}
	if err := e.opts.StartMonitor(e.ctx, mon); err != nil {
		e.cycleLogger.Error("failed to start reachability monitor", "error", err)
		mon.Stop()
		return false
	}
	mon.UpdateLinkProperties(e.lp)
	e.snapMu.Lock()
	e.monitor = mon
	e.snapMu.Unlock()
	return true
}

func (e *Engine) ensureDHCPAction() {
	if e.dhcpActionBusy {
		return
	}
	e.callbacks.OnPreDHCPAction()
	e.dhcpActionBusy = true
	e.dhcpActionAlarm = e.schedule(e.config.PreDHCPActionTimeout, evDHCPActionTimeout)
}

func (e *Engine) stopDHCPAction() {
	cancelAlarm(&e.dhcpActionAlarm)
	if e.dhcpActionBusy {
		e.callbacks.OnPostDHCPAction()
		e.dhcpActionBusy = false
	}
}

func (e *Engine) handleUpdateL2Information(info *Layer2Info) {
	e.setL2(info.L2Key, info.Cluster)
	if info.BSSID == nil || e.currentBSSID == nil {
		e.cycleLogger.Warn("layer 2 update without a known BSSID")
		return
	}
	if bytes.Equal(info.BSSID, e.currentBSSID) {
		return
	}
	e.cycleLogger.Info("roamed", "from", e.currentBSSID.String(), "to", info.BSSID.String())
	if e.monitor != nil {
		e.monitor.ProbeAll()
	}
	if e.config != nil && e.dhcpClient != nil &&
		slices.Contains(dhcpRoamingSSIDs, removeDoubleQuotes(e.config.DisplayName)) {
		e.dhcpClient.RefreshLease()
	}
	e.currentBSSID = bytes.Clone(info.BSSID)
}

func (e *Engine) signalAPFWaiters() {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	for _, ch := range e.apfWaiters {
		close(ch)
	}
	e.apfWaiters = nil
}

// reachabilityCallback posts monitor notifications to the engine queue.
type reachabilityCallback struct{ e *Engine }

func (c reachabilityCallback) NotifyLost(addr netip.Addr, msg string) {
	c.e.post(message{kind: evReachabilityLost, obj: lostNeighbor{addr: addr, msg: msg}})
}

func (c reachabilityCallback) NotifyReachable(addr netip.Addr) {
	c.e.post(message{kind: evNeighborReachable, obj: addr})
}
