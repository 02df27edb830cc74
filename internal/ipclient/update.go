package ipclient

import (
	"grimm.is/ipclient/internal/dhcp"
	"grimm.is/ipclient/internal/linkprops"
	"grimm.is/ipclient/internal/metrics"
)

// keepLostIPv6 reports whether IPv6 losses are tolerated because bad links
// are not being avoided.
func (e *Engine) keepLostIPv6() bool {
	return e.config != nil && e.config.UsingMultinetworkPolicyTracker && !e.opts.AvoidBadWifi()
}

func (e *Engine) ignoreIPv6Loss() bool {
	return e.disabledIPv6 || e.keepLostIPv6()
}

// assemble builds the LinkProperties the engine should be announcing now.
func (e *Engine) assemble() linkprops.LinkProperties {
	a := assembly{
		iface:           e.iface,
		observed:        e.observer.LinkProperties(),
		dhcp:            e.dhcpResults,
		tcpBufferSizes:  e.tcpBufferSizes,
		proxy:           e.httpProxy,
		lost:            e.lost,
		keepLostIPv6DNS: e.keepLostIPv6(),
	}
	if e.config != nil {
		a.initial = e.config.InitialConfig
	}
	return a.build()
}

// handleLinkPropertiesUpdate reassembles the configuration and, if it
// changed, applies it and optionally reports it. It returns false when
// provisioning was lost.
func (e *Engine) handleLinkPropertiesUpdate(send bool) bool {
	newLp := e.assemble()
	if newLp.Equal(e.lp) {
		return true
	}
	delta := e.setLinkProperties(newLp)
	if send {
		e.dispatchCallback(delta, newLp)
	}
	return delta != LostProvisioning
}

// setLinkProperties makes newLp current and returns how provisioning moved.
func (e *Engine) setLinkProperties(newLp linkprops.LinkProperties) ProvisioningChange {
	if e.filter != nil {
		e.filter.SetLinkProperties(newLp.Clone())
	}
	if e.monitor != nil {
		e.monitor.UpdateLinkProperties(newLp)
	}

	var ic *linkprops.InitialConfiguration
	if e.config != nil {
		ic = e.config.InitialConfig
	}
	delta, disableIPv6 := CompareProvisioning(e.lp, newLp, ic, e.ignoreIPv6Loss())
	if disableIPv6 {
		e.cycleLogger.Info("IPv6 default router lost, continuing on IPv4 only")
		if err := e.ctrl.DisableIPv6(); err != nil {
			e.cycleLogger.Warn("failed to disable IPv6", "error", err)
		}
		e.disabledIPv6 = true
	}
	if e.opts.ApplyMTU {
		e.maybeApplyMTU(newLp.MTU)
	}

	e.snapMu.Lock()
	e.lp = newLp.Clone()
	e.snapMu.Unlock()

	if delta == GainedProvisioning {
		e.cycleLogger.Info("provisioned", "lp", newLp.String())
		cancelAlarm(&e.provTimeout)
	}
	return delta
}

// maybeApplyMTU sets the interface MTU to mtu, or back to the default when
// mtu is unset or implausible.
func (e *Engine) maybeApplyMTU(mtu int) {
	if e.params == nil {
		return
	}
	if mtu < minIPv4MTU {
		mtu = e.params.DefaultMTU
	}
	current := e.appliedMTU
	if current == 0 {
		current = e.params.DefaultMTU
	}
	if mtu == current {
		return
	}
	if err := e.ctrl.SetMTU(mtu); err != nil {
		e.cycleLogger.Warn("failed to set MTU", "mtu", mtu, "error", err)
		return
	}
	e.appliedMTU = mtu
}

func (e *Engine) dispatchCallback(delta ProvisioningChange, lp linkprops.LinkProperties) {
	switch delta {
	case GainedProvisioning:
		e.metrics.RecordProvisioning(e.iface, metrics.ResultProvisioningOK)
		e.callbacks.OnProvisioningSuccess(lp.Clone())
	case LostProvisioning:
		e.metrics.RecordProvisioning(e.iface, metrics.ResultProvisioningFail)
		e.callbacks.OnProvisioningFailure(lp.Clone())
	default:
		e.callbacks.OnLinkPropertiesChange(lp.Clone())
	}
}

func (e *Engine) handleIPv4Success(results *dhcp.Results) {
	if results == nil {
		e.handleIPv4Failure()
		return
	}
	r := results.Clone()
	if r.VendorInfo == "" && upstreamHotspotFromVendorIE(e.config) {
		r.VendorInfo = dhcp.MeteredHint
	}
	e.setDHCPResults(r)
	newLp := e.assemble()
	delta := e.setLinkProperties(newLp)
	e.callbacks.OnNewDHCPResults(r.Clone())
	e.dispatchCallback(delta, newLp)
}

func (e *Engine) handleIPv4Failure() {
	e.clearIPv4Address()
	e.setDHCPResults(nil)
	e.callbacks.OnNewDHCPResults(nil)
	e.handleProvisioningFailure(DisconnectProvisioningFail)
}

// handleProvisioningFailure reports the current configuration and stops
// the cycle unless something is still provisioned.
func (e *Engine) handleProvisioningFailure(code DisconnectCode) {
	newLp := e.assemble()
	delta := e.setLinkProperties(newLp)
	if delta == StillNotProvisioned {
		delta = LostProvisioning
	}
	e.dispatchCallback(delta, newLp)
	if delta == LostProvisioning {
		e.transitionToStopping(code)
	}
}

// doImmediateProvisioningFailure reports a failure to start at all.
func (e *Engine) doImmediateProvisioningFailure(result string) {
	e.cycleLogger.Error("provisioning failed to start", "result", result)
	e.metrics.RecordProvisioning(e.iface, result)
	e.callbacks.OnProvisioningFailure(e.lp.Clone())
}
