package ipclient

import (
	"encoding/hex"
	"fmt"

	"grimm.is/ipclient/internal/dhcp"
	"grimm.is/ipclient/internal/linkprops"
	"grimm.is/ipclient/internal/logging"
)

// Callbacks is how the engine reports to its owner. Errors are logged and
// otherwise ignored; the engine never waits on the owner.
type Callbacks interface {
	OnPreDHCPAction() error
	OnPostDHCPAction() error
	OnNewDHCPResults(results *dhcp.Results) error
	OnProvisioningSuccess(lp linkprops.LinkProperties) error
	OnProvisioningFailure(lp linkprops.LinkProperties) error
	OnLinkPropertiesChange(lp linkprops.LinkProperties) error
	OnReachabilityLost(msg string) error
	OnQuit() error
	InstallPacketFilter(program []byte) error
	StartReadPacketFilter() error
	SetFallbackMulticastFilter(enabled bool) error
	SetNeighborDiscoveryOffload(enabled bool) error
	OnPreconnectionStart(packets [][]byte) error
}

// NopCallbacks implements Callbacks by doing nothing. Embed it to handle a
// subset.
type NopCallbacks struct{}

func (NopCallbacks) OnPreDHCPAction() error                                { return nil }
func (NopCallbacks) OnPostDHCPAction() error                               { return nil }
func (NopCallbacks) OnNewDHCPResults(*dhcp.Results) error                  { return nil }
func (NopCallbacks) OnProvisioningSuccess(linkprops.LinkProperties) error  { return nil }
func (NopCallbacks) OnProvisioningFailure(linkprops.LinkProperties) error  { return nil }
func (NopCallbacks) OnLinkPropertiesChange(linkprops.LinkProperties) error { return nil }
func (NopCallbacks) OnReachabilityLost(string) error                       { return nil }
func (NopCallbacks) OnQuit() error                                         { return nil }
func (NopCallbacks) InstallPacketFilter([]byte) error                      { return nil }
func (NopCallbacks) StartReadPacketFilter() error                          { return nil }
func (NopCallbacks) SetFallbackMulticastFilter(bool) error                 { return nil }
func (NopCallbacks) SetNeighborDiscoveryOffload(bool) error                { return nil }
func (NopCallbacks) OnPreconnectionStart([][]byte) error                   { return nil }

// loggingCallbacks records every callback in the state log before passing
// it on, and logs delivery failures.
type loggingCallbacks struct {
	next   Callbacks
	log    *logging.LocalLog
	logger *logging.Logger
}

func withLogging(next Callbacks, log *logging.LocalLog, logger *logging.Logger) Callbacks {
	if next == nil {
		next = NopCallbacks{}
	}
	return &loggingCallbacks{next: next, log: log, logger: logger}
}

func (c *loggingCallbacks) call(what string, f func() error) error {
	c.log.Add(what)
	if err := f(); err != nil {
		c.logger.Warn("callback failed", "callback", what, "error", err)
		return err
	}
	return nil
}

func (c *loggingCallbacks) OnPreDHCPAction() error {
	return c.call("onPreDhcpAction()", c.next.OnPreDHCPAction)
}

func (c *loggingCallbacks) OnPostDHCPAction() error {
	return c.call("onPostDhcpAction()", c.next.OnPostDHCPAction)
}

func (c *loggingCallbacks) OnNewDHCPResults(results *dhcp.Results) error {
	return c.call(fmt.Sprintf("onNewDhcpResults({%s})", results), func() error {
		return c.next.OnNewDHCPResults(results)
	})
}

func (c *loggingCallbacks) OnProvisioningSuccess(lp linkprops.LinkProperties) error {
	return c.call(fmt.Sprintf("onProvisioningSuccess({%s})", lp), func() error {
		return c.next.OnProvisioningSuccess(lp)
	})
}

func (c *loggingCallbacks) OnProvisioningFailure(lp linkprops.LinkProperties) error {
	return c.call(fmt.Sprintf("onProvisioningFailure({%s})", lp), func() error {
		return c.next.OnProvisioningFailure(lp)
	})
}

func (c *loggingCallbacks) OnLinkPropertiesChange(lp linkprops.LinkProperties) error {
	return c.call(fmt.Sprintf("onLinkPropertiesChange({%s})", lp), func() error {
		return c.next.OnLinkPropertiesChange(lp)
	})
}

func (c *loggingCallbacks) OnReachabilityLost(msg string) error {
	return c.call(fmt.Sprintf("onReachabilityLost(%s)", msg), func() error {
		return c.next.OnReachabilityLost(msg)
	})
}

func (c *loggingCallbacks) OnQuit() error {
	return c.call("onQuit()", c.next.OnQuit)
}

func (c *loggingCallbacks) InstallPacketFilter(program []byte) error {
	return c.call(fmt.Sprintf("installPacketFilter(byte[%d])", len(program)), func() error {
		return c.next.InstallPacketFilter(program)
	})
}

func (c *loggingCallbacks) StartReadPacketFilter() error {
	return c.call("startReadPacketFilter()", c.next.StartReadPacketFilter)
}

func (c *loggingCallbacks) SetFallbackMulticastFilter(enabled bool) error {
	return c.call(fmt.Sprintf("setFallbackMulticastFilter(%t)", enabled), func() error {
		return c.next.SetFallbackMulticastFilter(enabled)
	})
}

func (c *loggingCallbacks) SetNeighborDiscoveryOffload(enabled bool) error {
	return c.call(fmt.Sprintf("setNeighborDiscoveryOffload(%t)", enabled), func() error {
		return c.next.SetNeighborDiscoveryOffload(enabled)
	})
}

func (c *loggingCallbacks) OnPreconnectionStart(packets [][]byte) error {
	what := "onPreconnectionStart(["
	for i, p := range packets {
		if i > 0 {
			what += ", "
		}
		what += hex.EncodeToString(p)
	}
	what += "])"
	return c.call(what, func() error {
		return c.next.OnPreconnectionStart(packets)
	})
}
