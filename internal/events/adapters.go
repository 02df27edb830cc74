package events

import (
	"net/netip"
	"sync/atomic"

	"grimm.is/ipclient/internal/dhcp"
	"grimm.is/ipclient/internal/ipclient"
	"grimm.is/ipclient/internal/linkprops"
)

// Publisher implements ipclient.Callbacks for one interface by publishing
// every callback to a Hub.
type Publisher struct {
	ipclient.NopCallbacks

	hub     *Hub
	iface   string
	cycleID atomic.Pointer[func() string]
}

var _ ipclient.Callbacks = (*Publisher)(nil)

// NewPublisher creates a publisher. cycleID, when set, tags each event with
// the engine's current start cycle.
func NewPublisher(hub *Hub, iface string, cycleID func() string) *Publisher {
	p := &Publisher{hub: hub, iface: iface}
	p.SetCycleSource(cycleID)
	return p
}

// SetCycleSource sets the function used to tag events. Engines are created
// after their callbacks, so the daemon wires this once the engine exists.
func (p *Publisher) SetCycleSource(cycleID func() string) {
	if cycleID != nil {
		p.cycleID.Store(&cycleID)
	}
}

func (p *Publisher) publish(t EventType, data any) error {
	e := Event{Type: t, Interface: p.iface, Data: data}
	if fn := p.cycleID.Load(); fn != nil {
		e.CycleID = (*fn)()
	}
	p.hub.Publish(e)
	return nil
}

func (p *Publisher) OnPreDHCPAction() error {
	return p.publish(EventPreDHCPAction, nil)
}

func (p *Publisher) OnPostDHCPAction() error {
	return p.publish(EventPostDHCPAction, nil)
}

func (p *Publisher) OnNewDHCPResults(results *dhcp.Results) error {
	return p.publish(EventDHCPResults, summarizeResults(results))
}

func (p *Publisher) OnProvisioningSuccess(lp linkprops.LinkProperties) error {
	return p.publish(EventProvisioningSuccess, summarize(lp))
}

func (p *Publisher) OnProvisioningFailure(lp linkprops.LinkProperties) error {
	return p.publish(EventProvisioningFailure, summarize(lp))
}

func (p *Publisher) OnLinkPropertiesChange(lp linkprops.LinkProperties) error {
	return p.publish(EventLinkPropertiesChange, summarize(lp))
}

func (p *Publisher) OnReachabilityLost(msg string) error {
	return p.publish(EventReachabilityLost, MessageData{Message: msg})
}

func (p *Publisher) OnQuit() error {
	return p.publish(EventQuit, nil)
}

func (p *Publisher) InstallPacketFilter(program []byte) error {
	return p.publish(EventPacketFilterInstall, SizeData{Bytes: len(program)})
}

func (p *Publisher) StartReadPacketFilter() error {
	return p.publish(EventPacketFilterRead, nil)
}

func (p *Publisher) SetFallbackMulticastFilter(enabled bool) error {
	return p.publish(EventMulticastFallback, FlagData{Enabled: enabled})
}

func (p *Publisher) SetNeighborDiscoveryOffload(enabled bool) error {
	return p.publish(EventNDOffload, FlagData{Enabled: enabled})
}

func (p *Publisher) OnPreconnectionStart(packets [][]byte) error {
	n := 0
	for _, pkt := range packets {
		n += len(pkt)
	}
	return p.publish(EventPreconnectionStart, SizeData{Bytes: n, Packets: len(packets)})
}

func summarize(lp linkprops.LinkProperties) LinkPropertiesData {
	d := LinkPropertiesData{
		MTU:  lp.MTU,
		IPv4: lp.IsIPv4Provisioned(),
		IPv6: lp.IsIPv6Provisioned(),
	}
	for _, a := range lp.Addresses {
		d.Addresses = append(d.Addresses, a.String())
	}
	for _, r := range lp.Routes {
		d.Routes = append(d.Routes, r.String())
	}
	d.DNSServers = addrStrings(lp.DNSServers)
	if lp.NAT64Prefix.IsValid() {
		d.NAT64Prefix = lp.NAT64Prefix.String()
	}
	return d
}

func summarizeResults(r *dhcp.Results) DHCPResultsData {
	if r == nil {
		return DHCPResultsData{}
	}
	d := DHCPResultsData{
		DNSServers: addrStrings(r.DNSServers),
		Metered:    r.IsMetered(),
	}
	if r.Address.IsValid() {
		d.Address = r.Address.String()
	}
	if r.Gateway.IsValid() {
		d.Gateway = r.Gateway.String()
	}
	if r.ServerAddress.IsValid() {
		d.Server = r.ServerAddress.String()
	}
	if r.LeaseDuration > 0 {
		d.Lease = r.LeaseDuration.String()
	}
	return d
}

func addrStrings(addrs []netip.Addr) []string {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}
