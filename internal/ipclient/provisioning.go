package ipclient

import (
	"net/netip"
	"net/url"

	"grimm.is/ipclient/internal/dhcp"
	"grimm.is/ipclient/internal/linkprops"
)

// ProvisioningChange classifies the difference between two configurations.
type ProvisioningChange int

const (
	StillNotProvisioned ProvisioningChange = iota
	LostProvisioning
	GainedProvisioning
	StillProvisioned
)

func (c ProvisioningChange) String() string {
	switch c {
	case StillNotProvisioned:
		return "STILL_NOT_PROVISIONED"
	case LostProvisioning:
		return "LOST_PROVISIONING"
	case GainedProvisioning:
		return "GAINED_PROVISIONING"
	case StillProvisioned:
		return "STILL_PROVISIONED"
	default:
		return "UNKNOWN"
	}
}

// isProvisioned accepts a bare IPv4 address: DHCP only hands one out on a
// network it considers usable, even without a default route or DNS.
func isProvisioned(lp linkprops.LinkProperties, ic *linkprops.InitialConfiguration) bool {
	if lp.HasIPv4Address() || lp.IsProvisioned() {
		return true
	}
	return ic != nil && ic.IsProvisionedBy(lp.Addresses, lp.Routes)
}

// CompareProvisioning classifies the move from oldLp to newLp. The second
// result asks the caller to disable IPv6 in place: the IPv6 default router
// went away while IPv4 keeps the interface usable.
func CompareProvisioning(oldLp, newLp linkprops.LinkProperties, ic *linkprops.InitialConfiguration, ignoreIPv6Loss bool) (ProvisioningChange, bool) {
	was := isProvisioned(oldLp, ic)
	is := isProvisioned(newLp, ic)

	var delta ProvisioningChange
	switch {
	case !was && is:
		delta = GainedProvisioning
	case was && is:
		delta = StillProvisioned
	case !was && !is:
		delta = StillNotProvisioned
	default:
		delta = LostProvisioning
	}

	lostIPv6 := oldLp.IsIPv6Provisioned() && !newLp.IsIPv6Provisioned()
	lostIPv4Address := oldLp.HasIPv4Address() && !newLp.HasIPv4Address()
	lostIPv6Router := oldLp.HasIPv6DefaultRoute() && !newLp.HasIPv6DefaultRoute()

	// A bare IPv4 address never makes IsProvisioned true, so losing it
	// has to be caught here.
	if lostIPv4Address || (lostIPv6 && !ignoreIPv6Loss) {
		delta = LostProvisioning
	}

	if oldLp.HasGlobalIPv6Address() && lostIPv6Router && !ignoreIPv6Loss {
		if newLp.IsIPv4Provisioned() {
			return StillProvisioned, true
		}
		delta = LostProvisioning
	}
	return delta, false
}

// assembly is everything the engine merges into its LinkProperties.
type assembly struct {
	iface          string
	observed       linkprops.LinkProperties
	dhcp           *dhcp.Results
	tcpBufferSizes string
	proxy          *linkprops.ProxyInfo
	initial        *linkprops.InitialConfiguration

	// Neighbors the reachability monitor reported as failed. Routes via
	// them are dropped, and so are their DNS entries except IPv6 ones when
	// keepLostIPv6DNS is set.
	lost            map[netip.Addr]struct{}
	keepLostIPv6DNS bool
}

func addReachableDNS(lp *linkprops.LinkProperties, servers []netip.Addr) {
	for _, d := range servers {
		if !d.IsUnspecified() && lp.IsReachable(d) {
			lp.AddDNSServer(d)
		}
	}
}

func (a *assembly) build() linkprops.LinkProperties {
	lp := linkprops.New(a.iface)

	for _, addr := range a.observed.Addresses {
		lp.AddAddress(addr)
	}
	for _, r := range a.observed.Routes {
		lp.AddRoute(r)
	}
	addReachableDNS(&lp, a.observed.DNSServers)
	lp.Domains = a.observed.Domains
	lp.NAT64Prefix = a.observed.NAT64Prefix

	if r := a.dhcp; r != nil {
		for _, route := range r.Routes(a.iface) {
			lp.AddRoute(route)
		}
		addReachableDNS(&lp, r.DNSServers)
		if r.Domains != "" {
			lp.Domains = r.Domains
		}
		if r.MTU != 0 {
			lp.MTU = r.MTU
		}
		lp.DHCPServerAddress = r.ServerAddress
		if r.CaptivePortalAPIURL != "" {
			if u, err := url.ParseRequestURI(r.CaptivePortalAPIURL); err == nil && u.Scheme != "" {
				lp.CaptivePortalAPIURL = u.String()
			}
		}
	}

	lp.TCPBufferSizes = a.tcpBufferSizes
	if a.proxy != nil {
		p := *a.proxy
		lp.HTTPProxy = &p
	}

	// Initial configuration routes and DNS only count once the expected
	// addresses have shown up on the interface.
	if ic := a.initial; ic != nil && ic.IsProvisionedBy(lp.Addresses, nil) {
		for _, p := range ic.DirectlyConnectedRoutes {
			lp.AddRoute(linkprops.NewRoute(p, netip.Addr{}, a.iface))
		}
		addReachableDNS(&lp, ic.DNSServers)
	}

	for addr := range a.lost {
		for _, r := range lp.Clone().Routes {
			if r.HasGateway() && r.Gateway == addr {
				lp.RemoveRoute(r)
			}
		}
		if !a.keepLostIPv6DNS || !addr.Is6() {
			lp.RemoveDNSServer(addr)
		}
	}
	return lp
}
