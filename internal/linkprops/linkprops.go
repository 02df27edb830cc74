// Package linkprops defines LinkProperties, the value describing the IP
// configuration of one interface, along with the static and initial
// configuration types that feed into it.
//
// LinkProperties is a plain value. Holders that hand one to another
// goroutine or to a callback pass a Clone.
package linkprops

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// LinkProperties is the IP configuration of a single interface.
type LinkProperties struct {
	InterfaceName       string        `json:"interface_name"`
	Addresses           []LinkAddress `json:"addresses,omitempty"`
	Routes              []Route       `json:"routes,omitempty"`
	DNSServers          []netip.Addr  `json:"dns_servers,omitempty"`
	Domains             string        `json:"domains,omitempty"`
	HTTPProxy           *ProxyInfo    `json:"http_proxy,omitempty"`
	TCPBufferSizes      string        `json:"tcp_buffer_sizes,omitempty"`
	NAT64Prefix         netip.Prefix  `json:"nat64_prefix,omitzero"`
	MTU                 int           `json:"mtu,omitempty"`
	DHCPServerAddress   netip.Addr    `json:"dhcp_server,omitzero"`
	CaptivePortalAPIURL string        `json:"captive_portal_api_url,omitempty"`
}

// New returns empty LinkProperties for iface.
func New(iface string) LinkProperties {
	return LinkProperties{InterfaceName: iface}
}

// Clone returns a deep copy.
func (lp LinkProperties) Clone() LinkProperties {
	c := lp
	c.Addresses = slices.Clone(lp.Addresses)
	c.Routes = slices.Clone(lp.Routes)
	c.DNSServers = slices.Clone(lp.DNSServers)
	if lp.HTTPProxy != nil {
		p := *lp.HTTPProxy
		p.ExclusionList = slices.Clone(lp.HTTPProxy.ExclusionList)
		c.HTTPProxy = &p
	}
	return c
}

// Equal compares two LinkProperties. Addresses, routes and DNS servers are
// compared as sets.
func (lp LinkProperties) Equal(o LinkProperties) bool {
	return lp.InterfaceName == o.InterfaceName &&
		sameSet(lp.Addresses, o.Addresses) &&
		sameSet(lp.Routes, o.Routes) &&
		sameSet(lp.DNSServers, o.DNSServers) &&
		lp.Domains == o.Domains &&
		lp.HTTPProxy.equal(o.HTTPProxy) &&
		lp.TCPBufferSizes == o.TCPBufferSizes &&
		lp.NAT64Prefix == o.NAT64Prefix &&
		lp.MTU == o.MTU &&
		lp.DHCPServerAddress == o.DHCPServerAddress &&
		lp.CaptivePortalAPIURL == o.CaptivePortalAPIURL
}

func sameSet[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for _, x := range a {
		if !slices.Contains(b, x) {
			return false
		}
	}
	for _, x := range b {
		if !slices.Contains(a, x) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether nothing but the interface name is set.
func (lp LinkProperties) IsEmpty() bool {
	return lp.Equal(New(lp.InterfaceName))
}

// AddAddress adds or updates a link address. It returns true if lp changed.
func (lp *LinkProperties) AddAddress(a LinkAddress) bool {
	for i, cur := range lp.Addresses {
		if cur.SameAddressAs(a) {
			if cur == a {
				return false
			}
			lp.Addresses[i] = a
			return true
		}
	}
	lp.Addresses = append(lp.Addresses, a)
	return true
}

// RemoveAddress removes the address with the same prefix as a.
func (lp *LinkProperties) RemoveAddress(a LinkAddress) bool {
	for i, cur := range lp.Addresses {
		if cur.SameAddressAs(a) {
			lp.Addresses = slices.Delete(lp.Addresses, i, i+1)
			return true
		}
	}
	return false
}

// AddRoute adds r if an identical route is not present. A route without an
// interface is bound to lp's interface.
func (lp *LinkProperties) AddRoute(r Route) bool {
	if r.Interface == "" {
		r.Interface = lp.InterfaceName
	}
	if slices.Contains(lp.Routes, r) {
		return false
	}
	lp.Routes = append(lp.Routes, r)
	return true
}

// RemoveRoute removes a route equal to r.
func (lp *LinkProperties) RemoveRoute(r Route) bool {
	if r.Interface == "" {
		r.Interface = lp.InterfaceName
	}
	i := slices.Index(lp.Routes, r)
	if i < 0 {
		return false
	}
	lp.Routes = slices.Delete(lp.Routes, i, i+1)
	return true
}

// AddDNSServer appends a DNS server if not already present.
func (lp *LinkProperties) AddDNSServer(a netip.Addr) bool {
	if slices.Contains(lp.DNSServers, a) {
		return false
	}
	lp.DNSServers = append(lp.DNSServers, a)
	return true
}

// RemoveDNSServer removes a DNS server.
func (lp *LinkProperties) RemoveDNSServer(a netip.Addr) bool {
	i := slices.Index(lp.DNSServers, a)
	if i < 0 {
		return false
	}
	lp.DNSServers = slices.Delete(lp.DNSServers, i, i+1)
	return true
}

// HasIPv4Address reports whether any IPv4 address is configured.
func (lp LinkProperties) HasIPv4Address() bool {
	return slices.ContainsFunc(lp.Addresses, LinkAddress.IsIPv4)
}

// HasGlobalIPv6Address reports whether a global preferred IPv6 address is
// configured.
func (lp LinkProperties) HasGlobalIPv6Address() bool {
	return slices.ContainsFunc(lp.Addresses, func(a LinkAddress) bool {
		return a.IsIPv6() && a.IsGlobalPreferred()
	})
}

// HasIPv4DefaultRoute reports whether an IPv4 default route exists.
func (lp LinkProperties) HasIPv4DefaultRoute() bool {
	return slices.ContainsFunc(lp.Routes, Route.IsIPv4Default)
}

// HasIPv6DefaultRoute reports whether an IPv6 default route exists.
func (lp LinkProperties) HasIPv6DefaultRoute() bool {
	return slices.ContainsFunc(lp.Routes, Route.IsIPv6Default)
}

// HasIPv4DNSServer reports whether an IPv4 DNS server is configured.
func (lp LinkProperties) HasIPv4DNSServer() bool {
	return slices.ContainsFunc(lp.DNSServers, netip.Addr.Is4)
}

// HasIPv6DNSServer reports whether an IPv6 DNS server is configured.
func (lp LinkProperties) HasIPv6DNSServer() bool {
	return slices.ContainsFunc(lp.DNSServers, func(a netip.Addr) bool {
		return a.Is6() && !a.Is4In6()
	})
}

// IsIPv4Provisioned requires an IPv4 address, default route and DNS server.
func (lp LinkProperties) IsIPv4Provisioned() bool {
	return lp.HasIPv4Address() && lp.HasIPv4DefaultRoute() && lp.HasIPv4DNSServer()
}

// IsIPv6Provisioned requires a global IPv6 address, default route and DNS
// server.
func (lp LinkProperties) IsIPv6Provisioned() bool {
	return lp.HasGlobalIPv6Address() && lp.HasIPv6DefaultRoute() && lp.HasIPv6DNSServer()
}

// IsProvisioned reports whether either family is fully provisioned.
func (lp LinkProperties) IsProvisioned() bool {
	return lp.IsIPv4Provisioned() || lp.IsIPv6Provisioned()
}

// IsReachable reports whether addr can be reached with this configuration,
// judged by the most specific route covering it.
func (lp LinkProperties) IsReachable(addr netip.Addr) bool {
	addr = addr.Unmap()
	best, ok := SelectBestRoute(lp.Routes, addr)
	if !ok || best.Type != RouteUnicast {
		return false
	}
	if addr.Is4() {
		return lp.HasIPv4Address()
	}
	if addr.IsLinkLocalUnicast() {
		return true
	}
	return !best.HasGateway() || lp.HasGlobalIPv6Address()
}

// DomainList splits Domains into individual names.
func (lp LinkProperties) DomainList() []string {
	return strings.Fields(lp.Domains)
}

func (lp LinkProperties) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "{InterfaceName: %s", lp.InterfaceName)
	fmt.Fprintf(&sb, " LinkAddresses: %v", lp.Addresses)
	fmt.Fprintf(&sb, " DnsAddresses: %v", lp.DNSServers)
	if lp.Domains != "" {
		fmt.Fprintf(&sb, " Domains: %s", lp.Domains)
	}
	if lp.MTU != 0 {
		fmt.Fprintf(&sb, " MTU: %d", lp.MTU)
	}
	if lp.DHCPServerAddress.IsValid() {
		fmt.Fprintf(&sb, " ServerAddress: %s", lp.DHCPServerAddress)
	}
	if lp.TCPBufferSizes != "" {
		fmt.Fprintf(&sb, " TcpBufferSizes: %s", lp.TCPBufferSizes)
	}
	fmt.Fprintf(&sb, " Routes: %v", lp.Routes)
	if lp.HTTPProxy != nil {
		fmt.Fprintf(&sb, " HttpProxy: %s", lp.HTTPProxy)
	}
	if lp.NAT64Prefix.IsValid() {
		fmt.Fprintf(&sb, " Nat64Prefix: %s", lp.NAT64Prefix)
	}
	if lp.CaptivePortalAPIURL != "" {
		fmt.Fprintf(&sb, " CaptivePortalApiUrl: %s", lp.CaptivePortalAPIURL)
	}
	sb.WriteString("}")
	return sb.String()
}
