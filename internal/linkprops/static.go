package linkprops

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// StaticIPConfig is an IPv4 configuration applied without DHCP. DHCP
// results are converted into one as well.
type StaticIPConfig struct {
	Address    netip.Prefix `json:"address"`
	Gateway    netip.Addr   `json:"gateway,omitzero"`
	DNSServers []netip.Addr `json:"dns_servers,omitempty"`
	Domains    string       `json:"domains,omitempty"`
}

// Routes returns the routes implied by the configuration: the connected
// subnet, a host route to the gateway when the subnet does not cover it,
// and a default route through the gateway.
func (c StaticIPConfig) Routes(iface string) []Route {
	routes := make([]Route, 0, 3)
	if c.Address.IsValid() {
		connected := NewRoute(c.Address, netip.Addr{}, iface)
		routes = append(routes, connected)
		if c.Gateway.IsValid() && !connected.Matches(c.Gateway) {
			routes = append(routes, HostRoute(c.Gateway, iface))
		}
	}
	if c.Gateway.IsValid() {
		routes = append(routes, DefaultRoute(c.Gateway, iface))
	}
	return routes
}

// Validate checks that the configuration can be applied to an interface.
func (c StaticIPConfig) Validate() error {
	if !c.Address.IsValid() {
		return errors.New("static config has no address")
	}
	if !c.Address.Addr().Is4() {
		return fmt.Errorf("static address %s is not IPv4", c.Address)
	}
	if c.Gateway.IsValid() && !c.Gateway.Is4() {
		return fmt.Errorf("static gateway %s is not IPv4", c.Gateway)
	}
	return nil
}

func (c StaticIPConfig) String() string {
	var dns []string
	for _, d := range c.DNSServers {
		dns = append(dns, d.String())
	}
	return fmt.Sprintf("IP address %s Gateway %s DNS servers: [ %s ] Domains %s",
		c.Address, c.Gateway, strings.Join(dns, " "), c.Domains)
}

// InitialConfiguration describes the addresses, on-link prefixes and DNS
// servers a caller expects the interface to end up with, typically learned
// from a previous connection to the same network.
type InitialConfiguration struct {
	Addresses               []LinkAddress  `json:"addresses"`
	DirectlyConnectedRoutes []netip.Prefix `json:"directly_connected_routes,omitempty"`
	DNSServers              []netip.Addr   `json:"dns_servers,omitempty"`
}

// Validate returns an error describing the first rule the configuration
// breaks.
func (ic *InitialConfiguration) Validate() error {
	if len(ic.Addresses) == 0 {
		return errors.New("initial config has no addresses")
	}
	for _, a := range ic.Addresses {
		if !ic.covered(a.Addr()) {
			return fmt.Errorf("address %s not covered by a directly connected prefix", a)
		}
		if !prefixLengthCompliant(a.Prefix) {
			return fmt.Errorf("address %s has a non-compliant prefix length", a)
		}
	}
	for _, d := range ic.DNSServers {
		if !ic.covered(d) {
			return fmt.Errorf("dns server %s not covered by a directly connected prefix", d)
		}
	}
	for _, p := range ic.DirectlyConnectedRoutes {
		if !prefixLengthCompliant(p) {
			return fmt.Errorf("prefix %s has a non-compliant prefix length", p)
		}
	}
	if slices.ContainsFunc(ic.DirectlyConnectedRoutes, isIPv6DefaultPrefix) &&
		!slices.ContainsFunc(ic.Addresses, isIPv6GUA) {
		return errors.New("IPv6 default prefix without a global IPv6 address")
	}
	v4 := 0
	for _, a := range ic.Addresses {
		if a.IsIPv4() {
			v4++
		}
	}
	if v4 > 1 {
		return errors.New("more than one IPv4 address")
	}
	return nil
}

func (ic *InitialConfiguration) covered(a netip.Addr) bool {
	return slices.ContainsFunc(ic.DirectlyConnectedRoutes, func(p netip.Prefix) bool {
		return p.Contains(a)
	})
}

func prefixLengthCompliant(p netip.Prefix) bool {
	if p.Addr().Is4() {
		return true
	}
	if p.Bits() == 0 {
		return true
	}
	return p.Bits() >= 48 && p.Bits() <= 64
}

func isIPv6DefaultPrefix(p netip.Prefix) bool {
	return p.Addr().Is6() && p.Bits() == 0
}

func isIPv6GUA(a LinkAddress) bool {
	return a.IsIPv6() && a.IsGlobalPreferred()
}

// IsProvisionedBy reports whether every expected address is present in
// addrs and, when routes is non-nil, every expected prefix is present as an
// on-link route.
func (ic *InitialConfiguration) IsProvisionedBy(addrs []LinkAddress, routes []Route) bool {
	if len(ic.Addresses) == 0 {
		return false
	}
	for _, want := range ic.Addresses {
		if !slices.ContainsFunc(addrs, want.SameAddressAs) {
			return false
		}
	}
	if routes == nil {
		return true
	}
	for _, p := range ic.DirectlyConnectedRoutes {
		if !slices.ContainsFunc(routes, func(r Route) bool {
			return !r.HasGateway() && r.Dst == p.Masked()
		}) {
			return false
		}
	}
	return true
}
