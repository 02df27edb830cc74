package linkprops

import (
	"fmt"
	"net/netip"
	"strings"
)

// Address flags, matching the kernel's IFA_F_* bits.
const (
	FlagSecondary   uint32 = 0x01
	FlagNoDAD       uint32 = 0x02
	FlagOptimistic  uint32 = 0x04
	FlagDADFailed   uint32 = 0x08
	FlagHomeAddress uint32 = 0x10
	FlagDeprecated  uint32 = 0x20
	FlagTentative   uint32 = 0x40
	FlagPermanent   uint32 = 0x80
)

// Address scopes, matching the kernel's RT_SCOPE_* values.
const (
	ScopeUniverse uint8 = 0
	ScopeSite     uint8 = 200
	ScopeLink     uint8 = 253
	ScopeHost     uint8 = 254
)

// LinkAddress is an address configured on an interface together with its
// prefix length and the kernel's flags and scope for it.
type LinkAddress struct {
	Prefix netip.Prefix `json:"prefix"`
	Flags  uint32       `json:"flags,omitempty"`
	Scope  uint8        `json:"scope,omitempty"`
}

// NewLinkAddress returns a LinkAddress with the scope the kernel would
// assign to p.
func NewLinkAddress(p netip.Prefix) LinkAddress {
	return LinkAddress{Prefix: p, Scope: scopeOf(p.Addr())}
}

// MustParseLinkAddress parses "addr/len" and panics on error.
func MustParseLinkAddress(s string) LinkAddress {
	return NewLinkAddress(netip.MustParsePrefix(s))
}

func scopeOf(a netip.Addr) uint8 {
	switch {
	case a.IsLoopback():
		return ScopeHost
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return ScopeLink
	default:
		return ScopeUniverse
	}
}

// Addr returns the address without its prefix length.
func (a LinkAddress) Addr() netip.Addr { return a.Prefix.Addr() }

// IsIPv4 reports whether a is an IPv4 address.
func (a LinkAddress) IsIPv4() bool { return a.Prefix.Addr().Is4() }

// IsIPv6 reports whether a is an IPv6 address.
func (a LinkAddress) IsIPv6() bool { return a.Prefix.Addr().Is6() && !a.Prefix.Addr().Is4In6() }

// SameAddressAs reports whether a and o carry the same address and prefix
// length, ignoring flags and scope.
func (a LinkAddress) SameAddressAs(o LinkAddress) bool {
	return a.Prefix == o.Prefix
}

// IsGlobalPreferred reports whether the address is usable as a source for
// global traffic: universe scope, not unique-local, not deprecated or failed
// duplicate address detection, and either done with DAD or optimistic.
func (a LinkAddress) IsGlobalPreferred() bool {
	addr := a.Addr()
	if a.Scope != ScopeUniverse || !addr.IsGlobalUnicast() {
		return false
	}
	if a.IsIPv4() {
		return true
	}
	if addr.IsPrivate() {
		return false
	}
	if a.Flags&(FlagDADFailed|FlagDeprecated) != 0 {
		return false
	}
	return a.Flags&FlagTentative == 0 || a.Flags&FlagOptimistic != 0
}

func (a LinkAddress) String() string {
	if a.Flags == 0 && a.Scope == ScopeUniverse {
		return a.Prefix.String()
	}
	return fmt.Sprintf("%s flags %#x scope %d", a.Prefix, a.Flags, a.Scope)
}

// RouteType is the kernel route type.
type RouteType int

const (
	RouteUnicast RouteType = iota
	RouteUnreachable
	RouteThrow
)

func (t RouteType) String() string {
	switch t {
	case RouteUnreachable:
		return "unreachable"
	case RouteThrow:
		return "throw"
	default:
		return "unicast"
	}
}

// Route is a route through an interface. A route without a gateway is
// on-link.
type Route struct {
	Dst       netip.Prefix `json:"dst"`
	Gateway   netip.Addr   `json:"gateway,omitzero"`
	Interface string       `json:"interface,omitempty"`
	Type      RouteType    `json:"type,omitempty"`
}

// NewRoute builds a unicast route, masking dst.
func NewRoute(dst netip.Prefix, gw netip.Addr, iface string) Route {
	return Route{Dst: dst.Masked(), Gateway: gw, Interface: iface}
}

// HostRoute builds an on-link route to exactly addr.
func HostRoute(addr netip.Addr, iface string) Route {
	return Route{Dst: netip.PrefixFrom(addr, addr.BitLen()), Interface: iface}
}

// DefaultRoute builds a default route via gw.
func DefaultRoute(gw netip.Addr, iface string) Route {
	return Route{Dst: netip.PrefixFrom(unspecified(gw), 0), Gateway: gw, Interface: iface}
}

func unspecified(a netip.Addr) netip.Addr {
	if a.Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

// HasGateway reports whether the route goes through a next hop.
func (r Route) HasGateway() bool {
	return r.Gateway.IsValid() && !r.Gateway.IsUnspecified()
}

// IsDefault reports whether r is a default route.
func (r Route) IsDefault() bool {
	return r.Dst.IsValid() && r.Dst.Bits() == 0 && r.Type == RouteUnicast
}

// IsIPv4Default reports whether r is an IPv4 default route.
func (r Route) IsIPv4Default() bool { return r.IsDefault() && r.Dst.Addr().Is4() }

// IsIPv6Default reports whether r is an IPv6 default route.
func (r Route) IsIPv6Default() bool { return r.IsDefault() && r.Dst.Addr().Is6() }

// Matches reports whether addr falls inside the route's destination.
func (r Route) Matches(addr netip.Addr) bool {
	return r.Dst.IsValid() && r.Dst.Contains(addr.Unmap())
}

func (r Route) String() string {
	var sb strings.Builder
	sb.WriteString(r.Dst.String())
	if r.HasGateway() {
		sb.WriteString(" -> ")
		sb.WriteString(r.Gateway.String())
	}
	if r.Interface != "" {
		sb.WriteString(" ")
		sb.WriteString(r.Interface)
	}
	if r.Type != RouteUnicast {
		sb.WriteString(" ")
		sb.WriteString(r.Type.String())
	}
	return sb.String()
}

// SelectBestRoute returns the route with the longest prefix matching addr.
func SelectBestRoute(routes []Route, addr netip.Addr) (Route, bool) {
	var best Route
	found := false
	addr = addr.Unmap()
	for _, r := range routes {
		if !r.Matches(addr) {
			continue
		}
		if found && best.Dst.Bits() >= r.Dst.Bits() {
			continue
		}
		best, found = r, true
	}
	return best, found
}

// ProxyInfo is an HTTP proxy setting.
type ProxyInfo struct {
	Host          string   `json:"host,omitempty"`
	Port          int      `json:"port,omitempty"`
	ExclusionList []string `json:"exclusion_list,omitempty"`
	PacURL        string   `json:"pac_url,omitempty"`
}

func (p *ProxyInfo) String() string {
	if p == nil {
		return ""
	}
	if p.PacURL != "" {
		return "PAC " + p.PacURL
	}
	s := fmt.Sprintf("%s:%d", p.Host, p.Port)
	if len(p.ExclusionList) > 0 {
		s += " xl=" + strings.Join(p.ExclusionList, ",")
	}
	return s
}

func (p *ProxyInfo) equal(o *ProxyInfo) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Host != o.Host || p.Port != o.Port || p.PacURL != o.PacURL || len(p.ExclusionList) != len(o.ExclusionList) {
		return false
	}
	for i := range p.ExclusionList {
		if p.ExclusionList[i] != o.ExclusionList[i] {
			return false
		}
	}
	return true
}
