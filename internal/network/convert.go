package network

import (
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"

	"grimm.is/ipclient/internal/linkprops"
)

// Route types as reported by netlink (RTN_*).
const (
	rtnUnicast     = 1
	rtnUnreachable = 7
	rtnThrow       = 9
)

// PrefixToIPNet converts a netip.Prefix, keeping host bits.
func PrefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

// IPNetToPrefix converts a *net.IPNet, keeping host bits.
func IPNetToPrefix(n *net.IPNet) (netip.Prefix, bool) {
	if n == nil {
		return netip.Prefix{}, false
	}
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	ones, bits := n.Mask.Size()
	if bits == 0 {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(addr, ones), true
}

// IPToAddr converts a net.IP to an unmapped netip.Addr.
func IPToAddr(ip net.IP) (netip.Addr, bool) {
	a, ok := netip.AddrFromSlice(ip)
	return a.Unmap(), ok
}

// ToNetlinkAddr builds the netlink form of a link address.
func ToNetlinkAddr(la linkprops.LinkAddress) *netlink.Addr {
	return &netlink.Addr{
		IPNet: PrefixToIPNet(la.Prefix),
		Flags: int(la.Flags),
		Scope: int(la.Scope),
	}
}

// FromNetlinkAddr converts a kernel address.
func FromNetlinkAddr(a netlink.Addr) (linkprops.LinkAddress, bool) {
	p, ok := IPNetToPrefix(a.IPNet)
	if !ok {
		return linkprops.LinkAddress{}, false
	}
	return linkprops.LinkAddress{Prefix: p, Flags: uint32(a.Flags), Scope: uint8(a.Scope)}, true
}

// FromNetlinkRoute converts a kernel route bound to iface. Routes of types
// other than unicast, unreachable and throw are rejected.
func FromNetlinkRoute(r netlink.Route, iface string, family int) (linkprops.Route, bool) {
	var out linkprops.Route
	switch r.Type {
	case rtnUnicast, 0:
		out.Type = linkprops.RouteUnicast
	case rtnUnreachable:
		out.Type = linkprops.RouteUnreachable
	case rtnThrow:
		out.Type = linkprops.RouteThrow
	default:
		return out, false
	}
	if r.Dst != nil {
		p, ok := IPNetToPrefix(r.Dst)
		if !ok {
			return out, false
		}
		out.Dst = p.Masked()
	} else if family == FamilyV6 {
		out.Dst = netip.PrefixFrom(netip.IPv6Unspecified(), 0)
	} else {
		out.Dst = netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	}
	if r.Gw != nil {
		if gw, ok := IPToAddr(r.Gw); ok && !gw.IsUnspecified() {
			out.Gateway = gw
		}
	}
	out.Interface = iface
	return out, true
}
