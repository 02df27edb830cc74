package network

import "fmt"

// Address families as used by netlink. These match AF_UNSPEC, AF_INET and
// AF_INET6 on Linux.
const (
	FamilyAll = 0
	FamilyV4  = 2
	FamilyV6  = 10
)

// Neighbor states, matching the kernel's NUD_* bits.
const (
	NUDNone       = 0x00
	NUDIncomplete = 0x01
	NUDReachable  = 0x02
	NUDStale      = 0x04
	NUDDelay      = 0x08
	NUDProbe      = 0x10
	NUDFailed     = 0x20
	NUDNoARP      = 0x40
	NUDPermanent  = 0x80
)

// IPv6 address generation modes (IN6_ADDR_GEN_MODE_*).
const (
	AddrGenModeEUI64         = 0
	AddrGenModeNone          = 1
	AddrGenModeStablePrivacy = 2
	AddrGenModeRandom        = 3
)

// WakeLockPath is the kernel's user-space wake lock interface.
const WakeLockPath = "/sys/power/wake_lock"

// IPv6ConfPath returns /proc/sys/net/ipv6/conf/<iface>/<key>. Absolute paths
// are used so that interface names containing dots survive.
func IPv6ConfPath(iface, key string) string {
	return fmt.Sprintf("/proc/sys/net/ipv6/conf/%s/%s", iface, key)
}

// NeighParamPath returns the neighbor table parameter path for one family,
// e.g. /proc/sys/net/ipv4/neigh/wlan0/ucast_solicit.
func NeighParamPath(family int, iface, key string) string {
	proto := "ipv4"
	if family == FamilyV6 {
		proto = "ipv6"
	}
	return fmt.Sprintf("/proc/sys/net/%s/neigh/%s/%s", proto, iface, key)
}
