// Package network wraps the kernel interfaces the provisioning engine
// touches: netlink for links, addresses, routes and neighbors; sysctl and
// sysfs writes for per-interface IPv6 knobs and wake locks; ethtool for
// driver metadata.
//
// # Key Components
//
//   - [Netlinker]: netlink operations, mockable via [MockNetlinker]
//   - [SystemController]: sysctl reads and writes, mockable via [MockSystemController]
//   - [InterfaceController]: address, MTU and IPv6 configuration of one interface
//   - [WakeLock]: keeps the system awake while neighbors are being probed
//   - [LinkInfo]: ethtool driver lookups
//
// # Example
//
//	ctl := network.NewInterfaceController("wlan0", network.DefaultNetlinker,
//	    network.DefaultSystemController, logger)
//	if err := ctl.SetIPv4Address(netip.MustParsePrefix("192.0.2.10/24")); err != nil {
//	    return err
//	}
package network
