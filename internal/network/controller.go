package network

import (
	"fmt"
	"net/netip"
	"strconv"

	"github.com/vishvananda/netlink"

	"grimm.is/ipclient/internal/linkprops"
	"grimm.is/ipclient/internal/logging"
)

// InterfaceController applies address and IPv6 settings to one interface.
type InterfaceController struct {
	iface  string
	nl     Netlinker
	sys    SystemController
	logger *logging.Logger
}

// NewInterfaceController creates a controller for iface. Nil dependencies
// fall back to the real implementations.
func NewInterfaceController(iface string, nl Netlinker, sys SystemController, logger *logging.Logger) *InterfaceController {
	if nl == nil {
		nl = DefaultNetlinker
	}
	if sys == nil {
		sys = DefaultSystemController
	}
	if logger == nil {
		logger = logging.WithComponent("network")
	}
	return &InterfaceController{iface: iface, nl: nl, sys: sys, logger: logger}
}

// Interface returns the controlled interface name.
func (c *InterfaceController) Interface() string { return c.iface }

func (c *InterfaceController) link() (netlink.Link, error) {
	link, err := c.nl.LinkByName(c.iface)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInterfaceNotFound, c.iface, err)
	}
	return link, nil
}

// SetIPv4Address replaces any IPv4 address on the interface with addr.
func (c *InterfaceController) SetIPv4Address(addr netip.Prefix) error {
	if !addr.Addr().Is4() {
		return fmt.Errorf("not an IPv4 address: %s", addr)
	}
	link, err := c.link()
	if err != nil {
		return err
	}
	existing, err := c.nl.AddrList(link, FamilyV4)
	if err != nil {
		return fmt.Errorf("failed to list addresses on %s: %w", c.iface, err)
	}
	present := false
	for i := range existing {
		p, ok := IPNetToPrefix(existing[i].IPNet)
		if ok && p == addr {
			present = true
			continue
		}
		if err := c.nl.AddrDel(link, &existing[i]); err != nil {
			c.logger.Warn("failed to remove stale IPv4 address", "addr", p, "error", err)
		}
	}
	if present {
		return nil
	}
	if err := c.nl.AddrAdd(link, ToNetlinkAddr(linkprops.NewLinkAddress(addr))); err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", addr, c.iface, err)
	}
	c.logger.Info("IPv4 address set", "iface", c.iface, "addr", addr)
	return nil
}

// ClearIPv4Address removes every IPv4 address from the interface.
func (c *InterfaceController) ClearIPv4Address() error {
	return c.clear(FamilyV4)
}

// ClearAllAddresses removes every address of both families.
func (c *InterfaceController) ClearAllAddresses() error {
	return c.clear(FamilyAll)
}

func (c *InterfaceController) clear(family int) error {
	link, err := c.link()
	if err != nil {
		return err
	}
	addrs, err := c.nl.AddrList(link, family)
	if err != nil {
		return fmt.Errorf("failed to list addresses on %s: %w", c.iface, err)
	}
	var firstErr error
	for i := range addrs {
		if err := c.nl.AddrDel(link, &addrs[i]); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to delete %s from %s: %w", addrs[i].IPNet, c.iface, err)
		}
	}
	return firstErr
}

// AddAddress adds one address, keeping its flags.
func (c *InterfaceController) AddAddress(la linkprops.LinkAddress) error {
	link, err := c.link()
	if err != nil {
		return err
	}
	if err := c.nl.AddrAdd(link, ToNetlinkAddr(la)); err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", la.Prefix, c.iface, err)
	}
	return nil
}

// EnableIPv6 turns the IPv6 stack on for the interface.
func (c *InterfaceController) EnableIPv6() error {
	return c.writeConf("disable_ipv6", "0")
}

// DisableIPv6 turns the IPv6 stack off, which also flushes IPv6 addresses
// and routes.
func (c *InterfaceController) DisableIPv6() error {
	return c.writeConf("disable_ipv6", "1")
}

// SetIPv6PrivacyExtensions enables temporary addresses, preferring them as
// source addresses.
func (c *InterfaceController) SetIPv6PrivacyExtensions(enable bool) error {
	v := "0"
	if enable {
		v = "2"
	}
	return c.writeConf("use_tempaddr", v)
}

// SetIPv6AddrGenMode sets the IN6_ADDR_GEN_MODE used for SLAAC.
func (c *InterfaceController) SetIPv6AddrGenMode(mode int) error {
	if mode < AddrGenModeEUI64 || mode > AddrGenModeRandom {
		return fmt.Errorf("invalid address generation mode %d", mode)
	}
	return c.writeConf("addr_gen_mode", strconv.Itoa(mode))
}

// SetMTU sets the interface MTU.
func (c *InterfaceController) SetMTU(mtu int) error {
	link, err := c.link()
	if err != nil {
		return err
	}
	if err := c.nl.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("failed to set MTU %d on %s: %w", mtu, c.iface, err)
	}
	return nil
}

func (c *InterfaceController) writeConf(key, value string) error {
	path := IPv6ConfPath(c.iface, key)
	if err := c.sys.WriteSysctl(path, value); err != nil {
		return fmt.Errorf("failed to set %s=%s: %w", path, value, err)
	}
	return nil
}
