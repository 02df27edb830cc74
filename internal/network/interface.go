package network

import (
	"fmt"
	"net"
)

// InterfaceParams is what the provisioning engine needs to know about the
// interface before it can start.
type InterfaceParams struct {
	Name       string           `json:"name"`
	Index      int              `json:"index"`
	MAC        net.HardwareAddr `json:"mac,omitempty"`
	DefaultMTU int              `json:"default_mtu"`
	Driver     string           `json:"driver,omitempty"`
	Firmware   string           `json:"firmware,omitempty"`
}

func (p *InterfaceParams) String() string {
	s := fmt.Sprintf("%s index %d mac %s mtu %d", p.Name, p.Index, p.MAC, p.DefaultMTU)
	if p.Driver != "" {
		s += " driver " + p.Driver
	}
	return s
}

// DriverInfo contains driver metadata from ethtool.
type DriverInfo struct {
	Driver   string
	Version  string
	Firmware string
	BusInfo  string
}

// DriverLookup returns driver metadata for an interface.
type DriverLookup interface {
	DriverInfo(iface string) (*DriverInfo, error)
}

// ResolveInterfaceParams looks up name via netlink. A missing link yields an
// error wrapping ErrInterfaceNotFound. Driver metadata is best effort; drv
// may be nil.
func ResolveInterfaceParams(nl Netlinker, drv DriverLookup, name string) (*InterfaceParams, error) {
	link, err := nl.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInterfaceNotFound, name, err)
	}
	attrs := link.Attrs()
	if attrs == nil || attrs.Index <= 0 {
		return nil, fmt.Errorf("%w: %s has no index", ErrInterfaceNotFound, name)
	}
	p := &InterfaceParams{
		Name:       name,
		Index:      attrs.Index,
		MAC:        attrs.HardwareAddr,
		DefaultMTU: attrs.MTU,
	}
	if drv != nil {
		if info, err := drv.DriverInfo(name); err == nil {
			p.Driver = info.Driver
			p.Firmware = info.Firmware
		}
	}
	return p, nil
}

// CurrentMTU returns the MTU of the interface with the given index, or an
// error if it has gone away.
func CurrentMTU(nl Netlinker, index int) (int, error) {
	link, err := nl.LinkByIndex(index)
	if err != nil {
		return 0, fmt.Errorf("%w: index %d: %v", ErrInterfaceNotFound, index, err)
	}
	return link.Attrs().MTU, nil
}
