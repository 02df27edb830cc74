//go:build !linux
// +build !linux

package network

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// DefaultNetlinker is the default RealNetlinker instance (stub).
var DefaultNetlinker Netlinker = &RealNetlinker{}

// RealNetlinker is a stub implementation of Netlinker.
type RealNetlinker struct{}

func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return nil, fmt.Errorf("LinkByName not supported on this platform")
}

func (r *RealNetlinker) LinkByIndex(index int) (netlink.Link, error) {
	return nil, fmt.Errorf("LinkByIndex not supported on this platform")
}

func (r *RealNetlinker) LinkSetMTU(link netlink.Link, mtu int) error {
	return nil
}

func (r *RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return nil, nil
}

func (r *RealNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return nil
}

func (r *RealNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return nil
}

func (r *RealNetlinker) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return nil, nil
}

func (r *RealNetlinker) NeighList(linkIndex, family int) ([]netlink.Neigh, error) {
	return nil, nil
}

func (r *RealNetlinker) NeighSet(neigh *netlink.Neigh) error {
	return nil
}
