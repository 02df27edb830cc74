//go:build linux
// +build linux

package network

import (
	"fmt"

	"github.com/safchain/ethtool"
)

// LinkInfo reads driver metadata through an ethtool handle.
type LinkInfo struct {
	handle *ethtool.Ethtool
}

// NewLinkInfo opens an ethtool handle.
func NewLinkInfo() (*LinkInfo, error) {
	h, err := ethtool.NewEthtool()
	if err != nil {
		return nil, fmt.Errorf("failed to open ethtool handle: %w", err)
	}
	return &LinkInfo{handle: h}, nil
}

// Close closes the ethtool handle.
func (li *LinkInfo) Close() {
	li.handle.Close()
}

// DriverInfo returns driver information for an interface.
func (li *LinkInfo) DriverInfo(iface string) (*DriverInfo, error) {
	info, err := li.handle.DriverInfo(iface)
	if err != nil {
		return nil, fmt.Errorf("ethtool DriverInfo failed for %s: %w", iface, err)
	}
	return &DriverInfo{
		Driver:   info.Driver,
		Version:  info.Version,
		Firmware: info.FwVersion,
		BusInfo:  info.BusInfo,
	}, nil
}
