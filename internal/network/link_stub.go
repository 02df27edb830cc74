//go:build !linux
// +build !linux

package network

import "fmt"

// LinkInfo reads driver metadata (Stub).
type LinkInfo struct{}

// NewLinkInfo creates a link info reader (Stub).
func NewLinkInfo() (*LinkInfo, error) {
	return &LinkInfo{}, nil
}

// Close is a no-op (Stub).
func (li *LinkInfo) Close() {}

// DriverInfo is not available on this platform.
func (li *LinkInfo) DriverInfo(iface string) (*DriverInfo, error) {
	return nil, fmt.Errorf("driver info not supported on this platform")
}
