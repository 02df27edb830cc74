package ipclient

import (
	"fmt"
	"io"
	"net/netip"

	"grimm.is/ipclient/internal/linkprops"
	"grimm.is/ipclient/internal/network"
)

// KeepaliveType is the kind of packet a keepalive filter answers for.
type KeepaliveType string

const (
	KeepaliveTCP  KeepaliveType = "tcp"
	KeepaliveNATT KeepaliveType = "nat-t"
)

// KeepalivePacket describes an offloaded keepalive flow.
type KeepalivePacket struct {
	Type    KeepaliveType  `json:"type"`
	Src     netip.AddrPort `json:"src"`
	Dst     netip.AddrPort `json:"dst"`
	Seq     uint32         `json:"seq,omitempty"`
	Ack     uint32         `json:"ack,omitempty"`
	Payload []byte         `json:"payload,omitempty"`
}

func (k KeepalivePacket) String() string {
	return fmt.Sprintf("%s %s > %s", k.Type, k.Src, k.Dst)
}

// FilterConfig is passed to a PacketFilterFactory.
type FilterConfig struct {
	Capabilities    APFCapabilities
	MulticastFilter bool
}

// PacketFilter is a hardware packet filter program for one interface. The
// engine only coordinates it; program generation lives behind this
// interface. Methods are called from the engine goroutine, except Dump.
type PacketFilter interface {
	SetLinkProperties(lp linkprops.LinkProperties)
	SetMulticastFilter(enabled bool)
	AddKeepalivePacketFilter(slot int, pkt KeepalivePacket) error
	RemoveKeepalivePacketFilter(slot int)
	// SetDataSnapshot stores data read back from the hardware.
	SetDataSnapshot(data []byte)
	Dump(w io.Writer)
	Shutdown()
}

// PacketFilterFactory creates the filter when the engine starts running. A
// nil filter with a nil error means the hardware has no usable filter, and
// the engine falls back to setFallbackMulticastFilter. The filter installs
// programs through cb.
type PacketFilterFactory func(cfg FilterConfig, params *network.InterfaceParams, cb Callbacks) (PacketFilter, error)
