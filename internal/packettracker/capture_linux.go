//go:build linux

package packettracker

import (
	"net"

	"github.com/mdlayher/packet"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

func listenRaw(ifi *net.Interface, filter []bpf.RawInstruction) (Conn, error) {
	c, err := packet.Listen(ifi, packet.Raw, unix.ETH_P_ALL, &packet.Config{Filter: filter})
	if err != nil {
		return nil, err
	}
	return c, nil
}
