//go:build !linux

package packettracker

import (
	"errors"
	"net"

	"golang.org/x/net/bpf"
)

func listenRaw(ifi *net.Interface, filter []bpf.RawInstruction) (Conn, error) {
	return nil, errors.New("packet capture is only supported on linux")
}
