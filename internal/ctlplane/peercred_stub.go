//go:build !linux

package ctlplane

import (
	"errors"
	"net"
)

func peerCredentials(conn net.Conn) (Peer, error) {
	return Peer{}, errors.New("peer credentials not supported on this platform")
}
