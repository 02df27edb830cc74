//go:build !linux

package dhcp

import (
	"errors"

	"grimm.is/ipclient/internal/network"
)

func dialNative(params *network.InterfaceParams) (Exchanger, error) {
	return nil, errors.New("native DHCP client is only supported on linux")
}
