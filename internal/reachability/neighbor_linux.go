//go:build linux

package reachability

import (
	"context"
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/ipclient/internal/network"
)

// Start subscribes to neighbor table updates for the interface.
func (m *Monitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	updates := make(chan netlink.NeighUpdate, 64)
	err := netlink.NeighSubscribeWithOptions(updates, ctx.Done(), netlink.NeighSubscribeOptions{
		ListExisting: true,
		ErrorCallback: func(err error) {
			if !errors.Is(err, netlink.ErrDumpInterrupted) {
				m.logger.Warn("neighbor subscription error", "error", err)
			}
		},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe neighbors on %s: %w", m.iface, err)
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if u.LinkIndex != m.index {
					continue
				}
				addr, ok := network.IPToAddr(u.IP)
				if !ok {
					continue
				}
				state := u.State
				if u.Type == unix.RTM_DELNEIGH {
					state = network.NUDNone
				}
				m.HandleNeighborEvent(NeighborEvent{
					Time:  m.clock.Now(),
					Addr:  addr,
					State: state,
					MAC:   u.HardwareAddr,
				})
			}
		}
	}()
	return nil
}
