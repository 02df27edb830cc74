//go:build linux

package linkobserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/ndp"
	"github.com/vishvananda/netlink"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"grimm.is/ipclient/internal/network"
)

// Start subscribes to kernel address, route and link events for the
// interface and listens for router advertisements. It returns once the
// subscriptions are established; events are processed until ctx is done.
func (o *Observer) Start(ctx context.Context) error {
	ifi, err := net.InterfaceByName(o.iface)
	if err != nil {
		return fmt.Errorf("%w: %s", network.ErrInterfaceNotFound, o.iface)
	}
	index := ifi.Index

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()
	onErr := func(err error) {
		if !errors.Is(err, netlink.ErrDumpInterrupted) {
			o.logger.Warn("netlink subscription error", "error", err)
		}
	}

	addrs := make(chan netlink.AddrUpdate, 64)
	if err := netlink.AddrSubscribeWithOptions(addrs, done, netlink.AddrSubscribeOptions{
		ListExisting:  true,
		ErrorCallback: onErr,
	}); err != nil {
		return fmt.Errorf("subscribe addresses: %w", err)
	}
	routes := make(chan netlink.RouteUpdate, 64)
	if err := netlink.RouteSubscribeWithOptions(routes, done, netlink.RouteSubscribeOptions{
		ListExisting:  true,
		ErrorCallback: onErr,
	}); err != nil {
		return fmt.Errorf("subscribe routes: %w", err)
	}
	links := make(chan netlink.LinkUpdate, 16)
	if err := netlink.LinkSubscribeWithOptions(links, done, netlink.LinkSubscribeOptions{
		ListExisting:  true,
		ErrorCallback: onErr,
	}); err != nil {
		return fmt.Errorf("subscribe links: %w", err)
	}

	go o.readNetlink(ctx, index, addrs, routes, links)
	go o.listenRA(ctx, ifi)
	return nil
}

func (o *Observer) readNetlink(ctx context.Context, index int,
	addrs <-chan netlink.AddrUpdate, routes <-chan netlink.RouteUpdate, links <-chan netlink.LinkUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-addrs:
			if !ok {
				return
			}
			if u.LinkIndex != index {
				continue
			}
			la, ok := network.FromNetlinkAddr(netlink.Addr{IPNet: &u.LinkAddress, Flags: u.Flags, Scope: u.Scope})
			if !ok {
				continue
			}
			if u.NewAddr {
				o.OnAddressUpdated(la)
			} else {
				o.OnAddressRemoved(la)
			}
		case u, ok := <-routes:
			if !ok {
				return
			}
			// IPv4 routes come from DHCP or static configuration.
			if u.LinkIndex != index || u.Family != network.FamilyV6 || u.Table != unix.RT_TABLE_MAIN {
				continue
			}
			r, ok := network.FromNetlinkRoute(u.Route, o.iface, network.FamilyV6)
			if !ok {
				continue
			}
			switch u.Type {
			case unix.RTM_NEWROUTE:
				o.OnRouteUpdated(r)
			case unix.RTM_DELROUTE:
				o.OnRouteRemoved(r)
			}
		case u, ok := <-links:
			if !ok {
				return
			}
			if int(u.Index) != index {
				continue
			}
			if u.Header.Type == unix.RTM_DELLINK {
				o.OnInterfaceLinkStateChanged(false)
				continue
			}
			o.OnInterfaceLinkStateChanged(u.Flags&unix.IFF_LOWER_UP != 0)
		}
	}
}

func (o *Observer) listenRA(ctx context.Context, ifi *net.Interface) {
	conn, _, err := ndp.Listen(ifi, ndp.LinkLocal)
	if err != nil {
		o.logger.Warn("router advertisement listener unavailable", "error", err)
		return
	}
	defer conn.Close()

	var f ipv6.ICMPFilter
	f.SetAll(true)
	f.Accept(ipv6.ICMPTypeRouterAdvertisement)
	if err := conn.SetICMPFilter(&f); err != nil {
		o.logger.Warn("failed to set ICMPv6 filter", "error", err)
	}

	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		msg, _, _, err := conn.ReadFrom()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				o.logger.Warn("router advertisement read failed", "error", err)
			}
			return
		}
		ra, ok := msg.(*ndp.RouterAdvertisement)
		if !ok {
			continue
		}
		o.handleRA(ra)
	}
}

func (o *Observer) handleRA(ra *ndp.RouterAdvertisement) {
	for _, opt := range ra.Options {
		switch opt := opt.(type) {
		case *ndp.RecursiveDNSServer:
			o.OnRDNSSOption(uint32(opt.Lifetime/time.Second), opt.Servers)
		case *ndp.DNSSearchList:
			o.OnDNSSLOption(uint32(opt.Lifetime/time.Second), opt.DomainNames)
		case *ndp.PREF64:
			o.OnPref64Option(opt.Prefix, opt.Lifetime)
		}
	}
}
