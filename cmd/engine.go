package cmd

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"grimm.is/ipclient/internal/ctlplane"
	"grimm.is/ipclient/internal/ipclient"
	"grimm.is/ipclient/internal/linkprops"
)

// RunStart starts provisioning on an interface with its configured
// settings.
func RunStart(opts ClientOptions, iface string) error {
	return withClient(opts, func(c ctlplane.ControlPlaneClient) error {
		if err := c.StartProvisioning(iface, nil); err != nil {
			return fmt.Errorf("start %s: %w", iface, err)
		}
		Printer.Fprintf(Stdout, "Provisioning started on %s\n", iface)
		return nil
	})
}

// RunStop stops provisioning on an interface.
func RunStop(opts ClientOptions, iface, code string) error {
	return withClient(opts, func(c ctlplane.ControlPlaneClient) error {
		if err := c.Stop(iface, ipclient.DisconnectCode(code)); err != nil {
			return fmt.Errorf("stop %s: %w", iface, err)
		}
		Printer.Fprintf(Stdout, "Provisioning stopped on %s\n", iface)
		return nil
	})
}

// RunConfirm asks an engine to re-probe its watched neighbors.
func RunConfirm(opts ClientOptions, iface string) error {
	return withClient(opts, func(c ctlplane.ControlPlaneClient) error {
		if err := c.Confirm(iface); err != nil {
			return fmt.Errorf("confirm %s: %w", iface, err)
		}
		Printer.Fprintf(Stdout, "Confirmation requested on %s\n", iface)
		return nil
	})
}

// RunDump prints an engine's diagnostic dump.
func RunDump(opts ClientOptions, iface string, args []string) error {
	return withClient(opts, func(c ctlplane.ControlPlaneClient) error {
		out, err := c.Dump(iface, args...)
		if err != nil {
			return fmt.Errorf("dump %s: %w", iface, err)
		}
		fmt.Fprint(Stdout, out)
		return nil
	})
}

// RunHistory prints journaled callbacks, newest first.
func RunHistory(opts ClientOptions, iface string, limit int) error {
	return withClient(opts, func(c ctlplane.ControlPlaneClient) error {
		h, err := c.History(iface, limit)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		if opts.Output != "" && opts.Output != "text" {
			return writeStructured(Stdout, opts.Output, h)
		}
		w := tabwriter.NewWriter(Stdout, 0, 0, 2, ' ', 0)
		Printer.Fprintln(w, "TIME\tINTERFACE\tEVENT\tCYCLE\tDATA")
		for _, r := range h.Records {
			data := string(r.Data)
			if data == "null" {
				data = ""
			}
			Printer.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.Timestamp.Local().Format(time.DateTime), r.Interface, r.Type, orDash(r.CycleID), data)
		}
		return w.Flush()
	})
}

// RunCommand sends one of the remaining engine commands:
//
//	shutdown
//	predhcp-done
//	multicast on|off
//	tcp-buffers <profile>
//	proxy <host:port>|none
//	preconnection success|fail
//	layer2 <l2key> <cluster> [bssid]
//	keepalive-remove <slot>
func RunCommand(opts ClientOptions, iface, action string, args []string) error {
	call, err := parseCommand(action, args)
	if err != nil {
		return err
	}
	return withClient(opts, func(c ctlplane.ControlPlaneClient) error {
		if err := call(c, iface); err != nil {
			return fmt.Errorf("%s %s: %w", action, iface, err)
		}
		Printer.Fprintf(Stdout, "%s: %s ok\n", iface, action)
		return nil
	})
}

type engineCall func(c ctlplane.ControlPlaneClient, iface string) error

func parseCommand(action string, args []string) (engineCall, error) {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: expected %d argument(s)", action, n)
		}
		return nil
	}

	switch action {
	case "shutdown":
		return func(c ctlplane.ControlPlaneClient, iface string) error {
			return c.Shutdown(iface)
		}, nil

	case "predhcp-done":
		return func(c ctlplane.ControlPlaneClient, iface string) error {
			return c.CompletedPreDHCPAction(iface)
		}, nil

	case "multicast":
		if err := need(1); err != nil {
			return nil, err
		}
		on, err := parseOnOff(args[0])
		if err != nil {
			return nil, err
		}
		return func(c ctlplane.ControlPlaneClient, iface string) error {
			return c.SetMulticastFilter(iface, on)
		}, nil

	case "tcp-buffers":
		if err := need(1); err != nil {
			return nil, err
		}
		return func(c ctlplane.ControlPlaneClient, iface string) error {
			return c.SetTCPBufferSizes(iface, args[0])
		}, nil

	case "proxy":
		if err := need(1); err != nil {
			return nil, err
		}
		proxy, err := parseProxy(args[0], args[1:])
		if err != nil {
			return nil, err
		}
		return func(c ctlplane.ControlPlaneClient, iface string) error {
			return c.SetHTTPProxy(iface, proxy)
		}, nil

	case "preconnection":
		if err := need(1); err != nil {
			return nil, err
		}
		var ok bool
		switch args[0] {
		case "success":
			ok = true
		case "fail":
		default:
			return nil, fmt.Errorf("preconnection: want success or fail, got %q", args[0])
		}
		return func(c ctlplane.ControlPlaneClient, iface string) error {
			return c.NotifyPreconnectionComplete(iface, ok)
		}, nil

	case "layer2":
		if err := need(2); err != nil {
			return nil, err
		}
		info := ipclient.Layer2Info{L2Key: args[0], Cluster: args[1]}
		if len(args) > 2 {
			mac, err := net.ParseMAC(args[2])
			if err != nil {
				return nil, fmt.Errorf("layer2: %w", err)
			}
			info.BSSID = mac
		}
		return func(c ctlplane.ControlPlaneClient, iface string) error {
			return c.UpdateLayer2Information(iface, info)
		}, nil

	case "keepalive-remove":
		if err := need(1); err != nil {
			return nil, err
		}
		slot, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, fmt.Errorf("keepalive-remove: invalid slot %q", args[0])
		}
		return func(c ctlplane.ControlPlaneClient, iface string) error {
			return c.RemoveKeepalivePacketFilter(iface, slot)
		}, nil
	}
	return nil, fmt.Errorf("unknown command %q", action)
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("want on or off, got %q", s)
}

// parseProxy reads "host:port" plus optional exclusions, or "none".
func parseProxy(s string, exclusions []string) (*linkprops.ProxyInfo, error) {
	if s == "none" {
		return nil, nil
	}
	ap, err := netip.ParseAddrPort(s)
	if err == nil {
		return &linkprops.ProxyInfo{Host: ap.Addr().String(), Port: int(ap.Port()), ExclusionList: exclusions}, nil
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("proxy: invalid port %q", portStr)
	}
	return &linkprops.ProxyInfo{Host: host, Port: port, ExclusionList: exclusions}, nil
}
