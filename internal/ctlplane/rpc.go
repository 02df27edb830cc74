package ctlplane

import (
	"fmt"
	"strings"
	"time"

	"grimm.is/ipclient/internal/brand"
	"grimm.is/ipclient/internal/events"
	"grimm.is/ipclient/internal/ipclient"
)

const defaultHistoryLimit = 50

// session is the RPC receiver for one connection.
type session struct {
	server *Server
	peer   Peer
	id     string
}

func (ss *session) engine(name string) (Engine, error) {
	b := ss.server.backend
	if name == "" {
		engines := b.Engines()
		if len(engines) == 1 {
			return engines[0], nil
		}
		return nil, ErrInterfaceRequired
	}
	e, ok := b.Engine(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInterface, name)
	}
	return e, nil
}

// command resolves the engine, runs fn and records the request. Every
// command is published to the hub as an audit event.
func (ss *session) command(method, iface string, args any, fn func(Engine) error) (err error) {
	s := ss.server
	start := s.clock.Now()
	var e Engine
	defer func() {
		s.metrics.RecordRPC(method, err, s.clock.Since(start))
		ss.audit(method, iface, e, args, err)
	}()

	if e, err = ss.engine(iface); err != nil {
		return err
	}
	return fn(e)
}

func (ss *session) audit(method, iface string, e Engine, args any, err error) {
	s := ss.server
	data := events.CommandData{
		Method: method,
		UID:    ss.peer.UID,
		Args:   fmt.Sprintf("%+v", args),
	}
	if err != nil {
		data.Error = err.Error()
	}
	ev := events.Event{Type: events.EventCommand, Interface: iface, Data: data}
	if e != nil {
		ev.Interface = e.Interface()
		ev.CycleID = e.CycleID()
	}
	s.logger.Info("command", "method", method, "interface", ev.Interface,
		"uid", ss.peer.UID, "session", ss.id, "error", data.Error)
	if s.cfg.Hub != nil {
		s.cfg.Hub.Publish(ev)
	}
}

func (ss *session) observe(method string, start time.Time, err error) {
	ss.server.metrics.RecordRPC(method, err, ss.server.clock.Since(start))
}

// StartProvisioning starts a cycle with the given configuration, or the
// one from the config file.
func (ss *session) StartProvisioning(args *StartArgs, reply *Empty) error {
	return ss.command("StartProvisioning", args.Interface, args, func(e Engine) error {
		var cfg ipclient.ProvisioningConfiguration
		if args.Config != nil {
			cfg = *args.Config
		} else {
			var ok bool
			if cfg, ok = ss.server.backend.Configured(e.Interface()); !ok {
				return ErrNotConfigured
			}
		}
		return e.StartProvisioning(cfg)
	})
}

// Stop ends the current cycle.
func (ss *session) Stop(args *StopArgs, reply *Empty) error {
	return ss.command("Stop", args.Interface, args, func(e Engine) error {
		code := args.Code
		if code == "" {
			code = ipclient.DisconnectNormal
		}
		e.Stop(code)
		return nil
	})
}

// Shutdown stops the engine permanently.
func (ss *session) Shutdown(args *InterfaceArgs, reply *Empty) error {
	return ss.command("Shutdown", args.Interface, args, func(e Engine) error {
		e.Shutdown()
		return nil
	})
}

// Confirm forces a reachability confirmation.
func (ss *session) Confirm(args *InterfaceArgs, reply *Empty) error {
	return ss.command("Confirm", args.Interface, args, func(e Engine) error {
		e.ConfirmConfiguration()
		return nil
	})
}

// CompletedPreDHCPAction acknowledges the pre-DHCP action.
func (ss *session) CompletedPreDHCPAction(args *InterfaceArgs, reply *Empty) error {
	return ss.command("CompletedPreDHCPAction", args.Interface, args, func(e Engine) error {
		e.CompletedPreDHCPAction()
		return nil
	})
}

// ReadPacketFilterComplete delivers a packet filter data snapshot.
func (ss *session) ReadPacketFilterComplete(args *BytesArgs, reply *Empty) error {
	return ss.command("ReadPacketFilterComplete", args.Interface, summarizeBytes(args), func(e Engine) error {
		e.ReadPacketFilterComplete(args.Data)
		return nil
	})
}

// SetTCPBufferSizes sets the TCP buffer size profile.
func (ss *session) SetTCPBufferSizes(args *StringArgs, reply *Empty) error {
	return ss.command("SetTCPBufferSizes", args.Interface, args, func(e Engine) error {
		e.SetTCPBufferSizes(args.Value)
		return nil
	})
}

// SetHTTPProxy sets or clears the HTTP proxy.
func (ss *session) SetHTTPProxy(args *ProxyArgs, reply *Empty) error {
	return ss.command("SetHTTPProxy", args.Interface, args, func(e Engine) error {
		e.SetHTTPProxy(args.Proxy)
		return nil
	})
}

// SetMulticastFilter toggles multicast filtering.
func (ss *session) SetMulticastFilter(args *BoolArgs, reply *Empty) error {
	return ss.command("SetMulticastFilter", args.Interface, args, func(e Engine) error {
		e.SetMulticastFilter(args.Enabled)
		return nil
	})
}

// AddKeepalivePacketFilter installs a keepalive offload.
func (ss *session) AddKeepalivePacketFilter(args *KeepaliveArgs, reply *Empty) error {
	return ss.command("AddKeepalivePacketFilter", args.Interface, args, func(e Engine) error {
		e.AddKeepalivePacketFilter(args.Slot, args.Packet)
		return nil
	})
}

// RemoveKeepalivePacketFilter removes a keepalive offload.
func (ss *session) RemoveKeepalivePacketFilter(args *SlotArgs, reply *Empty) error {
	return ss.command("RemoveKeepalivePacketFilter", args.Interface, args, func(e Engine) error {
		e.RemoveKeepalivePacketFilter(args.Slot)
		return nil
	})
}

// NotifyPreconnectionComplete reports the preconnection outcome.
func (ss *session) NotifyPreconnectionComplete(args *BoolArgs, reply *Empty) error {
	return ss.command("NotifyPreconnectionComplete", args.Interface, args, func(e Engine) error {
		e.NotifyPreconnectionComplete(args.Enabled)
		return nil
	})
}

// UpdateLayer2Information reports a roam or an L2 key change.
func (ss *session) UpdateLayer2Information(args *Layer2Args, reply *Empty) error {
	return ss.command("UpdateLayer2Information", args.Interface, args, func(e Engine) error {
		e.UpdateLayer2Information(args.Info)
		return nil
	})
}

// Dump returns the engine's diagnostic dump. The "confirm" argument
// triggers a confirmation instead and is audited like Confirm.
func (ss *session) Dump(args *DumpArgs, reply *DumpReply) error {
	run := func(e Engine) error {
		var b strings.Builder
		e.Dump(&b, args.Args)
		reply.Output = b.String()
		return nil
	}
	for _, a := range args.Args {
		if a == "confirm" {
			return ss.command("Dump", args.Interface, args, run)
		}
	}

	start := ss.server.clock.Now()
	e, err := ss.engine(args.Interface)
	if err == nil {
		err = run(e)
	}
	ss.observe("Dump", start, err)
	return err
}

// Status describes every engine, or one when an interface is named.
func (ss *session) Status(args *InterfaceArgs, reply *StatusReply) error {
	s := ss.server
	start := s.clock.Now()
	reply.Version = brand.VersionString()
	reply.Uptime = s.clock.Since(s.started).Truncate(time.Second)

	var err error
	if args.Interface != "" {
		var e Engine
		if e, err = ss.engine(args.Interface); err == nil {
			reply.Engines = []ipclient.Status{e.Status()}
		}
	} else {
		for _, e := range s.backend.Engines() {
			reply.Engines = append(reply.Engines, e.Status())
		}
	}
	ss.observe("Status", start, err)
	return err
}

// History returns journaled callbacks, newest first.
func (ss *session) History(args *HistoryArgs, reply *HistoryReply) (err error) {
	s := ss.server
	start := s.clock.Now()
	defer func() { ss.observe("History", start, err) }()

	if s.cfg.History == nil {
		return ErrNoHistory
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	reply.Records, err = s.cfg.History.Query(args.Interface, limit)
	return err
}

type bytesSummary struct {
	Interface string
	Bytes     int
}

func summarizeBytes(args *BytesArgs) bytesSummary {
	return bytesSummary{Interface: args.Interface, Bytes: len(args.Data)}
}
