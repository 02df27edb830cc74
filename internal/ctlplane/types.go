package ctlplane

import (
	"io"
	"time"

	"grimm.is/ipclient/internal/events"
	"grimm.is/ipclient/internal/ipclient"
	"grimm.is/ipclient/internal/linkprops"
)

// Engine is the command surface of one provisioning engine.
// *ipclient.Engine implements it.
type Engine interface {
	Interface() string
	CycleID() string
	StartProvisioning(cfg ipclient.ProvisioningConfiguration) error
	Stop(code ipclient.DisconnectCode)
	Shutdown()
	ConfirmConfiguration()
	CompletedPreDHCPAction()
	ReadPacketFilterComplete(data []byte)
	SetTCPBufferSizes(profile string)
	SetHTTPProxy(proxy *linkprops.ProxyInfo)
	SetMulticastFilter(enabled bool)
	AddKeepalivePacketFilter(slot int, pkt ipclient.KeepalivePacket)
	RemoveKeepalivePacketFilter(slot int)
	NotifyPreconnectionComplete(success bool)
	UpdateLayer2Information(info ipclient.Layer2Info)
	Dump(w io.Writer, args []string)
	Status() ipclient.Status
}

var _ Engine = (*ipclient.Engine)(nil)

// Backend gives the server access to the daemon's engines.
type Backend interface {
	Engine(name string) (Engine, bool)
	Engines() []Engine
	// Configured returns the provisioning configuration from the config
	// file, used by start requests that carry none.
	Configured(name string) (ipclient.ProvisioningConfiguration, bool)
}

// History reads the callback journal.
type History interface {
	Query(iface string, limit int) ([]events.Record, error)
}

// Empty is used for methods without arguments or replies.
type Empty struct{}

// InterfaceArgs names the target engine.
type InterfaceArgs struct {
	Interface string `json:"interface"`
}

// StartArgs starts provisioning. A nil Config uses the configured one.
type StartArgs struct {
	Interface string                              `json:"interface"`
	Config    *ipclient.ProvisioningConfiguration `json:"config,omitempty"`
}

// StopArgs stops provisioning. An empty Code means normal termination.
type StopArgs struct {
	Interface string                  `json:"interface"`
	Code      ipclient.DisconnectCode `json:"code,omitempty"`
}

// BoolArgs carries an on/off command argument.
type BoolArgs struct {
	Interface string `json:"interface"`
	Enabled   bool   `json:"enabled"`
}

// StringArgs carries a string command argument.
type StringArgs struct {
	Interface string `json:"interface"`
	Value     string `json:"value"`
}

// BytesArgs carries a packet filter data snapshot.
type BytesArgs struct {
	Interface string `json:"interface"`
	Data      []byte `json:"data"`
}

// ProxyArgs sets or clears the HTTP proxy.
type ProxyArgs struct {
	Interface string               `json:"interface"`
	Proxy     *linkprops.ProxyInfo `json:"proxy,omitempty"`
}

// KeepaliveArgs adds a keepalive offload in a slot.
type KeepaliveArgs struct {
	Interface string                   `json:"interface"`
	Slot      int                      `json:"slot"`
	Packet    ipclient.KeepalivePacket `json:"packet"`
}

// SlotArgs names a keepalive slot.
type SlotArgs struct {
	Interface string `json:"interface"`
	Slot      int    `json:"slot"`
}

// Layer2Args carries new layer 2 information.
type Layer2Args struct {
	Interface string              `json:"interface"`
	Info      ipclient.Layer2Info `json:"info"`
}

// DumpArgs requests a dump, with optional dump arguments such as "confirm".
type DumpArgs struct {
	Interface string   `json:"interface"`
	Args      []string `json:"args,omitempty"`
}

// DumpReply is the dump text.
type DumpReply struct {
	Output string `json:"output"`
}

// StatusReply describes the daemon and its engines.
type StatusReply struct {
	Version string            `json:"version"`
	Uptime  time.Duration     `json:"uptime"`
	Engines []ipclient.Status `json:"engines"`
}

// HistoryArgs selects journal records.
type HistoryArgs struct {
	Interface string `json:"interface,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// HistoryReply holds journal records, newest first.
type HistoryReply struct {
	Records []events.Record `json:"records"`
}
