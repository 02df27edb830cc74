// Package events fans engine callbacks out to subscribers and keeps a
// sqlite journal of them for "ipclientd history".
package events

import "time"

// EventType identifies the callback that produced an event.
type EventType string

const (
	// Provisioning outcomes
	EventProvisioningSuccess  EventType = "provisioning.success"
	EventProvisioningFailure  EventType = "provisioning.failure"
	EventLinkPropertiesChange EventType = "linkproperties.change"

	// DHCP
	EventDHCPResults    EventType = "dhcp.results"
	EventPreDHCPAction  EventType = "dhcp.pre_action"
	EventPostDHCPAction EventType = "dhcp.post_action"

	// Neighbors
	EventReachabilityLost EventType = "reachability.lost"

	// Packet filter and offloads
	EventPacketFilterInstall EventType = "apf.install"
	EventPacketFilterRead    EventType = "apf.read"
	EventMulticastFallback   EventType = "apf.multicast_fallback"
	EventNDOffload           EventType = "nd.offload"

	EventPreconnectionStart EventType = "preconnection.start"
	EventQuit               EventType = "engine.quit"

	// Control plane commands
	EventCommand EventType = "command"
)

// Event is one callback delivered by an engine.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Interface string    `json:"interface"`
	CycleID   string    `json:"cycle_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// LinkPropertiesData summarizes a LinkProperties snapshot.
type LinkPropertiesData struct {
	Addresses   []string `json:"addresses,omitempty"`
	Routes      []string `json:"routes,omitempty"`
	DNSServers  []string `json:"dns_servers,omitempty"`
	NAT64Prefix string   `json:"nat64_prefix,omitempty"`
	MTU         int      `json:"mtu,omitempty"`
	IPv4        bool     `json:"ipv4_provisioned"`
	IPv6        bool     `json:"ipv6_provisioned"`
}

// DHCPResultsData is the payload for EventDHCPResults. A nil lease means
// the results were cleared.
type DHCPResultsData struct {
	Address    string   `json:"address,omitempty"`
	Gateway    string   `json:"gateway,omitempty"`
	DNSServers []string `json:"dns_servers,omitempty"`
	Server     string   `json:"server,omitempty"`
	Lease      string   `json:"lease,omitempty"`
	Metered    bool     `json:"metered,omitempty"`
}

// MessageData carries a free-form message, such as the reason for a lost
// neighbor.
type MessageData struct {
	Message string `json:"message"`
}

// FlagData carries an on/off callback argument.
type FlagData struct {
	Enabled bool `json:"enabled"`
}

// SizeData carries the size of a program or a packet batch.
type SizeData struct {
	Bytes   int `json:"bytes,omitempty"`
	Packets int `json:"packets,omitempty"`
}

// CommandData records a control plane command for the audit trail.
type CommandData struct {
	Method string `json:"method"`
	UID    int    `json:"uid"`
	Args   string `json:"args,omitempty"`
	Error  string `json:"error,omitempty"`
}
