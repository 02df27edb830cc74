package ipclient

import (
	"fmt"
	"net/netip"
	"time"

	"grimm.is/ipclient/internal/network"
)

type msgKind int

const (
	cmdStart msgKind = iota + 1
	cmdStop
	cmdTerminateAfterStop
	cmdConfirm
	cmdPreDHCPActionComplete
	cmdReadPacketFilterComplete
	cmdSetTCPBufferSizes
	cmdSetHTTPProxy
	cmdSetMulticastFilter
	cmdAddKeepalive
	cmdRemoveKeepalive
	cmdCompletePreconnection
	cmdUpdateL2Information
	cmdJumpToStopping
	cmdJumpStoppingToStopped
	evNetlinkUpdate
	evParamsResolved
	evAddressesCleared
	evProvisioningTimeout
	evDHCPActionTimeout
	evDHCP
	evReachabilityLost
	evNeighborReachable
)

var msgNames = map[msgKind]string{
	cmdStart:                    "CMD_START",
	cmdStop:                     "CMD_STOP",
	cmdTerminateAfterStop:       "CMD_TERMINATE_AFTER_STOP",
	cmdConfirm:                  "CMD_CONFIRM",
	cmdPreDHCPActionComplete:    "CMD_PRE_DHCP_ACTION_COMPLETE",
	cmdReadPacketFilterComplete: "CMD_READ_PACKET_FILTER_COMPLETE",
	cmdSetTCPBufferSizes:        "CMD_UPDATE_TCP_BUFFER_SIZES",
	cmdSetHTTPProxy:             "CMD_UPDATE_HTTP_PROXY",
	cmdSetMulticastFilter:       "CMD_SET_MULTICAST_FILTER",
	cmdAddKeepalive:             "CMD_ADD_KEEPALIVE_PACKET_FILTER_TO_APF",
	cmdRemoveKeepalive:          "CMD_REMOVE_KEEPALIVE_PACKET_FILTER_FROM_APF",
	cmdCompletePreconnection:    "CMD_COMPLETE_PRECONNECTION",
	cmdUpdateL2Information:      "CMD_UPDATE_L2INFORMATION",
	cmdJumpToStopping:           "CMD_JUMP_RUNNING_TO_STOPPING",
	cmdJumpStoppingToStopped:    "CMD_JUMP_STOPPING_TO_STOPPED",
	evNetlinkUpdate:             "EVENT_NETLINK_LINKPROPERTIES_CHANGED",
	evParamsResolved:            "EVENT_INTERFACE_PARAMS_RESOLVED",
	evAddressesCleared:          "CMD_ADDRESSES_CLEARED",
	evProvisioningTimeout:       "EVENT_PROVISIONING_TIMEOUT",
	evDHCPActionTimeout:         "EVENT_DHCPACTION_TIMEOUT",
	evDHCP:                      "EVENT_DHCP",
	evReachabilityLost:          "EVENT_REACHABILITY_LOST",
	evNeighborReachable:         "EVENT_NEIGHBOR_REACHABLE",
}

func (k msgKind) String() string {
	if n, ok := msgNames[k]; ok {
		return n
	}
	return fmt.Sprintf("msg(%d)", int(k))
}

// message is one entry in the engine queue.
type message struct {
	kind msgKind
	arg1 int
	flag bool
	gen  uint64
	obj  any
	at   time.Time
}

func (m message) describe(iface string, index int) string {
	arg2 := 0
	if m.flag {
		arg2 = 1
	}
	obj := "null"
	if m.obj != nil {
		obj = fmt.Sprint(m.obj)
	}
	return fmt.Sprintf("%s/%d %d %d %s", iface, index, m.arg1, arg2, obj)
}

type resolvedParams struct {
	params *network.InterfaceParams
	err    error
}

func (r resolvedParams) String() string {
	if r.err != nil {
		return r.err.Error()
	}
	return r.params.String()
}

type lostNeighbor struct {
	addr netip.Addr
	msg  string
}

func (l lostNeighbor) String() string { return l.addr.String() }

type state int

const (
	stateStopped state = iota
	stateClearing
	statePreconnecting
	stateRunning
	stateStopping
)

func (s state) String() string {
	switch s {
	case stateStopped:
		return "Stopped"
	case stateClearing:
		return "ClearingIpAddresses"
	case statePreconnecting:
		return "Preconnecting"
	case stateRunning:
		return "Running"
	case stateStopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// started reports whether s is nested in the Started phase.
func (s state) started() bool {
	return s == stateClearing || s == statePreconnecting || s == stateRunning
}

// result is how a state disposed of a message.
type result int

const (
	handled result = iota
	notHandled
	deferred
)
