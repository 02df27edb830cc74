package ipclient

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"

	"grimm.is/ipclient/internal/linkprops"
	"grimm.is/ipclient/internal/network"
)

// ErrInvalidConfig is returned by StartProvisioning for configurations that
// cannot be provisioned.
var ErrInvalidConfig = errors.New("invalid provisioning configuration")

// DisconnectCode is the reason a provisioning cycle ended.
type DisconnectCode string

const (
	DisconnectNormal                    DisconnectCode = "normal-termination"
	DisconnectProvisioningFail          DisconnectCode = "provisioning-fail"
	DisconnectProvisioningTimeout       DisconnectCode = "provisioning-timeout"
	DisconnectInterfaceNotFound         DisconnectCode = "interface-not-found"
	DisconnectErrorStartingIPv4         DisconnectCode = "error-starting-ipv4"
	DisconnectErrorStartingIPv6         DisconnectCode = "error-starting-ipv6"
	DisconnectInvalidProvisioning       DisconnectCode = "invalid-provisioning"
	DisconnectErrorStartingReachability DisconnectCode = "error-starting-reachability-monitor"
)

// APFCapabilities describes the packet filter interpreter of the hardware.
type APFCapabilities struct {
	Version        int `json:"version"`
	MaxProgramSize int `json:"max_program_size"`
	PacketFormat   int `json:"packet_format"`
}

// HasDataAccess reports whether the interpreter can read back its data
// region, which is what makes a fresh snapshot possible in dumps.
func (c *APFCapabilities) HasDataAccess() bool {
	return c != nil && c.Version >= 4
}

func (c *APFCapabilities) String() string {
	if c == nil {
		return "null"
	}
	return fmt.Sprintf("ApfCapabilities{version: %d, maxSize: %d, format: %d}",
		c.Version, c.MaxProgramSize, c.PacketFormat)
}

// InformationElement is one 802.11 information element from a scan result.
type InformationElement struct {
	ID      int    `json:"id"`
	Payload []byte `json:"payload"`
}

// ScanResultInfo is what the link layer saw of the network it associated to.
type ScanResultInfo struct {
	SSID                string               `json:"ssid"`
	BSSID               string               `json:"bssid"`
	InformationElements []InformationElement `json:"information_elements,omitempty"`
}

// Layer2Info identifies the layer 2 network.
type Layer2Info struct {
	L2Key   string           `json:"l2_key,omitempty"`
	Cluster string           `json:"cluster,omitempty"`
	BSSID   net.HardwareAddr `json:"bssid,omitempty"`
}

func (l *Layer2Info) String() string {
	if l == nil {
		return "null"
	}
	return fmt.Sprintf("Layer2Info{l2Key: %s, cluster: %s, bssid: %s}", l.L2Key, l.Cluster, l.BSSID)
}

// ProvisioningConfiguration controls one provisioning cycle. The engine keeps
// its own copy; callers may reuse theirs.
type ProvisioningConfiguration struct {
	EnableIPv4                     bool `json:"enable_ipv4"`
	EnableIPv6                     bool `json:"enable_ipv6"`
	EnablePreconnection            bool `json:"enable_preconnection"`
	UsingReachabilityMonitor       bool `json:"using_reachability_monitor"`
	UsingMultinetworkPolicyTracker bool `json:"using_multinetwork_policy_tracker"`

	StaticIPConfig *linkprops.StaticIPConfig       `json:"static_ip_config,omitempty"`
	InitialConfig  *linkprops.InitialConfiguration `json:"initial_config,omitempty"`
	APF            *APFCapabilities                `json:"apf_capabilities,omitempty"`

	ProvisioningTimeout  time.Duration `json:"provisioning_timeout"`
	PreDHCPActionTimeout time.Duration `json:"pre_dhcp_action_timeout"`

	IPv6AddrGenMode int             `json:"ipv6_addr_gen_mode"`
	DisplayName     string          `json:"display_name,omitempty"`
	ScanResultInfo  *ScanResultInfo `json:"scan_result_info,omitempty"`
	Layer2Info      *Layer2Info     `json:"layer2_info,omitempty"`
}

// DefaultProvisioningConfiguration enables both families with the
// reachability monitor and a stable-privacy address generation mode.
func DefaultProvisioningConfiguration() ProvisioningConfiguration {
	return ProvisioningConfiguration{
		EnableIPv4:               true,
		EnableIPv6:               true,
		UsingReachabilityMonitor: true,
		ProvisioningTimeout:      36 * time.Second,
		IPv6AddrGenMode:          network.AddrGenModeStablePrivacy,
	}
}

// Validate returns an error wrapping ErrInvalidConfig when the configuration
// cannot be used.
func (c *ProvisioningConfiguration) Validate() error {
	if c.InitialConfig != nil {
		if err := c.InitialConfig.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.StaticIPConfig != nil {
		if err := c.StaticIPConfig.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.ProvisioningTimeout < 0 || c.PreDHCPActionTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if c.IPv6AddrGenMode < network.AddrGenModeEUI64 || c.IPv6AddrGenMode > network.AddrGenModeRandom {
		return fmt.Errorf("%w: address generation mode %d", ErrInvalidConfig, c.IPv6AddrGenMode)
	}
	return nil
}

// Clone returns a deep copy.
func (c *ProvisioningConfiguration) Clone() *ProvisioningConfiguration {
	if c == nil {
		return nil
	}
	cp := *c
	if c.StaticIPConfig != nil {
		s := *c.StaticIPConfig
		s.DNSServers = slices.Clone(c.StaticIPConfig.DNSServers)
		cp.StaticIPConfig = &s
	}
	if c.InitialConfig != nil {
		ic := linkprops.InitialConfiguration{
			Addresses:               slices.Clone(c.InitialConfig.Addresses),
			DirectlyConnectedRoutes: slices.Clone(c.InitialConfig.DirectlyConnectedRoutes),
			DNSServers:              slices.Clone(c.InitialConfig.DNSServers),
		}
		cp.InitialConfig = &ic
	}
	if c.APF != nil {
		a := *c.APF
		cp.APF = &a
	}
	if c.ScanResultInfo != nil {
		s := *c.ScanResultInfo
		s.InformationElements = nil
		for _, ie := range c.ScanResultInfo.InformationElements {
			s.InformationElements = append(s.InformationElements,
				InformationElement{ID: ie.ID, Payload: bytes.Clone(ie.Payload)})
		}
		cp.ScanResultInfo = &s
	}
	if c.Layer2Info != nil {
		l := *c.Layer2Info
		l.BSSID = bytes.Clone(c.Layer2Info.BSSID)
		cp.Layer2Info = &l
	}
	return &cp
}

// usingPreconnection reports whether IPv4 starts during association.
func (c *ProvisioningConfiguration) usingPreconnection() bool {
	return c.EnablePreconnection && c.EnableIPv4 && c.StaticIPConfig == nil
}

func (c *ProvisioningConfiguration) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ProvisioningConfiguration{mEnableIPv4: %t, mEnableIPv6: %t, mEnablePreconnection: %t",
		c.EnableIPv4, c.EnableIPv6, c.EnablePreconnection)
	fmt.Fprintf(&sb, ", mUsingMultinetworkPolicyTracker: %t, mUsingIpReachabilityMonitor: %t",
		c.UsingMultinetworkPolicyTracker, c.UsingReachabilityMonitor)
	fmt.Fprintf(&sb, ", mRequestedPreDhcpActionMs: %d, mProvisioningTimeoutMs: %d",
		c.PreDHCPActionTimeout.Milliseconds(), c.ProvisioningTimeout.Milliseconds())
	if c.StaticIPConfig != nil {
		fmt.Fprintf(&sb, ", mStaticIpConfig: %s", c.StaticIPConfig)
	} else {
		sb.WriteString(", mStaticIpConfig: null")
	}
	if c.InitialConfig != nil {
		fmt.Fprintf(&sb, ", mInitialConfig: %v", *c.InitialConfig)
	} else {
		sb.WriteString(", mInitialConfig: null")
	}
	fmt.Fprintf(&sb, ", mApfCapabilities: %s, mIPv6AddrGenMode: %d, mDisplayName: %s",
		c.APF, c.IPv6AddrGenMode, c.DisplayName)
	if c.ScanResultInfo != nil {
		fmt.Fprintf(&sb, ", mScanResultInfo: {ssid: %s, bssid: %s}", c.ScanResultInfo.SSID, c.ScanResultInfo.BSSID)
	}
	fmt.Fprintf(&sb, ", mLayer2Info: %s}", c.Layer2Info)
	return sb.String()
}

// Roaming between access points of these networks changes the IPv4 subnet,
// so a BSSID change refreshes the DHCP lease.
var dhcpRoamingSSIDs = []string{
	"0001docomo",
	"ollehWiFi",
	"olleh GiGa WiFi",
	"KT WiFi",
	"KT GiGA WiFi",
	"marente",
}

// Vendor specific element that marks a metered upstream hotspot.
const vendorSpecificIEID = 221

var meteredVendorIEPrefix = []byte{0x00, 0x17, 0xf2, 0x06}

func removeDoubleQuotes(s string) string {
	if len(s) > 1 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// upstreamHotspotFromVendorIE reports whether the associated network
// advertises itself as a metered hotspot.
func upstreamHotspotFromVendorIE(cfg *ProvisioningConfiguration) bool {
	if cfg == nil || cfg.ScanResultInfo == nil || cfg.DisplayName == "" {
		return false
	}
	if removeDoubleQuotes(cfg.DisplayName) != cfg.ScanResultInfo.SSID {
		return false
	}
	return slices.ContainsFunc(cfg.ScanResultInfo.InformationElements, func(ie InformationElement) bool {
		return ie.ID == vendorSpecificIEID && bytes.HasPrefix(ie.Payload, meteredVendorIEPrefix)
	})
}
