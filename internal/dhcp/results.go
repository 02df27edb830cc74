// Package dhcp runs the DHCPv4 side of provisioning for one interface and
// converts leases into the results the provisioning engine consumes.
package dhcp

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/miekg/dns"

	"grimm.is/ipclient/internal/linkprops"
	"grimm.is/ipclient/internal/network"
)

// MeteredHint is the vendor info value marking a network as metered.
const MeteredHint = "ANDROID_METERED"

// Results is the configuration learned from a DHCP ACK.
type Results struct {
	linkprops.StaticIPConfig
	ServerAddress       netip.Addr    `json:"server_address,omitzero"`
	VendorInfo          string        `json:"vendor_info,omitempty"`
	LeaseDuration       time.Duration `json:"lease_duration"`
	MTU                 int           `json:"mtu,omitempty"`
	ServerHostName      string        `json:"server_host_name,omitempty"`
	CaptivePortalAPIURL string        `json:"captive_portal_api_url,omitempty"`
}

// FromACK extracts results from an ACK. It fails if the ACK carries no
// usable IPv4 address.
func FromACK(ack *dhcpv4.DHCPv4) (*Results, error) {
	if ack == nil {
		return nil, fmt.Errorf("no ACK")
	}
	yiaddr, ok := network.IPToAddr(ack.YourIPAddr)
	if !ok || !yiaddr.Is4() || yiaddr.IsUnspecified() {
		return nil, fmt.Errorf("ACK has no IPv4 address: %v", ack.YourIPAddr)
	}
	bits := 32
	if mask := ack.SubnetMask(); mask != nil {
		if ones, size := mask.Size(); size == 32 {
			bits = ones
		}
	}
	r := &Results{
		StaticIPConfig: linkprops.StaticIPConfig{
			Address: netip.PrefixFrom(yiaddr, bits),
		},
		LeaseDuration: ack.IPAddressLeaseTime(0),
	}
	if routers := ack.Router(); len(routers) > 0 {
		if gw, ok := network.IPToAddr(routers[0]); ok && gw.Is4() {
			r.Gateway = gw
		}
	}
	for _, ip := range ack.DNS() {
		if a, ok := network.IPToAddr(ip); ok && !a.IsUnspecified() && !slices.Contains(r.DNSServers, a) {
			r.DNSServers = append(r.DNSServers, a)
		}
	}
	r.Domains = domains(ack)
	if sid, ok := network.IPToAddr(ack.ServerIdentifier()); ok {
		r.ServerAddress = sid
	} else if sip, ok := network.IPToAddr(ack.ServerIPAddr); ok && !sip.IsUnspecified() {
		r.ServerAddress = sip
	}
	if v := ack.Options.Get(dhcpv4.OptionVendorSpecificInformation); len(v) > 0 {
		r.VendorInfo = string(v)
	}
	if v := ack.Options.Get(dhcpv4.OptionInterfaceMTU); len(v) == 2 {
		r.MTU = int(v[0])<<8 | int(v[1])
	}
	r.ServerHostName = ack.ServerHostName
	if v := ack.Options.Get(dhcpv4.OptionURL); len(v) > 0 {
		r.CaptivePortalAPIURL = string(v)
	}
	return r, nil
}

// domains joins the domain name and search list, keeping only valid names.
func domains(ack *dhcpv4.DHCPv4) string {
	var names []string
	add := func(name string) {
		name = strings.TrimSuffix(strings.TrimSpace(name), ".")
		if name == "" || slices.Contains(names, name) {
			return
		}
		if _, ok := dns.IsDomainName(name); !ok {
			return
		}
		names = append(names, name)
	}
	for _, n := range strings.Fields(ack.DomainName()) {
		add(n)
	}
	if search := ack.DomainSearch(); search != nil {
		for _, n := range search.Labels {
			add(n)
		}
	}
	return strings.Join(names, " ")
}

// IsMetered reports whether the server tagged the network as metered.
func (r *Results) IsMetered() bool {
	return r != nil && strings.Contains(r.VendorInfo, MeteredHint)
}

// Clone returns a deep copy.
func (r *Results) Clone() *Results {
	if r == nil {
		return nil
	}
	c := *r
	c.DNSServers = slices.Clone(r.DNSServers)
	return &c
}

func (r *Results) String() string {
	if r == nil {
		return "<nil>"
	}
	var sb strings.Builder
	sb.WriteString(r.StaticIPConfig.String())
	fmt.Fprintf(&sb, " DHCP server %s Vendor info %s lease %d seconds", r.ServerAddress, r.VendorInfo, int64(r.LeaseDuration/time.Second))
	if r.MTU != 0 {
		fmt.Fprintf(&sb, " MTU %d", r.MTU)
	}
	if r.ServerHostName != "" {
		fmt.Fprintf(&sb, " Servername %s", r.ServerHostName)
	}
	if r.CaptivePortalAPIURL != "" {
		fmt.Fprintf(&sb, " CaptivePortalApiUrl %s", r.CaptivePortalAPIURL)
	}
	return sb.String()
}
