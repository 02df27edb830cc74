package packettracker

import (
	"bytes"
	"fmt"
	"net"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Summarize renders a one-line description of an Ethernet frame. Frames
// whose source is ifaceMAC are marked TX, everything else RX.
func Summarize(frame []byte, ifaceMAC net.HardwareAddr) string {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Lazy)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return fmt.Sprintf("RX invalid ethernet frame, %d bytes", len(frame))
	}

	var sb strings.Builder
	if len(ifaceMAC) > 0 && bytes.Equal(eth.SrcMAC, ifaceMAC) {
		sb.WriteString("TX ")
	} else {
		sb.WriteString("RX ")
	}
	fmt.Fprintf(&sb, "%s > %s", eth.SrcMAC, eth.DstMAC)

	switch eth.EthernetType {
	case layers.EthernetTypeARP:
		summarizeARP(&sb, pkt)
	case layers.EthernetTypeIPv4:
		summarizeIPv4(&sb, pkt)
	case layers.EthernetTypeIPv6:
		summarizeIPv6(&sb, pkt)
	default:
		fmt.Fprintf(&sb, " ethtype %#04x", uint16(eth.EthernetType))
	}
	if el := pkt.ErrorLayer(); el != nil {
		fmt.Fprintf(&sb, " (malformed %s)", el.LayerType())
	}
	return sb.String()
}

func summarizeARP(sb *strings.Builder, pkt gopacket.Packet) {
	arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok {
		sb.WriteString(" arp")
		return
	}
	op := fmt.Sprintf("op%d", arp.Operation)
	switch arp.Operation {
	case layers.ARPRequest:
		op = "request"
	case layers.ARPReply:
		op = "reply"
	}
	fmt.Fprintf(sb, " arp %s %s %s > %s %s", op,
		net.IP(arp.SourceProtAddress), net.HardwareAddr(arp.SourceHwAddress),
		net.IP(arp.DstProtAddress), net.HardwareAddr(arp.DstHwAddress))
}

func summarizeIPv4(sb *strings.Builder, pkt gopacket.Packet) {
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		sb.WriteString(" ipv4")
		return
	}
	fmt.Fprintf(sb, " ipv4 %s > %s", ip.SrcIP, ip.DstIP)
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		fmt.Fprintf(sb, " proto %d", ip.Protocol)
		return
	}
	fmt.Fprintf(sb, " udp %d > %d", udp.SrcPort, udp.DstPort)
	dhcp, ok := pkt.Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4)
	if !ok {
		return
	}
	sb.WriteString(" dhcp4")
	for _, opt := range dhcp.Options {
		if opt.Type == layers.DHCPOptMessageType && len(opt.Data) == 1 {
			fmt.Fprintf(sb, " %s", layers.DHCPMsgType(opt.Data[0]))
		}
	}
	if dhcp.YourClientIP != nil && !dhcp.YourClientIP.IsUnspecified() {
		fmt.Fprintf(sb, " yiaddr %s", dhcp.YourClientIP)
	}
}

func summarizeIPv6(sb *strings.Builder, pkt gopacket.Packet) {
	ip, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if !ok {
		sb.WriteString(" ipv6")
		return
	}
	fmt.Fprintf(sb, " ipv6 %s > %s", ip.SrcIP, ip.DstIP)
	icmp, ok := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
	if !ok {
		fmt.Fprintf(sb, " nexthdr %d", ip.NextHeader)
		return
	}
	switch icmp.TypeCode.Type() {
	case layers.ICMPv6TypeRouterSolicitation:
		sb.WriteString(" icmp6 rs")
	case layers.ICMPv6TypeRouterAdvertisement:
		sb.WriteString(" icmp6 ra")
	case layers.ICMPv6TypeNeighborSolicitation:
		sb.WriteString(" icmp6 ns")
		if ns, ok := pkt.Layer(layers.LayerTypeICMPv6NeighborSolicitation).(*layers.ICMPv6NeighborSolicitation); ok {
			fmt.Fprintf(sb, " target %s", ns.TargetAddress)
		}
	case layers.ICMPv6TypeNeighborAdvertisement:
		sb.WriteString(" icmp6 na")
		if na, ok := pkt.Layer(layers.LayerTypeICMPv6NeighborAdvertisement).(*layers.ICMPv6NeighborAdvertisement); ok {
			fmt.Fprintf(sb, " target %s", na.TargetAddress)
		}
	case layers.ICMPv6TypeRedirect:
		sb.WriteString(" icmp6 redirect")
	default:
		fmt.Fprintf(sb, " icmp6 %s", icmp.TypeCode)
	}
}
