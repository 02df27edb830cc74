package packettracker

import (
	"golang.org/x/net/bpf"
)

// Frame offsets for an untagged Ethernet frame.
const (
	offEtherType  = 12
	offIPv4Frag   = 14 + 6
	offIPv4Proto  = 14 + 9
	offIPv4Header = 14
	offIPv6Next   = 14 + 6
	offICMPv6Type = 14 + 40

	etherTypeARP  = 0x0806
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd

	protoUDP    = 17
	protoICMPv6 = 58

	dhcpServerPort = 67
	dhcpClientPort = 68

	icmpv6FirstND = 133 // router solicitation
	icmpv6LastND  = 137 // redirect

	snapLen = 1 << 18
)

// ConnectivityFilter accepts ARP, unfragmented IPv4 UDP to the DHCP ports,
// and ICMPv6 neighbor discovery (types 133 to 137) without extension
// headers.
func ConnectivityFilter() []bpf.Instruction {
	return []bpf.Instruction{
		/* 0 */ bpf.LoadAbsolute{Off: offEtherType, Size: 2},
		/* 1 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeARP, SkipTrue: 15},
		/* 2 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipTrue: 1},
		/* 3 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv6, SkipTrue: 8, SkipFalse: 14},

		// IPv4
		/* 4 */ bpf.LoadAbsolute{Off: offIPv4Proto, Size: 1},
		/* 5 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: protoUDP, SkipFalse: 12},
		/* 6 */ bpf.LoadAbsolute{Off: offIPv4Frag, Size: 2},
		/* 7 */ bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1fff, SkipTrue: 10},
		/* 8 */ bpf.LoadMemShift{Off: offIPv4Header},
		/* 9 */ bpf.LoadIndirect{Off: offIPv4Header + 2, Size: 2},
		/* 10 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: dhcpServerPort, SkipTrue: 6},
		/* 11 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: dhcpClientPort, SkipTrue: 5, SkipFalse: 6},

		// IPv6
		/* 12 */ bpf.LoadAbsolute{Off: offIPv6Next, Size: 1},
		/* 13 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: protoICMPv6, SkipFalse: 4},
		/* 14 */ bpf.LoadAbsolute{Off: offICMPv6Type, Size: 1},
		/* 15 */ bpf.JumpIf{Cond: bpf.JumpGreaterOrEqual, Val: icmpv6FirstND, SkipFalse: 2},
		/* 16 */ bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: icmpv6LastND, SkipTrue: 1},

		/* 17 */ bpf.RetConstant{Val: snapLen},
		/* 18 */ bpf.RetConstant{Val: 0},
	}
}
