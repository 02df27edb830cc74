package packettracker

import (
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"

	"grimm.is/ipclient/internal/clock"
	"grimm.is/ipclient/internal/logging"
	"grimm.is/ipclient/internal/network"
)

var (
	ourMAC   = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	theirMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	bcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func arpFrame(t *testing.T) []byte {
	return serialize(t,
		&layers.Ethernet{SrcMAC: ourMAC, DstMAC: bcastMAC, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   ourMAC,
			SourceProtAddress: net.IP{192, 0, 2, 10},
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    net.IP{192, 0, 2, 1},
		})
}

func udpFrame(t *testing.T, src, dst layers.UDPPort, fragOffset uint16, payload gopacket.SerializableLayer) []byte {
	ip := &layers.IPv4{
		Version:    4,
		TTL:        64,
		Protocol:   layers.IPProtocolUDP,
		SrcIP:      net.IP{0, 0, 0, 0},
		DstIP:      net.IP{255, 255, 255, 255},
		FragOffset: fragOffset,
	}
	udp := &layers.UDP{SrcPort: src, DstPort: dst}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	ls := []gopacket.SerializableLayer{
		&layers.Ethernet{SrcMAC: theirMAC, DstMAC: bcastMAC, EthernetType: layers.EthernetTypeIPv4},
		ip, udp,
	}
	if payload != nil {
		ls = append(ls, payload)
	} else {
		ls = append(ls, gopacket.Payload([]byte("hello")))
	}
	return serialize(t, ls...)
}

func dhcpOffer() *layers.DHCPv4 {
	return &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		Xid:          0x1234,
		YourClientIP: net.IP{192, 0, 2, 10},
		ClientHWAddr: ourMAC,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeOffer)}),
		},
	}
}

func icmp6Frame(t *testing.T, typ uint8) []byte {
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      net.ParseIP("fe80::1"),
		DstIP:      net.ParseIP("ff02::1"),
	}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(typ, 0)}
	require.NoError(t, icmp.SetNetworkLayerForChecksum(ip))
	return serialize(t,
		&layers.Ethernet{SrcMAC: theirMAC, DstMAC: bcastMAC, EthernetType: layers.EthernetTypeIPv6},
		ip, icmp, gopacket.Payload(make([]byte, 12)))
}

func TestConnectivityFilter(t *testing.T) {
	vm, err := bpf.NewVM(ConnectivityFilter())
	require.NoError(t, err)

	cases := []struct {
		name   string
		frame  []byte
		accept bool
	}{
		{"arp", arpFrame(t), true},
		{"dhcp server port", udpFrame(t, 68, 67, 0, nil), true},
		{"dhcp client port", udpFrame(t, 67, 68, 0, nil), true},
		{"other udp", udpFrame(t, 5353, 5353, 0, nil), false},
		{"fragment", udpFrame(t, 68, 67, 100, nil), false},
		{"router solicitation", icmp6Frame(t, 133), true},
		{"redirect", icmp6Frame(t, 137), true},
		{"echo request", icmp6Frame(t, 128), false},
		{"mld", icmp6Frame(t, 143), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := vm.Run(tc.frame)
			require.NoError(t, err)
			assert.Equal(t, tc.accept, n > 0)
		})
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(arpFrame(t), ourMAC)
	assert.True(t, strings.HasPrefix(s, "TX 02:00:00:00:00:01 > ff:ff:ff:ff:ff:ff arp request"), s)
	assert.Contains(t, s, "192.0.2.10")

	s = Summarize(udpFrame(t, 67, 68, 0, dhcpOffer()), ourMAC)
	assert.True(t, strings.HasPrefix(s, "RX "), s)
	assert.Contains(t, s, "udp 67 > 68 dhcp4 Offer yiaddr 192.0.2.10")

	s = Summarize(icmp6Frame(t, 134), ourMAC)
	assert.Contains(t, s, "ipv6 fe80::1 > ff02::1 icmp6 ra")

	s = Summarize([]byte{0x01}, ourMAC)
	assert.Contains(t, s, "invalid")
}

type fakeConn struct {
	frames chan []byte
	once   sync.Once
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case f := <-c.frames:
		return copy(b, f), nil, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-time.After(20 * time.Millisecond):
		return 0, nil, os.ErrDeadlineExceeded
	}
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func newTracker(t *testing.T, conn *fakeConn, clk clock.Clock) *Tracker {
	t.Helper()
	tr, err := New(&network.InterfaceParams{Name: "wlan0", Index: 3, MAC: ourMAC}, Options{
		Open: func(ifi *net.Interface, filter []bpf.RawInstruction) (Conn, error) {
			assert.Equal(t, 3, ifi.Index)
			assert.NotEmpty(t, filter)
			return conn, nil
		},
		Clock: clk,
		Log:   logging.NewLocalLog(logging.PacketLogRecords),
	})
	require.NoError(t, err)
	return tr
}

func TestTracker_StartStopMarkers(t *testing.T) {
	conn := newFakeConn()
	tr := newTracker(t, conn, nil)
	require.NoError(t, tr.Start(`"HomeNet"`))
	conn.frames <- arpFrame(t)
	assert.Eventually(t, func() bool { return tr.Log().Count() == 2 }, time.Second, 5*time.Millisecond)
	tr.Stop()
	tr.Stop()

	entries := tr.Log().Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, `--- START ("HomeNet") ---`, entries[0].Message)
	assert.Contains(t, entries[1].Message, "arp request")
	assert.Contains(t, entries[1].Message, "\n[FFFFFFFFFFFF020000000001")
	assert.Equal(t, `--- STOP ("HomeNet") ---`, entries[2].Message)
}

func TestTracker_RateLimit(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	tr := newTracker(t, newFakeConn(), clk)
	frame := arpFrame(t)

	for range TokenBurst + 10 {
		tr.HandlePacket(frame)
	}
	// One warning for the whole overflow within the second.
	assert.Equal(t, logging.PacketLogRecords, tr.Log().Count())
	last := tr.Log().Last(1)[0].Message
	assert.Contains(t, last, "rate-limiting")

	clk.Advance(20 * time.Millisecond)
	tr.HandlePacket(frame)
	assert.Contains(t, tr.Log().Last(1)[0].Message, "arp request")

	tr.HandlePacket(frame)
	assert.Contains(t, tr.Log().Last(1)[0].Message, "arp request")

	clk.Advance(time.Second)
	for range TokenBurst + 1 {
		tr.HandlePacket(frame)
	}
	assert.Contains(t, tr.Log().Last(1)[0].Message, "rate-limiting")
}

func TestNew_RejectsBadFilter(t *testing.T) {
	_, err := New(&network.InterfaceParams{Name: "wlan0"}, Options{
		Filter: []bpf.Instruction{bpf.LoadAbsolute{Off: 0, Size: 3}},
	})
	assert.Error(t, err)
}
