package dhcp

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testACK(t *testing.T, lease time.Duration, mods ...dhcpv4.Modifier) *dhcpv4.DHCPv4 {
	t.Helper()
	base := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(dhcpv4.MessageTypeAck),
		dhcpv4.WithYourIP(net.IPv4(192, 0, 2, 10)),
		dhcpv4.WithNetmask(net.CIDRMask(24, 32)),
		dhcpv4.WithRouter(net.IPv4(192, 0, 2, 1)),
		dhcpv4.WithDNS(net.IPv4(192, 0, 2, 53), net.IPv4(192, 0, 2, 53)),
		dhcpv4.WithLeaseTime(uint32(lease / time.Second)),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(net.IPv4(192, 0, 2, 1))),
	}
	ack, err := dhcpv4.New(append(base, mods...)...)
	require.NoError(t, err)
	return ack
}

func TestFromACK(t *testing.T) {
	ack := testACK(t, time.Hour,
		dhcpv4.WithOption(dhcpv4.OptDomainName("example.com a..b")),
		dhcpv4.WithDomainSearchList("corp.example.com", "example.com"),
		dhcpv4.WithGeneric(dhcpv4.OptionInterfaceMTU, []byte{0x05, 0xdc}),
		dhcpv4.WithGeneric(dhcpv4.OptionVendorSpecificInformation, []byte(MeteredHint)),
		dhcpv4.WithGeneric(dhcpv4.OptionURL, []byte("https://portal.example.com/api")),
	)

	r, err := FromACK(ack)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParsePrefix("192.0.2.10/24"), r.Address)
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), r.Gateway)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.53")}, r.DNSServers)
	assert.Equal(t, "example.com corp.example.com", r.Domains)
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), r.ServerAddress)
	assert.Equal(t, time.Hour, r.LeaseDuration)
	assert.Equal(t, 1500, r.MTU)
	assert.Equal(t, "https://portal.example.com/api", r.CaptivePortalAPIURL)
	assert.True(t, r.IsMetered())
	assert.Contains(t, r.String(), "lease 3600 seconds")
}

func TestFromACK_NoAddress(t *testing.T) {
	ack, err := dhcpv4.New(dhcpv4.WithMessageType(dhcpv4.MessageTypeAck))
	require.NoError(t, err)
	_, err = FromACK(ack)
	assert.Error(t, err)

	_, err = FromACK(nil)
	assert.Error(t, err)
}

func TestResults_Clone(t *testing.T) {
	r, err := FromACK(testACK(t, time.Hour))
	require.NoError(t, err)
	c := r.Clone()
	c.DNSServers[0] = netip.MustParseAddr("198.51.100.1")
	assert.Equal(t, netip.MustParseAddr("192.0.2.53"), r.DNSServers[0])
	assert.Nil(t, (*Results)(nil).Clone())
	assert.False(t, (*Results)(nil).IsMetered())
}

func TestLeaseStore(t *testing.T) {
	store := NewLeaseStore(t.TempDir())
	obtained := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lease := &Lease{ACK: testACK(t, time.Hour), CreationTime: obtained}

	require.NoError(t, store.Save("wlan0_net/1", lease))
	got, err := store.Load("wlan0_net/1")
	require.NoError(t, err)
	assert.Equal(t, obtained, got.CreationTime.UTC())
	assert.Nil(t, got.Offer)
	assert.Equal(t, time.Hour, got.Duration())
	assert.Equal(t, 30*time.Minute, got.RenewAfter())
	assert.False(t, got.Expired(obtained.Add(59*time.Minute)))
	assert.True(t, got.Expired(obtained.Add(time.Hour)))

	require.NoError(t, store.Remove("wlan0_net/1"))
	require.NoError(t, store.Remove("wlan0_net/1"))
	_, err = store.Load("wlan0_net/1")
	assert.Error(t, err)
}
