package linkobserver

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ipclient/internal/clock"
	"grimm.is/ipclient/internal/linkprops"
)

var (
	nat64A = netip.MustParsePrefix("64:ff9b::/96")
	nat64B = netip.MustParsePrefix("2001:db8:64::/96")
)

type updates struct {
	calls []bool
}

func (u *updates) record(up bool) { u.calls = append(u.calls, up) }

func newObserver(t *testing.T) (*Observer, *clock.MockClock, *updates) {
	t.Helper()
	clk := clock.NewMockClock(epoch)
	u := &updates{}
	return New("wlan0", Config{}, clk, nil, u.record), clk, u
}

func TestObserver_AddressesAndRoutes(t *testing.T) {
	o, _, u := newObserver(t)
	la := linkprops.MustParseLinkAddress("2001:db8:1::10/64")
	o.OnAddressUpdated(la)
	o.OnAddressUpdated(la)
	o.OnRouteUpdated(linkprops.DefaultRoute(netip.MustParseAddr("fe80::1"), "wlan0"))
	assert.Len(t, u.calls, 2)

	lp := o.LinkProperties()
	assert.True(t, lp.HasGlobalIPv6Address())
	assert.True(t, lp.HasIPv6DefaultRoute())

	o.OnAddressRemoved(la)
	assert.Len(t, u.calls, 3)
	assert.False(t, o.LinkProperties().HasGlobalIPv6Address())
}

func TestObserver_SnapshotIsCopy(t *testing.T) {
	o, _, _ := newObserver(t)
	o.OnAddressUpdated(linkprops.MustParseLinkAddress("192.0.2.10/24"))
	lp := o.LinkProperties()
	lp.Addresses[0] = linkprops.MustParseLinkAddress("198.51.100.1/24")
	assert.Equal(t, "192.0.2.10/24", o.LinkProperties().Addresses[0].Prefix.String())
}

func TestObserver_LinkState(t *testing.T) {
	o, _, u := newObserver(t)
	o.OnInterfaceLinkStateChanged(true)
	assert.Empty(t, u.calls)
	o.OnInterfaceLinkStateChanged(false)
	assert.Equal(t, []bool{false}, u.calls)
	assert.False(t, o.LinkUp())
}

func TestObserver_RDNSS(t *testing.T) {
	o, _, u := newObserver(t)
	dns := netip.MustParseAddr("2001:db8::53")
	o.OnRDNSSOption(30, []netip.Addr{dns})
	assert.Empty(t, u.calls)
	o.OnRDNSSOption(600, []netip.Addr{dns})
	assert.Len(t, u.calls, 1)
	assert.Equal(t, []netip.Addr{dns}, o.LinkProperties().DNSServers)
}

func TestObserver_DNSSL(t *testing.T) {
	o, clk, u := newObserver(t)
	o.OnDNSSLOption(600, []string{"corp.example.com.", "bad..name", "lab.example.com"})
	assert.Equal(t, "corp.example.com lab.example.com", o.LinkProperties().Domains)
	assert.Len(t, u.calls, 1)

	o.OnDNSSLOption(0, []string{"lab.example.com"})
	assert.Equal(t, "corp.example.com", o.LinkProperties().Domains)

	clk.Advance(601 * time.Second)
	o.OnDNSSLOption(600, []string{"new.example.com"})
	assert.Equal(t, "new.example.com", o.LinkProperties().Domains)
}

func TestObserver_ClearLinkProperties(t *testing.T) {
	o, clk, _ := newObserver(t)
	o.OnAddressUpdated(linkprops.MustParseLinkAddress("192.0.2.10/24"))
	o.OnRDNSSOption(600, []netip.Addr{netip.MustParseAddr("2001:db8::53")})
	o.OnPref64Option(nat64A, 300*time.Second)
	require.Equal(t, 1, clk.PendingTimers())

	o.ClearLinkProperties()
	assert.True(t, o.LinkProperties().IsEmpty())
	assert.Empty(t, o.DNSServers().TrackedServers())
	assert.Equal(t, 0, clk.PendingTimers())
}

func TestObserver_DNSServersDuringClear(t *testing.T) {
	o, _, _ := newObserver(t)
	dns := netip.MustParseAddr("2001:db8::53")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 100 {
			o.OnRDNSSOption(600, []netip.Addr{dns})
			o.ClearLinkProperties()
		}
	}()
	go func() {
		defer wg.Done()
		for range 100 {
			assert.NotNil(t, o.DNSServers())
		}
	}()
	wg.Wait()

	o.OnRDNSSOption(600, []netip.Addr{dns})
	assert.Equal(t, []netip.Addr{dns}, o.DNSServers().TrackedServers())
}

func TestObserver_Pref64RefreshKeepsOneAlarm(t *testing.T) {
	o, clk, u := newObserver(t)

	o.OnPref64Option(nat64A, 300*time.Second)
	require.Equal(t, 1, clk.PendingTimers())
	assert.Equal(t, nat64A, o.LinkProperties().NAT64Prefix)
	assert.Len(t, u.calls, 1)

	clk.Advance(100 * time.Second)
	o.OnPref64Option(nat64A, 600*time.Second)
	require.Equal(t, 1, clk.PendingTimers())
	assert.Equal(t, []time.Time{epoch.Add(700 * time.Second)}, clk.Deadlines())
	assert.Len(t, u.calls, 1)

	// The original expiry passes without effect.
	clk.Advance(250 * time.Second)
	assert.Equal(t, nat64A, o.LinkProperties().NAT64Prefix)

	clk.Advance(350 * time.Second)
	assert.False(t, o.LinkProperties().NAT64Prefix.IsValid())
	assert.Equal(t, 0, clk.PendingTimers())
	assert.Len(t, u.calls, 2)
}

func TestObserver_Pref64DifferentPrefixWaitsForExpiry(t *testing.T) {
	o, clk, u := newObserver(t)
	o.OnPref64Option(nat64A, 300*time.Second)

	clk.Advance(100 * time.Second)
	o.OnPref64Option(nat64B, 1800*time.Second)
	assert.Equal(t, nat64A, o.LinkProperties().NAT64Prefix)
	assert.Equal(t, 1, clk.PendingTimers())

	clk.Advance(200 * time.Second)
	assert.Equal(t, nat64B, o.LinkProperties().NAT64Prefix)
	assert.Equal(t, epoch.Add(1900*time.Second), o.Pref64Expiry())
	assert.Equal(t, 1, clk.PendingTimers())
	assert.Len(t, u.calls, 2)
}

func TestObserver_Pref64ZeroLifetimeWithdraws(t *testing.T) {
	o, clk, _ := newObserver(t)
	o.OnPref64Option(nat64A, 300*time.Second)
	o.OnPref64Option(nat64B, 0)
	assert.Equal(t, nat64A, o.LinkProperties().NAT64Prefix)

	o.OnPref64Option(nat64A, 0)
	assert.False(t, o.LinkProperties().NAT64Prefix.IsValid())
	assert.Equal(t, 0, clk.PendingTimers())
}
