package ipclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"grimm.is/ipclient/internal/clock"
	"grimm.is/ipclient/internal/dhcp"
	"grimm.is/ipclient/internal/linkobserver"
	"grimm.is/ipclient/internal/linkprops"
	"grimm.is/ipclient/internal/logging"
	"grimm.is/ipclient/internal/network"
	"grimm.is/ipclient/internal/reachability"
)

const (
	testIface = "wlan0"
	testIndex = 7
	waitFor   = 2 * time.Second
	tick      = 5 * time.Millisecond
)

// recorder captures callbacks in order.
type recorder struct {
	NopCallbacks

	mu      sync.Mutex
	calls   []string
	lps     map[string][]linkprops.LinkProperties
	results []*dhcp.Results
	lost    []string
	packets [][]byte
}

func newRecorder() *recorder {
	return &recorder{lps: make(map[string][]linkprops.LinkProperties)}
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

func (r *recorder) addLP(name string, lp linkprops.LinkProperties) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.lps[name] = append(r.lps[name], lp)
	r.mu.Unlock()
}

func (r *recorder) OnPreDHCPAction() error  { r.add("preDhcpAction"); return nil }
func (r *recorder) OnPostDHCPAction() error { r.add("postDhcpAction"); return nil }
func (r *recorder) OnQuit() error           { r.add("quit"); return nil }

func (r *recorder) OnNewDHCPResults(res *dhcp.Results) error {
	r.mu.Lock()
	r.calls = append(r.calls, "newDhcpResults")
	r.results = append(r.results, res)
	r.mu.Unlock()
	return nil
}

func (r *recorder) OnProvisioningSuccess(lp linkprops.LinkProperties) error {
	r.addLP("success", lp)
	return nil
}

func (r *recorder) OnProvisioningFailure(lp linkprops.LinkProperties) error {
	r.addLP("failure", lp)
	return nil
}

func (r *recorder) OnLinkPropertiesChange(lp linkprops.LinkProperties) error {
	r.addLP("lpChange", lp)
	return nil
}

func (r *recorder) OnReachabilityLost(msg string) error {
	r.mu.Lock()
	r.calls = append(r.calls, "reachabilityLost")
	r.lost = append(r.lost, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) StartReadPacketFilter() error { r.add("startReadPacketFilter"); return nil }

func (r *recorder) SetFallbackMulticastFilter(enabled bool) error {
	r.add(fmt.Sprintf("fallbackMulticast(%t)", enabled))
	return nil
}

func (r *recorder) OnPreconnectionStart(packets [][]byte) error {
	r.mu.Lock()
	r.calls = append(r.calls, "preconnectionStart")
	r.packets = append(r.packets, packets...)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func (r *recorder) last(name string) linkprops.LinkProperties {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.lps[name]
	if len(l) == 0 {
		return linkprops.LinkProperties{}
	}
	return l[len(l)-1]
}

// fakeController applies addresses by feeding them to the link observer,
// the way the kernel would report them over netlink.
type fakeController struct {
	observer atomic.Pointer[linkobserver.Observer]

	mu            sync.Mutex
	calls         []string
	v4            netip.Prefix
	keepAddresses bool
	failIPv6      bool
}

func (f *fakeController) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeController) called(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeController) SetIPv4Address(addr netip.Prefix) error {
	f.record("SetIPv4Address " + addr.String())
	f.mu.Lock()
	old := f.v4
	f.v4 = addr
	f.mu.Unlock()
	if o := f.observer.Load(); o != nil {
		if old.IsValid() && old != addr {
			o.OnAddressRemoved(linkprops.NewLinkAddress(old))
		}
		o.OnAddressUpdated(linkprops.NewLinkAddress(addr))
	}
	return nil
}

func (f *fakeController) ClearIPv4Address() error {
	f.record("ClearIPv4Address")
	f.mu.Lock()
	old := f.v4
	f.v4 = netip.Prefix{}
	f.mu.Unlock()
	if o := f.observer.Load(); o != nil && old.IsValid() {
		o.OnAddressRemoved(linkprops.NewLinkAddress(old))
	}
	return nil
}

func (f *fakeController) ClearAllAddresses() error {
	f.record("ClearAllAddresses")
	f.mu.Lock()
	keep := f.keepAddresses
	f.v4 = netip.Prefix{}
	f.mu.Unlock()
	if o := f.observer.Load(); o != nil && !keep {
		for _, a := range o.LinkProperties().Addresses {
			o.OnAddressRemoved(a)
		}
	}
	return nil
}

func (f *fakeController) AddAddress(la linkprops.LinkAddress) error {
	f.record("AddAddress " + la.String())
	if o := f.observer.Load(); o != nil {
		o.OnAddressUpdated(la)
	}
	return nil
}

func (f *fakeController) EnableIPv6() error {
	f.record("EnableIPv6")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIPv6 {
		return fmt.Errorf("ipv6 disabled by policy")
	}
	return nil
}

func (f *fakeController) DisableIPv6() error {
	f.record("DisableIPv6")
	return nil
}

func (f *fakeController) SetIPv6PrivacyExtensions(enable bool) error {
	f.record(fmt.Sprintf("SetIPv6PrivacyExtensions %t", enable))
	return nil
}

func (f *fakeController) SetIPv6AddrGenMode(mode int) error {
	f.record(fmt.Sprintf("SetIPv6AddrGenMode %d", mode))
	return nil
}

func (f *fakeController) SetMTU(mtu int) error {
	f.record(fmt.Sprintf("SetMTU %d", mtu))
	return nil
}

// fakeDHCP hands out scripted clients.
type fakeDHCP struct {
	mu      sync.Mutex
	clients []*fakeDHCPClient
}

func (f *fakeDHCP) factory(params *network.InterfaceParams, sink dhcp.Sink) (dhcp.Client, error) {
	c := &fakeDHCPClient{sink: sink}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeDHCP) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// client waits for the n-th client (1-based) to be created.
func (f *fakeDHCP) client(t *testing.T, n int) *fakeDHCPClient {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() >= n }, waitFor, tick)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[n-1]
}

type fakeDHCPClient struct {
	sink dhcp.Sink

	mu     sync.Mutex
	starts []dhcp.StartOptions
	calls  []string
}

func (c *fakeDHCPClient) record(s string) {
	c.mu.Lock()
	c.calls = append(c.calls, s)
	c.mu.Unlock()
}

func (c *fakeDHCPClient) has(s string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.calls, s)
}

func (c *fakeDHCPClient) startOptions() []dhcp.StartOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.starts)
}

func (c *fakeDHCPClient) Start(opts dhcp.StartOptions) {
	c.mu.Lock()
	c.starts = append(c.starts, opts)
	c.mu.Unlock()
}

func (c *fakeDHCPClient) Stop() { c.record("stop") }

func (c *fakeDHCPClient) Quit() {
	c.record("quit")
	c.sink(dhcp.Event{Kind: dhcp.EventQuit})
}

func (c *fakeDHCPClient) PreDHCPActionCompleted() { c.record("preDhcpActionCompleted") }

func (c *fakeDHCPClient) AddressConfigured(ok bool) {
	c.record(fmt.Sprintf("addressConfigured(%t)", ok))
}

func (c *fakeDHCPClient) PreconnectionComplete(success bool) {
	c.record(fmt.Sprintf("preconnectionComplete(%t)", success))
}

func (c *fakeDHCPClient) RefreshLease() { c.record("refreshLease") }

type fakeTracker struct{}

func (fakeTracker) Start(string) error { return nil }
func (fakeTracker) Stop()              {}

// fakeFilter records what the engine pushes to the packet filter.
type fakeFilter struct {
	mu         sync.Mutex
	lp         linkprops.LinkProperties
	multicast  bool
	keepalives map[int]KeepalivePacket
	snapshot   []byte
	shutdown   bool
}

func (f *fakeFilter) SetLinkProperties(lp linkprops.LinkProperties) {
	f.mu.Lock()
	f.lp = lp
	f.mu.Unlock()
}

func (f *fakeFilter) SetMulticastFilter(enabled bool) {
	f.mu.Lock()
	f.multicast = enabled
	f.mu.Unlock()
}

func (f *fakeFilter) AddKeepalivePacketFilter(slot int, pkt KeepalivePacket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keepalives == nil {
		f.keepalives = make(map[int]KeepalivePacket)
	}
	f.keepalives[slot] = pkt
	return nil
}

func (f *fakeFilter) RemoveKeepalivePacketFilter(slot int) {
	f.mu.Lock()
	delete(f.keepalives, slot)
	f.mu.Unlock()
}

func (f *fakeFilter) SetDataSnapshot(data []byte) {
	f.mu.Lock()
	f.snapshot = data
	f.mu.Unlock()
}

func (f *fakeFilter) Dump(w io.Writer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintf(w, "program: fake\nsnapshot: %x\n", f.snapshot)
}

func (f *fakeFilter) Shutdown() {
	f.mu.Lock()
	f.shutdown = true
	f.mu.Unlock()
}

func testLink() *netlink.Device {
	return &netlink.Device{LinkAttrs: netlink.LinkAttrs{
		Name:         testIface,
		Index:        testIndex,
		MTU:          1500,
		HardwareAddr: net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
	}}
}

type harness struct {
	engine *Engine
	cb     *recorder
	ctrl   *fakeController
	dhcp   *fakeDHCP
	clock  *clock.MockClock
	nl     *network.MockNetlinker
	log    *logging.LocalLog
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	nl := &network.MockNetlinker{}
	nl.On("LinkByName", testIface).Return(testLink(), nil).Maybe()
	nl.On("LinkByIndex", testIndex).Return(testLink(), nil).Maybe()
	nl.On("NeighSet", mock.Anything).Return(nil).Maybe()
	sys := &network.MockSystemController{}
	sys.On("WriteSysctl", mock.Anything, mock.Anything).Return(nil).Maybe()
	sys.On("ReadSysctl", mock.Anything).Return("", nil).Maybe()
	sys.On("IsNotExist", mock.Anything).Return(false).Maybe()

	h := &harness{
		cb:    newRecorder(),
		ctrl:  &fakeController{},
		dhcp:  &fakeDHCP{},
		clock: clock.NewMockClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		nl:    nl,
		log:   logging.NewLocalLog(500),
	}
	opts := Options{
		Netlinker:     nl,
		Sys:           sys,
		Controller:    h.ctrl,
		Clock:         h.clock,
		StateLog:      h.log,
		PacketLog:     logging.NewLocalLog(100),
		DHCP:          h.dhcp.factory,
		Trackers:      func(*network.InterfaceParams) (Tracker, error) { return fakeTracker{}, nil },
		StartObserver: func(context.Context, *linkobserver.Observer) error { return nil },
		StartMonitor:  func(context.Context, *reachability.Monitor) error { return nil },
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.engine = New(testIface, h.cb, opts)
	h.ctrl.observer.Store(h.engine.Observer())

	t.Cleanup(func() {
		h.engine.Shutdown()
		select {
		case <-h.engine.Done():
		case <-time.After(waitFor):
			t.Errorf("engine did not shut down")
		}
	})
	return h
}

func (h *harness) waitState(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.engine.Status().State == want }, waitFor, tick,
		"engine never reached %s", want)
}

func (h *harness) waitCall(t *testing.T, name string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.cb.count(name) >= n }, waitFor, tick,
		"callback %s not seen %d times, got %v", name, n, h.cb.names())
}

func (h *harness) monitor() *reachability.Monitor {
	h.engine.snapMu.Lock()
	defer h.engine.snapMu.Unlock()
	return h.engine.monitor
}
