package dhcp

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ipclient/internal/clock"
	"grimm.is/ipclient/internal/network"
)

type fakeExchanger struct {
	mu       sync.Mutex
	requests int
	renewals int
	closed   bool
	request  func(ctx context.Context, n int) (*Lease, error)
	renew    func(ctx context.Context, lease *Lease) (*Lease, error)
}

func (f *fakeExchanger) Request(ctx context.Context) (*Lease, error) {
	f.mu.Lock()
	f.requests++
	n := f.requests
	f.mu.Unlock()
	return f.request(ctx, n)
}

func (f *fakeExchanger) Renew(ctx context.Context, lease *Lease) (*Lease, error) {
	f.mu.Lock()
	f.renewals++
	f.mu.Unlock()
	return f.renew(ctx, lease)
}

func (f *fakeExchanger) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeExchanger) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests, f.renewals
}

func blockUntilCancelled(ctx context.Context) (*Lease, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type clientFixture struct {
	client *NativeClient
	ex     *fakeExchanger
	clock  *clock.MockClock
	store  *LeaseStore
	events chan Event
}

func newClientFixture(t *testing.T, ex *fakeExchanger) *clientFixture {
	t.Helper()
	f := &clientFixture{
		ex:     ex,
		clock:  clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		store:  NewLeaseStore(t.TempDir()),
		events: make(chan Event, 32),
	}
	params := &network.InterfaceParams{
		Name:  "wlan0",
		Index: 3,
		MAC:   net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
	}
	c, err := NewNativeClient(params, func(ev Event) { f.events <- ev }, Options{
		Dial:  func(*network.InterfaceParams) (Exchanger, error) { return ex, nil },
		Store: f.store,
		Clock: f.clock,
	})
	require.NoError(t, err)
	f.client = c
	t.Cleanup(func() {
		c.Quit()
		<-c.Done()
	})
	return f
}

func (f *clientFixture) expect(t *testing.T, kind EventKind) Event {
	t.Helper()
	select {
	case ev := <-f.events:
		require.Equal(t, kind, ev.Kind, "got %s", ev.Kind)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", kind)
		return Event{}
	}
}

func (f *clientFixture) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-f.events:
		t.Fatalf("unexpected event %s", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func (f *clientFixture) waitTimers(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return f.clock.PendingTimers() == n }, 2*time.Second, 5*time.Millisecond)
}

func grantingExchanger(t *testing.T, lease time.Duration) *fakeExchanger {
	return &fakeExchanger{
		request: func(context.Context, int) (*Lease, error) {
			return &Lease{ACK: testACK(t, lease)}, nil
		},
		renew: func(_ context.Context, l *Lease) (*Lease, error) {
			return &Lease{Offer: l.Offer, ACK: testACK(t, lease)}, nil
		},
	}
}

func TestNativeClient_Acquire(t *testing.T) {
	f := newClientFixture(t, grantingExchanger(t, time.Hour))
	f.client.Start(StartOptions{L2Key: "net1"})

	ev := f.expect(t, EventConfigureAddress)
	assert.Equal(t, netip.MustParsePrefix("192.0.2.10/24"), ev.Address)
	f.client.AddressConfigured(true)

	ev = f.expect(t, EventSuccess)
	require.NotNil(t, ev.Results)
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), ev.Results.Gateway)

	saved, err := f.store.Load("wlan0_net1")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), saved.CreationTime)

	f.client.Quit()
	f.expect(t, EventClearAddress)
	f.expect(t, EventQuit)
	<-f.client.Done()
	assert.True(t, f.ex.closed)
}

func TestNativeClient_PreDHCPAction(t *testing.T) {
	f := newClientFixture(t, grantingExchanger(t, time.Hour))
	f.client.Start(StartOptions{PreDHCPAction: true})
	f.expect(t, EventPreDHCPAction)
	f.expectNone(t)
	requests, _ := f.ex.counts()
	assert.Zero(t, requests)

	f.client.PreDHCPActionCompleted()
	f.expect(t, EventConfigureAddress)
}

func TestNativeClient_Preconnection(t *testing.T) {
	f := newClientFixture(t, grantingExchanger(t, time.Hour))
	f.client.Start(StartOptions{Preconnection: true})

	ev := f.expect(t, EventStartPreconnection)
	discover, err := dhcpv4.FromBytes(ev.Packet)
	require.NoError(t, err)
	assert.Equal(t, dhcpv4.MessageTypeDiscover, discover.MessageType())
	assert.Equal(t, net.HardwareAddr{0x02, 0, 0, 0, 0, 1}, discover.ClientHWAddr)

	f.client.PreconnectionComplete(false)
	f.expect(t, EventConfigureAddress)
}

func TestNativeClient_RetriesWithBackoff(t *testing.T) {
	ex := grantingExchanger(t, time.Hour)
	ex.request = func(_ context.Context, n int) (*Lease, error) {
		if n == 1 {
			return nil, errors.New("no offer")
		}
		return &Lease{ACK: testACK(t, time.Hour)}, nil
	}
	f := newClientFixture(t, ex)
	f.client.Start(StartOptions{})

	f.waitTimers(t, 1)
	f.expectNone(t)
	f.clock.Advance(defaultRetryBackoff)
	f.expect(t, EventConfigureAddress)
	requests, _ := ex.counts()
	assert.Equal(t, 2, requests)
}

func TestNativeClient_RenewsAtT1(t *testing.T) {
	f := newClientFixture(t, grantingExchanger(t, 100*time.Second))
	f.client.Start(StartOptions{})
	f.expect(t, EventConfigureAddress)
	f.client.AddressConfigured(true)
	f.expect(t, EventSuccess)

	f.waitTimers(t, 1)
	assert.Equal(t, []time.Time{f.clock.Now().Add(50 * time.Second)}, f.clock.Deadlines())
	f.clock.Advance(50 * time.Second)

	f.expect(t, EventSuccess)
	_, renewals := f.ex.counts()
	assert.Equal(t, 1, renewals)
}

func TestNativeClient_LeaseExpires(t *testing.T) {
	ex := grantingExchanger(t, 20*time.Second)
	ex.renew = func(context.Context, *Lease) (*Lease, error) {
		return nil, errors.New("server gone")
	}
	f := newClientFixture(t, ex)
	f.client.Start(StartOptions{})
	f.expect(t, EventConfigureAddress)
	f.client.AddressConfigured(true)
	f.expect(t, EventSuccess)

	ex.mu.Lock()
	ex.request = func(ctx context.Context, _ int) (*Lease, error) { return blockUntilCancelled(ctx) }
	ex.mu.Unlock()

	f.waitTimers(t, 1)
	f.clock.Advance(10 * time.Second)
	f.expect(t, EventClearAddress)
	f.expect(t, EventFailure)

	_, err := f.store.Load("wlan0")
	assert.Error(t, err)
}

func TestNativeClient_ReusesSavedLease(t *testing.T) {
	ex := grantingExchanger(t, time.Hour)
	ex.request = func(ctx context.Context, _ int) (*Lease, error) { return blockUntilCancelled(ctx) }
	f := newClientFixture(t, ex)
	require.NoError(t, f.store.Save("wlan0", &Lease{
		ACK:          testACK(t, time.Hour),
		CreationTime: f.clock.Now().Add(-10 * time.Minute),
	}))

	f.client.Start(StartOptions{})
	f.expect(t, EventConfigureAddress)
	f.client.AddressConfigured(true)
	f.expect(t, EventSuccess)

	requests, _ := ex.counts()
	assert.Zero(t, requests)
	f.waitTimers(t, 1)
	assert.Equal(t, []time.Time{f.clock.Now().Add(20 * time.Minute)}, f.clock.Deadlines())
}

func TestNativeClient_ConfigureFailure(t *testing.T) {
	f := newClientFixture(t, grantingExchanger(t, time.Hour))
	f.client.Start(StartOptions{})
	f.expect(t, EventConfigureAddress)
	f.client.AddressConfigured(false)
	f.expect(t, EventFailure)

	f.client.Stop()
	f.expectNone(t)
}

func TestNativeClient_StopWhileBound(t *testing.T) {
	f := newClientFixture(t, grantingExchanger(t, time.Hour))
	f.client.Start(StartOptions{})
	f.expect(t, EventConfigureAddress)
	f.client.AddressConfigured(true)
	f.expect(t, EventSuccess)

	f.client.Stop()
	f.expect(t, EventClearAddress)
	f.waitTimers(t, 0)

	// A new cycle starts cleanly after a stop.
	f.client.Start(StartOptions{})
	f.expect(t, EventConfigureAddress)
}

func TestNativeClient_RefreshLease(t *testing.T) {
	f := newClientFixture(t, grantingExchanger(t, time.Hour))
	f.client.Start(StartOptions{})
	f.expect(t, EventConfigureAddress)
	f.client.AddressConfigured(true)
	f.expect(t, EventSuccess)

	f.client.RefreshLease()
	f.expect(t, EventSuccess)
	_, renewals := f.ex.counts()
	assert.Equal(t, 1, renewals)
}

func TestNativeClient_RecoversFromPanic(t *testing.T) {
	ex := grantingExchanger(t, time.Hour)
	ex.request = func(_ context.Context, n int) (*Lease, error) {
		if n == 1 {
			panic("malformed packet")
		}
		return &Lease{ACK: testACK(t, time.Hour)}, nil
	}
	f := newClientFixture(t, ex)
	f.client.Start(StartOptions{})

	f.waitTimers(t, 1)
	f.clock.Advance(panicRestartDelay)
	f.expect(t, EventConfigureAddress)
}

func TestNewNativeClient_DialError(t *testing.T) {
	_, err := NewNativeClient(&network.InterfaceParams{Name: "wlan0"}, nil, Options{
		Dial: func(*network.InterfaceParams) (Exchanger, error) { return nil, errors.New("no socket") },
	})
	assert.ErrorContains(t, err, "no socket")

	_, err = NewNativeClient(nil, nil, Options{})
	assert.ErrorIs(t, err, network.ErrInterfaceNotFound)
}
