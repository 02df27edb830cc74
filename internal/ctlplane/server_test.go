package ctlplane

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ipclient/internal/events"
	"grimm.is/ipclient/internal/ipclient"
	"grimm.is/ipclient/internal/linkprops"
	"grimm.is/ipclient/internal/logging"
)

type fakeEngine struct {
	name string

	mu    sync.Mutex
	calls []string
	cfg   *ipclient.ProvisioningConfiguration
	proxy *linkprops.ProxyInfo
	l2    ipclient.Layer2Info
	data  []byte
}

func (f *fakeEngine) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) Interface() string { return f.name }
func (f *fakeEngine) CycleID() string   { return "cycle-" + f.name }

func (f *fakeEngine) StartProvisioning(cfg ipclient.ProvisioningConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	f.cfg = &cfg
	f.mu.Unlock()
	f.record("start")
	return nil
}

func (f *fakeEngine) Stop(code ipclient.DisconnectCode) { f.record("stop %s", code) }
func (f *fakeEngine) Shutdown()                         { f.record("shutdown") }
func (f *fakeEngine) ConfirmConfiguration()             { f.record("confirm") }
func (f *fakeEngine) CompletedPreDHCPAction()           { f.record("predhcp") }

func (f *fakeEngine) ReadPacketFilterComplete(data []byte) {
	f.mu.Lock()
	f.data = data
	f.mu.Unlock()
	f.record("apf %d", len(data))
}

func (f *fakeEngine) SetTCPBufferSizes(profile string) { f.record("tcp %s", profile) }

func (f *fakeEngine) SetHTTPProxy(proxy *linkprops.ProxyInfo) {
	f.mu.Lock()
	f.proxy = proxy
	f.mu.Unlock()
	f.record("proxy")
}

func (f *fakeEngine) SetMulticastFilter(enabled bool) { f.record("multicast %t", enabled) }

func (f *fakeEngine) AddKeepalivePacketFilter(slot int, pkt ipclient.KeepalivePacket) {
	f.record("keepalive add %d %s", slot, pkt.Dst)
}

func (f *fakeEngine) RemoveKeepalivePacketFilter(slot int) { f.record("keepalive remove %d", slot) }

func (f *fakeEngine) NotifyPreconnectionComplete(success bool) {
	f.record("preconnection %t", success)
}

func (f *fakeEngine) UpdateLayer2Information(info ipclient.Layer2Info) {
	f.mu.Lock()
	f.l2 = info
	f.mu.Unlock()
	f.record("l2 %s", info.L2Key)
}

func (f *fakeEngine) Dump(w io.Writer, args []string) {
	fmt.Fprintf(w, "%s dump %v\n", f.name, args)
}

func (f *fakeEngine) Status() ipclient.Status {
	return ipclient.Status{Interface: f.name, State: "StoppedState", CycleID: f.CycleID()}
}

type fakeBackend struct {
	engines []*fakeEngine
	config  map[string]ipclient.ProvisioningConfiguration
}

func (b *fakeBackend) Engine(name string) (Engine, bool) {
	for _, e := range b.engines {
		if e.name == name {
			return e, true
		}
	}
	return nil, false
}

func (b *fakeBackend) Engines() []Engine {
	out := make([]Engine, len(b.engines))
	for i, e := range b.engines {
		out[i] = e
	}
	return out
}

func (b *fakeBackend) Configured(name string) (ipclient.ProvisioningConfiguration, bool) {
	c, ok := b.config[name]
	return c, ok
}

type fakeHistory struct {
	records []events.Record
}

func (h *fakeHistory) Query(iface string, limit int) ([]events.Record, error) {
	var out []events.Record
	for _, r := range h.records {
		if iface == "" || r.Interface == iface {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type harness struct {
	server  *Server
	client  *Client
	backend *fakeBackend
	hub     *events.Hub
	audit   <-chan events.Event
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	backend := &fakeBackend{
		engines: []*fakeEngine{{name: "wlan0"}, {name: "eth0"}},
		config: map[string]ipclient.ProvisioningConfiguration{
			"wlan0": ipclient.DefaultProvisioningConfiguration(),
		},
	}
	hub := events.NewHub(nil)
	audit := hub.Subscribe(64, events.EventCommand)

	dir, err := os.MkdirTemp("", "ctl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg.Socket = filepath.Join(dir, "ctl.sock")
	cfg.Hub = hub
	cfg.Logger = logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})

	srv := NewServer(backend, cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Close() })

	client, err := NewClient(cfg.Socket)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &harness{server: srv, client: client, backend: backend, hub: hub, audit: audit}
}

func (h *harness) nextAudit(t *testing.T) events.CommandData {
	t.Helper()
	select {
	case ev := <-h.audit:
		data, ok := ev.Data.(events.CommandData)
		require.True(t, ok)
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("no audit event")
	}
	return events.CommandData{}
}

func TestServer_Commands(t *testing.T) {
	h := newHarness(t, Config{})
	wlan := h.backend.engines[0]
	c := h.client

	require.NoError(t, c.StartProvisioning("wlan0", nil))
	require.NotNil(t, wlan.cfg)
	assert.Equal(t, ipclient.DefaultProvisioningConfiguration(), *wlan.cfg)

	require.NoError(t, c.Stop("wlan0", ""))
	require.NoError(t, c.Stop("wlan0", ipclient.DisconnectProvisioningFail))
	require.NoError(t, c.Confirm("wlan0"))
	require.NoError(t, c.CompletedPreDHCPAction("wlan0"))
	require.NoError(t, c.ReadPacketFilterComplete("wlan0", []byte{1, 2, 3}))
	require.NoError(t, c.SetTCPBufferSizes("wlan0", "4096,8192,16384,4096,8192,16384"))
	require.NoError(t, c.SetHTTPProxy("wlan0", &linkprops.ProxyInfo{Host: "proxy.example", Port: 3128}))
	require.NoError(t, c.SetMulticastFilter("wlan0", true))
	require.NoError(t, c.AddKeepalivePacketFilter("wlan0", 1, ipclient.KeepalivePacket{
		Src: netip.MustParseAddrPort("192.0.2.10:4500"),
		Dst: netip.MustParseAddrPort("198.51.100.1:4500"),
	}))
	require.NoError(t, c.RemoveKeepalivePacketFilter("wlan0", 1))
	require.NoError(t, c.NotifyPreconnectionComplete("wlan0", false))
	require.NoError(t, c.UpdateLayer2Information("wlan0", ipclient.Layer2Info{
		L2Key:   "key-2",
		Cluster: "cluster-2",
		BSSID:   net.HardwareAddr{0, 1, 2, 3, 4, 5},
	}))
	require.NoError(t, c.Shutdown("wlan0"))

	assert.Equal(t, []string{
		"start",
		"stop normal-termination",
		"stop " + string(ipclient.DisconnectProvisioningFail),
		"confirm",
		"predhcp",
		"apf 3",
		"tcp 4096,8192,16384,4096,8192,16384",
		"proxy",
		"multicast true",
		"keepalive add 1 198.51.100.1:4500",
		"keepalive remove 1",
		"preconnection false",
		"l2 key-2",
		"shutdown",
	}, wlan.Calls())
	assert.Equal(t, []byte{1, 2, 3}, wlan.data)
	assert.Equal(t, "proxy.example", wlan.proxy.Host)
	assert.Equal(t, net.HardwareAddr{0, 1, 2, 3, 4, 5}, wlan.l2.BSSID)
	assert.Empty(t, h.backend.engines[1].Calls())
}

func TestServer_StartWithExplicitConfig(t *testing.T) {
	h := newHarness(t, Config{})
	cfg := ipclient.DefaultProvisioningConfiguration()
	cfg.EnableIPv6 = false
	cfg.DisplayName = `"lab"`

	require.NoError(t, h.client.StartProvisioning("eth0", &cfg))
	eth := h.backend.engines[1]
	require.NotNil(t, eth.cfg)
	assert.False(t, eth.cfg.EnableIPv6)
	assert.Equal(t, `"lab"`, eth.cfg.DisplayName)
}

func TestServer_Errors(t *testing.T) {
	h := newHarness(t, Config{})

	err := h.client.Confirm("wlan9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrUnknownInterface.Error())

	err = h.client.Confirm("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrInterfaceRequired.Error())

	// eth0 has no configured settings.
	err = h.client.StartProvisioning("eth0", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrNotConfigured.Error())

	bad := ipclient.DefaultProvisioningConfiguration()
	bad.ProvisioningTimeout = -time.Second
	err = h.client.StartProvisioning("wlan0", &bad)
	assert.Error(t, err)

	_, err = h.client.History("", 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrNoHistory.Error())

	// The connection survives failed calls.
	require.NoError(t, h.client.Confirm("wlan0"))
}

func TestServer_Audit(t *testing.T) {
	h := newHarness(t, Config{})

	require.NoError(t, h.client.SetMulticastFilter("wlan0", true))
	data := h.nextAudit(t)
	assert.Equal(t, "SetMulticastFilter", data.Method)
	assert.Equal(t, os.Geteuid(), data.UID)
	assert.Contains(t, data.Args, "Enabled:true")
	assert.Empty(t, data.Error)

	require.Error(t, h.client.Shutdown("nope"))
	data = h.nextAudit(t)
	assert.Equal(t, "Shutdown", data.Method)
	assert.NotEmpty(t, data.Error)

	// Reads are not audited; dump confirm is.
	_, err := h.client.Status("")
	require.NoError(t, err)
	_, err = h.client.Dump("wlan0", "confirm")
	require.NoError(t, err)
	data = h.nextAudit(t)
	assert.Equal(t, "Dump", data.Method)
}

func TestServer_StatusDumpHistory(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	hist := &fakeHistory{records: []events.Record{
		{ID: 3, Timestamp: now, Interface: "wlan0", Type: events.EventProvisioningSuccess},
		{ID: 2, Timestamp: now, Interface: "eth0", Type: events.EventProvisioningFailure},
		{ID: 1, Timestamp: now, Interface: "wlan0", Type: events.EventPreDHCPAction},
	}}
	h := newHarness(t, Config{History: hist})

	st, err := h.client.Status("")
	require.NoError(t, err)
	require.Len(t, st.Engines, 2)
	assert.Equal(t, "wlan0", st.Engines[0].Interface)
	assert.Equal(t, "cycle-eth0", st.Engines[1].CycleID)
	assert.NotEmpty(t, st.Version)

	st, err = h.client.Status("eth0")
	require.NoError(t, err)
	require.Len(t, st.Engines, 1)

	out, err := h.client.Dump("eth0", "verbose")
	require.NoError(t, err)
	assert.Equal(t, "eth0 dump [verbose]\n", out)

	hr, err := h.client.History("wlan0", 10)
	require.NoError(t, err)
	require.Len(t, hr.Records, 2)
	assert.Equal(t, int64(3), hr.Records[0].ID)

	hr, err = h.client.History("", 1)
	require.NoError(t, err)
	assert.Len(t, hr.Records, 1)
}

func TestServer_RateLimit(t *testing.T) {
	h := newHarness(t, Config{Rate: 1, Burst: 3})

	var limited int
	for range 10 {
		if err := h.client.Confirm("wlan0"); err != nil {
			assert.Contains(t, err.Error(), ErrRateLimited.Error())
			limited++
		}
	}
	assert.GreaterOrEqual(t, limited, 6)
	assert.LessOrEqual(t, len(h.backend.engines[0].Calls()), 4)
}

func TestServer_SingleEngineDefault(t *testing.T) {
	h := newHarness(t, Config{})
	h.backend.engines = h.backend.engines[:1]

	require.NoError(t, h.client.Confirm(""))
	assert.Equal(t, []string{"confirm"}, h.backend.engines[0].Calls())
}

func TestServer_RejectsUnauthorized(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root is always authorized")
	}
	h := newHarness(t, Config{})
	assert.True(t, h.server.authorized(os.Geteuid()))
	assert.False(t, h.server.authorized(os.Geteuid()+1))
}

func TestServer_AllowList(t *testing.T) {
	s := NewServer(&fakeBackend{}, Config{AllowUIDs: []int{4242}})
	assert.True(t, s.authorized(0))
	assert.True(t, s.authorized(4242))
	assert.True(t, s.authorized(os.Geteuid()))
	if os.Geteuid() != 4243 {
		assert.False(t, s.authorized(4243))
	}
}

func TestClient_Reconnect(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.client.Confirm("wlan0"))

	// Drop the connection server side; the next call redials.
	h.server.mu.Lock()
	for c := range h.server.conns {
		c.Close()
	}
	h.server.mu.Unlock()

	require.Eventually(t, func() bool {
		return h.client.Confirm("wlan0") == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_CloseRefusesNewClients(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.server.Close())

	_, err := NewClient(h.server.cfg.Socket)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to connect"))
}
