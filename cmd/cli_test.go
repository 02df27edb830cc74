package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/ipclient/internal/ctlplane"
	"grimm.is/ipclient/internal/events"
	"grimm.is/ipclient/internal/ipclient"
	"grimm.is/ipclient/internal/linkprops"
)

// withMock routes client commands to m and captures their output.
func withMock(t *testing.T, m *ctlplane.MockControlPlaneClient) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	oldOut, oldClient := Stdout, newClient
	Stdout = &out
	newClient = func(string) (ctlplane.ControlPlaneClient, error) { return m, nil }
	t.Cleanup(func() {
		Stdout, newClient = oldOut, oldClient
		m.AssertExpectations(t)
	})
	m.On("Close").Return(nil)
	return &out
}

func TestSocketPath(t *testing.T) {
	t.Setenv("IPCLIENTD_RUN_DIR", "/run/test")
	assert.Equal(t, "/tmp/x.sock", SocketPath("/tmp/x.sock", "blue"))
	assert.Equal(t, "/run/test/ipclientd-blue-ctl.sock", SocketPath("", "blue"))
	assert.Equal(t, "/run/test/ipclientd-blue.pid", PIDFile("blue"))
	assert.Equal(t, "/run/test/ipclientd.pid", PIDFile(""))
}

func TestRunStatus_Table(t *testing.T) {
	m := &ctlplane.MockControlPlaneClient{}
	out := withMock(t, m)

	lp := linkprops.New("wlan0")
	lp.Addresses = []linkprops.LinkAddress{{Prefix: netip.MustParsePrefix("192.0.2.10/24")}}
	lp.DNSServers = []netip.Addr{netip.MustParseAddr("192.0.2.1")}
	m.On("Status", "").Return(&ctlplane.StatusReply{
		Version: "ipclientd v1",
		Uptime:  90 * time.Second,
		Engines: []ipclient.Status{
			{Interface: "wlan0", State: "Running", CycleID: "c1", LinkProperties: *lp},
			{Interface: "eth0", State: "Stopped", DisconnectCode: ipclient.DisconnectProvisioningFail},
		},
	}, nil)

	require.NoError(t, RunStatus(ClientOptions{}, ""))
	text := out.String()
	assert.Contains(t, text, "ipclientd v1, up 1m30s")
	assert.Contains(t, text, "192.0.2.10/24")
	assert.Contains(t, text, "192.0.2.1")
	assert.Contains(t, text, "eth0: last disconnect provisioning-fail")
}

func TestRunStatus_Structured(t *testing.T) {
	reply := &ctlplane.StatusReply{
		Version: "ipclientd v1",
		Engines: []ipclient.Status{{Interface: "wlan0", State: "Running"}},
	}

	t.Run("json", func(t *testing.T) {
		m := &ctlplane.MockControlPlaneClient{}
		out := withMock(t, m)
		m.On("Status", "wlan0").Return(reply, nil)

		require.NoError(t, RunStatus(ClientOptions{Output: "json"}, "wlan0"))
		var got ctlplane.StatusReply
		require.NoError(t, json.Unmarshal(out.Bytes(), &got))
		assert.Equal(t, "wlan0", got.Engines[0].Interface)
	})

	t.Run("yaml", func(t *testing.T) {
		m := &ctlplane.MockControlPlaneClient{}
		out := withMock(t, m)
		m.On("Status", "wlan0").Return(reply, nil)

		require.NoError(t, RunStatus(ClientOptions{Output: "yaml"}, "wlan0"))
		assert.Contains(t, out.String(), "version: ipclientd v1")
		assert.Contains(t, out.String(), "interface: wlan0")
	})

	t.Run("unknown", func(t *testing.T) {
		m := &ctlplane.MockControlPlaneClient{}
		withMock(t, m)
		m.On("Status", "wlan0").Return(reply, nil)
		assert.ErrorContains(t, RunStatus(ClientOptions{Output: "xml"}, "wlan0"), "unknown output format")
	})
}

func TestRunStatus_ConnectError(t *testing.T) {
	old := newClient
	newClient = func(string) (ctlplane.ControlPlaneClient, error) { return nil, errors.New("dial failed") }
	defer func() { newClient = old }()

	err := RunStatus(ClientOptions{}, "")
	assert.ErrorContains(t, err, "dial failed")
	assert.ErrorContains(t, err, "Is the daemon running?")
}

func TestEngineCommands(t *testing.T) {
	m := &ctlplane.MockControlPlaneClient{}
	out := withMock(t, m)

	m.On("StartProvisioning", "wlan0", (*ipclient.ProvisioningConfiguration)(nil)).Return(nil)
	m.On("Stop", "wlan0", ipclient.DisconnectCode("user")).Return(nil)
	m.On("Confirm", "wlan0").Return(nil)
	m.On("Dump", "wlan0", []string{"confirm"}).Return("dump output\n", nil)

	require.NoError(t, RunStart(ClientOptions{}, "wlan0"))
	require.NoError(t, RunStop(ClientOptions{}, "wlan0", "user"))
	require.NoError(t, RunConfirm(ClientOptions{}, "wlan0"))
	require.NoError(t, RunDump(ClientOptions{}, "wlan0", []string{"confirm"}))

	assert.Contains(t, out.String(), "Provisioning started on wlan0")
	assert.Contains(t, out.String(), "dump output")
}

func TestRunStart_Error(t *testing.T) {
	m := &ctlplane.MockControlPlaneClient{}
	withMock(t, m)
	m.On("StartProvisioning", "wlan9", mock.Anything).Return(errors.New("unknown interface"))
	assert.ErrorContains(t, RunStart(ClientOptions{}, "wlan9"), "start wlan9: unknown interface")
}

func TestRunHistory(t *testing.T) {
	m := &ctlplane.MockControlPlaneClient{}
	out := withMock(t, m)

	m.On("History", "eth0", 5).Return(&ctlplane.HistoryReply{Records: []events.Record{{
		ID:        1,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Interface: "eth0",
		CycleID:   "c1",
		Type:      events.EventProvisioningSuccess,
		Data:      json.RawMessage(`{"addresses":1}`),
	}}}, nil)

	require.NoError(t, RunHistory(ClientOptions{}, "eth0", 5))
	assert.Contains(t, out.String(), "provisioning.success")
	assert.Contains(t, out.String(), `{"addresses":1}`)
}

func TestRunCommand(t *testing.T) {
	mac, _ := net.ParseMAC("00:11:22:33:44:55")
	tests := []struct {
		action string
		args   []string
		setup  func(m *ctlplane.MockControlPlaneClient)
	}{
		{"shutdown", nil, func(m *ctlplane.MockControlPlaneClient) { m.On("Shutdown", "wlan0").Return(nil) }},
		{"predhcp-done", nil, func(m *ctlplane.MockControlPlaneClient) { m.On("CompletedPreDHCPAction", "wlan0").Return(nil) }},
		{"multicast", []string{"on"}, func(m *ctlplane.MockControlPlaneClient) { m.On("SetMulticastFilter", "wlan0", true).Return(nil) }},
		{"tcp-buffers", []string{"1,2,3,4,5,6"}, func(m *ctlplane.MockControlPlaneClient) {
			m.On("SetTCPBufferSizes", "wlan0", "1,2,3,4,5,6").Return(nil)
		}},
		{"proxy", []string{"proxy.example:3128", "localhost"}, func(m *ctlplane.MockControlPlaneClient) {
			m.On("SetHTTPProxy", "wlan0", &linkprops.ProxyInfo{Host: "proxy.example", Port: 3128, ExclusionList: []string{"localhost"}}).Return(nil)
		}},
		{"proxy", []string{"none"}, func(m *ctlplane.MockControlPlaneClient) {
			m.On("SetHTTPProxy", "wlan0", (*linkprops.ProxyInfo)(nil)).Return(nil)
		}},
		{"preconnection", []string{"fail"}, func(m *ctlplane.MockControlPlaneClient) {
			m.On("NotifyPreconnectionComplete", "wlan0", false).Return(nil)
		}},
		{"layer2", []string{"key", "cluster", "00:11:22:33:44:55"}, func(m *ctlplane.MockControlPlaneClient) {
			m.On("UpdateLayer2Information", "wlan0", ipclient.Layer2Info{L2Key: "key", Cluster: "cluster", BSSID: mac}).Return(nil)
		}},
		{"keepalive-remove", []string{"3"}, func(m *ctlplane.MockControlPlaneClient) {
			m.On("RemoveKeepalivePacketFilter", "wlan0", 3).Return(nil)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			m := &ctlplane.MockControlPlaneClient{}
			out := withMock(t, m)
			tt.setup(m)
			require.NoError(t, RunCommand(ClientOptions{}, "wlan0", tt.action, tt.args))
			assert.Contains(t, out.String(), "wlan0: "+tt.action+" ok")
		})
	}
}

func TestParseCommand_Errors(t *testing.T) {
	for _, tc := range []struct {
		action string
		args   []string
	}{
		{"reboot", nil},
		{"multicast", nil},
		{"multicast", []string{"maybe"}},
		{"proxy", []string{"no-port"}},
		{"proxy", []string{"host:99999"}},
		{"preconnection", []string{"perhaps"}},
		{"layer2", []string{"only-key"}},
		{"layer2", []string{"k", "c", "not-a-mac"}},
		{"keepalive-remove", []string{"x"}},
	} {
		_, err := parseCommand(tc.action, tc.args)
		assert.Error(t, err, "%s %v", tc.action, tc.args)
	}
}

func TestParseProxy_Literal(t *testing.T) {
	p, err := parseProxy("[2001:db8::1]:8080", nil)
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", p.Host)
	assert.Equal(t, 8080, p.Port)
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "d.pid")
	require.NoError(t, writePIDFile(path))

	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Our own PID is not a conflicting daemon.
	require.NoError(t, writePIDFile(path))

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	_, err = readPIDFile(path)
	assert.Error(t, err)
}
