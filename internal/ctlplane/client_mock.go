package ctlplane

import (
	"github.com/stretchr/testify/mock"

	"grimm.is/ipclient/internal/ipclient"
	"grimm.is/ipclient/internal/linkprops"
)

// MockControlPlaneClient is a mock implementation of ControlPlaneClient for testing.
type MockControlPlaneClient struct {
	mock.Mock
}

var _ ControlPlaneClient = (*MockControlPlaneClient)(nil)

func (m *MockControlPlaneClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockControlPlaneClient) Status(iface string) (*StatusReply, error) {
	args := m.Called(iface)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*StatusReply), args.Error(1)
}

func (m *MockControlPlaneClient) Dump(iface string, dumpArgs ...string) (string, error) {
	args := m.Called(iface, dumpArgs)
	return args.String(0), args.Error(1)
}

func (m *MockControlPlaneClient) History(iface string, limit int) (*HistoryReply, error) {
	args := m.Called(iface, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*HistoryReply), args.Error(1)
}

func (m *MockControlPlaneClient) StartProvisioning(iface string, cfg *ipclient.ProvisioningConfiguration) error {
	return m.Called(iface, cfg).Error(0)
}

func (m *MockControlPlaneClient) Stop(iface string, code ipclient.DisconnectCode) error {
	return m.Called(iface, code).Error(0)
}

func (m *MockControlPlaneClient) Shutdown(iface string) error {
	return m.Called(iface).Error(0)
}

func (m *MockControlPlaneClient) Confirm(iface string) error {
	return m.Called(iface).Error(0)
}

func (m *MockControlPlaneClient) CompletedPreDHCPAction(iface string) error {
	return m.Called(iface).Error(0)
}

func (m *MockControlPlaneClient) ReadPacketFilterComplete(iface string, data []byte) error {
	return m.Called(iface, data).Error(0)
}

func (m *MockControlPlaneClient) SetTCPBufferSizes(iface, profile string) error {
	return m.Called(iface, profile).Error(0)
}

func (m *MockControlPlaneClient) SetHTTPProxy(iface string, proxy *linkprops.ProxyInfo) error {
	return m.Called(iface, proxy).Error(0)
}

func (m *MockControlPlaneClient) SetMulticastFilter(iface string, enabled bool) error {
	return m.Called(iface, enabled).Error(0)
}

func (m *MockControlPlaneClient) AddKeepalivePacketFilter(iface string, slot int, pkt ipclient.KeepalivePacket) error {
	return m.Called(iface, slot, pkt).Error(0)
}

func (m *MockControlPlaneClient) RemoveKeepalivePacketFilter(iface string, slot int) error {
	return m.Called(iface, slot).Error(0)
}

func (m *MockControlPlaneClient) NotifyPreconnectionComplete(iface string, success bool) error {
	return m.Called(iface, success).Error(0)
}

func (m *MockControlPlaneClient) UpdateLayer2Information(iface string, info ipclient.Layer2Info) error {
	return m.Called(iface, info).Error(0)
}
