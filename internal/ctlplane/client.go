package ctlplane

import (
	"errors"
	"fmt"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"sync"

	"grimm.is/ipclient/internal/brand"
	"grimm.is/ipclient/internal/ipclient"
	"grimm.is/ipclient/internal/linkprops"
)

// ControlPlaneClient is the command-line view of the control socket.
type ControlPlaneClient interface {
	Status(iface string) (*StatusReply, error)
	Dump(iface string, args ...string) (string, error)
	History(iface string, limit int) (*HistoryReply, error)
	StartProvisioning(iface string, cfg *ipclient.ProvisioningConfiguration) error
	Stop(iface string, code ipclient.DisconnectCode) error
	Shutdown(iface string) error
	Confirm(iface string) error
	CompletedPreDHCPAction(iface string) error
	ReadPacketFilterComplete(iface string, data []byte) error
	SetTCPBufferSizes(iface, profile string) error
	SetHTTPProxy(iface string, proxy *linkprops.ProxyInfo) error
	SetMulticastFilter(iface string, enabled bool) error
	AddKeepalivePacketFilter(iface string, slot int, pkt ipclient.KeepalivePacket) error
	RemoveKeepalivePacketFilter(iface string, slot int) error
	NotifyPreconnectionComplete(iface string, success bool) error
	UpdateLayer2Information(iface string, info ipclient.Layer2Info) error
	Close() error
}

var _ ControlPlaneClient = (*Client)(nil)

// Client is the RPC client for the control socket.
type Client struct {
	socket string
	client *rpc.Client
	mu     sync.RWMutex
}

// NewClient connects to the control socket. An empty path means the
// default socket.
func NewClient(socket string) (*Client, error) {
	if socket == "" {
		socket = brand.GetSocketPath()
	}
	client, err := jsonrpc.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control plane at %s: %w", socket, err)
	}
	return &Client{socket: socket, client: client}, nil
}

// Close closes the RPC connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		err := c.client.Close()
		c.client = nil
		return err
	}
	return nil
}

// call makes the request, reconnecting once if the connection dropped.
func (c *Client) call(method string, args, reply any) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		if err := c.reconnect(nil); err != nil {
			return err
		}
		c.mu.RLock()
		client = c.client
		c.mu.RUnlock()
	}

	err := client.Call("Server."+method, args, reply)
	if err == nil {
		return nil
	}
	if !errors.Is(err, rpc.ErrShutdown) && !isNetworkError(err) {
		return err
	}

	if recErr := c.reconnect(client); recErr != nil {
		return fmt.Errorf("RPC call failed (%v) and reconnection failed: %w", err, recErr)
	}
	c.mu.RLock()
	client = c.client
	c.mu.RUnlock()
	return client.Call("Server."+method, args, reply)
}

func (c *Client) reconnect(old *rpc.Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Someone else already reconnected.
	if c.client != old && c.client != nil {
		return nil
	}
	if c.client != nil {
		c.client.Close()
	}
	client, err := jsonrpc.Dial("unix", c.socket)
	if err != nil {
		return fmt.Errorf("failed to reconnect to control plane: %w", err)
	}
	c.client = client
	return nil
}

func isNetworkError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection is shut down") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unexpected EOF") ||
		strings.Contains(msg, "use of closed network connection")
}

// Status returns daemon and engine status.
func (c *Client) Status(iface string) (*StatusReply, error) {
	var reply StatusReply
	if err := c.call("Status", &InterfaceArgs{Interface: iface}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Dump returns an engine's diagnostic dump.
func (c *Client) Dump(iface string, args ...string) (string, error) {
	var reply DumpReply
	if err := c.call("Dump", &DumpArgs{Interface: iface, Args: args}, &reply); err != nil {
		return "", err
	}
	return reply.Output, nil
}

// History returns journaled callbacks.
func (c *Client) History(iface string, limit int) (*HistoryReply, error) {
	var reply HistoryReply
	if err := c.call("History", &HistoryArgs{Interface: iface, Limit: limit}, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// StartProvisioning starts a cycle. A nil cfg uses the daemon's configured
// settings for the interface.
func (c *Client) StartProvisioning(iface string, cfg *ipclient.ProvisioningConfiguration) error {
	return c.call("StartProvisioning", &StartArgs{Interface: iface, Config: cfg}, &Empty{})
}

func (c *Client) Stop(iface string, code ipclient.DisconnectCode) error {
	return c.call("Stop", &StopArgs{Interface: iface, Code: code}, &Empty{})
}

func (c *Client) Shutdown(iface string) error {
	return c.call("Shutdown", &InterfaceArgs{Interface: iface}, &Empty{})
}

func (c *Client) Confirm(iface string) error {
	return c.call("Confirm", &InterfaceArgs{Interface: iface}, &Empty{})
}

func (c *Client) CompletedPreDHCPAction(iface string) error {
	return c.call("CompletedPreDHCPAction", &InterfaceArgs{Interface: iface}, &Empty{})
}

func (c *Client) ReadPacketFilterComplete(iface string, data []byte) error {
	return c.call("ReadPacketFilterComplete", &BytesArgs{Interface: iface, Data: data}, &Empty{})
}

func (c *Client) SetTCPBufferSizes(iface, profile string) error {
	return c.call("SetTCPBufferSizes", &StringArgs{Interface: iface, Value: profile}, &Empty{})
}

func (c *Client) SetHTTPProxy(iface string, proxy *linkprops.ProxyInfo) error {
	return c.call("SetHTTPProxy", &ProxyArgs{Interface: iface, Proxy: proxy}, &Empty{})
}

func (c *Client) SetMulticastFilter(iface string, enabled bool) error {
	return c.call("SetMulticastFilter", &BoolArgs{Interface: iface, Enabled: enabled}, &Empty{})
}

func (c *Client) AddKeepalivePacketFilter(iface string, slot int, pkt ipclient.KeepalivePacket) error {
	return c.call("AddKeepalivePacketFilter", &KeepaliveArgs{Interface: iface, Slot: slot, Packet: pkt}, &Empty{})
}

func (c *Client) RemoveKeepalivePacketFilter(iface string, slot int) error {
	return c.call("RemoveKeepalivePacketFilter", &SlotArgs{Interface: iface, Slot: slot}, &Empty{})
}

func (c *Client) NotifyPreconnectionComplete(iface string, success bool) error {
	return c.call("NotifyPreconnectionComplete", &BoolArgs{Interface: iface, Enabled: success}, &Empty{})
}

func (c *Client) UpdateLayer2Information(iface string, info ipclient.Layer2Info) error {
	return c.call("UpdateLayer2Information", &Layer2Args{Interface: iface, Info: info}, &Empty{})
}
