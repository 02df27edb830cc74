package dhcp

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"grimm.is/ipclient/internal/brand"
	"grimm.is/ipclient/internal/clock"
	"grimm.is/ipclient/internal/logging"
	"grimm.is/ipclient/internal/metrics"
	"grimm.is/ipclient/internal/network"
)

// EventKind identifies a message from the DHCP client to its owner.
type EventKind int

const (
	// EventPreDHCPAction asks the owner to run its pre-DHCP action and call
	// PreDHCPActionCompleted.
	EventPreDHCPAction EventKind = iota + 1
	// EventConfigureAddress asks the owner to install Address and call
	// AddressConfigured.
	EventConfigureAddress
	// EventClearAddress asks the owner to remove the IPv4 address.
	EventClearAddress
	// EventSuccess carries Results for a new or renewed lease.
	EventSuccess
	// EventFailure reports that no lease is held any more.
	EventFailure
	// EventStartPreconnection carries the DISCOVER the owner should have
	// the link layer send while it associates.
	EventStartPreconnection
	// EventQuit is the last event; the client is gone.
	EventQuit
)

func (k EventKind) String() string {
	switch k {
	case EventPreDHCPAction:
		return "pre_dhcp_action"
	case EventConfigureAddress:
		return "configure_address"
	case EventClearAddress:
		return "clear_address"
	case EventSuccess:
		return "success"
	case EventFailure:
		return "failure"
	case EventStartPreconnection:
		return "start_preconnection"
	case EventQuit:
		return "quit"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a message from the DHCP client.
type Event struct {
	Kind    EventKind
	Results *Results
	Address netip.Prefix
	Packet  []byte
}

func (e Event) String() string {
	switch {
	case e.Results != nil:
		return e.Kind.String() + " " + e.Results.String()
	case e.Address.IsValid():
		return e.Kind.String() + " " + e.Address.String()
	case e.Packet != nil:
		return fmt.Sprintf("%s %d bytes", e.Kind, len(e.Packet))
	}
	return e.Kind.String()
}

// Sink receives events. It is called from the client's goroutine and must
// not block.
type Sink func(Event)

// StartOptions controls one acquisition cycle.
type StartOptions struct {
	// PreDHCPAction makes the client wait for PreDHCPActionCompleted
	// before sending anything.
	PreDHCPAction bool
	// Preconnection hands the first DISCOVER to the owner.
	Preconnection bool
	// L2Key identifies the network for lease reuse.
	L2Key string
}

// Client is the DHCPv4 collaborator of the provisioning engine. Methods
// never block; results arrive through the Sink.
type Client interface {
	Start(opts StartOptions)
	Stop()
	Quit()
	PreDHCPActionCompleted()
	AddressConfigured(ok bool)
	PreconnectionComplete(success bool)
	RefreshLease()
}

// Factory creates a client for an interface.
type Factory func(params *network.InterfaceParams, sink Sink) (Client, error)

// Exchanger performs DHCP message exchanges on the wire.
type Exchanger interface {
	Request(ctx context.Context) (*Lease, error)
	Renew(ctx context.Context, lease *Lease) (*Lease, error)
	Close() error
}

// Options configures a NativeClient. Zero values select defaults.
type Options struct {
	Dial         func(params *network.InterfaceParams) (Exchanger, error)
	Store        *LeaseStore
	Clock        clock.Clock
	Metrics      *metrics.Registry
	Logger       *logging.Logger
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	RenewRetry   time.Duration
}

const (
	defaultRetryBackoff = 2 * time.Second
	defaultMaxBackoff   = 60 * time.Second
	defaultRenewRetry   = 10 * time.Second
	panicRestartDelay   = 5 * time.Second
)

type clientState int

const (
	stateIdle clientState = iota
	stateWaitPreDHCP
	statePreconnecting
	stateAcquiring
	stateConfiguring
	stateBound
	stateRenewing
)

var stateNames = map[clientState]string{
	stateIdle:          "Idle",
	stateWaitPreDHCP:   "WaitingForPreDhcpAction",
	statePreconnecting: "Preconnecting",
	stateAcquiring:     "Acquiring",
	stateConfiguring:   "ConfiguringInterface",
	stateBound:         "Bound",
	stateRenewing:      "Renewing",
}

func (s clientState) String() string { return stateNames[s] }

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdQuit
	cmdPreDHCPDone
	cmdAddressConfigured
	cmdPreconnectionDone
	cmdRefresh
	cmdLeaseAcquired
	cmdLeaseRenewed
	cmdLeaseExpired
	cmdRenewDue
	cmdWorkerPanicked
	cmdRestart
)

type command struct {
	kind  cmdKind
	opts  StartOptions
	ok    bool
	lease *Lease
	gen   uint64
}

// NativeClient is a DHCPv4 client built on nclient4 exchanges. Leases
// are persisted so a restart on the same network can reuse them.
type NativeClient struct {
	params *network.InterfaceParams
	sink   Sink
	ex     Exchanger
	store  *LeaseStore
	clock  clock.Clock
	reg    *metrics.Registry
	logger *logging.Logger

	retryBackoff time.Duration
	maxBackoff   time.Duration
	renewRetry   time.Duration

	mu      sync.Mutex
	pending []command
	wake    chan struct{}
	done    chan struct{}

	// Owned by the run goroutine.
	state   clientState
	opts    StartOptions
	lease   *Lease
	results *Results
	gen     uint64
	cancel  context.CancelFunc
	timer   clock.Timer
}

// NewFactory returns a Factory producing NativeClients with opts.
func NewFactory(opts Options) Factory {
	return func(params *network.InterfaceParams, sink Sink) (Client, error) {
		return NewNativeClient(params, sink, opts)
	}
}

// NewNativeClient opens the DHCP socket on the interface and starts the
// client goroutine in the idle state.
func NewNativeClient(params *network.InterfaceParams, sink Sink, opts Options) (*NativeClient, error) {
	if params == nil {
		return nil, fmt.Errorf("dhcp: %w", network.ErrInterfaceNotFound)
	}
	if opts.Dial == nil {
		opts.Dial = dialNative
	}
	ex, err := opts.Dial(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create DHCP client for %s: %w", params.Name, err)
	}
	if opts.Store == nil {
		opts.Store = NewLeaseStore(brand.GetStateDir())
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Get()
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("dhcp")
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.RenewRetry <= 0 {
		opts.RenewRetry = defaultRenewRetry
	}
	c := &NativeClient{
		params:       params,
		sink:         sink,
		ex:           ex,
		store:        opts.Store,
		clock:        clock.Or(opts.Clock),
		reg:          opts.Metrics,
		logger:       opts.Logger.WithInterface(params.Name),
		retryBackoff: opts.RetryBackoff,
		maxBackoff:   opts.MaxBackoff,
		renewRetry:   opts.RenewRetry,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go c.run()
	return c, nil
}

// Start begins an acquisition cycle.
func (c *NativeClient) Start(opts StartOptions) { c.post(command{kind: cmdStart, opts: opts}) }

// Stop abandons the current cycle. A held address is cleared.
func (c *NativeClient) Stop() { c.post(command{kind: cmdStop}) }

// Quit stops the client and closes its socket; EventQuit follows.
func (c *NativeClient) Quit() { c.post(command{kind: cmdQuit}) }

// PreDHCPActionCompleted releases a client waiting for the pre-DHCP action.
func (c *NativeClient) PreDHCPActionCompleted() { c.post(command{kind: cmdPreDHCPDone}) }

// AddressConfigured reports the outcome of EventConfigureAddress.
func (c *NativeClient) AddressConfigured(ok bool) {
	c.post(command{kind: cmdAddressConfigured, ok: ok})
}

// PreconnectionComplete reports whether the link layer finished
// associating with the preconnection DISCOVER. On failure the client
// falls back to a regular acquisition.
func (c *NativeClient) PreconnectionComplete(success bool) {
	c.post(command{kind: cmdPreconnectionDone, ok: success})
}

// RefreshLease renews a bound lease now.
func (c *NativeClient) RefreshLease() { c.post(command{kind: cmdRefresh}) }

// Done is closed once the client goroutine has exited.
func (c *NativeClient) Done() <-chan struct{} { return c.done }

func (c *NativeClient) post(cmd command) {
	c.mu.Lock()
	c.pending = append(c.pending, cmd)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *NativeClient) next() command {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			cmd := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return cmd
		}
		c.mu.Unlock()
		<-c.wake
	}
}

func (c *NativeClient) emit(ev Event) {
	c.reg.RecordDHCPEvent(c.params.Name, ev.Kind.String())
	if c.sink != nil {
		c.sink(ev)
	}
}

func (c *NativeClient) run() {
	defer close(c.done)
	for {
		cmd := c.next()
		if cmd.kind == cmdQuit {
			c.stop()
			if err := c.ex.Close(); err != nil {
				c.logger.Debug("closing DHCP socket", "error", err)
			}
			c.emit(Event{Kind: EventQuit})
			return
		}
		c.handle(cmd)
	}
}

func (c *NativeClient) transition(s clientState) {
	if c.state != s {
		c.logger.Debug("DHCP state", "from", c.state, "to", s)
	}
	c.state = s
}

func (c *NativeClient) handle(cmd command) {
	switch cmd.kind {
	case cmdStart:
		if c.state != stateIdle {
			c.logger.Warn("DHCP client already started", "state", c.state)
			return
		}
		c.opts = cmd.opts
		if c.opts.PreDHCPAction {
			c.transition(stateWaitPreDHCP)
			c.emit(Event{Kind: EventPreDHCPAction})
			return
		}
		c.beginAcquire()

	case cmdStop:
		c.stop()

	case cmdPreDHCPDone:
		if c.state == stateWaitPreDHCP {
			c.beginAcquire()
		}

	case cmdPreconnectionDone:
		if c.state != statePreconnecting {
			return
		}
		if !cmd.ok {
			c.logger.Info("preconnection aborted, falling back to regular acquisition")
		}
		c.acquire()

	case cmdLeaseAcquired:
		if cmd.gen != c.gen || c.state != stateAcquiring {
			return
		}
		c.cancelWork()
		results, err := FromACK(cmd.lease.ACK)
		if err != nil {
			c.logger.Warn("unusable lease, retrying", "error", err)
			_ = c.store.Remove(c.leaseKey())
			c.acquire()
			return
		}
		c.lease, c.results = cmd.lease, results
		c.transition(stateConfiguring)
		c.emit(Event{Kind: EventConfigureAddress, Address: results.Address})

	case cmdAddressConfigured:
		if c.state != stateConfiguring {
			return
		}
		if !cmd.ok {
			c.logger.Warn("failed to configure leased address", "addr", c.results.Address)
			c.lease, c.results = nil, nil
			c.transition(stateIdle)
			c.emit(Event{Kind: EventFailure})
			return
		}
		c.bind()

	case cmdRefresh:
		if c.state == stateBound {
			c.renew()
		}

	case cmdRenewDue:
		if cmd.gen == c.gen && c.state == stateBound {
			c.renew()
		}

	case cmdLeaseRenewed:
		if cmd.gen != c.gen || c.state != stateRenewing {
			return
		}
		c.cancelWork()
		results, err := FromACK(cmd.lease.ACK)
		if err != nil || results.Address != c.results.Address {
			c.logger.Warn("renewal changed the lease, starting over", "error", err)
			c.loseLease()
			return
		}
		c.lease, c.results = cmd.lease, results
		c.bind()

	case cmdLeaseExpired:
		if cmd.gen != c.gen || c.state != stateRenewing {
			return
		}
		c.cancelWork()
		c.logger.Warn("DHCP lease expired")
		c.loseLease()

	case cmdWorkerPanicked:
		if cmd.gen != c.gen {
			return
		}
		c.cancelWork()
		c.gen++
		gen := c.gen
		c.timer = c.clock.AfterFunc(panicRestartDelay, func() {
			c.post(command{kind: cmdRestart, gen: gen})
		})

	case cmdRestart:
		if cmd.gen != c.gen {
			return
		}
		c.logger.Info("restarting DHCP client loop")
		if c.state == stateRenewing {
			c.loseLease()
			return
		}
		c.acquire()
	}
}

func (c *NativeClient) beginAcquire() {
	if !c.opts.Preconnection {
		c.acquire()
		return
	}
	discover, err := dhcpv4.NewDiscovery(c.params.MAC)
	if err != nil {
		c.logger.Warn("failed to build preconnection DISCOVER", "error", err)
		c.acquire()
		return
	}
	c.transition(statePreconnecting)
	c.emit(Event{Kind: EventStartPreconnection, Packet: discover.ToBytes()})
}

// acquire starts a worker that obtains a lease, reusing a saved one that
// has not expired.
func (c *NativeClient) acquire() {
	c.cancelWork()
	c.transition(stateAcquiring)
	ctx, gen := c.newWork()
	key := c.leaseKey()
	go c.guard(gen, key, func() {
		if saved, err := c.store.Load(key); err == nil {
			if !saved.Expired(c.clock.Now()) {
				c.logger.Info("reusing saved DHCP lease", "expires_in", saved.CreationTime.Add(saved.Duration()).Sub(c.clock.Now()))
				c.post(command{kind: cmdLeaseAcquired, lease: saved, gen: gen})
				return
			}
			c.logger.Info("saved lease expired, starting fresh discovery")
		}
		backoff := c.retryBackoff
		for {
			lease, err := c.ex.Request(ctx)
			if err == nil {
				if lease.CreationTime.IsZero() {
					lease.CreationTime = c.clock.Now()
				}
				c.post(command{kind: cmdLeaseAcquired, lease: lease, gen: gen})
				return
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Info("DHCP handshake failed", "error", err, "retry_in", backoff)
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.maxBackoff)
		}
	})
}

// renew starts a worker that renews the lease, retrying until it expires.
func (c *NativeClient) renew() {
	c.cancelWork()
	c.transition(stateRenewing)
	ctx, gen := c.newWork()
	lease, key := c.lease, c.leaseKey()
	go c.guard(gen, key, func() {
		for {
			renewed, err := c.ex.Renew(ctx, lease)
			if err == nil {
				if renewed.CreationTime.IsZero() {
					renewed.CreationTime = c.clock.Now()
				}
				c.post(command{kind: cmdLeaseRenewed, lease: renewed, gen: gen})
				return
			}
			if ctx.Err() != nil {
				return
			}
			if lease.Expired(c.clock.Now().Add(c.renewRetry)) {
				c.post(command{kind: cmdLeaseExpired, gen: gen})
				return
			}
			c.logger.Info("DHCP renewal failed, retrying", "error", err, "retry_in", c.renewRetry)
			if !c.sleep(ctx, c.renewRetry) {
				return
			}
		}
	})
}

// bind records the lease, reports success and schedules renewal at T1.
func (c *NativeClient) bind() {
	if err := c.store.Save(c.leaseKey(), c.lease); err != nil {
		c.logger.Warn("failed to persist lease", "error", err)
	}
	c.transition(stateBound)
	c.emit(Event{Kind: EventSuccess, Results: c.results.Clone()})

	wait := c.lease.RenewAfter() - c.clock.Since(c.lease.CreationTime)
	if wait <= 0 {
		wait = time.Second
	}
	c.gen++
	gen := c.gen
	c.logger.Info("DHCP lease active", "addr", c.results.Address, "renew_in", wait)
	c.timer = c.clock.AfterFunc(wait, func() {
		c.post(command{kind: cmdRenewDue, gen: gen})
	})
}

func (c *NativeClient) loseLease() {
	c.lease, c.results = nil, nil
	_ = c.store.Remove(c.leaseKey())
	c.emit(Event{Kind: EventClearAddress})
	c.emit(Event{Kind: EventFailure})
	c.acquire()
}

func (c *NativeClient) stop() {
	c.cancelWork()
	c.gen++
	held := c.state == stateConfiguring || c.state == stateBound || c.state == stateRenewing
	c.lease, c.results = nil, nil
	c.transition(stateIdle)
	if held {
		c.emit(Event{Kind: EventClearAddress})
	}
}

func (c *NativeClient) newWork() (context.Context, uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.gen++
	return ctx, c.gen
}

func (c *NativeClient) cancelWork() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *NativeClient) leaseKey() string {
	if c.opts.L2Key != "" {
		return c.params.Name + "_" + c.opts.L2Key
	}
	return c.params.Name
}

// sleep waits d on the client's clock, returning false if ctx ends first.
func (c *NativeClient) sleep(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{})
	t := c.clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

// guard runs a worker, recovering from panics so a bad lease cannot take
// the daemon down. The saved lease is dropped since it may be the cause.
func (c *NativeClient) guard(gen uint64, key string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("CRITICAL: DHCP client panic", "panic", r)
			if err := c.store.Remove(key); err != nil {
				c.logger.Warn("failed to remove potentially corrupted lease file", "error", err)
			}
			c.post(command{kind: cmdWorkerPanicked, gen: gen})
		}
	}()
	f()
}
