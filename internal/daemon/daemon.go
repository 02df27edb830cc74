// Package daemon assembles the running service: one provisioning engine per
// configured interface, the callback hub and journal, the control socket and
// the metrics endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"grimm.is/ipclient/internal/clock"
	"grimm.is/ipclient/internal/config"
	"grimm.is/ipclient/internal/ctlplane"
	"grimm.is/ipclient/internal/events"
	"grimm.is/ipclient/internal/ipclient"
	"grimm.is/ipclient/internal/logging"
	"grimm.is/ipclient/internal/metrics"
	"grimm.is/ipclient/internal/network"
)

// How long Stop waits for each engine to reach Stopped.
const shutdownTimeout = 5 * time.Second

// Engine is a running provisioning engine.
type Engine interface {
	ctlplane.Engine
	Done() <-chan struct{}
}

// EngineFactory creates an engine. The default wraps ipclient.New.
type EngineFactory func(iface string, cb ipclient.Callbacks, opts ipclient.Options) Engine

// DefaultEngineFactory creates real engines.
func DefaultEngineFactory(iface string, cb ipclient.Callbacks, opts ipclient.Options) Engine {
	return ipclient.New(iface, cb, opts)
}

// Options configures a Daemon.
type Options struct {
	Config    *config.Config
	Logger    *logging.Logger
	Clock     clock.Clock
	Netlinker network.Netlinker
	Sys       network.SystemController
	Factory   EngineFactory

	// Listen controls whether the control socket and metrics endpoint are
	// served.
	Listen bool
}

type managed struct {
	engine    Engine
	publisher *events.Publisher
	settings  *config.EngineSettings
}

// Daemon runs the engines and their supporting services.
type Daemon struct {
	opts   Options
	clock  clock.Clock
	logger *logging.Logger

	hub       *events.Hub
	journal   *events.Journal
	server    *ctlplane.Server
	collector *metrics.Collector
	links     *network.LinkInfo
	cancel    context.CancelFunc

	mu      sync.RWMutex
	cfg     *config.Config
	order   []string
	engines map[string]*managed
}

var _ ctlplane.Backend = (*Daemon)(nil)

// New validates the configuration and prepares a daemon.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("configuration is required")
	}
	if errs := opts.Config.Validate(); errs.HasErrors() {
		return nil, fmt.Errorf("invalid configuration: %w", errs)
	}
	if opts.Factory == nil {
		opts.Factory = DefaultEngineFactory
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("daemon")
	}
	c := clock.Or(opts.Clock)
	return &Daemon{
		opts:    opts,
		clock:   c,
		logger:  logger,
		hub:     events.NewHub(c),
		cfg:     opts.Config,
		engines: make(map[string]*managed),
	}, nil
}

// Hub returns the callback event hub.
func (d *Daemon) Hub() *events.Hub { return d.hub }

// Start opens the journal, creates the engines and starts serving.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	cfg := d.cfg

	if err := os.MkdirAll(cfg.StateDirectory(), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if cfg.JournalEnabled() {
		j, err := events.OpenJournal(cfg.JournalPath(), d.hub, events.JournalConfig{
			Retention: cfg.JournalRetention(),
		}, d.logger.WithComponent("journal"))
		if err != nil {
			return err
		}
		j.Start()
		d.journal = j
	}

	if links, err := network.NewLinkInfo(); err != nil {
		d.logger.Warn("Driver lookup unavailable", "error", err)
	} else {
		d.links = links
	}

	for i := range cfg.Interfaces {
		if err := d.addEngine(&cfg.Interfaces[i]); err != nil {
			d.Stop()
			return err
		}
	}

	if !d.opts.Listen {
		return nil
	}

	if cfg.MetricsEnabled() {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsListen(), d.logger.WithComponent("metrics")); err != nil {
				d.logger.Error("Metrics server failed", "error", err)
			}
		}()
		d.collector = metrics.NewCollector(d.logger.WithComponent("collector"), cfg.MetricsInterval(), cfg.InterfaceNames())
		d.collector.Start()
	}

	rate, burst := cfg.ControlLimits()
	scfg := ctlplane.Config{
		Socket:    cfg.SocketPath(),
		AllowUIDs: cfg.AllowedUIDs(),
		Rate:      rate,
		Burst:     burst,
		Hub:       d.hub,
		Logger:    d.logger.WithComponent("ctlplane"),
		Clock:     d.clock,
	}
	if d.journal != nil {
		scfg.History = d.journal
	}
	d.server = ctlplane.NewServer(d, scfg)
	if err := d.server.Start(); err != nil {
		d.Stop()
		return err
	}
	d.logger.Info("Daemon running", "interfaces", len(d.order))
	return nil
}

// addEngine creates and configures the engine for one interface block.
func (d *Daemon) addEngine(ic *config.InterfaceConfig) error {
	s, err := ic.Settings()
	if err != nil {
		return fmt.Errorf("interface %s: %w", ic.Name, err)
	}

	pub := events.NewPublisher(d.hub, ic.Name, nil)
	opts := ipclient.Options{
		Netlinker:    d.opts.Netlinker,
		Sys:          d.opts.Sys,
		Clock:        d.clock,
		Logger:       d.logger.WithComponent("ipclient"),
		Observer:     s.Observer,
		SteadyState:  s.SteadyState,
		PostRoam:     s.PostRoam,
		ApplyMTU:     s.ApplyMTU,
		AvoidBadWifi: d.avoidBadWifi(ic.Name),
	}
	if d.links != nil {
		opts.Drivers = d.links
	}
	e := d.opts.Factory(ic.Name, pub, opts)
	pub.SetCycleSource(e.CycleID)

	if s.TCPBufferSizes != "" {
		e.SetTCPBufferSizes(s.TCPBufferSizes)
	}
	if s.HTTPProxy != nil {
		e.SetHTTPProxy(s.HTTPProxy)
	}

	d.mu.Lock()
	d.engines[ic.Name] = &managed{engine: e, publisher: pub, settings: s}
	d.order = append(d.order, ic.Name)
	d.mu.Unlock()

	d.logger.Info("Engine created", "interface", ic.Name, "auto_start", s.AutoStart)
	if s.AutoStart {
		if err := e.StartProvisioning(s.Provisioning); err != nil {
			d.logger.Error("Auto-start failed", "interface", ic.Name, "error", err)
		}
	}
	return nil
}

// avoidBadWifi reads the setting at call time so reloads take effect.
func (d *Daemon) avoidBadWifi(name string) func() bool {
	return func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if m, ok := d.engines[name]; ok {
			return m.settings.AvoidBadWifi
		}
		return true
	}
}

// removeEngine shuts an engine down and forgets it.
func (d *Daemon) removeEngine(name string) {
	d.mu.Lock()
	m, ok := d.engines[name]
	if ok {
		delete(d.engines, name)
		d.order = slices.DeleteFunc(d.order, func(n string) bool { return n == name })
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.shutdownEngine(name, m.engine)
}

func (d *Daemon) shutdownEngine(name string, e Engine) {
	e.Shutdown()
	select {
	case <-e.Done():
	case <-time.After(shutdownTimeout):
		d.logger.Warn("Engine did not stop in time", "interface", name)
	}
}

// Reload applies a new configuration. Settings of existing engines are
// replaced and take effect on their next start; added interfaces get an
// engine and removed ones are shut down. Daemon-level settings need a
// restart.
func (d *Daemon) Reload(cfg *config.Config) error {
	err := d.reload(cfg)
	if d.collector != nil {
		d.collector.IncrementConfigReload(err == nil)
	}
	return err
}

func (d *Daemon) reload(cfg *config.Config) error {
	if errs := cfg.Validate(); errs.HasErrors() {
		return fmt.Errorf("invalid configuration: %w", errs)
	}

	d.mu.Lock()
	old := slices.Clone(d.order)
	var added []*config.InterfaceConfig
	for i := range cfg.Interfaces {
		ic := &cfg.Interfaces[i]
		m, ok := d.engines[ic.Name]
		if !ok {
			added = append(added, ic)
			continue
		}
		s, err := ic.Settings()
		if err != nil {
			d.mu.Unlock()
			return fmt.Errorf("interface %s: %w", ic.Name, err)
		}
		if s.TCPBufferSizes != m.settings.TCPBufferSizes && s.TCPBufferSizes != "" {
			m.engine.SetTCPBufferSizes(s.TCPBufferSizes)
		}
		m.settings = s
	}
	d.cfg = cfg
	d.mu.Unlock()

	for _, name := range old {
		if cfg.Interface(name) == nil {
			d.logger.Info("Interface removed from configuration", "interface", name)
			d.removeEngine(name)
		}
	}
	for _, ic := range added {
		if err := d.addEngine(ic); err != nil {
			return err
		}
	}
	d.logger.Info("Configuration reloaded", "interfaces", len(cfg.Interfaces))
	return nil
}

// Stop shuts everything down. It is safe to call more than once.
func (d *Daemon) Stop() {
	if d.server != nil {
		d.server.Close()
		d.server = nil
	}

	d.mu.Lock()
	order := d.order
	engines := d.engines
	d.order = nil
	d.engines = make(map[string]*managed)
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range order {
		wg.Add(1)
		go func(name string, e Engine) {
			defer wg.Done()
			d.shutdownEngine(name, e)
		}(name, engines[name].engine)
	}
	wg.Wait()

	if d.collector != nil {
		d.collector.Stop()
		d.collector = nil
	}
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warn("Journal close failed", "error", err)
		}
		d.journal = nil
	}
	if d.links != nil {
		d.links.Close()
		d.links = nil
	}
	if d.cancel != nil {
		d.cancel()
	}
}

// Engine implements ctlplane.Backend.
func (d *Daemon) Engine(name string) (ctlplane.Engine, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.engines[name]
	if !ok {
		return nil, false
	}
	return m.engine, true
}

// Engines returns the engines in configuration order.
func (d *Daemon) Engines() []ctlplane.Engine {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ctlplane.Engine, 0, len(d.order))
	for _, name := range d.order {
		out = append(out, d.engines[name].engine)
	}
	return out
}

// Configured returns the interface's provisioning configuration from the
// config file.
func (d *Daemon) Configured(name string) (ipclient.ProvisioningConfiguration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.engines[name]
	if !ok {
		return ipclient.ProvisioningConfiguration{}, false
	}
	return *m.settings.Provisioning.Clone(), true
}
