package config

import (
	"fmt"
	"net/netip"
	"path/filepath"
	"time"

	"grimm.is/ipclient/internal/brand"
	"grimm.is/ipclient/internal/ipclient"
	"grimm.is/ipclient/internal/linkobserver"
	"grimm.is/ipclient/internal/linkprops"
	"grimm.is/ipclient/internal/network"
	"grimm.is/ipclient/internal/reachability"
)

// Defaults for daemon-level settings.
const (
	DefaultMetricsListen    = "127.0.0.1:9560"
	DefaultMetricsInterval  = 15 * time.Second
	DefaultControlRate      = 20
	DefaultControlBurst     = 40
	DefaultJournalRetention = 7 * 24 * time.Hour
	journalFileName         = "journal.db"
)

var addrGenModes = map[string]int{
	"eui64":          network.AddrGenModeEUI64,
	"none":           network.AddrGenModeNone,
	"stable_privacy": network.AddrGenModeStablePrivacy,
	"random":         network.AddrGenModeRandom,
}

// EngineSettings is everything the daemon needs to create and start one
// engine.
type EngineSettings struct {
	AutoStart    bool
	Provisioning ipclient.ProvisioningConfiguration

	ApplyMTU     bool
	AvoidBadWifi bool
	Observer     linkobserver.Config
	SteadyState  reachability.ProbeParams
	PostRoam     reachability.ProbeParams

	TCPBufferSizes string
	HTTPProxy      *linkprops.ProxyInfo
}

// Settings converts the interface block to engine settings.
func (ic *InterfaceConfig) Settings() (*EngineSettings, error) {
	s := &EngineSettings{
		AutoStart:      ic.AutoStart,
		Provisioning:   ipclient.DefaultProvisioningConfiguration(),
		ApplyMTU:       ic.ApplyMTU,
		AvoidBadWifi:   boolOr(ic.AvoidBadWifi, true),
		TCPBufferSizes: ic.TCPBufferSizes,
		SteadyState: reachability.ProbeParams{
			Solicits: reachability.DefaultSteadyStateSolicits,
			Interval: reachability.DefaultSteadyStateInterval,
		},
		PostRoam: reachability.ProbeParams{
			Solicits: reachability.DefaultPostRoamSolicits,
			Interval: reachability.DefaultPostRoamInterval,
		},
	}

	p := &s.Provisioning
	p.EnableIPv4 = boolOr(ic.IPv4, true)
	p.EnableIPv6 = boolOr(ic.IPv6, true)
	p.EnablePreconnection = ic.Preconnection
	p.UsingReachabilityMonitor = boolOr(ic.ReachabilityMonitor, true)
	p.UsingMultinetworkPolicyTracker = ic.MultinetworkPolicyTracker
	p.DisplayName = ic.DisplayName

	var err error
	if ic.ProvisioningTimeout != "" {
		if p.ProvisioningTimeout, err = parseDuration("provisioning_timeout", ic.ProvisioningTimeout); err != nil {
			return nil, err
		}
	}
	if ic.PreDHCPActionTimeout != "" {
		if p.PreDHCPActionTimeout, err = parseDuration("pre_dhcp_action_timeout", ic.PreDHCPActionTimeout); err != nil {
			return nil, err
		}
	}
	if ic.RDNSSMinLifetime != "" {
		if s.Observer.MinRDNSSLifetime, err = parseDuration("rdnss_min_lifetime", ic.RDNSSMinLifetime); err != nil {
			return nil, err
		}
	}
	if ic.AddrGenMode != "" {
		mode, ok := addrGenModes[ic.AddrGenMode]
		if !ok {
			return nil, fmt.Errorf("addr_gen_mode: unknown mode %q", ic.AddrGenMode)
		}
		p.IPv6AddrGenMode = mode
	}

	if ic.Static != nil {
		if p.StaticIPConfig, err = ic.Static.convert(); err != nil {
			return nil, fmt.Errorf("static: %w", err)
		}
	}
	if ic.Initial != nil {
		if p.InitialConfig, err = ic.Initial.convert(); err != nil {
			return nil, fmt.Errorf("initial: %w", err)
		}
	}
	if ic.APF != nil {
		p.APF = &ipclient.APFCapabilities{
			Version:        ic.APF.Version,
			MaxProgramSize: ic.APF.MaxProgramSize,
			PacketFormat:   ic.APF.PacketFormat,
		}
	}
	if ic.HTTPProxy != nil {
		s.HTTPProxy = &linkprops.ProxyInfo{
			Host:          ic.HTTPProxy.Host,
			Port:          ic.HTTPProxy.Port,
			ExclusionList: ic.HTTPProxy.Exclusions,
			PacURL:        ic.HTTPProxy.PACURL,
		}
	}
	if ic.SteadyNUD != nil {
		if err := ic.SteadyNUD.apply(&s.SteadyState); err != nil {
			return nil, fmt.Errorf("steady_state_probe: %w", err)
		}
	}
	if ic.PostRoamNUD != nil {
		if err := ic.PostRoamNUD.apply(&s.PostRoam); err != nil {
			return nil, fmt.Errorf("post_roam_probe: %w", err)
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (sc *StaticConfig) convert() (*linkprops.StaticIPConfig, error) {
	addr, err := netip.ParsePrefix(sc.Address)
	if err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}
	out := &linkprops.StaticIPConfig{Address: addr, Domains: sc.Domains}
	if sc.Gateway != "" {
		if out.Gateway, err = netip.ParseAddr(sc.Gateway); err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
	}
	if out.DNSServers, err = parseAddrs(sc.DNS); err != nil {
		return nil, fmt.Errorf("dns: %w", err)
	}
	return out, nil
}

func (ic *InitialConfig) convert() (*linkprops.InitialConfiguration, error) {
	out := &linkprops.InitialConfiguration{}
	for _, s := range ic.Addresses {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("addresses: %w", err)
		}
		out.Addresses = append(out.Addresses, linkprops.NewLinkAddress(p))
	}
	for _, s := range ic.Prefixes {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("prefixes: %w", err)
		}
		out.DirectlyConnectedRoutes = append(out.DirectlyConnectedRoutes, p.Masked())
	}
	var err error
	if out.DNSServers, err = parseAddrs(ic.DNS); err != nil {
		return nil, fmt.Errorf("dns: %w", err)
	}
	return out, nil
}

func (pc *ProbeConfig) apply(p *reachability.ProbeParams) error {
	if pc.Solicits != 0 {
		if pc.Solicits < reachability.MinNUDSolicits || pc.Solicits > reachability.MaxNUDSolicits {
			return fmt.Errorf("solicits %d outside [%d, %d]", pc.Solicits,
				reachability.MinNUDSolicits, reachability.MaxNUDSolicits)
		}
		p.Solicits = pc.Solicits
	}
	if pc.Interval != "" {
		d, err := parseDuration("interval", pc.Interval)
		if err != nil {
			return err
		}
		if d < reachability.MinNUDInterval || d > reachability.MaxNUDInterval {
			return fmt.Errorf("interval %s outside [%s, %s]", d,
				reachability.MinNUDInterval, reachability.MaxNUDInterval)
		}
		p.Interval = d
	}
	return nil
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %s", field, s)
	}
	return d, nil
}

func parseAddrs(ss []string) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, s := range ss {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// StateDirectory returns the configured state directory or the brand
// default.
func (c *Config) StateDirectory() string {
	if c.StateDir != "" {
		return c.StateDir
	}
	return brand.GetStateDir()
}

// SocketPath returns the control socket path.
func (c *Config) SocketPath() string {
	if c.Control != nil && c.Control.Socket != "" {
		return c.Control.Socket
	}
	return brand.GetSocketPath()
}

// ControlLimits returns the per-connection request rate and burst.
func (c *Config) ControlLimits() (rate, burst int) {
	rate, burst = DefaultControlRate, DefaultControlBurst
	if c.Control != nil {
		if c.Control.Rate > 0 {
			rate = c.Control.Rate
		}
		if c.Control.Burst > 0 {
			burst = c.Control.Burst
		}
	}
	return rate, burst
}

// AllowedUIDs returns the non-root users allowed on the control socket.
func (c *Config) AllowedUIDs() []int {
	if c.Control == nil {
		return nil
	}
	return c.Control.AllowUIDs
}

// MetricsEnabled reports whether the metrics endpoint is served.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics == nil || boolOr(c.Metrics.Enabled, true)
}

// MetricsListen returns the metrics listen address.
func (c *Config) MetricsListen() string {
	if c.Metrics != nil && c.Metrics.Listen != "" {
		return c.Metrics.Listen
	}
	return DefaultMetricsListen
}

// MetricsInterval returns the interface counter sampling interval.
func (c *Config) MetricsInterval() time.Duration {
	if c.Metrics != nil && c.Metrics.Interval != "" {
		if d, err := time.ParseDuration(c.Metrics.Interval); err == nil && d > 0 {
			return d
		}
	}
	return DefaultMetricsInterval
}

// JournalEnabled reports whether callbacks are journaled.
func (c *Config) JournalEnabled() bool {
	return c.Journal == nil || boolOr(c.Journal.Enabled, true)
}

// JournalPath returns the journal database path.
func (c *Config) JournalPath() string {
	if c.Journal != nil && c.Journal.Path != "" {
		return c.Journal.Path
	}
	return filepath.Join(c.StateDirectory(), journalFileName)
}

// JournalRetention returns how long journal records are kept.
func (c *Config) JournalRetention() time.Duration {
	if c.Journal != nil && c.Journal.Retention != "" {
		if d, err := time.ParseDuration(c.Journal.Retention); err == nil && d > 0 {
			return d
		}
	}
	return DefaultJournalRetention
}
