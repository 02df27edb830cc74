// Package config loads the daemon's HCL configuration.
package config

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level structure for the daemon configuration.
type Config struct {
	// Schema version for backward compatibility. Empty means "1.0".
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// StateDir overrides the brand state directory (leases, journal).
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`

	Logging    *LoggingConfig    `hcl:"logging,block" json:"logging,omitempty"`
	Metrics    *MetricsConfig    `hcl:"metrics,block" json:"metrics,omitempty"`
	Control    *ControlConfig    `hcl:"control,block" json:"control,omitempty"`
	Journal    *JournalConfig    `hcl:"journal,block" json:"journal,omitempty"`
	Interfaces []InterfaceConfig `hcl:"interface,block" json:"interfaces"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string        `hcl:"level,optional" json:"level,omitempty"`
	JSON   bool          `hcl:"json,optional" json:"json,omitempty"`
	Syslog *SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// SyslogConfig forwards log output to a remote syslog server.
type SyslogConfig struct {
	Host     string `hcl:"host" json:"host"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint and the interface
// counter collector.
type MetricsConfig struct {
	Enabled  *bool  `hcl:"enabled,optional" json:"enabled,omitempty"`
	Listen   string `hcl:"listen,optional" json:"listen,omitempty"`
	Interval string `hcl:"interval,optional" json:"interval,omitempty"`
}

// ControlConfig configures the control socket.
type ControlConfig struct {
	Socket string `hcl:"socket,optional" json:"socket,omitempty"`
	// AllowUIDs are the non-root users allowed to issue commands.
	AllowUIDs []int `hcl:"allow_uids,optional" json:"allow_uids,omitempty"`
	// Rate and Burst bound requests per connection.
	Rate  int `hcl:"rate,optional" json:"rate,omitempty"`
	Burst int `hcl:"burst,optional" json:"burst,omitempty"`
}

// JournalConfig configures the callback journal.
type JournalConfig struct {
	Enabled   *bool  `hcl:"enabled,optional" json:"enabled,omitempty"`
	Path      string `hcl:"path,optional" json:"path,omitempty"`
	Retention string `hcl:"retention,optional" json:"retention,omitempty"`
}

// InterfaceConfig configures one provisioning engine.
type InterfaceConfig struct {
	Name string `hcl:"name,label" json:"name"`

	// AutoStart starts provisioning when the daemon starts.
	AutoStart bool `hcl:"auto_start,optional" json:"auto_start,omitempty"`

	IPv4                      *bool `hcl:"ipv4,optional" json:"ipv4,omitempty"`
	IPv6                      *bool `hcl:"ipv6,optional" json:"ipv6,omitempty"`
	Preconnection             bool  `hcl:"preconnection,optional" json:"preconnection,omitempty"`
	ReachabilityMonitor       *bool `hcl:"reachability_monitor,optional" json:"reachability_monitor,omitempty"`
	MultinetworkPolicyTracker bool  `hcl:"multinetwork_policy_tracker,optional" json:"multinetwork_policy_tracker,omitempty"`
	AvoidBadWifi              *bool `hcl:"avoid_bad_wifi,optional" json:"avoid_bad_wifi,omitempty"`
	ApplyMTU                  bool  `hcl:"apply_mtu,optional" json:"apply_mtu,omitempty"`

	ProvisioningTimeout  string `hcl:"provisioning_timeout,optional" json:"provisioning_timeout,omitempty"`
	PreDHCPActionTimeout string `hcl:"pre_dhcp_action_timeout,optional" json:"pre_dhcp_action_timeout,omitempty"`
	RDNSSMinLifetime     string `hcl:"rdnss_min_lifetime,optional" json:"rdnss_min_lifetime,omitempty"`

	// AddrGenMode is one of eui64, none, stable_privacy, random.
	AddrGenMode    string `hcl:"addr_gen_mode,optional" json:"addr_gen_mode,omitempty"`
	DisplayName    string `hcl:"display_name,optional" json:"display_name,omitempty"`
	TCPBufferSizes string `hcl:"tcp_buffer_sizes,optional" json:"tcp_buffer_sizes,omitempty"`

	Static      *StaticConfig  `hcl:"static,block" json:"static,omitempty"`
	Initial     *InitialConfig `hcl:"initial,block" json:"initial,omitempty"`
	HTTPProxy   *ProxyConfig   `hcl:"http_proxy,block" json:"http_proxy,omitempty"`
	APF         *APFConfig     `hcl:"apf,block" json:"apf,omitempty"`
	SteadyNUD   *ProbeConfig   `hcl:"steady_state_probe,block" json:"steady_state_probe,omitempty"`
	PostRoamNUD *ProbeConfig   `hcl:"post_roam_probe,block" json:"post_roam_probe,omitempty"`
}

// StaticConfig is a static IPv4 configuration.
type StaticConfig struct {
	Address string   `hcl:"address" json:"address"`
	Gateway string   `hcl:"gateway,optional" json:"gateway,omitempty"`
	DNS     []string `hcl:"dns,optional" json:"dns,omitempty"`
	Domains string   `hcl:"domains,optional" json:"domains,omitempty"`
}

// InitialConfig is configuration known before provisioning starts.
type InitialConfig struct {
	Addresses []string `hcl:"addresses" json:"addresses"`
	Prefixes  []string `hcl:"prefixes,optional" json:"prefixes,omitempty"`
	DNS       []string `hcl:"dns,optional" json:"dns,omitempty"`
}

// ProxyConfig is a static HTTP proxy published with the link properties.
type ProxyConfig struct {
	Host       string   `hcl:"host,optional" json:"host,omitempty"`
	Port       int      `hcl:"port,optional" json:"port,omitempty"`
	Exclusions []string `hcl:"exclusions,optional" json:"exclusions,omitempty"`
	PACURL     string   `hcl:"pac_url,optional" json:"pac_url,omitempty"`
}

// APFConfig describes the packet filter interpreter of the hardware.
type APFConfig struct {
	Version        int `hcl:"version" json:"version"`
	MaxProgramSize int `hcl:"max_program_size,optional" json:"max_program_size,omitempty"`
	PacketFormat   int `hcl:"packet_format,optional" json:"packet_format,omitempty"`
}

// ProbeConfig tunes neighbor probing.
type ProbeConfig struct {
	Solicits int    `hcl:"solicits,optional" json:"solicits,omitempty"`
	Interval string `hcl:"interval,optional" json:"interval,omitempty"`
}

// Interface returns the configuration for name, or nil.
func (c *Config) Interface(name string) *InterfaceConfig {
	for i := range c.Interfaces {
		if c.Interfaces[i].Name == name {
			return &c.Interfaces[i]
		}
	}
	return nil
}

// InterfaceNames returns the configured interface names in file order.
func (c *Config) InterfaceNames() []string {
	names := make([]string, 0, len(c.Interfaces))
	for _, ic := range c.Interfaces {
		names = append(names, ic.Name)
	}
	return names
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
