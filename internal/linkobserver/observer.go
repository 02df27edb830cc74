// Package linkobserver accumulates the kernel's view of one interface
// (addresses, routes, link state) and router-advertised configuration
// (RDNSS, DNSSL, PREF64) into a LinkProperties snapshot.
//
// Events arrive on a reader goroutine; every change invokes the owner's
// update callback, which is expected to re-read the snapshot with
// LinkProperties. The callback runs without the observer's lock held.
package linkobserver

import (
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"grimm.is/ipclient/internal/clock"
	"grimm.is/ipclient/internal/linkprops"
	"grimm.is/ipclient/internal/logging"
)

// UpdateFunc is called after every change with the current link state.
type UpdateFunc func(linkUp bool)

// Config tunes an Observer.
type Config struct {
	// MinRDNSSLifetime is the shortest nonzero RDNSS lifetime accepted.
	MinRDNSSLifetime time.Duration
}

type pref64Candidate struct {
	prefix netip.Prefix
	expiry time.Time
}

// Observer tracks the configuration of one interface.
type Observer struct {
	iface    string
	clock    clock.Clock
	logger   *logging.Logger
	onUpdate UpdateFunc

	mu      sync.Mutex
	lp      linkprops.LinkProperties
	dns     *DNSServerRepository
	linkUp  bool
	domains map[string]time.Time

	// At most one PREF64 prefix is active. A different prefix seen while
	// the active one is valid is kept as a candidate for when it expires.
	pref64Expiry time.Time
	candidate    *pref64Candidate
	pref64Alarm  clock.Timer
	pref64Gen    uint64
}

// New creates an Observer for iface. A zero MinRDNSSLifetime selects
// DefaultMinRDNSSLifetime.
func New(iface string, cfg Config, c clock.Clock, logger *logging.Logger, onUpdate UpdateFunc) *Observer {
	if cfg.MinRDNSSLifetime == 0 {
		cfg.MinRDNSSLifetime = DefaultMinRDNSSLifetime
	}
	if logger == nil {
		logger = logging.WithComponent("linkobserver")
	}
	if onUpdate == nil {
		onUpdate = func(bool) {}
	}
	c = clock.Or(c)
	return &Observer{
		iface:    iface,
		clock:    c,
		logger:   logger.WithInterface(iface),
		onUpdate: onUpdate,
		lp:       linkprops.New(iface),
		dns:      NewDNSServerRepository(cfg.MinRDNSSLifetime, c),
		linkUp:   true,
		domains:  make(map[string]time.Time),
	}
}

// Interface returns the observed interface name.
func (o *Observer) Interface() string { return o.iface }

// LinkProperties returns a copy of the current snapshot.
func (o *Observer) LinkProperties() linkprops.LinkProperties {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lp.Clone()
}

// LinkUp returns the last reported link state.
func (o *Observer) LinkUp() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.linkUp
}

// DNSServers exposes the RA-learned DNS repository.
func (o *Observer) DNSServers() *DNSServerRepository {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dns
}

// ClearLinkProperties resets the snapshot and the DNS repository and
// cancels any pending PREF64 alarm. No update is reported.
func (o *Observer) ClearLinkProperties() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lp = linkprops.New(o.iface)
	o.dns = NewDNSServerRepository(o.dns.minLifetime, o.clock)
	clear(o.domains)
	o.cancelPref64AlarmLocked()
	o.pref64Expiry = time.Time{}
	o.candidate = nil
}

// mutate runs f under the lock and reports an update if f returns true.
func (o *Observer) mutate(f func() bool) {
	o.mu.Lock()
	changed := f()
	up := o.linkUp
	o.mu.Unlock()
	if changed {
		o.onUpdate(up)
	}
}

// OnInterfaceLinkStateChanged records the carrier state of the interface.
func (o *Observer) OnInterfaceLinkStateChanged(up bool) {
	o.mutate(func() bool {
		if o.linkUp == up {
			return false
		}
		o.linkUp = up
		o.logger.Info("link state changed", "up", up)
		return true
	})
}

// OnAddressUpdated adds or refreshes an address.
func (o *Observer) OnAddressUpdated(a linkprops.LinkAddress) {
	o.mutate(func() bool { return o.lp.AddAddress(a) })
}

// OnAddressRemoved removes an address.
func (o *Observer) OnAddressRemoved(a linkprops.LinkAddress) {
	o.mutate(func() bool { return o.lp.RemoveAddress(a) })
}

// OnRouteUpdated adds a route.
func (o *Observer) OnRouteUpdated(r linkprops.Route) {
	o.mutate(func() bool { return o.lp.AddRoute(r) })
}

// OnRouteRemoved removes a route.
func (o *Observer) OnRouteRemoved(r linkprops.Route) {
	o.mutate(func() bool { return o.lp.RemoveRoute(r) })
}

// OnRDNSSOption records an RDNSS option. lifetime is in seconds.
func (o *Observer) OnRDNSSOption(lifetime uint32, servers []netip.Addr) {
	o.mutate(func() bool {
		if !o.dns.AddServers(lifetime, servers) {
			return false
		}
		o.dns.SetDNSServersOn(&o.lp)
		return true
	})
}

// OnDNSSLOption records a DNS search list option. Names that are not valid
// domain names are dropped. A zero lifetime withdraws the names.
func (o *Observer) OnDNSSLOption(lifetime uint32, names []string) {
	o.mutate(func() bool {
		now := o.clock.Now()
		expiry := now.Add(time.Duration(lifetime) * time.Second)
		for _, n := range names {
			n = strings.TrimSuffix(n, ".")
			if _, ok := dns.IsDomainName(n); !ok || n == "" {
				o.logger.Debug("ignoring invalid search domain", "domain", n)
				continue
			}
			if lifetime == 0 {
				delete(o.domains, n)
			} else {
				o.domains[n] = expiry
			}
		}
		for n, exp := range o.domains {
			if !exp.After(now) {
				delete(o.domains, n)
			}
		}
		list := make([]string, 0, len(o.domains))
		for n := range o.domains {
			list = append(list, n)
		}
		slices.Sort(list)
		joined := strings.Join(list, " ")
		if joined == o.lp.Domains {
			return false
		}
		o.lp.Domains = joined
		return true
	})
}

// OnPref64Option records a PREF64 option with the given lifetime.
func (o *Observer) OnPref64Option(prefix netip.Prefix, lifetime time.Duration) {
	prefix = prefix.Masked()
	o.mutate(func() bool {
		now := o.clock.Now()
		expiry := now.Add(lifetime)
		current := o.lp.NAT64Prefix

		if current.IsValid() && o.pref64Expiry.After(now) && current != prefix {
			if lifetime > 0 {
				o.candidate = &pref64Candidate{prefix: prefix, expiry: expiry}
			}
			o.logger.Debug("ignoring PREF64 while current prefix is valid",
				"prefix", prefix, "current", current)
			return false
		}

		if lifetime == 0 {
			if current != prefix {
				return false
			}
			o.pref64Expiry = now
			return o.evaluatePref64Locked(now)
		}

		o.lp.NAT64Prefix = prefix
		o.pref64Expiry = expiry
		o.schedulePref64AlarmLocked(expiry)
		return current != prefix
	})
}

// evaluatePref64Locked replaces an expired prefix with the best valid
// candidate, or clears it. It reports whether the prefix changed.
func (o *Observer) evaluatePref64Locked(now time.Time) bool {
	if !o.lp.NAT64Prefix.IsValid() || o.pref64Expiry.After(now) {
		return false
	}
	old := o.lp.NAT64Prefix
	o.cancelPref64AlarmLocked()
	if c := o.candidate; c != nil && c.expiry.After(now) {
		o.lp.NAT64Prefix = c.prefix
		o.pref64Expiry = c.expiry
		o.schedulePref64AlarmLocked(c.expiry)
	} else {
		o.lp.NAT64Prefix = netip.Prefix{}
		o.pref64Expiry = time.Time{}
	}
	o.candidate = nil
	return o.lp.NAT64Prefix != old
}

func (o *Observer) schedulePref64AlarmLocked(at time.Time) {
	o.cancelPref64AlarmLocked()
	gen := o.pref64Gen
	o.pref64Alarm = o.clock.AfterFunc(o.clock.Until(at), func() {
		o.mutate(func() bool {
			if gen != o.pref64Gen {
				return false
			}
			o.pref64Alarm = nil
			return o.evaluatePref64Locked(o.clock.Now())
		})
	})
}

func (o *Observer) cancelPref64AlarmLocked() {
	o.pref64Gen++
	if o.pref64Alarm != nil {
		o.pref64Alarm.Stop()
		o.pref64Alarm = nil
	}
}

// Pref64Expiry returns the expiry of the active PREF64 prefix, or the zero
// time when none is active.
func (o *Observer) Pref64Expiry() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pref64Expiry
}
