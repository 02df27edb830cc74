package linkobserver

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"grimm.is/ipclient/internal/clock"
	"grimm.is/ipclient/internal/linkprops"
)

// DNS server repository limits.
const (
	NumCurrentServers = 3
	NumServers        = 12

	DefaultMinRDNSSLifetime = 120 * time.Second
)

type dnsServerEntry struct {
	addr   netip.Addr
	expiry time.Time
}

// DNSServerRepository tracks DNS servers learned from router advertisements
// and picks a small, stable set of current servers from them.
//
// Up to NumServers servers are tracked, sorted by expiry, latest first. The
// current set holds at most NumCurrentServers of them. A current server only
// leaves the set when it expires or is pruned, never to make room for a
// server with a longer lifetime, which keeps the set stable across
// advertisements.
type DNSServerRepository struct {
	mu          sync.Mutex
	clock       clock.Clock
	minLifetime time.Duration
	all         []dnsServerEntry
	current     map[netip.Addr]struct{}
}

// NewDNSServerRepository creates an empty repository. Batches whose nonzero
// lifetime is below minLifetime are ignored.
func NewDNSServerRepository(minLifetime time.Duration, c clock.Clock) *DNSServerRepository {
	return &DNSServerRepository{
		clock:       clock.Or(c),
		minLifetime: minLifetime,
		current:     make(map[netip.Addr]struct{}),
	}
}

// AddServers records a batch of servers announced with one lifetime, in
// seconds. A zero lifetime withdraws the servers. It reports whether the
// current set changed.
func (r *DNSServerRepository) AddServers(lifetime uint32, addrs []netip.Addr) bool {
	lt := time.Duration(lifetime) * time.Second
	if lifetime != 0 && lt < r.minLifetime {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	expiry := now.Add(lt)
	for _, a := range addrs {
		if r.refreshLocked(a, expiry) {
			continue
		}
		if expiry.After(now) {
			r.all = append(r.all, dnsServerEntry{addr: a, expiry: expiry})
		}
	}
	slices.SortStableFunc(r.all, func(a, b dnsServerEntry) int {
		return b.expiry.Compare(a.expiry)
	})
	return r.updateCurrentLocked(now)
}

func (r *DNSServerRepository) refreshLocked(a netip.Addr, expiry time.Time) bool {
	for i := range r.all {
		if r.all[i].addr == a {
			r.all[i].expiry = expiry
			return true
		}
	}
	return false
}

func (r *DNSServerRepository) updateCurrentLocked(now time.Time) bool {
	changed := false

	// Expired entries sort last.
	for i := len(r.all) - 1; i >= 0; i-- {
		if i < NumServers && r.all[i].expiry.After(now) {
			break
		}
		if _, ok := r.current[r.all[i].addr]; ok {
			delete(r.current, r.all[i].addr)
			changed = true
		}
		r.all = r.all[:i]
	}

	for _, e := range r.all {
		if len(r.current) >= NumCurrentServers {
			break
		}
		if _, ok := r.current[e.addr]; !ok {
			r.current[e.addr] = struct{}{}
			changed = true
		}
	}
	return changed
}

// CurrentServers returns the current set, latest expiry first.
func (r *DNSServerRepository) CurrentServers() []netip.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]netip.Addr, 0, len(r.current))
	for _, e := range r.all {
		if _, ok := r.current[e.addr]; ok {
			out = append(out, e.addr)
		}
	}
	return out
}

// TrackedServers returns every tracked server, latest expiry first.
func (r *DNSServerRepository) TrackedServers() []netip.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]netip.Addr, len(r.all))
	for i, e := range r.all {
		out[i] = e.addr
	}
	return out
}

// SetDNSServersOn replaces lp's DNS servers with the current set.
func (r *DNSServerRepository) SetDNSServersOn(lp *linkprops.LinkProperties) {
	lp.DNSServers = r.CurrentServers()
}
