package dhcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// Lease is an acquired DHCPv4 lease.
type Lease struct {
	Offer        *dhcpv4.DHCPv4
	ACK          *dhcpv4.DHCPv4
	CreationTime time.Time
}

// Duration returns the lease time granted by the server. Zero means the ACK
// carried none.
func (l *Lease) Duration() time.Duration {
	return l.ACK.IPAddressLeaseTime(0)
}

// RenewAfter returns T1, defaulting to half the lease, or an hour when the
// lease has no duration.
func (l *Lease) RenewAfter() time.Duration {
	if t1 := l.ACK.IPAddressRenewalTime(0); t1 > 0 {
		return t1
	}
	if d := l.Duration(); d > 0 {
		return d / 2
	}
	return time.Hour
}

// Expired reports whether the lease has run out at now.
func (l *Lease) Expired(now time.Time) bool {
	d := l.Duration()
	return d > 0 && !now.Before(l.CreationTime.Add(d))
}

// savedLease is the on-disk form of a lease.
type savedLease struct {
	OfferPacket []byte    `json:"offer_packet,omitempty"`
	ACKPacket   []byte    `json:"ack_packet"`
	ObtainedAt  time.Time `json:"obtained_at"`
}

// LeaseStore persists leases as JSON files under a state directory, one per
// key. The key is the layer 2 key when the caller has one, so a lease is
// reused only on the same network.
type LeaseStore struct {
	dir string
}

// NewLeaseStore creates a store rooted at dir.
func NewLeaseStore(dir string) *LeaseStore {
	return &LeaseStore{dir: dir}
}

func (s *LeaseStore) path(key string) string {
	key = strings.Map(func(r rune) rune {
		if r == '/' || r == os.PathSeparator || r == 0 {
			return '_'
		}
		return r
	}, key)
	return filepath.Join(s.dir, fmt.Sprintf("dhcp_client_%s.json", key))
}

// Save writes lease under key.
func (s *LeaseStore) Save(key string, lease *Lease) error {
	if lease == nil || lease.ACK == nil {
		return errors.New("no lease to save")
	}
	sl := savedLease{
		ACKPacket:  lease.ACK.ToBytes(),
		ObtainedAt: lease.CreationTime,
	}
	if lease.Offer != nil {
		sl.OfferPacket = lease.Offer.ToBytes()
	}
	data, err := json.Marshal(sl)
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create lease directory: %w", err)
	}
	if err := os.WriteFile(s.path(key), data, 0o644); err != nil {
		return fmt.Errorf("failed to save lease: %w", err)
	}
	return nil
}

// Load reads the lease saved under key.
func (s *LeaseStore) Load(key string) (*Lease, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, err
	}
	var sl savedLease
	if err := json.Unmarshal(data, &sl); err != nil {
		return nil, fmt.Errorf("corrupt lease file: %w", err)
	}
	ack, err := dhcpv4.FromBytes(sl.ACKPacket)
	if err != nil {
		return nil, fmt.Errorf("corrupt saved ACK: %w", err)
	}
	lease := &Lease{ACK: ack, CreationTime: sl.ObtainedAt}
	if len(sl.OfferPacket) > 0 {
		lease.Offer, _ = dhcpv4.FromBytes(sl.OfferPacket)
	}
	return lease, nil
}

// Remove deletes the lease saved under key.
func (s *LeaseStore) Remove(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
