// Package packettracker records a rate-limited log of connectivity packets
// (ARP, DHCPv4 and IPv6 neighbor discovery) seen on an interface, for
// inclusion in diagnostic dumps.
package packettracker

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/bpf"

	"grimm.is/ipclient/internal/clock"
	"grimm.is/ipclient/internal/logging"
	"grimm.is/ipclient/internal/metrics"
	"grimm.is/ipclient/internal/network"
	"grimm.is/ipclient/internal/ratelimit"
)

// Token bucket settings for the packet log.
const (
	TokenFillRate = 50
	TokenBurst    = 100

	rateLimitLogInterval = time.Second
	readTimeout          = time.Second
)

// Conn is a packet socket bound to one interface.
type Conn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Opener opens a capture socket on ifi with filter attached.
type Opener func(ifi *net.Interface, filter []bpf.RawInstruction) (Conn, error)

// Options configures a Tracker. Zero values select defaults.
type Options struct {
	Filter  []bpf.Instruction
	Open    Opener
	Clock   clock.Clock
	Log     *logging.LocalLog
	Metrics *metrics.Registry
	Logger  *logging.Logger
}

// Tracker captures and logs connectivity packets on one interface.
type Tracker struct {
	ifi    net.Interface
	filter []bpf.RawInstruction
	open   Opener
	clock  clock.Clock
	log    *logging.LocalLog
	bucket *ratelimit.TokenBucket
	reg    *metrics.Registry
	logger *logging.Logger

	mu              sync.Mutex
	conn            Conn
	done            chan struct{}
	displayName     string
	lastRateLimitAt time.Time
}

// New creates a tracker for the interface. The filter is assembled here so
// that a bad program is reported before any socket is opened.
func New(params *network.InterfaceParams, opts Options) (*Tracker, error) {
	if params == nil {
		return nil, fmt.Errorf("packet tracker: %w", network.ErrInterfaceNotFound)
	}
	if opts.Filter == nil {
		opts.Filter = ConnectivityFilter()
	}
	raw, err := bpf.Assemble(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("assemble packet filter: %w", err)
	}
	if opts.Open == nil {
		opts.Open = listenRaw
	}
	if opts.Log == nil {
		opts.Log = logging.PacketLog(params.Name)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Get()
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("packettracker")
	}
	c := clock.Or(opts.Clock)
	return &Tracker{
		ifi: net.Interface{
			Index:        params.Index,
			Name:         params.Name,
			HardwareAddr: params.MAC,
			MTU:          params.DefaultMTU,
		},
		filter: raw,
		open:   opts.Open,
		clock:  c,
		log:    opts.Log,
		bucket: ratelimit.NewTokenBucket(TokenFillRate, TokenBurst, c),
		reg:    opts.Metrics,
		logger: opts.Logger.WithInterface(params.Name),
	}, nil
}

// Log returns the packet log the tracker writes to.
func (t *Tracker) Log() *logging.LocalLog { return t.log }

// Start opens the capture socket and begins logging. displayName, when
// set, is included in the start and stop markers.
func (t *Tracker) Start(displayName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	conn, err := t.open(&t.ifi, t.filter)
	if err != nil {
		t.logger.Warn("failed to start packet capture", "error", err)
		return fmt.Errorf("packet capture on %s: %w", t.ifi.Name, err)
	}
	t.conn = conn
	t.done = make(chan struct{})
	t.displayName = displayName
	t.log.Add(marker("START", displayName))
	go t.readLoop(conn, t.done)
	return nil
}

// Stop closes the capture socket and waits for the reader to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Close()
	<-done
	t.log.Add(marker("STOP", t.displayName))
}

func marker(what, displayName string) string {
	if displayName == "" {
		return "--- " + what + " ---"
	}
	return "--- " + what + " (" + displayName + ") ---"
}

func (t *Tracker) readLoop(conn Conn, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 1<<16)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				t.logger.Debug("packet capture ended", "error", err)
			}
			return
		}
		t.HandlePacket(buf[:n])
	}
}

// HandlePacket logs one captured frame, subject to rate limiting.
func (t *Tracker) HandlePacket(frame []byte) {
	if !t.bucket.Get() {
		t.reg.PacketsRateLimited.WithLabelValues(t.ifi.Name).Inc()
		t.mu.Lock()
		now := t.clock.Now()
		logIt := t.lastRateLimitAt.IsZero() || now.Sub(t.lastRateLimitAt) >= rateLimitLogInterval
		if logIt {
			t.lastRateLimitAt = now
		}
		t.mu.Unlock()
		if logIt {
			t.log.Add(fmt.Sprintf("Warning: too many packets, rate-limiting to one every %dms",
				time.Second.Milliseconds()/TokenFillRate))
		}
		return
	}

	summary := Summarize(frame, t.ifi.HardwareAddr)
	direction := "rx"
	if strings.HasPrefix(summary, "TX") {
		direction = "tx"
	}
	t.reg.PacketsLogged.WithLabelValues(t.ifi.Name, direction).Inc()
	t.log.Add(summary + "\n[" + strings.ToUpper(hex.EncodeToString(frame)) + "]")
}
