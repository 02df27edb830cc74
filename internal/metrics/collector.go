package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/ipclient/internal/clock"
	"grimm.is/ipclient/internal/logging"
)

// InterfaceStats holds traffic statistics for a managed interface.
type InterfaceStats struct {
	Name      string `json:"name"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
	RxErrors  uint64 `json:"rx_errors"`
	TxErrors  uint64 `json:"tx_errors"`
	RxDropped uint64 `json:"rx_dropped"`
	TxDropped uint64 `json:"tx_dropped"`
	LinkUp    bool   `json:"link_up"`
	Speed     uint64 `json:"speed_mbps,omitempty"`
}

// Collector periodically samples interface counters for the managed
// interfaces and the process uptime.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	interval time.Duration
	sysRoot  string
	started  time.Time
	stopCh   chan struct{}
	stopOnce sync.Once

	mu             sync.RWMutex
	lastUpdate     time.Time
	interfaceStats map[string]*InterfaceStats

	reloadSuccess int64
	reloadFailure int64
}

// NewCollector creates a collector for the given interfaces.
func NewCollector(logger *logging.Logger, interval time.Duration, ifaces []string) *Collector {
	if logger == nil {
		logger = logging.WithComponent("metrics")
	}
	c := &Collector{
		registry:       Get(),
		logger:         logger,
		interval:       interval,
		sysRoot:        "/sys/class/net",
		started:        clock.Now(),
		stopCh:         make(chan struct{}),
		interfaceStats: make(map[string]*InterfaceStats),
	}
	for _, name := range ifaces {
		c.interfaceStats[name] = &InterfaceStats{Name: name}
	}
	return c
}

// Start runs the collection loop until Stop is called.
func (c *Collector) Start() {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collectMetrics()
	for {
		select {
		case <-ticker.C:
			c.collectMetrics()
		case <-c.stopCh:
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Stop stops the collection loop.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Collector) collectMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, stats := range c.interfaceStats {
		if err := c.readInterface(name, stats); err != nil {
			c.logger.Debug("Failed to read interface stats", "iface", name, "error", err)
		}
	}
	c.registry.Uptime.Set(clock.Since(c.started).Seconds())
	c.lastUpdate = clock.Now()
}

func (c *Collector) readInterface(name string, stats *InterfaceStats) error {
	dir := filepath.Join(c.sysRoot, name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("interface %s: %w", name, err)
	}
	base := filepath.Join(dir, "statistics")
	stats.RxBytes = readSysUint64(filepath.Join(base, "rx_bytes"))
	stats.TxBytes = readSysUint64(filepath.Join(base, "tx_bytes"))
	stats.RxPackets = readSysUint64(filepath.Join(base, "rx_packets"))
	stats.TxPackets = readSysUint64(filepath.Join(base, "tx_packets"))
	stats.RxErrors = readSysUint64(filepath.Join(base, "rx_errors"))
	stats.TxErrors = readSysUint64(filepath.Join(base, "tx_errors"))
	stats.RxDropped = readSysUint64(filepath.Join(base, "rx_dropped"))
	stats.TxDropped = readSysUint64(filepath.Join(base, "tx_dropped"))

	operstate, _ := os.ReadFile(filepath.Join(dir, "operstate"))
	stats.LinkUp = strings.TrimSpace(string(operstate)) == "up"

	if speed := readSysUint64(filepath.Join(dir, "speed")); speed > 0 && speed < 1000000 {
		stats.Speed = speed
	}

	c.registry.InterfaceRxBytes.WithLabelValues(name).Set(float64(stats.RxBytes))
	c.registry.InterfaceTxBytes.WithLabelValues(name).Set(float64(stats.TxBytes))
	c.registry.InterfaceRxPackets.WithLabelValues(name).Set(float64(stats.RxPackets))
	c.registry.InterfaceTxPackets.WithLabelValues(name).Set(float64(stats.TxPackets))
	c.registry.InterfaceErrors.WithLabelValues(name, "rx").Set(float64(stats.RxErrors))
	c.registry.InterfaceErrors.WithLabelValues(name, "tx").Set(float64(stats.TxErrors))
	return nil
}

// readSysUint64 reads a uint64 value from a sysfs file.
func readSysUint64(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	val, _ := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	return val
}

// IncrementConfigReload increments the config reload counter.
func (c *Collector) IncrementConfigReload(success bool) {
	status := "success"
	c.mu.Lock()
	if success {
		c.reloadSuccess++
	} else {
		status = "failure"
		c.reloadFailure++
	}
	c.mu.Unlock()
	c.registry.ConfigReload.WithLabelValues(status).Inc()
}

// GetReloadCounts returns the reload success and failure counts.
func (c *Collector) GetReloadCounts() (success, failure int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reloadSuccess, c.reloadFailure
}

// GetInterfaceStats returns a copy of the current interface statistics.
func (c *Collector) GetInterfaceStats() map[string]*InterfaceStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]*InterfaceStats, len(c.interfaceStats))
	for k, v := range c.interfaceStats {
		copy := *v
		result[k] = &copy
	}
	return result
}

// GetLastUpdate returns the timestamp of the last collection.
func (c *Collector) GetLastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, logger *logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if logger != nil {
		logger.Info("Serving metrics", "addr", ln.Addr().String())
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
