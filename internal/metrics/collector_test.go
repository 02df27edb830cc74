package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ipclient/internal/logging"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := &dto.Metric{}
	require.NoError(t, (<-ch).Write(m))
	if m.Counter != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

func writeSys(t *testing.T, root, iface string, files map[string]string) {
	t.Helper()
	for name, val := range files {
		path := filepath.Join(root, iface, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(val+"\n"), 0o644))
	}
}

func TestCollector_ReadsSysfs(t *testing.T) {
	root := t.TempDir()
	writeSys(t, root, "wlan0", map[string]string{
		"statistics/rx_bytes":   "1500",
		"statistics/tx_bytes":   "900",
		"statistics/rx_packets": "12",
		"statistics/tx_errors":  "2",
		"operstate":             "up",
		"speed":                 "1000",
	})

	c := NewCollector(logging.New(logging.DefaultConfig()), time.Minute, []string{"wlan0", "missing0"})
	c.sysRoot = root
	c.collectMetrics()

	stats := c.GetInterfaceStats()
	require.Contains(t, stats, "wlan0")
	assert.Equal(t, uint64(1500), stats["wlan0"].RxBytes)
	assert.Equal(t, uint64(900), stats["wlan0"].TxBytes)
	assert.Equal(t, uint64(2), stats["wlan0"].TxErrors)
	assert.True(t, stats["wlan0"].LinkUp)
	assert.Equal(t, uint64(1000), stats["wlan0"].Speed)
	assert.False(t, stats["missing0"].LinkUp)
	assert.False(t, c.GetLastUpdate().IsZero())

	assert.Equal(t, 1500.0, counterValue(t, Get().InterfaceRxBytes.WithLabelValues("wlan0")))
}

func TestCollector_Lifecycle(t *testing.T) {
	c := NewCollector(nil, 10*time.Millisecond, nil)
	assert.True(t, c.GetLastUpdate().IsZero())

	done := make(chan struct{})
	go func() {
		c.Start()
		close(done)
	}()
	assert.Eventually(t, func() bool { return !c.GetLastUpdate().IsZero() }, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()
	<-done
}

func TestIncrementConfigReload(t *testing.T) {
	c := NewCollector(nil, time.Minute, nil)
	c.IncrementConfigReload(true)
	c.IncrementConfigReload(false)
	c.IncrementConfigReload(true)
	success, failure := c.GetReloadCounts()
	assert.Equal(t, int64(2), success)
	assert.Equal(t, int64(1), failure)
}

func TestRegistryRecorders(t *testing.T) {
	r := Get()
	assert.Same(t, r, Get())

	before := counterValue(t, r.NUDFailures.WithLabelValues("test0", "probe", "true"))
	r.RecordNUDFailure("test0", true, true)
	assert.Equal(t, before+1, counterValue(t, r.NUDFailures.WithLabelValues("test0", "probe", "true")))

	r.RecordLifecycle("test0", 3*time.Second)
	assert.Equal(t, 1.0, counterValue(t, r.ProvisioningEvents.WithLabelValues("test0", ResultCompleteLifecycle)))

	r.SetEngineState("test0", "", "stopped")
	r.SetEngineState("test0", "stopped", "running")
	assert.Equal(t, 0.0, counterValue(t, r.EngineState.WithLabelValues("test0", "stopped")))
	assert.Equal(t, 1.0, counterValue(t, r.EngineState.WithLabelValues("test0", "running")))

	r.RecordRPC("Server.Status", errors.New("boom"), time.Millisecond)
	assert.Equal(t, 1.0, counterValue(t, r.RPCRequests.WithLabelValues("Server.Status", "error")))
}
