package network

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealSystemController_AbsolutePath(t *testing.T) {
	r := &RealSystemController{}
	tmpFile := filepath.Join(t.TempDir(), "retrans_time_ms")

	require.NoError(t, r.WriteSysctl(tmpFile, "750"))
	val, err := r.ReadSysctl(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, "750", val)

	require.NoError(t, os.WriteFile(tmpFile, []byte("1000\n"), 0644))
	val, err = r.ReadSysctl(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, "1000", val)
}

func TestSysctlPathConversion(t *testing.T) {
	assert.Equal(t, "/proc/sys/net/ipv4/ip_forward", sysctlPath("net.ipv4.ip_forward"))
	assert.Equal(t, "/sys/power/wake_lock", sysctlPath("/sys/power/wake_lock"))

	_, err := (&RealSystemController{}).ReadSysctl("net.test.nonexistent_key")
	assert.True(t, (&RealSystemController{}).IsNotExist(err))
}
