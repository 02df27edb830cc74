package brand

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	b := Get()
	assert.Equal(t, "ipclientd", b.Name)
	assert.NotEmpty(t, Version)
	assert.Equal(t, b.Name, Name)
	assert.Contains(t, VersionString(), Version)
}

func TestGetDirectories(t *testing.T) {
	for _, k := range []string{"_PREFIX", "_CONFIG_DIR", "_STATE_DIR", "_LOG_DIR", "_RUN_DIR"} {
		t.Setenv(ConfigEnvPrefix+k, "")
	}

	assert.Equal(t, DefaultConfigDir, GetConfigDir())
	assert.Equal(t, DefaultStateDir, GetStateDir())
	assert.Equal(t, DefaultLogDir, GetLogDir())
	assert.Equal(t, DefaultRunDir, GetRunDir())

	t.Setenv(ConfigEnvPrefix+"_PREFIX", "/tmp/ipclientd")
	assert.Equal(t, "/tmp/ipclientd/config", GetConfigDir())
	assert.Equal(t, "/tmp/ipclientd/config/ipclientd.hcl", GetConfigPath())

	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "/custom/config")
	assert.Equal(t, "/custom/config", GetConfigDir())
}

func TestGetSocketPath(t *testing.T) {
	t.Setenv(ConfigEnvPrefix+"_PREFIX", "")
	t.Setenv(ConfigEnvPrefix+"_RUN_DIR", "/run/test")
	assert.Equal(t, "/run/test/ipclientd-ctl.sock", GetSocketPath())
}
