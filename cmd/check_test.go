package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	old := Stdout
	Stdout = &out
	t.Cleanup(func() { Stdout = old })
	return &out
}

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestRunCheck_ValidConfig(t *testing.T) {
	out := captureStdout(t)
	path := writeConfig(t, "valid.hcl", `
interface "wlan0" {
  auto_start = true
  static {
    address = "192.0.2.10/24"
    gateway = "192.0.2.1"
  }
}

interface "eth0" {
  ipv6          = false
  preconnection = true
}
`)

	require.NoError(t, RunCheck(path, true))
	text := out.String()
	assert.Contains(t, text, "Configuration valid!")
	assert.Contains(t, text, "Interfaces: 2")
	assert.Contains(t, text, "static")
	assert.Contains(t, text, "preconnection")
	assert.Contains(t, text, "control.socket")
}

func TestRunCheck_InvalidConfig(t *testing.T) {
	captureStdout(t)

	syntax := writeConfig(t, "syntax.hcl", `
interface "eth0" {
    # Missing closing brace
`)
	assert.Error(t, RunCheck(syntax, false))

	semantic := writeConfig(t, "semantic.hcl", `
interface "eth0" {
  addr_gen_mode = "sometimes"
}
`)
	assert.ErrorContains(t, RunCheck(semantic, false), "addr_gen_mode")

	assert.ErrorContains(t, RunCheck("", false), "usage:")
}

func TestRunFmt(t *testing.T) {
	const messy = "interface \"eth0\" {\nipv6=false\n  auto_start    = true\n}\n"

	t.Run("stdout", func(t *testing.T) {
		out := captureStdout(t)
		path := writeConfig(t, "c.hcl", messy)
		require.NoError(t, RunFmt(path, false, false))
		assert.Contains(t, out.String(), "  ipv6       = false\n")
	})

	t.Run("diff", func(t *testing.T) {
		out := captureStdout(t)
		path := writeConfig(t, "c.hcl", messy)
		require.NoError(t, RunFmt(path, true, false))
		assert.Contains(t, out.String(), "--- "+path)
		assert.Contains(t, out.String(), "-ipv6=false")
	})

	t.Run("write", func(t *testing.T) {
		out := captureStdout(t)
		path := writeConfig(t, "c.hcl", messy)
		require.NoError(t, RunFmt(path, false, true))
		assert.Empty(t, out.String())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotEqual(t, messy, string(data))

		// Already formatted: no diff.
		require.NoError(t, RunFmt(path, true, false))
		assert.Empty(t, out.String())
	})

	t.Run("invalid", func(t *testing.T) {
		captureStdout(t)
		path := writeConfig(t, "c.hcl", "interface {")
		assert.Error(t, RunFmt(path, false, false))
	})
}
