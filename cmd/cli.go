// Package cmd implements the ipclientd subcommands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"grimm.is/ipclient/internal/brand"
	"grimm.is/ipclient/internal/ctlplane"
	"grimm.is/ipclient/internal/i18n"
)

// Printer is the global message printer for the CLI.
var Printer = i18n.NewCLIPrinter()

// Stdout is where command output goes. Tests replace it.
var Stdout io.Writer = os.Stdout

// netnsEnv marks a daemon process already running inside its namespace.
var netnsEnv = brand.ConfigEnvPrefix + "_NETNS"

// newClient connects to the control socket. Tests replace it.
var newClient = func(socket string) (ctlplane.ControlPlaneClient, error) {
	return ctlplane.NewClient(socket)
}

// ClientOptions select the daemon a client command talks to.
type ClientOptions struct {
	Socket string
	Netns  string
	Output string
}

// SocketPath returns the control socket for a daemon. Daemons running in a
// named namespace get their own socket.
func SocketPath(override, netns string) string {
	if override != "" {
		return override
	}
	if netns != "" {
		return filepath.Join(brand.GetRunDir(), fmt.Sprintf("%s-%s-%s", brand.LowerName, netns, brand.SocketName))
	}
	return brand.GetSocketPath()
}

// PIDFile returns the PID file path for a daemon.
func PIDFile(netns string) string {
	name := brand.LowerName
	if netns != "" {
		name += "-" + netns
	}
	return filepath.Join(brand.GetRunDir(), name+".pid")
}

func withClient(opts ClientOptions, fn func(ctlplane.ControlPlaneClient) error) error {
	client, err := newClient(SocketPath(opts.Socket, opts.Netns))
	if err != nil {
		return fmt.Errorf("%w\nIs the daemon running? Start it with: %s run", err, brand.BinaryName)
	}
	defer client.Close()
	return fn(client)
}

// writeStructured writes v as JSON or YAML. YAML is produced from the JSON
// encoding so both formats share field names.
func writeStructured(w io.Writer, format string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	switch format {
	case "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		var doc yaml.MapSlice
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		out, err := yaml.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	}
	return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}
