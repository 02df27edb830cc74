// Package brand holds the daemon's identity: its name, default directories
// and the control socket location. The values come from brand.json, embedded
// at compile time, and the directories can be overridden from the
// environment using the configured prefix.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Vendor           string `json:"vendor"`
	Repository       string `json:"repository"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	DefaultLogDir    string `json:"defaultLogDir"`
	DefaultRunDir    string `json:"defaultRunDir"`
	SocketName       string `json:"socketName"`
	BinaryName       string `json:"binaryName"`
	ConfigFileName   string `json:"configFileName"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	DefaultLogDir = b.DefaultLogDir
	DefaultRunDir = b.DefaultRunDir
	SocketName = b.SocketName
	BinaryName = b.BinaryName
	ConfigFileName = b.ConfigFileName
}

var (
	Name             string
	LowerName        string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	DefaultLogDir    string
	DefaultRunDir    string
	SocketName       string
	BinaryName       string
	ConfigFileName   string

	// Version is set at build time via -ldflags
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// VersionString renders the build identity for `version` and status output.
func VersionString() string {
	return Name + " " + Version + " (" + GitCommit + ", built " + BuildTime + ")"
}

// dir resolves one of the daemon directories.
// Priority: <PREFIX>_<KIND>_DIR > <PREFIX>_PREFIX/<sub> > def
func dir(kind, sub, def string) string {
	if d := os.Getenv(ConfigEnvPrefix + "_" + kind + "_DIR"); d != "" {
		return d
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, sub)
	}
	return def
}

// GetStateDir returns the directory holding persisted leases and the
// event journal.
func GetStateDir() string { return dir("STATE", "state", DefaultStateDir) }

// GetLogDir returns the log directory.
func GetLogDir() string { return dir("LOG", "log", DefaultLogDir) }

// GetConfigDir returns the config directory.
func GetConfigDir() string { return dir("CONFIG", "config", DefaultConfigDir) }

// GetRunDir returns the runtime directory for sockets and PID files.
func GetRunDir() string { return dir("RUN", "run", DefaultRunDir) }

// GetConfigPath returns the default configuration file path.
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// GetSocketPath returns the full path to the control plane socket,
// e.g. /run/ipclientd/ipclientd-ctl.sock.
func GetSocketPath() string {
	return filepath.Join(GetRunDir(), LowerName+"-"+SocketName)
}
