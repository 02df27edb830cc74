package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// writePIDFile records the current process. It refuses to overwrite the PID
// file of a live process and removes stale ones.
func writePIDFile(path string) error {
	if pid, err := readPIDFile(path); err == nil {
		if processAlive(pid) && pid != os.Getpid() {
			return fmt.Errorf("process already running (PID: %d)", pid)
		}
		Printer.Fprintf(os.Stderr, "Warning: Removing stale PID file %s\n", path)
		os.Remove(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file %s: %q", path, string(data))
	}
	return pid, nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// signalDaemon sends sig to the daemon recorded in the PID file.
func signalDaemon(netns string, sig syscall.Signal) (int, error) {
	path := PIDFile(netns)
	pid, err := readPIDFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file %s: %w (is the daemon running?)", path, err)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := p.Signal(sig); err != nil {
		return pid, fmt.Errorf("failed to signal process: %w", err)
	}
	return pid, nil
}

// RunReload validates the configuration file and asks the running daemon
// to reload it.
func RunReload(configFile, netns string) error {
	Printer.Fprintf(Stdout, "Validating configuration: %s\n", configFile)
	if _, err := loadDaemonConfig(configFile, netns); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	Printer.Fprintln(Stdout, "Configuration is valid.")

	pid, err := signalDaemon(netns, syscall.SIGHUP)
	if err != nil {
		return err
	}
	Printer.Fprintf(Stdout, "Reload signal sent to process %d.\n", pid)
	return nil
}

// RunTerminate stops the running daemon and waits for it to remove its PID
// file.
func RunTerminate(netns string) error {
	pid, err := signalDaemon(netns, syscall.SIGTERM)
	if err != nil {
		return err
	}
	Printer.Fprintf(Stdout, "Stopping daemon (PID: %d)...\n", pid)

	path := PIDFile(netns)
	for i := 0; i < 100; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			Printer.Fprintln(Stdout, "Stopped.")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	Printer.Fprintln(Stdout, "Warning: PID file still exists. Process might be stuck or slow to shutdown.")
	return nil
}
