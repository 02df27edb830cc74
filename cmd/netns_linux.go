//go:build linux

package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/vishvananda/netns"

	"grimm.is/ipclient/internal/logging"
)

// runInNamespace re-executes the daemon inside the named network namespace
// and relays signals to it until it exits.
func runInNamespace(name, configFile string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	child := exec.Command(self, "run", "-config", configFile, "-netns", name)
	child.Env = append(os.Environ(), netnsEnv+"="+name)
	child.Stdin, child.Stdout, child.Stderr = os.Stdin, os.Stdout, os.Stderr

	if err := startInNamespace(name, child); err != nil {
		return err
	}
	logging.Info("Daemon started in network namespace", "netns", name, "pid", child.Process.Pid)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGTERM, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		for sig := range sigs {
			child.Process.Signal(sig)
		}
	}()

	err = child.Wait()
	var exit *exec.ExitError
	if errors.As(err, &exit) && exit.ExitCode() > 0 {
		return fmt.Errorf("daemon in netns %s exited with status %d", name, exit.ExitCode())
	}
	return err
}

// startInNamespace forks child from a thread switched into the namespace.
// The child inherits the namespace of the forking thread.
func startInNamespace(name string, child *exec.Cmd) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origns, err := netns.Get()
	if err != nil {
		return fmt.Errorf("failed to get original netns: %w", err)
	}
	defer origns.Close()

	target, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("netns %s: %w", name, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return fmt.Errorf("failed to enter netns %s: %w", name, err)
	}
	startErr := child.Start()
	if err := netns.Set(origns); err != nil {
		// This thread is tainted; keep it locked so the runtime discards it.
		runtime.LockOSThread()
		return fmt.Errorf("failed to return to original netns: %w", err)
	}
	if startErr != nil {
		return fmt.Errorf("failed to start daemon in netns %s: %w", name, startErr)
	}
	return nil
}
