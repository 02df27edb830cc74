package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"grimm.is/ipclient/internal/brand"
	"grimm.is/ipclient/internal/config"
	"grimm.is/ipclient/internal/daemon"
	"grimm.is/ipclient/internal/logging"
)

// Restart policy after a panic in the daemon loop.
const (
	maxRestarts   = 5
	restartWindow = time.Minute
)

// RunDaemon runs the daemon in the foreground until SIGTERM or SIGINT.
// SIGHUP reloads the configuration file. With netns set the daemon runs
// inside that named network namespace.
func RunDaemon(configFile, netns string) error {
	if netns != "" && os.Getenv(netnsEnv) != netns {
		return runInNamespace(netns, configFile)
	}

	var restarts []time.Time
	for {
		restart, err := runDaemonOnce(configFile, netns)
		if !restart {
			return err
		}

		now := time.Now()
		restarts = append(restarts, now)
		for len(restarts) > 0 && now.Sub(restarts[0]) > restartWindow {
			restarts = restarts[1:]
		}
		if len(restarts) > maxRestarts {
			return fmt.Errorf("daemon crashed %d times within %s, giving up", len(restarts), restartWindow)
		}
		logging.Warn("Restarting daemon after crash", "restarts", len(restarts))
		time.Sleep(time.Second)
	}
}

func runDaemonOnce(configFile, netns string) (restart bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Daemon panic", "panic", r, "stack", string(debug.Stack()))
			restart, err = true, fmt.Errorf("panic: %v", r)
		}
	}()

	cfg, err := loadDaemonConfig(configFile, netns)
	if err != nil {
		return false, err
	}

	logCloser, err := daemon.SetupLogging(cfg)
	if err != nil {
		return false, err
	}
	defer logCloser.Close()
	logger := logging.WithComponent("main")

	if err := SetProcessName(brand.LowerName); err != nil {
		logger.Debug("Failed to set process name", "error", err)
	}

	pidFile := PIDFile(netns)
	if err := writePIDFile(pidFile); err != nil {
		return false, err
	}
	defer os.Remove(pidFile)

	d, err := daemon.New(daemon.Options{Config: cfg, Listen: true})
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Start(ctx); err != nil {
		d.Stop()
		return false, err
	}
	logger.Info("Daemon started", "version", brand.VersionString(), "interfaces", len(cfg.Interfaces), "netns", netns)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGTERM, os.Interrupt)
	defer signal.Stop(sigs)

	for sig := range sigs {
		if sig != syscall.SIGHUP {
			logger.Info("Shutting down", "signal", sig.String())
			break
		}
		next, err := loadDaemonConfig(configFile, netns)
		if err != nil {
			logger.Error("Reload failed, keeping current configuration", "error", err)
			continue
		}
		if err := d.Reload(next); err != nil {
			logger.Error("Reload failed, keeping current configuration", "error", err)
			continue
		}
		logger.Info("Configuration reloaded")
	}

	d.Stop()
	return false, nil
}

// loadDaemonConfig loads the configuration file. A daemon in a named
// namespace defaults to its own socket and state directory so several can
// run side by side.
func loadDaemonConfig(configFile, netns string) (*config.Config, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if netns == "" {
		return cfg, nil
	}
	if cfg.Control == nil {
		cfg.Control = &config.ControlConfig{}
	}
	if cfg.Control.Socket == "" {
		cfg.Control.Socket = SocketPath("", netns)
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(brand.GetStateDir(), "netns", netns)
	}
	return cfg, nil
}
