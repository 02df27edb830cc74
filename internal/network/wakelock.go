package network

import (
	"fmt"
	"time"
)

// WakeLock holds the system awake for a bounded time through the kernel's
// user-space wake lock interface.
type WakeLock struct {
	sys  SystemController
	name string
}

// NewWakeLock creates a named wake lock.
func NewWakeLock(sys SystemController, name string) *WakeLock {
	if sys == nil {
		sys = DefaultSystemController
	}
	return &WakeLock{sys: sys, name: name}
}

// Acquire takes the lock; the kernel releases it after d.
func (w *WakeLock) Acquire(d time.Duration) error {
	if err := w.sys.WriteSysctl(WakeLockPath, fmt.Sprintf("%s %d", w.name, d.Nanoseconds())); err != nil {
		if w.sys.IsNotExist(err) {
			// Kernels without CONFIG_PM_WAKELOCKS.
			return nil
		}
		return fmt.Errorf("failed to acquire wake lock %s: %w", w.name, err)
	}
	return nil
}
