//go:build linux

package cmd

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// The kernel keeps at most 15 bytes of a thread name.
const maxCommLen = 15

// SetProcessName sets the name shown by ps and top.
func SetProcessName(name string) error {
	if len(name) > maxCommLen {
		name = name[:maxCommLen]
	}
	p, err := unix.BytePtrFromString(name)
	if err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(p)), 0, 0, 0)
}
