//go:build !linux

package cmd

// SetProcessName is a no-op outside Linux.
func SetProcessName(string) error { return nil }
