//go:build !linux

package cmd

import "errors"

func runInNamespace(string, string) error {
	return errors.New("network namespaces are only supported on Linux")
}
