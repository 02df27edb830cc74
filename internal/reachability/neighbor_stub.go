//go:build !linux

package reachability

import (
	"context"
	"errors"
)

// Start is only supported on Linux.
func (m *Monitor) Start(ctx context.Context) error {
	return errors.New("neighbor monitoring is only supported on linux")
}
