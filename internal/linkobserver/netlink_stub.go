//go:build !linux

package linkobserver

import (
	"context"
	"errors"
)

// Start is only supported on Linux.
func (o *Observer) Start(ctx context.Context) error {
	return errors.New("link observation is only supported on linux")
}
