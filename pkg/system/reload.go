// Package system wraps the host service manager operations the
// controller depends on.
package system

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// Reloader restarts the proxy service so a rewritten config document
// takes effect.
type Reloader interface {
	Reload(ctx context.Context) error
}

// SystemdReloader restarts a systemd unit via systemctl.
type SystemdReloader struct {
	service string
	timeout time.Duration
	logger  *zap.Logger
}

func NewSystemdReloader(service string, timeout time.Duration, logger *zap.Logger) *SystemdReloader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SystemdReloader{service: service, timeout: timeout, logger: logger}
}

func (r *SystemdReloader) Reload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "systemctl", "restart", r.service)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to restart service %s: %w (output: %s)", r.service, err, output)
	}
	r.logger.Info("Service restarted", zap.String("service", r.service))
	return nil
}
