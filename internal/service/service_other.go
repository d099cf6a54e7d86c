//go:build !windows

// Package service provides stubs for non-Windows systems, where the
// supervisor runs under whatever process manager the host uses (systemd,
// launchd) rather than one this package integrates with directly.
package service

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

const ServiceName = "rmm-agent"

// ErrUnsupported is returned by the service-manager glue on platforms
// this package does not integrate with.
var ErrUnsupported = errors.New("service: not supported on this platform")

// AgentService is a no-op on non-Windows.
type AgentService struct {
	RunFunc func(ctx context.Context) error
	Log     *zap.SugaredLogger
}

// IsWindowsService always returns false on non-Windows.
func IsWindowsService() bool { return false }

// Run is a no-op on non-Windows.
func Run(handler *AgentService) error { return nil }

func Install(displayName, description string) error { return ErrUnsupported }
func Uninstall() error                              { return ErrUnsupported }
func Start() error                                  { return ErrUnsupported }
func Stop() error                                   { return ErrUnsupported }
func RequestSelfStop() error                         { return ErrUnsupported }
