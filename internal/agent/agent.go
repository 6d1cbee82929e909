// Package agent coordinates enrollment, heartbeats, and command execution.
package agent

import (
	"context"
	"time"

	"pulsemdm/internal/mdm"
)

// Version is reported to the server at enrollment.
const Version = "1.0.0"

// Default intervals.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPollInterval      = 10 * time.Second
	DefaultEnrollRetryDelay  = 60 * time.Second
)

// enrollAttempts is the initial attempt plus one retry.
const enrollAttempts = 2

// Server is the MDM server as seen by the agent.
type Server interface {
	Enroll(ctx context.Context, req mdm.EnrollRequest) error
	SendHeartbeat(ctx context.Context, deviceID string, hb mdm.Heartbeat) error
	PendingCommands(ctx context.Context, deviceID string) ([]mdm.Command, error)
	ReportResult(ctx context.Context, commandID string, result mdm.CommandResult) error
}

// Executor turns a command into its result.
type Executor interface {
	Execute(ctx context.Context, cmd mdm.Command) mdm.CommandResult
}

// DeviceInfoProvider collects a fresh device snapshot.
type DeviceInfoProvider interface {
	Collect(ctx context.Context, deviceID string) mdm.DeviceInfo
}

// IdentityResolver returns the stable device id, assigning it on first use.
type IdentityResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Options tunes the agent. Zero fields take their defaults.
type Options struct {
	AgentVersion      string
	InstallPath       string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	EnrollRetryDelay  time.Duration
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		AgentVersion:      Version,
		HeartbeatInterval: DefaultHeartbeatInterval,
		PollInterval:      DefaultPollInterval,
		EnrollRetryDelay:  DefaultEnrollRetryDelay,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AgentVersion == "" {
		o.AgentVersion = d.AgentVersion
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.EnrollRetryDelay <= 0 {
		o.EnrollRetryDelay = d.EnrollRetryDelay
	}
	return o
}

// runEvery calls tick immediately and then once per interval until ctx is done.
// Each tick runs on a context that is not cancelled with ctx, so a tick that
// has started finishes within its own timeouts.
func runEvery(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tickCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		tick(tickCtx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
