package agent

import (
	"context"
	"log/slog"
	"time"

	"pulsemdm/internal/mdm"
)

// HeartbeatLoop periodically reports that the device is online.
type HeartbeatLoop struct {
	server   Server
	info     DeviceInfoProvider
	logger   *slog.Logger
	deviceID string
	interval time.Duration
}

// NewHeartbeatLoop returns a loop reporting for deviceID every interval.
func NewHeartbeatLoop(deviceID string, server Server, info DeviceInfoProvider, interval time.Duration, logger *slog.Logger) *HeartbeatLoop {
	return &HeartbeatLoop{
		server:   server,
		info:     info,
		logger:   logger,
		deviceID: deviceID,
		interval: interval,
	}
}

// Run sends a heartbeat immediately and then every interval until ctx is done.
func (l *HeartbeatLoop) Run(ctx context.Context) {
	runEvery(ctx, l.interval, func(ctx context.Context) {
		_ = l.Tick(ctx) //nolint:errcheck // logged by Tick; the next tick retries
	})
}

// Tick sends one heartbeat built from a fresh device snapshot.
func (l *HeartbeatLoop) Tick(ctx context.Context) error {
	hb := mdm.NewHeartbeat(l.info.Collect(ctx, l.deviceID))
	if err := l.server.SendHeartbeat(ctx, l.deviceID, hb); err != nil {
		l.logger.Warn("heartbeat failed", "device_id", l.deviceID, "error", err)
		return err
	}
	l.logger.Debug("heartbeat sent", "device_id", l.deviceID, "ip", hb.IPAddress)
	return nil
}

// CommandLoop polls for pending commands, executes them in order, and reports each result.
type CommandLoop struct {
	server   Server
	executor Executor
	logger   *slog.Logger
	deviceID string
	interval time.Duration
}

// NewCommandLoop returns a loop polling for deviceID every interval.
func NewCommandLoop(deviceID string, server Server, executor Executor, interval time.Duration, logger *slog.Logger) *CommandLoop {
	return &CommandLoop{
		server:   server,
		executor: executor,
		logger:   logger,
		deviceID: deviceID,
		interval: interval,
	}
}

// Run polls immediately and then every interval until ctx is done.
func (l *CommandLoop) Run(ctx context.Context) {
	runEvery(ctx, l.interval, func(ctx context.Context) {
		_ = l.Tick(ctx) //nolint:errcheck // logged by Tick; the next tick retries
	})
}

// Tick fetches pending commands and handles them sequentially. Only a failed
// poll is returned; execution and report failures are logged.
func (l *CommandLoop) Tick(ctx context.Context) error {
	cmds, err := l.server.PendingCommands(ctx, l.deviceID)
	if err != nil {
		l.logger.Warn("command poll failed", "device_id", l.deviceID, "error", err)
		return err
	}
	if len(cmds) > 0 {
		l.logger.Info("received commands", "count", len(cmds))
	}

	for _, cmd := range cmds {
		l.handle(ctx, cmd)
	}
	return nil
}

func (l *CommandLoop) handle(ctx context.Context, cmd mdm.Command) {
	result := l.executor.Execute(ctx, cmd)

	if cmd.ID == "" {
		l.logger.Warn("command has no id, result not reported", "type", cmd.CommandType, "status", result.Status)
		return
	}
	if err := l.server.ReportResult(ctx, cmd.ID, result); err != nil {
		l.logger.Error("failed to report command result", "command_id", cmd.ID, "status", result.Status, "error", err)
		return
	}
	l.logger.Info("command result reported", "command_id", cmd.ID, "status", result.Status)
}
