package agent

import (
	"context"
	"log/slog"
	"time"

	"pulsemdm/internal/config"
	"pulsemdm/internal/mdm"
)

// Enroller registers the device with the server.
type Enroller struct {
	server Server
	info   DeviceInfoProvider
	logger *slog.Logger
	cfg    config.Config
	opts   Options
}

// NewEnroller returns an Enroller for cfg.
func NewEnroller(cfg config.Config, server Server, info DeviceInfoProvider, opts Options, logger *slog.Logger) *Enroller {
	return &Enroller{
		server: server,
		info:   info,
		logger: logger,
		cfg:    cfg,
		opts:   opts.withDefaults(),
	}
}

// Enroll makes one enrollment attempt and reports whether the server accepted it.
// Failures are logged, never returned.
func (e *Enroller) Enroll(ctx context.Context, deviceID string) bool {
	if e.cfg.EnrollmentKey == "" {
		e.logger.Error("no enrollment key provided")
		return false
	}

	start := time.Now()
	e.logger.Info("enrolling device", "device_id", deviceID, "server", e.cfg.ServerURL)

	req := mdm.EnrollRequest{
		DeviceInfo:       e.info.Collect(ctx, deviceID),
		EnrollmentKey:    e.cfg.EnrollmentKey,
		AgentVersion:     e.opts.AgentVersion,
		AgentInstallPath: e.opts.InstallPath,
	}
	if err := e.server.Enroll(ctx, req); err != nil {
		e.logger.Error("enrollment failed", "device_id", deviceID, "error", err)
		return false
	}

	e.logger.Info("device enrolled successfully", "device_id", deviceID, "duration", time.Since(start))
	return true
}
