package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/codeGROOVE-dev/retry"

	"pulsemdm/internal/config"
)

// ErrEnrollmentFailed is returned by Supervisor.Run when both enrollment attempts fail.
var ErrEnrollmentFailed = errors.New("enrollment failed")

var errEnrollAttempt = errors.New("enrollment attempt rejected")

// Deps are the collaborators a Supervisor drives.
type Deps struct {
	Identity   IdentityResolver
	Server     Server
	Executor   Executor
	DeviceInfo DeviceInfoProvider
}

// Supervisor enrolls the device and then runs the heartbeat and command loops
// until its context is cancelled.
type Supervisor struct {
	deps    Deps
	logger  *slog.Logger
	cfg     config.Config
	opts    Options
	running atomic.Bool
}

// NewSupervisor returns a Supervisor for the configuration snapshot cfg.
func NewSupervisor(cfg config.Config, deps Deps, opts Options, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		deps:   deps,
		logger: logger,
		cfg:    cfg,
		opts:   opts.withDefaults(),
	}
}

// Running reports whether the loops have been started and not yet stopped.
func (s *Supervisor) Running() bool {
	return s.running.Load()
}

// Run resolves the device id, enrolls, and runs both loops until ctx is done.
// It returns nil after a clean shutdown, ctx.Err() if cancelled before
// enrollment completed, and a non-nil error for any fatal startup failure.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	deviceID, err := s.deps.Identity.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve device id: %w", err)
	}
	s.logger.Info("starting agent", "device_id", deviceID, "server", s.cfg.ServerURL, "version", s.opts.AgentVersion)

	if err := s.enroll(ctx, deviceID); err != nil {
		return err
	}

	heartbeat := NewHeartbeatLoop(deviceID, s.deps.Server, s.deps.DeviceInfo, s.opts.HeartbeatInterval, s.logger.With("loop", "heartbeat"))
	commands := NewCommandLoop(deviceID, s.deps.Server, s.deps.Executor, s.opts.PollInterval, s.logger.With("loop", "commands"))

	s.running.Store(true)
	defer s.running.Store(false)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		heartbeat.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		commands.Run(ctx)
	}()

	s.logger.Info("agent running", "heartbeat_interval", s.opts.HeartbeatInterval, "poll_interval", s.opts.PollInterval)
	wg.Wait()
	s.logger.Info("agent stopped")
	return nil
}

// enroll tries once, waits the retry delay on failure, and tries once more.
func (s *Supervisor) enroll(ctx context.Context, deviceID string) error {
	enroller := NewEnroller(s.cfg, s.deps.Server, s.deps.DeviceInfo, s.opts, s.logger)

	attempt := 0
	err := retry.Do(func() error {
		attempt++
		if enroller.Enroll(ctx, deviceID) {
			return nil
		}
		if attempt < enrollAttempts {
			s.logger.Warn("enrollment failed, retrying", "delay", s.opts.EnrollRetryDelay)
		}
		return errEnrollAttempt
	},
		retry.Attempts(enrollAttempts),
		retry.Delay(s.opts.EnrollRetryDelay),
		retry.MaxDelay(s.opts.EnrollRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Error("enrollment failed, giving up", "attempts", attempt)
	return fmt.Errorf("%w after %d attempts", ErrEnrollmentFailed, attempt)
}
