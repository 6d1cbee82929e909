// Package main implements the Pulse MDM agent: it enrolls this device with the
// MDM server, reports heartbeats, and executes the commands the server queues.
package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"pulsemdm/internal/actions"
	"pulsemdm/internal/agent"
	"pulsemdm/internal/client"
	"pulsemdm/internal/config"
	"pulsemdm/internal/deviceinfo"
	"pulsemdm/internal/executor"
	"pulsemdm/internal/identity"
)

//go:embed actions.yaml
var actionsConfig []byte

// flags holds the parsed command line.
type flags struct {
	configPath        string
	logLevel          string
	logFormat         string
	logFile           string
	server            string
	enrollmentKey     string
	heartbeatInterval time.Duration
	pollInterval      time.Duration
	check             bool
	install           bool
	uninstall         bool
	version           bool
	help              bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*flags, *pflag.FlagSet, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("pulse-mdm-agent", pflag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "config file (default ~/.pulse-mdm/config.json or $"+config.EnvConfigPath+")")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "text", "log format: text or json")
	fs.StringVar(&f.logFile, "log-file", "", "also append logs to this file (default ~/.pulse-mdm/agent.log; empty disables)")
	fs.StringVar(&f.server, "server", "", "MDM server URL, e.g. http://localhost:5005/api")
	fs.StringVar(&f.enrollmentKey, "enrollment-key", "", "enrollment key issued by the MDM server")
	fs.DurationVar(&f.heartbeatInterval, "heartbeat-interval", agent.DefaultHeartbeatInterval, "interval between heartbeats")
	fs.DurationVar(&f.pollInterval, "poll-interval", agent.DefaultPollInterval, "interval between command polls")
	fs.BoolVar(&f.check, "check", false, "test connectivity to the server and exit")
	fs.BoolVar(&f.install, "install", false, "install the agent to start automatically")
	fs.BoolVar(&f.uninstall, "uninstall", false, "remove the installed agent")
	fs.BoolVar(&f.version, "version", false, "print version and exit")
	fs.BoolVarP(&f.help, "help", "h", false, "show help")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	if fs.NArg() > 0 {
		return nil, fs, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if (f.check && f.install) || (f.check && f.uninstall) || (f.install && f.uninstall) {
		return nil, fs, errors.New("--check, --install and --uninstall are mutually exclusive")
	}

	if !fs.Changed("log-file") && !f.check && !f.install && !f.uninstall {
		if dir, err := config.Dir(); err == nil {
			f.logFile = filepath.Join(dir, "agent.log")
		}
	}
	return f, fs, nil
}

func run(args []string) error {
	f, fs, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if f.help {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n%s", fs.Name(), fs.FlagUsages())
		return nil
	}
	if f.version {
		fmt.Printf("pulse-mdm-agent %s\n", agent.Version)
		return nil
	}

	logger, closeLog, err := newLogger(f.logLevel, f.logFormat, f.logFile)
	if err != nil {
		return err
	}
	defer closeLog() //nolint:errcheck // best effort on exit

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.uninstall {
		return runUninstall(ctx, logger)
	}

	path := f.configPath
	if path == "" {
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}

	if f.install {
		cfg := config.Config{ServerURL: f.server, EnrollmentKey: f.enrollmentKey}
		if cfg.ServerURL == "" {
			cfg.ServerURL = config.DefaultServerURL
		}
		return runInstall(ctx, logger, cfg)
	}

	store, err := config.Load(path)
	if err != nil {
		return err
	}
	logger.Debug("loaded config", "path", store.Path())

	if f.check {
		return runSelfCheck(ctx, logger, store, f)
	}

	set, err := actions.Parse(actionsConfig)
	if err != nil {
		return fmt.Errorf("failed to parse actions config: %w", err)
	}

	opts := agent.DefaultOptions()
	opts.HeartbeatInterval = f.heartbeatInterval
	opts.PollInterval = f.pollInterval
	if exe, err := os.Executable(); err == nil {
		opts.InstallPath = filepath.Dir(exe)
	}

	cfg := store.Snapshot()
	sup := agent.NewSupervisor(cfg, agent.Deps{
		Identity:   identity.NewResolver(store, logger),
		Server:     client.New(cfg.ServerURL),
		Executor:   executor.NewDispatcher(set, logger),
		DeviceInfo: deviceinfo.NewSystem(logger),
	}, opts, logger)

	if err := sup.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("shutdown requested before enrollment completed")
			return nil
		}
		logger.Error("agent failed", "error", err)
		return err
	}
	return nil
}

// runSelfCheck handles --check. --server and --enrollment-key override the config file.
func runSelfCheck(ctx context.Context, logger *slog.Logger, store *config.Store, f *flags) error {
	cfg := store.Snapshot()
	if f.server != "" {
		cfg.ServerURL = f.server
	}
	if f.enrollmentKey != "" {
		cfg.EnrollmentKey = f.enrollmentKey
	}

	deviceID, err := identity.NewResolver(store, logger).Resolve(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve device id: %w", err)
	}

	c := &selfCheck{
		client:   client.New(cfg.ServerURL, client.WithCreatedEnrollment()),
		info:     deviceinfo.NewSystem(logger),
		out:      os.Stdout,
		cfg:      cfg,
		deviceID: deviceID,
	}
	if !c.run(ctx) {
		return errors.New("connectivity check failed")
	}
	return nil
}
