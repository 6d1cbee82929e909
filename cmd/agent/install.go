package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"
	"time"

	"pulsemdm/internal/config"
	"pulsemdm/internal/executor"
)

const (
	agentName      = "pulse-mdm-agent"
	launchdLabel   = "com.pulsemdm.agent"
	systemdUnit    = agentName + ".service"
	serviceTimeout = 15 * time.Second
)

var launchdPlist = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.AgentPath}}</string>
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogDir}}/agent.out.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogDir}}/agent.err.log</string>
</dict>
</plist>
`))

var systemdService = template.Must(template.New("service").Parse(`[Unit]
Description=Pulse MDM Agent
After=network-online.target

[Service]
Type=simple
ExecStart={{.AgentPath}} --config {{.ConfigPath}}
Restart=always
RestartSec=30

[Install]
WantedBy=default.target
`))

// installer registers the agent for autostart under a user's home directory.
type installer struct {
	runner executor.Runner
	logger *slog.Logger
	home   string
	goos   string
}

func (in *installer) dir() string {
	return filepath.Join(in.home, ".pulse-mdm")
}

func (in *installer) agentPath() string {
	name := agentName
	if in.goos == "windows" {
		name += ".exe"
	}
	return filepath.Join(in.dir(), name)
}

func (in *installer) configPath() string {
	return filepath.Join(in.dir(), "config.json")
}

func (in *installer) plistPath() string {
	return filepath.Join(in.home, "Library", "LaunchAgents", launchdLabel+".plist")
}

func (in *installer) unitPath() string {
	return filepath.Join(in.home, ".config", "systemd", "user", systemdUnit)
}

type unitData struct {
	Label      string
	AgentPath  string
	ConfigPath string
	LogDir     string
}

func (in *installer) unitData() unitData {
	return unitData{
		Label:      launchdLabel,
		AgentPath:  in.agentPath(),
		ConfigPath: in.configPath(),
		LogDir:     in.dir(),
	}
}

// install copies exePath into the install directory, writes the config file
// and registers the platform autostart entry.
func (in *installer) install(ctx context.Context, exePath string, cfg config.Config) error {
	if cfg.EnrollmentKey == "" {
		return config.ErrMissingEnrollmentKey
	}
	if in.goos != "darwin" && in.goos != "linux" {
		return fmt.Errorf("autostart install is not supported on %s", in.goos)
	}

	if err := os.MkdirAll(in.dir(), 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", in.dir(), err)
	}

	target := in.agentPath()
	if exePath == target {
		in.logger.Info("agent already installed", "path", target)
	} else if err := installExecutable(exePath, target); err != nil {
		return err
	}

	// An existing device id survives a reinstall.
	if _, err := os.Stat(in.configPath()); err == nil {
		if existing, err := config.Load(in.configPath()); err == nil {
			cfg.DeviceID = existing.DeviceID()
		}
	}
	if err := config.Save(in.configPath(), cfg); err != nil {
		return err
	}
	in.logger.Info("wrote config", "path", in.configPath(), "server", cfg.ServerURL)

	switch in.goos {
	case "darwin":
		return in.installLaunchd(ctx)
	default:
		return in.installSystemd(ctx)
	}
}

// uninstall removes the autostart entry and the installed binary. The config
// file is kept so a reinstall reuses the device id.
func (in *installer) uninstall(ctx context.Context) error {
	switch in.goos {
	case "darwin":
		in.bestEffort(ctx, "launchctl", "unload", in.plistPath())
		if err := removeIfExists(in.plistPath()); err != nil {
			return fmt.Errorf("failed to remove plist: %w", err)
		}
	case "linux":
		in.bestEffort(ctx, "systemctl", "--user", "disable", "--now", systemdUnit)
		if err := removeIfExists(in.unitPath()); err != nil {
			return fmt.Errorf("failed to remove service file: %w", err)
		}
		in.bestEffort(ctx, "systemctl", "--user", "daemon-reload")
	default:
		return fmt.Errorf("autostart install is not supported on %s", in.goos)
	}

	if err := removeIfExists(in.agentPath()); err != nil {
		return fmt.Errorf("failed to remove executable: %w", err)
	}
	return nil
}

func (in *installer) installLaunchd(ctx context.Context) error {
	path := in.plistPath()
	if err := writeTemplate(path, launchdPlist, in.unitData()); err != nil {
		return err
	}

	// Reloading picks up a changed plist when the agent was already registered.
	in.bestEffort(ctx, "launchctl", "unload", path)
	if err := in.run(ctx, "launchctl", "load", path); err != nil {
		return fmt.Errorf("failed to load launch agent: %w", err)
	}
	in.logger.Info("launch agent loaded", "plist", path)
	return nil
}

func (in *installer) installSystemd(ctx context.Context) error {
	path := in.unitPath()
	if err := writeTemplate(path, systemdService, in.unitData()); err != nil {
		return err
	}

	for _, args := range [][]string{
		{"--user", "daemon-reload"},
		{"--user", "enable", systemdUnit},
		{"--user", "restart", systemdUnit},
	} {
		if err := in.run(ctx, "systemctl", args...); err != nil {
			return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
		}
	}
	in.logger.Info("systemd user service started", "unit", path)
	return nil
}

func (in *installer) run(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, serviceTimeout)
	defer cancel()
	_, err := in.runner.Run(ctx, name, args...)
	return err
}

func (in *installer) bestEffort(ctx context.Context, name string, args ...string) {
	if err := in.run(ctx, name, args...); err != nil {
		in.logger.Debug("ignoring failure", "command", name, "error", err)
	}
}

func writeTemplate(path string, tmpl *template.Template, data unitData) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // standard permissions for service directories
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return fmt.Errorf("failed to render %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil { //nolint:gosec // service definitions are world-readable
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// installExecutable copies the executable to the target path, handling busy files.
func installExecutable(exePath, targetPath string) error {
	data, err := os.ReadFile(exePath)
	if err != nil {
		return fmt.Errorf("failed to read executable: %w", err)
	}

	// Writing beside the target and renaming works even while the old binary is running.
	tmp := targetPath + ".new"
	if err := os.WriteFile(tmp, data, 0o755); err != nil { //nolint:gosec // executable needs execute permission
		return fmt.Errorf("failed to copy executable: %w", err)
	}
	if err := os.Rename(tmp, targetPath); err != nil {
		_ = os.Remove(targetPath) //nolint:errcheck // retry the rename below
		if err := os.Rename(tmp, targetPath); err != nil {
			_ = os.Remove(tmp) //nolint:errcheck // already failing
			return fmt.Errorf("failed to replace executable: %w", err)
		}
	}
	return nil
}

// runInstall handles --install.
func runInstall(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	in, err := newInstaller(logger)
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	if err := in.install(ctx, exe, cfg); err != nil {
		return err
	}
	fmt.Printf("Installed %s; config at %s\n", in.agentPath(), in.configPath())
	return nil
}

// runUninstall handles --uninstall.
func runUninstall(ctx context.Context, logger *slog.Logger) error {
	in, err := newInstaller(logger)
	if err != nil {
		return err
	}
	if err := in.uninstall(ctx); err != nil {
		return err
	}
	fmt.Printf("Uninstalled %s\n", in.agentPath())
	return nil
}

func newInstaller(logger *slog.Logger) (*installer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return &installer{
		runner: executor.ExecRunner{Logger: logger},
		logger: logger,
		home:   home,
		goos:   runtime.GOOS,
	}, nil
}
