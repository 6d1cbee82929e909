// Package deviceinfo collects the hardware and network facts sent to the MDM server.
package deviceinfo

import (
	"context"
	"log/slog"
	"math"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/distatus/battery"
	"github.com/shirou/gopsutil/v4/host"

	"pulsemdm/internal/mdm"
)

const (
	commandTimeout = 5 * time.Second
	// routeTargetAddr is never contacted; dialing UDP only selects the outbound interface.
	routeTargetAddr = "8.8.8.8:80"
	loopbackIP     = "127.0.0.1"
	unknown        = "unknown"
)

// System collects facts from the running host.
type System struct {
	logger    *slog.Logger
	hostInfo  func(context.Context) (*host.InfoStat, error)
	batteries func() ([]*battery.Battery, error)
	hardware  func(context.Context) (string, error)
	goos      string
	goarch    string
}

// NewSystem returns a collector for the running host.
func NewSystem(logger *slog.Logger) *System {
	return &System{
		logger:    logger,
		hostInfo:  host.InfoWithContext,
		batteries: battery.GetAll,
		hardware: func(ctx context.Context) (string, error) {
			return run(ctx, "system_profiler", "SPHardwareDataType")
		},
		goos:   runtime.GOOS,
		goarch: runtime.GOARCH,
	}
}

// Collect returns a fresh snapshot. Every field is best effort; collection never fails.
func (s *System) Collect(ctx context.Context, deviceID string) mdm.DeviceInfo {
	info := mdm.DeviceInfo{
		DeviceID:     deviceID,
		Hostname:     unknown,
		OSVersion:    unknown,
		Architecture: Architecture(s.goos, s.goarch),
		Platform:     Platform(s.goos),
		IPAddress:    OutboundIP(),
	}

	hi, err := s.hostInfo(ctx)
	if err != nil {
		// gopsutil returns partial stats alongside some errors.
		s.logger.Debug("failed to read host info", "error", err)
	}
	if hi != nil {
		applyHostInfo(&info, hi, s.goos)
	}
	if info.Hostname == unknown {
		if name, err := os.Hostname(); err == nil && name != "" {
			info.Hostname = name
		}
	}
	info.DeviceName = info.Hostname

	info.BatteryLevel, info.IsCharging = s.batteryState()

	if s.goos == "darwin" {
		if out, err := s.hardware(ctx); err == nil {
			info.SerialNumber, info.Model = parseHardwareOverview(out)
		} else {
			s.logger.Debug("system_profiler failed", "error", err)
		}
	}
	return info
}

// applyHostInfo overrides the defaults with what gopsutil reported.
// Linux reports the kernel release; other systems report the product version.
func applyHostInfo(info *mdm.DeviceInfo, hi *host.InfoStat, goos string) {
	if hi.Hostname != "" {
		info.Hostname = hi.Hostname
	}
	version := hi.PlatformVersion
	if goos == "linux" || version == "" {
		version = hi.KernelVersion
	}
	if version != "" {
		info.OSVersion = version
	}
	// Windows keeps the GOARCH spelling (AMD64) that the platform shows.
	if goos != "windows" && hi.KernelArch != "" {
		info.Architecture = hi.KernelArch
	}
}

// batteryState reports the first readable battery. A machine without one yields nil for both.
func (s *System) batteryState() (level *int, charging *bool) {
	all, err := s.batteries()
	if err != nil {
		s.logger.Debug("battery read incomplete", "error", err)
	}
	for _, b := range all {
		if b == nil || b.Full <= 0 {
			continue
		}
		pct := int(math.Round(b.Current / b.Full * 100))
		pct = max(0, min(100, pct))
		// A full battery only stays full while on external power.
		c := b.State.Raw == battery.Charging || b.State.Raw == battery.Full
		return &pct, &c
	}
	return nil, nil
}

// Platform maps GOOS to the platform names the server expects.
func Platform(goos string) string {
	switch goos {
	case "darwin":
		return "Darwin"
	case "linux":
		return "Linux"
	case "windows":
		return "Windows"
	case "freebsd":
		return "FreeBSD"
	case "openbsd":
		return "OpenBSD"
	case "netbsd":
		return "NetBSD"
	case "solaris", "illumos":
		return "SunOS"
	default:
		return goos
	}
}

// Architecture maps GOARCH to the machine names reported by uname. It is the
// fallback when the kernel does not report one.
func Architecture(goos, goarch string) string {
	switch goarch {
	case "amd64":
		if goos == "windows" {
			return "AMD64"
		}
		return "x86_64"
	case "386":
		return "i386"
	case "arm64":
		if goos == "linux" {
			return "aarch64"
		}
		return "arm64"
	default:
		return goarch
	}
}

// OutboundIP returns the local address of the default route, or 127.0.0.1.
func OutboundIP() string {
	conn, err := net.Dial("udp", routeTargetAddr)
	if err != nil {
		return loopbackIP
	}
	defer conn.Close() //nolint:errcheck // UDP socket, nothing was sent

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return loopbackIP
	}
	return addr.IP.String()
}

// parseHardwareOverview extracts the serial number and model name from
// `system_profiler SPHardwareDataType` output.
func parseHardwareOverview(out string) (serial, model string) {
	for line := range strings.SplitSeq(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch {
		case strings.HasPrefix(key, "Serial Number"):
			serial = value
		case key == "Model Name":
			model = value
		}
	}
	return serial, model
}

func run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
